package session

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/braddevans/PorkLib/pkg/core/future"
	"github.com/braddevans/PorkLib/pkg/engine"
	"github.com/braddevans/PorkLib/pkg/pipeline"
	"github.com/braddevans/PorkLib/pkg/protocol"
	"github.com/braddevans/PorkLib/pkg/transport"
)

// pendingSend tracks the frames one application send produced. Its future
// completes when the last of them was handed to the link.
type pendingSend struct {
	f    *future.Future
	mu   sync.Mutex
	refs int
	err  error
}

func (p *pendingSend) hold() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

func (p *pendingSend) release(err error) {
	p.mu.Lock()
	if err != nil && p.err == nil {
		p.err = err
	}
	p.refs--
	last := p.refs == 0
	err = p.err
	p.mu.Unlock()
	if last {
		p.f.Complete(err)
	}
}

type outbound struct {
	frame protocol.Frame
	rel   transport.Reliability
	p     *pendingSend
}

func (o outbound) complete(err error) {
	if o.p != nil {
		o.p.release(err)
	}
}

// Send is SendOn channel 0.
func (s *Session) Send(msg any, rel transport.Reliability) *future.Future {
	return s.SendOn(0, msg, rel)
}

// SendOn fires sending for msg from the application end of the pipeline.
// Unspecified rel uses the fallback reliability. Configuration errors fail
// the returned future before anything is queued.
func (s *Session) SendOn(channel uint16, msg any, rel transport.Reliability) *future.Future {
	rel, err := s.checkSend(channel, msg, rel)
	if err != nil {
		s.metrics.SendRejected()
		return future.Failed(err)
	}
	f := future.New()
	if err := s.bind.Submit(func() { s.dispatchSend(msg, channel, rel, f) }); err != nil {
		f.Complete(ErrSessionClosed)
	}
	return f
}

func (s *Session) checkSend(channel uint16, msg any, rel transport.Reliability) (transport.Reliability, error) {
	if rel == transport.Unspecified {
		rel = s.FallbackReliability()
	}
	if !s.rels.Has(rel) {
		return rel, fmt.Errorf("%w: %s not in %s", transport.ErrUnsupportedReliability, rel, s.rels)
	}
	if msg == nil {
		return rel, pipeline.ErrNilMessage
	}
	if s.closeRequested.Load() || s.State() >= Closing {
		return rel, ErrSessionClosed
	}
	if !s.hasChannel(channel) {
		return rel, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	return rel, nil
}

func (s *Session) dispatchSend(msg any, channel uint16, rel transport.Reliability, f *future.Future) {
	if s.State() != Open {
		f.Complete(ErrSessionClosed)
		return
	}
	p := &pendingSend{f: f, refs: 1}
	err := s.pipe.Send(msg, channel, &pipeline.Write{Reliability: rel, Attachment: p})
	p.release(err)
}

// WriteFrame queues an already encoded frame, bypassing the pipeline. It is
// used to fan one encoding out to many sessions.
func (s *Session) WriteFrame(f protocol.Frame, rel transport.Reliability) error {
	if rel == transport.Unspecified {
		rel = s.FallbackReliability()
	}
	if !s.rels.Has(rel) {
		return transport.ErrUnsupportedReliability
	}
	if s.State() != Open || s.closeRequested.Load() {
		return ErrSessionClosed
	}
	if !s.hasChannel(f.Channel) {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, f.Channel)
	}
	return s.enqueue(outbound{frame: f, rel: rel})
}

// write is the pipeline sink. It runs on the loop.
func (s *Session) write(msg any, channel uint16, w *pipeline.Write) error {
	if s.State() != Open {
		return ErrSessionClosed
	}
	rel := w.Reliability
	if rel == transport.Unspecified {
		rel = s.FallbackReliability()
	}
	if !s.rels.Has(rel) {
		return fmt.Errorf("%w: %s not in %s", transport.ErrUnsupportedReliability, rel, s.rels)
	}
	if !s.hasChannel(channel) {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	frame, err := s.codecs.Encode(msg, channel)
	if err != nil {
		return err
	}
	p, _ := w.Attachment.(*pendingSend)
	return s.enqueue(outbound{frame: frame, rel: rel, p: p})
}

// enqueue hands o to the writer without ever blocking the loop. A full queue
// fails the frame with ErrSendQueueFull.
func (s *Session) enqueue(o outbound) error {
	select {
	case <-s.writerDone:
		return ErrSessionClosed
	default:
	}
	if o.p != nil {
		o.p.hold()
	}
	select {
	case s.out <- o:
		return nil
	default:
		if o.p != nil {
			o.p.release(nil)
		}
		s.metrics.SendRejected()
		return fmt.Errorf("%w: %d frames pending", ErrSendQueueFull, cap(s.out))
	}
}

// perSend reports whether a write error concerns only the frame at hand.
func perSend(err error) bool {
	return errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, transport.ErrUnsupportedReliability) ||
		errors.Is(err, transport.ErrMessageTooLarge)
}

// writeLoop hands queued frames to the link and flushes whenever the queue
// runs dry. Once the session starts closing it writes what is queued, or
// fails it when the close abandons pending work, then closes the link.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	failed := false
	for {
		var o outbound
		select {
		case o = <-s.out:
		default:
			if !failed {
				if err := s.link.Flush(); err != nil {
					failed = true
					s.writeFailed(err)
				}
			}
			select {
			case o = <-s.out:
			case <-s.drain:
				s.finishWrites(failed)
				return
			}
		}
		if failed || s.abandon.Load() {
			o.complete(ErrSessionClosed)
			continue
		}
		err := s.link.WriteFrame(o.frame, o.rel)
		o.complete(err)
		switch {
		case err == nil:
			s.metrics.FrameOut(len(o.frame.Payload))
		case perSend(err):
			s.logger.Debug("frame rejected by link", zap.Uint16("channel", o.frame.Channel), zap.Error(err))
		default:
			failed = true
			s.writeFailed(err)
		}
	}
}

func (s *Session) finishWrites(failed bool) {
	for {
		select {
		case o := <-s.out:
			if failed || s.abandon.Load() {
				o.complete(ErrSessionClosed)
				continue
			}
			err := s.link.WriteFrame(o.frame, o.rel)
			o.complete(err)
			if err != nil && !perSend(err) {
				failed = true
			}
		default:
			if !failed && !s.abandon.Load() {
				if err := engine.Finish(s.link); err != nil {
					s.logger.Debug("final flush failed", zap.Error(err))
				}
			}
			if err := s.link.Close(); err != nil {
				s.logger.Debug("link close", zap.Error(err))
			}
			s.runClose(s.finishClose)
			return
		}
	}
}

func (s *Session) writeFailed(err error) {
	s.logger.Debug("link write failed", zap.Error(err))
	s.abandon.Store(true)
	s.runClose(func() { s.beginClose(err, true) })
}

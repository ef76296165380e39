package session

import (
	"errors"
	"io"
	"net"
	"reflect"

	"go.uber.org/zap"

	"github.com/braddevans/PorkLib/pkg/pipeline"
	"github.com/braddevans/PorkLib/pkg/protocol"
	"github.com/braddevans/PorkLib/pkg/transport"
)

// readLoop blocks on the link and hands every batch to the loop. At most
// readAhead batches wait on the loop at a time.
func (s *Session) readLoop() {
	for {
		frames, err := s.link.ReadFrames()
		if len(frames) > 0 && !s.submitFrames(frames) {
			return
		}
		if err != nil {
			s.runClose(func() { s.readFailed(err) })
			return
		}
	}
}

// submitFrames queues a batch on the loop. Frames decoded ahead of a read
// error are queued before the error is handled.
func (s *Session) submitFrames(frames []protocol.Frame) bool {
	select {
	case s.inflight <- struct{}{}:
	case <-s.done:
		return false
	}
	if err := s.bind.Submit(func() { s.deliver(frames) }); err != nil {
		<-s.inflight
		return false
	}
	return true
}

func (s *Session) deliver(frames []protocol.Frame) {
	defer func() { <-s.inflight }()
	for _, f := range frames {
		if s.State() != Open {
			return
		}
		msg, err := s.codecs.DecodeFrame(f)
		if err != nil {
			s.decodeFailed(err)
			return
		}
		s.metrics.FrameIn(len(f.Payload))
		s.pipe.FireReceived(msg, f.Channel)
	}
}

func (s *Session) readFailed(err error) {
	if st := s.State(); st != Open && st != Connecting {
		return
	}
	var fe *protocol.FrameError
	switch {
	case errors.As(err, &fe):
		s.decodeFailed(err)
	case errors.Is(err, io.EOF):
		s.logger.Debug("peer closed")
		s.beginClose(nil, false)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe), errors.Is(err, transport.ErrClosed):
		s.beginClose(nil, true)
	default:
		s.logger.Debug("link read failed", zap.Error(err))
		s.beginClose(err, true)
	}
}

// decodeFailed fires exceptionCaught and closes without delivering anything
// further.
func (s *Session) decodeFailed(err error) {
	s.metrics.DecodeError()
	s.logger.Warn("decode failed", zap.Error(err))
	s.abandon.Store(true)
	s.pipe.FireExceptionCaught(err)
	s.beginClose(err, true)
}

// unhandled receives errors that passed every node and the top-level
// handler.
func (s *Session) unhandled(err error) {
	s.metrics.HandlerError()
	if s.errSink != nil {
		s.errSink(s, err)
	} else {
		s.logger.Warn("unhandled session error", zap.Error(err))
	}
	s.beginClose(err, false)
}

// terminal is the tail of every pipeline; it hands events to the session's
// top-level handler.
type terminal struct{ s *Session }

func (t terminal) Opened(ctx *pipeline.Context) error {
	if h, ok := t.s.handler.(pipeline.OpenedHandler); ok {
		return h.Opened(ctx)
	}
	return nil
}

func (t terminal) Closed(ctx *pipeline.Context) error {
	if h, ok := t.s.handler.(pipeline.ClosedHandler); ok {
		return h.Closed(ctx)
	}
	return nil
}

func (t terminal) ExceptionCaught(ctx *pipeline.Context, err error) error {
	if h, ok := t.s.handler.(pipeline.ExceptionHandler); ok {
		return h.ExceptionCaught(ctx, err)
	}
	return err
}

func (t terminal) Received(ctx *pipeline.Context, msg any, channel uint16) error {
	h, ok := t.s.handler.(pipeline.ReceivedHandler)
	if ok && (t.s.hcaps.Receive == nil || reflect.TypeOf(msg).AssignableTo(t.s.hcaps.Receive)) {
		return h.Received(ctx, msg, channel)
	}
	t.s.logger.Debug("message not handled", zap.String("type", reflect.TypeOf(msg).String()), zap.Uint16("channel", channel))
	return nil
}

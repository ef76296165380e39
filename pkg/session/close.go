package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/braddevans/PorkLib/pkg/core/future"
)

// CloseAsync starts an orderly close: sends accepted so far are flushed,
// later ones fail with ErrSessionClosed. The future completes once the
// session reached CLOSED.
func (s *Session) CloseAsync() *future.Future {
	if s.closeRequested.CompareAndSwap(false, true) {
		if s.started.CompareAndSwap(false, true) {
			go s.writeLoop()
		}
		s.runClose(func() { s.beginClose(nil, false) })
	}
	return s.closedF
}

// Close is CloseAsync followed by waiting for CLOSED. It must not be called
// from the session's loop; handlers use CloseAsync.
func (s *Session) Close() error {
	return s.CloseAsync().Wait(context.Background())
}

// runClose runs a lifecycle step on the loop, or inline once the loop is
// gone.
func (s *Session) runClose(fn func()) {
	if err := s.bind.Submit(fn); err != nil {
		fn()
	}
}

// beginClose moves the session to CLOSING. abandon fails queued sends
// instead of writing them.
func (s *Session) beginClose(cause error, abandon bool) {
	if abandon {
		s.abandon.Store(true)
	}
	for {
		st := s.State()
		if st >= Closing {
			return
		}
		if s.state.CompareAndSwap(int32(st), int32(Closing)) {
			break
		}
	}
	s.closeRequested.Store(true)
	s.causeMu.Lock()
	s.cause = cause
	s.causeMu.Unlock()
	s.logger.Debug("session closing", zap.Error(cause), zap.Bool("abandon", s.abandon.Load()))
	s.drainOnce.Do(func() { close(s.drain) })
	if s.abandon.Load() {
		// nothing else is written; unblock a writer stuck on the peer
		if err := s.link.Close(); err != nil {
			s.logger.Debug("link close", zap.Error(err))
		}
		return
	}
	s.causeMu.Lock()
	s.linger = time.AfterFunc(s.closeTimeout, s.closeStalled)
	s.causeMu.Unlock()
}

// closeStalled gives up on a writer that did not drain within the close
// timeout.
func (s *Session) closeStalled() {
	select {
	case <-s.writerDone:
		return
	default:
	}
	s.logger.Warn("close timed out, dropping queued frames", zap.Duration("timeout", s.closeTimeout))
	s.abandon.Store(true)
	if err := s.link.Close(); err != nil {
		s.logger.Debug("link close", zap.Error(err))
	}
}

// finishClose runs once the writer released the link.
func (s *Session) finishClose() {
	if !s.state.CompareAndSwap(int32(Closing), int32(Closed)) {
		return
	}
	s.causeMu.Lock()
	if s.linger != nil {
		s.linger.Stop()
	}
	s.causeMu.Unlock()
	for drained := false; !drained; {
		select {
		case o := <-s.out:
			o.complete(ErrSessionClosed)
		default:
			drained = true
		}
	}
	if s.opened {
		s.pipe.FireClosed()
	}
	s.releaseChannels()
	s.metrics.SessionClosed(s.opened)
	s.bind.Release()
	close(s.done)
	s.logger.Debug("session closed", zap.Error(s.Err()))
	if s.onClosed != nil {
		s.onClosed(s)
	}
	s.closedF.Complete(nil)
}

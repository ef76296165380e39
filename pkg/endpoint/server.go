package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/braddevans/PorkLib/pkg/core/future"
	"github.com/braddevans/PorkLib/pkg/core/loop"
	"github.com/braddevans/PorkLib/pkg/engine"
	"github.com/braddevans/PorkLib/pkg/observability"
	"github.com/braddevans/PorkLib/pkg/session"
	"github.com/braddevans/PorkLib/pkg/transport"
)

// Server accepts links and tracks one session per link until it closes.
type Server struct {
	opts    Options
	acc     engine.Acceptor
	group   *loop.Group
	logger  *zap.Logger
	metrics *observability.EndpointMetrics

	ctx        context.Context
	cancel     context.CancelFunc
	acceptDone chan struct{}

	mu       sync.RWMutex
	sessions map[string]*session.Session
	closing  bool

	closeOnce sync.Once
	closedF   *future.Future
}

// Listen binds addr and starts accepting. A bind failure is returned as is.
// The server stops accepting when ctx is done; sessions stay up until Close.
func Listen(ctx context.Context, addr string, opts Options) (*Server, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	actx, cancel := context.WithCancel(ctx)
	acc, err := opts.Engine.Bind(actx, addr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("endpoint %s: bind %s: %w", opts.Name, addr, err)
	}
	s := &Server{
		opts:       opts,
		acc:        acc,
		group:      loop.NewGroup(opts.Workers, opts.Logger),
		metrics:    opts.Metrics.Labels(opts.Name, opts.Engine.Kind().String()),
		ctx:        actx,
		cancel:     cancel,
		acceptDone: make(chan struct{}),
		sessions:   make(map[string]*session.Session),
		closedF:    future.New(),
	}
	s.logger = opts.Logger.With(zap.String("endpoint", opts.Name), zap.Stringer("addr", acc.Addr()))
	go s.acceptLoop()
	s.logger.Info("listening", zap.Stringer("kind", opts.Engine.Kind()), zap.Int("workers", s.group.Len()))
	return s, nil
}

func (s *Server) acceptLoop() {
	defer close(s.acceptDone)
	for {
		link, err := s.acc.Accept(s.ctx)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			return
		}
		s.spawn(link)
	}
}

func (s *Server) spawn(link engine.Link) {
	cfg := s.opts.sessionConfig(link, session.SideServer, s.group, s.metrics, s.logger)
	cfg.OnClosed = s.remove
	sess, err := session.New(cfg)
	if err != nil {
		s.logger.Warn("session rejected", zap.Stringer("remote", link.RemoteAddr()), zap.Error(err))
		_ = link.Close()
		return
	}
	if !s.add(sess) {
		_ = link.Close()
		return
	}
	// the session logger carries the session id and remote address
	sess.Logger().Debug("inbound session")
	if err := sess.Start(); err != nil {
		sess.Logger().Warn("session start failed", zap.Error(err))
	}
}

func (s *Server) add(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.ID()] = sess
	return true
}

// remove runs once per session, on its loop, after closed fired.
func (s *Server) remove(sess *session.Session) {
	s.mu.Lock()
	if cur, ok := s.sessions[sess.ID()]; ok && cur == sess {
		delete(s.sessions, sess.ID())
	}
	s.mu.Unlock()
}

func (s *Server) Name() string   { return s.opts.Name }
func (s *Server) Addr() net.Addr { return s.acc.Addr() }

// Engine returns the engine the server accepts on.
func (s *Server) Engine() engine.Engine { return s.opts.Engine }

// Len returns the number of tracked sessions.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Session returns a tracked session by id.
func (s *Server) Session(id string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns a snapshot of tracked sessions.
func (s *Server) Sessions() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Broadcast encodes msg once and queues the frame on every tracked open
// session, bypassing their pipelines. Sessions that cannot take it are
// skipped. It returns how many sessions queued the frame.
func (s *Server) Broadcast(msg any, rel transport.Reliability, channel uint16) (int, error) {
	if rel != transport.Unspecified && !s.opts.Engine.Supports(rel) {
		return 0, fmt.Errorf("%w: %s", transport.ErrUnsupportedReliability, rel)
	}
	frame, err := s.opts.Codecs.Encode(msg, channel)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range s.Sessions() {
		if err := sess.WriteFrame(frame, rel); err != nil {
			s.logger.Debug("broadcast skipped session", zap.String("session", sess.ID()), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// CloseAsync stops accepting, closes every session and then stops the
// worker group.
func (s *Server) CloseAsync() *future.Future {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.cancel()
		_ = s.acc.Close()
		go s.shutdown()
	})
	return s.closedF
}

func (s *Server) Close() error { return s.CloseAsync().Wait(context.Background()) }

func (s *Server) shutdown() {
	<-s.acceptDone
	var g errgroup.Group
	for _, sess := range s.Sessions() {
		g.Go(func() error { return sess.Close() })
	}
	err := g.Wait()
	_ = s.group.Close()
	s.logger.Info("server closed", zap.Error(err))
	s.closedF.Complete(err)
}

// Package session runs one connection: its channels, its pipeline and the
// CONNECTING, OPEN, CLOSING, CLOSED lifecycle.
//
// All pipeline work of a session runs on the loop binding it was created
// with. A reader goroutine feeds inbound frames to that loop and a writer
// goroutine drains the bounded send queue to the link.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/braddevans/PorkLib/pkg/core/future"
	"github.com/braddevans/PorkLib/pkg/core/loop"
	"github.com/braddevans/PorkLib/pkg/engine"
	"github.com/braddevans/PorkLib/pkg/observability"
	"github.com/braddevans/PorkLib/pkg/pipeline"
	"github.com/braddevans/PorkLib/pkg/protocol/codec"
	"github.com/braddevans/PorkLib/pkg/transport"
)

var (
	ErrSessionClosed  = errors.New("session: closed")
	ErrUnknownChannel = errors.New("session: unknown channel")
	ErrSendQueueFull  = errors.New("session: send queue full")
	errMissingConfig  = errors.New("session: link, codecs and binding are required")
)

// DefaultSendQueue bounds frames buffered between the loop and the writer.
const DefaultSendQueue = 256

// DefaultCloseTimeout bounds how long an orderly close waits for queued
// frames to reach a peer that stopped reading.
const DefaultCloseTimeout = 5 * time.Second

// readAhead bounds inbound batches queued on the loop per session.
const readAhead = 64

// State is the lifecycle position of a session. Transitions only move
// forward.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Side tells which endpoint created the session.
type Side uint8

const (
	SideServer Side = iota
	SideClient
)

func (s Side) String() string {
	if s == SideClient {
		return "client"
	}
	return "server"
}

// ErrorSink receives errors no pipeline node handled. The session closes
// after the sink returns.
type ErrorSink func(s *Session, err error)

// Config is the template a session is built from.
type Config struct {
	// ID defaults to a random UUID.
	ID      string
	Side    Side
	Link    engine.Link
	Codecs  *codec.Registry
	Binding *loop.Binding
	// Fallback is used for sends that leave reliability unspecified. The
	// zero value picks RELIABLE_ORDERED, or the strongest mode the link
	// supports.
	Fallback transport.Reliability
	// Handler is the top-level handler behind every pipeline node. It may
	// implement any of the pipeline handler interfaces.
	Handler   any
	ErrorSink ErrorSink
	Logger    *zap.Logger
	Metrics   *observability.EndpointMetrics
	SendQueue int
	// CloseTimeout defaults to DefaultCloseTimeout. When it expires the link
	// is closed and frames still queued fail.
	CloseTimeout time.Duration
	// Init runs on the loop while the session is CONNECTING, before opened
	// fires. It is the place to populate the pipeline.
	Init func(s *Session) error
	// OnClosed runs on the loop after closed fired.
	OnClosed func(s *Session)
}

// Session is one connection. Methods are safe for concurrent use unless
// noted.
type Session struct {
	id       string
	side     Side
	link     engine.Link
	rels     transport.ReliabilitySet
	codecs   *codec.Registry
	bind     *loop.Binding
	handler  any
	hcaps    pipeline.Capabilities
	errSink  ErrorSink
	logger   *zap.Logger
	metrics  *observability.EndpointMetrics
	init     func(*Session) error
	onClosed func(*Session)

	closeTimeout time.Duration
	linger       *time.Timer

	pipe *pipeline.Pipeline

	state          atomic.Int32
	fallback       atomic.Uint32
	closeRequested atomic.Bool
	abandon        atomic.Bool
	started        atomic.Bool
	opened         bool

	chMu     sync.Mutex
	channels atomic.Pointer[channelSet]

	out        chan outbound
	drain      chan struct{}
	drainOnce  sync.Once
	writerDone chan struct{}
	inflight   chan struct{}
	done       chan struct{}
	closedF    *future.Future

	causeMu sync.Mutex
	cause   error
}

// New builds a session in CONNECTING. Nothing runs until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Link == nil || cfg.Codecs == nil || cfg.Binding == nil {
		return nil, errMissingConfig
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	rels := cfg.Link.Reliabilities()
	fallback, err := pickFallback(cfg.Fallback, rels)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:         cfg.ID,
		side:       cfg.Side,
		link:       cfg.Link,
		rels:       rels,
		codecs:     cfg.Codecs,
		bind:       cfg.Binding,
		handler:    cfg.Handler,
		errSink:    cfg.ErrorSink,
		metrics:    cfg.Metrics,
		init:       cfg.Init,
		onClosed:   cfg.OnClosed,
		out:        make(chan outbound, cfg.SendQueue),
		drain:      make(chan struct{}),
		writerDone: make(chan struct{}),
		inflight:   make(chan struct{}, readAhead),
		done:       make(chan struct{}),
		closedF:    future.New(),

		closeTimeout: cfg.CloseTimeout,
	}
	s.logger = cfg.Logger.With(
		zap.String("session", s.id),
		zap.Stringer("side", s.side),
		zap.Stringer("remote", addrString{cfg.Link.RemoteAddr()}),
	)
	if cfg.Handler != nil {
		// a handler without capabilities simply sees nothing
		s.hcaps, _ = pipeline.Inspect(cfg.Handler)
	}
	s.fallback.Store(uint32(fallback))
	s.channels.Store(newChannelSet(0))
	s.pipe = pipeline.New(s, pipeline.SinkFunc(s.write), terminal{s})
	s.pipe.Unhandled = s.unhandled
	return s, nil
}

func pickFallback(want transport.Reliability, rels transport.ReliabilitySet) (transport.Reliability, error) {
	if want != transport.Unspecified {
		if !rels.Has(want) {
			return 0, fmt.Errorf("%w: fallback %s not in %s", transport.ErrUnsupportedReliability, want, rels)
		}
		return want, nil
	}
	if rels.Has(transport.ReliableOrdered) {
		return transport.ReliableOrdered, nil
	}
	list := rels.List()
	if len(list) == 0 {
		return 0, fmt.Errorf("%w: link supports nothing", transport.ErrUnsupportedReliability)
	}
	return list[len(list)-1], nil
}

// Start runs Init and opens the session on its loop.
func (s *Session) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	go s.writeLoop()
	if err := s.bind.Submit(s.open); err != nil {
		s.beginClose(err, true)
		return err
	}
	return nil
}

func (s *Session) open() {
	if s.State() != Connecting {
		return
	}
	if s.init != nil {
		if err := s.init(s); err != nil {
			s.logger.Warn("session init failed", zap.Error(err))
			s.beginClose(err, true)
			return
		}
	}
	if s.State() != Connecting {
		return
	}
	s.state.Store(int32(Open))
	s.opened = true
	s.metrics.SessionOpened()
	s.logger.Debug("session open", zap.Stringer("fallback", s.FallbackReliability()))
	go s.readLoop()
	s.pipe.FireOpened()
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Side() Side   { return s.side }
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) LocalAddr() net.Addr  { return s.link.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.link.RemoteAddr() }

// Reliabilities reports what the session's engine can honour.
func (s *Session) Reliabilities() transport.ReliabilitySet { return s.rels }

// Pipeline returns the session's node chain. Mutate it only from the
// session's loop (handlers, Init, Execute).
func (s *Session) Pipeline() *pipeline.Pipeline { return s.pipe }

func (s *Session) Logger() *zap.Logger { return s.logger }

// Execute runs fn on the session's loop.
func (s *Session) Execute(fn func(*Session)) error {
	if err := s.bind.Submit(func() { fn(s) }); err != nil {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) FallbackReliability() transport.Reliability {
	return transport.Reliability(s.fallback.Load())
}

// SetFallbackReliability changes the reliability used by sends that do not
// name one. It rejects modes the engine cannot honour.
func (s *Session) SetFallbackReliability(rel transport.Reliability) error {
	if !s.rels.Has(rel) {
		return fmt.Errorf("%w: %s not in %s", transport.ErrUnsupportedReliability, rel, s.rels)
	}
	s.fallback.Store(uint32(rel))
	return nil
}

// Err returns the error that caused the session to close, or nil for an
// orderly close.
func (s *Session) Err() error {
	s.causeMu.Lock()
	defer s.causeMu.Unlock()
	return s.cause
}

// Done is closed once the session reached CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// FromContext returns the session owning a pipeline context.
func FromContext(ctx *pipeline.Context) *Session {
	s, _ := ctx.Session().(*Session)
	return s
}

type addrString struct{ a net.Addr }

func (a addrString) String() string {
	if a.a == nil {
		return ""
	}
	return a.a.String()
}

// Package endpoint turns an engine into a running server or client. Each
// endpoint owns a worker group; every session it creates is pinned to one
// loop of that group.
package endpoint

import (
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/braddevans/PorkLib/pkg/core/future"
	"github.com/braddevans/PorkLib/pkg/core/loop"
	"github.com/braddevans/PorkLib/pkg/engine"
	"github.com/braddevans/PorkLib/pkg/observability"
	"github.com/braddevans/PorkLib/pkg/protocol/codec"
	"github.com/braddevans/PorkLib/pkg/session"
	"github.com/braddevans/PorkLib/pkg/transport"
)

var (
	errNoEngine   = errors.New("endpoint: engine is required")
	errNoRegistry = errors.New("endpoint: codec registry is required")
)

// Options is the session template shared by every session of an endpoint.
type Options struct {
	Name    string
	Engine  engine.Engine
	Codecs  *codec.Registry
	Workers int
	// Fallback is the initial fallback reliability of every session.
	Fallback  transport.Reliability
	SendQueue int
	// Handler is the top-level handler of every session.
	Handler any
	// Init populates each new session's pipeline.
	Init      func(s *session.Session) error
	ErrorSink session.ErrorSink
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

func (o *Options) validate() error {
	if o.Engine == nil {
		return errNoEngine
	}
	if o.Codecs == nil {
		return errNoRegistry
	}
	if o.Fallback != transport.Unspecified && !o.Engine.Supports(o.Fallback) {
		return transport.ErrUnsupportedReliability
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Name == "" {
		o.Name = o.Engine.Kind().String()
	}
	return nil
}

func (o *Options) sessionConfig(link engine.Link, side session.Side, group *loop.Group, metrics *observability.EndpointMetrics, logger *zap.Logger) session.Config {
	return session.Config{
		Side:      side,
		Link:      link,
		Codecs:    o.Codecs,
		Binding:   group.Next().Bind(),
		Fallback:  o.Fallback,
		Handler:   o.Handler,
		ErrorSink: o.ErrorSink,
		Logger:    logger,
		Metrics:   metrics,
		SendQueue: o.SendQueue,
		Init:      o.Init,
	}
}

// Endpoint is the common surface of Server and Client.
type Endpoint interface {
	Name() string
	Addr() net.Addr
	Close() error
	CloseAsync() *future.Future
}

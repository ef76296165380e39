package endpoint

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/braddevans/PorkLib/pkg/config"
	"github.com/braddevans/PorkLib/pkg/engine"
	"github.com/braddevans/PorkLib/pkg/observability"
	"github.com/braddevans/PorkLib/pkg/transport"
)

// FromConfig builds the engine described by ec and starts a server or
// client with it. base supplies everything config cannot express: codecs,
// handlers, logger and metrics.
func FromConfig(ctx context.Context, ec config.EndpointConfig, base Options) (Endpoint, error) {
	eng, err := engine.FromConfig(ec)
	if err != nil {
		return nil, err
	}
	opts := base
	opts.Engine = eng
	opts.Name = ec.Name
	opts.Workers = ec.Workers
	opts.SendQueue = ec.SendQueue
	opts.Fallback = transport.Unspecified
	if ec.Fallback != "" {
		if opts.Fallback, err = ec.FallbackReliability(); err != nil {
			return nil, err
		}
	}
	switch ec.Role {
	case config.RoleServer, "":
		srv, err := Listen(ctx, ec.Address, opts)
		if err != nil {
			return nil, err
		}
		return srv, nil
	case config.RoleClient:
		cli, err := Dial(ctx, ec.Address, opts)
		if err != nil {
			return nil, err
		}
		return cli, nil
	}
	return nil, fmt.Errorf("endpoint %s: unknown role %q", ec.Name, ec.Role)
}

// Stack is every endpoint declared by one config, plus its metrics server.
type Stack struct {
	Endpoints []Endpoint
	Metrics   *observability.Metrics
	server    *observability.MetricsServer
}

// StartAll starts the endpoints of cfg in declaration order. When metrics
// are enabled and base carries none, collectors are registered with reg
// (nil means the default registerer) and served on cfg.Metrics.Listen.
// On failure every endpoint already started is closed.
func StartAll(ctx context.Context, cfg *config.Config, base Options, reg prometheus.Registerer) (*Stack, error) {
	st := &Stack{Metrics: base.Metrics}
	if cfg.Metrics.Enable && st.Metrics == nil {
		m, err := observability.NewMetrics(reg, cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
		st.Metrics = m
		if cfg.Metrics.Listen != "" {
			g, _ := reg.(prometheus.Gatherer)
			srv, err := observability.ServeMetrics(ctx, cfg.Metrics, g, base.Logger)
			if err != nil {
				return nil, err
			}
			st.server = srv
		}
	}
	base.Metrics = st.Metrics
	for _, ec := range cfg.Endpoints {
		ep, err := FromConfig(ctx, ec, base)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st.Endpoints = append(st.Endpoints, ep)
	}
	return st, nil
}

// Endpoint returns a started endpoint by name.
func (st *Stack) Endpoint(name string) (Endpoint, bool) {
	for _, ep := range st.Endpoints {
		if ep.Name() == name {
			return ep, true
		}
	}
	return nil, false
}

// Close closes every endpoint concurrently, then the metrics server.
func (st *Stack) Close() error {
	var g errgroup.Group
	for _, ep := range st.Endpoints {
		g.Go(ep.Close)
	}
	err := g.Wait()
	if st.server != nil {
		if serr := st.server.Close(); err == nil {
			err = serr
		}
	}
	return err
}

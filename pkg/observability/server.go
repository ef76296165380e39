package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/braddevans/PorkLib/pkg/config"
)

// MetricsServer exposes a gatherer over HTTP.
type MetricsServer struct {
	srv *http.Server
	ln  net.Listener
}

// ServeMetrics starts serving g on c.Listen at c.Path. A nil g serves the
// default gatherer. The server shuts down when ctx is done.
func ServeMetrics(ctx context.Context, c config.MetricsConfig, g prometheus.Gatherer, logger *zap.Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := c.Path
	if path == "" {
		path = "/metrics"
	}
	h := MetricsHandler()
	if g != nil {
		h = HandlerFor(g)
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)
	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return nil, err
	}
	m := &MetricsServer{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, func() { _ = m.Close() })
	logger.Info("metrics listening", zap.String("addr", ln.Addr().String()), zap.String("path", path))
	return m, nil
}

func (m *MetricsServer) Addr() net.Addr { return m.ln.Addr() }

// Close shuts the server down, waiting briefly for in-flight scrapes.
func (m *MetricsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.srv.Shutdown(ctx)
}

package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/braddevans/PorkLib/pkg/config"
)

func TestNewLoggerWritesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "out.log")
	logger, err := NewLogger(config.LogConfig{Level: "debug", Format: "json", Outputs: []string{p}})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"hello"`) {
		t.Fatalf("log = %s", b)
	}
}

func TestNewLoggerBadLevel(t *testing.T) {
	if _, err := NewLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "test")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	em := m.Labels("game", "tcp")
	em.SessionOpened()
	em.FrameIn(10)
	em.FrameOut(3)
	em.SessionClosed(true)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`test_session_opened_total{endpoint="game",kind="tcp"} 1`,
		`test_frame_received_bytes_total{endpoint="game",kind="tcp"} 10`,
		`test_session_active{endpoint="game",kind="tcp"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in\n%s", want, body)
		}
	}

	var nilMetrics *Metrics
	nilMetrics.Labels("x", "y").FrameIn(1)
	if _, err := NewMetrics(reg, "test"); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestServeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "srv")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	m.Labels("e", "mem").SendRejected()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, err := ServeMetrics(ctx, config.MetricsConfig{Listen: "127.0.0.1:0", Path: "/m"}, reg, nil)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer srv.Close()
	resp, err := http.Get("http://" + srv.Addr().String() + "/m")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `srv_session_send_rejected_total{endpoint="e",kind="mem"} 1`) {
		t.Fatalf("body = %s", b)
	}
}

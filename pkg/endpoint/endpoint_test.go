package endpoint

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/braddevans/PorkLib/pkg/config"
	"github.com/braddevans/PorkLib/pkg/engine"
	"github.com/braddevans/PorkLib/pkg/pipeline"
	"github.com/braddevans/PorkLib/pkg/protocol/codec"
	"github.com/braddevans/PorkLib/pkg/session"
	"github.com/braddevans/PorkLib/pkg/transport"
	"github.com/braddevans/PorkLib/pkg/transport/mem"
)

type hello struct{ From string }

type news struct{ Headline string }

// countingCodec counts Marshal calls.
type countingCodec struct {
	codec.Codec
	n atomic.Int32
}

func (c *countingCodec) Marshal(v any) ([]byte, error) {
	c.n.Add(1)
	return c.Codec.Marshal(v)
}

type arrival struct {
	session string
	msg     any
}

type inbox chan arrival

func (in inbox) Received(ctx *pipeline.Context, msg any, _ uint16) error {
	in <- arrival{session: ctx.Session().ID(), msg: msg}
	return nil
}

func (in inbox) next(t *testing.T) arrival {
	t.Helper()
	select {
	case a := <-in:
		return a
	case <-time.After(5 * time.Second):
		t.Fatalf("no message arrived")
	}
	return arrival{}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newCodecs(t *testing.T) (*codec.Registry, *countingCodec) {
	t.Helper()
	r := codec.NewRegistry()
	cc := &countingCodec{Codec: codec.JSON()}
	if err := codec.Register[hello](r, 1, 1, codec.JSON()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := codec.Register[news](r, 1, 2, cc); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r, cc
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerClientExchange(t *testing.T) {
	ctx := testContext(t)
	codecs, _ := newCodecs(t)
	eng := engine.NewStream(mem.NewStream(), engine.Options{})
	srvIn, cliIn := make(inbox, 16), make(inbox, 16)

	srv, err := Listen(ctx, "exchange", Options{Engine: eng, Codecs: codecs, Workers: 2, Handler: srvIn,
		Init: func(s *session.Session) error {
			return s.Pipeline().AddLast("greet", pipeline.OnReceive(func(ctx *pipeline.Context, m hello, ch uint16) error {
				return ctx.Send(hello{From: "server to " + m.From}, ch)
			}))
		}})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	cli, err := Dial(ctx, "exchange", Options{Engine: eng, Codecs: codecs, Handler: cliIn})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := cli.Send(hello{From: "c1"}, transport.Unspecified).Wait(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := cliIn.next(t).msg; got != (hello{From: "server to c1"}) {
		t.Fatalf("reply = %+v", got)
	}
	eventually(t, "tracked session", func() bool { return srv.Len() == 1 })
	id := srv.Sessions()[0].ID()
	if _, ok := srv.Session(id); !ok {
		t.Fatalf("session %s not found", id)
	}

	if err := cli.Close(); err != nil {
		t.Fatalf("client close: %v", err)
	}
	eventually(t, "session removal", func() bool { return srv.Len() == 0 })
	if _, ok := srv.Session(id); ok {
		t.Fatalf("closed session still tracked")
	}
}

func TestBroadcastEncodesOnce(t *testing.T) {
	ctx := testContext(t)
	codecs, cc := newCodecs(t)
	eng := engine.NewStream(mem.NewStream(), engine.Options{})
	srv, err := Listen(ctx, "broadcast", Options{Engine: eng, Codecs: codecs})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	const clients = 3
	in := make(inbox, clients)
	for i := 0; i < clients; i++ {
		cli, err := Dial(ctx, "broadcast", Options{Engine: eng, Codecs: codecs, Handler: in})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer cli.Close()
	}
	eventually(t, "all sessions open", func() bool {
		open := 0
		for _, s := range srv.Sessions() {
			if s.State() == session.Open {
				open++
			}
		}
		return open == clients
	})

	if _, err := srv.Broadcast(news{Headline: "x"}, transport.Unreliable, 0); !errors.Is(err, transport.ErrUnsupportedReliability) {
		t.Fatalf("unreliable broadcast err = %v", err)
	}
	n, err := srv.Broadcast(news{Headline: "extra"}, transport.Unspecified, 0)
	if err != nil || n != clients {
		t.Fatalf("broadcast = %d, %v", n, err)
	}
	seen := map[string]bool{}
	for i := 0; i < clients; i++ {
		a := in.next(t)
		if a.msg != (news{Headline: "extra"}) {
			t.Fatalf("got %+v", a.msg)
		}
		seen[a.session] = true
	}
	if len(seen) != clients {
		t.Fatalf("delivered to %d distinct sessions", len(seen))
	}
	if got := cc.n.Load(); got != 1 {
		t.Fatalf("encoded %d times", got)
	}
}

func TestServerCloseClosesSessions(t *testing.T) {
	ctx := testContext(t)
	codecs, _ := newCodecs(t)
	eng, err := engine.NewMessage(mem.NewMessage(), engine.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	srv, err := Listen(ctx, "shutdown", Options{Engine: eng, Codecs: codecs, Fallback: transport.Reliable})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cli, err := Dial(ctx, "shutdown", Options{Engine: eng, Codecs: codecs})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	eventually(t, "tracked session", func() bool { return srv.Len() == 1 })
	sess := srv.Sessions()[0]
	if sess.FallbackReliability() != transport.Reliable {
		t.Fatalf("fallback = %s", sess.FallbackReliability())
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sess.State() != session.Closed || srv.Len() != 0 {
		t.Fatalf("after close: state %s, tracked %d", sess.State(), srv.Len())
	}
	if err := cli.CloseAsync().Wait(ctx); err != nil {
		t.Fatalf("client close: %v", err)
	}
	if _, err := Dial(ctx, "shutdown", Options{Engine: eng, Codecs: codecs}); !errors.Is(err, mem.ErrNoListener) {
		t.Fatalf("dial after close err = %v", err)
	}
}

func TestBindAndConnectErrors(t *testing.T) {
	ctx := testContext(t)
	codecs, _ := newCodecs(t)
	eng := engine.NewStream(mem.NewStream(), engine.Options{})
	srv, err := Listen(ctx, "taken", Options{Engine: eng, Codecs: codecs})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	if _, err := Listen(ctx, "taken", Options{Engine: eng, Codecs: codecs}); !errors.Is(err, mem.ErrAddrInUse) {
		t.Fatalf("second bind err = %v", err)
	}
	if _, err := Dial(ctx, "nobody", Options{Engine: eng, Codecs: codecs}); !errors.Is(err, mem.ErrNoListener) {
		t.Fatalf("dial err = %v", err)
	}
	if _, err := Listen(ctx, "x", Options{Engine: eng}); err == nil {
		t.Fatalf("expected missing codecs error")
	}
	if _, err := Listen(ctx, "y", Options{Engine: eng, Codecs: codecs, Fallback: transport.Unreliable}); !errors.Is(err, transport.ErrUnsupportedReliability) {
		t.Fatalf("unsupported fallback err = %v", err)
	}
}

func TestStartAllFromConfig(t *testing.T) {
	ctx := testContext(t)
	codecs, _ := newCodecs(t)
	in := make(inbox, 4)
	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enable: true, Namespace: "stack"},
		Endpoints: []config.EndpointConfig{
			{Name: "srv", Role: config.RoleServer, Kind: "memmsg", Address: "stack-test", Fallback: "unreliable"},
			{Name: "cli", Role: config.RoleClient, Kind: "memmsg", Address: "stack-test"},
		},
	}
	reg := prometheus.NewRegistry()
	st, err := StartAll(ctx, cfg, Options{Codecs: codecs, Handler: in}, reg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer st.Close()
	ep, ok := st.Endpoint("cli")
	if !ok {
		t.Fatalf("client endpoint missing")
	}
	cli := ep.(*Client)
	if err := cli.Send(hello{From: "cfg"}, transport.Unspecified).Wait(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := in.next(t).msg; got != (hello{From: "cfg"}) {
		t.Fatalf("got %+v", got)
	}
	ep, _ = st.Endpoint("srv")
	srv := ep.(*Server)
	eventually(t, "server session", func() bool { return srv.Len() == 1 })
	if fb := srv.Sessions()[0].FallbackReliability(); fb != transport.Unreliable {
		t.Fatalf("server fallback = %s", fb)
	}
	mfs, err := reg.Gather()
	if err != nil || len(mfs) == 0 {
		t.Fatalf("gather = %d families, %v", len(mfs), err)
	}
}

func TestInboundSessionLogFields(t *testing.T) {
	ctx := testContext(t)
	codecs, _ := newCodecs(t)
	eng := engine.NewStream(mem.NewStream(), engine.Options{})
	core, logs := observer.New(zap.DebugLevel)

	srv, err := Listen(ctx, "log-fields", Options{Engine: eng, Codecs: codecs, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	cli, err := Dial(ctx, "log-fields", Options{Engine: eng, Codecs: codecs})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	eventually(t, "inbound session log", func() bool {
		return logs.FilterMessage("inbound session").Len() == 1
	})
	entry := logs.FilterMessage("inbound session").All()[0]
	counts := map[string]int{}
	for _, f := range entry.Context {
		counts[f.Key]++
	}
	for _, key := range []string{"endpoint", "session", "remote"} {
		if counts[key] != 1 {
			t.Fatalf("field %q appears %d times in %v", key, counts[key], entry.Context)
		}
	}
}

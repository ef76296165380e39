package session

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/braddevans/PorkLib/pkg/core/future"
	"github.com/braddevans/PorkLib/pkg/core/loop"
	"github.com/braddevans/PorkLib/pkg/engine"
	"github.com/braddevans/PorkLib/pkg/pipeline"
	"github.com/braddevans/PorkLib/pkg/protocol"
	"github.com/braddevans/PorkLib/pkg/protocol/codec"
	"github.com/braddevans/PorkLib/pkg/protocol/transform"
	"github.com/braddevans/PorkLib/pkg/transport"
	"github.com/braddevans/PorkLib/pkg/transport/mem"
)

type chat struct{ Text string }

type ping struct{ N int }

func testCodecs(t *testing.T) *codec.Registry {
	t.Helper()
	r := codec.NewRegistry()
	if err := codec.Register[chat](r, 1, 1, codec.JSON()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := codec.Register[ping](r, 1, 2, codec.JSON()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

type delivery struct {
	msg     any
	channel uint16
}

type recorder struct {
	mu        sync.Mutex
	events    []string
	msgs      []delivery
	sinkErrs  []error
	opened    chan struct{}
	onReceive func(ctx *pipeline.Context, msg any, ch uint16) error
}

func newRecorder() *recorder { return &recorder{opened: make(chan struct{})} }

func (r *recorder) Opened(*pipeline.Context) error {
	r.mu.Lock()
	r.events = append(r.events, "opened")
	r.mu.Unlock()
	close(r.opened)
	return nil
}

func (r *recorder) Closed(*pipeline.Context) error {
	r.mu.Lock()
	r.events = append(r.events, "closed")
	r.mu.Unlock()
	return nil
}

func (r *recorder) ExceptionCaught(_ *pipeline.Context, err error) error {
	r.mu.Lock()
	r.events = append(r.events, "exception")
	r.mu.Unlock()
	return err
}

func (r *recorder) Received(ctx *pipeline.Context, msg any, ch uint16) error {
	r.mu.Lock()
	r.events = append(r.events, "received")
	r.msgs = append(r.msgs, delivery{msg: msg, channel: ch})
	fn := r.onReceive
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg, ch)
	}
	return nil
}

func (r *recorder) sink(_ *Session, err error) {
	r.mu.Lock()
	r.sinkErrs = append(r.sinkErrs, err)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]string, []delivery, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]delivery(nil), r.msgs...), append([]error(nil), r.sinkErrs...)
}

func (r *recorder) count(event string) int {
	events, _, _ := r.snapshot()
	n := 0
	for _, e := range events {
		if e == event {
			n++
		}
	}
	return n
}

func waitMsgs(t *testing.T, r *recorder, n int) []delivery {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, msgs, _ := r.snapshot()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d messages, want %d", len(msgs), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s stuck in %s", s.ID(), s.State())
	}
}

func waitFuture(t *testing.T, f *future.Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("future did not complete")
	}
	return err
}

func newGroup(t *testing.T) *loop.Group {
	t.Helper()
	g := loop.NewGroup(2, nil)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func startSession(t *testing.T, g *loop.Group, link engine.Link, side Side, r *recorder, mut func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Side:      side,
		Link:      link,
		Codecs:    testCodecs(t),
		Binding:   g.Next().Bind(),
		Handler:   r,
		ErrorSink: r.sink,
	}
	if mut != nil {
		mut(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = s.CloseAsync()
		waitClosed(t, s)
	})
	return s
}

func streamLinks(t *testing.T, opts engine.Options) (engine.Link, engine.Link) {
	t.Helper()
	c1, c2 := net.Pipe()
	e := engine.NewStream(mem.NewStream(), opts)
	a, err := e.Link(c1)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	b, err := e.Link(c2)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	return a, b
}

func messageLinks(t *testing.T) (engine.Link, engine.Link) {
	t.Helper()
	ca, cb := mem.Pair(mem.Addr("a"), mem.Addr("b"), 64)
	e, err := engine.NewMessage(mem.NewMessage(), engine.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e.Link(ca), e.Link(cb)
}

func pair(t *testing.T, stream bool) (*Session, *recorder, *Session, *recorder) {
	t.Helper()
	g := newGroup(t)
	var la, lb engine.Link
	if stream {
		la, lb = streamLinks(t, engine.Options{})
	} else {
		la, lb = messageLinks(t)
	}
	ra, rb := newRecorder(), newRecorder()
	a := startSession(t, g, la, SideClient, ra, nil)
	b := startSession(t, g, lb, SideServer, rb, nil)
	return a, ra, b, rb
}

func TestStreamSessionRejectsUnreliable(t *testing.T) {
	a, ra, _, rb := pair(t, true)
	<-ra.opened
	f := a.Send(chat{Text: "x"}, transport.Unreliable)
	if !f.IsDone() || !errors.Is(f.Err(), transport.ErrUnsupportedReliability) {
		t.Fatalf("unreliable send = %v (done %v)", f.Err(), f.IsDone())
	}
	if a.State() != Open {
		t.Fatalf("state = %s", a.State())
	}
	if err := waitFuture(t, a.Send(chat{Text: "ok"}, transport.ReliableOrdered)); err != nil {
		t.Fatalf("ordered send: %v", err)
	}
	msgs := waitMsgs(t, rb, 1)
	if msgs[0].msg != (chat{Text: "ok"}) {
		t.Fatalf("received %+v", msgs[0])
	}
}

func TestMessageSessionAcceptsUnreliable(t *testing.T) {
	a, _, _, rb := pair(t, false)
	if err := waitFuture(t, a.Send(chat{Text: "u"}, transport.Unreliable)); err != nil {
		t.Fatalf("unreliable send: %v", err)
	}
	msgs := waitMsgs(t, rb, 1)
	if msgs[0].msg != (chat{Text: "u"}) || msgs[0].channel != 0 {
		t.Fatalf("received %+v", msgs[0])
	}
}

func TestChannelMustBeOpened(t *testing.T) {
	a, _, b, rb := pair(t, false)
	f := a.SendOn(5, chat{Text: "early"}, transport.ReliableOrdered)
	if !f.IsDone() || !errors.Is(f.Err(), ErrUnknownChannel) {
		t.Fatalf("send on unopened channel = %v", f.Err())
	}
	ch, err := a.OpenChannel(5)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	again, _ := a.OpenChannel(5)
	if again.ID() != ch.ID() {
		t.Fatalf("reopen returned %d", again.ID())
	}
	if err := waitFuture(t, ch.Send(ping{N: 5}, transport.Unspecified)); err != nil {
		t.Fatalf("send on channel 5: %v", err)
	}
	msgs := waitMsgs(t, rb, 1)
	if len(msgs) != 1 || msgs[0].channel != 5 || msgs[0].msg != (ping{N: 5}) {
		t.Fatalf("received %+v", msgs)
	}
	if got := b.Channels(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("peer channels = %v", got)
	}
	if f := b.SendOn(5, ping{N: 6}, transport.ReliableOrdered); !errors.Is(f.Err(), ErrUnknownChannel) {
		t.Fatalf("peer send on channel it did not open = %v", f.Err())
	}
	if _, err := b.OpenChannel(5); err != nil {
		t.Fatalf("peer open channel: %v", err)
	}
	if err := waitFuture(t, b.SendOn(5, ping{N: 6}, transport.ReliableOrdered)); err != nil {
		t.Fatalf("peer send after open: %v", err)
	}
}

func TestFallbackReliability(t *testing.T) {
	s, _, _, _ := pair(t, true)
	if s.FallbackReliability() != transport.ReliableOrdered {
		t.Fatalf("stream fallback = %s", s.FallbackReliability())
	}
	if err := s.SetFallbackReliability(transport.Unreliable); !errors.Is(err, transport.ErrUnsupportedReliability) {
		t.Fatalf("set unreliable on stream: %v", err)
	}

	a, _, _, _ := pair(t, false)
	if err := a.SetFallbackReliability(transport.Unreliable); err != nil {
		t.Fatalf("set unreliable on message session: %v", err)
	}
	if a.FallbackReliability() != transport.Unreliable {
		t.Fatalf("fallback = %s", a.FallbackReliability())
	}
}

func TestOversizeFrameClosesSession(t *testing.T) {
	g := newGroup(t)
	raw, c2 := net.Pipe()
	defer raw.Close()
	link, err := engine.NewStream(mem.NewStream(), engine.Options{MaxFrameSize: 64}).Link(c2)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	r := newRecorder()
	s := startSession(t, g, link, SideServer, r, nil)

	go func() {
		good := protocol.AppendStreamFrame(nil, protocol.Frame{ProtocolID: 1, PacketID: 1, Payload: []byte(`{"Text":"fine"}`)})
		if _, err := raw.Write(good); err != nil {
			return
		}
		hdr := make([]byte, protocol.StreamHeaderLen)
		binary.BigEndian.PutUint32(hdr, 1<<20)
		_, _ = raw.Write(hdr)
	}()
	waitClosed(t, s)
	if !errors.Is(s.Err(), protocol.ErrFrameTooLarge) {
		t.Fatalf("close cause = %v", s.Err())
	}
	_, msgs, sinkErrs := r.snapshot()
	if len(msgs) != 1 || msgs[0].msg != (chat{Text: "fine"}) {
		t.Fatalf("received %+v", msgs)
	}
	if n := r.count("closed"); n != 1 {
		t.Fatalf("closed fired %d times", n)
	}
	if r.count("exception") != 1 || len(sinkErrs) != 1 {
		t.Fatalf("exception/sink = %d/%d", r.count("exception"), len(sinkErrs))
	}
	if s.State() != Closed || len(s.Channels()) != 0 {
		t.Fatalf("state %s channels %v", s.State(), s.Channels())
	}
}

func TestUnknownPacketClosesSession(t *testing.T) {
	g := newGroup(t)
	raw, c2 := net.Pipe()
	defer raw.Close()
	link, err := engine.NewStream(mem.NewStream(), engine.Options{}).Link(c2)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	r := newRecorder()
	s := startSession(t, g, link, SideServer, r, nil)
	go func() {
		_, _ = raw.Write(protocol.AppendStreamFrame(nil, protocol.Frame{ProtocolID: 9, PacketID: 9}))
	}()
	waitClosed(t, s)
	if !errors.Is(s.Err(), codec.ErrUnknownPacket) {
		t.Fatalf("close cause = %v", s.Err())
	}
	if r.count("received") != 0 || r.count("closed") != 1 {
		events, _, _ := r.snapshot()
		t.Fatalf("events = %v", events)
	}
}

func TestCloseWithQueuedSends(t *testing.T) {
	a, ra, b, rb := pair(t, true)
	const n = 50
	futures := make([]*future.Future, 0, n)
	for i := 0; i < n; i++ {
		futures = append(futures, a.Send(ping{N: i}, transport.Unspecified))
	}
	closed := a.CloseAsync()
	if err := waitFuture(t, closed); err != nil {
		t.Fatalf("close: %v", err)
	}
	ok := 0
	for i, f := range futures {
		err := waitFuture(t, f)
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if ok > n {
		t.Fatalf("%d completions for %d sends", ok, n)
	}
	if f := a.Send(ping{N: -1}, transport.Unspecified); !errors.Is(f.Err(), ErrSessionClosed) {
		t.Fatalf("send after close = %v", f.Err())
	}
	events, _, _ := ra.snapshot()
	if ra.count("closed") != 1 || events[len(events)-1] != "closed" {
		t.Fatalf("events = %v", events)
	}

	waitClosed(t, b)
	msgs := waitMsgs(t, rb, ok)
	for i, m := range msgs {
		if m.msg != (ping{N: i}) {
			t.Fatalf("message %d = %+v", i, m.msg)
		}
	}
}

func TestUnhandledErrorGoesToSinkAndCloses(t *testing.T) {
	a, _, b, rb := pair(t, false)
	boom := errors.New("boom")
	rb.mu.Lock()
	rb.onReceive = func(*pipeline.Context, any, uint16) error { return boom }
	rb.mu.Unlock()
	if err := waitFuture(t, a.Send(chat{Text: "x"}, transport.Unspecified)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitClosed(t, b)
	_, _, sinkErrs := rb.snapshot()
	if len(sinkErrs) != 1 || !errors.Is(sinkErrs[0], boom) || !errors.Is(b.Err(), boom) {
		t.Fatalf("sink %v cause %v", sinkErrs, b.Err())
	}
	waitClosed(t, a)
	if a.Err() != nil {
		t.Fatalf("peer close cause = %v", a.Err())
	}
}

type upper struct{}

func (upper) Received(ctx *pipeline.Context, msg any, ch uint16) error {
	c := msg.(chat)
	return ctx.Send(chat{Text: "echo:" + c.Text}, ch)
}

func TestPipelineNodesRunOnSession(t *testing.T) {
	g := newGroup(t)
	la, lb := messageLinks(t)
	ra, rb := newRecorder(), newRecorder()
	var tagged int
	var mu sync.Mutex
	a := startSession(t, g, la, SideClient, ra, func(c *Config) {
		c.Init = func(s *Session) error {
			return s.Pipeline().AddLast("count", pipeline.OnSend(func(ctx *pipeline.Context, m chat, ch uint16) error {
				mu.Lock()
				tagged++
				mu.Unlock()
				ctx.FireSending(m, ch)
				return nil
			}))
		}
	})
	b := startSession(t, g, lb, SideServer, rb, func(c *Config) {
		c.Init = func(s *Session) error {
			return s.Pipeline().AddLast("echo", upper{}, pipeline.Receives[chat]())
		}
	})
	if err := waitFuture(t, a.Send(chat{Text: "hi"}, transport.Reliable)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := waitFuture(t, a.Send(ping{N: 1}, transport.Reliable)); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := waitMsgs(t, ra, 1)
	if msgs[0].msg != (chat{Text: "echo:hi"}) {
		t.Fatalf("echo = %+v", msgs[0])
	}
	got := waitMsgs(t, rb, 1)
	if got[0].msg != (ping{N: 1}) {
		t.Fatalf("server tail got %+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if tagged != 1 {
		t.Fatalf("sending node saw %d chat messages", tagged)
	}
	if FromContext(mustContext(t, b, "echo")) != b {
		t.Fatalf("context does not resolve to its session")
	}
}

func mustContext(t *testing.T, s *Session, name string) *pipeline.Context {
	t.Helper()
	ctx, ok := s.Pipeline().Context(name)
	if !ok {
		t.Fatalf("no node %q", name)
	}
	return ctx
}

func TestBroadcastFrame(t *testing.T) {
	a, ra, _, rb := pair(t, false)
	<-ra.opened
	f, err := testCodecs(t).Encode(chat{Text: "all"}, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := a.WriteFrame(f, transport.Unspecified); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	f.Channel = 7
	if err := a.WriteFrame(f, transport.Unspecified); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("unknown channel write = %v", err)
	}
	msgs := waitMsgs(t, rb, 1)
	if msgs[0].msg != (chat{Text: "all"}) {
		t.Fatalf("received %+v", msgs[0])
	}
}

func TestNewRejectsUnsupportedFallback(t *testing.T) {
	g := newGroup(t)
	la, lb := streamLinks(t, engine.Options{})
	defer la.Close()
	defer lb.Close()
	_, err := New(Config{Link: la, Codecs: testCodecs(t), Binding: g.Next().Bind(), Fallback: transport.Unreliable})
	if !errors.Is(err, transport.ErrUnsupportedReliability) {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(Config{Link: la}); err == nil {
		t.Fatalf("expected missing config error")
	}
}

func TestFramesBeforeBadHeaderInSameReadAreDelivered(t *testing.T) {
	g := newGroup(t)
	raw, c2 := net.Pipe()
	defer raw.Close()
	link, err := engine.NewStream(mem.NewStream(), engine.Options{MaxFrameSize: 64}).Link(c2)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	r := newRecorder()
	s := startSession(t, g, link, SideServer, r, nil)

	wire := protocol.AppendStreamFrame(nil, protocol.Frame{ProtocolID: 1, PacketID: 1, Payload: []byte(`{"Text":"fine"}`)})
	hdr := make([]byte, protocol.StreamHeaderLen)
	binary.BigEndian.PutUint32(hdr, 1<<20)
	wire = append(wire, hdr...)
	go func() { _, _ = raw.Write(wire) }()

	waitClosed(t, s)
	if !errors.Is(s.Err(), protocol.ErrFrameTooLarge) {
		t.Fatalf("close cause = %v", s.Err())
	}
	_, msgs, _ := r.snapshot()
	if len(msgs) != 1 || msgs[0].msg != (chat{Text: "fine"}) {
		t.Fatalf("received %+v", msgs)
	}
	if r.count("closed") != 1 {
		events, _, _ := r.snapshot()
		t.Fatalf("events = %v", events)
	}
}

// stalledLink never completes a write until it is closed, like a peer that
// stopped reading.
type stalledLink struct {
	closed chan struct{}
	once   sync.Once
}

func newStalledLink() *stalledLink { return &stalledLink{closed: make(chan struct{})} }

func (l *stalledLink) LocalAddr() net.Addr  { return mem.Addr("local") }
func (l *stalledLink) RemoteAddr() net.Addr { return mem.Addr("stalled") }
func (l *stalledLink) Reliabilities() transport.ReliabilitySet {
	return transport.NewReliabilitySet(transport.ReliableOrdered)
}

func (l *stalledLink) ReadFrames() ([]protocol.Frame, error) {
	<-l.closed
	return nil, net.ErrClosed
}

func (l *stalledLink) WriteFrame(protocol.Frame, transport.Reliability) error {
	<-l.closed
	return net.ErrClosed
}

func (l *stalledLink) Flush() error { return nil }

func (l *stalledLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func TestStalledPeerDoesNotBlockLoop(t *testing.T) {
	g := loop.NewGroup(1, nil)
	t.Cleanup(func() { _ = g.Close() })
	link := newStalledLink()
	r := newRecorder()
	s := startSession(t, g, link, SideServer, r, func(c *Config) {
		c.SendQueue = 1
		c.CloseTimeout = 50 * time.Millisecond
	})
	<-r.opened

	futures := make([]*future.Future, 0, 4)
	for i := 0; i < 4; i++ {
		futures = append(futures, s.Send(ping{N: i}, transport.Unspecified))
	}
	ran := make(chan struct{})
	if err := g.Next().Bind().Submit(func() { close(ran) }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("task of another session on the same loop never ran")
	}

	if err := waitFuture(t, s.CloseAsync()); err != nil {
		t.Fatalf("close: %v", err)
	}
	full := 0
	for i, f := range futures {
		err := waitFuture(t, f)
		switch {
		case errors.Is(err, ErrSendQueueFull):
			full++
		case err == nil:
			t.Fatalf("send %d reported success on a stalled link", i)
		}
	}
	if full < 2 {
		t.Fatalf("%d sends rejected for a full queue, want at least 2", full)
	}
	if s.State() != Closed || s.Err() != nil {
		t.Fatalf("state %s cause %v", s.State(), s.Err())
	}
}

func TestTransformedPeerCloseIsOrderly(t *testing.T) {
	z, err := transform.Zlib(0)
	if err != nil {
		t.Fatalf("zlib: %v", err)
	}
	c, err := transform.ChaCha20(make([]byte, 32))
	if err != nil {
		t.Fatalf("chacha: %v", err)
	}
	g := newGroup(t)
	la, lb := streamLinks(t, engine.Options{Transforms: []transform.Stage{z, c}})
	ra, rb := newRecorder(), newRecorder()
	a := startSession(t, g, la, SideClient, ra, nil)
	b := startSession(t, g, lb, SideServer, rb, nil)

	if err := waitFuture(t, a.Send(chat{Text: "bye"}, transport.Unspecified)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msgs := waitMsgs(t, rb, 1); msgs[0].msg != (chat{Text: "bye"}) {
		t.Fatalf("received %+v", msgs[0])
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitClosed(t, b)
	if b.Err() != nil {
		t.Fatalf("peer close cause = %v", b.Err())
	}
	if rb.count("closed") != 1 || rb.count("exception") != 0 {
		events, _, _ := rb.snapshot()
		t.Fatalf("events = %v", events)
	}
}

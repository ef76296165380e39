package udp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/braddevans/PorkLib/pkg/transport"
)

func TestDatagramRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := New()
	l, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	cli, err := tr.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if err := cli.WriteMessage(ctx, transport.Message{Channel: 3, Reliability: transport.Unreliable, Data: []byte("hi")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	srv, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	m, err := srv.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Channel != 3 || string(m.Data) != "hi" {
		t.Fatalf("got %+v", m)
	}
}

func TestRejectsReliable(t *testing.T) {
	c := newConn(nil, nil, true)
	err := c.WriteMessage(context.Background(), transport.Message{Reliability: transport.ReliableOrdered})
	if !errors.Is(err, transport.ErrUnsupportedReliability) {
		t.Fatalf("err = %v", err)
	}
}

func TestOrderedDropsStale(t *testing.T) {
	c := newConn(nil, nil, false)
	mk := func(seq uint32) []byte {
		b := make([]byte, headerLen+1)
		b[0] = byte(transport.UnreliableOrdered)
		b[2] = 1
		b[3], b[4], b[5], b[6] = byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq)
		b[7] = byte(seq)
		return b
	}
	c.push(mk(2))
	c.push(mk(1))
	c.push(mk(3))
	if len(c.rx) != 2 {
		t.Fatalf("delivered %d, want 2", len(c.rx))
	}
	if m := <-c.rx; m.Data[0] != 2 {
		t.Fatalf("first = %d", m.Data[0])
	}
	if m := <-c.rx; m.Data[0] != 3 {
		t.Fatalf("second = %d", m.Data[0])
	}
}

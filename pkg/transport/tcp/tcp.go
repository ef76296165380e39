package tcp

import (
	"context"
	"net"
	"time"

	"github.com/braddevans/PorkLib/pkg/transport"
)

// Transport is the TCP stream backend. Framing is applied by the engine.
type Transport struct {
	KeepAlive time.Duration
}

func New() *Transport { return &Transport{KeepAlive: 30 * time.Second} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { _ = l.Close() })
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (net.Conn, error) {
	d := &net.Dialer{KeepAlive: t.KeepAlive}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

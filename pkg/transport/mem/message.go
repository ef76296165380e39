package mem

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/braddevans/PorkLib/pkg/transport"
)

// MessageTransport is an in-process message backend that honours every
// reliability. Unreliable messages are dropped when the peer's queue is
// full; all other modes apply backpressure.
type MessageTransport struct {
	QueueSize int

	reg registry[*messageListener]
}

// DefaultMessage is shared by config-built endpoints in one process.
var DefaultMessage = NewMessage()

func NewMessage() *MessageTransport { return &MessageTransport{QueueSize: 256} }

func (t *MessageTransport) Kind() transport.Kind { return transport.KindMemMessage }

func (t *MessageTransport) Reliabilities() transport.ReliabilitySet {
	return transport.AllReliabilities
}

func (t *MessageTransport) Listen(ctx context.Context, name string) (transport.MessageListener, error) {
	l := &messageListener{name: name, newCh: make(chan *MessageConn, 8), closeCh: make(chan struct{}), owner: t}
	if err := t.reg.add(name, l); err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { _ = l.Close() })
	return l, nil
}

func (t *MessageTransport) Dial(ctx context.Context, name string) (transport.MessageConn, error) {
	l, ok := t.reg.get(name)
	if !ok {
		return nil, ErrNoListener
	}
	srv, cli := Pair(Addr(name), Addr(name+"#client"), t.QueueSize)
	select {
	case l.newCh <- srv:
		return cli, nil
	case <-l.closeCh:
		return nil, ErrNoListener
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pair returns two connected message conns. a is addressed by aAddr.
func Pair(aAddr, bAddr net.Addr, queue int) (*MessageConn, *MessageConn) {
	if queue <= 0 {
		queue = 256
	}
	a := &MessageConn{local: aAddr, remote: bAddr, in: make(chan transport.Message, queue), closed: make(chan struct{})}
	b := &MessageConn{local: bAddr, remote: aAddr, in: make(chan transport.Message, queue), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// MessageConn is one end of an in-process message connection.
type MessageConn struct {
	local, remote net.Addr
	in            chan transport.Message
	peer          *MessageConn
	closed        chan struct{}
	once          sync.Once
}

func (c *MessageConn) LocalAddr() net.Addr  { return c.local }
func (c *MessageConn) RemoteAddr() net.Addr { return c.remote }

func (c *MessageConn) ReadMessage(ctx context.Context) (transport.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return transport.Message{}, transport.ErrClosed
	case <-c.peer.closed:
		// deliver what the peer managed to send before closing
		select {
		case m := <-c.in:
			return m, nil
		default:
			return transport.Message{}, io.EOF
		}
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (c *MessageConn) WriteMessage(ctx context.Context, m transport.Message) error {
	if !m.Reliability.Valid() {
		return transport.ErrUnsupportedReliability
	}
	data := make([]byte, len(m.Data))
	copy(data, m.Data)
	m.Data = data
	select {
	case <-c.closed:
		return transport.ErrClosed
	case <-c.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	if m.Reliability == transport.Unreliable || m.Reliability == transport.UnreliableOrdered {
		select {
		case c.peer.in <- m:
		default:
		}
		return nil
	}
	select {
	case c.peer.in <- m:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	case <-c.peer.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MessageConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type messageListener struct {
	name    string
	newCh   chan *MessageConn
	closeCh chan struct{}
	once    sync.Once
	owner   *MessageTransport
}

func (l *messageListener) Addr() net.Addr { return Addr(l.name) }

func (l *messageListener) Accept(ctx context.Context) (transport.MessageConn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *messageListener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.owner.reg.remove(l.name)
	})
	return nil
}

// Package mem provides in-process transports: a byte-stream backend built on
// net.Pipe and a boundary-preserving message backend built on Go channels.
// Both resolve addresses through a per-instance listener registry.
package mem

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/braddevans/PorkLib/pkg/transport"
)

var (
	ErrAddrInUse  = errors.New("mem: listener already exists")
	ErrNoListener = errors.New("mem: no such listener")
)

// Addr is the address of an in-process endpoint.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

// registry maps names to listeners of type L.
type registry[L any] struct {
	mu        sync.Mutex
	listeners map[string]L
}

func (r *registry[L]) add(name string, l L) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners == nil {
		r.listeners = make(map[string]L)
	}
	if _, ok := r.listeners[name]; ok {
		return ErrAddrInUse
	}
	r.listeners[name] = l
	return nil
}

func (r *registry[L]) get(name string) (L, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[name]
	return l, ok
}

func (r *registry[L]) remove(name string) {
	r.mu.Lock()
	delete(r.listeners, name)
	r.mu.Unlock()
}

// StreamTransport is an in-process stream backend using net.Pipe.
type StreamTransport struct {
	reg registry[*streamListener]
}

// DefaultStream is shared by config-built endpoints in one process.
var DefaultStream = NewStream()

func NewStream() *StreamTransport { return &StreamTransport{} }

func (t *StreamTransport) Kind() transport.Kind { return transport.KindMem }

func (t *StreamTransport) Listen(ctx context.Context, name string) (net.Listener, error) {
	l := &streamListener{name: name, newCh: make(chan net.Conn, 8), closeCh: make(chan struct{}), owner: t}
	if err := t.reg.add(name, l); err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { _ = l.Close() })
	return l, nil
}

func (t *StreamTransport) Dial(ctx context.Context, name string) (net.Conn, error) {
	l, ok := t.reg.get(name)
	if !ok {
		return nil, ErrNoListener
	}
	c1, c2 := net.Pipe()
	srv := &pipeConn{Conn: c1, local: Addr(name), remote: Addr(name + "#client")}
	cli := &pipeConn{Conn: c2, local: Addr(name + "#client"), remote: Addr(name)}
	select {
	case l.newCh <- srv:
		return cli, nil
	case <-l.closeCh:
		_ = c1.Close()
		_ = c2.Close()
		return nil, ErrNoListener
	case <-ctx.Done():
		_ = c1.Close()
		_ = c2.Close()
		return nil, ctx.Err()
	}
}

type pipeConn struct {
	net.Conn
	local, remote net.Addr
}

func (c *pipeConn) LocalAddr() net.Addr  { return c.local }
func (c *pipeConn) RemoteAddr() net.Addr { return c.remote }

type streamListener struct {
	name    string
	newCh   chan net.Conn
	closeCh chan struct{}
	once    sync.Once
	owner   *StreamTransport
}

func (l *streamListener) Addr() net.Addr { return Addr(l.name) }

func (l *streamListener) Accept() (net.Conn, error) {
	select {
	case <-l.closeCh:
		return nil, net.ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *streamListener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.owner.reg.remove(l.name)
	})
	return nil
}

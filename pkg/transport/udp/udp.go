// Package udp implements a datagram message transport. It honours
// UNRELIABLE and UNRELIABLE_ORDERED only; every message is one datagram
// prefixed with [reliability u8][channel u16][seq u32].
package udp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/braddevans/PorkLib/pkg/transport"
)

const (
	headerLen = 7
	// MaxDatagram is the largest payload accepted for a single message.
	MaxDatagram = 64*1024 - 8 - 20 - headerLen
)

// Transport implements transport.MessageTransport over UDP.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindUDP }

func (t *Transport) Reliabilities() transport.ReliabilitySet {
	return transport.NewReliabilitySet(transport.Unreliable, transport.UnreliableOrdered)
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.MessageListener, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	ul := &listener{
		conn:     c,
		sessions: make(map[string]*conn),
		newCh:    make(chan *conn, 8),
		closeCh:  make(chan struct{}),
	}
	go ul.readLoop()
	context.AfterFunc(ctx, func() { _ = ul.Close() })
	return ul, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.MessageConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "udp", raddr.String())
	if err != nil {
		return nil, err
	}
	c := newConn(nc.(*net.UDPConn), raddr, true)
	go c.recvLoop()
	return c, nil
}

type listener struct {
	conn     *net.UDPConn
	mu       sync.Mutex
	sessions map[string]*conn
	newCh    chan *conn
	closeCh  chan struct{}
	once     sync.Once
}

func (l *listener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *listener) Accept(ctx context.Context) (transport.MessageConn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.conn.Close()
		l.mu.Lock()
		for _, c := range l.sessions {
			c.fail(transport.ErrClosed)
		}
		l.mu.Unlock()
	})
	return err
}

func (l *listener) forget(key string) {
	l.mu.Lock()
	delete(l.sessions, key)
	l.mu.Unlock()
}

func (l *listener) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			_ = l.Close()
			return
		}
		key := raddr.String()
		l.mu.Lock()
		c, ok := l.sessions[key]
		if !ok {
			c = newConn(l.conn, raddr, false)
			c.release = func() { l.forget(key) }
			select {
			case l.newCh <- c:
				l.sessions[key] = c
			default:
				// accept backlog full; drop the datagram and the peer
				l.mu.Unlock()
				continue
			}
		}
		l.mu.Unlock()
		c.push(buf[:n])
	}
}

type conn struct {
	sock     *net.UDPConn
	raddr    *net.UDPAddr
	outbound bool
	release  func()

	rx   chan transport.Message
	last map[uint16]uint32

	done chan struct{}
	once sync.Once
	err  error

	wmu sync.Mutex
	seq map[uint16]uint32
}

func newConn(sock *net.UDPConn, raddr *net.UDPAddr, outbound bool) *conn {
	return &conn{
		sock:     sock,
		raddr:    raddr,
		outbound: outbound,
		rx:       make(chan transport.Message, 64),
		last:     make(map[uint16]uint32),
		done:     make(chan struct{}),
		seq:      make(map[uint16]uint32),
	}
}

func (c *conn) LocalAddr() net.Addr  { return c.sock.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.raddr }

func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// push parses one datagram; called from a single reader goroutine.
func (c *conn) push(b []byte) {
	if len(b) < headerLen {
		return
	}
	rel := transport.Reliability(b[0])
	ch := binary.BigEndian.Uint16(b[1:3])
	seq := binary.BigEndian.Uint32(b[3:7])
	switch rel {
	case transport.UnreliableOrdered:
		prev, seen := c.last[ch]
		if seen && int32(seq-prev) <= 0 {
			return
		}
		c.last[ch] = seq
	case transport.Unreliable:
	default:
		return
	}
	data := make([]byte, len(b)-headerLen)
	copy(data, b[headerLen:])
	select {
	case c.rx <- transport.Message{Channel: ch, Reliability: rel, Data: data}:
	default:
	}
}

func (c *conn) recvLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.sock.Read(buf)
		if err != nil {
			c.fail(err)
			return
		}
		c.push(buf[:n])
	}
}

func (c *conn) ReadMessage(ctx context.Context) (transport.Message, error) {
	select {
	case m := <-c.rx:
		return m, nil
	case <-c.done:
		return transport.Message{}, c.err
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (c *conn) WriteMessage(_ context.Context, m transport.Message) error {
	if m.Reliability != transport.Unreliable && m.Reliability != transport.UnreliableOrdered {
		return transport.ErrUnsupportedReliability
	}
	if len(m.Data) > MaxDatagram {
		return fmt.Errorf("%w: %d bytes", transport.ErrMessageTooLarge, len(m.Data))
	}
	select {
	case <-c.done:
		return c.err
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	buf := make([]byte, headerLen+len(m.Data))
	buf[0] = byte(m.Reliability)
	binary.BigEndian.PutUint16(buf[1:3], m.Channel)
	c.seq[m.Channel]++
	binary.BigEndian.PutUint32(buf[3:7], c.seq[m.Channel])
	copy(buf[headerLen:], m.Data)
	var err error
	if c.outbound {
		_, err = c.sock.Write(buf)
	} else {
		_, err = c.sock.WriteToUDP(buf, c.raddr)
	}
	return err
}

func (c *conn) Close() error {
	c.fail(transport.ErrClosed)
	if c.release != nil {
		c.release()
	}
	if c.outbound {
		return c.sock.Close()
	}
	return nil
}

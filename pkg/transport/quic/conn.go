package quic

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	quicgo "github.com/quic-go/quic-go"

	"github.com/braddevans/PorkLib/pkg/transport"
)

// Stream and datagram kinds; the first byte of every stream and datagram.
const (
	kindOrderedStream byte = 1
	kindMessageStream byte = 2
	kindDatagram      byte = 3
	kindSeqDatagram   byte = 4

	streamHeaderLen   = 3
	datagramHeaderLen = 7
)

type conn struct {
	c       quicgo.Connection
	maxSize int

	in   chan transport.Message
	done chan struct{}
	once sync.Once
	err  error

	wmu     sync.Mutex
	ordered map[uint16]quicgo.SendStream
	seq     map[uint16]uint32
}

func newConn(c quicgo.Connection, maxSize int) *conn {
	if maxSize <= 0 {
		maxSize = 16 << 20
	}
	qc := &conn{
		c:       c,
		maxSize: maxSize,
		in:      make(chan transport.Message, 64),
		done:    make(chan struct{}),
		ordered: make(map[uint16]quicgo.SendStream),
		seq:     make(map[uint16]uint32),
	}
	go qc.acceptLoop()
	go qc.datagramLoop()
	return qc
}

func (c *conn) LocalAddr() net.Addr  { return c.c.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }

func (c *conn) fail(err error) {
	c.once.Do(func() {
		var appErr *quicgo.ApplicationError
		if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
			err = io.EOF
		}
		c.err = err
		close(c.done)
	})
}

func (c *conn) ReadMessage(ctx context.Context) (transport.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.in:
			return m, nil
		default:
			return transport.Message{}, c.err
		}
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (c *conn) deliver(m transport.Message) bool {
	select {
	case c.in <- m:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) acceptLoop() {
	ctx := c.c.Context()
	for {
		rs, err := c.c.AcceptUniStream(ctx)
		if err != nil {
			c.fail(err)
			return
		}
		go c.readStream(rs)
	}
}

func (c *conn) readStream(rs quicgo.ReceiveStream) {
	br := bufio.NewReader(rs)
	var hdr [streamHeaderLen]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		rs.CancelRead(0)
		return
	}
	ch := binary.BigEndian.Uint16(hdr[1:3])
	switch hdr[0] {
	case kindOrderedStream:
		var lenbuf [4]byte
		for {
			if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
				return
			}
			n := int(binary.BigEndian.Uint32(lenbuf[:]))
			if n > c.maxSize {
				c.fail(fmt.Errorf("%w: record of %d bytes on channel %d", transport.ErrMessageTooLarge, n, ch))
				return
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(br, buf); err != nil {
				return
			}
			if !c.deliver(transport.Message{Channel: ch, Reliability: transport.ReliableOrdered, Data: buf}) {
				return
			}
		}
	case kindMessageStream:
		buf, err := io.ReadAll(io.LimitReader(br, int64(c.maxSize)+1))
		if err != nil {
			return
		}
		if len(buf) > c.maxSize {
			c.fail(fmt.Errorf("%w: message on channel %d", transport.ErrMessageTooLarge, ch))
			return
		}
		c.deliver(transport.Message{Channel: ch, Reliability: transport.Reliable, Data: buf})
	default:
		rs.CancelRead(0)
	}
}

func (c *conn) datagramLoop() {
	ctx := c.c.Context()
	var filter seqFilter
	for {
		b, err := c.c.ReceiveDatagram(ctx)
		if err != nil {
			c.fail(err)
			return
		}
		if len(b) < datagramHeaderLen {
			continue
		}
		ch := binary.BigEndian.Uint16(b[1:3])
		seq := binary.BigEndian.Uint32(b[3:7])
		rel := transport.Unreliable
		if b[0] == kindSeqDatagram {
			if !filter.accept(ch, seq) {
				continue
			}
			rel = transport.UnreliableOrdered
		} else if b[0] != kindDatagram {
			continue
		}
		if !c.deliver(transport.Message{Channel: ch, Reliability: rel, Data: b[datagramHeaderLen:]}) {
			return
		}
	}
}

func (c *conn) WriteMessage(ctx context.Context, m transport.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return c.err
	default:
	}
	switch m.Reliability {
	case transport.ReliableOrdered:
		return c.writeOrdered(ctx, m)
	case transport.Reliable:
		return c.writeSingle(ctx, m)
	case transport.Unreliable, transport.UnreliableOrdered:
		return c.writeDatagram(m)
	}
	return transport.ErrUnsupportedReliability
}

func (c *conn) writeOrdered(ctx context.Context, m transport.Message) error {
	st, ok := c.ordered[m.Channel]
	if !ok {
		s, err := c.c.OpenUniStreamSync(ctx)
		if err != nil {
			return err
		}
		hdr := []byte{kindOrderedStream, 0, 0}
		binary.BigEndian.PutUint16(hdr[1:], m.Channel)
		if _, err := s.Write(hdr); err != nil {
			return err
		}
		c.ordered[m.Channel] = s
		st = s
	}
	buf := make([]byte, 4+len(m.Data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(m.Data)))
	copy(buf[4:], m.Data)
	_, err := st.Write(buf)
	return err
}

func (c *conn) writeSingle(ctx context.Context, m transport.Message) error {
	s, err := c.c.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	buf := make([]byte, streamHeaderLen+len(m.Data))
	buf[0] = kindMessageStream
	binary.BigEndian.PutUint16(buf[1:3], m.Channel)
	copy(buf[streamHeaderLen:], m.Data)
	if _, err := s.Write(buf); err != nil {
		s.CancelWrite(0)
		return err
	}
	return s.Close()
}

func (c *conn) writeDatagram(m transport.Message) error {
	buf := make([]byte, datagramHeaderLen+len(m.Data))
	buf[0] = kindDatagram
	if m.Reliability == transport.UnreliableOrdered {
		buf[0] = kindSeqDatagram
		c.seq[m.Channel]++
		binary.BigEndian.PutUint32(buf[3:7], c.seq[m.Channel])
	}
	binary.BigEndian.PutUint16(buf[1:3], m.Channel)
	copy(buf[datagramHeaderLen:], m.Data)
	return datagramError(c.c.SendDatagram(buf))
}

// datagramError maps a payload the path cannot carry to a per-message
// rejection; every other error concerns the connection.
func datagramError(err error) error {
	var tooLarge *quicgo.DatagramTooLargeError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: %v", transport.ErrMessageTooLarge, err)
	}
	return err
}

// seqFilter drops sequenced datagrams that are not newer than the newest
// one seen on their channel. Comparison is modulo 2^32.
type seqFilter struct {
	last map[uint16]uint32
}

func (f *seqFilter) accept(ch uint16, seq uint32) bool {
	if f.last == nil {
		f.last = make(map[uint16]uint32)
	}
	if prev, seen := f.last[ch]; seen && int32(seq-prev) <= 0 {
		return false
	}
	f.last[ch] = seq
	return true
}

func (c *conn) Close() error {
	c.fail(transport.ErrClosed)
	return c.c.CloseWithError(0, "")
}

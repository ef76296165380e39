package engine

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/braddevans/PorkLib/pkg/protocol"
	"github.com/braddevans/PorkLib/pkg/protocol/transform"
	"github.com/braddevans/PorkLib/pkg/transport"
)

const (
	defaultReadBuffer  = 32 << 10
	defaultWriteBuffer = 32 << 10
)

var streamReliabilities = transport.NewReliabilitySet(transport.ReliableOrdered)

// StreamEngine frames a byte-stream backend.
type StreamEngine struct {
	t    transport.StreamTransport
	opts Options
}

func NewStream(t transport.StreamTransport, opts Options) *StreamEngine {
	return &StreamEngine{t: t, opts: opts}
}

func (e *StreamEngine) Kind() transport.Kind { return e.t.Kind() }

func (e *StreamEngine) Reliabilities() transport.ReliabilitySet { return streamReliabilities }

func (e *StreamEngine) Supports(rel transport.Reliability) bool { return streamReliabilities.Has(rel) }

func (e *StreamEngine) Bind(ctx context.Context, address string) (Acceptor, error) {
	l, err := e.t.Listen(ctx, address)
	if err != nil {
		return nil, err
	}
	return &streamAcceptor{l: l, e: e}, nil
}

func (e *StreamEngine) Connect(ctx context.Context, address string) (Link, error) {
	c, err := e.t.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	l, err := e.wrap(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return l, nil
}

// wrap builds a link over an established connection.
func (e *StreamEngine) wrap(c net.Conn) (*streamLink, error) {
	rb := e.opts.ReadBuffer
	if rb <= 0 {
		rb = defaultReadBuffer
	}
	wb := e.opts.WriteBuffer
	if wb <= 0 {
		wb = defaultWriteBuffer
	}
	bw := bufio.NewWriterSize(c, wb)
	w, err := transform.WrapWriter(bw, e.opts.Transforms)
	if err != nil {
		return nil, err
	}
	r, err := transform.WrapReader(c, e.opts.Transforms)
	if err != nil {
		return nil, err
	}
	return &streamLink{
		conn: c,
		r:    r,
		w:    w,
		dec:  protocol.NewStreamDecoder(e.opts.maxFrame()),
		max:  e.opts.maxFrame(),
		buf:  make([]byte, rb),
	}, nil
}

// Link wraps an already connected net.Conn, for callers that own the
// connection setup.
func (e *StreamEngine) Link(c net.Conn) (Link, error) { return e.wrap(c) }

type streamAcceptor struct {
	l net.Listener
	e *StreamEngine
}

// Accept waits for the next connection. Cancelling ctx closes the acceptor.
func (a *streamAcceptor) Accept(ctx context.Context) (Link, error) {
	stop := context.AfterFunc(ctx, func() { _ = a.l.Close() })
	defer stop()
	c, err := a.l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	l, err := a.e.wrap(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return l, nil
}

func (a *streamAcceptor) Addr() net.Addr { return a.l.Addr() }
func (a *streamAcceptor) Close() error   { return a.l.Close() }

type streamLink struct {
	conn net.Conn
	r    io.Reader
	w    transform.Writer
	dec  *protocol.StreamDecoder
	max  int
	buf  []byte
	out  []byte

	closeOnce sync.Once
	closeErr  error
}

func (l *streamLink) LocalAddr() net.Addr                     { return l.conn.LocalAddr() }
func (l *streamLink) RemoteAddr() net.Addr                    { return l.conn.RemoteAddr() }
func (l *streamLink) Reliabilities() transport.ReliabilitySet { return streamReliabilities }

func (l *streamLink) ReadFrames() ([]protocol.Frame, error) {
	for {
		n, err := l.r.Read(l.buf)
		if n > 0 {
			frames, derr := l.dec.Feed(l.buf[:n])
			if derr != nil {
				return frames, derr
			}
			if len(frames) > 0 {
				return frames, nil
			}
		}
		if err != nil {
			if err == io.EOF && l.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (l *streamLink) WriteFrame(f protocol.Frame, rel transport.Reliability) error {
	if !streamReliabilities.Has(rel) {
		return transport.ErrUnsupportedReliability
	}
	if err := protocol.CheckStreamFrame(f, l.max); err != nil {
		return err
	}
	l.out = protocol.AppendStreamFrame(l.out[:0], f)
	_, err := l.w.Write(l.out)
	return err
}

func (l *streamLink) Flush() error { return l.w.Flush() }

// Finish ends the transform chain and flushes. Only the writer may call it.
func (l *streamLink) Finish() error { return transform.Finish(l.w) }

func (l *streamLink) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.conn.Close() })
	return l.closeErr
}

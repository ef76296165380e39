package engine

import (
	"context"
	"net"
	"sync"

	"github.com/braddevans/PorkLib/pkg/protocol"
	"github.com/braddevans/PorkLib/pkg/transport"
)

// MessageEngine maps frames onto a boundary-preserving backend.
type MessageEngine struct {
	t transport.MessageTransport
}

// NewMessage fails when opts carries transform stages.
func NewMessage(t transport.MessageTransport, opts Options) (*MessageEngine, error) {
	if len(opts.Transforms) > 0 {
		return nil, ErrTransformsUnsupported
	}
	return &MessageEngine{t: t}, nil
}

func (e *MessageEngine) Kind() transport.Kind { return e.t.Kind() }

func (e *MessageEngine) Reliabilities() transport.ReliabilitySet { return e.t.Reliabilities() }

func (e *MessageEngine) Supports(rel transport.Reliability) bool { return e.t.Reliabilities().Has(rel) }

func (e *MessageEngine) Bind(ctx context.Context, address string) (Acceptor, error) {
	l, err := e.t.Listen(ctx, address)
	if err != nil {
		return nil, err
	}
	return &messageAcceptor{l: l, rels: e.t.Reliabilities()}, nil
}

func (e *MessageEngine) Connect(ctx context.Context, address string) (Link, error) {
	c, err := e.t.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return newMessageLink(c, e.t.Reliabilities()), nil
}

// Link wraps an already connected message conn.
func (e *MessageEngine) Link(c transport.MessageConn) Link {
	return newMessageLink(c, e.t.Reliabilities())
}

type messageAcceptor struct {
	l    transport.MessageListener
	rels transport.ReliabilitySet
}

func (a *messageAcceptor) Accept(ctx context.Context) (Link, error) {
	c, err := a.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newMessageLink(c, a.rels), nil
}

func (a *messageAcceptor) Addr() net.Addr { return a.l.Addr() }
func (a *messageAcceptor) Close() error   { return a.l.Close() }

type messageLink struct {
	conn   transport.MessageConn
	rels   transport.ReliabilitySet
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func newMessageLink(c transport.MessageConn, rels transport.ReliabilitySet) *messageLink {
	ctx, cancel := context.WithCancel(context.Background())
	return &messageLink{conn: c, rels: rels, ctx: ctx, cancel: cancel}
}

func (l *messageLink) LocalAddr() net.Addr                     { return l.conn.LocalAddr() }
func (l *messageLink) RemoteAddr() net.Addr                    { return l.conn.RemoteAddr() }
func (l *messageLink) Reliabilities() transport.ReliabilitySet { return l.rels }

func (l *messageLink) ReadFrames() ([]protocol.Frame, error) {
	m, err := l.conn.ReadMessage(l.ctx)
	if err != nil {
		return nil, err
	}
	f, err := protocol.DecodeMessageFrame(m.Channel, m.Data)
	if err != nil {
		return nil, err
	}
	return []protocol.Frame{f}, nil
}

func (l *messageLink) WriteFrame(f protocol.Frame, rel transport.Reliability) error {
	if !l.rels.Has(rel) {
		return transport.ErrUnsupportedReliability
	}
	data := protocol.AppendMessageFrame(make([]byte, 0, protocol.MessageHeaderLen+len(f.Payload)), f)
	return l.conn.WriteMessage(l.ctx, transport.Message{Channel: f.Channel, Reliability: rel, Data: data})
}

func (l *messageLink) Flush() error { return nil }

func (l *messageLink) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

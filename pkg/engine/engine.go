// Package engine adapts a transport backend to the framed link a session
// runs on. A stream engine frames bytes with the length-prefixed stream
// header and honours RELIABLE_ORDERED only; a message engine maps each frame
// onto one native message and honours whatever the backend offers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/braddevans/PorkLib/pkg/config"
	"github.com/braddevans/PorkLib/pkg/protocol"
	"github.com/braddevans/PorkLib/pkg/protocol/transform"
	"github.com/braddevans/PorkLib/pkg/transport"
	"github.com/braddevans/PorkLib/pkg/transport/mem"
	"github.com/braddevans/PorkLib/pkg/transport/quic"
	"github.com/braddevans/PorkLib/pkg/transport/tcp"
	"github.com/braddevans/PorkLib/pkg/transport/udp"
)

// ErrTransformsUnsupported is returned when transform stages are configured
// on a message engine.
var ErrTransformsUnsupported = errors.New("engine: transforms require a stream engine")

// Engine binds and connects framed links over one backend.
type Engine interface {
	Kind() transport.Kind
	Reliabilities() transport.ReliabilitySet
	Supports(rel transport.Reliability) bool
	// Bind listens on address. Failure is returned, never retried.
	Bind(ctx context.Context, address string) (Acceptor, error)
	Connect(ctx context.Context, address string) (Link, error)
}

// Acceptor yields inbound links.
type Acceptor interface {
	Accept(ctx context.Context) (Link, error)
	Addr() net.Addr
	Close() error
}

// Link is one framed connection. ReadFrames is called from a single reader
// goroutine; WriteFrame and Flush from a single writer goroutine.
type Link interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Reliabilities() transport.ReliabilitySet
	// ReadFrames blocks until at least one complete frame is available. A
	// *protocol.FrameError is fatal; frames completed before it may come
	// back with it, no frame at or after it does.
	ReadFrames() ([]protocol.Frame, error)
	// WriteFrame may buffer; Flush hands everything buffered to the backend.
	WriteFrame(f protocol.Frame, rel transport.Reliability) error
	Flush() error
	Close() error
}

// Finish flushes l and ends its outbound stream so the peer reads a clean
// end of stream. Links without trailing state are only flushed. It is
// called from the writer goroutine, once, before Close.
func Finish(l Link) error {
	if f, ok := l.(interface{ Finish() error }); ok {
		return f.Finish()
	}
	return l.Flush()
}

// Options tune an engine.
type Options struct {
	// MaxFrameSize bounds the Length field of inbound and outbound stream
	// frames. 0 uses protocol.DefaultMaxFrameSize.
	MaxFrameSize int
	// Transforms wrap the stream in configured order. Stream engines only.
	Transforms []transform.Stage
	// ReadBuffer and WriteBuffer size the stream buffers.
	ReadBuffer  int
	WriteBuffer int
}

func (o Options) maxFrame() int {
	if o.MaxFrameSize <= 0 {
		return protocol.DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

// NewByKind builds the engine for a backend kind with its default transport.
// The mem kinds share the process-wide in-memory registries.
func NewByKind(kind transport.Kind, opts Options) (Engine, error) {
	switch kind {
	case transport.KindTCP:
		return NewStream(tcp.New(), opts), nil
	case transport.KindMem:
		return NewStream(mem.DefaultStream, opts), nil
	case transport.KindWinPipe:
		t, err := newWinPipeTransport()
		if err != nil {
			return nil, err
		}
		return NewStream(t, opts), nil
	case transport.KindQUIC:
		t := quic.New()
		if opts.MaxFrameSize > 0 {
			t.MaxMessageSize = opts.MaxFrameSize
		}
		return NewMessage(t, opts)
	case transport.KindUDP:
		return NewMessage(udp.New(), opts)
	case transport.KindMemMessage:
		return NewMessage(mem.DefaultMessage, opts)
	}
	return nil, fmt.Errorf("engine: unsupported kind %s", kind)
}

// FromConfig builds the engine described by an endpoint config.
func FromConfig(ec config.EndpointConfig) (Engine, error) {
	kind, err := ec.TransportKind()
	if err != nil {
		return nil, err
	}
	stages, err := transform.FromConfig(ec.Transforms)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", ec.Name, err)
	}
	return NewByKind(kind, Options{MaxFrameSize: ec.MaxFrameSize, Transforms: stages})
}

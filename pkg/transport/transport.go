package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind identifies the physical backend of an engine.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindUDP
	KindWinPipe
	KindMem
	KindMemMessage
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindUDP:
		return "udp"
	case KindWinPipe:
		return "winpipe"
	case KindMem:
		return "mem"
	case KindMemMessage:
		return "memmsg"
	default:
		return "unknown"
	}
}

// Stream reports whether the kind is a byte-stream backend.
func (k Kind) Stream() bool {
	return k == KindTCP || k == KindWinPipe || k == KindMem
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return KindTCP, nil
	case "quic":
		return KindQUIC, nil
	case "udp":
		return KindUDP, nil
	case "winpipe", "pipe":
		return KindWinPipe, nil
	case "mem":
		return KindMem, nil
	case "memmsg", "mem-msg":
		return KindMemMessage, nil
	}
	return KindUnknown, fmt.Errorf("transport: unknown kind %q", s)
}

var (
	// ErrClosed is returned by listeners and connections after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrUnsupportedReliability is returned when a backend cannot honour the
	// requested delivery guarantee.
	ErrUnsupportedReliability = errors.New("transport: unsupported reliability")
	// ErrMessageTooLarge is returned when a message exceeds the backend's
	// native size limit.
	ErrMessageTooLarge = errors.New("transport: message too large")
)

// StreamTransport dials and listens for byte-stream connections.
type StreamTransport interface {
	Kind() Kind
	// Listen binds address. The listener is closed when ctx is done.
	Listen(ctx context.Context, address string) (net.Listener, error)
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// Message is one boundary-preserved unit on a MessageTransport.
type Message struct {
	Channel     uint16
	Reliability Reliability
	Data        []byte
}

// MessageConn is a connection that preserves message boundaries.
// ReadMessage is called from a single reader goroutine and WriteMessage from
// a single writer goroutine; the two may run concurrently.
type MessageConn interface {
	ReadMessage(ctx context.Context) (Message, error)
	WriteMessage(ctx context.Context, m Message) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// MessageListener accepts inbound message connections.
type MessageListener interface {
	// Accept blocks until an inbound connection is available or ctx is done.
	Accept(ctx context.Context) (MessageConn, error)
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// MessageTransport dials and listens for message connections.
type MessageTransport interface {
	Kind() Kind
	Reliabilities() ReliabilitySet
	Listen(ctx context.Context, address string) (MessageListener, error)
	Dial(ctx context.Context, address string) (MessageConn, error)
}

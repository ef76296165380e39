// Package pipeline implements the per-session handler chain.
//
// A Pipeline is an ordered list of named nodes between two fixed ends: the
// head, which hands outbound messages to the transport sink, and the tail,
// which is the session's built-in terminal handler. Inbound events travel
// head to tail; outbound messages travel from where they are sent back to
// the head. Each message goes to the first node whose declared type accepts
// it; lookups are cached per node and reset whenever the chain changes.
//
// A Pipeline is not safe for concurrent use. All dispatch and mutation of a
// session's pipeline happens on that session's worker.
package pipeline

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/braddevans/PorkLib/pkg/transport"
)

var (
	ErrDuplicateName = errors.New("pipeline: duplicate node name")
	ErrInvalidName   = errors.New("pipeline: invalid node name")
	ErrNodeNotFound  = errors.New("pipeline: node not found")
	ErrNoCapability  = errors.New("pipeline: handler implements no matching capability")
	ErrNilMessage    = errors.New("pipeline: nil message")
)

const (
	headName = "#head"
	tailName = "#tail"
)

// Session is the view of the owning session handed to handlers.
type Session interface {
	ID() string
}

// Sink receives outbound messages that reached the head.
type Sink interface {
	Write(msg any, channel uint16, w *Write) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg any, channel uint16, w *Write) error

func (f SinkFunc) Write(msg any, channel uint16, w *Write) error { return f(msg, channel, w) }

// Terminal is the application-facing end of the pipeline.
type Terminal interface {
	OpenedHandler
	ClosedHandler
	ExceptionHandler
	ReceivedHandler
}

// Write is the outbound operation a message belongs to while it travels
// towards the head. One Write may produce several messages at the sink.
type Write struct {
	Reliability transport.Reliability
	// Attachment is owned by whoever started the write.
	Attachment any
	// Err is the first error raised while dispatching the write.
	Err error
}

func (w *Write) fail(err error) {
	if w.Err == nil {
		w.Err = err
	}
}

// Pipeline is the ordered node chain of one session.
type Pipeline struct {
	session Session
	sink    Sink
	nodes   []*node
	byName  map[string]*node
	cur     *Write

	// Unhandled receives errors that passed the tail.
	Unhandled func(err error)
}

// New builds an empty pipeline bracketed by sink and term.
func New(s Session, sink Sink, term Terminal) *Pipeline {
	p := &Pipeline{session: s, sink: sink, byName: make(map[string]*node)}
	head := &node{name: headName, handler: &headHandler{p: p}, caps: Capabilities{Flags: CapSend}}
	tail := &node{name: tailName, handler: term, caps: Capabilities{Flags: capInbound}}
	p.nodes = []*node{head, tail}
	for _, n := range p.nodes {
		n.ctx = Context{n: n, p: p}
	}
	p.invalidate()
	return p
}

type headHandler struct{ p *Pipeline }

func (h *headHandler) Sending(ctx *Context, msg any, channel uint16) error {
	w := h.p.cur
	if w == nil {
		w = &Write{}
	}
	return h.p.sink.Write(msg, channel, w)
}

// Session returns the owning session.
func (p *Pipeline) Session() Session { return p.session }

// Len returns the number of user nodes.
func (p *Pipeline) Len() int { return len(p.nodes) - 2 }

// Names lists user nodes head to tail.
func (p *Pipeline) Names() []string {
	out := make([]string, 0, p.Len())
	for _, n := range p.nodes[1 : len(p.nodes)-1] {
		out = append(out, n.name)
	}
	return out
}

// Get returns the handler registered under name.
func (p *Pipeline) Get(name string) (any, bool) {
	n, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return n.handler, true
}

// Context returns the dispatch context of the named node.
func (p *Pipeline) Context(name string) (*Context, bool) {
	n, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return &n.ctx, true
}

// AddFirst inserts h directly after the head.
func (p *Pipeline) AddFirst(name string, h any, opts ...Option) error {
	return p.insert(1, name, h, opts)
}

// AddLast inserts h directly before the tail.
func (p *Pipeline) AddLast(name string, h any, opts ...Option) error {
	return p.insert(len(p.nodes)-1, name, h, opts)
}

// AddBefore inserts h directly before the node named base.
func (p *Pipeline) AddBefore(base, name string, h any, opts ...Option) error {
	b, ok := p.byName[base]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, base)
	}
	return p.insert(b.index, name, h, opts)
}

// AddAfter inserts h directly after the node named base.
func (p *Pipeline) AddAfter(base, name string, h any, opts ...Option) error {
	b, ok := p.byName[base]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, base)
	}
	return p.insert(b.index+1, name, h, opts)
}

// Remove unlinks the named node and returns its handler. A removed node's
// context keeps forwarding from the position it vacated.
func (p *Pipeline) Remove(name string) (any, error) {
	n, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	p.nodes = append(p.nodes[:n.index], p.nodes[n.index+1:]...)
	delete(p.byName, name)
	n.removed = true
	p.invalidate()
	return n.handler, nil
}

func (p *Pipeline) insert(at int, name string, h any, opts []Option) error {
	if name == "" || name == headName || name == tailName {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, dup := p.byName[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	caps, err := Inspect(h, opts...)
	if err != nil {
		return fmt.Errorf("%w: %q (%T)", err, name, h)
	}
	n := &node{name: name, handler: h, caps: caps}
	n.ctx = Context{n: n, p: p}
	p.nodes = append(p.nodes, nil)
	copy(p.nodes[at+1:], p.nodes[at:])
	p.nodes[at] = n
	p.byName[name] = n
	p.invalidate()
	return nil
}

// invalidate renumbers nodes and drops every cached route.
func (p *Pipeline) invalidate() {
	for i, n := range p.nodes {
		n.index = i
		n.valid = false
		clear(n.received)
		clear(n.sending)
	}
}

func (p *Pipeline) head() *node { return p.nodes[0] }
func (p *Pipeline) tail() *node { return p.nodes[len(p.nodes)-1] }

// FireOpened dispatches opened from the head.
func (p *Pipeline) FireOpened() { p.head().ctx.FireOpened() }

// FireClosed dispatches closed from the head.
func (p *Pipeline) FireClosed() { p.head().ctx.FireClosed() }

// FireExceptionCaught dispatches err from the head.
func (p *Pipeline) FireExceptionCaught(err error) { p.head().ctx.FireExceptionCaught(err) }

// FireReceived dispatches an inbound message from the head.
func (p *Pipeline) FireReceived(msg any, channel uint16) { p.head().ctx.FireReceived(msg, channel) }

// Send dispatches an outbound message from the tail as part of w and
// returns w.Err.
func (p *Pipeline) Send(msg any, channel uint16, w *Write) error {
	return p.tail().ctx.send(msg, channel, w)
}

type node struct {
	name    string
	handler any
	caps    Capabilities
	index   int
	removed bool
	ctx     Context

	valid     bool
	opened    *node
	closed    *node
	exception *node
	received  map[reflect.Type]*node
	sending   map[reflect.Type]*node
}

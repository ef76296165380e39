package pipeline

import (
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/braddevans/PorkLib/pkg/transport"
)

// PanicError wraps a value recovered from a handler.
type PanicError struct {
	Node  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("pipeline: handler %q panicked: %v", e.Node, e.Value)
}

// Context is a node's handle on the pipeline. Fire methods continue an
// event from the node's position.
type Context struct {
	n *node
	p *Pipeline
}

func (c *Context) Name() string        { return c.n.name }
func (c *Context) Handler() any        { return c.n.handler }
func (c *Context) Pipeline() *Pipeline { return c.p }
func (c *Context) Session() Session    { return c.p.session }

// Write returns the outbound operation currently being dispatched, or nil.
func (c *Context) Write() *Write { return c.p.cur }

// Removed reports whether the node has been unlinked.
func (c *Context) Removed() bool { return c.n.removed }

func (c *Context) FireOpened() {
	t := c.nextInbound(CapOpened, func(n *node) **node { return &n.opened })
	if t == nil {
		return
	}
	c.p.invoke(t, func() error { return t.handler.(OpenedHandler).Opened(&t.ctx) })
}

func (c *Context) FireClosed() {
	t := c.nextInbound(CapClosed, func(n *node) **node { return &n.closed })
	if t == nil {
		return
	}
	c.p.invoke(t, func() error { return t.handler.(ClosedHandler).Closed(&t.ctx) })
}

func (c *Context) FireExceptionCaught(err error) {
	t := c.nextInbound(CapException, func(n *node) **node { return &n.exception })
	if t == nil {
		return
	}
	c.p.invoke(t, func() error { return t.handler.(ExceptionHandler).ExceptionCaught(&t.ctx, err) })
}

func (c *Context) FireReceived(msg any, channel uint16) {
	if msg == nil {
		c.p.raise(c.n, ErrNilMessage)
		return
	}
	t := c.nextReceived(reflect.TypeOf(msg))
	if t == nil {
		return
	}
	c.p.invoke(t, func() error { return t.handler.(ReceivedHandler).Received(&t.ctx, msg, channel) })
}

// FireSending passes msg on towards the head as part of the current write.
// Outside a write it behaves like Send.
func (c *Context) FireSending(msg any, channel uint16) {
	w := c.p.cur
	if w == nil {
		_ = c.Send(msg, channel)
		return
	}
	c.dispatchSend(msg, channel, w)
}

// Send starts a new write at this node with the session's fallback
// reliability and returns the first error raised before it left the
// pipeline.
func (c *Context) Send(msg any, channel uint16) error {
	return c.send(msg, channel, &Write{})
}

// SendWith is Send with an explicit reliability.
func (c *Context) SendWith(msg any, channel uint16, rel transport.Reliability) error {
	return c.send(msg, channel, &Write{Reliability: rel})
}

func (c *Context) send(msg any, channel uint16, w *Write) error {
	prev := c.p.cur
	c.p.cur = w
	defer func() { c.p.cur = prev }()
	c.dispatchSend(msg, channel, w)
	return w.Err
}

func (c *Context) dispatchSend(msg any, channel uint16, w *Write) {
	if msg == nil {
		w.fail(ErrNilMessage)
		return
	}
	t := c.nextSending(reflect.TypeOf(msg))
	if t == nil {
		return
	}
	err := guard(t.name, func() error { return t.handler.(SendingHandler).Sending(&t.ctx, msg, channel) })
	if err == nil {
		return
	}
	w.fail(err)
	if t != c.p.head() {
		c.p.raise(t, err)
	}
}

// forwardFrom is the first index an inbound scan from this node visits.
func (c *Context) forwardFrom() int {
	if c.n.removed {
		return min(c.n.index, len(c.p.nodes)-1)
	}
	return c.n.index + 1
}

// backwardFrom is the first index an outbound scan from this node visits.
func (c *Context) backwardFrom() int {
	if c.n.removed {
		return min(c.n.index-1, len(c.p.nodes)-1)
	}
	return c.n.index - 1
}

func (c *Context) prepare() {
	n := c.n
	if n.valid {
		return
	}
	from := c.forwardFrom()
	n.opened = c.p.forward(from, func(x *node) bool { return x.caps.Flags.Has(CapOpened) })
	n.closed = c.p.forward(from, func(x *node) bool { return x.caps.Flags.Has(CapClosed) })
	n.exception = c.p.forward(from, func(x *node) bool { return x.caps.Flags.Has(CapException) })
	if n.received == nil {
		n.received = make(map[reflect.Type]*node)
		n.sending = make(map[reflect.Type]*node)
	}
	n.valid = true
}

func (c *Context) nextInbound(cp Capability, slot func(*node) **node) *node {
	if c.n.removed {
		return c.p.forward(c.forwardFrom(), func(x *node) bool { return x.caps.Flags.Has(cp) })
	}
	c.prepare()
	return *slot(c.n)
}

func (c *Context) nextReceived(t reflect.Type) *node {
	match := func(x *node) bool { return x.caps.canReceive(t) }
	if c.n.removed {
		return c.p.forward(c.forwardFrom(), match)
	}
	c.prepare()
	if x, ok := c.n.received[t]; ok {
		return x
	}
	x := c.p.forward(c.forwardFrom(), match)
	c.n.received[t] = x
	return x
}

func (c *Context) nextSending(t reflect.Type) *node {
	match := func(x *node) bool { return x.caps.canSend(t) }
	if c.n.removed {
		return c.p.backward(c.backwardFrom(), match)
	}
	c.prepare()
	if x, ok := c.n.sending[t]; ok {
		return x
	}
	x := c.p.backward(c.backwardFrom(), match)
	c.n.sending[t] = x
	return x
}

// forward returns the first node at or after from that matches. The tail
// matches every inbound event, so only a scan starting past it yields nil.
func (p *Pipeline) forward(from int, match func(*node) bool) *node {
	for i := max(from, 0); i < len(p.nodes); i++ {
		if match(p.nodes[i]) {
			return p.nodes[i]
		}
	}
	return nil
}

// backward returns the first node at or before from that matches. The head
// matches every outbound message.
func (p *Pipeline) backward(from int, match func(*node) bool) *node {
	for i := min(from, len(p.nodes)-1); i >= 0; i-- {
		if match(p.nodes[i]) {
			return p.nodes[i]
		}
	}
	return nil
}

func (p *Pipeline) invoke(t *node, fn func() error) {
	if err := guard(t.name, fn); err != nil {
		p.raise(t, err)
	}
}

// raise re-enters err as exceptionCaught after the failing node. Errors
// from the tail leave the pipeline.
func (p *Pipeline) raise(from *node, err error) {
	if from == p.tail() {
		if p.Unhandled != nil {
			p.Unhandled(err)
		}
		return
	}
	from.ctx.FireExceptionCaught(err)
}

func guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Node: name, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

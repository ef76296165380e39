package pipeline

import "reflect"

// OpenedHandler observes the session reaching OPEN.
type OpenedHandler interface {
	Opened(ctx *Context) error
}

// ClosedHandler observes the session reaching CLOSED.
type ClosedHandler interface {
	Closed(ctx *Context) error
}

// ExceptionHandler observes errors raised by earlier nodes. Returning nil
// marks the error handled; returning an error passes it on.
type ExceptionHandler interface {
	ExceptionCaught(ctx *Context, err error) error
}

// ReceivedHandler consumes inbound messages. A handler that wants later
// nodes to see the message calls ctx.FireReceived.
type ReceivedHandler interface {
	Received(ctx *Context, msg any, channel uint16) error
}

// SendingHandler intercepts outbound messages on their way to the
// transport. A handler that wants the message written calls ctx.FireSending.
type SendingHandler interface {
	Sending(ctx *Context, msg any, channel uint16) error
}

// ReceiveTyper declares the message type a ReceivedHandler accepts.
type ReceiveTyper interface {
	ReceiveType() reflect.Type
}

// SendTyper declares the message type a SendingHandler accepts.
type SendTyper interface {
	SendType() reflect.Type
}

// Capability is the set of events a node participates in.
type Capability uint8

const (
	CapOpened Capability = 1 << iota
	CapClosed
	CapException
	CapReceive
	CapSend

	capInbound = CapOpened | CapClosed | CapException | CapReceive
)

func (c Capability) Has(o Capability) bool { return c&o == o }

// Capabilities is computed once when a node is added.
type Capabilities struct {
	Flags Capability
	// Receive and Send are nil when the handler accepts any message.
	Receive reflect.Type
	Send    reflect.Type
}

func (c Capabilities) canReceive(t reflect.Type) bool {
	return c.Flags.Has(CapReceive) && (c.Receive == nil || t.AssignableTo(c.Receive))
}

func (c Capabilities) canSend(t reflect.Type) bool {
	return c.Flags.Has(CapSend) && (c.Send == nil || t.AssignableTo(c.Send))
}

// Option adjusts a node's capabilities when it is added.
type Option func(*Capabilities)

// Receives restricts a node's Received to messages assignable to T.
func Receives[T any]() Option {
	return func(c *Capabilities) { c.Receive = reflect.TypeFor[T]() }
}

// Sends restricts a node's Sending to messages assignable to T.
func Sends[T any]() Option {
	return func(c *Capabilities) { c.Send = reflect.TypeFor[T]() }
}

// Inspect computes the capabilities of h after applying opts.
func Inspect(h any, opts ...Option) (Capabilities, error) {
	var c Capabilities
	if _, ok := h.(OpenedHandler); ok {
		c.Flags |= CapOpened
	}
	if _, ok := h.(ClosedHandler); ok {
		c.Flags |= CapClosed
	}
	if _, ok := h.(ExceptionHandler); ok {
		c.Flags |= CapException
	}
	if _, ok := h.(ReceivedHandler); ok {
		c.Flags |= CapReceive
		if rt, ok := h.(ReceiveTyper); ok {
			c.Receive = rt.ReceiveType()
		}
	}
	if _, ok := h.(SendingHandler); ok {
		c.Flags |= CapSend
		if st, ok := h.(SendTyper); ok {
			c.Send = st.SendType()
		}
	}
	for _, o := range opts {
		o(&c)
	}
	if c.Flags == 0 {
		return c, ErrNoCapability
	}
	if c.Receive != nil && !c.Flags.Has(CapReceive) {
		return c, ErrNoCapability
	}
	if c.Send != nil && !c.Flags.Has(CapSend) {
		return c, ErrNoCapability
	}
	return c, nil
}

type receiveFunc[T any] func(ctx *Context, msg T, channel uint16) error

func (f receiveFunc[T]) Received(ctx *Context, msg any, channel uint16) error {
	return f(ctx, msg.(T), channel)
}

func (receiveFunc[T]) ReceiveType() reflect.Type { return reflect.TypeFor[T]() }

// OnReceive adapts fn into a handler receiving only messages assignable to T.
func OnReceive[T any](fn func(ctx *Context, msg T, channel uint16) error) ReceivedHandler {
	return receiveFunc[T](fn)
}

type sendFunc[T any] func(ctx *Context, msg T, channel uint16) error

func (f sendFunc[T]) Sending(ctx *Context, msg any, channel uint16) error {
	return f(ctx, msg.(T), channel)
}

func (sendFunc[T]) SendType() reflect.Type { return reflect.TypeFor[T]() }

// OnSend adapts fn into a handler intercepting only messages assignable to T.
func OnSend[T any](fn func(ctx *Context, msg T, channel uint16) error) SendingHandler {
	return sendFunc[T](fn)
}

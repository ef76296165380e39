package codec

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/braddevans/PorkLib/pkg/protocol"
)

// Codec defines a simple interface for marshaling typed messages.
// Implementations should be deterministic and safe for cross-node exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ByName returns a built-in codec by short name or content type.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json", "application/json":
		return JSON(), nil
	case "proto", "protobuf", "application/x-protobuf":
		return Proto(), nil
	case "cbor", "application/cbor":
		return CBOR()
	case "binary", "raw", "application/octet-stream":
		return Binary(), nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}

var (
	ErrDuplicate     = errors.New("codec: already registered")
	ErrUnknownPacket = errors.New("codec: unknown packet")
	ErrUnregistered  = errors.New("codec: unregistered message type")
	ErrNilPrototype  = errors.New("codec: nil prototype")
)

type key struct {
	protocol uint8
	packet   uint16
}

type binding struct {
	key
	typ   reflect.Type
	codec Codec
}

// Registry binds (protocol id, packet id) pairs to Go message types and the
// codec that serialises their payload. It is safe for concurrent use;
// registration normally happens before any session starts.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[key]*binding
	byType map[reflect.Type]*binding
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[key]*binding), byType: make(map[reflect.Type]*binding)}
}

// Register binds the dynamic type of prototype to the given ids. Decoded
// messages have exactly that type, pointer or value.
func (r *Registry) Register(protocolID uint8, packetID uint16, prototype any, c Codec) error {
	if prototype == nil {
		return ErrNilPrototype
	}
	return r.register(protocolID, packetID, reflect.TypeOf(prototype), c)
}

// Register binds T to the given ids.
func Register[T any](r *Registry, protocolID uint8, packetID uint16, c Codec) error {
	return r.register(protocolID, packetID, reflect.TypeFor[T](), c)
}

func (r *Registry) register(protocolID uint8, packetID uint16, typ reflect.Type, c Codec) error {
	if c == nil {
		return fmt.Errorf("codec: nil codec for %v", typ)
	}
	k := key{protocol: protocolID, packet: packetID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.byKey[k]; ok {
		return fmt.Errorf("%w: %d/%d is %v", ErrDuplicate, protocolID, packetID, b.typ)
	}
	if b, ok := r.byType[typ]; ok {
		return fmt.Errorf("%w: %v is %d/%d", ErrDuplicate, typ, b.protocol, b.packet)
	}
	b := &binding{key: k, typ: typ, codec: c}
	r.byKey[k] = b
	r.byType[typ] = b
	return nil
}

// Lookup returns the ids bound to msg's type.
func (r *Registry) Lookup(msg any) (protocolID uint8, packetID uint16, ok bool) {
	r.mu.RLock()
	b := r.byType[reflect.TypeOf(msg)]
	r.mu.RUnlock()
	if b == nil {
		return 0, 0, false
	}
	return b.protocol, b.packet, true
}

// Encode serialises msg into a frame for channel.
func (r *Registry) Encode(msg any, channel uint16) (protocol.Frame, error) {
	r.mu.RLock()
	b := r.byType[reflect.TypeOf(msg)]
	r.mu.RUnlock()
	if b == nil {
		return protocol.Frame{}, fmt.Errorf("%w: %T", ErrUnregistered, msg)
	}
	payload, err := b.codec.Marshal(msg)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("codec: encode %T: %w", msg, err)
	}
	return protocol.Frame{Channel: channel, ProtocolID: b.protocol, PacketID: b.packet, Payload: payload}, nil
}

// Decode builds the message bound to (protocolID, packetID) from payload.
func (r *Registry) Decode(protocolID uint8, packetID uint16, payload []byte) (any, error) {
	r.mu.RLock()
	b := r.byKey[key{protocol: protocolID, packet: packetID}]
	r.mu.RUnlock()
	if b == nil {
		return nil, fmt.Errorf("%w: %d/%d", ErrUnknownPacket, protocolID, packetID)
	}
	var target reflect.Value
	if b.typ.Kind() == reflect.Pointer {
		target = reflect.New(b.typ.Elem())
	} else {
		target = reflect.New(b.typ)
	}
	if err := b.codec.Unmarshal(payload, target.Interface()); err != nil {
		return nil, fmt.Errorf("codec: decode %d/%d into %v: %w", protocolID, packetID, b.typ, err)
	}
	if b.typ.Kind() == reflect.Pointer {
		return target.Interface(), nil
	}
	return target.Elem().Interface(), nil
}

// DecodeFrame is Decode applied to a frame's routing ids.
func (r *Registry) DecodeFrame(f protocol.Frame) (any, error) {
	return r.Decode(f.ProtocolID, f.PacketID, f.Payload)
}

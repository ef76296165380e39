package codec

import (
	"encoding"
	"fmt"
)

type binaryCodec struct{}

// Binary returns a codec for types implementing encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler, and for raw []byte payloads.
// Content-Type: application/octet-stream
func Binary() Codec { return binaryCodec{} }

func (binaryCodec) ContentType() string { return "application/octet-stream" }

func (binaryCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case encoding.BinaryMarshaler:
		return m.MarshalBinary()
	case []byte:
		return append([]byte(nil), m...), nil
	}
	return nil, fmt.Errorf("binary: value does not implement encoding.BinaryMarshaler: %T", v)
}

func (binaryCodec) Unmarshal(data []byte, v any) error {
	switch u := v.(type) {
	case encoding.BinaryUnmarshaler:
		return u.UnmarshalBinary(data)
	case *[]byte:
		*u = append([]byte(nil), data...)
		return nil
	}
	return fmt.Errorf("binary: target does not implement encoding.BinaryUnmarshaler: %T", v)
}

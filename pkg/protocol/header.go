package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream frame layout, big-endian:
//
//	0 ..3   Length     u32  bytes following this field
//	4 ..5   Channel    u16
//	6       ProtocolID u8
//	7 ..8   PacketID   u16
//	9 ..    Payload
//
// Message frame layout (channel and length are native to the transport):
//
//	0       ProtocolID u8
//	1 ..2   PacketID   u16
//	3 ..    Payload
const (
	StreamHeaderLen  = 9
	MessageHeaderLen = 3

	lengthFieldLen  = 4
	minStreamLength = StreamHeaderLen - lengthFieldLen

	// DefaultMaxFrameSize bounds the Length field of a stream frame.
	DefaultMaxFrameSize = 2 << 20
)

var (
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// FrameError carries the offending length of a rejected frame.
type FrameError struct {
	Length uint64
	Max    int
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v: length %d (max %d)", e.Err, e.Length, e.Max)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Frame is one decoded unit: the routing header and its encoded payload.
type Frame struct {
	Channel    uint16
	ProtocolID uint8
	PacketID   uint16
	Payload    []byte
}

// StreamFrameLen returns the encoded size of f on a stream.
func StreamFrameLen(f Frame) int { return StreamHeaderLen + len(f.Payload) }

// AppendStreamFrame appends the stream encoding of f to dst.
func AppendStreamFrame(dst []byte, f Frame) []byte {
	var hdr [StreamHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(minStreamLength+len(f.Payload)))
	binary.BigEndian.PutUint16(hdr[4:6], f.Channel)
	hdr[6] = f.ProtocolID
	binary.BigEndian.PutUint16(hdr[7:9], f.PacketID)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// CheckStreamFrame rejects frames whose Length would exceed max.
func CheckStreamFrame(f Frame, max int) error {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	if n := minStreamLength + len(f.Payload); n > max {
		return &FrameError{Length: uint64(n), Max: max, Err: ErrFrameTooLarge}
	}
	return nil
}

// WriteStreamFrame writes f to w after checking it against max.
func WriteStreamFrame(w io.Writer, f Frame, max int) error {
	if err := CheckStreamFrame(f, max); err != nil {
		return err
	}
	_, err := w.Write(AppendStreamFrame(make([]byte, 0, StreamFrameLen(f)), f))
	return err
}

// AppendMessageFrame appends the message encoding of f to dst. The channel
// is not encoded.
func AppendMessageFrame(dst []byte, f Frame) []byte {
	var hdr [MessageHeaderLen]byte
	hdr[0] = f.ProtocolID
	binary.BigEndian.PutUint16(hdr[1:3], f.PacketID)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// DecodeMessageFrame parses one native message received on channel. The
// returned payload aliases b.
func DecodeMessageFrame(channel uint16, b []byte) (Frame, error) {
	if len(b) < MessageHeaderLen {
		return Frame{}, &FrameError{Length: uint64(len(b)), Max: MessageHeaderLen, Err: ErrMalformedFrame}
	}
	return Frame{
		Channel:    channel,
		ProtocolID: b[0],
		PacketID:   binary.BigEndian.Uint16(b[1:3]),
		Payload:    b[MessageHeaderLen:],
	}, nil
}

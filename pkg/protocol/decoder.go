package protocol

import "encoding/binary"

// StreamDecoder reassembles stream frames from arbitrarily split reads.
// Partial frames stay buffered until complete; a decode error is sticky.
type StreamDecoder struct {
	max int
	buf []byte
	err error
}

func NewStreamDecoder(max int) *StreamDecoder {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &StreamDecoder{max: max}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *StreamDecoder) Buffered() int { return len(d.buf) }

// Feed consumes data and returns every frame it completes. Returned payloads
// never alias data or the internal buffer. On error the frames completed
// before the offending header are still returned alongside it.
func (d *StreamDecoder) Feed(data []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, data...)
	var out []Frame
	off := 0
	for len(d.buf)-off >= lengthFieldLen {
		n := binary.BigEndian.Uint32(d.buf[off : off+lengthFieldLen])
		if n < minStreamLength {
			d.err = &FrameError{Length: uint64(n), Max: d.max, Err: ErrMalformedFrame}
			break
		}
		if uint64(n) > uint64(d.max) {
			d.err = &FrameError{Length: uint64(n), Max: d.max, Err: ErrFrameTooLarge}
			break
		}
		end := off + lengthFieldLen + int(n)
		if len(d.buf) < end {
			break
		}
		h := d.buf[off+lengthFieldLen : end]
		payload := make([]byte, len(h)-minStreamLength)
		copy(payload, h[minStreamLength:])
		out = append(out, Frame{
			Channel:    binary.BigEndian.Uint16(h[0:2]),
			ProtocolID: h[2],
			PacketID:   binary.BigEndian.Uint16(h[3:5]),
			Payload:    payload,
		})
		off = end
	}
	if d.err != nil {
		d.buf = nil
		return out, d.err
	}
	d.buf = append(d.buf[:0], d.buf[off:]...)
	return out, nil
}

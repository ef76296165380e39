// Package transform provides byte-stream stages (compression, cipher) that
// wrap the framed stream between the stream framer and the socket.
//
// Stages are ordered: on write, stages[0] sees application frames first and
// the last stage writes to the socket; on read the order is reversed.
package transform

import (
	"fmt"
	"io"
	"strings"

	"github.com/braddevans/PorkLib/pkg/config"
)

// Writer is a stage output. Flush pushes every buffered byte through this
// stage and all stages below it.
type Writer interface {
	io.Writer
	Flush() error
}

// Stage wraps one direction of a byte stream each.
type Stage interface {
	Name() string
	NewWriter(w io.Writer) (Writer, error)
	NewReader(r io.Reader) (io.Reader, error)
}

// WrapWriter builds the write chain over w.
func WrapWriter(w Writer, stages []Stage) (Writer, error) {
	cur := w
	for i := len(stages) - 1; i >= 0; i-- {
		next, err := stages[i].NewWriter(cur)
		if err != nil {
			return nil, fmt.Errorf("transform: %s writer: %w", stages[i].Name(), err)
		}
		cur = next
	}
	return cur, nil
}

// WrapReader builds the read chain over r.
func WrapReader(r io.Reader, stages []Stage) (io.Reader, error) {
	cur := r
	for i := len(stages) - 1; i >= 0; i-- {
		next, err := stages[i].NewReader(cur)
		if err != nil {
			return nil, fmt.Errorf("transform: %s reader: %w", stages[i].Name(), err)
		}
		cur = next
	}
	return cur, nil
}

// New builds one stage from its config.
func New(tc config.TransformConfig) (Stage, error) {
	switch strings.ToLower(tc.Kind) {
	case "zlib", "deflate", "compress":
		return Zlib(tc.Level)
	case "chacha20", "cipher":
		key, err := ParseKey(tc.Key)
		if err != nil {
			return nil, err
		}
		return ChaCha20(key)
	}
	return nil, fmt.Errorf("transform: unknown kind %q", tc.Kind)
}

// FromConfig builds stages in configured order.
func FromConfig(cfgs []config.TransformConfig) ([]Stage, error) {
	out := make([]Stage, 0, len(cfgs))
	for _, tc := range cfgs {
		s, err := New(tc)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Finish ends the write chain: every stage emits its trailer and all bytes
// reach the writer below the chain. Nothing may be written afterwards.
func Finish(w Writer) error { return finish(w) }

type finisher interface{ Finish() error }

// flush flushes w when it buffers.
func flush(w io.Writer) error {
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func finish(w io.Writer) error {
	if f, ok := w.(finisher); ok {
		return f.Finish()
	}
	return flush(w)
}

// lazyReader defers construction until the first Read, so building a chain
// never blocks on a peer that has not written yet.
type lazyReader struct {
	init func() (io.Reader, error)
	r    io.Reader
	err  error
}

func (l *lazyReader) Read(p []byte) (int, error) {
	if l.r == nil && l.err == nil {
		l.r, l.err = l.init()
	}
	if l.err != nil {
		return 0, l.err
	}
	return l.r.Read(p)
}

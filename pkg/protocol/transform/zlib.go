package transform

import (
	"compress/zlib"
	"io"
)

type zlibStage struct{ level int }

// Zlib compresses the stream. Each Flush ends a sync-flush block so the peer
// can decode everything written so far.
func Zlib(level int) (Stage, error) {
	if level == 0 {
		level = zlib.DefaultCompression
	}
	// validate once so NewWriter cannot fail later
	if _, err := zlib.NewWriterLevel(io.Discard, level); err != nil {
		return nil, err
	}
	return zlibStage{level: level}, nil
}

func (z zlibStage) Name() string { return "zlib" }

func (z zlibStage) NewWriter(w io.Writer) (Writer, error) {
	zw, err := zlib.NewWriterLevel(w, z.level)
	if err != nil {
		return nil, err
	}
	return &zlibWriter{zw: zw, next: w}, nil
}

func (z zlibStage) NewReader(r io.Reader) (io.Reader, error) {
	return &lazyReader{init: func() (io.Reader, error) { return zlib.NewReader(r) }}, nil
}

type zlibWriter struct {
	zw   *zlib.Writer
	next io.Writer
}

func (w *zlibWriter) Write(p []byte) (int, error) { return w.zw.Write(p) }

// Finish writes the end of the compressed stream so the reader sees a clean
// io.EOF instead of io.ErrUnexpectedEOF.
func (w *zlibWriter) Finish() error {
	if err := w.zw.Close(); err != nil {
		return err
	}
	return finish(w.next)
}

func (w *zlibWriter) Flush() error {
	if err := w.zw.Flush(); err != nil {
		return err
	}
	return flush(w.next)
}

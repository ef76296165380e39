package transform

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

// ErrKeySize is returned for keys that are not chacha20.KeySize bytes.
var ErrKeySize = fmt.Errorf("transform: key must be %d bytes", chacha20.KeySize)

type chachaStage struct{ key []byte }

// ChaCha20 encrypts the stream with a pre-shared key. Each direction picks a
// random nonce and sends it ahead of the first ciphertext byte. The stage
// provides confidentiality only; integrity is left to the transport.
func ChaCha20(key []byte) (Stage, error) {
	if len(key) != chacha20.KeySize {
		return nil, ErrKeySize
	}
	return chachaStage{key: append([]byte(nil), key...)}, nil
}

// ParseKey accepts a hex or base64 encoded 32 byte key.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("transform: empty key")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == chacha20.KeySize {
		return b, nil
	}
	return nil, ErrKeySize
}

func (c chachaStage) Name() string { return "chacha20" }

func (c chachaStage) NewWriter(w io.Writer) (Writer, error) {
	nonce := make([]byte, chacha20.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciph, err := chacha20.NewUnauthenticatedCipher(c.key, nonce)
	if err != nil {
		return nil, err
	}
	return &chachaWriter{next: w, ciph: ciph, nonce: nonce}, nil
}

func (c chachaStage) NewReader(r io.Reader) (io.Reader, error) {
	return &lazyReader{init: func() (io.Reader, error) {
		nonce := make([]byte, chacha20.NonceSize)
		if _, err := io.ReadFull(r, nonce); err != nil {
			return nil, err
		}
		ciph, err := chacha20.NewUnauthenticatedCipher(c.key, nonce)
		if err != nil {
			return nil, err
		}
		return &chachaReader{r: r, ciph: ciph}, nil
	}}, nil
}

type chachaWriter struct {
	next  io.Writer
	ciph  *chacha20.Cipher
	nonce []byte
	buf   []byte
}

func (w *chachaWriter) Write(p []byte) (int, error) {
	if w.nonce != nil {
		if _, err := w.next.Write(w.nonce); err != nil {
			return 0, err
		}
		w.nonce = nil
	}
	if cap(w.buf) < len(p) {
		w.buf = make([]byte, len(p))
	}
	out := w.buf[:len(p)]
	w.ciph.XORKeyStream(out, p)
	return w.next.Write(out)
}

func (w *chachaWriter) Flush() error { return flush(w.next) }

func (w *chachaWriter) Finish() error { return finish(w.next) }

type chachaReader struct {
	r    io.Reader
	ciph *chacha20.Cipher
}

func (r *chachaReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.ciph.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

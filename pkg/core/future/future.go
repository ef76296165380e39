// Package future provides a one-shot completion handle for asynchronous
// operations such as sends and session close.
package future

import (
	"context"
	"sync"
)

// Future completes exactly once with a nil or non-nil error.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func New() *Future { return &Future{done: make(chan struct{})} }

// Failed returns a future already completed with err.
func Failed(err error) *Future {
	f := New()
	f.Complete(err)
	return f
}

// Succeeded returns a future already completed successfully.
func Succeeded() *Future { return Failed(nil) }

// Complete resolves f. Only the first call has effect; it reports whether
// this call won.
func (f *Future) Complete(err error) bool {
	won := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once f completes.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error, or nil while pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until f completes or ctx is done.
// A completed future returns its result even when ctx is already done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	default:
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

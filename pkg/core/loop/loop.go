// Package loop implements the worker group that runs all pipeline work.
//
// Every session binds to one Loop for its lifetime; tasks submitted through
// a Binding run serially and in submission order on that loop's goroutine.
// Bindings sharing a loop are served with deficit round-robin so a busy
// session cannot starve its neighbours.
package loop

import (
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit after the loop or binding was closed.
var ErrClosed = errors.New("loop: closed")

// DefaultQuantum is the number of tasks a binding may run per turn.
const DefaultQuantum = 16

// Group is a fixed set of loops handed out round-robin.
type Group struct {
	loops []*Loop
	next  atomic.Uint64
	once  sync.Once
}

// NewGroup starts n loops; n <= 0 uses GOMAXPROCS.
func NewGroup(n int, logger *zap.Logger) *Group {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Group{loops: make([]*Loop, n)}
	for i := range g.loops {
		g.loops[i] = newLoop(i, DefaultQuantum, logger)
	}
	return g
}

func (g *Group) Len() int { return len(g.loops) }

// Next returns the next loop in round-robin order.
func (g *Group) Next() *Loop {
	i := g.next.Add(1) - 1
	return g.loops[i%uint64(len(g.loops))]
}

// Close stops every loop after draining queued tasks. It must not be called
// from a loop goroutine.
func (g *Group) Close() error {
	g.once.Do(func() {
		for _, l := range g.loops {
			l.close()
		}
		for _, l := range g.loops {
			<-l.done
		}
	})
	return nil
}

// Loop is one worker goroutine.
type Loop struct {
	id      int
	quantum int
	logger  *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	active []*flow
	closed bool
	done   chan struct{}
}

type flow struct {
	q        []func()
	deficit  int
	queued   bool
	released bool
}

func newLoop(id, quantum int, logger *zap.Logger) *Loop {
	l := &Loop{id: id, quantum: quantum, logger: logger.With(zap.Int("loop", id)), done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) ID() int { return l.id }

// Bind creates a serial task queue on l.
func (l *Loop) Bind() *Binding { return &Binding{l: l, f: &flow{}} }

func (l *Loop) close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *Loop) run() {
	defer close(l.done)
	var batch []func()
	for {
		l.mu.Lock()
		for len(l.active) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.active) == 0 {
			l.mu.Unlock()
			return
		}
		f := l.active[0]
		l.active[0] = nil
		l.active = l.active[1:]
		f.deficit += l.quantum
		n := min(f.deficit, len(f.q))
		batch = append(batch[:0], f.q[:n]...)
		clear(f.q[:n])
		f.q = f.q[n:]
		f.deficit -= n
		if len(f.q) > 0 {
			l.active = append(l.active, f)
		} else {
			f.queued = false
			f.deficit = 0
			f.q = nil
		}
		l.mu.Unlock()

		for i, fn := range batch {
			l.exec(fn)
			batch[i] = nil
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// Binding is a serial task queue pinned to one loop.
type Binding struct {
	l *Loop
	f *flow
}

// Loop returns the loop b is pinned to.
func (b *Binding) Loop() *Loop { return b.l }

// Submit queues fn behind every task previously submitted through b.
func (b *Binding) Submit(fn func()) error {
	l := b.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || b.f.released {
		return ErrClosed
	}
	b.f.q = append(b.f.q, fn)
	if !b.f.queued {
		b.f.queued = true
		l.active = append(l.active, b.f)
		l.cond.Signal()
	}
	return nil
}

// Release rejects further submissions. Tasks already queued still run.
func (b *Binding) Release() {
	b.l.mu.Lock()
	b.f.released = true
	b.l.mu.Unlock()
}

// Package flight coalesces concurrent operations on the same key into one
// execution shared by reference-counted waiters.
package flight

import (
	"context"
	"sync"
)

// Func is the shared operation. Its context is independent of any single
// waiter and is cancelled only when every waiter has left or the key is
// cancelled explicitly.
type Func[T any] func(ctx context.Context) (T, error)

type call[T any] struct {
	done chan struct{}
	val  T
	err  error

	waiters  int
	aborted  bool
	finished bool
	cancel   context.CancelFunc
}

// Group runs at most one operation per key.
type Group[T any] struct {
	base context.Context

	mu    sync.Mutex
	calls map[string]*call[T]
	wg    sync.WaitGroup
}

// New returns a Group whose operations derive their context from base.
func New[T any](base context.Context) *Group[T] {
	if base == nil {
		base = context.Background()
	}
	return &Group[T]{base: base, calls: make(map[string]*call[T])}
}

// Do joins the running operation for key or starts fn. The returned waiter
// holds one reference until Release.
//
// An operation that was aborted but has not returned yet is not joined: the
// new operation starts once the aborted one has finished, so fn never runs
// twice concurrently for a key.
func (g *Group[T]) Do(key string, fn Func[T]) (w *Waiter[T], joined bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.calls[key]
	if prev != nil && !prev.aborted {
		prev.waiters++
		return &Waiter[T]{g: g, c: prev}, true
	}

	ctx, cancel := context.WithCancel(g.base)
	c := &call[T]{done: make(chan struct{}), waiters: 1, cancel: cancel}
	g.calls[key] = c

	g.wg.Add(1)
	go g.run(ctx, key, c, prev, fn)

	return &Waiter[T]{g: g, c: c}, false
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], prev *call[T], fn Func[T]) {
	defer g.wg.Done()

	var (
		val T
		err error
	)
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
		}
	}
	if err = ctx.Err(); err == nil {
		val, err = fn(ctx)
	}

	g.mu.Lock()
	c.val, c.err = val, err
	c.finished = true
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()

	c.cancel()
	close(c.done)
}

// Cancel aborts the operation for key for all of its waiters. It reports
// whether an operation was running.
func (g *Group[T]) Cancel(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.calls[key]
	if c == nil || c.finished {
		return false
	}
	c.aborted = true
	c.cancel()
	return true
}

// Waiters returns the number of waiters holding the operation for key.
func (g *Group[T]) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c := g.calls[key]; c != nil {
		return c.waiters
	}
	return 0
}

// InFlight returns the number of keys with a registered operation.
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Wait blocks until every started operation has returned.
func (g *Group[T]) Wait() {
	g.wg.Wait()
}

func (g *Group[T]) release(c *call[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c.waiters--
	if c.waiters <= 0 && !c.finished {
		c.aborted = true
		c.cancel()
	}
}

// Waiter is one caller's handle on a shared operation.
type Waiter[T any] struct {
	g    *Group[T]
	c    *call[T]
	once sync.Once
}

// Done is closed when the shared operation has returned.
func (w *Waiter[T]) Done() <-chan struct{} { return w.c.done }

// Result returns the shared outcome. It blocks until Done is closed.
func (w *Waiter[T]) Result() (T, error) {
	<-w.c.done
	return w.c.val, w.c.err
}

// Release drops this waiter's reference. The last release of an unfinished
// operation cancels it. Safe to call more than once.
func (w *Waiter[T]) Release() {
	w.once.Do(func() { w.g.release(w.c) })
}

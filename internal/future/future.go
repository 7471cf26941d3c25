// Package future re-architects the source's ad hoc promises and timers
// (spec §9, "Coroutine control flow") into explicit futures with
// cancellation: one in-flight operation is represented by a shared
// Future that subsequent callers await, and a per-item deadline is a
// race between the operation's result channel and a timer — the same
// shape the teacher's engine used ad hoc at each blocking call site
// (result-channel + select against ctx.Done()/time.After), generalized
// into a single reusable type.
package future

import (
	"context"
	"sync"
)

// Future represents a single in-flight operation whose result is shared
// by every caller that awaits it.
type Future[T any] struct {
	done   chan struct{}
	once   sync.Once
	result T
	err    error
}

// New starts fn in a new goroutine and returns a Future for its result.
// fn receives ctx so it can observe cancellation.
func New[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		result, err := fn(ctx)
		f.result = result
		f.err = err
		close(f.done)
	}()
	return f
}

// Wait blocks until the future resolves or ctx is cancelled, whichever
// comes first. Multiple callers may Wait concurrently; all observe the
// same result.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done reports whether the future has resolved, without blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Coalescer ensures only one in-flight Future exists per key at a time;
// concurrent callers for the same key share the same Future instead of
// each starting a new operation. This is the OAuth refresh-coalescing
// half of spec §9's design note: a token refresh already in flight is
// awaited, not duplicated.
type Coalescer[T any] struct {
	mu      sync.Mutex
	inFlight map[string]*Future[T]
}

// NewCoalescer creates an empty Coalescer.
func NewCoalescer[T any]() *Coalescer[T] {
	return &Coalescer[T]{inFlight: make(map[string]*Future[T])}
}

// Do returns the Future for key, starting fn only if no future is
// currently in flight for that key. The shared future is forgotten once
// it resolves, so the next call after completion starts fresh work.
func (c *Coalescer[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) *Future[T] {
	c.mu.Lock()
	if existing, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		return existing
	}

	f := New(ctx, fn)
	c.inFlight[key] = f
	c.mu.Unlock()

	go func() {
		<-f.done
		c.mu.Lock()
		if c.inFlight[key] == f {
			delete(c.inFlight, key)
		}
		c.mu.Unlock()
	}()

	return f
}

package pool

import (
	"context"
	"sync"
)

// future carries the outcome of one remote operation. The first resolve wins;
// later ones (a transport that reports success and then an error for the same
// attempt, or a result arriving after the caller gave up) are dropped.
type future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

// resolve records the outcome and reports whether this call was the first.
func (f *future[T]) resolve(v T, err error) bool {
	first := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		first = true
	})
	return first
}

// wait blocks until the future resolves or ctx ends, in which case the
// future is resolved with the context error.
func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		var zero T
		f.resolve(zero, ctx.Err())
	}
	return f.val, f.err
}

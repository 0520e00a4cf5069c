// Package async runs fire-and-forget work in the background and hands the
// caller a Future it can wait on. The orchestration engine uses it to detach
// long-running operations from the request that started them while tests keep
// a handle to await completion deterministically.
package async

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when AwaitWithTimeout exceeds its duration.
var ErrTimeout = errors.New("async: await timed out")

// Future is the handle to a background task that only reports an error.
type Future struct {
	err  error
	once sync.Once
	done chan struct{}
}

// Await blocks until the task completes and returns its error.
func (f *Future) Await() error {
	<-f.done
	return f.err
}

// AwaitWithTimeout blocks until the task completes or the timeout elapses.
func (f *Future) AwaitWithTimeout(timeout time.Duration) error {
	select {
	case <-f.done:
		return f.err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// IsComplete reports whether the task has finished, without blocking.
func (f *Future) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Run executes fn in a new goroutine with the given argument and returns a
// Future for its completion. A pre-cancelled context short-circuits without
// invoking fn.
func Run[T any](ctx context.Context, arg T, fn func(context.Context, T) error) *Future {
	f := &Future{done: make(chan struct{})}

	go func() {
		defer close(f.done)

		select {
		case <-ctx.Done():
			f.err = ctx.Err()
			return
		default:
		}

		err := fn(ctx, arg)
		f.once.Do(func() {
			f.err = err
		})
	}()

	return f
}

package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// promiseImpl is a single-assignment result cell. The done channel is closed
// once the result is set.
type promiseImpl[T any] struct {
	done   chan struct{}
	once   sync.Once
	result fn.Result[T]
}

// NewPromise creates a new, incomplete promise.
func NewPromise[T any]() Promise[T] {
	return &promiseImpl[T]{
		done: make(chan struct{}),
	}
}

// Future returns the Future backed by this promise.
func (p *promiseImpl[T]) Future() Future[T] {
	return &futureImpl[T]{p: p}
}

// Complete sets the result of the promise if it wasn't set before.
func (p *promiseImpl[T]) Complete(result fn.Result[T]) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		completed = true
	})

	return completed
}

// futureImpl implements Future on top of a promiseImpl.
type futureImpl[T any] struct {
	p *promiseImpl[T]
}

// Await blocks until the result is available or ctx is done. In the latter
// case the context error is returned.
func (f *futureImpl[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-f.p.done:
		return f.p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// ThenApply returns a Future holding transform applied to the value of this
// future.
func (f *futureImpl[T]) ThenApply(ctx context.Context,
	transform func(T) T) Future[T] {

	next := NewPromise[T]()

	go func() {
		result := f.Await(ctx)

		val, err := result.Unpack()
		if err != nil {
			next.Complete(fn.Err[T](err))
			return
		}

		next.Complete(fn.Ok(transform(val)))
	}()

	return next.Future()
}

// OnComplete runs cb in a new goroutine with the result of the future, or
// with the context error if ctx is done first.
func (f *futureImpl[T]) OnComplete(ctx context.Context,
	cb func(fn.Result[T])) {

	go func() {
		cb(f.Await(ctx))
	}()
}

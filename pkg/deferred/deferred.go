// Package deferred provides a single-assignment completion signal.
//
// A Result is handed to whoever must wait for an asynchronous operation
// and settles exactly once with a value or an error. Waiters do not
// influence the operation; abandoning a wait leaves the operation running.
package deferred

import (
	"context"
	"sync"
)

type Result[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// Go runs fn on its own goroutine and settles the returned Result with
// its outcome.
func Go[T any](fn func() (T, error)) *Result[T] {
	r := newResult[T]()
	go func() {
		value, err := fn()
		r.settle(value, err)
	}()
	return r
}

// Resolved returns an already settled successful Result.
func Resolved[T any](value T) *Result[T] {
	r := newResult[T]()
	r.settle(value, nil)
	return r
}

// Rejected returns an already settled failed Result.
func Rejected[T any](err error) *Result[T] {
	r := newResult[T]()
	var zero T
	r.settle(zero, err)
	return r
}

func (r *Result[T]) settle(value T, err error) {
	r.once.Do(func() {
		r.value = value
		r.err = err
		close(r.done)
	})
}

// Done is closed once the Result settles.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the Result settles or ctx ends.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

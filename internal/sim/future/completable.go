// Package future provides Completable, a single-assignment value that hands a
// result from whichever goroutine produces it to continuations registered by
// consumers.
package future

import (
	"errors"
	"sync"
)

var ErrAlreadyCompleted = errors.New("completable already completed")

type Completable[T any] struct {
	mu      sync.Mutex
	done    bool
	value   T
	waiters []func(T)
}

func New[T any]() *Completable[T] {
	return &Completable[T]{}
}

// Completed returns a Completable that already holds v.
func Completed[T any](v T) *Completable[T] {
	return &Completable[T]{done: true, value: v}
}

// AddWaiter runs fn inline when the value is already present; otherwise fn
// runs exactly once, on the goroutine that calls Complete.
func (c *Completable[T]) AddWaiter(fn func(T)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if !c.done {
		c.waiters = append(c.waiters, fn)
		c.mu.Unlock()
		return
	}
	v := c.value
	c.mu.Unlock()
	fn(v)
}

// Complete stores v and runs every registered waiter in registration order.
// Waiters run without the lock held, so they may register further waiters.
func (c *Completable[T]) Complete(v T) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return ErrAlreadyCompleted
	}
	c.done = true
	c.value = v
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, fn := range waiters {
		fn(v)
	}
	return nil
}

func (c *Completable[T]) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Completable[T]) Value() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.done
}

// Then returns a Completable resolved with fn(v) once src resolves.
func Then[T, U any](src *Completable[T], fn func(T) U) *Completable[U] {
	out := New[U]()
	src.AddWaiter(func(v T) {
		_ = out.Complete(fn(v))
	})
	return out
}

// Package state holds the shared slots that tasks hand values through.
package state

import (
	"context"
	"sync"
	"time"
)

// Cell is a mutex-guarded optional value shared between goroutines.
//
// Values are copied in and out; nothing blocking ever runs under the lock.
// Hold a T that contains references (slices, maps) only as immutable
// snapshots: replace them wholesale, never mutate in place.
type Cell[T any] struct {
	mu      sync.Mutex
	val     T
	ok      bool
	version uint64
}

func NewCell[T any]() *Cell[T] {
	return &Cell[T]{}
}

func NewCellWith[T any](v T) *Cell[T] {
	return &Cell[T]{val: v, ok: true}
}

// Get returns a copy of the value and whether one is present.
func (c *Cell[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.ok
}

func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.val, c.ok = v, true
	c.version++
	c.mu.Unlock()
}

func (c *Cell[T]) Clear() {
	var zero T
	c.mu.Lock()
	c.val, c.ok = zero, false
	c.version++
	c.mu.Unlock()
}

// Update replaces the value with fn(current, present) and returns the result.
// fn runs under the lock and must not block.
func (c *Cell[T]) Update(fn func(cur T, ok bool) T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = fn(c.val, c.ok)
	c.ok = true
	c.version++
	return c.val
}

// Version increases on every mutation.
func (c *Cell[T]) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Wait polls every interval until a value is present and ready accepts it.
// A nil ready accepts any present value.
func (c *Cell[T]) Wait(ctx context.Context, interval time.Duration, ready func(T) bool) (T, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if v, ok := c.Get(); ok && (ready == nil || ready(v)) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}

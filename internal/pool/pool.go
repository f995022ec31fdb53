// Package pool provides a fixed-capacity pool of exclusively owned handles.
//
// Acquire never blocks: when every handle is checked out it fails with
// ErrExhausted and the caller reports the resource as temporarily unavailable.
// Handles are reused oldest-released first. Released handles are not health
// checked; a broken handle surfaces its failure on its next use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Acquire when no handle is free.
var ErrExhausted = errors.New("pool exhausted")

// Pool is a FIFO free list of handles guarded by a single mutex.
type Pool[T any] struct {
	mu       sync.Mutex
	free     []T
	capacity int
}

// New creates a pool over already-open handles. Its capacity is len(items).
func New[T any](items ...T) *Pool[T] {
	free := make([]T, len(items))
	copy(free, items)
	return &Pool[T]{free: free, capacity: len(items)}
}

// Open fills a pool with size handles produced by open. If any open fails,
// the handles opened so far are passed to closeFn (when non-nil) and the
// error is returned.
func Open[T any](ctx context.Context, size int, open func(context.Context) (T, error), closeFn func(T)) (*Pool[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	items := make([]T, 0, size)
	for i := 0; i < size; i++ {
		item, err := open(ctx)
		if err != nil {
			if closeFn != nil {
				for _, it := range items {
					closeFn(it)
				}
			}
			return nil, fmt.Errorf("failed to open pool handle %d/%d: %w", i+1, size, err)
		}
		items = append(items, item)
	}
	return New(items...), nil
}

// Acquire takes the oldest released handle, or fails with ErrExhausted.
func (p *Pool[T]) Acquire() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if len(p.free) == 0 {
		return zero, ErrExhausted
	}
	item := p.free[0]
	p.free[0] = zero
	p.free = p.free[1:]
	return item, nil
}

// Release returns a handle to the back of the free list.
func (p *Pool[T]) Release(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, item)
}

// Available reports how many handles are currently free.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Cap reports the capacity fixed at construction.
func (p *Pool[T]) Cap() int {
	return p.capacity
}

// Drain removes and returns every free handle. Handles still checked out are
// not included; callers drain after the workers have stopped.
func (p *Pool[T]) Drain() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.free
	p.free = nil
	return items
}

package session

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of session workers doing backend work at once.
// Workers run on their own goroutines and hold a slot from Acquire until
// Release, so a slow backend call only ever occupies its own slot.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given number of slots.
func NewPool(size int64) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		sem:  semaphore.NewWeighted(size),
		size: size,
	}
}

// Go runs fn on a tracked goroutine.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// Acquire blocks until a slot is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.active.Add(1)
	return nil
}

// Release returns a slot taken by Acquire.
func (p *Pool) Release() {
	p.active.Add(-1)
	p.sem.Release(1)
}

// Active returns the number of slots currently held.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Size returns the number of slots.
func (p *Pool) Size() int64 {
	return p.size
}

// Wait blocks until every goroutine started with Go has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Package pool bounds how many worker processes may run at once.
package pool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Gate admits at most Cap() holders at a time.
// A Gate with zero capacity is bypassed: callers are expected to run work in-process and never acquire.
type Gate struct {
	size  int
	sem   *semaphore.Weighted
	inUse atomic.Int64
}

func NewGate(size int) *Gate {
	if size < 0 {
		size = 0
	}
	g := &Gate{size: size}
	if size > 0 {
		g.sem = semaphore.NewWeighted(int64(size))
	}
	return g
}

// Bypassed reports whether the gate has no capacity and work should run locally.
func (g *Gate) Bypassed() bool { return g.size == 0 }

func (g *Gate) Cap() int { return g.size }

// InUse returns the number of slots currently held.
func (g *Gate) InUse() int { return int(g.inUse.Load()) }

// Acquire blocks until a slot is free or ctx is done.
// Waiters are admitted in arrival order and woken as soon as a slot is released.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.Bypassed() {
		return nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring worker slot: %w", err)
	}
	g.inUse.Inc()
	return nil
}

// AcquireTimeout is Acquire bounded by d. A non-positive d waits indefinitely.
func (g *Gate) AcquireTimeout(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return g.Acquire(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return g.Acquire(ctx)
}

// TryAcquire takes a slot only if one is free right now.
func (g *Gate) TryAcquire() bool {
	if g.Bypassed() {
		return true
	}
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.inUse.Inc()
	return true
}

// Release returns a slot taken by Acquire or TryAcquire.
func (g *Gate) Release() {
	if g.Bypassed() {
		return
	}
	g.inUse.Dec()
	g.sem.Release(1)
}

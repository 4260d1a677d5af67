package service

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is a bounded concurrency gate. The heavy-job gate and the immediate
// gate are separate Gate instances; every acquire is paired with a deferred
// release on all exit paths.
type Gate struct {
	sem  *semaphore.Weighted
	size int
}

// NewGate creates a gate admitting at most size concurrent holders.
// Parameters:
//   - size: maximum concurrent holders; values < 1 are clamped to 1.
// Returns:
//   - *Gate: initialized gate.
func NewGate(size int) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Acquire blocks until a slot frees or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire takes a slot without blocking and reports whether it succeeded.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release frees a previously acquired slot.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Size returns the gate capacity.
func (g *Gate) Size() int {
	return g.size
}

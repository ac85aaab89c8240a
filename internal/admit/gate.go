// Package admit implements per-user admission control: a process-wide
// registry mapping each user identity to a counting Gate that caps how many
// of that user's requests may be in flight against the synthesis provider at
// once. Gates for distinct identities are fully independent; there is no
// global cap.
package admit

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting admission primitive with a fixed capacity. Acquire
// blocks the calling goroutine until the admitted count is below capacity;
// Release frees a slot and never blocks. Acquire and Release must be strictly
// paired, which callers guarantee with defer.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
}

// NewGate creates a Gate admitting at most capacity concurrent callers.
func NewGate(capacity int64) *Gate {
	return &Gate{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
	}
}

// Acquire blocks until a slot is free or ctx is done. On a ctx error nothing
// was admitted and no Release is owed. Waiters are admitted in roughly
// arrival order; strict FIFO is not guaranteed.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inFlight.Add(1)
	return nil
}

// TryAcquire admits immediately if a slot is free and reports whether it did.
func (g *Gate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.inFlight.Add(1)
	return true
}

// Release frees one admission slot. Exactly one Release per successful
// Acquire; a second release would corrupt the capacity accounting.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// Capacity returns the fixed admission capacity.
func (g *Gate) Capacity() int64 { return g.capacity }

// InFlight returns the number of currently admitted callers.
func (g *Gate) InFlight() int64 { return g.inFlight.Load() }

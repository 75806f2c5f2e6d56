// Package asyncsem provides a bounded permit gate for throttling concurrent
// upstream fetches. It wraps golang.org/x/sync/semaphore's weighted
// semaphore (the same building block github.com/Mic92/niks3 reaches for to
// bound concurrent S3 operations) behind a scoped-permit API: acquire a
// permit, release it when the unit of work that required it is done.
package asyncsem

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds the number of concurrently-held permits. Fairness beyond
// what golang.org/x/sync/semaphore provides is not required.
type Semaphore struct {
	sem *semaphore.Weighted
}

// New creates a Semaphore with the given number of permits.
func New(n int64) *Semaphore {
	return &Semaphore{sem: semaphore.NewWeighted(n)}
}

// Permit is a held permit. Release must be called exactly once to return the
// permit to the pool.
type Permit struct {
	sem *semaphore.Weighted
}

// Release returns the permit. Safe to call at most once per Permit.
func (p Permit) Release() {
	p.sem.Release(1)
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) (Permit, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Permit{}, err
	}
	return Permit{sem: s.sem}, nil
}

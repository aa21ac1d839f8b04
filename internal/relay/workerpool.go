package relay

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// maxConcurrentConnects is the global cap on relays in the
// Startup→Connected transition at once (spec.md §5 "relay_start_lock",
// §8 invariant 7 "Connecting cap").
const maxConcurrentConnects = 3

// WorkerPool is the cooperative-scheduler collaborator named in spec.md
// §4.6: a shared scheduler would run every relay's process() callback
// on a fixed thread pool, but idiomatic Go gives each relay its own
// goroutine instead, so WorkerPool's only remaining job is the one
// piece of actual shared state such a scheduler would protect: the
// global cap on concurrently connecting relays.
type WorkerPool struct {
	connectSem *semaphore.Weighted

	// backoffCount tracks how many times Startup had to reschedule
	// because the connecting cap was full (spec.md §4.4 Startup "bump
	// a global slowdown counter").
	backoffCount atomic.Int64
}

// NewWorkerPool creates a pool with the standard connecting cap.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{connectSem: semaphore.NewWeighted(maxConcurrentConnects)}
}

// TryAcquireConnect reserves one of the connecting slots without
// blocking. false means maxConcurrentConnects (3) relays are already
// connecting; the caller
// reschedules 200ms out (spec.md §4.4 Startup).
func (p *WorkerPool) TryAcquireConnect() bool {
	ok := p.connectSem.TryAcquire(1)
	if !ok {
		p.backoffCount.Add(1)
	}
	return ok
}

// AcquireConnect blocks until a connecting slot is free or ctx is
// cancelled.
func (p *WorkerPool) AcquireConnect(ctx context.Context) error {
	return p.connectSem.Acquire(ctx, 1)
}

// ReleaseConnect frees a connecting slot once a relay leaves Startup
// (whether it reached Connected or failed).
func (p *WorkerPool) ReleaseConnect() {
	p.connectSem.Release(1)
}

// BackoffCount reports how many times a Startup attempt had to wait for
// a free connecting slot, for the admin status page.
func (p *WorkerPool) BackoffCount() int64 {
	return p.backoffCount.Load()
}

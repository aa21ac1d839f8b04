package relay

import (
	"context"
	"testing"
	"time"
)

func TestWorkerPoolEnforcesConnectingCap(t *testing.T) {
	p := NewWorkerPool()

	for i := 0; i < maxConcurrentConnects; i++ {
		if !p.TryAcquireConnect() {
			t.Fatalf("TryAcquireConnect failed on slot %d, want success within the cap of %d", i, maxConcurrentConnects)
		}
	}

	if p.TryAcquireConnect() {
		t.Fatal("TryAcquireConnect succeeded beyond the connecting cap")
	}
	if p.BackoffCount() != 1 {
		t.Errorf("BackoffCount = %d, want 1", p.BackoffCount())
	}

	p.ReleaseConnect()
	if !p.TryAcquireConnect() {
		t.Fatal("TryAcquireConnect failed after a slot was released")
	}
}

func TestWorkerPoolAcquireConnectBlocksUntilReleased(t *testing.T) {
	p := NewWorkerPool()
	for i := 0; i < maxConcurrentConnects; i++ {
		p.TryAcquireConnect()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := p.AcquireConnect(ctx); err == nil {
		t.Fatal("AcquireConnect should have blocked until the deadline with no free slot")
	}

	p.ReleaseConnect()
	if err := p.AcquireConnect(context.Background()); err != nil {
		t.Fatalf("AcquireConnect after release: %v", err)
	}
}

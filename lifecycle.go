package doccache

import (
	"context"
	"sync"
	"time"

	"doccache/core"

	"go.uber.org/zap"
)

// Lifecycle is the state of a cache.
type Lifecycle int32

const (
	LifecycleInitializing Lifecycle = iota
	LifecycleReady
	LifecycleDraining
	LifecycleStopped
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleInitializing:
		return "INITIALIZING"
	case LifecycleReady:
		return "READY"
	case LifecycleDraining:
		return "DRAINING"
	default:
		return "STOPPED"
	}
}

// taskTracker counts in-flight suspending operations and supports a
// bounded graceful drain: once draining, new work is rejected while
// outstanding work is awaited by polling.
type taskTracker struct {
	mu       sync.Mutex
	inflight int
	draining bool
}

// begin registers a new operation. It fails with ErrCacheDraining once the
// tracker drains.
func (t *taskTracker) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.draining {
		return ErrCacheDraining
	}
	t.inflight++
	return nil
}

func (t *taskTracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight--
}

func (t *taskTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight
}

// drain rejects new work and waits for outstanding operations under the
// given deadline, polling every 100ms and logging a progress warning once
// per second. It returns the number of operations still running when the
// deadline passed (0 for a clean drain).
func (t *taskTracker) drain(ctx context.Context, owner string, timeout time.Duration) int {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	deadline := time.Now().Add(timeout)
	nextWarn := time.Now().Add(time.Second)

	for {
		remaining := t.pending()
		if remaining == 0 {
			return 0
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			core.Warn("drain deadline passed with operations still in flight",
				zap.String("cache", owner),
				zap.Int("inflight", remaining))
			return remaining
		}
		if time.Now().After(nextWarn) {
			core.Warn("waiting for in-flight operations to finish",
				zap.String("cache", owner),
				zap.Int("inflight", remaining))
			nextWarn = time.Now().Add(time.Second)
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
	}
}

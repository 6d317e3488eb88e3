package engine

import (
	"context"
	"sync"

	"github.com/nordkyrie/yadisksync/internal/store"
)

// lockFor returns the mutex guarding path, creating one on first use. The
// map is never pruned: it's bounded by the number of distinct paths ever
// seen, which for a sync root is bounded by the remote tree's size.
func (e *Engine) lockFor(path string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	m, ok := e.pathLocks[path]
	if !ok {
		m = &sync.Mutex{}
		e.pathLocks[path] = m
	}

	return m
}

// tryLockPath acquires path's lock without blocking; a caller that fails to
// acquire leaves the op queued for the next tick rather than waiting.
func (e *Engine) tryLockPath(path string) bool {
	return e.lockFor(path).TryLock()
}

// lockPathBlocking acquires path's lock, waiting for any in-flight op on it
// to finish. Used by Evict, which must not race a download or upload that's
// already running against the same path.
func (e *Engine) lockPathBlocking(path string) {
	e.lockFor(path).Lock()
}

func (e *Engine) unlockPath(path string) {
	e.lockFor(path).Unlock()
}

// dispatch attempts to claim path's lock and a worker slot for op; if either
// is unavailable the op is simply left for the next tick; pop_ready already
// re-claimed its retry_at, so it stays invisible until that claim lapses,
// but the next tick's pop_ready call will still see it once the claim
// window is close enough — in practice the far more common case is that the
// lock or slot frees up within a tick or two.
func (e *Engine) dispatch(ctx context.Context, wg *sync.WaitGroup, op store.Op) {
	if !e.tryLockPath(op.Path) {
		return
	}

	if !e.sem.TryAcquire(1) {
		e.unlockPath(op.Path)
		return
	}

	e.active.Add(1)
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer e.active.Add(-1)
		defer e.sem.Release(1)
		defer e.unlockPath(op.Path)

		e.runOp(ctx, op)
	}()
}

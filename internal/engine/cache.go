package engine

import (
	"context"
	"log/slog"
	"os"

	"github.com/nordkyrie/yadisksync/internal/store"
)

// runCacheEviction frees cached bytes down to cache_size_bytes by removing
// the oldest-successful, non-pinned, non-dirty cached files first. Pinned
// items are unconditionally exempt, per ListEvictionCandidates's query.
func (e *Engine) runCacheEviction(ctx context.Context) {
	if e.cfg.CacheSizeBytes <= 0 {
		return
	}

	candidates, err := e.store.ListEvictionCandidates(ctx)
	if err != nil {
		e.logger.Warn("cache eviction: listing candidates failed", slog.String("error", err.Error()))
		return
	}

	var total int64
	for _, c := range candidates {
		total += c.Size
	}

	if total <= e.cfg.CacheSizeBytes {
		return
	}

	need := total - e.cfg.CacheSizeBytes

	for _, c := range candidates {
		if need <= 0 {
			break
		}

		if e.evictCandidate(ctx, c) {
			need -= c.Size
		}
	}
}

// evictCandidate removes one cache entry, respecting the path-lock: a path
// with an op in flight is skipped rather than waited on, since eviction is
// low-priority background work.
func (e *Engine) evictCandidate(ctx context.Context, c store.EvictionCandidate) bool {
	if !e.tryLockPath(c.Path) {
		return false
	}
	defer e.unlockPath(c.Path)

	st, found, err := e.store.GetState(ctx, c.Path)
	if err != nil {
		e.logger.Warn("cache eviction: get_state failed", slog.String("path", c.Path), slog.String("error", err.Error()))
		return false
	}

	if !found || st.Dirty || st.Pinned || st.State != store.StateCached {
		return false
	}

	if err := os.Remove(e.localPath(c.Path)); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("cache eviction: failed to remove file", slog.String("path", c.Path), slog.String("error", err.Error()))
		return false
	}

	if err := e.store.SetState(ctx, c.Path, store.StateCloudOnly, "", nil); err != nil {
		e.logger.Warn("cache eviction: set_state failed", slog.String("path", c.Path), slog.String("error", err.Error()))
		return false
	}

	e.notifier.NotifyStateChanged(c.Path, string(store.StateCloudOnly))

	return true
}

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nordkyrie/yadisksync/internal/conflictresolve"
	"github.com/nordkyrie/yadisksync/internal/restapi"
	"github.com/nordkyrie/yadisksync/internal/store"
)

// runConflictScan looks for paths the reconciler deliberately left alone
// because both the local copy and the remote copy had diverged from the
// last-synced baseline, and resolves each via the three-way decision table.
func (e *Engine) runConflictScan(ctx context.Context) {
	dirty, err := e.store.ListDirtyItems(ctx)
	if err != nil {
		e.logger.Warn("conflict scan: listing dirty items failed", slog.String("error", err.Error()))
		return
	}

	for _, item := range dirty {
		e.scanConflictFor(ctx, item)
	}
}

func (e *Engine) scanConflictFor(ctx context.Context, item store.Item) {
	if item.Kind != store.KindFile {
		return
	}

	if !e.tryLockPath(item.Path) {
		return // an op is already in flight for this path; re-checked next scan
	}
	defer e.unlockPath(item.Path)

	remote, err := e.rest.GetResource(ctx, item.Path)
	if err != nil {
		if !errors.Is(err, restapi.ErrNotFound) {
			e.logger.Warn("conflict scan: looking up remote resource failed", slog.String("path", item.Path), slog.String("error", err.Error()))
		}

		return
	}

	localHash, err := hashLocalFile(e.localPath(item.Path))
	if err != nil {
		return
	}

	baseline := conflictresolve.Snapshot{Hash: item.LastSyncedHash, Modified: derefInt64(item.LastSyncedModified)}
	local := conflictresolve.Snapshot{Hash: localHash, Modified: item.Modified}
	remoteSnap := conflictresolve.Snapshot{Hash: remote.Hash, Modified: remote.Modified}

	decision, updateBaseline := conflictresolve.Decide(baseline, local, remoteSnap)

	switch decision {
	case conflictresolve.NoOp:
		if updateBaseline {
			if err := e.store.MarkSynced(ctx, item.Path); err != nil {
				e.logger.Warn("conflict scan: advancing baseline failed", slog.String("path", item.Path), slog.String("error", err.Error()))
			}
		}
	case conflictresolve.TakeRemote:
		if err := e.queue.Enqueue(ctx, store.OpDownload, item.Path, "", 0); err != nil {
			e.logger.Warn("conflict scan: enqueuing download failed", slog.String("path", item.Path), slog.String("error", err.Error()))
		}
	case conflictresolve.PushLocal:
		// Local is already dirty; the ordinary watcher-enqueued upload
		// handles this once it reaches the front of the queue.
	case conflictresolve.KeepBoth:
		e.resolveKeepBoth(ctx, item.Path)
	}
}

// Resolve forces an immediate KeepBoth resolution of path without waiting
// for the next periodic conflict scan — the manual escape hatch for a user
// who already knows a path is in conflict and wants it resolved now. It
// refuses a path that isn't currently marked dirty.
func (e *Engine) Resolve(ctx context.Context, path string) error {
	e.lockPathBlocking(path)
	defer e.unlockPath(path)

	st, found, err := e.store.GetState(ctx, path)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("engine: resolve %s: not tracked", path)
	}

	if !st.Dirty {
		return fmt.Errorf("engine: resolve %s: not in conflict", path)
	}

	e.resolveKeepBoth(ctx, path)

	return nil
}

func (e *Engine) resolveKeepBoth(ctx context.Context, path string) {
	conflictID, renamedLocal, err := e.resolver.ResolveKeepBoth(ctx, path)
	if err != nil {
		e.logger.Warn("keep-both resolution failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	if err := e.queue.Enqueue(ctx, store.OpDownload, path, "", 0); err != nil {
		e.logger.Warn("keep-both: enqueuing remote download failed", slog.String("path", path), slog.String("error", err.Error()))
	}

	e.notifier.NotifyConflictAdded(conflictID, path, renamedLocal)
}

func hashLocalFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}

	return *p
}

// Package reconciler walks the remote tree, diffs it against the index, and
// applies the resulting upserts/renames/deletes — the mirror-building half
// of the sync engine (the other half is the local watcher).
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	stdpath "path"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/nordkyrie/yadisksync/internal/opsqueue"
	"github.com/nordkyrie/yadisksync/internal/restapi"
	"github.com/nordkyrie/yadisksync/internal/store"
)

// DefaultYieldEvery is how many directories the walk processes between
// cooperative-cancellation checkpoints, so a long walk never starves the
// dispatcher for an unbounded stretch.
const DefaultYieldEvery = 32

// DefaultListPageSize bounds a single ListDirectory page.
const DefaultListPageSize = 200

// DefaultBigDeleteFraction aborts a reconcile pass that would delete more
// than this fraction of tracked items, unless Force is set.
const DefaultBigDeleteFraction = 0.5

// BigDeleteError is returned when a pass would delete more than the
// configured fraction of tracked items and Force was not set.
type BigDeleteError struct {
	Deleted int
	Total   int
}

func (e *BigDeleteError) Error() string {
	return fmt.Sprintf("reconciler: refusing to delete %d of %d tracked items without force", e.Deleted, e.Total)
}

// Reconciler walks the remote tree breadth-first and diffs it against the
// index store, enqueuing the ops needed to bring the local mirror in line.
type Reconciler struct {
	rest              restapi.Client
	store             *store.Store
	queue             *opsqueue.Queue
	cacheRoot         string
	logger            *slog.Logger
	yieldEvery        int
	listPageSize      int
	bigDeleteFraction float64
	nowFunc           func() time.Time
}

// Option configures a Reconciler beyond its required collaborators.
type Option func(*Reconciler)

// WithYieldEvery overrides DefaultYieldEvery.
func WithYieldEvery(n int) Option {
	return func(r *Reconciler) { r.yieldEvery = n }
}

// WithBigDeleteFraction overrides DefaultBigDeleteFraction.
func WithBigDeleteFraction(f float64) Option {
	return func(r *Reconciler) { r.bigDeleteFraction = f }
}

// New returns a Reconciler. cacheRoot is the local cache directory mirroring
// remote paths, used to relocate/remove cache files on rename/delete.
func New(rest restapi.Client, s *store.Store, q *opsqueue.Queue, cacheRoot string, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		rest:              rest,
		store:             s,
		queue:             q,
		cacheRoot:         cacheRoot,
		logger:            logger,
		yieldEvery:        DefaultYieldEvery,
		listPageSize:      DefaultListPageSize,
		bigDeleteFraction: DefaultBigDeleteFraction,
		nowFunc:           time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// SetNowFunc overrides the reconciler's clock; for tests only.
func (r *Reconciler) SetNowFunc(f func() time.Time) {
	r.nowFunc = f
}

// Run performs one reconcile pass: breadth-first walk from "/", diff against
// the index, apply upserts/renames, detect deletions, and save the cursor.
// force bypasses the big-delete safety guard.
func (r *Reconciler) Run(ctx context.Context, force bool) error {
	start := r.nowFunc()

	seenResourceIDs := make(map[string]bool)
	seenPaths := make(map[string]bool)

	dirQueue := []string{"/"}
	dirsWalked := 0

	for len(dirQueue) > 0 {
		dir := dirQueue[0]
		dirQueue = dirQueue[1:]

		children, err := r.walkOneDir(ctx, dir, seenResourceIDs, seenPaths)
		if err != nil {
			return fmt.Errorf("reconciler: walking %s: %w", dir, err)
		}

		dirQueue = append(dirQueue, children...)
		dirsWalked++

		if dirsWalked%r.yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("reconciler: canceled after %d directories: %w", dirsWalked, err)
			}
		}
	}

	if err := r.detectDeletions(ctx, seenResourceIDs, force); err != nil {
		return err
	}

	cursor := fmt.Sprintf("walk-%d-%d", start.Unix(), len(seenPaths))
	if err := r.store.SaveCursor(ctx, cursor, r.nowFunc().Unix()); err != nil {
		return fmt.Errorf("reconciler: saving cursor: %w", err)
	}

	r.logger.Info("reconcile pass complete",
		slog.Int("directories", dirsWalked),
		slog.Int("items_seen", len(seenPaths)),
		slog.Duration("elapsed", r.nowFunc().Sub(start)),
	)

	return nil
}

// walkOneDir lists every page of dir, applies the diff logic per entry, and
// returns the subdirectories discovered for the BFS queue.
func (r *Reconciler) walkOneDir(
	ctx context.Context, dir string, seenResourceIDs, seenPaths map[string]bool,
) ([]string, error) {
	var subdirs []string

	offset := 0

	for {
		page, err := r.rest.ListDirectory(ctx, dir, offset, r.listPageSize)
		if err != nil {
			return nil, fmt.Errorf("listing %s at offset %d: %w", dir, offset, err)
		}

		for _, entry := range page.Entries {
			if err := r.applyEntry(ctx, entry, seenResourceIDs, seenPaths); err != nil {
				return nil, fmt.Errorf("applying %s: %w", entry.Path, err)
			}

			if entry.Kind == "dir" {
				subdirs = append(subdirs, entry.Path)
			}
		}

		if !page.HasMore {
			break
		}

		offset = page.NextOffset
	}

	return subdirs, nil
}

// applyEntry diffs a single remote entry against the index and applies the
// upsert/rename/download/conflict logic.
func (r *Reconciler) applyEntry(
	ctx context.Context, entry restapi.ResourceInfo, seenResourceIDs, seenPaths map[string]bool,
) error {
	path := norm.NFC.String(entry.Path)

	if entry.ResourceID != "" {
		seenResourceIDs[entry.ResourceID] = true
	}

	seenPaths[path] = true

	var existing store.Item

	var found bool

	var err error

	if entry.ResourceID != "" {
		existing, found, err = r.store.GetItemByResourceID(ctx, entry.ResourceID)
	}

	if !found && err == nil {
		existing, found, err = r.store.GetItem(ctx, path)
	}

	if err != nil {
		return err
	}

	if !found {
		return r.applyNewEntry(ctx, path, entry)
	}

	if existing.Path != path {
		return r.applyRename(ctx, existing.Path, path)
	}

	if entry.Hash != "" && entry.Hash != existing.LastSyncedHash {
		return r.applyRemoteChange(ctx, path, entry)
	}

	return nil
}

// applyNewEntry indexes a remote entry never seen before as cloud_only, and
// auto-enqueues a download if any ancestor is pinned.
func (r *Reconciler) applyNewEntry(ctx context.Context, path string, entry restapi.ResourceInfo) error {
	kind := store.KindFile
	if entry.Kind == "dir" {
		kind = store.KindDir
	}

	if err := r.store.UpsertItem(ctx, path, store.ItemFields{
		ParentPath:  stdpath.Dir(path),
		Name:        stdpath.Base(path),
		Kind:        kind,
		Size:        sizePtr(entry),
		Modified:    entry.Modified,
		ContentHash: entry.Hash,
		ResourceID:  entry.ResourceID,
	}); err != nil {
		return err
	}

	if kind != store.KindFile {
		return nil
	}

	pinned, err := r.anyAncestorPinned(ctx, path)
	if err != nil {
		return err
	}

	if pinned {
		return r.queue.Enqueue(ctx, store.OpDownload, path, "", 0)
	}

	return nil
}

// applyRemoteChange handles a remote content_hash change: it records the new
// remote metadata and enqueues a download if the local copy is clean. If the
// local copy is dirty it enqueues nothing and returns nil, leaving the
// divergence to the engine's conflict scan.
func (r *Reconciler) applyRemoteChange(ctx context.Context, path string, entry restapi.ResourceInfo) error {
	st, _, err := r.store.GetState(ctx, path)
	if err != nil {
		return err
	}

	if err := r.store.UpsertItem(ctx, path, store.ItemFields{
		ParentPath:  stdpath.Dir(path),
		Name:        stdpath.Base(path),
		Kind:        store.KindFile,
		Size:        sizePtr(entry),
		Modified:    entry.Modified,
		ContentHash: entry.Hash,
		ResourceID:  entry.ResourceID,
	}); err != nil {
		return err
	}

	if st.Dirty {
		// Local edits are also pending: a genuine three-way conflict. The
		// engine resolves this via internal/conflictresolve once it picks
		// up state=error-free dirty+changed paths; the reconciler itself
		// only surfaces the condition by leaving dirty=true and not
		// enqueuing a download, so the divergence isn't silently clobbered.
		return nil
	}

	return r.queue.Enqueue(ctx, store.OpDownload, path, "", 0)
}

// applyRename moves an index entry whose resource_id matched but whose path
// changed, and relocates any cached file alongside it.
func (r *Reconciler) applyRename(ctx context.Context, oldPath, newPath string) error {
	if err := r.store.RenameItem(ctx, oldPath, newPath); err != nil {
		return err
	}

	if r.cacheRoot == "" {
		return nil
	}

	oldCache := cachePath(r.cacheRoot, oldPath)
	newCache := cachePath(r.cacheRoot, newPath)

	if _, err := os.Stat(oldCache); err == nil {
		if err := os.MkdirAll(stdpath.Dir(newCache), 0o755); err != nil {
			return fmt.Errorf("creating cache dir for rename: %w", err)
		}

		if err := os.Rename(oldCache, newCache); err != nil {
			return fmt.Errorf("relocating cache file: %w", err)
		}
	}

	return nil
}

// detectDeletions removes index entries not observed in this walk and not
// locally dirty, guarded by the big-delete safety threshold.
func (r *Reconciler) detectDeletions(ctx context.Context, seenResourceIDs map[string]bool, force bool) error {
	all, err := r.allTrackedPaths(ctx)
	if err != nil {
		return err
	}

	var toDelete []store.Item

	for _, item := range all {
		if item.ResourceID != "" && seenResourceIDs[item.ResourceID] {
			continue
		}

		st, _, err := r.store.GetState(ctx, item.Path)
		if err != nil {
			return err
		}

		if st.Dirty {
			continue
		}

		toDelete = append(toDelete, item)
	}

	if len(all) > 0 && !force {
		if frac := float64(len(toDelete)) / float64(len(all)); frac > r.bigDeleteFraction {
			bde := &BigDeleteError{Deleted: len(toDelete), Total: len(all)}
			return &restapi.ClassifiedError{Kind: restapi.KindStorage, Message: bde.Error(), Err: bde}
		}
	}

	for _, item := range toDelete {
		if err := r.store.DeleteItem(ctx, item.Path); err != nil {
			return fmt.Errorf("deleting vanished item %s: %w", item.Path, err)
		}

		if r.cacheRoot != "" {
			_ = os.Remove(cachePath(r.cacheRoot, item.Path))
		}
	}

	return nil
}

// allTrackedPaths flattens the index tree via repeated ListChildren calls
// starting from the root.
func (r *Reconciler) allTrackedPaths(ctx context.Context) ([]store.Item, error) {
	var out []store.Item

	queue := []string{"/"}
	visited := make(map[string]bool)

	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		if visited[parent] {
			continue
		}

		visited[parent] = true

		children, err := r.store.ListChildren(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("listing indexed children of %s: %w", parent, err)
		}

		for _, c := range children {
			out = append(out, c)

			if c.Kind == store.KindDir {
				queue = append(queue, c.Path)
			}
		}
	}

	return out, nil
}

// anyAncestorPinned walks the parent chain of path looking for a pinned
// ancestor, stopping at the root.
func (r *Reconciler) anyAncestorPinned(ctx context.Context, path string) (bool, error) {
	p := stdpath.Dir(path)

	for p != "/" && p != "." && p != "" {
		st, found, err := r.store.GetState(ctx, p)
		if err != nil {
			return false, err
		}

		if found && st.Pinned {
			return true, nil
		}

		p = stdpath.Dir(p)
	}

	return false, nil
}

func sizePtr(entry restapi.ResourceInfo) *int64 {
	if entry.Kind == "dir" {
		return nil
	}

	v := entry.Size

	return &v
}

func cachePath(cacheRoot, itemPath string) string {
	return stdpath.Join(cacheRoot, itemPath)
}

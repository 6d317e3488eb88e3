package conflictresolve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nordkyrie/yadisksync/internal/opsqueue"
	"github.com/nordkyrie/yadisksync/internal/store"
)

// KeepBothPriority is the ops_queue priority assigned to the fresh upload of
// a renamed-aside conflict copy, higher than the default so the user's
// divergent local edit isn't starved behind routine traffic.
const KeepBothPriority = 10

// Resolver executes the filesystem/index side-effects of a KeepBoth
// decision: rename the local file aside, record the conflict, and enqueue
// the renamed copy for upload. Applying TakeRemote to the original path is
// the engine's ordinary download path, not this package's concern.
type Resolver struct {
	store    *store.Store
	queue    *opsqueue.Queue
	syncRoot string
	nowFunc  func() time.Time
}

// New returns a Resolver that maps index paths to local filesystem paths
// under syncRoot.
func New(s *store.Store, q *opsqueue.Queue, syncRoot string) *Resolver {
	return &Resolver{store: s, queue: q, syncRoot: syncRoot, nowFunc: time.Now}
}

// SetNowFunc overrides the resolver's clock; for tests only.
func (r *Resolver) SetNowFunc(f func() time.Time) {
	r.nowFunc = f
}

// LocalPath maps an index path ("/a.txt") to its absolute location on disk.
func (r *Resolver) LocalPath(path string) string {
	return filepath.Join(r.syncRoot, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

// itemPath maps an absolute local filesystem path back to an index path.
func (r *Resolver) itemPath(localPath string) string {
	rel, err := filepath.Rel(r.syncRoot, localPath)
	if err != nil {
		return localPath
	}

	return "/" + filepath.ToSlash(rel)
}

// ResolveKeepBoth renames the local file at path aside to a
// "<stem> (conflict ...)<ext>" copy, records a conflicts row with reason
// "divergent-edit", creates an index entry for the renamed copy, and enqueues
// it for upload at KeepBothPriority. It returns the new conflict's ID and the
// renamed item's index path for the caller to surface in a ConflictAdded
// signal.
func (r *Resolver) ResolveKeepBoth(ctx context.Context, path string) (conflictID, renamedPath string, err error) {
	localPath := r.LocalPath(path)
	now := r.nowFunc()

	renamedLocal := GenerateConflictPath(localPath, now)

	if err := os.Rename(localPath, renamedLocal); err != nil {
		return "", "", fmt.Errorf("conflictresolve: renaming %s aside: %w", path, err)
	}

	conflictID, err = r.store.RecordConflict(ctx, path, renamedLocal, "divergent-edit")
	if err != nil {
		return "", "", fmt.Errorf("conflictresolve: recording conflict for %s: %w", path, err)
	}

	renamedPath = r.itemPath(renamedLocal)

	info, err := os.Stat(renamedLocal)
	if err != nil {
		return "", "", fmt.Errorf("conflictresolve: statting renamed copy %s: %w", renamedPath, err)
	}

	if err := r.store.UpsertItem(ctx, renamedPath, store.ItemFields{
		ParentPath: filepath.ToSlash(filepath.Dir(renamedPath)),
		Name:       filepath.Base(renamedPath),
		Kind:       store.KindFile,
		Size:       int64Ptr(info.Size()),
		Modified:   now.Unix(),
	}); err != nil {
		return "", "", fmt.Errorf("conflictresolve: indexing renamed copy %s: %w", renamedPath, err)
	}

	if err := r.store.SetDirty(ctx, renamedPath, true); err != nil {
		return "", "", fmt.Errorf("conflictresolve: marking renamed copy dirty: %w", err)
	}

	if err := r.queue.Enqueue(ctx, store.OpUpload, renamedPath, "", KeepBothPriority); err != nil {
		return "", "", fmt.Errorf("conflictresolve: enqueuing upload for %s: %w", renamedPath, err)
	}

	return conflictID, renamedPath, nil
}

func int64Ptr(v int64) *int64 { return &v }

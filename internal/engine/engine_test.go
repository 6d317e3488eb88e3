package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordkyrie/yadisksync/internal/conflictresolve"
	"github.com/nordkyrie/yadisksync/internal/notifier"
	"github.com/nordkyrie/yadisksync/internal/opsqueue"
	"github.com/nordkyrie/yadisksync/internal/restapi"
	"github.com/nordkyrie/yadisksync/internal/store"
	"github.com/nordkyrie/yadisksync/internal/transfer"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// fakeRest stubs only the restapi.Client methods a given test needs; an
// unstubbed call panics via the nil embedded interface.
type fakeRest struct {
	restapi.Client

	resource    restapi.ResourceInfo
	resourceErr error

	moveResult restapi.AsyncResult
	moveErr    error

	copyResult restapi.AsyncResult
	copyErr    error

	deleteResult restapi.AsyncResult
	deleteErr    error

	createFolderResult restapi.AsyncResult
	createFolderErr    error

	opStatus restapi.OperationStatus
	opErr    error
}

func (f *fakeRest) GetResource(context.Context, string) (restapi.ResourceInfo, error) {
	return f.resource, f.resourceErr
}

func (f *fakeRest) Move(context.Context, string, string) (restapi.AsyncResult, error) {
	return f.moveResult, f.moveErr
}

func (f *fakeRest) Copy(context.Context, string, string) (restapi.AsyncResult, error) {
	return f.copyResult, f.copyErr
}

func (f *fakeRest) Delete(context.Context, string) (restapi.AsyncResult, error) {
	return f.deleteResult, f.deleteErr
}

func (f *fakeRest) CreateFolder(context.Context, string) (restapi.AsyncResult, error) {
	return f.createFolderResult, f.createFolderErr
}

func (f *fakeRest) GetOperationStatus(context.Context, string) (restapi.OperationStatus, error) {
	return f.opStatus, f.opErr
}

// fakeTransfer stubs internal/transfer's Download/Upload without touching
// the network.
type fakeTransfer struct {
	downloadResult transfer.Result
	downloadErr    error
	uploadResult   transfer.Result
	uploadErr      error
}

func (f *fakeTransfer) Download(context.Context, string, string, string) (transfer.Result, error) {
	return f.downloadResult, f.downloadErr
}

func (f *fakeTransfer) Upload(context.Context, string, string) (transfer.Result, error) {
	return f.uploadResult, f.uploadErr
}

type testEnv struct {
	store    *store.Store
	queue    *opsqueue.Queue
	rest     *fakeRest
	transfer *fakeTransfer
	notifier *notifier.Notifier
	engine   *Engine
	syncRoot string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	logger := testLogger(t)

	s, err := store.Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q := opsqueue.New(s, time.Minute)
	rest := &fakeRest{}
	xfer := &fakeTransfer{}
	resolver := conflictresolve.New(s, q, root)
	n := notifier.New(logger)

	e := New(s, q, rest, nil, xfer, resolver, nil, n, root, logger, Config{MaxWorkers: 4})

	return &testEnv{store: s, queue: q, rest: rest, transfer: xfer, notifier: n, engine: e, syncRoot: root}
}

func TestExecuteDownload_AdvancesBaselineAndMarksCached(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.UpsertItem(ctx, "/a.txt", store.ItemFields{
		ParentPath: "/", Name: "a.txt", Kind: store.KindFile, ContentHash: "H1", Modified: 1,
	}))

	env.transfer.downloadResult = transfer.Result{Hash: "H1", Size: 5}

	op := store.Op{Kind: store.OpDownload, Path: "/a.txt"}
	err := env.engine.execute(ctx, op, false)
	require.NoError(t, err)

	item, found, err := env.store.GetItem(ctx, "/a.txt")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "H1", item.LastSyncedHash, "a successful download must advance the baseline")

	st, found, err := env.store.GetState(ctx, "/a.txt")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.StateCached, st.State)

	assert.True(t, env.engine.ConsumeSelfWrite("/a.txt"), "a download must be marked as a self-write so the watcher ignores it")
}

func TestOnFailure_TransientReschedulesWithBackoff(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.UpsertItem(ctx, "/a.txt", store.ItemFields{ParentPath: "/", Kind: store.KindFile, Modified: 1}))

	env.transfer.uploadErr = &restapi.ClassifiedError{Kind: restapi.KindTransient, Err: restapi.ErrTransient, Message: "network blip"}

	require.NoError(t, env.queue.Enqueue(ctx, store.OpUpload, "/a.txt", "", 0))
	ops, err := env.queue.PopReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	env.engine.runOp(ctx, ops[0])

	st, _, err := env.store.GetState(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StateError, st.State)
	require.NotNil(t, st.RetryAt, "a rescheduled op must carry a future retry_at")
}

func TestOnFailure_PermanentAfterMaxAttemptsAndRetryRequeues(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.cfg.MaxAttempts = 1

	require.NoError(t, env.store.UpsertItem(ctx, "/a.txt", store.ItemFields{ParentPath: "/", Kind: store.KindFile, Modified: 1}))
	env.transfer.uploadErr = &restapi.ClassifiedError{Kind: restapi.KindTransient, Err: restapi.ErrTransient, Message: "still broken"}

	op := store.Op{ID: 1, Kind: store.OpUpload, Path: "/a.txt", Attempt: 0}
	env.engine.onFailure(ctx, op, env.transfer.uploadErr)

	st, _, err := env.store.GetState(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StateError, st.State)

	env.transfer.uploadErr = nil
	env.transfer.uploadResult = transfer.Result{Hash: "H9", Size: 1}

	require.NoError(t, env.engine.Retry(ctx, "/a.txt"))

	ops, err := env.queue.PopReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1, "retry must re-enqueue the remembered failed op")
	assert.Equal(t, store.OpUpload, ops[0].Kind)
}

func TestEvict_RefusesDirtyPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.UpsertItem(ctx, "/a.txt", store.ItemFields{ParentPath: "/", Kind: store.KindFile, Modified: 1}))
	require.NoError(t, env.store.SetDirty(ctx, "/a.txt", true))

	err := env.engine.Evict(ctx, "/a.txt")
	require.Error(t, err)
}

func TestEvict_RemovesCachedFileAndRevertsToCloudOnly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	localPath := filepath.Join(env.syncRoot, "a.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("cached bytes"), 0o644))

	require.NoError(t, env.store.UpsertItem(ctx, "/a.txt", store.ItemFields{ParentPath: "/", Kind: store.KindFile, Modified: 1}))
	require.NoError(t, env.store.SetState(ctx, "/a.txt", store.StateCached, "", nil))

	require.NoError(t, env.engine.Evict(ctx, "/a.txt"))

	_, err := os.Stat(localPath)
	assert.True(t, os.IsNotExist(err))

	st, _, err := env.store.GetState(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StateCloudOnly, st.State)
}

func TestPin_EnqueuesDownloadForCloudOnlyPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.UpsertItem(ctx, "/a.txt", store.ItemFields{ParentPath: "/", Kind: store.KindFile, Modified: 1}))

	require.NoError(t, env.engine.Pin(ctx, "/a.txt", true))

	ops, err := env.queue.PopReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpDownload, ops[0].Kind)

	st, _, err := env.store.GetState(ctx, "/a.txt")
	require.NoError(t, err)
	assert.True(t, st.Pinned)
}

func TestConflictScan_DivergentEditsRenameAsideAndEnqueueDownload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	localPath := filepath.Join(env.syncRoot, "a.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("local edit"), 0o644))

	require.NoError(t, env.store.UpsertItem(ctx, "/a.txt", store.ItemFields{
		ParentPath: "/", Name: "a.txt", Kind: store.KindFile, Modified: 1,
		SetLastSynced: true, LastSyncedHash: "BASE", LastSyncedModified: int64Ptr(0),
	}))
	require.NoError(t, env.store.SetDirty(ctx, "/a.txt", true))

	env.rest.resource = restapi.ResourceInfo{Path: "/a.txt", Hash: "REMOTE", Modified: 2}

	var gotSignal notifier.Event
	events, unsubscribe := env.notifier.Subscribe()
	defer unsubscribe()

	env.engine.runConflictScan(ctx)

	select {
	case gotSignal = <-events:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConflictAdded signal")
	}

	assert.Equal(t, notifier.KindConflictAdded, gotSignal.Kind)

	_, err := os.Stat(localPath)
	assert.True(t, os.IsNotExist(err), "the divergent local copy must be renamed aside")

	ops, err := env.queue.PopReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 2, "keep-both enqueues both the renamed copy's upload and the original path's download")

	var sawDownloadOfOriginal bool
	for _, op := range ops {
		if op.Kind == store.OpDownload && op.Path == "/a.txt" {
			sawDownloadOfOriginal = true
		}
	}
	assert.True(t, sawDownloadOfOriginal)

	conflicts, err := env.store.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "divergent-edit", conflicts[0].Reason)

	assert.NotEmpty(t, gotSignal.ConflictID, "the signal must carry the conflict just recorded, not a re-derived guess")
	assert.Equal(t, conflicts[0].ID, gotSignal.ConflictID)
}

func TestResolve_ForcesKeepBothOnDirtyPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	localPath := filepath.Join(env.syncRoot, "a.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("local edit"), 0o644))

	require.NoError(t, env.store.UpsertItem(ctx, "/a.txt", store.ItemFields{
		ParentPath: "/", Name: "a.txt", Kind: store.KindFile, Modified: 1,
	}))
	require.NoError(t, env.store.SetDirty(ctx, "/a.txt", true))

	require.NoError(t, env.engine.Resolve(ctx, "/a.txt"))

	_, err := os.Stat(localPath)
	assert.True(t, os.IsNotExist(err), "the local copy must be renamed aside")

	conflicts, err := env.store.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "divergent-edit", conflicts[0].Reason)
}

func TestResolve_RefusesCleanPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.UpsertItem(ctx, "/a.txt", store.ItemFields{ParentPath: "/", Kind: store.KindFile, Modified: 1}))

	err := env.engine.Resolve(ctx, "/a.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in conflict")
}

func TestTriggerReconcile_NonBlockingAndCoalesces(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	// Must not block even when called repeatedly before anything drains
	// the channel — a SIGHUP storm must never wedge the signal handler.
	env.engine.TriggerReconcile()
	env.engine.TriggerReconcile()
	env.engine.TriggerReconcile()

	select {
	case <-env.engine.reconcileNow:
	default:
		t.Fatal("expected a pending reconcile request")
	}

	select {
	case <-env.engine.reconcileNow:
		t.Fatal("repeated triggers must coalesce into a single pending request")
	default:
	}
}

func TestCacheEviction_SkipsPinnedAndEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.cfg.CacheSizeBytes = 15

	for _, name := range []string{"old.txt", "new.txt", "pinned.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(env.syncRoot, name), []byte("0123456789"), 0o644))
	}

	require.NoError(t, env.store.UpsertItem(ctx, "/old.txt", store.ItemFields{ParentPath: "/", Kind: store.KindFile, Size: int64Ptr(10), Modified: 1}))
	require.NoError(t, env.store.UpsertItem(ctx, "/new.txt", store.ItemFields{ParentPath: "/", Kind: store.KindFile, Size: int64Ptr(10), Modified: 1}))
	require.NoError(t, env.store.UpsertItem(ctx, "/pinned.txt", store.ItemFields{ParentPath: "/", Kind: store.KindFile, Size: int64Ptr(10), Modified: 1}))

	env.store.SetNowFunc(func() time.Time { return time.Unix(100, 0) })
	require.NoError(t, env.store.SetState(ctx, "/old.txt", store.StateCached, "", nil))
	env.store.SetNowFunc(func() time.Time { return time.Unix(200, 0) })
	require.NoError(t, env.store.SetState(ctx, "/new.txt", store.StateCached, "", nil))
	require.NoError(t, env.store.SetState(ctx, "/pinned.txt", store.StateCached, "", nil))
	require.NoError(t, env.store.SetPinned(ctx, "/pinned.txt", true))

	env.engine.runCacheEviction(ctx)

	_, err := os.Stat(filepath.Join(env.syncRoot, "old.txt"))
	assert.True(t, os.IsNotExist(err), "the oldest non-pinned cached file must be evicted first")

	_, err = os.Stat(filepath.Join(env.syncRoot, "new.txt"))
	assert.NoError(t, err, "newer files stay cached once enough space is freed")

	_, err = os.Stat(filepath.Join(env.syncRoot, "pinned.txt"))
	assert.NoError(t, err, "a pinned file is never evicted")
}

func TestDispatch_SkipsOpWhenPathAlreadyLocked(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.lockPathBlocking("/a.txt")
	defer env.engine.unlockPath("/a.txt")

	var wg sync.WaitGroup
	env.engine.dispatch(ctx, &wg, store.Op{Kind: store.OpUpload, Path: "/a.txt"})
	wg.Wait()

	assert.Equal(t, int64(0), env.engine.active.Load(), "a locked path must not be dispatched")
}

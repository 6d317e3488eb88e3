package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log, so all
// activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "index.db")

	s, err := Open(dbPath, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})

	return s
}

func TestUpsertItem_CreatesItemAndCloudOnlyState(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, "/a.txt", ItemFields{
		ParentPath: "/", Name: "a.txt", Kind: KindFile, Modified: 100, ContentHash: "H1",
	}))

	item, ok, err := s.GetItem(ctx, "/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "H1", item.ContentHash)
	assert.Empty(t, item.LastSyncedHash)

	st, ok, err := s.GetState(ctx, "/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateCloudOnly, st.State)
	assert.False(t, st.Pinned)
}

func TestUpsertItem_PreservesLastSyncedUnlessExplicitlySet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, "/a.txt", ItemFields{
		Kind: KindFile, Modified: 1, ContentHash: "H1",
		SetLastSynced: true, LastSyncedHash: "H1", LastSyncedModified: ptr(int64(1)),
	}))

	require.NoError(t, s.UpsertItem(ctx, "/a.txt", ItemFields{
		Kind: KindFile, Modified: 2, ContentHash: "H2",
	}))

	item, ok, err := s.GetItem(ctx, "/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "H2", item.ContentHash)
	assert.Equal(t, "H1", item.LastSyncedHash, "last_synced_hash preserved across non-baseline update")
}

func TestMarkSynced_ClearsDirtyAndAdvancesBaseline(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, "/a.txt", ItemFields{Kind: KindFile, Modified: 1, ContentHash: "H2"}))
	require.NoError(t, s.SetDirty(ctx, "/a.txt", true))

	require.NoError(t, s.MarkSynced(ctx, "/a.txt"))

	item, _, err := s.GetItem(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "H2", item.LastSyncedHash)

	st, _, err := s.GetState(ctx, "/a.txt")
	require.NoError(t, err)
	assert.False(t, st.Dirty)
}

func TestRenameItem_PreservesStateAndResourceID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, "/a.txt", ItemFields{Kind: KindFile, Modified: 1, ResourceID: "R1"}))
	require.NoError(t, s.SetPinned(ctx, "/a.txt", true))

	require.NoError(t, s.RenameItem(ctx, "/a.txt", "/b.txt"))

	_, ok, err := s.GetItem(ctx, "/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	item, ok, err := s.GetItem(ctx, "/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "R1", item.ResourceID)

	st, ok, err := s.GetState(ctx, "/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.Pinned)
}

func TestRenameItem_MissingSourceErrors(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	err := s.RenameItem(context.Background(), "/missing.txt", "/b.txt")
	require.Error(t, err)
}

func TestDeleteItem_PreservesQueuedDeleteButDropsUploadAndDownload(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, "/a.txt", ItemFields{Kind: KindFile, Modified: 1}))

	_, err := s.db.ExecContext(ctx, `INSERT INTO ops_queue (kind, path) VALUES (?, ?)`, "upload", "/a.txt")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO ops_queue (kind, path) VALUES (?, ?)`, "delete", "/a.txt")
	require.NoError(t, err)

	require.NoError(t, s.DeleteItem(ctx, "/a.txt"))

	_, ok, err := s.GetItem(ctx, "/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	var remaining []string

	rows, err := s.db.QueryContext(ctx, `SELECT kind FROM ops_queue WHERE path=?`, "/a.txt")
	require.NoError(t, err)

	defer rows.Close()

	for rows.Next() {
		var kind string
		require.NoError(t, rows.Scan(&kind))
		remaining = append(remaining, kind)
	}

	assert.Equal(t, []string{"delete"}, remaining)
}

func TestSetState_RecordsLastErrorAtOnError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, "/a.txt", ItemFields{Kind: KindFile, Modified: 1}))
	require.NoError(t, s.SetState(ctx, "/a.txt", StateError, "boom", nil))

	st, _, err := s.GetState(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, "boom", st.LastError)
	require.NotNil(t, st.LastErrorAt)
}

func TestCursor_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, Cursor{}, empty)

	require.NoError(t, s.SaveCursor(ctx, "watermark-1", 12345))

	c, err := s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "watermark-1", c.Cursor)
	assert.Equal(t, int64(12345), c.LastSync)

	require.NoError(t, s.SaveCursor(ctx, "watermark-2", 67890))

	c, err = s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "watermark-2", c.Cursor)
}

func TestRecordConflict_AndList(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.RecordConflict(ctx, "/a.txt", "/a (conflict 2026-01-01 00:00:00).txt", "divergent-edit")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	conflicts, err := s.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "divergent-edit", conflicts[0].Reason)
}

func TestListChildren_OrderedByName(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, "/dir/z.txt", ItemFields{ParentPath: "/dir", Kind: KindFile, Modified: 1}))
	require.NoError(t, s.UpsertItem(ctx, "/dir/a.txt", ItemFields{ParentPath: "/dir", Kind: KindFile, Modified: 1}))

	children, err := s.ListChildren(ctx, "/dir")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "/dir/a.txt", children[0].Path)
	assert.Equal(t, "/dir/z.txt", children[1].Path)
}

func TestListDirtyItems_OnlyReturnsDirtyPaths(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, "/a.txt", ItemFields{ParentPath: "/", Kind: KindFile, Modified: 1}))
	require.NoError(t, s.UpsertItem(ctx, "/b.txt", ItemFields{ParentPath: "/", Kind: KindFile, Modified: 1}))
	require.NoError(t, s.SetDirty(ctx, "/a.txt", true))

	dirty, err := s.ListDirtyItems(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "/a.txt", dirty[0].Path)
}

func TestListEvictionCandidates_OrdersOldestSuccessFirstAndSkipsPinned(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertItem(ctx, "/old.txt", ItemFields{ParentPath: "/", Kind: KindFile, Size: ptr(int64(10)), Modified: 1}))
	require.NoError(t, s.UpsertItem(ctx, "/new.txt", ItemFields{ParentPath: "/", Kind: KindFile, Size: ptr(int64(20)), Modified: 1}))
	require.NoError(t, s.UpsertItem(ctx, "/pinned.txt", ItemFields{ParentPath: "/", Kind: KindFile, Size: ptr(int64(30)), Modified: 1}))

	s.SetNowFunc(func() time.Time { return time.Unix(100, 0) })
	require.NoError(t, s.SetState(ctx, "/old.txt", StateCached, "", nil))
	s.SetNowFunc(func() time.Time { return time.Unix(200, 0) })
	require.NoError(t, s.SetState(ctx, "/new.txt", StateCached, "", nil))
	require.NoError(t, s.SetState(ctx, "/pinned.txt", StateCached, "", nil))
	require.NoError(t, s.SetPinned(ctx, "/pinned.txt", true))

	candidates, err := s.ListEvictionCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "/old.txt", candidates[0].Path)
	assert.Equal(t, "/new.txt", candidates[1].Path)
}

func ptr[T any](v T) *T { return &v }

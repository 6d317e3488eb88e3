package opsqueue

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordkyrie/yadisksync/internal/store"
)

func newTestQueue(t *testing.T) (*store.Store, *Queue) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "index.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))

	s, err := store.Open(dbPath, logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s, New(s, time.Minute)
}

func TestEnqueue_CoalescesByKindAndPath(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/a.txt", "", 0))
	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/a.txt", "", 5))
	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/a.txt", "", 1))

	ops, err := q.PopReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 5, ops[0].Priority, "coalesce keeps the max priority")
}

func TestPopReady_OrdersByPriorityThenRetryAtThenID(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/low.txt", "", 0))
	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/high.txt", "", 10))
	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/mid.txt", "", 5))

	ops, err := q.PopReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "/high.txt", ops[0].Path)
	assert.Equal(t, "/mid.txt", ops[1].Path)
	assert.Equal(t, "/low.txt", ops[2].Path)
}

func TestPopReady_SkipsRowsNotYetDue(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/a.txt", "", 0))
	require.NoError(t, q.Reschedule(ctx, 1, 1, time.Hour))

	ops, err := q.PopReady(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestPopReady_ClaimHidesRowUntilExpiry(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/a.txt", "", 0))

	now := time.Now()

	first, err := q.PopReady(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Still claimed: a second pop at the same instant sees nothing.
	second, err := q.PopReady(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	// After the claim window elapses, the row becomes poppable again —
	// this is how a crashed worker's claim gets recovered.
	third, err := q.PopReady(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, third, 1)
}

func TestComplete_RemovesRow(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/a.txt", "", 0))

	ops, err := q.PopReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	require.NoError(t, q.Complete(ctx, ops[0].ID))

	remaining, err := q.PopReady(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDropByPath_RemovesAllOpsForPath(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, store.OpUpload, "/a.txt", "", 0))
	require.NoError(t, q.Enqueue(ctx, store.OpDelete, "/a.txt", "", 0))

	require.NoError(t, q.DropByPath(ctx, "/a.txt"))

	ops, err := q.PopReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

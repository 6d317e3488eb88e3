// Package opsqueue is the durable scheduled work queue layered on the index
// store. It provides dequeue-ready, requeue-with-delay, dedupe-by-(kind,path),
// and priority ordering over the ops_queue table the store owns.
package opsqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nordkyrie/yadisksync/internal/store"
)

// DefaultMaxOpDuration bounds how long a claimed row stays invisible to other
// workers before it's eligible for re-pop (crash recovery).
const DefaultMaxOpDuration = 30 * time.Minute

// Queue layers claim-based scheduling on top of the store's ops_queue table.
// It shares the store's sole-writer *sql.DB so claims and the rest of the
// index stay transactionally consistent.
type Queue struct {
	db            *sql.DB
	nowFunc       func() time.Time
	maxOpDuration time.Duration
}

// New returns a Queue backed by s's database connection.
func New(s *store.Store, maxOpDuration time.Duration) *Queue {
	if maxOpDuration <= 0 {
		maxOpDuration = DefaultMaxOpDuration
	}

	return &Queue{
		db:            s.DB(),
		nowFunc:       time.Now,
		maxOpDuration: maxOpDuration,
	}
}

// SetNowFunc overrides the queue's clock; for tests only.
func (q *Queue) SetNowFunc(f func() time.Time) {
	q.nowFunc = f
}

// Enqueue inserts a new op, or coalesces into an existing (kind,path) row by
// keeping the lower attempt and the higher priority and resetting retry_at
// to now so the coalesced row is immediately poppable.
//
// Dedupe key is (kind,path) only, not (kind,path,payload) — two concurrent
// moves of the same source to different destinations collapse into one row
// that wins on whichever enqueue lands last. This mirrors behavior observed
// upstream and is preserved rather than fixed.
func (q *Queue) Enqueue(ctx context.Context, kind store.OpKind, path, payload string, priority int) error {
	now := q.nowFunc().Unix()

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ops_queue (kind, path, payload, attempt, retry_at, priority)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(kind, path) DO UPDATE SET
			payload = excluded.payload,
			attempt = MIN(ops_queue.attempt, excluded.attempt),
			priority = MAX(ops_queue.priority, excluded.priority),
			retry_at = excluded.retry_at`,
		string(kind), path, nullableString(payload), now, priority)
	if err != nil {
		return fmt.Errorf("opsqueue: enqueue %s %s: %w", kind, path, err)
	}

	return nil
}

// PopReady returns up to limit ready ops (retry_at IS NULL OR retry_at <= now)
// ordered by (priority DESC, retry_at ASC NULLS FIRST, id ASC), and stamps
// their retry_at to now+maxOpDuration so no other caller can pop the same
// row until the claim expires. The worker commits the real outcome via
// Complete, Reschedule, or FailPermanent.
func (q *Queue) PopReady(ctx context.Context, now time.Time, limit int) ([]store.Op, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("opsqueue: pop_ready: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, path, payload, attempt, retry_at, priority
		FROM ops_queue
		WHERE retry_at IS NULL OR retry_at <= ?
		ORDER BY priority DESC, (retry_at IS NOT NULL), retry_at ASC, id ASC
		LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("opsqueue: pop_ready: query: %w", err)
	}

	var ops []store.Op

	for rows.Next() {
		var (
			op      store.Op
			kind    string
			payload sql.NullString
			retryAt sql.NullInt64
		)

		if err := rows.Scan(&op.ID, &kind, &op.Path, &payload, &op.Attempt, &retryAt, &op.Priority); err != nil {
			rows.Close()

			return nil, fmt.Errorf("opsqueue: pop_ready: scan: %w", err)
		}

		op.Kind = store.OpKind(kind)
		op.Payload = payload.String

		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		rows.Close()

		return nil, fmt.Errorf("opsqueue: pop_ready: iterate: %w", err)
	}

	rows.Close()

	claimUntil := now.Add(q.maxOpDuration).Unix()

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, `UPDATE ops_queue SET retry_at=? WHERE id=?`, claimUntil, op.ID); err != nil {
			return nil, fmt.Errorf("opsqueue: pop_ready: claim %d: %w", op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("opsqueue: pop_ready: commit: %w", err)
	}

	return ops, nil
}

// Complete deletes the row for a successfully-finished op.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM ops_queue WHERE id=?`, id); err != nil {
		return fmt.Errorf("opsqueue: complete %d: %w", id, err)
	}

	return nil
}

// Reschedule bumps attempt and sets retry_at to now+delay for a transient
// failure.
func (q *Queue) Reschedule(ctx context.Context, id int64, attempt int, delay time.Duration) error {
	retryAt := q.nowFunc().Add(delay).Unix()

	_, err := q.db.ExecContext(ctx, `UPDATE ops_queue SET attempt=?, retry_at=? WHERE id=?`, attempt, retryAt, id)
	if err != nil {
		return fmt.Errorf("opsqueue: reschedule %d: %w", id, err)
	}

	return nil
}

// FailPermanent removes the row for an op that will never succeed; the
// caller is responsible for recording last_error on the item's state.
func (q *Queue) FailPermanent(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM ops_queue WHERE id=?`, id); err != nil {
		return fmt.Errorf("opsqueue: fail_permanent %d: %w", id, err)
	}

	return nil
}

// DropByPath removes every queued op for path, used when a path is
// tombstoned and its pending work is no longer meaningful.
func (q *Queue) DropByPath(ctx context.Context, path string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM ops_queue WHERE path=?`, path); err != nil {
		return fmt.Errorf("opsqueue: drop_by_path %s: %w", path, err)
	}

	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

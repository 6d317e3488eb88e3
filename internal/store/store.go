// Package store is the sole persistence layer: an embedded relational index
// holding items, states, the sync cursor, the ops queue, and conflicts.
// Every mutation is transactional; readers see a consistent snapshot.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Store is the sole writer of the index database. All mutations funnel
// through a single connection (SetMaxOpenConns(1)) so callers never observe
// torn writes.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if necessary) the SQLite database at dbPath, runs
// pending migrations, and returns a ready-to-use Store. Durability comes
// from WAL journaling with synchronous=FULL; busy_timeout absorbs brief
// lock contention rather than surfacing SQLITE_BUSY to callers.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection ever writes, so writers never
	// race each other for the SQLite file lock.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("index store initialized", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the shared sole-writer connection pool so collaborators backed
// by the same SQLite file (the ops queue) can issue statements through it
// without opening a second writer.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the store's clock. Exposed so layered packages (ops queue)
// share one injectable source of time in tests.
func (s *Store) Now() time.Time {
	return s.nowFunc()
}

// SetNowFunc overrides the store's clock; for tests only.
func (s *Store) SetNowFunc(f func() time.Time) {
	s.nowFunc = f
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: v, Valid: true}
}

func ptrInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}

	v := n.Int64

	return &v
}

// UpsertItem inserts or updates the item at path. Fields in f.LastSynced* are
// preserved unless f.SetLastSynced is true, matching the baseline-preservation
// contract callers rely on across reconcile passes.
func (s *Store) UpsertItem(ctx context.Context, path string, f ItemFields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("upsert_item: begin", err)
	}
	defer tx.Rollback()

	var exists bool

	err = tx.QueryRowContext(ctx, `SELECT 1 FROM items WHERE path = ?`, path).Scan(new(int))
	if err == nil {
		exists = true
	} else if err != sql.ErrNoRows {
		return storageErr("upsert_item: lookup", err)
	}

	if exists && !f.SetLastSynced {
		_, err = tx.ExecContext(ctx, `
			UPDATE items SET parent_path=?, name=?, kind=?, size=?, modified=?,
				content_hash=?, resource_id=?
			WHERE path=?`,
			f.ParentPath, f.Name, string(f.Kind), nullInt64(f.Size), f.Modified,
			nullString(f.ContentHash), nullString(f.ResourceID), path,
		)
	} else if exists {
		_, err = tx.ExecContext(ctx, `
			UPDATE items SET parent_path=?, name=?, kind=?, size=?, modified=?,
				content_hash=?, resource_id=?, last_synced_hash=?, last_synced_modified=?
			WHERE path=?`,
			f.ParentPath, f.Name, string(f.Kind), nullInt64(f.Size), f.Modified,
			nullString(f.ContentHash), nullString(f.ResourceID),
			nullString(f.LastSyncedHash), nullInt64(f.LastSyncedModified), path,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO items
				(path, parent_path, name, kind, size, modified, content_hash,
				 resource_id, last_synced_hash, last_synced_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			path, f.ParentPath, f.Name, string(f.Kind), nullInt64(f.Size), f.Modified,
			nullString(f.ContentHash), nullString(f.ResourceID),
			nullString(f.LastSyncedHash), nullInt64(f.LastSyncedModified),
		)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO states (path, state, pinned, dirty) VALUES (?, ?, 0, 0)`,
				path, string(StateCloudOnly))
		}
	}

	if err != nil {
		return storageErr("upsert_item: write", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("upsert_item: commit", err)
	}

	return nil
}

// RenameItem atomically moves old_path to new_path, preserving resource_id,
// state, and pinned.
func (s *Store) RenameItem(ctx context.Context, oldPath, newPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("rename_item: begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE items SET path=? WHERE path=?`, newPath, oldPath)
	if err != nil {
		return storageErr("rename_item: update item", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("rename_item", fmt.Errorf("no item at path %q", oldPath))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE states SET path=? WHERE path=?`, newPath, oldPath); err != nil {
		return storageErr("rename_item: update state", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("rename_item: commit", err)
	}

	return nil
}

// DeleteItem removes the item and its state. Queued upload/download ops
// targeting path are dropped since they no longer have anything to act on;
// a queued delete op is preserved so a locally-originated deletion still
// propagates to the remote side.
func (s *Store) DeleteItem(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete_item: begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ops_queue WHERE path=? AND kind IN ('upload','download')`, path); err != nil {
		return storageErr("delete_item: drop queued ops", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM states WHERE path=?`, path); err != nil {
		return storageErr("delete_item: delete state", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE path=?`, path); err != nil {
		return storageErr("delete_item: delete item", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("delete_item: commit", err)
	}

	return nil
}

// SetState updates the sync state, optional error message, and optional
// retry deadline for path.
func (s *Store) SetState(ctx context.Context, path string, state SyncState, errMsg string, retryAt *int64) error {
	now := s.nowFunc().Unix()

	var lastErrorAt, lastSuccessAt sql.NullInt64
	if state == StateError {
		lastErrorAt = sql.NullInt64{Int64: now, Valid: true}
	} else if state == StateCached {
		lastSuccessAt = sql.NullInt64{Int64: now, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE states SET state=?, last_error=?, retry_at=?,
			last_error_at=COALESCE(?, last_error_at),
			last_success_at=COALESCE(?, last_success_at)
		WHERE path=?`,
		string(state), nullString(errMsg), nullInt64(retryAt), lastErrorAt, lastSuccessAt, path)
	if err != nil {
		return storageErr("set_state", err)
	}

	return nil
}

// SetDirty marks whether path's local bytes differ from the server baseline.
func (s *Store) SetDirty(ctx context.Context, path string, dirty bool) error {
	v := 0
	if dirty {
		v = 1
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE states SET dirty=? WHERE path=?`, v, path); err != nil {
		return storageErr("set_dirty", err)
	}

	return nil
}

// MarkSynced advances last_synced_hash/last_synced_modified to the item's
// current content_hash/modified and clears dirty, per invariant I4.
func (s *Store) MarkSynced(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("mark_synced: begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE items SET last_synced_hash=content_hash, last_synced_modified=modified
		WHERE path=?`, path); err != nil {
		return storageErr("mark_synced: update item", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE states SET dirty=0 WHERE path=?`, path); err != nil {
		return storageErr("mark_synced: update state", err)
	}

	return storageErr("mark_synced: commit", tx.Commit())
}

// SetPinned sets or clears the pin flag for path.
func (s *Store) SetPinned(ctx context.Context, path string, pinned bool) error {
	v := 0
	if pinned {
		v = 1
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE states SET pinned=? WHERE path=?`, v, path); err != nil {
		return storageErr("set_pinned", err)
	}

	return nil
}

// LoadCursor returns the singleton sync cursor row, or a zero-value cursor
// if none has been saved yet.
func (s *Store) LoadCursor(ctx context.Context) (Cursor, error) {
	var c Cursor

	var cursor sql.NullString

	var lastSync sql.NullInt64

	err := s.db.QueryRowContext(ctx, `SELECT cursor, last_sync FROM sync_cursor WHERE id=1`).
		Scan(&cursor, &lastSync)
	if err == sql.ErrNoRows {
		return Cursor{}, nil
	} else if err != nil {
		return Cursor{}, storageErr("load_cursor", err)
	}

	c.Cursor = cursor.String
	c.LastSync = lastSync.Int64

	return c, nil
}

// SaveCursor persists the opaque watermark returned by the reconciler.
func (s *Store) SaveCursor(ctx context.Context, cursor string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, cursor, last_sync) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET cursor=excluded.cursor, last_sync=excluded.last_sync`,
		nullString(cursor), ts)
	if err != nil {
		return storageErr("save_cursor", err)
	}

	return nil
}

// RecordConflict appends a conflict row and returns its generated ID.
func (s *Store) RecordConflict(ctx context.Context, path, renamedLocal, reason string) (string, error) {
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, path, renamed_local, created, reason)
		VALUES (?, ?, ?, ?, ?)`,
		id, path, renamedLocal, s.nowFunc().Unix(), reason)
	if err != nil {
		return "", storageErr("record_conflict", err)
	}

	return id, nil
}

// ListDirtyItems returns every item whose local bytes are recorded as
// diverging from the last-synced baseline, used by the engine's conflict
// scan to find paths where a remote change may have landed concurrently.
func (s *Store) ListDirtyItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.path, i.parent_path, i.name, i.kind, i.size, i.modified, i.content_hash,
			i.resource_id, i.last_synced_hash, i.last_synced_modified
		FROM items i JOIN states st ON st.path = i.path
		WHERE st.dirty = 1 ORDER BY i.path`)
	if err != nil {
		return nil, storageErr("list_dirty_items", err)
	}
	defer rows.Close()

	var items []Item

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("list_dirty_items: iterate", err)
	}

	return items, nil
}

// ListEvictionCandidates returns every cached, non-pinned file with a known
// size, ordered oldest-successful-first, for the cache eviction task to
// consume until it has freed enough space.
func (s *Store) ListEvictionCandidates(ctx context.Context) ([]EvictionCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.path, i.size, st.last_success_at
		FROM items i JOIN states st ON st.path = i.path
		WHERE st.state = ? AND st.pinned = 0 AND i.size IS NOT NULL
		ORDER BY (st.last_success_at IS NOT NULL), st.last_success_at ASC`, string(StateCached))
	if err != nil {
		return nil, storageErr("list_eviction_candidates", err)
	}
	defer rows.Close()

	var out []EvictionCandidate

	for rows.Next() {
		var (
			c      EvictionCandidate
			lastOK sql.NullInt64
		)

		if err := rows.Scan(&c.Path, &c.Size, &lastOK); err != nil {
			return nil, storageErr("list_eviction_candidates: scan", err)
		}

		c.LastSuccessAt = lastOK.Int64
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("list_eviction_candidates: iterate", err)
	}

	return out, nil
}

// ListChildren returns the direct children of parentPath ordered by name.
func (s *Store) ListChildren(ctx context.Context, parentPath string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, parent_path, name, kind, size, modified, content_hash,
			resource_id, last_synced_hash, last_synced_modified
		FROM items WHERE parent_path=? ORDER BY name`, parentPath)
	if err != nil {
		return nil, storageErr("list_children", err)
	}
	defer rows.Close()

	var items []Item

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("list_children: iterate", err)
	}

	return items, nil
}

// GetItem returns the item at path, or (Item{}, false, nil) if absent.
func (s *Store) GetItem(ctx context.Context, path string) (Item, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, parent_path, name, kind, size, modified, content_hash,
			resource_id, last_synced_hash, last_synced_modified
		FROM items WHERE path=?`, path)

	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, false, nil
	} else if err != nil {
		return Item{}, false, err
	}

	return it, true, nil
}

// GetItemByResourceID looks up an item by its stable server resource_id,
// used by the reconciler to detect renames.
func (s *Store) GetItemByResourceID(ctx context.Context, resourceID string) (Item, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, parent_path, name, kind, size, modified, content_hash,
			resource_id, last_synced_hash, last_synced_modified
		FROM items WHERE resource_id=?`, resourceID)

	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, false, nil
	} else if err != nil {
		return Item{}, false, err
	}

	return it, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var (
		it         Item
		kind       string
		size       sql.NullInt64
		hash       sql.NullString
		resourceID sql.NullString
		lsHash     sql.NullString
		lsModified sql.NullInt64
	)

	err := row.Scan(&it.Path, &it.ParentPath, &it.Name, &kind, &size, &it.Modified,
		&hash, &resourceID, &lsHash, &lsModified)
	if err != nil {
		return Item{}, storageErr("scan_item", err)
	}

	it.Kind = Kind(kind)
	it.Size = ptrInt64(size)
	it.ContentHash = hash.String
	it.ResourceID = resourceID.String
	it.LastSyncedHash = lsHash.String
	it.LastSyncedModified = ptrInt64(lsModified)

	return it, nil
}

// GetState returns the sync state row for path.
func (s *Store) GetState(ctx context.Context, path string) (State, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, state, pinned, last_error, retry_at, last_success_at,
			last_error_at, dirty
		FROM states WHERE path=?`, path)

	var (
		st        State
		pinned    int
		lastError sql.NullString
		retryAt   sql.NullInt64
		lastOK    sql.NullInt64
		lastErrAt sql.NullInt64
		dirty     int
	)

	err := row.Scan(&st.Path, &st.State, &pinned, &lastError, &retryAt, &lastOK, &lastErrAt, &dirty)
	if err == sql.ErrNoRows {
		return State{}, false, nil
	} else if err != nil {
		return State{}, false, storageErr("get_state", err)
	}

	st.Pinned = pinned != 0
	st.Dirty = dirty != 0
	st.LastError = lastError.String
	st.RetryAt = ptrInt64(retryAt)
	st.LastSuccessAt = ptrInt64(lastOK)
	st.LastErrorAt = ptrInt64(lastErrAt)

	return st, true, nil
}

// ListConflicts returns every recorded conflict, newest first.
func (s *Store) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, renamed_local, created, reason FROM conflicts
		ORDER BY created DESC`)
	if err != nil {
		return nil, storageErr("list_conflicts", err)
	}
	defer rows.Close()

	var out []Conflict

	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.Path, &c.RenamedLocal, &c.Created, &c.Reason); err != nil {
			return nil, storageErr("list_conflicts: scan", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

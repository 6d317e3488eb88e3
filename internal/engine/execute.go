package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdpath "path"
	"time"

	"github.com/nordkyrie/yadisksync/internal/backoff"
	"github.com/nordkyrie/yadisksync/internal/opsqueue"
	"github.com/nordkyrie/yadisksync/internal/restapi"
	"github.com/nordkyrie/yadisksync/internal/store"
	"github.com/nordkyrie/yadisksync/internal/transfer"
)

// runOp executes one claimed op and carries it to its terminal outcome:
// Complete on success, Reschedule on a transient failure, or FailPermanent
// once attempts are exhausted or the error is non-retryable.
func (e *Engine) runOp(ctx context.Context, op store.Op) {
	if err := e.store.SetState(ctx, op.Path, store.StateSyncing, "", nil); err != nil {
		e.logger.Warn("failed to mark path syncing", slog.String("path", op.Path), slog.String("error", err.Error()))
	}

	err := e.execute(ctx, op, false)
	if err == nil {
		e.onSuccess(ctx, op)
		return
	}

	e.onFailure(ctx, op, err)
}

// execute dispatches op to its kind-specific handler. retriedAuth guards
// against looping forever on a persistently-invalid token.
func (e *Engine) execute(ctx context.Context, op store.Op, retriedAuth bool) error {
	var err error

	switch op.Kind {
	case store.OpDownload:
		err = e.executeDownload(ctx, op)
	case store.OpUpload:
		err = e.executeUpload(ctx, op)
	case store.OpMove:
		err = e.executeMove(ctx, op)
	case store.OpCopy:
		err = e.executeCopy(ctx, op)
	case store.OpDelete:
		err = e.executeDelete(ctx, op)
	case store.OpMkdir:
		err = e.executeMkdir(ctx, op)
	default:
		return fmt.Errorf("engine: unknown op kind %q", op.Kind)
	}

	if err == nil {
		return nil
	}

	classified := classify(err)

	if classified.Kind == restapi.KindAuth && !retriedAuth && e.tokens != nil {
		if _, refreshErr := e.tokens.ForceRefresh(ctx); refreshErr == nil {
			return e.execute(ctx, op, true)
		}
	}

	return err
}

func (e *Engine) executeDownload(ctx context.Context, op store.Op) error {
	item, found, err := e.store.GetItem(ctx, op.Path)
	if err != nil {
		return err
	}

	if !found {
		return restapi.ErrNotFound
	}

	result, err := e.transfer.Download(ctx, op.Path, e.localPath(op.Path), item.ContentHash)
	if err != nil {
		return err
	}

	e.selfWrite.Mark(op.Path)

	if err := e.store.UpsertItem(ctx, op.Path, store.ItemFields{
		ParentPath:  item.ParentPath,
		Name:        item.Name,
		Kind:        item.Kind,
		Size:        int64Ptr(result.Size),
		Modified:    item.Modified,
		ContentHash: result.Hash,
		ResourceID:  item.ResourceID,
	}); err != nil {
		return err
	}

	if err := e.store.MarkSynced(ctx, op.Path); err != nil {
		return err
	}

	return e.store.SetState(ctx, op.Path, store.StateCached, "", nil)
}

func (e *Engine) executeUpload(ctx context.Context, op store.Op) error {
	result, err := e.transfer.Upload(ctx, e.localPath(op.Path), op.Path)
	if err != nil {
		return err
	}

	info, found, err := e.store.GetItem(ctx, op.Path)
	if err != nil {
		return err
	}

	if !found {
		return restapi.ErrNotFound
	}

	if err := e.store.UpsertItem(ctx, op.Path, store.ItemFields{
		ParentPath:  info.ParentPath,
		Name:        info.Name,
		Kind:        info.Kind,
		Size:        int64Ptr(result.Size),
		Modified:    info.Modified,
		ContentHash: result.Hash,
		ResourceID:  info.ResourceID,
	}); err != nil {
		return err
	}

	if err := e.store.MarkSynced(ctx, op.Path); err != nil {
		return err
	}

	return e.store.SetState(ctx, op.Path, store.StateCached, "", nil)
}

func (e *Engine) executeMove(ctx context.Context, op store.Op) error {
	move, err := opsqueue.DecodeMovePayload(op.Payload)
	if err != nil {
		return fmt.Errorf("engine: move %s: %w", op.Path, err)
	}

	result, err := e.rest.Move(ctx, op.Path, move.To)
	if err != nil {
		return err
	}

	if err := e.awaitAsync(ctx, result); err != nil {
		return err
	}

	// The index already reflects the rename — the watcher applied it at
	// enqueue time, since the local filesystem had already moved. Refresh
	// the resource id so a subsequent reconcile pass recognizes the item.
	info, err := e.rest.GetResource(ctx, move.To)
	if err != nil {
		return err
	}

	item, found, err := e.store.GetItem(ctx, move.To)
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	return e.store.UpsertItem(ctx, move.To, store.ItemFields{
		ParentPath:  item.ParentPath,
		Name:        item.Name,
		Kind:        item.Kind,
		Size:        item.Size,
		Modified:    item.Modified,
		ContentHash: item.ContentHash,
		ResourceID:  info.ResourceID,
	})
}

func (e *Engine) executeCopy(ctx context.Context, op store.Op) error {
	move, err := opsqueue.DecodeMovePayload(op.Payload)
	if err != nil {
		return fmt.Errorf("engine: copy %s: %w", op.Path, err)
	}

	result, err := e.rest.Copy(ctx, op.Path, move.To)
	if err != nil {
		return err
	}

	if err := e.awaitAsync(ctx, result); err != nil {
		return err
	}

	info, err := e.rest.GetResource(ctx, move.To)
	if err != nil {
		return err
	}

	return e.store.UpsertItem(ctx, move.To, store.ItemFields{
		ParentPath:         parentOf(move.To),
		Name:               nameOf(move.To),
		Kind:               kindOf(info.Kind),
		Size:               int64Ptr(info.Size),
		Modified:           info.Modified,
		ContentHash:        info.Hash,
		ResourceID:         info.ResourceID,
		SetLastSynced:      true,
		LastSyncedHash:     info.Hash,
		LastSyncedModified: int64Ptr(info.Modified),
	})
}

func (e *Engine) executeDelete(ctx context.Context, op store.Op) error {
	result, err := e.rest.Delete(ctx, op.Path)
	if err != nil {
		if errors.Is(err, restapi.ErrNotFound) {
			return e.store.DeleteItem(ctx, op.Path)
		}

		return err
	}

	if err := e.awaitAsync(ctx, result); err != nil {
		return err
	}

	return e.store.DeleteItem(ctx, op.Path)
}

func (e *Engine) executeMkdir(ctx context.Context, op store.Op) error {
	result, err := e.rest.CreateFolder(ctx, op.Path)
	if err != nil {
		return err
	}

	if err := e.awaitAsync(ctx, result); err != nil {
		return err
	}

	info, err := e.rest.GetResource(ctx, op.Path)
	if err != nil {
		return err
	}

	if err := e.store.UpsertItem(ctx, op.Path, store.ItemFields{
		ParentPath:         parentOf(op.Path),
		Name:               nameOf(op.Path),
		Kind:               store.KindDir,
		Modified:           info.Modified,
		ResourceID:         info.ResourceID,
		SetLastSynced:      true,
		LastSyncedModified: int64Ptr(info.Modified),
	}); err != nil {
		return err
	}

	return e.store.SetState(ctx, op.Path, store.StateCached, "", nil)
}

// awaitAsync polls an async server operation until it succeeds, fails, or
// AsyncPollMaxWait elapses, using the package backoff schedule between
// polls.
func (e *Engine) awaitAsync(ctx context.Context, result restapi.AsyncResult) error {
	if result.Done {
		return nil
	}

	deadline := e.nowFunc().Add(e.cfg.AsyncPollMaxWait)

	for attempt := 0; ; attempt++ {
		if e.nowFunc().After(deadline) {
			return &restapi.ClassifiedError{Kind: restapi.KindTransient, Message: "async operation timed out", Err: restapi.ErrTransient}
		}

		status, err := e.rest.GetOperationStatus(ctx, result.OperationID)
		if err != nil {
			return err
		}

		switch status {
		case restapi.OperationSuccess:
			return nil
		case restapi.OperationFailed:
			return &restapi.ClassifiedError{Kind: restapi.KindPermanent, Message: "async operation failed", Err: restapi.ErrPermanent}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.DefaultDelay(attempt)):
		}
	}
}

// classify maps a collaborator error to its ErrKind, defaulting to
// transient for anything unrecognized rather than risking a spurious
// permanent failure.
func classify(err error) *restapi.ClassifiedError {
	var classified *restapi.ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	var integrity *transfer.IntegrityError
	if errors.As(err, &integrity) {
		return &restapi.ClassifiedError{Kind: restapi.KindIntegrity, Message: err.Error(), Err: err}
	}

	var storageErr *store.StorageError
	if errors.As(err, &storageErr) {
		return &restapi.ClassifiedError{Kind: restapi.KindStorage, Message: err.Error(), Err: err}
	}

	return &restapi.ClassifiedError{Kind: restapi.KindTransient, Message: err.Error(), Err: err}
}

func (e *Engine) onSuccess(ctx context.Context, op store.Op) {
	if err := e.queue.Complete(ctx, op.ID); err != nil {
		e.logger.Warn("failed to complete op", slog.Int64("op_id", op.ID), slog.String("error", err.Error()))
	}

	e.lastFailedMu.Lock()
	delete(e.lastFailed, op.Path)
	e.lastFailedMu.Unlock()

	st, found, err := e.store.GetState(ctx, op.Path)
	state := string(store.StateCached)

	if op.Kind == store.OpDelete {
		state = "deleted"
	} else if err == nil && found {
		state = string(st.State)
	}

	e.notifier.NotifyStateChanged(op.Path, state)
}

func (e *Engine) onFailure(ctx context.Context, op store.Op, opErr error) {
	classified := classify(opErr)

	logger := e.logger.With(slog.String("path", op.Path), slog.String("kind", string(op.Kind)), slog.String("error", opErr.Error()))

	switch classified.Kind {
	case restapi.KindNotFound:
		e.handleNotFound(ctx, op, logger)
	case restapi.KindIntegrity:
		if op.Attempt < e.cfg.MaxIntegrityRetries {
			e.reschedule(ctx, op, classified.Message, logger)
			return
		}

		e.failPermanent(ctx, op, classified.Message, logger)
	case restapi.KindPermanent, restapi.KindAuth:
		e.failPermanent(ctx, op, classified.Message, logger)
	default:
		// Transient and storage failures both retry with backoff; storage
		// failures surface as transient per the error-handling taxonomy.
		if op.Attempt+1 >= e.cfg.MaxAttempts {
			e.failPermanent(ctx, op, classified.Message, logger)
			return
		}

		e.reschedule(ctx, op, classified.Message, logger)
	}
}

func (e *Engine) handleNotFound(ctx context.Context, op store.Op, logger *slog.Logger) {
	_, found, err := e.store.GetItem(ctx, op.Path)
	if err != nil {
		logger.Warn("looking up item after not_found failed", slog.String("lookup_error", err.Error()))
	}

	if found {
		if delErr := e.store.DeleteItem(ctx, op.Path); delErr != nil {
			logger.Warn("failed to drop item after not_found", slog.String("delete_error", delErr.Error()))
		}

		if compErr := e.queue.Complete(ctx, op.ID); compErr != nil {
			logger.Warn("failed to complete op after not_found", slog.String("complete_error", compErr.Error()))
		}

		e.notifier.NotifyStateChanged(op.Path, "deleted")

		return
	}

	e.failPermanent(ctx, op, "referenced resource no longer exists", logger)
}

func (e *Engine) reschedule(ctx context.Context, op store.Op, reason string, logger *slog.Logger) {
	attempt := op.Attempt + 1
	delay := backoff.DefaultDelay(attempt)

	if err := e.queue.Reschedule(ctx, op.ID, attempt, delay); err != nil {
		logger.Warn("failed to reschedule op", slog.String("reschedule_error", err.Error()))
	}

	retryAt := e.nowFunc().Add(delay).Unix()
	if err := e.store.SetState(ctx, op.Path, store.StateError, reason, &retryAt); err != nil {
		logger.Warn("failed to record transient error state", slog.String("set_state_error", err.Error()))
	}

	logger.Info("op rescheduled", slog.Int("attempt", attempt), slog.Duration("delay", delay))
}

func (e *Engine) failPermanent(ctx context.Context, op store.Op, reason string, logger *slog.Logger) {
	if err := e.queue.FailPermanent(ctx, op.ID); err != nil {
		logger.Warn("failed to drop permanently-failed op", slog.String("fail_permanent_error", err.Error()))
	}

	if err := e.store.SetState(ctx, op.Path, store.StateError, reason, nil); err != nil {
		logger.Warn("failed to record permanent error state", slog.String("set_state_error", err.Error()))
	}

	e.lastFailedMu.Lock()
	e.lastFailed[op.Path] = op
	e.lastFailedMu.Unlock()

	e.notifier.NotifyStateChanged(op.Path, string(store.StateError))

	logger.Warn("op failed permanently")
}

func int64Ptr(v int64) *int64 { return &v }

// parentOf and nameOf split an index path ("/dir/name.txt") the way
// upsert_item expects, for ops whose only source of truth is the remote
// resource rather than an existing index row.
func parentOf(path string) string {
	dir := stdpath.Dir(path)
	if dir == "." {
		return "/"
	}

	return dir
}

func nameOf(path string) string {
	return stdpath.Base(path)
}

func kindOf(remoteKind string) store.Kind {
	if remoteKind == "dir" {
		return store.KindDir
	}

	return store.KindFile
}

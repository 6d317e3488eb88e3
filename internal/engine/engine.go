// Package engine is the single-threaded cooperative dispatcher that drains
// the ops queue, executes each op against the remote store through the
// transfer and REST clients, and resolves three-way conflicts and cache
// pressure in the background. It is the one component that holds every
// other collaborator (index, queue, transfer, REST, resolver, reconciler,
// notifier); none of them holds it back.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nordkyrie/yadisksync/internal/conflictresolve"
	"github.com/nordkyrie/yadisksync/internal/notifier"
	"github.com/nordkyrie/yadisksync/internal/opsqueue"
	"github.com/nordkyrie/yadisksync/internal/reconciler"
	"github.com/nordkyrie/yadisksync/internal/restapi"
	"github.com/nordkyrie/yadisksync/internal/store"
	"github.com/nordkyrie/yadisksync/internal/transfer"
)

// Default tunables, per the IPC config table.
const (
	DefaultMaxWorkers          = 8
	DefaultMaxAttempts         = 8
	DefaultMaxIntegrityRetries = 3
	DefaultReconcileInterval   = 30 * time.Second
	DefaultCacheSizeBytes      = 10 * (1 << 30)
	DefaultTickInterval        = 200 * time.Millisecond
	DefaultAsyncPollMaxWait    = 10 * time.Minute
	DefaultShutdownGrace       = 10 * time.Second

	// RetryPriority boosts an operator-triggered Retry above routine traffic.
	RetryPriority = 10
)

// TransferClient is the capability interface the engine needs from
// internal/transfer, narrowed so tests can substitute a fake instead of
// driving real HTTP transfer URLs.
type TransferClient interface {
	Download(ctx context.Context, remotePath, cachePath, expectedHash string) (transfer.Result, error)
	Upload(ctx context.Context, cachePath, remotePath string) (transfer.Result, error)
}

// Config holds the engine's tunables; a zero Config resolves to the
// defaults above.
type Config struct {
	MaxWorkers          int
	MaxAttempts         int
	MaxIntegrityRetries int
	ReconcileInterval   time.Duration
	CacheSizeBytes      int64
	DisableLocalWatcher bool
	TickInterval        time.Duration
	AsyncPollMaxWait    time.Duration
	ShutdownGrace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.MaxIntegrityRetries <= 0 {
		c.MaxIntegrityRetries = DefaultMaxIntegrityRetries
	}

	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}

	if c.CacheSizeBytes <= 0 {
		c.CacheSizeBytes = DefaultCacheSizeBytes
	}

	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}

	if c.AsyncPollMaxWait <= 0 {
		c.AsyncPollMaxWait = DefaultAsyncPollMaxWait
	}

	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}

	return c
}

// Engine is the dispatcher: a ticker drives pop_ready, a bounded worker pool
// executes ops concurrently under per-path locks, and periodic background
// tasks reconcile, scan for conflicts, and evict cold cache entries.
type Engine struct {
	store      *store.Store
	queue      *opsqueue.Queue
	rest       restapi.Client
	tokens     restapi.TokenProvider
	transfer   TransferClient
	resolver   *conflictresolve.Resolver
	reconciler *reconciler.Reconciler
	notifier   *notifier.Notifier
	syncRoot   string
	logger     *slog.Logger
	cfg        Config
	nowFunc    func() time.Time

	sem    *semaphore.Weighted
	active atomic.Int64

	locksMu   sync.Mutex
	pathLocks map[string]*sync.Mutex

	selfWrite *selfWriteSet

	reconcileRunning atomic.Bool
	nextReconcileAt  time.Time
	reconcileNow     chan struct{}

	lastFailedMu sync.Mutex
	lastFailed   map[string]store.Op
}

// New wires an Engine over its collaborators. tokens may be nil if rest
// handles its own refresh internally.
func New(
	s *store.Store,
	q *opsqueue.Queue,
	rest restapi.Client,
	tokens restapi.TokenProvider,
	transferClient TransferClient,
	resolver *conflictresolve.Resolver,
	rec *reconciler.Reconciler,
	n *notifier.Notifier,
	syncRoot string,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	cfg = cfg.withDefaults()

	return &Engine{
		store:        s,
		queue:        q,
		rest:         rest,
		tokens:       tokens,
		transfer:     transferClient,
		resolver:     resolver,
		reconciler:   rec,
		notifier:     n,
		syncRoot:     syncRoot,
		logger:       logger,
		cfg:          cfg,
		nowFunc:      time.Now,
		sem:          semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		pathLocks:    make(map[string]*sync.Mutex),
		selfWrite:    newSelfWriteSet(),
		lastFailed:   make(map[string]store.Op),
		reconcileNow: make(chan struct{}, 1),
	}
}

// TriggerReconcile requests an immediate reconcile pass on top of the
// periodic schedule, without blocking the caller. It is safe to call from
// any goroutine — most notably the daemon's SIGHUP handler, the analogue of
// the Remote Reconciler's "explicit Sync() request" trigger. A request is
// dropped (not queued) if one is already pending or a pass is in flight.
func (e *Engine) TriggerReconcile() {
	select {
	case e.reconcileNow <- struct{}{}:
	default:
	}
}

// SetNowFunc overrides the engine's clock; for tests only.
func (e *Engine) SetNowFunc(f func() time.Time) {
	e.nowFunc = f
}

// Run drives the tick loop until ctx is cancelled, then waits up to
// ShutdownGrace for in-flight ops to finish before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.cleanupPartials()
	e.nextReconcileAt = e.nowFunc()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	cacheTicker := time.NewTicker(e.cfg.ReconcileInterval)
	defer cacheTicker.Stop()

	var wg sync.WaitGroup
	defer e.awaitShutdown(&wg)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tick(ctx, &wg)
		case <-cacheTicker.C:
			e.runCacheEviction(ctx)
		case <-e.reconcileNow:
			e.nextReconcileAt = e.nowFunc().Add(e.cfg.ReconcileInterval)
			e.runReconcilePass(ctx, &wg)
		}
	}
}

// awaitShutdown blocks until every dispatched op drains or ShutdownGrace
// expires, whichever comes first. Dispatched ops run under Run's ctx, so
// their transfers have already seen the cancellation; an op still running
// when the grace expires is abandoned rather than waited on further.
func (e *Engine) awaitShutdown(wg *sync.WaitGroup) {
	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped, all in-flight ops drained")
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("engine shutdown grace period expired, abandoning in-flight ops",
			slog.Duration("grace", e.cfg.ShutdownGrace))
	}
}

func (e *Engine) tick(ctx context.Context, wg *sync.WaitGroup) {
	now := e.nowFunc()

	e.maybeReconcile(ctx, now, wg)

	free := e.cfg.MaxWorkers - int(e.active.Load())
	if free <= 0 {
		return
	}

	ops, err := e.queue.PopReady(ctx, now, free)
	if err != nil {
		e.logger.Warn("pop_ready failed", slog.String("error", err.Error()))
		return
	}

	for _, op := range ops {
		e.dispatch(ctx, wg, op)
	}
}

func (e *Engine) maybeReconcile(ctx context.Context, now time.Time, wg *sync.WaitGroup) {
	if now.Before(e.nextReconcileAt) {
		return
	}

	e.nextReconcileAt = now.Add(e.cfg.ReconcileInterval)
	e.runReconcilePass(ctx, wg)
}

// runReconcilePass launches a reconcile pass in the background, unless one
// is already running, in which case the request is simply dropped — the
// next periodic tick or TriggerReconcile call will try again. Shared by the
// interval-gated path in maybeReconcile and the on-demand path in Run's
// reconcileNow case.
func (e *Engine) runReconcilePass(ctx context.Context, wg *sync.WaitGroup) {
	if !e.reconcileRunning.CompareAndSwap(false, true) {
		return
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer e.reconcileRunning.Store(false)

		if err := e.reconciler.Run(ctx, false); err != nil {
			e.logger.Warn("reconcile pass failed", slog.String("error", err.Error()))
		}

		e.runConflictScan(ctx)
	}()
}

// localPath maps an index path ("/a.txt") to its location under syncRoot.
func (e *Engine) localPath(itemPath string) string {
	return filepath.Join(e.syncRoot, filepath.FromSlash(strings.TrimPrefix(itemPath, "/")))
}

// cleanupPartials removes any ".partial" file left behind by a download that
// was interrupted by a crash or an abandoned shutdown; transfer never
// resumes a partial, so a stale one only wastes cache space.
func (e *Engine) cleanupPartials() {
	err := filepath.WalkDir(e.syncRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}

		if d.IsDir() || !strings.HasSuffix(path, ".partial") {
			return nil
		}

		if rmErr := os.Remove(path); rmErr != nil {
			e.logger.Warn("failed to remove stale partial", slog.String("path", path), slog.String("error", rmErr.Error()))
		} else {
			e.logger.Info("removed stale partial left by a prior run", slog.String("path", path))
		}

		return nil
	})
	if err != nil {
		e.logger.Warn("partial cleanup walk failed", slog.String("error", err.Error()))
	}
}

// Download enqueues an on-demand fetch of path, e.g. in response to the
// virtual placeholder being opened.
func (e *Engine) Download(ctx context.Context, path string) error {
	return e.queue.Enqueue(ctx, store.OpDownload, path, "", RetryPriority)
}

// Pin marks path as exempt from cache eviction and, if it's currently
// cloud-only, enqueues an immediate download.
func (e *Engine) Pin(ctx context.Context, path string, pinned bool) error {
	if err := e.store.SetPinned(ctx, path, pinned); err != nil {
		return err
	}

	if !pinned {
		return nil
	}

	st, found, err := e.store.GetState(ctx, path)
	if err != nil {
		return err
	}

	if found && st.State == store.StateCloudOnly {
		return e.queue.Enqueue(ctx, store.OpDownload, path, "", RetryPriority)
	}

	return nil
}

// Evict removes path's cached bytes and reverts it to cloud-only, waiting
// for any in-flight op on path to finish first. It refuses a dirty or
// pinned path outright.
func (e *Engine) Evict(ctx context.Context, path string) error {
	e.lockPathBlocking(path)
	defer e.unlockPath(path)

	st, found, err := e.store.GetState(ctx, path)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("engine: evict %s: not tracked", path)
	}

	if st.Dirty {
		return fmt.Errorf("engine: evict %s: refusing, local edits not yet uploaded", path)
	}

	if st.Pinned {
		return fmt.Errorf("engine: evict %s: refusing, path is pinned", path)
	}

	if err := os.Remove(e.localPath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("engine: evict %s: %w", path, err)
	}

	if err := e.store.SetState(ctx, path, store.StateCloudOnly, "", nil); err != nil {
		return err
	}

	e.notifier.NotifyStateChanged(path, string(store.StateCloudOnly))

	return nil
}

// Retry clears path's error state and re-enqueues its most recently failed
// op, if the engine still remembers one. The ops_queue row itself is gone by
// the time an op reaches permanent failure (fail_permanent deletes it), so
// the engine keeps a small in-memory record of what to rebuild.
func (e *Engine) Retry(ctx context.Context, path string) error {
	e.lastFailedMu.Lock()
	op, ok := e.lastFailed[path]
	e.lastFailedMu.Unlock()

	if !ok {
		return fmt.Errorf("engine: retry %s: no recorded failure to retry", path)
	}

	if err := e.store.SetState(ctx, path, store.StateCloudOnly, "", nil); err != nil {
		return err
	}

	return e.queue.Enqueue(ctx, op.Kind, op.Path, op.Payload, op.Priority+RetryPriority)
}

// GetState reports the current sync state of path.
func (e *Engine) GetState(ctx context.Context, path string) (store.SyncState, error) {
	st, found, err := e.store.GetState(ctx, path)
	if err != nil {
		return "", err
	}

	if !found {
		return "", fmt.Errorf("engine: get_state %s: not tracked", path)
	}

	return st.State, nil
}

// ListConflicts returns the recorded conflict history.
func (e *Engine) ListConflicts(ctx context.Context) ([]store.Conflict, error) {
	return e.store.ListConflicts(ctx)
}

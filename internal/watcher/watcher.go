// Package watcher turns raw fsnotify events on the sync root into durable
// ops-queue entries, debouncing bursts of events per path and deferring to
// the engine's self-write suppression so downloads the engine itself wrote
// don't bounce back as local edits.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"github.com/nordkyrie/yadisksync/internal/opsqueue"
	"github.com/nordkyrie/yadisksync/internal/store"
)

// DefaultDebounce coalesces a burst of events on the same path into one op.
const DefaultDebounce = 200 * time.Millisecond

// DefaultSafetyScanInterval is how often a full local walk runs to catch any
// events fsnotify dropped (buffer overflow, brief watcher gaps).
const DefaultSafetyScanInterval = 5 * time.Minute

// DefaultRenameWindow bounds how long a vanished path's content hash is kept
// around to be matched against a subsequent create elsewhere in the tree.
// fsnotify (unlike the remote API's resource_id) gives no stable identifier
// linking the two halves of an OS-level rename, so pairing is done by
// content hash within this short window instead.
const DefaultRenameWindow = 500 * time.Millisecond

// SelfWriteSuppressor lets the engine mark a path as just-written by itself
// (a download landing in the sync tree) so the watcher's next event for that
// path is swallowed instead of turning into a spurious re-upload. Ownership
// of the set lives with the engine; the watcher only consumes it.
type SelfWriteSuppressor interface {
	ConsumeSelfWrite(path string) bool
}

// FsWatcher abstracts fsnotify for testability.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct{ w *fsnotify.Watcher }

func (f *fsnotifyWrapper) Add(name string) error        { return f.w.Add(name) }
func (f *fsnotifyWrapper) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWrapper) Close() error                  { return f.w.Close() }
func (f *fsnotifyWrapper) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWrapper) Errors() <-chan error          { return f.w.Errors }

// Watcher watches the sync root and enqueues ops for local filesystem
// changes, debounced per path.
type Watcher struct {
	root       string
	store      *store.Store
	queue      *opsqueue.Queue
	suppressor SelfWriteSuppressor
	logger     *slog.Logger

	debounce           time.Duration
	safetyScanInterval time.Duration
	renameWindow       time.Duration
	watcherFactory     func() (FsWatcher, error)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	fsw     FsWatcher
	pending map[string]*pendingVanish
}

// pendingVanish tracks a path whose file disappeared, waiting briefly to see
// whether a matching-hash create shows up elsewhere (a rename) before
// finalizing it as a delete.
type pendingVanish struct {
	hash  string
	timer *time.Timer
}

// Option configures a Watcher beyond its required collaborators.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithSafetyScanInterval overrides DefaultSafetyScanInterval.
func WithSafetyScanInterval(d time.Duration) Option {
	return func(w *Watcher) { w.safetyScanInterval = d }
}

// WithRenameWindow overrides DefaultRenameWindow.
func WithRenameWindow(d time.Duration) Option {
	return func(w *Watcher) { w.renameWindow = d }
}

// withWatcherFactory overrides how the underlying FsWatcher is constructed;
// for tests only.
func withWatcherFactory(f func() (FsWatcher, error)) Option {
	return func(w *Watcher) { w.watcherFactory = f }
}

// New returns a Watcher rooted at root.
func New(root string, s *store.Store, q *opsqueue.Queue, suppressor SelfWriteSuppressor, logger *slog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		root:               root,
		store:              s,
		queue:              q,
		suppressor:         suppressor,
		logger:             logger,
		debounce:           DefaultDebounce,
		safetyScanInterval: DefaultSafetyScanInterval,
		renameWindow:       DefaultRenameWindow,
		timers:             make(map[string]*time.Timer),
		pending:            make(map[string]*pendingVanish),
	}

	w.watcherFactory = func() (FsWatcher, error) {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}

		return &fsnotifyWrapper{w: fw}, nil
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run adds recursive watches under root and blocks processing events until
// ctx is canceled, at which point it returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := w.watcherFactory()
	if err != nil {
		return fmt.Errorf("watcher: creating filesystem watcher: %w", err)
	}
	defer fsw.Close()

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	if err := w.addWatchesRecursive(fsw, w.root); err != nil {
		return fmt.Errorf("watcher: adding initial watches: %w", err)
	}

	return w.loop(ctx, fsw)
}

func (w *Watcher) addWatchesRecursive(fsw FsWatcher, dir string) error {
	return filepath.WalkDir(dir, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("walk error adding watches", slog.String("path", fsPath), slog.String("error", walkErr.Error()))
			return skipEntry(d)
		}

		if !d.IsDir() {
			return nil
		}

		if fsPath != dir && isAlwaysExcluded(d.Name()) {
			return filepath.SkipDir
		}

		if addErr := fsw.Add(fsPath); addErr != nil {
			w.logger.Warn("failed to add watch", slog.String("path", fsPath), slog.String("error", addErr.Error()))
		}

		return nil
	})
}

func (w *Watcher) loop(ctx context.Context, fsw FsWatcher) error {
	ticker := time.NewTicker(w.safetyScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events():
			if !ok {
				return nil
			}

			w.handleEvent(ev)

		case err, ok := <-fsw.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.runSafetyScan(ctx)
		}
	}
}

// handleEvent resolves the event's index path and (re)schedules its debounce
// timer; the actual classification happens when the timer fires, against
// the filesystem's state at that time rather than the event itself, so a
// rapid create+write+rename burst collapses into one correct outcome.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	itemPath, err := w.itemPath(ev.Name)
	if err != nil {
		w.logger.Warn("failed to resolve event path", slog.String("path", ev.Name), slog.String("error", err.Error()))
		return
	}

	name := filepath.Base(ev.Name)
	if isAlwaysExcluded(name) {
		return
	}

	w.schedule(itemPath)
}

func (w *Watcher) schedule(itemPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[itemPath]; ok {
		t.Stop()
	}

	w.timers[itemPath] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, itemPath)
		w.mu.Unlock()

		w.flush(context.Background(), itemPath)
	})
}

// flush classifies the current on-disk state at itemPath and applies the
// corresponding index/queue update.
func (w *Watcher) flush(ctx context.Context, itemPath string) {
	if w.suppressor != nil && w.suppressor.ConsumeSelfWrite(itemPath) {
		w.logger.Debug("suppressing self-write", slog.String("path", itemPath))
		return
	}

	localPath := w.localPath(itemPath)

	info, err := os.Stat(localPath)
	if errors.Is(err, os.ErrNotExist) {
		w.handleVanished(ctx, itemPath)
		return
	}

	if err != nil {
		w.logger.Warn("stat failed", slog.String("path", itemPath), slog.String("error", err.Error()))
		return
	}

	if info.IsDir() {
		w.handleDirectoryPresent(ctx, itemPath, info)
		return
	}

	w.handleFilePresent(ctx, itemPath, localPath, info)
}

// handleVanished does not immediately enqueue a delete: fsnotify gives no
// stable identifier linking the two halves of an OS-level rename, so the
// item's last-known content hash is held in w.pending for renameWindow in
// case a matching create shows up elsewhere in the tree first. If nothing
// claims it within the window, finalizeVanished enqueues the delete.
func (w *Watcher) handleVanished(ctx context.Context, itemPath string) {
	item, found, err := w.store.GetItem(ctx, itemPath)
	if err != nil {
		w.logger.Warn("index lookup failed for vanished path", slog.String("path", itemPath), slog.String("error", err.Error()))
		return
	}

	if !found {
		return
	}

	if item.Kind != store.KindFile || item.ContentHash == "" {
		if err := w.queue.Enqueue(ctx, store.OpDelete, itemPath, "", 0); err != nil {
			w.logger.Warn("failed to enqueue delete", slog.String("path", itemPath), slog.String("error", err.Error()))
		}

		return
	}

	w.mu.Lock()
	if existing, ok := w.pending[itemPath]; ok {
		existing.timer.Stop()
	}

	pv := &pendingVanish{hash: item.ContentHash}
	pv.timer = time.AfterFunc(w.renameWindow, func() { w.finalizeVanished(context.Background(), itemPath) })
	w.pending[itemPath] = pv
	w.mu.Unlock()
}

// finalizeVanished enqueues the delete for a path whose disappearance was
// never claimed as the source half of a rename within the window.
func (w *Watcher) finalizeVanished(ctx context.Context, itemPath string) {
	w.mu.Lock()
	if _, ok := w.pending[itemPath]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, itemPath)
	w.mu.Unlock()

	if err := w.queue.Enqueue(ctx, store.OpDelete, itemPath, "", 0); err != nil {
		w.logger.Warn("failed to enqueue delete", slog.String("path", itemPath), slog.String("error", err.Error()))
	}
}

// claimPendingRename looks for a pending vanish matching hash, removes and
// cancels it, and reports whether one was found (and its source path).
func (w *Watcher) claimPendingRename(hash string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for oldPath, pv := range w.pending {
		if pv.hash == hash {
			pv.timer.Stop()
			delete(w.pending, oldPath)
			return oldPath, true
		}
	}

	return "", false
}

// handleRename pairs a vanished path with a just-created one sharing its
// content hash: the index is updated to reflect the local move immediately
// (the filesystem has already moved on), and an OpMove is queued so the
// engine brings the remote side in line.
func (w *Watcher) handleRename(ctx context.Context, oldPath, newPath string) {
	if err := w.store.RenameItem(ctx, oldPath, newPath); err != nil {
		w.logger.Warn("failed to rename item in index", slog.String("from", oldPath), slog.String("to", newPath), slog.String("error", err.Error()))
		return
	}

	payload, err := opsqueue.EncodeMovePayload(newPath)
	if err != nil {
		w.logger.Warn("failed to encode move payload", slog.String("error", err.Error()))
		return
	}

	if err := w.queue.Enqueue(ctx, store.OpMove, oldPath, payload, 0); err != nil {
		w.logger.Warn("failed to enqueue move", slog.String("from", oldPath), slog.String("to", newPath), slog.String("error", err.Error()))
	}
}

func (w *Watcher) handleDirectoryPresent(ctx context.Context, itemPath string, info os.FileInfo) {
	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()

	if fsw != nil {
		if err := fsw.Add(w.localPath(itemPath)); err != nil {
			w.logger.Debug("failed to add watch on directory", slog.String("path", itemPath), slog.String("error", err.Error()))
		}
	}

	_, found, err := w.store.GetItem(ctx, itemPath)
	if err != nil {
		w.logger.Warn("index lookup failed", slog.String("path", itemPath), slog.String("error", err.Error()))
		return
	}

	if found {
		return
	}

	if err := w.store.UpsertItem(ctx, itemPath, store.ItemFields{
		ParentPath: parentOf(itemPath),
		Name:       filepath.Base(itemPath),
		Kind:       store.KindDir,
		Modified:   info.ModTime().Unix(),
	}); err != nil {
		w.logger.Warn("failed to index new directory", slog.String("path", itemPath), slog.String("error", err.Error()))
		return
	}

	if err := w.queue.Enqueue(ctx, store.OpMkdir, itemPath, "", 0); err != nil {
		w.logger.Warn("failed to enqueue mkdir", slog.String("path", itemPath), slog.String("error", err.Error()))
	}
}

func (w *Watcher) handleFilePresent(ctx context.Context, itemPath, localPath string, info os.FileInfo) {
	existing, found, err := w.store.GetItem(ctx, itemPath)
	if err != nil {
		w.logger.Warn("index lookup failed", slog.String("path", itemPath), slog.String("error", err.Error()))
		return
	}

	hash, err := hashFile(localPath)
	if err != nil {
		w.logger.Warn("hashing failed", slog.String("path", itemPath), slog.String("error", err.Error()))
		return
	}

	if found && hash == existing.LastSyncedHash {
		return
	}

	if !found {
		if oldPath, ok := w.claimPendingRename(hash); ok && oldPath != itemPath {
			w.handleRename(ctx, oldPath, itemPath)
			return
		}
	}

	size := info.Size()

	if err := w.store.UpsertItem(ctx, itemPath, store.ItemFields{
		ParentPath:  parentOf(itemPath),
		Name:        filepath.Base(itemPath),
		Kind:        store.KindFile,
		Size:        &size,
		Modified:    info.ModTime().Unix(),
		ContentHash: hash,
		ResourceID:  existing.ResourceID,
	}); err != nil {
		w.logger.Warn("failed to index file change", slog.String("path", itemPath), slog.String("error", err.Error()))
		return
	}

	if err := w.store.SetDirty(ctx, itemPath, true); err != nil {
		w.logger.Warn("failed to mark dirty", slog.String("path", itemPath), slog.String("error", err.Error()))
		return
	}

	if err := w.queue.Enqueue(ctx, store.OpUpload, itemPath, "", 0); err != nil {
		w.logger.Warn("failed to enqueue upload", slog.String("path", itemPath), slog.String("error", err.Error()))
	}
}

// runSafetyScan walks the sync root and applies the same classification
// logic flush does, catching any event fsnotify silently dropped.
func (w *Watcher) runSafetyScan(ctx context.Context) {
	w.logger.Debug("running local safety scan")

	err := filepath.WalkDir(w.root, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return skipEntry(d)
		}

		if fsPath == w.root {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isAlwaysExcluded(d.Name()) {
			return skipEntry(d)
		}

		itemPath, pathErr := w.itemPath(fsPath)
		if pathErr != nil {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		if d.IsDir() {
			w.handleDirectoryPresent(ctx, itemPath, info)
		} else {
			w.handleFilePresent(ctx, itemPath, fsPath, info)
		}

		return nil
	})
	if err != nil {
		w.logger.Warn("safety scan failed", slog.String("error", err.Error()))
	}
}

// itemPath maps an absolute filesystem path under root to the "/"-prefixed,
// NFC-normalized index path convention the store uses.
func (w *Watcher) itemPath(fsPath string) (string, error) {
	rel, err := filepath.Rel(w.root, fsPath)
	if err != nil {
		return "", err
	}

	return "/" + norm.NFC.String(filepath.ToSlash(rel)), nil
}

// localPath maps an index path back to its absolute location under root.
func (w *Watcher) localPath(itemPath string) string {
	return filepath.Join(w.root, filepath.FromSlash(strings.TrimPrefix(itemPath, "/")))
}

func parentOf(itemPath string) string {
	dir := filepath.ToSlash(filepath.Dir(itemPath))
	if dir == "." {
		return "/"
	}

	return dir
}

func hashFile(path string) (string, error) {
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

// isAlwaysExcluded filters out paths the sync engine itself produces
// (in-flight downloads) and common editor temporaries that should never be
// treated as user content.
func isAlwaysExcluded(name string) bool {
	lower := strings.ToLower(name)

	for _, suffix := range []string{".partial", ".tmp", ".swp", ".crdownload"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return strings.HasPrefix(name, "~") || strings.HasPrefix(name, ".~")
}

func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return filepath.SkipDir
	}

	return nil
}

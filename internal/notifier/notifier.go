// Package notifier fans state-change and conflict signals out to
// out-of-process collaborators (the IPC layer, a FUSE front-end, a desktop
// extension) without letting a slow subscriber back-pressure the engine.
package notifier

import (
	"log/slog"
	"sync"
)

// DefaultBufferSize is the per-subscriber channel depth before a subscriber
// is considered too slow and dropped.
const DefaultBufferSize = 256

// EventKind distinguishes the two signal shapes the engine emits.
type EventKind string

const (
	KindStateChanged  EventKind = "state_changed"
	KindConflictAdded EventKind = "conflict_added"
)

// Event is the payload delivered to subscribers. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind EventKind

	// StateChanged fields.
	Path  string
	State string

	// ConflictAdded fields.
	ConflictID   string
	RenamedLocal string
}

// Notifier is a best-effort, per-path-ordered fan-out hub. A subscriber
// whose channel fills up is dropped; the subscriber notices its channel
// closed and is expected to call Subscribe again.
type Notifier struct {
	logger     *slog.Logger
	bufferSize int

	mu     sync.Mutex
	nextID int64
	subs   map[int64]chan Event
}

// Option configures a Notifier beyond DefaultBufferSize.
type Option func(*Notifier)

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(n int) Option {
	return func(no *Notifier) { no.bufferSize = n }
}

// New returns an empty Notifier.
func New(logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		logger:     logger,
		bufferSize: DefaultBufferSize,
		subs:       make(map[int64]chan Event),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Subscribe registers a new listener and returns its event channel plus an
// unsubscribe function. The channel is closed either by an explicit
// unsubscribe call or by the notifier itself when the subscriber falls too
// far behind; a closed channel with no further sends means "resubscribe".
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	ch := make(chan Event, n.bufferSize)
	n.subs[id] = ch

	unsubscribe := func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		if existing, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(existing)
		}
	}

	return ch, unsubscribe
}

// NotifyStateChanged publishes a StateChanged(path, state) signal.
func (n *Notifier) NotifyStateChanged(path, state string) {
	n.publish(Event{Kind: KindStateChanged, Path: path, State: state})
}

// NotifyConflictAdded publishes a ConflictAdded(id, path, renamed_local) signal.
func (n *Notifier) NotifyConflictAdded(id, path, renamedLocal string) {
	n.publish(Event{Kind: KindConflictAdded, Path: path, ConflictID: id, RenamedLocal: renamedLocal})
}

func (n *Notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.logger.Warn("subscriber too slow, dropping", slog.Int64("subscriber_id", id))
			delete(n.subs, id)
			close(ch)
		}
	}
}

// SubscriberCount returns the number of currently-registered subscribers;
// exported for tests and status reporting.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.subs)
}

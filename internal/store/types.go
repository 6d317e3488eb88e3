package store

// Kind distinguishes a file entry from a directory entry.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// SyncState is the per-item synchronization status.
type SyncState string

const (
	StateCloudOnly SyncState = "cloud_only"
	StateCached    SyncState = "cached"
	StateSyncing   SyncState = "syncing"
	StateError     SyncState = "error"
)

// OpKind is the kind of a pending operation in the ops queue.
type OpKind string

const (
	OpDownload OpKind = "download"
	OpUpload   OpKind = "upload"
	OpMove     OpKind = "move"
	OpCopy     OpKind = "copy"
	OpDelete   OpKind = "delete"
	OpMkdir    OpKind = "mkdir"
)

// Item mirrors one entry of the remote tree in the local index.
type Item struct {
	Path               string
	ParentPath         string
	Name               string
	Kind               Kind
	Size               *int64
	Modified           int64
	ContentHash        string
	ResourceID         string
	LastSyncedHash     string
	LastSyncedModified *int64
}

// ItemFields carries the subset of Item columns an upsert may set.
// upsert_item writes every column it carries, so a nil Size is stored as
// NULL; LastSynced* fields are preserved unless SetLastSynced is true.
type ItemFields struct {
	ParentPath  string
	Name        string
	Kind        Kind
	Size        *int64
	Modified    int64
	ContentHash string
	ResourceID  string

	SetLastSynced      bool
	LastSyncedHash     string
	LastSyncedModified *int64
}

// State is the per-item sync status row.
type State struct {
	Path          string
	State         SyncState
	Pinned        bool
	LastError     string
	RetryAt       *int64
	LastSuccessAt *int64
	LastErrorAt   *int64
	Dirty         bool
}

// Cursor is the singleton remote-walk watermark.
type Cursor struct {
	Cursor   string
	LastSync int64
}

// Op is a durable ops_queue row.
type Op struct {
	ID       int64
	Kind     OpKind
	Path     string
	Payload  string
	Attempt  int
	RetryAt  *int64
	Priority int
}

// EvictionCandidate is one row of cache_size_bytes eviction bookkeeping:
// cached, non-pinned files ordered oldest-successful-first.
type EvictionCandidate struct {
	Path          string
	Size          int64
	LastSuccessAt int64
}

// Conflict is an append-only historical conflict record.
type Conflict struct {
	ID           string
	Path         string
	RenamedLocal string
	Created      int64
	Reason       string
}

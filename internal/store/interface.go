package store

// Info reports metadata about the database underlying a store. Not every
// field is guaranteed to be populated or fresh — callers (e.g. a status
// endpoint) should treat it as best-effort.
type Info struct {
	CommitCount uint64
	Hash        string
	SizeBytes   int64
}

// Committed describes a single already-committed transaction, as returned
// by ReadCommitsSince for the synchronize subprotocol (spec.md §4.6) and by
// ReadCommitsSince on the leader for _sendOutstandingTransactions
// (spec.md §4.4).
type Committed struct {
	CommitCount uint64
	Hash        string
	Query       string
}

// Handle is one goroutine's exclusive path into the store: at most one
// BEGIN..COMMIT/ROLLBACK cycle in flight at a time. The replication engine
// hands each parallel replication task its own Handle for the duration of
// exactly one transaction (spec.md §4.4 step 1); the leader path uses the
// Store itself.
type Handle interface {
	// GetCommitCount returns the store's current commit count. Valid outside
	// a transaction.
	GetCommitCount() (uint64, error)

	// Begin opens a new local transaction. Returns errkind.InvalidState if a
	// transaction is already open on this handle.
	Begin() error

	// Exec runs a write against the open transaction. Returns
	// errkind.Conflict if the write conflicts with another in-flight
	// transaction on the underlying engine; the caller should Rollback and
	// retry from Begin.
	Exec(query string) error

	// Prepare computes the (commitCount, hash) the open transaction would
	// produce if committed now, without finalizing it. Valid only between
	// Begin and Commit/Rollback.
	Prepare() (commitCount uint64, hash string, err error)

	// Commit finalizes the open transaction.
	Commit() error

	// Rollback discards the open transaction.
	Rollback() error

	// ApplyCommit re-executes a transaction whose (commitCount, hash) were
	// already agreed on by the leader: Begin, Exec(query), Prepare, verify
	// the resulting hash equals hash, then Commit. Returns
	// errkind.HashMismatch if the recomputed hash disagrees. This is what
	// the synchronize subprotocol uses. Replication always runs as parallel
	// tasks (there is no serial-replication mode) and uses the lower-level
	// methods directly so it can wait for the leader's decision and the
	// local notifier between Prepare and Commit (spec.md §4.4 steps 4-5).
	ApplyCommit(commitCount uint64, hash string, query string) error

	// ReadCommitsSince returns committed transactions with commit count in
	// (from, from+limit], in order. limit <= 0 means "no bound" (spec.md
	// §4.6 sendAll=true).
	ReadCommitsSince(from uint64, limit int) ([]Committed, error)

	// Info reports store metadata for diagnostics.
	Info() (Info, error)

	// Close releases any resources associated with this handle. It does not
	// close the underlying store — only this handle's view into it.
	Close() error
}

// Store is the shared, long-lived handle to the underlying database that a
// node opens once at startup. Pool.Acquire hands out additional Handles
// backed by the same Store for concurrent replication tasks.
type Store interface {
	Handle

	// NewHandle opens an additional Handle sharing this Store's underlying
	// engine, for use by a single goroutine at a time.
	NewHandle() (Handle, error)
}

// Reader is an optional capability a Handle may implement: a direct,
// read-only lookup that bypasses the BEGIN/Exec/Prepare/Commit cycle
// entirely. It exists for peekPeerCommand-style fast paths (spec.md,
// original_source/sqlitecluster/SQLiteNode.h) that answer a command
// without going through the replicated commit protocol at all.
type Reader interface {
	// Get returns the value stored under key. ok is false if the key is
	// unset.
	Get(key string) (value string, ok bool, err error)
}

package errkind

import "github.com/cockroachdb/errors"

// Kind markers from spec.md §7. Each is a plain sentinel; real errors are
// associated with one via New or Wrap, which use errors.Mark so the
// association survives independent of the wrap chain's identity.
var (
	// TransientIO covers socket read/write failures; the caller recovers by
	// reconnecting with backoff.
	TransientIO = errors.New("transient io error")

	// PeerDenied covers a peer refusing a role or commit.
	PeerDenied = errors.New("peer denied")

	// HashMismatch covers divergence detected during synchronize or commit;
	// fatal for the current role.
	HashMismatch = errors.New("hash mismatch")

	// Timeout covers a deadline elapsing in a state (standup, subscribe,
	// sync).
	Timeout = errors.New("timeout")

	// Canceled covers shutdown or role loss aborting a replication task.
	Canceled = errors.New("canceled")

	// InvalidState covers an API called in a state that doesn't permit it.
	// This is treated as a programming error: reported and ignored, never
	// retried.
	InvalidState = errors.New("invalid state")

	// Conflict covers a local store conflict; retried silently by the
	// replication worker.
	Conflict = errors.New("conflict")
)

// New creates a fresh error marked with kind.
func New(kind error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}

// Wrap associates an existing error with kind, adding context. Returns nil
// if err is nil.
func Wrap(kind error, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), kind)
}

// Is reports whether err is marked with kind, anywhere in its chain.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}

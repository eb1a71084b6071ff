// Package cluster implements a node's replication and role state machine:
// peer management, the election/standup protocol, commit replication with
// ordering guarantees, parallel replication with conflict retry, and the
// escalation protocol (spec.md §1). It is grounded on the nine-state
// machine, replication engine, and escalation map declared in
// original_source/sqlitecluster/SQLiteNode.h, reworked into Go idioms:
// interfaces and explicit error returns instead of virtual methods and
// thrown exceptions, atomics and channels instead of the teacher's mutex
// discipline where a lock-free equivalent already exists elsewhere in the
// corpus (internal/notifier, internal/queue), and cockroachdb/errors kinds
// (internal/errkind) in place of the original's SQLite-specific error
// codes.
package cluster

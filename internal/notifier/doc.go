// Package notifier implements the sequential commit notifier from spec.md
// §replication: goroutines wait for the store to reach at least a given
// commit count (or to be poisoned by a rollback affecting that count) via
// a min-heap of waiters keyed by target commit count, adapted from the
// teacher's lib/db/util MapHeap (there used to prioritize garbage
// collection candidates by age; here used to prioritize waiters by the
// commit count they are blocked on).
package notifier

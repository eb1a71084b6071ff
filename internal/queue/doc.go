// Package queue provides a lock-free multi-producer, single-consumer queue,
// adapted from the teacher's lib/db/util LockFreeMPSC for the escalation
// retry path (spec.md §escalation): any replication worker or command
// handler may push a retry without blocking on the single goroutine that
// drives escalation sends.
package queue

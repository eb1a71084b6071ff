// Package store defines the boundary contract for the local transactional
// store that spec.md §1 places outside the replication core: begin/prepare/
// commit/rollback with conflict detection, plus a monotonic commit count and
// a content hash used to detect divergence between nodes.
//
// The interfaces here are deliberately narrow — exactly what the cluster
// core in internal/cluster needs (spec.md §6, "Collaborator contracts") —
// so any storage engine can back a node as long as it can play by these
// rules. Two reference implementations are provided: memstore (in memory,
// for fast state-machine tests) and pebblestore
// (backed by cockroachdb/pebble, for anything that needs real persistence).
package store

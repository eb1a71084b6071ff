// Package memstore is an in-memory reference implementation of store.Store,
// grounded on the teacher's lstore in-memory store (lib/store/lstore) but
// reworked from key-value semantics to the transactional, hash-chained
// semantics spec.md §6 requires of a node's underlying database.
//
// memstore understands a tiny command grammar ("SET key value", "DEL key")
// so it can derive real write-sets for conflict detection; any other query
// text is recorded and hashed but treated as touching no keys. It exists
// for fast, deterministic state-machine tests — pebblestore is the
// persistent engine meant for production use.
package memstore

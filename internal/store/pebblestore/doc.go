// Package pebblestore is a persistent store.Store backed by
// github.com/cockroachdb/pebble, grounded on the LSM-tree usage pattern in
// glycerine-rpc25519's tube/hermes/pebble.go (Open/Set/Get/Close against a
// single on-disk pebble.DB).
//
// The commit log lives under a monotonic "log/<commitCount>" keyspace and
// the derived key/value state under a "kv/<key>" keyspace in the same
// pebble.DB, so a checkpoint of the directory captures both atomically.
// Values are snappy-compressed before being written, exercising
// golang/snappy independently of the zstd wire compression used for the
// synchronize subprotocol's bulk transfer.
package pebblestore

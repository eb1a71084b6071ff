// Package wire implements the peer-to-peer message format from spec.md
// §wire ("a method line plus a set of headers... length-delimited by the
// transport"): a Message is a method name, a string/string header map, and
// an optional body, framed on the connection with a length-delimited
// header adapted from the teacher's rpc/transport/base writeFrame/readFrame
// (dropping the shard/request-ID fields, which belonged to dKV's sharded
// RPC routing and have no equivalent in a fixed peer-to-peer link).
package wire

// Package clusterconfig holds a node's static configuration: its own
// identity and listen address, the fixed peer list it was started with
// (spec.md Non-goals: no dynamic membership), and the tuning knobs the
// role state machine and replication engine read at startup. It follows
// the teacher's ServerConfig shape (rpc/common/config.go) and its
// cobra/viper/godotenv wiring (cmd/serve/root.go), generalized from
// dragonboat/RAFT cluster parameters to the replication node parameters
// spec.md §clusterconfig calls for.
package clusterconfig

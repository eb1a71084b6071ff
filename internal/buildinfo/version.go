// Package buildinfo holds the version string reported by the version
// command and stamped into every LOGIN this node sends.
package buildinfo

// Version is overridden at build time via -ldflags "-X
// github.com/finnhauser/quorumdb/internal/buildinfo.Version=...".
var Version = "0.1.0-dev"

// Package cmd implements the command-line interface for a quorumdb node.
// It provides a hierarchical command structure built on cobra: starting a
// node and letting it run (serve), querying a running node's status and
// metrics endpoint (status), and reporting the build version (version).
//
// See quorumd -help for a list of all commands.
package cmd

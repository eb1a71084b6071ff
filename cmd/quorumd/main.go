// Command quorumd runs one node of a quorum-replicated transactional
// database. See `quorumd -help` for its subcommands.
package main

import "github.com/finnhauser/quorumdb/cmd"

func main() {
	cmd.Execute()
}

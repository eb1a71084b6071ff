package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/finnhauser/quorumdb/cmd/serve"
	"github.com/finnhauser/quorumdb/cmd/status"
	"github.com/finnhauser/quorumdb/internal/buildinfo"
)

var (
	// RootCmd represents the base command when called without any subcommands.
	RootCmd = &cobra.Command{
		Use:   "quorumd",
		Short: "quorum-replicated transactional database node",
		Long: fmt.Sprintf(`quorumd (v%s)

A single node of a leader/follower replicated transactional database:
elects a leader among a fixed peer set, replicates committed transactions
at a configurable consistency level, and fails over automatically when
the leader is lost.`, buildinfo.Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of quorumd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("quorumd v%s\n", buildinfo.Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(status.StatusCmd)
	RootCmd.AddCommand(versionCmd)
}

// initConfig loads .env files and wires viper's environment lookup, in the
// QUORUMD_<flag> form (e.g. QUORUMD_LISTEN_ADDRESS=0.0.0.0:9001).
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("quorumd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

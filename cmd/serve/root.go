package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/finnhauser/quorumdb/cmd/util"
	"github.com/finnhauser/quorumdb/internal/cluster"
	"github.com/finnhauser/quorumdb/internal/clusterconfig"
	"github.com/finnhauser/quorumdb/internal/logging"
	"github.com/finnhauser/quorumdb/internal/metrics"
	"github.com/finnhauser/quorumdb/internal/store"
	"github.com/finnhauser/quorumdb/internal/store/memstore"
	"github.com/finnhauser/quorumdb/internal/store/pebblestore"
)

var (
	serveCmdConfig = &clusterconfig.Config{}

	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start a quorumdb node",
		Long:    `Start a quorumdb node with the given configuration and block for its lifetime. The configuration can be set via command line flags or environment variables in the form QUORUMD_<flag> (e.g. QUORUMD_LISTEN_ADDRESS=0.0.0.0:9001).`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	key := "node-name"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("This node's name, its key in every peer's registry"))

	key = "listen-address"
	ServeCmd.Flags().String(key, "0.0.0.0:9001", cmdUtil.WrapString("Address to accept peer connections on"))

	key = "command-address"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Address escalated commands' originator should use to reach this node directly, if different from listen-address"))

	key = "priority"
	ServeCmd.Flags().Int(key, 100, cmdUtil.WrapString("Priority used to break leadership ties; higher wins"))

	key = "permafollower"
	ServeCmd.Flags().Bool(key, false, cmdUtil.WrapString("Never attempt to stand up as leader, regardless of priority"))

	key = "peers"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Comma-separated peer list: name=host:port[?permafollower=true]"))

	key = "data-dir"
	ServeCmd.Flags().String(key, "data", cmdUtil.WrapString("Directory for on-disk store files, used when store-engine=pebble"))

	key = "store-engine"
	ServeCmd.Flags().String(key, "pebble", cmdUtil.WrapString("Local store implementation: mem or pebble"))

	key = "log-level"
	ServeCmd.Flags().String(key, "info", cmdUtil.WrapString("Log level: debug, info, warn, error"))

	key = "metrics-address"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Address to serve /status and /metrics on, empty to disable"))

	key = "replication-threads"
	ServeCmd.Flags().Int(key, 4, cmdUtil.WrapString("How many BEGIN_TRANSACTION commits a follower may prepare concurrently"))

	key = "quorum-checkpoint-interval"
	ServeCmd.Flags().Duration(key, 30*time.Second, cmdUtil.WrapString("Force the next commit to QUORUM if this long has elapsed since the last one"))

	key = "standup-timeout"
	ServeCmd.Flags().Duration(key, 10*time.Second, cmdUtil.WrapString("Steady-state timeout for the STANDINGUP state"))

	key = "first-standup-timeout"
	ServeCmd.Flags().Duration(key, 30*time.Second, cmdUtil.WrapString("Timeout for this node's first STANDINGUP attempt after startup, longer than standup-timeout to give peers time to connect"))

	key = "synchronize-timeout"
	ServeCmd.Flags().Duration(key, 60*time.Second, cmdUtil.WrapString("Timeout for the SYNCHRONIZING state"))

	key = "subscribe-timeout"
	ServeCmd.Flags().Duration(key, 10*time.Second, cmdUtil.WrapString("Timeout for the SUBSCRIBING state"))

	key = "ping-interval"
	ServeCmd.Flags().Duration(key, 5*time.Second, cmdUtil.WrapString("How often to PING logged-in peers for latency measurement"))
}

// processConfig reads the configuration from flags and environment
// variables into serveCmdConfig and validates it.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	peers, err := clusterconfig.ParsePeers(viper.GetString("peers"))
	if err != nil {
		return err
	}

	*serveCmdConfig = clusterconfig.Config{
		NodeName:                 viper.GetString("node-name"),
		ListenAddress:            viper.GetString("listen-address"),
		CommandAddress:           viper.GetString("command-address"),
		Priority:                 viper.GetInt("priority"),
		Permafollower:            viper.GetBool("permafollower"),
		Peers:                    peers,
		DataDir:                  viper.GetString("data-dir"),
		StoreEngine:              viper.GetString("store-engine"),
		LogLevel:                 viper.GetString("log-level"),
		MetricsAddress:           viper.GetString("metrics-address"),
		ReplicationThreads:       viper.GetInt("replication-threads"),
		QuorumCheckpointInterval: viper.GetDuration("quorum-checkpoint-interval"),
		StandupTimeout:           viper.GetDuration("standup-timeout"),
		FirstStandupTimeout:      viper.GetDuration("first-standup-timeout"),
		SynchronizeTimeout:       viper.GetDuration("synchronize-timeout"),
		SubscribeTimeout:         viper.GetDuration("subscribe-timeout"),
		PingInterval:             viper.GetDuration("ping-interval"),
	}
	if serveCmdConfig.CommandAddress == "" {
		serveCmdConfig.CommandAddress = serveCmdConfig.ListenAddress
	}

	return serveCmdConfig.Validate()
}

// run builds a node's store, pool, metrics registry, and cluster.Node, then
// drives the poll loop until the process is asked to stop.
func run(_ *cobra.Command, _ []string) error {
	cfg := serveCmdConfig
	logging.Init(cfg.LogLevel)
	fmt.Println(cfg.String())

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	pool, err := store.NewPool(st, cfg.ReplicationThreads)
	if err != nil {
		_ = st.Close()
		return err
	}

	mr := metrics.New(cfg.NodeName)
	node := cluster.NewNode(cfg, st, pool, mr, nil)

	if err := node.Listen(); err != nil {
		_ = node.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node.ConnectPeers()
	go node.RunReconnectLoop(ctx, 2*time.Second)
	go node.RunPingLoop(ctx)
	go node.RunTimingLogLoop(ctx, 10*time.Second)

	if cfg.MetricsAddress != "" {
		go serveStatusHTTP(cfg.MetricsAddress, node)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go runPollLoop(node, stop)

	<-sigCh
	fmt.Println("shutdown requested, draining in-flight work...")
	node.BeginShutdown(10 * time.Second)
	for !node.ShutdownComplete() {
		time.Sleep(100 * time.Millisecond)
	}
	close(stop)
	cancel()
	return node.Close()
}

// runPollLoop drives Node.Update in the shape spec.md's driver contract
// calls for: call again immediately when Update reports more work is ready,
// otherwise wait briefly before the next tick.
func runPollLoop(node *cluster.Node, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if node.Update() {
			continue
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func serveStatusHTTP(addr string, node *cluster.Node) {
	mux := http.NewServeMux()
	mux.Handle("/status", node.StatusHandler())
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "status server: %v\n", err)
	}
}

func openStore(cfg *clusterconfig.Config) (store.Store, error) {
	switch cfg.StoreEngine {
	case "mem":
		return memstore.New(), nil
	case "pebble":
		return pebblestore.Open(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown store engine %q", cfg.StoreEngine)
	}
}

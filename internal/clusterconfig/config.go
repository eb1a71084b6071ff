package clusterconfig

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/finnhauser/quorumdb/internal/errkind"
)

// Peer describes one other node in the fixed cluster membership, as parsed
// from the "--peers" flag (spec.md §wire LOGIN/STATE headers: Priority,
// Permafollower).
type Peer struct {
	Name          string
	Address       string
	Permafollower bool
}

// Config is a node's complete startup configuration.
type Config struct {
	// NodeName identifies this node to its peers; it is this node's key in
	// the peer registry everyone else keeps.
	NodeName string

	// ListenAddress is the host:port this node accepts peer connections on.
	ListenAddress string

	// CommandAddress is the address escalated commands' originator should
	// be told to use, if it differs from ListenAddress (spec.md
	// SUPPLEMENTED FEATURES, LeaderCommandAddress).
	CommandAddress string

	// Priority breaks leadership ties; higher wins (spec.md §4.3 WAITING).
	// A negative priority marks a permafollower that never stands up.
	Priority int

	// Permafollower nodes never attempt STANDINGUP even at highest priority.
	Permafollower bool

	Peers []Peer

	// DataDir holds the store's on-disk files, when StoreEngine == "pebble".
	DataDir string

	// StoreEngine selects the local store implementation: "mem" or "pebble".
	StoreEngine string

	LogLevel string

	// MetricsAddress is where the Prometheus exposition endpoint listens,
	// empty to disable.
	MetricsAddress string

	// ReplicationThreads bounds how many BEGIN_TRANSACTION commits a
	// follower may prepare concurrently (spec.md §4.4 step 1).
	ReplicationThreads int

	// QuorumCheckpointInterval forces the next commit to QUORUM if this
	// long has elapsed since the last QUORUM commit (spec.md §4.4).
	QuorumCheckpointInterval time.Duration

	// StandupTimeout, SynchronizeTimeout, SubscribeTimeout bound their
	// respective states before falling back to SEARCHING.
	StandupTimeout     time.Duration
	SynchronizeTimeout time.Duration
	SubscribeTimeout   time.Duration

	// FirstStandupTimeout overrides StandupTimeout for a node's very first
	// STANDINGUP attempt after process start, when peers are still in the
	// middle of connecting to each other and a short timeout would cause
	// needless SEARCHING/STANDINGUP churn. Every STANDINGUP attempt after
	// the first uses StandupTimeout.
	FirstStandupTimeout time.Duration

	// PingInterval controls how often PING is sent to measure peer
	// latency (spec.md SUPPLEMENTED FEATURES).
	PingInterval time.Duration
}

// ParsePeers parses a comma-separated peer list in the form
// "name=host:port[?permafollower=true]", e.g.
// "node2=10.0.0.2:9001,node3=10.0.0.3:9001?permafollower=true".
func ParsePeers(spec string) ([]Peer, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var peers []Peer
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		nameAndRest := strings.SplitN(entry, "=", 2)
		if len(nameAndRest) != 2 {
			return nil, errkind.New(errkind.InvalidState, "invalid peer entry %q: expected name=host:port", entry)
		}
		name := nameAndRest[0]
		addr := nameAndRest[1]
		permafollower := false
		if idx := strings.Index(addr, "?"); idx >= 0 {
			query := addr[idx+1:]
			addr = addr[:idx]
			for _, param := range strings.Split(query, "&") {
				if param == "permafollower=true" {
					permafollower = true
				}
			}
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, errkind.Wrap(errkind.InvalidState, err, "invalid peer address %q for %q", addr, name)
		}
		peers = append(peers, Peer{Name: name, Address: addr, Permafollower: permafollower})
	}
	return peers, nil
}

// Validate checks internal consistency: unique peer names, a valid listen
// address, and no self-reference in the peer list.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return errkind.New(errkind.InvalidState, "node name is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return errkind.Wrap(errkind.InvalidState, err, "invalid listen address %q", c.ListenAddress)
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p.Name == c.NodeName {
			return errkind.New(errkind.InvalidState, "peer list includes this node's own name %q", c.NodeName)
		}
		if _, dup := seen[p.Name]; dup {
			return errkind.New(errkind.InvalidState, "duplicate peer name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if c.ReplicationThreads < 1 {
		return errkind.New(errkind.InvalidState, "replication threads must be >= 1, got %d", c.ReplicationThreads)
	}
	switch c.StoreEngine {
	case "mem", "pebble":
	default:
		return errkind.New(errkind.InvalidState, "unknown store engine %q (want mem or pebble)", c.StoreEngine)
	}
	return nil
}

// String renders the configuration for startup logging, in the teacher's
// section/field layout (rpc/common/config.go's ServerConfig.String).
func (c *Config) String() string {
	var sb strings.Builder
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(strings.ToUpper(title))
		sb.WriteString("\n")
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Name", c.NodeName)
	addField("Listen Address", c.ListenAddress)
	addField("Command Address", c.CommandAddress)
	addField("Priority", strconv.Itoa(c.Priority))
	addField("Permafollower", strconv.FormatBool(c.Permafollower))

	addSection("Store")
	addField("Engine", c.StoreEngine)
	addField("Data Directory", c.DataDir)
	addField("Replication Threads", strconv.Itoa(c.ReplicationThreads))
	addField("Quorum Checkpoint Interval", c.QuorumCheckpointInterval.String())

	addSection("Timeouts")
	addField("Standup (first)", c.FirstStandupTimeout.String())
	addField("Standup", c.StandupTimeout.String())
	addField("Synchronize", c.SynchronizeTimeout.String())
	addField("Subscribe", c.SubscribeTimeout.String())
	addField("Ping Interval", c.PingInterval.String())

	addSection("Observability")
	addField("Log Level", c.LogLevel)
	addField("Metrics Address", c.MetricsAddress)

	addSection("Peers")
	names := make([]string, 0, len(c.Peers))
	byName := make(map[string]Peer, len(c.Peers))
	for _, p := range c.Peers {
		names = append(names, p.Name)
		byName[p.Name] = p
	}
	sort.Strings(names)
	for _, n := range names {
		p := byName[n]
		addField(n, fmt.Sprintf("%s (permafollower=%t)", p.Address, p.Permafollower))
	}

	return sb.String()
}

package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/finnhauser/quorumdb/internal/clusterconfig"
	"github.com/finnhauser/quorumdb/internal/metrics"
	"github.com/finnhauser/quorumdb/internal/store"
	"github.com/finnhauser/quorumdb/internal/store/memstore"
)

// freeTCPAddr reserves a loopback port by opening and immediately closing a
// listener on it, the same "127.0.0.1:0" trick transport_test.go uses
// directly against a Transport; here it's needed one level up, before
// NewNode's Transport exists, so peers can be configured with each other's
// real addresses up front.
func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a loopback port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testNode bundles a running *Node with the listen address peers dial, for
// harness bookkeeping the individual test cases don't need to repeat.
type testNode struct {
	*Node
	addr string
}

// buildCluster starts len(names) nodes, each configured to know every other
// by name and address, and returns them keyed by name. Timeouts are tuned
// short so state-machine transitions in tests don't need real-world waits.
func buildCluster(t *testing.T, names []string, priorities map[string]int) map[string]*testNode {
	t.Helper()
	addrs := make(map[string]string, len(names))
	for _, name := range names {
		addrs[name] = freeTCPAddr(t)
	}

	nodes := make(map[string]*testNode, len(names))
	for _, name := range names {
		var peers []clusterconfig.Peer
		for _, other := range names {
			if other == name {
				continue
			}
			peers = append(peers, clusterconfig.Peer{Name: other, Address: addrs[other]})
		}
		prio := 1
		if priorities != nil {
			if p, ok := priorities[name]; ok {
				prio = p
			}
		}
		cfg := &clusterconfig.Config{
			NodeName:            name,
			ListenAddress:       addrs[name],
			CommandAddress:      addrs[name],
			Priority:            prio,
			Peers:               peers,
			StoreEngine:         "mem",
			ReplicationThreads:  2,
			// Long enough that, on loopback, every node has almost certainly
			// finished logging in to every peer before any of them becomes
			// eligible to stand up — a candidate's STANDINGUP veto (see
			// handleStandup) only fires from peers who are themselves
			// mid-election, so a fuller mesh view before standup reduces
			// the odds of two nodes racing into STANDINGUP on partial
			// knowledge of each other.
			StandupTimeout:      150 * time.Millisecond,
			FirstStandupTimeout: 150 * time.Millisecond,
			SynchronizeTimeout:  2 * time.Second,
			SubscribeTimeout:    100 * time.Millisecond,
			PingInterval:        time.Hour,
		}
		st := memstore.New()
		pool, err := store.NewPool(st, cfg.ReplicationThreads)
		if err != nil {
			t.Fatalf("NewPool for %s: %v", name, err)
		}
		mr := metrics.New(name)
		n := NewNode(cfg, st, pool, mr, nil)
		if err := n.Listen(); err != nil {
			t.Fatalf("Listen for %s: %v", name, err)
		}
		nodes[name] = &testNode{Node: n, addr: addrs[name]}
	}
	return nodes
}

// driveCluster runs each node's driver loop and reconnect loop until stop is
// closed, mirroring cmd/serve/root.go's runPollLoop/RunReconnectLoop pairing.
func driveCluster(t *testing.T, nodes map[string]*testNode, stop <-chan struct{}) {
	t.Helper()
	for _, n := range nodes {
		n := n
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				n.ConnectPeers()
				for i := 0; i < 20; i++ {
					if !n.Update() {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}
}

// closeCluster tears down every node's transport and store.
func closeCluster(nodes map[string]*testNode) {
	for _, n := range nodes {
		_ = n.Close()
	}
}

// awaitCondition polls cond until it returns true or timeout elapses,
// returning whether it converged. Grounded on transport_test.go's use of
// select+time.After for asynchronous state, generalized into a helper since
// election/replication scenarios need to poll several different conditions.
func awaitCondition(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// bootstrapFollowing commits one ASYNC write on the leader (which needs no
// peer votes at all) and waits for every other node to be FOLLOWING at the
// leader's commit count. Waiting nodes go through SYNCHRONIZING/SUBSCRIBING
// into FOLLOWING once they see a LEADING peer or a peer ahead of them, so
// by the time this returns every follower can vote on a QUORUM/ONE commit.
func bootstrapFollowing(t *testing.T, leader *Node, nodes map[string]*testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := leader.StartCommit(ctx, "SET __bootstrap__ 1", Async); err != nil {
		t.Fatalf("bootstrap ASYNC commit: %v", err)
	}
	if !awaitCondition(3*time.Second, func() bool {
		for _, n := range nodes {
			if n.Node == leader {
				continue
			}
			if n.State() != StateFollowing || n.CommitCount() != leader.CommitCount() {
				return false
			}
		}
		return true
	}) {
		t.Fatalf("cluster did not finish bootstrapping to FOLLOWING; states=%v", statesOf(nodes))
	}
}

func statesOf(nodes map[string]*testNode) map[string]State {
	out := make(map[string]State, len(nodes))
	for name, n := range nodes {
		out[name] = n.State()
	}
	return out
}

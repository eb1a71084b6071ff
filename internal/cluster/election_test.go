package cluster

import (
	"testing"
	"time"
)

func TestQuorumOfPeersLoggedInRequiresMajority(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b", "c"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	peers := n.registry.All()

	if n.quorumOfPeersLoggedIn(peers) {
		t.Fatal("expected no quorum with zero peers logged in")
	}

	peers[0].MarkLoggedIn()
	if !n.quorumOfPeersLoggedIn(peers) {
		t.Fatal("expected quorum once a majority (including self) is logged in")
	}
}

// TestShouldStandupRejectsZeroPeersLoggedIn is the direct regression test
// for the split-brain bug: shouldStandup must not vacuously pass its
// tie-break loop just because there is nothing logged in to compare
// against.
func TestShouldStandupRejectsZeroPeersLoggedIn(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b", "c"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	time.Sleep(2 * n.standupTimeout())

	if n.shouldStandup(n.registry.All()) {
		t.Fatal("shouldStandup returned true with zero peers logged in; split-brain regression")
	}
}

func TestShouldStandupRequiresElapsedTimeout(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	peers := n.registry.All()
	peers[0].MarkLoggedIn()

	// Quorum is satisfied immediately, but no time has passed in WAITING
	// yet, so standup must still be refused.
	if n.shouldStandup(peers) {
		t.Fatal("shouldStandup returned true before a standup-timeout period elapsed")
	}

	time.Sleep(2 * n.standupTimeout())
	if !n.shouldStandup(peers) {
		t.Fatal("shouldStandup returned false once quorum and timeout are both satisfied and no peer outranks us")
	}
}

func TestShouldStandupLosesToHigherPriorityPeer(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, map[string]int{"a": 1, "b": 5})
	defer closeCluster(nodes)
	n := nodes["a"].Node
	peers := n.registry.All()
	peers[0].MarkLoggedIn()
	peers[0].SetPriority(5)
	time.Sleep(2 * n.standupTimeout())

	if n.shouldStandup(peers) {
		t.Fatal("shouldStandup returned true against a strictly higher-priority logged-in peer")
	}
}

func TestBetterCandidateTieBreak(t *testing.T) {
	// Priority wins outright.
	if !betterCandidate(5, 0, "z", 1, 100, "a") {
		t.Error("higher priority candidate should win regardless of commit count or name")
	}
	// Equal priority: commit count decides.
	if !betterCandidate(1, 10, "z", 1, 5, "a") {
		t.Error("equal priority: higher commit count should win")
	}
	// Equal priority and commit: lexicographically smaller name wins.
	if !betterCandidate(1, 5, "a", 1, 5, "b") {
		t.Error("equal priority and commit: smaller name should win")
	}
	if betterCandidate(1, 5, "b", 1, 5, "a") {
		t.Error("larger name should not win a full tie")
	}
}

// TestStandupTimeoutFirstVsSteadyState is the boundary test named directly
// by spec.md §8: standup timeout equals the configured first-attempt value
// on the first entry into STANDINGUP, and a smaller steady-state value on
// every attempt after.
func TestStandupTimeoutFirstVsSteadyState(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	n.config.FirstStandupTimeout = 2 * time.Second
	n.config.StandupTimeout = 200 * time.Millisecond

	if got := n.standupTimeout(); got != 2*time.Second {
		t.Fatalf("before any STANDINGUP attempt, standupTimeout() = %v, want the first-attempt value 2s", got)
	}

	n.standupAttempts.Add(1)
	if got := n.standupTimeout(); got != 2*time.Second {
		t.Fatalf("on the very first STANDINGUP attempt, standupTimeout() = %v, want 2s", got)
	}

	n.standupAttempts.Add(1)
	if got := n.standupTimeout(); got != 200*time.Millisecond {
		t.Fatalf("on the second STANDINGUP attempt, standupTimeout() = %v, want the steady-state value 200ms", got)
	}
}

// TestElectionConvergesToSingleLeader is the "clean election" end-to-end
// scenario: three freshly-started, equal-priority nodes must converge on
// exactly one LEADING node and never observe more than one simultaneously
// (spec.md §8 Testable Property #1, "at most one node is in LEADING").
func TestElectionConvergesToSingleLeader(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b", "c"}, nil)
	defer closeCluster(nodes)

	stop := make(chan struct{})
	defer close(stop)
	driveCluster(t, nodes, stop)

	maxConcurrentLeaders := 0
	converged := awaitCondition(8*time.Second, func() bool {
		leaders := 0
		for _, n := range nodes {
			if n.State() == StateLeading {
				leaders++
			}
		}
		if leaders > maxConcurrentLeaders {
			maxConcurrentLeaders = leaders
		}
		if leaders != 1 {
			return false
		}
		for _, n := range nodes {
			if n.State() != StateLeading && n.State() != StateFollowing && n.State() != StateSubscribing {
				return false
			}
		}
		return true
	})

	if maxConcurrentLeaders > 1 {
		t.Fatalf("observed %d simultaneous LEADING nodes; split-brain", maxConcurrentLeaders)
	}
	if !converged {
		t.Fatalf("cluster did not converge to a single leader within timeout; states=%v", statesOf(nodes))
	}
}

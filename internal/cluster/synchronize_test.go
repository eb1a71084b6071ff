package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/finnhauser/quorumdb/internal/store"
)

func TestEncodeDecodeCommitsRoundTrip(t *testing.T) {
	commits := []store.Committed{
		{CommitCount: 1, Hash: "h1", Query: "SET a 1"},
		{CommitCount: 2, Hash: "h2", Query: "SET b 2\nDEL a"},
		{CommitCount: 3, Hash: "h3", Query: ""},
	}
	body := encodeCommits(commits)
	got, err := decodeCommits(body)
	if err != nil {
		t.Fatalf("decodeCommits: %v", err)
	}
	if len(got) != len(commits) {
		t.Fatalf("decoded %d commits, want %d", len(got), len(commits))
	}
	for i, c := range commits {
		if got[i] != c {
			t.Errorf("commit %d = %+v, want %+v", i, got[i], c)
		}
	}
}

func TestDecodeCommitsRejectsMalformedLines(t *testing.T) {
	if _, err := decodeCommits([]byte("not-enough-fields\n")); err == nil {
		t.Fatal("decodeCommits should reject a line missing the tab-separated fields")
	}
}

// TestUpdateSynchronizingTimesOutToSearching covers the SYNCHRONIZING
// safety net: if the peer we're syncing against never answers, we must
// fall back to SEARCHING rather than waiting forever.
func TestUpdateSynchronizingTimesOutToSearching(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	n.config.SynchronizeTimeout = 30 * time.Millisecond

	peer, _ := n.registry.Get("b")
	peer.MarkLoggedIn()
	n.startSynchronizing(peer)
	if n.State() != StateSynchronizing {
		t.Fatalf("State() = %s, want SYNCHRONIZING", n.State())
	}

	time.Sleep(60 * time.Millisecond)
	if !n.updateSynchronizing() {
		t.Fatal("updateSynchronizing should report a transition once the timeout elapses")
	}
	if n.State() != StateSearching {
		t.Fatalf("State() = %s, want SEARCHING after SYNCHRONIZE timeout", n.State())
	}
}

func TestUpdateSynchronizingFallsBackWhenLeadPeerDisconnects(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	peer, _ := n.registry.Get("b")
	peer.MarkLoggedIn()
	n.startSynchronizing(peer)
	peer.MarkDisconnected(backoffFor)

	if !n.updateSynchronizing() {
		t.Fatal("updateSynchronizing should report a transition when the lead peer drops")
	}
	if n.State() != StateSearching {
		t.Fatalf("State() = %s, want SEARCHING after losing the sync peer", n.State())
	}
}

// TestUpdateSubscribingAdvancesToFollowingAfterTimeout covers spec.md §4.3
// SUBSCRIBING: since there's no explicit ack for SUBSCRIBE beyond the
// leader's own bookkeeping, a subscribing node waits out its configured
// timeout and then treats itself as FOLLOWING.
func TestUpdateSubscribingAdvancesToFollowingAfterTimeout(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	n.config.SubscribeTimeout = 20 * time.Millisecond

	peer, _ := n.registry.Get("b")
	peer.MarkLoggedIn()
	n.setLeadPeer(peer)
	n.ChangeState(StateSubscribing)

	if n.updateSubscribing() {
		t.Fatal("updateSubscribing should not transition before its timeout elapses")
	}
	time.Sleep(40 * time.Millisecond)
	if !n.updateSubscribing() {
		t.Fatal("updateSubscribing should transition once its timeout elapses")
	}
	if n.State() != StateFollowing {
		t.Fatalf("State() = %s, want FOLLOWING", n.State())
	}
}

// TestSynchronizeEndToEndCatchUp is the full synchronize subprotocol
// exercised over real connections: a follower joining behind a leader that
// has already committed several transactions must receive and apply every
// one of them in a single SYNCHRONIZE_RESPONSE and converge on the same
// store state.
func TestSynchronizeEndToEndCatchUp(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, map[string]int{"a": 10, "b": 1})
	defer closeCluster(nodes)
	stop := make(chan struct{})
	defer close(stop)
	driveCluster(t, nodes, stop)

	if !awaitCondition(3*time.Second, func() bool { return nodes["a"].State() == StateLeading }) {
		t.Fatalf("node a never became leader; states=%v", statesOf(nodes))
	}

	leader := nodes["a"].Node
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		if err := leader.StartCommit(cctx, "SET k v", Async); err != nil {
			cancel()
			t.Fatalf("bootstrap commit %d: %v", i, err)
		}
		cancel()
	}
	if leader.CommitCount() != 3 {
		t.Fatalf("leader CommitCount() = %d, want 3", leader.CommitCount())
	}

	if !awaitCondition(3*time.Second, func() bool {
		return nodes["b"].State() == StateFollowing && nodes["b"].CommitCount() == 3
	}) {
		t.Fatalf("follower never caught up to the leader's 3 commits; state=%v commitCount=%d",
			nodes["b"].State(), nodes["b"].CommitCount())
	}

	leaderInfo, err := leader.store.Info()
	if err != nil {
		t.Fatalf("leader store.Info: %v", err)
	}
	followerInfo, err := nodes["b"].store.Info()
	if err != nil {
		t.Fatalf("follower store.Info: %v", err)
	}
	if leaderInfo.Hash != followerInfo.Hash {
		t.Fatalf("leader hash %q != follower hash %q after synchronize catch-up", leaderInfo.Hash, followerInfo.Hash)
	}
}

package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/finnhauser/quorumdb/internal/errkind"
	"github.com/finnhauser/quorumdb/internal/notifier"
)

func TestTransactionRecordVoteCounting(t *testing.T) {
	txn := newTransactionRecord("id1", "SET k v", Quorum, 1, "hash1")
	if txn.approvalCount() != 0 {
		t.Fatalf("fresh transaction record: approvalCount() = %d, want 0", txn.approvalCount())
	}
	txn.recordVote("b", VoteApprove)
	txn.recordVote("c", VoteApprove)
	if got := txn.approvalCount(); got != 2 {
		t.Fatalf("approvalCount() = %d, want 2", got)
	}
	if txn.wasDenied() {
		t.Fatal("wasDenied() true with no deny votes recorded")
	}
	txn.recordVote("d", VoteDeny)
	if !txn.wasDenied() {
		t.Fatal("wasDenied() false after a deny vote was recorded")
	}
	// A later approve from the same peer overwrites its own prior vote but
	// does not clear the denied latch — one deny anywhere in the
	// transaction's history is permanent (spec.md §4.4 "one denial fails
	// the whole commit").
	txn.recordVote("d", VoteApprove)
	if !txn.wasDenied() {
		t.Fatal("wasDenied() must stay true once any peer has denied, even if that peer later approves")
	}
}

func TestAwaitApprovalAsyncNeverWaits(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	txn := newTransactionRecord("id1", "SET k v", Async, 1, "h")
	if !n.awaitApproval(context.Background(), txn, Async) {
		t.Fatal("ASYNC must never wait for approval")
	}
}

func TestAwaitApprovalOneSucceedsOnSingleApprove(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b", "c"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	txn := newTransactionRecord("id1", "SET k v", One, 1, "h")

	done := make(chan bool, 1)
	go func() { done <- n.awaitApproval(context.Background(), txn, One) }()
	time.Sleep(20 * time.Millisecond)
	txn.recordVote("b", VoteApprove)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("ONE should succeed once a single peer approves")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("awaitApproval(ONE) did not return after one approval")
	}
}

func TestAwaitApprovalOneWithNoPeersConfiguredSucceedsImmediately(t *testing.T) {
	nodes := buildCluster(t, []string{"a"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	txn := newTransactionRecord("id1", "SET k v", One, 1, "h")
	if !n.awaitApproval(context.Background(), txn, One) {
		t.Fatal("ONE with zero configured peers should succeed immediately, there is nothing to wait for")
	}
}

func TestAwaitApprovalQuorumNeedsStrictMajority(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b", "c", "d"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	// 3 peers + self = 4 members; QUORUM needs approvalCount+1 > 4/2=2, i.e.
	// at least 2 peer approvals in addition to the leader's own commit.
	txn := newTransactionRecord("id1", "SET k v", Quorum, 1, "h")

	done := make(chan bool, 1)
	go func() { done <- n.awaitApproval(context.Background(), txn, Quorum) }()

	time.Sleep(20 * time.Millisecond)
	txn.recordVote("b", VoteApprove)
	select {
	case <-done:
		t.Fatal("QUORUM must not be satisfied by a single approval out of 3 peers")
	case <-time.After(50 * time.Millisecond):
	}

	txn.recordVote("c", VoteApprove)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("QUORUM should succeed once a strict majority of the full membership has approved")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("awaitApproval(QUORUM) did not return after a majority approved")
	}
}

func TestAwaitApprovalReturnsFalseOnDeny(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	txn := newTransactionRecord("id1", "SET k v", One, 1, "h")

	done := make(chan bool, 1)
	go func() { done <- n.awaitApproval(context.Background(), txn, One) }()
	time.Sleep(20 * time.Millisecond)
	txn.recordVote("b", VoteDeny)

	select {
	case ok := <-done:
		if ok {
			t.Fatal("a single deny must fail approval regardless of level")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("awaitApproval did not return after a deny vote")
	}
}

func TestAwaitApprovalTimesOutWithoutQuorum(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b", "c"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node
	n.config.StandupTimeout = 30 * time.Millisecond
	txn := newTransactionRecord("id1", "SET k v", Quorum, 1, "h")

	if n.awaitApproval(context.Background(), txn, Quorum) {
		t.Fatal("QUORUM must time out, not succeed, when no peer ever votes")
	}
}

// TestPrepareWithRetryHandlesConcurrentConflicts is the "conflict retry"
// scenario (spec.md §4.4 step 2): several replication tasks preparing
// overlapping writes concurrently against the same store must each retry
// past the resulting CONFLICT errors and every one eventually commits,
// with commit counts forming a gap-free sequence and no two tasks getting
// the same count (spec.md §8 "no two commits share a commitCount").
func TestPrepareWithRetryHandlesConcurrentConflicts(t *testing.T) {
	const workers = 5
	nodes := buildCluster(t, []string{"a"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node

	var wg sync.WaitGroup
	results := make([]struct {
		count uint64
		ok    bool
	}, workers)

	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, release, err := n.pool.Acquire(i)
			if err != nil {
				t.Errorf("Acquire(%d): %v", i, err)
				return
			}
			defer release()
			count, _, ok := n.prepareWithRetry(handle, "SET k conflictingwrite")
			results[i].count = count
			results[i].ok = ok
			if ok {
				if err := handle.Commit(); err != nil {
					t.Errorf("worker %d: Commit: %v", i, err)
				}
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers)
	for i, r := range results {
		if !r.ok {
			t.Fatalf("worker %d: prepareWithRetry did not recover from conflicting concurrent writers within its retry budget", i)
		}
		if seen[r.count] {
			t.Fatalf("commit count %d assigned to more than one worker", r.count)
		}
		seen[r.count] = true
	}
	for c := uint64(1); c <= workers; c++ {
		if !seen[c] {
			t.Fatalf("commit count %d was never assigned; sequence has a gap", c)
		}
	}
}

// TestSequentialNotifierPreservesCommitOrder is the "parallel replication
// ordering" property (spec.md §4.4 step 5): even when several replication
// tasks finish preparing out of order, each must block on the local
// notifier until every lower commit count has actually landed, so the
// underlying store only ever sees commits applied strictly in order.
func TestSequentialNotifierPreservesCommitOrder(t *testing.T) {
	n := notifier.New()
	var mu sync.Mutex
	var order []uint64

	apply := func(count uint64, finishDelay time.Duration) {
		if count > 1 {
			if err := n.WaitUntil(context.Background(), count-1); err != nil {
				t.Errorf("WaitUntil(%d): %v", count-1, err)
				return
			}
		}
		time.Sleep(finishDelay)
		mu.Lock()
		order = append(order, count)
		mu.Unlock()
		n.NotifyThrough(count)
	}

	var wg sync.WaitGroup
	// Task 3 "finishes preparing" first, task 1 last — order must still
	// come out 1, 2, 3.
	tasks := []struct {
		count uint64
		delay time.Duration
	}{
		{3, 0},
		{2, 10 * time.Millisecond},
		{1, 30 * time.Millisecond},
	}
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			apply(task.count, task.delay)
		}()
	}
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("commit application order = %v, want [1 2 3]", order)
	}
}

func TestChangeStateFailsInFlightTxnWhenLeavingLeading(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, nil)
	defer closeCluster(nodes)
	n := nodes["a"].Node

	n.mu.Lock()
	n.state = StateLeading
	n.currentTxn = newTransactionRecord("id1", "SET k v", Quorum, 1, "h")
	n.mu.Unlock()

	n.ChangeState(StateStandingDown)

	if n.CommitState() != CommitFailed {
		t.Fatalf("CommitState() = %s, want FAILED after leaving LEADING with a commit in flight", n.CommitState())
	}
	n.mu.RLock()
	txn := n.currentTxn
	n.mu.RUnlock()
	if txn != nil {
		t.Fatal("currentTxn should be cleared once leaving LEADING has failed it")
	}
}

// TestQuorumCommitEndToEnd is the "QUORUM commit" scenario: after a real
// two-node election, the leader's StartCommit(QUORUM) must replicate to the
// follower and both sides converge on the same commit count.
func TestQuorumCommitEndToEnd(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, map[string]int{"a": 10, "b": 1})
	defer closeCluster(nodes)
	stop := make(chan struct{})
	defer close(stop)
	driveCluster(t, nodes, stop)

	if !awaitCondition(3*time.Second, func() bool { return nodes["a"].State() == StateLeading }) {
		t.Fatalf("node a never became leader; states=%v", statesOf(nodes))
	}

	leader := nodes["a"].Node
	bootstrapFollowing(t, leader, nodes)
	beforeCount := leader.CommitCount()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := leader.StartCommit(ctx, "SET k v1", Quorum); err != nil {
		t.Fatalf("StartCommit(QUORUM): %v", err)
	}
	if want := beforeCount + 1; leader.CommitCount() != want {
		t.Fatalf("leader CommitCount() = %d, want %d", leader.CommitCount(), want)
	}
	if !awaitCondition(2*time.Second, func() bool { return nodes["b"].CommitCount() == leader.CommitCount() }) {
		t.Fatalf("follower never replicated the commit; commitCount=%d, want %d", nodes["b"].CommitCount(), leader.CommitCount())
	}
}

// TestFollowerDenyRollsBackCommit is the "follower-deny rollback" scenario:
// a follower whose store has already diverged from the leader's at the
// commit count the leader is proposing must DENY the commit, and the
// leader must observe that as a failed commit rather than applying it.
func TestFollowerDenyRollsBackCommit(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, nil)
	defer closeCluster(nodes)

	leader := nodes["a"].Node
	follower := nodes["b"].Node

	// Diverge b's store from a's before any replication happens, so the
	// follower's independently prepared hash for commit 1 will not match
	// what the leader broadcasts.
	if err := follower.store.Begin(); err != nil {
		t.Fatalf("follower store.Begin: %v", err)
	}
	if err := follower.store.Exec("SET k alreadydifferent"); err != nil {
		t.Fatalf("follower store.Exec: %v", err)
	}
	if _, _, err := follower.store.Prepare(); err != nil {
		t.Fatalf("follower store.Prepare: %v", err)
	}
	if err := follower.store.Commit(); err != nil {
		t.Fatalf("follower store.Commit: %v", err)
	}

	// Wire the two nodes together without going through full election:
	// mark a LEADING, b FOLLOWING with a as its lead peer.
	if err := leader.transport.Connect("b", nodes["b"].addr, leader.loginMessage()); err != nil {
		t.Fatalf("Connect a->b: %v", err)
	}
	if err := follower.transport.Connect("a", nodes["a"].addr, follower.loginMessage()); err != nil {
		t.Fatalf("Connect b->a: %v", err)
	}
	if !awaitCondition(2*time.Second, func() bool {
		pa, _ := leader.registry.Get("b")
		pb, _ := follower.registry.Get("a")
		return pa.LoggedIn() && pb.LoggedIn()
	}) {
		t.Fatal("LOGIN handshake never completed between leader and follower")
	}

	leader.mu.Lock()
	leader.state = StateLeading
	leader.mu.Unlock()
	follower.mu.Lock()
	follower.state = StateFollowing
	follower.mu.Unlock()
	leadPeer, _ := follower.registry.Get("a")
	follower.setLeadPeer(leadPeer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := leader.StartCommit(ctx, "SET k fromleader", One)
	if err == nil {
		t.Fatal("StartCommit should fail once the only follower denies the commit")
	}
	if !errkind.Is(err, errkind.PeerDenied) {
		t.Fatalf("StartCommit error = %v, want errkind.PeerDenied", err)
	}
	if leader.CommitCount() != 0 {
		t.Fatalf("leader CommitCount() = %d after a denied commit, want 0 (rolled back)", leader.CommitCount())
	}
}

// TestNotifyCommitReplaysDirectStoreWrites is the "external thread commits
// straight to the shared store" scenario spec.md §4.4 describes for
// notifyCommit/_sendOutstandingTransactions: a write made without going
// through StartCommit still gets broadcast to followers once the leader is
// woken up.
func TestNotifyCommitReplaysDirectStoreWrites(t *testing.T) {
	nodes := buildCluster(t, []string{"a", "b"}, map[string]int{"a": 10, "b": 1})
	defer closeCluster(nodes)
	stop := make(chan struct{})
	defer close(stop)
	driveCluster(t, nodes, stop)

	if !awaitCondition(3*time.Second, func() bool { return nodes["a"].State() == StateLeading }) {
		t.Fatalf("node a never became leader; states=%v", statesOf(nodes))
	}
	leader := nodes["a"].Node
	bootstrapFollowing(t, leader, nodes)
	beforeCount := leader.CommitCount()

	if err := leader.store.Begin(); err != nil {
		t.Fatalf("leader store.Begin: %v", err)
	}
	if err := leader.store.Exec("SET k directwrite"); err != nil {
		t.Fatalf("leader store.Exec: %v", err)
	}
	if _, _, err := leader.store.Prepare(); err != nil {
		t.Fatalf("leader store.Prepare: %v", err)
	}
	if err := leader.store.Commit(); err != nil {
		t.Fatalf("leader store.Commit: %v", err)
	}

	leader.NotifyCommit()

	if !awaitCondition(3*time.Second, func() bool {
		return nodes["b"].CommitCount() == beforeCount+1
	}) {
		t.Fatalf("follower never caught up on the directly-committed write; commitCount=%d, want %d",
			nodes["b"].CommitCount(), beforeCount+1)
	}
}

package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finnhauser/quorumdb/internal/errkind"
	"github.com/finnhauser/quorumdb/internal/store"
	"github.com/finnhauser/quorumdb/internal/wire"
)

// transactionRecord is the leader-side bookkeeping for one in-flight
// commit (spec.md §3 "Transaction record"). It lives for the duration of
// one StartCommit call.
type transactionRecord struct {
	mu          sync.Mutex
	id          string
	query       string
	consistency ConsistencyLevel
	commitCount uint64
	hash        string
	approvals   map[string]Vote
	denied      bool
	startedAt   time.Time
	failed      bool
	failReason  string
}

func newTransactionRecord(id, query string, level ConsistencyLevel, commitCount uint64, hash string) *transactionRecord {
	return &transactionRecord{
		id:          id,
		query:       query,
		consistency: level,
		commitCount: commitCount,
		hash:        hash,
		approvals:   make(map[string]Vote),
		startedAt:   time.Now(),
	}
}

func (t *transactionRecord) recordVote(peer string, v Vote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.approvals[peer] = v
	if v == VoteDeny {
		t.denied = true
	}
}

func (t *transactionRecord) approvalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range t.approvals {
		if v == VoteApprove {
			n++
		}
	}
	return n
}

func (t *transactionRecord) wasDenied() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.denied
}

func (t *transactionRecord) fail(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = true
	t.failReason = reason
}

// followerTxn is one follower-side in-flight replication task's rendezvous
// point for the COMMIT_TRANSACTION/ROLLBACK_TRANSACTION message that
// eventually resolves it (spec.md §4.4 "6-step replication task").
type followerTxn struct {
	id       string
	resolved chan *wire.Message
}

// startFollowerTxn / resolveFollowerTxn / dropFollowerTxn manage the
// id -> followerTxn table a follower's replication tasks register
// themselves in so the driver's message dispatch (running on a different
// goroutine) can hand each task its COMMIT or ROLLBACK.
func (n *Node) startFollowerTxn(id string) *followerTxn {
	ft := &followerTxn{id: id, resolved: make(chan *wire.Message, 1)}
	n.followerTxnsMu.Lock()
	n.followerTxns[id] = ft
	n.followerTxnsMu.Unlock()
	return ft
}

func (n *Node) resolveFollowerTxn(id string, m *wire.Message) bool {
	n.followerTxnsMu.Lock()
	ft, ok := n.followerTxns[id]
	n.followerTxnsMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ft.resolved <- m:
	default:
	}
	return true
}

func (n *Node) dropFollowerTxn(id string) {
	n.followerTxnsMu.Lock()
	delete(n.followerTxns, id)
	n.followerTxnsMu.Unlock()
}

// StartCommit implements spec.md §4.4's leader path: prepare the query
// locally, broadcast BEGIN_TRANSACTION, wait for approval according to
// level (escalating to QUORUM on the periodic checkpoint interval), then
// commit or roll back and notify peers either way. Only the driver thread
// may call this (spec.md §5, "startCommit... driver-only by policy").
func (n *Node) StartCommit(ctx context.Context, query string, level ConsistencyLevel) error {
	n.mu.Lock()
	if n.state != StateLeading {
		n.mu.Unlock()
		return errkind.New(errkind.InvalidState, "StartCommit called while not LEADING (state=%s)", n.state)
	}
	if n.currentTxn != nil {
		n.mu.Unlock()
		return errkind.New(errkind.InvalidState, "a commit is already in progress")
	}
	forceQuorum := n.config.QuorumCheckpointInterval > 0 && time.Since(n.lastQuorumCommit) > n.config.QuorumCheckpointInterval
	n.mu.Unlock()

	effective := level
	if forceQuorum {
		effective = Quorum
	}

	if err := n.store.Begin(); err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "begin leader transaction")
	}
	if err := n.store.Exec(query); err != nil {
		_ = n.store.Rollback()
		return err
	}
	count, hash, err := n.store.Prepare()
	if err != nil {
		_ = n.store.Rollback()
		return err
	}

	id := uuid.NewString()
	txn := newTransactionRecord(id, query, effective, count, hash)

	n.mu.Lock()
	n.currentTxn = txn
	n.commitState = CommitWaiting
	n.mu.Unlock()

	msg := wire.New(wire.BeginTransaction).
		Set(wire.HeaderID, id).
		SetUint(wire.HeaderNewCount, count).
		Set(wire.HeaderNewHash, hash).
		Set(wire.HeaderConsistencyLevel, string(effective)).
		SetBody([]byte(query))
	n.transport.Broadcast(msg)

	approved := n.awaitApproval(ctx, txn, effective)

	n.mu.Lock()
	n.commitState = CommitCommitting
	n.mu.Unlock()

	if !approved {
		_ = n.store.Rollback()
		n.transport.Broadcast(wire.New(wire.RollbackTransaction).
			Set(wire.HeaderID, id).
			SetUint(wire.HeaderNewCount, count).
			Set(wire.HeaderReason, "denied or quorum not reached"))
		n.localNotifier.CancelFrom(count)
		n.finishTxn()
		if n.metrics != nil {
			n.metrics.CommitFinished(false, time.Since(txn.startedAt))
		}
		return errkind.New(errkind.PeerDenied, "commit %d denied or timed out", count)
	}

	if err := n.store.Commit(); err != nil {
		n.finishTxn()
		if n.metrics != nil {
			n.metrics.CommitFinished(false, time.Since(txn.startedAt))
		}
		return errkind.Wrap(errkind.TransientIO, err, "committing local transaction %d", count)
	}
	n.localNotifier.NotifyThrough(count)
	n.transport.Broadcast(wire.New(wire.CommitTransaction).
		Set(wire.HeaderID, id).
		SetUint(wire.HeaderNewCount, count).
		Set(wire.HeaderNewHash, hash))
	n.mu.Lock()
	n.lastSentCommitCount = count
	n.mu.Unlock()

	if effective == Quorum {
		n.mu.Lock()
		n.lastQuorumCommit = time.Now()
		n.mu.Unlock()
	}
	n.finishTxn()
	if n.metrics != nil {
		n.metrics.CommitFinished(true, time.Since(txn.startedAt))
	}
	return nil
}

func (n *Node) finishTxn() {
	n.mu.Lock()
	n.currentTxn = nil
	n.commitState = CommitWaiting
	n.mu.Unlock()
}

// NotifyCommit wakes the leader's outstanding-transaction sender: an
// external thread committed one or more transactions directly against the
// shared store, bypassing StartCommit, and the rest of the cluster needs to
// learn about them (spec.md §4.4, "_sendOutstandingTransactions wakes when
// notifyCommit() is called"). Safe to call from any goroutine; a no-op on a
// non-leader.
func (n *Node) NotifyCommit() {
	go n.sendOutstandingTransactions()
}

// sendOutstandingTransactions replays every commit newer than the last one
// this leader broadcast as a BEGIN_TRANSACTION immediately followed by a
// COMMIT_TRANSACTION, the way runReplicationTask would have driven it had
// the write gone through StartCommit in the first place (spec.md §4.4).
func (n *Node) sendOutstandingTransactions() {
	n.outstandingMu.Lock()
	defer n.outstandingMu.Unlock()

	if n.State() != StateLeading {
		return
	}

	n.mu.Lock()
	from := n.lastSentCommitCount
	n.mu.Unlock()

	commits, err := n.store.ReadCommitsSince(from, 0)
	if err != nil {
		nodeLog.Warningf("%s: reading outstanding commits since %d: %v", n.name, from, err)
		return
	}

	for _, c := range commits {
		if n.State() != StateLeading {
			return
		}
		id := uuid.NewString()
		n.transport.Broadcast(wire.New(wire.BeginTransaction).
			Set(wire.HeaderID, id).
			SetUint(wire.HeaderNewCount, c.CommitCount).
			Set(wire.HeaderNewHash, c.Hash).
			Set(wire.HeaderConsistencyLevel, string(Async)).
			SetBody([]byte(c.Query)))
		// Pause briefly between the BEGIN and its COMMIT; there's no
		// approval round trip to space them out here.
		time.Sleep(approvalPollInterval)
		n.transport.Broadcast(wire.New(wire.CommitTransaction).
			Set(wire.HeaderID, id).
			SetUint(wire.HeaderNewCount, c.CommitCount).
			Set(wire.HeaderNewHash, c.Hash))

		n.localNotifier.NotifyThrough(c.CommitCount)
		n.mu.Lock()
		n.lastSentCommitCount = c.CommitCount
		n.mu.Unlock()
	}
}

const approvalPollInterval = 5 * time.Millisecond

// awaitApproval blocks until the requested consistency level's condition
// is met, a peer denies, ctx is canceled, or the configured commit timeout
// elapses. ASYNC never waits.
func (n *Node) awaitApproval(ctx context.Context, txn *transactionRecord, level ConsistencyLevel) bool {
	if level == Async {
		return true
	}
	deadline := time.Now().Add(n.commitTimeout())
	for {
		if txn.wasDenied() {
			return false
		}
		switch level {
		case One:
			if txn.approvalCount() >= 1 || n.registry.Len() == 0 {
				return true
			}
		case Quorum:
			if txn.approvalCount()+1 > (n.registry.Len()+1)/2 {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(approvalPollInterval):
		}
	}
}

func (n *Node) commitTimeout() time.Duration {
	if n.config.StandupTimeout > 0 {
		return n.config.StandupTimeout
	}
	return 10 * time.Second
}

// updateLeading implements spec.md §4.3 LEADING: nothing to drive here
// beyond honoring a shutdown request — commits are driven by external
// StartCommit calls (spec.md §5, "External command workers").
func (n *Node) updateLeading() bool {
	n.mu.RLock()
	shuttingDown := n.shuttingDown
	n.mu.RUnlock()
	if shuttingDown && n.CommitState() != CommitCommitting {
		n.ChangeState(StateStandingDown)
		return true
	}
	return false
}

// updateFollowing implements spec.md §4.3 FOLLOWING: fall back to
// SEARCHING if the lead peer disappears.
func (n *Node) updateFollowing() bool {
	lead := n.LeadPeer()
	if lead == nil || !lead.LoggedIn() {
		n.ChangeState(StateSearching)
		return true
	}
	return false
}

func handleBeginTransaction(n *Node, from string, m *wire.Message) dispatchResult {
	if n.State() != StateFollowing && n.State() != StateSubscribing {
		return continueResult()
	}
	lead := n.LeadPeer()
	if lead == nil || lead.Name != from {
		return continueResult()
	}
	id := m.Get(wire.HeaderID)
	newCount, _ := m.GetUint(wire.HeaderNewCount)
	newHash := m.Get(wire.HeaderNewHash)
	level, _ := ParseConsistencyLevel(m.Get(wire.HeaderConsistencyLevel))
	query := string(m.Body)

	// Register the task before returning, so a COMMIT or ROLLBACK that
	// arrives right behind this BEGIN on the same connection finds it.
	ft := n.startFollowerTxn(id)
	n.replicationWG.Add(1)
	n.activeReplicationTasks.Add(1)
	go n.runReplicationTask(ft, from, id, query, newCount, newHash, level)
	return continueResult()
}

// runReplicationTask is the follower's 6-step replication task (spec.md
// §4.4): prepare on a dedicated pool handle, report APPROVE/DENY, wait for
// the leader's decision, then commit or roll back in strict commit order
// relative to every other concurrent task.
func (n *Node) runReplicationTask(ft *followerTxn, leaderName, id, query string, newCount uint64, newHash string, level ConsistencyLevel) {
	defer n.replicationWG.Done()
	defer n.activeReplicationTasks.Add(-1)
	defer n.dropFollowerTxn(id)

	start := time.Now()
	idx := int(n.replicationThreadCounter.Add(1) % uint64(maxInt(n.pool.Size(), 1)))
	handle, release, err := n.pool.Acquire(idx)
	if err != nil {
		nodeLog.Warningf("%s: acquiring pool handle %d: %v", n.name, idx, err)
		_ = n.transport.Send(leaderName, wire.New(wire.DenyTransaction).Set(wire.HeaderID, id).Set(wire.HeaderReason, "no handle available"))
		return
	}
	defer release()

	preparedCount, preparedHash, ok := n.prepareWithRetry(handle, query)
	if !ok {
		_ = n.transport.Send(leaderName, wire.New(wire.DenyTransaction).Set(wire.HeaderID, id).Set(wire.HeaderReason, "conflict"))
		return
	}
	if preparedCount != newCount || preparedHash != newHash {
		_ = handle.Rollback()
		_ = n.transport.Send(leaderName, wire.New(wire.DenyTransaction).Set(wire.HeaderID, id).Set(wire.HeaderReason, "HASH_MISMATCH"))
		return
	}

	_ = n.transport.Send(leaderName, wire.New(wire.ApproveTransaction).
		Set(wire.HeaderID, id).
		SetUint(wire.HeaderNewCount, preparedCount).
		Set(wire.HeaderNewHash, preparedHash))

	var decision *wire.Message
	select {
	case decision = <-ft.resolved:
	case <-time.After(n.commitTimeout()):
		_ = handle.Rollback()
		nodeLog.Warningf("%s: timed out waiting for leader decision on txn %s", n.name, id)
		return
	}

	if decision.Method == wire.RollbackTransaction {
		_ = handle.Rollback()
		n.localNotifier.CancelFrom(newCount)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.commitTimeout())
	defer cancel()
	if newCount > 1 {
		if err := n.localNotifier.WaitUntil(ctx, newCount-1); err != nil {
			_ = handle.Rollback()
			return
		}
	}
	if err := handle.Commit(); err != nil {
		nodeLog.Errorf("%s: committing replicated txn %s: %v", n.name, id, err)
		n.localNotifier.CancelFrom(newCount)
		return
	}
	n.localNotifier.NotifyThrough(newCount)
	if n.metrics != nil {
		n.metrics.ReplicationApplied(time.Since(start))
	}
}

// prepareWithRetry runs Begin/Exec/Prepare, retrying from Begin on a
// store conflict (spec.md §4.4 step 2, "on conflict, rolls back and
// retries").
func (n *Node) prepareWithRetry(handle store.Handle, query string) (uint64, string, bool) {
	for attempt := 0; attempt < 25; attempt++ {
		if n.replicationShouldExit.Load() {
			return 0, "", false
		}
		if err := handle.Begin(); err != nil {
			return 0, "", false
		}
		if err := handle.Exec(query); err != nil {
			_ = handle.Rollback()
			if errkind.Is(err, errkind.Conflict) {
				if n.metrics != nil {
					n.metrics.ReplicationRetry()
				}
				time.Sleep(time.Millisecond * time.Duration(attempt+1))
				continue
			}
			return 0, "", false
		}
		count, hash, err := handle.Prepare()
		if err != nil {
			_ = handle.Rollback()
			if errkind.Is(err, errkind.Conflict) {
				if n.metrics != nil {
					n.metrics.ReplicationRetry()
				}
				time.Sleep(time.Millisecond * time.Duration(attempt+1))
				continue
			}
			return 0, "", false
		}
		return count, hash, true
	}
	return 0, "", false
}

func handleApproveTransaction(n *Node, from string, m *wire.Message) dispatchResult {
	n.mu.RLock()
	txn := n.currentTxn
	n.mu.RUnlock()
	if txn == nil || txn.id != m.Get(wire.HeaderID) {
		return continueResult()
	}
	txn.recordVote(from, VoteApprove)
	return continueResult()
}

func handleDenyTransaction(n *Node, from string, m *wire.Message) dispatchResult {
	n.mu.RLock()
	txn := n.currentTxn
	n.mu.RUnlock()
	if txn == nil || txn.id != m.Get(wire.HeaderID) {
		return continueResult()
	}
	txn.recordVote(from, VoteDeny)
	return continueResult()
}

func handleCommitTransaction(n *Node, from string, m *wire.Message) dispatchResult {
	lead := n.LeadPeer()
	if lead == nil || lead.Name != from {
		return continueResult()
	}
	id := m.Get(wire.HeaderID)
	if newCount, ok := m.GetUint(wire.HeaderNewCount); ok {
		_, h := lead.CommitPosition()
		lead.SetCommitPosition(newCount, h)
	}
	if !n.resolveFollowerTxn(id, m) {
		// No local task is waiting on this id: either it already resolved
		// (spec.md §8 "COMMIT_TRANSACTION replay idempotence") or this
		// follower never saw the matching BEGIN_TRANSACTION. Either way
		// there is nothing further to apply here.
		nodeLog.Debugf("%s: COMMIT_TRANSACTION %s with no matching in-flight task", n.name, id)
	}
	return continueResult()
}

func handleRollbackTransaction(n *Node, from string, m *wire.Message) dispatchResult {
	lead := n.LeadPeer()
	if lead == nil || lead.Name != from {
		return continueResult()
	}
	id := m.Get(wire.HeaderID)
	if newCount, ok := m.GetUint(wire.HeaderNewCount); ok {
		n.localNotifier.CancelFrom(newCount)
	}
	n.resolveFollowerTxn(id, m)
	return continueResult()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

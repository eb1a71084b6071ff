package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/finnhauser/quorumdb/internal/buildinfo"
	"github.com/finnhauser/quorumdb/internal/clusterconfig"
	"github.com/finnhauser/quorumdb/internal/metrics"
	"github.com/finnhauser/quorumdb/internal/notifier"
	"github.com/finnhauser/quorumdb/internal/store"
	"github.com/finnhauser/quorumdb/internal/wire"
)

var nodeLog = logger.GetLogger("cluster/node")

// Server is the command-server collaborator contract from spec.md §6:
// the node hands the server escalated or locally-committed commands to
// acknowledge, and the server hands the node commands to replicate via
// StartCommit. Implemented outside this package (the command server is
// explicitly out of THE CORE's scope, spec.md §1).
type Server interface {
	// AcceptCommand is called once per command this node must originate a
	// commit for (spec.md §6 acceptCommand).
	AcceptCommand(command string) (consistency ConsistencyLevel, ok bool)

	// CompleteCommand notifies the server a command this node escalated or
	// committed has reached a final outcome.
	CompleteCommand(commandID string, success bool, result []byte)
}

// dispatchResult is the tagged Continue/Reconnect(reason) result spec.md §9
// calls for in place of the original's exception-as-control-flow: a
// message handler either lets processing continue on this connection, or
// asks the driver loop to tear the peer connection down and re-enter
// SEARCHING if the peer was the lead peer.
type dispatchResult struct {
	reconnect bool
	reason    string
}

func continueResult() dispatchResult { return dispatchResult{} }

func reconnectResult(reason string) dispatchResult {
	return dispatchResult{reconnect: true, reason: reason}
}

type handlerFunc func(n *Node, from string, m *wire.Message) dispatchResult

// Node is the whole replication/role state machine for one cluster member.
// It corresponds to spec.md §3's Node singleton, generalized from a
// process-wide singleton to an explicit value so multiple nodes can run in
// one test process (spec.md §9 "Global state").
type Node struct {
	name               string
	version            string
	configuredPriority int64
	currentPriority    atomic.Int64 // notReadyPriority while shutting down

	config    *clusterconfig.Config
	store     store.Store
	pool      *store.Pool
	registry  *Registry
	transport *Transport

	localNotifier *notifier.Sequential // advances with this node's own commits

	escalations *escalationMap

	metrics *metrics.Registry
	server  Server

	mu               sync.RWMutex
	state            State
	commitState      CommitState
	leadPeer         *Peer
	stateChangeCount uint64
	stateEnteredAt   time.Time
	shutdownDeadline time.Time
	shuttingDown     bool
	lastQuorumCommit time.Time
	currentTxn       *transactionRecord

	replicationThreadCounter atomic.Uint64
	replicationShouldExit    atomic.Bool
	replicationWG            sync.WaitGroup
	activeReplicationTasks   atomic.Int64

	// outstandingMu serializes sendOutstandingTransactions runs so two
	// NotifyCommit wake-ups in quick succession don't interleave their
	// BEGIN/COMMIT broadcasts (spec.md §4.4 "_sendOutstandingTransactions").
	outstandingMu       sync.Mutex
	lastSentCommitCount uint64

	// standupAttempts counts how many times this node has entered
	// STANDINGUP since process start, so standupTimeout can use a longer
	// firstTimeout on the first attempt (spec.md §8 boundary test) and a
	// shorter steady-state timeout on every attempt after.
	standupAttempts atomic.Uint64

	followerTxnsMu sync.Mutex
	followerTxns   map[string]*followerTxn

	pingTimer      gometrics.Timer
	dispatchTimer  gometrics.Timer
	syncApplyTimer gometrics.Timer

	dispatch map[string]handlerFunc
}

// NewNode wires together the collaborators declared in spec.md §6 into one
// running node. The Server may be nil until the caller's command layer is
// ready; AcceptCommand/CompleteCommand calls are skipped in that case.
func NewNode(cfg *clusterconfig.Config, st store.Store, pool *store.Pool, mr *metrics.Registry, server Server) *Node {
	n := &Node{
		name:               cfg.NodeName,
		version:            buildinfo.Version,
		configuredPriority: int64(cfg.Priority),
		config:             cfg,
		store:              st,
		pool:               pool,
		registry:           NewRegistry(cfg.Peers),
		localNotifier:      notifier.New(),
		escalations:        newEscalationMap(),
		metrics:            mr,
		server:             server,
		state:              StateSearching,
		stateEnteredAt:     time.Now(),
		followerTxns:       make(map[string]*followerTxn),
		pingTimer:          gometrics.NewTimer(),
		dispatchTimer:      gometrics.NewTimer(),
		syncApplyTimer:     gometrics.NewTimer(),
	}
	if cfg.Permafollower {
		n.currentPriority.Store(-1)
	} else {
		n.currentPriority.Store(int64(cfg.Priority))
	}
	n.transport = NewTransport(n.name, n.onMessage)
	n.dispatch = map[string]handlerFunc{
		wire.Login:               handleLogin,
		wire.Ping:                handlePing,
		wire.Pong:                handlePong,
		wire.State:               handleState,
		wire.Standup:             handleStandup,
		wire.StandupResponse:     handleStandupResponse,
		wire.Subscribe:           handleSubscribe,
		wire.Synchronize:         handleSynchronize,
		wire.SynchronizeResponse: handleSynchronizeResponse,
		wire.BeginTransaction:    handleBeginTransaction,
		wire.ApproveTransaction:  handleApproveTransaction,
		wire.DenyTransaction:     handleDenyTransaction,
		wire.CommitTransaction:   handleCommitTransaction,
		wire.RollbackTransaction: handleRollbackTransaction,
		wire.Escalate:            handleEscalate,
		wire.EscalateResponse:    handleEscalateResponse,
		wire.EscalateCancel:      handleEscalateCancel,
	}
	return n
}

// Listen starts accepting inbound peer connections.
func (n *Node) Listen() error {
	return n.transport.Listen(n.config.ListenAddress)
}

// loginMessage builds this node's LOGIN, carrying every header spec.md §6
// requires on it (CommitCount, Hash, Priority, Version, State,
// CommandAddress) plus this node's own identity so the peer on the other
// end can attribute the connection (spec.md §4.1).
func (n *Node) loginMessage() *wire.Message {
	hash, _ := n.lastHash()
	m := wire.New(wire.Login).
		Set(wire.HeaderName, n.name).
		SetUint(wire.HeaderCommitCount, n.CommitCount()).
		Set(wire.HeaderHash, hash).
		SetUint(wire.HeaderPriority, uint64(n.Priority())).
		Set(wire.HeaderVersion, n.version).
		Set(wire.HeaderState, n.State().String()).
		Set(wire.HeaderCommandAddress, n.config.CommandAddress)
	if n.config.Permafollower {
		m.Set(wire.HeaderPermafollower, "true")
	}
	return m
}

// ConnectPeers dials every configured peer that is not currently connected
// and whose reconnect backoff window has elapsed (spec.md §4.1).
func (n *Node) ConnectPeers() {
	for _, p := range n.registry.All() {
		if n.transport.IsConnected(p.Name) || !p.ReadyToReconnect() {
			continue
		}
		if err := n.transport.Connect(p.Name, p.Address, n.loginMessage()); err != nil {
			nodeLog.Debugf("%s: connecting to %s: %v", n.name, p.Name, err)
			p.MarkDisconnected(backoffFor)
		}
	}
}

// RunReconnectLoop periodically calls ConnectPeers until ctx is canceled.
func (n *Node) RunReconnectLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.ConnectPeers()
		}
	}
}

// Name returns this node's configured identity.
func (n *Node) Name() string { return n.name }

// State returns the current role state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// CommitState returns the current in-flight commit lifecycle state.
func (n *Node) CommitState() CommitState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.commitState
}

// LeadPeer returns the peer currently believed to be leader, or nil if
// this node is itself leading or has no lead peer (spec.md §5 "RWLock
// guards _leadPeer").
func (n *Node) LeadPeer() *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leadPeer
}

func (n *Node) setLeadPeer(p *Peer) {
	n.mu.Lock()
	n.leadPeer = p
	n.mu.Unlock()
}

// LeaderState reports the role state last advertised by the lead peer, so
// a follower's command server can decide whether it's even worth
// redirecting a client there. Returns StateSearching if there is no lead
// peer.
func (n *Node) LeaderState() State {
	lead := n.LeadPeer()
	if lead == nil {
		return StateSearching
	}
	return lead.State()
}

// LeaderCommandAddress returns the address the lead peer advertised for
// client commands, or "" if this node has no lead peer.
func (n *Node) LeaderCommandAddress() string {
	lead := n.LeadPeer()
	if lead == nil {
		return ""
	}
	return lead.CommandAddress()
}

// StateChangeCount reports how many times ChangeState has run; it is sent
// in every STATE broadcast (spec.md §wire StateChangeCount). The receiving
// side does not read it.
func (n *Node) StateChangeCount() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stateChangeCount
}

// CommitCount returns the local store's current commit count.
func (n *Node) CommitCount() uint64 {
	c, _ := n.store.GetCommitCount()
	return c
}

// Priority returns this node's currently advertised priority, which is
// notReadyPriority while a graceful shutdown is in progress (spec.md
// §4.7).
func (n *Node) Priority() int64 {
	return n.currentPriority.Load()
}

// ChangeState transitions the node to newState, bumping the state-change
// counter, resetting per-state transient fields, and broadcasting STATE to
// every peer (spec.md §4.3 "_changeState"). Leaving LEADING with a commit
// still in flight fails it (spec.md §4.3, "the driver never simply
// abandons an outstanding transaction").
func (n *Node) ChangeState(newState State) {
	n.mu.Lock()
	oldState := n.state
	if oldState == newState {
		n.mu.Unlock()
		return
	}
	if oldState == StateLeading && n.currentTxn != nil {
		n.failCurrentTxnLocked("leaving LEADING")
	}
	n.state = newState
	n.stateChangeCount++
	n.stateEnteredAt = time.Now()
	// Callers set the lead peer before entering SYNCHRONIZING, SUBSCRIBING or
	// FOLLOWING; every other state has no lead peer.
	if newState != StateSynchronizing && newState != StateSubscribing && newState != StateFollowing {
		n.leadPeer = nil
	}
	n.mu.Unlock()

	nodeLog.Infof("%s: %s -> %s", n.name, oldState, newState)
	if n.metrics != nil {
		n.metrics.StateGauge(newState.String())
	}
	for _, p := range n.registry.All() {
		p.ResetVotes()
	}
	n.broadcastState()
}

func (n *Node) broadcastState() {
	m := wire.New(wire.State).
		SetUint(wire.HeaderCommitCount, n.CommitCount()).
		Set(wire.HeaderState, n.State().String()).
		SetUint(wire.HeaderStateChangeCount, n.StateChangeCount()).
		SetUint(wire.HeaderPriority, uint64(n.Priority()))
	n.transport.Broadcast(m)
}

// stateSince reports how long the node has been in its current state,
// used by the timeout checks in Update.
func (n *Node) stateSince() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return time.Since(n.stateEnteredAt)
}

// Update runs one tick of the driver loop (spec.md §6 "Driver contract",
// §4.3 "update()"): it dispatches to the handler for the current state and
// returns whether the caller should call Update again immediately rather
// than wait for the next wake-up (a mid-transition state change wants to
// be re-evaluated without delay).
func (n *Node) Update() bool {
	switch n.State() {
	case StateSearching:
		return n.updateSearching()
	case StateSynchronizing:
		return n.updateSynchronizing()
	case StateWaiting:
		return n.updateWaiting()
	case StateStandingUp:
		return n.updateStandingUp()
	case StateLeading:
		return n.updateLeading()
	case StateStandingDown:
		return n.updateStandingDown()
	case StateSubscribing:
		return n.updateSubscribing()
	case StateFollowing:
		return n.updateFollowing()
	default:
		n.ChangeState(StateSearching)
		return true
	}
}

// onMessage is Transport's dispatch callback: it looks up the handler for
// m.Method and runs it, tearing the connection down (and forcing
// SEARCHING if the sender was the lead peer) on a Reconnect result — the
// Go replacement for the original's exception-driven reconnect (spec.md
// §9).
func (n *Node) onMessage(from string, m *wire.Message) {
	h, ok := n.dispatch[m.Method]
	if !ok {
		nodeLog.Warningf("%s: unknown method %q from %s", n.name, m.Method, from)
		return
	}
	at := NewAutoTimer(n.dispatchTimer)
	result := h(n, from, m)
	at.Stop()
	if result.reconnect {
		nodeLog.Warningf("%s: reconnecting %s: %s", n.name, from, result.reason)
		n.handlePeerLoss(from)
	}
}

// handlePeerLoss applies spec.md §4.1's "On disconnect" behavior plus the
// lead-peer special case: losing the lead peer forces SEARCHING and cancels
// every waiter on the local notifier, since the local commit history's
// relationship to the cluster is now unknown.
func (n *Node) handlePeerLoss(peerName string) {
	p, ok := n.registry.Get(peerName)
	if ok {
		p.MarkDisconnected(backoffFor)
	}
	n.transport.Disconnect(peerName)

	lead := n.LeadPeer()
	if lead != nil && lead.Name == peerName {
		n.setLeadPeer(nil)
		n.localNotifier.CancelFrom(0)
		n.escalations.drainAndRequeue(func() {
			if n.metrics != nil {
				n.metrics.EscalationDropped()
			}
		})
		n.ChangeState(StateSearching)
	}
}

func (n *Node) failCurrentTxnLocked(reason string) {
	if n.currentTxn == nil {
		return
	}
	n.currentTxn.fail(reason)
	n.commitState = CommitFailed
	n.currentTxn = nil
}

// BeginShutdown starts the graceful shutdown sequence (spec.md §4.7): stop
// advertising a standup-worthy priority and, if leading, hand off, but let
// any replication task already in flight run to completion on its own —
// forcing it to abandon a conflict retry here would turn every graceful
// shutdown into a forced one. The force-cancel signal is set by Close, only
// once ShutdownComplete's deadline has actually elapsed or the graceful
// drain has finished on its own.
func (n *Node) BeginShutdown(wait time.Duration) {
	n.mu.Lock()
	n.shuttingDown = true
	n.shutdownDeadline = time.Now().Add(wait)
	state := n.state
	n.mu.Unlock()
	n.currentPriority.Store(notReadyPriority)

	if state == StateLeading {
		n.ChangeState(StateStandingDown)
	}
}

// ShutdownComplete reports whether it is safe to stop the process (spec.md
// §4.7 shutdownComplete): no commit in flight, no outstanding escalations,
// no live replication tasks, and the state has settled to SEARCHING or
// WAITING — or the deadline has simply elapsed.
func (n *Node) ShutdownComplete() bool {
	n.mu.RLock()
	deadline := n.shutdownDeadline
	commitInProgress := n.currentTxn != nil
	state := n.state
	n.mu.RUnlock()

	if !deadline.IsZero() && time.Now().After(deadline) {
		return true
	}
	if commitInProgress {
		return false
	}
	if n.escalations.Len() > 0 {
		return false
	}
	if n.activeReplicationTasks.Load() > 0 {
		return false
	}
	return state == StateSearching || state == StateWaiting
}

// RunPingLoop periodically pings every logged-in peer until ctx is
// canceled, driving the latency samples SendPing/handlePong feed into
// Peer.Latency and the peer_latency_seconds metric (spec.md SUPPLEMENTED
// FEATURES).
func (n *Node) RunPingLoop(ctx context.Context) {
	interval := n.config.PingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range n.registry.LoggedIn() {
				_ = n.SendPing(p.Name)
			}
		}
	}
}

// Close tears down the transport and store pool. Callers should ensure
// ShutdownComplete() first for a graceful stop.
func (n *Node) Close() error {
	n.replicationShouldExit.Store(true)
	n.replicationWG.Wait()
	var merr error
	merr = errors.CombineErrors(merr, n.transport.Close())
	if n.pool != nil {
		merr = errors.CombineErrors(merr, n.pool.Close())
	}
	merr = errors.CombineErrors(merr, n.store.Close())
	return merr
}

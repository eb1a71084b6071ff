package cluster

import (
	"time"

	"github.com/finnhauser/quorumdb/internal/wire"
)

// standupTimeout bounds how long a node waits in STANDINGUP for peer votes
// before giving up and falling back to SEARCHING (spec.md §4.3). The first
// time this process enters STANDINGUP it uses the longer FirstStandupTimeout
// (peers may still be mid-reconnect right after startup); every later
// attempt uses the shorter steady-state StandupTimeout (spec.md §8 boundary
// test: "standup timeout equals configured firstTimeout on first entry and
// a smaller steady-state value thereafter").
func (n *Node) standupTimeout() time.Duration {
	if n.standupAttempts.Load() <= 1 {
		if n.config.FirstStandupTimeout > 0 {
			return n.config.FirstStandupTimeout
		}
		return 30 * time.Second
	}
	if n.config.StandupTimeout > 0 {
		return n.config.StandupTimeout
	}
	return 10 * time.Second
}

// updateSearching implements spec.md §4.3 SEARCHING: move to SYNCHRONIZING
// against whichever logged-in peer is furthest ahead, or straight to
// WAITING if no logged-in peer is ahead of us.
func (n *Node) updateSearching() bool {
	peers := n.registry.All()
	best := n.bestSyncSource(peers)
	if best == nil {
		n.ChangeState(StateWaiting)
		return true
	}
	n.setLeadPeer(nil)
	n.startSynchronizing(best)
	return true
}

// bestSyncSource returns the logged-in peer with the highest reported
// commit count strictly ahead of ours, or nil if none is ahead.
func (n *Node) bestSyncSource(peers []*Peer) *Peer {
	myCount := n.CommitCount()
	var best *Peer
	var bestCount uint64
	for _, p := range peers {
		if !p.LoggedIn() {
			continue
		}
		count, _ := p.CommitPosition()
		if count > myCount && (best == nil || count > bestCount) {
			best = p
			bestCount = count
		}
	}
	return best
}

// updateWaiting implements spec.md §4.3 WAITING: a node with nothing to
// synchronize against waits here until it either sees a peer worth
// following (one ahead of us, or one that is LEADING), or wins the
// priority/commit/name tie-break among logged-in peers and stands up
// itself.
func (n *Node) updateWaiting() bool {
	peers := n.registry.All()
	if best := n.bestSyncSource(peers); best != nil {
		n.startSynchronizing(best)
		return true
	}
	for _, p := range peers {
		if p.LoggedIn() && p.State() == StateLeading {
			n.startSynchronizing(p)
			return true
		}
	}
	if n.Priority() < 0 {
		return false // permafollower or shutting down: never stands up
	}
	if n.shouldStandup(peers) {
		n.standupAttempts.Add(1)
		n.ChangeState(StateStandingUp)
		if n.metrics != nil {
			n.metrics.ElectionStarted()
		}
		n.transport.Broadcast(wire.New(wire.Standup))
		return true
	}
	return false
}

// quorumOfPeersLoggedIn reports whether at least a majority of the full
// configured membership (including self) is currently logged in. This is
// the precondition spec.md §4.3 sets before a node in WAITING may even
// consider standing up: with zero peers logged in (e.g. immediately after
// process start, before any peer connection has completed) the tie-break
// below is vacuously true for every node running it, which without this
// gate would let every node in a fresh cluster stand up simultaneously.
func (n *Node) quorumOfPeersLoggedIn(peers []*Peer) bool {
	loggedIn := 0
	for _, p := range peers {
		if p.LoggedIn() {
			loggedIn++
		}
	}
	total := len(peers) + 1
	return (loggedIn+1)*2 > total
}

// shouldStandup applies the tie-break rule from spec.md §4.3: among all
// logged-in peers at the same commit count, the highest priority wins;
// ties break on commit count, then lexicographically on name. A node only
// proceeds to STANDINGUP if a majority of the membership is logged in, it
// has spent at least one standup-timeout period in WAITING/SEARCHING
// gathering peer state, and it wins against every logged-in peer.
func (n *Node) shouldStandup(peers []*Peer) bool {
	if !n.quorumOfPeersLoggedIn(peers) {
		return false
	}
	if n.stateSince() < n.standupTimeout() {
		return false
	}
	myCount := n.CommitCount()
	for _, p := range peers {
		if !p.LoggedIn() {
			continue
		}
		count, _ := p.CommitPosition()
		if betterCandidate(p.Priority(), count, p.Name, n.Priority(), myCount, n.name) {
			return false
		}
	}
	return true
}

// betterCandidate reports whether candidate (priority, commit, name) beats
// incumbent (priority, commit, name) under spec.md §4.3's tie-break:
// priority first, then commit count, then lexicographically smaller name
// wins (a deterministic total order every node computes identically).
func betterCandidate(cPriority int64, cCommit uint64, cName string, iPriority int64, iCommit uint64, iName string) bool {
	if cPriority != iPriority {
		return cPriority > iPriority
	}
	if cCommit != iCommit {
		return cCommit > iCommit
	}
	return cName < iName
}

// updateStandingUp implements spec.md §4.3 STANDINGUP: wait for
// STANDUP_RESPONSE from every logged-in peer (or the standup timeout), and
// become LEADING only if no reachable peer denied.
func (n *Node) updateStandingUp() bool {
	peers := n.registry.All()
	if !n.quorumOfPeersLoggedIn(peers) {
		if n.stateSince() > n.standupTimeout() {
			n.ChangeState(StateSearching)
			if n.metrics != nil {
				n.metrics.StandupResult(false)
			}
			return true
		}
		return false
	}
	denied := false
	allResponded := true
	for _, p := range peers {
		if !p.LoggedIn() {
			continue
		}
		switch p.StandupResponse() {
		case VoteDeny:
			denied = true
		case VoteNone:
			allResponded = false
		}
	}
	if denied {
		n.ChangeState(StateSearching)
		if n.metrics != nil {
			n.metrics.StandupResult(false)
		}
		return true
	}
	if allResponded || n.stateSince() > n.standupTimeout() {
		if n.metrics != nil {
			n.metrics.StandupResult(true)
		}
		n.becomeLeader()
		return true
	}
	return false
}

func (n *Node) becomeLeader() {
	n.mu.Lock()
	n.lastSentCommitCount = n.CommitCount()
	n.mu.Unlock()
	n.ChangeState(StateLeading)
}

// updateStandingDown implements spec.md §4.3 STANDINGDOWN: wait for any
// in-flight commit to finish, then fall back to SEARCHING so the cluster
// re-elects.
func (n *Node) updateStandingDown() bool {
	if n.CommitState() == CommitCommitting {
		return false
	}
	n.ChangeState(StateSearching)
	return true
}

// hasQuorum implements spec.md §4.3 "Quorum": a strict majority of the
// full configured peer list including self must currently be subscribed
// for a leader to accept QUORUM-consistency commits.
func (n *Node) hasQuorum() bool {
	total := n.registry.Len() + 1
	subscribed := len(n.registry.Subscribed()) + 1 // leader counts itself
	return subscribed*2 > total
}

func handleLogin(n *Node, from string, m *wire.Message) dispatchResult {
	p, ok := n.registry.Get(from)
	if !ok {
		return reconnectResult("login from unknown peer " + from)
	}
	if count, ok := m.GetUint(wire.HeaderCommitCount); ok {
		p.SetCommitPosition(count, m.Get(wire.HeaderHash))
	}
	if pr, ok := m.GetUint(wire.HeaderPriority); ok {
		p.SetPriority(int64(pr))
	}
	p.SetVersion(m.Get(wire.HeaderVersion))
	p.SetCommandAddress(m.Get(wire.HeaderCommandAddress))
	if m.Get(wire.HeaderPermafollower) == "true" {
		p.Permafollower = true
	}
	wasLoggedIn := p.LoggedIn()
	p.MarkLoggedIn()
	if !wasLoggedIn {
		// Answer with our own LOGIN so the side that dialed logs us in too;
		// a peer that already has us logged in does not answer again.
		_ = n.transport.Send(from, n.loginMessage())
	}
	return continueResult()
}

// SendPing issues a PING to peerName and records the send time so the
// matching PONG can be turned into a round-trip latency sample (spec.md
// SUPPLEMENTED FEATURES, Peer::latency).
func (n *Node) SendPing(peerName string) error {
	p, ok := n.registry.Get(peerName)
	if !ok {
		return nil
	}
	p.MarkPingSent()
	return n.transport.Send(peerName, wire.New(wire.Ping))
}

func handlePing(n *Node, from string, m *wire.Message) dispatchResult {
	_ = n.transport.Send(from, wire.New(wire.Pong))
	return continueResult()
}

func handlePong(n *Node, from string, m *wire.Message) dispatchResult {
	p, ok := n.registry.Get(from)
	if !ok {
		return continueResult()
	}
	sentAt, ok := p.TakePingSent()
	if !ok {
		return continueResult()
	}
	rtt := TimeSince(n.pingTimer, sentAt)
	p.SetLatency(rtt)
	if n.metrics != nil {
		n.metrics.PeerLatency(from, rtt)
	}
	return continueResult()
}

func handleState(n *Node, from string, m *wire.Message) dispatchResult {
	p, ok := n.registry.Get(from)
	if !ok {
		return reconnectResult("STATE from unknown peer " + from)
	}
	if count, ok := m.GetUint(wire.HeaderCommitCount); ok {
		p.SetCommitPosition(count, p.stableHash())
	}
	if pr, ok := m.GetUint(wire.HeaderPriority); ok {
		p.SetPriority(int64(pr))
	}
	stateStr := m.Get(wire.HeaderState)
	for s := StateUnknown; s <= StateFollowing; s++ {
		if s.String() == stateStr {
			p.SetState(s)
			break
		}
	}
	return continueResult()
}

func handleStandup(n *Node, from string, m *wire.Message) dispatchResult {
	p, ok := n.registry.Get(from)
	if !ok {
		return reconnectResult("STANDUP from unknown peer " + from)
	}
	vote := VoteApprove
	reason := ""
	myCount := n.CommitCount()
	count, _ := p.CommitPosition()
	if n.State() == StateStandingUp || n.State() == StateLeading {
		if betterCandidate(n.Priority(), myCount, n.name, p.Priority(), count, p.Name) {
			vote = VoteDeny
			reason = "we outrank the candidate"
		}
	}
	resp := wire.New(wire.StandupResponse).Set(wire.HeaderReason, reason)
	if vote == VoteDeny {
		resp.Set("Vote", "DENY")
	} else {
		resp.Set("Vote", "APPROVE")
	}
	_ = n.transport.Send(from, resp)
	return continueResult()
}

func handleStandupResponse(n *Node, from string, m *wire.Message) dispatchResult {
	p, ok := n.registry.Get(from)
	if !ok {
		return reconnectResult("STANDUP_RESPONSE from unknown peer " + from)
	}
	if m.Get("Vote") == "DENY" {
		p.SetStandupResponse(VoteDeny)
	} else {
		p.SetStandupResponse(VoteApprove)
	}
	return continueResult()
}

// stableHash is a placeholder accessor used when a STATE broadcast updates
// only the commit count: STATE does not carry Hash (spec.md §wire), so the
// peer's previously known hash is retained as-is until the next message
// that does carry one.
func (p *Peer) stableHash() string {
	_, h := p.CommitPosition()
	return h
}

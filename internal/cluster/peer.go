package cluster

import (
	"sync"
	"sync/atomic"
	"time"
)

// Peer holds one other cluster member's immutable identity plus its
// atomically-updated observed state (spec.md §3 "Peer"). The connection
// resource itself is not stored here — per spec.md §9's design note, the
// socket is owned by the node's connection table (see transport.go) and
// looked up by peer name, breaking the ownership cycle the original
// mutually-referencing Peer/socket pair had.
type Peer struct {
	// Identity, fixed for the peer's lifetime.
	Name          string
	Address       string
	Permafollower bool

	// commitMu guards the (commitCount, hash) pair, which spec.md §3
	// requires always be read/written together.
	commitMu    sync.Mutex
	commitCount uint64
	hash        string

	failedConnections  atomic.Uint64
	latencyNanos       atomic.Int64
	loggedIn           atomic.Bool
	nextReconnectNanos atomic.Int64
	pingSentNanos      atomic.Int64
	priority           atomic.Int64
	state              atomic.Int32
	standupResponse    atomic.Int32
	subscribed         atomic.Bool
	txResponse         atomic.Int32
	version            atomic.Pointer[string]
	commandAddress     atomic.Pointer[string]
}

// NewPeer creates a Peer in its just-configured, not-yet-connected state.
func NewPeer(name, address string, permafollower bool) *Peer {
	p := &Peer{Name: name, Address: address, Permafollower: permafollower}
	p.state.Store(int32(StateUnknown))
	empty := ""
	p.version.Store(&empty)
	p.commandAddress.Store(&empty)
	return p
}

// CommitPosition returns the peer's last-reported (commitCount, hash) pair.
func (p *Peer) CommitPosition() (uint64, string) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	return p.commitCount, p.hash
}

// SetCommitPosition updates the peer's (commitCount, hash) pair atomically
// as a unit.
func (p *Peer) SetCommitPosition(commitCount uint64, hash string) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	p.commitCount = commitCount
	p.hash = hash
}

func (p *Peer) LoggedIn() bool    { return p.loggedIn.Load() }
func (p *Peer) Subscribed() bool  { return p.subscribed.Load() }
func (p *Peer) State() State      { return State(p.state.Load()) }
func (p *Peer) SetState(s State)  { p.state.Store(int32(s)) }
func (p *Peer) Priority() int64   { return p.priority.Load() }
func (p *Peer) SetPriority(v int64) { p.priority.Store(v) }

func (p *Peer) StandupResponse() Vote      { return Vote(p.standupResponse.Load()) }
func (p *Peer) SetStandupResponse(v Vote)  { p.standupResponse.Store(int32(v)) }
func (p *Peer) TransactionResponse() Vote  { return Vote(p.txResponse.Load()) }
func (p *Peer) SetTransactionResponse(v Vote) { p.txResponse.Store(int32(v)) }

func (p *Peer) Version() string { return *p.version.Load() }
func (p *Peer) SetVersion(v string) { p.version.Store(&v) }

func (p *Peer) CommandAddress() string { return *p.commandAddress.Load() }
func (p *Peer) SetCommandAddress(v string) { p.commandAddress.Store(&v) }

func (p *Peer) Latency() time.Duration { return time.Duration(p.latencyNanos.Load()) }
func (p *Peer) SetLatency(d time.Duration) { p.latencyNanos.Store(int64(d)) }

// MarkPingSent records the time a PING was sent, for round-trip
// measurement when the matching PONG arrives.
func (p *Peer) MarkPingSent() {
	p.pingSentNanos.Store(time.Now().UnixNano())
}

// TakePingSent returns and clears the last recorded PING send time. ok is
// false if no PING is outstanding (already answered, or none sent).
func (p *Peer) TakePingSent() (t time.Time, ok bool) {
	nanos := p.pingSentNanos.Swap(0)
	if nanos == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// MarkLoggedIn records a successful LOGIN exchange, resetting the failure
// counter that drives reconnect backoff.
func (p *Peer) MarkLoggedIn() {
	p.loggedIn.Store(true)
	p.failedConnections.Store(0)
}

func (p *Peer) SetSubscribed(v bool) { p.subscribed.Store(v) }

// MarkDisconnected resets a peer to its unconnected observed state
// (spec.md §4.1 "On disconnect"): clears loggedIn/subscribed, resets vote
// and transaction responses to NONE, bumps failedConnections, and
// schedules nextReconnect using backoff. It does not touch the socket —
// callers are responsible for closing the connection via the transport.
func (p *Peer) MarkDisconnected(backoff func(failures uint64) time.Duration) {
	p.loggedIn.Store(false)
	p.subscribed.Store(false)
	p.standupResponse.Store(int32(VoteNone))
	p.txResponse.Store(int32(VoteNone))
	p.state.Store(int32(StateUnknown))
	failures := p.failedConnections.Add(1)
	p.nextReconnectNanos.Store(time.Now().Add(backoff(failures)).UnixNano())
}

// ReadyToReconnect reports whether this peer's backoff window has elapsed.
func (p *Peer) ReadyToReconnect() bool {
	return time.Now().UnixNano() >= p.nextReconnectNanos.Load()
}

// ResetVotes clears standup and transaction vote state, used when a new
// state is entered (spec.md §4.3 _changeState "clears per-state transient
// fields").
func (p *Peer) ResetVotes() {
	p.standupResponse.Store(int32(VoteNone))
	p.txResponse.Store(int32(VoteNone))
}

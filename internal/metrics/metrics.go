package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	vmetrics "github.com/VictoriaMetrics/metrics"
)

// Registry holds every counter and timer the cluster core updates inline.
// The go-metrics side backs local percentage/percentile bookkeeping (see
// AutoTimer in internal/cluster); the VictoriaMetrics side backs the
// process's /metrics scrape endpoint. A single Registry updates both so
// call sites only touch one API.
type Registry struct {
	node string

	electionsStarted   gometrics.Counter
	standupsApproved   gometrics.Counter
	standupsDenied     gometrics.Counter
	commitsSucceeded   gometrics.Counter
	commitsFailed      gometrics.Counter
	replicationRetries gometrics.Counter
	escalationsSent    gometrics.Counter
	escalationsDropped gometrics.Counter
	commitLatency      gometrics.Timer
	replicationLatency gometrics.Timer

	currentState atomic.Value // string, last value passed to StateGauge
}

// New creates a Registry for a node identified by name. name is used as a
// label on every VictoriaMetrics series so a single scrape target can
// distinguish nodes if several run in the same process (as in tests).
func New(name string) *Registry {
	r := gometrics.NewRegistry()
	reg := &Registry{
		node:               name,
		electionsStarted:   gometrics.NewRegisteredCounter("elections.started", r),
		standupsApproved:   gometrics.NewRegisteredCounter("standups.approved", r),
		standupsDenied:     gometrics.NewRegisteredCounter("standups.denied", r),
		commitsSucceeded:   gometrics.NewRegisteredCounter("commits.succeeded", r),
		commitsFailed:      gometrics.NewRegisteredCounter("commits.failed", r),
		replicationRetries: gometrics.NewRegisteredCounter("replication.retries", r),
		escalationsSent:    gometrics.NewRegisteredCounter("escalations.sent", r),
		escalationsDropped: gometrics.NewRegisteredCounter("escalations.dropped", r),
		commitLatency:      gometrics.NewRegisteredTimer("commit.latency", r),
		replicationLatency: gometrics.NewRegisteredTimer("replication.latency", r),
	}
	return reg
}

func (r *Registry) label() string {
	return fmt.Sprintf(`{node=%q}`, r.node)
}

// ElectionStarted records this node broadcasting STANDUP.
func (r *Registry) ElectionStarted() {
	r.electionsStarted.Inc(1)
	vmetrics.GetOrCreateCounter("quorumdb_elections_started_total" + r.label()).Inc()
}

// StandupResult records the outcome of a STANDUP round.
func (r *Registry) StandupResult(approved bool) {
	if approved {
		r.standupsApproved.Inc(1)
		vmetrics.GetOrCreateCounter("quorumdb_standups_total" + r.labelWith("result", "approved")).Inc()
	} else {
		r.standupsDenied.Inc(1)
		vmetrics.GetOrCreateCounter("quorumdb_standups_total" + r.labelWith("result", "denied")).Inc()
	}
}

// CommitFinished records a leader-side commit outcome and its latency from
// startCommit to final CommitState.
func (r *Registry) CommitFinished(success bool, took time.Duration) {
	r.commitLatency.Update(took)
	vmetrics.GetOrCreateHistogram("quorumdb_commit_latency_seconds" + r.label()).Update(took.Seconds())
	if success {
		r.commitsSucceeded.Inc(1)
		vmetrics.GetOrCreateCounter("quorumdb_commits_total" + r.labelWith("result", "success")).Inc()
	} else {
		r.commitsFailed.Inc(1)
		vmetrics.GetOrCreateCounter("quorumdb_commits_total" + r.labelWith("result", "failed")).Inc()
	}
}

// ReplicationRetry records a follower-side replication task retrying after
// a store conflict.
func (r *Registry) ReplicationRetry() {
	r.replicationRetries.Inc(1)
	vmetrics.GetOrCreateCounter("quorumdb_replication_retries_total" + r.label()).Inc()
}

// ReplicationApplied records a follower-side replication task's time from
// spawn to local commit.
func (r *Registry) ReplicationApplied(took time.Duration) {
	r.replicationLatency.Update(took)
	vmetrics.GetOrCreateHistogram("quorumdb_replication_latency_seconds" + r.label()).Update(took.Seconds())
}

// EscalationSent records a follower forwarding a command to the leader.
func (r *Registry) EscalationSent() {
	r.escalationsSent.Inc(1)
	vmetrics.GetOrCreateCounter("quorumdb_escalations_total" + r.labelWith("result", "sent")).Inc()
}

// EscalationDropped records an escalation dropped after leader loss: its
// forget flag was set, or there was no leader to resend it to, or the
// resend failed.
func (r *Registry) EscalationDropped() {
	r.escalationsDropped.Inc(1)
	vmetrics.GetOrCreateCounter("quorumdb_escalations_total" + r.labelWith("result", "dropped")).Inc()
}

// PeerLatency records a measured PING/PONG round trip for a peer.
func (r *Registry) PeerLatency(peerName string, rtt time.Duration) {
	vmetrics.GetOrCreateHistogram("quorumdb_peer_latency_seconds" + r.labelWith("peer", peerName)).Update(rtt.Seconds())
}

// StateGauge sets the current role state as a gauge (1 for the current
// state, implicitly 0 for others by virtue of not being set this tick).
func (r *Registry) StateGauge(state string) {
	r.currentState.Store(state)
	vmetrics.GetOrCreateGauge("quorumdb_state"+r.labelWith("state", state), func() float64 {
		if cur, _ := r.currentState.Load().(string); cur == state {
			return 1
		}
		return 0
	})
}

func (r *Registry) labelWith(key, value string) string {
	return fmt.Sprintf(`{node=%q,%s=%q}`, r.node, key, value)
}

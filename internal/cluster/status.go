package cluster

import (
	"encoding/json"
	"net/http"
	"time"
)

// peerStatus is one peer's observed state as reported to a status client.
type peerStatus struct {
	Name        string  `json:"name"`
	Address     string  `json:"address"`
	State       string  `json:"state"`
	LoggedIn    bool    `json:"loggedIn"`
	Subscribed  bool    `json:"subscribed"`
	CommitCount uint64  `json:"commitCount"`
	Priority    int64   `json:"priority"`
	LatencyMs   float64 `json:"latencyMs"`
}

// nodeStatus is the full snapshot served by StatusHandler, deliberately
// flat and JSON-first (spec.md SUPPLEMENTED FEATURES: a status endpoint,
// not detailed by the distillation but present in the original's web
// console/STATUS command). Not a substitute for /metrics — this is a
// human/operator-facing snapshot, /metrics is the scrape target.
type nodeStatus struct {
	Name                 string       `json:"name"`
	Version              string       `json:"version"`
	State                string       `json:"state"`
	StateSinceMs         int64        `json:"stateSinceMs"`
	CommitCount          uint64       `json:"commitCount"`
	Priority             int64        `json:"priority"`
	LeadPeer             string       `json:"leadPeer,omitempty"`
	LeaderState          string       `json:"leaderState,omitempty"`
	LeaderCommandAddress string       `json:"leaderCommandAddress,omitempty"`
	HasQuorum            bool         `json:"hasQuorum"`
	StateChangeCount     uint64       `json:"stateChangeCount"`
	EscalatedCommands    []string     `json:"escalatedCommands,omitempty"`
	Peers                []peerStatus `json:"peers"`
}

func (n *Node) snapshot() nodeStatus {
	peers := n.registry.All()
	out := make([]peerStatus, 0, len(peers))
	for _, p := range peers {
		count, _ := p.CommitPosition()
		out = append(out, peerStatus{
			Name:        p.Name,
			Address:     p.Address,
			State:       p.State().String(),
			LoggedIn:    p.LoggedIn(),
			Subscribed:  p.Subscribed(),
			CommitCount: count,
			Priority:    p.Priority(),
			LatencyMs:   float64(p.Latency()) / float64(time.Millisecond),
		})
	}
	leadName, leaderState, leaderCommandAddress := "", "", ""
	if lead := n.LeadPeer(); lead != nil {
		leadName = lead.Name
		leaderState = n.LeaderState().String()
		leaderCommandAddress = n.LeaderCommandAddress()
	}
	return nodeStatus{
		Name:                 n.Name(),
		Version:              n.version,
		State:                n.State().String(),
		StateSinceMs:         n.stateSince().Milliseconds(),
		CommitCount:          n.CommitCount(),
		Priority:             n.Priority(),
		LeadPeer:             leadName,
		LeaderState:          leaderState,
		LeaderCommandAddress: leaderCommandAddress,
		HasQuorum:            n.hasQuorum(),
		StateChangeCount:     n.StateChangeCount(),
		EscalatedCommands:    n.EscalatedCommands(),
		Peers:                out,
	}
}

// StatusHandler returns an http.Handler that writes this node's current
// role, commit position and peer table as JSON, meant to be mounted
// alongside metrics.Handler() on the node's status HTTP server.
func (n *Node) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(n.snapshot())
	})
}

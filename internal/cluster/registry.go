package cluster

import (
	"sort"
	"sync"

	"github.com/finnhauser/quorumdb/internal/clusterconfig"
)

// Registry is the node's exclusively-owned peer table (spec.md §3
// "Ownership"), constructed once from the configured peer list at startup;
// the peer list is fixed for the process lifetime (spec.md Non-goals: no
// dynamic reconfiguration).
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry builds a Registry from the node's static peer configuration.
func NewRegistry(configured []clusterconfig.Peer) *Registry {
	peers := make(map[string]*Peer, len(configured))
	for _, c := range configured {
		peers[c.Name] = NewPeer(c.Name, c.Address, c.Permafollower)
	}
	return &Registry{peers: peers}
}

// Get looks up a peer by name.
func (r *Registry) Get(name string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[name]
	return p, ok
}

// All returns every configured peer, in a stable (name-sorted) order so
// callers that iterate for tie-breaking or broadcast get deterministic
// behavior across runs.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of configured peers, not including self.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// LoggedIn returns every peer currently logged in.
func (r *Registry) LoggedIn() []*Peer {
	var out []*Peer
	for _, p := range r.All() {
		if p.LoggedIn() {
			out = append(out, p)
		}
	}
	return out
}

// Subscribed returns every peer currently subscribed to this node as
// leader.
func (r *Registry) Subscribed() []*Peer {
	var out []*Peer
	for _, p := range r.All() {
		if p.Subscribed() {
			out = append(out, p)
		}
	}
	return out
}

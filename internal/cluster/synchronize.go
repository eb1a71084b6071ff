package cluster

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/finnhauser/quorumdb/internal/errkind"
	"github.com/finnhauser/quorumdb/internal/store"
	"github.com/finnhauser/quorumdb/internal/wire"
)

func (n *Node) synchronizeTimeout() time.Duration {
	if n.config.SynchronizeTimeout > 0 {
		return n.config.SynchronizeTimeout
	}
	return 30 * time.Second
}

func (n *Node) subscribeTimeout() time.Duration {
	if n.config.SubscribeTimeout > 0 {
		return n.config.SubscribeTimeout
	}
	return 10 * time.Second
}

// startSynchronizing enters SYNCHRONIZING against peer and sends the
// SYNCHRONIZE request (spec.md §4.6 _queueSynchronize, driven from the
// follower side).
func (n *Node) startSynchronizing(peer *Peer) {
	n.setLeadPeer(peer)
	n.ChangeState(StateSynchronizing)
	count, hash := "0", ""
	if c := n.CommitCount(); c > 0 {
		h, _ := n.lastHash()
		count = uintStr(c)
		hash = h
	}
	m := wire.New(wire.Synchronize).Set(wire.HeaderCommitCount, count).Set(wire.HeaderHash, hash)
	if err := n.transport.Send(peer.Name, m); err != nil {
		nodeLog.Warningf("%s: failed to send SYNCHRONIZE to %s: %v", n.name, peer.Name, err)
	}
}

func (n *Node) lastHash() (string, error) {
	info, err := n.store.Info()
	if err != nil {
		return "", err
	}
	return info.Hash, nil
}

func uintStr(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// updateSynchronizing implements the follower half of spec.md §4.6: wait
// for SYNCHRONIZE_RESPONSE to be fully applied (handled inline in
// handleSynchronizeResponse), or time out back to SEARCHING.
func (n *Node) updateSynchronizing() bool {
	lead := n.LeadPeer()
	if lead == nil {
		n.ChangeState(StateSearching)
		return true
	}
	if !lead.LoggedIn() {
		n.ChangeState(StateSearching)
		return true
	}
	if n.stateSince() > n.synchronizeTimeout() {
		nodeLog.Warningf("%s: SYNCHRONIZE against %s timed out", n.name, lead.Name)
		n.ChangeState(StateSearching)
		return true
	}
	return false
}

// updateSubscribing implements spec.md §4.3 SUBSCRIBING. The leader marks
// us subscribed on its own side and sends no acknowledgement of SUBSCRIBE,
// so here we simply wait out a timeout and then move to FOLLOWING.
func (n *Node) updateSubscribing() bool {
	lead := n.LeadPeer()
	if lead == nil || !lead.LoggedIn() {
		n.ChangeState(StateSearching)
		return true
	}
	if n.stateSince() > n.subscribeTimeout() {
		n.ChangeState(StateFollowing)
		n.resendRetryQueue()
		return true
	}
	return false
}

func handleSynchronize(n *Node, from string, m *wire.Message) dispatchResult {
	if n.State() != StateLeading && n.State() != StateStandingUp {
		return continueResult()
	}
	p, ok := n.registry.Get(from)
	if !ok {
		return reconnectResult("SYNCHRONIZE from unknown peer " + from)
	}
	requesterCount, _ := m.GetUint(wire.HeaderCommitCount)
	requesterHash := m.Get(wire.HeaderHash)

	handle, err := n.store.NewHandle()
	if err != nil {
		nodeLog.Warningf("%s: opening handle for SYNCHRONIZE to %s: %v", n.name, from, err)
		return continueResult()
	}
	defer handle.Close()

	if requesterCount > 0 {
		commits, err := handle.ReadCommitsSince(requesterCount-1, 1)
		if err == nil && len(commits) == 1 && commits[0].Hash != requesterHash {
			// The requester's claimed hash at its own commit count does not
			// match what we have recorded for that count: irreconcilable
			// divergence (spec.md §4.6 HASH_MISMATCH).
			resp := wire.New(wire.SynchronizeResponse).Set(wire.HeaderReason, "HASH_MISMATCH")
			_ = n.transport.Send(from, resp)
			return continueResult()
		}
	}

	commits, err := handle.ReadCommitsSince(requesterCount, 0)
	if err != nil {
		nodeLog.Warningf("%s: reading commits since %d for %s: %v", n.name, requesterCount, from, err)
		return continueResult()
	}
	resp := wire.New(wire.SynchronizeResponse).SetBody(encodeCommits(commits))
	if err := n.transport.Send(from, resp); err != nil {
		nodeLog.Warningf("%s: sending SYNCHRONIZE_RESPONSE to %s: %v", n.name, from, err)
	}
	if p.LoggedIn() {
		p.SetSubscribed(false)
	}
	return continueResult()
}

func handleSynchronizeResponse(n *Node, from string, m *wire.Message) dispatchResult {
	if n.State() != StateSynchronizing {
		return continueResult()
	}
	lead := n.LeadPeer()
	if lead == nil || lead.Name != from {
		return continueResult()
	}
	if m.Get(wire.HeaderReason) == "HASH_MISMATCH" {
		nodeLog.Errorf("%s: HASH_MISMATCH synchronizing against %s, forcing full reconnect", n.name, from)
		return reconnectResult("hash mismatch during synchronize")
	}

	commits, err := decodeCommits(m.Body)
	if err != nil {
		nodeLog.Warningf("%s: malformed SYNCHRONIZE_RESPONSE from %s: %v", n.name, from, err)
		return continueResult()
	}

	handle, err := n.store.NewHandle()
	if err != nil {
		nodeLog.Warningf("%s: opening handle to apply sync: %v", n.name, err)
		return continueResult()
	}
	defer handle.Close()

	at := NewAutoTimer(n.syncApplyTimer)
	defer at.Stop()
	for _, c := range commits {
		if err := handle.ApplyCommit(c.CommitCount, c.Hash, c.Query); err != nil {
			if errkind.Is(err, errkind.HashMismatch) {
				nodeLog.Errorf("%s: HASH_MISMATCH applying commit %d from %s", n.name, c.CommitCount, from)
				return reconnectResult("hash mismatch applying synchronize commit")
			}
			nodeLog.Warningf("%s: applying synced commit %d: %v", n.name, c.CommitCount, err)
			return continueResult()
		}
		n.localNotifier.NotifyThrough(c.CommitCount)
	}

	n.ChangeState(StateSubscribing)
	sub := wire.New(wire.Subscribe).SetUint(wire.HeaderCommitCount, n.CommitCount())
	if err := n.transport.Send(from, sub); err != nil {
		nodeLog.Warningf("%s: sending SUBSCRIBE to %s: %v", n.name, from, err)
	}
	return continueResult()
}

func handleSubscribe(n *Node, from string, m *wire.Message) dispatchResult {
	if n.State() != StateLeading {
		return continueResult()
	}
	p, ok := n.registry.Get(from)
	if !ok {
		return reconnectResult("SUBSCRIBE from unknown peer " + from)
	}
	p.SetSubscribed(true)
	if count, ok := m.GetUint(wire.HeaderCommitCount); ok {
		_, h := p.CommitPosition()
		p.SetCommitPosition(count, h)
	}
	return continueResult()
}

// encodeCommits serializes a commit list for the SYNCHRONIZE_RESPONSE
// body: one line per commit, tab-separated count/hash/base64(query).
func encodeCommits(commits []store.Committed) []byte {
	var buf bytes.Buffer
	for _, c := range commits {
		buf.WriteString(uintStr(c.CommitCount))
		buf.WriteByte('\t')
		buf.WriteString(c.Hash)
		buf.WriteByte('\t')
		buf.WriteString(base64.StdEncoding.EncodeToString([]byte(c.Query)))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func decodeCommits(body []byte) ([]store.Committed, error) {
	var out []store.Committed
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		parts := bytes.SplitN(line, []byte("\t"), 3)
		if len(parts) != 3 {
			return nil, errkind.New(errkind.TransientIO, "malformed sync commit line %q", line)
		}
		count, err := strconv.ParseUint(string(parts[0]), 10, 64)
		if err != nil {
			return nil, errkind.Wrap(errkind.TransientIO, err, "malformed sync commit count %q", parts[0])
		}
		query, err := base64.StdEncoding.DecodeString(string(parts[2]))
		if err != nil {
			return nil, errkind.Wrap(errkind.TransientIO, err, "decoding sync commit query")
		}
		out = append(out, store.Committed{CommitCount: count, Hash: string(parts[1]), Query: string(query)})
	}
	return out, nil
}

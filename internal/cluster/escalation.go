package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/finnhauser/quorumdb/internal/errkind"
	"github.com/finnhauser/quorumdb/internal/queue"
	"github.com/finnhauser/quorumdb/internal/store"
	"github.com/finnhauser/quorumdb/internal/wire"
)

// escalationResult is what a follower's pending escalation eventually
// resolves to, mirroring spec.md §3 "Escalation record".
type escalationResult struct {
	success bool
	result  []byte
	err     error
}

// pendingEscalation is one command this node forwarded to the leader and
// is waiting on a response for (spec.md §4.5 escalateCommand), or has
// already given up waiting on (forget == true).
type pendingEscalation struct {
	id       string
	command  string
	forget   bool
	resultCh chan escalationResult
}

// escalationMap is the escalation bookkeeping for one node, serving both
// roles a node can be in simultaneously: a follower with outstanding
// escalations sent upward (pending), and a leader processing escalations
// received from others (origins). Grounded on SQLiteNode.h's
// _escalatedCommandMap (a SynchronizedMap) and, for the concurrent map
// itself, rpc/server/server.go's shardMap / rpc/transport/base/client.go's
// requestChans (both xsync.MapOf[K,V] keyed by request/shard id) — the same
// shape as this map's id-keyed lookups, just generalized from uint64 shard
// ids to escalation uuids.
type escalationMap struct {
	pending *xsync.MapOf[string, *pendingEscalation]
	origins *xsync.MapOf[string, string]

	// retry is the requeue path for non-forget escalations orphaned by
	// leader loss (spec.md §4.5 "leader-loss requeue/drop semantics"),
	// drained once a new leader is found.
	retry *queue.MPSC[pendingEscalation]
}

func newEscalationMap() *escalationMap {
	return &escalationMap{
		pending: xsync.NewMapOf[string, *pendingEscalation](),
		origins: xsync.NewMapOf[string, string](),
		retry:   queue.New[pendingEscalation](),
	}
}

// Len reports the number of escalations this node is currently waiting on
// resolution for (as follower) or actively processing (as leader), used
// by the shutdown coordinator (spec.md §4.7 shutdownComplete).
func (e *escalationMap) Len() int {
	return e.pending.Size() + e.origins.Size()
}

func (e *escalationMap) addPending(pe *pendingEscalation) {
	e.pending.Store(pe.id, pe)
}

func (e *escalationMap) takePending(id string) (*pendingEscalation, bool) {
	return e.pending.LoadAndDelete(id)
}

// drainAndRequeue moves every outstanding non-forget escalation into the
// retry queue and resolves every forget one as dropped, on losing contact
// with the leader (spec.md §4.5).
func (e *escalationMap) drainAndRequeue(onDrop func()) {
	var drained []*pendingEscalation
	e.pending.Range(func(id string, pe *pendingEscalation) bool {
		drained = append(drained, pe)
		return true
	})
	for _, pe := range drained {
		e.pending.Delete(pe.id)
		if pe.forget {
			onDrop()
			continue
		}
		e.retry.Push(pe)
	}
}

// methodLines formats one line per in-flight escalation this node is
// tracking, for a diagnostic status endpoint (SQLiteNode.h
// getEscalatedCommandRequestMethodLines). Sorted for stable output.
func (e *escalationMap) methodLines() []string {
	var lines []string
	e.pending.Range(func(id string, pe *pendingEscalation) bool {
		lines = append(lines, fmt.Sprintf("ESCALATE %s %s", id, pe.command))
		return true
	})
	e.origins.Range(func(id string, peer string) bool {
		lines = append(lines, fmt.Sprintf("ESCALATE %s from %s", id, peer))
		return true
	})
	sort.Strings(lines)
	return lines
}

func (e *escalationMap) setOrigin(id, peer string) {
	e.origins.Store(id, peer)
}

func (e *escalationMap) takeOrigin(id string) (string, bool) {
	return e.origins.LoadAndDelete(id)
}

// EscalateCommand implements spec.md §4.5 escalateCommand: a follower
// forwards a command it cannot itself commit to the current leader. If
// forget is true the call returns immediately without a result once the
// message is sent; otherwise it blocks for the leader's ESCALATE_RESPONSE
// or ctx cancellation.
func (n *Node) EscalateCommand(ctx context.Context, command string, forget bool) ([]byte, error) {
	lead := n.LeadPeer()
	if lead == nil {
		return nil, errkind.New(errkind.InvalidState, "no leader to escalate to")
	}
	id := uuid.NewString()
	pe := &pendingEscalation{id: id, command: command, forget: forget, resultCh: make(chan escalationResult, 1)}
	n.escalations.addPending(pe)

	msg := wire.New(wire.Escalate).Set(wire.HeaderID, id).SetBody([]byte(command))
	if err := n.transport.Send(lead.Name, msg); err != nil {
		n.escalations.takePending(id)
		return nil, err
	}
	if n.metrics != nil {
		n.metrics.EscalationSent()
	}
	if forget {
		return nil, nil
	}

	select {
	case res := <-pe.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if !res.success {
			return res.result, errkind.New(errkind.PeerDenied, "leader rejected escalated command")
		}
		return res.result, nil
	case <-ctx.Done():
		n.escalations.takePending(id)
		return nil, errkind.Wrap(errkind.Timeout, ctx.Err(), "waiting for escalation response")
	}
}

// EscalatedCommands lists every escalation this node currently has
// in flight, as a follower waiting on a response or as a leader still
// processing one it received (SQLiteNode.h
// getEscalatedCommandRequestMethodLines, spec.md diagnostic surface).
func (n *Node) EscalatedCommands() []string {
	return n.escalations.methodLines()
}

// PeekPeerCommand implements the original's peekPeerCommand as a static,
// state-free fast path (SQLiteNode.h: "a static function that can 'peek' a
// command initiated by a peer, but can be called by any thread"): a
// read-only "GET key" is answered straight from the store, without going
// through the escalate-then-commit protocol at all. handled reports
// whether command was recognized as peekable; when it is, result carries
// the answer (nil if the key is unset).
func PeekPeerCommand(handle store.Handle, command string) (result []byte, handled bool) {
	fields := strings.Fields(command)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "GET") {
		return nil, false
	}
	reader, ok := handle.(store.Reader)
	if !ok {
		return nil, false
	}
	value, found, err := reader.Get(fields[1])
	if err != nil || !found {
		return nil, true
	}
	return []byte(value), true
}

// resendRetryQueue re-sends every escalation orphaned by a prior leader
// loss to the newly found leader, called once this node re-enters
// FOLLOWING behind a live lead peer.
func (n *Node) resendRetryQueue() {
	items := n.escalations.retry.DrainAll()
	lead := n.LeadPeer()
	for _, pe := range items {
		n.escalations.addPending(pe)
		if lead == nil {
			n.escalations.takePending(pe.id)
			if n.metrics != nil {
				n.metrics.EscalationDropped()
			}
			continue
		}
		msg := wire.New(wire.Escalate).Set(wire.HeaderID, pe.id).SetBody([]byte(pe.command))
		if err := n.transport.Send(lead.Name, msg); err != nil {
			n.escalations.takePending(pe.id)
			if n.metrics != nil {
				n.metrics.EscalationDropped()
			}
		}
	}
}

func handleEscalate(n *Node, from string, m *wire.Message) dispatchResult {
	id := m.Get(wire.HeaderID)
	if n.State() != StateLeading {
		_ = n.transport.Send(from, wire.New(wire.EscalateResponse).
			Set(wire.HeaderID, id).
			Set(wire.HeaderReason, "INVALID_STATE"))
		return continueResult()
	}
	command := string(m.Body)

	if handle, release, err := n.pool.Acquire(0); err == nil {
		result, handled := PeekPeerCommand(handle, command)
		release()
		if handled {
			_ = n.transport.Send(from, wire.New(wire.EscalateResponse).
				Set(wire.HeaderID, id).
				Set("Result", "OK").
				SetBody(result))
			return continueResult()
		}
	}

	n.escalations.setOrigin(id, from)

	level := Quorum
	if n.server != nil {
		if lvl, ok := n.server.AcceptCommand(command); ok {
			level = lvl
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.commitTimeout())
		defer cancel()
		err := n.StartCommit(ctx, command, level)
		n.sendEscalateResponse(id, err == nil, nil)
		if n.server != nil {
			n.server.CompleteCommand(id, err == nil, nil)
		}
	}()
	return continueResult()
}

func (n *Node) sendEscalateResponse(id string, success bool, result []byte) {
	peer, ok := n.escalations.takeOrigin(id)
	if !ok {
		return
	}
	msg := wire.New(wire.EscalateResponse).Set(wire.HeaderID, id).SetBody(result)
	if success {
		msg.Set("Result", "OK")
	} else {
		msg.Set("Result", "DENIED")
	}
	_ = n.transport.Send(peer, msg)
}

func handleEscalateResponse(n *Node, from string, m *wire.Message) dispatchResult {
	id := m.Get(wire.HeaderID)
	pe, ok := n.escalations.takePending(id)
	if !ok {
		return continueResult()
	}
	res := escalationResult{success: m.Get("Result") == "OK", result: m.Body}
	if m.Get(wire.HeaderReason) == "INVALID_STATE" {
		res.err = errkind.New(errkind.InvalidState, "leader %s rejected escalation: not leading", from)
	}
	select {
	case pe.resultCh <- res:
	default:
	}
	return continueResult()
}

func handleEscalateCancel(n *Node, from string, m *wire.Message) dispatchResult {
	id := m.Get(wire.HeaderID)
	n.escalations.takeOrigin(id)
	return continueResult()
}

package notifier

import (
	"container/heap"
	"context"
	"sync"

	"github.com/finnhauser/quorumdb/internal/errkind"
)

type waiter struct {
	id     uint64
	target uint64
	ch     chan error
	index  int
}

// waiterHeap is a min-heap of waiters ordered by target commit count,
// mirroring the teacher's MapHeap shape (container/heap.Interface plus a
// side map for direct lookup) but keyed by an opaque waiter id rather than
// the commit count itself, since more than one waiter can share a target.
type waiterHeap struct {
	items []*waiter
	byID  map[uint64]*waiter
}

func newWaiterHeap() *waiterHeap {
	return &waiterHeap{byID: make(map[uint64]*waiter)}
}

func (h *waiterHeap) Len() int            { return len(h.items) }
func (h *waiterHeap) Less(i, j int) bool  { return h.items[i].target < h.items[j].target }
func (h *waiterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(h.items)
	h.items = append(h.items, w)
	h.byID[w.id] = w
}

func (h *waiterHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	h.items = old[:n-1]
	delete(h.byID, w.id)
	return w
}

// Sequential is the sequential commit notifier from spec.md §replication:
// followers block a replication task until the store has advanced through
// a given commit count, or until a rollback poisons that wait.
type Sequential struct {
	mu      sync.Mutex
	current uint64
	waiters *waiterHeap
	nextID  uint64
}

// New creates a Sequential notifier starting at commit count 0.
func New() *Sequential {
	h := newWaiterHeap()
	heap.Init(h)
	return &Sequential{waiters: h}
}

// Current returns the highest commit count this notifier has been told
// about via NotifyThrough.
func (s *Sequential) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// WaitUntil blocks until the notifier has been advanced through target,
// ctx is canceled, or a rollback (CancelFrom) at a commit count <= target
// cancels the wait. Returns errkind.Canceled in the latter two cases.
func (s *Sequential) WaitUntil(ctx context.Context, target uint64) error {
	s.mu.Lock()
	if s.current >= target {
		s.mu.Unlock()
		return nil
	}
	w := &waiter{id: s.nextID, target: target, ch: make(chan error, 1)}
	s.nextID++
	heap.Push(s.waiters, w)
	s.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		if _, ok := s.waiters.byID[w.id]; ok {
			heap.Remove(s.waiters, w.index)
		}
		s.mu.Unlock()
		return errkind.Wrap(errkind.Canceled, ctx.Err(), "waiting for commit %d", target)
	}
}

// NotifyThrough advances the notifier and wakes every waiter whose target
// has now been reached. No-op if count does not advance current.
func (s *Sequential) NotifyThrough(count uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count <= s.current {
		return
	}
	s.current = count
	for s.waiters.Len() > 0 && s.waiters.items[0].target <= s.current {
		w := heap.Pop(s.waiters).(*waiter)
		w.ch <- nil
	}
}

// CancelFrom wakes, with an error, every waiter whose target is >= from —
// spec.md §replication: "notifies rollback on both notifiers for any
// waiters with target >= n". Unlike NotifyThrough this does not advance
// current: a rollback does not represent forward progress.
func (s *Sequential) CancelFrom(from uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var toWake []*waiter
	for _, w := range s.waiters.items {
		if w.target >= from {
			toWake = append(toWake, w)
		}
	}
	for _, w := range toWake {
		heap.Remove(s.waiters, w.index)
		w.ch <- errkind.New(errkind.Canceled, "commit %d rolled back", from)
	}
}

// Reset clears all waiters, waking each with a canceled error, and resets
// current to 0.
func (s *Sequential) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.waiters.Len() > 0 {
		w := heap.Pop(s.waiters).(*waiter)
		w.ch <- errkind.New(errkind.Canceled, "notifier reset")
	}
	s.current = 0
}

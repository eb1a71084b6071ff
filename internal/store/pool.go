package store

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/finnhauser/quorumdb/internal/errkind"
)

// Pool hands out Handles backed by a shared Store to the replication
// workers (spec.md §4.4, "a configurable number of handles so that
// transactions on different shards of the database can be prepared in
// parallel"). Unlike the teacher's shard map, which partitions a key
// space across independent stores, a Pool here partitions concurrent
// access to one store: every Handle sees the same data, and callers must
// still serialize on the store's own conflict detection.
type Pool struct {
	mu      sync.Mutex
	store   Store
	handles []Handle
	free    []int
}

// NewPool opens size additional Handles against store. size must be >= 1;
// it corresponds to the node's configured parallel replication count
// (spec.md §4.4, "replicationThreads").
func NewPool(s Store, size int) (*Pool, error) {
	if size < 1 {
		return nil, errkind.New(errkind.InvalidState, "pool size must be >= 1, got %d", size)
	}
	p := &Pool{
		store:   s,
		handles: make([]Handle, size),
		free:    make([]int, size),
	}
	for i := 0; i < size; i++ {
		h, err := s.NewHandle()
		if err != nil {
			p.closeOpened(i)
			return nil, errkind.Wrap(errkind.TransientIO, err, "opening pool handle %d", i)
		}
		p.handles[i] = h
		p.free[i] = i
	}
	return p, nil
}

func (p *Pool) closeOpened(n int) {
	for i := 0; i < n; i++ {
		_ = p.handles[i].Close()
	}
}

// Size returns the number of handles managed by the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Acquire checks out the handle at index, which must be in [0, Size()),
// without blocking. The replication engine picks the index from a
// rotating counter modulo Size() (spec.md §4.4 step 1). An index out of
// range, or one already checked out by another caller, returns an
// errkind.InvalidState error.
func (p *Pool) Acquire(index int) (Handle, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.handles) {
		return nil, nil, errkind.New(errkind.InvalidState, "pool handle index %d out of range [0,%d)", index, len(p.handles))
	}
	taken := true
	for i, v := range p.free {
		if v == index {
			p.free = append(p.free[:i], p.free[i+1:]...)
			taken = false
			break
		}
	}
	if taken {
		return nil, nil, errkind.New(errkind.InvalidState, "pool handle index %d already checked out", index)
	}
	h := p.handles[index]
	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.free = append(p.free, index)
	}
	return h, release, nil
}

// Close closes every handle in the pool. Handles that are still checked
// out at the time Close is called are closed anyway; callers must ensure
// all replication workers have stopped first.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var merr error
	for _, h := range p.handles {
		if err := h.Close(); err != nil {
			merr = errors.CombineErrors(merr, err)
		}
	}
	return merr
}

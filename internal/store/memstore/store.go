package memstore

import (
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/finnhauser/quorumdb/internal/errkind"
	"github.com/finnhauser/quorumdb/internal/store"
)

// sharedState is the data every Handle opened against the same memStore
// sees. All access goes through mu.
type sharedState struct {
	mu       sync.Mutex
	data     map[string]string
	log      []store.Committed
	lastHash string
}

type memStore struct {
	shared *sharedState
	txn    *transaction
}

// transaction is the state a single Handle accumulates between Begin and
// Commit/Rollback.
type transaction struct {
	baseCommitCount uint64
	query           strings.Builder
	writeSet        map[string]struct{}
	prepared        bool
	preparedCount   uint64
	preparedHash    string
}

// New creates a fresh, empty memStore.
func New() store.Store {
	return &memStore{
		shared: &sharedState{
			data: make(map[string]string),
		},
	}
}

func (s *memStore) NewHandle() (store.Handle, error) {
	return &memStore{shared: s.shared}, nil
}

func (s *memStore) GetCommitCount() (uint64, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return uint64(len(s.shared.log)), nil
}

func (s *memStore) Begin() error {
	if s.txn != nil {
		return errkind.New(errkind.InvalidState, "transaction already open on this handle")
	}
	s.shared.mu.Lock()
	base := uint64(len(s.shared.log))
	s.shared.mu.Unlock()
	s.txn = &transaction{
		baseCommitCount: base,
		writeSet:        make(map[string]struct{}),
	}
	return nil
}

func (s *memStore) Exec(query string) error {
	if s.txn == nil {
		return errkind.New(errkind.InvalidState, "Exec called with no open transaction")
	}
	if s.txn.prepared {
		return errkind.New(errkind.InvalidState, "Exec called after Prepare")
	}
	if s.txn.query.Len() > 0 {
		s.txn.query.WriteByte('\n')
	}
	s.txn.query.WriteString(query)
	for _, key := range touchedKeys(query) {
		s.txn.writeSet[key] = struct{}{}
	}
	return nil
}

func (s *memStore) Prepare() (uint64, string, error) {
	if s.txn == nil {
		return 0, "", errkind.New(errkind.InvalidState, "Prepare called with no open transaction")
	}
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if uint64(len(s.shared.log)) != s.txn.baseCommitCount {
		if s.conflicts() {
			return 0, "", errkind.New(errkind.Conflict, "write set overlaps a transaction committed since Begin")
		}
		// No overlap: rebase onto the new tip silently.
		s.txn.baseCommitCount = uint64(len(s.shared.log))
	}
	count := s.txn.baseCommitCount + 1
	hash := chainHash(s.shared.lastHash, count, s.txn.query.String())
	s.txn.prepared = true
	s.txn.preparedCount = count
	s.txn.preparedHash = hash
	return count, hash, nil
}

// conflicts reports whether any transaction committed after txn.baseCommitCount
// touches a key in txn's write-set. Called with shared.mu held.
func (s *memStore) conflicts() bool {
	if len(s.txn.writeSet) == 0 {
		return false
	}
	for _, c := range s.shared.log[s.txn.baseCommitCount:] {
		for _, key := range touchedKeys(c.Query) {
			if _, ok := s.txn.writeSet[key]; ok {
				return true
			}
		}
	}
	return false
}

func (s *memStore) Commit() error {
	if s.txn == nil {
		return errkind.New(errkind.InvalidState, "Commit called with no open transaction")
	}
	if !s.txn.prepared {
		return errkind.New(errkind.InvalidState, "Commit called before Prepare")
	}
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if uint64(len(s.shared.log)) != s.txn.baseCommitCount {
		return errkind.New(errkind.Conflict, "commit count advanced between Prepare and Commit")
	}
	applyQuery(s.shared.data, s.txn.query.String())
	s.shared.log = append(s.shared.log, store.Committed{
		CommitCount: s.txn.preparedCount,
		Hash:        s.txn.preparedHash,
		Query:       s.txn.query.String(),
	})
	s.shared.lastHash = s.txn.preparedHash
	s.txn = nil
	return nil
}

func (s *memStore) Rollback() error {
	if s.txn == nil {
		return errkind.New(errkind.InvalidState, "Rollback called with no open transaction")
	}
	s.txn = nil
	return nil
}

func (s *memStore) ApplyCommit(commitCount uint64, hash string, query string) error {
	if err := s.Begin(); err != nil {
		return err
	}
	if err := s.Exec(query); err != nil {
		_ = s.Rollback()
		return err
	}
	gotCount, gotHash, err := s.Prepare()
	if err != nil {
		_ = s.Rollback()
		return err
	}
	if gotCount != commitCount || gotHash != hash {
		_ = s.Rollback()
		return errkind.New(errkind.HashMismatch,
			"applying commit %d: expected hash %s, computed %s (count %d)", commitCount, hash, gotHash, gotCount)
	}
	return s.Commit()
}

func (s *memStore) ReadCommitsSince(from uint64, limit int) ([]store.Committed, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if from > uint64(len(s.shared.log)) {
		return nil, errkind.New(errkind.InvalidState, "ReadCommitsSince(%d): only %d commits exist", from, len(s.shared.log))
	}
	rest := s.shared.log[from:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	out := make([]store.Committed, len(rest))
	copy(out, rest)
	return out, nil
}

func (s *memStore) Info() (store.Info, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	size := 0
	for k, v := range s.shared.data {
		size += len(k) + len(v)
	}
	return store.Info{
		CommitCount: uint64(len(s.shared.log)),
		Hash:        s.shared.lastHash,
		SizeBytes:   int64(size),
	}, nil
}

func (s *memStore) Close() error {
	s.txn = nil
	return nil
}

// Get implements store.Reader directly off shared.data, bypassing the
// transaction machinery entirely.
func (s *memStore) Get(key string) (string, bool, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	v, ok := s.shared.data[key]
	return v, ok, nil
}

// chainHash derives the hash for commit n from the previous commit's hash
// and this commit's query text, mirroring the hash-chaining a SQLite-backed
// node uses so that any divergence in history produces a different hash at
// the point of divergence (spec.md §4.6 "hash mismatch" handling).
func chainHash(prevHash string, count uint64, query string) string {
	h := xxhash.New()
	_, _ = h.WriteString(prevHash)
	_, _ = h.WriteString(query)
	sum := h.Sum64()
	return formatHash(count, sum)
}

func formatHash(count uint64, sum uint64) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hextable[sum&0xf]
		sum >>= 4
	}
	return string(buf)
}

// touchedKeys extracts the keys a query's "SET key ..." / "DEL key" lines
// name. Any other line is treated as touching no keys, so queries outside
// this tiny grammar never conflict with each other but still contribute to
// the hash chain and are replayed verbatim by ApplyCommit.
func touchedKeys(query string) []string {
	var keys []string
	for _, line := range strings.Split(query, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "SET", "DEL":
			keys = append(keys, fields[1])
		}
	}
	return keys
}

func applyQuery(data map[string]string, query string) {
	for _, line := range strings.Split(query, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "SET":
			if len(fields) >= 3 {
				data[fields[1]] = strings.Join(fields[2:], " ")
			}
		case "DEL":
			delete(data, fields[1])
		}
	}
}

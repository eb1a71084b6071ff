package pebblestore

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/golang/snappy"

	"github.com/finnhauser/quorumdb/internal/errkind"
	"github.com/finnhauser/quorumdb/internal/store"
)

const (
	logPrefix = "log/"
	kvPrefix  = "kv/"
)

type sharedState struct {
	mu          sync.Mutex
	db          *pebble.DB
	commitCount uint64
	lastHash    string
}

type pebbleStore struct {
	shared *sharedState
	txn    *transaction
}

type transaction struct {
	baseCommitCount uint64
	query           strings.Builder
	writeSet        map[string]struct{}
	prepared        bool
	preparedCount   uint64
	preparedHash    string
}

var syncWrite = pebble.Sync

// Open opens (creating if necessary) a pebble-backed store at dir.
func Open(dir string) (store.Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "opening pebble store at %s", dir)
	}
	shared := &sharedState{db: db}
	if err := shared.loadTip(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &pebbleStore{shared: shared}, nil
}

// loadTip scans the log keyspace's last entry to recover commitCount and
// lastHash after a restart.
func (s *sharedState) loadTip() error {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(logPrefix),
		UpperBound: prefixUpperBound(logPrefix),
	})
	defer iter.Close()
	if iter.Last() {
		count, hash, _, err := decodeLogEntry(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		s.commitCount = count
		s.lastHash = hash
	}
	return nil
}

func prefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return b[:i+1]
		}
	}
	return nil
}

func logKey(count uint64) []byte {
	b := make([]byte, len(logPrefix)+8)
	copy(b, logPrefix)
	binary.BigEndian.PutUint64(b[len(logPrefix):], count)
	return b
}

func decodeLogEntry(key, value []byte) (count uint64, hash string, query string, err error) {
	count = binary.BigEndian.Uint64(key[len(logPrefix):])
	parts := strings.SplitN(string(value), "\x00", 2)
	if len(parts) != 2 {
		return 0, "", "", errkind.New(errkind.HashMismatch, "corrupt log entry at commit %d", count)
	}
	return count, parts[0], parts[1], nil
}

func (s *pebbleStore) NewHandle() (store.Handle, error) {
	return &pebbleStore{shared: s.shared}, nil
}

func (s *pebbleStore) GetCommitCount() (uint64, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.shared.commitCount, nil
}

func (s *pebbleStore) Begin() error {
	if s.txn != nil {
		return errkind.New(errkind.InvalidState, "transaction already open on this handle")
	}
	s.shared.mu.Lock()
	base := s.shared.commitCount
	s.shared.mu.Unlock()
	s.txn = &transaction{baseCommitCount: base, writeSet: make(map[string]struct{})}
	return nil
}

func (s *pebbleStore) Exec(query string) error {
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

func (s *pebbleStore) Prepare() (uint64, string, error) {
	if s.txn == nil {
		return 0, "", errkind.New(errkind.InvalidState, "Prepare called with no open transaction")
	}
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if s.shared.commitCount != s.txn.baseCommitCount {
		conflict, err := s.conflictsLocked()
		if err != nil {
			return 0, "", err
		}
		if conflict {
			return 0, "", errkind.New(errkind.Conflict, "write set overlaps a transaction committed since Begin")
		}
		s.txn.baseCommitCount = s.shared.commitCount
	}
	count := s.txn.baseCommitCount + 1
	hash := chainHash(s.shared.lastHash, s.txn.query.String())
	s.txn.prepared = true
	s.txn.preparedCount = count
	s.txn.preparedHash = hash
	return count, hash, nil
}

// conflictsLocked replays the log entries committed after txn.baseCommitCount
// looking for a write-set overlap. Called with shared.mu held.
func (s *pebbleStore) conflictsLocked() (bool, error) {
	if len(s.txn.writeSet) == 0 {
		return false, nil
	}
	iter := s.shared.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(s.txn.baseCommitCount + 1),
		UpperBound: prefixUpperBound(logPrefix),
	})
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		_, _, query, err := decodeLogEntry(iter.Key(), iter.Value())
		if err != nil {
			return false, err
		}
		for _, key := range touchedKeys(query) {
			if _, ok := s.txn.writeSet[key]; ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *pebbleStore) Commit() error {
	if s.txn == nil {
		return errkind.New(errkind.InvalidState, "Commit called with no open transaction")
	}
	if !s.txn.prepared {
		return errkind.New(errkind.InvalidState, "Commit called before Prepare")
	}
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if s.shared.commitCount != s.txn.baseCommitCount {
		return errkind.New(errkind.Conflict, "commit count advanced between Prepare and Commit")
	}
	batch := s.shared.db.NewBatch()
	defer batch.Close()
	query := s.txn.query.String()
	entry := s.txn.preparedHash + "\x00" + query
	if err := batch.Set(logKey(s.txn.preparedCount), []byte(entry), nil); err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "staging log entry")
	}
	if err := applyQuery(batch, query); err != nil {
		return err
	}
	if err := batch.Commit(syncWrite); err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "committing batch for commit %d", s.txn.preparedCount)
	}
	s.shared.commitCount = s.txn.preparedCount
	s.shared.lastHash = s.txn.preparedHash
	s.txn = nil
	return nil
}

func (s *pebbleStore) Rollback() error {
	if s.txn == nil {
		return errkind.New(errkind.InvalidState, "Rollback called with no open transaction")
	}
	s.txn = nil
	return nil
}

func (s *pebbleStore) ApplyCommit(commitCount uint64, hash string, query string) error {
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

func (s *pebbleStore) ReadCommitsSince(from uint64, limit int) ([]store.Committed, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	iter := s.shared.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(from + 1),
		UpperBound: prefixUpperBound(logPrefix),
	})
	defer iter.Close()
	var out []store.Committed
	for iter.First(); iter.Valid(); iter.Next() {
		count, hash, query, err := decodeLogEntry(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, store.Committed{CommitCount: count, Hash: hash, Query: query})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *pebbleStore) Info() (store.Info, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	metrics := s.shared.db.Metrics()
	return store.Info{
		CommitCount: s.shared.commitCount,
		Hash:        s.shared.lastHash,
		SizeBytes:   int64(metrics.DiskSpaceUsage()),
	}, nil
}

func (s *pebbleStore) Close() error {
	s.txn = nil
	return nil
}

// Get implements store.Reader, reading straight out of the kv/ keyspace
// and decompressing the stored value, bypassing the transaction machinery
// entirely.
func (s *pebbleStore) Get(key string) (string, bool, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	compressed, closer, err := s.shared.db.Get([]byte(kvPrefix + key))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, errkind.Wrap(errkind.TransientIO, err, "reading key %s", key)
	}
	defer closer.Close()
	value, err := snappy.Decode(nil, compressed)
	if err != nil {
		return "", false, errkind.Wrap(errkind.TransientIO, err, "decompressing value for key %s", key)
	}
	return string(value), true, nil
}

// chainHash mirrors memstore's chaining scheme so a mixed deployment (a
// memstore leader replicating to a pebblestore follower) still
// agrees on hashes.
func chainHash(prevHash string, query string) string {
	h := xxhash.New()
	_, _ = h.WriteString(prevHash)
	_, _ = h.WriteString(query)
	sum := h.Sum64()
	const hextable = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hextable[sum&0xf]
		sum >>= 4
	}
	return string(buf)
}

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

func applyQuery(batch *pebble.Batch, query string) error {
	for _, line := range strings.Split(query, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "SET":
			if len(fields) >= 3 {
				value := strings.Join(fields[2:], " ")
				compressed := snappy.Encode(nil, []byte(value))
				if err := batch.Set([]byte(kvPrefix+fields[1]), compressed, nil); err != nil {
					return errkind.Wrap(errkind.TransientIO, err, "staging SET %s", fields[1])
				}
			}
		case "DEL":
			if err := batch.Delete([]byte(kvPrefix+fields[1]), nil); err != nil {
				return errkind.Wrap(errkind.TransientIO, err, "staging DEL %s", fields[1])
			}
		}
	}
	return nil
}

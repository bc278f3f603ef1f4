package caselog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSequenceConflict is returned when an append's expected sequence does
// not match the case's current head. The caller lost a race and must
// re-read before retrying.
var ErrSequenceConflict = errors.New("caselog: sequence conflict")

// CorruptLogError reports a case whose log cannot be replayed: a gap in
// the sequence or an undecodable record. Corruption is isolated to the
// named case; other cases remain recoverable.
type CorruptLogError struct {
	CaseID string
	Seq    int64
	Err    error
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("caselog: case %s corrupt at seq %d: %v", e.CaseID, e.Seq, e.Err)
}

func (e *CorruptLogError) Unwrap() error { return e.Err }

// Store persists per-case transaction logs.
//
// Sequences are dense and start at 0. Append with expectedSeq -1 creates
// the case; otherwise expectedSeq must equal the last stored sequence.
// The returned value is the sequence of the last record written.
type Store interface {
	// Append atomically writes recs after expectedSeq, assigning
	// consecutive sequence numbers.
	Append(ctx context.Context, caseID string, expectedSeq int64, recs []*Record) (int64, error)

	// Read returns a case's records with seq >= fromSeq, in order.
	// An unknown case yields an empty slice.
	Read(ctx context.Context, caseID string, fromSeq int64) ([]*Record, error)

	// Head returns the last sequence for a case, -1 if the case is unknown.
	Head(ctx context.Context, caseID string) (int64, error)

	// Cases lists all case IDs present in the log, sorted.
	Cases(ctx context.Context) ([]string, error)

	Close() error
}

// MemoryStore is an in-memory Store for tests and ephemeral kernels.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]*Record)}
}

func (s *MemoryStore) Append(ctx context.Context, caseID string, expectedSeq int64, recs []*Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, errors.New("caselog: append of zero records")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[caseID]
	head := int64(len(log)) - 1
	if expectedSeq != head {
		return 0, ErrSequenceConflict
	}

	seq := head
	for _, r := range recs {
		seq++
		cp := *r
		cp.CaseID = caseID
		cp.Seq = seq
		log = append(log, &cp)
	}
	s.logs[caseID] = log
	return seq, nil
}

func (s *MemoryStore) Read(ctx context.Context, caseID string, fromSeq int64) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.logs[caseID] {
		if r.Seq >= fromSeq {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context, caseID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.logs[caseID])) - 1, nil
}

func (s *MemoryStore) Cases(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }

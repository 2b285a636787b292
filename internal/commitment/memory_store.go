package commitment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
)

// MemoryStore is an in-memory Store used in tests and single-process runs.
// It enforces the same conflict and invariant rules as the postgres store.
type MemoryStore struct {
	mu         sync.Mutex
	kind       Kind
	maxRetries int

	nextID    int64
	rows      map[int64]*Commitment
	order     []int64
	nonces    map[[32]byte]uint64
	leafOwner map[uint64]int64
}

// NewMemoryStore returns an empty store bound to kind. maxRetries <= 0
// disables the retry filter in FetchPending.
func NewMemoryStore(kind Kind, maxRetries int) *MemoryStore {
	return &MemoryStore{
		kind:       kind,
		maxRetries: maxRetries,
		nextID:     1,
		rows:       make(map[int64]*Commitment),
		nonces:     make(map[[32]byte]uint64),
		leafOwner:  make(map[uint64]int64),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) InsertCommitment(_ context.Context, c NewCommitment) (Commitment, error) {
	if c.CommitmentHash == "" {
		return Commitment{}, fmt.Errorf("%w: empty commitment hash", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nonces[c.OwnerKey]
	s.nonces[c.OwnerKey] = n + 1

	now := time.Now().UTC()
	row := &Commitment{
		ID:             s.nextID,
		Kind:           s.kind,
		OwnerKey:       c.OwnerKey,
		Amount:         c.Amount,
		Nonce:          n,
		CommitmentHash: c.CommitmentHash,
		Status:         StatusPendingTreeInclusion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.nextID++
	s.rows[row.ID] = row
	s.order = append(s.order, row.ID)
	return cloneRow(row), nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return Commitment{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return cloneRow(row), nil
}

func (s *MemoryStore) FetchPending(_ context.Context, limit int) ([]Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Commitment
	for _, id := range s.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		row := s.rows[id]
		if row.Status != StatusPendingTreeInclusion || row.Included {
			continue
		}
		if s.maxRetries > 0 && row.RetryCount > s.maxRetries {
			continue
		}
		out = append(out, cloneRow(row))
	}
	return out, nil
}

func (s *MemoryStore) FetchAllIncludedOrdered(_ context.Context) ([]Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Commitment
	for _, row := range s.rows {
		if row.Included {
			out = append(out, cloneRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return *out[i].LeafIndex < *out[j].LeafIndex
	})
	return out, nil
}

func (s *MemoryStore) MarkIncluded(_ context.Context, id int64, leafIndex uint64, proof json.RawMessage, root merklehash.Word) error {
	if len(proof) == 0 {
		return fmt.Errorf("%w: empty proof", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	if row.Included {
		if *row.LeafIndex == leafIndex && *row.MerkleRoot == root && bytes.Equal(row.Proof, proof) {
			return nil
		}
		return fmt.Errorf("%w: row %d already included with different values", ErrConflict, id)
	}
	if owner, taken := s.leafOwner[leafIndex]; taken {
		return fmt.Errorf("%w: leaf index %d already held by row %d", ErrConflict, leafIndex, owner)
	}
	if row.Status != StatusPendingTreeInclusion {
		return fmt.Errorf("%w: cannot include row %d in status %s", ErrInvariantViolation, id, row.Status)
	}

	idx := leafIndex
	r := root
	row.Included = true
	row.LeafIndex = &idx
	row.Proof = append(json.RawMessage(nil), proof...)
	row.MerkleRoot = &r
	row.Status = StatusPendingProofGeneration
	row.UpdatedAt = time.Now().UTC()
	s.leafOwner[leafIndex] = id
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if row.Status == StatusClaimed {
		return fmt.Errorf("%w: cannot fail claimed row %d", ErrInvariantViolation, id)
	}

	row.Status = StatusFailed
	row.RetryCount++
	row.FailureReason = reason
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id int64, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if row.Status == to {
		return nil
	}
	if !CanTransition(row.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvariantViolation, row.Status, to)
	}
	row.Status = to
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneRow(row *Commitment) Commitment {
	out := *row
	if row.LeafIndex != nil {
		idx := *row.LeafIndex
		out.LeafIndex = &idx
	}
	if row.MerkleRoot != nil {
		r := *row.MerkleRoot
		out.MerkleRoot = &r
	}
	if row.Proof != nil {
		out.Proof = append(json.RawMessage(nil), row.Proof...)
	}
	return out
}

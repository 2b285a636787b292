// Package commitment defines the durable record of bridge commitments and
// the store interface the tree builder drives.
package commitment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
)

// Kind names the accumulator a commitment belongs to.
type Kind string

const (
	// KindDeposit rows feed the Keccak MMR.
	KindDeposit Kind = "deposit"
	// KindWithdrawal rows feed the Poseidon Merkle tree.
	KindWithdrawal Kind = "withdrawal"
)

// Valid reports whether k is a known accumulator kind.
func (k Kind) Valid() bool {
	return k == KindDeposit || k == KindWithdrawal
}

// Status is the lifecycle state of a commitment row. The strings stored in
// the database are a closed enumeration; unknown values are rejected at scan
// time.
type Status uint8

const (
	StatusPendingTreeInclusion Status = iota
	StatusPendingProofGeneration
	StatusReadyToClaim
	StatusClaimed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPendingTreeInclusion:
		return "PENDING_TREE_INCLUSION"
	case StatusPendingProofGeneration:
		return "PENDING_PROOF_GENERATION"
	case StatusReadyToClaim:
		return "READY_TO_CLAIM"
	case StatusClaimed:
		return "CLAIMED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATUS_%d", uint8(s))
	}
}

// ParseStatus maps a stored status string back to its enum value.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "PENDING_TREE_INCLUSION":
		return StatusPendingTreeInclusion, nil
	case "PENDING_PROOF_GENERATION":
		return StatusPendingProofGeneration, nil
	case "READY_TO_CLAIM":
		return StatusReadyToClaim, nil
	case "CLAIMED":
		return StatusClaimed, nil
	case "FAILED":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("commitment: unknown status %q", s)
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusFailed
}

// CanTransition reports whether from -> to follows the status DAG. FAILED is
// reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	switch from {
	case StatusPendingTreeInclusion:
		return to == StatusPendingProofGeneration
	case StatusPendingProofGeneration:
		return to == StatusReadyToClaim
	case StatusReadyToClaim:
		return to == StatusClaimed
	default:
		return false
	}
}

// NewCommitment carries the watcher-supplied fields of an insert. The
// commitment hash is kept as the raw hex string it arrived with; decoding is
// the builder's concern so malformed rows stay representable.
type NewCommitment struct {
	OwnerKey       [32]byte
	Amount         uint64
	CommitmentHash string
}

// Commitment is one durable bridge event row.
type Commitment struct {
	ID             int64
	Kind           Kind
	OwnerKey       [32]byte
	Amount         uint64
	Nonce          uint64
	CommitmentHash string
	Status         Status
	LeafIndex      *uint64
	Proof          json.RawMessage
	MerkleRoot     *merklehash.Word
	Included       bool
	RetryCount     int
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeafValue decodes the commitment hash into the 32-byte leaf value.
func (c Commitment) LeafValue() (merklehash.Word, error) {
	return merklehash.ParseWord(c.CommitmentHash)
}

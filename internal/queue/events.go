package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Topic names double as the version tag inside each payload, so a consumer
// can gate on the payload alone when the transport (stdio) has no topics.
const (
	// TopicPending carries watcher events that become commitment rows.
	TopicPending = "commitments.pending.v1"
	// TopicIncluded carries one event per successful inclusion, consumed by
	// the external prover.
	TopicIncluded = "commitments.included.v1"
)

var (
	ErrBadEvent     = errors.New("queue: bad event")
	ErrWrongVersion = errors.New("queue: wrong event version")
)

// PendingCommitmentV1 is the wire form on TopicPending. The commitment hash
// is carried as the raw string it arrived with so malformed values land in
// the store and fail at inclusion time, not at ingest.
type PendingCommitmentV1 struct {
	Version string `json:"version"`

	Kind           string `json:"kind"`
	OwnerKey       string `json:"ownerKey"`
	Amount         uint64 `json:"amount"`
	CommitmentHash string `json:"commitmentHash"`

	// Source and BlockNumber advance the watcher cursor after the insert.
	Source      string `json:"source,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// Encode stamps the version tag and marshals the event.
func (e PendingCommitmentV1) Encode() ([]byte, error) {
	e.Version = TopicPending
	return json.Marshal(e)
}

// DecodePending parses a TopicPending payload. A payload with some other
// version tag returns ErrWrongVersion so mixed-topic consumers can skip it
// without treating it as corrupt.
func DecodePending(data []byte) (PendingCommitmentV1, error) {
	if err := checkVersion(data, TopicPending); err != nil {
		return PendingCommitmentV1{}, err
	}
	var ev PendingCommitmentV1
	if err := json.Unmarshal(data, &ev); err != nil {
		return PendingCommitmentV1{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return ev, nil
}

// IncludedEventV1 is the wire form on TopicIncluded.
type IncludedEventV1 struct {
	Version        string `json:"version"`
	Kind           string `json:"kind"`
	ID             int64  `json:"id"`
	LeafIndex      uint64 `json:"leafIndex"`
	MerkleRoot     string `json:"merkleRoot"`
	CommitmentHash string `json:"commitmentHash"`
	ProofRef       string `json:"proofRef,omitempty"`
}

func (e IncludedEventV1) Encode() ([]byte, error) {
	e.Version = TopicIncluded
	return json.Marshal(e)
}

func DecodeIncluded(data []byte) (IncludedEventV1, error) {
	if err := checkVersion(data, TopicIncluded); err != nil {
		return IncludedEventV1{}, err
	}
	var ev IncludedEventV1
	if err := json.Unmarshal(data, &ev); err != nil {
		return IncludedEventV1{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return ev, nil
}

func checkVersion(data []byte, want string) error {
	var env struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if strings.TrimSpace(env.Version) != want {
		return fmt.Errorf("%w: got %q want %q", ErrWrongVersion, env.Version, want)
	}
	return nil
}

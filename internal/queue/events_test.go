package queue

import (
	"errors"
	"strings"
	"testing"
)

func TestPendingCommitmentV1_EncodeDecode(t *testing.T) {
	t.Parallel()

	payload, err := PendingCommitmentV1{
		Kind:           "deposit",
		OwnerKey:       "0x1",
		Amount:         500,
		CommitmentHash: "0xabc",
		Source:         "l1-watcher",
		BlockNumber:    42,
	}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(payload), `"version":"commitments.pending.v1"`) {
		t.Fatalf("payload missing version tag: %s", payload)
	}

	ev, err := DecodePending(payload)
	if err != nil {
		t.Fatalf("DecodePending: %v", err)
	}
	if ev.Kind != "deposit" || ev.Amount != 500 || ev.BlockNumber != 42 {
		t.Fatalf("round trip: got %+v", ev)
	}
}

func TestDecodePending_WrongVersion(t *testing.T) {
	t.Parallel()

	payload, err := IncludedEventV1{Kind: "deposit", ID: 1}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodePending(payload); !errors.Is(err, ErrWrongVersion) {
		t.Fatalf("got %v want ErrWrongVersion", err)
	}
}

func TestDecodePending_BadJSON(t *testing.T) {
	t.Parallel()

	if _, err := DecodePending([]byte("not json")); !errors.Is(err, ErrBadEvent) {
		t.Fatalf("got %v want ErrBadEvent", err)
	}
}

func TestIncludedEventV1_EncodeDecode(t *testing.T) {
	t.Parallel()

	payload, err := IncludedEventV1{
		Kind:           "withdrawal",
		ID:             7,
		LeafIndex:      3,
		MerkleRoot:     "0xdead",
		CommitmentHash: "0xbeef",
		ProofRef:       "commitments/withdrawal/3/proof.json",
	}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	ev, err := DecodeIncluded(payload)
	if err != nil {
		t.Fatalf("DecodeIncluded: %v", err)
	}
	if ev.Version != TopicIncluded {
		t.Fatalf("version: got %q", ev.Version)
	}
	if ev.LeafIndex != 3 || ev.ProofRef != "commitments/withdrawal/3/proof.json" {
		t.Fatalf("round trip: got %+v", ev)
	}
}

func TestDecodeIncluded_WrongVersion(t *testing.T) {
	t.Parallel()

	payload, err := PendingCommitmentV1{Kind: "deposit"}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodeIncluded(payload); !errors.Is(err, ErrWrongVersion) {
		t.Fatalf("got %v want ErrWrongVersion", err)
	}
}

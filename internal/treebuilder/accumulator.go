package treebuilder

import (
	"encoding/json"
	"fmt"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
	"github.com/zeroxbridge/sequencer-go/internal/mmr"
	"github.com/zeroxbridge/sequencer-go/internal/poseidontree"
)

// Accumulator is the in-memory commitment structure owned by one builder.
//
// Append assigns the next leaf index and returns the root after the append.
// Rollback undoes the most recent Append; a second Rollback without an
// intervening Append is a no-op. ProofFor returns the wire-form proof JSON
// for a leaf against the current state.
type Accumulator interface {
	LeafCount() uint64
	Root() (merklehash.Word, error)
	Append(leaf merklehash.Word) (uint64, merklehash.Word, error)
	Rollback()
	ProofFor(leafIndex uint64) (json.RawMessage, error)
}

type mmrAccumulator struct {
	m *mmr.MMR
}

// NewMMRAccumulator returns an empty keccak mountain-range accumulator.
func NewMMRAccumulator() Accumulator {
	return &mmrAccumulator{m: mmr.New()}
}

func (a *mmrAccumulator) LeafCount() uint64 {
	return a.m.LeafCount()
}

func (a *mmrAccumulator) Root() (merklehash.Word, error) {
	return a.m.Root(), nil
}

func (a *mmrAccumulator) Append(leaf merklehash.Word) (uint64, merklehash.Word, error) {
	leafIndex := a.m.LeafCount()
	_, _, root := a.m.Append(leaf)
	return leafIndex, root, nil
}

func (a *mmrAccumulator) Rollback() {
	a.m.Rollback()
}

func (a *mmrAccumulator) ProofFor(leafIndex uint64) (json.RawMessage, error) {
	p, err := a.m.Proof(leafIndex)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("treebuilder: encode mmr proof: %w", err)
	}
	return out, nil
}

// DefaultTreeDepth bounds the withdrawal tree when no depth is configured.
const DefaultTreeDepth = 32

type poseidonAccumulator struct {
	leaves []merklehash.Word
	tree   *poseidontree.Tree
	depth  int

	snapLen int
	hasSnap bool
}

// NewPoseidonAccumulator returns an empty Poseidon merkle accumulator bounded
// at the given depth (DefaultTreeDepth when depth <= 0). The tree is rebuilt
// from the full leaf slice on every append, so proofs always reflect the
// current leaf set.
func NewPoseidonAccumulator(depth int) Accumulator {
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	return &poseidonAccumulator{depth: depth}
}

func (a *poseidonAccumulator) LeafCount() uint64 {
	return uint64(len(a.leaves))
}

func (a *poseidonAccumulator) Root() (merklehash.Word, error) {
	if a.tree == nil {
		return merklehash.Word{}, poseidontree.ErrEmptyLeaves
	}
	return a.tree.Root(), nil
}

func (a *poseidonAccumulator) Append(leaf merklehash.Word) (uint64, merklehash.Word, error) {
	a.snapLen = len(a.leaves)
	a.hasSnap = true

	a.leaves = append(a.leaves, leaf)
	t, err := poseidontree.BuildWithDepth(a.leaves, a.depth)
	if err != nil {
		a.leaves = a.leaves[:a.snapLen]
		a.hasSnap = false
		return 0, merklehash.Word{}, err
	}
	a.tree = t
	return uint64(len(a.leaves) - 1), t.Root(), nil
}

func (a *poseidonAccumulator) Rollback() {
	if !a.hasSnap {
		return
	}
	a.leaves = a.leaves[:a.snapLen]
	a.hasSnap = false

	if len(a.leaves) == 0 {
		a.tree = nil
		return
	}
	t, err := poseidontree.Build(a.leaves)
	if err != nil {
		// Build only fails on empty leaves, handled above.
		a.tree = nil
		return
	}
	a.tree = t
}

func (a *poseidonAccumulator) ProofFor(leafIndex uint64) (json.RawMessage, error) {
	if a.tree == nil {
		return nil, poseidontree.ErrEmptyLeaves
	}
	p, err := a.tree.ProofFor(leafIndex)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("treebuilder: encode poseidon proof: %w", err)
	}
	return out, nil
}

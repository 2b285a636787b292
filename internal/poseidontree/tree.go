// Package poseidontree implements the balanced Poseidon Merkle tree that
// accumulates withdrawal commitments. Levels with an odd node count duplicate
// their last node into itself before hashing upward.
package poseidontree

import (
	"errors"
	"fmt"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
)

var (
	// ErrEmptyLeaves is returned by Build when no leaves are supplied.
	ErrEmptyLeaves = errors.New("poseidontree: empty leaves")
	// ErrOutOfRange is returned by ProofFor when the index has no leaf.
	ErrOutOfRange = errors.New("poseidontree: leaf index out of range")
	// ErrInvalidProof is returned when a wire-form proof cannot be decoded.
	ErrInvalidProof = errors.New("poseidontree: invalid proof")
	// ErrInvalidDepth is returned when a leaf set exceeds the configured
	// maximum tree depth.
	ErrInvalidDepth = errors.New("poseidontree: tree depth exceeded")
)

// Tree is an immutable Merkle tree over a fixed leaf set. Leaves are taken
// as-is; callers hash commitment values into field elements before building.
type Tree struct {
	levels [][]merklehash.Word
}

// Build constructs the tree bottom-up from leaves. Every leaf must be a
// canonical Stark field element.
func Build(leaves []merklehash.Word) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyLeaves
	}

	level := make([]merklehash.Word, len(leaves))
	copy(level, leaves)
	levels := [][]merklehash.Word{level}

	for len(level) > 1 {
		next := make([]merklehash.Word, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			parent, err := merklehash.PoseidonPair(left, right)
			if err != nil {
				return nil, fmt.Errorf("poseidontree: hash level node %d: %w", i, err)
			}
			next = append(next, parent)
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// BuildWithDepth constructs the tree after checking that the leaf set fits
// in a tree of the given depth (at most 1<<depth leaves).
func BuildWithDepth(leaves []merklehash.Word, depth int) (*Tree, error) {
	if depth <= 0 || depth >= 64 {
		return nil, ErrInvalidDepth
	}
	if uint64(len(leaves)) > uint64(1)<<uint(depth) {
		return nil, ErrInvalidDepth
	}
	return Build(leaves)
}

// Root returns the tree root. For a single-leaf tree the root is the leaf.
func (t *Tree) Root() merklehash.Word {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() uint64 {
	return uint64(len(t.levels[0]))
}

// ProofFor returns the inclusion proof for the leaf at index.
func (t *Tree) ProofFor(index uint64) (Proof, error) {
	if index >= t.LeafCount() {
		return Proof{}, fmt.Errorf("%w: index %d, %d leaves", ErrOutOfRange, index, t.LeafCount())
	}

	siblings := make([]merklehash.Word, 0, len(t.levels)-1)
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := pos ^ 1
		if sib >= uint64(len(level)) {
			// Odd level: the node was duplicated into itself.
			sib = pos
		}
		siblings = append(siblings, level[sib])
		pos >>= 1
	}

	return Proof{
		Leaf:     t.levels[0][index],
		Siblings: siblings,
		Root:     t.Root(),
		Index:    index,
	}, nil
}

// Proof is an inclusion proof for one leaf. Siblings are ordered bottom-up;
// bit k of Index selects the fold orientation at level k (0 places the
// running hash on the left).
type Proof struct {
	Leaf     merklehash.Word
	Siblings []merklehash.Word
	Root     merklehash.Word
	Index    uint64
}

// Verify recomputes the root from the leaf and siblings and compares it to
// the proof's root. A hash error (non-field sibling) is returned as-is.
func (p Proof) Verify() (bool, error) {
	h := p.Leaf
	idx := p.Index
	for i, sib := range p.Siblings {
		var err error
		if idx%2 == 0 {
			h, err = merklehash.PoseidonPair(h, sib)
		} else {
			h, err = merklehash.PoseidonPair(sib, h)
		}
		if err != nil {
			return false, fmt.Errorf("poseidontree: verify level %d: %w", i, err)
		}
		idx >>= 1
	}
	return h == p.Root, nil
}

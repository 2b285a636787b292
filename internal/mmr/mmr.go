// Package mmr implements the append-only Keccak Merkle Mountain Range that
// accumulates deposit commitments.
//
// Nodes are stored in 1-based post-order positions. Peaks are derived from
// the node count, bagged with a right fold, and the root commits to the size:
//
//	root = keccak_pair(be_u256(size), bag(peaks))
package mmr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
)

var (
	// ErrInvalidSize is returned when a node count does not describe any
	// reachable MMR shape.
	ErrInvalidSize = errors.New("mmr: invalid mmr size")
	// ErrInvalidProof is returned when a proof is structurally inconsistent
	// with its claimed size.
	ErrInvalidProof = errors.New("mmr: invalid proof")
	// ErrUnknownPeak is returned when a recomputed peak is absent from the
	// proof's peak list, or a peak list does not match the size.
	ErrUnknownPeak = errors.New("mmr: unknown peak")
	// ErrOutOfRange is returned by Proof when the leaf ordinal has no leaf.
	ErrOutOfRange = errors.New("mmr: leaf ordinal out of range")
)

// MMR is an in-memory accumulator. Leaf values are retained so proofs can
// carry the unhashed value; the node array holds keccak hashes only.
type MMR struct {
	nodes  []merklehash.Word
	leaves []merklehash.Word

	snapNodes  int
	snapLeaves int
	hasSnap    bool
}

// New returns an empty accumulator.
func New() *MMR {
	return &MMR{}
}

// Size returns the node count, which is also the highest occupied position.
func (m *MMR) Size() uint64 {
	return uint64(len(m.nodes))
}

// LeafCount returns how many leaves have been appended.
func (m *MMR) LeafCount() uint64 {
	return uint64(len(m.leaves))
}

// Append hashes leaf with keccak_single, pushes it, and merges completed
// subtrees. It returns the leaf's 1-based position, the peak hashes after
// the append, and the new root.
func (m *MMR) Append(leaf merklehash.Word) (uint64, []merklehash.Word, merklehash.Word) {
	m.snapNodes = len(m.nodes)
	m.snapLeaves = len(m.leaves)
	m.hasSnap = true

	leafPos := uint64(len(m.nodes)) + 1
	m.nodes = append(m.nodes, merklehash.KeccakSingle(leaf))
	m.leaves = append(m.leaves, leaf)

	// While the next position is a parent, both its children exist; merge.
	for {
		next := uint64(len(m.nodes)) + 1
		h := posHeight(next)
		if h == 0 {
			break
		}
		right := m.nodes[next-1-1]
		left := m.nodes[next-1-(uint64(1)<<h)]
		m.nodes = append(m.nodes, merklehash.KeccakPair(left, right))
	}

	peaks := m.peakHashes()
	root, _ := RootFor(m.Size(), peaks)
	return leafPos, peaks, root
}

// Rollback restores the state from before the most recent Append. It is a
// no-op when no append happened since the last rollback.
func (m *MMR) Rollback() {
	if !m.hasSnap {
		return
	}
	m.nodes = m.nodes[:m.snapNodes]
	m.leaves = m.leaves[:m.snapLeaves]
	m.hasSnap = false
}

// Root returns the current root. The empty accumulator has a well-defined
// root over the zero bag.
func (m *MMR) Root() merklehash.Word {
	root, _ := RootFor(m.Size(), m.peakHashes())
	return root
}

// Peaks returns the current peak hashes, leftmost (tallest) first.
func (m *MMR) Peaks() []merklehash.Word {
	return m.peakHashes()
}

// Proof builds an inclusion proof for the leaf with the given 0-based
// ordinal against the current state.
func (m *MMR) Proof(leafOrdinal uint64) (Proof, error) {
	if leafOrdinal >= m.LeafCount() {
		return Proof{}, fmt.Errorf("%w: ordinal %d, %d leaves", ErrOutOfRange, leafOrdinal, m.LeafCount())
	}

	peakPos, _, err := peakShape(m.Size())
	if err != nil {
		return Proof{}, err
	}
	isPeak := make(map[uint64]bool, len(peakPos))
	for _, p := range peakPos {
		isPeak[p] = true
	}

	pos := leafPosition(leafOrdinal)
	var siblings []merklehash.Word
	for h := uint64(0); !isPeak[pos]; h++ {
		if posHeight(pos+1) == h+1 {
			// Right child: the sibling subtree sits immediately to the left.
			sib := pos - (uint64(1)<<(h+1) - 1)
			siblings = append(siblings, m.nodes[sib-1])
			pos++
		} else {
			sib := pos + uint64(1)<<(h+1) - 1
			siblings = append(siblings, m.nodes[sib-1])
			pos += uint64(1) << (h + 1)
		}
	}

	return Proof{
		LeafIndex:     leafOrdinal,
		LeafValue:     m.leaves[leafOrdinal],
		SiblingHashes: siblings,
		Peaks:         m.peakHashes(),
		MMRSize:       m.Size(),
	}, nil
}

// Proof is an inclusion proof for one leaf. SiblingHashes climb the owning
// peak bottom-up; Peaks and MMRSize pin the accumulator state the proof was
// taken against.
type Proof struct {
	LeafIndex     uint64
	LeafValue     merklehash.Word
	SiblingHashes []merklehash.Word
	Peaks         []merklehash.Word
	MMRSize       uint64
}

// Verify checks that leaf is included under expectedRoot according to proof.
// Structural defects report a sentinel error; a clean root mismatch returns
// (false, nil).
func Verify(leaf merklehash.Word, proof Proof, expectedRoot merklehash.Word) (bool, error) {
	if proof.LeafValue != leaf {
		return false, fmt.Errorf("%w: leaf value does not match proof", ErrInvalidProof)
	}

	_, heights, err := peakShape(proof.MMRSize)
	if err != nil {
		return false, err
	}
	if len(proof.Peaks) != len(heights) {
		return false, fmt.Errorf("%w: %d peaks for size %d, want %d",
			ErrInvalidProof, len(proof.Peaks), proof.MMRSize, len(heights))
	}

	// The root binds both the size and the bagged peaks; check it before
	// walking the sibling path.
	root, err := RootFor(proof.MMRSize, proof.Peaks)
	if err != nil {
		return false, err
	}
	if root != expectedRoot {
		return false, nil
	}

	// Locate the peak owning this leaf ordinal.
	peakIdx := -1
	var leavesBefore uint64
	for i, h := range heights {
		count := uint64(1) << h
		if proof.LeafIndex < leavesBefore+count {
			peakIdx = i
			break
		}
		leavesBefore += count
	}
	if peakIdx < 0 {
		return false, fmt.Errorf("%w: leaf index %d beyond size %d",
			ErrInvalidProof, proof.LeafIndex, proof.MMRSize)
	}
	if uint64(len(proof.SiblingHashes)) != heights[peakIdx] {
		return false, fmt.Errorf("%w: %d siblings, owning peak height %d",
			ErrInvalidProof, len(proof.SiblingHashes), heights[peakIdx])
	}

	// Fold up to the owning peak by local ordinal parity.
	h := merklehash.KeccakSingle(leaf)
	local := proof.LeafIndex - leavesBefore
	for _, sib := range proof.SiblingHashes {
		if local%2 == 0 {
			h = merklehash.KeccakPair(h, sib)
		} else {
			h = merklehash.KeccakPair(sib, h)
		}
		local >>= 1
	}

	found := false
	for _, p := range proof.Peaks {
		if p == h {
			found = true
			break
		}
	}
	if !found {
		return false, fmt.Errorf("%w: recomputed peak %x not in proof peaks", ErrUnknownPeak, h)
	}
	return true, nil
}

// RootFor computes the root for an accumulator of the given size and peak
// hashes, without any node data. An empty accumulator bags the zero word.
func RootFor(size uint64, peaks []merklehash.Word) (merklehash.Word, error) {
	if size == 0 {
		if len(peaks) != 0 {
			return merklehash.Word{}, fmt.Errorf("%w: %d peaks for empty mmr", ErrUnknownPeak, len(peaks))
		}
		return merklehash.KeccakPair(beU256(0), merklehash.Word{}), nil
	}
	_, heights, err := peakShape(size)
	if err != nil {
		return merklehash.Word{}, err
	}
	if len(peaks) != len(heights) {
		return merklehash.Word{}, fmt.Errorf("%w: %d peaks for size %d, want %d",
			ErrUnknownPeak, len(peaks), size, len(heights))
	}

	bag := peaks[len(peaks)-1]
	for i := len(peaks) - 2; i >= 0; i-- {
		bag = merklehash.KeccakPair(peaks[i], bag)
	}
	return merklehash.KeccakPair(beU256(size), bag), nil
}

func (m *MMR) peakHashes() []merklehash.Word {
	if len(m.nodes) == 0 {
		return nil
	}
	positions, _, _ := peakShape(m.Size())
	out := make([]merklehash.Word, len(positions))
	for i, p := range positions {
		out[i] = m.nodes[p-1]
	}
	return out
}

// peakShape decomposes size into perfect subtrees, returning peak positions
// and heights, tallest first. Heights must strictly decrease or the size is
// not reachable by appends.
func peakShape(size uint64) ([]uint64, []uint64, error) {
	if size == 0 {
		return nil, nil, fmt.Errorf("%w: 0", ErrInvalidSize)
	}
	var positions, heights []uint64
	var base uint64
	remaining := size
	for remaining > 0 {
		levels := uint(bits.Len64(remaining+1)) - 1
		treeSize := uint64(1)<<levels - 1
		height := uint64(levels - 1)
		if len(heights) > 0 && height >= heights[len(heights)-1] {
			return nil, nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
		}
		base += treeSize
		positions = append(positions, base)
		heights = append(heights, height)
		remaining -= treeSize
	}
	return positions, heights, nil
}

// posHeight returns the height of the node at 1-based post-order position p.
func posHeight(p uint64) uint64 {
	for {
		n := uint(bits.Len64(p))
		if p == uint64(1)<<n-1 {
			return uint64(n - 1)
		}
		p -= uint64(1)<<(n-1) - 1
	}
}

// leafPosition maps a 0-based leaf ordinal to its 1-based node position.
func leafPosition(ordinal uint64) uint64 {
	return 2*ordinal - uint64(bits.OnesCount64(ordinal)) + 1
}

func beU256(v uint64) merklehash.Word {
	var w merklehash.Word
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}

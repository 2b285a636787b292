package mmr

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
)

func leaf(tag byte) merklehash.Word {
	var w merklehash.Word
	w[0] = tag
	return w
}

func appendN(t *testing.T, n int) *MMR {
	t.Helper()
	m := New()
	for i := 0; i < n; i++ {
		m.Append(leaf(byte(i + 1)))
	}
	return m
}

func TestAppend_SizeProgression(t *testing.T) {
	t.Parallel()

	wantSizes := []uint64{1, 3, 4, 7, 8, 10, 11, 15}
	m := New()
	for i, want := range wantSizes {
		pos, peaks, root := m.Append(leaf(byte(i + 1)))
		if m.Size() != want {
			t.Fatalf("after %d appends: size got %d want %d", i+1, m.Size(), want)
		}
		if m.LeafCount() != uint64(i+1) {
			t.Fatalf("after %d appends: leaf count got %d", i+1, m.LeafCount())
		}
		if pos == 0 || pos > want {
			t.Fatalf("append %d: leaf position %d out of bounds", i+1, pos)
		}
		if len(peaks) == 0 {
			t.Fatalf("append %d: no peaks", i+1)
		}
		if root != m.Root() {
			t.Fatalf("append %d: returned root differs from Root()", i+1)
		}
	}
}

func TestAppend_SingleLeafRoot(t *testing.T) {
	t.Parallel()

	m := New()
	l := leaf(0x11)
	_, peaks, root := m.Append(l)

	leafHash := merklehash.KeccakSingle(l)
	if len(peaks) != 1 || peaks[0] != leafHash {
		t.Fatalf("peaks: got %x want [%x]", peaks, leafHash)
	}

	var size merklehash.Word
	size[31] = 1
	want := merklehash.KeccakPair(size, leafHash)
	if root != want {
		t.Fatalf("root: got %x want %x", root, want)
	}
}

func TestAppend_ThreeLeafPeaks(t *testing.T) {
	t.Parallel()

	l1, l2, l3 := leaf(1), leaf(2), leaf(3)
	m := New()
	m.Append(l1)
	m.Append(l2)
	_, peaks, _ := m.Append(l3)

	h1 := merklehash.KeccakSingle(l1)
	h2 := merklehash.KeccakSingle(l2)
	h3 := merklehash.KeccakSingle(l3)
	wantTall := merklehash.KeccakPair(h1, h2)

	if len(peaks) != 2 {
		t.Fatalf("peaks: got %d want 2", len(peaks))
	}
	if peaks[0] != wantTall || peaks[1] != h3 {
		t.Fatalf("peaks mismatch: got %x", peaks)
	}
}

func TestProof_AllOrdinalsVerify(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 8; n++ {
		m := appendN(t, n)
		root := m.Root()
		for k := uint64(0); k < uint64(n); k++ {
			p, err := m.Proof(k)
			if err != nil {
				t.Fatalf("Proof(%d) of %d: %v", k, n, err)
			}
			ok, err := Verify(p.LeafValue, p, root)
			if err != nil {
				t.Fatalf("Verify(%d) of %d: %v", k, n, err)
			}
			if !ok {
				t.Fatalf("proof for leaf %d of %d must verify", k, n)
			}
		}
	}
}

func TestProof_OutOfRange(t *testing.T) {
	t.Parallel()

	m := appendN(t, 3)
	if _, err := m.Proof(3); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Proof(3): got %v want ErrOutOfRange", err)
	}
}

func TestVerify_WrongLeafValue(t *testing.T) {
	t.Parallel()

	m := appendN(t, 4)
	p, err := m.Proof(1)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	wrong := p.LeafValue
	wrong[0] ^= 0xff
	ok, err := Verify(wrong, p, m.Root())
	if ok {
		t.Fatalf("wrong leaf value must not verify")
	}
	if !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("wrong leaf value: got %v want ErrInvalidProof", err)
	}

	// A tampered leaf value carried inside the proof folds to a peak that is
	// not in the peak set.
	tampered := p
	tampered.LeafValue = wrong
	ok, err = Verify(wrong, tampered, m.Root())
	if ok {
		t.Fatalf("tampered proof must not verify")
	}
	if !errors.Is(err, ErrUnknownPeak) {
		t.Fatalf("tampered leaf value: got %v want ErrUnknownPeak", err)
	}
}

func TestVerify_StaleRoot(t *testing.T) {
	t.Parallel()

	m := appendN(t, 4)
	p, err := m.Proof(1)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	staleRoot := m.Root()

	m.Append(leaf(0x55))

	// The proof still verifies against the root it was taken at.
	ok, err := Verify(p.LeafValue, p, staleRoot)
	if err != nil || !ok {
		t.Fatalf("proof vs its own root: got ok=%v err=%v", ok, err)
	}

	// But not against the advanced root.
	ok, err = Verify(p.LeafValue, p, m.Root())
	if err != nil {
		t.Fatalf("proof vs new root: %v", err)
	}
	if ok {
		t.Fatalf("proof must not verify against a different root")
	}
}

func TestVerify_StructuralErrors(t *testing.T) {
	t.Parallel()

	m := appendN(t, 4)
	p, err := m.Proof(2)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	root := m.Root()

	badSize := p
	badSize.MMRSize = 5
	if _, err := Verify(badSize.LeafValue, badSize, root); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("size 5: got %v want ErrInvalidSize", err)
	}

	zeroSize := p
	zeroSize.MMRSize = 0
	if _, err := Verify(zeroSize.LeafValue, zeroSize, root); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("size 0: got %v want ErrInvalidSize", err)
	}

	extraPeak := p
	extraPeak.Peaks = append(append([]merklehash.Word(nil), p.Peaks...), merklehash.Word{})
	if _, err := Verify(extraPeak.LeafValue, extraPeak, root); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("extra peak: got %v want ErrInvalidProof", err)
	}

	shortSibs := p
	shortSibs.SiblingHashes = p.SiblingHashes[:len(p.SiblingHashes)-1]
	if _, err := Verify(shortSibs.LeafValue, shortSibs, root); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("short siblings: got %v want ErrInvalidProof", err)
	}

	farIndex := p
	farIndex.LeafIndex = 100
	if _, err := Verify(farIndex.LeafValue, farIndex, root); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("far index: got %v want ErrInvalidProof", err)
	}
}

func TestRootFor_InvalidSizes(t *testing.T) {
	t.Parallel()

	for _, size := range []uint64{2, 5, 6, 9, 12} {
		if _, err := RootFor(size, []merklehash.Word{{}}); !errors.Is(err, ErrInvalidSize) {
			t.Fatalf("RootFor(%d): got %v want ErrInvalidSize", size, err)
		}
	}
}

func TestRootFor_EmptyAccumulator(t *testing.T) {
	t.Parallel()

	root, err := RootFor(0, nil)
	if err != nil {
		t.Fatalf("RootFor(0, nil): %v", err)
	}
	want := merklehash.KeccakPair(merklehash.Word{}, merklehash.Word{})
	if root != want {
		t.Fatalf("empty root: got %x want %x", root, want)
	}
	if root != New().Root() {
		t.Fatalf("empty accumulator Root() must match RootFor(0, nil)")
	}

	if _, err := RootFor(0, []merklehash.Word{{}}); !errors.Is(err, ErrUnknownPeak) {
		t.Fatalf("RootFor(0, 1 peak): got %v want ErrUnknownPeak", err)
	}
}

func TestRootFor_PeakCountMismatch(t *testing.T) {
	t.Parallel()

	// Size 4 decomposes into two peaks.
	if _, err := RootFor(4, []merklehash.Word{{}}); !errors.Is(err, ErrUnknownPeak) {
		t.Fatalf("RootFor(4, 1 peak): got %v want ErrUnknownPeak", err)
	}
}

func TestRootFor_MatchesAccumulator(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 8; n++ {
		m := appendN(t, n)
		root, err := RootFor(m.Size(), m.Peaks())
		if err != nil {
			t.Fatalf("RootFor(%d leaves): %v", n, err)
		}
		if root != m.Root() {
			t.Fatalf("RootFor(%d leaves): got %x want %x", n, root, m.Root())
		}
	}
}

func TestRollback_RestoresPreAppendState(t *testing.T) {
	t.Parallel()

	m := appendN(t, 3)
	sizeBefore := m.Size()
	rootBefore := m.Root()

	m.Append(leaf(0x44))
	if m.Size() == sizeBefore {
		t.Fatalf("append must grow the accumulator")
	}

	m.Rollback()
	if m.Size() != sizeBefore {
		t.Fatalf("size after rollback: got %d want %d", m.Size(), sizeBefore)
	}
	if m.LeafCount() != 3 {
		t.Fatalf("leaf count after rollback: got %d want 3", m.LeafCount())
	}
	if m.Root() != rootBefore {
		t.Fatalf("root after rollback: got %x want %x", m.Root(), rootBefore)
	}

	// Second rollback without an intervening append changes nothing.
	m.Rollback()
	if m.Size() != sizeBefore {
		t.Fatalf("double rollback must be a no-op")
	}

	// The accumulator keeps working after a rollback.
	m.Append(leaf(0x45))
	p, err := m.Proof(3)
	if err != nil {
		t.Fatalf("Proof after rollback: %v", err)
	}
	ok, err := Verify(p.LeafValue, p, m.Root())
	if err != nil || !ok {
		t.Fatalf("proof after rollback: got ok=%v err=%v", ok, err)
	}
}

func TestProofJSON_RoundTripAndFormat(t *testing.T) {
	t.Parallel()

	m := appendN(t, 6)
	p, err := m.Proof(4)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(raw)
	for _, field := range []string{`"leaf_index"`, `"leaf_value"`, `"sibling_hashes"`, `"peaks"`, `"mmr_size"`} {
		if !strings.Contains(s, field) {
			t.Fatalf("wire form missing %s: %s", field, s)
		}
	}
	if strings.ToLower(s) != s {
		t.Fatalf("wire form must be lowercase: %s", s)
	}

	var back Proof
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	ok, err := Verify(back.LeafValue, back, m.Root())
	if err != nil || !ok {
		t.Fatalf("round-tripped proof: got ok=%v err=%v", ok, err)
	}
}

func TestProofJSON_RejectsMalformedWords(t *testing.T) {
	t.Parallel()

	zeros := "0x" + strings.Repeat("0", 64)
	cases := []string{
		`{"leaf_index":0,"leaf_value":"abc","sibling_hashes":[],"peaks":["` + zeros + `"],"mmr_size":1}`,
		`{"leaf_index":0,"leaf_value":"` + zeros + `","sibling_hashes":["0x00"],"peaks":[],"mmr_size":1}`,
	}
	for _, c := range cases {
		var p Proof
		if err := json.Unmarshal([]byte(c), &p); err == nil {
			t.Fatalf("expected error for %s", c)
		}
	}
}

package poseidontree

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
)

func leaf(tag byte) merklehash.Word {
	var w merklehash.Word
	w[31] = tag
	return w
}

func leaves(n int) []merklehash.Word {
	out := make([]merklehash.Word, n)
	for i := range out {
		out[i] = leaf(byte(i + 1))
	}
	return out
}

func TestBuild_EmptyLeaves(t *testing.T) {
	t.Parallel()

	if _, err := Build(nil); !errors.Is(err, ErrEmptyLeaves) {
		t.Fatalf("Build(nil): got %v want ErrEmptyLeaves", err)
	}
}

func TestBuild_SingleLeafRootIsLeaf(t *testing.T) {
	t.Parallel()

	l := leaf(0x07)
	tree, err := Build([]merklehash.Word{l})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tree.Root() != l {
		t.Fatalf("single-leaf root: got %x want %x", tree.Root(), l)
	}

	p, err := tree.ProofFor(0)
	if err != nil {
		t.Fatalf("ProofFor(0): %v", err)
	}
	if len(p.Siblings) != 0 {
		t.Fatalf("single-leaf proof siblings: got %d want 0", len(p.Siblings))
	}
	ok, err := p.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("single-leaf proof must verify")
	}
}

func TestBuildWithDepth_EnforcesCapacity(t *testing.T) {
	t.Parallel()

	if _, err := BuildWithDepth(leaves(2), 1); err != nil {
		t.Fatalf("BuildWithDepth(2, 1): %v", err)
	}
	if _, err := BuildWithDepth(leaves(3), 1); !errors.Is(err, ErrInvalidDepth) {
		t.Fatalf("BuildWithDepth(3, 1): got %v want ErrInvalidDepth", err)
	}
	if _, err := BuildWithDepth(leaves(1), 0); !errors.Is(err, ErrInvalidDepth) {
		t.Fatalf("BuildWithDepth(1, 0): got %v want ErrInvalidDepth", err)
	}
	if _, err := BuildWithDepth(leaves(1), 64); !errors.Is(err, ErrInvalidDepth) {
		t.Fatalf("BuildWithDepth(1, 64): got %v want ErrInvalidDepth", err)
	}
}

func TestBuild_TwoLeaves(t *testing.T) {
	t.Parallel()

	ls := leaves(2)
	tree, err := Build(ls)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want, err := merklehash.PoseidonPair(ls[0], ls[1])
	if err != nil {
		t.Fatalf("PoseidonPair: %v", err)
	}
	if tree.Root() != want {
		t.Fatalf("root: got %x want %x", tree.Root(), want)
	}
}

func TestBuild_OddLevelDuplicatesLastNode(t *testing.T) {
	t.Parallel()

	ls := leaves(3)
	tree, err := Build(ls)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	h01, err := merklehash.PoseidonPair(ls[0], ls[1])
	if err != nil {
		t.Fatalf("PoseidonPair: %v", err)
	}
	h22, err := merklehash.PoseidonPair(ls[2], ls[2])
	if err != nil {
		t.Fatalf("PoseidonPair: %v", err)
	}
	want, err := merklehash.PoseidonPair(h01, h22)
	if err != nil {
		t.Fatalf("PoseidonPair: %v", err)
	}
	if tree.Root() != want {
		t.Fatalf("root: got %x want %x", tree.Root(), want)
	}
}

func TestProofFor_AllIndexesVerify(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 9; n++ {
		ls := leaves(n)
		tree, err := Build(ls)
		if err != nil {
			t.Fatalf("Build(%d leaves): %v", n, err)
		}
		for i := uint64(0); i < uint64(n); i++ {
			p, err := tree.ProofFor(i)
			if err != nil {
				t.Fatalf("ProofFor(%d) of %d: %v", i, n, err)
			}
			ok, err := p.Verify()
			if err != nil {
				t.Fatalf("Verify(%d) of %d: %v", i, n, err)
			}
			if !ok {
				t.Fatalf("proof for leaf %d of %d must verify", i, n)
			}
		}
	}
}

func TestProofFor_OutOfRange(t *testing.T) {
	t.Parallel()

	tree, err := Build(leaves(4))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := tree.ProofFor(4); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ProofFor(4): got %v want ErrOutOfRange", err)
	}
}

func TestVerify_RejectsTamperedProof(t *testing.T) {
	t.Parallel()

	tree, err := Build(leaves(4))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, err := tree.ProofFor(2)
	if err != nil {
		t.Fatalf("ProofFor: %v", err)
	}

	tamperedLeaf := p
	tamperedLeaf.Leaf[31] ^= 0x01
	if ok, err := tamperedLeaf.Verify(); err != nil || ok {
		t.Fatalf("tampered leaf: got ok=%v err=%v want false,nil", ok, err)
	}

	tamperedSib := p
	tamperedSib.Siblings = append([]merklehash.Word(nil), p.Siblings...)
	tamperedSib.Siblings[0][31] ^= 0x01
	if ok, err := tamperedSib.Verify(); err != nil || ok {
		t.Fatalf("tampered sibling: got ok=%v err=%v want false,nil", ok, err)
	}

	tamperedIndex := p
	tamperedIndex.Index = 3
	if ok, err := tamperedIndex.Verify(); err != nil || ok {
		t.Fatalf("tampered index: got ok=%v err=%v want false,nil", ok, err)
	}
}

func TestProofJSON_RoundTripAndFormat(t *testing.T) {
	t.Parallel()

	tree, err := Build(leaves(5))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, err := tree.ProofFor(3)
	if err != nil {
		t.Fatalf("ProofFor: %v", err)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(raw)
	if strings.ToLower(s) != s {
		t.Fatalf("wire form must be lowercase: %s", s)
	}
	if !strings.Contains(s, `"leaf":"0x`) || !strings.Contains(s, `"root":"0x`) {
		t.Fatalf("wire form missing 0x-prefixed fields: %s", s)
	}

	var back Proof
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Leaf != p.Leaf || back.Root != p.Root || back.Index != p.Index {
		t.Fatalf("round-trip mismatch: got %+v want %+v", back, p)
	}
	if len(back.Siblings) != len(p.Siblings) {
		t.Fatalf("siblings len: got %d want %d", len(back.Siblings), len(p.Siblings))
	}
	for i := range back.Siblings {
		if back.Siblings[i] != p.Siblings[i] {
			t.Fatalf("sibling %d mismatch", i)
		}
	}

	ok, err := back.Verify()
	if err != nil {
		t.Fatalf("Verify round-tripped: %v", err)
	}
	if !ok {
		t.Fatalf("round-tripped proof must verify")
	}
}

func TestProofJSON_RejectsMalformedWords(t *testing.T) {
	t.Parallel()

	cases := []string{
		`{"leaf":"ff","siblings":[],"root":"0x` + strings.Repeat("0", 64) + `","index":0}`,
		`{"leaf":"0x` + strings.Repeat("0", 63) + `","siblings":[],"root":"0x` + strings.Repeat("0", 64) + `","index":0}`,
		`{"leaf":"0x` + strings.Repeat("0", 64) + `","siblings":["0xzz"],"root":"0x` + strings.Repeat("0", 64) + `","index":0}`,
	}
	for _, c := range cases {
		var p Proof
		if err := json.Unmarshal([]byte(c), &p); err == nil {
			t.Fatalf("expected error for %s", c)
		}
	}
}

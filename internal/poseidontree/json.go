package poseidontree

import (
	"encoding/json"
	"fmt"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
)

type proofWire struct {
	Leaf     string   `json:"leaf"`
	Siblings []string `json:"siblings"`
	Root     string   `json:"root"`
	Index    uint64   `json:"index"`
}

// MarshalJSON renders the proof in wire form: every hash as 0x-prefixed
// lowercase 64-digit hex.
func (p Proof) MarshalJSON() ([]byte, error) {
	w := proofWire{
		Leaf:     merklehash.FormatWord(p.Leaf),
		Siblings: make([]string, len(p.Siblings)),
		Root:     merklehash.FormatWord(p.Root),
		Index:    p.Index,
	}
	for i, s := range p.Siblings {
		w.Siblings[i] = merklehash.FormatWord(s)
	}
	return json.Marshal(w)
}

func (p *Proof) UnmarshalJSON(data []byte) error {
	var w proofWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidProof, err)
	}

	leaf, err := merklehash.ParseWord(w.Leaf)
	if err != nil {
		return fmt.Errorf("%w: leaf: %v", ErrInvalidProof, err)
	}
	root, err := merklehash.ParseWord(w.Root)
	if err != nil {
		return fmt.Errorf("%w: root: %v", ErrInvalidProof, err)
	}
	siblings := make([]merklehash.Word, len(w.Siblings))
	for i, s := range w.Siblings {
		siblings[i], err = merklehash.ParseWord(s)
		if err != nil {
			return fmt.Errorf("%w: sibling %d: %v", ErrInvalidProof, i, err)
		}
	}

	p.Leaf = leaf
	p.Siblings = siblings
	p.Root = root
	p.Index = w.Index
	return nil
}

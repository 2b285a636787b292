package mmr

import (
	"encoding/json"
	"fmt"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
)

type proofWire struct {
	LeafIndex     uint64   `json:"leaf_index"`
	LeafValue     string   `json:"leaf_value"`
	SiblingHashes []string `json:"sibling_hashes"`
	Peaks         []string `json:"peaks"`
	MMRSize       uint64   `json:"mmr_size"`
}

// MarshalJSON renders the proof in wire form: every hash as 0x-prefixed
// lowercase 64-digit hex.
func (p Proof) MarshalJSON() ([]byte, error) {
	w := proofWire{
		LeafIndex:     p.LeafIndex,
		LeafValue:     merklehash.FormatWord(p.LeafValue),
		SiblingHashes: make([]string, len(p.SiblingHashes)),
		Peaks:         make([]string, len(p.Peaks)),
		MMRSize:       p.MMRSize,
	}
	for i, s := range p.SiblingHashes {
		w.SiblingHashes[i] = merklehash.FormatWord(s)
	}
	for i, pk := range p.Peaks {
		w.Peaks[i] = merklehash.FormatWord(pk)
	}
	return json.Marshal(w)
}

func (p *Proof) UnmarshalJSON(data []byte) error {
	var w proofWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("mmr: decode proof: %w", err)
	}

	leafValue, err := merklehash.ParseWord(w.LeafValue)
	if err != nil {
		return fmt.Errorf("mmr: proof leaf value: %w", err)
	}
	siblings := make([]merklehash.Word, len(w.SiblingHashes))
	for i, s := range w.SiblingHashes {
		siblings[i], err = merklehash.ParseWord(s)
		if err != nil {
			return fmt.Errorf("mmr: proof sibling %d: %w", i, err)
		}
	}
	peaks := make([]merklehash.Word, len(w.Peaks))
	for i, s := range w.Peaks {
		peaks[i], err = merklehash.ParseWord(s)
		if err != nil {
			return fmt.Errorf("mmr: proof peak %d: %w", i, err)
		}
	}

	p.LeafIndex = w.LeafIndex
	p.LeafValue = leafValue
	p.SiblingHashes = siblings
	p.Peaks = peaks
	p.MMRSize = w.MMRSize
	return nil
}

package merklehash

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// FormatWord renders w in the canonical wire form: lowercase hex, 0x prefix,
// always 64 digits.
func FormatWord(w Word) string {
	return "0x" + hex.EncodeToString(w[:])
}

// ParseWord parses the canonical wire form produced by FormatWord. The input
// must be 0x-prefixed and exactly 64 hex digits.
func ParseWord(s string) (Word, error) {
	var w Word
	if !strings.HasPrefix(s, "0x") {
		return w, fmt.Errorf("merklehash: word %q missing 0x prefix", s)
	}
	digits := s[2:]
	if len(digits) != 64 {
		return w, fmt.Errorf("merklehash: word %q has %d hex digits, want 64", s, len(digits))
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return w, fmt.Errorf("merklehash: word %q: %w", s, err)
	}
	copy(w[:], b)
	return w, nil
}

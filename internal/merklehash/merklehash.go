// Package merklehash provides the two hash families used by the commitment
// accumulators: Starknet Poseidon over the Stark field for the withdrawal
// tree, and Keccak-256 for the deposit MMR.
//
// All functions are pure and operate on fixed 32-byte big-endian words.
package merklehash

import (
	"errors"
	"fmt"
	"math/big"

	junocrypto "github.com/NethermindEth/juno/core/crypto"
	"github.com/NethermindEth/juno/core/felt"
	"github.com/consensys/gnark-crypto/ecc/stark-curve/fp"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Word is a 32-byte big-endian hash word.
type Word = [32]byte

// ErrNotInField is returned when a Poseidon input is not a canonical Stark
// field element (the big-endian value is >= the field modulus).
var ErrNotInField = errors.New("merklehash: input not in stark field")

var starkModulus = fp.Modulus()

// PoseidonPair hashes two field elements with poseidon_hash_many([l, r]).
func PoseidonPair(l, r Word) (Word, error) {
	lf, err := toFelt(l)
	if err != nil {
		return Word{}, fmt.Errorf("left: %w", err)
	}
	rf, err := toFelt(r)
	if err != nil {
		return Word{}, fmt.Errorf("right: %w", err)
	}
	return junocrypto.PoseidonArray(lf, rf).Bytes(), nil
}

// PoseidonSingle hashes one field element with poseidon_hash_many([x]).
func PoseidonSingle(x Word) (Word, error) {
	xf, err := toFelt(x)
	if err != nil {
		return Word{}, err
	}
	return junocrypto.PoseidonArray(xf).Bytes(), nil
}

// KeccakPair hashes the concatenation l || r with Keccak-256.
func KeccakPair(l, r Word) Word {
	var out Word
	copy(out[:], ethcrypto.Keccak256(l[:], r[:]))
	return out
}

// KeccakSingle hashes x with Keccak-256.
func KeccakSingle(x Word) Word {
	var out Word
	copy(out[:], ethcrypto.Keccak256(x[:]))
	return out
}

func toFelt(w Word) (*felt.Felt, error) {
	v := new(big.Int).SetBytes(w[:])
	if v.Cmp(starkModulus) >= 0 {
		return nil, ErrNotInField
	}
	return new(felt.Felt).SetBytes(w[:]), nil
}

package crypto

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
)

// mimcHasher is MiMC over the BN254 scalar field, the circuit-friendly choice
// for trees whose paths are verified inside a SNARK. Both children are
// reduced into the field before hashing.
type mimcHasher struct{}

func (mimcHasher) Name() string { return MiMCName }
func (mimcHasher) Size() int    { return common.HashLength }

func (mimcHasher) Combine(left, right common.Hash) common.Hash {
	sum, err := mimcSum(reduce(left), reduce(right))
	if err != nil {
		panic(fmt.Sprintf("crypto: mimc of reduced elements: %v", err))
	}
	return sum
}

// reduce maps a digest into the scalar field.
func reduce(h common.Hash) [fr.Bytes]byte {
	var e fr.Element
	e.SetBytes(h[:])
	return e.Bytes()
}

// mimcSum hashes big-endian field elements. Words at or above the field
// modulus are rejected.
func mimcSum(words ...[fr.Bytes]byte) (common.Hash, error) {
	h := mimc.NewMiMC()
	for _, w := range words {
		if _, err := h.Write(w[:]); err != nil {
			return common.Hash{}, fmt.Errorf("crypto: mimc write: %w", err)
		}
	}
	return common.BytesToHash(h.Sum(nil)), nil
}

package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Keccak256 calculates the Keccak-256 hash of the given data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates Keccak-256 and returns it as a common.Hash.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// keccakHasher is keccak256(left || right), the same value Solidity yields
// for keccak256(abi.encodePacked(left, right)).
type keccakHasher struct{}

func (keccakHasher) Name() string { return Keccak256Name }
func (keccakHasher) Size() int    { return common.HashLength }

func (keccakHasher) Combine(left, right common.Hash) common.Hash {
	return Keccak256Hash(left[:], right[:])
}

package crypto

import "github.com/ethereum/go-ethereum/common"

// LeafZero is the value of an absent leaf.
var LeafZero = common.Hash{}

// ZeroDigests returns the empty-subtree digest for every level of a tree of
// the given height: zero[0] is LeafZero and zero[l] = h(zero[l-1], zero[l-1]).
// The result has height+1 entries; callers compute it once per tree.
func ZeroDigests(h Hasher, height uint8) []common.Hash {
	zeros := make([]common.Hash, int(height)+1)
	zeros[0] = LeafZero
	for l := 1; l <= int(height); l++ {
		zeros[l] = h.Combine(zeros[l-1], zeros[l-1])
	}
	return zeros
}

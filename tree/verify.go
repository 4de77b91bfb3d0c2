package tree

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/timber/crypto"
)

// FoldSiblingPath hashes leaf up through the siblings, honouring each
// sibling's side, and returns the resulting root.
func FoldSiblingPath(h crypto.Hasher, leaf common.Hash, siblings []Sibling) common.Hash {
	cur := leaf
	for _, s := range siblings {
		if s.Direction == Left {
			cur = h.Combine(s.Value, cur)
		} else {
			cur = h.Combine(cur, s.Value)
		}
	}
	return cur
}

// VerifySiblingPath reports whether path proves its leaf against root.
func VerifySiblingPath(h crypto.Hasher, path *SiblingPath, root common.Hash) bool {
	if path == nil {
		return false
	}
	return FoldSiblingPath(h, path.Leaf, path.Siblings) == root
}

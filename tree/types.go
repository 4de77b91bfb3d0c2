// Package tree implements a fixed-height, append-only binary Merkle tree
// whose leaves arrive from an external ledger. Leaves are stored as they
// arrive; internal nodes are recomputed lazily by the Updater and served as
// sibling paths and direct paths by the Resolver.
package tree

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// MaxHeight is the largest supported tree height. Node indices of taller
// trees would not fit in a uint64.
const MaxHeight = 63

// Leaf is a committed leaf and the ledger position it came from.
type Leaf struct {
	Index       uint64      `json:"leafIndex"`
	Value       common.Hash `json:"value"`
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"transactionHash"`
}

// Node is a stored digest. Level 0 nodes mirror leaves; the single node at
// level Height is the root.
type Node struct {
	Index    uint64      `json:"nodeIndex"`
	Level    uint8       `json:"level"`
	Position uint64      `json:"position"`
	Value    common.Hash `json:"value"`
}

// Metadata is the per-tree singleton written at the end of every successful
// update pass.
type Metadata struct {
	Height         uint8       `json:"treeHeight"`
	Hasher         string      `json:"hasher"`
	NodeHashLength int         `json:"nodeHashLength"`
	Root           common.Hash `json:"root"`
	LeafCount      uint64      `json:"leafCount"`

	// LastUpdatedLeafIndex is -1 until the first leaf has been folded in.
	LastUpdatedLeafIndex int64 `json:"lastUpdatedLeafIndex"`

	// LatestRecalculationBlock is the block number of the newest leaf
	// included in Root.
	LatestRecalculationBlock uint64 `json:"latestRecalculationBlock"`
}

// Fresh reports whether every stored leaf is already folded into the root.
func (m *Metadata) Fresh(leafCount uint64) bool {
	return m.LastUpdatedLeafIndex+1 == int64(leafCount)
}

// Covers reports whether the first leafCount leaves are folded into the
// root.
func (m *Metadata) Covers(leafCount uint64) bool {
	return m.LastUpdatedLeafIndex+1 >= int64(leafCount)
}

// Direction tells on which side of the path node a sibling sits.
type Direction uint8

const (
	Left Direction = iota
	Right
)

func (d Direction) String() string {
	if d == Left {
		return "left"
	}
	return "right"
}

// MarshalText encodes the direction as "left" or "right".
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes "left" or "right".
func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "left":
		*d = Left
	case "right":
		*d = Right
	default:
		return fmt.Errorf("tree: bad direction %q", text)
	}
	return nil
}

// Sibling is one step of a sibling path.
type Sibling struct {
	Level     uint8       `json:"level"`
	NodeIndex uint64      `json:"nodeIndex"`
	Value     common.Hash `json:"value"`
	Direction Direction   `json:"direction"`
}

// SiblingPath is the inclusion proof of one leaf, ordered from the leaf
// level up to the level just below the root.
type SiblingPath struct {
	LeafIndex uint64      `json:"leafIndex"`
	Leaf      common.Hash `json:"leaf"`
	Root      common.Hash `json:"root"`
	Siblings  []Sibling   `json:"siblings"`
}

// LeafStore is the durable, append-only leaf log of one tree.
type LeafStore interface {
	// LeafCount returns the number of stored leaves.
	LeafCount() (uint64, error)
	// ReadLeaf returns the leaf at index, or nil if it is not stored.
	ReadLeaf(index uint64) (*Leaf, error)
	// ReadLeaves returns the stored leaves in [from, to).
	ReadLeaves(from, to uint64) ([]Leaf, error)
	// AppendLeaves writes leaves and the new leaf count atomically. The
	// caller guarantees the leaves continue the stored sequence.
	AppendLeaves(leaves []Leaf) error
}

// NodeStore is the durable node table of one tree.
type NodeStore interface {
	// ReadNode returns the node at (level, position) and whether it exists.
	ReadNode(level uint8, position uint64) (common.Hash, bool, error)
	// ReadNodes returns the stored nodes of a level with positions in
	// [from, to), in position order.
	ReadNodes(level uint8, from, to uint64) ([]Node, error)
	// WriteNodes upserts nodes. It need not be atomic across nodes.
	WriteNodes(nodes []Node) error
}

// MetadataStore holds the metadata singleton of one tree.
type MetadataStore interface {
	// ReadMetadata returns the stored metadata, or nil if the tree is new.
	ReadMetadata() (*Metadata, error)
	// InitMetadata stores m if no metadata exists yet.
	InitMetadata(m *Metadata) error
	// SwapMetadata replaces the stored metadata with m in one write, provided
	// the stored LastUpdatedLeafIndex still equals prevLastUpdated.
	SwapMetadata(prevLastUpdated int64, m *Metadata) error
}

// Store bundles the three stores of one tree.
type Store interface {
	LeafStore
	NodeStore
	MetadataStore
}

package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// The database schema. Every tree lives under its own namespace,
// namespacePrefix + rlp([contractName, treeID]); the rlp list is self
// delimiting, so one namespace is never a prefix of another.
var (
	namespacePrefix  = []byte("t") // t + rlp(name, id) -> tree namespace
	treeRecordPrefix = []byte("T") // T + rlp(name, id) -> TreeRecord RLP

	// Suffixes inside a tree namespace.
	leafPrefix      = []byte("l") // l + index (8 bytes BE) -> leafRecord RLP
	nodePrefix      = []byte("n") // n + level (1 byte) + position (8 bytes BE) -> node digest
	leafCountSuffix = []byte("c") // c -> leaf count (8 bytes BE)
	metadataSuffix  = []byte("m") // m -> metaRecord RLP
)

// leafRecord is the stored form of a leaf; the index lives in the key.
type leafRecord struct {
	Value       common.Hash
	BlockNumber uint64
	TxHash      common.Hash
}

// metaRecord is the stored form of tree.Metadata. rlp has no signed
// integers, so LastUpdated holds LastUpdatedLeafIndex + 1.
type metaRecord struct {
	Height                   uint8
	Hasher                   string
	NodeHashLength           uint64
	Root                     common.Hash
	LeafCount                uint64
	LastUpdated              uint64
	LatestRecalculationBlock uint64
}

// encodeUint64 encodes a number as an 8-byte big-endian value.
func encodeUint64(n uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, n)
	return enc
}

func treeName(contractName, treeID string) []byte {
	// Encoding two strings cannot fail.
	enc, _ := rlp.EncodeToBytes([]string{contractName, treeID})
	return enc
}

// Namespace returns the key prefix of a tree.
func Namespace(contractName, treeID string) []byte {
	return append(append([]byte{}, namespacePrefix...), treeName(contractName, treeID)...)
}

// treeRecordKey = treeRecordPrefix + rlp(name, id)
func treeRecordKey(contractName, treeID string) []byte {
	return append(append([]byte{}, treeRecordPrefix...), treeName(contractName, treeID)...)
}

func join(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

// leafKey = ns + leafPrefix + index
func leafKey(ns []byte, index uint64) []byte {
	return join(ns, leafPrefix, encodeUint64(index))
}

// nodeKey = ns + nodePrefix + level + position
func nodeKey(ns []byte, level uint8, position uint64) []byte {
	return join(ns, nodePrefix, []byte{level}, encodeUint64(position))
}

// nodeLevelPrefix = ns + nodePrefix + level
func nodeLevelPrefix(ns []byte, level uint8) []byte {
	return join(ns, nodePrefix, []byte{level})
}

func leafCountKey(ns []byte) []byte { return join(ns, leafCountSuffix) }
func metadataKey(ns []byte) []byte  { return join(ns, metadataSuffix) }

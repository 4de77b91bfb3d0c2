package rawdb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"

	"github.com/eth2030/timber/tree"
)

// ReadNode retrieves the digest at (level, position) and whether it exists.
func ReadNode(db ethdb.KeyValueReader, ns []byte, level uint8, position uint64) (common.Hash, bool, error) {
	data, err := get(db, nodeKey(ns, level, position))
	if err != nil || data == nil {
		return common.Hash{}, false, err
	}
	if len(data) != common.HashLength {
		return common.Hash{}, false, fmt.Errorf("rawdb: invalid node (%d, %d) of %d bytes", level, position, len(data))
	}
	return common.BytesToHash(data), true, nil
}

// WriteNode stores a node digest.
func WriteNode(db ethdb.KeyValueWriter, ns []byte, level uint8, position uint64, value common.Hash) error {
	return db.Put(nodeKey(ns, level, position), value.Bytes())
}

// ReadNodes returns the stored nodes of one level with positions in
// [from, to), in position order. Node indices are left for the caller.
func ReadNodes(db ethdb.Iteratee, ns []byte, level uint8, from, to uint64) ([]tree.Node, error) {
	if from >= to {
		return nil, nil
	}
	prefix := nodeLevelPrefix(ns, level)
	it := db.NewIterator(prefix, encodeUint64(from))
	defer it.Release()

	var nodes []tree.Node
	for it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, prefix) || len(key) != len(prefix)+8 {
			continue
		}
		position := binary.BigEndian.Uint64(key[len(prefix):])
		if position >= to {
			break
		}
		nodes = append(nodes, tree.Node{
			Level:    level,
			Position: position,
			Value:    common.BytesToHash(it.Value()),
		})
	}
	return nodes, it.Error()
}

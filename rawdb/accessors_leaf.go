package rawdb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/timber/tree"
)

// get returns the value stored at key, or nil if there is none. Backends
// disagree on their not-found errors, so presence is checked with Has.
func get(db ethdb.KeyValueReader, key []byte) ([]byte, error) {
	ok, err := db.Has(key)
	if err != nil || !ok {
		return nil, err
	}
	return db.Get(key)
}

// ReadLeafCount returns the number of leaves stored in a tree.
func ReadLeafCount(db ethdb.KeyValueReader, ns []byte) (uint64, error) {
	data, err := get(db, leafCountKey(ns))
	if err != nil || data == nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("rawdb: invalid leaf count of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// WriteLeafCount stores the number of leaves of a tree.
func WriteLeafCount(db ethdb.KeyValueWriter, ns []byte, count uint64) error {
	return db.Put(leafCountKey(ns), encodeUint64(count))
}

// ReadLeaf retrieves a leaf, or nil if it is not stored.
func ReadLeaf(db ethdb.KeyValueReader, ns []byte, index uint64) (*tree.Leaf, error) {
	data, err := get(db, leafKey(ns, index))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeLeaf(index, data)
}

// WriteLeaf stores a leaf under its index.
func WriteLeaf(db ethdb.KeyValueWriter, ns []byte, leaf tree.Leaf) error {
	data, err := rlp.EncodeToBytes(&leafRecord{
		Value:       leaf.Value,
		BlockNumber: leaf.BlockNumber,
		TxHash:      leaf.TxHash,
	})
	if err != nil {
		return err
	}
	return db.Put(leafKey(ns, leaf.Index), data)
}

// ReadLeaves returns the stored leaves with indices in [from, to), in index
// order.
func ReadLeaves(db ethdb.Iteratee, ns []byte, from, to uint64) ([]tree.Leaf, error) {
	if from >= to {
		return nil, nil
	}
	prefix := join(ns, leafPrefix)
	it := db.NewIterator(prefix, encodeUint64(from))
	defer it.Release()

	var leaves []tree.Leaf
	for it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, prefix) || len(key) != len(prefix)+8 {
			continue
		}
		index := binary.BigEndian.Uint64(key[len(prefix):])
		if index >= to {
			break
		}
		leaf, err := decodeLeaf(index, it.Value())
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, *leaf)
	}
	return leaves, it.Error()
}

func decodeLeaf(index uint64, data []byte) (*tree.Leaf, error) {
	var rec leafRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("rawdb: invalid leaf %d: %w", index, err)
	}
	return &tree.Leaf{
		Index:       index,
		Value:       rec.Value,
		BlockNumber: rec.BlockNumber,
		TxHash:      rec.TxHash,
	}, nil
}

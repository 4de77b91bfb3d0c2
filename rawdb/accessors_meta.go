package rawdb

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/timber/tree"
)

// ReadMetadata retrieves the metadata of a tree, or nil if it has none.
func ReadMetadata(db ethdb.KeyValueReader, ns []byte) (*tree.Metadata, error) {
	data, err := get(db, metadataKey(ns))
	if err != nil || data == nil {
		return nil, err
	}
	var rec metaRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("rawdb: invalid metadata: %w", err)
	}
	return &tree.Metadata{
		Height:                   rec.Height,
		Hasher:                   rec.Hasher,
		NodeHashLength:           int(rec.NodeHashLength),
		Root:                     rec.Root,
		LeafCount:                rec.LeafCount,
		LastUpdatedLeafIndex:     int64(rec.LastUpdated) - 1,
		LatestRecalculationBlock: rec.LatestRecalculationBlock,
	}, nil
}

// WriteMetadata stores the metadata of a tree in a single put.
func WriteMetadata(db ethdb.KeyValueWriter, ns []byte, m *tree.Metadata) error {
	if m.LastUpdatedLeafIndex < -1 {
		return fmt.Errorf("rawdb: invalid last updated leaf index %d", m.LastUpdatedLeafIndex)
	}
	data, err := rlp.EncodeToBytes(&metaRecord{
		Height:                   m.Height,
		Hasher:                   m.Hasher,
		NodeHashLength:           uint64(m.NodeHashLength),
		Root:                     m.Root,
		LeafCount:                m.LeafCount,
		LastUpdated:              uint64(m.LastUpdatedLeafIndex + 1),
		LatestRecalculationBlock: m.LatestRecalculationBlock,
	})
	if err != nil {
		return err
	}
	return db.Put(metadataKey(ns), data)
}

// TreeRecord describes a tree known to the database: which contract feeds
// it and how it hashes.
type TreeRecord struct {
	ContractName   string
	TreeID         string
	ContractID     string
	Address        common.Address
	Height         uint8
	Hasher         string
	NodeHashLength uint64
}

// ReadTreeRecord retrieves the record of a tree, or nil if it is unknown.
func ReadTreeRecord(db ethdb.KeyValueReader, contractName, treeID string) (*TreeRecord, error) {
	data, err := get(db, treeRecordKey(contractName, treeID))
	if err != nil || data == nil {
		return nil, err
	}
	rec := new(TreeRecord)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return nil, fmt.Errorf("rawdb: invalid tree record %s/%s: %w", contractName, treeID, err)
	}
	return rec, nil
}

// WriteTreeRecord stores the record of a tree.
func WriteTreeRecord(db ethdb.KeyValueWriter, rec *TreeRecord) error {
	data, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return err
	}
	return db.Put(treeRecordKey(rec.ContractName, rec.TreeID), data)
}

// ReadTreeRecords returns the records of all trees in the database.
func ReadTreeRecords(db ethdb.Iteratee) ([]*TreeRecord, error) {
	it := db.NewIterator(treeRecordPrefix, nil)
	defer it.Release()

	var recs []*TreeRecord
	for it.Next() {
		if !bytes.HasPrefix(it.Key(), treeRecordPrefix) {
			continue
		}
		rec := new(TreeRecord)
		if err := rlp.DecodeBytes(it.Value(), rec); err != nil {
			return nil, fmt.Errorf("rawdb: invalid tree record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, it.Error()
}

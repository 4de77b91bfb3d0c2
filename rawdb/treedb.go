package rawdb

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"

	"github.com/eth2030/timber/tree"
)

var errNoMetadata = errors.New("rawdb: tree has no metadata")

// TreeDB is the tree.Store of one tree inside a shared database.
type TreeDB struct {
	db ethdb.KeyValueStore
	ns []byte

	// metaMu serializes the read-compare-write of SwapMetadata and
	// InitMetadata.
	metaMu sync.Mutex
}

var _ tree.Store = (*TreeDB)(nil)

// NewTreeDB returns the store of the tree (contractName, treeID) in db.
func NewTreeDB(db ethdb.KeyValueStore, contractName, treeID string) *TreeDB {
	return &TreeDB{db: db, ns: Namespace(contractName, treeID)}
}

func (t *TreeDB) LeafCount() (uint64, error) {
	return ReadLeafCount(t.db, t.ns)
}

func (t *TreeDB) ReadLeaf(index uint64) (*tree.Leaf, error) {
	return ReadLeaf(t.db, t.ns, index)
}

func (t *TreeDB) ReadLeaves(from, to uint64) ([]tree.Leaf, error) {
	return ReadLeaves(t.db, t.ns, from, to)
}

// AppendLeaves writes the leaves and the new leaf count in one batch.
func (t *TreeDB) AppendLeaves(leaves []tree.Leaf) error {
	if len(leaves) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	for _, leaf := range leaves {
		if err := WriteLeaf(batch, t.ns, leaf); err != nil {
			return err
		}
	}
	if err := WriteLeafCount(batch, t.ns, leaves[len(leaves)-1].Index+1); err != nil {
		return err
	}
	return batch.Write()
}

func (t *TreeDB) ReadNode(level uint8, position uint64) (common.Hash, bool, error) {
	return ReadNode(t.db, t.ns, level, position)
}

func (t *TreeDB) ReadNodes(level uint8, from, to uint64) ([]tree.Node, error) {
	return ReadNodes(t.db, t.ns, level, from, to)
}

// WriteNodes upserts nodes, flushing every ethdb.IdealBatchSize bytes.
func (t *TreeDB) WriteNodes(nodes []tree.Node) error {
	batch := t.db.NewBatch()
	for _, n := range nodes {
		if err := WriteNode(batch, t.ns, n.Level, n.Position, n.Value); err != nil {
			return err
		}
		if batch.ValueSize() >= ethdb.IdealBatchSize {
			if err := batch.Write(); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	return batch.Write()
}

func (t *TreeDB) ReadMetadata() (*tree.Metadata, error) {
	return ReadMetadata(t.db, t.ns)
}

// InitMetadata stores m unless the tree already has metadata.
func (t *TreeDB) InitMetadata(m *tree.Metadata) error {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()

	ok, err := t.db.Has(metadataKey(t.ns))
	if err != nil || ok {
		return err
	}
	return WriteMetadata(t.db, t.ns, m)
}

// SwapMetadata replaces the metadata if its LastUpdatedLeafIndex is still
// prevLastUpdated.
func (t *TreeDB) SwapMetadata(prevLastUpdated int64, m *tree.Metadata) error {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()

	cur, err := ReadMetadata(t.db, t.ns)
	if err != nil {
		return err
	}
	if cur == nil {
		return errNoMetadata
	}
	if cur.LastUpdatedLeafIndex != prevLastUpdated {
		return tree.ErrMetadataConflict
	}
	return WriteMetadata(t.db, t.ns, m)
}

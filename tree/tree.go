package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/timber/crypto"
	"github.com/eth2030/timber/log"
	"github.com/eth2030/timber/metrics"
)

// Config fixes the shape of a tree. Both fields are persisted at creation
// and checked every time the tree is reopened.
type Config struct {
	Height uint8
	Hasher crypto.Hasher
}

// Tree ties one tree's stores to its updater and resolver.
type Tree struct {
	ix       Indexer
	hasher   crypto.Hasher
	zeros    []common.Hash
	store    Store
	updater  *Updater
	resolver *Resolver
	log      *log.Logger

	// appendMu makes AppendLeaves the single writer of the leaf store.
	appendMu sync.Mutex
}

// Open opens the tree kept in store, creating its metadata if the store is
// empty.
func Open(store Store, cfg Config, logger *log.Logger) (*Tree, error) {
	if cfg.Height == 0 || cfg.Height > MaxHeight {
		return nil, fmt.Errorf("%w: %d", ErrBadHeight, cfg.Height)
	}
	if cfg.Hasher == nil {
		return nil, errors.New("tree: no hasher")
	}
	if logger == nil {
		logger = log.Default().Module("tree")
	}
	ix := Indexer{Height: cfg.Height}
	zeros := crypto.ZeroDigests(cfg.Hasher, cfg.Height)

	meta, err := store.ReadMetadata()
	if err != nil {
		return nil, storageErr("read metadata", err)
	}
	if meta == nil {
		err := store.InitMetadata(&Metadata{
			Height:               cfg.Height,
			Hasher:               cfg.Hasher.Name(),
			NodeHashLength:       cfg.Hasher.Size(),
			Root:                 zeros[cfg.Height],
			LastUpdatedLeafIndex: -1,
		})
		if err != nil {
			return nil, storageErr("init metadata", err)
		}
		if meta, err = store.ReadMetadata(); err != nil {
			return nil, storageErr("read metadata", err)
		}
		logger.Info("Created tree", "height", cfg.Height, "hasher", cfg.Hasher.Name(), "nodeHashLength", cfg.Hasher.Size())
	}
	if meta.Height != cfg.Height || meta.Hasher != cfg.Hasher.Name() || meta.NodeHashLength != cfg.Hasher.Size() {
		return nil, fmt.Errorf("%w: stored height %d hasher %s/%d, requested height %d hasher %s/%d",
			ErrConfigMismatch, meta.Height, meta.Hasher, meta.NodeHashLength,
			cfg.Height, cfg.Hasher.Name(), cfg.Hasher.Size())
	}

	t := &Tree{
		ix:     ix,
		hasher: cfg.Hasher,
		zeros:  zeros,
		store:  store,
		log:    logger,
	}
	t.updater = newUpdater(ix, cfg.Hasher, zeros, store, logger)
	t.resolver = &Resolver{ix: ix, zeros: zeros, store: store, updater: t.updater}
	return t, nil
}

// Height returns the tree height.
func (t *Tree) Height() uint8 { return t.ix.Height }

// Indexer returns the index arithmetic of the tree.
func (t *Tree) Indexer() Indexer { return t.ix }

// Hasher returns the tree's hash function.
func (t *Tree) Hasher() crypto.Hasher { return t.hasher }

// ZeroDigest returns the empty-subtree digest at a level.
func (t *Tree) ZeroDigest(level uint8) (common.Hash, error) {
	if level > t.ix.Height {
		return common.Hash{}, t.ix.boundary("zero digest", Position{Level: level})
	}
	return t.zeros[level], nil
}

// AppendLeaves stores leaves that continue the leaf sequence. Leaves must be
// in ascending index order. Redelivered leaves with an identical value are
// skipped; a redelivered leaf with a different value fails the whole call
// with a DuplicateLeafError and a leaf past the next free index fails it with
// ErrLeafGap. Nothing is stored when an error is returned. The number of
// newly stored leaves is returned.
func (t *Tree) AppendLeaves(leaves []Leaf) (int, error) {
	t.appendMu.Lock()
	defer t.appendMu.Unlock()

	count, err := t.store.LeafCount()
	if err != nil {
		return 0, storageErr("read leaf count", err)
	}
	var (
		fresh []Leaf
		dups  int
	)
	for _, leaf := range leaves {
		next := count + uint64(len(fresh))
		switch {
		case leaf.Index < next:
			stored, err := t.storedValue(leaf.Index, count, fresh)
			if err != nil {
				return 0, err
			}
			if stored != leaf.Value {
				metrics.DuplicateLeaves.WithLabelValues("conflict").Inc()
				return 0, &DuplicateLeafError{Index: leaf.Index, Stored: stored, Incoming: leaf.Value}
			}
			dups++
		case leaf.Index == next:
			if next >= t.ix.Capacity() {
				return 0, fmt.Errorf("%w: capacity %d", ErrTreeFull, t.ix.Capacity())
			}
			fresh = append(fresh, leaf)
		default:
			return 0, fmt.Errorf("%w: got leaf %d, next free index is %d", ErrLeafGap, leaf.Index, next)
		}
	}
	if dups > 0 {
		metrics.DuplicateLeaves.WithLabelValues("identical").Add(float64(dups))
		t.log.Debug("Ignored redelivered leaves", "count", dups)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := t.store.AppendLeaves(fresh); err != nil {
		return 0, storageErr("append leaves", err)
	}
	metrics.LeavesAppended.Add(float64(len(fresh)))
	return len(fresh), nil
}

func (t *Tree) storedValue(index, count uint64, fresh []Leaf) (common.Hash, error) {
	if index >= count {
		return fresh[index-count].Value, nil
	}
	leaf, err := t.store.ReadLeaf(index)
	if err != nil {
		return common.Hash{}, storageErr("read leaf", err)
	}
	if leaf == nil {
		return common.Hash{}, fmt.Errorf("%w: leaf %d below count %d is missing", ErrLeafGap, index, count)
	}
	return leaf.Value, nil
}

// LeafCount returns the number of stored leaves, folded into the root or
// not.
func (t *Tree) LeafCount() (uint64, error) {
	count, err := t.store.LeafCount()
	return count, storageErr("read leaf count", err)
}

// Leaf returns a stored leaf, or an OutOfRangeError if it is not stored.
func (t *Tree) Leaf(index uint64) (*Leaf, error) {
	leaf, err := t.store.ReadLeaf(index)
	if err != nil {
		return nil, storageErr("read leaf", err)
	}
	if leaf == nil {
		count, err := t.LeafCount()
		if err != nil {
			return nil, err
		}
		return nil, &OutOfRangeError{LeafIndex: index, LeafCount: count}
	}
	return leaf, nil
}

// Leaves returns the stored leaves in [from, to).
func (t *Tree) Leaves(from, to uint64) ([]Leaf, error) {
	if to < from {
		return nil, fmt.Errorf("tree: bad leaf range [%d, %d)", from, to)
	}
	leaves, err := t.store.ReadLeaves(from, to)
	return leaves, storageErr("read leaves", err)
}

// Node returns the node with the given global index. Positions with no
// stored node report their zero digest.
func (t *Tree) Node(nodeIndex uint64) (*Node, error) {
	p, err := t.ix.Position(nodeIndex)
	if err != nil {
		return nil, err
	}
	t.updater.mu.RLock()
	defer t.updater.mu.RUnlock()

	value, ok, err := t.store.ReadNode(p.Level, p.Index)
	if err != nil {
		return nil, storageErr("read node", err)
	}
	if !ok {
		value = t.zeros[p.Level]
	}
	return &Node{Index: nodeIndex, Level: p.Level, Position: p.Index, Value: value}, nil
}

// Metadata returns the stored metadata without updating the tree.
func (t *Tree) Metadata() (*Metadata, error) {
	meta, err := t.store.ReadMetadata()
	if err != nil {
		return nil, storageErr("read metadata", err)
	}
	if meta == nil {
		return nil, &StorageError{Op: "read metadata", Err: errors.New("tree metadata not initialised")}
	}
	return meta, nil
}

// Update folds all stored leaves into the root. See Updater.Update.
func (t *Tree) Update(ctx context.Context) (*Metadata, error) {
	return t.updater.Update(ctx)
}

// SiblingPath returns the inclusion proof of a leaf. See Resolver.
func (t *Tree) SiblingPath(ctx context.Context, leafIndex uint64) (*SiblingPath, error) {
	return t.resolver.SiblingPath(ctx, leafIndex)
}

// DirectPath returns the nodes from a leaf to the root. See Resolver.
func (t *Tree) DirectPath(ctx context.Context, leafIndex uint64) ([]Node, error) {
	return t.resolver.DirectPath(ctx, leafIndex)
}

package tree

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/timber/metrics"
)

// Resolver serves direct paths and sibling paths.
//
// Reads are fresh: every call first runs Updater.Update, so leaves stored
// before the call are always covered by the returned root. When nothing is
// new that costs a metadata read and a leaf count read.
type Resolver struct {
	ix      Indexer
	zeros   []common.Hash
	store   Store
	updater *Updater
}

// SiblingPath returns the inclusion proof of a leaf, leaf level first.
// Folding the siblings into the leaf value reproduces the returned root.
func (r *Resolver) SiblingPath(ctx context.Context, leafIndex uint64) (*SiblingPath, error) {
	metrics.PathRequests.WithLabelValues("sibling").Inc()
	meta, unlock, err := r.prepare(ctx, leafIndex)
	if err != nil {
		return nil, err
	}
	defer unlock()

	leaf, err := r.mustNode(Position{Level: 0, Index: leafIndex})
	if err != nil {
		return nil, err
	}
	path := &SiblingPath{
		LeafIndex: leafIndex,
		Leaf:      leaf,
		Root:      meta.Root,
		Siblings:  make([]Sibling, 0, r.ix.Height),
	}
	p := Position{Level: 0, Index: leafIndex}
	for p.Level < r.ix.Height {
		sib, err := r.ix.Sibling(p)
		if err != nil {
			return nil, err
		}
		var value common.Hash
		if sib.Index < r.ix.Populated(sib.Level, meta.LeafCount) {
			if value, err = r.mustNode(sib); err != nil {
				return nil, err
			}
		} else {
			value = r.zeros[sib.Level]
		}
		dir := Right
		if sib.Index < p.Index {
			dir = Left
		}
		nodeIndex, _ := r.ix.NodeIndex(sib)
		path.Siblings = append(path.Siblings, Sibling{
			Level:     sib.Level,
			NodeIndex: nodeIndex,
			Value:     value,
			Direction: dir,
		})
		if p, err = r.ix.Parent(p); err != nil {
			return nil, err
		}
	}
	return path, nil
}

// DirectPath returns the nodes from the leaf up to and including the root.
func (r *Resolver) DirectPath(ctx context.Context, leafIndex uint64) ([]Node, error) {
	metrics.PathRequests.WithLabelValues("direct").Inc()
	_, unlock, err := r.prepare(ctx, leafIndex)
	if err != nil {
		return nil, err
	}
	defer unlock()

	path := make([]Node, 0, int(r.ix.Height)+1)
	p := Position{Level: 0, Index: leafIndex}
	for {
		value, err := r.mustNode(p)
		if err != nil {
			return nil, err
		}
		nodeIndex, _ := r.ix.NodeIndex(p)
		path = append(path, Node{Index: nodeIndex, Level: p.Level, Position: p.Index, Value: value})
		if p.Level == r.ix.Height {
			return path, nil
		}
		if p, err = r.ix.Parent(p); err != nil {
			return nil, err
		}
	}
}

// prepare range-checks leafIndex against the leaf store before anything is
// written, brings the tree up to date, and returns the metadata the walk
// must use together with the read lock that keeps it valid.
func (r *Resolver) prepare(ctx context.Context, leafIndex uint64) (*Metadata, func(), error) {
	count, err := r.store.LeafCount()
	if err != nil {
		return nil, nil, storageErr("read leaf count", err)
	}
	if leafIndex >= count {
		return nil, nil, &OutOfRangeError{LeafIndex: leafIndex, LeafCount: count}
	}
	if _, err := r.updater.Update(ctx); err != nil {
		return nil, nil, err
	}

	r.updater.mu.RLock()
	meta, err := r.store.ReadMetadata()
	if err == nil && meta == nil {
		err = fmt.Errorf("tree metadata not initialised")
	}
	if err != nil {
		r.updater.mu.RUnlock()
		return nil, nil, storageErr("read metadata", err)
	}
	if leafIndex >= meta.LeafCount {
		r.updater.mu.RUnlock()
		return nil, nil, &OutOfRangeError{LeafIndex: leafIndex, LeafCount: meta.LeafCount}
	}
	return meta, r.updater.mu.RUnlock, nil
}

func (r *Resolver) mustNode(p Position) (common.Hash, error) {
	v, ok, err := r.store.ReadNode(p.Level, p.Index)
	if err != nil {
		return common.Hash{}, storageErr("read node", err)
	}
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: level %d position %d", ErrMissingNode, p.Level, p.Index)
	}
	return v, nil
}

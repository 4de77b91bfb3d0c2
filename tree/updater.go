package tree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/eth2030/timber/crypto"
	"github.com/eth2030/timber/log"
	"github.com/eth2030/timber/metrics"
)

// Updater folds newly stored leaves into the internal nodes and the root.
//
// A pass only touches the ancestors of the new leaves, O(delta * height)
// nodes, and a batch of leaves shares the recomputation of common ancestors.
// Passes on one tree are serialized; concurrent callers of Update share the
// pass that is in flight. A shared pass does not run on any caller's
// context, so a caller that gives up does not fail the others.
type Updater struct {
	ix     Indexer
	hasher crypto.Hasher
	zeros  []common.Hash
	store  Store
	log    *log.Logger

	// mu is held for writing during a pass and for reading by path walks,
	// so a walk never sees a half-written pass.
	mu    sync.RWMutex
	group singleflight.Group
}

func newUpdater(ix Indexer, hasher crypto.Hasher, zeros []common.Hash, store Store, logger *log.Logger) *Updater {
	return &Updater{
		ix:     ix,
		hasher: hasher,
		zeros:  zeros,
		store:  store,
		log:    logger,
	}
}

// Update brings the root up to date with the leaf store and returns the
// resulting metadata, which covers at least every leaf stored before the
// call. It is idempotent and costs two reads when nothing is new. ctx only
// bounds the wait: a pass that is abandoned still runs to completion. A
// failed pass commits no metadata and can simply be retried.
func (u *Updater) Update(ctx context.Context) (*Metadata, error) {
	meta, count, err := u.state()
	if err != nil {
		return nil, err
	}
	// A pass that was already running when this call began may have read
	// fewer leaves than count; join passes until one covers them.
	for !meta.Covers(count) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch := u.group.DoChan("update", func() (interface{}, error) {
			return u.update()
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			meta = res.Val.(*Metadata)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return meta, nil
}

func (u *Updater) state() (*Metadata, uint64, error) {
	meta, err := u.store.ReadMetadata()
	if err != nil {
		return nil, 0, storageErr("read metadata", err)
	}
	if meta == nil {
		return nil, 0, &StorageError{Op: "read metadata", Err: fmt.Errorf("tree metadata not initialised")}
	}
	count, err := u.store.LeafCount()
	if err != nil {
		return nil, 0, storageErr("read leaf count", err)
	}
	return meta, count, nil
}

func (u *Updater) update() (*Metadata, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	meta, count, err := u.state()
	if err != nil {
		return nil, err
	}
	if meta.Fresh(count) {
		return meta, nil
	}
	if int64(count) < meta.LastUpdatedLeafIndex+1 {
		return nil, fmt.Errorf("%w: leaf count %d behind last updated leaf %d",
			ErrLeafGap, count, meta.LastUpdatedLeafIndex)
	}
	start := time.Now()

	first := uint64(meta.LastUpdatedLeafIndex + 1)
	leaves, err := u.store.ReadLeaves(first, count)
	if err != nil {
		return nil, storageErr("read leaves", err)
	}
	if uint64(len(leaves)) != count-first {
		return nil, fmt.Errorf("%w: expected %d leaves from %d, found %d", ErrLeafGap, count-first, first, len(leaves))
	}

	// Level 0: the new leaves themselves.
	cur := make([]common.Hash, len(leaves))
	nodes := make([]Node, 0, 2*len(leaves)+int(u.ix.Height))
	for i, leaf := range leaves {
		if leaf.Index != first+uint64(i) {
			return nil, fmt.Errorf("%w: expected leaf %d, found %d", ErrLeafGap, first+uint64(i), leaf.Index)
		}
		cur[i] = leaf.Value
		nodes = append(nodes, u.node(0, leaf.Index, leaf.Value))
	}

	// Each level's changed range is the parents of the range below it.
	lo := first
	for level := uint8(1); level <= u.ix.Height; level++ {
		below := level - 1
		populated := u.ix.Populated(below, count)
		plo, phi := lo/2, (lo+uint64(len(cur))-1)/2

		next := make([]common.Hash, phi-plo+1)
		for p := plo; p <= phi; p++ {
			left, err := u.child(below, 2*p, lo, cur, populated)
			if err != nil {
				return nil, err
			}
			right, err := u.child(below, 2*p+1, lo, cur, populated)
			if err != nil {
				return nil, err
			}
			next[p-plo] = u.hasher.Combine(left, right)
			nodes = append(nodes, u.node(level, p, next[p-plo]))
		}
		cur, lo = next, plo
	}

	if err := u.store.WriteNodes(nodes); err != nil {
		return nil, storageErr("write nodes", err)
	}

	updated := *meta
	updated.Root = cur[0]
	updated.LeafCount = count
	updated.LastUpdatedLeafIndex = int64(count) - 1
	updated.LatestRecalculationBlock = leaves[len(leaves)-1].BlockNumber
	if err := u.store.SwapMetadata(meta.LastUpdatedLeafIndex, &updated); err != nil {
		return nil, storageErr("write metadata", err)
	}

	metrics.UpdatePasses.Inc()
	metrics.NodesWritten.Add(float64(len(nodes)))
	metrics.UpdateDuration.Observe(time.Since(start).Seconds())
	u.log.Debug("Tree updated", "leaves", len(leaves), "nodes", len(nodes),
		"leafCount", count, "root", updated.Root.Hex(), "elapsed", time.Since(start))
	return &updated, nil
}

// child resolves a child digest during a pass: from the level just computed,
// from the zero digest beyond the populated frontier, or from the store.
func (u *Updater) child(level uint8, pos, lo uint64, cur []common.Hash, populated uint64) (common.Hash, error) {
	if pos >= lo && pos-lo < uint64(len(cur)) {
		return cur[pos-lo], nil
	}
	if pos >= populated {
		return u.zeros[level], nil
	}
	v, ok, err := u.store.ReadNode(level, pos)
	if err != nil {
		return common.Hash{}, storageErr("read node", err)
	}
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: level %d position %d", ErrMissingNode, level, pos)
	}
	return v, nil
}

func (u *Updater) node(level uint8, pos uint64, value common.Hash) Node {
	// Positions come from the leaf range, so they are always in bounds.
	idx, _ := u.ix.NodeIndex(Position{Level: level, Index: pos})
	return Node{Index: idx, Level: level, Position: pos, Value: value}
}

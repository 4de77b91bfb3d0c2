package tree

// Position addresses a node by level and by its 0-based position within the
// level. Level 0 holds the leaves and level Height the root.
type Position struct {
	Level uint8
	Index uint64
}

// Indexer maps positions of a complete binary tree of a fixed height to
// parents, siblings, children and global node indices. It is pure integer
// arithmetic.
//
// Global node indices number the tree breadth first from the root: the root
// is 0, level l starts at 2^(Height-l) - 1, and leaf i is 2^Height - 1 + i.
type Indexer struct {
	Height uint8
}

// Width returns the number of positions at a level.
func (ix Indexer) Width(level uint8) uint64 {
	return uint64(1) << (ix.Height - level)
}

// Capacity is the number of leaves the tree can hold.
func (ix Indexer) Capacity() uint64 {
	return ix.Width(0)
}

func (ix Indexer) valid(p Position) bool {
	return p.Level <= ix.Height && p.Index < ix.Width(p.Level)
}

func (ix Indexer) boundary(op string, p Position) error {
	return &BoundaryError{Op: op, Level: p.Level, Index: p.Index, Height: ix.Height}
}

// Parent returns the parent of p. The root has no parent.
func (ix Indexer) Parent(p Position) (Position, error) {
	if !ix.valid(p) || p.Level == ix.Height {
		return Position{}, ix.boundary("parent", p)
	}
	return Position{Level: p.Level + 1, Index: p.Index / 2}, nil
}

// Sibling returns the other child of p's parent. The root has no sibling.
func (ix Indexer) Sibling(p Position) (Position, error) {
	if !ix.valid(p) || p.Level == ix.Height {
		return Position{}, ix.boundary("sibling", p)
	}
	return Position{Level: p.Level, Index: p.Index ^ 1}, nil
}

// Children returns the left and right children of p. Leaves have none.
func (ix Indexer) Children(p Position) (Position, Position, error) {
	if !ix.valid(p) || p.Level == 0 {
		return Position{}, Position{}, ix.boundary("children", p)
	}
	l := Position{Level: p.Level - 1, Index: 2 * p.Index}
	return l, Position{Level: l.Level, Index: l.Index + 1}, nil
}

// NodeIndex returns the global node index of p.
func (ix Indexer) NodeIndex(p Position) (uint64, error) {
	if !ix.valid(p) {
		return 0, ix.boundary("node index", p)
	}
	return ix.Width(p.Level) - 1 + p.Index, nil
}

// Position is the inverse of NodeIndex.
func (ix Indexer) Position(nodeIndex uint64) (Position, error) {
	if nodeIndex > 2*(ix.Capacity()-1) {
		return Position{}, ix.boundary("position", Position{Index: nodeIndex})
	}
	// Level l holds node indices [2^(H-l) - 1, 2^(H-l+1) - 2].
	for level := ix.Height; ; level-- {
		first := ix.Width(level) - 1
		if nodeIndex < first+ix.Width(level) {
			return Position{Level: level, Index: nodeIndex - first}, nil
		}
		if level == 0 {
			break
		}
	}
	return Position{}, ix.boundary("position", Position{Index: nodeIndex})
}

// LevelRange returns the first and last global node index of a level.
func (ix Indexer) LevelRange(level uint8) (first, last uint64, err error) {
	if level > ix.Height {
		return 0, 0, ix.boundary("level range", Position{Level: level})
	}
	first = ix.Width(level) - 1
	return first, first + ix.Width(level) - 1, nil
}

// Populated returns how many positions of a level cover at least one of the
// first leafCount leaves. Positions at or beyond it hold the zero digest.
func (ix Indexer) Populated(level uint8, leafCount uint64) uint64 {
	if leafCount == 0 {
		return 0
	}
	return (leafCount-1)>>level + 1
}

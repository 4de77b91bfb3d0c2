package tree

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

var errInjected = errors.New("injected failure")

// memStore is an in-memory Store with failure injection.
type memStore struct {
	mu     sync.Mutex
	leaves []Leaf
	nodes  map[Position]common.Hash
	meta   *Metadata

	nodeWrites int
	metaWrites int

	failNodes bool
	failMeta  bool

	// beforeReadLeaves runs at the start of every ReadLeaves call. Set it
	// before the store is shared.
	beforeReadLeaves func()
	leafCounts       atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[Position]common.Hash)}
}

func (s *memStore) LeafCount() (uint64, error) {
	s.leafCounts.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.leaves)), nil
}

func (s *memStore) ReadLeaf(index uint64) (*Leaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= uint64(len(s.leaves)) {
		return nil, nil
	}
	l := s.leaves[index]
	return &l, nil
}

func (s *memStore) ReadLeaves(from, to uint64) ([]Leaf, error) {
	if s.beforeReadLeaves != nil {
		s.beforeReadLeaves()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if to > uint64(len(s.leaves)) {
		to = uint64(len(s.leaves))
	}
	if from >= to {
		return nil, nil
	}
	return append([]Leaf(nil), s.leaves[from:to]...), nil
}

func (s *memStore) AppendLeaves(leaves []Leaf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, leaves...)
	return nil
}

func (s *memStore) ReadNode(level uint8, position uint64) (common.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.nodes[Position{Level: level, Index: position}]
	return v, ok, nil
}

func (s *memStore) ReadNodes(level uint8, from, to uint64) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Node
	for p, v := range s.nodes {
		if p.Level == level && p.Index >= from && p.Index < to {
			out = append(out, Node{Level: level, Position: p.Index, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *memStore) WriteNodes(nodes []Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNodes {
		return errInjected
	}
	for _, n := range nodes {
		s.nodes[Position{Level: n.Level, Index: n.Position}] = n.Value
		s.nodeWrites++
	}
	return nil
}

func (s *memStore) ReadMetadata() (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, nil
	}
	m := *s.meta
	return &m, nil
}

func (s *memStore) InitMetadata(m *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		cp := *m
		s.meta = &cp
	}
	return nil
}

func (s *memStore) SwapMetadata(prev int64, m *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMeta {
		return errInjected
	}
	if s.meta.LastUpdatedLeafIndex != prev {
		return ErrMetadataConflict
	}
	cp := *m
	s.meta = &cp
	s.metaWrites++
	return nil
}

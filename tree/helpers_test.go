package tree

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/timber/crypto"
)

func newTestTree(t *testing.T, height uint8, hasher string) (*Tree, *memStore) {
	t.Helper()
	h, err := crypto.New(hasher, 0)
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	s := newMemStore()
	tr, err := Open(s, Config{Height: height, Hasher: h}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tr, s
}

// leafValue returns a deterministic, distinct leaf value for i.
func leafValue(i uint64) common.Hash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return crypto.Keccak256Hash([]byte("leaf"), b[:])
}

func makeLeaves(from, n uint64) []Leaf {
	leaves := make([]Leaf, n)
	for i := range leaves {
		idx := from + uint64(i)
		leaves[i] = Leaf{Index: idx, Value: leafValue(idx), BlockNumber: 100 + idx}
	}
	return leaves
}

func appendN(t *testing.T, tr *Tree, from, n uint64) {
	t.Helper()
	got, err := tr.AppendLeaves(makeLeaves(from, n))
	if err != nil {
		t.Fatalf("AppendLeaves(%d, %d): %v", from, n, err)
	}
	if uint64(got) != n {
		t.Fatalf("AppendLeaves stored %d leaves, want %d", got, n)
	}
}

// referenceRoot recomputes the root of the whole tree level by level.
func referenceRoot(h crypto.Hasher, height uint8, count uint64) common.Hash {
	zeros := crypto.ZeroDigests(h, height)
	layer := make([]common.Hash, count)
	for i := range layer {
		layer[i] = leafValue(uint64(i))
	}
	for level := 0; level < int(height); level++ {
		if len(layer)%2 == 1 {
			layer = append(layer, zeros[level])
		}
		next := make([]common.Hash, len(layer)/2)
		for i := range next {
			next[i] = h.Combine(layer[2*i], layer[2*i+1])
		}
		layer = next
	}
	if len(layer) == 0 {
		return zeros[height]
	}
	return layer[0]
}

// holdFirstPass blocks the first update pass on s inside ReadLeaves. entered
// closes once the pass is held; closing release lets it continue.
func holdFirstPass(s *memStore) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	s.beforeReadLeaves = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	return entered, release
}

// waitForCalls waits until counter reaches want.
func waitForCalls(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for counter.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("counter stuck at %d, want %d", counter.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

package rawdb

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/timber/crypto"
	"github.com/eth2030/timber/tree"
)

func testValue(i uint64) common.Hash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return crypto.Keccak256Hash(b[:])
}

func testLeaves(from, n uint64) []tree.Leaf {
	leaves := make([]tree.Leaf, n)
	for i := range leaves {
		idx := from + uint64(i)
		leaves[i] = tree.Leaf{
			Index:       idx,
			Value:       testValue(idx),
			BlockNumber: 1000 + idx,
			TxHash:      common.Hash{byte(idx), 0xee},
		}
	}
	return leaves
}

func TestLeafAccessors(t *testing.T) {
	db := NewTreeDB(NewMemoryDatabase(), "MerkleTree", "default")

	if count, err := db.LeafCount(); err != nil || count != 0 {
		t.Fatalf("empty LeafCount = %d, %v", count, err)
	}
	if leaf, err := db.ReadLeaf(0); err != nil || leaf != nil {
		t.Fatalf("ReadLeaf on empty tree = %+v, %v", leaf, err)
	}
	if err := db.AppendLeaves(testLeaves(0, 5)); err != nil {
		t.Fatalf("AppendLeaves: %v", err)
	}
	if err := db.AppendLeaves(testLeaves(5, 300)); err != nil {
		t.Fatalf("AppendLeaves: %v", err)
	}
	count, err := db.LeafCount()
	if err != nil || count != 305 {
		t.Fatalf("LeafCount = %d, %v; want 305", count, err)
	}
	leaf, err := db.ReadLeaf(256)
	if err != nil {
		t.Fatalf("ReadLeaf: %v", err)
	}
	if want := testLeaves(256, 1)[0]; *leaf != want {
		t.Fatalf("ReadLeaf(256) = %+v, want %+v", leaf, want)
	}

	leaves, err := db.ReadLeaves(250, 260)
	if err != nil {
		t.Fatalf("ReadLeaves: %v", err)
	}
	if len(leaves) != 10 {
		t.Fatalf("ReadLeaves(250, 260) returned %d leaves", len(leaves))
	}
	for i, l := range leaves {
		if l.Index != 250+uint64(i) || l.Value != testValue(l.Index) {
			t.Fatalf("leaf %d = %+v", i, l)
		}
	}
	if leaves, _ := db.ReadLeaves(300, 1000); len(leaves) != 5 {
		t.Fatalf("ReadLeaves past the end returned %d leaves, want 5", len(leaves))
	}
	if leaves, _ := db.ReadLeaves(7, 7); len(leaves) != 0 {
		t.Fatalf("empty range returned %d leaves", len(leaves))
	}
}

func TestNodeAccessors(t *testing.T) {
	db := NewTreeDB(NewMemoryDatabase(), "MerkleTree", "default")
	nodes := []tree.Node{
		{Level: 1, Position: 0, Value: testValue(10)},
		{Level: 1, Position: 1, Value: testValue(11)},
		{Level: 1, Position: 300, Value: testValue(12)},
		{Level: 2, Position: 0, Value: testValue(20)},
	}
	if err := db.WriteNodes(nodes); err != nil {
		t.Fatalf("WriteNodes: %v", err)
	}
	v, ok, err := db.ReadNode(1, 300)
	if err != nil || !ok || v != testValue(12) {
		t.Fatalf("ReadNode(1, 300) = %x, %v, %v", v, ok, err)
	}
	if _, ok, err := db.ReadNode(1, 2); err != nil || ok {
		t.Fatalf("ReadNode(1, 2) found a node: %v, %v", ok, err)
	}
	got, err := db.ReadNodes(1, 1, 1000)
	if err != nil {
		t.Fatalf("ReadNodes: %v", err)
	}
	if len(got) != 2 || got[0].Position != 1 || got[1].Position != 300 {
		t.Fatalf("ReadNodes(1, 1, 1000) = %+v", got)
	}

	// Overwrite is an upsert.
	if err := db.WriteNodes([]tree.Node{{Level: 2, Position: 0, Value: testValue(21)}}); err != nil {
		t.Fatalf("WriteNodes: %v", err)
	}
	if v, _, _ := db.ReadNode(2, 0); v != testValue(21) {
		t.Fatalf("node not overwritten: %x", v)
	}
}

func TestWriteNodesLargeBatch(t *testing.T) {
	db := NewTreeDB(NewMemoryDatabase(), "MerkleTree", "default")
	nodes := make([]tree.Node, 5000)
	for i := range nodes {
		nodes[i] = tree.Node{Level: 0, Position: uint64(i), Value: testValue(uint64(i))}
	}
	if err := db.WriteNodes(nodes); err != nil {
		t.Fatalf("WriteNodes: %v", err)
	}
	got, err := db.ReadNodes(0, 0, 5000)
	if err != nil {
		t.Fatalf("ReadNodes: %v", err)
	}
	if len(got) != 5000 {
		t.Fatalf("read back %d nodes, want 5000", len(got))
	}
}

func TestMetadata(t *testing.T) {
	db := NewTreeDB(NewMemoryDatabase(), "MerkleTree", "default")
	if m, err := db.ReadMetadata(); err != nil || m != nil {
		t.Fatalf("ReadMetadata on new tree = %+v, %v", m, err)
	}
	initial := &tree.Metadata{
		Height:               32,
		Hasher:               crypto.Keccak256Name,
		NodeHashLength:       27,
		Root:                 testValue(1),
		LastUpdatedLeafIndex: -1,
	}
	if err := db.InitMetadata(initial); err != nil {
		t.Fatalf("InitMetadata: %v", err)
	}
	// A second init leaves the first in place.
	if err := db.InitMetadata(&tree.Metadata{Height: 4}); err != nil {
		t.Fatalf("second InitMetadata: %v", err)
	}
	m, err := db.ReadMetadata()
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if *m != *initial {
		t.Fatalf("ReadMetadata = %+v, want %+v", m, initial)
	}

	next := *initial
	next.Root = testValue(2)
	next.LeafCount = 4
	next.LastUpdatedLeafIndex = 3
	next.LatestRecalculationBlock = 77
	if err := db.SwapMetadata(0, &next); !errors.Is(err, tree.ErrMetadataConflict) {
		t.Fatalf("stale SwapMetadata error = %v, want ErrMetadataConflict", err)
	}
	if err := db.SwapMetadata(-1, &next); err != nil {
		t.Fatalf("SwapMetadata: %v", err)
	}
	if m, _ := db.ReadMetadata(); *m != next {
		t.Fatalf("ReadMetadata = %+v, want %+v", m, next)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	kv := NewMemoryDatabase()
	a := NewTreeDB(kv, "MerkleTree", "default")
	b := NewTreeDB(kv, "MerkleTree", "second")
	c := NewTreeDB(kv, "MerkleTre", "edefault")

	if err := a.AppendLeaves(testLeaves(0, 3)); err != nil {
		t.Fatalf("AppendLeaves: %v", err)
	}
	if err := a.WriteNodes([]tree.Node{{Level: 1, Position: 0, Value: testValue(9)}}); err != nil {
		t.Fatalf("WriteNodes: %v", err)
	}
	for _, other := range []*TreeDB{b, c} {
		if count, _ := other.LeafCount(); count != 0 {
			t.Fatalf("leaf count leaked across namespaces: %d", count)
		}
		if leaves, _ := other.ReadLeaves(0, 10); len(leaves) != 0 {
			t.Fatalf("leaves leaked across namespaces: %+v", leaves)
		}
		if _, ok, _ := other.ReadNode(1, 0); ok {
			t.Fatal("node leaked across namespaces")
		}
	}
}

func TestTreeRecords(t *testing.T) {
	kv := NewMemoryDatabase()
	if rec, err := ReadTreeRecord(kv, "MerkleTree", "default"); err != nil || rec != nil {
		t.Fatalf("ReadTreeRecord on empty db = %+v, %v", rec, err)
	}
	recs := []*TreeRecord{
		{ContractName: "MerkleTree", TreeID: "default", ContractID: "one", Address: common.HexToAddress("0x01"), Height: 32, Hasher: crypto.Keccak256Name, NodeHashLength: 32},
		{ContractName: "Shield", TreeID: "notes", ContractID: "two", Address: common.HexToAddress("0x02"), Height: 16, Hasher: crypto.MiMCName, NodeHashLength: 32},
	}
	for _, rec := range recs {
		if err := WriteTreeRecord(kv, rec); err != nil {
			t.Fatalf("WriteTreeRecord: %v", err)
		}
	}
	// Tree data must not show up as records.
	if err := NewTreeDB(kv, "MerkleTree", "default").AppendLeaves(testLeaves(0, 2)); err != nil {
		t.Fatalf("AppendLeaves: %v", err)
	}
	got, err := ReadTreeRecords(kv)
	if err != nil {
		t.Fatalf("ReadTreeRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadTreeRecords returned %d records, want 2", len(got))
	}
	rec, err := ReadTreeRecord(kv, "Shield", "notes")
	if err != nil {
		t.Fatalf("ReadTreeRecord: %v", err)
	}
	if *rec != *recs[1] {
		t.Fatalf("ReadTreeRecord = %+v, want %+v", rec, recs[1])
	}
}

func TestTreeOverLevelDB(t *testing.T) {
	dir := t.TempDir()
	h, err := crypto.New(crypto.Keccak256Name, 0)
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	cfg := tree.Config{Height: 5, Hasher: h}

	kv, err := Open(dir, 0, 0, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr, err := tree.Open(NewTreeDB(kv, "MerkleTree", "default"), cfg, nil)
	if err != nil {
		t.Fatalf("tree.Open: %v", err)
	}
	if _, err := tr.AppendLeaves(testLeaves(0, 11)); err != nil {
		t.Fatalf("AppendLeaves: %v", err)
	}
	path, err := tr.SiblingPath(context.Background(), 6)
	if err != nil {
		t.Fatalf("SiblingPath: %v", err)
	}
	if !tree.VerifySiblingPath(h, path, path.Root) {
		t.Fatal("sibling path does not verify")
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	kv, err = Open(dir, 0, 0, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()
	tr, err = tree.Open(NewTreeDB(kv, "MerkleTree", "default"), cfg, nil)
	if err != nil {
		t.Fatalf("tree.Open after reopen: %v", err)
	}
	meta, err := tr.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.Root != path.Root || meta.LeafCount != 11 || meta.LastUpdatedLeafIndex != 10 {
		t.Fatalf("metadata after reopen = %+v", meta)
	}
	if _, err := tr.AppendLeaves(testLeaves(11, 2)); err != nil {
		t.Fatalf("AppendLeaves after reopen: %v", err)
	}
	if _, err := tr.Update(context.Background()); err != nil {
		t.Fatalf("Update after reopen: %v", err)
	}
}

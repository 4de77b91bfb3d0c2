package ledger

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

type fakeBackend struct {
	chainID *big.Int
	head    uint64
	history []types.Log
	live    chan types.Log
	fail    chan error
}

func newFakeBackend(head uint64, history ...types.Log) *fakeBackend {
	return &fakeBackend{
		chainID: big.NewInt(1337),
		head:    head,
		history: history,
		live:    make(chan types.Log),
		fail:    make(chan error, 1),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return b.chainID, nil }
func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return b.head, nil
}

func (b *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, l := range b.history {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (b *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case l := <-b.live:
				select {
				case ch <- l:
				case <-quit:
					return nil
				}
			case err := <-b.fail:
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func receive(t *testing.T, sink <-chan LeafEvent) LeafEvent {
	t.Helper()
	select {
	case ev := <-sink:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a leaf event")
	}
	return LeafEvent{}
}

func TestSubscribeLeafEvents(t *testing.T) {
	removed := newLeafLogAt(t, 8, 2, common.HexToHash("0xdead"))
	removed.Removed = true
	backend := newFakeBackend(10,
		newLeafLogAt(t, 3, 0, common.HexToHash("0x0a")),
		newLeavesLogAt(t, 5, 1, common.HexToHash("0x0b"), common.HexToHash("0x0c")),
		removed,
	)
	c := NewClient(backend, Config{}, nil)
	sink := make(chan LeafEvent)
	sub, err := c.SubscribeLeafEvents(context.Background(), common.HexToAddress("0x01"), 4, sink)
	if err != nil {
		t.Fatalf("SubscribeLeafEvents: %v", err)
	}
	defer sub.Unsubscribe()

	// Block 3 is before fromBlock; the removed log is dropped.
	ev := receive(t, sink)
	if ev.Event != NewLeavesEvent || ev.MinLeafIndex != 1 || len(ev.Values) != 2 {
		t.Fatalf("first event = %+v", ev)
	}
	backend.live <- newLeafLogAt(t, 11, 3, common.HexToHash("0x0d"))
	ev = receive(t, sink)
	if ev.Event != NewLeafEvent || ev.MinLeafIndex != 3 || ev.BlockNumber != 11 {
		t.Fatalf("live event = %+v", ev)
	}

	boom := errors.New("connection lost")
	backend.fail <- boom
	select {
	case err := <-sub.Err():
		if !errors.Is(err, boom) {
			t.Fatalf("subscription error = %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not fail")
	}
}

func TestSubscribeUnsubscribeWhileBlocked(t *testing.T) {
	backend := newFakeBackend(10, newLeafLogAt(t, 1, 0, common.HexToHash("0x0a")))
	c := NewClient(backend, Config{}, nil)
	sub, err := c.SubscribeLeafEvents(context.Background(), common.Address{}, 0, make(chan LeafEvent))
	if err != nil {
		t.Fatalf("SubscribeLeafEvents: %v", err)
	}
	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Unsubscribe blocked on an undrained sink")
	}
}

const testArtifact = `{
	"contractName": "MerkleTree",
	"abi": [
		{"type":"constructor","inputs":[{"name":"_treeHeight","type":"uint8"}],"stateMutability":"nonpayable"},
		{"type":"event","name":"NewLeaf","anonymous":false,"inputs":[
			{"name":"leafIndex","type":"uint256","indexed":false},
			{"name":"leafValue","type":"bytes32","indexed":false},
			{"name":"root","type":"bytes32","indexed":false}]}
	],
	"bytecode": "0x6080604052",
	"networks": {
		"1337": {"address": "0x00000000000000000000000000000000000000aa"}
	}
}`

func writeArtifact(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return dir
}

func TestResolveContractAddress(t *testing.T) {
	dir := writeArtifact(t, "MerkleTree", testArtifact)
	pinned := common.HexToAddress("0xbb")
	c := NewClient(newFakeBackend(0), Config{
		ContractsDir: dir,
		Addresses:    map[string]common.Address{"Pinned": pinned},
	}, nil)

	addr, err := c.ResolveContractAddress(context.Background(), "MerkleTree")
	if err != nil {
		t.Fatalf("ResolveContractAddress: %v", err)
	}
	if addr != common.HexToAddress("0xaa") {
		t.Fatalf("address = %s", addr.Hex())
	}
	if addr, _ := c.ResolveContractAddress(context.Background(), "Pinned"); addr != pinned {
		t.Fatalf("pinned address = %s", addr.Hex())
	}
	if _, err := c.ResolveContractAddress(context.Background(), "Missing"); !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("missing artifact: error = %v, want ErrUnknownContract", err)
	}
	if _, err := c.ResolveContractAddress(context.Background(), "../MerkleTree"); !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("path name: error = %v, want ErrUnknownContract", err)
	}

	other := NewClient(&fakeBackend{chainID: big.NewInt(5)}, Config{ContractsDir: dir}, nil)
	if _, err := other.ResolveContractAddress(context.Background(), "MerkleTree"); !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("undeployed chain: error = %v, want ErrUnknownContract", err)
	}
}

func TestArtifactAndConstructorArgs(t *testing.T) {
	art, err := ParseArtifact([]byte(testArtifact))
	if err != nil {
		t.Fatalf("ParseArtifact: %v", err)
	}
	if art.ContractName != "MerkleTree" || len(art.Bytecode) != 5 {
		t.Fatalf("artifact = %+v", art)
	}
	args, err := ConstructorArgs(art.ABI, 32)
	if err != nil {
		t.Fatalf("ConstructorArgs: %v", err)
	}
	if len(args) != 1 || args[0] != uint8(32) {
		t.Fatalf("args = %#v", args)
	}
	if _, err := art.ABI.Pack("", args...); err != nil {
		t.Fatalf("constructor args do not pack: %v", err)
	}

	wide, err := ParseArtifact([]byte(`{"contractName":"Wide","abi":[{"type":"constructor","inputs":[{"name":"h","type":"uint256"}]}]}`))
	if err != nil {
		t.Fatalf("ParseArtifact: %v", err)
	}
	args, err = ConstructorArgs(wide.ABI, 20)
	if err != nil {
		t.Fatalf("ConstructorArgs: %v", err)
	}
	if b, ok := args[0].(*big.Int); !ok || b.Uint64() != 20 {
		t.Fatalf("args = %#v", args)
	}
	if _, err := wide.ABI.Pack("", args...); err != nil {
		t.Fatalf("uint256 args do not pack: %v", err)
	}

	bad, _ := ParseArtifact([]byte(`{"abi":[{"type":"constructor","inputs":[{"name":"a","type":"address"}]}]}`))
	if _, err := ConstructorArgs(bad.ABI, 20); err == nil {
		t.Fatal("address constructor parameter accepted")
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if key.D == nil {
		t.Fatal("empty key")
	}
	if _, err := ParseKey(""); err == nil {
		t.Fatal("empty key accepted")
	}
	if _, err := ParseKey("zz"); err == nil {
		t.Fatal("invalid key accepted")
	}
}

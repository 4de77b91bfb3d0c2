// Package ledger talks to the chain that emits tree leaves: it resolves
// contract addresses from build artifacts, decodes NewLeaf and NewLeaves
// logs, streams them as LeafEvents and deploys tree contracts.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/eth2030/timber/tree"
)

// Event names emitted by tree contracts.
const (
	NewLeafEvent   = "NewLeaf"
	NewLeavesEvent = "NewLeaves"
)

// eventsABI declares the two events every tree contract emits.
const eventsABI = `[
	{"type":"event","name":"NewLeaf","anonymous":false,"inputs":[
		{"name":"leafIndex","type":"uint256","indexed":false},
		{"name":"leafValue","type":"bytes32","indexed":false},
		{"name":"root","type":"bytes32","indexed":false}]},
	{"type":"event","name":"NewLeaves","anonymous":false,"inputs":[
		{"name":"minLeafIndex","type":"uint256","indexed":false},
		{"name":"leafValues","type":"bytes32[]","indexed":false},
		{"name":"root","type":"bytes32","indexed":false}]}
]`

// EventsABI is the parsed event interface of tree contracts.
var EventsABI = mustParseABI(eventsABI)

var (
	newLeafID   = EventsABI.Events[NewLeafEvent].ID
	newLeavesID = EventsABI.Events[NewLeavesEvent].ID
)

var (
	// ErrUnknownEvent is returned for logs that are neither NewLeaf nor
	// NewLeaves.
	ErrUnknownEvent = errors.New("ledger: unknown event")

	// ErrBadLeafIndex is returned when an event carries a leaf index that
	// does not fit in 64 bits.
	ErrBadLeafIndex = errors.New("ledger: leaf index out of range")
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// LeafEvent is one decoded NewLeaf or NewLeaves log.
type LeafEvent struct {
	Event        string
	MinLeafIndex uint64
	Values       []common.Hash
	Root         common.Hash
	BlockNumber  uint64
	TxHash       common.Hash
	LogIndex     uint
	Removed      bool
}

// Leaves returns the leaves carried by the event.
func (e *LeafEvent) Leaves() []tree.Leaf {
	leaves := make([]tree.Leaf, len(e.Values))
	for i, v := range e.Values {
		leaves[i] = tree.Leaf{
			Index:       e.MinLeafIndex + uint64(i),
			Value:       v,
			BlockNumber: e.BlockNumber,
			TxHash:      e.TxHash,
		}
	}
	return leaves
}

// FilterTopics returns the topic filter matching both leaf events.
func FilterTopics() [][]common.Hash {
	return [][]common.Hash{{newLeafID, newLeavesID}}
}

type newLeafLog struct {
	LeafIndex *big.Int
	LeafValue [32]byte
	Root      [32]byte
}

type newLeavesLog struct {
	MinLeafIndex *big.Int
	LeafValues   [][32]byte
	Root         [32]byte
}

// DecodeLog decodes a NewLeaf or NewLeaves log.
func DecodeLog(l types.Log) (*LeafEvent, error) {
	if len(l.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	ev := &LeafEvent{
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}
	var err error
	switch l.Topics[0] {
	case newLeafID:
		var out newLeafLog
		if err := EventsABI.UnpackIntoInterface(&out, NewLeafEvent, l.Data); err != nil {
			return nil, fmt.Errorf("ledger: decode %s: %w", NewLeafEvent, err)
		}
		ev.Event = NewLeafEvent
		ev.MinLeafIndex, err = leafIndex(l.Data)
		ev.Values = []common.Hash{out.LeafValue}
		ev.Root = out.Root
	case newLeavesID:
		var out newLeavesLog
		if err := EventsABI.UnpackIntoInterface(&out, NewLeavesEvent, l.Data); err != nil {
			return nil, fmt.Errorf("ledger: decode %s: %w", NewLeavesEvent, err)
		}
		ev.Event = NewLeavesEvent
		ev.MinLeafIndex, err = leafIndex(l.Data)
		ev.Values = make([]common.Hash, len(out.LeafValues))
		for i, v := range out.LeafValues {
			ev.Values[i] = v
		}
		ev.Root = out.Root
	default:
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, l.Topics[0].Hex())
	}
	if err != nil {
		return nil, err
	}
	last := ev.MinLeafIndex + uint64(len(ev.Values))
	if last < ev.MinLeafIndex {
		return nil, fmt.Errorf("%w: %d leaves from %d", ErrBadLeafIndex, len(ev.Values), ev.MinLeafIndex)
	}
	return ev, nil
}

// leafIndex reads the leaf index from the first data word, where both
// events put it.
func leafIndex(data []byte) (uint64, error) {
	if len(data) < 32 {
		return 0, fmt.Errorf("%w: missing", ErrBadLeafIndex)
	}
	var v uint256.Int
	v.SetBytes32(data[:32])
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrBadLeafIndex, v.Dec())
	}
	return v.Uint64(), nil
}

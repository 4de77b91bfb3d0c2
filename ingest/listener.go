package ingest

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"github.com/eth2030/timber/ledger"
	"github.com/eth2030/timber/log"
	"github.com/eth2030/timber/metrics"
	"github.com/eth2030/timber/tree"
)

// DefaultMaxPending is the number of leaves a Listener holds behind a gap
// before it gives up on the subscription.
const DefaultMaxPending = 1 << 16

// ErrPendingOverflow stops a listener whose held leaves outgrow its limit.
// Restarting ingestion backfills from the last stored leaf, which refetches
// the missing leaves.
var ErrPendingOverflow = errors.New("ingest: too many leaves held behind a gap")

// Appender is the part of a tree a Listener writes to.
type Appender interface {
	AppendLeaves(leaves []tree.Leaf) (int, error)
	LeafCount() (uint64, error)
	Indexer() tree.Indexer
}

// Listener moves the leaf events of one subscription into one tree.
// Leaves arriving ahead of a gap are held back until the gap closes, so the
// tree only ever sees contiguous appends.
type Listener struct {
	ID  uuid.UUID
	Key Key

	tree   Appender
	events <-chan ledger.LeafEvent
	sub    event.Subscription
	log    *log.Logger
	onExit func(error)

	// pending is owned by the Run goroutine.
	pending    map[uint64]tree.Leaf
	maxPending int

	received  atomic.Uint64
	stored    atomic.Uint64
	held      atomic.Int64
	lastBlock atomic.Uint64

	done chan struct{}
	err  error
}

// NewListener returns a listener reading events delivered by sub. onExit,
// if set, runs when the listener stops, with the error that stopped it or
// nil after Stop.
func NewListener(key Key, t Appender, events <-chan ledger.LeafEvent, sub event.Subscription, logger *log.Logger, onExit func(error)) *Listener {
	id := uuid.New()
	if logger == nil {
		logger = log.Default().Module("ingest")
	}
	return &Listener{
		ID:         id,
		Key:        key,
		tree:       t,
		events:     events,
		sub:        sub,
		log:        logger.With("contract", key.ContractName, "contractId", key.ContractID, "tree", key.TreeID, "subscription", id.String()),
		onExit:     onExit,
		pending:    make(map[uint64]tree.Leaf),
		maxPending: DefaultMaxPending,
		done:       make(chan struct{}),
	}
}

// Run processes events until the subscription ends, Stop is called, the
// tree rejects a leaf as conflicting or out of capacity, or too many leaves
// are held behind a gap.
func (l *Listener) Run() {
	metrics.ActiveSubscriptions.Inc()
	l.log.Info("Ingestion started")

	err := l.loop()
	l.sub.Unsubscribe()
	metrics.ActiveSubscriptions.Dec()
	metrics.PendingLeaves.Sub(float64(l.held.Swap(0)))
	if err != nil {
		l.log.Error("Ingestion stopped", "err", err, "stored", l.stored.Load())
	} else {
		l.log.Info("Ingestion stopped", "stored", l.stored.Load())
	}
	l.err = err
	if l.onExit != nil {
		l.onExit(err)
	}
	close(l.done)
}

func (l *Listener) loop() error {
	for {
		select {
		case ev := <-l.events:
			if err := l.handle(ev); err != nil {
				return err
			}
		case err := <-l.sub.Err():
			// nil once unsubscribed.
			return err
		}
	}
}

// Stop ends the subscription and waits for Run and onExit to return.
func (l *Listener) Stop() {
	l.sub.Unsubscribe()
	<-l.done
}

// Done is closed once Run has returned.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Err returns the error that stopped the listener. Only valid after Done.
func (l *Listener) Err() error { return l.err }

// Stats is a point-in-time view of a listener.
type Stats struct {
	ID        string `json:"subscriptionId"`
	Key       Key    `json:"key"`
	Received  uint64 `json:"leavesReceived"`
	Stored    uint64 `json:"leavesStored"`
	Pending   int64  `json:"leavesPending"`
	LastBlock uint64 `json:"lastBlock"`
}

// Stats returns the listener's counters.
func (l *Listener) Stats() Stats {
	return Stats{
		ID:        l.ID.String(),
		Key:       l.Key,
		Received:  l.received.Load(),
		Stored:    l.stored.Load(),
		Pending:   l.held.Load(),
		LastBlock: l.lastBlock.Load(),
	}
}

func (l *Listener) handle(ev ledger.LeafEvent) error {
	leaves := ev.Leaves()
	l.received.Add(uint64(len(leaves)))
	if ev.BlockNumber > l.lastBlock.Load() {
		l.lastBlock.Store(ev.BlockNumber)
	}
	capacity := l.tree.Indexer().Capacity()
	for _, leaf := range leaves {
		if leaf.Index >= capacity {
			return fmt.Errorf("%w: leaf %d, capacity %d", tree.ErrTreeFull, leaf.Index, capacity)
		}
		if held, ok := l.pending[leaf.Index]; ok {
			if held.Value != leaf.Value {
				return &tree.DuplicateLeafError{Index: leaf.Index, Stored: held.Value, Incoming: leaf.Value}
			}
			continue
		}
		l.pending[leaf.Index] = leaf
		l.held.Add(1)
		metrics.PendingLeaves.Inc()
	}
	l.log.Debug("Received leaf event", "event", ev.Event, "minLeafIndex", ev.MinLeafIndex,
		"leaves", len(leaves), "block", ev.BlockNumber)
	if err := l.flush(); err != nil {
		return err
	}
	if len(l.pending) > l.maxPending {
		return fmt.Errorf("%w: %d held, limit %d", ErrPendingOverflow, len(l.pending), l.maxPending)
	}
	return nil
}

// flush appends the held leaves that continue the tree.
func (l *Listener) flush() error {
	if len(l.pending) == 0 {
		return nil
	}
	count, err := l.tree.LeafCount()
	if err != nil {
		l.log.Warn("Cannot read leaf count, keeping leaves pending", "err", err)
		return nil
	}
	indices := make([]uint64, 0, len(l.pending))
	for idx := range l.pending {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	// Redelivered leaves below count go along so the tree can check them.
	var batch []tree.Leaf
	next := count
	for _, idx := range indices {
		if idx > next {
			l.log.Debug("Holding leaves until gap closes", "nextLeaf", next, "heldFrom", idx, "held", len(l.pending))
			break
		}
		if idx == next {
			next++
		}
		batch = append(batch, l.pending[idx])
	}
	if len(batch) == 0 {
		return nil
	}

	n, err := l.tree.AppendLeaves(batch)
	var dup *tree.DuplicateLeafError
	switch {
	case err == nil:
	case errors.As(err, &dup), errors.Is(err, tree.ErrTreeFull):
		return err
	default:
		l.log.Warn("Append failed, keeping leaves pending", "err", err, "leaves", len(batch))
		return nil
	}
	for _, leaf := range batch {
		delete(l.pending, leaf.Index)
	}
	l.held.Add(-int64(len(batch)))
	metrics.PendingLeaves.Sub(float64(len(batch)))
	l.stored.Add(uint64(n))
	if n > 0 {
		l.log.Debug("Stored leaves", "count", n, "leafCount", next)
	}
	return nil
}

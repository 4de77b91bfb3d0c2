// Package ingest feeds ledger leaf events into trees. A Guard makes sure at
// most one ingestion runs per key; a Listener moves one subscription's
// events into one tree.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eth2030/timber/ledger"
	"github.com/eth2030/timber/metrics"
)

// DefaultTreeID names the tree of contracts that hold a single tree.
const DefaultTreeID = "default"

var (
	// ErrUnknownContract is returned when a start names a contract that
	// cannot be resolved.
	ErrUnknownContract = ledger.ErrUnknownContract

	// ErrUnknownTree is returned when a tree is read before anything created
	// it.
	ErrUnknownTree = errors.New("ingest: unknown tree")

	// ErrContractMismatch is returned when a tree is started from a
	// different contract deployment than the one that first fed it.
	ErrContractMismatch = errors.New("ingest: tree is bound to another contract")
)

// Key identifies one ingestion: a contract, the deployment of it, and the
// tree inside it.
type Key struct {
	ContractName string `json:"contractName"`
	ContractID   string `json:"contractId"`
	TreeID       string `json:"treeId"`
}

// WithDefaults fills in an empty TreeID, and an empty ContractID with
// contractID.
func (k Key) WithDefaults(contractID string) Key {
	if k.TreeID == "" {
		k.TreeID = DefaultTreeID
	}
	if k.ContractID == "" {
		k.ContractID = contractID
	}
	return k
}

func (k Key) String() string {
	return k.ContractName + "/" + k.ContractID + "/" + k.TreeID
}

// Phase is the ingestion state of a key.
type Phase int32

const (
	Idle Phase = iota
	Starting
	Active
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// StartStatus is the outcome of a successful RequestStart.
type StartStatus int

const (
	Started StartStatus = iota
	AlreadyStarted
	AlreadyStarting
)

func (s StartStatus) String() string {
	switch s {
	case Started:
		return "started"
	case AlreadyStarted:
		return "already started"
	case AlreadyStarting:
		return "already starting"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IngestionError reports a failed ingestion start. The key is back to Idle
// and the start may be requested again.
type IngestionError struct {
	Key Key
	Err error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest: start %s: %v", e.Key, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// SetupFunc prepares an ingestion while its key is Starting. The returned
// launch function runs once the key is Active.
type SetupFunc func(ctx context.Context) (launch func(), err error)

type entry struct {
	phase atomic.Int32
	since atomic.Int64 // unix nanoseconds of the last phase change
}

func (e *entry) set(p Phase) {
	e.phase.Store(int32(p))
	e.since.Store(time.Now().UnixNano())
}

// Guard tracks the ingestion phase of every key. Keys move
// Idle -> Starting -> Active and back to Idle; the Idle -> Starting step is
// a compare-and-swap, so concurrent starts of one key run setup once while
// distinct keys never contend.
type Guard struct {
	entries sync.Map // Key -> *entry
}

// NewGuard returns a guard with every key Idle.
func NewGuard() *Guard {
	return new(Guard)
}

func (g *Guard) entry(key Key) *entry {
	if e, ok := g.entries.Load(key); ok {
		return e.(*entry)
	}
	e, _ := g.entries.LoadOrStore(key, new(entry))
	return e.(*entry)
}

// RequestStart starts ingestion for key unless it is already starting or
// active. The caller that wins the start runs setup; if setup fails the key
// returns to Idle and the error is returned as an IngestionError.
func (g *Guard) RequestStart(ctx context.Context, key Key, setup SetupFunc) (StartStatus, error) {
	e := g.entry(key)
	for !e.phase.CompareAndSwap(int32(Idle), int32(Starting)) {
		switch Phase(e.phase.Load()) {
		case Active:
			metrics.StartRequests.WithLabelValues("already_started").Inc()
			return AlreadyStarted, nil
		case Starting:
			metrics.StartRequests.WithLabelValues("already_starting").Inc()
			return AlreadyStarting, nil
		}
		// Released between the swap and the load; try again.
	}
	e.since.Store(time.Now().UnixNano())

	launch, err := setup(ctx)
	if err != nil {
		e.set(Idle)
		metrics.StartRequests.WithLabelValues("failed").Inc()
		return 0, &IngestionError{Key: key, Err: err}
	}
	e.set(Active)
	metrics.StartRequests.WithLabelValues("started").Inc()
	if launch != nil {
		launch()
	}
	return Started, nil
}

// Release returns an Active key to Idle. It reports whether the key was
// Active.
func (g *Guard) Release(key Key) bool {
	v, ok := g.entries.Load(key)
	if !ok {
		return false
	}
	e := v.(*entry)
	if !e.phase.CompareAndSwap(int32(Active), int32(Idle)) {
		return false
	}
	e.since.Store(time.Now().UnixNano())
	return true
}

// Phase returns the phase of key.
func (g *Guard) Phase(key Key) Phase {
	v, ok := g.entries.Load(key)
	if !ok {
		return Idle
	}
	return Phase(v.(*entry).phase.Load())
}

// KeyState is one entry of a guard snapshot.
type KeyState struct {
	Key   Key       `json:"key"`
	Phase Phase     `json:"phase"`
	Since time.Time `json:"since"`
}

// Snapshot returns the state of every key that has been started.
func (g *Guard) Snapshot() []KeyState {
	var out []KeyState
	g.entries.Range(func(k, v interface{}) bool {
		e := v.(*entry)
		out = append(out, KeyState{
			Key:   k.(Key),
			Phase: Phase(e.phase.Load()),
			Since: time.Unix(0, e.since.Load()),
		})
		return true
	})
	return out
}

// IsIngestionError reports whether err is a failed start.
func IsIngestionError(err error) bool {
	var ie *IngestionError
	return errors.As(err, &ie)
}

package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethdb"

	"github.com/eth2030/timber/crypto"
	"github.com/eth2030/timber/ingest"
	"github.com/eth2030/timber/ledger"
	"github.com/eth2030/timber/log"
	"github.com/eth2030/timber/rawdb"
	"github.com/eth2030/timber/rpc"
	"github.com/eth2030/timber/tree"
)

// ErrNoLedger is returned when ingestion is requested from a node that has
// no ledger connection configured.
var ErrNoLedger = errors.New("node: no ledger configured")

const (
	eventBuffer       = 256
	ledgerDialTimeout = 30 * time.Second
	healthTimeout     = 5 * time.Second
	staleStart        = time.Minute
)

// treeKey identifies a tree in the database.
type treeKey struct {
	contractName string
	treeID       string
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the node's logger.
func WithLogger(l *log.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithLedgerBackend makes the node read the ledger through b instead of
// dialing the configured URL.
func WithLedgerBackend(b ledger.Backend) Option {
	return func(n *Node) { n.ledgerBackend = b }
}

// Node is a timber service: the tree database, the ledger connection, the
// ingestion of every started tree and the HTTP API.
type Node struct {
	config *Config
	log    *log.Logger

	db            ethdb.KeyValueStore
	ledgerBackend ledger.Backend
	ledger        *ledger.Client
	eth           *ethclient.Client
	guard         *ingest.Guard
	rpc           *rpc.Server
	lifecycle     *LifecycleManager
	health        *HealthChecker

	httpServer *http.Server
	httpAddr   net.Addr

	// ctx lives as long as the node and bounds every ingestion start.
	ctx    context.Context
	cancel context.CancelFunc

	treesMu sync.Mutex
	trees   map[treeKey]*tree.Tree

	listenersMu sync.Mutex
	listeners   map[ingest.Key]*ingest.Listener

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New creates a node and opens its database. Network services start with
// Start.
func New(config *Config, opts ...Option) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	n := &Node{
		config:    config,
		log:       log.Default(),
		guard:     ingest.NewGuard(),
		lifecycle: NewLifecycleManager(),
		health:    NewHealthChecker(),
		trees:     make(map[treeKey]*tree.Tree),
		listeners: make(map[ingest.Key]*ingest.Listener),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.Module("node")
	n.ctx, n.cancel = context.WithCancel(context.Background())

	db, err := rawdb.Open(config.DBPath(), config.DB.Cache, config.DB.Handles, false)
	if err != nil {
		return nil, err
	}
	n.db = db
	if n.ledgerBackend != nil {
		n.ledger = ledger.NewClient(n.ledgerBackend, n.ledgerConfig(), n.log.Module("ledger"))
	}
	n.rpc = rpc.NewServer(n, rpc.Config{CORSOrigins: config.HTTP.CORSOrigins}, n.log.Module("rpc"))

	services := []struct {
		svc      Service
		priority int
	}{
		{&funcService{name: "ledger", start: n.startLedger, stop: n.stopLedger}, 0},
		{&funcService{name: "ingest", start: n.autostart, stop: n.stopListeners}, 1},
		{&funcService{name: "http", start: n.startHTTP, stop: n.stopHTTP}, 2},
	}
	for _, s := range services {
		if err := n.lifecycle.Register(s.svc, s.priority); err != nil {
			db.Close()
			return nil, err
		}
	}
	n.health.RegisterSubsystem("db", CheckFunc(n.checkDB))
	n.health.RegisterSubsystem("ledger", CheckFunc(n.checkLedger))
	n.health.RegisterSubsystem("ingest", CheckFunc(n.checkIngest))
	return n, nil
}

func (n *Node) ledgerConfig() ledger.Config {
	return ledger.Config{
		ContractsDir: n.config.Ledger.ContractsDir,
		Addresses:    n.config.Addresses(),
		LogBuffer:    eventBuffer,
	}
}

// Start starts all services. Configured trees with autostart begin
// ingesting.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("node already running")
	}
	n.health.SetStartTime(time.Now())
	if err := n.lifecycle.StartAll(); err != nil {
		return err
	}
	n.running = true
	n.log.Info("Node started", "datadir", n.config.DataDir, "http", n.HTTPEndpoint())
	return nil
}

// Stop stops all services and closes the database.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	err := n.lifecycle.StopAll()
	n.cancel()
	if dbErr := n.db.Close(); dbErr != nil {
		err = errors.Join(err, fmt.Errorf("close db: %w", dbErr))
	}
	n.running = false
	close(n.stop)
	n.log.Info("Node stopped")
	return err
}

// Close releases a node that was never started.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return errors.New("node is running")
	}
	n.cancel()
	return n.db.Close()
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stop
}

// Running reports whether the node is running.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Config returns the node's configuration.
func (n *Node) Config() *Config { return n.config }

// Handler returns the HTTP API handler.
func (n *Node) Handler() http.Handler { return n.rpc.Handler() }

// HTTPEndpoint returns the address the HTTP API listens on, once started.
func (n *Node) HTTPEndpoint() string {
	if n.httpAddr == nil {
		return ""
	}
	return n.httpAddr.String()
}

// Tree returns the tree of a contract, opening it on first use. An unknown
// tree is created when create is set and reported as ingest.ErrUnknownTree
// otherwise. New trees take their shape from the configuration; known trees
// not named in the configuration keep the shape they were created with.
func (n *Node) Tree(key ingest.Key, create bool) (*tree.Tree, error) {
	key = key.WithDefaults("")
	if key.ContractName == "" {
		return nil, fmt.Errorf("%w: no contract name", ingest.ErrUnknownTree)
	}
	id := treeKey{key.ContractName, key.TreeID}

	n.treesMu.Lock()
	defer n.treesMu.Unlock()

	if t, ok := n.trees[id]; ok {
		return t, nil
	}
	rec, err := rawdb.ReadTreeRecord(n.db, id.contractName, id.treeID)
	if err != nil {
		return nil, &tree.StorageError{Op: "read tree record", Err: err}
	}
	if rec == nil && !create {
		return nil, fmt.Errorf("%w: %s/%s", ingest.ErrUnknownTree, id.contractName, id.treeID)
	}
	shape := n.config.TreeShape(id.contractName, id.treeID)
	if rec != nil && n.config.Contract(id.contractName, id.treeID) == nil {
		shape = TreeConfig{Height: rec.Height, Hasher: rec.Hasher, NodeHashLength: int(rec.NodeHashLength)}
	}
	hasher, err := crypto.New(shape.Hasher, shape.NodeHashLength)
	if err != nil {
		return nil, err
	}
	logger := n.log.Module("tree").With("contract", id.contractName, "tree", id.treeID)
	t, err := tree.Open(rawdb.NewTreeDB(n.db, id.contractName, id.treeID), tree.Config{Height: shape.Height, Hasher: hasher}, logger)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &rawdb.TreeRecord{
			ContractName:   id.contractName,
			TreeID:         id.treeID,
			Height:         shape.Height,
			Hasher:         hasher.Name(),
			NodeHashLength: uint64(hasher.Size()),
		}
		if err := rawdb.WriteTreeRecord(n.db, rec); err != nil {
			return nil, &tree.StorageError{Op: "write tree record", Err: err}
		}
	}
	n.trees[id] = t
	return t, nil
}

// bindContract pins the contract deployment a tree ingests from. A tree
// stays bound to the first deployment it was started from.
func (n *Node) bindContract(key ingest.Key, addr common.Address) error {
	n.treesMu.Lock()
	defer n.treesMu.Unlock()

	rec, err := rawdb.ReadTreeRecord(n.db, key.ContractName, key.TreeID)
	if err != nil {
		return &tree.StorageError{Op: "read tree record", Err: err}
	}
	if rec == nil {
		return fmt.Errorf("%w: %s/%s", ingest.ErrUnknownTree, key.ContractName, key.TreeID)
	}
	if rec.ContractID != "" {
		if rec.ContractID != key.ContractID {
			return fmt.Errorf("%w: %s/%s is fed by %s, not %s", ingest.ErrContractMismatch,
				key.ContractName, key.TreeID, rec.ContractID, key.ContractID)
		}
		return nil
	}
	rec.ContractID = key.ContractID
	rec.Address = addr
	if err := rawdb.WriteTreeRecord(n.db, rec); err != nil {
		return &tree.StorageError{Op: "write tree record", Err: err}
	}
	return nil
}

// StartIngestion subscribes the tree of key to its contract's leaf events.
// The contract is resolved by ContractID if that is an address and by name
// otherwise; an empty ContractID becomes the resolved address. The ledger
// calls of a start are bounded by ctx, the node's lifetime and the
// configured start timeout; a start that runs out of time leaves the key
// Idle.
func (n *Node) StartIngestion(ctx context.Context, key ingest.Key) (ingest.StartStatus, error) {
	if key.ContractName == "" {
		return 0, fmt.Errorf("%w: no contract name", ingest.ErrUnknownContract)
	}
	if n.ledger == nil {
		return 0, &ingest.IngestionError{Key: key.WithDefaults(""), Err: ErrNoLedger}
	}
	ctx, cancel := n.startContext(ctx)
	defer cancel()

	var addr common.Address
	if common.IsHexAddress(key.ContractID) {
		addr = common.HexToAddress(key.ContractID)
		key.ContractID = addr.Hex()
	} else {
		var err error
		if addr, err = n.ledger.ResolveContractAddress(ctx, key.ContractName); err != nil {
			return 0, err
		}
	}
	key = key.WithDefaults(addr.Hex())

	return n.guard.RequestStart(ctx, key, func(ctx context.Context) (func(), error) {
		return n.setupIngestion(ctx, key, addr)
	})
}

// startContext derives the context of one ingestion start from ctx. It ends
// at the start timeout or when the node stops, whichever comes first.
func (n *Node) startContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := n.config.Ledger.StartTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().Ledger.StartTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	stop := context.AfterFunc(n.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// setupIngestion opens the tree and subscribes it. ctx bounds the ledger
// calls only; the subscription outlives it.
func (n *Node) setupIngestion(ctx context.Context, key ingest.Key, addr common.Address) (func(), error) {
	t, err := n.Tree(key, true)
	if err != nil {
		return nil, err
	}
	if err := n.bindContract(key, addr); err != nil {
		return nil, err
	}
	from, err := n.resumeBlock(t, key)
	if err != nil {
		return nil, err
	}
	events := make(chan ledger.LeafEvent, eventBuffer)
	sub, err := n.ledger.SubscribeLeafEvents(ctx, addr, from, events)
	if err != nil {
		return nil, err
	}
	var l *ingest.Listener
	l = ingest.NewListener(key, t, events, sub, n.log.Module("ingest"), func(error) {
		n.listenersMu.Lock()
		if n.listeners[key] == l {
			delete(n.listeners, key)
		}
		n.listenersMu.Unlock()
		n.guard.Release(key)
	})
	n.listenersMu.Lock()
	n.listeners[key] = l
	n.listenersMu.Unlock()
	return func() { go l.Run() }, nil
}

// resumeBlock is the block ingestion restarts from: the block of the newest
// stored leaf, or the configured start block of an empty tree.
func (n *Node) resumeBlock(t *tree.Tree, key ingest.Key) (uint64, error) {
	count, err := t.LeafCount()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		leaf, err := t.Leaf(count - 1)
		if err != nil {
			return 0, err
		}
		return leaf.BlockNumber, nil
	}
	if cc := n.config.Contract(key.ContractName, key.TreeID); cc != nil {
		return cc.StartBlock, nil
	}
	return 0, nil
}

// IngestionStates returns the ingestion phase of every key started so far.
func (n *Node) IngestionStates() []ingest.KeyState {
	states := n.guard.Snapshot()
	sort.Slice(states, func(i, j int) bool { return states[i].Key.String() < states[j].Key.String() })
	return states
}

// Listeners returns the counters of every running listener.
func (n *Node) Listeners() []ingest.Stats {
	n.listenersMu.Lock()
	stats := make([]ingest.Stats, 0, len(n.listeners))
	for _, l := range n.listeners {
		stats = append(stats, l.Stats())
	}
	n.listenersMu.Unlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key.String() < stats[j].Key.String() })
	return stats
}

// Health checks every subsystem.
func (n *Node) Health() (interface{}, bool) {
	report := n.health.CheckAll()
	return report, report.Healthy()
}

func (n *Node) startLedger() error {
	if n.ledger != nil || n.config.Ledger.URL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(n.ctx, ledgerDialTimeout)
	defer cancel()
	client, eth, err := ledger.Dial(ctx, n.config.Ledger.URL, n.ledgerConfig(), n.log.Module("ledger"))
	if err != nil {
		return err
	}
	n.ledger, n.eth = client, eth
	return nil
}

func (n *Node) stopLedger() error {
	if n.eth != nil {
		n.eth.Close()
	}
	return nil
}

func (n *Node) autostart() error {
	for i := range n.config.Contracts {
		cc := &n.config.Contracts[i]
		if !cc.Autostart {
			continue
		}
		key := cc.Key()
		status, err := n.StartIngestion(n.ctx, key)
		if err != nil {
			n.log.Warn("Autostart failed", "contract", key.ContractName, "tree", key.TreeID, "err", err)
			continue
		}
		n.log.Info("Autostarted ingestion", "contract", key.ContractName, "tree", key.TreeID, "status", status)
	}
	return nil
}

func (n *Node) stopListeners() error {
	n.listenersMu.Lock()
	listeners := make([]*ingest.Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		listeners = append(listeners, l)
	}
	n.listenersMu.Unlock()

	for _, l := range listeners {
		l.Stop()
	}
	return nil
}

func (n *Node) startHTTP() error {
	ln, err := net.Listen("tcp", n.config.HTTPAddr())
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	n.httpAddr = ln.Addr()
	n.httpServer = &http.Server{
		Handler:           n.rpc.Handler(),
		ReadHeaderTimeout: n.config.HTTP.ReadTimeout,
	}
	go func() {
		if err := n.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("HTTP server failed", "err", err)
		}
	}()
	n.log.Info("HTTP server started", "addr", n.httpAddr.String())
	return nil
}

func (n *Node) stopHTTP() error {
	if n.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.config.HTTP.ShutdownTimeout)
	defer cancel()
	return n.httpServer.Shutdown(ctx)
}

func (n *Node) checkDB() *SubsystemHealth {
	recs, err := rawdb.ReadTreeRecords(n.db)
	if err != nil {
		return unhealthy(err.Error())
	}
	return healthy(fmt.Sprintf("%d trees", len(recs)))
}

func (n *Node) checkLedger() *SubsystemHealth {
	if n.ledger == nil {
		if n.config.Ledger.URL == "" {
			return healthy("disabled")
		}
		return unhealthy("not connected")
	}
	ctx, cancel := context.WithTimeout(n.ctx, healthTimeout)
	defer cancel()
	head, err := n.ledger.BlockNumber(ctx)
	if err != nil {
		return unhealthy(err.Error())
	}
	return healthy(fmt.Sprintf("head block %d", head))
}

func (n *Node) checkIngest() *SubsystemHealth {
	var active, starting, stale int
	for _, s := range n.guard.Snapshot() {
		switch s.Phase {
		case ingest.Active:
			active++
		case ingest.Starting:
			starting++
			if time.Since(s.Since) > staleStart {
				stale++
			}
		}
	}
	msg := fmt.Sprintf("%d active, %d starting", active, starting)
	if stale > 0 {
		return &SubsystemHealth{Status: StatusDegraded, Message: msg}
	}
	return healthy(msg)
}

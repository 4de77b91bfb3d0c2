package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"

	"github.com/eth2030/timber/log"
	"github.com/eth2030/timber/metrics"
)

// Backend is the part of an Ethereum client the ledger reads from.
// *ethclient.Client implements it.
type Backend interface {
	ethereum.LogFilterer
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config configures a Client.
type Config struct {
	// ContractsDir holds the contract artifacts, one <Name>.json each.
	ContractsDir string
	// Addresses pins contract addresses by name, overriding artifacts.
	Addresses    map[string]common.Address
	// LogBuffer is the capacity of the live log channel.
	LogBuffer    int
}

// Client resolves tree contracts and streams their leaf events.
type Client struct {
	backend Backend
	cfg     Config
	log     *log.Logger

	chainMu sync.Mutex
	chainID *big.Int
}

// Dial connects to the node at url.
func Dial(ctx context.Context, url string, cfg Config, logger *log.Logger) (*Client, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: dial %s: %w", url, err)
	}
	return NewClient(ec, cfg, logger), ec, nil
}

// NewClient returns a Client reading from backend.
func NewClient(backend Backend, cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default().Module("ledger")
	}
	if cfg.LogBuffer <= 0 {
		cfg.LogBuffer = 256
	}
	return &Client{backend: backend, cfg: cfg, log: logger}
}

// ChainID returns the chain id of the backend. The first successful answer
// is cached; failures are not.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

// BlockNumber returns the current head block of the backend.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// ResolveContractAddress returns the address of a named contract: the
// configured address if there is one, otherwise the address recorded in the
// contract's artifact for the current chain.
func (c *Client) ResolveContractAddress(ctx context.Context, name string) (common.Address, error) {
	if addr, ok := c.cfg.Addresses[name]; ok {
		return addr, nil
	}
	if c.cfg.ContractsDir == "" {
		return common.Address{}, fmt.Errorf("%w: %s has no configured address", ErrUnknownContract, name)
	}
	art, err := LoadArtifact(c.cfg.ContractsDir, name)
	if err != nil {
		return common.Address{}, err
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := art.Address(chainID.String())
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s is not deployed on chain %s", ErrUnknownContract, name, chainID)
	}
	return addr, nil
}

// ContractBytecode returns the deployment bytecode of a named contract.
func (c *Client) ContractBytecode(name string) ([]byte, error) {
	art, err := LoadArtifact(c.cfg.ContractsDir, name)
	if err != nil {
		return nil, err
	}
	if len(art.Bytecode) == 0 {
		return nil, fmt.Errorf("ledger: artifact %s has no bytecode", name)
	}
	return art.Bytecode, nil
}

// SubscribeLeafEvents streams the leaf events of the contract at addr into
// sink, starting with the historical events from fromBlock and continuing
// with live ones. Events may be delivered more than once around the switch
// from history to live; consumers deduplicate by leaf index. Logs removed by
// a reorg are dropped. ctx bounds the calls made before it returns; the
// subscription itself runs until it is unsubscribed or fails.
func (c *Client) SubscribeLeafEvents(ctx context.Context, addr common.Address, fromBlock uint64, sink chan<- LeafEvent) (event.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{addr},
		Topics:    FilterTopics(),
	}
	// Subscribe before reading history so nothing falls in between.
	logs := make(chan types.Log, c.cfg.LogBuffer)
	live, err := c.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("ledger: subscribe logs of %s: %w", addr.Hex(), err)
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		live.Unsubscribe()
		return nil, fmt.Errorf("ledger: head block: %w", err)
	}
	var past []types.Log
	if fromBlock <= head {
		hist := query
		hist.FromBlock = new(big.Int).SetUint64(fromBlock)
		hist.ToBlock = new(big.Int).SetUint64(head)
		if past, err = c.backend.FilterLogs(ctx, hist); err != nil {
			live.Unsubscribe()
			return nil, fmt.Errorf("ledger: filter logs of %s: %w", addr.Hex(), err)
		}
	}
	c.log.Info("Subscribed to leaf events", "contract", addr.Hex(), "fromBlock", fromBlock, "head", head, "backfill", len(past))

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer live.Unsubscribe()
		for _, l := range past {
			if !c.deliver(l, sink, quit) {
				return nil
			}
		}
		for {
			select {
			case l := <-logs:
				if !c.deliver(l, sink, quit) {
					return nil
				}
			case err := <-live.Err():
				if err == nil {
					err = errors.New("ledger: log subscription closed")
				}
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// deliver decodes l and sends it to sink. It reports false once quit closes.
func (c *Client) deliver(l types.Log, sink chan<- LeafEvent, quit <-chan struct{}) bool {
	if l.Removed {
		c.log.Warn("Dropping leaf event removed by reorg", "block", l.BlockNumber, "tx", l.TxHash.Hex())
		metrics.LedgerEvents.WithLabelValues("removed").Inc()
		return true
	}
	ev, err := DecodeLog(l)
	if err != nil {
		c.log.Warn("Skipping undecodable log", "block", l.BlockNumber, "tx", l.TxHash.Hex(), "err", err)
		metrics.LedgerEvents.WithLabelValues("invalid").Inc()
		return true
	}
	metrics.LedgerEvents.WithLabelValues(ev.Event).Inc()
	select {
	case sink <- *ev:
		return true
	case <-quit:
		return false
	}
}

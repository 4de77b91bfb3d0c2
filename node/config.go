// Package node wires the timber service together: configuration, the tree
// database, the ledger client, ingestion and the HTTP API.
package node

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/timber/crypto"
	"github.com/eth2030/timber/ingest"
	"github.com/eth2030/timber/log"
	"github.com/eth2030/timber/tree"
)

// Config holds all configuration for a timber node.
type Config struct {
	// DataDir is the root directory for all data storage.
	DataDir string `toml:"datadir"`

	Log       LogConfig        `toml:"log"`
	HTTP      HTTPConfig       `toml:"http"`
	DB        DBConfig         `toml:"db"`
	Ledger    LedgerConfig     `toml:"ledger"`
	Tree      TreeConfig       `toml:"tree"`
	Contracts []ContractConfig `toml:"contract"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// HTTPConfig configures the REST API server.
type HTTPConfig struct {
	Host            string        `toml:"host"`
	Port            int           `toml:"port"`
	CORSOrigins     []string      `toml:"cors_origins"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DBConfig configures the tree database.
type DBConfig struct {
	// InMemory keeps all trees in memory; nothing survives a restart.
	InMemory bool `toml:"in_memory"`
	Cache    int  `toml:"cache"`
	Handles  int  `toml:"handles"`
}

// LedgerConfig configures the Ethereum node leaves are read from.
type LedgerConfig struct {
	// URL of the node, ws:// or ipc for live subscriptions. Empty disables
	// ingestion.
	URL          string        `toml:"url"`
	ContractsDir string        `toml:"contracts_dir"`
	DeployerKey  string        `toml:"deployer_key"`
	GasLimit     uint64        `toml:"gas_limit"`
	// StartTimeout bounds the ledger calls of one ingestion start.
	StartTimeout time.Duration `toml:"start_timeout"`
}

// TreeConfig is the default shape of new trees.
type TreeConfig struct {
	Height         uint8  `toml:"height"`
	Hasher         string `toml:"hasher"`
	NodeHashLength int    `toml:"node_hash_length"`
}

// ContractConfig describes one tree contract. Zero tree fields fall back to
// the [tree] defaults.
type ContractConfig struct {
	Name       string `toml:"name"`
	ContractID string `toml:"contract_id"`
	TreeID     string `toml:"tree_id"`
	Address    string `toml:"address"`
	StartBlock uint64 `toml:"start_block"`
	Autostart  bool   `toml:"autostart"`

	Height         uint8  `toml:"height"`
	Hasher         string `toml:"hasher"`
	NodeHashLength int    `toml:"node_hash_length"`
}

// Key returns the ingestion key of the contract, tree id defaulted.
func (c *ContractConfig) Key() ingest.Key {
	return ingest.Key{ContractName: c.Name, ContractID: c.ContractID, TreeID: c.TreeID}.WithDefaults("")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "timber-data",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            3080,
			CORSOrigins:     []string{"*"},
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		DB: DBConfig{
			Cache:   16,
			Handles: 16,
		},
		Ledger: LedgerConfig{
			ContractsDir: "contracts",
			GasLimit:     6_500_000,
			StartTimeout: 30 * time.Second,
		},
		Tree: TreeConfig{
			Height:         32,
			Hasher:         crypto.Keccak256Name,
			NodeHashLength: 32,
		},
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.DataDir == "" && !c.DB.InMemory {
		return errors.New("config: datadir must not be empty")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: invalid http port: %d", c.HTTP.Port)
	}
	if c.Ledger.StartTimeout < 0 {
		return fmt.Errorf("config: negative ledger start timeout %v", c.Ledger.StartTimeout)
	}
	if c.DB.Cache < 0 || c.DB.Handles < 0 {
		return fmt.Errorf("config: invalid db cache %d or handles %d", c.DB.Cache, c.DB.Handles)
	}
	if err := validateTree("[tree]", c.Tree.Height, c.Tree.Hasher, c.Tree.NodeHashLength, false); err != nil {
		return err
	}
	seen := make(map[[2]string]bool, len(c.Contracts))
	for i := range c.Contracts {
		cc := &c.Contracts[i]
		if cc.Name == "" {
			return fmt.Errorf("config: contract %d has no name", i)
		}
		key := cc.Key()
		id := [2]string{key.ContractName, key.TreeID}
		if seen[id] {
			return fmt.Errorf("config: duplicate contract %s tree %s", key.ContractName, key.TreeID)
		}
		seen[id] = true
		if cc.Address != "" && !common.IsHexAddress(cc.Address) {
			return fmt.Errorf("config: contract %s: invalid address %q", cc.Name, cc.Address)
		}
		if err := validateTree("contract "+cc.Name, cc.Height, cc.Hasher, cc.NodeHashLength, true); err != nil {
			return err
		}
		if cc.Autostart && c.Ledger.URL == "" {
			return fmt.Errorf("config: contract %s autostarts but no ledger url is set", cc.Name)
		}
	}
	return nil
}

func validateTree(where string, height uint8, hasher string, length int, optional bool) error {
	if height > tree.MaxHeight || (height == 0 && !optional) {
		return fmt.Errorf("config: %s: tree height %d outside [1, %d]", where, height, tree.MaxHeight)
	}
	if (hasher != "" || !optional) && !slices.Contains(crypto.Names(), hasher) {
		return fmt.Errorf("config: %s: unknown hasher %q", where, hasher)
	}
	if length < 0 || length > common.HashLength {
		return fmt.Errorf("config: %s: node hash length %d outside [1, %d]", where, length, common.HashLength)
	}
	return nil
}

// ResolvePath resolves a path relative to the data directory.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// DBPath returns the database directory, or "" for an in-memory database.
func (c *Config) DBPath() string {
	if c.DB.InMemory {
		return ""
	}
	return c.ResolvePath("treedb")
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// Contract returns the configuration of a contract's tree, or nil.
func (c *Config) Contract(name, treeID string) *ContractConfig {
	if treeID == "" {
		treeID = ingest.DefaultTreeID
	}
	for i := range c.Contracts {
		key := c.Contracts[i].Key()
		if key.ContractName == name && key.TreeID == treeID {
			return &c.Contracts[i]
		}
	}
	return nil
}

// TreeShape returns the height, hasher and node hash length of a contract's
// tree.
func (c *Config) TreeShape(name, treeID string) TreeConfig {
	shape := c.Tree
	if cc := c.Contract(name, treeID); cc != nil {
		if cc.Height != 0 {
			shape.Height = cc.Height
		}
		if cc.Hasher != "" {
			shape.Hasher = cc.Hasher
		}
		if cc.NodeHashLength != 0 {
			shape.NodeHashLength = cc.NodeHashLength
		}
	}
	return shape
}

// Addresses returns the pinned contract addresses by name.
func (c *Config) Addresses() map[string]common.Address {
	out := make(map[string]common.Address)
	for _, cc := range c.Contracts {
		if cc.Address != "" {
			out[cc.Name] = common.HexToAddress(cc.Address)
		}
	}
	return out
}

package node

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/timber/crypto"
	"github.com/eth2030/timber/ingest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.HTTPAddr() != "0.0.0.0:3080" {
		t.Fatalf("http addr: %s", cfg.HTTPAddr())
	}
	if cfg.DBPath() != filepath.Join("timber-data", "treedb") {
		t.Fatalf("db path: %s", cfg.DBPath())
	}
	cfg.DB.InMemory = true
	if cfg.DBPath() != "" {
		t.Fatalf("in-memory db path: %q", cfg.DBPath())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"empty datadir", func(c *Config) { c.DataDir = "" }, "datadir"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "loud"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, "http port"},
		{"negative start timeout", func(c *Config) { c.Ledger.StartTimeout = -time.Second }, "start timeout"},
		{"zero height", func(c *Config) { c.Tree.Height = 0 }, "tree height"},
		{"tall tree", func(c *Config) { c.Tree.Height = 64 }, "tree height"},
		{"bad hasher", func(c *Config) { c.Tree.Hasher = "md5" }, "unknown hasher"},
		{"bad hash length", func(c *Config) { c.Tree.NodeHashLength = 33 }, "node hash length"},
		{"unnamed contract", func(c *Config) { c.Contracts = []ContractConfig{{}} }, "no name"},
		{"duplicate contract", func(c *Config) {
			c.Contracts = []ContractConfig{{Name: "A"}, {Name: "A", TreeID: ingest.DefaultTreeID}}
		}, "duplicate"},
		{"bad address", func(c *Config) { c.Contracts = []ContractConfig{{Name: "A", Address: "0x12"}} }, "invalid address"},
		{"bad contract hasher", func(c *Config) { c.Contracts = []ContractConfig{{Name: "A", Hasher: "md5"}} }, "unknown hasher"},
		{"autostart without ledger", func(c *Config) { c.Contracts = []ContractConfig{{Name: "A", Autostart: true}} }, "no ledger url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Contracts = []ContractConfig{{Name: "A"}, {Name: "A", TreeID: "second"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("two trees of one contract: %v", err)
	}
}

func TestTreeShape(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Contracts = []ContractConfig{
		{Name: "Shield", Height: 20, Hasher: crypto.SHA256Name},
		{Name: "Shield", TreeID: "notes", NodeHashLength: 27},
	}
	if got := cfg.TreeShape("Shield", ""); got.Height != 20 || got.Hasher != crypto.SHA256Name || got.NodeHashLength != 32 {
		t.Fatalf("default tree shape: %+v", got)
	}
	if got := cfg.TreeShape("Shield", "notes"); got.Height != 32 || got.Hasher != crypto.Keccak256Name || got.NodeHashLength != 27 {
		t.Fatalf("notes tree shape: %+v", got)
	}
	if got := cfg.TreeShape("Other", ""); got != cfg.Tree {
		t.Fatalf("unconfigured shape: %+v", got)
	}
	if cfg.Contract("Shield", ingest.DefaultTreeID) != &cfg.Contracts[0] {
		t.Fatal("explicit default tree id should find the first contract")
	}
}

const testTOML = `
datadir = "/var/lib/timber"

[log]
level = "debug"
format = "text"

[http]
host = "127.0.0.1"
port = 8080
cors_origins = ["https://app.example"]
read_timeout = "5s"

[db]
cache = 64

[ledger]
url = "ws://localhost:8546"
contracts_dir = "/contracts"

[tree]
height = 16
hasher = "sha256"

[[contract]]
name = "MerkleTree"
address = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
start_block = 12
autostart = true

[[contract]]
name = "Shield"
tree_id = "commitments"
height = 20
hasher = "mimc_bn254"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timber.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testTOML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
	if cfg.DataDir != "/var/lib/timber" || cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("top level: %+v %+v", cfg.DataDir, cfg.Log)
	}
	if cfg.HTTPAddr() != "127.0.0.1:8080" || cfg.HTTP.ReadTimeout.Seconds() != 5 || cfg.HTTP.CORSOrigins[0] != "https://app.example" {
		t.Fatalf("http: %+v", cfg.HTTP)
	}
	// Unset keys keep their defaults.
	if cfg.DB.Cache != 64 || cfg.DB.Handles != 16 || cfg.Tree.NodeHashLength != 32 {
		t.Fatalf("db/tree defaults: %+v %+v", cfg.DB, cfg.Tree)
	}
	if len(cfg.Contracts) != 2 {
		t.Fatalf("contracts: %+v", cfg.Contracts)
	}
	mt := cfg.Contract("MerkleTree", "")
	if mt == nil || !mt.Autostart || mt.StartBlock != 12 {
		t.Fatalf("MerkleTree contract: %+v", mt)
	}
	addrs := cfg.Addresses()
	if addrs["MerkleTree"] != common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3") || len(addrs) != 1 {
		t.Fatalf("addresses: %v", addrs)
	}
	if got := cfg.TreeShape("Shield", "commitments"); got.Height != 20 || got.Hasher != crypto.MiMCName {
		t.Fatalf("Shield shape: %+v", got)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "[http]\nprot = 1\n"))
	if err == nil || !strings.Contains(err.Error(), "http.prot") {
		t.Fatalf("got %v, want unknown key error", err)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TIMBER_LOG_LEVEL":     "warn",
		"TIMBER_HTTP_PORT":     "9000",
		"TIMBER_LEDGER_URL":    "ws://geth:8546",
		"TIMBER_TREE_HEIGHT":   "8",
		"TIMBER_DB_IN_MEMORY":  "true",
		"TIMBER_START_TIMEOUT": "5s",
		"TIMBER_AUTOSTART":     "MerkleTree, Other,",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := DefaultConfig()
	cfg.Contracts = []ContractConfig{{Name: "MerkleTree"}}
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Log.Level != "warn" || cfg.HTTP.Port != 9000 || cfg.Ledger.URL != "ws://geth:8546" || cfg.Tree.Height != 8 || !cfg.DB.InMemory {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Ledger.StartTimeout != 5*time.Second {
		t.Fatalf("start timeout: %v", cfg.Ledger.StartTimeout)
	}
	if len(cfg.Contracts) != 2 || !cfg.Contracts[0].Autostart || cfg.Contracts[1].Name != "Other" || !cfg.Contracts[1].Autostart {
		t.Fatalf("autostart contracts: %+v", cfg.Contracts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid after env: %v", err)
	}

	env = map[string]string{"TIMBER_TREE_HEIGHT": "300"}
	if err := ApplyEnv(DefaultConfig(), lookup); err == nil {
		t.Fatal("height 300 should not parse")
	}
	env = map[string]string{"TIMBER_START_TIMEOUT": "soon"}
	if err := ApplyEnv(DefaultConfig(), lookup); err == nil {
		t.Fatal("start timeout \"soon\" should not parse")
	}
}

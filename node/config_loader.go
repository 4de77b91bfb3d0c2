package node

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment variable the node reads.
const EnvPrefix = "TIMBER_"

// LoadConfig reads a TOML configuration file over the defaults. Unknown keys
// are an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from TIMBER_* variables read through lookup,
// usually os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("DATADIR", &cfg.DataDir)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("HTTP_HOST", &cfg.HTTP.Host)
	str("LEDGER_URL", &cfg.Ledger.URL)
	str("CONTRACTS_DIR", &cfg.Ledger.ContractsDir)
	str("DEPLOYER_KEY", &cfg.Ledger.DeployerKey)
	str("HASHER", &cfg.Tree.Hasher)

	if v, ok := lookup(EnvPrefix + "HTTP_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sHTTP_PORT: %w", EnvPrefix, err)
		}
		cfg.HTTP.Port = n
	}
	if v, ok := lookup(EnvPrefix + "TREE_HEIGHT"); ok {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("config: %sTREE_HEIGHT: %w", EnvPrefix, err)
		}
		cfg.Tree.Height = uint8(n)
	}
	if v, ok := lookup(EnvPrefix + "NODE_HASH_LENGTH"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sNODE_HASH_LENGTH: %w", EnvPrefix, err)
		}
		cfg.Tree.NodeHashLength = n
	}
	if v, ok := lookup(EnvPrefix + "START_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %sSTART_TIMEOUT: %w", EnvPrefix, err)
		}
		cfg.Ledger.StartTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "DB_IN_MEMORY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %sDB_IN_MEMORY: %w", EnvPrefix, err)
		}
		cfg.DB.InMemory = b
	}
	// TIMBER_AUTOSTART lists contract names to start at boot, adding
	// contracts that are not configured yet.
	if v, ok := lookup(EnvPrefix + "AUTOSTART"); ok {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			if cc := cfg.Contract(name, ""); cc != nil {
				cc.Autostart = true
				continue
			}
			cfg.Contracts = append(cfg.Contracts, ContractConfig{Name: name, Autostart: true})
		}
	}
	return nil
}

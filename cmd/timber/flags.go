package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/eth2030/timber/node"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: []string{node.EnvPrefix + "CONFIG"},
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "data directory for the tree database",
	}
	inMemoryFlag = &cli.BoolFlag{
		Name:  "db.inmemory",
		Usage: "keep trees in memory only",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "log level: debug, info, warn, error",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "log format: json, text",
	}
	httpHostFlag = &cli.StringFlag{
		Name:  "http.host",
		Usage: "HTTP API listening interface",
	}
	httpPortFlag = &cli.IntFlag{
		Name:  "http.port",
		Usage: "HTTP API listening port",
	}
	ledgerURLFlag = &cli.StringFlag{
		Name:  "ledger.url",
		Usage: "websocket or IPC endpoint of the Ethereum node",
	}
	startTimeoutFlag = &cli.DurationFlag{
		Name:  "ledger.start-timeout",
		Usage: "time limit for the ledger calls of one ingestion start",
	}
	contractsDirFlag = &cli.StringFlag{
		Name:  "contracts",
		Usage: "directory of contract build artifacts",
	}
	treeHeightFlag = &cli.UintFlag{
		Name:  "tree.height",
		Usage: "height of new trees",
	}
	hasherFlag = &cli.StringFlag{
		Name:  "tree.hasher",
		Usage: "node hash function of new trees",
	}
	autostartFlag = &cli.StringSliceFlag{
		Name:  "autostart",
		Usage: "contract names to start ingesting at boot",
	}

	globalFlags = []cli.Flag{
		configFlag,
		dataDirFlag,
		inMemoryFlag,
		logLevelFlag,
		logFormatFlag,
		httpHostFlag,
		httpPortFlag,
		ledgerURLFlag,
		startTimeoutFlag,
		contractsDirFlag,
		treeHeightFlag,
		hasherFlag,
		autostartFlag,
	}
)

// loadConfig resolves the configuration: defaults, then the config file,
// then TIMBER_* environment variables, then flags.
func loadConfig(c *cli.Context) (*node.Config, error) {
	cfg := node.DefaultConfig()
	if path := c.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = node.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := node.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if c.IsSet(dataDirFlag.Name) {
		cfg.DataDir = c.String(dataDirFlag.Name)
	}
	if c.IsSet(inMemoryFlag.Name) {
		cfg.DB.InMemory = c.Bool(inMemoryFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = c.String(logLevelFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.Log.Format = c.String(logFormatFlag.Name)
	}
	if c.IsSet(httpHostFlag.Name) {
		cfg.HTTP.Host = c.String(httpHostFlag.Name)
	}
	if c.IsSet(httpPortFlag.Name) {
		cfg.HTTP.Port = c.Int(httpPortFlag.Name)
	}
	if c.IsSet(ledgerURLFlag.Name) {
		cfg.Ledger.URL = c.String(ledgerURLFlag.Name)
	}
	if c.IsSet(startTimeoutFlag.Name) {
		cfg.Ledger.StartTimeout = c.Duration(startTimeoutFlag.Name)
	}
	if c.IsSet(contractsDirFlag.Name) {
		cfg.Ledger.ContractsDir = c.String(contractsDirFlag.Name)
	}
	if c.IsSet(treeHeightFlag.Name) {
		h := c.Uint(treeHeightFlag.Name)
		if h > 255 {
			return nil, fmt.Errorf("invalid tree height %d", h)
		}
		cfg.Tree.Height = uint8(h)
	}
	if c.IsSet(hasherFlag.Name) {
		cfg.Tree.Hasher = c.String(hasherFlag.Name)
	}
	for _, name := range c.StringSlice(autostartFlag.Name) {
		if cc := cfg.Contract(name, ""); cc != nil {
			cc.Autostart = true
			continue
		}
		cfg.Contracts = append(cfg.Contracts, node.ContractConfig{Name: name, Autostart: true})
	}
	return cfg, cfg.Validate()
}

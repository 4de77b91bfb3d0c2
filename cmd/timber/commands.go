package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/timber/crypto"
	"github.com/eth2030/timber/ledger"
	"github.com/eth2030/timber/log"
	"github.com/eth2030/timber/node"
	"github.com/eth2030/timber/tree"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "start the service",
	Action: runNode,
}

var (
	contractFlag = &cli.StringFlag{
		Name:     "contract",
		Usage:    "name of the contract artifact to deploy",
		Required: true,
	}
	deployHeightFlag = &cli.UintFlag{
		Name:  "height",
		Usage: "tree height passed to the constructor (default: configured tree height)",
	}
	keyFlag = &cli.StringFlag{
		Name:    "key",
		Usage:   "hex private key of the deployer",
		EnvVars: []string{node.EnvPrefix + "DEPLOYER_KEY"},
	}
	gasLimitFlag = &cli.Uint64Flag{
		Name:  "gas-limit",
		Usage: "deployment gas limit, 0 to estimate",
	}
	noWaitFlag = &cli.BoolFlag{
		Name:  "no-wait",
		Usage: "return once the deployment is sent",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "give up on the deployment after this long",
		Value: 5 * time.Minute,
	}
)

var deployCommand = &cli.Command{
	Name:   "deploy",
	Usage:  "deploy a tree contract and print its address",
	Flags:  []cli.Flag{contractFlag, deployHeightFlag, keyFlag, gasLimitFlag, noWaitFlag, timeoutFlag},
	Action: deploy,
}

var (
	pathFlag = &cli.StringFlag{
		Name:     "path",
		Usage:    "file holding a sibling path as served by GET /siblingPath, - for stdin",
		Required: true,
	}
	rootFlag = &cli.StringFlag{
		Name:  "root",
		Usage: "expected root (default: the root in the path)",
	}
	verifyHasherFlag = &cli.StringFlag{
		Name:  "hasher",
		Usage: "node hash function",
		Value: crypto.Keccak256Name,
	}
	hashLengthFlag = &cli.IntFlag{
		Name:  "node-hash-length",
		Usage: "significant bytes of every node digest",
		Value: common.HashLength,
	}
)

var verifyCommand = &cli.Command{
	Name:   "verify",
	Usage:  "check a sibling path against a root",
	Flags:  []cli.Flag{pathFlag, rootFlag, verifyHasherFlag, hashLengthFlag},
	Action: verify,
}

var dumpConfigCommand = &cli.Command{
	Name:  "dumpconfig",
	Usage: "print the resolved configuration as TOML",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		return toml.NewEncoder(c.App.Writer).Encode(cfg)
	},
}

// setupLogging installs the configured logger as the default for this
// module and for go-ethereum.
func setupLogging(cfg *node.Config) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := log.NewWithOptions(os.Stderr, level, cfg.Log.Format)
	log.SetDefault(logger)
	gethlog.SetDefault(gethlog.NewLogger(logger.Handler()))
	return logger, nil
}

func runNode(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	logger.Info("Starting timber", "version", version, "commit", commit,
		"datadir", cfg.DataDir, "http", cfg.HTTPAddr(), "ledger", cfg.Ledger.URL,
		"treeHeight", cfg.Tree.Height, "hasher", cfg.Tree.Hasher, "contracts", len(cfg.Contracts))

	n, err := node.New(cfg, node.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		n.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		return n.Stop()
	})
	g.Go(func() error {
		n.Wait()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func deploy(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	if cfg.Ledger.URL == "" {
		return errors.New("deploy needs a ledger url")
	}
	height := cfg.Tree.Height
	if c.IsSet(deployHeightFlag.Name) {
		h := c.Uint(deployHeightFlag.Name)
		if h == 0 || h > tree.MaxHeight {
			return fmt.Errorf("invalid tree height %d", h)
		}
		height = uint8(h)
	}
	key := c.String(keyFlag.Name)
	if key == "" {
		key = cfg.Ledger.DeployerKey
	}
	gasLimit := cfg.Ledger.GasLimit
	if c.IsSet(gasLimitFlag.Name) {
		gasLimit = c.Uint64(gasLimitFlag.Name)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration(timeoutFlag.Name))
	defer cancel()
	client, eth, err := ledger.Dial(ctx, cfg.Ledger.URL, ledger.Config{ContractsDir: cfg.Ledger.ContractsDir}, logger.Module("ledger"))
	if err != nil {
		return err
	}
	defer eth.Close()

	addr, err := client.Deploy(ctx, eth, c.String(contractFlag.Name), height, ledger.DeployOpts{
		Key:      key,
		GasLimit: gasLimit,
		Wait:     !c.Bool(noWaitFlag.Name),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, addr.Hex())
	return nil
}

func verify(c *cli.Context) error {
	var (
		data []byte
		err  error
	)
	if p := c.String(pathFlag.Name); p == "-" {
		data, err = io.ReadAll(c.App.Reader)
	} else {
		data, err = os.ReadFile(p)
	}
	if err != nil {
		return err
	}
	// Accept both a bare path and the API response envelope.
	var envelope struct {
		Data *tree.SiblingPath `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("invalid sibling path: %w", err)
	}
	path := envelope.Data
	if path == nil {
		path = new(tree.SiblingPath)
		if err := json.Unmarshal(data, path); err != nil {
			return fmt.Errorf("invalid sibling path: %w", err)
		}
	}
	h, err := crypto.New(c.String(verifyHasherFlag.Name), c.Int(hashLengthFlag.Name))
	if err != nil {
		return err
	}
	root := path.Root
	if r := c.String(rootFlag.Name); r != "" {
		root = common.HexToHash(r)
	}
	got := tree.FoldSiblingPath(h, path.Leaf, path.Siblings)
	if got != root {
		return fmt.Errorf("leaf %d does not prove: path folds to %s, root is %s", path.LeafIndex, got.Hex(), root.Hex())
	}
	fmt.Fprintf(c.App.Writer, "leaf %d is in the tree with root %s\n", path.LeafIndex, root.Hex())
	return nil
}

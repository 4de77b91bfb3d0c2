package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeployBackend is what deploying a contract needs from a client.
// *ethclient.Client implements it.
type DeployBackend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// DeployOpts configures a contract deployment.
type DeployOpts struct {
	// Key is the hex-encoded private key paying for the deployment.
	Key string
	// GasLimit is the gas limit of the deployment; 0 estimates it.
	GasLimit uint64
	// Wait blocks until the deployment is mined.
	Wait bool
}

// ParseKey decodes a hex private key, with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("ledger: no deployer key")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid deployer key: %w", err)
	}
	return key, nil
}

// Deploy deploys the named contract from its artifact, passing the tree
// height to its constructor, and returns the new contract address.
func (c *Client) Deploy(ctx context.Context, backend DeployBackend, name string, height uint8, opts DeployOpts) (common.Address, error) {
	art, err := LoadArtifact(c.cfg.ContractsDir, name)
	if err != nil {
		return common.Address{}, err
	}
	if len(art.Bytecode) == 0 {
		return common.Address{}, fmt.Errorf("ledger: artifact %s has no bytecode", name)
	}
	args, err := ConstructorArgs(art.ABI, height)
	if err != nil {
		return common.Address{}, err
	}
	key, err := ParseKey(opts.Key)
	if err != nil {
		return common.Address{}, err
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Address{}, err
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return common.Address{}, err
	}
	auth.Context = ctx
	auth.GasLimit = opts.GasLimit

	addr, tx, _, err := bind.DeployContract(auth, art.ABI, art.Bytecode, backend, args...)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: deploy %s: %w", name, err)
	}
	c.log.Info("Sent contract deployment", "contract", name, "address", addr.Hex(),
		"tx", tx.Hash().Hex(), "from", auth.From.Hex(), "treeHeight", height)
	if !opts.Wait {
		return addr, nil
	}
	mined, err := bind.WaitDeployed(ctx, backend, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: wait for %s deployment: %w", name, err)
	}
	c.log.Info("Contract deployed", "contract", name, "address", mined.Hex())
	return mined, nil
}

// ConstructorArgs converts the tree height to the constructor's parameter
// type. Contracts without constructor parameters get no arguments.
func ConstructorArgs(contract abi.ABI, height uint8) ([]interface{}, error) {
	inputs := contract.Constructor.Inputs
	switch len(inputs) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("ledger: constructor takes %d parameters, want the tree height only", len(inputs))
	}
	t := inputs[0].Type
	if t.T != abi.UintTy && t.T != abi.IntTy {
		return nil, fmt.Errorf("ledger: constructor parameter %q is %s, want an integer", inputs[0].Name, t.String())
	}
	var v interface{}
	switch {
	case t.Size != 8 && t.Size != 16 && t.Size != 32 && t.Size != 64:
		v = new(big.Int).SetUint64(uint64(height))
	case t.T == abi.UintTy && t.Size == 8:
		v = height
	case t.T == abi.UintTy && t.Size == 16:
		v = uint16(height)
	case t.T == abi.UintTy && t.Size == 32:
		v = uint32(height)
	case t.T == abi.UintTy:
		v = uint64(height)
	case t.Size == 8:
		v = int8(height)
	case t.Size == 16:
		v = int16(height)
	case t.Size == 32:
		v = int32(height)
	default:
		v = int64(height)
	}
	return []interface{}{v}, nil
}

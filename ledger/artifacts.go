package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrUnknownContract is returned when no address or artifact is known for a
// contract name.
var ErrUnknownContract = errors.New("ledger: unknown contract")

// Artifact is a compiled contract as written by truffle-style build tools:
// <contracts dir>/<ContractName>.json.
type Artifact struct {
	ContractName string
	ABI          abi.ABI
	Bytecode     []byte
	Networks     map[string]common.Address
}

type artifactJSON struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
	Networks     map[string]struct {
		Address common.Address `json:"address"`
	} `json:"networks"`
}

// LoadArtifact reads the artifact of a contract from dir.
func LoadArtifact(dir, name string) (*Artifact, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: invalid name %q", ErrUnknownContract, name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no artifact for %s in %s", ErrUnknownContract, name, dir)
	}
	if err != nil {
		return nil, err
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes a contract artifact.
func ParseArtifact(data []byte) (*Artifact, error) {
	var raw artifactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ledger: invalid artifact: %w", err)
	}
	art := &Artifact{
		ContractName: raw.ContractName,
		Networks:     make(map[string]common.Address, len(raw.Networks)),
	}
	if len(raw.ABI) > 0 {
		parsed, err := abi.JSON(bytes.NewReader(raw.ABI))
		if err != nil {
			return nil, fmt.Errorf("ledger: invalid abi in artifact %s: %w", raw.ContractName, err)
		}
		art.ABI = parsed
	}
	if raw.Bytecode != "" && raw.Bytecode != "0x" {
		code, err := hexutil.Decode(withHexPrefix(raw.Bytecode))
		if err != nil {
			return nil, fmt.Errorf("ledger: invalid bytecode in artifact %s: %w", raw.ContractName, err)
		}
		art.Bytecode = code
	}
	for id, n := range raw.Networks {
		art.Networks[id] = n.Address
	}
	return art, nil
}

func withHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// Address returns the address the contract was deployed at on a chain.
func (a *Artifact) Address(chainID string) (common.Address, bool) {
	addr, ok := a.Networks[chainID]
	return addr, ok && addr != (common.Address{})
}

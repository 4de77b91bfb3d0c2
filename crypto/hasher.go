// Package crypto provides the node hash functions of a timber tree. A tree
// picks its hash function by name when it is created and keeps it for its
// whole life, because the on-chain contract recomputes the same roots and the
// two must agree bit for bit.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Hasher errors.
var (
	ErrUnknownHasher = errors.New("crypto: unknown hasher")
	ErrBadHashLength = errors.New("crypto: node hash length must be between 1 and 32")
)

// Registered hasher names.
const (
	Keccak256Name = "keccak256"
	SHA256Name    = "sha256"
	MiMCName      = "mimc_bn254"
)

// Hasher combines two child digests into the digest of their parent.
// Implementations must be pure and safe for concurrent use.
type Hasher interface {
	// Name is the registry name persisted in tree metadata.
	Name() string
	// Size is the number of significant low-order bytes of every digest
	// returned by Combine. It is 32 unless the hasher truncates.
	Size() int
	Combine(left, right common.Hash) common.Hash
}

var hashers = map[string]func() Hasher{
	Keccak256Name: func() Hasher { return keccakHasher{} },
	SHA256Name:    func() Hasher { return sha256Hasher{} },
	MiMCName:      func() Hasher { return mimcHasher{} },
}

// New returns the hasher registered under name. A size below 32 truncates
// every combined digest to its size low-order bytes, which matches contracts
// that keep node values as bytesN.
func New(name string, size int) (Hasher, error) {
	mk, ok := hashers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHasher, name)
	}
	if size == 0 {
		size = common.HashLength
	}
	if size < 1 || size > common.HashLength {
		return nil, fmt.Errorf("%w: got %d", ErrBadHashLength, size)
	}
	h := mk()
	if size == common.HashLength {
		return h, nil
	}
	return truncatedHasher{inner: h, size: size}, nil
}

// Names returns the registered hasher names in sorted order.
func Names() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return SHA256Name }
func (sha256Hasher) Size() int    { return common.HashLength }

func (sha256Hasher) Combine(left, right common.Hash) common.Hash {
	var buf [2 * common.HashLength]byte
	copy(buf[:common.HashLength], left[:])
	copy(buf[common.HashLength:], right[:])
	return common.Hash(sha256.Sum256(buf[:]))
}

// truncatedHasher keeps the low-order size bytes of the inner digest and
// zeroes the rest.
type truncatedHasher struct {
	inner Hasher
	size  int
}

func (t truncatedHasher) Name() string { return t.inner.Name() }
func (t truncatedHasher) Size() int    { return t.size }

func (t truncatedHasher) Combine(left, right common.Hash) common.Hash {
	h := t.inner.Combine(left, right)
	for i := 0; i < common.HashLength-t.size; i++ {
		h[i] = 0
	}
	return h
}

package tree

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrLeafGap is returned when a leaf would leave a hole in the index
	// sequence, or when stored leaves turn out not to be contiguous.
	ErrLeafGap = errors.New("tree: leaf index gap")

	// ErrMissingNode is returned when a node that must exist below the
	// populated frontier is absent from the node store.
	ErrMissingNode = errors.New("tree: missing node")

	// ErrTreeFull is returned when appending past 2^height leaves.
	ErrTreeFull = errors.New("tree: tree is full")

	// ErrConfigMismatch is returned when a stored tree was created with a
	// different height or hash function than requested.
	ErrConfigMismatch = errors.New("tree: configuration does not match stored tree")

	// ErrMetadataConflict is returned by SwapMetadata when another pass has
	// moved LastUpdatedLeafIndex.
	ErrMetadataConflict = errors.New("tree: metadata changed concurrently")

	// ErrBadHeight is returned for heights outside [1, MaxHeight].
	ErrBadHeight = errors.New("tree: invalid height")
)

// BoundaryError reports an index or level outside the tree. It is a caller
// error and never worth retrying.
type BoundaryError struct {
	Op     string
	Level  uint8
	Index  uint64
	Height uint8
}

func (e *BoundaryError) Error() string {
	return fmt.Sprintf("tree: %s of (level %d, index %d) is out of bounds for height %d",
		e.Op, e.Level, e.Index, e.Height)
}

// OutOfRangeError reports a leaf index at or beyond the current leaf count.
// It can become valid once more leaves arrive.
type OutOfRangeError struct {
	LeafIndex uint64
	LeafCount uint64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("tree: leaf index %d out of range (leaf count %d)", e.LeafIndex, e.LeafCount)
}

// StorageError wraps a failed store operation. The operation it aborted left
// nothing committed and may be retried as a whole.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "tree: storage " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// DuplicateLeafError reports a redelivered leaf whose value differs from the
// stored one, which means the ledger and the store have diverged.
type DuplicateLeafError struct {
	Index    uint64
	Stored   common.Hash
	Incoming common.Hash
}

func (e *DuplicateLeafError) Error() string {
	return fmt.Sprintf("tree: leaf %d already stored as %s, redelivered as %s",
		e.Index, e.Stored.Hex(), e.Incoming.Hex())
}

// Package rawdb stores timber trees in a go-ethereum key-value database.
//
// All trees share one physical database. Each tree's keys carry a namespace
// prefix derived from its contract name and tree id, and every record type
// uses a distinct single-byte prefix inside the namespace.
package rawdb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
)

const (
	// DefaultCache is the leveldb cache size in megabytes.
	DefaultCache = 16
	// DefaultHandles is the number of open files leveldb may use.
	DefaultHandles = 16

	metricsNamespace = "timber/db/"
)

// Open opens the leveldb database at path, or an in-memory database if path
// is empty.
func Open(path string, cache, handles int, readonly bool) (ethdb.KeyValueStore, error) {
	if path == "" {
		return memorydb.New(), nil
	}
	if cache <= 0 {
		cache = DefaultCache
	}
	if handles <= 0 {
		handles = DefaultHandles
	}
	db, err := leveldb.New(path, cache, handles, metricsNamespace, readonly)
	if err != nil {
		return nil, fmt.Errorf("rawdb: open %s: %w", path, err)
	}
	return db, nil
}

// NewMemoryDatabase returns an empty in-memory database.
func NewMemoryDatabase() ethdb.KeyValueStore {
	return memorydb.New()
}

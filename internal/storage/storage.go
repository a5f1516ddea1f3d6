// Package storage provides the durable key-value store behind the
// checkpoint manager, with badger and bbolt backends selected by
// configuration.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned by Get for missing keys.
	ErrKeyNotFound = errors.New("storage: key not found")
	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("storage: store is closed")
)

// Config configures a store backend.
type Config struct {
	// Dir is the on-disk location. Empty selects an in-memory store where
	// the backend supports one (badger).
	Dir string
}

// KV is the store contract the checkpoint manager needs: plain key-value
// access, prefix iteration for manifest discovery and garbage collection,
// and an explicit Sync for the write-then-swap checkpoint protocol.
type KV interface {
	Set(key, val []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	// DeletePrefix removes every key with the given prefix.
	DeletePrefix(prefix []byte) error
	// Scan calls fn for every key with the given prefix, in key order.
	// Returning an error from fn stops the scan.
	Scan(prefix []byte, fn func(key, val []byte) error) error
	// Sync forces written data to durable storage.
	Sync() error
	Close() error
}

// Open opens a store of the given backend kind ("badger" or "bolt").
func Open(kind string, config *Config) (KV, error) {
	switch kind {
	case "badger", "":
		return OpenBadger(config)
	case "bolt":
		return OpenBolt(config)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", kind)
	}
}

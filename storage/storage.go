// Package storage defines the durable surfaces behind the reservoir's warm
// and cold tiers. Each backend implementation (memory, badger, file, sqlite)
// lives in its own sub-package and registers itself with the storage
// registry.
package storage

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
)

// WarmStore is the durable key-value surface holding the latest record per
// key. Read reports a miss with ok == false and a nil error.
type WarmStore interface {
	Write(ctx context.Context, key string, record []byte) error
	Read(ctx context.Context, key string) (record []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// ColdLedger is the append-only history surface. Scan visits records in
// append order and stops at the first error returned by fn.
type ColdLedger interface {
	Append(ctx context.Context, record []byte) error
	Scan(ctx context.Context, fn func(record []byte) error) error
	Close() error
}

// Backend pairs the warm and cold surfaces produced by a builder. Both may be
// served by the same value.
type Backend struct {
	Warm WarmStore
	Cold ColdLedger
}

// Close releases both surfaces, closing a shared implementation once.
func (b Backend) Close() error {
	var errs []error
	if b.Warm != nil {
		errs = append(errs, b.Warm.Close())
	}
	if b.Cold != nil && !sameSurface(b.Warm, b.Cold) {
		errs = append(errs, b.Cold.Close())
	}
	return errors.Join(errs...)
}

func sameSurface(w WarmStore, c ColdLedger) bool {
	if w == nil || c == nil {
		return false
	}
	wc, ok := w.(ColdLedger)
	return ok && wc == c
}

// Builder is the function signature for creating a backend from config.
// Each backend package should provide a Builder function that can be
// registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Backend, error)

// Config provides the configuration values needed by backends. This
// interface lets backends read only what they need without depending on the
// full config package.
type Config interface {
	// GetStorageBackend returns the backend name.
	GetStorageBackend() string

	// GetReservoirName namespaces keys and ledger records.
	GetReservoirName() string

	// Badger
	GetBadgerDir() string
	GetBadgerInMemory() bool

	// File
	GetLedgerFile() string
	GetLedgerCompression() string

	// SQLite
	GetSQLiteFile() string
}

// WarmKey builds the namespaced key a backend stores a warm record under.
func WarmKey(name, key string) string {
	return "warm:" + name + ":" + key
}

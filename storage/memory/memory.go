// Package memory provides a volatile storage backend for pentacore. Records
// live only as long as the process; use it for tests and ephemeral state.
package memory

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errs "github.com/drblury/pentacore/internal/runtime/errors"
	"github.com/drblury/pentacore/storage"
)

// BackendName is the name used to register this backend.
const BackendName = "memory"

func init() {
	storage.RegisterWithCapabilities(BackendName, Build, storage.MemoryCapabilities)
}

// Build creates a new memory backend. The same Store serves both tiers.
func Build(ctx context.Context, cfg storage.Config, logger watermill.LoggerAdapter) (storage.Backend, error) {
	s := New()
	return storage.Backend{Warm: s, Cold: s}, nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() storage.Capabilities {
	return storage.MemoryCapabilities
}

// Store keeps warm records in a map and the ledger in a slice. Stored
// records are copied on the way in and out.
type Store struct {
	mu     sync.RWMutex
	warm   map[string][]byte
	ledger [][]byte
	closed bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{warm: make(map[string][]byte)}
}

func (s *Store) Write(ctx context.Context, key string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrStoreClosed
	}
	s.warm[key] = clone(record)
	return nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, errs.ErrStoreClosed
	}
	record, ok := s.warm[key]
	if !ok {
		return nil, false, nil
	}
	return clone(record), true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrStoreClosed
	}
	delete(s.warm, key)
	return nil
}

func (s *Store) Append(ctx context.Context, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrStoreClosed
	}
	s.ledger = append(s.ledger, clone(record))
	return nil
}

// Scan visits a snapshot of the ledger so fn may call back into the store.
func (s *Store) Scan(ctx context.Context, fn func(record []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errs.ErrStoreClosed
	}
	snapshot := make([][]byte, len(s.ledger))
	copy(snapshot, s.ledger)
	s.mu.RUnlock()

	for _, record := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(clone(record)); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of ledger records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

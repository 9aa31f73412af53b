// Package badger provides a BadgerDB storage backend for pentacore. Warm
// records and the cold ledger share one database under distinct key
// prefixes.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dgraph-io/badger/v4"

	errs "github.com/drblury/pentacore/internal/runtime/errors"
	"github.com/drblury/pentacore/storage"
)

// BackendName is the name used to register this backend.
const BackendName = "badger"

const (
	// DefaultGCInterval is how often the value log GC runs for on-disk
	// databases.
	DefaultGCInterval = 5 * time.Minute
	// DefaultGCDiscardRatio is the value log discard ratio passed to GC.
	DefaultGCDiscardRatio = 0.5
)

func init() {
	storage.RegisterWithCapabilities(BackendName, Build, storage.BadgerCapabilities)
}

// Build creates a new Badger backend. The same Store serves both tiers.
func Build(ctx context.Context, cfg storage.Config, logger watermill.LoggerAdapter) (storage.Backend, error) {
	config := DefaultConfig()
	config.Path = cfg.GetBadgerDir()
	config.InMemory = cfg.GetBadgerInMemory()
	config.Name = cfg.GetReservoirName()
	config.Logger = logger

	s, err := Open(config)
	if err != nil {
		return storage.Backend{}, err
	}
	return storage.Backend{Warm: s, Cold: s}, nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() storage.Capabilities {
	return storage.BadgerCapabilities
}

// Config holds Badger-specific configuration.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string
	// InMemory keeps everything in RAM (useful for testing).
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Name namespaces keys so several reservoirs can share a database.
	Name string
	// GCInterval controls value log GC; zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         watermill.LoggerAdapter
}

// DefaultConfig returns settings for a durable on-disk database.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		Name:           "default",
		GCInterval:     DefaultGCInterval,
		GCDiscardRatio: DefaultGCDiscardRatio,
	}
}

// InMemoryConfig returns settings for an ephemeral database.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
		Name:     "default",
	}
}

// Store implements storage.WarmStore and storage.ColdLedger over one
// Badger database.
type Store struct {
	db     *badger.DB
	name   string
	seq    atomic.Uint64
	logger watermill.LoggerAdapter

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = watermill.NopLogger{}
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger: create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open database: %w", err)
	}

	s := &Store{db: db, name: cfg.Name, logger: cfg.Logger}
	if err := s.loadSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) warmKey(key string) []byte {
	return []byte(storage.WarmKey(s.name, key))
}

func (s *Store) ledgerPrefix() []byte {
	return []byte("ledger:" + s.name + ":")
}

func (s *Store) ledgerKey(seq uint64) []byte {
	prefix := s.ledgerPrefix()
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// loadSequence resumes the ledger sequence after the highest stored record.
func (s *Store) loadSequence() error {
	prefix := s.ledgerPrefix()
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		key := it.Item().Key()
		if len(key) != len(prefix)+8 {
			return fmt.Errorf("%w: malformed ledger key %q", errs.ErrLedgerCorrupted, key)
		}
		s.seq.Store(binary.BigEndian.Uint64(key[len(prefix):]))
		return nil
	})
}

func (s *Store) Write(ctx context.Context, key string, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.wrapClosed(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.warmKey(key), record)
	}))
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.warmKey(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrapClosed(err)
	}
	return out, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.wrapClosed(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.warmKey(key))
	}))
}

func (s *Store) Append(ctx context.Context, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq := s.seq.Add(1)
	return s.wrapClosed(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.ledgerKey(seq), record)
	}))
}

// Scan iterates ledger records in sequence order inside one read
// transaction.
func (s *Store) Scan(ctx context.Context, fn func(record []byte) error) error {
	prefix := s.ledgerPrefix()
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			record, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(record); err != nil {
				return err
			}
		}
		return nil
	})
	return s.wrapClosed(err)
}

// Close stops GC and closes the database. It is safe to call more than
// once.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) wrapClosed(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %v", errs.ErrStoreClosed, err)
	}
	return err
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				s.logger.Debug("badger value log GC completed", nil)
			case !errors.Is(err, badger.ErrNoRewrite):
				s.logger.Error("badger value log GC failed", err, nil)
			}
		}
	}
}

// badgerLogger routes Badger's internal logging through Watermill's logger.
type badgerLogger struct {
	logger watermill.LoggerAdapter
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), nil, nil)
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...), watermill.LogFields{"level": "warn"})
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), nil)
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace(fmt.Sprintf(format, args...), nil)
}

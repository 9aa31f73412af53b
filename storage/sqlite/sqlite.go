// Package sqlite provides a SQLite storage backend for pentacore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errs "github.com/drblury/pentacore/internal/runtime/errors"
	"github.com/drblury/pentacore/storage"
)

// BackendName is the name used to register this backend.
const BackendName = "sqlite"

// DefaultFilePath is the database path used when none is configured.
const DefaultFilePath = "pentacore.db"

func init() {
	storage.RegisterWithCapabilities(BackendName, Build, storage.SQLiteCapabilities)
}

// Build creates a new SQLite backend. The same Store serves both tiers.
func Build(ctx context.Context, cfg storage.Config, logger watermill.LoggerAdapter) (storage.Backend, error) {
	s, err := New(ctx, Config{
		FilePath: cfg.GetSQLiteFile(),
		Name:     cfg.GetReservoirName(),
	}, logger)
	if err != nil {
		return storage.Backend{}, err
	}
	return storage.Backend{Warm: s, Cold: s}, nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() storage.Capabilities {
	return storage.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// Name namespaces rows so several reservoirs can share a database.
	Name string
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.Name == "" {
		c.Name = "default"
	}
	return c
}

// Store implements storage.WarmStore and storage.ColdLedger over SQLite.
type Store struct {
	db     *sql.DB
	name   string
	logger watermill.LoggerAdapter

	closed   bool
	closedMu sync.RWMutex
}

// New opens the database and initialises the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// One connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, name: cfg.Name, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS warm_records (
		name TEXT NOT NULL,
		key TEXT NOT NULL,
		record BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (name, key)
	);

	CREATE TABLE IF NOT EXISTS ledger_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		record BLOB NOT NULL,
		appended_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_name_seq ON ledger_records(name, seq);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) checkOpen() error {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return errs.ErrStoreClosed
	}
	return nil
}

func (s *Store) Write(ctx context.Context, key string, record []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if record == nil {
		record = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warm_records (name, key, record, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name, key) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at
	`, s.name, key, record)
	if err != nil {
		return fmt.Errorf("failed to write warm record: %w", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM warm_records WHERE name = ? AND key = ?`, s.name, key,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read warm record: %w", err)
	}
	return record, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM warm_records WHERE name = ? AND key = ?`, s.name, key)
	if err != nil {
		return fmt.Errorf("failed to delete warm record: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, record []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if record == nil {
		record = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO ledger_records (name, record) VALUES (?, ?)`, s.name, record)
	if err != nil {
		return fmt.Errorf("failed to append ledger record: %w", err)
	}
	return nil
}

// Scan loads the ledger rows before invoking fn so callbacks never run while
// the single connection is held by an open cursor.
func (s *Store) Scan(ctx context.Context, fn func(record []byte) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM ledger_records WHERE name = ? ORDER BY seq ASC`, s.name)
	if err != nil {
		return fmt.Errorf("failed to query ledger: %w", err)
	}

	var records [][]byte
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan ledger row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, record := range records {
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

// LedgerCount returns the number of ledger rows for this store's name.
func (s *Store) LedgerCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_records WHERE name = ?`, s.name).Scan(&count)
	return count, err
}

func (s *Store) Close() error {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Package file provides a file-backed storage backend for pentacore. The
// cold ledger is an append-only file of checksummed, optionally compressed
// frames; the warm tier is held in memory.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errs "github.com/drblury/pentacore/internal/runtime/errors"
	"github.com/drblury/pentacore/storage"
	"github.com/drblury/pentacore/storage/memory"
)

// BackendName is the name used to register this backend.
const BackendName = "file"

// DefaultFilePath is the ledger path used when none is configured.
const DefaultFilePath = "pentacore.ledger"

// LedgerFactory allows overriding the ledger creation for testing.
var LedgerFactory = func(cfg Config, logger watermill.LoggerAdapter) (storage.ColdLedger, error) {
	return Open(cfg, logger)
}

func init() {
	storage.RegisterWithCapabilities(BackendName, Build, storage.FileCapabilities)
}

// Build creates a new file backend.
func Build(ctx context.Context, cfg storage.Config, logger watermill.LoggerAdapter) (storage.Backend, error) {
	codec, err := ParseCodec(cfg.GetLedgerCompression())
	if err != nil {
		return storage.Backend{}, err
	}
	path := cfg.GetLedgerFile()
	if path == "" {
		path = DefaultFilePath
	}

	ledger, err := LedgerFactory(Config{Path: path, Codec: codec}, logger)
	if err != nil {
		return storage.Backend{}, err
	}
	return storage.Backend{Warm: memory.New(), Cold: ledger}, nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() storage.Capabilities {
	return storage.FileCapabilities
}

// Config holds ledger file settings.
type Config struct {
	Path  string
	Codec Codec
	// SyncWrites fsyncs after every append.
	SyncWrites bool
}

// Ledger is an append-only ledger file. Frames are verified on every scan.
type Ledger struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	codec  Codec
	fsync  bool
	size   int64
	closed bool
	logger watermill.LoggerAdapter
}

// Open opens or creates the ledger at cfg.Path. A frame torn by a crash at
// the tail of the file is truncated away; earlier damage is left in place
// and reported by Scan.
func Open(cfg Config, logger watermill.LoggerAdapter) (*Ledger, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultFilePath
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("file: create ledger directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("file: open ledger: %w", err)
	}

	l := &Ledger{f: f, path: cfg.Path, codec: cfg.Codec, fsync: cfg.SyncWrites, logger: logger}
	if err := l.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) recover() error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(l.f)
	var offset int64
	for {
		_, n, err := readFrame(reader)
		if err == io.EOF {
			break
		}
		if errors.Is(err, errTornFrame) {
			l.logger.Error("Truncating torn ledger frame", err, watermill.LogFields{
				"path":   l.path,
				"offset": offset,
			})
			if err := l.f.Truncate(offset); err != nil {
				return fmt.Errorf("file: truncate ledger: %w", err)
			}
			break
		}
		if err != nil {
			// Corruption before the tail; keep appending after it and let
			// Scan report it.
			info, statErr := l.f.Stat()
			if statErr != nil {
				return statErr
			}
			offset = info.Size()
			break
		}
		offset += n
	}
	l.size = offset
	_, err := l.f.Seek(offset, io.SeekStart)
	return err
}

func (l *Ledger) Append(ctx context.Context, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := encodeFrame(l.codec, record)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errs.ErrStoreClosed
	}
	if _, err := l.f.Write(frame); err != nil {
		return fmt.Errorf("file: append: %w", err)
	}
	if l.fsync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("file: sync: %w", err)
		}
	}
	l.size += int64(len(frame))
	return nil
}

// Scan reads every frame appended before the call started.
func (l *Ledger) Scan(ctx context.Context, fn func(record []byte) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errs.ErrStoreClosed
	}
	limit := l.size
	l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("file: open ledger for scan: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(io.LimitReader(f, limit))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, _, err := readFrame(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

// Size returns the ledger length in bytes.
func (l *Ledger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

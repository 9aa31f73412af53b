package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pentacore/internal/runtime/config"
	"github.com/drblury/pentacore/storage"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func scanAll(t *testing.T, s *Store) []string {
	t.Helper()
	var out []string
	require.NoError(t, s.Scan(context.Background(), func(record []byte) error {
		out = append(out, string(record))
		return nil
	}))
	return out
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestWarmRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	_, ok, err := s.Read(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, "k", []byte("v1")))
	require.NoError(t, s.Write(ctx, "k", []byte("v2")))

	got, ok, err := s.Read(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Read(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerKeepsAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	for i := 0; i < 300; i++ {
		require.NoError(t, s.Append(ctx, []byte(fmt.Sprintf("r%03d", i))))
	}

	records := scanAll(t, s)
	require.Len(t, records, 300)
	assert.Equal(t, "r000", records[0])
	assert.Equal(t, "r255", records[255])
	assert.Equal(t, "r299", records[299])
}

func TestWarmKeysDoNotLeakIntoLedger(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	require.NoError(t, s.Write(ctx, "k", []byte("warm")))
	require.NoError(t, s.Append(ctx, []byte("cold")))

	assert.Equal(t, []string{"cold"}, scanAll(t, s))
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, []byte("one")))
	require.NoError(t, s.Append(ctx, []byte("two")))
	require.NoError(t, s.Write(ctx, "k", []byte("warm")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.Append(ctx, []byte("three")))
	assert.Equal(t, []string{"one", "two", "three"}, scanAll(t, reopened))

	got, ok, err := reopened.Read(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("warm"), got)
}

func TestNamesIsolateLedgers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0
	cfg.Name = "orders"
	orders, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, orders.Append(ctx, []byte("order-1")))
	require.NoError(t, orders.Close())

	cfg.Name = "users"
	users, err := Open(cfg)
	require.NoError(t, err)
	defer users.Close()

	assert.Empty(t, scanAll(t, users))
}

func TestBuildFromConfig(t *testing.T) {
	conf := config.Config{StorageBackend: BackendName, BadgerInMemory: true, ReservoirName: "r"}
	backend, err := storage.Build(context.Background(), &conf, nil)
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.Cold.Append(context.Background(), []byte("x")))
	assert.True(t, Capabilities().Durable)
}

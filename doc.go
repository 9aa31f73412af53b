// Package pentacore is the in-process concurrency and state substrate of the
// Pentagon application. It bundles three components behind one Substrate:
//
//   - Conduit routes envelopes between named layers. Every (from, to, topic)
//     route has a bounded FIFO queue, a hash chain over the envelopes sent on
//     it and an optional handler that runs synchronously inside Send.
//     Envelopes that hit back-pressure, outlive their TTL or fail in the
//     handler become dead letters that can be inspected, replayed, purged or
//     forwarded to a Watermill publisher.
//   - Reservoir stores versioned values in three tiers: a bounded hot LRU, a
//     warm store holding the latest record per key and a cold append-only
//     ledger holding every version. Put writes through all tiers; Get reads
//     through them and backfills the faster ones.
//   - Locks grants mutex, reader/writer and bounded-concurrency locks with
//     strict FIFO waiters, acquisition timeouts and TTL reaping.
//
// # Storage
//
// The warm and cold tiers come from a storage backend selected by
// Config.StorageBackend:
//   - memory: volatile maps, for tests and ephemeral state
//   - badger: embedded Badger database holding both tiers
//   - file: checksummed, optionally lz4 or zstd compressed ledger file with an
//     in-memory warm tier
//   - sqlite: SQLite tables for both tiers
//
// Custom backends register with RegisterStorageBackend.
//
// # Observability
//
// Every component exports Prometheus collectors registered on the substrate
// registry and served on /metrics when Config.MetricsEnabled is set. Lock
// acquisition, handler delivery, reservoir writes and cold scans are wrapped
// in OpenTelemetry spans.
//
// # Coordination
//
// The Reservoir never takes locks itself. Wrap read-modify-write sequences
// in WithLock:
//
//	err := pentacore.WithLock(ctx, sub.Locks, pentacore.LockRequest{
//		Resource: "account:42",
//		Holder:   workerID,
//		Type:     pentacore.LockMutex,
//	}, func(ctx context.Context, _ pentacore.LockHandle) error {
//		balance, _ := accounts.Get(ctx, "42")
//		_, err := accounts.Put(ctx, "42", balance+10, 0)
//		return err
//	})
package pentacore

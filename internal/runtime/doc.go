/*
Package runtime wires the pentacore substrate together.

# Architecture Overview

The substrate is an in-process concurrency and state layer made of three
components that share the kernel primitives in the sub-packages below:

  - conduit: hash-chained envelope routing with bounded per-route queues,
    synchronous delivery and a dead-letter ring
  - reservoir: hot LRU, warm key-value store and cold append-only ledger with
    write-through and read-through semantics
  - locks: mutex, reader/writer and bounded locks with FIFO waiters and TTL
    reaping

## Substrate (service.go)

Substrate builds the configured storage backend from the storage registry,
constructs the Conduit and lock manager, registers every Prometheus collector
on one registry and optionally serves it on /metrics. OpenReservoir creates
typed reservoirs over the shared backend.

# Sub-packages

  - clock/: injectable time source with a deterministic fake
  - config/: configuration with defaults, validation and YAML loading
  - digest/: BLAKE3 keyed hashing over canonical encodings
  - errors/: sentinel errors
  - ids/: monotonic ULIDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters

# Usage Example

	conf := pentacore.DefaultConfig()
	conf.StorageBackend = "badger"
	conf.BadgerDir = "/var/lib/pentacore"

	sub, err := pentacore.NewSubstrate(ctx, &conf, logger, pentacore.SubstrateDependencies{})
	if err != nil {
		return err
	}
	defer sub.Close()

	docs, err := pentacore.OpenReservoir[Document](sub)
	if err != nil {
		return err
	}

	route := pentacore.Route{From: "ingest", To: "store", Topic: "document"}
	sub.Conduit.Register(ctx, route, pentacore.Typed(func(ctx context.Context, env pentacore.Envelope, doc Document) error {
		_, err := docs.Put(ctx, doc.ID, doc, 0)
		return err
	}), -1)

	sub.Conduit.Send(ctx, route, doc, 0)
*/
package runtime

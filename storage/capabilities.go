package storage

// Capabilities describes the guarantees offered by a storage backend.
// Use this to introspect a backend at runtime.
type Capabilities struct {
	// Durable indicates records survive a process restart.
	Durable bool

	// ChecksummedLedger indicates cold records carry an integrity check that
	// is verified on scan.
	ChecksummedLedger bool

	// CompressedLedger indicates cold records may be stored compressed.
	CompressedLedger bool

	// Transactional indicates warm writes and ledger appends are atomic per
	// call.
	Transactional bool

	// Name is the human-readable name of the backend.
	Name string
}

// Predefined capabilities for the built-in backends.
var (
	MemoryCapabilities = Capabilities{
		Name: "memory",
	}

	BadgerCapabilities = Capabilities{
		Name:          "badger",
		Durable:       true,
		Transactional: true,
	}

	FileCapabilities = Capabilities{
		Name:              "file",
		Durable:           true,
		ChecksummedLedger: true,
		CompressedLedger:  true,
	}

	SQLiteCapabilities = Capabilities{
		Name:          "sqlite",
		Durable:       true,
		Transactional: true,
	}
)

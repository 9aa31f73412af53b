// Package backends imports all built-in storage backends for
// auto-registration. Import this package to have every backend registered
// with the default registry.
package backends

import (
	// Import all backends for side-effect registration
	_ "github.com/drblury/pentacore/storage/badger"
	_ "github.com/drblury/pentacore/storage/file"
	_ "github.com/drblury/pentacore/storage/memory"
	_ "github.com/drblury/pentacore/storage/sqlite"
)

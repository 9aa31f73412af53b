package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Default and by components when a zero value is passed.
const (
	DefaultStorageBackend     = "memory"
	DefaultReservoirName      = "default"
	DefaultHotCapacity        = 1024
	DefaultConduitMaxDepth    = 1024
	DefaultConduitTTL         = 5 * time.Minute
	DefaultDeadLetterCapacity = 1000
	DefaultLockTTL            = 30 * time.Second
	DefaultLockTimeout        = 10 * time.Second
	DefaultMetricsPort        = 9090
	DefaultStatusPort         = 8081
	DefaultLogLevel           = "info"
)

// Config groups the settings required to initialise a Substrate. Each storage
// backend only uses the keys that are relevant to it.
type Config struct {
	// StorageBackend selects the durable surface behind the warm and cold
	// tiers. Supported values: "memory", "badger", "file" or "sqlite".
	StorageBackend string `yaml:"storage_backend"`

	// Badger configuration.
	// BadgerDir is the database directory. Ignored when BadgerInMemory is set.
	BadgerDir      string `yaml:"badger_dir"`
	BadgerInMemory bool   `yaml:"badger_in_memory"`

	// File configuration.
	// LedgerFile is the path of the append-only cold ledger; the warm tier
	// lives in memory next to it.
	LedgerFile string `yaml:"ledger_file"`
	// LedgerCompression selects the frame codec: "none", "lz4" or "zstd".
	LedgerCompression string `yaml:"ledger_compression"`

	// SQLite configuration.
	// SQLiteFile is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	SQLiteFile string `yaml:"sqlite_file"`

	// ReservoirName namespaces warm keys and ledger records so several
	// reservoirs can share one backend.
	ReservoirName string `yaml:"reservoir_name"`
	// ReservoirHotCapacity bounds the hot LRU tier.
	ReservoirHotCapacity int `yaml:"reservoir_hot_capacity"`

	// Conduit tuning. Zero values fall back to library defaults; a route can
	// still opt into a zero depth explicitly at registration.
	ConduitMaxDepth    int           `yaml:"conduit_max_depth"`
	ConduitDefaultTTL  time.Duration `yaml:"conduit_default_ttl"`
	DeadLetterCapacity int           `yaml:"dead_letter_capacity"`
	// DeadLetterTopic, when set, forwards each dead letter to this topic on
	// the Watermill publisher supplied to the Substrate.
	DeadLetterTopic string `yaml:"dead_letter_topic"`

	// Lock defaults applied when a request leaves TTL or Timeout at zero.
	LockDefaultTTL     time.Duration `yaml:"lock_default_ttl"`
	LockDefaultTimeout time.Duration `yaml:"lock_default_timeout"`

	// Metrics configuration.
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int `yaml:"metrics_port"`

	// Status API configuration. When enabled, JSON snapshots of the conduit,
	// lock manager and open reservoirs are served under /api/.
	StatusEnabled bool `yaml:"status_enabled"`
	StatusPort    int  `yaml:"status_port"`
	// StatusCORSAllowedOrigins lists the origins allowed to read the status
	// API. Use "*" to allow any origin.
	StatusCORSAllowedOrigins []string `yaml:"status_cors_allowed_origins"`

	// LogLevel is used when the Substrate builds its own logger.
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with every tunable set to its library default.
func Default() Config {
	return Config{
		StorageBackend:       DefaultStorageBackend,
		ReservoirName:        DefaultReservoirName,
		ReservoirHotCapacity: DefaultHotCapacity,
		ConduitMaxDepth:      DefaultConduitMaxDepth,
		ConduitDefaultTTL:    DefaultConduitTTL,
		DeadLetterCapacity:   DefaultDeadLetterCapacity,
		LockDefaultTTL:       DefaultLockTTL,
		LockDefaultTimeout:   DefaultLockTimeout,
		MetricsPort:          DefaultMetricsPort,
		StatusPort:           DefaultStatusPort,
		LogLevel:             DefaultLogLevel,
	}
}

// WithDefaults returns a copy of c where every zero tunable is replaced by
// its default. Explicit values, including the backend, are kept.
func (c Config) WithDefaults() Config {
	def := Default()
	if c.StorageBackend == "" {
		c.StorageBackend = def.StorageBackend
	}
	if c.ReservoirName == "" {
		c.ReservoirName = def.ReservoirName
	}
	if c.ReservoirHotCapacity == 0 {
		c.ReservoirHotCapacity = def.ReservoirHotCapacity
	}
	if c.ConduitMaxDepth <= 0 {
		c.ConduitMaxDepth = def.ConduitMaxDepth
	}
	if c.ConduitDefaultTTL == 0 {
		c.ConduitDefaultTTL = def.ConduitDefaultTTL
	}
	if c.DeadLetterCapacity == 0 {
		c.DeadLetterCapacity = def.DeadLetterCapacity
	}
	if c.LockDefaultTTL == 0 {
		c.LockDefaultTTL = def.LockDefaultTTL
	}
	if c.LockDefaultTimeout == 0 {
		c.LockDefaultTimeout = def.LockDefaultTimeout
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = def.MetricsPort
	}
	if c.StatusPort == 0 {
		c.StatusPort = def.StatusPort
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}

// Getter methods to implement the storage.Config interface.
func (c *Config) GetStorageBackend() string    { return c.StorageBackend }
func (c *Config) GetBadgerDir() string         { return c.BadgerDir }
func (c *Config) GetBadgerInMemory() bool      { return c.BadgerInMemory }
func (c *Config) GetLedgerFile() string        { return c.LedgerFile }
func (c *Config) GetLedgerCompression() string { return c.LedgerCompression }
func (c *Config) GetSQLiteFile() string        { return c.SQLiteFile }
func (c *Config) GetReservoirName() string     { return c.ReservoirName }

func (c Config) String() string {
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(c))
}

// Validate checks that the configuration has all required fields for the
// selected backend. Returns an error describing every problem found.
// Note: backend names are validated leniently to allow custom storage
// factories.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateConduit()...)
	errs = append(errs, c.validateReservoir()...)
	errs = append(errs, c.validateLocks()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

// validateStorage checks backend-specific required fields.
func (c *Config) validateStorage() []error {
	switch strings.ToLower(c.StorageBackend) {
	case "badger":
		if c.BadgerDir == "" && !c.BadgerInMemory {
			return []error{errors.New("badger: directory is required unless in-memory")}
		}
	case "file":
		var errs []error
		if c.LedgerFile == "" {
			errs = append(errs, errors.New("file: ledger file is required"))
		}
		switch strings.ToLower(c.LedgerCompression) {
		case "", "none", "lz4", "zstd":
		default:
			errs = append(errs, fmt.Errorf("file: unknown ledger compression %q", c.LedgerCompression))
		}
		return errs
	case "sqlite":
		if c.SQLiteFile == "" {
			return []error{errors.New("sqlite: database file is required")}
		}
	}
	// memory, "" and custom backends have no required config
	return nil
}

func (c *Config) validateConduit() []error {
	var errs []error
	if c.ConduitDefaultTTL < 0 {
		errs = append(errs, errors.New("conduit: default ttl cannot be negative"))
	}
	if c.DeadLetterCapacity < 0 {
		errs = append(errs, errors.New("conduit: dead letter capacity cannot be negative"))
	}
	return errs
}

func (c *Config) validateReservoir() []error {
	if c.ReservoirHotCapacity < 0 {
		return []error{errors.New("reservoir: hot capacity cannot be negative")}
	}
	if strings.ContainsRune(c.ReservoirName, ':') {
		return []error{errors.New("reservoir: name cannot contain ':'")}
	}
	return nil
}

func (c *Config) validateLocks() []error {
	var errs []error
	if c.LockDefaultTTL < 0 {
		errs = append(errs, errors.New("locks: default ttl cannot be negative"))
	}
	if c.LockDefaultTimeout < 0 {
		errs = append(errs, errors.New("locks: default timeout cannot be negative"))
	}
	return errs
}

// validatePorts checks port configuration values.
func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		errs = append(errs, fmt.Errorf("status: invalid port %d", c.StatusPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	conf := Default()
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

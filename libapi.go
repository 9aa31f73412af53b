package pentacore

import (
	"context"

	runtimepkg "github.com/drblury/pentacore/internal/runtime"
	clockpkg "github.com/drblury/pentacore/internal/runtime/clock"
	"github.com/drblury/pentacore/internal/runtime/conduit"
	configpkg "github.com/drblury/pentacore/internal/runtime/config"
	errspkg "github.com/drblury/pentacore/internal/runtime/errors"
	idspkg "github.com/drblury/pentacore/internal/runtime/ids"
	jsoncodec "github.com/drblury/pentacore/internal/runtime/jsoncodec"
	"github.com/drblury/pentacore/internal/runtime/locks"
	loggingpkg "github.com/drblury/pentacore/internal/runtime/logging"
	"github.com/drblury/pentacore/internal/runtime/reservoir"
	"github.com/drblury/pentacore/storage"
)

type (
	Config                = configpkg.Config
	Substrate             = runtimepkg.Substrate
	SubstrateDependencies = runtimepkg.SubstrateDependencies

	Clock     = clockpkg.Clock
	FakeClock = clockpkg.FakeClock

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Conduit
	Conduit             = conduit.Conduit
	ConduitOptions      = conduit.Options
	ConduitMetrics      = conduit.Metrics
	Route               = conduit.Route
	Envelope            = conduit.Envelope
	Handler             = conduit.Handler
	TypedHandler[T any] = conduit.TypedHandler[T]
	DeadLetter          = conduit.DeadLetter
	DeadLetterSink      = conduit.DeadLetterSink
	WatermillSink       = conduit.WatermillSink
	RouteStats          = conduit.RouteStats
	DeliveryContext     = conduit.DeliveryContext
	Hooks               = conduit.Hooks

	// Reservoir
	Reservoir[V any] = reservoir.Reservoir[V]
	ReservoirOptions = reservoir.Options
	ReservoirMetrics = reservoir.Metrics
	ReservoirStats   = reservoir.Stats
	Entry[V any]     = reservoir.Entry[V]
	Tier             = reservoir.Tier

	// Locks
	LockManager      = locks.Manager
	LockOptions      = locks.Options
	LockMetrics      = locks.Metrics
	LockType         = locks.Type
	LockRequest      = locks.Request
	LockHandle       = locks.Handle
	LockStats        = locks.Stats
	LockTimeoutError = locks.TimeoutError

	// Storage
	StorageBackend      = storage.Backend
	StorageBuilder      = storage.Builder
	StorageConfig       = storage.Config
	StorageRegistry     = storage.Registry
	StorageCapabilities = storage.Capabilities
	WarmStore           = storage.WarmStore
	ColdLedger          = storage.ColdLedger
)

const (
	LockMutex   = locks.Mutex
	LockReader  = locks.Reader
	LockWriter  = locks.Writer
	LockBounded = locks.Bounded

	TierHot  = reservoir.TierHot
	TierWarm = reservoir.TierWarm
	TierCold = reservoir.TierCold

	ReasonBackPressure = conduit.ReasonBackPressure
	ReasonTTLExpired   = conduit.ReasonTTLExpired
)

var (
	NewSubstrate   = runtimepkg.NewSubstrate
	DefaultConfig  = configpkg.Default
	ParseConfig    = configpkg.Parse
	LoadConfigFile = configpkg.LoadFile
	ValidateConfig = configpkg.ValidateConfig

	NewConduit           = conduit.New
	NewWatermillSink     = conduit.NewWatermillSink
	NewDeadLetterMessage = conduit.NewDeadLetterMessage
	VerifyChain          = conduit.VerifyChain
	LoggingHooks         = conduit.LoggingHooks
	MetricsHooks         = conduit.MetricsHooks

	NewLockManager = locks.NewManager
	ParseLockType  = locks.ParseType

	RealClock    = clockpkg.Real
	NewFakeClock = clockpkg.Fake

	DefaultStorageRegistry = storage.DefaultRegistry
	NewStorageRegistry     = storage.NewRegistry
	RegisterStorageBackend = storage.RegisterWithCapabilities
	BuildStorage           = storage.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrRouteRequired     = errspkg.ErrRouteRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrPayloadEncoding   = errspkg.ErrPayloadEncoding
	ErrDeadLetterMissing = errspkg.ErrDeadLetterMissing
	ErrChainBroken       = errspkg.ErrChainBroken
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrKeyRequired       = errspkg.ErrKeyRequired
	ErrWarmStoreNeeded   = errspkg.ErrWarmStoreNeeded
	ErrColdLedgerNeeded  = errspkg.ErrColdLedgerNeeded
	ErrLedgerCorrupted   = errspkg.ErrLedgerCorrupted
	ErrStoreClosed       = errspkg.ErrStoreClosed
	ErrUnknownBackend    = errspkg.ErrUnknownBackend
	ErrResourceRequired  = errspkg.ErrResourceRequired
	ErrHolderRequired    = errspkg.ErrHolderRequired
	ErrUnknownLockType   = errspkg.ErrUnknownLockType
	ErrReentrantAcquire  = errspkg.ErrReentrantAcquire
	ErrLockTimeout       = errspkg.ErrLockTimeout

	ErrReservoirTypeMismatch = errspkg.ErrReservoirTypeMismatch

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewTextServiceLogger      = loggingpkg.NewTextServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.Nop

	// NewID returns a monotonic ULID string.
	NewID = idspkg.New
)

// OpenReservoir creates a typed reservoir over the substrate's storage backend.
func OpenReservoir[V any](s *Substrate) (*Reservoir[V], error) {
	return runtimepkg.OpenReservoir[V](s)
}

// NewReservoir creates a typed reservoir over an explicit backend.
func NewReservoir[V any](backend StorageBackend, opts ReservoirOptions) (*Reservoir[V], error) {
	return reservoir.New[V](backend, opts)
}

// Typed adapts a handler that takes a decoded payload of type T.
func Typed[T any](handler TypedHandler[T]) Handler {
	return conduit.Typed(handler)
}

// WithLock acquires req, runs fn and releases the lock afterwards.
func WithLock(ctx context.Context, m *LockManager, req LockRequest, fn func(ctx context.Context, h LockHandle) error) error {
	return locks.WithLock(ctx, m, req, fn)
}

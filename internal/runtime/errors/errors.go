package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired    = sterrors.New("pentacore: configuration is required")
	ErrLoggerRequired    = sterrors.New("pentacore: logger is required")
	ErrHandlerRequired   = sterrors.New("pentacore: handler function is required")
	ErrRouteRequired     = sterrors.New("pentacore: route requires from, to and topic")
	ErrTopicRequired     = sterrors.New("pentacore: topic is required")
	ErrPayloadEncoding   = sterrors.New("pentacore: payload cannot be serialised")
	ErrDeadLetterMissing = sterrors.New("pentacore: dead letter not found")
	ErrChainBroken       = sterrors.New("pentacore: envelope hash chain broken")
	ErrPublisherRequired = sterrors.New("pentacore: publisher is required")

	ErrKeyRequired      = sterrors.New("pentacore: reservoir key is required")
	ErrWarmStoreNeeded  = sterrors.New("pentacore: warm store is required")
	ErrColdLedgerNeeded = sterrors.New("pentacore: cold ledger is required")
	ErrLedgerCorrupted  = sterrors.New("pentacore: ledger record corrupted")
	ErrStoreClosed      = sterrors.New("pentacore: store is closed")
	ErrUnknownBackend   = sterrors.New("pentacore: unknown storage backend")

	ErrReservoirTypeMismatch = sterrors.New("pentacore: reservoir already open with another value type")

	ErrResourceRequired = sterrors.New("pentacore: lock resource is required")
	ErrHolderRequired   = sterrors.New("pentacore: lock holder is required")
	ErrUnknownLockType  = sterrors.New("pentacore: unknown lock type")
	ErrReentrantAcquire = sterrors.New("pentacore: holder already holds or awaits this resource")
	ErrLockTimeout      = sterrors.New("pentacore: lock acquisition timed out")
)

// ConfigValidationError wraps the joined problems reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("pentacore: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when there is nothing to report.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

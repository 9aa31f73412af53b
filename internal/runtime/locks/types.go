package locks

import (
	"fmt"
	"strings"
	"time"

	errs "github.com/drblury/pentacore/internal/runtime/errors"
)

// Type selects the sharing rule of a lock request.
type Type int

const (
	// Mutex admits a single holder.
	Mutex Type = iota
	// Reader shares the resource with other readers and bounded holders.
	Reader
	// Writer excludes every other holder.
	Writer
	// Bounded admits up to MaxConcurrent holders.
	Bounded
)

func (t Type) String() string {
	switch t {
	case Mutex:
		return "mutex"
	case Reader:
		return "reader"
	case Writer:
		return "writer"
	case Bounded:
		return "bounded"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType maps a lock type name onto a Type.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "mutex":
		return Mutex, nil
	case "reader", "read":
		return Reader, nil
	case "writer", "write":
		return Writer, nil
	case "bounded", "semaphore":
		return Bounded, nil
	}
	return 0, fmt.Errorf("%w: %q", errs.ErrUnknownLockType, name)
}

func (t Type) valid() bool {
	return t >= Mutex && t <= Bounded
}

// exclusive reports whether a holder of this type blocks every other grant.
func (t Type) exclusive() bool {
	return t == Mutex || t == Writer
}

// Request describes one acquisition attempt.
type Request struct {
	Resource string
	Holder   string
	Type     Type
	// TTL bounds how long the grant stays valid. Zero selects the manager
	// default.
	TTL time.Duration
	// MaxConcurrent is the bound for Bounded locks. The first bounded request
	// on a resource fixes it; zero means one.
	MaxConcurrent int
	// Timeout bounds the wait. Zero selects the manager default; a negative
	// value fails immediately when the lock is contended.
	Timeout time.Duration
}

// Handle is the capability returned by a successful acquisition.
type Handle struct {
	ID         string    `json:"id"`
	Resource   string    `json:"resource"`
	Type       Type      `json:"type"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the handle's TTL has elapsed at now.
func (h Handle) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// TimeoutError is returned when an acquisition waits longer than its
// timeout. It matches ErrLockTimeout with errors.Is.
type TimeoutError struct {
	Resource string
	Holder   string
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pentacore: lock %q for holder %q timed out after %s", e.Resource, e.Holder, e.Waited)
}

func (e *TimeoutError) Is(target error) bool {
	return target == errs.ErrLockTimeout
}

// Stats is a point-in-time view of the manager's counters.
type Stats struct {
	Acquired  uint64 `json:"acquired"`
	Released  uint64 `json:"released"`
	TimedOut  uint64 `json:"timed_out"`
	Canceled  uint64 `json:"canceled"`
	Reaped    uint64 `json:"reaped"`
	Resources int    `json:"resources"`
	Holders   int    `json:"holders"`
	Waiting   int    `json:"waiting"`
}

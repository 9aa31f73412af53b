package conduit

import (
	"context"
	"time"

	"github.com/drblury/pentacore/internal/runtime/logging"
)

// DeliveryContext describes one handler invocation to hooks.
type DeliveryContext struct {
	// Route is the pipe the envelope travelled on.
	Route Route
	// EnvelopeID identifies the envelope being delivered.
	EnvelopeID string
	// Attempt is 1 for a fresh send and grows with each replay.
	Attempt int
	// Context is the context passed to the handler.
	Context context.Context
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is how long the handler ran (only set in OnDelivered and OnFailed).
	Duration time.Duration
}

// Hooks defines callbacks around handler execution.
// All hooks are optional - nil hooks are simply not called.
type Hooks struct {
	// OnDeliver is called right before the handler runs.
	OnDeliver func(ctx DeliveryContext)

	// OnDelivered is called when the handler returns nil.
	OnDelivered func(ctx DeliveryContext)

	// OnFailed is called when the handler returns an error or panics.
	// The envelope is dead-lettered after the hook returns.
	OnFailed func(ctx DeliveryContext, err error)
}

// Merge combines two Hooks, creating a new Hooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnDeliver:   chainHooks(h.OnDeliver, other.OnDeliver),
		OnDelivered: chainHooks(h.OnDelivered, other.OnDelivered),
		OnFailed:    chainFailureHooks(h.OnFailed, other.OnFailed),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainFailureHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log delivery lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnDeliver: func(ctx DeliveryContext) {
			logger.Trace("Delivering envelope", logging.LogFields{
				"route":       ctx.Route.String(),
				"envelope_id": ctx.EnvelopeID,
				"attempt":     ctx.Attempt,
			})
		},
		OnDelivered: func(ctx DeliveryContext) {
			logger.Debug("Envelope delivered", logging.LogFields{
				"route":       ctx.Route.String(),
				"envelope_id": ctx.EnvelopeID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnFailed: func(ctx DeliveryContext, err error) {
			logger.Error("Handler failed", err, logging.LogFields{
				"route":       ctx.Route.String(),
				"envelope_id": ctx.EnvelopeID,
				"attempt":     ctx.Attempt,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward delivery events to
// caller-owned counters.
func MetricsHooks(onDeliver, onDelivered, onFailed func(route Route)) Hooks {
	return Hooks{
		OnDeliver: func(ctx DeliveryContext) {
			if onDeliver != nil {
				onDeliver(ctx.Route)
			}
		},
		OnDelivered: func(ctx DeliveryContext) {
			if onDelivered != nil {
				onDelivered(ctx.Route)
			}
		},
		OnFailed: func(ctx DeliveryContext, _ error) {
			if onFailed != nil {
				onFailed(ctx.Route)
			}
		},
	}
}

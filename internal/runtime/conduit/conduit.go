// Package conduit routes envelopes between named logical layers. Each
// (from, to, topic) route owns a bounded FIFO queue and a per-route hash
// chain; envelopes that cannot be delivered land in a bounded dead-letter
// ring instead of failing the sender.
package conduit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/pentacore/internal/runtime/clock"
	"github.com/drblury/pentacore/internal/runtime/config"
	errs "github.com/drblury/pentacore/internal/runtime/errors"
	"github.com/drblury/pentacore/internal/runtime/ids"
	"github.com/drblury/pentacore/internal/runtime/logging"
)

const tracerName = "github.com/drblury/pentacore/conduit"

// Handler consumes envelopes from a route. A returned error or a panic
// dead-letters the envelope.
type Handler func(ctx context.Context, env Envelope) error

// Options configures a Conduit. Zero values select library defaults.
type Options struct {
	// MaxDepth is the queue bound for routes created by Send and for
	// Register calls with a negative depth.
	MaxDepth           int
	DefaultTTL         time.Duration
	DeadLetterCapacity int
	Clock              clock.Clock
	Logger             logging.ServiceLogger
	Metrics            *Metrics
	Hooks              Hooks
	// Sink, when set, receives every dead letter after it is recorded.
	Sink DeadLetterSink
}

// Conduit owns the route table and the dead-letter ring. It is safe for
// concurrent use.
type Conduit struct {
	mu     sync.Mutex
	pipes  map[Route]*pipe
	order  []Route
	deaths *deadLetterRing

	clock      clock.Clock
	log        logging.ServiceLogger
	metrics    *Metrics
	hooks      Hooks
	sink       DeadLetterSink
	maxDepth   int
	defaultTTL time.Duration
}

type pipe struct {
	route    Route
	queue    []Envelope
	handler  Handler
	lastHash string
	maxDepth int

	delivered uint64
	dropped   uint64
	draining  bool
}

// RouteStats reports the counters of one route.
type RouteStats struct {
	Route      Route  `json:"route"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
	Queued     int    `json:"queued"`
	MaxDepth   int    `json:"max_depth"`
	HasHandler bool   `json:"has_handler"`
	LastHash   string `json:"last_hash,omitempty"`
}

// New creates an empty Conduit.
func New(opts Options) *Conduit {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = config.DefaultConduitMaxDepth
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = config.DefaultConduitTTL
	}
	if opts.DeadLetterCapacity <= 0 {
		opts.DeadLetterCapacity = config.DefaultDeadLetterCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Conduit{
		pipes:      make(map[Route]*pipe),
		deaths:     newDeadLetterRing(opts.DeadLetterCapacity),
		clock:      opts.Clock,
		log:        logging.Component(opts.Logger, "conduit"),
		metrics:    opts.Metrics,
		hooks:      opts.Hooks,
		sink:       opts.Sink,
		maxDepth:   opts.MaxDepth,
		defaultTTL: opts.DefaultTTL,
	}
}

// Register binds handler to route, replacing any previous handler, and
// drains envelopes that queued up while the route had no handler. A
// negative maxDepth keeps the conduit default; zero rejects every send.
func (c *Conduit) Register(ctx context.Context, route Route, handler Handler, maxDepth int) error {
	if err := route.validate(); err != nil {
		return err
	}
	if handler == nil {
		return errs.ErrHandlerRequired
	}

	c.mu.Lock()
	p := c.pipeLocked(route)
	p.handler = handler
	if maxDepth >= 0 {
		p.maxDepth = maxDepth
	}
	depth, queued := p.maxDepth, len(p.queue)
	c.mu.Unlock()

	c.log.Debug("Handler registered", logging.LogFields{
		"route":     route.String(),
		"max_depth": depth,
		"queued":    queued,
	})

	c.drain(ctx, p)
	return nil
}

// Send chains a new envelope onto route. When the queue is full the
// envelope is dead-lettered as back-pressure and still returned without
// error. With a handler registered the route is drained before Send
// returns, unless another goroutine is already draining it, in which case
// that drainer delivers the envelope in order. A ttl <= 0 selects the
// conduit default.
func (c *Conduit) Send(ctx context.Context, route Route, payload any, ttl time.Duration) (Envelope, error) {
	return c.send(ctx, route, payload, ttl, 1)
}

func (c *Conduit) send(ctx context.Context, route Route, payload any, ttl time.Duration, attempt int) (Envelope, error) {
	if err := route.validate(); err != nil {
		return Envelope{}, err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	p := c.pipeLocked(route)
	now := c.clock.Now()
	env := Envelope{
		ID:         ids.NewAt(now),
		From:       route.From,
		To:         route.To,
		Topic:      route.Topic,
		Payload:    payload,
		Timestamp:  now,
		ParentHash: p.lastHash,
		TTL:        ttl,
		Attempt:    attempt,
	}
	hash, err := envelopeHash(env.ID, route, payload, env.ParentHash)
	if err != nil {
		c.mu.Unlock()
		return Envelope{}, err
	}
	env.ContentHash = hash
	// The chain covers every envelope sent on the route, including those
	// rejected below, so gaps in delivery are visible to verifiers.
	p.lastHash = hash

	if len(p.queue) >= p.maxDepth {
		p.dropped++
		dl := c.buryLocked(env, ReasonBackPressure, now)
		retained := c.deaths.len()
		depth := p.maxDepth
		c.mu.Unlock()

		c.metrics.recordSent(route.Topic)
		c.log.Info("Route at capacity, envelope dead-lettered", logging.LogFields{
			"route":       route.String(),
			"envelope_id": env.ID,
			"max_depth":   depth,
		})
		c.notify(ctx, dl, retained)
		return env, nil
	}

	p.queue = append(p.queue, env)
	c.mu.Unlock()

	c.metrics.recordSent(route.Topic)
	c.drain(ctx, p)
	return env, nil
}

// Broadcast sends payload on every route from `from` on topic that has a
// handler, in registration order.
func (c *Conduit) Broadcast(ctx context.Context, from, topic string, payload any, ttl time.Duration) ([]Envelope, error) {
	if topic == "" {
		return nil, errs.ErrTopicRequired
	}

	c.mu.Lock()
	var targets []Route
	for _, route := range c.order {
		if route.From == from && route.Topic == topic && c.pipes[route].handler != nil {
			targets = append(targets, route)
		}
	}
	c.mu.Unlock()

	envs := make([]Envelope, 0, len(targets))
	for _, route := range targets {
		env, err := c.Send(ctx, route, payload, ttl)
		if err != nil {
			return envs, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// DeadLetters returns the retained dead letters, oldest first.
func (c *Conduit) DeadLetters() []DeadLetter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deaths.snapshot()
}

// Replay removes the dead letter for envelopeID and sends its payload
// again on the same route with the attempt number incremented. The
// replayed envelope is a new link in the route's chain.
func (c *Conduit) Replay(ctx context.Context, envelopeID string) (Envelope, error) {
	c.mu.Lock()
	dl, ok := c.deaths.take(envelopeID)
	retained := c.deaths.len()
	c.mu.Unlock()
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", errs.ErrDeadLetterMissing, envelopeID)
	}

	c.metrics.recordReplayed(dl.Envelope.Topic, retained)
	c.log.Info("Replaying dead letter", logging.LogFields{
		"route":       dl.Envelope.Route().String(),
		"envelope_id": envelopeID,
		"reason":      dl.Reason,
		"attempt":     dl.Envelope.Attempt + 1,
	})
	return c.send(ctx, dl.Envelope.Route(), dl.Envelope.Payload, dl.Envelope.TTL, dl.Envelope.Attempt+1)
}

// PurgeDeadLetters drops every retained dead letter and returns how many
// were removed.
func (c *Conduit) PurgeDeadLetters() int {
	c.mu.Lock()
	n := c.deaths.reset()
	c.mu.Unlock()

	c.metrics.recordPurged(n)
	return n
}

// RouteStats returns the counters for route.
func (c *Conduit) RouteStats(route Route) (RouteStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pipes[route]
	if !ok {
		return RouteStats{}, false
	}
	return p.statsLocked(), true
}

// Stats returns the counters of every known route in creation order.
func (c *Conduit) Stats() []RouteStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]RouteStats, 0, len(c.order))
	for _, route := range c.order {
		out = append(out, c.pipes[route].statsLocked())
	}
	return out
}

func (p *pipe) statsLocked() RouteStats {
	return RouteStats{
		Route:      p.route,
		Delivered:  p.delivered,
		Dropped:    p.dropped,
		Queued:     len(p.queue),
		MaxDepth:   p.maxDepth,
		HasHandler: p.handler != nil,
		LastHash:   p.lastHash,
	}
}

func (c *Conduit) pipeLocked(route Route) *pipe {
	p, ok := c.pipes[route]
	if !ok {
		p = &pipe{route: route, maxDepth: c.maxDepth}
		c.pipes[route] = p
		c.order = append(c.order, route)
	}
	return p
}

func (c *Conduit) buryLocked(env Envelope, reason string, now time.Time) DeadLetter {
	dl := DeadLetter{Envelope: env, Reason: reason, DiedAt: now}
	if c.deaths.push(dl) {
		c.log.Debug("Dead-letter ring full, oldest entry evicted", nil)
	}
	return dl
}

// notify runs the side effects of a dead letter outside the conduit lock.
func (c *Conduit) notify(ctx context.Context, dl DeadLetter, retained int) {
	c.metrics.recordDeadLetter(dl, retained)
	if c.sink == nil {
		return
	}
	if err := c.sink.Forward(ctx, dl); err != nil {
		c.log.Error("Failed to forward dead letter", err, logging.LogFields{
			"route":       dl.Envelope.Route().String(),
			"envelope_id": dl.Envelope.ID,
		})
	}
}

// next pops the queue head for the active drainer. It claims the route on
// the first call and releases the claim once the queue is empty.
func (c *Conduit) next(p *pipe, claimed bool) (Envelope, Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !claimed {
		if p.draining {
			return Envelope{}, nil, false
		}
		p.draining = true
	}
	if p.handler == nil || len(p.queue) == 0 {
		p.draining = false
		return Envelope{}, nil, false
	}
	env := p.queue[0]
	p.queue[0] = Envelope{}
	p.queue = p.queue[1:]
	return env, p.handler, true
}

// drain delivers queued envelopes in FIFO order. Sends made by a handler
// onto the route it is draining are appended and picked up by this loop.
func (c *Conduit) drain(ctx context.Context, p *pipe) {
	for claimed := false; ; claimed = true {
		env, handler, ok := c.next(p, claimed)
		if !ok {
			return
		}

		now := c.clock.Now()
		if env.Expired(now) {
			c.mu.Lock()
			p.dropped++
			dl := c.buryLocked(env, ReasonTTLExpired, now)
			retained := c.deaths.len()
			c.mu.Unlock()

			c.log.Info("Envelope expired before delivery", logging.LogFields{
				"route":       p.route.String(),
				"envelope_id": env.ID,
				"ttl":         env.TTL.String(),
			})
			c.notify(ctx, dl, retained)
			continue
		}

		err := c.deliver(ctx, env, handler)

		c.mu.Lock()
		if err == nil {
			p.delivered++
			c.mu.Unlock()
			continue
		}
		p.dropped++
		dl := c.buryLocked(env, err.Error(), c.clock.Now())
		retained := c.deaths.len()
		c.mu.Unlock()
		c.notify(ctx, dl, retained)
	}
}

func (c *Conduit) deliver(ctx context.Context, env Envelope, handler Handler) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "conduit.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("conduit.route", env.Route().String()),
		attribute.String("conduit.envelope_id", env.ID),
		attribute.Int("conduit.attempt", env.Attempt),
	)

	dctx := DeliveryContext{
		Route:      env.Route(),
		EnvelopeID: env.ID,
		Attempt:    env.Attempt,
		Context:    ctx,
		StartedAt:  c.clock.Now(),
	}
	if c.hooks.OnDeliver != nil {
		c.hooks.OnDeliver(dctx)
	}

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		dctx.Duration = time.Since(started)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.metrics.recordHandlerFailure(env.Topic, dctx.Duration)
			c.log.Error("Handler failed, envelope dead-lettered", err, logging.LogFields{
				"route":       env.Route().String(),
				"envelope_id": env.ID,
				"attempt":     env.Attempt,
			})
			if c.hooks.OnFailed != nil {
				c.hooks.OnFailed(dctx, err)
			}
			return
		}
		c.metrics.recordDelivered(env.Topic, dctx.Duration)
		if c.hooks.OnDelivered != nil {
			c.hooks.OnDelivered(dctx)
		}
	}()

	return handler(ctx, env)
}

// Package locks implements named mutual exclusion with mutex, reader/writer
// and bounded-concurrency grants. Waiters are served strictly FIFO per
// resource and every grant carries a TTL after which it is reclaimed.
package locks

import (
	"context"
	"sort"
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

const tracerName = "github.com/drblury/pentacore/locks"

// Options configures a Manager. Zero values select library defaults.
type Options struct {
	DefaultTTL     time.Duration
	DefaultTimeout time.Duration
	Clock          clock.Clock
	Logger         logging.ServiceLogger
	Metrics        *Metrics
}

// Manager owns the resource table. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	clock          clock.Clock
	log            logging.ServiceLogger
	metrics        *Metrics
	defaultTTL     time.Duration
	defaultTimeout time.Duration

	acquired uint64
	released uint64
	timedOut uint64
	canceled uint64
	reaped   uint64
}

type entry struct {
	resource      string
	holders       map[string]*held
	waiters       []*waiter
	maxConcurrent int
}

type held struct {
	handle Handle
	timer  clock.Timer
}

type waiter struct {
	req      Request
	ttl      time.Duration
	queuedAt time.Time
	ready    chan Handle
	granted  bool
}

// NewManager creates an empty lock manager.
func NewManager(opts Options) *Manager {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = config.DefaultLockTTL
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = config.DefaultLockTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Manager{
		entries:        make(map[string]*entry),
		clock:          opts.Clock,
		log:            logging.Component(opts.Logger, "locks"),
		metrics:        opts.Metrics,
		defaultTTL:     opts.DefaultTTL,
		defaultTimeout: opts.DefaultTimeout,
	}
}

// Acquire grants req immediately when the resource allows it and nobody is
// queued ahead; otherwise it waits in FIFO order until granted, until the
// timeout elapses (a *TimeoutError) or until ctx is done. Expired holders
// are reaped before the grant check. A holder that already holds or awaits
// the resource gets ErrReentrantAcquire.
func (m *Manager) Acquire(ctx context.Context, req Request) (Handle, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "locks.Acquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("lock.resource", req.Resource),
		attribute.String("lock.holder", req.Holder),
		attribute.String("lock.type", req.Type.String()),
	)

	handle, err := m.acquire(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Handle{}, err
	}
	span.SetAttributes(attribute.String("lock.handle", handle.ID))
	return handle, nil
}

func (m *Manager) acquire(ctx context.Context, req Request) (Handle, error) {
	if req.Resource == "" {
		return Handle{}, errs.ErrResourceRequired
	}
	if req.Holder == "" {
		return Handle{}, errs.ErrHolderRequired
	}
	if !req.Type.valid() {
		return Handle{}, errs.ErrUnknownLockType
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.defaultTimeout
	}

	m.mu.Lock()
	now := m.clock.Now()
	e := m.entryLocked(req.Resource)
	if m.reapLocked(e, now) {
		// Queued waiters go first; the newcomer still lines up behind them.
		m.grantWaitersLocked(e, now)
		m.metrics.setWaiting(m.waitingLocked())
	}

	if e.involves(req.Holder) {
		m.mu.Unlock()
		return Handle{}, errs.ErrReentrantAcquire
	}
	if req.Type == Bounded && e.maxConcurrent == 0 {
		e.maxConcurrent = max(req.MaxConcurrent, 1)
	}

	if len(e.waiters) == 0 && e.grantable(req.Type) {
		h := m.grantLocked(e, req, ttl, now, now)
		m.mu.Unlock()
		return h, nil
	}

	if timeout < 0 {
		m.timedOut++
		m.dropIfIdleLocked(e)
		m.mu.Unlock()
		m.metrics.recordTimedOut(req.Type)
		return Handle{}, &TimeoutError{Resource: req.Resource, Holder: req.Holder}
	}

	w := &waiter{req: req, ttl: ttl, queuedAt: now, ready: make(chan Handle, 1)}
	e.waiters = append(e.waiters, w)
	m.metrics.setWaiting(m.waitingLocked())
	m.mu.Unlock()

	m.log.Debug("Lock contended, queued", logging.LogFields{
		"resource": req.Resource,
		"holder":   req.Holder,
		"type":     req.Type.String(),
	})

	select {
	case h := <-w.ready:
		return h, nil
	case <-m.clock.After(timeout):
		return m.abandon(e, w, &TimeoutError{Resource: req.Resource, Holder: req.Holder, Waited: timeout})
	case <-ctx.Done():
		return m.abandon(e, w, ctx.Err())
	}
}

// abandon removes an ungranted waiter. A waiter granted in the race with
// its timeout keeps the grant.
func (m *Manager) abandon(e *entry, w *waiter, cause error) (Handle, error) {
	m.mu.Lock()
	if w.granted {
		m.mu.Unlock()
		return <-w.ready, nil
	}

	for i, candidate := range e.waiters {
		if candidate == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	if _, ok := cause.(*TimeoutError); ok {
		m.timedOut++
	} else {
		m.canceled++
	}
	// The departed waiter may have been blocking compatible waiters behind it.
	m.grantWaitersLocked(e, m.clock.Now())
	m.dropIfIdleLocked(e)
	m.metrics.setWaiting(m.waitingLocked())
	m.mu.Unlock()

	if _, ok := cause.(*TimeoutError); ok {
		m.metrics.recordTimedOut(w.req.Type)
	}
	m.log.Debug("Lock wait abandoned", logging.LogFields{
		"resource": w.req.Resource,
		"holder":   w.req.Holder,
		"reason":   cause.Error(),
	})
	return Handle{}, cause
}

// Release drops holder's grant on resource and wakes queued waiters front to
// back, stopping at the first that still cannot be granted. It returns false
// when holder was not holding the resource.
func (m *Manager) Release(resource, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(resource, holder, "")
}

// ReleaseHandle releases the grant described by h. It returns false when h
// is no longer the holder's current grant, for example after TTL reaping.
func (m *Manager) ReleaseHandle(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(h.Resource, h.Holder, h.ID)
}

func (m *Manager) releaseLocked(resource, holder, handleID string) bool {
	e, ok := m.entries[resource]
	if !ok {
		return false
	}
	h, ok := e.holders[holder]
	if !ok || (handleID != "" && h.handle.ID != handleID) {
		return false
	}

	delete(e.holders, holder)
	h.timer.Stop()
	m.released++
	m.metrics.recordReleased(h.handle.Type)

	m.grantWaitersLocked(e, m.clock.Now())
	m.dropIfIdleLocked(e)
	m.metrics.setWaiting(m.waitingLocked())
	return true
}

// Holders returns the live grants on resource ordered by acquisition.
// Grants past their TTL are left out even if their timer has not fired yet.
func (m *Manager) Holders(resource string) []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[resource]
	if !ok {
		return nil
	}
	now := m.clock.Now()
	out := make([]Handle, 0, len(e.holders))
	for _, h := range e.holders {
		if h.handle.Expired(now) {
			continue
		}
		out = append(out, h.handle)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// Waiting returns the number of queued acquisitions on resource.
func (m *Manager) Waiting(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[resource]; ok {
		return len(e.waiters)
	}
	return 0
}

// Stats returns the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Acquired:  m.acquired,
		Released:  m.released,
		TimedOut:  m.timedOut,
		Canceled:  m.canceled,
		Reaped:    m.reaped,
		Resources: len(m.entries),
	}
	for _, e := range m.entries {
		s.Holders += len(e.holders)
		s.Waiting += len(e.waiters)
	}
	return s
}

func (m *Manager) entryLocked(resource string) *entry {
	e, ok := m.entries[resource]
	if !ok {
		e = &entry{resource: resource, holders: make(map[string]*held)}
		m.entries[resource] = e
	}
	return e
}

func (m *Manager) dropIfIdleLocked(e *entry) {
	if len(e.holders) == 0 && len(e.waiters) == 0 {
		if current, ok := m.entries[e.resource]; ok && current == e {
			delete(m.entries, e.resource)
		}
	}
}

func (m *Manager) waitingLocked() int {
	n := 0
	for _, e := range m.entries {
		n += len(e.waiters)
	}
	return n
}

func (m *Manager) grantLocked(e *entry, req Request, ttl time.Duration, queuedAt, now time.Time) Handle {
	h := Handle{
		ID:         ids.NewAt(now),
		Resource:   req.Resource,
		Type:       req.Type,
		Holder:     req.Holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	resource, holder, id := req.Resource, req.Holder, h.ID
	e.holders[req.Holder] = &held{
		handle: h,
		timer:  m.clock.AfterFunc(ttl, func() { m.expire(resource, holder, id) }),
	}
	m.acquired++
	m.metrics.recordAcquired(req.Type, now.Sub(queuedAt))
	return h
}

// grantWaitersLocked serves the queue head while it stays grantable.
func (m *Manager) grantWaitersLocked(e *entry, now time.Time) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		if !e.grantable(w.req.Type) {
			return
		}
		e.waiters = e.waiters[1:]
		h := m.grantLocked(e, w.req, w.ttl, w.queuedAt, now)
		w.granted = true
		w.ready <- h
	}
}

// reapLocked drops holders whose TTL has elapsed and reports whether any
// were dropped.
func (m *Manager) reapLocked(e *entry, now time.Time) bool {
	reaped := false
	for holder, h := range e.holders {
		if h.handle.Expired(now) {
			delete(e.holders, holder)
			h.timer.Stop()
			m.noteReapedLocked(h.handle)
			reaped = true
		}
	}
	return reaped
}

func (m *Manager) noteReapedLocked(h Handle) {
	m.reaped++
	m.metrics.recordReaped(h.Type)
	m.log.Info("Reaped expired lock holder", logging.LogFields{
		"resource": h.Resource,
		"holder":   h.Holder,
		"type":     h.Type.String(),
		"handle":   h.ID,
	})
}

// expire runs from the TTL timer so waiters are not stranded behind a
// holder that never releases.
func (m *Manager) expire(resource, holder, handleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[resource]
	if !ok {
		return
	}
	h, ok := e.holders[holder]
	if !ok || h.handle.ID != handleID {
		return
	}
	now := m.clock.Now()
	if !h.handle.Expired(now) {
		return
	}
	delete(e.holders, holder)
	m.noteReapedLocked(h.handle)
	m.grantWaitersLocked(e, now)
	m.dropIfIdleLocked(e)
	m.metrics.setWaiting(m.waitingLocked())
}

func (e *entry) involves(holder string) bool {
	if _, ok := e.holders[holder]; ok {
		return true
	}
	for _, w := range e.waiters {
		if w.req.Holder == holder {
			return true
		}
	}
	return false
}

func (e *entry) grantable(t Type) bool {
	exclusiveHeld := false
	for _, h := range e.holders {
		if h.handle.Type.exclusive() {
			exclusiveHeld = true
			break
		}
	}
	switch t {
	case Mutex, Writer:
		return len(e.holders) == 0
	case Reader:
		return !exclusiveHeld
	case Bounded:
		return !exclusiveHeld && len(e.holders) < max(e.maxConcurrent, 1)
	}
	return false
}

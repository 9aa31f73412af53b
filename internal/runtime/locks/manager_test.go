package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pentacore/internal/runtime/clock"
	errs "github.com/drblury/pentacore/internal/runtime/errors"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	m := NewManager(Options{
		DefaultTTL:     time.Minute,
		DefaultTimeout: 10 * time.Second,
		Clock:          fc,
	})
	return m, fc
}

type acquireResult struct {
	handle Handle
	err    error
}

func acquireAsync(m *Manager, req Request) <-chan acquireResult {
	out := make(chan acquireResult, 1)
	go func() {
		h, err := m.Acquire(context.Background(), req)
		out <- acquireResult{handle: h, err: err}
	}()
	return out
}

func waitQueued(t *testing.T, m *Manager, resource string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Waiting(resource) == n }, 2*time.Second, time.Millisecond)
}

func receive(t *testing.T, ch <-chan acquireResult) acquireResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("acquisition did not complete")
		return acquireResult{}
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	h, err := m.Acquire(context.Background(), Request{Resource: "db", Holder: "a", Type: Mutex})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, epoch, h.AcquiredAt)
	assert.Equal(t, epoch.Add(time.Minute), h.ExpiresAt)
	assert.Equal(t, []Handle{h}, m.Holders("db"))

	assert.True(t, m.Release("db", "a"))
	assert.False(t, m.Release("db", "a"), "second release is a no-op")
	assert.Empty(t, m.Holders("db"))

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Acquired)
	assert.Equal(t, uint64(1), stats.Released)
	assert.Equal(t, 0, stats.Resources)
}

func TestAcquireValidatesRequest(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Holder: "a"})
	assert.ErrorIs(t, err, errs.ErrResourceRequired)

	_, err = m.Acquire(ctx, Request{Resource: "r"})
	assert.ErrorIs(t, err, errs.ErrHolderRequired)

	_, err = m.Acquire(ctx, Request{Resource: "r", Holder: "a", Type: Type(42)})
	assert.ErrorIs(t, err, errs.ErrUnknownLockType)
}

func TestMutexWaitersAreServedFIFO(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Acquire(context.Background(), Request{Resource: "r", Holder: "owner", Type: Mutex})
	require.NoError(t, err)

	first := acquireAsync(m, Request{Resource: "r", Holder: "first", Type: Mutex})
	waitQueued(t, m, "r", 1)
	second := acquireAsync(m, Request{Resource: "r", Holder: "second", Type: Mutex})
	waitQueued(t, m, "r", 2)

	require.True(t, m.Release("r", "owner"))
	got := receive(t, first)
	require.NoError(t, got.err)
	assert.Equal(t, "first", got.handle.Holder)
	assert.Equal(t, 1, m.Waiting("r"))

	require.True(t, m.Release("r", "first"))
	got = receive(t, second)
	require.NoError(t, got.err)
	assert.Equal(t, "second", got.handle.Holder)
}

func TestReadersShareAndWriterExcludes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Resource: "doc", Holder: "r1", Type: Reader})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Resource: "doc", Holder: "r2", Type: Reader})
	require.NoError(t, err)
	assert.Len(t, m.Holders("doc"), 2)

	writer := acquireAsync(m, Request{Resource: "doc", Holder: "w", Type: Writer})
	waitQueued(t, m, "doc", 1)

	// A reader arriving behind a queued writer must wait its turn.
	reader := acquireAsync(m, Request{Resource: "doc", Holder: "r3", Type: Reader})
	waitQueued(t, m, "doc", 2)

	m.Release("doc", "r1")
	assert.Equal(t, 2, m.Waiting("doc"), "writer still blocked by r2")
	m.Release("doc", "r2")

	got := receive(t, writer)
	require.NoError(t, got.err)
	assert.Equal(t, Writer, got.handle.Type)

	m.Release("doc", "w")
	got = receive(t, reader)
	require.NoError(t, got.err)
	assert.Equal(t, "r3", got.handle.Holder)
}

func TestBoundedAdmitsUpToMaxConcurrent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, holder := range []string{"a", "b"} {
		_, err := m.Acquire(ctx, Request{Resource: "pool", Holder: holder, Type: Bounded, MaxConcurrent: 2})
		require.NoError(t, err)
	}

	// Later requests cannot widen the bound fixed by the first one.
	_, err := m.Acquire(ctx, Request{Resource: "pool", Holder: "c", Type: Bounded, MaxConcurrent: 5, Timeout: -1})
	require.ErrorIs(t, err, errs.ErrLockTimeout)

	m.Release("pool", "a")
	_, err = m.Acquire(ctx, Request{Resource: "pool", Holder: "c", Type: Bounded, Timeout: -1})
	require.NoError(t, err)
	assert.Len(t, m.Holders("pool"), 2)
}

func TestBoundedZeroMeansOne(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Resource: "one", Holder: "a", Type: Bounded})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Resource: "one", Holder: "b", Type: Bounded, Timeout: -1})
	assert.ErrorIs(t, err, errs.ErrLockTimeout)
}

func TestAcquireTimesOut(t *testing.T) {
	m, fc := newTestManager(t)
	_, err := m.Acquire(context.Background(), Request{Resource: "r", Holder: "owner", Type: Mutex})
	require.NoError(t, err)

	pending := acquireAsync(m, Request{Resource: "r", Holder: "late", Type: Mutex, Timeout: 5 * time.Second})
	waitQueued(t, m, "r", 1)
	// One TTL timer for owner plus the waiter's timeout.
	fc.WaitForTimers(2)
	fc.Advance(5 * time.Second)

	got := receive(t, pending)
	require.Error(t, got.err)
	assert.ErrorIs(t, got.err, errs.ErrLockTimeout)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(got.err, &timeoutErr))
	assert.Equal(t, "late", timeoutErr.Holder)
	assert.Equal(t, 5*time.Second, timeoutErr.Waited)

	assert.Equal(t, 0, m.Waiting("r"))
	assert.Equal(t, uint64(1), m.Stats().TimedOut)
}

func TestNegativeTimeoutFailsImmediately(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Acquire(ctx, Request{Resource: "r", Holder: "a", Type: Writer})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, Request{Resource: "r", Holder: "b", Type: Reader, Timeout: -1})
	assert.ErrorIs(t, err, errs.ErrLockTimeout)
	assert.Equal(t, 0, m.Waiting("r"))
}

func TestAcquireHonoursContextCancellation(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Acquire(context.Background(), Request{Resource: "r", Holder: "owner", Type: Mutex})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, Request{Resource: "r", Holder: "waiter", Type: Mutex})
		out <- err
	}()
	waitQueued(t, m, "r", 1)
	cancel()

	select {
	case err := <-out:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not release the waiter")
	}
	assert.Equal(t, 0, m.Waiting("r"))
	assert.Equal(t, uint64(1), m.Stats().Canceled)
}

func TestAbandonedWaiterUnblocksCompatibleWaiters(t *testing.T) {
	m, _ := newTestManager(t)
	bg := context.Background()
	_, err := m.Acquire(bg, Request{Resource: "doc", Holder: "r1", Type: Reader})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	writerDone := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, Request{Resource: "doc", Holder: "w", Type: Writer})
		writerDone <- err
	}()
	waitQueued(t, m, "doc", 1)

	reader := acquireAsync(m, Request{Resource: "doc", Holder: "r2", Type: Reader})
	waitQueued(t, m, "doc", 2)

	cancel()
	require.ErrorIs(t, <-writerDone, context.Canceled)

	got := receive(t, reader)
	require.NoError(t, got.err)
	assert.Len(t, m.Holders("doc"), 2)
}

func TestReentrantAcquireRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Acquire(ctx, Request{Resource: "r", Holder: "a", Type: Reader})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, Request{Resource: "r", Holder: "a", Type: Reader})
	assert.ErrorIs(t, err, errs.ErrReentrantAcquire)

	// The same holder may lock a different resource.
	_, err = m.Acquire(ctx, Request{Resource: "other", Holder: "a", Type: Mutex})
	assert.NoError(t, err)
}

func TestExpiredHolderIsReapedByTimer(t *testing.T) {
	m, fc := newTestManager(t)
	_, err := m.Acquire(context.Background(), Request{Resource: "r", Holder: "stale", Type: Mutex, TTL: 3 * time.Second})
	require.NoError(t, err)

	next := acquireAsync(m, Request{Resource: "r", Holder: "next", Type: Mutex, Timeout: time.Minute})
	waitQueued(t, m, "r", 1)
	fc.WaitForTimers(2)
	fc.Advance(3 * time.Second)

	got := receive(t, next)
	require.NoError(t, got.err)
	assert.Equal(t, "next", got.handle.Holder)
	assert.Equal(t, epoch.Add(3*time.Second), got.handle.AcquiredAt)
	assert.False(t, m.Release("r", "stale"))
	assert.Equal(t, uint64(1), m.Stats().Reaped)
}

// lateTimers reads time from a FakeClock but never fires TTL callbacks,
// the way a loaded scheduler can run them well after their deadline.
type lateTimers struct {
	*clock.FakeClock
}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func (lateTimers) AfterFunc(time.Duration, func()) clock.Timer { return idleTimer{} }

func newLateTimerManager(t *testing.T) (*Manager, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	m := NewManager(Options{
		DefaultTTL:     time.Minute,
		DefaultTimeout: 10 * time.Second,
		Clock:          lateTimers{FakeClock: fc},
	})
	return m, fc
}

func TestAcquireReapingServesQueuedWaitersFirst(t *testing.T) {
	m, fc := newLateTimerManager(t)
	_, err := m.Acquire(context.Background(), Request{Resource: "r", Holder: "a", Type: Mutex, TTL: time.Second})
	require.NoError(t, err)

	queued := acquireAsync(m, Request{Resource: "r", Holder: "b", Type: Mutex, Timeout: time.Minute})
	waitQueued(t, m, "r", 1)
	fc.Advance(2 * time.Second)

	late := acquireAsync(m, Request{Resource: "r", Holder: "c", Type: Mutex, Timeout: time.Minute})

	got := receive(t, queued)
	require.NoError(t, got.err)
	assert.Equal(t, "b", got.handle.Holder)
	waitQueued(t, m, "r", 1)

	holders := m.Holders("r")
	require.Len(t, holders, 1)
	assert.Equal(t, "b", holders[0].Holder)
	assert.Equal(t, uint64(1), m.Stats().Reaped)

	require.True(t, m.Release("r", "b"))
	got = receive(t, late)
	require.NoError(t, got.err)
	assert.Equal(t, "c", got.handle.Holder)
}

func TestHoldersOmitsExpiredGrants(t *testing.T) {
	m, fc := newLateTimerManager(t)
	ctx := context.Background()
	_, err := m.Acquire(ctx, Request{Resource: "r", Holder: "short", Type: Reader, TTL: time.Second})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Resource: "r", Holder: "long", Type: Reader, TTL: time.Hour})
	require.NoError(t, err)
	require.Len(t, m.Holders("r"), 2)

	fc.Advance(time.Second)

	holders := m.Holders("r")
	require.Len(t, holders, 1)
	assert.Equal(t, "long", holders[0].Holder)
}

func TestReleaseHandleIgnoresStaleHandles(t *testing.T) {
	m, fc := newTestManager(t)
	ctx := context.Background()
	old, err := m.Acquire(ctx, Request{Resource: "r", Holder: "a", Type: Mutex, TTL: time.Second})
	require.NoError(t, err)

	fc.Advance(time.Second)
	fresh, err := m.Acquire(ctx, Request{Resource: "r", Holder: "a", Type: Mutex})
	require.NoError(t, err)
	require.NotEqual(t, old.ID, fresh.ID)

	assert.False(t, m.ReleaseHandle(old))
	assert.True(t, m.ReleaseHandle(fresh))
}

func TestWithLockReleasesAfterCallback(t *testing.T) {
	m, _ := newTestManager(t)
	req := Request{Resource: "job", Holder: "worker", Type: Mutex}

	sentinel := errors.New("boom")
	err := WithLock(context.Background(), m, req, func(_ context.Context, h Handle) error {
		assert.Len(t, m.Holders("job"), 1)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Empty(t, m.Holders("job"))
}

func TestConcurrentMutexNeverOverlaps(t *testing.T) {
	m := NewManager(Options{DefaultTimeout: 5 * time.Second})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := Request{Resource: "shared", Holder: string(rune('a' + i)), Type: Mutex}
			err := WithLock(context.Background(), m, req, func(context.Context, Handle) error {
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, uint64(8), m.Stats().Released)
}

func TestMetricsRecordLockActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	require.NoError(t, metrics.Register())
	require.NoError(t, metrics.Register(), "Register is idempotent")

	m := NewManager(Options{Clock: clock.Fake(epoch), Metrics: metrics})
	ctx := context.Background()
	_, err := m.Acquire(ctx, Request{Resource: "r", Holder: "a", Type: Mutex})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Resource: "r", Holder: "b", Type: Mutex, Timeout: -1})
	require.Error(t, err)
	m.Release("r", "a")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.acquiredTotal.WithLabelValues("mutex")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.releasedTotal.WithLabelValues("mutex")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.timedOutTotal.WithLabelValues("mutex")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.waiting))
}

func TestParseType(t *testing.T) {
	for name, want := range map[string]Type{"mutex": Mutex, "READ": Reader, "writer": Writer, "semaphore": Bounded} {
		got, err := ParseType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}
	_, err := ParseType("spinlock")
	assert.ErrorIs(t, err, errs.ErrUnknownLockType)
	assert.Equal(t, "type(9)", Type(9).String())
}

package conduit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pentacore/internal/runtime/clock"
	"github.com/drblury/pentacore/internal/runtime/config"
	errs "github.com/drblury/pentacore/internal/runtime/errors"
)

var (
	epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ab    = Route{From: "a", To: "b", Topic: "topic"}
)

func newTestConduit(t *testing.T, opts Options) (*Conduit, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	opts.Clock = fc
	return New(opts), fc
}

type recordingSink struct {
	forwarded []DeadLetter
	err       error
}

func (s *recordingSink) Forward(_ context.Context, dl DeadLetter) error {
	s.forwarded = append(s.forwarded, dl)
	return s.err
}

func TestRegisterSendScenario(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()

	var got []any
	require.NoError(t, c.Register(ctx, ab, func(_ context.Context, env Envelope) error {
		got = append(got, env.Payload)
		return nil
	}, -1))

	env, err := c.Send(ctx, ab, map[string]int{"x": 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]int{"x": 1}}, got)
	assert.Equal(t, 1, env.Attempt)
	assert.Empty(t, env.ParentHash)
	assert.Equal(t, config.DefaultConduitTTL, env.TTL)

	stats, ok := c.RouteStats(ab)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, 0, stats.Queued)
	assert.True(t, stats.HasHandler)
	assert.Equal(t, env.ContentHash, stats.LastHash)
}

func TestDeliveryIsFIFOAndChained(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()

	var delivered []Envelope
	require.NoError(t, c.Register(ctx, ab, func(_ context.Context, env Envelope) error {
		delivered = append(delivered, env)
		return nil
	}, -1))

	var sent []Envelope
	for i := 0; i < 10; i++ {
		env, err := c.Send(ctx, ab, fmt.Sprintf("msg-%d", i), time.Minute)
		require.NoError(t, err)
		sent = append(sent, env)
	}

	require.Len(t, delivered, 10)
	for i := range sent {
		assert.Equal(t, sent[i].ID, delivered[i].ID)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), delivered[i].Payload)
	}
	require.NoError(t, VerifyChain(delivered...))
	for i := 1; i < len(delivered); i++ {
		assert.Equal(t, delivered[i-1].ContentHash, delivered[i].ParentHash)
	}
}

func TestVerifyChainDetectsTamperingAndReordering(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()

	var envs []Envelope
	for i := 0; i < 3; i++ {
		env, err := c.Send(ctx, ab, []byte{byte(i)}, time.Minute)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	require.NoError(t, VerifyChain(envs...))

	tampered := append([]Envelope(nil), envs...)
	tampered[1].Payload = []byte{9}
	assert.ErrorIs(t, VerifyChain(tampered...), errs.ErrChainBroken)

	reordered := []Envelope{envs[0], envs[2], envs[1]}
	assert.ErrorIs(t, VerifyChain(reordered...), errs.ErrChainBroken)

	skipped := []Envelope{envs[0], envs[2]}
	assert.ErrorIs(t, VerifyChain(skipped...), errs.ErrChainBroken)
}

func TestChainsAreIndependentPerRoute(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()
	other := Route{From: "a", To: "c", Topic: "topic"}

	first, err := c.Send(ctx, ab, "one", 0)
	require.NoError(t, err)
	onOther, err := c.Send(ctx, other, "one", 0)
	require.NoError(t, err)

	assert.Empty(t, onOther.ParentHash)
	assert.NotEqual(t, first.ContentHash, onOther.ContentHash)
}

func TestZeroDepthDeadLettersEverySend(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestConduit(t, Options{Sink: sink})
	ctx := context.Background()

	calls := 0
	require.NoError(t, c.Register(ctx, ab, func(context.Context, Envelope) error {
		calls++
		return nil
	}, 0))

	for i := 1; i <= 3; i++ {
		env, err := c.Send(ctx, ab, i, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, env.ID)

		dead := c.DeadLetters()
		require.Len(t, dead, i)
		assert.Equal(t, ReasonBackPressure, dead[i-1].Reason)
		assert.Equal(t, env.ID, dead[i-1].Envelope.ID)
	}
	assert.Zero(t, calls)
	assert.Len(t, sink.forwarded, 3)

	stats, _ := c.RouteStats(ab)
	assert.Equal(t, uint64(3), stats.Dropped)
	assert.Equal(t, 0, stats.Queued)
}

func TestQueueWithoutHandlerHitsBackPressure(t *testing.T) {
	c, _ := newTestConduit(t, Options{MaxDepth: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Send(ctx, ab, i, 0)
		require.NoError(t, err)
	}

	stats, _ := c.RouteStats(ab)
	assert.Equal(t, 2, stats.Queued)
	assert.False(t, stats.HasHandler)
	require.Len(t, c.DeadLetters(), 1)
	assert.Equal(t, 2, c.DeadLetters()[0].Envelope.Payload)
}

func TestRegisterDrainsQueuedEnvelopes(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Send(ctx, ab, i, 0)
		require.NoError(t, err)
	}

	var got []any
	require.NoError(t, c.Register(ctx, ab, func(_ context.Context, env Envelope) error {
		got = append(got, env.Payload)
		return nil
	}, -1))

	assert.Equal(t, []any{0, 1, 2}, got)
	stats, _ := c.RouteStats(ab)
	assert.Equal(t, uint64(3), stats.Delivered)
	assert.Equal(t, 0, stats.Queued)
}

func TestExpiredEnvelopesSkipTheHandler(t *testing.T) {
	c, fc := newTestConduit(t, Options{})
	ctx := context.Background()

	_, err := c.Send(ctx, ab, "stale", time.Second)
	require.NoError(t, err)
	_, err = c.Send(ctx, ab, "fresh", time.Hour)
	require.NoError(t, err)

	fc.Advance(2 * time.Second)

	var got []any
	require.NoError(t, c.Register(ctx, ab, func(_ context.Context, env Envelope) error {
		got = append(got, env.Payload)
		return nil
	}, -1))

	assert.Equal(t, []any{"fresh"}, got)
	dead := c.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonTTLExpired, dead[0].Reason)
	assert.Equal(t, epoch.Add(2*time.Second), dead[0].DiedAt)

	stats, _ := c.RouteStats(ab)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestHandlerFailureDoesNotAbortDraining(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()

	for _, p := range []string{"ok-1", "fail", "panic", "ok-2"} {
		_, err := c.Send(ctx, ab, p, 0)
		require.NoError(t, err)
	}

	var got []string
	require.NoError(t, c.Register(ctx, ab, func(_ context.Context, env Envelope) error {
		switch env.Payload {
		case "fail":
			return errors.New("boom")
		case "panic":
			panic("kaboom")
		}
		got = append(got, env.Payload.(string))
		return nil
	}, -1))

	assert.Equal(t, []string{"ok-1", "ok-2"}, got)
	dead := c.DeadLetters()
	require.Len(t, dead, 2)
	assert.Equal(t, "boom", dead[0].Reason)
	assert.Equal(t, "handler panic: kaboom", dead[1].Reason)

	stats, _ := c.RouteStats(ab)
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(2), stats.Dropped)
}

func TestReentrantSendIsDeliveredInOrder(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()

	var got []any
	require.NoError(t, c.Register(ctx, ab, func(ctx context.Context, env Envelope) error {
		got = append(got, env.Payload)
		if env.Payload == "first" {
			_, err := c.Send(ctx, ab, "follow-up", 0)
			return err
		}
		return nil
	}, -1))

	_, err := c.Send(ctx, ab, "first", 0)
	require.NoError(t, err)
	_, err = c.Send(ctx, ab, "second", 0)
	require.NoError(t, err)

	assert.Equal(t, []any{"first", "follow-up", "second"}, got)
}

func TestBroadcastFansOutToRegisteredRoutes(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()

	counts := map[string]int{}
	handler := func(_ context.Context, env Envelope) error {
		counts[env.To]++
		return nil
	}
	for _, to := range []string{"b", "c"} {
		require.NoError(t, c.Register(ctx, Route{From: "a", To: to, Topic: "news"}, handler, -1))
	}
	require.NoError(t, c.Register(ctx, Route{From: "a", To: "d", Topic: "other"}, handler, -1))
	// Unregistered route on the same topic receives nothing.
	_, err := c.Send(ctx, Route{From: "a", To: "e", Topic: "news"}, "queued", 0)
	require.NoError(t, err)

	envs, err := c.Broadcast(ctx, "a", "news", "hello", 0)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "b", envs[0].To)
	assert.Equal(t, "c", envs[1].To)
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, counts)

	_, err = c.Broadcast(ctx, "a", "", "hello", 0)
	assert.ErrorIs(t, err, errs.ErrTopicRequired)
}

func TestReplayResendsWithNextAttempt(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()

	fail := true
	var attempts []int
	require.NoError(t, c.Register(ctx, ab, func(_ context.Context, env Envelope) error {
		attempts = append(attempts, env.Attempt)
		if fail {
			return errors.New("not yet")
		}
		return nil
	}, -1))

	original, err := c.Send(ctx, ab, "job", 0)
	require.NoError(t, err)
	require.Len(t, c.DeadLetters(), 1)

	fail = false
	replayed, err := c.Replay(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed.Attempt)
	assert.Equal(t, original.ContentHash, replayed.ParentHash)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Empty(t, c.DeadLetters())

	_, err = c.Replay(ctx, original.ID)
	assert.ErrorIs(t, err, errs.ErrDeadLetterMissing)
}

func TestDeadLetterRingEvictsOldest(t *testing.T) {
	c, _ := newTestConduit(t, Options{DeadLetterCapacity: 2})
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, ab, func(context.Context, Envelope) error { return nil }, 0))

	for i := 0; i < 3; i++ {
		_, err := c.Send(ctx, ab, i, 0)
		require.NoError(t, err)
	}
	dead := c.DeadLetters()
	require.Len(t, dead, 2)
	assert.Equal(t, 1, dead[0].Envelope.Payload)
	assert.Equal(t, 2, dead[1].Envelope.Payload)

	stats, _ := c.RouteStats(ab)
	assert.Equal(t, uint64(3), stats.Dropped, "dropped counts every dead letter")

	assert.Equal(t, 2, c.PurgeDeadLetters())
	assert.Empty(t, c.DeadLetters())
}

func TestSinkErrorsAreAbsorbed(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	c, _ := newTestConduit(t, Options{Sink: sink})
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, ab, func(context.Context, Envelope) error { return errors.New("x") }, -1))

	_, err := c.Send(ctx, ab, "payload", 0)
	require.NoError(t, err)
	assert.Len(t, sink.forwarded, 1)
	assert.Len(t, c.DeadLetters(), 1)
}

func TestInvalidInput(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()

	_, err := c.Send(ctx, Route{From: "a", Topic: "t"}, "x", 0)
	assert.ErrorIs(t, err, errs.ErrRouteRequired)

	assert.ErrorIs(t, c.Register(ctx, ab, nil, -1), errs.ErrHandlerRequired)

	_, err = c.Send(ctx, ab, make(chan int), 0)
	assert.ErrorIs(t, err, errs.ErrPayloadEncoding)
	_, ok := c.RouteStats(ab)
	assert.True(t, ok)
	assert.Empty(t, c.DeadLetters())
}

func TestHooksObserveDelivery(t *testing.T) {
	var events []string
	hooks := Hooks{
		OnDeliver: func(ctx DeliveryContext) { events = append(events, "deliver:"+ctx.Route.String()) },
	}.Merge(Hooks{
		OnDelivered: func(DeliveryContext) { events = append(events, "delivered") },
		OnFailed:    func(_ DeliveryContext, err error) { events = append(events, "failed:"+err.Error()) },
	})

	c, _ := newTestConduit(t, Options{Hooks: hooks})
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, ab, func(_ context.Context, env Envelope) error {
		if env.Payload == "bad" {
			return errors.New("rejected")
		}
		return nil
	}, -1))

	_, _ = c.Send(ctx, ab, "good", 0)
	_, _ = c.Send(ctx, ab, "bad", 0)

	assert.Equal(t, []string{
		"deliver:a->b/topic", "delivered",
		"deliver:a->b/topic", "failed:rejected",
	}, events)
}

func TestMetricsHooksForwardRoutes(t *testing.T) {
	var started, done, failed []Route
	hooks := MetricsHooks(
		func(r Route) { started = append(started, r) },
		func(r Route) { done = append(done, r) },
		func(r Route) { failed = append(failed, r) },
	)
	hooks.OnDeliver(DeliveryContext{Route: ab})
	hooks.OnDelivered(DeliveryContext{Route: ab})
	hooks.OnFailed(DeliveryContext{Route: ab}, errors.New("x"))

	assert.Equal(t, []Route{ab}, started)
	assert.Equal(t, []Route{ab}, done)
	assert.Equal(t, []Route{ab}, failed)
}

func TestMetricsRecordTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	require.NoError(t, metrics.Register())
	require.NoError(t, metrics.Register())

	c, _ := newTestConduit(t, Options{Metrics: metrics})
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, ab, func(_ context.Context, env Envelope) error {
		if env.Payload == "bad" {
			return errors.New("no")
		}
		return nil
	}, -1))

	_, _ = c.Send(ctx, ab, "good", 0)
	_, _ = c.Send(ctx, ab, "bad", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.sentTotal.WithLabelValues("topic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deliveredTotal.WithLabelValues("topic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deadLettersTotal.WithLabelValues("topic", "handler-error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deadLettersCurrent))

	c.PurgeDeadLetters()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.purgedTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.deadLettersCurrent))
}

func TestStatsListsRoutesInCreationOrder(t *testing.T) {
	c, _ := newTestConduit(t, Options{})
	ctx := context.Background()
	second := Route{From: "x", To: "y", Topic: "z"}

	_, _ = c.Send(ctx, ab, 1, 0)
	_, _ = c.Send(ctx, second, 1, 0)

	stats := c.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, ab, stats[0].Route)
	assert.Equal(t, second, stats[1].Route)
	assert.Equal(t, config.DefaultConduitMaxDepth, stats[1].MaxDepth)
}

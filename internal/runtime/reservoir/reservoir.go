// Package reservoir implements the three-tier state store: a bounded hot LRU
// in memory, a warm store holding the latest record per key and a cold
// append-only ledger holding every version ever written. Writes go through
// all tiers; reads stop at the first tier with a live value and backfill the
// faster tiers.
package reservoir

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/drblury/pentacore/internal/runtime/clock"
	"github.com/drblury/pentacore/internal/runtime/config"
	"github.com/drblury/pentacore/internal/runtime/digest"
	errs "github.com/drblury/pentacore/internal/runtime/errors"
	"github.com/drblury/pentacore/internal/runtime/logging"
	"github.com/drblury/pentacore/storage"
)

const tracerName = "github.com/drblury/pentacore/reservoir"

// Options configures a Reservoir. Zero values select library defaults.
type Options struct {
	// Name labels metrics and logs. It should match the reservoir name the
	// storage backend was built with.
	Name        string
	HotCapacity int
	Clock       clock.Clock
	Logger      logging.ServiceLogger
	Metrics     *Metrics
}

// Stats reports per-tier lookup counters.
type Stats struct {
	HotHits     uint64 `json:"hot_hits"`
	HotMisses   uint64 `json:"hot_misses"`
	WarmHits    uint64 `json:"warm_hits"`
	WarmMisses  uint64 `json:"warm_misses"`
	ColdHits    uint64 `json:"cold_hits"`
	ColdMisses  uint64 `json:"cold_misses"`
	Puts        uint64 `json:"puts"`
	Evictions   uint64 `json:"evictions"`
	ColdScans   uint64 `json:"cold_scans"`
	HotEntries  int    `json:"hot_entries"`
	HotCapacity int    `json:"hot_capacity"`
}

type counters struct {
	hotHits, hotMisses   atomic.Uint64
	warmHits, warmMisses atomic.Uint64
	coldHits, coldMisses atomic.Uint64
	puts, evictions      atomic.Uint64
	coldScans            atomic.Uint64
}

// Reservoir stores values of type V. Values must survive a JSON round trip
// because the warm and cold tiers persist them with the JSON codec. It is
// safe for concurrent use, but it does not serialise read-modify-write
// sequences across callers; wrap those in a lock.
type Reservoir[V any] struct {
	name     string
	capacity int
	warm     storage.WarmStore
	cold     storage.ColdLedger
	clock    clock.Clock
	log      logging.ServiceLogger
	metrics  *Metrics

	mu  sync.Mutex
	hot *hotCache[V]

	// writeMu orders version assignment so concurrent puts on one key never
	// reuse a version.
	writeMu sync.Mutex
	scans   singleflight.Group
	stats   counters
}

// New creates a Reservoir over the warm and cold surfaces of backend.
func New[V any](backend storage.Backend, opts Options) (*Reservoir[V], error) {
	if backend.Warm == nil {
		return nil, errs.ErrWarmStoreNeeded
	}
	if backend.Cold == nil {
		return nil, errs.ErrColdLedgerNeeded
	}
	if opts.Name == "" {
		opts.Name = config.DefaultReservoirName
	}
	if opts.HotCapacity <= 0 {
		opts.HotCapacity = config.DefaultHotCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	return &Reservoir[V]{
		name:     opts.Name,
		capacity: opts.HotCapacity,
		warm:     backend.Warm,
		cold:     backend.Cold,
		clock:    opts.Clock,
		log:      logging.Component(opts.Logger, "reservoir").With(logging.LogFields{"reservoir": opts.Name}),
		metrics:  opts.Metrics,
		hot:      newHotCache[V](opts.HotCapacity),
	}, nil
}

// Put writes a new version of key to every tier. The version continues from
// the hot tier when it holds the key (expired or not), else from the warm
// tier, else starts at 1. A ttl <= 0 never expires. Warm and cold failures
// are both attempted and returned joined; the entry is only returned when
// every tier accepted it.
func (r *Reservoir[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) (Entry[V], error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reservoir.Put")
	defer span.End()
	span.SetAttributes(
		attribute.String("reservoir.name", r.name),
		attribute.String("reservoir.key", key),
	)

	entry, err := r.put(ctx, key, value, ttl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry[V]{}, err
	}
	span.SetAttributes(attribute.Int64("reservoir.version", int64(entry.Version)))
	return entry, nil
}

func (r *Reservoir[V]) put(ctx context.Context, key string, value V, ttl time.Duration) (Entry[V], error) {
	if key == "" {
		return Entry[V]{}, errs.ErrKeyRequired
	}
	hash, err := digest.Sum(digest.EntryDomain, key, value)
	if err != nil {
		return Entry[V]{}, err
	}
	if ttl < 0 {
		ttl = 0
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	entry := Entry[V]{
		Key:         key,
		Value:       value,
		ContentHash: hash,
		StoredAt:    r.clock.Now(),
		Tier:        TierHot,
		TTL:         ttl,
		Version:     r.previousVersion(ctx, key) + 1,
	}
	data, err := encodeRecord(entry)
	if err != nil {
		return Entry[V]{}, err
	}

	r.mu.Lock()
	prev, hadPrev := r.hot.peek(key)
	r.mu.Unlock()
	r.promoteHot(entry)

	var failures []error
	if err := r.warm.Write(ctx, key, data); err != nil {
		r.metrics.recordPutError(r.name, TierWarm)
		failures = append(failures, fmt.Errorf("warm write: %w", err))
	}
	if err := r.cold.Append(ctx, data); err != nil {
		r.metrics.recordPutError(r.name, TierCold)
		failures = append(failures, fmt.Errorf("cold append: %w", err))
		// The version never reached the ledger, so hot must not serve it.
		r.restoreHot(key, prev, hadPrev)
	}
	if len(failures) > 0 {
		err := fmt.Errorf("reservoir put %q version %d: %w", key, entry.Version, errors.Join(failures...))
		r.log.Error("Durable tier write failed", err, logging.LogFields{
			"key":     key,
			"version": entry.Version,
		})
		return Entry[V]{}, err
	}

	r.stats.puts.Add(1)
	r.metrics.recordPut(r.name)
	r.log.Trace("Entry written", logging.LogFields{
		"key":     key,
		"version": entry.Version,
		"hash":    hash,
	})
	return entry, nil
}

// previousVersion ignores TTL: an expired entry still owns its version.
func (r *Reservoir[V]) previousVersion(ctx context.Context, key string) uint64 {
	r.mu.Lock()
	e, ok := r.hot.peek(key)
	r.mu.Unlock()
	if ok {
		return e.Version
	}

	v, _ := r.warmVersion(ctx, key)
	return v
}

// Get returns the live value for key, falling back from hot to warm to a
// full cold scan and promoting whatever it finds into the faster tiers.
func (r *Reservoir[V]) Get(ctx context.Context, key string) (V, bool) {
	e, ok := r.lookup(ctx, key, true)
	return e.Value, ok
}

// GetEntry is Get without the cold fallback, returning the entry metadata
// and the tier that served it.
func (r *Reservoir[V]) GetEntry(ctx context.Context, key string) (Entry[V], bool) {
	return r.lookup(ctx, key, false)
}

func (r *Reservoir[V]) lookup(ctx context.Context, key string, withCold bool) (Entry[V], bool) {
	var zero Entry[V]
	if key == "" {
		return zero, false
	}
	now := r.clock.Now()

	if e, ok := r.fromHot(key, now); ok {
		return e, true
	}
	if e, ok := r.fromWarm(ctx, key, now); ok {
		r.backfill(ctx, e, false)
		return e, true
	}
	if !withCold {
		return zero, false
	}

	e, ok := r.fromCold(ctx, key, now)
	if !ok {
		return zero, false
	}
	r.backfill(ctx, e, true)
	return e, true
}

// backfill copies an entry found in a slower tier into the faster ones. It
// holds writeMu and leaves any tier already holding a newer version alone.
func (r *Reservoir[V]) backfill(ctx context.Context, e Entry[V], toWarm bool) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	warmVersion, warmOK := r.warmVersion(ctx, e.Key)
	if warmOK && warmVersion > e.Version {
		return
	}
	if toWarm && (!warmOK || warmVersion < e.Version) {
		if data, err := encodeRecord(e); err == nil {
			if err := r.warm.Write(ctx, e.Key, data); err != nil {
				r.log.Error("Failed to backfill warm tier", err, logging.LogFields{"key": e.Key})
			}
		}
	}

	r.mu.Lock()
	current, ok := r.hot.peek(e.Key)
	var evicted []string
	promoted := !ok || current.Version < e.Version
	if promoted {
		evicted = r.hot.put(e)
	}
	size := r.hot.len()
	r.mu.Unlock()

	if promoted {
		r.noteEvictions(evicted, size)
	}
}

func (r *Reservoir[V]) warmVersion(ctx context.Context, key string) (uint64, bool) {
	data, ok, err := r.warm.Read(ctx, key)
	if err != nil || !ok {
		return 0, false
	}
	h, err := decodeHeader(data)
	if err != nil {
		return 0, false
	}
	return h.Version, true
}

func (r *Reservoir[V]) restoreHot(key string, prev Entry[V], hadPrev bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hadPrev {
		r.hot.put(prev)
		return
	}
	r.hot.remove(key)
}

func (r *Reservoir[V]) fromHot(key string, now time.Time) (Entry[V], bool) {
	r.mu.Lock()
	e, ok := r.hot.get(key)
	r.mu.Unlock()

	if !ok || e.Expired(now) {
		r.stats.hotMisses.Add(1)
		r.metrics.recordMiss(r.name, TierHot)
		return Entry[V]{}, false
	}
	r.stats.hotHits.Add(1)
	r.metrics.recordHit(r.name, TierHot)
	return e, true
}

func (r *Reservoir[V]) fromWarm(ctx context.Context, key string, now time.Time) (Entry[V], bool) {
	e, err := r.readWarm(ctx, key)
	if err == nil && !e.Expired(now) {
		r.stats.warmHits.Add(1)
		r.metrics.recordHit(r.name, TierWarm)
		return e, true
	}
	if err != nil && !errors.Is(err, errMiss) {
		r.log.Error("Warm read failed, treating as miss", err, logging.LogFields{"key": key})
	}
	r.stats.warmMisses.Add(1)
	r.metrics.recordMiss(r.name, TierWarm)
	return Entry[V]{}, false
}

var errMiss = errors.New("miss")

func (r *Reservoir[V]) readWarm(ctx context.Context, key string) (Entry[V], error) {
	data, ok, err := r.warm.Read(ctx, key)
	if err != nil {
		return Entry[V]{}, err
	}
	if !ok {
		return Entry[V]{}, errMiss
	}
	return decodeRecord[V](data, TierWarm)
}

func (r *Reservoir[V]) fromCold(ctx context.Context, key string, now time.Time) (Entry[V], bool) {
	// Concurrent misses on one key share a single ledger scan.
	v, err, _ := r.scans.Do(key, func() (any, error) {
		return r.latestCold(ctx, key)
	})
	if err != nil && !errors.Is(err, errMiss) {
		r.log.Error("Cold scan failed, treating as miss", err, logging.LogFields{"key": key})
	}
	if err != nil || v.(Entry[V]).Expired(now) {
		r.stats.coldMisses.Add(1)
		r.metrics.recordMiss(r.name, TierCold)
		return Entry[V]{}, false
	}
	r.stats.coldHits.Add(1)
	r.metrics.recordHit(r.name, TierCold)
	return v.(Entry[V]), true
}

// latestCold scans the ledger for the highest version of key. Equal
// versions resolve to the later record.
func (r *Reservoir[V]) latestCold(ctx context.Context, key string) (Entry[V], error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reservoir.ColdScan")
	defer span.End()
	span.SetAttributes(
		attribute.String("reservoir.name", r.name),
		attribute.String("reservoir.key", key),
	)

	started := time.Now()
	defer func() {
		r.stats.coldScans.Add(1)
		r.metrics.observeColdScan(r.name, time.Since(started))
	}()

	var (
		best  []byte
		bestV uint64
		found bool
	)
	err := r.cold.Scan(ctx, func(data []byte) error {
		h, err := decodeHeader(data)
		if err != nil {
			return err
		}
		if h.Key == key && (!found || h.Version >= bestV) {
			best, bestV, found = data, h.Version, true
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry[V]{}, err
	}
	if !found {
		return Entry[V]{}, errMiss
	}
	span.SetAttributes(attribute.Int64("reservoir.version", int64(bestV)))
	return decodeRecord[V](best, TierCold)
}

// History returns every version of key in append order, read from the cold
// ledger. An unknown key yields an empty slice.
func (r *Reservoir[V]) History(ctx context.Context, key string) ([]Entry[V], error) {
	if key == "" {
		return nil, errs.ErrKeyRequired
	}
	var out []Entry[V]
	err := r.cold.Scan(ctx, func(data []byte) error {
		h, err := decodeHeader(data)
		if err != nil {
			return err
		}
		if h.Key != key {
			return nil
		}
		e, err := decodeRecord[V](data, TierCold)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reservoir history %q: %w", key, err)
	}
	return out, nil
}

// Evict drops key from the hot tier only. Warm and cold copies are kept.
func (r *Reservoir[V]) Evict(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hot.remove(key)
}

// HotKeys lists the keys in the hot tier from least to most recently used.
func (r *Reservoir[V]) HotKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hot.keys()
}

// Stats returns the reservoir counters.
func (r *Reservoir[V]) Stats() Stats {
	r.mu.Lock()
	hotEntries := r.hot.len()
	r.mu.Unlock()

	return Stats{
		HotHits:     r.stats.hotHits.Load(),
		HotMisses:   r.stats.hotMisses.Load(),
		WarmHits:    r.stats.warmHits.Load(),
		WarmMisses:  r.stats.warmMisses.Load(),
		ColdHits:    r.stats.coldHits.Load(),
		ColdMisses:  r.stats.coldMisses.Load(),
		Puts:        r.stats.puts.Load(),
		Evictions:   r.stats.evictions.Load(),
		ColdScans:   r.stats.coldScans.Load(),
		HotEntries:  hotEntries,
		HotCapacity: r.capacity,
	}
}

func (r *Reservoir[V]) promoteHot(e Entry[V]) {
	r.mu.Lock()
	evicted := r.hot.put(e)
	size := r.hot.len()
	r.mu.Unlock()
	r.noteEvictions(evicted, size)
}

func (r *Reservoir[V]) noteEvictions(evicted []string, size int) {
	if len(evicted) > 0 {
		r.stats.evictions.Add(uint64(len(evicted)))
		r.log.Trace("Hot tier evicted entries", logging.LogFields{"keys": evicted})
	}
	r.metrics.recordEvictions(r.name, len(evicted), size)
}

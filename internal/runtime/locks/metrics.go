package locks

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports lock activity to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	mu sync.Mutex

	acquiredTotal *prometheus.CounterVec
	releasedTotal *prometheus.CounterVec
	timedOutTotal *prometheus.CounterVec
	reapedTotal   *prometheus.CounterVec
	waiting       prometheus.Gauge
	waitSeconds   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newLockCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pentacore",
			Subsystem: "locks",
			Name:      name,
			Help:      help,
		},
		[]string{"type"},
	)
}

// NewMetrics creates the lock collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:    registerer,
		acquiredTotal: newLockCounterVec("acquired_total", "Total number of lock grants"),
		releasedTotal: newLockCounterVec("released_total", "Total number of explicit lock releases"),
		timedOutTotal: newLockCounterVec("timed_out_total", "Total number of acquisitions that timed out"),
		reapedTotal:   newLockCounterVec("reaped_total", "Total number of holders reclaimed after their TTL elapsed"),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pentacore",
			Subsystem: "locks",
			Name:      "waiters",
			Help:      "Current number of queued acquisitions",
		}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pentacore",
			Subsystem: "locks",
			Name:      "wait_seconds",
			Help:      "Time spent waiting before a lock was granted",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"type"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.acquiredTotal,
		m.releasedTotal,
		m.timedOutTotal,
		m.reapedTotal,
		m.waiting,
		m.waitSeconds,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) recordAcquired(t Type, waited time.Duration) {
	if m == nil {
		return
	}
	m.acquiredTotal.WithLabelValues(t.String()).Inc()
	m.waitSeconds.WithLabelValues(t.String()).Observe(waited.Seconds())
}

func (m *Metrics) recordReleased(t Type) {
	if m == nil {
		return
	}
	m.releasedTotal.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) recordTimedOut(t Type) {
	if m == nil {
		return
	}
	m.timedOutTotal.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) recordReaped(t Type) {
	if m == nil {
		return
	}
	m.reapedTotal.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) setWaiting(n int) {
	if m == nil {
		return
	}
	m.waiting.Set(float64(n))
}

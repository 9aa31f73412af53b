package reservoir

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports reservoir tier activity to Prometheus. One Metrics value
// may serve several reservoirs; series are labelled by reservoir name. A
// nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	hitsTotal      *prometheus.CounterVec
	missesTotal    *prometheus.CounterVec
	putsTotal      *prometheus.CounterVec
	putErrorsTotal *prometheus.CounterVec
	evictionsTotal *prometheus.CounterVec
	hotEntries     *prometheus.GaugeVec
	coldScanSecs   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newReservoirCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pentacore",
			Subsystem: "reservoir",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the reservoir collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:     registerer,
		hitsTotal:      newReservoirCounterVec("hits_total", "Lookups served by a tier", []string{"reservoir", "tier"}),
		missesTotal:    newReservoirCounterVec("misses_total", "Lookups a tier could not serve", []string{"reservoir", "tier"}),
		putsTotal:      newReservoirCounterVec("puts_total", "Total number of writes", []string{"reservoir"}),
		putErrorsTotal: newReservoirCounterVec("put_errors_total", "Writes that failed on a durable tier", []string{"reservoir", "tier"}),
		evictionsTotal: newReservoirCounterVec("hot_evictions_total", "Entries evicted from the hot tier", []string{"reservoir"}),
		hotEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pentacore",
			Subsystem: "reservoir",
			Name:      "hot_entries",
			Help:      "Current number of entries in the hot tier",
		}, []string{"reservoir"}),
		coldScanSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pentacore",
			Subsystem: "reservoir",
			Name:      "cold_scan_seconds",
			Help:      "Duration of full cold ledger scans",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"reservoir"}),
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
		m.hitsTotal,
		m.missesTotal,
		m.putsTotal,
		m.putErrorsTotal,
		m.evictionsTotal,
		m.hotEntries,
		m.coldScanSecs,
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

func (m *Metrics) recordHit(name string, tier Tier) {
	if m == nil {
		return
	}
	m.hitsTotal.WithLabelValues(name, tier.String()).Inc()
}

func (m *Metrics) recordMiss(name string, tier Tier) {
	if m == nil {
		return
	}
	m.missesTotal.WithLabelValues(name, tier.String()).Inc()
}

func (m *Metrics) recordPut(name string) {
	if m == nil {
		return
	}
	m.putsTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) recordPutError(name string, tier Tier) {
	if m == nil {
		return
	}
	m.putErrorsTotal.WithLabelValues(name, tier.String()).Inc()
}

func (m *Metrics) recordEvictions(name string, n, hotSize int) {
	if m == nil {
		return
	}
	m.evictionsTotal.WithLabelValues(name).Add(float64(n))
	m.hotEntries.WithLabelValues(name).Set(float64(hotSize))
}

func (m *Metrics) observeColdScan(name string, took time.Duration) {
	if m == nil {
		return
	}
	m.coldScanSecs.WithLabelValues(name).Observe(took.Seconds())
}

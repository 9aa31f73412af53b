package conduit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports conduit traffic and dead-letter statistics to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	sentTotal          *prometheus.CounterVec
	deliveredTotal     *prometheus.CounterVec
	deadLettersTotal   *prometheus.CounterVec
	deadLettersCurrent prometheus.Gauge
	replayedTotal      *prometheus.CounterVec
	purgedTotal        prometheus.Counter
	handlerSeconds     *prometheus.HistogramVec
	deadLetterAge      *prometheus.HistogramVec
	deadLetterAttempt  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newConduitCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pentacore",
			Subsystem: "conduit",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newConduitHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pentacore",
			Subsystem: "conduit",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the conduit collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:       registerer,
		sentTotal:        newConduitCounterVec("sent_total", "Total number of envelopes sent", []string{"topic"}),
		deliveredTotal:   newConduitCounterVec("delivered_total", "Total number of envelopes handled successfully", []string{"topic"}),
		deadLettersTotal: newConduitCounterVec("dead_letters_total", "Total number of envelopes dead-lettered", []string{"topic", "reason"}),
		deadLettersCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pentacore",
			Subsystem: "conduit",
			Name:      "dead_letters_current",
			Help:      "Current number of dead letters retained in memory",
		}),
		replayedTotal: newConduitCounterVec("replayed_total", "Total number of dead letters replayed", []string{"topic"}),
		purgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pentacore",
			Subsystem: "conduit",
			Name:      "purged_total",
			Help:      "Total number of dead letters purged",
		}),
		handlerSeconds:    newConduitHistogramVec("handler_seconds", "Handler execution time", prometheus.DefBuckets, []string{"topic"}),
		deadLetterAge:     newConduitHistogramVec("dead_letter_age_seconds", "Age of envelopes when dead-lettered (time since send)", []float64{0.001, 0.01, 0.1, 1, 5, 30, 60, 300, 600}, []string{"topic"}),
		deadLetterAttempt: newConduitHistogramVec("dead_letter_attempt", "Attempt number of envelopes when dead-lettered", []float64{1, 2, 3, 5, 10}, []string{"topic"}),
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
		m.sentTotal,
		m.deliveredTotal,
		m.deadLettersTotal,
		m.deadLettersCurrent,
		m.replayedTotal,
		m.purgedTotal,
		m.handlerSeconds,
		m.deadLetterAge,
		m.deadLetterAttempt,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) recordSent(topic string) {
	if m == nil {
		return
	}
	m.sentTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) recordDelivered(topic string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(topic).Inc()
	m.handlerSeconds.WithLabelValues(topic).Observe(took.Seconds())
}

func (m *Metrics) recordHandlerFailure(topic string, took time.Duration) {
	if m == nil {
		return
	}
	m.handlerSeconds.WithLabelValues(topic).Observe(took.Seconds())
}

// recordDeadLetter tracks a new dead letter. Handler failures share one
// reason label so error text never becomes a label value.
func (m *Metrics) recordDeadLetter(dl DeadLetter, retained int) {
	if m == nil {
		return
	}
	reason := dl.Reason
	if reason != ReasonBackPressure && reason != ReasonTTLExpired {
		reason = "handler-error"
	}
	topic := dl.Envelope.Topic
	m.deadLettersTotal.WithLabelValues(topic, reason).Inc()
	m.deadLettersCurrent.Set(float64(retained))
	m.deadLetterAge.WithLabelValues(topic).Observe(dl.DiedAt.Sub(dl.Envelope.Timestamp).Seconds())
	m.deadLetterAttempt.WithLabelValues(topic).Observe(float64(dl.Envelope.Attempt))
}

func (m *Metrics) recordReplayed(topic string, retained int) {
	if m == nil {
		return
	}
	m.replayedTotal.WithLabelValues(topic).Inc()
	m.deadLettersCurrent.Set(float64(retained))
}

func (m *Metrics) recordPurged(count int) {
	if m == nil {
		return
	}
	m.purgedTotal.Add(float64(count))
	m.deadLettersCurrent.Set(0)
}

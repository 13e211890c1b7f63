package classify

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"transform_worker/core/domain"
)

// =============================================================================
// Classification Metrics
// =============================================================================

// Metrics tracks classification call counts, tier outcomes and an
// incrementally averaged latency. Guarded by a mutex; this is the only
// mutable state shared across prepare tasks besides the capability cache.
type Metrics struct {
	mu sync.Mutex

	totalCalls     int64
	sensitiveCount int64
	personalCount  int64
	publicCount    int64
	errors         int64
	avgLatencyMS   float64

	log zerolog.Logger

	promCalls   *prometheus.CounterVec
	promErrors  prometheus.Counter
	promLatency prometheus.Histogram
}

// NewMetrics creates a metrics tracker. When reg is non-nil the counters are
// also registered as Prometheus collectors (exposed by the serve command).
func NewMetrics(log zerolog.Logger, reg prometheus.Registerer) *Metrics {
	m := &Metrics{log: log}
	m.promCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classification_calls_total",
		Help: "Classification calls by resulting tier.",
	}, []string{"tier"})
	m.promErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "classification_errors_total",
		Help: "Classification calls that returned an error.",
	})
	m.promLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "classification_latency_seconds",
		Help:    "Classification call latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	if reg != nil {
		reg.MustRegister(m.promCalls, m.promErrors, m.promLatency)
	}
	return m
}

// TrackCall records one finished call. Logs a summary line every 100 calls.
func (m *Metrics) TrackCall(elapsed time.Duration, err error) {
	elapsedMS := float64(elapsed.Milliseconds())
	m.promLatency.Observe(elapsed.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.errors++
		m.promErrors.Inc()
	}
	m.totalCalls++
	n := m.totalCalls
	m.avgLatencyMS = (m.avgLatencyMS*float64(n-1) + elapsedMS) / float64(n)
	if m.totalCalls%100 == 0 {
		m.log.Info().
			Int64("calls", m.totalCalls).
			Float64("avg_latency_ms", m.avgLatencyMS).
			Int64("errors", m.errors).
			Msg("classification metrics")
	}
}

// TrackTier records the tier outcome of one successful call.
func (m *Metrics) TrackTier(tier domain.PrivacyTier) {
	m.promCalls.WithLabelValues(tier.String()).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	switch tier {
	case domain.TierSensitive:
		m.sensitiveCount++
	case domain.TierPersonal:
		m.personalCount++
	default:
		m.publicCount++
	}
}

// Snapshot returns a copy of the counters for status reporting.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		TotalCalls:     m.totalCalls,
		SensitiveCount: m.sensitiveCount,
		PersonalCount:  m.personalCount,
		PublicCount:    m.publicCount,
		Errors:         m.errors,
		AvgLatencyMS:   m.avgLatencyMS,
	}
}

// MetricsSnapshot is a point-in-time copy of the classification counters.
type MetricsSnapshot struct {
	TotalCalls     int64   `json:"total_calls"`
	SensitiveCount int64   `json:"sensitive_count"`
	PersonalCount  int64   `json:"personal_count"`
	PublicCount    int64   `json:"public_count"`
	Errors         int64   `json:"errors"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
}

package rtu

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of transport counters. All fields are
// monotonic counters except AvgResponseTimeMs.
type Stats struct {
	TotalTransmissions uint64
	Successful         uint64
	Failed             uint64
	TimeoutCount       uint64
	CrcErrorCount      uint64
	FrameErrorCount    uint64
	RetryCount         uint64
	TotalResponseTime  time.Duration
	ResponseCount      uint64
	AvgResponseTimeMs  float64
}

// statsTracker owns the mutable counters behind a Transport, serialized by
// the same lock that guards the in-flight request.
type statsTracker struct {
	mu     sync.Mutex
	s      Stats
	metric *transportMetrics
}

func newStatsTracker(m *transportMetrics) *statsTracker {
	return &statsTracker{metric: m}
}

func (t *statsTracker) recordAttempt() {
	t.mu.Lock()
	t.s.TotalTransmissions++
	t.mu.Unlock()
	if t.metric != nil {
		t.metric.transmissions.Inc()
	}
}

func (t *statsTracker) recordRetry() {
	t.mu.Lock()
	t.s.RetryCount++
	t.mu.Unlock()
	if t.metric != nil {
		t.metric.retries.Inc()
	}
}

func (t *statsTracker) recordSuccess(rtt time.Duration) {
	t.mu.Lock()
	t.s.Successful++
	t.s.ResponseCount++
	t.s.TotalResponseTime += rtt
	t.s.AvgResponseTimeMs = float64(t.s.TotalResponseTime.Milliseconds()) / float64(t.s.ResponseCount)
	t.mu.Unlock()
	if t.metric != nil {
		t.metric.successes.Inc()
		t.metric.responseTime.Observe(rtt.Seconds() * 1000)
	}
}

func (t *statsTracker) recordFailure(code ErrorCode) {
	t.mu.Lock()
	t.s.Failed++
	switch code {
	case ErrTimeout:
		t.s.TimeoutCount++
	case ErrCrcFailed:
		t.s.CrcErrorCount++
	case ErrFrameError:
		t.s.FrameErrorCount++
	}
	t.mu.Unlock()
	if t.metric != nil {
		t.metric.failures.WithLabelValues(code.String()).Inc()
	}
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

// transportMetrics is an optional Prometheus sink for the same counters
// statsTracker keeps as a plain struct. Status queries always read the
// struct; registering transportMetrics with a prometheus.Registerer is how
// an external /metrics endpoint would observe the same numbers without this
// package depending on an HTTP handler.
type transportMetrics struct {
	transmissions prometheus.Counter
	successes     prometheus.Counter
	retries       prometheus.Counter
	failures      *prometheus.CounterVec
	responseTime  prometheus.Histogram
}

// NewMetrics constructs Prometheus collectors for a Transport and registers
// them with reg. Pass a nil Transport option to skip Prometheus entirely.
func NewMetrics(reg prometheus.Registerer, busName string) *transportMetrics {
	m := &transportMetrics{
		transmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "oht_modbus_transmissions_total",
			Help:        "Total Modbus-RTU requests transmitted.",
			ConstLabels: prometheus.Labels{"bus": busName},
		}),
		successes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "oht_modbus_successes_total",
			Help:        "Total Modbus-RTU requests that received a valid response.",
			ConstLabels: prometheus.Labels{"bus": busName},
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "oht_modbus_retries_total",
			Help:        "Total Modbus-RTU retry attempts.",
			ConstLabels: prometheus.Labels{"bus": busName},
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "oht_modbus_failures_total",
			Help:        "Total Modbus-RTU failures by error code.",
			ConstLabels: prometheus.Labels{"bus": busName},
		}, []string{"code"}),
		responseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "oht_modbus_response_time_ms",
			Help:        "Modbus-RTU round-trip time in milliseconds.",
			ConstLabels: prometheus.Labels{"bus": busName},
			Buckets:     []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transmissions, m.successes, m.retries, m.failures, m.responseTime)
	}
	return m
}

package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

const namespace = "solver_registry"

// Metrics are the registry's domain metrics.
type Metrics struct {
	registrations      *prometheus.CounterVec
	attestationLatency prometheus.Histogram
	keyOperations      *prometheus.CounterVec
	keyOpLatency       *prometheus.HistogramVec
	pings              *prometheus.CounterVec
	pools              *prometheus.GaugeVec
}

// NewMetrics registers the registry metrics with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome.",
		}, []string{"outcome"}),
		attestationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attestation_duration_seconds",
			Help:      "Time spent verifying registration evidence.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		keyOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_operations_total",
			Help:      "Key registrar calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		keyOpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_operation_duration_seconds",
			Help:      "Key registrar call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Worker heartbeats by outcome.",
		}, []string{"outcome"}),
		pools: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pools",
			Help:      "Pools by status.",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(m.registrations, m.attestationLatency, m.keyOperations, m.keyOpLatency, m.pings, m.pools)
	}
	return m
}

// Outcome maps an error to a bounded label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, interfaces.ErrMalformedInput), errors.Is(err, interfaces.ErrMalformedConfiguration):
		return "malformed"
	case errors.Is(err, interfaces.ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, interfaces.ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, interfaces.ErrReplayMismatch):
		return "replay_mismatch"
	case errors.Is(err, interfaces.ErrUnapprovedMeasurement):
		return "unapproved"
	case errors.Is(err, interfaces.ErrPoolOccupied):
		return "occupied"
	case errors.Is(err, interfaces.ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, interfaces.ErrWorkerAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, interfaces.ErrNotActiveWorker):
		return "not_active_worker"
	case errors.Is(err, interfaces.ErrKeyOperationFailed):
		return "key_operation_failed"
	default:
		return "error"
	}
}

func (m *Metrics) ObserveRegistration(err error) {
	m.registrations.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) ObserveAttestation(started time.Time) {
	m.attestationLatency.Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveKeyOperation(operation string, started time.Time, err error) {
	m.keyOpLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	m.keyOperations.WithLabelValues(operation, Outcome(err)).Inc()
}

func (m *Metrics) ObservePing(err error) {
	m.pings.WithLabelValues(Outcome(err)).Inc()
}

// SetPoolStatuses replaces the per-status pool gauge.
func (m *Metrics) SetPoolStatuses(counts map[interfaces.PoolStatus]int) {
	for _, status := range []interfaces.PoolStatus{interfaces.PoolEmpty, interfaces.PoolActive, interfaces.PoolStale, interfaces.PoolRotating} {
		m.pools.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}

// Package metrics exposes Prometheus collectors for attachment transfers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Directions.
const (
	Upload   = "upload"
	Download = "download"
)

// Outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeIntegrity = "integrity"
	OutcomeCancelled = "cancelled"
)

// Metrics groups the transfer collectors. A nil *Metrics records nothing.
type Metrics struct {
	transfers *prometheus.CounterVec
	retries   *prometheus.CounterVec
	coalesced *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attachkit",
			Name:      "transfers_total",
			Help:      "Finished attachment transfers by direction and outcome.",
		}, []string{"direction", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attachkit",
			Name:      "transfer_retries_total",
			Help:      "Backoff waits before a transfer attempt.",
		}, []string{"direction"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attachkit",
			Name:      "transfer_coalesced_total",
			Help:      "Requests that joined a transfer already in flight.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attachkit",
			Name:      "transfer_bytes_total",
			Help:      "Ciphertext bytes moved by successful transfers.",
		}, []string{"direction"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "attachkit",
			Name:      "transfers_in_flight",
			Help:      "Transfers currently running.",
		}, []string{"direction"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "attachkit",
			Name:      "transfer_duration_seconds",
			Help:      "Wall time of finished transfers including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"direction"}),
	}

	for _, c := range []prometheus.Collector{m.transfers, m.retries, m.coalesced, m.bytes, m.inFlight, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Started marks a transfer as running and returns the func that records its
// end.
func (m *Metrics) Started(direction string) func(outcome string, n int) {
	if m == nil {
		return func(string, int) {}
	}
	start := time.Now()
	m.inFlight.WithLabelValues(direction).Inc()
	return func(outcome string, n int) {
		m.inFlight.WithLabelValues(direction).Dec()
		m.transfers.WithLabelValues(direction, outcome).Inc()
		m.duration.WithLabelValues(direction).Observe(time.Since(start).Seconds())
		if outcome == OutcomeSuccess && n > 0 {
			m.bytes.WithLabelValues(direction).Add(float64(n))
		}
	}
}

// Retry counts one backoff wait.
func (m *Metrics) Retry(direction string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(direction).Inc()
}

// Coalesced counts a request served by an in-flight transfer.
func (m *Metrics) Coalesced(direction string) {
	if m == nil {
		return
	}
	m.coalesced.WithLabelValues(direction).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

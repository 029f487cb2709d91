// Package metrics defines the Prometheus collectors exported by a migration run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the migration collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TransferAttempts *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec
	AssetsTotal      *prometheus.CounterVec
	LedgerEntries    *prometheus.CounterVec
	InFlight         *prometheus.GaugeVec
	BytesTransferred *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Collectors already registered on reg are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransferAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamigrate_transfer_attempts_total",
			Help: "Fetch and store attempts by operation and outcome",
		}, []string{"op", "outcome"}),

		TransferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediamigrate_transfer_duration_seconds",
			Help:    "Duration of individual fetch and store attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		AssetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamigrate_assets_total",
			Help: "Assets by terminal bucket",
		}, []string{"bucket"}),

		LedgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamigrate_ledger_entries_total",
			Help: "Error ledger entries by phase",
		}, []string{"phase", "retryable"}),

		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediamigrate_inflight_operations",
			Help: "Operations currently holding a limiter permit",
		}, []string{"op"}),

		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamigrate_bytes_total",
			Help: "Bytes fetched from the source and stored at the destination",
		}, []string{"op"}),
	}

	m.TransferAttempts = registerOrGet(reg, m.TransferAttempts).(*prometheus.CounterVec)
	m.TransferDuration = registerOrGet(reg, m.TransferDuration).(*prometheus.HistogramVec)
	m.AssetsTotal = registerOrGet(reg, m.AssetsTotal).(*prometheus.CounterVec)
	m.LedgerEntries = registerOrGet(reg, m.LedgerEntries).(*prometheus.CounterVec)
	m.InFlight = registerOrGet(reg, m.InFlight).(*prometheus.GaugeVec)
	m.BytesTransferred = registerOrGet(reg, m.BytesTransferred).(*prometheus.CounterVec)
	return m
}

// registerOrGet tries to register a collector, returns the existing one if already registered
func registerOrGet(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// ObserveAttempt records one transfer attempt.
func (m *Metrics) ObserveAttempt(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TransferAttempts.WithLabelValues(op, outcome).Inc()
	m.TransferDuration.WithLabelValues(op).Observe(d.Seconds())
}

// AddBytes counts transferred bytes for op.
func (m *Metrics) AddBytes(op string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTransferred.WithLabelValues(op).Add(float64(n))
}

// AssetFinished counts an asset reaching a terminal bucket.
func (m *Metrics) AssetFinished(bucket string) {
	if m == nil {
		return
	}
	m.AssetsTotal.WithLabelValues(bucket).Inc()
}

// LedgerEntry counts a recorded ledger entry.
func (m *Metrics) LedgerEntry(phase string, retryable bool) {
	if m == nil {
		return
	}
	r := "false"
	if retryable {
		r = "true"
	}
	m.LedgerEntries.WithLabelValues(phase, r).Inc()
}

// Acquired and Released track limiter permits for op.
func (m *Metrics) Acquired(op string) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(op).Inc()
}

func (m *Metrics) Released(op string) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(op).Dec()
}

// Package metrics holds the Prometheus collectors shared by the wallet
// pipeline and the devnet ledger node.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shieldpool"

// Metric names
const (
	MetricOpsStarted      = "ops_started_total"
	MetricOpsFinished     = "ops_finished_total"
	MetricProofGeneration = "proof_generation_seconds"
	MetricProverRetries   = "prover_retries_total"
	MetricConfirmLatency  = "confirm_latency_seconds"
	MetricLocksReleased   = "locks_released_total"
	MetricNotesDiscovered = "notes_discovered_total"
	MetricScanCheckpoint  = "scan_checkpoint"
	MetricTxSubmitted     = "ledger_tx_submitted_total"
	MetricTreeLeaves      = "ledger_tree_leaves"
	MetricNullifiers      = "ledger_nullifiers"
	MetricRateLimited     = "ledger_rate_limited_total"
	MetricErrorCount      = "errors_total"
)

// Metrics is a set of collectors registered on one registry. A nil
// *Metrics records nothing, so components can take it as an option.
type Metrics struct {
	opsStarted      *prometheus.CounterVec
	opsFinished     *prometheus.CounterVec
	proofGeneration prometheus.Histogram
	proverRetries   prometheus.Counter
	confirmLatency  prometheus.Histogram
	locksReleased   *prometheus.CounterVec
	notesDiscovered prometheus.Counter
	scanCheckpoint  prometheus.Gauge
	txSubmitted     *prometheus.CounterVec
	treeLeaves      prometheus.Gauge
	nullifiers      prometheus.Gauge
	rateLimited     prometheus.Counter
	errors          *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		opsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricOpsStarted,
			Help: "Wallet operations started, by kind.",
		}, []string{"kind"}),
		opsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricOpsFinished,
			Help: "Wallet operations reaching a terminal state, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		proofGeneration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: MetricProofGeneration,
			Help:    "Time spent in the prover per attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		proverRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricProverRetries,
			Help: "Prover attempts repeated with identical inputs.",
		}),
		confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: MetricConfirmLatency,
			Help:    "Time from submission to ledger confirmation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		locksReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricLocksReleased,
			Help: "PendingSpend locks returned to Confirmed, by cause.",
		}, []string{"cause"}),
		notesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricNotesDiscovered,
			Help: "Owned notes found by the scanner.",
		}),
		scanCheckpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: MetricScanCheckpoint,
			Help: "Index of the next pool event the scanner will read.",
		}),
		txSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricTxSubmitted,
			Help: "Transactions received by the ledger, by resulting status.",
		}, []string{"status"}),
		treeLeaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: MetricTreeLeaves,
			Help: "Leaves in the ledger commitment tree.",
		}),
		nullifiers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: MetricNullifiers,
			Help: "Nullifiers recorded by the ledger.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricRateLimited,
			Help: "Submissions refused by the per-sender rate limiter.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: MetricErrorCount,
			Help: "Errors by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.opsStarted, m.opsFinished, m.proofGeneration, m.proverRetries,
		m.confirmLatency, m.locksReleased, m.notesDiscovered, m.scanCheckpoint,
		m.txSubmitted, m.treeLeaves, m.nullifiers, m.rateLimited, m.errors,
	)
	return m
}

func (m *Metrics) RecordOpStarted(kind string) {
	if m == nil {
		return
	}
	m.opsStarted.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordOpFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.opsFinished.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordProofGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.proofGeneration.Observe(d.Seconds())
}

func (m *Metrics) RecordProverRetry() {
	if m == nil {
		return
	}
	m.proverRetries.Inc()
}

func (m *Metrics) RecordConfirmLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordLocksReleased(cause string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.locksReleased.WithLabelValues(cause).Add(float64(n))
}

func (m *Metrics) RecordScan(discovered int, checkpoint uint64) {
	if m == nil {
		return
	}
	m.notesDiscovered.Add(float64(discovered))
	m.scanCheckpoint.Set(float64(checkpoint))
}

func (m *Metrics) RecordSubmission(status string) {
	if m == nil {
		return
	}
	m.txSubmitted.WithLabelValues(status).Inc()
}

func (m *Metrics) SetLedgerSize(leaves uint64, nullifiers int) {
	if m == nil {
		return
	}
	m.treeLeaves.Set(float64(leaves))
	m.nullifiers.Set(float64(nullifiers))
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorType).Inc()
}

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/photoatomic/darc-go/core/metrics"
	"github.com/photoatomic/darc-go/core/txstorage"
)

// storageMetrics implements txstorage.StorageMetrics using Prometheus.
type storageMetrics struct {
	loadDuration  *prometheus.HistogramVec
	storeDuration *prometheus.HistogramVec

	transactionsCommitted *prometheus.CounterVec
	transactionsRecovered *prometheus.CounterVec
	concurrencyConflicts  *prometheus.CounterVec
	pendingTransactions   *prometheus.GaugeVec
	replayEventsSkipped   *prometheus.CounterVec
}

// NewStorageMetrics creates a new Prometheus implementation of
// txstorage.StorageMetrics.
func NewStorageMetrics(reg prometheus.Registerer) txstorage.StorageMetrics {
	m := &storageMetrics{
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "darc_storage_load_duration_seconds",
			Help:    "Storage load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"strategy"}),

		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "darc_storage_store_duration_seconds",
			Help:    "Storage store latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"strategy"}),

		transactionsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darc_storage_transactions_committed_total",
			Help: "Total number of transactions committed",
		}, []string{"strategy"}),

		transactionsRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darc_storage_transactions_recovered_total",
			Help: "Total number of in-flight transactions recovered on load",
		}, []string{"strategy"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darc_storage_concurrency_conflicts_total",
			Help: "Total number of commit appends rejected by the log's revision check",
		}, []string{"strategy"}),

		pendingTransactions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "darc_storage_pending_transactions",
			Help: "Prepared transactions awaiting commit or abort",
		}, []string{"strategy"}),

		replayEventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darc_storage_replay_events_skipped_total",
			Help: "Total number of historical events skipped during replay",
		}, []string{"stream"}),
	}

	reg.MustRegister(
		m.loadDuration,
		m.storeDuration,
		m.transactionsCommitted,
		m.transactionsRecovered,
		m.concurrencyConflicts,
		m.pendingTransactions,
		m.replayEventsSkipped,
	)

	return m
}

func (m *storageMetrics) LoadDuration(strategy string) metrics.Timer {
	return newTimer(m.loadDuration.WithLabelValues(strategy))
}

func (m *storageMetrics) StoreDuration(strategy string) metrics.Timer {
	return newTimer(m.storeDuration.WithLabelValues(strategy))
}

func (m *storageMetrics) TransactionsCommitted(strategy string, count int) {
	m.transactionsCommitted.WithLabelValues(strategy).Add(float64(count))
}

func (m *storageMetrics) TransactionsRecovered(strategy string, count int) {
	m.transactionsRecovered.WithLabelValues(strategy).Add(float64(count))
}

func (m *storageMetrics) ConcurrencyConflict(strategy string) {
	m.concurrencyConflicts.WithLabelValues(strategy).Inc()
}

func (m *storageMetrics) PendingTransactions(strategy string, n int) {
	m.pendingTransactions.WithLabelValues(strategy).Set(float64(n))
}

func (m *storageMetrics) ReplayEventSkipped(stream string) {
	m.replayEventsSkipped.WithLabelValues(stream).Inc()
}

var _ txstorage.StorageMetrics = (*storageMetrics)(nil)

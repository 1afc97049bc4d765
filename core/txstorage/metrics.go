package txstorage

import "github.com/photoatomic/darc-go/core/metrics"

// StorageMetrics defines the metrics interface for the storage engine.
// Implementations must be safe for concurrent use across instances.
type StorageMetrics interface {
	LoadDuration(strategy string) metrics.Timer
	StoreDuration(strategy string) metrics.Timer

	TransactionsCommitted(strategy string, count int)
	TransactionsRecovered(strategy string, count int)
	ConcurrencyConflict(strategy string)
	PendingTransactions(strategy string, n int)
	ReplayEventSkipped(stream string)
}

type nopStorageMetrics struct{}

func (nopStorageMetrics) LoadDuration(string) metrics.Timer  { return metrics.NopTimer() }
func (nopStorageMetrics) StoreDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopStorageMetrics) TransactionsCommitted(string, int)  {}
func (nopStorageMetrics) TransactionsRecovered(string, int)  {}
func (nopStorageMetrics) ConcurrencyConflict(string)         {}
func (nopStorageMetrics) PendingTransactions(string, int)    {}
func (nopStorageMetrics) ReplayEventSkipped(string)          {}

// NopStorageMetrics returns a no-op StorageMetrics implementation.
func NopStorageMetrics() StorageMetrics { return nopStorageMetrics{} }

package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStorageMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStorageMetrics(reg)

	require.NotNil(t, m)

	timer := m.LoadDuration("optimistic")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	timer = m.StoreDuration("pessimistic")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.TransactionsCommitted("optimistic", 3)
	m.TransactionsRecovered("pessimistic", 2)
	m.ConcurrencyConflict("optimistic")
	m.PendingTransactions("optimistic", 5)
	m.ReplayEventSkipped("account-alice-balance")

	// all collectors are registered and gathering works
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 7)
}

func TestNewStorageMetrics_duplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewStorageMetrics(reg)
	assert.Panics(t, func() { _ = NewStorageMetrics(reg) })
}

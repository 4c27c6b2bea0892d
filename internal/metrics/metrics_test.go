package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordOpStarted("withdraw")
	m.RecordOpStarted("withdraw")
	m.RecordOpFinished("withdraw", "confirmed")
	m.RecordLocksReleased("abort", 2)
	m.RecordLocksReleased("abort", 0)
	m.RecordScan(3, 17)
	m.SetLedgerSize(40, 12)
	m.RecordProofGeneration(120 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.opsStarted.WithLabelValues("withdraw")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsFinished.WithLabelValues("withdraw", "confirmed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.locksReleased.WithLabelValues("abort")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.notesDiscovered))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.scanCheckpoint))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.treeLeaves))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.nullifiers))

	n, err := testutil.GatherAndCount(reg, "shieldpool_proof_generation_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOpStarted("deposit")
		m.RecordOpFinished("deposit", "failed")
		m.RecordProverRetry()
		m.RecordConfirmLatency(time.Second)
		m.RecordSubmission("pending")
		m.RecordRateLimited()
		m.RecordError("decode")
	})
}

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMutation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewStoreMetrics(registry)
	require.NoError(t, err)

	m.RecordMutation("created", nil)
	m.RecordMutation("created", nil)
	m.RecordMutation("updated", errors.New("boom"))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.mutationsTotal.WithLabelValues("created", StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mutationsTotal.WithLabelValues("updated", StatusError)))
}

func TestCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewStoreMetrics(registry)
	require.NoError(t, err)

	m.RecordPurged(3)
	m.RecordSweep(2, 1)
	m.RecordStrayFiles(4)
	m.RecordRebuild()
	m.RecordMaintenanceFailure("sweep")
	m.RecordChangeDropped()
	m.ObserveQuery("page", time.Now())

	assert.Equal(t, float64(3), testutil.ToFloat64(m.purgedNotesTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sweptAttachments.WithLabelValues("removed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sweptAttachments.WithLabelValues("failed")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.strayFilesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.indexRebuildsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.maintenanceFailures.WithLabelValues("sweep")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.changeDropsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.queryDuration))
}

func TestDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewStoreMetrics(registry)
	require.NoError(t, err)
	_, err = NewStoreMetrics(registry)
	assert.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *StoreMetrics
	assert.NotPanics(t, func() {
		m.RecordMutation("created", nil)
		m.ObserveQuery("page", time.Now())
		m.RecordPurged(1)
		m.RecordSweep(1, 1)
		m.RecordStrayFiles(1)
		m.RecordRebuild()
		m.RecordMaintenanceFailure("sweep")
		m.RecordChangeDropped()
	})
}

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAgainstGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("docdigest", reg)

	m.RecordDigestStarted()
	m.RecordDigestStarted()
	m.RecordDigestCompleted(12.5)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.DigestsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DigestsCompleted))
}

func TestMetricsIsolatedRegistriesDoNotCollide(t *testing.T) {
	// Two instances must not panic with duplicate registration.
	require.NotPanics(t, func() {
		NewMetrics("docdigest", prometheus.NewRegistry())
		NewMetrics("docdigest", prometheus.NewRegistry())
	})
}

func TestRecordStoreWriteShapes(t *testing.T) {
	m := NewMetrics("docdigest", prometheus.NewRegistry())

	m.RecordStoreWrite(false)
	m.RecordStoreWrite(true)
	m.RecordStoreWrite(true)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoreWrites.WithLabelValues("single")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StoreWrites.WithLabelValues("chunked")))
}

func TestRecordCallbacksAndConflicts(t *testing.T) {
	m := NewMetrics("docdigest", prometheus.NewRegistry())

	m.RecordCallback("task_submitted")
	m.RecordCallback("item_completed")
	m.RecordCallback("item_completed")
	m.RecordUnknownTaskCallback()
	m.RecordManifestConflict()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallbacksReceived.WithLabelValues("task_submitted")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CallbacksReceived.WithLabelValues("item_completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallbacksUnknownTask))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ManifestConflicts))
}

func TestRecordItemAndDispatchMetrics(t *testing.T) {
	m := NewMetrics("docdigest", prometheus.NewRegistry())

	m.RecordItemStarted("main", 3)
	m.RecordItemCompleted("main")
	m.RecordTaskDispatched(0.25)
	m.RecordDispatchFailed("sub")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ItemsStarted.WithLabelValues("main")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ItemsCompleted.WithLabelValues("main")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksDispatched))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchFailures.WithLabelValues("sub")))
}

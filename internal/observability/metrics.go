package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the document digest service.
// Metrics are organized by subsystem: digests, dispatch, callbacks, fan-in,
// storage, and notifications. Metrics register against the registerer passed
// to NewMetrics so tests can use isolated registries.
type Metrics struct {
	// DigestsStarted counts the total number of digests initiated.
	DigestsStarted prometheus.Counter

	// DigestsCompleted counts the total number of digests that finished successfully.
	DigestsCompleted prometheus.Counter

	// DigestsFailed counts the total number of digests that ended in failure.
	DigestsFailed prometheus.Counter

	// DigestDuration observes the end-to-end duration of digests in seconds.
	DigestDuration prometheus.Histogram

	// ItemsStarted counts item workflows started, labeled by item kind.
	ItemsStarted *prometheus.CounterVec

	// ItemsCompleted counts item workflows completed, labeled by item kind.
	ItemsCompleted *prometheus.CounterVec

	// ChunksPerItem observes the distribution of chunk counts per item.
	ChunksPerItem prometheus.Histogram

	// TasksDispatched counts summarization tasks dispatched downstream.
	TasksDispatched prometheus.Counter

	// DispatchFailures counts dispatch attempts that failed, labeled by item kind.
	DispatchFailures *prometheus.CounterVec

	// DispatchDuration observes downstream dispatch duration in seconds.
	DispatchDuration prometheus.Histogram

	// CallbacksReceived counts callbacks received, labeled by callback type.
	CallbacksReceived *prometheus.CounterVec

	// CallbacksUnknownTask counts callbacks referencing no live task.
	CallbacksUnknownTask prometheus.Counter

	// ManifestConflicts counts optimistic-concurrency retries on the fan-in manifest.
	ManifestConflicts prometheus.Counter

	// FanInCompleted counts manifests whose final item completed.
	FanInCompleted prometheus.Counter

	// StoreWrites counts store writes, labeled by shape (single, chunked).
	StoreWrites *prometheus.CounterVec

	// StoreEvictions counts entries removed by the eviction pass.
	StoreEvictions prometheus.Counter

	// StoreQuotaRejections counts writes rejected by the byte budget.
	StoreQuotaRejections prometheus.Counter

	// NotificationsSent counts completion notifications delivered, labeled by channel.
	NotificationsSent *prometheus.CounterVec

	// NotificationsFailed counts completion notifications that failed, labeled by channel.
	NotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized and
// registered against reg. The namespace is used as a prefix for all metric
// names. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Digests
		DigestsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digests_started_total",
			Help:      "Total number of digests started",
		}),
		DigestsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digests_completed_total",
			Help:      "Total number of digests completed successfully",
		}),
		DigestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digests_failed_total",
			Help:      "Total number of digests that failed",
		}),
		DigestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "digest_duration_seconds",
			Help:      "Duration of digests in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),

		// Items
		ItemsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_started_total",
			Help:      "Total number of item workflows started by kind",
		}, []string{"kind"}),
		ItemsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_completed_total",
			Help:      "Total number of item workflows completed by kind",
		}, []string{"kind"}),
		ChunksPerItem: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunks_per_item",
			Help:      "Number of text chunks per item",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),

		// Dispatch
		TasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of summarization tasks dispatched",
		}),
		DispatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Total number of failed dispatch attempts by item kind",
		}, []string{"kind"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of downstream dispatch requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		// Callbacks
		CallbacksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_received_total",
			Help:      "Total number of callbacks received by type",
		}, []string{"type"}),
		CallbacksUnknownTask: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_unknown_task_total",
			Help:      "Total number of callbacks referencing an unknown task",
		}),

		// Fan-in
		ManifestConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_conflicts_total",
			Help:      "Total number of manifest compare-and-set retries",
		}),
		FanInCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fan_in_completed_total",
			Help:      "Total number of manifests reaching all-items-completed",
		}),

		// Storage
		StoreWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Total number of store writes by shape",
		}, []string{"shape"}),
		StoreEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_evictions_total",
			Help:      "Total number of entries evicted from the store",
		}),
		StoreQuotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_quota_rejections_total",
			Help:      "Total number of writes rejected by the storage byte budget",
		}),

		// Notifications
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Total number of completion notifications sent by channel",
		}, []string{"channel"}),
		NotificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Total number of completion notifications that failed by channel",
		}, []string{"channel"}),
	}
}

// RecordDigestStarted records that a digest has started.
func (m *Metrics) RecordDigestStarted() {
	m.DigestsStarted.Inc()
}

// RecordDigestCompleted records that a digest has completed.
func (m *Metrics) RecordDigestCompleted(durationSeconds float64) {
	m.DigestsCompleted.Inc()
	m.DigestDuration.Observe(durationSeconds)
}

// RecordDigestFailed records that a digest has failed.
func (m *Metrics) RecordDigestFailed(durationSeconds float64) {
	m.DigestsFailed.Inc()
	m.DigestDuration.Observe(durationSeconds)
}

// RecordItemStarted records an item workflow start with its chunk count.
func (m *Metrics) RecordItemStarted(kind string, chunkCount int) {
	m.ItemsStarted.WithLabelValues(kind).Inc()
	m.ChunksPerItem.Observe(float64(chunkCount))
}

// RecordItemCompleted records an item workflow completion.
func (m *Metrics) RecordItemCompleted(kind string) {
	m.ItemsCompleted.WithLabelValues(kind).Inc()
}

// RecordTaskDispatched records a dispatched summarization task.
func (m *Metrics) RecordTaskDispatched(durationSeconds float64) {
	m.TasksDispatched.Inc()
	m.DispatchDuration.Observe(durationSeconds)
}

// RecordDispatchFailed records a failed dispatch attempt.
func (m *Metrics) RecordDispatchFailed(kind string) {
	m.DispatchFailures.WithLabelValues(kind).Inc()
}

// RecordCallback records a received callback by type.
func (m *Metrics) RecordCallback(callbackType string) {
	m.CallbacksReceived.WithLabelValues(callbackType).Inc()
}

// RecordUnknownTaskCallback records a callback that matched no live task.
func (m *Metrics) RecordUnknownTaskCallback() {
	m.CallbacksUnknownTask.Inc()
}

// RecordManifestConflict records a manifest compare-and-set retry.
func (m *Metrics) RecordManifestConflict() {
	m.ManifestConflicts.Inc()
}

// RecordFanInCompleted records a manifest reaching all-items-completed.
func (m *Metrics) RecordFanInCompleted() {
	m.FanInCompleted.Inc()
}

// RecordStoreWrite records a store write by shape.
func (m *Metrics) RecordStoreWrite(chunked bool) {
	shape := "single"
	if chunked {
		shape = "chunked"
	}
	m.StoreWrites.WithLabelValues(shape).Inc()
}

// RecordStoreEvictions records entries removed by an eviction pass.
func (m *Metrics) RecordStoreEvictions(count int) {
	m.StoreEvictions.Add(float64(count))
}

// RecordStoreQuotaRejection records a write rejected by the byte budget.
func (m *Metrics) RecordStoreQuotaRejection() {
	m.StoreQuotaRejections.Inc()
}

// RecordNotificationSent records a delivered completion notification.
func (m *Metrics) RecordNotificationSent(channel string) {
	m.NotificationsSent.WithLabelValues(channel).Inc()
}

// RecordNotificationFailed records a failed completion notification.
func (m *Metrics) RecordNotificationFailed(channel string) {
	m.NotificationsFailed.WithLabelValues(channel).Inc()
}

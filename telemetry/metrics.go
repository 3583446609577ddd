package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CycleBuckets for full reconciliation cycles (batch of records)
	CycleBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// StoreBuckets for local change-log and subscription reads
	StoreBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// DeliveryBuckets for outbound notification deliveries (network)
	DeliveryBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// RebuildBuckets for full index rebuilds
	RebuildBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Reconciliation Metrics
var (
	// SyncCyclesTotal counts reconciliation cycles by kind (sync, retry, cleanup) and result (success, failed, skipped)
	SyncCyclesTotal CounterVec = noopCounterVec{}

	// SyncCycleDurationSeconds measures cycle duration by kind
	SyncCycleDurationSeconds HistogramVec = noopHistogramVec{}

	// RecordsProcessedTotal counts change records by outcome (processed, failed, exhausted, malformed)
	RecordsProcessedTotal CounterVec = noopCounterVec{}

	// RecordsInFlight tracks records currently being reconciled
	RecordsInFlight Gauge = NoopStat{}

	// BacklogUnprocessed tracks UNPROCESSED records in the change log
	BacklogUnprocessed Gauge = NoopStat{}

	// BacklogFailed tracks FAILED records awaiting retry
	BacklogFailed Gauge = NoopStat{}

	// BacklogExhausted tracks FAILED records past their retry budget
	BacklogExhausted Gauge = NoopStat{}

	// OldestChangeLagSeconds tracks age of the oldest unprocessed record
	OldestChangeLagSeconds Gauge = NoopStat{}

	// StuckResetsTotal counts forced resets of cycles that exceeded the processing ceiling
	StuckResetsTotal Counter = NoopStat{}

	// SchedulerHealth indicates scheduler health (1=UP, 0=DOWN)
	SchedulerHealth Gauge = NoopStat{}

	// RecordsPurgedTotal counts PROCESSED records removed by retention cleanup
	RecordsPurgedTotal Counter = NoopStat{}
)

// Store Metrics
var (
	// StoreOpsTotal counts change-log operations by op and result
	StoreOpsTotal CounterVec = noopCounterVec{}

	// StoreOpDurationSeconds measures change-log operation latency by op
	StoreOpDurationSeconds HistogramVec = noopHistogramVec{}
)

// Cache Metrics
var (
	// CacheInvalidationsTotal counts invalidations by scope (entry, all)
	CacheInvalidationsTotal CounterVec = noopCounterVec{}

	// CacheHitsTotal counts cache lookups that found an entry
	CacheHitsTotal Counter = NoopStat{}

	// CacheMissesTotal counts cache lookups that found nothing
	CacheMissesTotal Counter = NoopStat{}
)

// Index Metrics
var (
	// IndexEntries tracks current number of entries in the subscriber index
	IndexEntries Gauge = NoopStat{}

	// IndexRebuildsTotal counts full rebuilds by result (success, failed)
	IndexRebuildsTotal CounterVec = noopCounterVec{}

	// IndexRebuildDurationSeconds measures full rebuild duration
	IndexRebuildDurationSeconds Histogram = NoopStat{}

	// SimulatorReachable indicates downstream simulator connectivity (1=yes, 0=no)
	SimulatorReachable Gauge = NoopStat{}

	// ProbeFailuresTotal counts failed connectivity probes
	ProbeFailuresTotal Counter = NoopStat{}
)

// Notification Metrics
var (
	// NotificationsTotal counts deliveries by sink and result (delivered, failed, filtered)
	NotificationsTotal CounterVec = noopCounterVec{}

	// NotificationDurationSeconds measures delivery latency by sink
	NotificationDurationSeconds HistogramVec = noopHistogramVec{}

	// NotificationQueueDepth tracks events waiting in the dispatch queue
	NotificationQueueDepth Gauge = NoopStat{}

	// NotificationsDroppedTotal counts events rejected by a full queue
	NotificationsDroppedTotal Counter = NoopStat{}

	// NotificationsSuppressedTotal counts events skipped by the duplicate filter
	NotificationsSuppressedTotal Counter = NoopStat{}

	// DeadLettersTotal counts events written to the dead-letter store
	DeadLettersTotal Counter = NoopStat{}

	// DeadLettersReplayedTotal counts dead letters re-dispatched via admin
	DeadLettersReplayedTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Reconciliation Metrics
	SyncCyclesTotal = NewCounterVec(
		"sync_cycles_total",
		"Reconciliation cycles by kind and result",
		[]string{"kind", "result"},
	)
	SyncCycleDurationSeconds = NewHistogramVec(
		"sync_cycle_duration_seconds",
		"Reconciliation cycle duration in seconds",
		[]string{"kind"},
		CycleBuckets,
	)
	RecordsProcessedTotal = NewCounterVec(
		"records_processed_total",
		"Change records handled by outcome",
		[]string{"outcome"},
	)
	RecordsInFlight = NewGauge(
		"records_in_flight",
		"Change records currently being reconciled",
	)
	BacklogUnprocessed = NewGauge(
		"backlog_unprocessed",
		"UNPROCESSED records in the change log",
	)
	BacklogFailed = NewGauge(
		"backlog_failed",
		"FAILED records awaiting retry",
	)
	BacklogExhausted = NewGauge(
		"backlog_exhausted",
		"FAILED records past their retry budget",
	)
	OldestChangeLagSeconds = NewGauge(
		"oldest_change_lag_seconds",
		"Age in seconds of the oldest unprocessed record",
	)
	StuckResetsTotal = NewCounter(
		"stuck_resets_total",
		"Forced resets of cycles that exceeded the processing ceiling",
	)
	SchedulerHealth = NewGauge(
		"scheduler_health",
		"Scheduler health (1=UP, 0=DOWN)",
	)
	RecordsPurgedTotal = NewCounter(
		"records_purged_total",
		"PROCESSED records removed by retention cleanup",
	)

	// Store Metrics
	StoreOpsTotal = NewCounterVec(
		"store_ops_total",
		"Change-log operations by op and result",
		[]string{"op", "result"},
	)
	StoreOpDurationSeconds = NewHistogramVec(
		"store_op_duration_seconds",
		"Change-log operation duration in seconds",
		[]string{"op"},
		StoreBuckets,
	)

	// Cache Metrics
	CacheInvalidationsTotal = NewCounterVec(
		"cache_invalidations_total",
		"Cache invalidations by scope",
		[]string{"scope"},
	)
	CacheHitsTotal = NewCounter(
		"cache_hits_total",
		"Cache lookups that found an entry",
	)
	CacheMissesTotal = NewCounter(
		"cache_misses_total",
		"Cache lookups that found nothing",
	)

	// Index Metrics
	IndexEntries = NewGauge(
		"index_entries",
		"Entries in the subscriber index",
	)
	IndexRebuildsTotal = NewCounterVec(
		"index_rebuilds_total",
		"Full index rebuilds by result",
		[]string{"result"},
	)
	IndexRebuildDurationSeconds = NewHistogramWithBuckets(
		"index_rebuild_duration_seconds",
		"Full index rebuild duration in seconds",
		RebuildBuckets,
	)
	SimulatorReachable = NewGauge(
		"simulator_reachable",
		"Downstream simulator connectivity (1=yes, 0=no)",
	)
	ProbeFailuresTotal = NewCounter(
		"probe_failures_total",
		"Failed connectivity probes",
	)

	// Notification Metrics
	NotificationsTotal = NewCounterVec(
		"notifications_total",
		"Notification deliveries by sink and result",
		[]string{"sink", "result"},
	)
	NotificationDurationSeconds = NewHistogramVec(
		"notification_duration_seconds",
		"Notification delivery duration in seconds",
		[]string{"sink"},
		DeliveryBuckets,
	)
	NotificationQueueDepth = NewGauge(
		"notification_queue_depth",
		"Events waiting in the dispatch queue",
	)
	NotificationsDroppedTotal = NewCounter(
		"notifications_dropped_total",
		"Events rejected by a full dispatch queue",
	)
	NotificationsSuppressedTotal = NewCounter(
		"notifications_suppressed_total",
		"Events skipped by the duplicate filter",
	)
	DeadLettersTotal = NewCounter(
		"dead_letters_total",
		"Events written to the dead-letter store",
	)
	DeadLettersReplayedTotal = NewCounter(
		"dead_letters_replayed_total",
		"Dead letters re-dispatched via admin",
	)
}

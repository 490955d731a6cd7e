package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// LocalBuckets for local commits and materialization (SQLite + Pebble)
	LocalBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// SyncBuckets for peer sync rounds
	SyncBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Write path
var (
	// CommitsTotal counts local transactions by result (success, failed)
	CommitsTotal CounterVec = noopCounterVec{}

	// CommitDurationSeconds measures Writer.Commit latency
	CommitDurationSeconds Histogram = NoopStat{}

	// RecordsWrittenTotal counts change records produced by local commits
	RecordsWrittenTotal Counter = NoopStat{}

	// ChangeLogRecords tracks records currently stored in the change log
	ChangeLogRecords Gauge = NoopStat{}
)

// Materializer
var (
	// MaterializeBatchesTotal counts batches by mode (sync, background) and result
	MaterializeBatchesTotal CounterVec = noopCounterVec{}

	// MaterializeDurationSeconds measures one batch transaction
	MaterializeDurationSeconds Histogram = NoopStat{}

	// RecordsAppliedTotal counts records by outcome (applied, lost, unchanged, duplicate)
	RecordsAppliedTotal CounterVec = noopCounterVec{}

	// MaterializeQueueDepth tracks pending background batches
	MaterializeQueueDepth Gauge = NoopStat{}

	// CellCacheTotal counts cell clock cache lookups by result (hit, miss)
	CellCacheTotal CounterVec = noopCounterVec{}
)

// Sync
var (
	// SyncRoundsTotal counts sync rounds by result
	SyncRoundsTotal CounterVec = noopCounterVec{}

	// SyncDurationSeconds measures a full SyncPeer round
	SyncDurationSeconds Histogram = NoopStat{}

	// SyncRecordsTotal counts records by direction (sent, received)
	SyncRecordsTotal CounterVec = noopCounterVec{}

	// PeerLagVersions tracks local head minus the sent cursor per peer
	PeerLagVersions GaugeVec = noopGaugeVec{}

	// TransportBatchesTotal counts batches by transport and direction
	TransportBatchesTotal CounterVec = noopCounterVec{}

	// ClockDiagnosticsTotal counts non-healthy HLC validations by diagnostic
	ClockDiagnosticsTotal CounterVec = noopCounterVec{}
)

// Compaction and subscriptions
var (
	// CompactionRunsTotal counts compaction runs by result
	CompactionRunsTotal CounterVec = noopCounterVec{}

	// CompactedRecordsTotal counts records removed from the change log
	CompactedRecordsTotal Counter = NoopStat{}

	// SubscriptionsActive tracks live subscriptions
	SubscriptionsActive Gauge = NoopStat{}

	// NotificationsDroppedTotal counts notifications dropped on full subscriber buffers
	NotificationsDroppedTotal Counter = NoopStat{}
)

func initMetrics() {
	CommitsTotal = NewCounterVec(
		"commits_total",
		"Local transactions by result",
		[]string{"result"},
	)
	CommitDurationSeconds = NewHistogramWithBuckets(
		"commit_duration_seconds",
		"Local commit duration in seconds",
		LocalBuckets,
	)
	RecordsWrittenTotal = NewCounter(
		"records_written_total",
		"Change records produced by local commits",
	)
	ChangeLogRecords = NewGauge(
		"changelog_records",
		"Records currently stored in the change log",
	)

	MaterializeBatchesTotal = NewCounterVec(
		"materialize_batches_total",
		"Materializer batches by mode and result",
		[]string{"mode", "result"},
	)
	MaterializeDurationSeconds = NewHistogramWithBuckets(
		"materialize_duration_seconds",
		"Materializer batch duration in seconds",
		LocalBuckets,
	)
	RecordsAppliedTotal = NewCounterVec(
		"records_applied_total",
		"Change records seen by the materializer by outcome",
		[]string{"outcome"},
	)
	MaterializeQueueDepth = NewGauge(
		"materialize_queue_depth",
		"Pending background materializer batches",
	)
	CellCacheTotal = NewCounterVec(
		"cell_cache_total",
		"Cell clock cache lookups by result",
		[]string{"result"},
	)

	SyncRoundsTotal = NewCounterVec(
		"sync_rounds_total",
		"Peer sync rounds by result",
		[]string{"result"},
	)
	SyncDurationSeconds = NewHistogramWithBuckets(
		"sync_duration_seconds",
		"Peer sync round duration in seconds",
		SyncBuckets,
	)
	SyncRecordsTotal = NewCounterVec(
		"sync_records_total",
		"Synced change records by direction",
		[]string{"direction"},
	)
	PeerLagVersions = NewGaugeVec(
		"peer_lag_versions",
		"Local db_versions not yet acknowledged by peer",
		[]string{"peer"},
	)
	TransportBatchesTotal = NewCounterVec(
		"transport_batches_total",
		"Transport batches by transport and direction",
		[]string{"transport", "direction"},
	)
	ClockDiagnosticsTotal = NewCounterVec(
		"clock_diagnostics_total",
		"Unhealthy HLC validations by diagnostic",
		[]string{"diagnostic"},
	)

	CompactionRunsTotal = NewCounterVec(
		"compaction_runs_total",
		"Change log compaction runs by result",
		[]string{"result"},
	)
	CompactedRecordsTotal = NewCounter(
		"compacted_records_total",
		"Records removed by compaction",
	)
	SubscriptionsActive = NewGauge(
		"subscriptions_active",
		"Live subscriptions",
	)
	NotificationsDroppedTotal = NewCounter(
		"notifications_dropped_total",
		"Notifications dropped because a subscriber buffer was full",
	)
}

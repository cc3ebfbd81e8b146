// Package config provides configuration defaults for nodescope.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via nodescope.yaml or CLI flags.
package config

import "time"

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultQueueCapacity is the per-node line queue capacity.
	// When full, the oldest line is dropped.
	// Override via config: ingest.queue_capacity
	DefaultQueueCapacity = 100_000

	// DefaultQueueHighWater is the usage ratio above which backpressure
	// warnings are logged.
	// Override via config: ingest.high_water
	DefaultQueueHighWater = 0.80

	// DefaultPendingMaxAge is how long a "started" line waits for its
	// matching completion before it is evicted.
	// Override via config: ingest.pending_max_age
	DefaultPendingMaxAge = 5 * time.Minute

	// DefaultSweepInterval is how often pending operations are swept.
	// Override via config: ingest.sweep_interval
	DefaultSweepInterval = 30 * time.Second

	// DefaultBatchSize is the number of events per store write.
	// Override via config: ingest.batch_size
	DefaultBatchSize = 500

	// DefaultFlushInterval bounds how long an incomplete batch waits.
	// Override via config: ingest.flush_interval
	DefaultFlushInterval = time.Second

	// DefaultTailPollInterval is the tailer's fallback polling interval for
	// filesystems without change notifications.
	// Override via config: ingest.tail_poll_interval
	DefaultTailPollInterval = time.Second

	// DefaultFingerprintBytes is how much of a log file's head identifies it
	// for checkpoint resumption.
	DefaultFingerprintBytes = 4096
)

// =============================================================================
// Resilience Defaults
// =============================================================================

const (
	// DefaultBackoffBase is the first retry delay.
	// Override via config: resilience.backoff_base
	DefaultBackoffBase = 2 * time.Second

	// DefaultStreamBackoffCap caps retry delays for file and network sources.
	// Override via config: resilience.stream_backoff_cap
	DefaultStreamBackoffCap = 60 * time.Second

	// DefaultPollerBackoffCap caps retry delays for API pollers.
	// Override via config: resilience.poller_backoff_cap
	DefaultPollerBackoffCap = 300 * time.Second

	// DefaultHealthCheckInterval is how often pollers check their endpoint.
	// Override via config: resilience.health_check_interval
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultHealthFailureThreshold is the number of consecutive failed
	// health checks that force a reconnect.
	// Override via config: resilience.health_failure_threshold
	DefaultHealthFailureThreshold = 3

	// DefaultDialTimeout bounds forwarder connection setup.
	DefaultDialTimeout = 10 * time.Second
)

// =============================================================================
// Poller Defaults
// =============================================================================

const (
	// DefaultPollInterval is the API polling interval.
	// Override via config: poller.interval
	DefaultPollInterval = 5 * time.Minute

	// DefaultPollJitter is the relative random spread applied to each interval.
	// Override via config: poller.jitter
	DefaultPollJitter = 0.15

	// DefaultRequestTimeout bounds a single status API request.
	// Override via config: poller.request_timeout
	DefaultRequestTimeout = 15 * time.Second
)

// =============================================================================
// Analytics Defaults
// =============================================================================

const (
	// DefaultBaselineWindowHours is the lookback used for baselines.
	// Override via config: analytics.window_hours
	DefaultBaselineWindowHours = 168

	// DefaultBaselineRecompute is how often stored baselines are refreshed.
	// Override via config: analytics.recompute_interval
	DefaultBaselineRecompute = 24 * time.Hour

	// DefaultTrendThreshold is the relative change separating a trend from
	// "stable".
	// Override via config: analytics.trend_threshold
	DefaultTrendThreshold = 0.10

	// DefaultPercentileSampleCap bounds how many values percentile
	// computation sorts.
	// Override via config: analytics.percentile_sample_cap
	DefaultPercentileSampleCap = 1000

	// DefaultForecastHours is how far ahead trending metrics are projected.
	// Override via config: analytics.forecast_hours
	DefaultForecastHours = 24

	// DefaultRollupGrace is how long an hourly bucket stays open after the
	// hour ends to absorb late lines.
	// Override via config: analytics.rollup_grace
	DefaultRollupGrace = 10 * time.Minute
)

// =============================================================================
// Anomaly Defaults
// =============================================================================

const (
	// DefaultZWarning is the |z| at which an anomaly is a warning.
	// Override via config: anomaly.z_warning
	DefaultZWarning = 2.0

	// DefaultZCritical is the |z| at which an anomaly is critical.
	// Override via config: anomaly.z_critical
	DefaultZCritical = 3.0

	// DefaultMinSamples is the smallest baseline that anomalies are scored against.
	// Override via config: anomaly.min_samples
	DefaultMinSamples = 24

	// DefaultRecentAnomalyTTL is how long detected anomalies stay in memory.
	DefaultRecentAnomalyTTL = time.Hour

	// DefaultRecentAnomalyCap bounds remembered anomalies per node.
	DefaultRecentAnomalyCap = 100
)

// =============================================================================
// Alert Defaults
// =============================================================================

const (
	// DefaultAlertInterval is how often alert checks run.
	// Override via config: alerts.interval
	DefaultAlertInterval = 5 * time.Minute

	// DefaultAlertCooldown suppresses repeats of the same (node, category).
	// Override via config: alerts.cooldown
	DefaultAlertCooldown = 15 * time.Minute

	DefaultAuditWarning       = 98.0
	DefaultAuditCritical      = 96.0
	DefaultSuspensionWarning  = 98.0
	DefaultSuspensionCritical = 95.0
	DefaultOnlineWarning      = 98.0
	DefaultOnlineCritical     = 95.0

	DefaultStorageWarningPct  = 80.0
	DefaultStorageCriticalPct = 95.0

	// Forecast thresholds are in days until full.
	DefaultForecastWarningDays  = 30.0
	DefaultForecastCriticalDays = 7.0

	DefaultLatencyWarningMs  = 5000.0
	DefaultLatencyCriticalMs = 15000.0

	// DefaultNotifyQueueSize bounds pending notifications.
	DefaultNotifyQueueSize = 256

	// DefaultNotifyTimeout bounds a single channel delivery.
	DefaultNotifyTimeout = 10 * time.Second
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDBPath is the DuckDB database file.
	// Override via config: store.path
	DefaultDBPath = "nodescope.duckdb"

	// DefaultArchiveDir holds Parquet files of archived events.
	// Override via config: store.archive_dir
	DefaultArchiveDir = "archive"

	// DefaultArchiveAfter moves older events from the database to Parquet.
	// Override via config: store.archive_after
	DefaultArchiveAfter = 30 * 24 * time.Hour

	// DefaultArchiveInterval is how often archiving runs.
	DefaultArchiveInterval = 6 * time.Hour

	// DefaultCheckpointDir is the Badger directory for tail positions.
	// Empty keeps checkpoints in memory.
	// Override via config: checkpoint.dir
	DefaultCheckpointDir = "checkpoints"
)

// =============================================================================
// Broadcast and Server Defaults
// =============================================================================

const (
	// DefaultSubscriberBuffer is each live subscriber's channel capacity.
	DefaultSubscriberBuffer = 256

	// DefaultStatusInterval is how often a full status snapshot is published.
	DefaultStatusInterval = 10 * time.Second

	// DefaultMaxMessageSize limits stream frames.
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultSchedulerWorkers runs periodic background tasks.
	DefaultSchedulerWorkers = 4

	// DefaultSchedulerQueueSize is the due-task queue capacity.
	DefaultSchedulerQueueSize = 64

	// DefaultSchedulerTickInterval is how often the scheduler checks for due tasks.
	DefaultSchedulerTickInterval = time.Second

	// DefaultSchedulerMaxJitter bounds the random delay before a task's first run.
	DefaultSchedulerMaxJitter = 10 * time.Second

	// DefaultTaskTimeout bounds a single task run.
	DefaultTaskTimeout = 5 * time.Minute

	// DefaultDrainTimeout is how long shutdown waits for in-flight work.
	DefaultDrainTimeout = 30 * time.Second
)

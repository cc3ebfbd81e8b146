// Package loader - Configuration Types
//
// Defines the YAML configuration structure for nodescoped.
//
//	nodes:          log sources and status APIs, one entry per storage node
//	store:          DuckDB database and Parquet archive
//	checkpoint:     Badger tail positions
//	ingest:         line queue, batching, correlation
//	resilience:     reconnect backoff and health checks
//	poller:         status API polling
//	analytics:      baselines, rollups, forecasts
//	anomaly:        z-score thresholds
//	alerts:         evaluation interval, cooldown, thresholds
//	notifications:  log and webhook channels
//	broadcast:      live stream server
//	metrics:        Prometheus endpoint
//	logging:        level and format
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/alert"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for nodescoped.
type Config struct {
	Nodes []NodeConfig `yaml:"nodes"`

	Store      StoreConfig      `yaml:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	Ingest     IngestConfig     `yaml:"ingest"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Poller     PollerConfig     `yaml:"poller"`

	Analytics AnalyticsConfig `yaml:"analytics"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Alerts    AlertsConfig    `yaml:"alerts"`

	Notifications NotificationsConfig `yaml:"notifications"`
	Broadcast     BroadcastConfig     `yaml:"broadcast"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`

	// Include lists additional files whose nodes are appended.
	// Supports glob patterns. Relative to this file's directory.
	Include []string `yaml:"include"`
}

// =============================================================================
// Nodes
// =============================================================================

// NodeConfig describes one storage node. Exactly one of LogPath and
// Forwarder must be set.
type NodeConfig struct {
	Name string `yaml:"name"`

	// LogPath is a local log file to tail.
	LogPath string `yaml:"log_path"`

	// Forwarder is the host:port of a remote line forwarder.
	Forwarder string `yaml:"forwarder"`

	// API is the status API base URL. Empty disables polling.
	API string `yaml:"api"`
}

// IsFile reports whether the node is fed by a local file.
func (n NodeConfig) IsFile() bool {
	return n.LogPath != ""
}

// String formats the node the way ParseNodeSpec reads it.
func (n NodeConfig) String() string {
	src := n.LogPath
	if src == "" {
		src = n.Forwarder
	}
	s := n.Name + "=" + src
	if n.API != "" {
		s += ",api=" + n.API
	}
	return s
}

// =============================================================================
// Storage
// =============================================================================

// StoreConfig configures the DuckDB store.
type StoreConfig struct {
	// Path is the database file. Empty keeps the database in memory.
	// Default: "nodescope.duckdb"
	Path string `yaml:"path"`

	// ArchiveDir holds Parquet files of archived events. Empty disables
	// archiving.
	ArchiveDir string `yaml:"archive_dir"`

	// ArchiveAfter moves events older than this to the archive.
	ArchiveAfter Duration `yaml:"archive_after"`

	// ArchiveInterval is how often archiving runs.
	ArchiveInterval Duration `yaml:"archive_interval"`

	MaxOpenConns int      `yaml:"max_open_conns"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

// CheckpointConfig configures tail position persistence.
type CheckpointConfig struct {
	// Dir is the Badger directory. Empty keeps checkpoints in memory.
	Dir string `yaml:"dir"`

	// SyncWrites fsyncs every checkpoint commit.
	SyncWrites bool `yaml:"sync_writes"`
}

// =============================================================================
// Ingestion
// =============================================================================

// IngestConfig configures the per-node ingest pipeline.
type IngestConfig struct {
	QueueCapacity int     `yaml:"queue_capacity"`
	HighWater     float64 `yaml:"high_water"`

	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`

	PendingMaxAge Duration `yaml:"pending_max_age"`
	SweepInterval Duration `yaml:"sweep_interval"`

	TailPollInterval Duration `yaml:"tail_poll_interval"`

	// MaxLineBytes bounds one forwarded line. Supports "4MB".
	MaxLineBytes ByteSize `yaml:"max_line_bytes"`
}

// ResilienceConfig configures reconnect behavior.
type ResilienceConfig struct {
	BackoffBase            Duration `yaml:"backoff_base"`
	StreamBackoffCap       Duration `yaml:"stream_backoff_cap"`
	PollerBackoffCap       Duration `yaml:"poller_backoff_cap"`
	HealthCheckInterval    Duration `yaml:"health_check_interval"`
	HealthFailureThreshold int      `yaml:"health_failure_threshold"`
}

// PollerConfig configures status API polling.
type PollerConfig struct {
	Interval       Duration `yaml:"interval"`
	Jitter         float64  `yaml:"jitter"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// =============================================================================
// Analysis
// =============================================================================

// AnalyticsConfig configures baselines, rollups and forecasts.
type AnalyticsConfig struct {
	WindowHours       int      `yaml:"window_hours"`
	RecomputeInterval Duration `yaml:"recompute_interval"`
	TrendThreshold    float64  `yaml:"trend_threshold"`
	RollupGrace       Duration `yaml:"rollup_grace"`

	PercentileSampleCap int `yaml:"percentile_sample_cap"`
	ForecastHours       int `yaml:"forecast_hours"`
}

// AnomalyConfig configures anomaly scoring.
type AnomalyConfig struct {
	ZWarning   float64 `yaml:"z_warning"`
	ZCritical  float64 `yaml:"z_critical"`
	MinSamples int     `yaml:"min_samples"`
}

// AlertsConfig configures alert evaluation.
type AlertsConfig struct {
	Interval   Duration         `yaml:"interval"`
	Cooldown   Duration         `yaml:"cooldown"`
	Thresholds alert.Thresholds `yaml:"thresholds"`
}

// =============================================================================
// Outputs
// =============================================================================

// NotificationsConfig configures alert delivery.
type NotificationsConfig struct {
	QueueSize int      `yaml:"queue_size"`
	Timeout   Duration `yaml:"timeout"`

	Log      LogChannelConfig `yaml:"log"`
	Webhooks []WebhookConfig  `yaml:"webhooks"`
}

// LogChannelConfig configures the log channel.
type LogChannelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MinSeverity string `yaml:"min_severity"`
}

// WebhookConfig configures one webhook channel.
type WebhookConfig struct {
	Name        string            `yaml:"name"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	MinSeverity string            `yaml:"min_severity"`
}

// BroadcastConfig configures the live stream.
type BroadcastConfig struct {
	// Listen is the stream server address. Empty disables the server;
	// the in-process hub always runs.
	Listen string `yaml:"listen"`

	SubscriberBuffer int      `yaml:"subscriber_buffer"`
	StatusInterval   Duration `yaml:"status_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen serves /metrics and /healthz. Empty disables it.
	Listen string `yaml:"listen"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text, json or auto (text on a terminal, JSON otherwise).
	Format string `yaml:"format"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:            config.DefaultDBPath,
			ArchiveDir:      config.DefaultArchiveDir,
			ArchiveAfter:    Duration(config.DefaultArchiveAfter),
			ArchiveInterval: Duration(config.DefaultArchiveInterval),
			MaxOpenConns:    8,
			QueryTimeout:    Duration(30 * time.Second),
		},
		Checkpoint: CheckpointConfig{
			Dir: config.DefaultCheckpointDir,
		},
		Ingest: IngestConfig{
			QueueCapacity:    config.DefaultQueueCapacity,
			HighWater:        config.DefaultQueueHighWater,
			BatchSize:        config.DefaultBatchSize,
			FlushInterval:    Duration(config.DefaultFlushInterval),
			PendingMaxAge:    Duration(config.DefaultPendingMaxAge),
			SweepInterval:    Duration(config.DefaultSweepInterval),
			TailPollInterval: Duration(config.DefaultTailPollInterval),
			MaxLineBytes:     ByteSize(config.DefaultMaxMessageSize),
		},
		Resilience: ResilienceConfig{
			BackoffBase:            Duration(config.DefaultBackoffBase),
			StreamBackoffCap:       Duration(config.DefaultStreamBackoffCap),
			PollerBackoffCap:       Duration(config.DefaultPollerBackoffCap),
			HealthCheckInterval:    Duration(config.DefaultHealthCheckInterval),
			HealthFailureThreshold: config.DefaultHealthFailureThreshold,
		},
		Poller: PollerConfig{
			Interval:       Duration(config.DefaultPollInterval),
			Jitter:         config.DefaultPollJitter,
			RequestTimeout: Duration(config.DefaultRequestTimeout),
		},
		Analytics: AnalyticsConfig{
			WindowHours:       config.DefaultBaselineWindowHours,
			RecomputeInterval: Duration(config.DefaultBaselineRecompute),
			TrendThreshold:    config.DefaultTrendThreshold,
			RollupGrace:       Duration(config.DefaultRollupGrace),

			PercentileSampleCap: config.DefaultPercentileSampleCap,
			ForecastHours:       config.DefaultForecastHours,
		},
		Anomaly: AnomalyConfig{
			ZWarning:   config.DefaultZWarning,
			ZCritical:  config.DefaultZCritical,
			MinSamples: config.DefaultMinSamples,
		},
		Alerts: AlertsConfig{
			Interval:   Duration(config.DefaultAlertInterval),
			Cooldown:   Duration(config.DefaultAlertCooldown),
			Thresholds: alert.DefaultThresholds(),
		},
		Notifications: NotificationsConfig{
			QueueSize: config.DefaultNotifyQueueSize,
			Timeout:   Duration(config.DefaultNotifyTimeout),
			Log:       LogChannelConfig{Enabled: true, MinSeverity: "warning"},
		},
		Broadcast: BroadcastConfig{
			SubscriberBuffer: config.DefaultSubscriberBuffer,
			StatusInterval:   Duration(config.DefaultStatusInterval),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Supports: "5m", "1h30m", or plain seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	if n, err := parseDays(s); err == nil {
		*d = Duration(n)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// parseDays accepts "30d", which time.ParseDuration does not.
func parseDays(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "d") {
		return 0, fmt.Errorf("not a day count: %q", s)
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSuffix(s, "d"), "%d", &n); err != nil {
		return 0, err
	}
	if fmt.Sprintf("%dd", n) != s {
		return 0, fmt.Errorf("not a day count: %q", s)
	}
	return time.Duration(n) * 24 * time.Hour, nil
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "100MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// parseByteSize parses a size string like "100MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	// Longest suffixes first so "MB" is not read as "B".
	units := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			var n int64
			num := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			if _, err := fmt.Sscanf(num, "%d", &n); err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}

	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

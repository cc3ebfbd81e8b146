// Package loader handles configuration file loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files over the built-in defaults
//   - Expanding environment variables
//   - Processing include directives
//   - Parsing --node specs from the command line
//   - Validating the merged result
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
	"github.com/xtxerr/nodescope/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load reads a YAML file over DefaultConfig. ${VAR} references are expanded
// from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := Parse(data, cfg); err != nil {
		return nil, err
	}

	if err := processIncludes(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, overwriting only the keys present.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config: %w: %w", errors.ErrInvalidConfig, err)
	}
	return nil
}

// processIncludes loads included files and appends their nodes.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}
	return nil
}

// loadInclude merges the nodes of one include file. Other sections of an
// include file are ignored.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial struct {
		Nodes []NodeConfig `yaml:"nodes"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	cfg.Nodes = append(cfg.Nodes, partial.Nodes...)
	return nil
}

// =============================================================================
// Node Specs
// =============================================================================

// ParseNodeSpec parses a command line node spec:
//
//	name=/path/to/node.log
//	name=host:port
//	name=/path/to/node.log,api=http://127.0.0.1:14002
//
// A source is a forwarder address when it splits into host and numeric
// port and does not look like a path; otherwise it is a file.
func ParseNodeSpec(spec string) (NodeConfig, error) {
	var n NodeConfig

	parts := strings.Split(spec, ",")
	name, src, ok := strings.Cut(parts[0], "=")
	name = strings.TrimSpace(name)
	src = strings.TrimSpace(src)
	if !ok || name == "" || src == "" {
		return n, fmt.Errorf("%w: %q: want name=source[,api=URL]", errors.ErrInvalidNodeSpec, spec)
	}
	n.Name = name

	if validation.IsHostPort(src) {
		n.Forwarder = src
	} else {
		n.LogPath = src
	}

	for _, opt := range parts[1:] {
		k, v, ok := strings.Cut(opt, "=")
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		switch {
		case !ok || v == "":
			return n, fmt.Errorf("%w: %q: empty option %q", errors.ErrInvalidNodeSpec, spec, opt)
		case k == "api":
			n.API = v
		default:
			return n, fmt.Errorf("%w: %q: unknown option %q", errors.ErrInvalidNodeSpec, spec, k)
		}
	}
	return n, nil
}

// ApplyNodeSpecs merges command line nodes into cfg. A spec naming an
// existing node replaces it.
func ApplyNodeSpecs(cfg *Config, specs []string) error {
	for _, spec := range specs {
		n, err := ParseNodeSpec(spec)
		if err != nil {
			return err
		}
		replaced := false
		for i := range cfg.Nodes {
			if cfg.Nodes[i].Name == n.Name {
				cfg.Nodes[i] = n
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Nodes = append(cfg.Nodes, n)
		}
	}
	return nil
}

// NodeNames returns the configured node names in order.
func (c *Config) NodeNames() []string {
	out := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		out[i] = n.Name
	}
	return out
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks the configuration and reports every problem at once.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	validateNodes(cfg.Nodes, errs)

	// Ingestion
	if cfg.Ingest.QueueCapacity <= 0 {
		errs.AddField("ingest.queue_capacity", "must be positive")
	}
	if cfg.Ingest.HighWater <= 0 || cfg.Ingest.HighWater > 1 {
		errs.AddField("ingest.high_water", "must be in (0, 1]")
	}
	if cfg.Ingest.BatchSize <= 0 {
		errs.AddField("ingest.batch_size", "must be positive")
	}
	if cfg.Ingest.FlushInterval <= 0 {
		errs.AddField("ingest.flush_interval", "must be positive")
	}
	if cfg.Ingest.PendingMaxAge <= 0 {
		errs.AddField("ingest.pending_max_age", "must be positive")
	}
	if cfg.Ingest.SweepInterval <= 0 {
		errs.AddField("ingest.sweep_interval", "must be positive")
	}

	// Resilience
	if cfg.Resilience.BackoffBase <= 0 {
		errs.AddField("resilience.backoff_base", "must be positive")
	}
	if cfg.Resilience.StreamBackoffCap < cfg.Resilience.BackoffBase {
		errs.AddField("resilience.stream_backoff_cap", "must not be below backoff_base")
	}
	if cfg.Resilience.PollerBackoffCap < cfg.Resilience.BackoffBase {
		errs.AddField("resilience.poller_backoff_cap", "must not be below backoff_base")
	}

	// Poller
	if cfg.Poller.Interval <= 0 {
		errs.AddField("poller.interval", "must be positive")
	}
	if cfg.Poller.Jitter < 0 || cfg.Poller.Jitter >= 1 {
		errs.AddField("poller.jitter", "must be in [0, 1)")
	}

	// Analysis
	if cfg.Analytics.WindowHours <= 0 {
		errs.AddField("analytics.window_hours", "must be positive")
	}
	if cfg.Analytics.RecomputeInterval <= 0 {
		errs.AddField("analytics.recompute_interval", "must be positive")
	}
	if cfg.Analytics.TrendThreshold <= 0 {
		errs.AddField("analytics.trend_threshold", "must be positive")
	}
	if cfg.Analytics.PercentileSampleCap <= 0 {
		errs.AddField("analytics.percentile_sample_cap", "must be positive")
	}
	if cfg.Analytics.ForecastHours <= 0 {
		errs.AddField("analytics.forecast_hours", "must be positive")
	}
	if cfg.Anomaly.ZWarning <= 0 || cfg.Anomaly.ZCritical <= cfg.Anomaly.ZWarning {
		errs.AddField("anomaly", "need 0 < z_warning < z_critical")
	}
	if cfg.Anomaly.MinSamples <= 0 {
		errs.AddField("anomaly.min_samples", "must be positive")
	}

	validateAlerts(&cfg.Alerts, errs)
	validateNotifications(&cfg.Notifications, errs)

	// Outputs
	if cfg.Store.ArchiveDir != "" && cfg.Store.ArchiveAfter <= 0 {
		errs.AddField("store.archive_after", "must be positive when archiving")
	}
	if cfg.Broadcast.Listen != "" {
		if err := validation.ValidateListenAddr(cfg.Broadcast.Listen); err != nil {
			errs.AddField("broadcast.listen", err.Error())
		}
	}
	if cfg.Metrics.Listen != "" {
		if err := validation.ValidateListenAddr(cfg.Metrics.Listen); err != nil {
			errs.AddField("metrics.listen", err.Error())
		}
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs.AddField("logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "auto", "text", "json":
	default:
		errs.AddField("logging.format", fmt.Sprintf("unknown format %q", cfg.Logging.Format))
	}

	return errs.Err()
}

func validateNodes(nodes []NodeConfig, errs *errors.ValidationErrors) {
	if len(nodes) == 0 {
		errs.AddField("nodes", "at least one node is required")
		return
	}

	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.Name == "" {
			errs.AddMissing(field + ".name")
			continue
		}
		field = "nodes." + n.Name
		if err := validation.ValidateNodeName(n.Name); err != nil {
			errs.AddField(field+".name", err.Error())
		}
		if seen[n.Name] {
			errs.AddField(field, "duplicate node name")
		}
		seen[n.Name] = true

		switch {
		case n.LogPath == "" && n.Forwarder == "":
			errs.AddField(field, "needs log_path or forwarder")
		case n.LogPath != "" && n.Forwarder != "":
			errs.AddField(field, "log_path and forwarder are exclusive")
		case n.Forwarder != "" && !validation.IsHostPort(n.Forwarder):
			errs.AddField(field+".forwarder", fmt.Sprintf("%q is not host:port", n.Forwarder))
		}

		if n.API != "" {
			if err := validation.ValidateHTTPURL(n.API); err != nil {
				errs.AddField(field+".api", err.Error())
			}
		}
	}
}

func validateAlerts(a *AlertsConfig, errs *errors.ValidationErrors) {
	if a.Interval <= 0 {
		errs.AddField("alerts.interval", "must be positive")
	}
	if a.Cooldown < 0 {
		errs.AddField("alerts.cooldown", "must not be negative")
	}

	t := a.Thresholds
	lowerIsWorse := []struct {
		name              string
		warning, critical float64
	}{
		{"audit", t.AuditWarning, t.AuditCritical},
		{"suspension", t.SuspensionWarning, t.SuspensionCritical},
		{"online", t.OnlineWarning, t.OnlineCritical},
		{"forecast_days", t.ForecastWarningDays, t.ForecastCriticalDays},
	}
	for _, s := range lowerIsWorse {
		if s.critical > s.warning {
			errs.AddField("alerts.thresholds."+s.name, "critical must not be above warning")
		}
	}
	if t.StorageCriticalPct < t.StorageWarningPct {
		errs.AddField("alerts.thresholds.storage", "critical must not be below warning")
	}
	if t.LatencyCriticalMs < t.LatencyWarningMs {
		errs.AddField("alerts.thresholds.latency", "critical must not be below warning")
	}
	if t.ForecastMinConfidence < 0 || t.ForecastMinConfidence > 1 {
		errs.AddField("alerts.thresholds.forecast_min_confidence", "must be in [0, 1]")
	}
}

func validateNotifications(n *NotificationsConfig, errs *errors.ValidationErrors) {
	if n.QueueSize <= 0 {
		errs.AddField("notifications.queue_size", "must be positive")
	}
	if _, err := ParseSeverity(n.Log.MinSeverity); err != nil {
		errs.AddField("notifications.log.min_severity", err.Error())
	}
	for i, w := range n.Webhooks {
		field := fmt.Sprintf("notifications.webhooks[%d]", i)
		if w.URL == "" {
			errs.AddMissing(field + ".url")
		} else if err := validation.ValidateHTTPURL(w.URL); err != nil {
			errs.AddField(field+".url", err.Error())
		}
		if _, err := ParseSeverity(w.MinSeverity); err != nil {
			errs.AddField(field+".min_severity", err.Error())
		}
	}
}

// ParseSeverity maps a configured severity name. Empty means info.
func ParseSeverity(s string) (types.Severity, error) {
	switch sev := types.Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case "":
		return types.SeverityInfo, nil
	case types.SeverityInfo, types.SeverityWarning, types.SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

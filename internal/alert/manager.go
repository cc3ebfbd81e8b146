// Package alert turns threshold breaches and anomalies into deduplicated
// alerts.
//
// Every check produces candidates named "<check>_<severity>". A candidate
// is dropped when an unresolved alert of the same node and category was
// created within the cooldown. New alerts are stored first, then published
// and handed to the notification dispatcher; neither of the latter can
// block or undo the stored alert.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/analytics"
	"github.com/xtxerr/nodescope/internal/broadcast"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/metrics"
	"github.com/xtxerr/nodescope/internal/types"
)

var log = logging.Component("alert")

// Store is the alert manager's view of the store.
type Store interface {
	AppendAlertUnlessActive(ctx context.Context, a *types.Alert, since time.Time) (*types.Alert, error)
	GetActiveAlerts(ctx context.Context, nodes []string) ([]*types.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) (*types.Alert, error)
	ResolveAlert(ctx context.Context, id string, at time.Time) (*types.Alert, error)

	LatestReputation(ctx context.Context, node string) ([]types.ReputationSnapshot, error)
	LatestStorage(ctx context.Context, node string) (*types.StorageSnapshot, error)
	LatestMetric(ctx context.Context, node, metric string) (*types.MetricSample, error)
}

// Forecaster projects storage exhaustion.
type Forecaster interface {
	Capacity(ctx context.Context, node string) (analytics.Capacity, error)
}

// AnomalySource finds anomalies for nodes.
type AnomalySource interface {
	Detect(ctx context.Context, nodes []string) ([]types.Anomaly, error)
}

// Notifier accepts alerts for asynchronous delivery.
type Notifier interface {
	Enqueue(a types.Alert)
}

// Thresholds hold the limits of every check. Scores are percentages where
// lower is worse; the rest are limits where higher is worse, except
// forecast days where fewer is worse.
type Thresholds struct {
	AuditWarning       float64 `yaml:"audit_warning"`
	AuditCritical      float64 `yaml:"audit_critical"`
	SuspensionWarning  float64 `yaml:"suspension_warning"`
	SuspensionCritical float64 `yaml:"suspension_critical"`
	OnlineWarning      float64 `yaml:"online_warning"`
	OnlineCritical     float64 `yaml:"online_critical"`

	StorageWarningPct  float64 `yaml:"storage_warning_pct"`
	StorageCriticalPct float64 `yaml:"storage_critical_pct"`

	ForecastWarningDays   float64 `yaml:"forecast_warning_days"`
	ForecastCriticalDays  float64 `yaml:"forecast_critical_days"`
	ForecastMinConfidence float64 `yaml:"forecast_min_confidence"`

	LatencyWarningMs  float64 `yaml:"latency_warning_ms"`
	LatencyCriticalMs float64 `yaml:"latency_critical_ms"`
}

// DefaultThresholds returns the default limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AuditWarning:          config.DefaultAuditWarning,
		AuditCritical:         config.DefaultAuditCritical,
		SuspensionWarning:     config.DefaultSuspensionWarning,
		SuspensionCritical:    config.DefaultSuspensionCritical,
		OnlineWarning:         config.DefaultOnlineWarning,
		OnlineCritical:        config.DefaultOnlineCritical,
		StorageWarningPct:     config.DefaultStorageWarningPct,
		StorageCriticalPct:    config.DefaultStorageCriticalPct,
		ForecastWarningDays:   config.DefaultForecastWarningDays,
		ForecastCriticalDays:  config.DefaultForecastCriticalDays,
		ForecastMinConfidence: 0.5,
		LatencyWarningMs:      config.DefaultLatencyWarningMs,
		LatencyCriticalMs:     config.DefaultLatencyCriticalMs,
	}
}

// Config controls the manager.
type Config struct {
	Thresholds Thresholds
	Cooldown   time.Duration

	// MaxMetricAge ignores rollup values older than this. Idle nodes
	// should not keep alerting on their last busy hour.
	MaxMetricAge time.Duration

	Now func() time.Time
}

// Deps are the optional collaborators of the manager.
type Deps struct {
	Forecaster Forecaster
	Anomalies  AnomalySource
	Publisher  broadcast.Publisher
	Notifier   Notifier
}

// Manager evaluates checks and owns alert mutations.
//
// Manager is safe for concurrent use.
type Manager struct {
	st   Store
	cfg  Config
	deps Deps
}

// New creates a manager. Zero config fields take defaults.
func New(st Store, cfg Config, deps Deps) *Manager {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = config.DefaultAlertCooldown
	}
	if cfg.MaxMetricAge <= 0 {
		cfg.MaxMetricAge = 2 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = broadcast.Discard{}
	}
	return &Manager{st: st, cfg: cfg, deps: deps}
}

// Candidate is a would-be alert before deduplication.
type Candidate struct {
	Node     string
	Check    string
	Severity types.Severity
	Title    string
	Message  string
	Metadata map[string]any
}

// Category is "<check>_<severity>".
func (c Candidate) Category() string {
	return c.Check + "_" + string(c.Severity)
}

// Evaluate runs every check for nodes and raises the resulting candidates.
// It returns the alerts that were created.
func (m *Manager) Evaluate(ctx context.Context, nodes []string) ([]*types.Alert, error) {
	var (
		candidates []Candidate
		errs       []error
	)

	for _, node := range nodes {
		for _, check := range []func(context.Context, string) ([]Candidate, error){
			m.checkReputation,
			m.checkStorage,
			m.checkForecast,
			m.checkLatency,
		} {
			c, err := check(ctx, node)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			candidates = append(candidates, c...)
		}
	}

	if m.deps.Anomalies != nil {
		anomalies, err := m.deps.Anomalies.Detect(ctx, nodes)
		if err != nil {
			errs = append(errs, err)
		}
		for _, a := range anomalies {
			candidates = append(candidates, fromAnomaly(a))
		}
	}

	var created []*types.Alert
	for _, c := range candidates {
		a, err := m.Raise(ctx, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if a != nil {
			created = append(created, a)
		}
	}

	if len(errs) > 0 {
		log.Warn("alert evaluation incomplete", "nodes", len(nodes), "errors", len(errs))
	}
	log.Debug("alert evaluation done", "nodes", len(nodes), "candidates", len(candidates), "created", len(created))
	return created, errors.Join(errs...)
}

// Raise creates an alert for c unless the cooldown suppresses it. It
// returns nil when suppressed.
func (m *Manager) Raise(ctx context.Context, c Candidate) (*types.Alert, error) {
	now := m.cfg.Now()
	category := c.Category()

	a := &types.Alert{
		ID:        uuid.NewString(),
		Node:      c.Node,
		Category:  category,
		Severity:  c.Severity,
		Title:     c.Title,
		Message:   c.Message,
		Metadata:  c.Metadata,
		CreatedAt: now,
	}
	existing, err := m.st.AppendAlertUnlessActive(ctx, a, now.Add(-m.cfg.Cooldown))
	if err != nil {
		return nil, errors.Wrapf(err, "store alert %s/%s", c.Node, category)
	}
	if existing != nil {
		metrics.AlertsSuppressed.WithLabelValues(category).Inc()
		log.Debug("alert suppressed", "node", c.Node, "category", category, "existing", existing.ID)
		return nil, nil
	}

	metrics.AlertsCreated.WithLabelValues(category, string(a.Severity)).Inc()
	log.Info("alert raised", "id", a.ID, "node", a.Node, "category", category, "title", a.Title)

	m.deps.Publisher.Publish(broadcast.TopicAlerts, *a)
	if m.deps.Notifier != nil {
		m.deps.Notifier.Enqueue(*a)
	}
	return a, nil
}

// Acknowledge marks an alert acknowledged. Repeating it is a no-op.
func (m *Manager) Acknowledge(ctx context.Context, id string) (*types.Alert, error) {
	a, err := m.st.AcknowledgeAlert(ctx, id, m.cfg.Now())
	if err != nil {
		return nil, err
	}
	m.deps.Publisher.Publish(broadcast.TopicAlerts, *a)
	return a, nil
}

// Resolve marks an alert resolved. Repeating it is a no-op.
func (m *Manager) Resolve(ctx context.Context, id string) (*types.Alert, error) {
	a, err := m.st.ResolveAlert(ctx, id, m.cfg.Now())
	if err != nil {
		return nil, err
	}
	m.deps.Publisher.Publish(broadcast.TopicAlerts, *a)
	return a, nil
}

// Active returns unresolved alerts of nodes, newest first.
func (m *Manager) Active(ctx context.Context, nodes []string) ([]*types.Alert, error) {
	return m.st.GetActiveAlerts(ctx, nodes)
}

// =============================================================================
// Checks
// =============================================================================

// below grades a score where lower is worse.
func below(v, warning, critical float64) (types.Severity, bool) {
	switch {
	case v < critical:
		return types.SeverityCritical, true
	case v < warning:
		return types.SeverityWarning, true
	}
	return "", false
}

// above grades a value where higher is worse.
func above(v, warning, critical float64) (types.Severity, bool) {
	switch {
	case v >= critical:
		return types.SeverityCritical, true
	case v >= warning:
		return types.SeverityWarning, true
	}
	return "", false
}

type scoreCheck struct {
	check    string
	label    string
	score    func(types.ReputationSnapshot) float64
	warning  float64
	critical float64
}

func (m *Manager) checkReputation(ctx context.Context, node string) ([]Candidate, error) {
	snaps, err := m.st.LatestReputation(ctx, node)
	if err != nil {
		return nil, errors.Wrapf(err, "reputation check %s", node)
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	th := m.cfg.Thresholds
	checks := []scoreCheck{
		{"audit_score", "Audit score", func(r types.ReputationSnapshot) float64 { return r.AuditScore }, th.AuditWarning, th.AuditCritical},
		{"suspension_score", "Suspension score", func(r types.ReputationSnapshot) float64 { return r.SuspensionScore }, th.SuspensionWarning, th.SuspensionCritical},
		{"online_score", "Online score", func(r types.ReputationSnapshot) float64 { return r.OnlineScore }, th.OnlineWarning, th.OnlineCritical},
	}

	var out []Candidate
	for _, sc := range checks {
		// One alert per check, for the worst satellite.
		var (
			worst    *types.ReputationSnapshot
			sev      types.Severity
			affected []string
		)
		for i := range snaps {
			s, ok := below(sc.score(snaps[i]), sc.warning, sc.critical)
			if !ok {
				continue
			}
			affected = append(affected, snaps[i].SatelliteID)
			if worst == nil || sc.score(snaps[i]) < sc.score(*worst) {
				worst, sev = &snaps[i], s
			}
		}
		if worst == nil {
			continue
		}
		sort.Strings(affected)
		score := sc.score(*worst)
		out = append(out, Candidate{
			Node:     node,
			Check:    sc.check,
			Severity: sev,
			Title:    fmt.Sprintf("%s %.2f%% on %s", sc.label, score, node),
			Message: fmt.Sprintf("%s for satellite %s dropped to %.2f%% (warning below %.2f%%, critical below %.2f%%).",
				sc.label, satelliteName(*worst), score, sc.warning, sc.critical),
			Metadata: map[string]any{
				"satellite_id": worst.SatelliteID,
				"score":        score,
				"affected":     affected,
			},
		})
	}

	var dq []string
	for _, r := range snaps {
		if r.Disqualified {
			dq = append(dq, r.SatelliteID)
		}
	}
	if len(dq) > 0 {
		out = append(out, Candidate{
			Node:     node,
			Check:    "disqualified",
			Severity: types.SeverityCritical,
			Title:    fmt.Sprintf("%s disqualified on %d satellite(s)", node, len(dq)),
			Message:  "Disqualified on " + strings.Join(dq, ", ") + ".",
			Metadata: map[string]any{"satellites": dq},
		})
	}
	return out, nil
}

func satelliteName(r types.ReputationSnapshot) string {
	if r.SatelliteURL != "" {
		return r.SatelliteURL
	}
	return r.SatelliteID
}

func (m *Manager) checkStorage(ctx context.Context, node string) ([]Candidate, error) {
	snap, err := m.st.LatestStorage(ctx, node)
	if err != nil {
		return nil, errors.Wrapf(err, "storage check %s", node)
	}
	if snap == nil || snap.TotalBytes() == 0 {
		return nil, nil
	}

	pct := snap.UsedPercent()
	sev, ok := above(pct, m.cfg.Thresholds.StorageWarningPct, m.cfg.Thresholds.StorageCriticalPct)
	if !ok {
		return nil, nil
	}
	return []Candidate{{
		Node:     node,
		Check:    "storage_usage",
		Severity: sev,
		Title:    fmt.Sprintf("Storage %.1f%% full on %s", pct, node),
		Message: fmt.Sprintf("%d of %d bytes in use including trash.",
			snap.UsedBytes+snap.TrashBytes, snap.TotalBytes()),
		Metadata: map[string]any{
			"used_percent":    pct,
			"used_bytes":      snap.UsedBytes,
			"trash_bytes":     snap.TrashBytes,
			"available_bytes": snap.AvailableBytes,
		},
	}}, nil
}

func (m *Manager) checkForecast(ctx context.Context, node string) ([]Candidate, error) {
	if m.deps.Forecaster == nil {
		return nil, nil
	}
	c, err := m.deps.Forecaster.Capacity(ctx, node)
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientData) || errors.Is(err, errors.ErrInsufficientVariance) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "forecast check %s", node)
	}
	th := m.cfg.Thresholds
	if !c.Growing() || c.Confidence < th.ForecastMinConfidence {
		return nil, nil
	}

	var sev types.Severity
	switch {
	case c.DaysUntilFull <= th.ForecastCriticalDays:
		sev = types.SeverityCritical
	case c.DaysUntilFull <= th.ForecastWarningDays:
		sev = types.SeverityWarning
	default:
		return nil, nil
	}
	return []Candidate{{
		Node:     node,
		Check:    "storage_forecast",
		Severity: sev,
		Title:    fmt.Sprintf("%s full in %.1f days", node, c.DaysUntilFull),
		Message: fmt.Sprintf("Usage grows %.0f bytes per day; the allocation of %d bytes runs out in about %.1f days (confidence %.2f).",
			c.GrowthPerDay, c.TotalBytes, c.DaysUntilFull, c.Confidence),
		Metadata: map[string]any{
			"days_until_full": c.DaysUntilFull,
			"growth_per_day":  c.GrowthPerDay,
			"confidence":      c.Confidence,
		},
	}}, nil
}

func (m *Manager) checkLatency(ctx context.Context, node string) ([]Candidate, error) {
	s, err := m.st.LatestMetric(ctx, node, types.MetricLatencyP95)
	if err != nil {
		return nil, errors.Wrapf(err, "latency check %s", node)
	}
	if s == nil || m.cfg.Now().Sub(s.Bucket) > m.cfg.MaxMetricAge {
		return nil, nil
	}
	sev, ok := above(s.Value, m.cfg.Thresholds.LatencyWarningMs, m.cfg.Thresholds.LatencyCriticalMs)
	if !ok {
		return nil, nil
	}
	return []Candidate{{
		Node:     node,
		Check:    "latency",
		Severity: sev,
		Title:    fmt.Sprintf("p95 latency %.0fms on %s", s.Value, node),
		Message:  fmt.Sprintf("95th percentile operation latency for the hour starting %s was %.0fms.", s.Bucket.Format(time.RFC3339), s.Value),
		Metadata: map[string]any{"p95_ms": s.Value, "bucket": s.Bucket},
	}}, nil
}

func fromAnomaly(a types.Anomaly) Candidate {
	return Candidate{
		Node:     a.Node,
		Check:    "anomaly_" + a.Metric,
		Severity: a.Severity,
		Title:    fmt.Sprintf("%s %s on %s", a.Metric, a.Kind, a.Node),
		Message: fmt.Sprintf("%s is %.2f against a baseline of %.2f ± %.2f (z = %.2f).",
			a.Metric, a.Value, a.Baseline.Mean, a.Baseline.StdDev, a.ZScore),
		Metadata: map[string]any{
			"metric":     a.Metric,
			"value":      a.Value,
			"mean":       a.Baseline.Mean,
			"std_dev":    a.Baseline.StdDev,
			"z_score":    a.ZScore,
			"kind":       string(a.Kind),
			"confidence": a.Confidence,
		},
	}
}

// Package anomaly scores the newest hourly metric values against their
// baselines.
package anomaly

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/analytics"
	"github.com/xtxerr/nodescope/internal/broadcast"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/metrics"
	"github.com/xtxerr/nodescope/internal/types"
)

var log = logging.Component("anomaly")

// Source supplies baselines and the values to score.
type Source interface {
	Baseline(ctx context.Context, node, metric string) (*types.Baseline, error)
	Latest(ctx context.Context, node, metric string) (*types.MetricSample, error)
}

// Config controls detection.
type Config struct {
	ZWarning   float64
	ZCritical  float64
	MinSamples int

	RecentTTL time.Duration
	RecentCap int

	// Metrics are scored by Detect.
	Metrics []string

	Now func() time.Time
}

// DefaultConfig returns the default detection thresholds.
func DefaultConfig() Config {
	return Config{
		ZWarning:   config.DefaultZWarning,
		ZCritical:  config.DefaultZCritical,
		MinSamples: config.DefaultMinSamples,
		RecentTTL:  config.DefaultRecentAnomalyTTL,
		RecentCap:  config.DefaultRecentAnomalyCap,
		Metrics:    types.RollupMetrics,
		Now:        time.Now,
	}
}

// Detector finds anomalies.
//
// Detector is safe for concurrent use.
type Detector struct {
	src Source
	pub broadcast.Publisher
	cfg Config

	mu     sync.Mutex
	recent map[string][]types.Anomaly
	scored map[string]time.Time // node+metric -> newest scored bucket
}

// New creates a detector. pub may be nil.
func New(src Source, pub broadcast.Publisher, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.ZWarning <= 0 {
		cfg.ZWarning = def.ZWarning
	}
	if cfg.ZCritical <= 0 {
		cfg.ZCritical = def.ZCritical
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = def.RecentTTL
	}
	if cfg.RecentCap <= 0 {
		cfg.RecentCap = def.RecentCap
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = def.Metrics
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if pub == nil {
		pub = broadcast.Discard{}
	}
	return &Detector{
		src:    src,
		pub:    pub,
		cfg:    cfg,
		recent: make(map[string][]types.Anomaly),
		scored: make(map[string]time.Time),
	}
}

// Score classifies value against b. It reports false when the deviation
// is too small, goes in a direction that is harmless for the metric, or
// the baseline is too thin to judge.
func (d *Detector) Score(node, metric string, value float64, b *types.Baseline) (*types.Anomaly, bool) {
	if b == nil || b.Count < d.cfg.MinSamples {
		return nil, false
	}
	z, ok := analytics.ZScore(value, b)
	if !ok {
		return nil, false
	}

	abs := math.Abs(z)
	var sev types.Severity
	switch {
	case abs >= d.cfg.ZCritical:
		sev = types.SeverityCritical
	case abs >= d.cfg.ZWarning:
		sev = types.SeverityWarning
	default:
		return nil, false
	}

	kind := types.AnomalySpike
	if z < 0 {
		kind = types.AnomalyDrop
	}

	switch metric {
	case types.MetricSuccessRate:
		if kind == types.AnomalySpike {
			return nil, false
		}
	case types.MetricLatencyP95:
		if kind == types.AnomalyDrop {
			return nil, false
		}
	case types.MetricBandwidthBytes:
		sev = types.SeverityInfo
	}

	return &types.Anomaly{
		Node:       node,
		Metric:     metric,
		Value:      value,
		Baseline:   *b,
		ZScore:     z,
		Kind:       kind,
		Severity:   sev,
		Confidence: math.Erf(abs / math.Sqrt2),
		DetectedAt: d.cfg.Now(),
	}, true
}

// Check scores the newest sample of one metric. It returns nil when there
// is no anomaly or the sample was already scored.
func (d *Detector) Check(ctx context.Context, node, metric string) (*types.Anomaly, error) {
	sample, err := d.src.Latest(ctx, node, metric)
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientData) {
			return nil, nil
		}
		return nil, err
	}

	key := node + "\x00" + metric
	d.mu.Lock()
	if last, ok := d.scored[key]; ok && !sample.Bucket.After(last) {
		d.mu.Unlock()
		return nil, nil
	}
	d.mu.Unlock()

	b, err := d.src.Baseline(ctx, node, metric)
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientData) {
			return nil, nil
		}
		return nil, err
	}

	d.mu.Lock()
	d.scored[key] = sample.Bucket
	d.mu.Unlock()

	a, ok := d.Score(node, metric, sample.Value, b)
	if !ok {
		return nil, nil
	}
	d.remember(*a)
	metrics.AnomaliesDetected.WithLabelValues(metric, string(a.Severity)).Inc()
	d.pub.Publish(broadcast.TopicAnomalies, *a)
	log.Info("anomaly detected",
		"node", node,
		"metric", metric,
		"value", a.Value,
		"mean", b.Mean,
		"z", a.ZScore,
		"kind", a.Kind,
		"severity", a.Severity)
	return a, nil
}

// Detect checks every configured metric of every node. Errors for single
// metrics are logged and joined; the remaining metrics are still checked.
func (d *Detector) Detect(ctx context.Context, nodes []string) ([]types.Anomaly, error) {
	var (
		out  []types.Anomaly
		errs []error
	)
	for _, node := range nodes {
		for _, metric := range d.cfg.Metrics {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			a, err := d.Check(ctx, node, metric)
			if err != nil {
				log.Warn("anomaly check failed", "node", node, "metric", metric, "error", err)
				errs = append(errs, err)
				continue
			}
			if a != nil {
				out = append(out, *a)
			}
		}
	}
	return out, errors.Join(errs...)
}

func (d *Detector) remember(a types.Anomaly) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := append(d.prune(d.recent[a.Node]), a)
	if over := len(list) - d.cfg.RecentCap; over > 0 {
		list = list[over:]
	}
	d.recent[a.Node] = list
}

// prune drops expired entries; callers hold mu.
func (d *Detector) prune(list []types.Anomaly) []types.Anomaly {
	cutoff := d.cfg.Now().Add(-d.cfg.RecentTTL)
	i := sort.Search(len(list), func(i int) bool { return list[i].DetectedAt.After(cutoff) })
	return list[i:]
}

// Recent returns the unexpired anomalies of node, oldest first.
func (d *Detector) Recent(node string) []types.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.prune(d.recent[node])
	d.recent[node] = list
	out := make([]types.Anomaly, len(list))
	copy(out, list)
	return out
}

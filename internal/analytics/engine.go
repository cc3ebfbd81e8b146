package analytics

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/metrics"
	"github.com/xtxerr/nodescope/internal/store"
	"github.com/xtxerr/nodescope/internal/types"
)

var log = logging.Component("analytics")

// Store is what the engine reads and writes.
type Store interface {
	MetricSeries(ctx context.Context, node, metric string, since time.Time) ([]types.MetricSample, error)
	GetBaseline(ctx context.Context, node, metric string, windowHours int) (*types.Baseline, error)
	UpsertBaseline(ctx context.Context, b *types.Baseline) error
	StorageSeries(ctx context.Context, node string, since time.Time) ([]types.StorageSnapshot, error)
	QueryEvents(ctx context.Context, q store.EventQuery) ([]types.Event, error)
}

// EngineConfig controls baseline computation.
type EngineConfig struct {
	WindowHours int

	// MaxAge is how old a stored baseline may be before Baseline
	// recomputes it.
	MaxAge time.Duration

	// Metrics are recomputed by RecomputeAll.
	Metrics []string

	MinSamples int

	// PercentileSampleCap bounds the durations sorted by
	// LatencyPercentiles.
	PercentileSampleCap int

	Now func() time.Time
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WindowHours: config.DefaultBaselineWindowHours,
		MaxAge:      config.DefaultBaselineRecompute,
		Metrics:     types.RollupMetrics,
		MinSamples:  config.DefaultMinSamples,
		Now:         time.Now,

		PercentileSampleCap: config.DefaultPercentileSampleCap,
	}
}

// Engine keeps baselines current.
//
// Engine is safe for concurrent use. Concurrent requests for the same
// baseline share one recomputation.
type Engine struct {
	st    Store
	cfg   EngineConfig
	group singleflight.Group
}

// NewEngine creates an engine. Zero config fields take defaults.
func NewEngine(st Store, cfg EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = def.WindowHours
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = def.Metrics
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.PercentileSampleCap <= 0 {
		cfg.PercentileSampleCap = def.PercentileSampleCap
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Engine{st: st, cfg: cfg}
}

// WindowHours returns the baseline window.
func (e *Engine) WindowHours() int {
	return e.cfg.WindowHours
}

// Recompute computes and stores the baseline of one metric.
func (e *Engine) Recompute(ctx context.Context, node, metric string) (*types.Baseline, error) {
	v, err, _ := e.group.Do(node+"\x00"+metric, func() (any, error) {
		return e.recompute(ctx, node, metric)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Baseline), nil
}

func (e *Engine) recompute(ctx context.Context, node, metric string) (*types.Baseline, error) {
	now := e.cfg.Now()
	since := now.Add(-time.Duration(e.cfg.WindowHours) * time.Hour)

	samples, err := e.st.MetricSeries(ctx, node, metric, since)
	if err != nil {
		return nil, err
	}
	b, err := ComputeBaseline(node, metric, e.cfg.WindowHours, samples, now)
	if err != nil {
		return nil, err
	}
	if err := e.st.UpsertBaseline(ctx, b); err != nil {
		return nil, err
	}
	metrics.BaselinesComputed.Inc()
	log.Debug("baseline updated", "node", node, "metric", metric, "mean", b.Mean, "std_dev", b.StdDev, "count", b.Count)
	return b, nil
}

// RecomputeAll refreshes every configured metric for every node. Metrics
// without samples are skipped. It returns how many baselines were stored.
func (e *Engine) RecomputeAll(ctx context.Context, nodes []string) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, node := range nodes {
		for _, metric := range e.cfg.Metrics {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			_, err := e.Recompute(ctx, node, metric)
			switch {
			case err == nil:
				n++
			case errors.Is(err, errors.ErrInsufficientData):
			default:
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		log.Warn("baseline recompute incomplete", "stored", n, "failed", len(errs))
	} else {
		log.Info("baselines recomputed", "nodes", len(nodes), "stored", n)
	}
	return n, errors.Join(errs...)
}

// Baseline returns the stored baseline, recomputing it when it is missing
// or older than MaxAge.
func (e *Engine) Baseline(ctx context.Context, node, metric string) (*types.Baseline, error) {
	b, err := e.st.GetBaseline(ctx, node, metric, e.cfg.WindowHours)
	if err == nil && !b.Stale(e.cfg.Now(), e.cfg.MaxAge) {
		return b, nil
	}
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	return e.Recompute(ctx, node, metric)
}

// Latest returns the newest sample of metric within the baseline window.
func (e *Engine) Latest(ctx context.Context, node, metric string) (*types.MetricSample, error) {
	since := e.cfg.Now().Add(-time.Duration(e.cfg.WindowHours) * time.Hour)
	samples, err := e.st.MetricSeries(ctx, node, metric, since)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.ErrInsufficientData
	}
	return &samples[len(samples)-1], nil
}

// Trend classifies a metric over the baseline window.
func (e *Engine) Trend(ctx context.Context, node, metric string, threshold float64) (Trend, error) {
	since := e.cfg.Now().Add(-time.Duration(e.cfg.WindowHours) * time.Hour)
	samples, err := e.st.MetricSeries(ctx, node, metric, since)
	if err != nil {
		return Trend{}, err
	}
	return ComputeTrend(PointsFromSamples(samples), threshold)
}

// Capacity forecasts when a node's storage fills up, from the snapshots
// of the baseline window.
func (e *Engine) Capacity(ctx context.Context, node string) (Capacity, error) {
	since := e.cfg.Now().Add(-time.Duration(e.cfg.WindowHours) * time.Hour)
	series, err := e.st.StorageSeries(ctx, node, since)
	if err != nil {
		return Capacity{}, err
	}
	return ForecastCapacity(series, e.cfg.MinSamples)
}

// Forecast projects metric hoursAhead past its newest sample in the
// baseline window.
func (e *Engine) Forecast(ctx context.Context, node, metric string, hoursAhead float64) (float64, Fit, error) {
	since := e.cfg.Now().Add(-time.Duration(e.cfg.WindowHours) * time.Hour)
	samples, err := e.st.MetricSeries(ctx, node, metric, since)
	if err != nil {
		return 0, Fit{}, err
	}
	return Forecast(PointsFromSamples(samples), hoursAhead)
}

// LatencyPercentiles returns p50, p95 and p99 of the operation durations
// node recorded in [from, to). Events without a duration are ignored.
func (e *Engine) LatencyPercentiles(ctx context.Context, node string, from, to time.Time) (Percentiles, error) {
	events, err := e.st.QueryEvents(ctx, store.EventQuery{Node: node, From: from, To: to})
	if err != nil {
		return Percentiles{}, err
	}
	durations := make([]float64, 0, len(events))
	for _, ev := range events {
		if ev.DurationMs != nil {
			durations = append(durations, *ev.DurationMs)
		}
	}
	return ComputePercentiles(durations, e.cfg.PercentileSampleCap, nil)
}

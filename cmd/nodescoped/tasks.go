package main

import (
	"context"
	"time"

	"github.com/xtxerr/nodescope/internal/alert"
	"github.com/xtxerr/nodescope/internal/analytics"
	"github.com/xtxerr/nodescope/internal/broadcast"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/loader"
	"github.com/xtxerr/nodescope/internal/metrics"
	"github.com/xtxerr/nodescope/internal/scheduler"
	"github.com/xtxerr/nodescope/internal/store"
	"github.com/xtxerr/nodescope/internal/types"
)

// trendMetrics are reported by the baselines task when they move.
var trendMetrics = []string{types.MetricSuccessRate, types.MetricLatencyP95}

const latencyWindow = time.Hour

// addTasks registers the periodic daemon work.
func addTasks(sched *scheduler.Scheduler, cfg *loader.Config, st *store.Store, engine *analytics.Engine,
	alerts *alert.Manager, status *broadcast.StatusBroadcaster, nodes []string) error {

	tasks := []scheduler.Task{
		{
			Name:      "baselines",
			Interval:  cfg.Analytics.RecomputeInterval.Duration(),
			Immediate: true,
			Run: func(ctx context.Context) error {
				n, err := engine.RecomputeAll(ctx, nodes)
				log.Debug("baselines recomputed", "count", n)
				reportTrends(ctx, engine, nodes, cfg.Analytics.TrendThreshold, float64(cfg.Analytics.ForecastHours))
				return err
			},
		},
		{
			Name:      "latency",
			Interval:  latencyWindow,
			Immediate: true,
			Run: func(ctx context.Context) error {
				reportLatency(ctx, engine, nodes, time.Now())
				return nil
			},
		},
		{
			Name:     "alerts",
			Interval: cfg.Alerts.Interval.Duration(),
			Run: func(ctx context.Context) error {
				raised, err := alerts.Evaluate(ctx, nodes)
				if len(raised) > 0 {
					log.Info("alerts raised", "count", len(raised))
				}
				return err
			},
		},
		{
			Name:      "status",
			Interval:  status.Interval(),
			Immediate: true,
			Run: func(context.Context) error {
				status.PublishSnapshot()
				return nil
			},
		},
	}

	if cfg.Store.ArchiveDir != "" {
		after := cfg.Store.ArchiveAfter.Duration()
		tasks = append(tasks, scheduler.Task{
			Name:     "archive",
			Interval: cfg.Store.ArchiveInterval.Duration(),
			Timeout:  time.Hour,
			Run: func(ctx context.Context) error {
				res, err := st.ArchiveEvents(ctx, time.Now().Add(-after))
				if err != nil {
					return err
				}
				if res.Events > 0 {
					log.Info("events archived", "events", res.Events, "files", len(res.Files),
						"cutoff", res.Cutoff, "duration", res.Duration)
				}
				return nil
			},
		})
	}

	for _, t := range tasks {
		if err := sched.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// reportTrends logs metrics whose trend over the baseline window is not
// stable, with their projection hoursAhead.
func reportTrends(ctx context.Context, engine *analytics.Engine, nodes []string, threshold, hoursAhead float64) {
	for _, node := range nodes {
		for _, metric := range trendMetrics {
			tr, err := engine.Trend(ctx, node, metric, threshold)
			if err != nil {
				if !errors.Is(err, errors.ErrInsufficientData) {
					log.Warn("trend failed", "node", node, "metric", metric, "error", err)
				}
				continue
			}
			projected, _, err := engine.Forecast(ctx, node, metric, hoursAhead)
			if err != nil {
				continue
			}
			metrics.MetricForecast.WithLabelValues(node, metric).Set(projected)
			if tr.Direction != types.TrendStable {
				log.Info("metric trending", "node", node, "metric", metric,
					"direction", tr.Direction, "change", tr.Change, "slope_per_hour", tr.Slope,
					"forecast", projected, "forecast_hours", hoursAhead)
			}
		}
	}
}

// reportLatency exports duration percentiles of the hour before now.
func reportLatency(ctx context.Context, engine *analytics.Engine, nodes []string, now time.Time) {
	for _, node := range nodes {
		p, err := engine.LatencyPercentiles(ctx, node, now.Add(-latencyWindow), now)
		if err != nil {
			if !errors.Is(err, errors.ErrInsufficientData) {
				log.Warn("latency percentiles failed", "node", node, "error", err)
			}
			continue
		}
		metrics.LatencyPercentile.WithLabelValues(node, "0.5").Set(p.P50)
		metrics.LatencyPercentile.WithLabelValues(node, "0.95").Set(p.P95)
		metrics.LatencyPercentile.WithLabelValues(node, "0.99").Set(p.P99)
		log.Debug("latency percentiles", "node", node, "p50", p.P50, "p95", p.P95, "p99", p.P99,
			"operations", p.Count, "sampled", p.Sampled)
	}
}

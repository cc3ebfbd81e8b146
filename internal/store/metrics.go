package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/nodescope/internal/types"
)

type metricKey struct {
	node, metric string
	bucketMs     int64
}

// AppendMetricSamples stores samples, replacing existing values for the same
// (node, metric, bucket). Later samples in the batch win.
func (s *Store) AppendMetricSamples(ctx context.Context, samples []types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	last := make(map[metricKey]int, len(samples))
	for i, m := range samples {
		last[metricKey{m.Node, m.Metric, toMs(m.Bucket)}] = i
	}
	args := make([]any, 0, len(last)*4)
	for i, m := range samples {
		if last[metricKey{m.Node, m.Metric, toMs(m.Bucket)}] != i {
			continue
		}
		args = append(args, m.Node, m.Metric, toMs(m.Bucket), m.Value)
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO metric_samples (node, metric, bucket_ms, value) VALUES "+
				placeholders(len(args)/4, 4), args...)
		if err != nil {
			return fmt.Errorf("insert metric samples: %w", err)
		}
		return nil
	})
}

// MetricSeries returns samples of one metric since the given time, oldest
// first.
func (s *Store) MetricSeries(ctx context.Context, node, metric string, since time.Time) ([]types.MetricSample, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_ms, value
		FROM metric_samples
		WHERE node = ? AND metric = ? AND bucket_ms >= ?
		ORDER BY bucket_ms
	`, node, metric, toMs(since))
	if err != nil {
		return nil, fmt.Errorf("query metric series: %w", err)
	}
	defer rows.Close()

	var out []types.MetricSample
	for rows.Next() {
		m := types.MetricSample{Node: node, Metric: metric}
		var bucketMs int64
		if err := rows.Scan(&bucketMs, &m.Value); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		m.Bucket = fromMs(bucketMs)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestMetric returns the newest sample of a metric, or nil.
func (s *Store) LatestMetric(ctx context.Context, node, metric string) (*types.MetricSample, error) {
	m := &types.MetricSample{Node: node, Metric: metric}
	var bucketMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT bucket_ms, value
		FROM metric_samples
		WHERE node = ? AND metric = ?
		ORDER BY bucket_ms DESC
		LIMIT 1
	`, node, metric).Scan(&bucketMs, &m.Value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest metric: %w", err)
	}
	m.Bucket = fromMs(bucketMs)
	return m, nil
}

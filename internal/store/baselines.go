package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
)

// UpsertBaseline stores b, replacing any baseline with the same
// (node, metric, window).
func (s *Store) UpsertBaseline(ctx context.Context, b *types.Baseline) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO baselines
				(node, metric, window_hours, mean, std_dev, min_value, max_value, sample_count, updated_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.Node, b.Metric, b.WindowHours, b.Mean, b.StdDev, b.Min, b.Max, b.Count, toMs(b.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert baseline %s/%s: %w", b.Node, b.Metric, err)
		}
		return nil
	})
}

// GetBaseline returns the stored baseline or ErrBaselineNotFound.
func (s *Store) GetBaseline(ctx context.Context, node, metric string, windowHours int) (*types.Baseline, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	b := &types.Baseline{Node: node, Metric: metric, WindowHours: windowHours}
	var updatedMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT mean, std_dev, min_value, max_value, sample_count, updated_ms
		FROM baselines
		WHERE node = ? AND metric = ? AND window_hours = ?
	`, node, metric, windowHours).Scan(&b.Mean, &b.StdDev, &b.Min, &b.Max, &b.Count, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", node, metric, errors.ErrBaselineNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline: %w", err)
	}
	b.UpdatedAt = fromMs(updatedMs)
	return b, nil
}

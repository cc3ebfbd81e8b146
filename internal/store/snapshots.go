package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/nodescope/internal/types"
)

// AppendReputation stores one poll's per-satellite scores.
func (s *Store) AppendReputation(ctx context.Context, snaps []types.ReputationSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	args := make([]any, 0, len(snaps)*9)
	for _, r := range snaps {
		args = append(args, r.Node, r.SatelliteID, r.SatelliteURL, r.AuditScore, r.SuspensionScore,
			r.OnlineScore, r.Disqualified, r.Suspended, toMs(r.PolledAt))
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reputation_snapshots
				(node, satellite_id, satellite_url, audit_score, suspension_score, online_score,
				 disqualified, suspended, polled_ms)
			VALUES `+placeholders(len(snaps), 9), args...)
		if err != nil {
			return fmt.Errorf("insert reputation: %w", err)
		}
		return nil
	})
}

// LatestReputation returns the newest snapshot of every satellite of node.
func (s *Store) LatestReputation(ctx context.Context, node string) ([]types.ReputationSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT satellite_id, satellite_url, audit_score, suspension_score, online_score,
		       disqualified, suspended, polled_ms
		FROM reputation_snapshots
		WHERE node = ?
		QUALIFY row_number() OVER (PARTITION BY satellite_id ORDER BY polled_ms DESC) = 1
		ORDER BY satellite_id
	`, node)
	if err != nil {
		return nil, fmt.Errorf("query reputation: %w", err)
	}
	defer rows.Close()

	var out []types.ReputationSnapshot
	for rows.Next() {
		r := types.ReputationSnapshot{Node: node}
		var polledMs int64
		if err := rows.Scan(&r.SatelliteID, &r.SatelliteURL, &r.AuditScore, &r.SuspensionScore,
			&r.OnlineScore, &r.Disqualified, &r.Suspended, &polledMs); err != nil {
			return nil, fmt.Errorf("scan reputation: %w", err)
		}
		r.PolledAt = fromMs(polledMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendStorage stores one storage poll.
func (s *Store) AppendStorage(ctx context.Context, snap types.StorageSnapshot) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO storage_snapshots (node, used_bytes, available_bytes, trash_bytes, polled_ms)
			VALUES (?, ?, ?, ?, ?)
		`, snap.Node, snap.UsedBytes, snap.AvailableBytes, snap.TrashBytes, toMs(snap.PolledAt))
		if err != nil {
			return fmt.Errorf("insert storage: %w", err)
		}
		return nil
	})
}

// StorageSeries returns storage snapshots of node since the given time,
// oldest first.
func (s *Store) StorageSeries(ctx context.Context, node string, since time.Time) ([]types.StorageSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT used_bytes, available_bytes, trash_bytes, polled_ms
		FROM storage_snapshots
		WHERE node = ? AND polled_ms >= ?
		ORDER BY polled_ms
	`, node, toMs(since))
	if err != nil {
		return nil, fmt.Errorf("query storage: %w", err)
	}
	defer rows.Close()

	var out []types.StorageSnapshot
	for rows.Next() {
		snap := types.StorageSnapshot{Node: node}
		var polledMs int64
		if err := rows.Scan(&snap.UsedBytes, &snap.AvailableBytes, &snap.TrashBytes, &polledMs); err != nil {
			return nil, fmt.Errorf("scan storage: %w", err)
		}
		snap.PolledAt = fromMs(polledMs)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LatestStorage returns the newest storage snapshot of node, or nil.
func (s *Store) LatestStorage(ctx context.Context, node string) (*types.StorageSnapshot, error) {
	snap := &types.StorageSnapshot{Node: node}
	var polledMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT used_bytes, available_bytes, trash_bytes, polled_ms
		FROM storage_snapshots
		WHERE node = ?
		ORDER BY polled_ms DESC
		LIMIT 1
	`, node).Scan(&snap.UsedBytes, &snap.AvailableBytes, &snap.TrashBytes, &polledMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest storage: %w", err)
	}
	snap.PolledAt = fromMs(polledMs)
	return snap, nil
}

// AppendPayout stores one payout estimate poll.
func (s *Store) AppendPayout(ctx context.Context, snap types.PayoutSnapshot) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payout_snapshots (node, current_month, expected_month, polled_ms)
			VALUES (?, ?, ?, ?)
		`, snap.Node, snap.CurrentMonthCents, snap.CurrentMonthExpected, toMs(snap.PolledAt))
		if err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
		return nil
	})
}

// LatestPayout returns the newest payout snapshot of node, or nil.
func (s *Store) LatestPayout(ctx context.Context, node string) (*types.PayoutSnapshot, error) {
	snap := &types.PayoutSnapshot{Node: node}
	var polledMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT current_month, expected_month, polled_ms
		FROM payout_snapshots
		WHERE node = ?
		ORDER BY polled_ms DESC
		LIMIT 1
	`, node).Scan(&snap.CurrentMonthCents, &snap.CurrentMonthExpected, &polledMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest payout: %w", err)
	}
	snap.PolledAt = fromMs(polledMs)
	return snap, nil
}

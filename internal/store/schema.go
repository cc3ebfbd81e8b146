package store

import (
	"context"
	"fmt"
)

// migrations are applied in order on every start. Each one is idempotent.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "events",
		sql: `CREATE TABLE IF NOT EXISTS events (
			node         VARCHAR NOT NULL,
			satellite_id VARCHAR NOT NULL,
			action       VARCHAR NOT NULL,
			piece_id     VARCHAR NOT NULL,
			ts_ms        BIGINT  NOT NULL,
			status       VARCHAR NOT NULL,
			size_bytes   BIGINT  NOT NULL DEFAULT 0,
			duration_ms  DOUBLE,
			source       VARCHAR NOT NULL,
			error        VARCHAR NOT NULL DEFAULT '',
			PRIMARY KEY (node, piece_id, satellite_id, action, ts_ms)
		)`,
	},
	{
		name: "events.node_ts",
		sql:  `CREATE INDEX IF NOT EXISTS events_node_ts ON events (node, ts_ms)`,
	},
	{
		name: "baselines",
		sql: `CREATE TABLE IF NOT EXISTS baselines (
			node         VARCHAR NOT NULL,
			metric       VARCHAR NOT NULL,
			window_hours INTEGER NOT NULL,
			mean         DOUBLE  NOT NULL,
			std_dev      DOUBLE  NOT NULL,
			min_value    DOUBLE  NOT NULL,
			max_value    DOUBLE  NOT NULL,
			sample_count INTEGER NOT NULL,
			updated_ms   BIGINT  NOT NULL,
			PRIMARY KEY (node, metric, window_hours)
		)`,
	},
	{
		name: "alerts",
		sql: `CREATE TABLE IF NOT EXISTS alerts (
			id              VARCHAR PRIMARY KEY,
			node            VARCHAR NOT NULL,
			category        VARCHAR NOT NULL,
			severity        VARCHAR NOT NULL,
			title           VARCHAR NOT NULL,
			message         VARCHAR NOT NULL,
			metadata        VARCHAR NOT NULL DEFAULT '{}',
			created_ms      BIGINT  NOT NULL,
			acknowledged    BOOLEAN NOT NULL DEFAULT false,
			acknowledged_ms BIGINT,
			resolved        BOOLEAN NOT NULL DEFAULT false,
			resolved_ms     BIGINT
		)`,
	},
	{
		name: "reputation_snapshots",
		sql: `CREATE TABLE IF NOT EXISTS reputation_snapshots (
			node             VARCHAR NOT NULL,
			satellite_id     VARCHAR NOT NULL,
			satellite_url    VARCHAR NOT NULL DEFAULT '',
			audit_score      DOUBLE  NOT NULL,
			suspension_score DOUBLE  NOT NULL,
			online_score     DOUBLE  NOT NULL,
			disqualified     BOOLEAN NOT NULL DEFAULT false,
			suspended        BOOLEAN NOT NULL DEFAULT false,
			polled_ms        BIGINT  NOT NULL
		)`,
	},
	{
		name: "storage_snapshots",
		sql: `CREATE TABLE IF NOT EXISTS storage_snapshots (
			node            VARCHAR NOT NULL,
			used_bytes      BIGINT  NOT NULL,
			available_bytes BIGINT  NOT NULL,
			trash_bytes     BIGINT  NOT NULL,
			polled_ms       BIGINT  NOT NULL
		)`,
	},
	{
		name: "payout_snapshots",
		sql: `CREATE TABLE IF NOT EXISTS payout_snapshots (
			node             VARCHAR NOT NULL,
			current_month    DOUBLE  NOT NULL,
			expected_month   DOUBLE  NOT NULL,
			polled_ms        BIGINT  NOT NULL
		)`,
	},
	{
		name: "metric_samples",
		sql: `CREATE TABLE IF NOT EXISTS metric_samples (
			node      VARCHAR NOT NULL,
			metric    VARCHAR NOT NULL,
			bucket_ms BIGINT  NOT NULL,
			value     DOUBLE  NOT NULL,
			PRIMARY KEY (node, metric, bucket_ms)
		)`,
	},
	{
		name: "archive_state",
		sql: `CREATE TABLE IF NOT EXISTS archive_state (
			id           INTEGER PRIMARY KEY,
			watermark_ms BIGINT  NOT NULL
		)`,
	},
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

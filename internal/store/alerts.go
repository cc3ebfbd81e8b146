package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
)

const alertColumns = `id, node, category, severity, title, message, metadata, created_ms,
	acknowledged, acknowledged_ms, resolved, resolved_ms`

// AppendAlert stores a new alert.
func (s *Store) AppendAlert(ctx context.Context, a *types.Alert) error {
	meta, err := alertMetadata(a)
	if err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		return insertAlert(ctx, tx, a, meta)
	})
}

// AppendAlertUnlessActive stores a unless an unresolved alert for the same
// node and category was created at or after since. The check and the insert
// run under the writer lock, so concurrent callers create at most one
// alert. It returns the existing alert when a was not stored.
func (s *Store) AppendAlertUnlessActive(ctx context.Context, a *types.Alert, since time.Time) (*types.Alert, error) {
	meta, err := alertMetadata(a)
	if err != nil {
		return nil, err
	}

	var existing *types.Alert
	err = s.write(ctx, func(tx *sql.Tx) error {
		found, err := findActiveAlert(ctx, tx, a.Node, a.Category, since)
		if err != nil {
			return err
		}
		if found != nil {
			existing = found
			return nil
		}
		return insertAlert(ctx, tx, a, meta)
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func alertMetadata(a *types.Alert) ([]byte, error) {
	if len(a.Metadata) == 0 {
		return []byte("{}"), nil
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode alert metadata: %w", err)
	}
	return meta, nil
}

func insertAlert(ctx context.Context, tx *sql.Tx, a *types.Alert, meta []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Node, a.Category, string(a.Severity), a.Title, a.Message, string(meta),
		toMs(a.CreatedAt), a.Acknowledged, nullMs(a.AcknowledgedAt), a.Resolved, nullMs(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// GetAlert returns an alert by id or ErrAlertNotFound.
func (s *Store) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	a, err := scanAlert(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", id, errors.ErrAlertNotFound)
	}
	return a, err
}

// FindActiveAlert returns the newest unresolved alert for (node, category)
// created at or after since, or nil when there is none.
func (s *Store) FindActiveAlert(ctx context.Context, node, category string, since time.Time) (*types.Alert, error) {
	return findActiveAlert(ctx, s.db, node, category, since)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findActiveAlert(ctx context.Context, q rowQuerier, node, category string, since time.Time) (*types.Alert, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE node = ? AND category = ? AND NOT resolved AND created_ms >= ?
		ORDER BY created_ms DESC
		LIMIT 1
	`, node, category, toMs(since))
	a, err := scanAlert(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetActiveAlerts returns unresolved alerts, newest first. An empty nodes
// list selects every node.
func (s *Store) GetActiveAlerts(ctx context.Context, nodes []string) ([]*types.Alert, error) {
	query := "SELECT " + alertColumns + " FROM alerts WHERE NOT resolved"
	var args []any
	if len(nodes) > 0 {
		query += " AND node IN (" + repeatJoin("?", len(nodes), ", ") + ")"
		for _, n := range nodes {
			args = append(args, n)
		}
	}
	query += " ORDER BY created_ms DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*types.Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice keeps
// the first acknowledgement time. Unknown ids return ErrAlertNotFound.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string, at time.Time) (*types.Alert, error) {
	return s.markAlert(ctx, id, "acknowledged", at)
}

// ResolveAlert marks an alert resolved. Resolving twice keeps the first
// resolution time. Unknown ids return ErrAlertNotFound.
func (s *Store) ResolveAlert(ctx context.Context, id string, at time.Time) (*types.Alert, error) {
	return s.markAlert(ctx, id, "resolved", at)
}

func (s *Store) markAlert(ctx context.Context, id, flag string, at time.Time) (*types.Alert, error) {
	err := s.write(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx, "SELECT true FROM alerts WHERE id = ?", id).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%s: %w", id, errors.ErrAlertNotFound)
		}
		if err != nil {
			return err
		}

		// flag is one of two fixed column names.
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE alerts SET %[1]s = true, %[1]s_ms = ? WHERE id = ? AND NOT %[1]s", flag),
			toMs(at), id)
		return err
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("mark alert %s: %w", flag, err)
	}
	return s.GetAlert(ctx, id)
}

func scanAlert(scan func(dest ...any) error) (*types.Alert, error) {
	var (
		a                  types.Alert
		severity, metadata string
		createdMs          int64
		ackMs, resolvedMs  sql.NullInt64
	)
	err := scan(&a.ID, &a.Node, &a.Category, &severity, &a.Title, &a.Message, &metadata,
		&createdMs, &a.Acknowledged, &ackMs, &a.Resolved, &resolvedMs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	a.Severity = types.Severity(severity)
	a.CreatedAt = fromMs(createdMs)
	a.AcknowledgedAt = timePtr(ackMs)
	a.ResolvedAt = timePtr(resolvedMs)
	if metadata = strings.TrimSpace(metadata); metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode alert metadata: %w", err)
		}
	}
	return &a, nil
}

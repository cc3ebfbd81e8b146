package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xtxerr/nodescope/internal/archive"
	"github.com/xtxerr/nodescope/internal/types"
)

// maxEventsPerInsert bounds parameters per statement: 10 columns x 100 rows.
const maxEventsPerInsert = 100

const eventColumns = `node, satellite_id, action, piece_id, ts_ms, status, size_bytes, duration_ms, source, error`

// AppendEvents stores events and returns how many were new. Events whose
// identity key is already stored, or that fall before the archive
// watermark, are skipped, so replaying the same input is harmless.
func (s *Store) AppendEvents(ctx context.Context, events []types.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	watermark, err := s.archiveWatermark(ctx)
	if err != nil {
		return 0, err
	}

	// DuckDB rejects duplicate keys inside one statement even with
	// ON CONFLICT, so drop them first.
	seen := make(map[types.EventKey]struct{}, len(events))
	unique := make([]*types.Event, 0, len(events))
	for i := range events {
		e := &events[i]
		if toMs(e.Timestamp) < watermark {
			continue
		}
		k := e.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, e)
	}
	if len(unique) == 0 {
		return 0, nil
	}

	inserted := 0
	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(unique); i += maxEventsPerInsert {
			end := min(i+maxEventsPerInsert, len(unique))
			n, err := insertEventsChunk(ctx, tx, unique[i:end])
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append events: %w", err)
	}
	return inserted, nil
}

func insertEventsChunk(ctx context.Context, tx *sql.Tx, events []*types.Event) (int, error) {
	query := "INSERT INTO events (" + eventColumns + ") VALUES " +
		placeholders(len(events), 10) + " ON CONFLICT DO NOTHING"

	args := make([]any, 0, len(events)*10)
	for _, e := range events {
		var duration sql.NullFloat64
		if e.DurationMs != nil {
			duration = sql.NullFloat64{Float64: *e.DurationMs, Valid: true}
		}
		args = append(args,
			e.Node, e.SatelliteID, string(e.Action), e.PieceID, toMs(e.Timestamp),
			string(e.Status), e.SizeBytes, duration, string(e.Source), e.Error,
		)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return len(events), nil
	}
	return int(n), nil
}

// EventQuery selects events.
type EventQuery struct {
	Node  string // empty selects all nodes
	From  time.Time
	To    time.Time // exclusive; zero means now
	Limit int       // zero means unlimited
}

// QueryEvents returns events in timestamp order, including archived ones.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]types.Event, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	to := q.To
	if to.IsZero() {
		to = time.Now()
	}

	source := "events"
	files, err := archive.Files(s.config.ArchiveDir)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	if len(files) > 0 {
		source = fmt.Sprintf("(SELECT %s FROM events UNION ALL SELECT %s FROM read_parquet(%s))",
			eventColumns, eventColumns, sqlStringList(files))
	}

	var (
		where = []string{"ts_ms >= ?", "ts_ms < ?"}
		args  = []any{toMs(q.From), toMs(to)}
	)
	if q.Node != "" {
		where = append(where, "node = ?")
		args = append(args, q.Node)
	}

	query := "SELECT " + eventColumns + " FROM " + source + " AS e WHERE " +
		strings.Join(where, " AND ") + " ORDER BY ts_ms, node, piece_id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (types.Event, error) {
	var (
		e                      types.Event
		action, status, source string
		tsMs                   int64
		duration               sql.NullFloat64
	)
	if err := rows.Scan(&e.Node, &e.SatelliteID, &action, &e.PieceID, &tsMs,
		&status, &e.SizeBytes, &duration, &source, &e.Error); err != nil {
		return e, fmt.Errorf("scan event: %w", err)
	}
	e.Action = types.Action(action)
	e.Status = types.Status(status)
	e.Source = types.Source(source)
	e.Timestamp = fromMs(tsMs)
	if duration.Valid {
		d := duration.Float64
		e.DurationMs = &d
	}
	return e, nil
}

// CountEvents returns the number of live (not archived) events for node, or
// for all nodes when node is empty.
func (s *Store) CountEvents(ctx context.Context, node string) (int64, error) {
	query := "SELECT count(*) FROM events"
	var args []any
	if node != "" {
		query += " WHERE node = ?"
		args = append(args, node)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// sqlStringList renders paths as a DuckDB list literal.
func sqlStringList(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// =============================================================================
// Archiving
// =============================================================================

// ArchiveResult describes one archive run.
type ArchiveResult struct {
	Events   int
	Files    []string
	Cutoff   time.Time
	Duration time.Duration
}

// ArchiveEvents moves events older than cutoff into daily Parquet files and
// advances the watermark so they are not ingested again.
func (s *Store) ArchiveEvents(ctx context.Context, cutoff time.Time) (*ArchiveResult, error) {
	start := time.Now()
	result := &ArchiveResult{Cutoff: cutoff}
	if s.config.ArchiveDir == "" {
		return result, nil
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	watermark, err := s.archiveWatermark(ctx)
	if err != nil {
		return nil, err
	}
	cutoffMs := toMs(cutoff)
	if cutoffMs <= watermark {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE ts_ms < ? ORDER BY ts_ms", cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("select archive events: %w", err)
	}

	runID := start.UnixNano()
	writers := make(map[string]*archive.Writer)
	abort := func() {
		for _, w := range writers {
			w.Abort()
		}
	}

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			abort()
			return nil, err
		}
		day := e.Timestamp.Truncate(24 * time.Hour)
		key := day.Format("2006-01-02")
		w, ok := writers[key]
		if !ok {
			w, err = archive.NewWriter(archive.FileName(s.config.ArchiveDir, day, runID))
			if err != nil {
				rows.Close()
				abort()
				return nil, err
			}
			writers[key] = w
		}
		if err := w.Write([]types.Event{e}); err != nil {
			rows.Close()
			abort()
			return nil, err
		}
		result.Events++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		abort()
		return nil, err
	}

	for _, w := range writers {
		if err := w.Close(); err != nil {
			abort()
			removeFiles(result.Files)
			return nil, fmt.Errorf("close archive file: %w", err)
		}
		result.Files = append(result.Files, w.Path())
	}

	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE ts_ms < ?", cutoffMs); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO archive_state (id, watermark_ms) VALUES (1, ?)", cutoffMs)
		return err
	})
	if err != nil {
		removeFiles(result.Files)
		return nil, fmt.Errorf("archive events: %w", err)
	}

	result.Duration = time.Since(start)
	if result.Events > 0 {
		log.Info("events archived", "events", result.Events, "files", len(result.Files), "cutoff", cutoff)
	}
	return result, nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			log.Warn("remove archive file", "path", p, "error", err)
		}
	}
}

// ArchiveWatermark returns the time before which events live only in the
// archive.
func (s *Store) ArchiveWatermark(ctx context.Context) (time.Time, error) {
	ms, err := s.archiveWatermark(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return fromMs(ms), nil
}

func (s *Store) archiveWatermark(ctx context.Context) (int64, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, "SELECT watermark_ms FROM archive_state WHERE id = 1").Scan(&ms)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read archive watermark: %w", err)
	}
	return ms, nil
}

// Package archive stores aged-out events as Parquet files.
//
// The store moves events older than its archive horizon into one file per
// day and run, and reads them back through DuckDB's read_parquet. This
// package only knows the row layout and how to write and read files.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/nodescope/internal/types"
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("archive writer closed")

// FilePattern matches every archive file in a directory.
const FilePattern = "events-*.parquet"

// EventRow is an event in Parquet format. Column names match the events
// table so archived and live rows can be unioned directly.
type EventRow struct {
	Node        string   `parquet:"node,dict,zstd"`
	SatelliteID string   `parquet:"satellite_id,dict,zstd"`
	Action      string   `parquet:"action,dict"`
	PieceID     string   `parquet:"piece_id,zstd"`
	TimestampMs int64    `parquet:"ts_ms"`
	Status      string   `parquet:"status,dict"`
	SizeBytes   int64    `parquet:"size_bytes"`
	DurationMs  *float64 `parquet:"duration_ms,optional"`
	Source      string   `parquet:"source,dict"`
	Error       string   `parquet:"error,zstd"`
}

// EventToRow converts an Event to an EventRow.
func EventToRow(e *types.Event) EventRow {
	return EventRow{
		Node:        e.Node,
		SatelliteID: e.SatelliteID,
		Action:      string(e.Action),
		PieceID:     e.PieceID,
		TimestampMs: e.Timestamp.UnixMilli(),
		Status:      string(e.Status),
		SizeBytes:   e.SizeBytes,
		DurationMs:  e.DurationMs,
		Source:      string(e.Source),
		Error:       e.Error,
	}
}

// RowToEvent converts an EventRow to an Event.
func RowToEvent(r *EventRow) types.Event {
	return types.Event{
		Node:        r.Node,
		SatelliteID: r.SatelliteID,
		Action:      types.Action(r.Action),
		PieceID:     r.PieceID,
		Timestamp:   time.UnixMilli(r.TimestampMs).UTC(),
		Status:      types.Status(r.Status),
		SizeBytes:   r.SizeBytes,
		DurationMs:  r.DurationMs,
		Source:      types.Source(r.Source),
		Error:       r.Error,
	}
}

// FileName returns the archive file for events of day written by the run
// identified by runID.
func FileName(dir string, day time.Time, runID int64) string {
	return filepath.Join(dir, fmt.Sprintf("events-%s-%d.parquet", day.UTC().Format("2006-01-02"), runID))
}

// Files lists the archive files in dir.
func Files(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	return filepath.Glob(filepath.Join(dir, FilePattern))
}

// Writer writes events to one Parquet file. It writes to a temporary name
// and renames on Close, so readers never see a partial file.
type Writer struct {
	mu       sync.Mutex
	path     string
	tmp      string
	file     *os.File
	writer   *parquet.GenericWriter[EventRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a writer for path.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	var codec compress.Codec = &parquet.Zstd
	writer := parquet.NewGenericWriter[EventRow](f, parquet.Compression(codec))

	return &Writer{
		path:   path,
		tmp:    tmp,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends events to the file.
func (w *Writer) Write(events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]EventRow, len(events))
	for i := range events {
		rows[i] = EventToRow(&events[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes the file and moves it into place.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		os.Remove(w.tmp)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("close file: %w", err)
	}
	return os.Rename(w.tmp, w.path)
}

// Abort discards the file.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.writer.Close()
	w.file.Close()
	os.Remove(w.tmp)
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the final file path.
func (w *Writer) Path() string {
	return w.path
}

// ReadFile reads every event in an archive file.
func ReadFile(path string) ([]types.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[EventRow](f)
	defer reader.Close()

	rows := make([]EventRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	events := make([]types.Event, n)
	for i := 0; i < n; i++ {
		events[i] = RowToEvent(&rows[i])
	}
	return events, nil
}

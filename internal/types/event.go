// Package types defines the records that flow between nodescope components.
package types

import (
	"fmt"
	"time"
)

// Action is the kind of piece operation a storage node performed.
type Action string

const (
	ActionDownload Action = "download"
	ActionUpload   Action = "upload"
	ActionAudit    Action = "audit"
	ActionRepair   Action = "repair"
	ActionDelete   Action = "delete"
)

// Actions lists every action in a stable order.
var Actions = []Action{ActionDownload, ActionUpload, ActionAudit, ActionRepair, ActionDelete}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionDownload, ActionUpload, ActionAudit, ActionRepair, ActionDelete:
		return true
	}
	return false
}

// Status is the outcome of a finished operation.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Source tells which adapter delivered a line.
type Source string

const (
	SourceFile    Source = "file"
	SourceNetwork Source = "network"
)

// RawLine is one undecoded log line on its way from an adapter to the parser.
type RawLine struct {
	Node    string
	Arrival time.Time
	Text    string
	Source  Source

	// Position points just past this line in its file. Nil for network
	// lines. A checkpoint records it once the line's event is stored.
	Position *Position
}

// Position locates a line in a tailed file.
type Position struct {
	Path        string
	Fingerprint uint64
	Offset      int64
}

// Event is a completed piece operation. Events are immutable once created.
type Event struct {
	Node        string
	SatelliteID string
	Action      Action
	PieceID     string
	Timestamp   time.Time
	Status      Status
	SizeBytes   int64

	// DurationMs is set when the start of the operation was correlated or
	// the line carried its own duration. Nil otherwise.
	DurationMs *float64

	Source Source
	Error  string
}

// EventKey is the identity of an event. Storing the same key twice is a no-op.
type EventKey struct {
	Node        string
	PieceID     string
	SatelliteID string
	Action      Action
	TimestampMs int64
}

// Key returns the identity key of e.
func (e *Event) Key() EventKey {
	return EventKey{
		Node:        e.Node,
		PieceID:     e.PieceID,
		SatelliteID: e.SatelliteID,
		Action:      e.Action,
		TimestampMs: e.Timestamp.UnixMilli(),
	}
}

// HasDuration reports whether the event carries a duration.
func (e *Event) HasDuration() bool {
	return e.DurationMs != nil
}

func (e *Event) String() string {
	d := "-"
	if e.DurationMs != nil {
		d = fmt.Sprintf("%.1fms", *e.DurationMs)
	}
	return fmt.Sprintf("%s %s %s %s %s %d %s", e.Node, e.Action, e.Status, e.SatelliteID, e.PieceID, e.SizeBytes, d)
}

// Float64 returns a pointer to v. Handy for optional durations.
func Float64(v float64) *float64 {
	return &v
}

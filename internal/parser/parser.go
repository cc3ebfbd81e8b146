// Package parser turns storage node log lines into typed records.
//
// A line looks like
//
//	2024-01-15T10:30:45.123Z	INFO	piecestore	downloaded	{"Piece ID": "...", "Satellite ID": "...", "Action": "GET", "Size": 2319872}
//
// Fields are separated by tabs or runs of spaces (container log drivers
// rewrite tabs). Everything from the first '{' is the JSON payload. Unknown
// JSON fields are ignored.
package parser

import (
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
)

// Kind is what a line says happened to an operation.
type Kind int

const (
	KindStarted Kind = iota + 1
	KindFinished
	KindFailed
	KindCanceled
	KindDeleted
)

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "started"
	case KindFinished:
		return "finished"
	case KindFailed:
		return "failed"
	case KindCanceled:
		return "canceled"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the kind ends an operation.
func (k Kind) Terminal() bool {
	return k == KindFinished || k == KindFailed || k == KindCanceled || k == KindDeleted
}

// Record is one parsed line. Optional fields are zero when absent.
type Record struct {
	Timestamp   time.Time
	Level       string
	Logger      string
	Kind        Kind
	Action      types.Action
	SatelliteID string
	PieceID     string
	Size        int64

	// DurationMs is set when the line carries its own duration.
	DurationMs *float64

	Error string
}

// Status maps the record kind to an event status.
func (r *Record) Status() types.Status {
	switch r.Kind {
	case KindFailed:
		return types.StatusFailed
	case KindCanceled:
		return types.StatusCanceled
	default:
		return types.StatusSuccess
	}
}

// payload is the subset of the JSON fields nodescope reads.
type payload struct {
	PieceID     string `json:"Piece ID"`
	SatelliteID string `json:"Satellite ID"`
	Action      string `json:"Action"`
	Size        int64  `json:"Size"`
	Error       string `json:"error"`
	Duration    any    `json:"duration"`
}

type messageInfo struct {
	kind Kind
	verb string // "download", "upload" or "" when the message carries no direction
}

var messages = map[string]messageInfo{
	"download started":  {KindStarted, "download"},
	"upload started":    {KindStarted, "upload"},
	"downloaded":        {KindFinished, "download"},
	"uploaded":          {KindFinished, "upload"},
	"download failed":   {KindFailed, "download"},
	"upload failed":     {KindFailed, "upload"},
	"download canceled": {KindCanceled, "download"},
	"upload canceled":   {KindCanceled, "upload"},

	"deleted":                    {KindDeleted, ""},
	"delete piece sent to trash": {KindDeleted, ""},
}

// actions maps the node's wire action names to event actions.
var actions = map[string]types.Action{
	"GET":        types.ActionDownload,
	"PUT":        types.ActionUpload,
	"GET_AUDIT":  types.ActionAudit,
	"GET_REPAIR": types.ActionRepair,
	"PUT_REPAIR": types.ActionRepair,
	"DELETE":     types.ActionDelete,
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts the timestamp layouts storage nodes have logged with.
// Layouts without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Wrapf(errors.ErrBadTimestamp, "%q", s)
}

// Parse decodes one line. It returns ErrUnknownMessage for well-formed lines
// that are not piece operations, and ErrMalformedLine or ErrUnknownAction
// for lines that cannot be used.
func Parse(line string) (*Record, error) {
	line = strings.TrimRight(line, "\r\n")
	brace := strings.IndexByte(line, '{')
	if brace < 0 {
		return nil, errors.NewMalformed("no JSON payload")
	}

	head := strings.Fields(line[:brace])
	if len(head) < 4 {
		return nil, errors.NewMalformed("missing header fields")
	}

	// Two-word dates ("2006-01-02 15:04:05") shift the header by one.
	tsText, rest := head[0], head[1:]
	ts, err := ParseTimestamp(tsText)
	if err != nil && len(head) >= 5 {
		tsText, rest = head[0]+" "+head[1], head[2:]
		ts, err = ParseTimestamp(tsText)
	}
	if err != nil {
		return nil, err
	}
	if len(rest) < 3 {
		return nil, errors.NewMalformed("missing header fields")
	}

	rec := &Record{
		Timestamp: ts,
		Level:     rest[0],
		Logger:    rest[1],
	}
	message := strings.Join(rest[2:], " ")

	info, ok := messages[message]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownMessage, "%q", message)
	}
	rec.Kind = info.kind

	var p payload
	if err := json.Unmarshal([]byte(line[brace:]), &p); err != nil {
		return nil, errors.NewMalformed("payload: " + err.Error())
	}
	if p.PieceID == "" {
		return nil, errors.NewMalformed("missing Piece ID")
	}
	if p.SatelliteID == "" {
		return nil, errors.NewMalformed("missing Satellite ID")
	}

	rec.PieceID = p.PieceID
	rec.SatelliteID = p.SatelliteID
	rec.Size = p.Size
	rec.Error = p.Error

	rec.Action, err = resolveAction(p.Action, info)
	if err != nil {
		return nil, err
	}

	// Older nodes log cancellations as failures with a context error.
	if rec.Kind == KindFailed && strings.Contains(p.Error, "context canceled") {
		rec.Kind = KindCanceled
	}

	if p.Duration != nil {
		d, err := parseDuration(p.Duration)
		if err != nil {
			return nil, err
		}
		rec.DurationMs = &d
	}

	return rec, nil
}

func resolveAction(name string, info messageInfo) (types.Action, error) {
	if info.kind == KindDeleted {
		return types.ActionDelete, nil
	}
	if name == "" {
		switch info.verb {
		case "download":
			return types.ActionDownload, nil
		case "upload":
			return types.ActionUpload, nil
		}
	}
	if a, ok := actions[name]; ok {
		return a, nil
	}
	return "", errors.Wrapf(errors.ErrUnknownAction, "%q", name)
}

// parseDuration reads an embedded duration: a Go duration string ("1.25s")
// or a number of milliseconds.
func parseDuration(v any) (float64, error) {
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, errors.NewMalformed("duration " + d)
		}
		return float64(parsed) / float64(time.Millisecond), nil
	case float64:
		if d < 0 {
			return 0, errors.NewMalformed("negative duration")
		}
		return d, nil
	default:
		return 0, errors.NewMalformed("duration type")
	}
}

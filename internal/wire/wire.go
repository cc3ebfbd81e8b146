// Package wire frames the live update stream.
//
// Every message is a google.protobuf.Struct, length-delimited with
// protobuf's varint prefix, so any protobuf runtime can consume the stream
// without generated code.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/nodescope/config"
)

// Envelope field names.
const (
	FieldType    = "type"
	FieldTopic   = "topic"
	FieldSeq     = "seq"
	FieldTime    = "time"
	FieldPayload = "payload"
	FieldTopics  = "topics"
	FieldMessage = "message"
)

// Envelope types.
const (
	TypeEvent     = "event"
	TypeSubscribe = "subscribe"
	TypeError     = "error"
)

// Reader reads length-delimited envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read reads and unmarshals the next envelope.
// Returns an error if the message exceeds DefaultMaxMessageSize.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: config.DefaultMaxMessageSize,
	}
	if err := opts.UnmarshalFrom(r.r, env); err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return env, nil
}

// Writer writes length-delimited envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes an envelope with length prefix.
func (w *Writer) Write(env *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Envelope Helpers
// =============================================================================

// ToValue converts any JSON-encodable value to a structpb value.
func ToValue(v any) (*structpb.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return structpb.NewValue(generic)
}

// NewEvent builds a published message envelope.
func NewEvent(topic string, seq uint64, at time.Time, payload any) (*structpb.Struct, error) {
	pv, err := ToValue(payload)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldType:    structpb.NewStringValue(TypeEvent),
		FieldTopic:   structpb.NewStringValue(topic),
		FieldSeq:     structpb.NewNumberValue(float64(seq)),
		FieldTime:    structpb.NewStringValue(at.UTC().Format(time.RFC3339Nano)),
		FieldPayload: pv,
	}}, nil
}

// NewSubscribe builds the request a client sends to choose topics. No
// topics selects all of them.
func NewSubscribe(topics ...string) *structpb.Struct {
	list := make([]*structpb.Value, len(topics))
	for i, t := range topics {
		list[i] = structpb.NewStringValue(t)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldType:   structpb.NewStringValue(TypeSubscribe),
		FieldTopics: structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

// NewError builds an error envelope.
func NewError(msg string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldType:    structpb.NewStringValue(TypeError),
		FieldMessage: structpb.NewStringValue(msg),
	}}
}

// NewErrorf creates an error envelope with a formatted message.
func NewErrorf(format string, args ...interface{}) *structpb.Struct {
	return NewError(fmt.Sprintf(format, args...))
}

// Type returns the envelope type, or "" if missing.
func Type(env *structpb.Struct) string {
	return String(env, FieldType)
}

// String returns a string field of env, or "".
func String(env *structpb.Struct, field string) string {
	if env == nil {
		return ""
	}
	return env.GetFields()[field].GetStringValue()
}

// Topics returns the topics of a subscribe envelope.
func Topics(env *structpb.Struct) []string {
	values := env.GetFields()[FieldTopics].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

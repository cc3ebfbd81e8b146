package wire

import (
	"bytes"
	"testing"
	"time"
)

type samplePayload struct {
	Node  string   `json:"node"`
	Value float64  `json:"value"`
	Tags  []string `json:"tags"`
}

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	env, err := NewEvent("events", 7, at, samplePayload{Node: "n1", Value: 2.5, Tags: []string{"a"}})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if err := w.Write(env); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write(NewSubscribe("alerts", "status")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	r := NewReader(&buf)
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if Type(got) != TypeEvent {
		t.Errorf("expected type %q, got %q", TypeEvent, Type(got))
	}
	if String(got, FieldTopic) != "events" {
		t.Errorf("expected topic events, got %q", String(got, FieldTopic))
	}
	if seq := got.GetFields()[FieldSeq].GetNumberValue(); seq != 7 {
		t.Errorf("expected seq 7, got %v", seq)
	}
	payload := got.GetFields()[FieldPayload].GetStructValue()
	if payload.GetFields()["node"].GetStringValue() != "n1" {
		t.Errorf("expected node n1 in payload, got %v", payload)
	}
	if payload.GetFields()["value"].GetNumberValue() != 2.5 {
		t.Errorf("expected value 2.5 in payload, got %v", payload)
	}

	sub, err := r.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	topics := Topics(sub)
	if len(topics) != 2 || topics[0] != "alerts" || topics[1] != "status" {
		t.Errorf("unexpected topics: %v", topics)
	}
}

func TestReadEOF(t *testing.T) {
	r := NewReader(&bytes.Buffer{})
	if _, err := r.Read(); err == nil {
		t.Error("expected error reading empty stream")
	}
}

func TestNewErrorf(t *testing.T) {
	env := NewErrorf("unknown topic %q", "x")
	if Type(env) != TypeError {
		t.Errorf("expected error type, got %q", Type(env))
	}
	if String(env, FieldMessage) != `unknown topic "x"` {
		t.Errorf("unexpected message %q", String(env, FieldMessage))
	}
}

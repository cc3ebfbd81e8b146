package errors

import (
	"context"
	"testing"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		input     bool
		retriable bool
		notFound  bool
	}{
		{"malformed line", NewMalformed("no JSON payload"), true, false, false},
		{"bad timestamp", Wrapf(ErrBadTimestamp, "%q", "x"), true, false, false},
		{"unknown action", Wrapf(ErrUnknownAction, "%q", "HEAD"), true, false, false},
		{"connection", Wrap(ErrConnectionFailed, "webhook"), false, true, false},
		{"status code", Wrapf(ErrStatusCode, "returned %d", 502), false, true, false},
		{"timeout", Wrap(ErrTimeout, "poll"), false, true, false},
		{"deadline", context.DeadlineExceeded, false, false, false},
		{"alert", ErrAlertNotFound, false, false, true},
		{"database", ErrDatabase, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsInputError(tt.err); got != tt.input {
				t.Errorf("IsInputError = %v, want %v", got, tt.input)
			}
			if got := IsRetriable(tt.err); got != tt.retriable {
				t.Errorf("IsRetriable = %v, want %v", got, tt.retriable)
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "%d", 1) != nil {
		t.Error("wrapping nil must stay nil")
	}
}

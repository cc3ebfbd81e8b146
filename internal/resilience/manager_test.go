package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/nodescope/internal/errors"
)

func TestBackoffSequence(t *testing.T) {
	base := 2 * time.Second
	ceiling := 60 * time.Second

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := Backoff(base, ceiling, i+1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		ceiling time.Duration
	}{
		{"stream", 2 * time.Second, 60 * time.Second},
		{"poller", 2 * time.Second, 300 * time.Second},
		{"base above cap", 10 * time.Second, 5 * time.Second},
		{"tiny", time.Millisecond, 7 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := time.Duration(0)
			for n := 1; n <= 200; n++ {
				d := Backoff(tt.base, tt.ceiling, n)
				if d < prev {
					t.Fatalf("attempt %d: %v < previous %v", n, d, prev)
				}
				if d > tt.ceiling {
					t.Fatalf("attempt %d: %v exceeds cap %v", n, d, tt.ceiling)
				}
				prev = d
			}
		})
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		valid    bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateError, true},
		{StateConnected, StateDisconnected, true},
		{StateConnected, StateError, true},
		{StateError, StateConnecting, true},
		{StateDisconnected, StateConnected, false},
		{StateError, StateConnected, false},
		{StateStopped, StateConnecting, false},
		{StateStopped, StateDisconnected, false},
	}
	for _, s := range []State{StateDisconnected, StateConnecting, StateConnected, StateError} {
		tests = append(tests, struct {
			from, to State
			valid    bool
		}{s, StateStopped, true})
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.valid {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.valid, got)
		}
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) listen(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.To
	}
	return out
}

func fastConfig(endpoint string) Config {
	return Config{
		Endpoint:    endpoint,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	}
}

func TestRunMaxAttempts(t *testing.T) {
	cfg := fastConfig("flaky")
	cfg.MaxAttempts = 3
	m := New(cfg)

	calls := 0
	err := m.Run(context.Background(), func(ctx context.Context, connected func()) error {
		calls++
		return errors.ErrConnectionFailed
	})

	if !errors.Is(err, errors.ErrMaxAttempts) {
		t.Fatalf("expected ErrMaxAttempts, got %v", err)
	}
	if !errors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}

	st := m.State()
	if st.State != StateStopped {
		t.Errorf("expected stopped, got %s", st.State)
	}
	if st.Failures != 3 {
		t.Errorf("expected 3 failures, got %d", st.Failures)
	}
	if st.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestRunRecoversAfterFailures(t *testing.T) {
	m := New(fastConfig("recovering"))
	rec := &recorder{}
	m.OnChange(rec.listen)

	calls := 0
	err := m.Run(context.Background(), func(ctx context.Context, connected func()) error {
		calls++
		if calls < 3 {
			return errors.ErrConnectionFailed
		}
		connected()
		return ErrDone
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	want := []State{
		StateConnecting, StateError,
		StateConnecting, StateError,
		StateConnecting, StateConnected,
		StateStopped,
	}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestConnectResetsFailures(t *testing.T) {
	m := New(fastConfig("reset"))

	calls := 0
	var failuresWhenConnected int
	_ = m.Run(context.Background(), func(ctx context.Context, connected func()) error {
		calls++
		if calls == 1 {
			return errors.ErrConnectionFailed
		}
		connected()
		failuresWhenConnected = m.State().Failures
		return ErrDone
	})

	if failuresWhenConnected != 0 {
		t.Errorf("expected failures reset on connect, got %d", failuresWhenConnected)
	}
}

func TestCleanDisconnectReconnects(t *testing.T) {
	m := New(fastConfig("closing"))
	rec := &recorder{}
	m.OnChange(rec.listen)

	calls := 0
	_ = m.Run(context.Background(), func(ctx context.Context, connected func()) error {
		calls++
		connected()
		if calls == 1 {
			return nil
		}
		return ErrDone
	})

	got := rec.states()
	want := []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected, StateStopped}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestHealthFailuresForceReconnect(t *testing.T) {
	var checks int
	var mu sync.Mutex
	cfg := fastConfig("unhealthy")
	cfg.HealthInterval = 2 * time.Millisecond
	cfg.HealthThreshold = 3
	cfg.HealthCheck = func(ctx context.Context) error {
		mu.Lock()
		checks++
		mu.Unlock()
		return errors.ErrTimeout
	}
	m := New(cfg)

	calls := 0
	var lastErr string
	err := m.Run(context.Background(), func(ctx context.Context, connected func()) error {
		calls++
		if calls == 2 {
			lastErr = m.State().LastError
			return ErrDone
		}
		connected()
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected a second attempt after health failures, got %d calls", calls)
	}

	mu.Lock()
	defer mu.Unlock()
	if checks < 3 {
		t.Errorf("expected at least 3 health checks, got %d", checks)
	}
	if lastErr == "" {
		t.Error("expected health failure to be recorded as last error")
	}
}

func TestStopIsTerminal(t *testing.T) {
	m := New(fastConfig("stoppable"))

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background(), func(ctx context.Context, connected func()) error {
			connected()
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	<-started
	m.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if st := m.State().State; st != StateStopped {
		t.Errorf("expected stopped, got %s", st)
	}
	if err := m.Run(context.Background(), nil); !errors.Is(err, errors.ErrStopped) {
		t.Errorf("expected ErrStopped on rerun, got %v", err)
	}
}

func TestContextCancelStops(t *testing.T) {
	m := New(fastConfig("cancelled"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(ctx context.Context, connected func()) error {
			return errors.ErrConnectionFailed
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if st := m.State().State; st != StateStopped {
		t.Errorf("expected stopped, got %s", st)
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	rec := &recorder{}
	r.OnChange(rec.listen)

	b := r.New(fastConfig("b"))
	r.New(fastConfig("a"))

	b.Stop()

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 states, got %d", len(snap))
	}
	if snap[0].Endpoint != "a" || snap[1].Endpoint != "b" {
		t.Errorf("expected sorted endpoints, got %s, %s", snap[0].Endpoint, snap[1].Endpoint)
	}
	if snap[1].State != StateStopped {
		t.Errorf("expected b stopped, got %s", snap[1].State)
	}
	if got := rec.states(); len(got) != 1 || got[0] != StateStopped {
		t.Errorf("expected registry listener to see stop, got %v", got)
	}
}

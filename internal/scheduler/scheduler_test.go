package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(workers int) *Config {
	return &Config{
		Workers:      workers,
		QueueSize:    16,
		TickInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}
}

func TestAddValidation(t *testing.T) {
	sched := New(testConfig(1))
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{name: "valid", task: Task{Name: "a", Interval: time.Second, Run: noop}},
		{name: "missing name", task: Task{Interval: time.Second, Run: noop}, wantErr: true},
		{name: "zero interval", task: Task{Name: "b", Run: noop}, wantErr: true},
		{name: "missing func", task: Task{Name: "c", Interval: time.Second}, wantErr: true},
		{name: "duplicate", task: Task{Name: "a", Interval: time.Second, Run: noop}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sched.Add(tt.task)
			if (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchedulerBasic(t *testing.T) {
	sched := New(testConfig(2))

	var runs atomic.Int32
	err := sched.Add(Task{
		Name:      "baselines",
		Interval:  50 * time.Millisecond,
		Immediate: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	sched.Start(context.Background())
	defer sched.Stop()

	time.Sleep(200 * time.Millisecond)

	if got := runs.Load(); got < 2 {
		t.Errorf("expected at least 2 runs, got %d", got)
	}
	if st := sched.Stats(); st.Runs < 2 || st.Failures != 0 {
		t.Errorf("Stats() = %+v, want runs >= 2 and no failures", st)
	}

	sched.Remove("baselines")
	time.Sleep(80 * time.Millisecond)

	if st := sched.Stats(); st.Scheduled != 0 {
		t.Errorf("after remove: scheduled = %d, want 0", st.Scheduled)
	}
}

func TestTaskNeverOverlapsItself(t *testing.T) {
	sched := New(testConfig(4))

	var running, overlaps atomic.Int32
	sched.Add(Task{
		Name:      "slow",
		Interval:  time.Millisecond,
		Immediate: true,
		Run: func(ctx context.Context) error {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		},
	})

	sched.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	sched.Stop()

	if got := overlaps.Load(); got != 0 {
		t.Errorf("task overlapped itself %d times", got)
	}
}

func TestFailuresAndPanicsAreCounted(t *testing.T) {
	sched := New(testConfig(2))

	var calls atomic.Int32
	sched.Add(Task{
		Name:      "failing",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(context.Context) error {
			calls.Add(1)
			return errors.New("boom")
		},
	})
	sched.Add(Task{
		Name:      "panicking",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(context.Context) error {
			calls.Add(1)
			panic("bad task")
		},
	})

	sched.Start(context.Background())
	defer sched.Stop()

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	st := sched.Stats()
	if st.Failures != 2 {
		t.Errorf("failures = %d, want 2", st.Failures)
	}
	if !sched.Contains("panicking") {
		t.Error("a panicking task must stay scheduled")
	}
}

func TestRemoveDuringRun(t *testing.T) {
	sched := New(testConfig(1))

	started := make(chan struct{})
	release := make(chan struct{})
	sched.Add(Task{
		Name:      "archive",
		Interval:  10 * time.Millisecond,
		Immediate: true,
		Run: func(context.Context) error {
			select {
			case <-started:
			default:
				close(started)
			}
			<-release
			return nil
		},
	})

	sched.Start(context.Background())
	defer sched.Stop()

	<-started
	sched.Remove("archive")
	close(release)
	time.Sleep(50 * time.Millisecond)

	if sched.Contains("archive") {
		t.Error("Contains() returned true for removed task")
	}
	if st := sched.Stats(); st.Scheduled != 0 {
		t.Errorf("heap size = %d after remove during run, want 0", st.Scheduled)
	}
}

func TestTrigger(t *testing.T) {
	cfg := testConfig(1)
	cfg.MaxJitter = time.Hour
	sched := New(cfg)

	ran := make(chan struct{}, 1)
	sched.Add(Task{
		Name:     "status",
		Interval: time.Hour,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})

	if sched.Trigger("unknown") {
		t.Error("Trigger() returned true for unknown task")
	}

	sched.Start(context.Background())
	defer sched.Stop()

	if !sched.Trigger("status") {
		t.Fatal("Trigger() returned false")
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("triggered task did not run")
	}
	time.Sleep(20 * time.Millisecond)

	next, ok := sched.NextRun("status")
	if !ok || time.Until(next) < 59*time.Minute {
		t.Errorf("NextRun() = %v, %v; want about an hour away", next, ok)
	}
}

func TestStopCancelsAfterDrain(t *testing.T) {
	cfg := testConfig(1)
	cfg.DrainTimeout = 30 * time.Millisecond
	sched := New(cfg)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	sched.Add(Task{
		Name:      "stuck",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled after drain timeout")
	}
}

func TestSchedulerCount(t *testing.T) {
	sched := New(testConfig(1))
	noop := func(context.Context) error { return nil }

	if got := sched.Count(); got != 0 {
		t.Errorf("Count() = %d before adding, want 0", got)
	}
	for _, name := range []string{"a", "b", "c"} {
		sched.Add(Task{Name: name, Interval: time.Hour, Run: noop})
	}
	if got := sched.Count(); got != 3 {
		t.Errorf("Count() = %d after adding 3, want 3", got)
	}
	sched.Remove("a")
	if got := sched.Count(); got != 2 {
		t.Errorf("Count() = %d after removing 1, want 2", got)
	}
}

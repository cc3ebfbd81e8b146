package testutil

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoroutineTestCollectsNothingOnSuccess(t *testing.T) {
	gt := NewGoroutineTest(t, time.Second)
	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		gt.Go(func(ctx context.Context) error {
			ran.Add(1)
			<-ctx.Done()
			return nil
		})
	}
	gt.Cancel()
	gt.Wait()

	if ran.Load() != 4 {
		t.Errorf("ran = %d, want 4", ran.Load())
	}
}

func TestWithTimeout(t *testing.T) {
	if err := WithTimeout(time.Second, func() error { return nil }); err != nil {
		t.Errorf("fast function: %v", err)
	}

	want := errors.New("boom")
	if err := WithTimeout(time.Second, func() error { return want }); !errors.Is(err, want) {
		t.Errorf("expected boom, got %v", err)
	}

	block := make(chan struct{})
	defer close(block)
	if err := WithTimeout(20*time.Millisecond, func() error { <-block; return nil }); err == nil {
		t.Error("expected timeout")
	}
}

func TestEventually(t *testing.T) {
	var n atomic.Int32
	err := Eventually(time.Second, time.Millisecond, func() bool {
		return n.Add(1) >= 3
	})
	if err != nil {
		t.Errorf("Eventually: %v", err)
	}

	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected timeout")
	}
}

func TestWaitAddr(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var bound atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		bound.Store(true)
	}()

	got := WaitAddr(t, func() net.Addr {
		if !bound.Load() {
			return nil
		}
		return ln.Addr()
	})
	if got != ln.Addr().String() {
		t.Errorf("WaitAddr = %q, want %q", got, ln.Addr().String())
	}
}

// Package testutil provides helpers for tests that run servers and
// goroutines.
//
// t.Fatal and t.FailNow must not be called from goroutines other than the
// test goroutine; the helpers here return errors or collect them instead.
package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Error Channel Pattern
// =============================================================================

// GoroutineTest runs functions in goroutines and reports their errors on
// the test goroutine.
//
//	gt := testutil.NewGoroutineTest(t, time.Second)
//	gt.Go(func(ctx context.Context) error { return srv.Run(ctx) })
//	...
//	gt.Cancel()
//	gt.Wait()
type GoroutineTest struct {
	t      testing.TB
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a helper whose context ends after timeout.
func NewGoroutineTest(t testing.TB, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn with the helper's context in a goroutine.
func (gt *GoroutineTest) Go(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Cancel ends the context passed to every goroutine.
func (gt *GoroutineTest) Cancel() {
	gt.cancel()
}

// Wait waits for all goroutines and fails the test if any returned an
// error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.wg.Wait()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	for i, err := range gt.errs {
		gt.t.Errorf("goroutine error [%d]: %v", i+1, err)
	}
	if len(gt.errs) > 0 {
		gt.t.FailNow()
	}
}

// =============================================================================
// Waiting
// =============================================================================

// WithTimeout runs fn and fails with an error if it does not return within
// timeout. fn keeps running in the background after a timeout.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}

// Eventually polls condition until it holds or timeout passes.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}

// WaitAddr waits until addr reports a bound address, as servers do once
// their Run has started listening, and returns it as host:port.
func WaitAddr(t testing.TB, addr func() net.Addr) string {
	t.Helper()
	var a net.Addr
	err := Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		a = addr()
		return a != nil
	})
	if err != nil {
		t.Fatalf("server did not start: %v", err)
	}
	return a.String()
}

// Package resilience keeps a connection-oriented task alive.
//
// A Manager wraps an "attempt connect and run" function and retries it with
// capped exponential backoff, tracking an explicit connection state machine:
//
//	disconnected -> connecting -> connected | error
//	connected    -> disconnected | error
//	error        -> connecting (after backoff)
//	any          -> stopped
//
// Optional health checks run while connected. After a configured number of
// consecutive failures the attempt is cancelled and retried through the same
// backoff path.
package resilience

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
)

var log = logging.Component("resilience")

// ErrDone may be returned by an attempt to finish cleanly. The manager moves
// to stopped and Run returns nil.
var ErrDone = errors.New("done")

// AttemptFunc connects and then runs until the session ends. It must call
// connected once the connection is established and return when ctx is
// cancelled.
type AttemptFunc func(ctx context.Context, connected func()) error

// HealthFunc probes an established connection.
type HealthFunc func(ctx context.Context) error

// Config controls retry and health behavior.
type Config struct {
	Endpoint string

	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxAttempts is the number of consecutive failures after which Run
	// gives up. Zero means retry forever.
	MaxAttempts int

	HealthCheck     HealthFunc
	HealthInterval  time.Duration
	HealthThreshold int
	HealthTimeout   time.Duration
}

// StreamConfig returns defaults for file and network sources.
func StreamConfig(endpoint string) Config {
	return Config{
		Endpoint:    endpoint,
		BackoffBase: config.DefaultBackoffBase,
		BackoffCap:  config.DefaultStreamBackoffCap,
	}
}

// PollerConfig returns defaults for API pollers.
func PollerConfig(endpoint string, health HealthFunc) Config {
	return Config{
		Endpoint:        endpoint,
		BackoffBase:     config.DefaultBackoffBase,
		BackoffCap:      config.DefaultPollerBackoffCap,
		HealthCheck:     health,
		HealthInterval:  config.DefaultHealthCheckInterval,
		HealthThreshold: config.DefaultHealthFailureThreshold,
	}
}

// Backoff returns the delay before retry number n (1-based):
// min(base * 2^(n-1), cap). The sequence is non-decreasing and never
// exceeds cap.
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if base <= 0 {
		return 0
	}
	if ceiling > 0 && base >= ceiling {
		return ceiling
	}
	d := float64(base) * math.Pow(2, float64(n-1))
	if ceiling > 0 && d >= float64(ceiling) {
		return ceiling
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Manager supervises one endpoint. It is the only writer of its
// ConnectionState.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	state    ConnectionState
	cancel   context.CancelFunc
	stopped  bool
	running  bool
	listener []Listener

	lastActivity atomic.Int64
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates a manager in the disconnected state.
func New(cfg Config) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = config.DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = config.DefaultStreamBackoffCap
	}
	if cfg.HealthCheck != nil {
		if cfg.HealthInterval <= 0 {
			cfg.HealthInterval = config.DefaultHealthCheckInterval
		}
		if cfg.HealthThreshold <= 0 {
			cfg.HealthThreshold = config.DefaultHealthFailureThreshold
		}
		if cfg.HealthTimeout <= 0 {
			cfg.HealthTimeout = cfg.HealthInterval
		}
	}
	return &Manager{
		cfg: cfg,
		state: ConnectionState{
			Endpoint: cfg.Endpoint,
			State:    StateDisconnected,
			Since:    time.Now(),
		},
		stopCh: make(chan struct{}),
	}
}

// Endpoint returns the managed endpoint name.
func (m *Manager) Endpoint() string {
	return m.cfg.Endpoint
}

// OnChange registers a listener for state transitions.
func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	m.listener = append(m.listener, l)
	m.mu.Unlock()
}

// State returns a snapshot of the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	s := m.state
	m.mu.RUnlock()
	if ts := m.lastActivity.Load(); ts != 0 {
		s.LastActivity = time.Unix(0, ts)
	}
	return s
}

// Touch records activity on the connection. Adapters call it per line.
func (m *Manager) Touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// transitionTo moves to a new state, rejecting transitions the state machine
// does not allow.
func (m *Manager) transitionTo(to State, cause error) error {
	m.mu.Lock()
	from := m.state.State
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, from, to)
	}

	now := time.Now()
	m.state.State = to
	m.state.Since = now
	switch to {
	case StateConnected:
		m.state.Failures = 0
		m.state.LastError = ""
	case StateError:
		m.state.Failures++
		if cause != nil {
			m.state.LastError = cause.Error()
		}
	}
	listeners := append([]Listener(nil), m.listener...)
	m.mu.Unlock()

	change := Change{Endpoint: m.cfg.Endpoint, From: from, To: to, Err: cause, At: now}
	for _, l := range listeners {
		l(change)
	}
	return nil
}

func (m *Manager) currentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.State
}

func (m *Manager) isStopped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopped
}

func (m *Manager) failures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Failures
}

// Stop cancels outstanding work and moves to stopped. It is safe to call
// more than once and before Run.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		cancel := m.cancel
		m.mu.Unlock()

		close(m.stopCh)
		if cancel != nil {
			cancel()
		}
		m.markStopped()
	})
}

func (m *Manager) markStopped() {
	if m.currentState() != StateStopped {
		_ = m.transitionTo(StateStopped, nil)
	}
}

// Run drives attempt until ctx is cancelled, Stop is called, the attempt
// returns ErrDone, or MaxAttempts consecutive failures occur.
func (m *Manager) Run(ctx context.Context, attempt AttemptFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.ErrStopped
	}
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s already running", errors.ErrInvalidState, m.cfg.Endpoint)
	}
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	retries := 0
	for {
		if runCtx.Err() != nil {
			m.markStopped()
			return nil
		}

		if err := m.transitionTo(StateConnecting, nil); err != nil {
			if m.isStopped() {
				return nil
			}
			m.markStopped()
			return err
		}

		err := m.runAttempt(runCtx, attempt)

		if runCtx.Err() != nil {
			m.markStopped()
			return nil
		}
		if errors.Is(err, ErrDone) {
			log.Info("finished", "endpoint", m.cfg.Endpoint)
			m.markStopped()
			return nil
		}

		if err == nil && m.currentState() == StateConnected {
			log.Info("disconnected", "endpoint", m.cfg.Endpoint)
			_ = m.transitionTo(StateDisconnected, nil)
			retries = 0
		} else {
			if err == nil {
				err = errors.ErrConnectionClosed
			}
			if m.currentState() == StateConnected {
				retries = 0
			}
			_ = m.transitionTo(StateError, err)
			log.Warn("attempt failed", "endpoint", m.cfg.Endpoint, "failures", m.failures(), "error", err)

			if m.cfg.MaxAttempts > 0 && m.failures() >= m.cfg.MaxAttempts {
				m.markStopped()
				return fmt.Errorf("%s: %w: %w", m.cfg.Endpoint, errors.ErrMaxAttempts, err)
			}
		}

		retries++
		delay := Backoff(m.cfg.BackoffBase, m.cfg.BackoffCap, retries)
		log.Debug("retrying", "endpoint", m.cfg.Endpoint, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-runCtx.Done():
			timer.Stop()
			m.markStopped()
			return nil
		case <-m.stopCh:
			timer.Stop()
			return nil
		}
	}
}

// runAttempt runs one attempt, with health checks once connected.
func (m *Manager) runAttempt(ctx context.Context, attempt AttemptFunc) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		healthErr  atomic.Pointer[error]
		healthDone = make(chan struct{})
		once       sync.Once
		started    atomic.Bool
	)

	connected := func() {
		once.Do(func() {
			if err := m.transitionTo(StateConnected, nil); err != nil {
				log.Warn("connect transition rejected", "endpoint", m.cfg.Endpoint, "error", err)
				return
			}
			log.Info("connected", "endpoint", m.cfg.Endpoint)
			m.Touch()
			if m.cfg.HealthCheck != nil {
				started.Store(true)
				go func() {
					defer close(healthDone)
					if err := m.healthLoop(attemptCtx); err != nil {
						healthErr.Store(&err)
						cancel()
					}
				}()
			}
		})
	}

	err := attempt(attemptCtx, connected)
	cancel()
	if started.Load() {
		<-healthDone
	}

	if p := healthErr.Load(); p != nil {
		return *p
	}
	return err
}

// healthLoop returns an error after HealthThreshold consecutive failures
// and nil when ctx ends.
func (m *Manager) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
		err := m.cfg.HealthCheck(checkCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			consecutive = 0
			m.Touch()
			continue
		}

		consecutive++
		log.Warn("health check failed", "endpoint", m.cfg.Endpoint, "consecutive", consecutive, "error", err)
		if consecutive >= m.cfg.HealthThreshold {
			return fmt.Errorf("%w after %d attempts: %w", errors.ErrHealthCheck, consecutive, err)
		}
	}
}

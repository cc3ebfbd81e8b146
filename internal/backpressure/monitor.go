// Package backpressure grades line queue pressure into levels with
// hysteresis so that callers can react without flapping.
//
// File tailers consult the level to slow down reading (lines stay on disk);
// network sources cannot slow the sender, so they rely on the queue's
// drop-oldest policy.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - operating normally.
	LevelNormal Level = iota

	// LevelWarning - queue above the high-water mark.
	LevelWarning

	// LevelCritical - readers that can wait should slow down.
	LevelCritical

	// LevelEmergency - queue about to drop lines.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Gauge reports how full something is, from 0 to 1.
type Gauge interface {
	UsageRatio() float64
}

// Thresholds are usage ratios at which each level begins.
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64

	// Hysteresis is subtracted from a threshold before a level is left.
	Hysteresis float64

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration
}

// DefaultThresholds starts warning at the queue high-water mark.
func DefaultThresholds(highWater float64) Thresholds {
	return Thresholds{
		Warning:    highWater,
		Critical:   0.90,
		Emergency:  0.98,
		Hysteresis: 0.05,
		Cooldown:   100 * time.Millisecond,
	}
}

// Monitor tracks the backpressure level of one gauge.
type Monitor struct {
	mu sync.Mutex

	name       string
	thresholds Thresholds
	gauge      Gauge

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	// Statistics
	levelChanges int64

	// Level change callback
	onLevelChange func(name string, old, new Level)
}

// New creates a monitor for gauge.
func New(name string, gauge Gauge, t Thresholds) *Monitor {
	return &Monitor{
		name:       name,
		thresholds: t,
		gauge:      gauge,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (m *Monitor) SetOnLevelChange(fn func(name string, old, new Level)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// Check evaluates current usage and updates the level.
func (m *Monitor) Check() Level {
	m.mu.Lock()

	now := time.Now()
	if m.thresholds.Cooldown > 0 && now.Sub(m.lastCheck) < m.thresholds.Cooldown {
		m.mu.Unlock()
		return Level(m.level.Load())
	}
	m.lastCheck = now

	newLevel := m.determineLevel(m.gauge.UsageRatio())
	if newLevel == m.lastLevel {
		m.mu.Unlock()
		return newLevel
	}

	old := m.lastLevel
	m.lastLevel = newLevel
	m.level.Store(int32(newLevel))
	m.levelChanges++
	cb := m.onLevelChange
	m.mu.Unlock()

	if cb != nil {
		cb(m.name, old, newLevel)
	}
	return newLevel
}

// determineLevel determines the backpressure level based on usage.
func (m *Monitor) determineLevel(usage float64) Level {
	t := m.thresholds

	// Going up (increasing pressure)
	if usage >= t.Emergency {
		return LevelEmergency
	}
	if usage >= t.Critical {
		return max(LevelCritical, m.holdAt(LevelEmergency, usage, t.Emergency))
	}
	if usage >= t.Warning {
		return max(LevelWarning, m.holdAt(LevelCritical, usage, t.Critical))
	}

	// Going down (decreasing pressure) - apply hysteresis
	switch m.lastLevel {
	case LevelEmergency, LevelCritical:
		if usage >= t.Critical-t.Hysteresis {
			return LevelCritical
		}
		if usage >= t.Warning-t.Hysteresis {
			return LevelWarning
		}
		return LevelNormal
	case LevelWarning:
		if usage >= t.Warning-t.Hysteresis {
			return LevelWarning
		}
		return LevelNormal
	default:
		return LevelNormal
	}
}

// holdAt keeps level if it is current and usage has not fallen far enough
// below threshold to leave it.
func (m *Monitor) holdAt(level Level, usage, threshold float64) Level {
	if m.lastLevel >= level && usage >= threshold-m.thresholds.Hysteresis {
		return level
	}
	return LevelNormal
}

// CurrentLevel returns the last evaluated level.
func (m *Monitor) CurrentLevel() Level {
	return Level(m.level.Load())
}

// ShouldThrottle returns true if readers that can wait should slow down.
func (m *Monitor) ShouldThrottle() bool {
	return m.CurrentLevel() >= LevelCritical
}

// ThrottleDelay returns the recommended pause between reads.
func (m *Monitor) ThrottleDelay() time.Duration {
	switch m.CurrentLevel() {
	case LevelCritical:
		return 50 * time.Millisecond
	case LevelEmergency:
		return 200 * time.Millisecond
	default:
		return 0
	}
}

// LevelChanges returns how often the level changed.
func (m *Monitor) LevelChanges() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levelChanges
}

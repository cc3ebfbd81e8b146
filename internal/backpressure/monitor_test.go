package backpressure

import "testing"

type fakeGauge struct{ usage float64 }

func (g *fakeGauge) UsageRatio() float64 { return g.usage }

func testThresholds() Thresholds {
	return Thresholds{
		Warning:    0.50,
		Critical:   0.80,
		Emergency:  0.95,
		Hysteresis: 0.10,
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelNormal, "normal"},
		{LevelWarning, "warning"},
		{LevelCritical, "critical"},
		{LevelEmergency, "emergency"},
		{Level(42), "unknown"},
	}

	for _, tt := range tests {
		if tt.level.String() != tt.expected {
			t.Errorf("level %d: expected %s, got %s", tt.level, tt.expected, tt.level.String())
		}
	}
}

func TestMonitor_Rising(t *testing.T) {
	g := &fakeGauge{}
	m := New("q", g, testThresholds())

	tests := []struct {
		usage    float64
		expected Level
	}{
		{0.10, LevelNormal},
		{0.55, LevelWarning},
		{0.85, LevelCritical},
		{0.97, LevelEmergency},
	}

	for _, tt := range tests {
		g.usage = tt.usage
		if got := m.Check(); got != tt.expected {
			t.Errorf("usage %.2f: expected %s, got %s", tt.usage, tt.expected, got)
		}
	}
}

func TestMonitor_Hysteresis(t *testing.T) {
	g := &fakeGauge{usage: 0.85}
	m := New("q", g, testThresholds())
	m.Check()

	// Just below critical but within hysteresis: stays critical.
	g.usage = 0.75
	if got := m.Check(); got != LevelCritical {
		t.Errorf("expected critical within hysteresis, got %s", got)
	}

	// Below critical - hysteresis: drops to warning.
	g.usage = 0.65
	if got := m.Check(); got != LevelWarning {
		t.Errorf("expected warning, got %s", got)
	}

	// Within warning hysteresis band.
	g.usage = 0.45
	if got := m.Check(); got != LevelWarning {
		t.Errorf("expected warning within hysteresis, got %s", got)
	}

	g.usage = 0.30
	if got := m.Check(); got != LevelNormal {
		t.Errorf("expected normal, got %s", got)
	}
}

func TestMonitor_Callback(t *testing.T) {
	g := &fakeGauge{}
	m := New("node-a", g, testThresholds())

	var changes []Level
	m.SetOnLevelChange(func(name string, old, new Level) {
		if name != "node-a" {
			t.Errorf("expected name node-a, got %s", name)
		}
		changes = append(changes, new)
	})

	for _, u := range []float64{0.1, 0.6, 0.6, 0.9, 0.2} {
		g.usage = u
		m.Check()
	}

	want := []Level{LevelWarning, LevelCritical, LevelNormal}
	if len(changes) != len(want) {
		t.Fatalf("expected %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d: expected %s, got %s", i, want[i], changes[i])
		}
	}
	if m.LevelChanges() != 3 {
		t.Errorf("expected 3 level changes, got %d", m.LevelChanges())
	}
}

func TestMonitor_Throttle(t *testing.T) {
	g := &fakeGauge{usage: 0.6}
	m := New("q", g, testThresholds())
	m.Check()
	if m.ShouldThrottle() || m.ThrottleDelay() != 0 {
		t.Error("warning level should not throttle")
	}

	g.usage = 0.9
	m.Check()
	if !m.ShouldThrottle() || m.ThrottleDelay() == 0 {
		t.Error("critical level should throttle")
	}
}

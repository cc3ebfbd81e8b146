package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/nodescope/internal/broadcast"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
)

var now = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	baselines map[string]*types.Baseline
	latest    map[string]*types.MetricSample
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		baselines: make(map[string]*types.Baseline),
		latest:    make(map[string]*types.MetricSample),
	}
}

func (f *fakeSource) set(node, metric string, mean, std float64, count int, value float64, bucket time.Time) {
	f.baselines[node+metric] = &types.Baseline{Node: node, Metric: metric, Mean: mean, StdDev: std, Count: count}
	f.latest[node+metric] = &types.MetricSample{Node: node, Metric: metric, Bucket: bucket, Value: value}
}

func (f *fakeSource) Baseline(_ context.Context, node, metric string) (*types.Baseline, error) {
	if b, ok := f.baselines[node+metric]; ok {
		return b, nil
	}
	return nil, errors.ErrInsufficientData
}

func (f *fakeSource) Latest(_ context.Context, node, metric string) (*types.MetricSample, error) {
	if s, ok := f.latest[node+metric]; ok {
		return s, nil
	}
	return nil, errors.ErrInsufficientData
}

func newDetector(src Source, pub broadcast.Publisher, clock *time.Time) *Detector {
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return *clock }
	return New(src, pub, cfg)
}

func TestScoreDirectionality(t *testing.T) {
	clock := now
	d := newDetector(newFakeSource(), nil, &clock)
	b := &types.Baseline{Mean: 100, StdDev: 10, Count: 48}

	tests := []struct {
		name     string
		metric   string
		value    float64
		want     bool
		kind     types.AnomalyKind
		severity types.Severity
	}{
		{"success rate drop critical", types.MetricSuccessRate, 65, true, types.AnomalyDrop, types.SeverityCritical},
		{"success rate drop warning", types.MetricSuccessRate, 75, true, types.AnomalyDrop, types.SeverityWarning},
		{"success rate spike ignored", types.MetricSuccessRate, 140, false, "", ""},
		{"latency spike", types.MetricLatencyP95, 135, true, types.AnomalySpike, types.SeverityCritical},
		{"latency drop ignored", types.MetricLatencyP95, 60, false, "", ""},
		{"bandwidth spike is info", types.MetricBandwidthBytes, 140, true, types.AnomalySpike, types.SeverityInfo},
		{"bandwidth drop is info", types.MetricBandwidthBytes, 60, true, types.AnomalyDrop, types.SeverityInfo},
		{"event count both ways", types.MetricEventCount, 75, true, types.AnomalyDrop, types.SeverityWarning},
		{"within band", types.MetricEventCount, 115, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := d.Score("n1", tt.metric, tt.value, b)
			require.Equal(t, tt.want, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.kind, a.Kind)
			assert.Equal(t, tt.severity, a.Severity)
			assert.Greater(t, a.Confidence, 0.9)
			assert.Equal(t, *b, a.Baseline)
		})
	}
}

func TestScoreSkipsThinOrFlatBaselines(t *testing.T) {
	clock := now
	d := newDetector(newFakeSource(), nil, &clock)

	_, ok := d.Score("n1", types.MetricLatencyP95, 1000, &types.Baseline{Mean: 10, StdDev: 1, Count: 23})
	assert.False(t, ok, "fewer than min samples")

	_, ok = d.Score("n1", types.MetricLatencyP95, 1000, &types.Baseline{Mean: 10, StdDev: 0, Count: 100})
	assert.False(t, ok, "zero spread")
}

func TestCheckScoresEachBucketOnce(t *testing.T) {
	src := newFakeSource()
	hub := broadcast.NewHub(8)
	sub := hub.Subscribe(broadcast.TopicAnomalies)
	defer sub.Close()

	clock := now
	d := newDetector(src, hub, &clock)
	src.set("n1", types.MetricLatencyP95, 100, 10, 48, 150, now.Add(-time.Hour))

	a, err := d.Check(context.Background(), "n1", types.MetricLatencyP95)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 5.0, a.ZScore)

	again, err := d.Check(context.Background(), "n1", types.MetricLatencyP95)
	require.NoError(t, err)
	assert.Nil(t, again)

	select {
	case m := <-sub.C():
		assert.Equal(t, broadcast.TopicAnomalies, m.Topic)
	default:
		t.Fatal("anomaly not published")
	}

	src.set("n1", types.MetricLatencyP95, 100, 10, 48, 140, now)
	next, err := d.Check(context.Background(), "n1", types.MetricLatencyP95)
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestDetectSkipsMissingData(t *testing.T) {
	src := newFakeSource()
	clock := now
	d := newDetector(src, nil, &clock)
	src.set("n1", types.MetricSuccessRate, 99, 0.5, 100, 90, now)

	got, err := d.Detect(context.Background(), []string{"n1", "n2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.MetricSuccessRate, got[0].Metric)
	assert.Equal(t, types.SeverityCritical, got[0].Severity)
}

func TestRecentTTLAndCap(t *testing.T) {
	clock := now
	cfg := DefaultConfig()
	cfg.RecentCap = 3
	cfg.Now = func() time.Time { return clock }
	d := New(newFakeSource(), nil, cfg)

	for i := 0; i < 5; i++ {
		d.remember(types.Anomaly{Node: "n1", Metric: types.MetricEventCount, Value: float64(i), DetectedAt: clock})
		clock = clock.Add(time.Minute)
	}
	recent := d.Recent("n1")
	require.Len(t, recent, 3)
	assert.Equal(t, 2.0, recent[0].Value)

	clock = clock.Add(2 * time.Hour)
	assert.Empty(t, d.Recent("n1"))
	assert.Empty(t, d.Recent("n2"))
}

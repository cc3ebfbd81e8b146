package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/nodescope/internal/analytics"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/metrics"
	"github.com/xtxerr/nodescope/internal/resilience"
	"github.com/xtxerr/nodescope/internal/store"
	"github.com/xtxerr/nodescope/internal/types"
)

func TestLoadConfigWithoutFile(t *testing.T) {
	opts := &options{
		configPath: filepath.Join(t.TempDir(), "missing.yaml"),
		nodes:      []string{"alpha=/var/log/alpha.log", "beta=10.0.0.2:9000,api=http://10.0.0.2:14002"},
		dbPath:     "/tmp/nodescope.db",
		logLevel:   "debug",
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("loadConfig error = %v", err)
	}
	if got := strings.Join(cfg.NodeNames(), ","); got != "alpha,beta" {
		t.Errorf("nodes = %s", got)
	}
	if cfg.Store.Path != "/tmp/nodescope.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestLoadConfigRejectsBadNode(t *testing.T) {
	opts := &options{
		configPath: filepath.Join(t.TempDir(), "missing.yaml"),
		nodes:      []string{"alpha"},
	}
	_, err := loadConfig(opts)
	if !errors.Is(err, errors.ErrInvalidNodeSpec) {
		t.Errorf("expected ErrInvalidNodeSpec, got %v", err)
	}
}

func TestLoadConfigNeedsNodes(t *testing.T) {
	opts := &options{configPath: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := loadConfig(opts); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCheckCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"check",
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--node", "alpha=/var/log/alpha.log",
	})

	if err := root.Execute(); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !strings.Contains(out.String(), "alpha=/var/log/alpha.log") {
		t.Errorf("output missing node: %q", out.String())
	}
	if !strings.Contains(out.String(), "1 node(s), configuration ok") {
		t.Errorf("output missing summary: %q", out.String())
	}
}

func TestSourcesHealth(t *testing.T) {
	reg := resilience.NewRegistry()
	reg.New(resilience.StreamConfig("file:///var/log/alpha.log"))
	reg.New(resilience.PollerConfig("http://10.0.0.2:14002", nil))

	if err := sourcesHealth(reg, nil); err != nil {
		t.Errorf("no streams should be healthy, got %v", err)
	}

	streams := map[string]bool{"file:///var/log/alpha.log": true}
	if err := sourcesHealth(reg, streams); err == nil {
		t.Error("expected error while no stream is connected")
	}
}

func TestReportLatencyAndForecast(t *testing.T) {
	st, err := store.New(store.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now().Truncate(time.Hour)
	var events []types.Event
	for i := 1; i <= 20; i++ {
		events = append(events, types.Event{
			Node: "gamma", SatelliteID: "s1", Action: types.ActionDownload,
			PieceID: fmt.Sprintf("p%d", i), Timestamp: now.Add(-time.Duration(i) * time.Minute),
			Status: types.StatusSuccess, Source: types.SourceFile,
			DurationMs: types.Float64(float64(i * 10)),
		})
	}
	if _, err := st.AppendEvents(ctx, events); err != nil {
		t.Fatal(err)
	}
	var samples []types.MetricSample
	for i, v := range []float64{100, 90, 80, 70} {
		samples = append(samples, types.MetricSample{
			Node: "gamma", Metric: types.MetricSuccessRate,
			Bucket: now.Add(-time.Duration(4-i) * time.Hour), Value: v,
		})
	}
	if err := st.AppendMetricSamples(ctx, samples); err != nil {
		t.Fatal(err)
	}

	engine := analytics.NewEngine(st, analytics.EngineConfig{WindowHours: 24})
	reportLatency(ctx, engine, []string{"gamma"}, now)
	if got := promtest.ToFloat64(metrics.LatencyPercentile.WithLabelValues("gamma", "0.95")); got != 190 {
		t.Errorf("p95 gauge = %v, want 190", got)
	}

	reportTrends(ctx, engine, []string{"gamma"}, 0.1, 2)
	if got := promtest.ToFloat64(metrics.MetricForecast.WithLabelValues("gamma", types.MetricSuccessRate)); got != 50 {
		t.Errorf("forecast gauge = %v, want 50", got)
	}
}

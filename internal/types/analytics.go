package types

import "time"

// Metric names produced by hourly rollups and scored by the anomaly detector.
const (
	MetricSuccessRate    = "success_rate"
	MetricLatencyP95     = "latency_p95_ms"
	MetricBandwidthBytes = "bandwidth_bytes"
	MetricEventCount     = "event_count"

	// Storage metrics derived from poll snapshots.
	MetricStorageUsed = "storage_used_bytes"
)

// RollupMetrics lists the metrics an hourly rollup emits.
var RollupMetrics = []string{MetricSuccessRate, MetricLatencyP95, MetricBandwidthBytes, MetricEventCount}

// MetricSample is one value of a metric for one node and time bucket.
type MetricSample struct {
	Node   string
	Metric string
	Bucket time.Time
	Value  float64
}

// Baseline summarizes a metric over a trailing window.
type Baseline struct {
	Node        string
	Metric      string
	WindowHours int
	Mean        float64
	StdDev      float64
	Min         float64
	Max         float64
	Count       int
	UpdatedAt   time.Time
}

// Stale reports whether the baseline is older than maxAge at now.
func (b *Baseline) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(b.UpdatedAt) > maxAge
}

// AnomalyKind is the direction of a deviation.
type AnomalyKind string

const (
	AnomalySpike AnomalyKind = "spike"
	AnomalyDrop  AnomalyKind = "drop"
)

// Anomaly is a scored deviation from a baseline. Anomalies are not stored;
// alerts made from them are.
type Anomaly struct {
	Node       string
	Metric     string
	Value      float64
	Baseline   Baseline
	ZScore     float64
	Kind       AnomalyKind
	Severity   Severity
	Confidence float64
	DetectedAt time.Time
}

// TrendDirection classifies the slope of a series.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

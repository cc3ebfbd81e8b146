// Package rollup folds events into hourly per-node buckets and turns closed
// buckets into metric samples (success rate, p95 latency, bandwidth and
// event count). Baselines and anomaly detection work on those samples.
package rollup

import (
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/nodescope/internal/types"
)

// sketchAccuracy is the relative accuracy of latency percentiles.
const sketchAccuracy = 0.01

// Bucket holds running statistics for one node and one hour.
//
// Bucket is not safe for concurrent use; the Manager serializes access.
type Bucket struct {
	node  string
	start time.Time
	end   time.Time

	total    int64
	success  int64
	failed   int64
	canceled int64
	bytes    int64

	durations   int64
	durationSum float64
	durationMax float64

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// NewBucket creates an empty bucket covering [start, start+size).
func NewBucket(node string, start time.Time, size time.Duration) *Bucket {
	b := &Bucket{
		node:        node,
		start:       start,
		end:         start.Add(size),
		durationMax: -math.MaxFloat64,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy); err == nil {
		b.sketch = sketch
	}
	return b
}

// Start returns the bucket start.
func (b *Bucket) Start() time.Time { return b.start }

// End returns the exclusive bucket end.
func (b *Bucket) End() time.Time { return b.end }

// Count returns the number of events added.
func (b *Bucket) Count() int64 { return b.total }

// IsEmpty returns true if no events have been added.
func (b *Bucket) IsEmpty() bool { return b.total == 0 }

// Add folds one event into the bucket.
func (b *Bucket) Add(e *types.Event) {
	b.total++
	switch e.Status {
	case types.StatusSuccess:
		b.success++
		if e.Action != types.ActionDelete {
			b.bytes += e.SizeBytes
		}
	case types.StatusFailed:
		b.failed++
	case types.StatusCanceled:
		b.canceled++
	}

	if e.DurationMs != nil {
		d := *e.DurationMs
		b.durations++
		b.durationSum += d
		if d > b.durationMax {
			b.durationMax = d
		}
		if b.sketch != nil && d >= 0 {
			b.sketch.Add(d)
		}
	}
}

// SuccessRate returns the percentage of successful operations.
func (b *Bucket) SuccessRate() float64 {
	if b.total == 0 {
		return 0
	}
	return float64(b.success) / float64(b.total) * 100
}

// LatencyQuantile returns the q-quantile of durations and false when the
// bucket has no durations.
func (b *Bucket) LatencyQuantile(q float64) (float64, bool) {
	if b.sketch == nil || b.durations == 0 {
		return 0, false
	}
	v, err := b.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Result is the summary of a closed bucket.
type Result struct {
	Node        string
	Start       time.Time
	Total       int64
	Success     int64
	Failed      int64
	Canceled    int64
	Bytes       int64
	SuccessRate float64

	// Latency fields are zero when HasLatency is false.
	HasLatency bool
	LatencyAvg float64
	LatencyMax float64
	LatencyP50 float64
	LatencyP95 float64
	LatencyP99 float64
}

// Result summarizes the bucket.
func (b *Bucket) Result() Result {
	r := Result{
		Node:        b.node,
		Start:       b.start,
		Total:       b.total,
		Success:     b.success,
		Failed:      b.failed,
		Canceled:    b.canceled,
		Bytes:       b.bytes,
		SuccessRate: b.SuccessRate(),
	}
	if p95, ok := b.LatencyQuantile(0.95); ok {
		r.HasLatency = true
		r.LatencyAvg = b.durationSum / float64(b.durations)
		r.LatencyMax = b.durationMax
		r.LatencyP50, _ = b.LatencyQuantile(0.50)
		r.LatencyP95 = p95
		r.LatencyP99, _ = b.LatencyQuantile(0.99)
	}
	return r
}

// Samples converts the result into metric samples.
func (r Result) Samples() []types.MetricSample {
	if r.Total == 0 {
		return nil
	}
	out := []types.MetricSample{
		{Node: r.Node, Metric: types.MetricEventCount, Bucket: r.Start, Value: float64(r.Total)},
		{Node: r.Node, Metric: types.MetricSuccessRate, Bucket: r.Start, Value: r.SuccessRate},
		{Node: r.Node, Metric: types.MetricBandwidthBytes, Bucket: r.Start, Value: float64(r.Bytes)},
	}
	if r.HasLatency {
		out = append(out, types.MetricSample{
			Node: r.Node, Metric: types.MetricLatencyP95, Bucket: r.Start, Value: r.LatencyP95,
		})
	}
	return out
}

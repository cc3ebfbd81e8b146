// Package analytics computes baselines, trends, percentiles and forecasts
// over stored metric series.
//
// The functions in this file are pure. Engine wires them to the store.
package analytics

import (
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
)

// =============================================================================
// Summary statistics
// =============================================================================

// Summary holds descriptive statistics of a sample.
type Summary struct {
	Mean   float64
	StdDev float64 // population
	Min    float64
	Max    float64
	Count  int
}

// Summarize computes mean, population standard deviation, min and max.
func Summarize(values []float64) (Summary, error) {
	if len(values) == 0 {
		return Summary{}, errors.ErrInsufficientData
	}

	s := Summary{Min: values[0], Max: values[0], Count: len(values)}
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - s.Mean
		sq += d * d
	}
	s.StdDev = math.Sqrt(sq / float64(len(values)))
	return s, nil
}

// ComputeBaseline summarizes samples into a baseline stamped with now.
func ComputeBaseline(node, metric string, windowHours int, samples []types.MetricSample, now time.Time) (*types.Baseline, error) {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sum, err := Summarize(values)
	if err != nil {
		return nil, errors.Wrapf(err, "baseline %s/%s", node, metric)
	}
	return &types.Baseline{
		Node:        node,
		Metric:      metric,
		WindowHours: windowHours,
		Mean:        sum.Mean,
		StdDev:      sum.StdDev,
		Min:         sum.Min,
		Max:         sum.Max,
		Count:       sum.Count,
		UpdatedAt:   now,
	}, nil
}

// ZScore returns (v - mean) / stddev. It returns 0, false when the baseline
// has no spread.
func ZScore(v float64, b *types.Baseline) (float64, bool) {
	if b == nil || b.StdDev == 0 || math.IsNaN(b.StdDev) {
		return 0, false
	}
	return (v - b.Mean) / b.StdDev, true
}

// =============================================================================
// Linear regression
// =============================================================================

// Point is one observation; X is in hours.
type Point struct {
	X float64
	Y float64
}

// PointsFromSamples places samples on an hour axis starting at the first.
func PointsFromSamples(samples []types.MetricSample) []Point {
	if len(samples) == 0 {
		return nil
	}
	origin := samples[0].Bucket
	out := make([]Point, len(samples))
	for i, s := range samples {
		out[i] = Point{X: s.Bucket.Sub(origin).Hours(), Y: s.Value}
	}
	return out
}

// Fit is an ordinary least squares line.
type Fit struct {
	Slope     float64
	Intercept float64
	R2        float64
	N         int
	MeanY     float64
	MinX      float64
	MaxX      float64
}

// At evaluates the line at x.
func (f Fit) At(x float64) float64 {
	return f.Intercept + f.Slope*x
}

// LinearFit fits y = a + b*x by ordinary least squares.
func LinearFit(points []Point) (Fit, error) {
	n := len(points)
	if n < 2 {
		return Fit{}, errors.ErrInsufficientData
	}

	f := Fit{N: n, MinX: points[0].X, MaxX: points[0].X}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
		f.MinX = math.Min(f.MinX, p.X)
		f.MaxX = math.Max(f.MaxX, p.X)
	}
	meanX := sumX / float64(n)
	f.MeanY = sumY / float64(n)

	var sxx, sxy, syy float64
	for _, p := range points {
		dx, dy := p.X-meanX, p.Y-f.MeanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return Fit{}, errors.ErrInsufficientVariance
	}

	f.Slope = sxy / sxx
	f.Intercept = f.MeanY - f.Slope*meanX

	if syy == 0 {
		f.R2 = 1
	} else {
		var ssRes float64
		for _, p := range points {
			r := p.Y - f.At(p.X)
			ssRes += r * r
		}
		f.R2 = math.Max(0, 1-ssRes/syy)
	}
	return f, nil
}

// =============================================================================
// Trend
// =============================================================================

// Trend classifies a series.
type Trend struct {
	Direction types.TrendDirection
	Slope     float64 // per hour
	// Change is the fitted change over the series span relative to its mean.
	Change float64
	Fit    Fit
}

// ComputeTrend fits a line and compares the relative change over the span
// with threshold. threshold <= 0 uses the default of 10%.
func ComputeTrend(points []Point, threshold float64) (Trend, error) {
	if threshold <= 0 {
		threshold = config.DefaultTrendThreshold
	}
	fit, err := LinearFit(points)
	if err != nil {
		return Trend{}, err
	}

	t := Trend{Direction: types.TrendStable, Slope: fit.Slope, Fit: fit}
	delta := fit.Slope * (fit.MaxX - fit.MinX)
	if fit.MeanY == 0 {
		if delta != 0 {
			t.Change = math.Copysign(math.Inf(1), delta)
		}
	} else {
		t.Change = delta / math.Abs(fit.MeanY)
	}

	switch {
	case t.Change > threshold:
		t.Direction = types.TrendIncreasing
	case t.Change < -threshold:
		t.Direction = types.TrendDecreasing
	}
	return t, nil
}

// =============================================================================
// Percentiles
// =============================================================================

// Percentiles holds nearest-rank percentiles.
type Percentiles struct {
	P50   float64
	P95   float64
	P99   float64
	Count int
	// Sampled is set when a random subset was used.
	Sampled bool
}

// Percentile returns the nearest-rank p-th percentile (0-100) of sorted.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// ComputePercentiles returns p50, p95 and p99. Above sampleCap values a
// uniform random sample of sampleCap values is used, which trades
// exactness for bounded work. rng may be nil.
func ComputePercentiles(values []float64, sampleCap int, rng *rand.Rand) (Percentiles, error) {
	if len(values) == 0 {
		return Percentiles{}, errors.ErrInsufficientData
	}
	if sampleCap <= 0 {
		sampleCap = config.DefaultPercentileSampleCap
	}

	out := Percentiles{Count: len(values)}
	var work []float64
	if len(values) > sampleCap {
		work = reservoir(values, sampleCap, rng)
		out.Sampled = true
	} else {
		work = slices.Clone(values)
	}
	slices.Sort(work)

	out.P50 = Percentile(work, 50)
	out.P95 = Percentile(work, 95)
	out.P99 = Percentile(work, 99)
	return out, nil
}

func reservoir(values []float64, k int, rng *rand.Rand) []float64 {
	intN := rand.IntN
	if rng != nil {
		intN = rng.IntN
	}
	out := slices.Clone(values[:k])
	for i := k; i < len(values); i++ {
		if j := intN(i + 1); j < k {
			out[j] = values[i]
		}
	}
	return out
}

// =============================================================================
// Forecast
// =============================================================================

// Forecast extrapolates the fitted line hoursAhead past the last point.
func Forecast(points []Point, hoursAhead float64) (float64, Fit, error) {
	fit, err := LinearFit(points)
	if err != nil {
		return 0, Fit{}, err
	}
	return fit.At(fit.MaxX + hoursAhead), fit, nil
}

// Capacity is a days-until-full estimate.
type Capacity struct {
	// DaysUntilFull is +Inf when usage is flat or shrinking.
	DaysUntilFull float64
	GrowthPerDay  float64 // bytes
	UsedBytes     int64
	TotalBytes    int64
	Confidence    float64
	Fit           Fit
}

// Growing reports whether the node is filling up.
func (c Capacity) Growing() bool {
	return !math.IsInf(c.DaysUntilFull, 1)
}

// ForecastCapacity fits used-plus-trash bytes over time and projects when
// the allocation is exhausted. Confidence is R² scaled down while there are
// fewer than minSamples snapshots.
func ForecastCapacity(series []types.StorageSnapshot, minSamples int) (Capacity, error) {
	if len(series) < 2 {
		return Capacity{}, errors.ErrInsufficientData
	}
	if minSamples <= 0 {
		minSamples = config.DefaultMinSamples
	}

	origin := series[0].PolledAt
	points := make([]Point, len(series))
	for i, s := range series {
		points[i] = Point{X: s.PolledAt.Sub(origin).Hours(), Y: float64(s.UsedBytes + s.TrashBytes)}
	}
	fit, err := LinearFit(points)
	if err != nil {
		return Capacity{}, err
	}

	last := series[len(series)-1]
	c := Capacity{
		DaysUntilFull: math.Inf(1),
		GrowthPerDay:  fit.Slope * 24,
		UsedBytes:     last.UsedBytes + last.TrashBytes,
		TotalBytes:    last.TotalBytes(),
		Fit:           fit,
		Confidence:    fit.R2 * math.Min(1, float64(len(series))/float64(minSamples)),
	}
	if fit.Slope > 0 && c.TotalBytes > 0 {
		// Hours from the last observation until the line crosses capacity.
		hours := (float64(c.TotalBytes)-fit.Intercept)/fit.Slope - fit.MaxX
		c.DaysUntilFull = math.Max(0, hours/24)
	}
	return c, nil
}

// Package forecast projects future credit usage per key.
//
// Usage lands in fixed time buckets (hourly by default). Forecasts look at
// the last seven days of buckets and fit a least-squares line; when the fit
// is good (R² at or above 0.5) the line projects the next bucket, otherwise
// the exponential moving average carries forward flat. Anomaly detection
// compares a fresh reading against the moving average in units of the
// standard deviation over the recent buckets.
package forecast

import (
	"math"
	"sync"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Trend labels for a forecast.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// Anomaly kinds.
const (
	AnomalySpike = "spike"
	AnomalyDrop  = "drop"
)

// Defaults applied when options leave settings zero.
const (
	DefaultBucketMs         = 3_600_000
	DefaultAlpha            = 0.3
	DefaultAnomalyThreshold = 3.0
	DefaultMaxBuckets       = 336

	lookbackMs      = 7 * 24 * 3_600_000
	anomalyWindow   = 24
	minAnomalyCount = 10
)

type (
	// Bucket is one aggregated usage interval.
	Bucket struct {
		StartMs int64 `json:"startMs"`
		Credits int64 `json:"credits"`
	}

	// Forecast is a key's projected usage.
	Forecast struct {
		Key             string  `json:"key"`
		Buckets         int     `json:"buckets"`
		DailyProjection float64 `json:"dailyProjection"`
		NextBucket      float64 `json:"nextBucket"`
		Slope           float64 `json:"slope"`
		Intercept       float64 `json:"intercept"`
		R2              float64 `json:"r2"`
		EMA             float64 `json:"ema"`
		Trend           string  `json:"trend"`
	}

	// Anomaly describes a reading far from the moving average.
	Anomaly struct {
		Key       string  `json:"key"`
		Kind      string  `json:"kind"`
		Recent    int64   `json:"recent"`
		EMA       float64 `json:"ema"`
		StdDev    float64 `json:"stdDev"`
		Deviation float64 `json:"deviation"`
	}

	series struct {
		buckets []Bucket
		ema     float64
		emaSet  bool
		records int64
	}

	// Engine owns the per-key series.
	Engine struct {
		mu               sync.Mutex
		clk              clock.Clock
		bucketMs         int64
		alpha            float64
		anomalyThreshold float64
		maxBuckets       int
		keys             map[string]*series
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clk = clk
		}
	}
}

// WithBucketMs sets the aggregation interval.
func WithBucketMs(ms int64) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.bucketMs = ms
		}
	}
}

// WithAlpha sets the EMA smoothing factor.
func WithAlpha(a float64) Option {
	return func(e *Engine) {
		if a > 0 && a <= 1 {
			e.alpha = a
		}
	}
}

// WithAnomalyThreshold sets the deviation (in standard deviations) that
// flags an anomaly.
func WithAnomalyThreshold(f float64) Option {
	return func(e *Engine) {
		if f > 0 {
			e.anomalyThreshold = f
		}
	}
}

// WithMaxBuckets bounds retained buckets per key.
func WithMaxBuckets(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBuckets = n
		}
	}
}

// New returns an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		clk:              clock.System{},
		bucketMs:         DefaultBucketMs,
		alpha:            DefaultAlpha,
		anomalyThreshold: DefaultAnomalyThreshold,
		maxBuckets:       DefaultMaxBuckets,
		keys:             make(map[string]*series),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Record adds credits to the key's current bucket and updates its EMA.
func (e *Engine) Record(key string, credits int64) {
	if key == "" || credits < 0 {
		return
	}
	now := e.clk.NowMs()
	bucketStart := (now / e.bucketMs) * e.bucketMs

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.keys[key]
	if !ok {
		s = &series{}
		e.keys[key] = s
	}
	if n := len(s.buckets); n > 0 && s.buckets[n-1].StartMs == bucketStart {
		s.buckets[n-1].Credits += credits
	} else {
		s.buckets = append(s.buckets, Bucket{StartMs: bucketStart, Credits: credits})
		if len(s.buckets) > e.maxBuckets {
			s.buckets = s.buckets[len(s.buckets)-e.maxBuckets:]
		}
	}
	if !s.emaSet {
		s.ema = float64(credits)
		s.emaSet = true
	} else {
		s.ema = e.alpha*float64(credits) + (1-e.alpha)*s.ema
	}
	s.records++
}

// Series snapshots the key's buckets oldest first.
func (e *Engine) Series(key string) []Bucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.keys[key]
	if !ok {
		return nil
	}
	out := make([]Bucket, len(s.buckets))
	copy(out, s.buckets)
	return out
}

// Project builds a forecast over the key's last seven days of usage.
func (e *Engine) Project(key string) (Forecast, error) {
	now := e.clk.NowMs()
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.keys[key]
	if !ok || len(s.buckets) == 0 {
		return Forecast{}, proxyerr.NotFoundf("no usage recorded for key %q", key)
	}

	cutoff := now - lookbackMs
	var ys []float64
	var total float64
	for _, b := range s.buckets {
		if b.StartMs < cutoff {
			continue
		}
		ys = append(ys, float64(b.Credits))
		total += float64(b.Credits)
	}
	if len(ys) == 0 {
		return Forecast{}, proxyerr.NotFoundf("no recent usage for key %q", key)
	}

	n := float64(len(ys))
	bucketsPerDay := 86_400_000 / float64(e.bucketMs)
	f := Forecast{
		Key:             key,
		Buckets:         len(ys),
		DailyProjection: (total / n) * bucketsPerDay,
		EMA:             s.ema,
		Trend:           TrendStable,
	}
	f.Slope, f.Intercept, f.R2 = regress(ys)

	if f.R2 >= 0.5 {
		f.NextBucket = f.Slope*n + f.Intercept
		if f.NextBucket < 0 {
			f.NextBucket = 0
		}
	} else {
		f.NextBucket = s.ema
	}
	if f.DailyProjection > 0 {
		normalized := math.Abs(f.Slope*bucketsPerDay) / f.DailyProjection
		if normalized >= 0.05 {
			if f.Slope > 0 {
				f.Trend = TrendRising
			} else {
				f.Trend = TrendFalling
			}
		}
	}
	return f, nil
}

// ExhaustionEta estimates days until the balance runs out at the projected
// daily spend. ok is false when usage projects to zero or negative.
func (e *Engine) ExhaustionEta(key string, balance int64) (int64, bool, error) {
	f, err := e.Project(key)
	if err != nil {
		return 0, false, err
	}
	if f.DailyProjection <= 0 {
		return 0, false, nil
	}
	return int64(math.Round(float64(balance) / f.DailyProjection)), true, nil
}

// DetectAnomaly compares a fresh reading against the key's moving average.
// It reports nil when there is too little history, no spread, or the
// deviation stays under the threshold.
func (e *Engine) DetectAnomaly(key string, recent int64) *Anomaly {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.keys[key]
	if !ok || s.records < minAnomalyCount || !s.emaSet || s.ema == 0 {
		return nil
	}

	window := s.buckets
	if len(window) > anomalyWindow {
		window = window[len(window)-anomalyWindow:]
	}
	sd := stdDev(window)
	if sd == 0 {
		return nil
	}
	deviation := math.Abs(float64(recent)-s.ema) / sd
	if deviation < e.anomalyThreshold {
		return nil
	}
	kind := AnomalySpike
	if float64(recent) < s.ema {
		kind = AnomalyDrop
	}
	return &Anomaly{
		Key:       key,
		Kind:      kind,
		Recent:    recent,
		EMA:       s.ema,
		StdDev:    sd,
		Deviation: deviation,
	}
}

// regress fits y = slope*x + intercept over x = 0..n-1 and reports R².
func regress(ys []float64) (slope, intercept, r2 float64) {
	n := float64(len(ys))
	if len(ys) == 1 {
		return 0, ys[0], 1
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for i, y := range ys {
		fit := slope*float64(i) + intercept
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - meanY) * (y - meanY)
	}
	if ssTot == 0 {
		return slope, intercept, 1
	}
	return slope, intercept, 1 - ssRes/ssTot
}

func stdDev(buckets []Bucket) float64 {
	if len(buckets) == 0 {
		return 0
	}
	var sum float64
	for _, b := range buckets {
		sum += float64(b.Credits)
	}
	mean := sum / float64(len(buckets))
	var variance float64
	for _, b := range buckets {
		d := float64(b.Credits) - mean
		variance += d * d
	}
	variance /= float64(len(buckets))
	return math.Sqrt(variance)
}

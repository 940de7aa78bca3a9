// Package metrics aggregates per-request measurements.
//
// Requests land in a bounded ring pruned by count and age, so summaries
// always describe recent traffic. Percentiles use the nearest-rank method
// over sorted latencies. Key and tool summaries are computed from the
// retained records on demand rather than kept as running counters.
package metrics

import (
	"math"
	"sort"
	"sync"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Defaults applied when options leave settings zero.
const (
	DefaultMaxRecords = 10_000
	DefaultMaxAgeMs   = 24 * 3_600_000
)

type (
	// Record is one measured request.
	Record struct {
		Key       string `json:"key"`
		Tool      string `json:"tool,omitempty"`
		Status    int    `json:"status"`
		LatencyMs int64  `json:"latencyMs"`
		Credits   int64  `json:"credits"`
		AtMs      int64  `json:"atMs"`
	}

	// Filter narrows queries and exports.
	Filter struct {
		Keys   []string
		Tools  []string
		FromMs int64
		ToMs   int64
		Limit  int
	}

	// Stats is an aggregate over a set of records.
	Stats struct {
		Calls        int64   `json:"calls"`
		Success      int64   `json:"success"`
		Failed       int64   `json:"failed"`
		Credits      int64   `json:"credits"`
		AvgLatencyMs float64 `json:"avgLatencyMs"`
	}

	// Summary is the overall snapshot with latency percentiles.
	Summary struct {
		Stats
		P50 int64 `json:"p50"`
		P95 int64 `json:"p95"`
		P99 int64 `json:"p99"`
	}

	// Aggregator owns the record ring.
	Aggregator struct {
		mu         sync.Mutex
		clk        clock.Clock
		maxRecords int
		maxAgeMs   int64
		records    []Record
	}

	// Option configures an Aggregator.
	Option func(*Aggregator)
)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(a *Aggregator) {
		if clk != nil {
			a.clk = clk
		}
	}
}

// WithMaxRecords bounds the ring by count.
func WithMaxRecords(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxRecords = n
		}
	}
}

// WithMaxAge bounds the ring by record age.
func WithMaxAge(ms int64) Option {
	return func(a *Aggregator) {
		if ms > 0 {
			a.maxAgeMs = ms
		}
	}
}

// New returns an Aggregator with the given options.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		clk:        clock.System{},
		maxRecords: DefaultMaxRecords,
		maxAgeMs:   DefaultMaxAgeMs,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record appends one measurement. A zero AtMs is stamped now.
func (a *Aggregator) Record(rec Record) {
	now := a.clk.NowMs()
	if rec.AtMs == 0 {
		rec.AtMs = now
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	a.pruneLocked(now)
}

// Len reports retained records.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.clk.NowMs())
	return len(a.records)
}

// Percentile computes the p-th latency percentile over retained records
// using the nearest-rank index.
func (a *Aggregator) Percentile(p float64) (int64, error) {
	if p <= 0 || p > 100 {
		return 0, proxyerr.Validationf("percentile must be in (0, 100]")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.clk.NowMs())
	if len(a.records) == 0 {
		return 0, proxyerr.NotFoundf("no records")
	}
	lat := make([]int64, len(a.records))
	for i, r := range a.records {
		lat[i] = r.LatencyMs
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	return lat[rankIndex(p, len(lat))], nil
}

// Snapshot summarizes all retained records.
func (a *Aggregator) Snapshot() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.clk.NowMs())

	var s Summary
	if len(a.records) == 0 {
		return s
	}
	lat := make([]int64, 0, len(a.records))
	var latSum int64
	for _, r := range a.records {
		s.Calls++
		s.Credits += r.Credits
		if r.Status < 400 {
			s.Success++
		} else {
			s.Failed++
		}
		lat = append(lat, r.LatencyMs)
		latSum += r.LatencyMs
	}
	s.AvgLatencyMs = float64(latSum) / float64(s.Calls)
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	s.P50 = lat[rankIndex(50, len(lat))]
	s.P95 = lat[rankIndex(95, len(lat))]
	s.P99 = lat[rankIndex(99, len(lat))]
	return s
}

// KeyStats aggregates retained records for one key.
func (a *Aggregator) KeyStats(key string) Stats {
	return a.statsWhere(func(r Record) bool { return r.Key == key })
}

// ToolStats aggregates retained records for one tool.
func (a *Aggregator) ToolStats(tool string) Stats {
	return a.statsWhere(func(r Record) bool { return r.Tool == tool })
}

// Query returns retained records matching the filter, ordered by time, then
// key, then tool.
func (a *Aggregator) Query(f Filter) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.clk.NowMs())

	out := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		if len(f.Keys) > 0 && !containsString(f.Keys, r.Key) {
			continue
		}
		if len(f.Tools) > 0 && !containsString(f.Tools, r.Tool) {
			continue
		}
		if f.FromMs > 0 && r.AtMs < f.FromMs {
			continue
		}
		if f.ToMs > 0 && r.AtMs > f.ToMs {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AtMs != out[j].AtMs {
			return out[i].AtMs < out[j].AtMs
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Tool < out[j].Tool
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Reset drops every record.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = nil
}

func (a *Aggregator) statsWhere(match func(Record) bool) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.clk.NowMs())

	var st Stats
	var latSum int64
	for _, r := range a.records {
		if !match(r) {
			continue
		}
		st.Calls++
		st.Credits += r.Credits
		if r.Status < 400 {
			st.Success++
		} else {
			st.Failed++
		}
		latSum += r.LatencyMs
	}
	if st.Calls > 0 {
		st.AvgLatencyMs = float64(latSum) / float64(st.Calls)
	}
	return st
}

func (a *Aggregator) pruneLocked(nowMs int64) {
	cutoff := nowMs - a.maxAgeMs
	firstLive := 0
	for firstLive < len(a.records) && a.records[firstLive].AtMs < cutoff {
		firstLive++
	}
	if firstLive > 0 {
		a.records = a.records[firstLive:]
	}
	if len(a.records) > a.maxRecords {
		a.records = a.records[len(a.records)-a.maxRecords:]
	}
}

// rankIndex is the nearest-rank percentile index: ceil(p/100*n) - 1,
// clamped to 0.
func rankIndex(p float64, n int) int {
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

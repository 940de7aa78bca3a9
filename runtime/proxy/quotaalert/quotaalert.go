// Package quotaalert raises one-shot alerts as keys consume their quota.
//
// A notifier holds a ladder of percentage thresholds. Each observation
// compares usage against the key's limit and reports thresholds crossed for
// the first time; a threshold fires once per window and re-arms when the
// window resets or the quota changes.
package quotaalert

import (
	"sort"
	"sync"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

type (
	// Crossing reports a threshold passed for the first time this window.
	Crossing struct {
		Key          string  `json:"key"`
		ThresholdPct float64 `json:"thresholdPct"`
		UsedPct      float64 `json:"usedPct"`
		Used         int64   `json:"used"`
		Limit        int64   `json:"limit"`
		AtMs         int64   `json:"atMs"`
	}

	// Notifier tracks which thresholds each key has crossed.
	Notifier struct {
		mu         sync.Mutex
		clk        clock.Clock
		thresholds []float64
		crossed    map[string]map[float64]bool
	}

	// Option configures a Notifier.
	Option func(*Notifier)
)

// DefaultThresholds is the ladder used when none is configured.
var DefaultThresholds = []float64{50, 80, 95, 100}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(n *Notifier) {
		if clk != nil {
			n.clk = clk
		}
	}
}

// New returns a Notifier for the given threshold ladder. Thresholds must be
// positive; duplicates collapse and order does not matter.
func New(thresholds []float64, opts ...Option) (*Notifier, error) {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	seen := make(map[float64]bool, len(thresholds))
	ladder := make([]float64, 0, len(thresholds))
	for _, t := range thresholds {
		if t <= 0 {
			return nil, proxyerr.Validationf("threshold must be positive, got %v", t)
		}
		if !seen[t] {
			seen[t] = true
			ladder = append(ladder, t)
		}
	}
	sort.Float64s(ladder)
	n := &Notifier{
		clk:        clock.System{},
		thresholds: ladder,
		crossed:    make(map[string]map[float64]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Thresholds returns the ladder in ascending order.
func (n *Notifier) Thresholds() []float64 {
	out := make([]float64, len(n.thresholds))
	copy(out, n.thresholds)
	return out
}

// Observe records current usage for a key and returns thresholds newly
// crossed, ascending. A non-positive limit never alerts.
func (n *Notifier) Observe(key string, used, limit int64) []Crossing {
	if key == "" || limit <= 0 {
		return nil
	}
	usedPct := float64(used) / float64(limit) * 100

	n.mu.Lock()
	defer n.mu.Unlock()
	fired := n.crossed[key]
	if fired == nil {
		fired = make(map[float64]bool)
		n.crossed[key] = fired
	}
	now := n.clk.NowMs()
	var out []Crossing
	for _, t := range n.thresholds {
		if usedPct < t || fired[t] {
			continue
		}
		fired[t] = true
		out = append(out, Crossing{
			Key:          key,
			ThresholdPct: t,
			UsedPct:      usedPct,
			Used:         used,
			Limit:        limit,
			AtMs:         now,
		})
	}
	return out
}

// QuotaChanged re-arms every threshold for the key and evaluates it against
// the new quota, returning any thresholds the new usage already exceeds.
func (n *Notifier) QuotaChanged(key string, used, limit int64) []Crossing {
	n.mu.Lock()
	delete(n.crossed, key)
	n.mu.Unlock()
	return n.Observe(key, used, limit)
}

// ResetWindow re-arms every threshold for the key, or for all keys when key
// is empty. Called when a usage window rolls over.
func (n *Notifier) ResetWindow(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if key == "" {
		n.crossed = make(map[string]map[float64]bool)
		return
	}
	delete(n.crossed, key)
}

// Crossed returns the thresholds already fired for a key, ascending.
func (n *Notifier) Crossed(key string) []float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	fired := n.crossed[key]
	out := make([]float64, 0, len(fired))
	for t := range fired {
		out = append(out, t)
	}
	sort.Float64s(out)
	return out
}

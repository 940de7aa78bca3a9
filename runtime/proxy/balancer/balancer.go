// Package balancer picks a backend for each forwarded request.
//
// Backends register with a weight and are picked by the configured strategy
// over the healthy subset only. Result reporting keeps a rolling latency
// average per backend and trips a backend to unhealthy after a run of
// consecutive 5xx responses. Ties and cycles resolve in registration order
// so picks are reproducible.
package balancer

import (
	"math/rand"
	"strconv"
	"sync"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Strategy selects how Pick walks the healthy backends.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	Weighted         Strategy = "weighted"
	LeastConnections Strategy = "least_connections"
	Random           Strategy = "random"
)

// DefaultErrorThreshold is the consecutive 5xx run that trips a backend.
const DefaultErrorThreshold = 5

// latencyWindow caps the divisor of the rolling average so old samples decay.
const latencyWindow = 100

type (
	// Backend is one pick target and its stats.
	Backend struct {
		ID            string  `json:"id"`
		URL           string  `json:"url"`
		Weight        int     `json:"weight"`
		Healthy       bool    `json:"healthy"`
		ActiveConns   int     `json:"activeConns"`
		TotalRequests int64   `json:"totalRequests"`
		Errors5xx     int64   `json:"errors5xx"`
		AvgLatencyMs  float64 `json:"avgLatencyMs"`
		LastErrorAtMs int64   `json:"lastErrorAtMs,omitempty"`

		errStreak int
	}

	// Pool owns the backend set and pick state.
	Pool struct {
		mu             sync.Mutex
		clk            clock.Clock
		strategy       Strategy
		errorThreshold int
		rng            *rand.Rand
		backends       map[string]*Backend
		order          []string
		rrIndex        int
	}

	// Option configures a Pool.
	Option func(*Pool)
)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(p *Pool) {
		if clk != nil {
			p.clk = clk
		}
	}
}

// WithStrategy sets the initial pick strategy.
func WithStrategy(s Strategy) Option {
	return func(p *Pool) {
		if validStrategy(s) {
			p.strategy = s
		}
	}
}

// WithErrorThreshold sets the consecutive 5xx run that marks a backend
// unhealthy.
func WithErrorThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.errorThreshold = n
		}
	}
}

// WithSeed makes weighted and random picks reproducible.
func WithSeed(seed int64) Option {
	return func(p *Pool) {
		p.rng = rand.New(rand.NewSource(seed))
	}
}

// New returns a Pool with the given options.
func New(opts ...Option) *Pool {
	p := &Pool{
		clk:            clock.System{},
		strategy:       RoundRobin,
		errorThreshold: DefaultErrorThreshold,
		backends:       make(map[string]*Backend),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(p.clk.NowMs()))
	}
	return p
}

// Add registers a backend. Zero weight defaults to 1.
func (p *Pool) Add(id, url string, weight int) (Backend, error) {
	if id == "" {
		return Backend{}, proxyerr.Validationf("backend id is required")
	}
	if weight < 0 {
		return Backend{}, proxyerr.Validationf("weight must not be negative")
	}
	if weight == 0 {
		weight = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.backends[id]; ok {
		return Backend{}, proxyerr.Statef("backend %q already registered", id)
	}
	b := &Backend{ID: id, URL: url, Weight: weight, Healthy: true}
	p.backends[id] = b
	p.order = append(p.order, id)
	return *b, nil
}

// Remove drops a backend from the pool.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.backends[id]; !ok {
		return proxyerr.NotFoundf("backend %q not found", id)
	}
	delete(p.backends, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetStrategy switches the pick strategy.
func (p *Pool) SetStrategy(s Strategy) error {
	if !validStrategy(s) {
		return proxyerr.Validationf("unknown strategy %q", s)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = s
	return nil
}

// Strategy reports the active strategy.
func (p *Pool) Strategy() Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

// Pick chooses a healthy backend and explains the choice. With no healthy
// backend it fails with a capacity error.
func (p *Pool) Pick() (Backend, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := p.healthyLocked()
	if len(healthy) == 0 {
		return Backend{}, "", proxyerr.Capacityf("no healthy backends")
	}

	var (
		chosen *Backend
		reason string
	)
	switch p.strategy {
	case Weighted:
		total := 0
		for _, b := range healthy {
			total += b.Weight
		}
		offset := p.rng.Intn(total)
		cum := 0
		for _, b := range healthy {
			cum += b.Weight
			if offset < cum {
				chosen = b
				break
			}
		}
		reason = "weighted offset " + strconv.Itoa(offset) + "/" + strconv.Itoa(total)
	case LeastConnections:
		chosen = healthy[0]
		for _, b := range healthy[1:] {
			if b.ActiveConns < chosen.ActiveConns {
				chosen = b
			}
		}
		reason = "least connections (" + strconv.Itoa(chosen.ActiveConns) + " active)"
	case Random:
		chosen = healthy[p.rng.Intn(len(healthy))]
		reason = "random over " + strconv.Itoa(len(healthy)) + " healthy"
	default:
		idx := p.rrIndex % len(healthy)
		p.rrIndex++
		chosen = healthy[idx]
		reason = "round robin " + strconv.Itoa(idx+1) + "/" + strconv.Itoa(len(healthy))
	}
	return *chosen, reason, nil
}

// Acquire counts a connection against the backend.
func (p *Pool) Acquire(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backends[id]
	if !ok {
		return proxyerr.NotFoundf("backend %q not found", id)
	}
	b.ActiveConns++
	return nil
}

// Release returns a connection. The count never drops below zero.
func (p *Pool) Release(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backends[id]
	if !ok {
		return proxyerr.NotFoundf("backend %q not found", id)
	}
	if b.ActiveConns > 0 {
		b.ActiveConns--
	}
	return nil
}

// ReportResult feeds one response outcome into the backend's stats. A run of
// consecutive 5xx responses at the threshold marks it unhealthy; any non-5xx
// response resets the run.
func (p *Pool) ReportResult(id string, status int, latencyMs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backends[id]
	if !ok {
		return proxyerr.NotFoundf("backend %q not found", id)
	}
	b.TotalRequests++
	n := b.TotalRequests
	if n > latencyWindow {
		n = latencyWindow
	}
	b.AvgLatencyMs = (b.AvgLatencyMs*float64(n-1) + float64(latencyMs)) / float64(n)

	if status >= 500 {
		b.Errors5xx++
		b.errStreak++
		b.LastErrorAtMs = p.clk.NowMs()
		if b.errStreak >= p.errorThreshold {
			b.Healthy = false
		}
		return nil
	}
	b.errStreak = 0
	return nil
}

// SetHealth sets a backend's health by hand. Marking healthy clears the
// error run.
func (p *Pool) SetHealth(id string, healthy bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backends[id]
	if !ok {
		return proxyerr.NotFoundf("backend %q not found", id)
	}
	b.Healthy = healthy
	if healthy {
		b.errStreak = 0
	}
	return nil
}

// MarkHealthy restores a backend after a trip.
func (p *Pool) MarkHealthy(id string) error {
	return p.SetHealth(id, true)
}

// Get returns one backend snapshot.
func (p *Pool) Get(id string) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backends[id]
	if !ok {
		return Backend{}, proxyerr.NotFoundf("backend %q not found", id)
	}
	return *b, nil
}

// Stats snapshots every backend in registration order.
func (p *Pool) Stats() []Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Backend, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.backends[id])
	}
	return out
}

// HealthyCount reports how many backends are currently pickable.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.healthyLocked())
}

func (p *Pool) healthyLocked() []*Backend {
	out := make([]*Backend, 0, len(p.order))
	for _, id := range p.order {
		if b := p.backends[id]; b.Healthy {
			out = append(out, b)
		}
	}
	return out
}

func validStrategy(s Strategy) bool {
	switch s {
	case RoundRobin, Weighted, LeastConnections, Random:
		return true
	}
	return false
}

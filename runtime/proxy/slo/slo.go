// Package slo tracks service level objectives over proxied calls.
//
// Observations land in one shared ring and each objective filters them by
// tool, key, and window when its status is computed. Budget math follows the
// usual error-budget form: the budget is 1 minus the target, consumption is
// the bad fraction, and the burn rate compares consumption speed against the
// budget spread evenly across the window. Alerts repeat at most once per
// minute per objective and type.
package slo

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Kind selects what counts as a good observation.
type Kind string

const (
	// KindLatency treats observations at or under the threshold as good.
	KindLatency Kind = "latency"
	// KindAvailability treats successful observations as good.
	KindAvailability Kind = "availability"
	// KindErrorRate treats successful observations as good.
	KindErrorRate Kind = "error_rate"
)

// Alert types raised by status evaluation.
const (
	AlertBudgetExhausted = "budget_exhausted"
	AlertBudgetWarning   = "budget_warning"
	AlertBurnRateHigh    = "burn_rate_high"
)

// Defaults applied when options leave settings zero.
const (
	DefaultMaxEvents          = 10_000
	DefaultWarningThreshold   = 0.2
	DefaultBurnRateMultiplier = 2.0
	DefaultAlertDedupMs       = 60_000
)

type (
	// SLO is one objective.
	SLO struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Kind        Kind     `json:"kind"`
		TargetPct   float64  `json:"targetPct"`
		ThresholdMs int64    `json:"thresholdMs,omitempty"`
		WindowMs    int64    `json:"windowMs"`
		Tools       []string `json:"tools,omitempty"`
		Keys        []string `json:"keys,omitempty"`
		CreatedAtMs int64    `json:"createdAtMs"`
	}

	// Status is an objective's position against its budget.
	Status struct {
		SLO             SLO     `json:"slo"`
		WindowStartMs   int64   `json:"windowStartMs"`
		Total           int64   `json:"total"`
		Good            int64   `json:"good"`
		Bad             int64   `json:"bad"`
		AttainedPct     float64 `json:"attainedPct"`
		BudgetTotal     float64 `json:"budgetTotal"`
		BudgetConsumed  float64 `json:"budgetConsumed"`
		BudgetRemaining float64 `json:"budgetRemaining"`
		BurnRate        float64 `json:"burnRate"`
		Healthy         bool    `json:"healthy"`
	}

	// Alert is one raised budget signal.
	Alert struct {
		SloID           string  `json:"sloId"`
		SloName         string  `json:"sloName"`
		Type            string  `json:"type"`
		Message         string  `json:"message"`
		AtMs            int64   `json:"atMs"`
		BurnRate        float64 `json:"burnRate"`
		BudgetRemaining float64 `json:"budgetRemaining"`
	}

	event struct {
		tool      string
		key       string
		success   bool
		latencyMs int64
		atMs      int64
	}

	// Monitor owns objectives and the observation ring.
	Monitor struct {
		mu            sync.Mutex
		clk           clock.Clock
		maxEvents     int
		warnThreshold float64
		burnMult      float64
		dedupMs       int64
		slos          map[string]*SLO
		events        []event
		lastAlert     map[string]int64
	}

	// Option configures a Monitor.
	Option func(*Monitor)
)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) {
		if clk != nil {
			m.clk = clk
		}
	}
}

// WithMaxEvents bounds the observation ring.
func WithMaxEvents(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.maxEvents = n
		}
	}
}

// WithWarningThreshold sets the remaining-budget fraction below which a
// warning fires.
func WithWarningThreshold(f float64) Option {
	return func(m *Monitor) {
		if f > 0 {
			m.warnThreshold = f
		}
	}
}

// WithBurnRateMultiplier sets the burn rate above which an alert fires.
func WithBurnRateMultiplier(f float64) Option {
	return func(m *Monitor) {
		if f > 0 {
			m.burnMult = f
		}
	}
}

// WithAlertDedup sets the repeat-suppression interval per (slo, alert type).
func WithAlertDedup(ms int64) Option {
	return func(m *Monitor) {
		if ms > 0 {
			m.dedupMs = ms
		}
	}
}

// New returns a Monitor with the given options.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		clk:           clock.System{},
		maxEvents:     DefaultMaxEvents,
		warnThreshold: DefaultWarningThreshold,
		burnMult:      DefaultBurnRateMultiplier,
		dedupMs:       DefaultAlertDedupMs,
		slos:          make(map[string]*SLO),
		lastAlert:     make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers an objective and assigns its id.
func (m *Monitor) Create(s SLO) (SLO, error) {
	if s.Name == "" {
		return SLO{}, proxyerr.Validationf("name is required")
	}
	switch s.Kind {
	case KindLatency:
		if s.ThresholdMs <= 0 {
			return SLO{}, proxyerr.Validationf("latency objective needs thresholdMs > 0")
		}
	case KindAvailability, KindErrorRate:
	default:
		return SLO{}, proxyerr.Validationf("unknown kind %q", s.Kind)
	}
	if s.TargetPct <= 0 || s.TargetPct >= 100 {
		return SLO{}, proxyerr.Validationf("targetPct must be in (0, 100)")
	}
	if s.WindowMs <= 0 {
		return SLO{}, proxyerr.Validationf("windowMs must be > 0")
	}
	s.ID = uuid.NewString()
	s.CreatedAtMs = m.clk.NowMs()

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.slos[s.ID] = &cp
	return s, nil
}

// Delete removes an objective.
func (m *Monitor) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slos[id]; !ok {
		return proxyerr.NotFoundf("slo %q not found", id)
	}
	delete(m.slos, id)
	return nil
}

// Get returns one objective.
func (m *Monitor) Get(id string) (SLO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slos[id]
	if !ok {
		return SLO{}, proxyerr.NotFoundf("slo %q not found", id)
	}
	return *s, nil
}

// List returns objectives ordered by creation, then id.
func (m *Monitor) List() []SLO {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SLO, 0, len(m.slos))
	for _, s := range m.slos {
		out = append(out, *s)
	}
	sortSLOs(out)
	return out
}

// Record appends one observation and returns any alerts it raises on the
// objectives it matches.
func (m *Monitor) Record(tool, key string, success bool, latencyMs int64) []Alert {
	now := m.clk.NowMs()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event{tool: tool, key: key, success: success, latencyMs: latencyMs, atMs: now})
	if len(m.events) > m.maxEvents {
		m.events = m.events[len(m.events)-m.maxEvents:]
	}

	var alerts []Alert
	for _, s := range m.slos {
		if !matches(s, tool, key) {
			continue
		}
		alerts = append(alerts, m.evaluateLocked(s, now)...)
	}
	return alerts
}

// Status computes an objective's budget position now.
func (m *Monitor) Status(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slos[id]
	if !ok {
		return Status{}, proxyerr.NotFoundf("slo %q not found", id)
	}
	return m.statusLocked(s, m.clk.NowMs()), nil
}

// Check evaluates every objective and returns freshly raised alerts.
func (m *Monitor) Check() []Alert {
	now := m.clk.NowMs()
	m.mu.Lock()
	defer m.mu.Unlock()
	var alerts []Alert
	for _, s := range m.slos {
		alerts = append(alerts, m.evaluateLocked(s, now)...)
	}
	return alerts
}

func (m *Monitor) statusLocked(s *SLO, nowMs int64) Status {
	windowStart := nowMs - s.WindowMs
	st := Status{SLO: *s, WindowStartMs: windowStart, Healthy: true}
	for _, ev := range m.events {
		if ev.atMs < windowStart || ev.atMs > nowMs {
			continue
		}
		if !matches(s, ev.tool, ev.key) {
			continue
		}
		st.Total++
		if good(s, ev) {
			st.Good++
		}
	}
	st.Bad = st.Total - st.Good

	current := 1.0
	if st.Total > 0 {
		current = float64(st.Good) / float64(st.Total)
	}
	st.AttainedPct = current * 100

	target := s.TargetPct / 100
	st.BudgetTotal = 1 - target
	if st.Total > 0 {
		st.BudgetConsumed = float64(st.Bad) / float64(st.Total)
	}
	st.BudgetRemaining = st.BudgetTotal - st.BudgetConsumed
	if st.BudgetRemaining < 0 {
		st.BudgetRemaining = 0
	}

	// Early in an objective's life only part of the window has data, so the
	// budget is prorated to the elapsed fraction when comparing burn speed.
	elapsed := float64(nowMs-s.CreatedAtMs) / float64(s.WindowMs)
	if elapsed > 1 {
		elapsed = 1
	}
	if elapsed > 0 && st.BudgetTotal > 0 {
		st.BurnRate = st.BudgetConsumed / (st.BudgetTotal * elapsed)
	}
	st.Healthy = current >= target
	return st
}

func (m *Monitor) evaluateLocked(s *SLO, nowMs int64) []Alert {
	st := m.statusLocked(s, nowMs)
	if st.Total == 0 {
		return nil
	}
	var alerts []Alert
	raise := func(typ, msg string) {
		key := s.ID + "|" + typ
		if last, ok := m.lastAlert[key]; ok && nowMs-last < m.dedupMs {
			return
		}
		m.lastAlert[key] = nowMs
		alerts = append(alerts, Alert{
			SloID:           s.ID,
			SloName:         s.Name,
			Type:            typ,
			Message:         msg,
			AtMs:            nowMs,
			BurnRate:        st.BurnRate,
			BudgetRemaining: st.BudgetRemaining,
		})
	}

	switch {
	case st.BudgetRemaining <= 0:
		raise(AlertBudgetExhausted, fmt.Sprintf("error budget for %q exhausted", s.Name))
	case st.BudgetRemaining < m.warnThreshold*st.BudgetTotal:
		raise(AlertBudgetWarning, fmt.Sprintf("error budget for %q below %.0f%%", s.Name, m.warnThreshold*100))
	}
	if st.BurnRate > m.burnMult {
		raise(AlertBurnRateHigh, fmt.Sprintf("burn rate %.2f for %q exceeds %.2f", st.BurnRate, s.Name, m.burnMult))
	}
	return alerts
}

func good(s *SLO, ev event) bool {
	if s.Kind == KindLatency {
		return ev.latencyMs <= s.ThresholdMs
	}
	return ev.success
}

func matches(s *SLO, tool, key string) bool {
	if len(s.Tools) > 0 && !contains(s.Tools, tool) {
		return false
	}
	if len(s.Keys) > 0 && !contains(s.Keys, key) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func sortSLOs(out []SLO) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
}

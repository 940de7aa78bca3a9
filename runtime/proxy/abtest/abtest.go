// Package abtest assigns API keys to experiment variants.
//
// Assignment is sticky and deterministic: the key is hashed with FNV-1a
// and the value modulo the total weight selects a variant by walking the
// cumulative weights, so the same key always lands on the same variant for
// a given experiment. The first assignment is recorded and reused even if
// the experiment's weights are later irrelevant. Stopping an experiment is
// terminal; a stopped experiment accepts no new assignments or conversions.
package abtest

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

type (
	// Variant is one arm of an experiment.
	Variant struct {
		Name   string `json:"name"`
		Weight int    `json:"weight"`
	}

	// Experiment routes keys across variants by weight.
	Experiment struct {
		ID          string    `json:"id"`
		Name        string    `json:"name"`
		Variants    []Variant `json:"variants"`
		Active      bool      `json:"active"`
		CreatedAtMs int64     `json:"createdAtMs"`
	}

	// Assignment records the variant a key landed on.
	Assignment struct {
		Key        string `json:"key"`
		Variant    string `json:"variant"`
		AssignedAt int64  `json:"assignedAtMs"`
	}

	// MetricAgg accumulates one conversion metric for a variant.
	MetricAgg struct {
		Count int64   `json:"count"`
		Sum   float64 `json:"sum"`
	}

	// VariantResult summarizes one variant.
	VariantResult struct {
		Name           string               `json:"name"`
		Weight         int                  `json:"weight"`
		Assignments    int64                `json:"assignments"`
		Conversions    int64                `json:"conversions"`
		ConversionRate float64              `json:"conversionRate"`
		Metrics        map[string]MetricAgg `json:"metrics,omitempty"`
	}

	// Results summarizes an experiment.
	Results struct {
		ExperimentID string          `json:"experimentId"`
		Name         string          `json:"name"`
		Active       bool            `json:"active"`
		Assignments  int64           `json:"assignments"`
		Variants     []VariantResult `json:"variants"`
	}

	experiment struct {
		exp         Experiment
		totalWeight int
		assignments map[string]Assignment
		metrics     map[string]map[string]MetricAgg
		converted   map[string]int64
	}

	// Manager owns experiments and their assignments.
	Manager struct {
		mu    sync.Mutex
		clk   clock.Clock
		exps  map[string]*experiment
		names map[string]string
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clk = clk
		}
	}
}

// New returns an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clk:   clock.System{},
		exps:  make(map[string]*experiment),
		names: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers an active experiment. Names are unique; every variant
// needs a distinct name and a positive weight.
func (m *Manager) Create(name string, variants []Variant) (Experiment, error) {
	if name == "" {
		return Experiment{}, proxyerr.Validationf("experiment requires a name")
	}
	if len(variants) < 2 {
		return Experiment{}, proxyerr.Validationf("experiment requires at least two variants")
	}
	seen := make(map[string]bool, len(variants))
	total := 0
	for _, v := range variants {
		if v.Name == "" {
			return Experiment{}, proxyerr.Validationf("variant requires a name")
		}
		if v.Weight <= 0 {
			return Experiment{}, proxyerr.Validationf("variant %q requires a positive weight", v.Name)
		}
		if seen[v.Name] {
			return Experiment{}, proxyerr.Validationf("duplicate variant %q", v.Name)
		}
		seen[v.Name] = true
		total += v.Weight
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.names[name]; exists {
		return Experiment{}, proxyerr.Conflictf("experiment %q already exists", name)
	}
	exp := Experiment{
		ID:          uuid.NewString(),
		Name:        name,
		Variants:    append([]Variant(nil), variants...),
		Active:      true,
		CreatedAtMs: m.clk.NowMs(),
	}
	m.exps[exp.ID] = &experiment{
		exp:         exp,
		totalWeight: total,
		assignments: make(map[string]Assignment),
		metrics:     make(map[string]map[string]MetricAgg),
		converted:   make(map[string]int64),
	}
	m.names[name] = exp.ID
	return exp, nil
}

// Get returns an experiment by ID.
func (m *Manager) Get(id string) (Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exps[id]
	if !ok {
		return Experiment{}, proxyerr.NotFoundf("experiment %q not found", id)
	}
	return e.exp, nil
}

// List returns experiments ordered by creation time, then ID.
func (m *Manager) List() []Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Experiment, 0, len(m.exps))
	for _, e := range m.exps {
		out = append(out, e.exp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stop ends an experiment. Stopping is terminal: the experiment keeps its
// results but accepts no further assignments or conversions.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exps[id]
	if !ok {
		return proxyerr.NotFoundf("experiment %q not found", id)
	}
	if !e.exp.Active {
		return proxyerr.Statef("experiment %q already stopped", id)
	}
	e.exp.Active = false
	return nil
}

// Assign returns the variant for a key, assigning it on first sight.
func (m *Manager) Assign(id, key string) (Variant, error) {
	if key == "" {
		return Variant{}, proxyerr.Validationf("key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exps[id]
	if !ok {
		return Variant{}, proxyerr.NotFoundf("experiment %q not found", id)
	}
	if a, assigned := e.assignments[key]; assigned {
		return e.variantByName(a.Variant), nil
	}
	if !e.exp.Active {
		return Variant{}, proxyerr.Statef("experiment %q is stopped", id)
	}
	v := e.pick(key)
	e.assignments[key] = Assignment{Key: key, Variant: v.Name, AssignedAt: m.clk.NowMs()}
	return v, nil
}

// Conversion records a metric observation for a key's assigned variant.
func (m *Manager) Conversion(id, key, metric string, value float64) error {
	if metric == "" {
		return proxyerr.Validationf("metric must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exps[id]
	if !ok {
		return proxyerr.NotFoundf("experiment %q not found", id)
	}
	if !e.exp.Active {
		return proxyerr.Statef("experiment %q is stopped", id)
	}
	a, assigned := e.assignments[key]
	if !assigned {
		return proxyerr.NotFoundf("key %q has no assignment in experiment %q", key, id)
	}
	byMetric := e.metrics[a.Variant]
	if byMetric == nil {
		byMetric = make(map[string]MetricAgg)
		e.metrics[a.Variant] = byMetric
	}
	agg := byMetric[metric]
	agg.Count++
	agg.Sum += value
	byMetric[metric] = agg
	e.converted[a.Variant]++
	return nil
}

// Results summarizes assignments and conversions per variant, in variant
// declaration order.
func (m *Manager) Results(id string) (Results, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exps[id]
	if !ok {
		return Results{}, proxyerr.NotFoundf("experiment %q not found", id)
	}
	counts := make(map[string]int64, len(e.exp.Variants))
	for _, a := range e.assignments {
		counts[a.Variant]++
	}
	res := Results{
		ExperimentID: e.exp.ID,
		Name:         e.exp.Name,
		Active:       e.exp.Active,
		Assignments:  int64(len(e.assignments)),
	}
	for _, v := range e.exp.Variants {
		vr := VariantResult{
			Name:        v.Name,
			Weight:      v.Weight,
			Assignments: counts[v.Name],
			Conversions: e.converted[v.Name],
		}
		if vr.Assignments > 0 {
			vr.ConversionRate = float64(vr.Conversions) / float64(vr.Assignments)
		}
		if byMetric := e.metrics[v.Name]; len(byMetric) > 0 {
			vr.Metrics = make(map[string]MetricAgg, len(byMetric))
			for name, agg := range byMetric {
				vr.Metrics[name] = agg
			}
		}
		res.Variants = append(res.Variants, vr)
	}
	return res, nil
}

// pick hashes the key over the cumulative variant weights.
func (e *experiment) pick(key string) Variant {
	h := fnv.New32a()
	h.Write([]byte(key))
	slot := int(h.Sum32() % uint32(e.totalWeight))
	cum := 0
	for _, v := range e.exp.Variants {
		cum += v.Weight
		if slot < cum {
			return v
		}
	}
	return e.exp.Variants[len(e.exp.Variants)-1]
}

func (e *experiment) variantByName(name string) Variant {
	for _, v := range e.exp.Variants {
		if v.Name == name {
			return v
		}
	}
	return Variant{Name: name}
}

// Package notify fans events out to notification channels.
//
// Rules bind an event type to one or more channels and carry an optional
// body template rendered against the event payload. Actual delivery is
// delegated to per-kind dispatcher callbacks registered by the caller;
// dispatchers run outside the manager lock. Throttling is scoped to the
// (rule, channel, payload key) triple so one noisy key cannot silence
// alerts for the rest.
package notify

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/tmpl"
)

// Channel kinds.
const (
	KindWebhook = "webhook"
	KindEmail   = "email"
	KindLog     = "log"
)

// Delivery statuses.
const (
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusThrottled = "throttled"
	StatusSkipped   = "skipped"
)

// EventAny matches every event type.
const EventAny = "*"

const defaultMaxRecent = 500

type (
	// Channel is a delivery destination.
	Channel struct {
		ID      string `json:"id"`
		Kind    string `json:"kind"`
		Target  string `json:"target,omitempty"`
		Enabled bool   `json:"enabled"`
	}

	// Rule routes one event type to a set of channels.
	Rule struct {
		ID         string   `json:"id"`
		EventType  string   `json:"eventType"`
		ChannelIDs []string `json:"channelIds"`
		ThrottleMs int64    `json:"throttleMs,omitempty"`
		Template   string   `json:"template,omitempty"`
	}

	// Delivery is the outcome of one rule/channel pairing for an event.
	Delivery struct {
		RuleID    string `json:"ruleId"`
		ChannelID string `json:"channelId"`
		Kind      string `json:"kind,omitempty"`
		Target    string `json:"target,omitempty"`
		EventType string `json:"eventType"`
		Status    string `json:"status"`
		Body      string `json:"body,omitempty"`
		Error     string `json:"error,omitempty"`
		AtMs      int64  `json:"atMs"`
	}

	// Stats counts publish outcomes.
	Stats struct {
		Published int64 `json:"published"`
		Sent      int64 `json:"sent"`
		Failed    int64 `json:"failed"`
		Throttled int64 `json:"throttled"`
		Skipped   int64 `json:"skipped"`
	}

	// DispatchFunc performs the actual send for one channel kind.
	DispatchFunc func(ch Channel, eventType, body string, payload map[string]string) error

	// Manager owns channels, rules, and throttle state.
	Manager struct {
		mu          sync.Mutex
		clk         clock.Clock
		maxRecent   int
		channels    map[string]Channel
		rules       map[string]Rule
		dispatchers map[string]DispatchFunc
		lastSent    map[string]int64
		recent      []Delivery
		stats       Stats
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

// WithMaxRecent bounds the retained delivery history.
func WithMaxRecent(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRecent = n
		}
	}
}

// New returns an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clk:         clock.System{},
		maxRecent:   defaultMaxRecent,
		channels:    make(map[string]Channel),
		rules:       make(map[string]Rule),
		dispatchers: make(map[string]DispatchFunc),
		lastSent:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterDispatcher installs the send function for a channel kind,
// replacing any previous one.
func (m *Manager) RegisterDispatcher(kind string, fn DispatchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.dispatchers, kind)
		return
	}
	m.dispatchers[kind] = fn
}

// AddChannel registers a destination. A blank ID is assigned.
func (m *Manager) AddChannel(ch Channel) (Channel, error) {
	switch ch.Kind {
	case KindWebhook, KindEmail, KindLog:
	default:
		return Channel{}, proxyerr.Validationf("unknown channel kind %q", ch.Kind)
	}
	if (ch.Kind == KindWebhook || ch.Kind == KindEmail) && ch.Target == "" {
		return Channel{}, proxyerr.Validationf("%s channel requires a target", ch.Kind)
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[ch.ID]; exists {
		return Channel{}, proxyerr.Conflictf("channel %q already exists", ch.ID)
	}
	m.channels[ch.ID] = ch
	return ch, nil
}

// RemoveChannel drops a destination. Rules keep referencing the ID; those
// deliveries are skipped until the rule is updated.
func (m *Manager) RemoveChannel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[id]; !ok {
		return proxyerr.NotFoundf("channel %q not found", id)
	}
	delete(m.channels, id)
	return nil
}

// SetChannelEnabled toggles a destination.
func (m *Manager) SetChannelEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return proxyerr.NotFoundf("channel %q not found", id)
	}
	ch.Enabled = enabled
	m.channels[id] = ch
	return nil
}

// Channels lists destinations ordered by ID.
func (m *Manager) Channels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddRule registers a routing rule. A blank ID is assigned.
func (m *Manager) AddRule(r Rule) (Rule, error) {
	if r.EventType == "" {
		return Rule{}, proxyerr.Validationf("rule requires an event type")
	}
	if len(r.ChannelIDs) == 0 {
		return Rule{}, proxyerr.Validationf("rule requires at least one channel")
	}
	if r.ThrottleMs < 0 {
		return Rule{}, proxyerr.Validationf("throttle must not be negative")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[r.ID]; exists {
		return Rule{}, proxyerr.Conflictf("rule %q already exists", r.ID)
	}
	m.rules[r.ID] = r
	return r, nil
}

// RemoveRule drops a routing rule.
func (m *Manager) RemoveRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return proxyerr.NotFoundf("rule %q not found", id)
	}
	delete(m.rules, id)
	return nil
}

// Rules lists routing rules ordered by ID.
func (m *Manager) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// pending is a delivery decided under the lock and sent after it.
type pending struct {
	delivery Delivery
	channel  Channel
	payload  map[string]string
}

// Publish routes one event through every matching rule and returns the
// delivery outcomes, ordered by rule ID then channel ID.
func (m *Manager) Publish(eventType string, payload map[string]string) []Delivery {
	now := m.clk.NowMs()

	m.mu.Lock()
	m.stats.Published++
	ruleIDs := make([]string, 0, len(m.rules))
	for id, r := range m.rules {
		if r.EventType == eventType || r.EventType == EventAny {
			ruleIDs = append(ruleIDs, id)
		}
	}
	sort.Strings(ruleIDs)

	var decided []pending
	for _, rid := range ruleIDs {
		r := m.rules[rid]
		body := r.Template
		if body == "" {
			body = fmt.Sprintf("event %s", eventType)
		}
		body = tmpl.Render(body, payload)
		for _, cid := range r.ChannelIDs {
			d := Delivery{
				RuleID:    rid,
				ChannelID: cid,
				EventType: eventType,
				Body:      body,
				AtMs:      now,
			}
			ch, ok := m.channels[cid]
			if !ok {
				d.Status = StatusSkipped
				d.Error = "unknown channel"
				decided = append(decided, pending{delivery: d})
				continue
			}
			d.Kind = ch.Kind
			d.Target = ch.Target
			if !ch.Enabled {
				d.Status = StatusSkipped
				d.Error = "channel disabled"
				decided = append(decided, pending{delivery: d})
				continue
			}
			throttleKey := rid + "|" + cid + "|" + payload["key"]
			if r.ThrottleMs > 0 {
				if last, sent := m.lastSent[throttleKey]; sent && now-last < r.ThrottleMs {
					d.Status = StatusThrottled
					decided = append(decided, pending{delivery: d})
					continue
				}
			}
			m.lastSent[throttleKey] = now
			d.Status = StatusSent
			decided = append(decided, pending{delivery: d, channel: ch, payload: payload})
		}
	}
	dispatchers := make(map[string]DispatchFunc, len(m.dispatchers))
	for k, fn := range m.dispatchers {
		dispatchers[k] = fn
	}
	m.mu.Unlock()

	out := make([]Delivery, 0, len(decided))
	for _, p := range decided {
		d := p.delivery
		if d.Status == StatusSent {
			fn := dispatchers[p.channel.Kind]
			switch {
			case fn == nil:
				d.Status = StatusFailed
				d.Error = fmt.Sprintf("no dispatcher for kind %q", p.channel.Kind)
			default:
				if err := fn(p.channel, eventType, d.Body, p.payload); err != nil {
					d.Status = StatusFailed
					d.Error = err.Error()
				}
			}
		}
		out = append(out, d)
	}

	m.mu.Lock()
	for _, d := range out {
		switch d.Status {
		case StatusSent:
			m.stats.Sent++
		case StatusFailed:
			m.stats.Failed++
		case StatusThrottled:
			m.stats.Throttled++
		case StatusSkipped:
			m.stats.Skipped++
		}
		m.recent = append(m.recent, d)
	}
	if len(m.recent) > m.maxRecent {
		m.recent = m.recent[len(m.recent)-m.maxRecent:]
	}
	m.mu.Unlock()
	return out
}

// Recent returns up to n of the latest deliveries, newest first. n <= 0
// returns all retained.
func (m *Manager) Recent(n int) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]Delivery, n)
	for i := 0; i < n; i++ {
		out[i] = m.recent[len(m.recent)-1-i]
	}
	return out
}

// Stats reports publish outcome counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

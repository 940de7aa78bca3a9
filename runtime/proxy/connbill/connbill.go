// Package connbill bills long-lived connection sessions by elapsed interval.
//
// A session accrues whole billing intervals after an initial grace period.
// Assessment is poll-driven: the gateway calls AssessAll on a ticker close to
// the interval length. Each assessment walks a fixed decision order (unknown
// session, unbilled transport, idle timeout, max duration, paused or disabled,
// grace, nothing owed, insufficient credits, charge) so a session is never
// charged for intervals it did not complete and never charged twice for the
// same interval.
package connbill

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Termination reasons reported on assessments.
const (
	ReasonIdleTimeout         = "idle_timeout"
	ReasonMaxDuration         = "max_duration"
	ReasonInsufficientCredits = "insufficient_credits"
)

// Defaults applied when options leave settings zero.
const (
	DefaultCreditsPerInterval = 1
	DefaultIntervalMs         = 60_000
	DefaultGraceMs            = 60_000
)

// State is a session's lifecycle phase.
type State string

const (
	// StateActive bills normally.
	StateActive State = "active"
	// StatePaused suspends billing until resumed.
	StatePaused State = "paused"
)

type (
	// Session is one billed connection.
	Session struct {
		ID               string `json:"id"`
		Key              string `json:"key"`
		Transport        string `json:"transport"`
		State            State  `json:"state"`
		StartedAtMs      int64  `json:"startedAtMs"`
		LastActivityAtMs int64  `json:"lastActivityAtMs"`
		IntervalsCharged int64  `json:"intervalsCharged"`
		CreditsCharged   int64  `json:"creditsCharged"`
	}

	// Assessment reports one billing decision for a session.
	Assessment struct {
		SessionID       string
		Key             string
		CreditsCharged  int64
		ShouldTerminate bool
		TerminateReason string
		DurationMs      int64
	}

	// CheckCreditsFunc reports the credits available to a key.
	CheckCreditsFunc func(key string) int64

	// DeductFunc charges credits to a key. A non-nil error cancels the charge
	// and terminates the session for insufficient credits.
	DeductFunc func(key string, credits int64) error

	// TerminateFunc is invoked outside the manager lock for every assessment
	// that decided to terminate.
	TerminateFunc func(sessionID, reason string)

	// Stats summarizes manager activity.
	Stats struct {
		ActiveSessions   int
		TotalOpened      int64
		TotalClosed      int64
		TotalCreditsBill int64
	}

	// Manager tracks and bills connection sessions.
	Manager struct {
		mu                 sync.Mutex
		clk                clock.Clock
		enabled            bool
		creditsPerInterval int64
		intervalMs         int64
		graceMs            int64
		idleTimeoutMs      int64
		maxDurationMs      int64
		billedTransports   map[string]struct{}
		checkCredits       CheckCreditsFunc
		deduct             DeductFunc
		onTerminate        TerminateFunc
		sessions           map[string]*Session
		opened             int64
		closed             int64
		totalBilled        int64
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithRate sets the credits charged per interval and the interval length.
func WithRate(creditsPerInterval int64, intervalMs int64) Option {
	return func(m *Manager) {
		if creditsPerInterval > 0 {
			m.creditsPerInterval = creditsPerInterval
		}
		if intervalMs > 0 {
			m.intervalMs = intervalMs
		}
	}
}

// WithGrace sets the unbilled leading portion of every session.
func WithGrace(graceMs int64) Option {
	return func(m *Manager) {
		if graceMs >= 0 {
			m.graceMs = graceMs
		}
	}
}

// WithIdleTimeout terminates sessions idle for at least idleMs. Zero disables.
func WithIdleTimeout(idleMs int64) Option {
	return func(m *Manager) {
		if idleMs >= 0 {
			m.idleTimeoutMs = idleMs
		}
	}
}

// WithMaxDuration terminates sessions older than maxMs. Zero disables.
func WithMaxDuration(maxMs int64) Option {
	return func(m *Manager) {
		if maxMs >= 0 {
			m.maxDurationMs = maxMs
		}
	}
}

// WithBilledTransports restricts billing to the named transports. Sessions on
// other transports stay tracked but are never charged. Empty bills all.
func WithBilledTransports(transports ...string) Option {
	return func(m *Manager) {
		m.billedTransports = make(map[string]struct{}, len(transports))
		for _, t := range transports {
			m.billedTransports[t] = struct{}{}
		}
	}
}

// WithCreditCallbacks installs the balance check and charge functions.
func WithCreditCallbacks(check CheckCreditsFunc, deduct DeductFunc) Option {
	return func(m *Manager) {
		m.checkCredits = check
		m.deduct = deduct
	}
}

// WithTerminateCallback installs the termination notifier.
func WithTerminateCallback(fn TerminateFunc) Option {
	return func(m *Manager) { m.onTerminate = fn }
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clk = clk
		}
	}
}

// New returns a Manager with the given options.
func New(opts ...Option) *Manager {
	m := &Manager{
		clk:                clock.System{},
		enabled:            true,
		creditsPerInterval: DefaultCreditsPerInterval,
		intervalMs:         DefaultIntervalMs,
		graceMs:            DefaultGraceMs,
		sessions:           make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEnabled pauses or resumes billing globally. Sessions stay tracked.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// Open starts tracking a connection session for the key.
func (m *Manager) Open(key, transport string) (Session, error) {
	if key == "" {
		return Session{}, proxyerr.Validationf("key is required")
	}
	now := m.clk.NowMs()
	sess := &Session{
		ID:               uuid.NewString(),
		Key:              key,
		Transport:        transport,
		State:            StateActive,
		StartedAtMs:      now,
		LastActivityAtMs: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	m.opened++
	return *sess, nil
}

// Touch refreshes a session's activity timestamp.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return proxyerr.NotFoundf("session %q not found", id)
	}
	sess.LastActivityAtMs = m.clk.NowMs()
	return nil
}

// Pause suspends billing for a session.
func (m *Manager) Pause(id string) error {
	return m.setState(id, StatePaused)
}

// Resume restores billing for a paused session.
func (m *Manager) Resume(id string) error {
	return m.setState(id, StateActive)
}

func (m *Manager) setState(id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return proxyerr.NotFoundf("session %q not found", id)
	}
	sess.State = state
	return nil
}

// Close stops tracking a session and returns its final state.
func (m *Manager) Close(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, proxyerr.NotFoundf("session %q not found", id)
	}
	delete(m.sessions, id)
	m.closed++
	return *sess, nil
}

// Get returns a session snapshot.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, proxyerr.NotFoundf("session %q not found", id)
	}
	return *sess, nil
}

// Sessions lists tracked sessions ordered by id.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assess evaluates one session now and applies any charge. Termination is
// decided here but enacted by the caller (or the terminate callback).
func (m *Manager) Assess(id string) (Assessment, error) {
	m.mu.Lock()
	assessment, ok := m.assessLocked(id)
	m.mu.Unlock()
	if !ok {
		return Assessment{}, proxyerr.NotFoundf("session %q not found", id)
	}
	m.notifyTerminate(assessment)
	return assessment, nil
}

// AssessAll evaluates every tracked session in id order.
func (m *Manager) AssessAll() []Assessment {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Assessment, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.assessLocked(id); ok {
			out = append(out, a)
		}
	}
	m.mu.Unlock()
	for _, a := range out {
		m.notifyTerminate(a)
	}
	return out
}

// EstimateCost projects the charge for a connection held for durationMs.
func (m *Manager) EstimateCost(durationMs int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if durationMs <= m.graceMs {
		return 0
	}
	return ((durationMs - m.graceMs) / m.intervalMs) * m.creditsPerInterval
}

// Stats reports manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveSessions:   len(m.sessions),
		TotalOpened:      m.opened,
		TotalClosed:      m.closed,
		TotalCreditsBill: m.totalBilled,
	}
}

// assessLocked runs the fixed decision order for one session. Callers hold
// m.mu. The credit callbacks are in-memory keystore operations and run under
// the lock; the terminate notifier does not.
func (m *Manager) assessLocked(id string) (Assessment, bool) {
	sess, ok := m.sessions[id]
	if !ok {
		return Assessment{}, false
	}
	now := m.clk.NowMs()
	duration := now - sess.StartedAtMs
	a := Assessment{SessionID: sess.ID, Key: sess.Key, DurationMs: duration}

	if len(m.billedTransports) > 0 {
		if _, billed := m.billedTransports[sess.Transport]; !billed {
			return a, true
		}
	}
	if m.idleTimeoutMs > 0 && now-sess.LastActivityAtMs >= m.idleTimeoutMs {
		a.ShouldTerminate = true
		a.TerminateReason = ReasonIdleTimeout
		return a, true
	}
	if m.maxDurationMs > 0 && duration >= m.maxDurationMs {
		a.ShouldTerminate = true
		a.TerminateReason = ReasonMaxDuration
		return a, true
	}
	if sess.State == StatePaused || !m.enabled {
		return a, true
	}
	if duration < m.graceMs {
		return a, true
	}

	expected := (duration - m.graceMs) / m.intervalMs
	toBill := expected - sess.IntervalsCharged
	if toBill <= 0 {
		return a, true
	}
	charge := toBill * m.creditsPerInterval

	if m.checkCredits != nil && m.checkCredits(sess.Key) < charge {
		a.ShouldTerminate = true
		a.TerminateReason = ReasonInsufficientCredits
		return a, true
	}
	if m.deduct != nil {
		if err := m.deduct(sess.Key, charge); err != nil {
			a.ShouldTerminate = true
			a.TerminateReason = ReasonInsufficientCredits
			return a, true
		}
	}

	sess.IntervalsCharged = expected
	sess.CreditsCharged += charge
	m.totalBilled += charge
	a.CreditsCharged = charge
	return a, true
}

func (m *Manager) notifyTerminate(a Assessment) {
	if a.ShouldTerminate && m.onTerminate != nil {
		m.onTerminate(a.SessionID, a.TerminateReason)
	}
}

// Package session tracks multi-request proxy sessions.
//
// A session groups successive calls from one API key under a shared id with a
// sliding TTL. Expiry is lazy: expired sessions are dropped when read or when
// PruneExpired runs, never by a background goroutine.
package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Defaults applied when options leave settings zero.
const (
	DefaultTTLMs       = 30 * 60_000
	DefaultMaxSessions = 1000
)

type (
	// Session is one tracked proxy session.
	Session struct {
		ID               string            `json:"id"`
		Key              string            `json:"key"`
		CreatedAtMs      int64             `json:"createdAtMs"`
		ExpiresAtMs      int64             `json:"expiresAtMs"`
		LastActivityAtMs int64             `json:"lastActivityAtMs"`
		TTLMs            int64             `json:"ttlMs"`
		Calls            int64             `json:"calls"`
		CreditsUsed      int64             `json:"creditsUsed"`
		ToolCalls        map[string]int64  `json:"toolCalls,omitempty"`
		Meta             map[string]string `json:"meta,omitempty"`
	}

	// Manager owns the live session table.
	Manager struct {
		mu          sync.Mutex
		clk         clock.Clock
		defaultTTL  int64
		maxSessions int
		sessions    map[string]*Session
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

// WithDefaultTTL sets the TTL used when Begin receives zero.
func WithDefaultTTL(ttlMs int64) Option {
	return func(m *Manager) {
		if ttlMs > 0 {
			m.defaultTTL = ttlMs
		}
	}
}

// WithMaxSessions caps concurrently live sessions.
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// New returns a Manager with the given options.
func New(opts ...Option) *Manager {
	m := &Manager{
		clk:         clock.System{},
		defaultTTL:  DefaultTTLMs,
		maxSessions: DefaultMaxSessions,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin opens a session for the key. A zero ttlMs uses the manager default.
func (m *Manager) Begin(key string, ttlMs int64, meta map[string]string) (Session, error) {
	if key == "" {
		return Session{}, proxyerr.Validationf("key is required")
	}
	if ttlMs < 0 {
		return Session{}, proxyerr.Validationf("ttlMs must not be negative")
	}
	if ttlMs == 0 {
		ttlMs = m.defaultTTL
	}
	now := m.clk.NowMs()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	if len(m.sessions) >= m.maxSessions {
		return Session{}, proxyerr.Capacityf("session limit %d reached", m.maxSessions)
	}
	sess := &Session{
		ID:               uuid.NewString(),
		Key:              key,
		CreatedAtMs:      now,
		ExpiresAtMs:      now + ttlMs,
		LastActivityAtMs: now,
		TTLMs:            ttlMs,
	}
	if len(meta) > 0 {
		sess.Meta = make(map[string]string, len(meta))
		for k, v := range meta {
			sess.Meta[k] = v
		}
	}
	m.sessions[sess.ID] = sess
	return copySession(sess), nil
}

// Get returns a live session. Expired sessions are removed and reported as
// not found.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.liveLocked(id)
	if err != nil {
		return Session{}, err
	}
	return copySession(sess), nil
}

// Touch refreshes a session's expiry from now using its TTL.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.liveLocked(id)
	if err != nil {
		return err
	}
	now := m.clk.NowMs()
	sess.LastActivityAtMs = now
	sess.ExpiresAtMs = now + sess.TTLMs
	return nil
}

// RecordCall attributes one tool call and its cost to the session and
// refreshes its expiry.
func (m *Manager) RecordCall(id, tool string, credits int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.liveLocked(id)
	if err != nil {
		return err
	}
	now := m.clk.NowMs()
	sess.Calls++
	sess.CreditsUsed += credits
	if tool != "" {
		if sess.ToolCalls == nil {
			sess.ToolCalls = make(map[string]int64)
		}
		sess.ToolCalls[tool]++
	}
	sess.LastActivityAtMs = now
	sess.ExpiresAtMs = now + sess.TTLMs
	return nil
}

// End closes a session. It reports false when the session was already gone,
// so double-End is harmless.
func (m *Manager) End(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// ActiveCount reports live sessions after pruning expired ones.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.clk.NowMs())
	return len(m.sessions)
}

// Sessions lists live sessions ordered by creation time, then id.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.clk.NowMs())
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PruneExpired drops expired sessions and reports how many were removed.
func (m *Manager) PruneExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(m.clk.NowMs())
}

func (m *Manager) liveLocked(id string) (*Session, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return nil, proxyerr.NotFoundf("session %q not found", id)
	}
	if m.clk.NowMs() >= sess.ExpiresAtMs {
		delete(m.sessions, id)
		return nil, proxyerr.NotFoundf("session %q not found", id)
	}
	return sess, nil
}

func (m *Manager) pruneLocked(nowMs int64) int {
	var n int
	for id, sess := range m.sessions {
		if nowMs >= sess.ExpiresAtMs {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

func copySession(sess *Session) Session {
	out := *sess
	if sess.ToolCalls != nil {
		out.ToolCalls = make(map[string]int64, len(sess.ToolCalls))
		for k, v := range sess.ToolCalls {
			out.ToolCalls[k] = v
		}
	}
	if sess.Meta != nil {
		out.Meta = make(map[string]string, len(sess.Meta))
		for k, v := range sess.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

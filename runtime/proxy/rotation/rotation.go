// Package rotation schedules periodic API key rotation.
//
// A policy binds one key to a rotation interval and grace period. The
// scheduler only keeps time: the gateway asks for due policies on a tick,
// rotates each key through the key store, then marks the policy rotated
// with the key's new handle. Nothing here touches the store directly.
package rotation

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

type (
	// Policy is one key's rotation schedule.
	Policy struct {
		ID             string `json:"id"`
		Key            string `json:"key"`
		IntervalMs     int64  `json:"intervalMs"`
		GraceMs        int64  `json:"graceMs"`
		Enabled        bool   `json:"enabled"`
		CreatedAtMs    int64  `json:"createdAtMs"`
		LastRotatedMs  int64  `json:"lastRotatedMs,omitempty"`
		NextRotationMs int64  `json:"nextRotationMs"`
	}

	// Scheduler owns rotation policies.
	Scheduler struct {
		mu       sync.Mutex
		clk      clock.Clock
		policies map[string]Policy
	}

	// Option configures a Scheduler.
	Option func(*Scheduler)
)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// New returns an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clk:      clock.System{},
		policies: make(map[string]Policy),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers an enabled policy for a key. One policy per key; the
// first rotation falls one interval from now.
func (s *Scheduler) Create(key string, intervalMs, graceMs int64) (Policy, error) {
	if key == "" {
		return Policy{}, proxyerr.Validationf("policy requires a key")
	}
	if intervalMs <= 0 {
		return Policy{}, proxyerr.Validationf("interval must be positive")
	}
	if graceMs < 0 {
		return Policy{}, proxyerr.Validationf("grace must be >= 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Key == key {
			return Policy{}, proxyerr.Conflictf("key %q already has a rotation policy", key)
		}
	}
	now := s.clk.NowMs()
	p := Policy{
		ID:             uuid.NewString(),
		Key:            key,
		IntervalMs:     intervalMs,
		GraceMs:        graceMs,
		Enabled:        true,
		CreatedAtMs:    now,
		NextRotationMs: now + intervalMs,
	}
	s.policies[p.ID] = p
	return p, nil
}

// Get returns a policy by ID.
func (s *Scheduler) Get(id string) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, proxyerr.NotFoundf("rotation policy %q not found", id)
	}
	return p, nil
}

// PolicyForKey returns the policy tracking a key.
func (s *Scheduler) PolicyForKey(key string) (Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Key == key {
			return p, true
		}
	}
	return Policy{}, false
}

// List returns policies ordered by next rotation, then ID.
func (s *Scheduler) List() []Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortPolicies(s.policies, func(Policy) bool { return true })
}

// Remove deletes a policy.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return proxyerr.NotFoundf("rotation policy %q not found", id)
	}
	delete(s.policies, id)
	return nil
}

// SetEnabled pauses or resumes a policy. A resumed policy keeps its
// schedule; an overdue one becomes due immediately.
func (s *Scheduler) SetEnabled(id string, enabled bool) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, proxyerr.NotFoundf("rotation policy %q not found", id)
	}
	p.Enabled = enabled
	s.policies[id] = p
	return p, nil
}

// DueRotations returns enabled policies whose next rotation is at or before
// nowMs, ordered by next rotation, then ID.
func (s *Scheduler) DueRotations(nowMs int64) []Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortPolicies(s.policies, func(p Policy) bool {
		return p.Enabled && p.NextRotationMs <= nowMs
	})
}

// MarkRotated records a completed rotation and schedules the next one. The
// key store hands out a new key handle on rotation; a non-empty newKey
// retargets the policy to it.
func (s *Scheduler) MarkRotated(id, newKey string) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, proxyerr.NotFoundf("rotation policy %q not found", id)
	}
	now := s.clk.NowMs()
	if newKey != "" {
		p.Key = newKey
	}
	p.LastRotatedMs = now
	p.NextRotationMs = now + p.IntervalMs
	s.policies[id] = p
	return p, nil
}

func sortPolicies(policies map[string]Policy, keep func(Policy) bool) []Policy {
	out := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRotationMs != out[j].NextRotationMs {
			return out[i].NextRotationMs < out[j].NextRotationMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

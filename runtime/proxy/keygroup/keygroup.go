// Package keygroup organizes API keys into groups with shared tool ACLs.
//
// A key belongs to at most one group. The effective ACL for a key is the
// union of its own allow/deny lists with its group's; denied entries win
// over allowed ones, mirroring the per-key rule. Groups can also carry a
// rate-limit override the gateway applies to members without a per-key
// limit of their own.
package keygroup

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

type (
	// ACL is a pair of tool allow/deny lists. An empty allow list admits
	// every tool not denied; "*" matches any tool.
	ACL struct {
		Allow []string `json:"allow,omitempty"`
		Deny  []string `json:"deny,omitempty"`
	}

	// RateOverride replaces a member key's rate limit.
	RateOverride struct {
		Limit    int64 `json:"limit"`
		WindowMs int64 `json:"windowMs"`
	}

	// Group is a named set of keys sharing policy.
	Group struct {
		ID           string            `json:"id"`
		Name         string            `json:"name"`
		AllowedTools []string          `json:"allowedTools,omitempty"`
		DeniedTools  []string          `json:"deniedTools,omitempty"`
		RateLimit    *RateOverride     `json:"rateLimit,omitempty"`
		Meta         map[string]string `json:"meta,omitempty"`
		CreatedAtMs  int64             `json:"createdAtMs"`
	}

	// CreateGroup carries the settings for a new group.
	CreateGroup struct {
		Name         string
		AllowedTools []string
		DeniedTools  []string
		RateLimit    *RateOverride
		Meta         map[string]string
	}

	// Snapshot is the persisted shape: groups plus key assignments.
	Snapshot struct {
		Groups      []Group           `json:"groups"`
		Assignments map[string]string `json:"assignments"`
	}

	// Manager owns groups and key assignments.
	Manager struct {
		mu          sync.Mutex
		clk         clock.Clock
		groups      map[string]Group
		assignments map[string]string
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
		clk:         clock.System{},
		groups:      make(map[string]Group),
		assignments: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allows evaluates the ACL for a tool. Denied entries win; a non-empty
// allow list is exhaustive.
func (a ACL) Allows(tool string) bool {
	for _, d := range a.Deny {
		if d == tool || d == "*" {
			return false
		}
	}
	if len(a.Allow) == 0 {
		return true
	}
	for _, al := range a.Allow {
		if al == tool || al == "*" {
			return true
		}
	}
	return false
}

// CreateGroup registers a group. Names are unique.
func (m *Manager) CreateGroup(req CreateGroup) (Group, error) {
	if req.Name == "" {
		return Group{}, proxyerr.Validationf("group requires a name")
	}
	if req.RateLimit != nil && (req.RateLimit.Limit <= 0 || req.RateLimit.WindowMs <= 0) {
		return Group{}, proxyerr.Validationf("rate override requires positive limit and window")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.Name == req.Name {
			return Group{}, proxyerr.Conflictf("group %q already exists", req.Name)
		}
	}
	g := Group{
		ID:           uuid.NewString(),
		Name:         req.Name,
		AllowedTools: append([]string(nil), req.AllowedTools...),
		DeniedTools:  append([]string(nil), req.DeniedTools...),
		CreatedAtMs:  m.clk.NowMs(),
	}
	if req.RateLimit != nil {
		rl := *req.RateLimit
		g.RateLimit = &rl
	}
	if len(req.Meta) > 0 {
		g.Meta = make(map[string]string, len(req.Meta))
		for k, v := range req.Meta {
			g.Meta[k] = v
		}
	}
	m.groups[g.ID] = g
	return g, nil
}

// GetGroup returns a group by ID.
func (m *Manager) GetGroup(id string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, proxyerr.NotFoundf("group %q not found", id)
	}
	return cloneGroup(g), nil
}

// Groups lists groups ordered by creation time, then ID.
func (m *Manager) Groups() []Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteGroup removes a group and unassigns its members.
func (m *Manager) DeleteGroup(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return proxyerr.NotFoundf("group %q not found", id)
	}
	delete(m.groups, id)
	for key, gid := range m.assignments {
		if gid == id {
			delete(m.assignments, key)
		}
	}
	return nil
}

// AssignKey places a key in a group, replacing any previous assignment.
func (m *Manager) AssignKey(key, groupID string) error {
	if key == "" {
		return proxyerr.Validationf("key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return proxyerr.NotFoundf("group %q not found", groupID)
	}
	m.assignments[key] = groupID
	return nil
}

// UnassignKey removes a key from its group. Reports whether the key was
// assigned.
func (m *Manager) UnassignKey(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.assignments[key]
	delete(m.assignments, key)
	return ok
}

// GroupOf returns the group a key belongs to.
func (m *Manager) GroupOf(key string) (Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gid, ok := m.assignments[key]
	if !ok {
		return Group{}, false
	}
	g, ok := m.groups[gid]
	if !ok {
		return Group{}, false
	}
	return cloneGroup(g), true
}

// Members lists the keys assigned to a group, sorted.
func (m *Manager) Members(groupID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key, gid := range m.assignments {
		if gid == groupID {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// EffectiveACL merges the key's own ACL with its group's, deduplicated and
// sorted. Evaluation of the result keeps deny-wins semantics.
func (m *Manager) EffectiveACL(key string, keyACL ACL) ACL {
	g, ok := m.GroupOf(key)
	if !ok {
		return ACL{
			Allow: dedupSorted(keyACL.Allow),
			Deny:  dedupSorted(keyACL.Deny),
		}
	}
	return ACL{
		Allow: dedupSorted(append(append([]string(nil), keyACL.Allow...), g.AllowedTools...)),
		Deny:  dedupSorted(append(append([]string(nil), keyACL.Deny...), g.DeniedTools...)),
	}
}

// RateLimitFor returns the group rate override for a key, if any.
func (m *Manager) RateLimitFor(key string) (RateOverride, bool) {
	g, ok := m.GroupOf(key)
	if !ok || g.RateLimit == nil {
		return RateOverride{}, false
	}
	return *g.RateLimit, true
}

// Snapshot captures groups and assignments for persistence.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Groups:      make([]Group, 0, len(m.groups)),
		Assignments: make(map[string]string, len(m.assignments)),
	}
	for _, g := range m.groups {
		snap.Groups = append(snap.Groups, cloneGroup(g))
	}
	sort.Slice(snap.Groups, func(i, j int) bool {
		if snap.Groups[i].CreatedAtMs != snap.Groups[j].CreatedAtMs {
			return snap.Groups[i].CreatedAtMs < snap.Groups[j].CreatedAtMs
		}
		return snap.Groups[i].ID < snap.Groups[j].ID
	})
	for k, v := range m.assignments {
		snap.Assignments[k] = v
	}
	return snap
}

// Restore replaces the manager's state with a snapshot. Assignments that
// point at unknown groups are dropped.
func (m *Manager) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = make(map[string]Group, len(snap.Groups))
	for _, g := range snap.Groups {
		m.groups[g.ID] = cloneGroup(g)
	}
	m.assignments = make(map[string]string, len(snap.Assignments))
	for key, gid := range snap.Assignments {
		if _, ok := m.groups[gid]; ok {
			m.assignments[key] = gid
		}
	}
}

func cloneGroup(g Group) Group {
	out := g
	out.AllowedTools = append([]string(nil), g.AllowedTools...)
	out.DeniedTools = append([]string(nil), g.DeniedTools...)
	if g.RateLimit != nil {
		rl := *g.RateLimit
		out.RateLimit = &rl
	}
	if len(g.Meta) > 0 {
		out.Meta = make(map[string]string, len(g.Meta))
		for k, v := range g.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

func dedupSorted(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Package scope implements named tool scopes with transitive includes and
// per-key grants.
//
// A scope names a set of tools and may include other scopes; granting a scope
// grants everything reachable through includes. Tools may additionally demand
// one specific scope via Require. Include edges form a DAG: definitions that
// would close a cycle are rejected.
package scope

import (
	"sort"
	"sync"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Wildcard in a scope's tool list matches every tool.
const Wildcard = "*"

type (
	// Definition describes one scope.
	Definition struct {
		Name     string   `json:"name"`
		Tools    []string `json:"tools,omitempty"`
		Includes []string `json:"includes,omitempty"`
	}

	// Grant is a scope held by a key. ExpiresAtMs zero means permanent.
	Grant struct {
		Scope       string `json:"scope"`
		ExpiresAtMs int64  `json:"expiresAtMs,omitempty"`
	}

	// Decision is the outcome of a scope check.
	Decision struct {
		Allowed bool
		// MatchedScope is the scope that satisfied the check, when allowed.
		MatchedScope string
		// MissingScope is the scope the key lacks, when denied because a tool
		// requires one.
		MissingScope string
		// Reason is a short denial explanation.
		Reason string
	}

	// Manager owns scope definitions, tool requirements and key grants.
	Manager struct {
		mu            sync.Mutex
		clk           clock.Clock
		allowUnscoped bool
		scopes        map[string]*Definition
		required      map[string]string
		// grants maps key -> scope name -> expiry ms (0 = permanent).
		grants map[string]map[string]int64
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithAllowUnscopedTools controls whether tools that no scope or requirement
// mentions pass the check. Default true.
func WithAllowUnscopedTools(allow bool) Option {
	return func(m *Manager) { m.allowUnscoped = allow }
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clk = clk
		}
	}
}

// New returns an empty scope manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clk:           clock.System{},
		allowUnscoped: true,
		scopes:        make(map[string]*Definition),
		required:      make(map[string]string),
		grants:        make(map[string]map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Define creates or replaces a scope definition. Includes must reference
// existing scopes and must not create a cycle.
func (m *Manager) Define(name string, tools, includes []string) error {
	if name == "" {
		return proxyerr.Validationf("scope name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inc := range includes {
		if inc == name {
			return proxyerr.Validationf("scope %q cannot include itself", name)
		}
		if _, ok := m.scopes[inc]; !ok {
			return proxyerr.Validationf("included scope %q is not defined", inc)
		}
	}
	if m.wouldCycleLocked(name, includes) {
		return proxyerr.Validationf("scope %q includes would create a cycle", name)
	}
	m.scopes[name] = &Definition{
		Name:     name,
		Tools:    append([]string(nil), tools...),
		Includes: append([]string(nil), includes...),
	}
	return nil
}

// Remove deletes a scope definition. Grants referencing it stop expanding;
// include edges from other scopes are cleaned up.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[name]; !ok {
		return proxyerr.NotFoundf("scope %q not found", name)
	}
	delete(m.scopes, name)
	for _, def := range m.scopes {
		def.Includes = removeString(def.Includes, name)
	}
	for tool, req := range m.required {
		if req == name {
			delete(m.required, tool)
		}
	}
	return nil
}

// Definitions lists all scopes sorted by name.
func (m *Manager) Definitions() []Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Definition, 0, len(m.scopes))
	for _, def := range m.scopes {
		out = append(out, Definition{
			Name:     def.Name,
			Tools:    append([]string(nil), def.Tools...),
			Includes: append([]string(nil), def.Includes...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Require demands that callers of tool hold the given scope.
func (m *Manager) Require(tool, scopeName string) error {
	if tool == "" {
		return proxyerr.Validationf("tool is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scopeName]; !ok {
		return proxyerr.Validationf("scope %q is not defined", scopeName)
	}
	m.required[tool] = scopeName
	return nil
}

// ClearRequirement removes a tool's scope requirement.
func (m *Manager) ClearRequirement(tool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.required, tool)
}

// Grant gives a key a permanent scope.
func (m *Manager) Grant(key, scopeName string) error {
	return m.grant(key, scopeName, 0)
}

// GrantTemporary gives a key a scope until expiresAtMs.
func (m *Manager) GrantTemporary(key, scopeName string, expiresAtMs int64) error {
	if expiresAtMs <= m.clk.NowMs() {
		return proxyerr.Validationf("expiry must be in the future")
	}
	return m.grant(key, scopeName, expiresAtMs)
}

func (m *Manager) grant(key, scopeName string, expiresAtMs int64) error {
	if key == "" {
		return proxyerr.Validationf("key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scopeName]; !ok {
		return proxyerr.Validationf("scope %q is not defined", scopeName)
	}
	g, ok := m.grants[key]
	if !ok {
		g = make(map[string]int64)
		m.grants[key] = g
	}
	g[scopeName] = expiresAtMs
	return nil
}

// Revoke removes a key's grant.
func (m *Manager) Revoke(key, scopeName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[key]
	if _, held := g[scopeName]; !ok || !held {
		return proxyerr.NotFoundf("key does not hold scope %q", scopeName)
	}
	delete(g, scopeName)
	if len(g) == 0 {
		delete(m.grants, key)
	}
	return nil
}

// KeyScopes lists a key's direct, unexpired grants sorted by scope name.
func (m *Manager) KeyScopes(key string) []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneExpiredLocked(key)
	out := make([]Grant, 0, len(m.grants[key]))
	for name, exp := range m.grants[key] {
		out = append(out, Grant{Scope: name, ExpiresAtMs: exp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Check decides whether key may call tool.
//
// A tool with a registered requirement passes only when the key's expanded
// grants contain that scope. Otherwise any expanded scope listing the tool
// (or the wildcard) passes. Tools matched by neither rule fall back to the
// allow-unscoped-tools setting.
func (m *Manager) Check(key, tool string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneExpiredLocked(key)

	expanded := m.expandLocked(key)
	if required, ok := m.required[tool]; ok {
		if expanded[required] {
			return Decision{Allowed: true, MatchedScope: required}
		}
		return Decision{MissingScope: required, Reason: "tool requires scope " + required}
	}

	names := make([]string, 0, len(expanded))
	for name := range expanded {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, ok := m.scopes[name]
		if !ok {
			continue
		}
		for _, t := range def.Tools {
			if t == tool || t == Wildcard {
				return Decision{Allowed: true, MatchedScope: name}
			}
		}
	}

	if m.coveredBySomeScopeLocked(tool) {
		return Decision{Reason: "no granted scope covers tool"}
	}
	if m.allowUnscoped {
		return Decision{Allowed: true}
	}
	return Decision{Reason: "unscoped tools are not allowed"}
}

// EffectiveTools returns the sorted union of tools the key's expanded scopes
// list. The wildcard appears as its own entry when granted.
func (m *Manager) EffectiveTools(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneExpiredLocked(key)

	set := make(map[string]struct{})
	for name := range m.expandLocked(key) {
		if def, ok := m.scopes[name]; ok {
			for _, t := range def.Tools {
				set[t] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Error converts a denied decision into the policy error carried to the wire.
func (d Decision) Error() error {
	if d.Allowed {
		return nil
	}
	err := proxyerr.Deniedf("%s", d.Reason).WithData("deny", proxyerr.DenyScope)
	if d.MissingScope != "" {
		err = err.WithData("missingScope", d.MissingScope)
	}
	return err
}

// expandLocked returns every scope reachable from the key's live grants.
func (m *Manager) expandLocked(key string) map[string]bool {
	seen := make(map[string]bool)
	var walk func(name string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		def, ok := m.scopes[name]
		if !ok {
			return
		}
		for _, inc := range def.Includes {
			walk(inc)
		}
	}
	now := m.clk.NowMs()
	for name, exp := range m.grants[key] {
		if exp == 0 || exp > now {
			walk(name)
		}
	}
	return seen
}

// wouldCycleLocked reports whether redefining name with the given includes
// makes name reachable from itself.
func (m *Manager) wouldCycleLocked(name string, includes []string) bool {
	visited := make(map[string]bool)
	var reaches func(from string) bool
	reaches = func(from string) bool {
		if from == name {
			return true
		}
		if visited[from] {
			return false
		}
		visited[from] = true
		def, ok := m.scopes[from]
		if !ok {
			return false
		}
		for _, inc := range def.Includes {
			if reaches(inc) {
				return true
			}
		}
		return false
	}
	for _, inc := range includes {
		if reaches(inc) {
			return true
		}
	}
	return false
}

func (m *Manager) coveredBySomeScopeLocked(tool string) bool {
	for _, def := range m.scopes {
		for _, t := range def.Tools {
			if t == tool {
				return true
			}
		}
	}
	return false
}

func (m *Manager) pruneExpiredLocked(key string) {
	now := m.clk.NowMs()
	g := m.grants[key]
	for name, exp := range g {
		if exp != 0 && exp <= now {
			delete(g, name)
		}
	}
	if len(g) == 0 {
		delete(m.grants, key)
	}
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

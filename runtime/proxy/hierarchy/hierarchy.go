// Package hierarchy tracks parent/child relationships between API keys and
// enforces child spending ceilings.
//
// Links form a forest: every key has at most one parent, cycles are rejected
// by walking ancestors before linking, and both depth and fan-out are capped.
// A child with a positive ceiling spends against its own allowance; a child
// with ceiling zero spends against its parent's live balance through the
// configured callback.
package hierarchy

import (
	"sort"
	"sync"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

const (
	// DefaultMaxDepth caps the number of keys on a root-to-leaf chain.
	DefaultMaxDepth = 5
	// DefaultMaxChildren caps direct children per key.
	DefaultMaxChildren = 100
)

type (
	// Link describes a child's attachment.
	Link struct {
		Parent  string `json:"parent"`
		Child   string `json:"child"`
		Ceiling int64  `json:"ceiling"`
		Used    int64  `json:"used"`
	}

	// BalanceFunc reports a key's live credit balance. Used for ceiling-zero
	// children that spend against their parent.
	BalanceFunc func(key string) int64

	// Manager owns the key forest.
	Manager struct {
		mu          sync.Mutex
		maxDepth    int
		maxChildren int
		balance     BalanceFunc
		parents     map[string]string
		children    map[string][]string
		links       map[string]*Link
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithMaxDepth caps chain length (number of keys root to leaf).
func WithMaxDepth(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxDepth = n
		}
	}
}

// WithMaxChildren caps direct children per parent.
func WithMaxChildren(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxChildren = n
		}
	}
}

// WithParentBalance installs the live-balance callback.
func WithParentBalance(fn BalanceFunc) Option {
	return func(m *Manager) { m.balance = fn }
}

// New returns an empty hierarchy manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		maxDepth:    DefaultMaxDepth,
		maxChildren: DefaultMaxChildren,
		parents:     make(map[string]string),
		children:    make(map[string][]string),
		links:       make(map[string]*Link),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Link attaches child under parent with the given spending ceiling. Ceiling
// zero means the child spends against the parent's live balance.
func (m *Manager) Link(parent, child string, ceiling int64) error {
	if parent == "" || child == "" {
		return proxyerr.Validationf("parent and child are required")
	}
	if parent == child {
		return proxyerr.Validationf("a key cannot be its own parent")
	}
	if ceiling < 0 {
		return proxyerr.Validationf("ceiling must be >= 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.parents[child]; ok {
		return proxyerr.Statef("key %q already has a parent", child)
	}
	if len(m.children[parent]) >= m.maxChildren {
		return proxyerr.Capacityf("key %q already has %d children", parent, m.maxChildren)
	}
	// Walking up from parent must not meet child, otherwise the link closes
	// a cycle.
	for cur := parent; cur != ""; cur = m.parents[cur] {
		if cur == child {
			return proxyerr.Statef("linking %q under %q would create a cycle", child, parent)
		}
	}
	if m.depthLocked(parent)+m.heightLocked(child) > m.maxDepth {
		return proxyerr.Validationf("link would exceed max depth %d", m.maxDepth)
	}

	m.parents[child] = parent
	m.children[parent] = insertSorted(m.children[parent], child)
	m.links[child] = &Link{Parent: parent, Child: child, Ceiling: ceiling}
	return nil
}

// Unlink detaches child from its parent, dropping its usage counter.
func (m *Manager) Unlink(child string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlinkLocked(child)
}

// RemoveCascade detaches key and its whole subtree, returning every affected
// key in depth-first order starting at key. Children are visited in sorted
// order.
func (m *Manager) RemoveCascade(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []string
	var walk func(k string)
	walk = func(k string) {
		affected = append(affected, k)
		kids := append([]string(nil), m.children[k]...)
		for _, c := range kids {
			walk(c)
		}
	}
	walk(key)

	for _, k := range affected {
		_ = m.unlinkLocked(k)
	}
	return affected
}

// CheckSpend reports whether child may spend amount. Unlinked keys are
// unconstrained.
func (m *Manager) CheckSpend(child string, amount int64) error {
	if amount < 0 {
		return proxyerr.Validationf("amount must be >= 0")
	}
	m.mu.Lock()
	link, ok := m.links[child]
	var (
		ceiling int64
		used    int64
		parent  string
	)
	if ok {
		ceiling, used, parent = link.Ceiling, link.Used, link.Parent
	}
	balance := m.balance
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if ceiling > 0 {
		if used+amount > ceiling {
			return proxyerr.Deniedf("credit ceiling exceeded").
				WithData("deny", proxyerr.DenyCredits).
				WithData("ceiling", ceiling).
				WithData("used", used)
		}
		return nil
	}
	if balance == nil {
		return nil
	}
	if amount > balance(parent) {
		return proxyerr.Deniedf("parent balance insufficient").
			WithData("deny", proxyerr.DenyCredits).
			WithData("parent", parent)
	}
	return nil
}

// RecordSpend counts amount against child's ceiling. A no-op for unlinked keys.
func (m *Manager) RecordSpend(child string, amount int64) error {
	if amount < 0 {
		return proxyerr.Validationf("amount must be >= 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if link, ok := m.links[child]; ok {
		link.Used += amount
	}
	return nil
}

// Usage returns child's link state. ok is false for unlinked keys.
func (m *Manager) Usage(child string) (Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[child]
	if !ok {
		return Link{}, false
	}
	return *link, true
}

// Children returns the sorted direct children of parent.
func (m *Manager) Children(parent string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.children[parent]...)
}

// Ancestors returns the chain above key, nearest parent first.
func (m *Manager) Ancestors(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for cur := m.parents[key]; cur != ""; cur = m.parents[cur] {
		out = append(out, cur)
	}
	return out
}

// Depth returns the number of keys on the chain from key's root to key.
// Unlinked keys have depth 1.
func (m *Manager) Depth(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depthLocked(key)
}

// Links returns all links sorted by child key.
func (m *Manager) Links() []Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Child < out[j].Child })
	return out
}

// Restore replaces all links (used at boot). Invalid entries are skipped.
func (m *Manager) Restore(links []Link) {
	m.mu.Lock()
	m.parents = make(map[string]string)
	m.children = make(map[string][]string)
	m.links = make(map[string]*Link)
	m.mu.Unlock()
	for _, l := range links {
		if err := m.Link(l.Parent, l.Child, l.Ceiling); err == nil {
			m.mu.Lock()
			m.links[l.Child].Used = l.Used
			m.mu.Unlock()
		}
	}
}

func (m *Manager) unlinkLocked(child string) error {
	parent, ok := m.parents[child]
	if !ok {
		return proxyerr.NotFoundf("key %q has no parent", child)
	}
	delete(m.parents, child)
	delete(m.links, child)
	m.children[parent] = removeString(m.children[parent], child)
	if len(m.children[parent]) == 0 {
		delete(m.children, parent)
	}
	return nil
}

func (m *Manager) depthLocked(key string) int {
	depth := 1
	for cur := m.parents[key]; cur != ""; cur = m.parents[cur] {
		depth++
	}
	return depth
}

// heightLocked returns the key count on the longest chain from key down.
func (m *Manager) heightLocked(key string) int {
	max := 1
	for _, c := range m.children[key] {
		if h := m.heightLocked(c) + 1; h > max {
			max = h
		}
	}
	return max
}

func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
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

// Package billing maintains per-key billing cycles and invoices.
//
// Each key has a subscription with a daily, weekly, or monthly frequency.
// Cycles advance lazily: whenever the cycle is read past its end, it rolls
// forward (calendar arithmetic, UTC) until it contains now. Invoices
// aggregate the usage recorded inside the current cycle into per-tool line
// items and then walk a fixed status ladder: draft, finalized, paid, with
// voided reachable from draft or finalized.
package billing

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Frequency is how often a key's billing cycle rolls.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Status is an invoice's position in its lifecycle.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusFinalized Status = "finalized"
	StatusPaid      Status = "paid"
	StatusVoided    Status = "voided"
)

// DefaultMaxRecords bounds retained usage records per key.
const DefaultMaxRecords = 10_000

type (
	// Subscription is a key's billing configuration and current cycle.
	Subscription struct {
		Key          string    `json:"key"`
		Frequency    Frequency `json:"frequency"`
		CycleStartMs int64     `json:"cycleStartMs"`
		CycleEndMs   int64     `json:"cycleEndMs"`
		Active       bool      `json:"active"`
	}

	// Cycle is a subscription's current window with usage aggregated by tool.
	Cycle struct {
		Key     string               `json:"key"`
		StartMs int64                `json:"startMs"`
		EndMs   int64                `json:"endMs"`
		Usage   map[string]ToolUsage `json:"usage"`
	}

	// ToolUsage is the aggregate for one tool inside a cycle.
	ToolUsage struct {
		Calls   int64 `json:"calls"`
		Credits int64 `json:"credits"`
	}

	// LineItem is one tool's row on an invoice.
	LineItem struct {
		Tool    string `json:"tool"`
		Calls   int64  `json:"calls"`
		Credits int64  `json:"credits"`
	}

	// Invoice is a billed summary of one cycle.
	Invoice struct {
		ID            string     `json:"id"`
		Key           string     `json:"key"`
		Status        Status     `json:"status"`
		LineItems     []LineItem `json:"lineItems"`
		TotalCalls    int64      `json:"totalCalls"`
		TotalCredits  int64      `json:"totalCredits"`
		PeriodStartMs int64      `json:"periodStartMs"`
		PeriodEndMs   int64      `json:"periodEndMs"`
		CreatedAtMs   int64      `json:"createdAtMs"`
	}

	usageRecord struct {
		tool    string
		calls   int64
		credits int64
		atMs    int64
	}

	// Manager owns subscriptions, usage records, and invoices.
	Manager struct {
		mu            sync.Mutex
		clk           clock.Clock
		defaultFreq   Frequency
		maxRecords    int
		subs          map[string]*Subscription
		records       map[string][]usageRecord
		invoices      map[string]*Invoice
		invoiceOrder  []string
		totalInvoiced int64
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

// WithDefaultFrequency sets the frequency used when usage arrives for a key
// with no subscription.
func WithDefaultFrequency(f Frequency) Option {
	return func(m *Manager) {
		if f == Daily || f == Weekly || f == Monthly {
			m.defaultFreq = f
		}
	}
}

// WithMaxRecords bounds retained usage records per key.
func WithMaxRecords(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRecords = n
		}
	}
}

// New returns a Manager with the given options.
func New(opts ...Option) *Manager {
	m := &Manager{
		clk:         clock.System{},
		defaultFreq: Monthly,
		maxRecords:  DefaultMaxRecords,
		subs:        make(map[string]*Subscription),
		records:     make(map[string][]usageRecord),
		invoices:    make(map[string]*Invoice),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe starts a billing subscription for the key. An existing
// subscription's frequency is replaced and its cycle restarted.
func (m *Manager) Subscribe(key string, freq Frequency) (Subscription, error) {
	if key == "" {
		return Subscription{}, proxyerr.Validationf("key is required")
	}
	if freq != Daily && freq != Weekly && freq != Monthly {
		return Subscription{}, proxyerr.Validationf("unknown frequency %q", freq)
	}
	now := m.clk.NowMs()
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &Subscription{
		Key:          key,
		Frequency:    freq,
		CycleStartMs: now,
		CycleEndMs:   cycleEnd(now, freq),
		Active:       true,
	}
	m.subs[key] = sub
	return *sub, nil
}

// Cancel deactivates a key's subscription. Usage records are kept.
func (m *Manager) Cancel(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key]
	if !ok {
		return proxyerr.NotFoundf("no subscription for key %q", key)
	}
	sub.Active = false
	return nil
}

// Subscription returns the key's subscription after advancing its cycle.
func (m *Manager) Subscription(key string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key]
	if !ok {
		return Subscription{}, proxyerr.NotFoundf("no subscription for key %q", key)
	}
	m.advanceLocked(sub)
	return *sub, nil
}

// RecordUsage attributes calls and credits for a tool to the key's current
// cycle. Keys without a subscription get one at the default frequency.
func (m *Manager) RecordUsage(key, tool string, calls, credits int64) error {
	if key == "" || tool == "" {
		return proxyerr.Validationf("key and tool are required")
	}
	if calls < 0 || credits < 0 {
		return proxyerr.Validationf("calls and credits must not be negative")
	}
	now := m.clk.NowMs()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureSubLocked(key, now)
	recs := append(m.records[key], usageRecord{tool: tool, calls: calls, credits: credits, atMs: now})
	if len(recs) > m.maxRecords {
		recs = recs[len(recs)-m.maxRecords:]
	}
	m.records[key] = recs
	return nil
}

// EnsureCycle returns the key's current cycle with per-tool usage,
// advancing past any elapsed cycles first.
func (m *Manager) EnsureCycle(key string) (Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key]
	if !ok {
		return Cycle{}, proxyerr.NotFoundf("no subscription for key %q", key)
	}
	m.advanceLocked(sub)
	return m.cycleLocked(sub), nil
}

// GenerateInvoice builds a draft invoice over the key's current cycle.
func (m *Manager) GenerateInvoice(key string) (Invoice, error) {
	now := m.clk.NowMs()
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key]
	if !ok {
		return Invoice{}, proxyerr.NotFoundf("no subscription for key %q", key)
	}
	m.advanceLocked(sub)
	cyc := m.cycleLocked(sub)

	items := make([]LineItem, 0, len(cyc.Usage))
	for tool, u := range cyc.Usage {
		items = append(items, LineItem{Tool: tool, Calls: u.Calls, Credits: u.Credits})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Credits != items[j].Credits {
			return items[i].Credits > items[j].Credits
		}
		return items[i].Tool < items[j].Tool
	})
	inv := &Invoice{
		ID:            uuid.NewString(),
		Key:           key,
		Status:        StatusDraft,
		LineItems:     items,
		PeriodStartMs: cyc.StartMs,
		PeriodEndMs:   cyc.EndMs,
		CreatedAtMs:   now,
	}
	for _, it := range items {
		inv.TotalCalls += it.Calls
		inv.TotalCredits += it.Credits
	}
	m.invoices[inv.ID] = inv
	m.invoiceOrder = append(m.invoiceOrder, inv.ID)
	return copyInvoice(inv), nil
}

// FinalizeInvoice moves a draft invoice to finalized and adds its total to
// the invoiced counter.
func (m *Manager) FinalizeInvoice(id string) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, err := m.invoiceLocked(id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusDraft {
		return Invoice{}, proxyerr.Statef("invoice %q is %s, not draft", id, inv.Status)
	}
	inv.Status = StatusFinalized
	m.totalInvoiced += inv.TotalCredits
	return copyInvoice(inv), nil
}

// MarkPaid moves a finalized invoice to paid.
func (m *Manager) MarkPaid(id string) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, err := m.invoiceLocked(id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusFinalized {
		return Invoice{}, proxyerr.Statef("invoice %q is %s, not finalized", id, inv.Status)
	}
	inv.Status = StatusPaid
	return copyInvoice(inv), nil
}

// VoidInvoice voids a draft or finalized invoice. Paid invoices are terminal.
func (m *Manager) VoidInvoice(id string) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, err := m.invoiceLocked(id)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusDraft && inv.Status != StatusFinalized {
		return Invoice{}, proxyerr.Statef("invoice %q is %s, not voidable", id, inv.Status)
	}
	inv.Status = StatusVoided
	return copyInvoice(inv), nil
}

// GetInvoice returns one invoice by id.
func (m *Manager) GetInvoice(id string) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, err := m.invoiceLocked(id)
	if err != nil {
		return Invoice{}, err
	}
	return copyInvoice(inv), nil
}

// Invoices lists invoices, newest last. An empty key lists all keys.
func (m *Manager) Invoices(key string) []Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invoice, 0, len(m.invoiceOrder))
	for _, id := range m.invoiceOrder {
		inv := m.invoices[id]
		if key != "" && inv.Key != key {
			continue
		}
		out = append(out, copyInvoice(inv))
	}
	return out
}

// TotalCreditsInvoiced reports the running total across finalized invoices.
func (m *Manager) TotalCreditsInvoiced() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalInvoiced
}

func (m *Manager) invoiceLocked(id string) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, proxyerr.NotFoundf("invoice %q not found", id)
	}
	return inv, nil
}

func (m *Manager) ensureSubLocked(key string, nowMs int64) *Subscription {
	sub, ok := m.subs[key]
	if !ok {
		sub = &Subscription{
			Key:          key,
			Frequency:    m.defaultFreq,
			CycleStartMs: nowMs,
			CycleEndMs:   cycleEnd(nowMs, m.defaultFreq),
			Active:       true,
		}
		m.subs[key] = sub
		return sub
	}
	m.advanceLocked(sub)
	return sub
}

// advanceLocked rolls the cycle forward until it contains now and drops
// usage records that fell out of the new cycle.
func (m *Manager) advanceLocked(sub *Subscription) {
	now := m.clk.NowMs()
	if now < sub.CycleEndMs {
		return
	}
	for now >= sub.CycleEndMs {
		sub.CycleStartMs = sub.CycleEndMs
		sub.CycleEndMs = cycleEnd(sub.CycleStartMs, sub.Frequency)
	}
	recs := m.records[sub.Key]
	kept := recs[:0]
	for _, r := range recs {
		if r.atMs >= sub.CycleStartMs {
			kept = append(kept, r)
		}
	}
	m.records[sub.Key] = kept
}

func (m *Manager) cycleLocked(sub *Subscription) Cycle {
	cyc := Cycle{
		Key:     sub.Key,
		StartMs: sub.CycleStartMs,
		EndMs:   sub.CycleEndMs,
		Usage:   make(map[string]ToolUsage),
	}
	for _, r := range m.records[sub.Key] {
		if r.atMs < sub.CycleStartMs || r.atMs >= sub.CycleEndMs {
			continue
		}
		u := cyc.Usage[r.tool]
		u.Calls += r.calls
		u.Credits += r.credits
		cyc.Usage[r.tool] = u
	}
	return cyc
}

// cycleEnd computes the cycle end with calendar arithmetic in UTC.
func cycleEnd(startMs int64, freq Frequency) int64 {
	start := time.UnixMilli(startMs).UTC()
	switch freq {
	case Daily:
		return start.AddDate(0, 0, 1).UnixMilli()
	case Weekly:
		return start.AddDate(0, 0, 7).UnixMilli()
	default:
		return start.AddDate(0, 1, 0).UnixMilli()
	}
}

func copyInvoice(inv *Invoice) Invoice {
	out := *inv
	out.LineItems = make([]LineItem, len(inv.LineItems))
	copy(out.LineItems, inv.LineItems)
	return out
}

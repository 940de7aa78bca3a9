// Package credit moves credits between keys.
//
// Transfers debit the source and credit the destination against the key
// store as one logical operation: when the credit side fails the debit is
// rolled back before the error is returned. Every applied transfer lands in
// a bounded history and can be reversed exactly once.
//
// Batches snapshot the balances of every touched key up front. In atomic
// mode the first failure restores every snapshot and downgrades ops that had
// already applied, so the batch is all-or-nothing from the outside.
package credit

import (
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Defaults applied when options leave settings zero.
const (
	DefaultMinAmount   = 1
	DefaultMaxAmount   = 1_000_000
	DefaultMaxHistory  = 1_000
	DefaultMaxBatchOps = 100
)

// Op kinds accepted by RunBatch.
const (
	OpTopup    = "topup"
	OpDeduct   = "deduct"
	OpTransfer = "transfer"
	OpRefund   = "refund"
	OpAdjust   = "adjust"
)

// Per-op outcome statuses.
const (
	StatusApplied    = "applied"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

type (
	// Transfer is one recorded credit movement.
	Transfer struct {
		ID           string `json:"id"`
		From         string `json:"from"`
		To           string `json:"to"`
		Amount       int64  `json:"amount"`
		Reason       string `json:"reason,omitempty"`
		AtMs         int64  `json:"atMs"`
		ReversedAtMs int64  `json:"reversedAtMs,omitempty"`
		ReversalID   string `json:"reversalId,omitempty"`
	}

	// Op is one batch operation.
	Op struct {
		Kind   string `json:"kind"`
		Key    string `json:"key"`
		ToKey  string `json:"toKey,omitempty"`
		Amount int64  `json:"amount"`
		Reason string `json:"reason,omitempty"`
	}

	// OpResult is the outcome of one batch op.
	OpResult struct {
		Index  int    `json:"index"`
		Kind   string `json:"kind"`
		Key    string `json:"key"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	// BatchResult summarizes a batch run.
	BatchResult struct {
		Results    []OpResult `json:"results"`
		Succeeded  int        `json:"succeeded"`
		Failed     int        `json:"failed"`
		RolledBack bool       `json:"rolledBack"`
	}

	// Manager performs transfers and batches against the key store.
	Manager struct {
		mu          sync.Mutex
		clk         clock.Clock
		store       *keystore.Store
		minAmount   int64
		maxAmount   int64
		maxHistory  int
		maxBatchOps int
		transfers   map[string]*Transfer
		order       []string
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

// WithAmountBounds sets the inclusive transfer amount range.
func WithAmountBounds(min, max int64) Option {
	return func(m *Manager) {
		if min > 0 {
			m.minAmount = min
		}
		if max > 0 {
			m.maxAmount = max
		}
	}
}

// WithMaxHistory bounds the retained transfer records.
func WithMaxHistory(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// WithMaxBatchOps caps ops per batch.
func WithMaxBatchOps(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxBatchOps = n
		}
	}
}

// New returns a Manager bound to the key store.
func New(store *keystore.Store, opts ...Option) *Manager {
	m := &Manager{
		clk:         clock.System{},
		store:       store,
		minAmount:   DefaultMinAmount,
		maxAmount:   DefaultMaxAmount,
		maxHistory:  DefaultMaxHistory,
		maxBatchOps: DefaultMaxBatchOps,
		transfers:   make(map[string]*Transfer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Move transfers amount from one key to another and records it.
func (m *Manager) Move(from, to string, amount int64, reason string) (Transfer, error) {
	if from == "" || to == "" {
		return Transfer{}, proxyerr.Validationf("from and to keys are required")
	}
	if from == to {
		return Transfer{}, proxyerr.Validationf("cannot transfer a key to itself")
	}
	if amount < m.minAmount || amount > m.maxAmount {
		return Transfer{}, proxyerr.Validationf("amount %d outside [%d, %d]", amount, m.minAmount, m.maxAmount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Both keys must exist before any mutation.
	if _, err := m.store.Credits(to); err != nil {
		return Transfer{}, err
	}
	if _, err := m.store.Credits(from); err != nil {
		return Transfer{}, err
	}
	if err := m.applyLocked(from, to, amount); err != nil {
		return Transfer{}, err
	}
	tr := &Transfer{
		ID:     uuid.NewString(),
		From:   from,
		To:     to,
		Amount: amount,
		Reason: reason,
		AtMs:   m.clk.NowMs(),
	}
	m.recordLocked(tr)
	return *tr, nil
}

// Reverse moves a past transfer back. A transfer reverses at most once.
func (m *Manager) Reverse(transferID, reason string) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, ok := m.transfers[transferID]
	if !ok {
		return Transfer{}, proxyerr.NotFoundf("transfer %q not found", transferID)
	}
	if orig.ReversalID != "" {
		return Transfer{}, proxyerr.Statef("transfer %q already reversed", transferID)
	}
	if err := m.applyLocked(orig.To, orig.From, orig.Amount); err != nil {
		return Transfer{}, err
	}
	now := m.clk.NowMs()
	rev := &Transfer{
		ID:     uuid.NewString(),
		From:   orig.To,
		To:     orig.From,
		Amount: orig.Amount,
		Reason: reason,
		AtMs:   now,
	}
	orig.ReversedAtMs = now
	orig.ReversalID = rev.ID
	m.recordLocked(rev)
	return *rev, nil
}

// Get returns one transfer record.
func (m *Manager) Get(transferID string) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transfers[transferID]
	if !ok {
		return Transfer{}, proxyerr.NotFoundf("transfer %q not found", transferID)
	}
	return *tr, nil
}

// History lists transfers oldest first. An empty key lists everything;
// otherwise only transfers touching the key.
func (m *Manager) History(key string) []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.order))
	for _, id := range m.order {
		tr := m.transfers[id]
		if key != "" && tr.From != key && tr.To != key {
			continue
		}
		out = append(out, *tr)
	}
	return out
}

// RunBatch applies ops in order. With atomic set, the first failure restores
// the pre-batch balances of every touched key and the whole batch reports
// failed.
func (m *Manager) RunBatch(ops []Op, atomic bool) BatchResult {
	if len(ops) == 0 {
		return BatchResult{Results: []OpResult{}}
	}
	res := BatchResult{Results: make([]OpResult, len(ops))}
	for i, op := range ops {
		res.Results[i] = OpResult{Index: i, Kind: op.Kind, Key: op.Key, Status: StatusFailed}
	}
	if len(ops) > m.maxBatchOps {
		for i := range res.Results {
			res.Results[i].Error = "batch too large"
		}
		res.Failed = len(ops)
		return res
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Structural validation before touching any balance.
	for i, op := range ops {
		if err := validateOp(op); err != nil {
			res.Results[i].Error = err.Error()
			if atomic {
				for j := range res.Results {
					if res.Results[j].Error == "" {
						res.Results[j].Error = "batch aborted"
					}
				}
				res.Failed = len(ops)
				res.RolledBack = true
				return res
			}
		}
	}

	snapshot := m.snapshotBalancesLocked(ops)

	for i, op := range ops {
		if res.Results[i].Error != "" {
			// Structurally invalid, already marked failed (non-atomic mode).
			res.Failed++
			continue
		}
		if err := m.applyOpLocked(op); err != nil {
			res.Results[i].Error = err.Error()
			if !atomic {
				res.Failed++
				continue
			}
			m.restoreBalancesLocked(snapshot)
			for j := range res.Results {
				switch {
				case j == i:
					// keep the failure as recorded
				case res.Results[j].Status == StatusApplied:
					res.Results[j].Status = StatusRolledBack
					res.Results[j].Error = "rolled back"
				default:
					res.Results[j].Status = StatusRolledBack
					res.Results[j].Error = "batch aborted"
				}
			}
			res.Succeeded = 0
			res.Failed = len(ops)
			res.RolledBack = true
			return res
		}
		res.Results[i].Status = StatusApplied
		res.Succeeded++
	}
	return res
}

// applyLocked debits from and credits to, rolling the debit back when the
// credit side fails.
func (m *Manager) applyLocked(from, to string, amount int64) error {
	if _, err := m.store.DeductCredits(from, amount); err != nil {
		return err
	}
	if _, err := m.store.AddCredits(to, amount); err != nil {
		if _, rbErr := m.store.AddCredits(from, amount); rbErr != nil {
			return proxyerr.Internalf("credit %s failed (%v) and rollback of %s failed (%v)", to, err, from, rbErr)
		}
		return err
	}
	return nil
}

func (m *Manager) applyOpLocked(op Op) error {
	switch op.Kind {
	case OpTopup, OpRefund:
		_, err := m.store.AddCredits(op.Key, op.Amount)
		return err
	case OpDeduct:
		_, err := m.store.DeductCredits(op.Key, op.Amount)
		return err
	case OpAdjust:
		_, err := m.store.AddCredits(op.Key, op.Amount)
		return err
	case OpTransfer:
		return m.applyLocked(op.Key, op.ToKey, op.Amount)
	default:
		return proxyerr.Validationf("unknown op kind %q", op.Kind)
	}
}

func (m *Manager) snapshotBalancesLocked(ops []Op) map[string]int64 {
	snap := make(map[string]int64)
	record := func(key string) {
		if key == "" {
			return
		}
		if _, ok := snap[key]; ok {
			return
		}
		if bal, err := m.store.Credits(key); err == nil {
			snap[key] = bal
		}
	}
	for _, op := range ops {
		record(op.Key)
		record(op.ToKey)
	}
	return snap
}

func (m *Manager) restoreBalancesLocked(snap map[string]int64) {
	for key, bal := range snap {
		// Best effort: a key deleted mid-batch cannot be restored.
		m.store.SetCredits(key, bal) //nolint:errcheck
	}
}

func (m *Manager) recordLocked(tr *Transfer) {
	m.transfers[tr.ID] = tr
	m.order = append(m.order, tr.ID)
	for len(m.order) > m.maxHistory {
		delete(m.transfers, m.order[0])
		m.order = m.order[1:]
	}
}

func validateOp(op Op) error {
	switch op.Kind {
	case OpTopup, OpDeduct, OpRefund:
		if op.Key == "" {
			return proxyerr.Validationf("op %s: key is required", op.Kind)
		}
		if op.Amount <= 0 {
			return proxyerr.Validationf("op %s: amount must be > 0", op.Kind)
		}
	case OpAdjust:
		if op.Key == "" {
			return proxyerr.Validationf("op adjust: key is required")
		}
		if op.Amount == 0 {
			return proxyerr.Validationf("op adjust: amount must not be zero")
		}
		if op.Reason == "" {
			return proxyerr.Validationf("op adjust: reason is required")
		}
	case OpTransfer:
		if op.Key == "" || op.ToKey == "" {
			return proxyerr.Validationf("op transfer: key and toKey are required")
		}
		if op.Key == op.ToKey {
			return proxyerr.Validationf("op transfer: key and toKey must differ")
		}
		if op.Amount <= 0 {
			return proxyerr.Validationf("op transfer: amount must be > 0")
		}
	default:
		return proxyerr.Validationf("unknown op kind %q", op.Kind)
	}
	return nil
}

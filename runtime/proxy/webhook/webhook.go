// Package webhook records outbound webhook deliveries.
//
// The log is the bookkeeping side of webhook egress: the gateway begins a
// delivery before POSTing, then completes it with the outcome. Retries
// re-complete the same delivery, bumping its attempt count. The log is a
// FIFO ring; the oldest deliveries fall off when the cap is reached.
// Signature helpers cover the delivery headers so senders and tests agree
// on the exact bytes.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Delivery statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Headers attached to outbound webhook requests.
const (
	HeaderEvent     = "X-PayGate-Event"
	HeaderSignature = "X-PayGate-Signature"
	HeaderTest      = "X-PayGate-Test"
)

// DefaultMaxDeliveries bounds the retained log.
const DefaultMaxDeliveries = 1_000

type (
	// Delivery is one outbound webhook and its latest outcome.
	Delivery struct {
		ID            string `json:"id"`
		URL           string `json:"url"`
		EventType     string `json:"eventType"`
		PayloadSize   int    `json:"payloadSize"`
		Status        string `json:"status"`
		Attempts      int    `json:"attempts"`
		LastError     string `json:"lastError,omitempty"`
		Test          bool   `json:"test,omitempty"`
		CreatedAtMs   int64  `json:"createdAtMs"`
		CompletedAtMs int64  `json:"completedAtMs,omitempty"`
		DurationMs    int64  `json:"durationMs,omitempty"`
	}

	// Filter narrows Query results.
	Filter struct {
		EventType string
		Status    string
		URL       string
		SinceMs   int64
		Limit     int
	}

	// Stats counts retained and evicted deliveries.
	Stats struct {
		Total   int64 `json:"total"`
		Pending int64 `json:"pending"`
		Success int64 `json:"success"`
		Failed  int64 `json:"failed"`
		Evicted int64 `json:"evicted"`
	}

	// Log is the bounded delivery record.
	Log struct {
		mu         sync.Mutex
		clk        clock.Clock
		max        int
		order      []string
		deliveries map[string]Delivery
		evicted    int64
	}

	// Option configures a Log.
	Option func(*Log)
)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(l *Log) {
		if clk != nil {
			l.clk = clk
		}
	}
}

// WithMaxDeliveries bounds the ring.
func WithMaxDeliveries(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.max = n
		}
	}
}

// New returns an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		clk:        clock.System{},
		max:        DefaultMaxDeliveries,
		deliveries: make(map[string]Delivery),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Signature computes the hex HMAC-SHA256 of the payload under the shared
// secret. Senders put it in HeaderSignature; an empty secret means the
// header is omitted entirely.
func Signature(secret string, payload []byte) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches the payload under the secret,
// in constant time.
func VerifySignature(secret string, payload []byte, sig string) bool {
	want := Signature(secret, payload)
	return want != "" && hmac.Equal([]byte(want), []byte(sig))
}

// Begin records a pending delivery about to be sent.
func (l *Log) Begin(url, eventType string, payloadSize int, test bool) (Delivery, error) {
	if url == "" {
		return Delivery{}, proxyerr.Validationf("delivery requires a url")
	}
	if eventType == "" {
		return Delivery{}, proxyerr.Validationf("delivery requires an event type")
	}
	d := Delivery{
		ID:          uuid.NewString(),
		URL:         url,
		EventType:   eventType,
		PayloadSize: payloadSize,
		Status:      StatusPending,
		Test:        test,
		CreatedAtMs: l.clk.NowMs(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, d.ID)
	l.deliveries[d.ID] = d
	for len(l.order) > l.max {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.deliveries, oldest)
		l.evicted++
	}
	return d, nil
}

// Complete records an attempt's outcome. Failed deliveries may be completed
// again on retry; a successful delivery is terminal.
func (l *Log) Complete(id string, ok bool, errMsg string, durMs int64) (Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, found := l.deliveries[id]
	if !found {
		return Delivery{}, proxyerr.NotFoundf("delivery %q not found", id)
	}
	if d.Status == StatusSuccess {
		return Delivery{}, proxyerr.Statef("delivery %q already succeeded", id)
	}
	d.Attempts++
	d.CompletedAtMs = l.clk.NowMs()
	d.DurationMs = durMs
	if ok {
		d.Status = StatusSuccess
		d.LastError = ""
	} else {
		d.Status = StatusFailed
		d.LastError = errMsg
	}
	l.deliveries[id] = d
	return d, nil
}

// Get returns a delivery by ID.
func (l *Log) Get(id string) (Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.deliveries[id]
	if !ok {
		return Delivery{}, proxyerr.NotFoundf("delivery %q not found", id)
	}
	return d, nil
}

// Query returns deliveries matching the filter, newest first.
func (l *Log) Query(f Filter) []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Delivery, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		d := l.deliveries[l.order[i]]
		if f.EventType != "" && d.EventType != f.EventType {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.URL != "" && d.URL != f.URL {
			continue
		}
		if f.SinceMs > 0 && d.CreatedAtMs < f.SinceMs {
			continue
		}
		out = append(out, d)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Stats summarizes the retained log.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Stats{Total: int64(len(l.order)), Evicted: l.evicted}
	for _, d := range l.deliveries {
		switch d.Status {
		case StatusPending:
			st.Pending++
		case StatusSuccess:
			st.Success++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// Prune drops deliveries created more than olderThanMs ago and returns how
// many were removed.
func (l *Log) Prune(olderThanMs int64) int {
	cutoff := l.clk.NowMs() - olderThanMs

	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.order[:0]
	removed := 0
	for _, id := range l.order {
		if l.deliveries[id].CreatedAtMs < cutoff {
			delete(l.deliveries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return removed
}

// EventTypes lists distinct event types in the retained log, sorted.
func (l *Log) EventTypes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, d := range l.deliveries {
		if !seen[d.EventType] {
			seen[d.EventType] = true
			out = append(out, d.EventType)
		}
	}
	sort.Strings(out)
	return out
}

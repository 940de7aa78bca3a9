// Package buffer holds requests aside while the backend is unavailable.
//
// The queue is a three-state machine: idle accepts nothing, buffering accepts
// enqueues up to capacity, draining replays items through a caller-supplied
// process function. Items replay in priority order (highest first), with
// enqueue time and then id breaking ties, so a drain is deterministic. The
// lock is released while the process function runs.
package buffer

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// State is the queue's position in its idle/buffering/draining cycle.
type State string

const (
	StateIdle      State = "idle"
	StateBuffering State = "buffering"
	StateDraining  State = "draining"
)

// DefaultMaxSize bounds buffered items unless overridden.
const DefaultMaxSize = 1_000

type (
	// Item is one buffered request.
	Item struct {
		ID           string          `json:"id"`
		Key          string          `json:"key"`
		Method       string          `json:"method"`
		Priority     int             `json:"priority"`
		EnqueuedAtMs int64           `json:"enqueuedAtMs"`
		Payload      json.RawMessage `json:"payload,omitempty"`
	}

	// DrainError pairs a failed item with its error.
	DrainError struct {
		ItemID string
		Err    error
	}

	// DrainResult summarizes one drain pass.
	DrainResult struct {
		Processed int
		Failed    int
		Skipped   int
		Errors    []DrainError
	}

	// Stats describes the queue.
	Stats struct {
		State         State  `json:"state"`
		Len           int    `json:"len"`
		Reason        string `json:"reason,omitempty"`
		SinceMs       int64  `json:"sinceMs,omitempty"`
		Dropped       int64  `json:"dropped"`
		TotalBuffered int64  `json:"totalBuffered"`
		TotalDrained  int64  `json:"totalDrained"`
	}

	// ProcessFunc replays one buffered item.
	ProcessFunc func(Item) error

	// Queue is the buffering state machine.
	Queue struct {
		mu            sync.Mutex
		clk           clock.Clock
		maxSize       int
		state         State
		reason        string
		sinceMs       int64
		items         []Item
		dropped       int64
		totalBuffered int64
		totalDrained  int64
	}

	// Option configures a Queue.
	Option func(*Queue)
)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) {
		if clk != nil {
			q.clk = clk
		}
	}
}

// WithMaxSize bounds the number of buffered items.
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// New returns an idle Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		clk:     clock.System{},
		maxSize: DefaultMaxSize,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// StartBuffering moves the queue from idle to buffering.
func (q *Queue) StartBuffering(reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateIdle {
		return proxyerr.Statef("queue is %s, not idle", q.state)
	}
	q.state = StateBuffering
	q.reason = reason
	q.sinceMs = q.clk.NowMs()
	return nil
}

// Enqueue buffers one item. Only a buffering queue accepts items; a full
// queue drops the new item and counts it.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateBuffering {
		return proxyerr.Statef("queue is %s, not buffering", q.state)
	}
	if len(q.items) >= q.maxSize {
		q.dropped++
		return proxyerr.Capacityf("buffer full at %d items", q.maxSize)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAtMs == 0 {
		item.EnqueuedAtMs = q.clk.NowMs()
	}
	q.items = append(q.items, item)
	q.totalBuffered++
	return nil
}

// Drain replays every buffered item and ends idle. With continueOnError the
// pass visits every item and collects failures; without it the pass stops at
// the first failure and counts the rest as skipped. Either way the queue
// empties.
func (q *Queue) Drain(process ProcessFunc, continueOnError bool) (DrainResult, error) {
	batch, err := q.takeLocked(-1)
	if err != nil {
		return DrainResult{}, err
	}
	res := q.runBatch(batch, process, continueOnError)
	q.mu.Lock()
	q.state = StateIdle
	q.reason = ""
	q.sinceMs = 0
	q.mu.Unlock()
	return res, nil
}

// DrainBatch replays at most n items and leaves the rest buffered, staying
// in the buffering state.
func (q *Queue) DrainBatch(n int, process ProcessFunc, continueOnError bool) (DrainResult, error) {
	if n <= 0 {
		return DrainResult{}, proxyerr.Validationf("n must be > 0")
	}
	batch, err := q.takeLocked(n)
	if err != nil {
		return DrainResult{}, err
	}
	res := q.runBatch(batch, process, continueOnError)
	q.mu.Lock()
	q.state = StateBuffering
	q.mu.Unlock()
	return res, nil
}

// State reports the current state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len reports buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items snapshots the buffer in replay order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	sortItems(out)
	return out
}

// Clear empties the queue and returns it to idle. It reports how many items
// were discarded.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.state = StateIdle
	q.reason = ""
	q.sinceMs = 0
	return n
}

// Stats snapshots queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		State:         q.state,
		Len:           len(q.items),
		Reason:        q.reason,
		SinceMs:       q.sinceMs,
		Dropped:       q.dropped,
		TotalBuffered: q.totalBuffered,
		TotalDrained:  q.totalDrained,
	}
}

// takeLocked moves the top n items (all when n < 0) out of the buffer and
// flips the state to draining.
func (q *Queue) takeLocked(n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateBuffering {
		return nil, proxyerr.Statef("queue is %s, not buffering", q.state)
	}
	sortItems(q.items)
	if n < 0 || n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]Item, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	q.state = StateDraining
	return batch, nil
}

// runBatch processes items outside the lock.
func (q *Queue) runBatch(batch []Item, process ProcessFunc, continueOnError bool) DrainResult {
	var res DrainResult
	for i, item := range batch {
		if err := process(item); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, DrainError{ItemID: item.ID, Err: err})
			if !continueOnError {
				res.Skipped = len(batch) - i - 1
				break
			}
			continue
		}
		res.Processed++
	}
	q.mu.Lock()
	q.totalDrained += int64(res.Processed)
	q.mu.Unlock()
	return res
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if items[i].EnqueuedAtMs != items[j].EnqueuedAtMs {
			return items[i].EnqueuedAtMs < items[j].EnqueuedAtMs
		}
		return items[i].ID < items[j].ID
	})
}

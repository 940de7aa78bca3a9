// Package ledger provides the append-only event log backing audit trails and
// state reconstruction.
//
// Events belong to aggregates (an API key, an invoice, a session). Each
// aggregate carries its own monotonically increasing version; a global
// sequence orders events across aggregates. The log is bounded: past the
// configured capacity the oldest events are evicted in global order, but an
// aggregate's version never rewinds, so optimistic appends stay correct after
// eviction.
package ledger

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// DefaultMaxEvents bounds the in-memory log when no capacity is configured.
const DefaultMaxEvents = 10000

type (
	// Event is a single immutable ledger entry.
	Event struct {
		// ID is the unique event identifier.
		ID string
		// Seq is the global append order, 1-based.
		Seq int64
		// AggregateID identifies the entity the event belongs to.
		AggregateID string
		// Version is the 1-based per-aggregate version of this event.
		Version int64
		// Type names what happened, for example "tool.allowed".
		Type string
		// Payload carries event details. Never mutated after append.
		Payload map[string]any
		// AtMs is the append time in epoch milliseconds.
		AtMs int64
	}

	// Entry describes one event to append in a batch.
	Entry struct {
		AggregateID string
		Type        string
		Payload     map[string]any
	}

	// Filter selects events for Query. Zero fields match everything.
	Filter struct {
		// AggregateID restricts to one aggregate.
		AggregateID string
		// Types restricts to the named event types.
		Types []string
		// SinceSeq keeps events with Seq > SinceSeq.
		SinceSeq int64
		// FromMs and ToMs bound the append time, inclusive. Zero means open.
		FromMs int64
		ToMs   int64
		// Offset skips that many matches; Limit caps the page. Limit <= 0
		// returns everything past the offset.
		Offset int
		Limit  int
	}

	// Page is one Query result.
	Page struct {
		Events []Event
		// Total counts all retained matches, ignoring Offset and Limit.
		Total int
		// HasMore reports whether matches exist past this page.
		HasMore bool
	}

	// Stats summarizes ledger occupancy.
	Stats struct {
		Appended   int64
		Stored     int
		Evicted    int64
		Aggregates int
	}

	// Ledger is the in-memory append-only event log.
	Ledger struct {
		mu        sync.RWMutex
		clk       clock.Clock
		maxEvents int
		events    []*Event
		// lastVersion survives eviction so versions never rewind.
		lastVersion map[string]int64
		nextSeq     int64
		appended    int64
		evicted     int64
	}

	// Option configures a Ledger.
	Option func(*Ledger)
)

// WithMaxEvents caps the number of retained events. Values < 1 keep the default.
func WithMaxEvents(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(l *Ledger) {
		if clk != nil {
			l.clk = clk
		}
	}
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		clk:         clock.System{},
		maxEvents:   DefaultMaxEvents,
		lastVersion: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records an event for the aggregate and returns it with its assigned
// version and sequence.
func (l *Ledger) Append(aggregateID, eventType string, payload map[string]any) (Event, error) {
	return l.append(aggregateID, eventType, payload, -1)
}

// AppendExpected records an event only when the aggregate's current version
// equals expectedVersion (0 for a new aggregate). A mismatch returns a
// concurrency conflict carrying the actual version.
func (l *Ledger) AppendExpected(aggregateID, eventType string, payload map[string]any, expectedVersion int64) (Event, error) {
	if expectedVersion < 0 {
		return Event{}, proxyerr.Validationf("expected version must be >= 0")
	}
	return l.append(aggregateID, eventType, payload, expectedVersion)
}

func (l *Ledger) append(aggregateID, eventType string, payload map[string]any, expectedVersion int64) (Event, error) {
	if aggregateID == "" {
		return Event{}, proxyerr.Validationf("aggregate id is required")
	}
	if eventType == "" {
		return Event{}, proxyerr.Validationf("event type is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.lastVersion[aggregateID]
	if expectedVersion >= 0 && current != expectedVersion {
		return Event{}, proxyerr.Conflictf("aggregate %q is at version %d, expected %d", aggregateID, current, expectedVersion).
			WithData("actualVersion", current)
	}

	l.nextSeq++
	l.appended++
	version := current + 1
	l.lastVersion[aggregateID] = version

	ev := &Event{
		ID:          uuid.NewString(),
		Seq:         l.nextSeq,
		AggregateID: aggregateID,
		Version:     version,
		Type:        eventType,
		Payload:     clonePayload(payload),
		AtMs:        l.clk.NowMs(),
	}
	l.events = append(l.events, ev)

	if over := len(l.events) - l.maxEvents; over > 0 {
		l.events = append([]*Event(nil), l.events[over:]...)
		l.evicted += int64(over)
	}
	return *ev, nil
}

// AppendBatch records the entries as one atomic group: either every entry is
// assigned a sequence and version or none is. Entries for the same aggregate
// receive consecutive versions in slice order.
func (l *Ledger) AppendBatch(entries []Entry) ([]Event, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for i, e := range entries {
		if e.AggregateID == "" {
			return nil, proxyerr.Validationf("entry %d: aggregate id is required", i)
		}
		if e.Type == "" {
			return nil, proxyerr.Validationf("entry %d: event type is required", i)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.NowMs()
	out := make([]Event, 0, len(entries))
	for _, e := range entries {
		l.nextSeq++
		l.appended++
		version := l.lastVersion[e.AggregateID] + 1
		l.lastVersion[e.AggregateID] = version
		ev := &Event{
			ID:          uuid.NewString(),
			Seq:         l.nextSeq,
			AggregateID: e.AggregateID,
			Version:     version,
			Type:        e.Type,
			Payload:     clonePayload(e.Payload),
			AtMs:        now,
		}
		l.events = append(l.events, ev)
		out = append(out, *ev)
	}
	if over := len(l.events) - l.maxEvents; over > 0 {
		l.events = append([]*Event(nil), l.events[over:]...)
		l.evicted += int64(over)
	}
	return out, nil
}

// Query returns the retained events matching the filter in global order,
// paginated by Offset and Limit.
func (l *Ledger) Query(f Filter) Page {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var types map[string]struct{}
	if len(f.Types) > 0 {
		types = make(map[string]struct{}, len(f.Types))
		for _, t := range f.Types {
			types[t] = struct{}{}
		}
	}

	page := Page{Events: []Event{}}
	skipped := 0
	for _, ev := range l.events {
		if f.AggregateID != "" && ev.AggregateID != f.AggregateID {
			continue
		}
		if types != nil {
			if _, ok := types[ev.Type]; !ok {
				continue
			}
		}
		if f.SinceSeq > 0 && ev.Seq <= f.SinceSeq {
			continue
		}
		if f.FromMs > 0 && ev.AtMs < f.FromMs {
			continue
		}
		if f.ToMs > 0 && ev.AtMs > f.ToMs {
			continue
		}
		page.Total++
		if skipped < f.Offset {
			skipped++
			continue
		}
		if f.Limit > 0 && len(page.Events) == f.Limit {
			page.HasMore = true
			continue
		}
		page.Events = append(page.Events, *ev)
	}
	return page
}

// Version returns the aggregate's current version, 0 when unseen.
func (l *Ledger) Version(aggregateID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastVersion[aggregateID]
}

// Events returns the retained events of an aggregate in version order.
func (l *Ledger) Events(aggregateID string) []Event {
	return l.EventsFrom(aggregateID, 0)
}

// EventsFrom returns the retained events of an aggregate with version >= fromVersion.
func (l *Ledger) EventsFrom(aggregateID string, fromVersion int64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, ev := range l.events {
		if ev.AggregateID == aggregateID && ev.Version >= fromVersion {
			out = append(out, *ev)
		}
	}
	return out
}

// AllEvents returns up to limit retained events with Seq > sinceSeq, in
// global order. limit <= 0 means no limit.
func (l *Ledger) AllEvents(sinceSeq int64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Retained events are sorted by Seq, so binary search for the cut.
	idx := sort.Search(len(l.events), func(i int) bool { return l.events[i].Seq > sinceSeq })
	out := make([]Event, 0, len(l.events)-idx)
	for _, ev := range l.events[idx:] {
		out = append(out, *ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Replay applies the aggregate's retained events with version <= upToVersion
// in order. upToVersion <= 0 replays everything retained.
func (l *Ledger) Replay(aggregateID string, upToVersion int64, apply func(Event)) int {
	events := l.Events(aggregateID)
	n := 0
	for _, ev := range events {
		if upToVersion > 0 && ev.Version > upToVersion {
			break
		}
		apply(ev)
		n++
	}
	return n
}

// ReplayAt applies the aggregate's retained events with AtMs <= atMs in
// order, reconstructing state as of that instant.
func (l *Ledger) ReplayAt(aggregateID string, atMs int64, apply func(Event)) int {
	events := l.Events(aggregateID)
	n := 0
	for _, ev := range events {
		if ev.AtMs > atMs {
			break
		}
		apply(ev)
		n++
	}
	return n
}

// Stats reports occupancy counters.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Appended:   l.appended,
		Stored:     len(l.events),
		Evicted:    l.evicted,
		Aggregates: len(l.lastVersion),
	}
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

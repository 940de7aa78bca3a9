// Package maintenance schedules windows during which traffic is blocked.
//
// Window states advance lazily on read: scheduled becomes active once the
// start passes, and active becomes completed once the end passes when the
// window auto-completes. Blocking windows may not overlap other blocking
// windows, so at most one window explains a blocked request at any instant.
package maintenance

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// State is a window's lifecycle phase.
type State string

const (
	StateScheduled State = "scheduled"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

type (
	// Window is one maintenance interval.
	Window struct {
		ID           string `json:"id"`
		Name         string `json:"name,omitempty"`
		StartMs      int64  `json:"startMs"`
		EndMs        int64  `json:"endMs"`
		BlockTraffic bool   `json:"blockTraffic"`
		Message      string `json:"message,omitempty"`
		AutoComplete bool   `json:"autoComplete"`
		State        State  `json:"state"`
	}

	// ScheduleRequest describes a new window.
	ScheduleRequest struct {
		Name         string
		StartMs      int64
		DurationMs   int64
		BlockTraffic bool
		Message      string
		AutoComplete bool
	}

	// Status is the operational summary.
	Status struct {
		Operational   bool    `json:"operational"`
		Message       string  `json:"message,omitempty"`
		Blocking      *Window `json:"blocking,omitempty"`
		NextScheduled *Window `json:"nextScheduled,omitempty"`
		ActiveCount   int     `json:"activeCount"`
	}

	// Manager owns the window set.
	Manager struct {
		mu      sync.Mutex
		clk     clock.Clock
		windows map[string]*Window
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

// New returns a Manager with the given options.
func New(opts ...Option) *Manager {
	m := &Manager{
		clk:     clock.System{},
		windows: make(map[string]*Window),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Schedule creates a window. A window that already contains now starts
// active. Blocking windows must not overlap other live blocking windows.
func (m *Manager) Schedule(req ScheduleRequest) (Window, error) {
	if req.DurationMs <= 0 {
		return Window{}, proxyerr.Validationf("durationMs must be > 0")
	}
	if req.StartMs < 0 {
		return Window{}, proxyerr.Validationf("startMs must not be negative")
	}
	endMs := req.StartMs + req.DurationMs
	now := m.clk.NowMs()

	m.mu.Lock()
	defer m.mu.Unlock()
	if req.BlockTraffic {
		for _, w := range m.windows {
			st := m.stateLocked(w, now)
			if st == StateCompleted || st == StateCancelled || !w.BlockTraffic {
				continue
			}
			if req.StartMs < w.EndMs && w.StartMs < endMs {
				return Window{}, proxyerr.Validationf("window overlaps blocking window %q", w.ID)
			}
		}
	}
	w := &Window{
		ID:           uuid.NewString(),
		Name:         req.Name,
		StartMs:      req.StartMs,
		EndMs:        endMs,
		BlockTraffic: req.BlockTraffic,
		Message:      req.Message,
		AutoComplete: req.AutoComplete,
		State:        StateScheduled,
	}
	if now >= w.StartMs {
		w.State = StateActive
	}
	m.windows[w.ID] = w
	return *w, nil
}

// Get returns one window after advancing its state.
func (m *Manager) Get(id string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return Window{}, proxyerr.NotFoundf("window %q not found", id)
	}
	w.State = m.stateLocked(w, m.clk.NowMs())
	return *w, nil
}

// Cancel withdraws a scheduled window. Active, completed, and cancelled
// windows cannot be cancelled.
func (m *Manager) Cancel(id string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return Window{}, proxyerr.NotFoundf("window %q not found", id)
	}
	if st := m.stateLocked(w, m.clk.NowMs()); st != StateScheduled {
		return Window{}, proxyerr.Statef("window %q is %s, not scheduled", id, st)
	}
	w.State = StateCancelled
	return *w, nil
}

// Complete finishes an active window that does not auto-complete.
func (m *Manager) Complete(id string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return Window{}, proxyerr.NotFoundf("window %q not found", id)
	}
	if st := m.stateLocked(w, m.clk.NowMs()); st != StateActive {
		return Window{}, proxyerr.Statef("window %q is %s, not active", id, st)
	}
	w.State = StateCompleted
	return *w, nil
}

// Current lists active windows ordered by start.
func (m *Manager) Current() []Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.NowMs()
	var out []Window
	for _, w := range m.windows {
		w.State = m.stateLocked(w, now)
		if w.State == StateActive {
			out = append(out, *w)
		}
	}
	sortWindows(out)
	return out
}

// List returns every window ordered by start.
func (m *Manager) List() []Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.NowMs()
	out := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		w.State = m.stateLocked(w, now)
		out = append(out, *w)
	}
	sortWindows(out)
	return out
}

// Operational reports whether metered traffic may flow. When blocked, the
// blocking window is returned.
func (m *Manager) Operational() (bool, *Window) {
	st := m.GetStatus()
	return st.Operational, st.Blocking
}

// GetStatus summarizes the maintenance state: whether traffic flows, the
// blocking window if any, and the soonest upcoming scheduled window.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.NowMs()
	st := Status{Operational: true}
	var next *Window
	for _, w := range m.windows {
		w.State = m.stateLocked(w, now)
		switch w.State {
		case StateActive:
			st.ActiveCount++
			if w.BlockTraffic && st.Blocking == nil {
				cp := *w
				st.Blocking = &cp
				st.Operational = false
				st.Message = w.Message
			}
		case StateScheduled:
			if next == nil || w.StartMs < next.StartMs {
				cp := *w
				next = &cp
			}
		}
	}
	st.NextScheduled = next
	return st
}

// stateLocked derives the window's state at now without losing manual
// transitions.
func (m *Manager) stateLocked(w *Window, nowMs int64) State {
	switch w.State {
	case StateCancelled, StateCompleted:
		return w.State
	}
	if nowMs < w.StartMs {
		return StateScheduled
	}
	if nowMs >= w.EndMs && w.AutoComplete {
		return StateCompleted
	}
	return StateActive
}

func sortWindows(ws []Window) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].StartMs != ws[j].StartMs {
			return ws[i].StartMs < ws[j].StartMs
		}
		return ws[i].ID < ws[j].ID
	})
}

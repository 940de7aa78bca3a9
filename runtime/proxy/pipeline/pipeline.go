// Package pipeline runs the request middleware chain around the backend
// forward.
//
// Handlers register into one of three stages: Pre runs before the forward and
// may abort it, Post runs after a successful forward, Error runs only when
// the forward failed. Within a stage handlers execute in descending priority
// order (ties go to registration order); tool and key filters skip handlers
// that do not apply. A handler failure is recorded and, unless the handler
// opted into ContinueOnError, aborts the rest of the stage.
package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Stage identifies one phase of the request lifecycle.
type Stage string

const (
	// StagePre runs before the backend forward; its handlers gate admission.
	StagePre Stage = "pre"
	// StagePost runs after a successful forward; its handlers account usage.
	StagePost Stage = "post"
	// StageError runs when the forward failed.
	StageError Stage = "error"
)

type (
	// Ctx is the mutable request context threaded through handlers.
	Ctx struct {
		// Method is the JSON-RPC method being served.
		Method string
		// Tool is the tool name for tools/call requests, empty otherwise.
		Tool string
		// Params is the decoded request params object.
		Params map[string]any
		// Key is the canonical API key of the caller.
		Key string
		// KeyRecord is a snapshot of the caller's record at admission time.
		KeyRecord keystore.KeyRecord
		// CostCredits is the credit price of this call.
		CostCredits int64
		// Response holds the raw backend result after a successful forward.
		Response json.RawMessage
		// Err holds the forward error when the error stage runs.
		Err error
		// LatencyMs is the forward duration, set before post/error stages.
		LatencyMs int64
		// Metadata carries handler-to-handler state within one request.
		Metadata map[string]any

		aborted     bool
		abortReason string
		abortErr    error
	}

	// HandlerFunc processes the context at one stage. Returning an error
	// records a handler failure; calling Ctx.Abort stops the stage.
	HandlerFunc func(ctx context.Context, rc *Ctx) error

	// Handler describes a middleware registration.
	Handler struct {
		// Name uniquely identifies the handler within its stage.
		Name string
		// Priority orders execution: higher runs earlier. Ties run in
		// registration order.
		Priority int
		// Tools restricts the handler to these tools. Empty matches all.
		Tools []string
		// Keys restricts the handler to these API keys. Empty matches all.
		Keys []string
		// ContinueOnError keeps the stage running when this handler fails.
		ContinueOnError bool
		// Func is the handler body.
		Func HandlerFunc
	}

	// HandlerError pairs a failed handler with its error.
	HandlerError struct {
		Handler string
		Err     error
	}

	// Result reports one stage execution.
	Result struct {
		Stage Stage
		// Ran lists the handlers that executed, in execution order.
		Ran []string
		// Errors collects handler failures in execution order.
		Errors []HandlerError
		// Aborted reports whether the stage stopped early.
		Aborted bool
		// AbortReason explains the stop.
		AbortReason string
		// Duration is the stage wall time.
		Duration time.Duration
	}

	registered struct {
		Handler
		seq     int
		enabled bool
	}

	// Manager owns the three stage chains.
	Manager struct {
		mu     sync.RWMutex
		stages map[Stage][]*registered
		seq    int
	}
)

// NewCtx returns a context for one request.
func NewCtx(method, tool, key string) *Ctx {
	return &Ctx{
		Method:   method,
		Tool:     tool,
		Key:      key,
		Metadata: make(map[string]any),
	}
}

// Abort stops the current stage after this handler returns. The reason and
// error surface on the stage result and through Aborted/AbortErr.
func (rc *Ctx) Abort(reason string, err error) {
	rc.aborted = true
	rc.abortReason = reason
	rc.abortErr = err
}

// Aborted reports whether a handler aborted the request.
func (rc *Ctx) Aborted() bool { return rc.aborted }

// AbortReason returns the abort explanation, empty when not aborted.
func (rc *Ctx) AbortReason() string { return rc.abortReason }

// AbortErr returns the error attached to the abort, which may be nil.
func (rc *Ctx) AbortErr() error { return rc.abortErr }

// Set stores a metadata value for later handlers.
func (rc *Ctx) Set(key string, value any) {
	if rc.Metadata == nil {
		rc.Metadata = make(map[string]any)
	}
	rc.Metadata[key] = value
}

// Get reads a metadata value.
func (rc *Ctx) Get(key string) (any, bool) {
	v, ok := rc.Metadata[key]
	return v, ok
}

// New returns a Manager with empty stages.
func New() *Manager {
	return &Manager{stages: make(map[Stage][]*registered)}
}

// Register adds a handler to a stage. Names must be unique per stage.
func (m *Manager) Register(stage Stage, h Handler) error {
	if err := validStage(stage); err != nil {
		return err
	}
	if h.Name == "" {
		return proxyerr.Validationf("handler name is required")
	}
	if h.Func == nil {
		return proxyerr.Validationf("handler func is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.stages[stage] {
		if r.Name == h.Name {
			return proxyerr.Statef("handler %q already registered in stage %s", h.Name, stage)
		}
	}
	m.seq++
	m.stages[stage] = append(m.stages[stage], &registered{Handler: h, seq: m.seq, enabled: true})
	sort.SliceStable(m.stages[stage], func(i, j int) bool {
		a, b := m.stages[stage][i], m.stages[stage][j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.seq < b.seq
	})
	return nil
}

// Unregister removes a handler by name. Returns true when it existed.
func (m *Manager) Unregister(stage Stage, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.stages[stage]
	for i, r := range chain {
		if r.Name == name {
			m.stages[stage] = append(chain[:i], chain[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled toggles a handler without unregistering it. Returns false when
// the handler is unknown.
func (m *Manager) SetEnabled(stage Stage, name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.stages[stage] {
		if r.Name == name {
			r.enabled = enabled
			return true
		}
	}
	return false
}

// Handlers lists a stage's handler names in execution order.
func (m *Manager) Handlers(stage Stage) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.stages[stage]))
	for _, r := range m.stages[stage] {
		out = append(out, r.Name)
	}
	return out
}

// Run executes a stage against the context.
//
// Handlers run in priority order. Disabled and filtered-out handlers are
// skipped. Cancellation of ctx stops the stage between handlers. A handler
// error is recorded; unless the handler set ContinueOnError the stage aborts
// with that error. A handler calling rc.Abort stops the stage after it
// returns.
func (m *Manager) Run(ctx context.Context, stage Stage, rc *Ctx) Result {
	start := time.Now()
	result := Result{Stage: stage}

	m.mu.RLock()
	chain := make([]*registered, len(m.stages[stage]))
	copy(chain, m.stages[stage])
	m.mu.RUnlock()

	for _, r := range chain {
		if rc.aborted {
			break
		}
		if err := ctx.Err(); err != nil {
			rc.Abort("request canceled", err)
			break
		}
		if !r.enabled || !matches(r.Tools, rc.Tool) || !matches(r.Keys, rc.Key) {
			continue
		}
		result.Ran = append(result.Ran, r.Name)
		if err := r.Func(ctx, rc); err != nil {
			result.Errors = append(result.Errors, HandlerError{Handler: r.Name, Err: err})
			if !r.ContinueOnError {
				rc.Abort("handler "+r.Name+" failed", err)
				break
			}
		}
	}

	result.Aborted = rc.aborted
	result.AbortReason = rc.abortReason
	result.Duration = time.Since(start)
	return result
}

func matches(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == value || f == "*" {
			return true
		}
	}
	return false
}

func validStage(stage Stage) error {
	switch stage {
	case StagePre, StagePost, StageError:
		return nil
	default:
		return proxyerr.Validationf("unknown stage %q", string(stage))
	}
}

// Package validate screens incoming requests: the envelope validator applies
// structural and method rules before any policy check, and the schema
// validator checks tool arguments against registered schemas.
package validate

import (
	"sync"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// DefaultMaxPayloadBytes caps request bodies when no cap is configured.
const DefaultMaxPayloadBytes = 1 << 20

// DefaultMethods are the methods the proxy serves out of the box.
var DefaultMethods = []string{
	"initialize",
	"ping",
	"tools/list",
	"tools/call",
	"tasks/send",
	"tasks/get",
	"tasks/cancel",
}

type (
	// Rule is a pluggable envelope check. Returning an error rejects the
	// request; proxyerr kinds map to their wire codes, anything else maps to
	// an invalid-request error.
	Rule func(*jsonrpc.Request) error

	namedRule struct {
		name string
		fn   Rule
	}

	// Validator validates request envelopes.
	Validator struct {
		mu       sync.RWMutex
		maxBytes int
		allowed  map[string]struct{}
		rules    []namedRule
	}

	// ValidatorOption configures a Validator.
	ValidatorOption func(*Validator)
)

// WithMaxPayloadBytes caps the accepted body size.
func WithMaxPayloadBytes(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.maxBytes = n
		}
	}
}

// WithAllowedMethods replaces the accepted method set.
func WithAllowedMethods(methods ...string) ValidatorOption {
	return func(v *Validator) {
		v.allowed = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			v.allowed[m] = struct{}{}
		}
	}
}

// NewValidator returns an envelope validator accepting DefaultMethods.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{maxBytes: DefaultMaxPayloadBytes}
	WithAllowedMethods(DefaultMethods...)(v)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateEnvelope checks size, envelope shape, method allowance and the
// registered rules, in that order.
func (v *Validator) ValidateEnvelope(raw []byte) (*jsonrpc.Request, *jsonrpc.Error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(raw) > v.maxBytes {
		return nil, jsonrpc.Errorf(jsonrpc.CodeCapacity, "payload exceeds %d bytes", v.maxBytes)
	}
	req, rpcErr := jsonrpc.Parse(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if _, ok := v.allowed[req.Method]; !ok {
		return nil, jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "method %q not found", req.Method)
	}
	for _, r := range v.rules {
		if err := r.fn(req); err != nil {
			if kind := proxyerr.KindOf(err); kind != proxyerr.KindInternal {
				return nil, proxyerr.RPCError(err)
			}
			return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "%s", err.Error())
		}
	}
	return req, nil
}

// AddRule appends a named rule. Rules run in registration order.
func (v *Validator) AddRule(name string, fn Rule) error {
	if name == "" {
		return proxyerr.Validationf("rule name is required")
	}
	if fn == nil {
		return proxyerr.Validationf("rule func is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.rules {
		if r.name == name {
			return proxyerr.Statef("rule %q already registered", name)
		}
	}
	v.rules = append(v.rules, namedRule{name: name, fn: fn})
	return nil
}

// RemoveRule drops a rule by name. Returns true when it existed.
func (v *Validator) RemoveRule(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, r := range v.rules {
		if r.name == name {
			v.rules = append(v.rules[:i], v.rules[i+1:]...)
			return true
		}
	}
	return false
}

// AllowMethod adds a method to the accepted set.
func (v *Validator) AllowMethod(method string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowed[method] = struct{}{}
}

// Package proxyerr provides the structured error taxonomy shared by the
// proxy engine packages. Every failure a manager surfaces carries a Kind so
// the gateway can map it to a JSON-RPC error code on the tool surface and to
// an HTTP status on the admin surface without inspecting message text.
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
)

// Kind classifies a proxy failure.
type Kind string

const (
	// KindValidation indicates malformed or out-of-contract input.
	KindValidation Kind = "validation"
	// KindPolicyDenied indicates a well-formed request refused by policy
	// (credits, scopes, ACLs, rate limits, duplicates).
	KindPolicyDenied Kind = "policy_denied"
	// KindConcurrencyConflict indicates an optimistic concurrency failure.
	KindConcurrencyConflict Kind = "concurrency_conflict"
	// KindNotFound indicates a missing entity.
	KindNotFound Kind = "not_found"
	// KindStateError indicates an operation invalid in the entity's current state.
	KindStateError Kind = "state_error"
	// KindCapacity indicates a full store, queue or window.
	KindCapacity Kind = "capacity"
	// KindUpstream indicates a backend failure.
	KindUpstream Kind = "upstream"
	// KindInternal indicates an unexpected proxy-side failure.
	KindInternal Kind = "internal"
)

// Kind sentinels for errors.Is. Each matches any error of its kind
// regardless of message.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrDenied     = &Error{Kind: KindPolicyDenied}
	ErrConflict   = &Error{Kind: KindConcurrencyConflict}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrState      = &Error{Kind: KindStateError}
	ErrCapacity   = &Error{Kind: KindCapacity}
	ErrUpstream   = &Error{Kind: KindUpstream}
	ErrInternal   = &Error{Kind: KindInternal}
)

// Error is a classified proxy failure. Data carries structured details that
// survive onto the wire (for example retryAfterMs on rate-limit denials).
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	cause   error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Validationf builds a KindValidation error.
func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// Deniedf builds a KindPolicyDenied error.
func Deniedf(format string, args ...any) *Error {
	return Newf(KindPolicyDenied, format, args...)
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Statef builds a KindStateError error.
func Statef(format string, args ...any) *Error {
	return Newf(KindStateError, format, args...)
}

// Capacityf builds a KindCapacity error.
func Capacityf(format string, args ...any) *Error {
	return Newf(KindCapacity, format, args...)
}

// Conflictf builds a KindConcurrencyConflict error.
func Conflictf(format string, args ...any) *Error {
	return Newf(KindConcurrencyConflict, format, args...)
}

// Upstreamf builds a KindUpstream error.
func Upstreamf(format string, args ...any) *Error {
	return Newf(KindUpstream, format, args...)
}

// Internalf builds a KindInternal error.
func Internalf(format string, args ...any) *Error {
	return Newf(KindInternal, format, args...)
}

// WithData returns e with the given detail attached. Mutates and returns e
// so constructors chain.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any, 1)
	}
	e.Data[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.cause.Error())
	}
	return e.Message
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches errors by kind so callers can test errors.Is(err, proxyerr.New(kind, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && e.Kind == other.Kind && (other.Message == "" || other.Message == e.Message)
}

// KindOf extracts the Kind from an arbitrary error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// DataOf extracts the structured detail from an error, if any.
func DataOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Data
	}
	return nil
}

// RPCError converts err into a JSON-RPC error object using the taxonomy
// mapping. Policy denials refine by the "deny" detail key when present.
func RPCError(err error) *jsonrpc.Error {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return jsonrpc.Errorf(jsonrpc.CodeInternalError, "internal error")
	}
	code := jsonrpc.CodeInternalError
	switch e.Kind {
	case KindValidation:
		// Argument-level failures carry violations and map to invalid params;
		// envelope-level failures map to invalid request.
		if _, ok := e.Data["violations"]; ok {
			code = jsonrpc.CodeInvalidParams
		} else {
			code = jsonrpc.CodeInvalidRequest
		}
	case KindPolicyDenied:
		code = deniedCode(e)
	case KindConcurrencyConflict:
		code = jsonrpc.CodeConflict
	case KindNotFound:
		code = jsonrpc.CodeTaskNotFound
	case KindStateError:
		code = jsonrpc.CodeInvalidState
	case KindCapacity:
		code = jsonrpc.CodeCapacity
	case KindUpstream:
		code = jsonrpc.CodeUpstreamError
	case KindInternal:
		code = jsonrpc.CodeInternalError
	}
	rpcErr := jsonrpc.Errorf(code, "%s", e.Message)
	if len(e.Data) > 0 {
		rpcErr = rpcErr.WithData(e.Data)
	}
	return rpcErr
}

// Denial detail values used to pick the wire code for policy denials.
const (
	DenyCredits     = "credits"
	DenyScope       = "scope"
	DenyRateLimit   = "rate_limit"
	DenyDuplicate   = "duplicate"
	DenyMaintenance = "maintenance"
	DenyAuth        = "auth"
)

func deniedCode(e *Error) int {
	deny, _ := e.Data["deny"].(string)
	switch deny {
	case DenyCredits:
		return jsonrpc.CodeInsufficientCredits
	case DenyRateLimit:
		return jsonrpc.CodeRateLimited
	case DenyDuplicate:
		return jsonrpc.CodeDuplicate
	case DenyMaintenance:
		return jsonrpc.CodeMaintenance
	case DenyAuth:
		return jsonrpc.CodeUnauthorized
	default:
		return jsonrpc.CodeForbidden
	}
}

// HTTPStatus maps err onto the admin surface status code.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPolicyDenied:
		switch deny, _ := e.Data["deny"].(string); deny {
		case DenyRateLimit:
			return http.StatusTooManyRequests
		case DenyDuplicate:
			return http.StatusConflict
		case DenyMaintenance:
			return http.StatusServiceUnavailable
		case DenyAuth:
			return http.StatusUnauthorized
		default:
			return http.StatusForbidden
		}
	case KindConcurrencyConflict, KindStateError:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacity:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Package jsonrpc implements the JSON-RPC 2.0 envelope shared by the proxy
// front door, the backend callers and the admin surface.
//
// Requests keep their id and params as raw JSON so envelopes round-trip
// byte-for-byte to the backend. Parse enforces the envelope rules the proxy
// applies before any policy check runs.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Error codes returned by the proxy. Codes in the -32000..-32099 range and
// below -32400 are server-defined; the rest follow the JSON-RPC 2.0 spec.
const (
	CodeUpstreamError       = -32000
	CodeTaskNotFound        = -32001
	CodeTaskNotCancelable   = -32002
	CodeConflict            = -32009
	CodeInvalidState        = -32010
	CodeCapacity            = -32011
	CodeUnauthorized        = -32401
	CodeInsufficientCredits = -32402
	CodeForbidden           = -32403
	CodeDuplicate           = -32409
	CodeRateLimited         = -32429
	CodeMaintenance         = -32503
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeInternalError       = -32603
)

type (
	// Request is a JSON-RPC 2.0 request envelope. ID and Params stay raw so
	// forwarded requests reach the backend unmodified.
	Request struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result and
	// Error is set.
	Response struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
		ID      json.RawMessage `json:"id"`
	}

	// Error is a JSON-RPC 2.0 error object.
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data,omitempty"`
	}
)

// NullID is the id used on responses to requests whose id could not be read.
var NullID = json.RawMessage("null")

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying the given data payload.
func (e *Error) WithData(data any) *Error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// Parse decodes and validates a request envelope.
//
// Contract:
// - the body must be a JSON object with jsonrpc == "2.0"
// - method must be a non-empty string
// - id, when present, must be a string, a number or null
// - params, when present, must be a JSON object
// Violations return a CodeInvalidRequest error.
func Parse(raw []byte) (*Request, *Error) {
	var env struct {
		JSONRPC json.RawMessage `json:"jsonrpc"`
		Method  json.RawMessage `json:"method"`
		ID      json.RawMessage `json:"id"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Errorf(CodeInvalidRequest, "request body is not a JSON object")
	}
	var version string
	if err := json.Unmarshal(env.JSONRPC, &version); err != nil || version != "2.0" {
		return nil, Errorf(CodeInvalidRequest, "jsonrpc must be %q", "2.0")
	}
	var method string
	if err := json.Unmarshal(env.Method, &method); err != nil || method == "" {
		return nil, Errorf(CodeInvalidRequest, "method is required and must be a string")
	}
	if len(env.ID) > 0 && !bytes.Equal(env.ID, NullID) {
		var id any
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return nil, Errorf(CodeInvalidRequest, "id must be a string, a number or null")
		}
		switch id.(type) {
		case string, float64:
		default:
			return nil, Errorf(CodeInvalidRequest, "id must be a string, a number or null")
		}
	}
	if len(env.Params) > 0 && !bytes.Equal(env.Params, NullID) {
		trimmed := bytes.TrimLeft(env.Params, " \t\r\n")
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, Errorf(CodeInvalidRequest, "params must be a JSON object")
		}
	}
	req := &Request{JSONRPC: version, Method: method, ID: env.ID, Params: env.Params}
	return req, nil
}

// ParamsMap decodes the request params into a map. Absent or null params
// decode to an empty map.
func (r *Request) ParamsMap() (map[string]any, error) {
	if len(r.Params) == 0 || bytes.Equal(r.Params, NullID) {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(r.Params, &m); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return m, nil
}

// ResponseID returns the id a response to r must carry.
func (r *Request) ResponseID() json.RawMessage {
	if r == nil || len(r.ID) == 0 {
		return NullID
	}
	return r.ID
}

// NewResult builds a success response with the marshaled result.
func NewResult(id json.RawMessage, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshal result: %w", err)
	}
	return Response{JSONRPC: "2.0", Result: raw, ID: normalizeID(id)}, nil
}

// NewRawResult builds a success response around an already-encoded result.
func NewRawResult(id json.RawMessage, result json.RawMessage) Response {
	return Response{JSONRPC: "2.0", Result: result, ID: normalizeID(id)}
}

// NewError builds an error response.
func NewError(id json.RawMessage, rpcErr *Error) Response {
	return Response{JSONRPC: "2.0", Error: rpcErr, ID: normalizeID(id)}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return NullID
	}
	return id
}

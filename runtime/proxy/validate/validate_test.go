package validate_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/validate"
)

func TestEnvelopeSizeCap(t *testing.T) {
	t.Parallel()

	v := validate.NewValidator(validate.WithMaxPayloadBytes(32))
	_, rpcErr := v.ValidateEnvelope([]byte(`{"jsonrpc":"2.0","method":"ping","params":{"pad":"xxxxxxxxxxxxxxxx"}}`))
	require.NotNil(t, rpcErr)
	require.Equal(t, jsonrpc.CodeCapacity, rpcErr.Code)
}

func TestEnvelopeMethodAllowance(t *testing.T) {
	t.Parallel()

	v := validate.NewValidator()
	req, rpcErr := v.ValidateEnvelope([]byte(`{"jsonrpc":"2.0","method":"tools/call","id":1}`))
	require.Nil(t, rpcErr)
	require.Equal(t, "tools/call", req.Method)

	_, rpcErr = v.ValidateEnvelope([]byte(`{"jsonrpc":"2.0","method":"shutdown","id":1}`))
	require.NotNil(t, rpcErr)
	require.Equal(t, jsonrpc.CodeMethodNotFound, rpcErr.Code)

	v.AllowMethod("shutdown")
	_, rpcErr = v.ValidateEnvelope([]byte(`{"jsonrpc":"2.0","method":"shutdown","id":1}`))
	require.Nil(t, rpcErr)
}

func TestEnvelopeShapeRejected(t *testing.T) {
	t.Parallel()

	v := validate.NewValidator()
	_, rpcErr := v.ValidateEnvelope([]byte(`{"jsonrpc":"1.1","method":"ping"}`))
	require.NotNil(t, rpcErr)
	require.Equal(t, jsonrpc.CodeInvalidRequest, rpcErr.Code)
}

func TestPluggableRules(t *testing.T) {
	t.Parallel()

	v := validate.NewValidator()
	var order []string
	require.NoError(t, v.AddRule("first", func(r *jsonrpc.Request) error {
		order = append(order, "first")
		return nil
	}))
	require.NoError(t, v.AddRule("second", func(r *jsonrpc.Request) error {
		order = append(order, "second")
		if r.Method == "tools/call" && len(r.Params) == 0 {
			return errors.New("params are required for tools/call")
		}
		return nil
	}))

	err := v.AddRule("first", func(*jsonrpc.Request) error { return nil })
	require.Equal(t, proxyerr.KindStateError, proxyerr.KindOf(err))

	_, rpcErr := v.ValidateEnvelope([]byte(`{"jsonrpc":"2.0","method":"tools/call","id":1}`))
	require.NotNil(t, rpcErr)
	require.Equal(t, jsonrpc.CodeInvalidRequest, rpcErr.Code)
	require.Equal(t, []string{"first", "second"}, order)

	// Rules surfacing proxyerr kinds keep their wire code.
	require.NoError(t, v.AddRule("denier", func(*jsonrpc.Request) error {
		return proxyerr.Deniedf("not today").WithData("deny", proxyerr.DenyScope)
	}))
	_, rpcErr = v.ValidateEnvelope([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	require.NotNil(t, rpcErr)
	require.Equal(t, jsonrpc.CodeForbidden, rpcErr.Code)

	require.True(t, v.RemoveRule("denier"))
	require.False(t, v.RemoveRule("denier"))
	_, rpcErr = v.ValidateEnvelope([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	require.Nil(t, rpcErr)
}

func searchSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"query"},
		"properties": map[string]any{
			"query": map[string]any{
				"type":      "string",
				"minLength": float64(2),
				"maxLength": float64(10),
				"pattern":   "^[a-z ]+$",
			},
			"limit": map[string]any{
				"type":    "integer",
				"minimum": float64(1),
				"maximum": float64(100),
			},
			"mode": map[string]any{
				"type": "string",
				"enum": []any{"fast", "deep"},
			},
			"tags": map[string]any{
				"type":     "array",
				"minItems": float64(1),
				"maxItems": float64(3),
				"items":    map[string]any{"type": "string"},
			},
		},
	}
}

func TestSchemaValidateHappyPath(t *testing.T) {
	t.Parallel()

	s := validate.NewSchemaValidator()
	require.NoError(t, s.Register("search", searchSchema()))

	violations := s.Validate("search", map[string]any{
		"query": "hello",
		"limit": float64(10),
		"mode":  "fast",
		"tags":  []any{"a", "b"},
	})
	require.Empty(t, violations)

	// Unknown tools pass.
	require.Empty(t, s.Validate("unknown", map[string]any{"whatever": 1}))
}

func TestSchemaViolationsWithPointers(t *testing.T) {
	t.Parallel()

	s := validate.NewSchemaValidator()
	require.NoError(t, s.Register("search", searchSchema()))

	violations := s.Validate("search", map[string]any{
		"limit": float64(0),
		"mode":  "slow",
		"tags":  []any{"ok", float64(3)},
	})

	byPath := map[string]string{}
	for _, v := range violations {
		byPath[v.Path] = v.Message
	}
	require.Equal(t, "required property is missing", byPath["/query"])
	require.Equal(t, "value 0 is less than minimum 1", byPath["/limit"])
	require.Equal(t, "value is not one of the allowed values", byPath["/mode"])
	require.Equal(t, "expected string, got number", byPath["/tags/1"])

	err := validate.ViolationsError("search", violations)
	require.Equal(t, proxyerr.KindValidation, proxyerr.KindOf(err))
	require.Equal(t, jsonrpc.CodeInvalidParams, proxyerr.RPCError(err).Code)
}

func TestSchemaStringConstraints(t *testing.T) {
	t.Parallel()

	s := validate.NewSchemaValidator()
	require.NoError(t, s.Register("search", searchSchema()))

	violations := s.Validate("search", map[string]any{"query": "x"})
	require.Len(t, violations, 1)
	require.Equal(t, "/query", violations[0].Path)
	require.Equal(t, "length 1 is less than minimum 2", violations[0].Message)

	violations = s.Validate("search", map[string]any{"query": "UPPER"})
	require.Len(t, violations, 1)
	require.Contains(t, violations[0].Message, "does not match pattern")

	violations = s.Validate("search", map[string]any{"query": "abcdefghijk"})
	require.Len(t, violations, 1)
	require.Equal(t, "length 11 exceeds maximum 10", violations[0].Message)
}

func TestSchemaIntegerVsNumber(t *testing.T) {
	t.Parallel()

	s := validate.NewSchemaValidator()
	require.NoError(t, s.Register("search", searchSchema()))

	violations := s.Validate("search", map[string]any{"query": "ok", "limit": float64(2.5)})
	require.Len(t, violations, 1)
	require.Equal(t, "/limit", violations[0].Path)
	require.Equal(t, "expected integer, got number", violations[0].Message)

	violations = s.Validate("search", map[string]any{"query": "ok", "limit": float64(101)})
	require.Len(t, violations, 1)
	require.Equal(t, "value 101 exceeds maximum 100", violations[0].Message)
}

func TestSchemaTypeMismatchStopsDescent(t *testing.T) {
	t.Parallel()

	s := validate.NewSchemaValidator()
	require.NoError(t, s.Register("search", searchSchema()))

	violations := s.Validate("search", map[string]any{"query": "ok", "tags": "not-an-array"})
	require.Len(t, violations, 1)
	require.Equal(t, "/tags", violations[0].Path)
	require.Equal(t, "expected array, got string", violations[0].Message)
}

func TestSchemaViolationCap(t *testing.T) {
	t.Parallel()

	s := validate.NewSchemaValidator()
	require.NoError(t, s.Register("bulk", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "integer"},
			},
		},
	}))

	bad := make([]any, 50)
	for i := range bad {
		bad[i] = "nope"
	}
	violations := s.Validate("bulk", map[string]any{"items": bad})
	require.Len(t, violations, validate.MaxViolations)
	require.Equal(t, "/items/0", violations[0].Path)
	require.Equal(t, fmt.Sprintf("/items/%d", validate.MaxViolations-1), violations[validate.MaxViolations-1].Path)
}

func TestSchemaRegisterRejectsBadSchemas(t *testing.T) {
	t.Parallel()

	s := validate.NewSchemaValidator()
	err := s.Register("t", map[string]any{"type": "uuid"})
	require.Equal(t, proxyerr.KindValidation, proxyerr.KindOf(err))

	err = s.Register("t", map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{"type": "string", "pattern": "("}},
	})
	require.Equal(t, proxyerr.KindValidation, proxyerr.KindOf(err))

	require.NoError(t, s.Register("t", map[string]any{"type": "object"}))
	require.True(t, s.Known("t"))
	require.Equal(t, []string{"t"}, s.Tools())
	require.True(t, s.Unregister("t"))
	require.False(t, s.Unregister("t"))
}

func TestSchemaPointerEscaping(t *testing.T) {
	t.Parallel()

	s := validate.NewSchemaValidator()
	require.NoError(t, s.Register("odd", map[string]any{
		"type":     "object",
		"required": []any{"a/b", "c~d"},
	}))

	violations := s.Validate("odd", map[string]any{})
	require.Len(t, violations, 2)
	require.Equal(t, "/a~1b", violations[0].Path)
	require.Equal(t, "/c~0d", violations[1].Path)
}

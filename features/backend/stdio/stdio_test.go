package stdio_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/features/backend"
	"github.com/walker77/paygate-mcp-sub010/features/backend/stdio"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

const helperEnv = "PAYGATE_BACKEND_STDIO_HELPER"

// newHelperCaller launches this test binary as the backend helper process.
func newHelperCaller(t *testing.T) *stdio.Caller {
	t.Helper()
	caller, err := stdio.New(context.Background(), stdio.Options{
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestStdioHelper", "--"},
		Env:         []string{helperEnv + "=1"},
		InitTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = caller.Close() })
	return caller
}

func TestStdioCallRoundTrip(t *testing.T) {
	t.Parallel()

	caller := newHelperCaller(t)
	var result map[string]any
	err := caller.Call(context.Background(), "echo", map[string]any{"query": "hi", "limit": float64(3)}, &result)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"query": "hi", "limit": float64(3)}, result)
}

func TestStdioBackendErrorPassthrough(t *testing.T) {
	t.Parallel()

	caller := newHelperCaller(t)
	err := caller.Call(context.Background(), "fail", nil, nil)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32002, rpcErr.Code)
	require.Equal(t, "tool exploded", rpcErr.Message)
	require.NotErrorIs(t, err, proxyerr.ErrUpstream)
}

func TestStdioCallHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	caller := newHelperCaller(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := caller.Call(ctx, "block", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStdioCrashFailsCallsUpstream(t *testing.T) {
	t.Parallel()

	caller := newHelperCaller(t)
	err := caller.Call(context.Background(), "crash", nil, nil)
	require.ErrorIs(t, err, proxyerr.ErrUpstream)

	// The connection is gone, later calls fail the same way.
	err = caller.Call(context.Background(), "echo", map[string]any{"q": "1"}, nil)
	require.ErrorIs(t, err, proxyerr.ErrUpstream)
}

func TestStdioCloseIdempotent(t *testing.T) {
	t.Parallel()

	caller := newHelperCaller(t)
	require.NoError(t, caller.Close())
	require.NoError(t, caller.Close())
	err := caller.Call(context.Background(), "echo", nil, nil)
	require.Error(t, err)
}

func TestStdioRequiresCommand(t *testing.T) {
	t.Parallel()

	_, err := stdio.New(context.Background(), stdio.Options{})
	require.ErrorIs(t, err, proxyerr.ErrValidation)
}

// TestStdioHelper is not a test. It is the backend process the stdio tests
// spawn, selected via -test.run and guarded by an environment variable.
func TestStdioHelper(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	runStdioHelper()
}

func runStdioHelper() {
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	respond := func(resp backend.Response) {
		_ = backend.WriteFrame(writer, resp)
		_ = writer.Flush()
	}
	for {
		frame, err := backend.ReadFrame(reader)
		if err != nil {
			break
		}
		var req backend.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			respond(backend.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"capabilities":{}}`)})
		case "echo":
			data, err := json.Marshal(req.Params)
			if err != nil {
				respond(backend.Response{JSONRPC: "2.0", ID: req.ID, Error: jsonrpc.Errorf(jsonrpc.CodeInternalError, "marshal params")})
				continue
			}
			respond(backend.Response{JSONRPC: "2.0", ID: req.ID, Result: data})
		case "fail":
			respond(backend.Response{JSONRPC: "2.0", ID: req.ID, Error: jsonrpc.Errorf(-32002, "tool exploded")})
		case "block":
			// Swallow the request so the caller waits on its context.
		case "crash":
			os.Exit(1)
		default:
			respond(backend.Response{JSONRPC: "2.0", ID: req.ID, Error: jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "unknown method %q", req.Method)})
		}
	}
	_ = writer.Flush()
	os.Exit(0)
}

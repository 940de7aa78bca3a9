package httprpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/features/backend"
	"github.com/walker77/paygate-mcp-sub010/features/backend/httprpc"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// newRPCServer serves a minimal JSON-RPC backend. handle answers every
// method other than initialize.
func newRPCServer(t *testing.T, handle func(req backend.Request) backend.Response) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req backend.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Method == "initialize" {
			resp := backend.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"capabilities":{}}`)}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(handle(req)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPCallDecodesResult(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(req backend.Request) backend.Response {
		require.Equal(t, "tools/list", req.Method)
		return backend.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"tools":[{"name":"search"},{"name":"fetch"}]}`)}
	})

	caller, err := httprpc.New(context.Background(), httprpc.Options{Endpoint: srv.URL})
	require.NoError(t, err)
	defer caller.Close()

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, caller.Call(context.Background(), "tools/list", nil, &result))
	require.Len(t, result.Tools, 2)
	require.Equal(t, "search", result.Tools[0].Name)
}

func TestHTTPBackendErrorPassthrough(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(req backend.Request) backend.Response {
		return backend.Response{JSONRPC: "2.0", ID: req.ID, Error: jsonrpc.Errorf(-32602, "missing argument %q", "query")}
	})

	caller, err := httprpc.New(context.Background(), httprpc.Options{Endpoint: srv.URL})
	require.NoError(t, err)
	defer caller.Close()

	err = caller.Call(context.Background(), "tools/call", map[string]any{"name": "search"}, nil)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32602, rpcErr.Code)
	require.NotErrorIs(t, err, proxyerr.ErrUpstream)
}

func TestHTTPNon2xxIsUpstream(t *testing.T) {
	t.Parallel()

	var initialized bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !initialized {
			initialized = true
			var req backend.Request
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			resp := backend.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
			return
		}
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	caller, err := httprpc.New(context.Background(), httprpc.Options{Endpoint: srv.URL})
	require.NoError(t, err)
	defer caller.Close()

	err = caller.Call(context.Background(), "tools/call", nil, nil)
	require.ErrorIs(t, err, proxyerr.ErrUpstream)
}

func TestHTTPTransportFailureIsUpstream(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(req backend.Request) backend.Response {
		return backend.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	})
	caller, err := httprpc.New(context.Background(), httprpc.Options{Endpoint: srv.URL})
	require.NoError(t, err)
	srv.Close()

	err = caller.Call(context.Background(), "ping", nil, nil)
	require.ErrorIs(t, err, proxyerr.ErrUpstream)
}

func TestHTTPCallKeepsCancellationVisible(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(req backend.Request) backend.Response {
		return backend.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	})
	caller, err := httprpc.New(context.Background(), httprpc.Options{Endpoint: srv.URL})
	require.NoError(t, err)
	defer caller.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = caller.Call(ctx, "ping", nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHTTPHandshakeFailureFailsNew(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := httprpc.New(context.Background(), httprpc.Options{Endpoint: srv.URL})
	require.ErrorIs(t, err, proxyerr.ErrUpstream)
}

func TestHTTPRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := httprpc.New(context.Background(), httprpc.Options{})
	require.ErrorIs(t, err, proxyerr.ErrValidation)
}

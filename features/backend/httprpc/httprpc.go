// Package httprpc calls the backend as a JSON-RPC endpoint over HTTP, one
// POST per call.
package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/walker77/paygate-mcp-sub010/features/backend"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// DefaultTimeout bounds a single backend call when no client is supplied.
const DefaultTimeout = 30 * time.Second

type (
	// Options configures the endpoint and the initialize handshake.
	Options struct {
		Endpoint        string
		Client          *http.Client
		ClientName      string
		ClientVersion   string
		ProtocolVersion string
		InitTimeout     time.Duration
	}

	// Caller is a backend.Caller over HTTP. Stateless apart from the id
	// counter, so it is safe for concurrent use.
	Caller struct {
		endpoint string
		client   *http.Client
		id       uint64
	}
)

var _ backend.Caller = (*Caller)(nil)

// New builds the caller and performs the initialize handshake against the
// endpoint.
func New(ctx context.Context, opts Options) (*Caller, error) {
	if opts.Endpoint == "" {
		return nil, proxyerr.Validationf("backend endpoint is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	c := &Caller{endpoint: opts.Endpoint, client: client}
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	params := backend.InitializeParams(opts.ClientName, opts.ClientVersion, opts.ProtocolVersion)
	if err := c.Call(initCtx, "initialize", params, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Call POSTs one request and decodes the response. Backend-reported errors
// return as *jsonrpc.Error; transport failures and non-2xx statuses as
// upstream errors.
func (c *Caller) Call(ctx context.Context, method string, params any, result any) error {
	reqBody := backend.Request{
		JSONRPC: "2.0",
		Method:  method,
		ID:      atomic.AddUint64(&c.id, 1),
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "marshal backend request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "build backend request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		// Keep the cause visible so context cancellation stays
		// distinguishable from a dead backend.
		return proxyerr.Wrap(proxyerr.KindUpstream, "call backend", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return proxyerr.Upstreamf("backend status %d", resp.StatusCode)
	}
	var rpcResp backend.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return proxyerr.Wrap(proxyerr.KindUpstream, "decode backend response", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return proxyerr.Wrap(proxyerr.KindUpstream, "decode backend result", err)
		}
	}
	return nil
}

// Close implements backend.Caller. HTTP connections are pooled by the
// client, so there is nothing to tear down.
func (c *Caller) Close() error { return nil }

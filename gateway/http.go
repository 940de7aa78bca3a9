package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
)

// Handler returns the gateway's HTTP surface: the JSON-RPC endpoint on
// /rpc plus the admin API under /admin/.
func (gw *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", gw.handleRPC)
	gw.adminRoutes(mux)
	return mux
}

// Run serves the gateway on addr until ctx is canceled or a SIGINT or
// SIGTERM arrives, then shuts down gracefully and closes the gateway.
func (gw *Gateway) Run(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: time.Second * 60,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	gw.log.Info(ctx, "gateway listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := gw.Close(stopCtx); err != nil {
		return fmt.Errorf("close gateway: %w", err)
	}
	return nil
}

// handleRPC runs the transport-level gates (size, global rate, envelope,
// authentication) and hands valid requests to dispatch. RPC-level errors
// always serve 200; only missing/unknown keys (401), oversize bodies
// (413), and maintenance blocks (503) surface as HTTP failures.
func (gw *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	maxBytes := gw.cfg.MaxPayloadBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBytes)+1))
	if err != nil {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "read request body")
		writeRPC(w, http.StatusBadRequest, jsonrpc.NewError(jsonrpc.NullID, rpcErr))
		return
	}
	if len(body) > maxBytes {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "payload exceeds %d bytes", maxBytes)
		writeRPC(w, http.StatusRequestEntityTooLarge, jsonrpc.NewError(jsonrpc.NullID, rpcErr))
		return
	}
	if !gw.inbound.Allow() {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeCapacity, "gateway is at capacity")
		writeRPC(w, http.StatusOK, jsonrpc.NewError(jsonrpc.NullID, rpcErr))
		return
	}

	req, rpcErr := gw.envelope.ValidateEnvelope(body)
	if rpcErr != nil {
		writeRPC(w, http.StatusOK, jsonrpc.NewError(jsonrpc.NullID, rpcErr))
		return
	}

	presented := apiKeyFrom(r)
	if presented == "" {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeUnauthorized, "missing API key")
		writeRPC(w, http.StatusUnauthorized, jsonrpc.NewError(req.ResponseID(), rpcErr))
		return
	}
	rec, err := gw.keys.Resolve(presented)
	if err != nil {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeUnauthorized, "unknown API key")
		writeRPC(w, http.StatusUnauthorized, jsonrpc.NewError(req.ResponseID(), rpcErr))
		return
	}
	if !rec.Active {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeForbidden, "key is revoked")
		writeRPC(w, http.StatusOK, jsonrpc.NewError(req.ResponseID(), rpcErr))
		return
	}
	if rec.ExpiresAtMs > 0 && rec.ExpiresAtMs <= gw.clk.NowMs() {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeForbidden, "key is expired")
		writeRPC(w, http.StatusOK, jsonrpc.NewError(req.ResponseID(), rpcErr))
		return
	}

	resp, status := gw.dispatch(r.Context(), req, rec)
	writeRPC(w, status, resp)
}

// apiKeyFrom pulls the caller's key from X-API-Key or a bearer token.
func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeRPC(w http.ResponseWriter, status int, resp jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

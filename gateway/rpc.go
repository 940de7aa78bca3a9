package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/codes"

	"github.com/walker77/paygate-mcp-sub010/features/backend"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/buffer"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/jsonrpc"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keygroup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/metrics"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/pipeline"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/ratelimit"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/retry"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/validate"
)

// Pipeline metadata keys used by the gateway's own handlers.
const (
	metaSessionID = "sessionId"
	metaBackendID = "backendId"
)

// dispatch routes one authenticated request to its method handler and
// returns the response plus the HTTP status to serve it with.
func (gw *Gateway) dispatch(ctx context.Context, req *jsonrpc.Request, rec keystore.KeyRecord) (jsonrpc.Response, int) {
	switch req.Method {
	case "initialize":
		return gw.initialize(ctx, req)
	case "ping":
		return gw.ping(req), http.StatusOK
	case "tools/list":
		return gw.toolsList(ctx, req, rec)
	case "tools/call":
		return gw.toolsCall(ctx, req, rec)
	case "tasks/send":
		return gw.tasksSend(ctx, req, rec), http.StatusOK
	case "tasks/get":
		return gw.tasksGet(req, rec), http.StatusOK
	case "tasks/cancel":
		return gw.tasksCancel(req, rec), http.StatusOK
	default:
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "method %q not found", req.Method)
		return jsonrpc.NewError(req.ResponseID(), rpcErr), http.StatusOK
	}
}

// initialize answers with the proxy identity and the backend handshake
// result passed through under "backend".
func (gw *Gateway) initialize(ctx context.Context, req *jsonrpc.Request) (jsonrpc.Response, int) {
	params, err := req.ParamsMap()
	if err != nil {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "params must be an object")
		return jsonrpc.NewError(req.ResponseID(), rpcErr), http.StatusOK
	}
	if len(params) == 0 {
		params = backend.InitializeParams(Name, Version, "")
	}
	raw, err := gw.forwardRaw(ctx, "initialize", params)
	if err != nil {
		return errorResponse(req, err), http.StatusOK
	}
	result := map[string]any{
		"protocolVersion": backend.DefaultProtocolVersion,
		"serverInfo":      map[string]any{"name": Name, "version": Version},
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"backend":         json.RawMessage(raw),
	}
	resp, rerr := jsonrpc.NewResult(req.ResponseID(), result)
	if rerr != nil {
		return errorResponse(req, rerr), http.StatusOK
	}
	return resp, http.StatusOK
}

// ping is answered locally and never metered.
func (gw *Gateway) ping(req *jsonrpc.Request) jsonrpc.Response {
	resp, err := jsonrpc.NewResult(req.ResponseID(), struct{}{})
	if err != nil {
		return errorResponse(req, err)
	}
	return resp
}

// toolsList forwards the backend listing and filters it down to the
// tools the caller may actually invoke.
func (gw *Gateway) toolsList(ctx context.Context, req *jsonrpc.Request, rec keystore.KeyRecord) (jsonrpc.Response, int) {
	raw, err := gw.forwardRaw(ctx, "tools/list", struct{}{})
	if err != nil {
		return errorResponse(req, err), http.StatusOK
	}
	var listing struct {
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		wrapped := proxyerr.Wrap(proxyerr.KindUpstream, "decode backend tool list", err)
		return errorResponse(req, wrapped), http.StatusOK
	}
	acl := gw.groups.EffectiveACL(rec.Key, keygroup.ACL{Allow: rec.AllowedTools, Deny: rec.DeniedTools})
	visible := lo.Filter(listing.Tools, func(t map[string]any, _ int) bool {
		name, _ := t["name"].(string)
		if name == "" || !acl.Allows(name) {
			return false
		}
		return gw.scopes.Check(rec.Key, name).Allowed
	})
	if visible == nil {
		visible = []map[string]any{}
	}
	resp, rerr := jsonrpc.NewResult(req.ResponseID(), map[string]any{"tools": visible})
	if rerr != nil {
		return errorResponse(req, rerr), http.StatusOK
	}
	return resp, http.StatusOK
}

// toolsCall runs the full metered pipeline for one tool invocation.
func (gw *Gateway) toolsCall(ctx context.Context, req *jsonrpc.Request, rec keystore.KeyRecord) (jsonrpc.Response, int) {
	params, err := req.ParamsMap()
	if err != nil {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "params must be an object")
		return jsonrpc.NewError(req.ResponseID(), rpcErr), http.StatusOK
	}
	tool, _ := params["name"].(string)
	if tool == "" {
		rpcErr := jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "params.name is required")
		return jsonrpc.NewError(req.ResponseID(), rpcErr), http.StatusOK
	}

	rc := pipeline.NewCtx(req.Method, tool, rec.Key)
	rc.Params = params
	rc.KeyRecord = rec
	rc.CostCredits = gw.costOf(tool)

	ctx, span := gw.trc.Start(ctx, "paygate.tools/call")
	defer span.End()

	if err := gw.admit(ctx, rc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "denied")
		return gw.denialResponse(req, rc, err)
	}
	result, ferr := gw.forward(ctx, rc)
	if ferr != nil {
		gw.settleFailure(ctx, rc, ferr)
		span.RecordError(ferr)
		span.SetStatus(codes.Error, "forward failed")
		return errorResponse(req, ferr), http.StatusOK
	}
	gw.settleSuccess(ctx, rc, result)
	span.SetStatus(codes.Ok, "")
	return jsonrpc.NewRawResult(req.ResponseID(), result), http.StatusOK
}

// admit runs every admission gate in order. A nil return means the
// request may be forwarded.
func (gw *Gateway) admit(ctx context.Context, rc *pipeline.Ctx) error {
	rec := rc.KeyRecord
	key := rc.Key
	tool := rc.Tool

	if operational, w := gw.maint.Operational(); !operational {
		msg := "maintenance in progress"
		if w != nil && w.Message != "" {
			msg = w.Message
		}
		err := proxyerr.Deniedf("%s", msg).WithData("deny", proxyerr.DenyMaintenance)
		if w != nil {
			err = err.WithData("windowId", w.ID).WithData("endsAtMs", w.EndMs)
		}
		return err
	}

	acl := gw.groups.EffectiveACL(key, keygroup.ACL{Allow: rec.AllowedTools, Deny: rec.DeniedTools})
	if !acl.Allows(tool) {
		return proxyerr.Deniedf("tool %q is not allowed for this key", tool).
			WithData("deny", proxyerr.DenyScope).
			WithData("tool", tool)
	}

	if d := gw.scopes.Check(key, tool); !d.Allowed {
		return d.Error()
	}

	// Group override wins over the key's own limit; both fall back to
	// the gateway default inside the limiter.
	var dec ratelimit.Decision
	if ov, ok := gw.groups.RateLimitFor(key); ok {
		dec = gw.limiter.CheckWithLimit(key, int(ov.Limit))
	} else {
		dec = gw.limiter.Check(key)
	}
	if err := dec.Error(); err != nil {
		return err
	}

	if err := gw.keys.CheckQuota(key, 1); err != nil {
		return err
	}
	if err := gw.checkBalance(key, rc.CostCredits); err != nil {
		return err
	}

	seen, dup, err := gw.dedup.Seen(key, rc.Method, tool, rc.Params)
	if err != nil {
		return err
	}
	if seen {
		return dup.Error()
	}

	if err := gw.tree.CheckSpend(key, rc.CostCredits); err != nil {
		return err
	}

	if gw.schemas.Known(tool) {
		args, _ := rc.Params["arguments"].(map[string]any)
		if violations := gw.schemas.Validate(tool, args); len(violations) > 0 {
			return validate.ViolationsError(tool, violations)
		}
	}

	// Charge overdue connection intervals, then make sure the balance
	// still covers this call.
	if charged := gw.assessFor(key); charged > 0 {
		if err := gw.checkBalance(key, rc.CostCredits); err != nil {
			return err
		}
	}

	if sid, ok := rc.Params[metaSessionID].(string); ok && sid != "" {
		if err := gw.sessions.Touch(sid); err != nil {
			return err
		}
		rc.Set(metaSessionID, sid)
	}

	res := gw.pipe.Run(ctx, pipeline.StagePre, rc)
	for _, he := range res.Errors {
		gw.log.Warn(ctx, "pre handler failed", "handler", he.Handler, "err", he.Err.Error())
	}
	if rc.Aborted() {
		if err := rc.AbortErr(); err != nil {
			return err
		}
		return proxyerr.Deniedf("%s", rc.AbortReason())
	}
	return nil
}

// checkBalance verifies the key can afford the call without mutating
// anything; the deduction happens after a successful forward.
func (gw *Gateway) checkBalance(key string, cost int64) error {
	bal, err := gw.keys.Credits(key)
	if err != nil {
		return err
	}
	if bal < cost {
		return proxyerr.Deniedf("insufficient credits: have %d, need %d", bal, cost).
			WithData("deny", proxyerr.DenyCredits).
			WithData("have", bal).
			WithData("need", cost)
	}
	return nil
}

// assessFor lazily charges due intervals on the key's billed
// connections and returns the total charged.
func (gw *Gateway) assessFor(key string) int64 {
	var charged int64
	for _, s := range gw.conns.Sessions() {
		if s.Key != key {
			continue
		}
		if a, err := gw.conns.Assess(s.ID); err == nil {
			charged += a.CreditsCharged
		}
	}
	return charged
}

// forward sends the admitted call to a picked backend. This is the only
// suspension point in the request path; no engine lock is held here.
func (gw *Gateway) forward(ctx context.Context, rc *pipeline.Ctx) (json.RawMessage, error) {
	id, caller, release, err := gw.pickBackend()
	if err != nil {
		return nil, err
	}
	defer release()
	rc.Set(metaBackendID, id)

	cctx, cancel := context.WithTimeout(ctx, gw.cfg.forwardTimeout())
	defer cancel()

	start := gw.clk.NowMs()
	var result json.RawMessage
	callErr := caller.Call(cctx, "tools/call", forwardParams(rc.Params), &result)
	rc.LatencyMs = gw.clk.NowMs() - start

	if callErr != nil {
		_ = gw.pool.ReportResult(id, http.StatusBadGateway, rc.LatencyMs)
		return nil, callErr
	}
	_ = gw.pool.ReportResult(id, http.StatusOK, rc.LatencyMs)
	return result, nil
}

// forwardRaw sends one unmetered call through the balancer.
func (gw *Gateway) forwardRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, caller, release, err := gw.pickBackend()
	if err != nil {
		return nil, err
	}
	defer release()

	cctx, cancel := context.WithTimeout(ctx, gw.cfg.forwardTimeout())
	defer cancel()

	start := gw.clk.NowMs()
	var result json.RawMessage
	callErr := caller.Call(cctx, method, params, &result)
	latency := gw.clk.NowMs() - start
	if callErr != nil {
		_ = gw.pool.ReportResult(id, http.StatusBadGateway, latency)
		return nil, callErr
	}
	_ = gw.pool.ReportResult(id, http.StatusOK, latency)
	return result, nil
}

// pickBackend chooses a healthy backend and reserves a connection slot.
// The release closure must run once the call finished.
func (gw *Gateway) pickBackend() (string, backend.Caller, func(), error) {
	b, _, err := gw.pool.Pick()
	if err != nil {
		return "", nil, nil, proxyerr.Wrap(proxyerr.KindUpstream, "no backend available", err)
	}
	caller, ok := gw.callerFor(b.ID)
	if !ok {
		return "", nil, nil, proxyerr.Upstreamf("backend %q has no caller", b.ID)
	}
	if err := gw.pool.Acquire(b.ID); err != nil {
		return "", nil, nil, err
	}
	release := func() { _ = gw.pool.Release(b.ID) }
	return b.ID, caller, release, nil
}

// settleSuccess runs the post-forward accounting: deduction, counters,
// ledger, notifications, and the post handler stage.
func (gw *Gateway) settleSuccess(ctx context.Context, rc *pipeline.Ctx, result json.RawMessage) {
	rc.Response = result
	key, tool, cost := rc.Key, rc.Tool, rc.CostCredits
	now := gw.clk.NowMs()

	if _, err := gw.keys.Charge(key, cost); err != nil {
		// Admission passed but a concurrent spend emptied the balance
		// before the deduct. The work is already done; log the
		// accounting gap instead of failing the response.
		gw.log.Error(ctx, "post-forward deduct failed", "key", key, "credits", cost, "err", err.Error())
	}
	if err := gw.keys.RecordUsage(key, 1); err != nil {
		gw.log.Warn(ctx, "usage counters not recorded", "key", key, "err", err.Error())
	}
	if err := gw.tree.RecordSpend(key, cost); err != nil {
		gw.log.Warn(ctx, "hierarchy spend not recorded", "key", key, "err", err.Error())
	}
	gw.usage.Record(metrics.Record{
		Key:       key,
		Tool:      tool,
		Status:    http.StatusOK,
		LatencyMs: rc.LatencyMs,
		Credits:   cost,
		AtMs:      now,
	})
	if err := gw.billing.RecordUsage(key, tool, 1, cost); err != nil {
		gw.log.Warn(ctx, "billing usage not recorded", "key", key, "err", err.Error())
	}
	gw.publishSLOAlerts(gw.slos.Record(tool, key, true, rc.LatencyMs))
	gw.trend.Record(key, cost)
	gw.observeQuota(key)
	if v, ok := rc.Get(metaSessionID); ok {
		if sid, _ := v.(string); sid != "" {
			if err := gw.sessions.RecordCall(sid, tool, cost); err != nil {
				gw.log.Warn(ctx, "session call not recorded", "session", sid, "err", err.Error())
			}
		}
	}
	if _, err := gw.events.Append(key, "tool.allowed", map[string]any{
		"tool":      tool,
		"credits":   cost,
		"latencyMs": rc.LatencyMs,
	}); err != nil {
		gw.log.Warn(ctx, "ledger append failed", "key", key, "err", err.Error())
	}
	gw.notifier.Publish("tool.allowed", map[string]string{
		"key":     key,
		"tool":    tool,
		"credits": strconv.FormatInt(cost, 10),
	})
	gw.pipe.Run(ctx, pipeline.StagePost, rc)

	gw.met.IncCounter("paygate.requests", 1, "method", rc.Method, "outcome", "ok")
	gw.met.IncCounter("paygate.credits.deducted", float64(cost), "tool", tool)
	gw.met.RecordTimer("paygate.forward.duration_ms", time.Duration(rc.LatencyMs)*time.Millisecond, "tool", tool)
}

// settleFailure runs the error-stage accounting. No credits move.
func (gw *Gateway) settleFailure(ctx context.Context, rc *pipeline.Ctx, callErr error) {
	rc.Err = callErr
	key, tool := rc.Key, rc.Tool
	now := gw.clk.NowMs()

	status := http.StatusBadGateway
	var rpcErr *jsonrpc.Error
	if errors.As(callErr, &rpcErr) {
		// The backend answered; the tool itself failed.
		status = http.StatusInternalServerError
	}
	gw.usage.Record(metrics.Record{
		Key:       key,
		Tool:      tool,
		Status:    status,
		LatencyMs: rc.LatencyMs,
		AtMs:      now,
	})
	gw.publishSLOAlerts(gw.slos.Record(tool, key, false, rc.LatencyMs))
	if _, err := gw.events.Append(key, "tool.failed", map[string]any{
		"tool":  tool,
		"error": callErr.Error(),
	}); err != nil {
		gw.log.Warn(ctx, "ledger append failed", "key", key, "err", err.Error())
	}
	gw.notifier.Publish("tool.failed", map[string]string{
		"key":   key,
		"tool":  tool,
		"error": callErr.Error(),
	})
	gw.pipe.Run(ctx, pipeline.StageError, rc)
	gw.met.IncCounter("paygate.requests", 1, "method", rc.Method, "outcome", "error")
	gw.log.Warn(ctx, "forward failed", "key", key, "tool", tool, "err", callErr.Error())
}

// denialResponse records an admission denial and shapes the error.
// Maintenance blocks are the one denial served with a non-200 status.
func (gw *Gateway) denialResponse(req *jsonrpc.Request, rc *pipeline.Ctx, err error) (jsonrpc.Response, int) {
	status := http.StatusOK
	deny, _ := proxyerr.DataOf(err)["deny"].(string)
	if deny == proxyerr.DenyMaintenance {
		status = http.StatusServiceUnavailable
	}
	if deny == proxyerr.DenyRateLimit {
		gw.met.IncCounter("paygate.ratelimit.denied", 1, "key", rc.Key)
	}
	gw.met.IncCounter("paygate.requests", 1, "method", rc.Method, "outcome", "denied")
	gw.usage.Record(metrics.Record{
		Key:    rc.Key,
		Tool:   rc.Tool,
		Status: proxyerr.HTTPStatus(err),
		AtMs:   gw.clk.NowMs(),
	})
	return errorResponse(req, err), status
}

// replayBuffered re-forwards one parked request. Admission already ran
// when the request was first seen; only the forward and its accounting
// repeat.
func (gw *Gateway) replayBuffered(ctx context.Context, item buffer.Item) error {
	var params map[string]any
	if err := json.Unmarshal(item.Payload, &params); err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "decode buffered request", err)
	}
	rec, err := gw.keys.GetKey(item.Key)
	if err != nil {
		return err
	}
	tool, _ := params["name"].(string)
	rc := pipeline.NewCtx(item.Method, tool, item.Key)
	rc.Params = params
	rc.KeyRecord = rec
	rc.CostCredits = gw.costOf(tool)
	result, err := gw.forward(ctx, rc)
	if err != nil {
		return err
	}
	gw.settleSuccess(ctx, rc, result)
	return nil
}

// errorResponse shapes any failure into a JSON-RPC error response.
// Backend tool errors pass through untouched; transport timeouts map to
// the upstream code.
func errorResponse(req *jsonrpc.Request, err error) jsonrpc.Response {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return jsonrpc.NewError(req.ResponseID(), rpcErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		wrapped := proxyerr.Wrap(proxyerr.KindUpstream, "backend timeout", err)
		return jsonrpc.NewError(req.ResponseID(), proxyerr.RPCError(wrapped))
	}
	return jsonrpc.NewError(req.ResponseID(), proxyerr.RPCError(err))
}

// forwardParams keeps the backend payload to the tool-call fields;
// routing extras like sessionId stay gateway-local.
func forwardParams(params map[string]any) map[string]any {
	out := map[string]any{"name": params["name"]}
	if args, ok := params["arguments"]; ok {
		out["arguments"] = args
	}
	return out
}

// encodeParams marshals pipeline params for buffering.
func encodeParams(params map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInternal, "encode buffered request", err)
	}
	return raw, nil
}

// isRetryableForward reports whether a failed forward may succeed on a
// replay. Backend-reported tool errors are deterministic; transport
// failures may clear.
func isRetryableForward(err error) bool {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	return retry.IsRetryable(err)
}

package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/walker77/paygate-mcp-sub010/features/backend/httprpc"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/abtest"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/billing"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/buffer"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/credit"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/export"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keygroup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/ledger"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/maintenance"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/notify"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/slo"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/webhook"
)

// adminRoutes mounts the operator API. Every handler is wrapped with
// the admin-key check; HTTP statuses mirror the error kinds.
func (gw *Gateway) adminRoutes(mux *http.ServeMux) {
	admin := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, gw.requireAdmin(h))
	}

	admin("POST /admin/keys", gw.adminCreateKey)
	admin("GET /admin/keys", gw.adminListKeys)
	admin("GET /admin/keys/{key}", gw.adminGetKey)
	admin("PATCH /admin/keys/{key}", gw.adminUpdateKey)
	admin("DELETE /admin/keys/{key}", gw.adminDeleteKey)
	admin("POST /admin/keys/{key}/credits", gw.adminAdjustCredits)
	admin("POST /admin/keys/{key}/rotate", gw.adminRotateKey)
	admin("GET /admin/keys/{key}/scopes", gw.adminKeyScopes)

	admin("POST /admin/transfers", gw.adminTransfer)
	admin("GET /admin/transfers", gw.adminTransferHistory)
	admin("POST /admin/transfers/{id}/reverse", gw.adminReverseTransfer)
	admin("POST /admin/credits/batch", gw.adminCreditBatch)

	admin("GET /admin/groups", gw.adminListGroups)
	admin("POST /admin/groups", gw.adminCreateGroup)
	admin("GET /admin/groups/{id}", gw.adminGetGroup)
	admin("DELETE /admin/groups/{id}", gw.adminDeleteGroup)
	admin("POST /admin/groups/{id}/assign", gw.adminAssignGroup)

	admin("GET /admin/scopes", gw.adminListScopes)
	admin("POST /admin/scopes", gw.adminDefineScope)
	admin("POST /admin/scopes/require", gw.adminRequireScope)
	admin("POST /admin/scopes/grant", gw.adminGrantScope)
	admin("POST /admin/scopes/revoke", gw.adminRevokeScope)

	admin("POST /admin/hierarchy/link", gw.adminLinkHierarchy)
	admin("GET /admin/hierarchy/{key}", gw.adminGetHierarchy)
	admin("DELETE /admin/hierarchy/{key}", gw.adminRemoveCascade)

	admin("GET /admin/ledger/{aggregate}", gw.adminLedger)
	admin("GET /admin/metrics", gw.adminMetrics)
	admin("GET /admin/usage/export", gw.adminUsageExport)
	admin("GET /admin/forecast/{key}", gw.adminForecast)

	admin("GET /admin/invoices", gw.adminListInvoices)
	admin("POST /admin/invoices", gw.adminGenerateInvoice)
	admin("GET /admin/invoices/{id}", gw.adminGetInvoice)
	admin("POST /admin/invoices/{id}/finalize", gw.adminInvoiceTransition(gw.billing.FinalizeInvoice))
	admin("POST /admin/invoices/{id}/pay", gw.adminInvoiceTransition(gw.billing.MarkPaid))
	admin("POST /admin/invoices/{id}/void", gw.adminInvoiceTransition(gw.billing.VoidInvoice))
	admin("POST /admin/billing/subscriptions", gw.adminSubscribe)
	admin("GET /admin/billing/subscriptions/{key}", gw.adminGetSubscription)
	admin("DELETE /admin/billing/subscriptions/{key}", gw.adminCancelSubscription)

	admin("GET /admin/maintenance", gw.adminMaintenance)
	admin("POST /admin/maintenance", gw.adminScheduleMaintenance)
	admin("POST /admin/maintenance/{id}/cancel", gw.adminMaintenanceTransition(gw.maint.Cancel))
	admin("POST /admin/maintenance/{id}/complete", gw.adminMaintenanceTransition(gw.maint.Complete))

	admin("GET /admin/slos", gw.adminListSLOs)
	admin("POST /admin/slos", gw.adminCreateSLO)
	admin("GET /admin/slos/{id}/status", gw.adminSLOStatus)
	admin("DELETE /admin/slos/{id}", gw.adminDeleteSLO)

	admin("GET /admin/experiments", gw.adminListExperiments)
	admin("POST /admin/experiments", gw.adminCreateExperiment)
	admin("GET /admin/experiments/{id}", gw.adminExperimentResults)
	admin("POST /admin/experiments/{id}/convert", gw.adminConvert)
	admin("POST /admin/experiments/{id}/stop", gw.adminStopExperiment)

	admin("GET /admin/notify/channels", gw.adminListChannels)
	admin("POST /admin/notify/channels", gw.adminAddChannel)
	admin("GET /admin/notify/rules", gw.adminListRules)
	admin("POST /admin/notify/rules", gw.adminAddRule)
	admin("GET /admin/notify/deliveries", gw.adminNotifyDeliveries)
	admin("POST /admin/notify/test", gw.adminTestWebhook)
	admin("GET /admin/webhooks/deliveries", gw.adminWebhookDeliveries)

	admin("GET /admin/sessions", gw.adminListSessions)
	admin("POST /admin/sessions", gw.adminBeginSession)
	admin("DELETE /admin/sessions/{id}", gw.adminEndSession)
	admin("POST /admin/connections", gw.adminOpenConnection)
	admin("DELETE /admin/connections/{id}", gw.adminCloseConnection)

	admin("GET /admin/tools", gw.adminListTools)
	admin("POST /admin/tools", gw.adminRegisterTool)

	admin("GET /admin/rotation/policies", gw.adminListRotationPolicies)
	admin("POST /admin/rotation/policies", gw.adminCreateRotationPolicy)
	admin("PATCH /admin/rotation/policies/{id}", gw.adminUpdateRotationPolicy)
	admin("DELETE /admin/rotation/policies/{id}", gw.adminDeleteRotationPolicy)

	admin("GET /admin/buffer", gw.adminBufferStats)
	admin("POST /admin/buffer/start", gw.adminStartBuffering)
	admin("POST /admin/buffer/drain", gw.adminDrainBuffer)

	admin("GET /admin/backends", gw.adminListBackends)
	admin("POST /admin/backends", gw.adminAddBackend)
	admin("POST /admin/backends/{id}/health", gw.adminSetBackendHealth)
	admin("DELETE /admin/backends/{id}", gw.adminRemoveBackend)

	admin("GET /admin/status", gw.adminStatus)
}

// requireAdmin gates a handler on X-Admin-Key.
func (gw *Gateway) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !gw.adminAuthorized(r.Header.Get("X-Admin-Key")) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "admin key required"})
			return
		}
		next(w, r)
	}
}

// adminAuthorized memoizes successful compares for a short window so the
// hot admin path skips the constant-time scan.
func (gw *Gateway) adminAuthorized(presented string) bool {
	if presented == "" {
		return false
	}
	if _, ok := gw.adminSeen.Get(presented); ok {
		return true
	}
	gw.mu.Lock()
	expected := gw.adminKey
	gw.mu.Unlock()
	if expected == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return false
	}
	gw.adminSeen.SetDefault(presented, true)
	return true
}

// --- keys ---

func (gw *Gateway) adminCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string            `json:"name"`
		Prefix       string            `json:"prefix"`
		Credits      int64             `json:"credits"`
		ExpiresAtMs  int64             `json:"expiresAtMs"`
		AllowedTools []string          `json:"allowedTools"`
		DeniedTools  []string          `json:"deniedTools"`
		RateLimit    int               `json:"rateLimit"`
		DailyQuota   int64             `json:"dailyQuota"`
		MonthlyQuota int64             `json:"monthlyQuota"`
		Metadata     map[string]string `json:"metadata"`
		Scopes       []string          `json:"scopes"`
		Group        string            `json:"group"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	rec, err := gw.keys.CreateKey(keystore.CreateOptions{
		Name:         req.Name,
		Prefix:       req.Prefix,
		Credits:      req.Credits,
		ExpiresAtMs:  req.ExpiresAtMs,
		AllowedTools: req.AllowedTools,
		DeniedTools:  req.DeniedTools,
		RateLimit:    req.RateLimit,
		DailyQuota:   req.DailyQuota,
		MonthlyQuota: req.MonthlyQuota,
		Metadata:     req.Metadata,
	})
	if err != nil {
		adminError(w, err)
		return
	}
	if rec.RateLimit > 0 {
		gw.limiter.SetKeyLimit(rec.Key, rec.RateLimit)
	}
	for _, sc := range req.Scopes {
		if err := gw.scopes.Grant(rec.Key, sc); err != nil {
			adminError(w, err)
			return
		}
	}
	if req.Group != "" {
		if err := gw.groups.AssignKey(rec.Key, req.Group); err != nil {
			adminError(w, err)
			return
		}
		gw.persist(r.Context())
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (gw *Gateway) adminListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": gw.keys.ListKeys()})
}

func (gw *Gateway) adminGetKey(w http.ResponseWriter, r *http.Request) {
	rec, err := gw.keys.GetKey(r.PathValue("key"))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (gw *Gateway) adminUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         *string            `json:"name"`
		Active       *bool              `json:"active"`
		ExpiresAtMs  *int64             `json:"expiresAtMs"`
		AllowedTools *[]string          `json:"allowedTools"`
		DeniedTools  *[]string          `json:"deniedTools"`
		RateLimit    *int               `json:"rateLimit"`
		DailyQuota   *int64             `json:"dailyQuota"`
		MonthlyQuota *int64             `json:"monthlyQuota"`
		Metadata     *map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	key := r.PathValue("key")
	rec, err := gw.keys.UpdateKey(key, keystore.UpdateOptions{
		Name:         req.Name,
		Active:       req.Active,
		ExpiresAtMs:  req.ExpiresAtMs,
		AllowedTools: req.AllowedTools,
		DeniedTools:  req.DeniedTools,
		RateLimit:    req.RateLimit,
		DailyQuota:   req.DailyQuota,
		MonthlyQuota: req.MonthlyQuota,
		Metadata:     req.Metadata,
	})
	if err != nil {
		adminError(w, err)
		return
	}
	if req.RateLimit != nil {
		gw.limiter.SetKeyLimit(key, *req.RateLimit)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (gw *Gateway) adminDeleteKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := gw.keys.DeleteKey(key); err != nil {
		adminError(w, err)
		return
	}
	gw.limiter.Reset(key)
	gw.groups.UnassignKey(key)
	gw.persist(r.Context())
	gw.appendEvent(r.Context(), key, "key.deleted", nil)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": key})
}

func (gw *Gateway) adminAdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Op     string `json:"op"`
		Amount int64  `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	key := r.PathValue("key")
	var (
		rec keystore.KeyRecord
		err error
	)
	switch req.Op {
	case "set":
		rec, err = gw.keys.SetCredits(key, req.Amount)
	case "add":
		rec, err = gw.keys.AddCredits(key, req.Amount)
	case "deduct":
		rec, err = gw.keys.DeductCredits(key, req.Amount)
	default:
		adminError(w, proxyerr.Validationf("op must be set, add or deduct"))
		return
	}
	if err != nil {
		adminError(w, err)
		return
	}
	gw.appendEvent(r.Context(), key, "credits.adjusted", map[string]any{
		"op":      req.Op,
		"amount":  req.Amount,
		"balance": rec.Credits,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (gw *Gateway) adminRotateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GraceMs int64 `json:"graceMs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	key := r.PathValue("key")
	rec, err := gw.keys.Rotate(key, req.GraceMs)
	if err != nil {
		adminError(w, err)
		return
	}
	gw.appendEvent(r.Context(), rec.Key, "key.rotated", map[string]any{
		"previous": key,
		"graceMs":  req.GraceMs,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (gw *Gateway) adminKeyScopes(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	writeJSON(w, http.StatusOK, map[string]any{
		"grants":         gw.scopes.KeyScopes(key),
		"effectiveTools": gw.scopes.EffectiveTools(key),
	})
}

// --- credit movement ---

func (gw *Gateway) adminTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	tr, err := gw.credits.Move(req.From, req.To, req.Amount, req.Reason)
	if err != nil {
		adminError(w, err)
		return
	}
	gw.appendEvent(r.Context(), tr.From, "transfer.sent", map[string]any{
		"to": tr.To, "amount": tr.Amount, "transferId": tr.ID,
	})
	gw.appendEvent(r.Context(), tr.To, "transfer.received", map[string]any{
		"from": tr.From, "amount": tr.Amount, "transferId": tr.ID,
	})
	writeJSON(w, http.StatusCreated, tr)
}

func (gw *Gateway) adminTransferHistory(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		adminError(w, proxyerr.Validationf("key query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": gw.credits.History(key)})
}

func (gw *Gateway) adminReverseTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	tr, err := gw.credits.Reverse(r.PathValue("id"), req.Reason)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (gw *Gateway) adminCreditBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Atomic bool        `json:"atomic"`
		Ops    []credit.Op `json:"ops"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gw.credits.RunBatch(req.Ops, req.Atomic))
}

// --- groups ---

func (gw *Gateway) adminListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"groups": gw.groups.Groups()})
}

func (gw *Gateway) adminCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string            `json:"name"`
		AllowedTools []string          `json:"allowedTools"`
		DeniedTools  []string          `json:"deniedTools"`
		RateLimit    *struct {
			Limit    int64 `json:"limit"`
			WindowMs int64 `json:"windowMs"`
		} `json:"rateLimit"`
		Meta map[string]string `json:"meta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	create := keygroup.CreateGroup{
		Name:         req.Name,
		AllowedTools: req.AllowedTools,
		DeniedTools:  req.DeniedTools,
		Meta:         req.Meta,
	}
	if req.RateLimit != nil {
		create.RateLimit = &keygroup.RateOverride{
			Limit:    req.RateLimit.Limit,
			WindowMs: req.RateLimit.WindowMs,
		}
	}
	g, err := gw.groups.CreateGroup(create)
	if err != nil {
		adminError(w, err)
		return
	}
	gw.persist(r.Context())
	writeJSON(w, http.StatusCreated, g)
}

func (gw *Gateway) adminGetGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, err := gw.groups.GetGroup(id)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":   g,
		"members": gw.groups.Members(id),
	})
}

func (gw *Gateway) adminDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := gw.groups.DeleteGroup(r.PathValue("id")); err != nil {
		adminError(w, err)
		return
	}
	gw.persist(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"deleted": r.PathValue("id")})
}

func (gw *Gateway) adminAssignGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key    string `json:"key"`
		Remove bool   `json:"remove"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if req.Remove {
		removed := gw.groups.UnassignKey(req.Key)
		gw.persist(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
		return
	}
	if err := gw.groups.AssignKey(req.Key, r.PathValue("id")); err != nil {
		adminError(w, err)
		return
	}
	gw.persist(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"assigned": req.Key})
}

// --- scopes ---

func (gw *Gateway) adminListScopes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"definitions": gw.scopes.Definitions()})
}

func (gw *Gateway) adminDefineScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string   `json:"name"`
		Tools    []string `json:"tools"`
		Includes []string `json:"includes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if err := gw.scopes.Define(req.Name, req.Tools, req.Includes); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"defined": req.Name})
}

func (gw *Gateway) adminRequireScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool  string `json:"tool"`
		Scope string `json:"scope"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if err := gw.scopes.Require(req.Tool, req.Scope); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": req.Tool, "scope": req.Scope})
}

func (gw *Gateway) adminGrantScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key         string `json:"key"`
		Scope       string `json:"scope"`
		ExpiresAtMs int64  `json:"expiresAtMs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	var err error
	if req.ExpiresAtMs > 0 {
		err = gw.scopes.GrantTemporary(req.Key, req.Scope, req.ExpiresAtMs)
	} else {
		err = gw.scopes.Grant(req.Key, req.Scope)
	}
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": req.Scope, "key": req.Key})
}

func (gw *Gateway) adminRevokeScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Scope string `json:"scope"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if err := gw.scopes.Revoke(req.Key, req.Scope); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": req.Scope, "key": req.Key})
}

// --- hierarchy ---

func (gw *Gateway) adminLinkHierarchy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parent  string `json:"parent"`
		Child   string `json:"child"`
		Ceiling int64  `json:"ceiling"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if err := gw.tree.Link(req.Parent, req.Child, req.Ceiling); err != nil {
		adminError(w, err)
		return
	}
	gw.appendEvent(r.Context(), req.Child, "hierarchy.linked", map[string]any{
		"parent":  req.Parent,
		"ceiling": req.Ceiling,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"parent": req.Parent, "child": req.Child})
}

func (gw *Gateway) adminGetHierarchy(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	resp := map[string]any{
		"children":  gw.tree.Children(key),
		"ancestors": gw.tree.Ancestors(key),
		"depth":     gw.tree.Depth(key),
	}
	if link, ok := gw.tree.Usage(key); ok {
		resp["link"] = link
	}
	writeJSON(w, http.StatusOK, resp)
}

// adminRemoveCascade unlinks a subtree and deletes every key in it.
func (gw *Gateway) adminRemoveCascade(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	removed := gw.tree.RemoveCascade(key)
	for _, k := range removed {
		if err := gw.keys.DeleteKey(k); err != nil {
			gw.log.Warn(r.Context(), "cascade delete skipped key", "key", k, "err", err.Error())
			continue
		}
		gw.limiter.Reset(k)
		gw.groups.UnassignKey(k)
	}
	gw.persist(r.Context())
	gw.appendEvent(r.Context(), key, "key.cascade_removed", map[string]any{
		"removed": removed,
	})
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// --- observability ---

func (gw *Gateway) adminLedger(w http.ResponseWriter, r *http.Request) {
	aggregate := r.PathValue("aggregate")
	q := r.URL.Query()
	f := ledger.Filter{
		AggregateID: aggregate,
		SinceSeq:    queryInt64(q.Get("sinceSeq")),
		FromMs:      queryInt64(q.Get("fromMs")),
		ToMs:        queryInt64(q.Get("toMs")),
		Offset:      int(queryInt64(q.Get("offset"))),
		Limit:       int(queryInt64(q.Get("limit"))),
	}
	if types := q.Get("types"); types != "" {
		f.Types = strings.Split(types, ",")
	}
	page := gw.events.Query(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"aggregate": aggregate,
		"version":   gw.events.Version(aggregate),
		"events":    page.Events,
		"total":     page.Total,
		"hasMore":   page.HasMore,
	})
}

func (gw *Gateway) adminMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if key := q.Get("key"); key != "" {
		writeJSON(w, http.StatusOK, gw.usage.KeyStats(key))
		return
	}
	if tool := q.Get("tool"); tool != "" {
		writeJSON(w, http.StatusOK, gw.usage.ToolStats(tool))
		return
	}
	writeJSON(w, http.StatusOK, gw.usage.Snapshot())
}

func (gw *Gateway) adminUsageExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := export.Request{
		Keys:   queryList(q.Get("keys")),
		Tools:  queryList(q.Get("tools")),
		FromMs: queryInt64(q.Get("fromMs")),
		ToMs:   queryInt64(q.Get("toMs")),
		Format: q.Get("format"),
		Limit:  int(queryInt64(q.Get("limit"))),
	}
	res, err := gw.exports.Export(req)
	if err != nil {
		adminError(w, err)
		return
	}
	ct := "application/json"
	if res.Format == export.FormatCSV {
		ct = "text/csv"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Content)
}

func (gw *Gateway) adminForecast(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	fc, err := gw.trend.Project(key)
	if err != nil {
		adminError(w, err)
		return
	}
	resp := map[string]any{"forecast": fc}
	if bal, err := gw.keys.Credits(key); err == nil {
		if etaDays, exhausts, err := gw.trend.ExhaustionEta(key, bal); err == nil {
			resp["exhausts"] = exhausts
			if exhausts {
				resp["exhaustionAtMs"] = gw.clk.NowMs() + etaDays*86_400_000
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- invoices and billing ---

func (gw *Gateway) adminListInvoices(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		adminError(w, proxyerr.Validationf("key query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": gw.billing.Invoices(key)})
}

func (gw *Gateway) adminGenerateInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	inv, err := gw.billing.GenerateInvoice(req.Key)
	if err != nil {
		adminError(w, err)
		return
	}
	gw.appendEvent(r.Context(), req.Key, "invoice.generated", map[string]any{
		"invoiceId":    inv.ID,
		"totalCredits": inv.TotalCredits,
	})
	writeJSON(w, http.StatusCreated, inv)
}

func (gw *Gateway) adminGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := gw.billing.GetInvoice(r.PathValue("id"))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// adminInvoiceTransition adapts the billing state transitions to one
// handler shape.
func (gw *Gateway) adminInvoiceTransition(fn func(string) (billing.Invoice, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inv, err := fn(r.PathValue("id"))
		if err != nil {
			adminError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	}
}

func (gw *Gateway) adminSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string `json:"key"`
		Frequency string `json:"frequency"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	sub, err := gw.billing.Subscribe(req.Key, billing.Frequency(req.Frequency))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (gw *Gateway) adminGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := gw.billing.Subscription(r.PathValue("key"))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (gw *Gateway) adminCancelSubscription(w http.ResponseWriter, r *http.Request) {
	if err := gw.billing.Cancel(r.PathValue("key")); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"canceled": r.PathValue("key")})
}

// --- maintenance ---

func (gw *Gateway) adminMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  gw.maint.GetStatus(),
		"windows": gw.maint.List(),
	})
}

func (gw *Gateway) adminScheduleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		StartMs      int64  `json:"startMs"`
		DurationMs   int64  `json:"durationMs"`
		BlockTraffic bool   `json:"blockTraffic"`
		Message      string `json:"message"`
		AutoComplete bool   `json:"autoComplete"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	win, err := gw.maint.Schedule(maintenance.ScheduleRequest{
		Name:         req.Name,
		StartMs:      req.StartMs,
		DurationMs:   req.DurationMs,
		BlockTraffic: req.BlockTraffic,
		Message:      req.Message,
		AutoComplete: req.AutoComplete,
	})
	if err != nil {
		adminError(w, err)
		return
	}
	gw.notifier.Publish("maintenance.scheduled", map[string]string{
		"windowId": win.ID,
		"name":     win.Name,
	})
	writeJSON(w, http.StatusCreated, win)
}

func (gw *Gateway) adminMaintenanceTransition(fn func(string) (maintenance.Window, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		win, err := fn(r.PathValue("id"))
		if err != nil {
			adminError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, win)
	}
}

// --- SLOs ---

func (gw *Gateway) adminListSLOs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"slos": gw.slos.List()})
}

func (gw *Gateway) adminCreateSLO(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string   `json:"name"`
		Kind        string   `json:"kind"`
		TargetPct   float64  `json:"targetPct"`
		ThresholdMs int64    `json:"thresholdMs"`
		WindowMs    int64    `json:"windowMs"`
		Tools       []string `json:"tools"`
		Keys        []string `json:"keys"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	created, err := gw.slos.Create(slo.SLO{
		Name:        req.Name,
		Kind:        slo.Kind(req.Kind),
		TargetPct:   req.TargetPct,
		ThresholdMs: req.ThresholdMs,
		WindowMs:    req.WindowMs,
		Tools:       req.Tools,
		Keys:        req.Keys,
	})
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (gw *Gateway) adminSLOStatus(w http.ResponseWriter, r *http.Request) {
	st, err := gw.slos.Status(r.PathValue("id"))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (gw *Gateway) adminDeleteSLO(w http.ResponseWriter, r *http.Request) {
	if err := gw.slos.Delete(r.PathValue("id")); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": r.PathValue("id")})
}

// --- experiments ---

func (gw *Gateway) adminListExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"experiments": gw.experiments.List()})
}

func (gw *Gateway) adminCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string           `json:"name"`
		Variants []abtest.Variant `json:"variants"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	exp, err := gw.experiments.Create(req.Name, req.Variants)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (gw *Gateway) adminExperimentResults(w http.ResponseWriter, r *http.Request) {
	res, err := gw.experiments.Results(r.PathValue("id"))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (gw *Gateway) adminConvert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key    string  `json:"key"`
		Metric string  `json:"metric"`
		Value  float64 `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if err := gw.experiments.Conversion(r.PathValue("id"), req.Key, req.Metric, req.Value); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

func (gw *Gateway) adminStopExperiment(w http.ResponseWriter, r *http.Request) {
	if err := gw.experiments.Stop(r.PathValue("id")); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": r.PathValue("id")})
}

// --- notifications and webhooks ---

func (gw *Gateway) adminListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": gw.notifier.Channels(),
		"stats":    gw.notifier.Stats(),
	})
}

func (gw *Gateway) adminAddChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Kind    string `json:"kind"`
		Target  string `json:"target"`
		Enabled *bool  `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	ch, err := gw.notifier.AddChannel(notify.Channel{
		ID:      req.ID,
		Kind:    req.Kind,
		Target:  req.Target,
		Enabled: enabled,
	})
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (gw *Gateway) adminListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": gw.notifier.Rules()})
}

func (gw *Gateway) adminAddRule(w http.ResponseWriter, r *http.Request) {
	var req notify.Rule
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	rule, err := gw.notifier.AddRule(req)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (gw *Gateway) adminNotifyDeliveries(w http.ResponseWriter, r *http.Request) {
	n := int(queryInt64(r.URL.Query().Get("n")))
	if n <= 0 {
		n = 50
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": gw.notifier.Recent(n)})
}

func (gw *Gateway) adminTestWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if req.URL == "" {
		adminError(w, proxyerr.Validationf("url is required"))
		return
	}
	if err := gw.SendTestWebhook(req.URL); err != nil {
		adminError(w, proxyerr.Wrap(proxyerr.KindUpstream, "test delivery failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

func (gw *Gateway) adminWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := webhook.Filter{
		EventType: q.Get("eventType"),
		Status:    q.Get("status"),
		URL:       q.Get("url"),
		SinceMs:   queryInt64(q.Get("sinceMs")),
		Limit:     int(queryInt64(q.Get("limit"))),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": gw.hooks.Query(f),
		"stats":      gw.hooks.Stats(),
	})
}

// --- sessions and connections ---

func (gw *Gateway) adminListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":       gw.sessions.Sessions(),
		"connections": gw.conns.Sessions(),
	})
}

func (gw *Gateway) adminBeginSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string            `json:"key"`
		TTLMs int64             `json:"ttlMs"`
		Meta  map[string]string `json:"meta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if _, err := gw.keys.GetKey(req.Key); err != nil {
		adminError(w, err)
		return
	}
	s, err := gw.sessions.Begin(req.Key, req.TTLMs, req.Meta)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (gw *Gateway) adminEndSession(w http.ResponseWriter, r *http.Request) {
	ended := gw.sessions.End(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"ended": ended})
}

func (gw *Gateway) adminOpenConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string `json:"key"`
		Transport string `json:"transport"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if _, err := gw.keys.GetKey(req.Key); err != nil {
		adminError(w, err)
		return
	}
	s, err := gw.conns.Open(req.Key, req.Transport)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (gw *Gateway) adminCloseConnection(w http.ResponseWriter, r *http.Request) {
	s, err := gw.conns.Close(r.PathValue("id"))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- tools ---

func (gw *Gateway) adminListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": gw.toolTable()})
}

func (gw *Gateway) adminRegisterTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string         `json:"name"`
		CostCredits int64          `json:"costCredits"`
		Scope       string         `json:"scope"`
		Schema      map[string]any `json:"schema"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	tc := ToolConfig{CostCredits: req.CostCredits, Scope: req.Scope, Schema: req.Schema}
	if err := gw.RegisterTool(req.Name, tc); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"registered": req.Name})
}

// --- rotation policies ---

func (gw *Gateway) adminListRotationPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": gw.rotations.List()})
}

func (gw *Gateway) adminCreateRotationPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key        string `json:"key"`
		IntervalMs int64  `json:"intervalMs"`
		GraceMs    int64  `json:"graceMs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if _, err := gw.keys.GetKey(req.Key); err != nil {
		adminError(w, err)
		return
	}
	p, err := gw.rotations.Create(req.Key, req.IntervalMs, req.GraceMs)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (gw *Gateway) adminUpdateRotationPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if req.Enabled == nil {
		adminError(w, proxyerr.Validationf("enabled is required"))
		return
	}
	p, err := gw.rotations.SetEnabled(r.PathValue("id"), *req.Enabled)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (gw *Gateway) adminDeleteRotationPolicy(w http.ResponseWriter, r *http.Request) {
	if err := gw.rotations.Remove(r.PathValue("id")); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": r.PathValue("id")})
}

// --- buffering ---

func (gw *Gateway) adminBufferStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.queue.Stats())
}

func (gw *Gateway) adminStartBuffering(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	if err := gw.StartBuffering(req.Reason); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buffering": true})
}

func (gw *Gateway) adminDrainBuffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Batch int `json:"batch"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	var (
		res buffer.DrainResult
		err error
	)
	if req.Batch > 0 {
		res, err = gw.queue.DrainBatch(req.Batch, func(item buffer.Item) error {
			return gw.replayBuffered(r.Context(), item)
		}, true)
	} else {
		res, err = gw.DrainBuffered(r.Context())
	}
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- backends ---

func (gw *Gateway) adminListBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"backends": gw.pool.Stats(),
		"strategy": gw.pool.Strategy(),
		"healthy":  gw.pool.HealthyCount(),
	})
}

func (gw *Gateway) adminAddBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		URL    string `json:"url"`
		Weight int    `json:"weight"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	caller, err := httprpc.New(r.Context(), httprpc.Options{
		Endpoint:      req.URL,
		Client:        gw.httpClient,
		ClientName:    Name,
		ClientVersion: Version,
	})
	if err != nil {
		adminError(w, err)
		return
	}
	if err := gw.AddBackend(req.ID, req.URL, req.Weight, caller); err != nil {
		_ = caller.Close()
		adminError(w, err)
		return
	}
	b, err := gw.pool.Get(req.ID)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (gw *Gateway) adminSetBackendHealth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Healthy bool `json:"healthy"`
	}
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, err)
		return
	}
	id := r.PathValue("id")
	var err error
	if req.Healthy {
		err = gw.pool.MarkHealthy(id)
	} else {
		err = gw.pool.SetHealth(id, false)
	}
	if err != nil {
		adminError(w, err)
		return
	}
	b, err := gw.pool.Get(id)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (gw *Gateway) adminRemoveBackend(w http.ResponseWriter, r *http.Request) {
	if err := gw.RemoveBackend(r.PathValue("id")); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": r.PathValue("id")})
}

// --- status ---

func (gw *Gateway) adminStatus(w http.ResponseWriter, r *http.Request) {
	now := gw.clk.NowMs()
	gw.mu.Lock()
	started := gw.startedAtMs
	gw.mu.Unlock()

	resp := map[string]any{
		"name":        Name,
		"version":     Version,
		"startedAtMs": started,
		"uptimeMs":    now - started,
		"maintenance": gw.maint.GetStatus(),
		"backends": map[string]any{
			"pool":    gw.pool.Stats(),
			"healthy": gw.pool.HealthyCount(),
		},
		"buffer": gw.queue.Stats(),
		"keys":   gw.keys.Len(),
		"sessions": map[string]any{
			"agent":       gw.sessions.ActiveCount(),
			"connections": gw.conns.Stats(),
		},
		"tasks":     gw.tasks.count(),
		"ratelimit": gw.limiter.Stats(),
		"dedup":     gw.dedup.Stats(),
		"ledger":    gw.events.Stats(),
	}
	if gw.store != nil {
		healthy := gw.store.Ping(r.Context()) == nil
		resp["state"] = map[string]any{"store": gw.store.Name(), "healthy": healthy}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- shared helpers ---

func (gw *Gateway) toolTable() map[string]ToolConfig {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	out := make(map[string]ToolConfig, len(gw.tools))
	for name, tc := range gw.tools {
		out[name] = tc
	}
	return out
}

func (gw *Gateway) appendEvent(ctx context.Context, key, eventType string, payload map[string]any) {
	if _, err := gw.events.Append(key, eventType, payload); err != nil {
		gw.log.Warn(ctx, "ledger append failed", "key", key, "event", eventType, "err", err.Error())
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return proxyerr.Validationf("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return proxyerr.Wrap(proxyerr.KindValidation, "decode request body", err)
	}
	return nil
}

func adminError(w http.ResponseWriter, err error) {
	payload := map[string]any{"error": err.Error()}
	if data := proxyerr.DataOf(err); len(data) > 0 {
		payload["data"] = data
	}
	writeJSON(w, proxyerr.HTTPStatus(err), payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt64(raw string) int64 {
	v, _ := strconv.ParseInt(raw, 10, 64)
	return v
}

func queryList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

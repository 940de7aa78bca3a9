// Package gateway assembles the metered JSON-RPC proxy: the HTTP tool
// surface, the admin surface, and the admission pipeline that every
// tools/call flows through. Engine packages under runtime/proxy hold the
// policy state machines; the gateway owns all I/O, wires the engines
// together, and is the only place goroutines and timers live.
//
// Request flow for a metered call: envelope validation, key resolution
// (rotation aliases included), active/expiry check, maintenance gate,
// ACL, scope check, rate limit, quota and credit check, dedup, hierarchy
// ceiling, argument schema, connection-billing assessment, pre handlers,
// balancer pick, forward, then post accounting. Credits are deducted
// only after a successful forward.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/walker77/paygate-mcp-sub010/features/backend"
	"github.com/walker77/paygate-mcp-sub010/features/state"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/abtest"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/balancer"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/billing"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/buffer"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/connbill"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/credit"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/dedup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/export"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/forecast"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/hierarchy"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keygroup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/ledger"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/maintenance"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/metrics"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/notify"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/pipeline"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/quotaalert"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/ratelimit"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/rotation"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/scope"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/session"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/slo"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/telemetry"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/validate"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/webhook"
)

// Name and Version identify the proxy on the initialize handshake.
const (
	Name    = "paygate"
	Version = "0.1.0"
)

// adminSessionTTL bounds how long a verified admin token skips the
// constant-time compare.
const adminSessionTTL = 5 * time.Minute

// rpcMethods is the allow-list enforced by the envelope validator.
var rpcMethods = []string{
	"initialize",
	"ping",
	"tools/list",
	"tools/call",
	"tasks/send",
	"tasks/get",
	"tasks/cancel",
}

type (
	// Gateway is the deployable proxy. Build one with New, register at
	// least one backend with AddBackend, then serve Handler or call Run.
	Gateway struct {
		cfg Config
		clk clock.Clock
		log telemetry.Logger
		met telemetry.Metrics
		trc telemetry.Tracer

		keys        *keystore.Store
		events      *ledger.Ledger
		limiter     *ratelimit.Limiter
		scopes      *scope.Manager
		tree        *hierarchy.Manager
		dedup       *dedup.Deduplicator
		envelope    *validate.Validator
		schemas     *validate.SchemaValidator
		pipe        *pipeline.Manager
		conns       *connbill.Manager
		sessions    *session.Manager
		billing     *billing.Manager
		credits     *credit.Manager
		pool        *balancer.Pool
		queue       *buffer.Queue
		maint       *maintenance.Manager
		slos        *slo.Monitor
		trend       *forecast.Engine
		usage       *metrics.Aggregator
		alerts      *quotaalert.Notifier
		notifier    *notify.Manager
		experiments *abtest.Manager
		groups      *keygroup.Manager
		rotations   *rotation.Scheduler
		hooks       *webhook.Log
		exports     *export.Engine

		inbound    *rate.Limiter
		compiled   *gocache.Cache
		adminSeen  *gocache.Cache
		httpClient *http.Client
		store      state.Store
		tasks      *taskStore

		mu             sync.Mutex
		callers        map[string]backend.Caller
		tools          map[string]ToolConfig
		adminKey       string
		adminGenerated bool
		startedAtMs    int64
	}

	// Option tunes a Gateway at construction.
	Option func(*Gateway)
)

// WithClock overrides the time source for every engine.
func WithClock(clk clock.Clock) Option {
	return func(gw *Gateway) {
		if clk != nil {
			gw.clk = clk
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log telemetry.Logger) Option {
	return func(gw *Gateway) {
		if log != nil {
			gw.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(met telemetry.Metrics) Option {
	return func(gw *Gateway) {
		if met != nil {
			gw.met = met
		}
	}
}

// WithTracer sets the tracer used around backend forwards.
func WithTracer(trc telemetry.Tracer) Option {
	return func(gw *Gateway) {
		if trc != nil {
			gw.trc = trc
		}
	}
}

// WithStateStore enables persistence. Key mutations save through the
// store best-effort; failures are logged, never fatal.
func WithStateStore(s state.Store) Option {
	return func(gw *Gateway) { gw.store = s }
}

// WithHTTPClient overrides the client used for webhook deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(gw *Gateway) {
		if c != nil {
			gw.httpClient = c
		}
	}
}

// New builds a Gateway with every engine wired to the shared clock and
// the config's tool table registered. It does no I/O; callers load
// persisted state with LoadState and attach backends with AddBackend.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		cfg:        cfg.withDefaults(),
		clk:        clock.System{},
		log:        telemetry.NewNoopLogger(),
		met:        telemetry.NewNoopMetrics(),
		trc:        telemetry.NewNoopTracer(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		callers:    make(map[string]backend.Caller),
		tools:      make(map[string]ToolConfig),
	}
	for _, opt := range opts {
		opt(gw)
	}
	cfg = gw.cfg

	gw.keys = keystore.New(keystore.WithClock(gw.clk))
	gw.events = ledger.New(ledger.WithClock(gw.clk))
	gw.limiter = ratelimit.New(
		ratelimit.WithClock(gw.clk),
		ratelimit.WithWindow(cfg.RateWindowMs, cfg.RateSubWindows),
		ratelimit.WithMaxRequests(cfg.DefaultRateLimit),
	)
	gw.scopes = scope.New(
		scope.WithClock(gw.clk),
		scope.WithAllowUnscopedTools(cfg.allowUnscoped()),
	)
	gw.tree = hierarchy.New(hierarchy.WithParentBalance(gw.balanceOf))

	dedupOpts := []dedup.Option{dedup.WithClock(gw.clk)}
	if cfg.DedupTTLMs > 0 {
		dedupOpts = append(dedupOpts, dedup.WithTTL(cfg.DedupTTLMs))
	}
	gw.dedup = dedup.New(dedupOpts...)

	gw.envelope = validate.NewValidator(
		validate.WithMaxPayloadBytes(cfg.MaxPayloadBytes),
		validate.WithAllowedMethods(rpcMethods...),
	)
	gw.schemas = validate.NewSchemaValidator()
	gw.pipe = pipeline.New()

	connOpts := []connbill.Option{
		connbill.WithClock(gw.clk),
		connbill.WithCreditCallbacks(gw.balanceOf, gw.deductFor),
		connbill.WithTerminateCallback(gw.connectionTerminated),
	}
	if cfg.ConnCreditsPerInterval > 0 && cfg.ConnIntervalMs > 0 {
		connOpts = append(connOpts, connbill.WithRate(cfg.ConnCreditsPerInterval, cfg.ConnIntervalMs))
	}
	if cfg.ConnGraceMs > 0 {
		connOpts = append(connOpts, connbill.WithGrace(cfg.ConnGraceMs))
	}
	if cfg.ConnIdleTimeoutMs > 0 {
		connOpts = append(connOpts, connbill.WithIdleTimeout(cfg.ConnIdleTimeoutMs))
	}
	if cfg.ConnMaxDurationMs > 0 {
		connOpts = append(connOpts, connbill.WithMaxDuration(cfg.ConnMaxDurationMs))
	}
	gw.conns = connbill.New(connOpts...)

	gw.sessions = session.New(
		session.WithClock(gw.clk),
		session.WithDefaultTTL(cfg.SessionTTLMs),
	)
	gw.billing = billing.New(billing.WithClock(gw.clk))
	gw.credits = credit.New(gw.keys, credit.WithClock(gw.clk))

	poolOpts := []balancer.Option{balancer.WithClock(gw.clk)}
	if cfg.Strategy != "" {
		poolOpts = append(poolOpts, balancer.WithStrategy(balancer.Strategy(cfg.Strategy)))
	}
	gw.pool = balancer.New(poolOpts...)

	gw.queue = buffer.New(buffer.WithClock(gw.clk))
	gw.maint = maintenance.New(maintenance.WithClock(gw.clk))
	gw.slos = slo.New(slo.WithClock(gw.clk))
	gw.trend = forecast.New(forecast.WithClock(gw.clk))
	gw.usage = metrics.New(metrics.WithClock(gw.clk))

	thresholds := cfg.QuotaAlertThresholds
	alerts, err := quotaalert.New(thresholds, quotaalert.WithClock(gw.clk))
	if err != nil {
		return nil, fmt.Errorf("quota alert thresholds: %w", err)
	}
	gw.alerts = alerts

	gw.notifier = notify.New(notify.WithClock(gw.clk))
	gw.experiments = abtest.New(abtest.WithClock(gw.clk))
	gw.groups = keygroup.New(keygroup.WithClock(gw.clk))
	gw.rotations = rotation.New(rotation.WithClock(gw.clk))
	gw.hooks = webhook.New(webhook.WithClock(gw.clk))
	gw.exports = export.New(gw.usage)

	gw.inbound = rate.NewLimiter(rate.Limit(cfg.InboundRatePerSec), cfg.InboundBurst)
	gw.compiled = gocache.New(gocache.NoExpiration, 0)
	gw.adminSeen = gocache.New(adminSessionTTL, 0)
	gw.tasks = newTaskStore(gw.clk)
	gw.adminKey = cfg.AdminKey
	gw.startedAtMs = gw.clk.NowMs()

	if err := gw.registerTools(cfg.Tools); err != nil {
		return nil, err
	}

	gw.notifier.RegisterDispatcher("log", gw.dispatchLog)
	gw.notifier.RegisterDispatcher("webhook", gw.dispatchWebhook)

	if err := gw.pipe.Register(pipeline.StagePre, pipeline.Handler{
		Name:            "experiment-assign",
		Priority:        -100,
		ContinueOnError: true,
		Func:            gw.assignExperiments,
	}); err != nil {
		return nil, err
	}
	if err := gw.pipe.Register(pipeline.StageError, pipeline.Handler{
		Name:            "buffer-capture",
		Priority:        -100,
		ContinueOnError: true,
		Func:            gw.captureBuffered,
	}); err != nil {
		return nil, err
	}

	if gw.store != nil {
		gw.keys.SetPersister(func(keystore.Snapshot) {
			gw.persist(context.Background())
		})
	}
	return gw, nil
}

// registerTools installs the config's tool table: argument schemas
// (compile-checked), scope definitions, and scope requirements.
func (gw *Gateway) registerTools(tools map[string]ToolConfig) error {
	scopeTools := make(map[string][]string)
	for name, tc := range tools {
		gw.tools[name] = tc
		if tc.Schema != nil {
			if err := gw.registerToolSchema(name, tc.Schema); err != nil {
				return err
			}
		}
		if tc.Scope != "" {
			scopeTools[tc.Scope] = append(scopeTools[tc.Scope], name)
		}
	}
	names := make([]string, 0, len(scopeTools))
	for s := range scopeTools {
		names = append(names, s)
	}
	sort.Strings(names)
	for _, s := range names {
		granted := scopeTools[s]
		sort.Strings(granted)
		if err := gw.scopes.Define(s, granted, nil); err != nil {
			return err
		}
	}
	for name, tc := range tools {
		if tc.Scope == "" {
			continue
		}
		if err := gw.scopes.Require(name, tc.Scope); err != nil {
			return err
		}
	}
	return nil
}

// registerToolSchema compile-checks a schema document with the full
// JSON-Schema compiler before handing it to the per-request subset
// validator. The compiled form is cached for admin introspection.
func (gw *Gateway) registerToolSchema(tool string, schema map[string]any) error {
	c := jsonschema.NewCompiler()
	res := tool + ".json"
	if err := c.AddResource(res, schema); err != nil {
		return proxyerr.Wrap(proxyerr.KindValidation, "add schema resource "+tool, err)
	}
	compiled, err := c.Compile(res)
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindValidation, "compile schema "+tool, err)
	}
	gw.compiled.Set(tool, compiled, gocache.NoExpiration)
	return gw.schemas.Register(tool, schema)
}

// RegisterTool adds or replaces a tool's price, scope, and schema at
// runtime. Used by the admin surface.
func (gw *Gateway) RegisterTool(name string, tc ToolConfig) error {
	if name == "" {
		return proxyerr.Validationf("tool name is required")
	}
	if tc.Schema != nil {
		if err := gw.registerToolSchema(name, tc.Schema); err != nil {
			return err
		}
	}
	if tc.Scope != "" {
		if err := gw.scopes.Define(tc.Scope, []string{name}, nil); err != nil {
			return err
		}
		if err := gw.scopes.Require(name, tc.Scope); err != nil {
			return err
		}
	}
	gw.mu.Lock()
	gw.tools[name] = tc
	gw.mu.Unlock()
	return nil
}

// costOf prices one call of the named tool.
func (gw *Gateway) costOf(tool string) int64 {
	gw.mu.Lock()
	tc, ok := gw.tools[tool]
	gw.mu.Unlock()
	if ok && tc.CostCredits > 0 {
		return tc.CostCredits
	}
	return gw.cfg.DefaultCostCredits
}

// balanceOf adapts the key store to the balance callbacks used by the
// hierarchy and connection-billing engines.
func (gw *Gateway) balanceOf(key string) int64 {
	bal, err := gw.keys.Credits(key)
	if err != nil {
		return 0
	}
	return bal
}

// deductFor charges interval credits accrued by a billed connection.
func (gw *Gateway) deductFor(key string, credits int64) error {
	_, err := gw.keys.DeductCredits(key, credits)
	return err
}

// connectionTerminated runs outside the connbill lock for every
// assessment that decided to end a session.
func (gw *Gateway) connectionTerminated(sessionID, reason string) {
	ctx := context.Background()
	gw.log.Info(ctx, "connection terminated", "session", sessionID, "reason", reason)
	gw.notifier.Publish("session.terminated", map[string]string{
		"sessionId": sessionID,
		"reason":    reason,
	})
}

// assignExperiments is the built-in pre handler that lands the calling
// key on a variant of every active experiment.
func (gw *Gateway) assignExperiments(ctx context.Context, rc *pipeline.Ctx) error {
	for _, exp := range gw.experiments.List() {
		if !exp.Active {
			continue
		}
		v, err := gw.experiments.Assign(exp.ID, rc.Key)
		if err != nil {
			continue
		}
		rc.Set("experiment:"+exp.Name, v.Name)
	}
	return nil
}

// captureBuffered is the built-in error handler that parks retryable
// failed forwards while the queue is buffering.
func (gw *Gateway) captureBuffered(ctx context.Context, rc *pipeline.Ctx) error {
	if gw.queue.State() != buffer.StateBuffering {
		return nil
	}
	if !isRetryableForward(rc.Err) {
		return nil
	}
	payload, err := encodeParams(rc.Params)
	if err != nil {
		return err
	}
	return gw.queue.Enqueue(buffer.Item{
		Key:     rc.Key,
		Method:  rc.Method,
		Payload: payload,
	})
}

// AddBackend registers a pick target and the caller that serves it.
func (gw *Gateway) AddBackend(id, url string, weight int, caller backend.Caller) error {
	if caller == nil {
		return proxyerr.Validationf("backend caller is required")
	}
	if _, err := gw.pool.Add(id, url, weight); err != nil {
		return err
	}
	gw.mu.Lock()
	gw.callers[id] = caller
	gw.mu.Unlock()
	return nil
}

// ReplaceBackend swaps the caller behind an existing pool entry, closing
// the old one. Used when a crashed stdio backend is restarted.
func (gw *Gateway) ReplaceBackend(id string, caller backend.Caller) error {
	if caller == nil {
		return proxyerr.Validationf("backend caller is required")
	}
	gw.mu.Lock()
	old, ok := gw.callers[id]
	if !ok {
		gw.mu.Unlock()
		return proxyerr.NotFoundf("backend %q is not registered", id)
	}
	gw.callers[id] = caller
	gw.mu.Unlock()
	if err := gw.pool.MarkHealthy(id); err != nil {
		return err
	}
	return old.Close()
}

// RemoveBackend drops a pool entry and closes its caller.
func (gw *Gateway) RemoveBackend(id string) error {
	if err := gw.pool.Remove(id); err != nil {
		return err
	}
	gw.mu.Lock()
	old, ok := gw.callers[id]
	delete(gw.callers, id)
	gw.mu.Unlock()
	if ok {
		return old.Close()
	}
	return nil
}

func (gw *Gateway) callerFor(id string) (backend.Caller, bool) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	c, ok := gw.callers[id]
	return c, ok
}

// LoadState restores keys, groups, and the admin key from the
// configured store. Missing state is not an error.
func (gw *Gateway) LoadState(ctx context.Context) error {
	if gw.store == nil {
		return nil
	}
	st, err := gw.store.Load(ctx)
	if err != nil {
		return err
	}
	gw.keys.Restore(st.Keys)
	gw.groups.Restore(st.Groups)
	for _, rec := range gw.keys.ListKeys() {
		if rec.RateLimit > 0 {
			gw.limiter.SetKeyLimit(rec.Key, rec.RateLimit)
		}
	}
	gw.mu.Lock()
	if gw.adminKey == "" {
		gw.adminKey = st.AdminKey
	}
	gw.mu.Unlock()
	return nil
}

// EnsureAdminKey returns the admin key, generating and persisting one
// when neither config nor state supplied it. The second return reports
// whether this call generated the key; cmd prints it exactly once.
func (gw *Gateway) EnsureAdminKey() (string, bool) {
	gw.mu.Lock()
	generated := false
	if gw.adminKey == "" {
		gw.adminKey = newAdminKey()
		gw.adminGenerated = true
		generated = true
	}
	key := gw.adminKey
	gw.mu.Unlock()
	if generated {
		gw.persist(context.Background())
	}
	return key, generated
}

// AdminKey returns the current admin key, which may be empty before
// EnsureAdminKey ran.
func (gw *Gateway) AdminKey() string {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.adminKey
}

// persist writes the full state snapshot through the store. Best
// effort: failures are logged and swallowed.
func (gw *Gateway) persist(ctx context.Context) {
	if gw.store == nil {
		return
	}
	st := state.State{
		AdminKey:  gw.AdminKey(),
		Keys:      gw.keys.Snapshot(),
		Groups:    gw.groups.Snapshot(),
		SavedAtMs: gw.clk.NowMs(),
	}
	if err := gw.store.Save(ctx, st); err != nil {
		gw.log.Warn(ctx, "state save failed", "err", err.Error())
	}
}

// Close shuts every backend caller, saves state one last time, and
// closes the store.
func (gw *Gateway) Close(ctx context.Context) error {
	gw.mu.Lock()
	callers := gw.callers
	gw.callers = make(map[string]backend.Caller)
	gw.mu.Unlock()

	var errs []error
	for id, c := range callers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend %s: %w", id, err))
		}
	}
	gw.persist(ctx)
	if gw.store != nil {
		if err := gw.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close state store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// AssessConnections charges due intervals on every billed connection.
// cmd runs this on a ticker.
func (gw *Gateway) AssessConnections(ctx context.Context) {
	for _, a := range gw.conns.AssessAll() {
		if a.CreditsCharged > 0 {
			gw.log.Debug(ctx, "connection billed",
				"session", a.SessionID, "key", a.Key, "credits", a.CreditsCharged)
		}
	}
}

// RunDueRotations rotates every key whose policy is due, records the
// rotation, and reschedules. cmd runs this on a ticker.
func (gw *Gateway) RunDueRotations(ctx context.Context) {
	for _, p := range gw.rotations.DueRotations(gw.clk.NowMs()) {
		rec, err := gw.keys.Rotate(p.Key, p.GraceMs)
		if err != nil {
			gw.log.Warn(ctx, "rotation failed", "key", p.Key, "err", err.Error())
			continue
		}
		if _, err := gw.rotations.MarkRotated(p.ID, rec.Key); err != nil {
			gw.log.Warn(ctx, "rotation mark failed", "policy", p.ID, "err", err.Error())
		}
		_, _ = gw.events.Append(rec.Key, "key.rotated", map[string]any{
			"previous": p.Key,
			"graceMs":  p.GraceMs,
		})
		gw.notifier.Publish("key.rotated", map[string]string{
			"key":      rec.Key,
			"previous": p.Key,
		})
	}
}

// CheckSLOs evaluates every objective and publishes raised alerts. cmd
// runs this on a ticker.
func (gw *Gateway) CheckSLOs(ctx context.Context) {
	gw.publishSLOAlerts(gw.slos.Check())
}

func (gw *Gateway) publishSLOAlerts(alerts []slo.Alert) {
	for _, a := range alerts {
		gw.notifier.Publish("slo.alert", map[string]string{
			"sloId":    a.SloID,
			"sloName":  a.SloName,
			"type":     a.Type,
			"message":  a.Message,
			"burnRate": strconv.FormatFloat(a.BurnRate, 'f', -1, 64),
		})
	}
}

// observeQuota raises threshold crossings after usage counters moved.
func (gw *Gateway) observeQuota(key string) {
	rec, err := gw.keys.GetKey(key)
	if err != nil || rec.DailyQuota <= 0 {
		return
	}
	for _, c := range gw.alerts.Observe(key, rec.DailyUsed, rec.DailyQuota) {
		gw.notifier.Publish("quota.threshold", map[string]string{
			"key":       key,
			"threshold": strconv.FormatFloat(c.ThresholdPct, 'f', -1, 64),
			"usedPct":   strconv.FormatFloat(c.UsedPct, 'f', 1, 64),
		})
	}
}

// StartBuffering switches the request queue into buffering so failed
// forwards are parked instead of lost.
func (gw *Gateway) StartBuffering(reason string) error {
	return gw.queue.StartBuffering(reason)
}

// DrainBuffered replays parked requests through the forward path. Post
// accounting runs for each success exactly as for a live call.
func (gw *Gateway) DrainBuffered(ctx context.Context) (buffer.DrainResult, error) {
	return gw.queue.Drain(func(item buffer.Item) error {
		return gw.replayBuffered(ctx, item)
	}, true)
}

// newAdminKey mints admin-key material: 24 random bytes, hex encoded.
func newAdminKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return "ak_" + hex.EncodeToString(buf)
}

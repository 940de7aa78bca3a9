// Command paygate runs the metered JSON-RPC proxy.
//
// The proxy fronts one or more downstream tool servers, meters every
// tools/call against per-key credit balances, and exposes an admin API
// for key, policy, and billing management.
//
// # Configuration
//
// Settings merge from four layers, lowest to highest precedence:
// built-in defaults, a YAML config file, PAYGATE_* environment
// variables, then command-line flags.
//
// Flags:
//
//	--config        YAML config file path
//	--port          HTTP listen port (default: 8080)
//	--state-path    state file path; enables file persistence
//	--admin-key     admin API key; omit to generate one at first launch
//	--backend-cmd   backend command to spawn as a stdio child
//	--backend-args  backend command arguments, comma separated
//	--debug         log request and response details
//
// Environment variables:
//
//	PAYGATE_CONFIG          - YAML config file path
//	PAYGATE_PORT            - HTTP listen port
//	PAYGATE_ADMIN_KEY       - admin API key
//	PAYGATE_STATE_PATH      - state file path
//	PAYGATE_MONGO_URI       - MongoDB URI; wins over the state file
//	PAYGATE_BACKEND_CMD     - backend command
//	PAYGATE_BACKEND_ARGS    - backend arguments, comma separated
//	PAYGATE_WEBHOOK_SECRET  - HMAC secret for outbound webhooks
//	PAYGATE_TICK_INTERVAL   - housekeeping interval (default: "10s")
//
// # Example
//
// Spawn a stdio tool server and persist keys to disk:
//
//	paygate --backend-cmd ./toolserver --state-path /var/lib/paygate/state.json
//
// Balance across two HTTP backends declared in a config file:
//
//	paygate --config paygate.yaml --port 9000
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/walker77/paygate-mcp-sub010/features/backend/httprpc"
	"github.com/walker77/paygate-mcp-sub010/features/backend/stdio"
	"github.com/walker77/paygate-mcp-sub010/features/state"
	filestate "github.com/walker77/paygate-mcp-sub010/features/state/file"
	mongostate "github.com/walker77/paygate-mcp-sub010/features/state/mongo"
	"github.com/walker77/paygate-mcp-sub010/gateway"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/retry"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/telemetry"
)

// stdioBackendID names the spawned child in the balancer pool so the
// supervisor can swap in a replacement after a crash.
const stdioBackendID = "stdio"

// initTimeout bounds the initialize handshake against a new backend.
const initTimeout = 30 * time.Second

func main() {
	var (
		configF      = flag.String("config", "", "YAML config file path")
		portF        = flag.Int("port", 0, "HTTP listen port (overrides config)")
		statePathF   = flag.String("state-path", "", "state file path (overrides config)")
		adminKeyF    = flag.String("admin-key", "", "admin API key (overrides config and state)")
		backendCmdF  = flag.String("backend-cmd", "", "backend command to spawn (overrides config)")
		backendArgsF = flag.String("backend-args", "", "backend command arguments, comma separated")
		dbgF         = flag.Bool("debug", false, "log request and response details")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	err := run(ctx, options{
		configPath:  envOr("PAYGATE_CONFIG", *configF),
		port:        *portF,
		statePath:   *statePathF,
		adminKey:    *adminKeyF,
		backendCmd:  *backendCmdF,
		backendArgs: splitArgs(*backendArgsF),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
}

// options carries the flag values into run.
type options struct {
	configPath  string
	port        int
	statePath   string
	adminKey    string
	backendCmd  string
	backendArgs []string
}

func run(ctx context.Context, opts options) error {
	cfg, err := gateway.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyEnv(&cfg)
	applyFlags(&cfg, opts)

	logger := telemetry.NewClueLogger()
	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(telemetry.NewClueMetrics()),
		gateway.WithTracer(telemetry.NewClueTracer()),
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		gwOpts = append(gwOpts, gateway.WithStateStore(store))
	}

	gw, err := gateway.New(cfg, gwOpts...)
	if err != nil {
		if store != nil {
			_ = store.Close(ctx)
		}
		return fmt.Errorf("build gateway: %w", err)
	}
	if err := gw.LoadState(ctx); err != nil {
		_ = gw.Close(ctx)
		return fmt.Errorf("load state: %w", err)
	}
	if key, generated := gw.EnsureAdminKey(); generated {
		// Printed once, at first launch; afterwards the key lives in
		// the persisted state.
		log.Printf(ctx, "generated admin key: %s", key)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.BackendCmd != "" {
		caller, err := spawnBackend(runCtx, cfg)
		if err != nil {
			_ = gw.Close(ctx)
			return fmt.Errorf("start backend %s: %w", cfg.BackendCmd, err)
		}
		if err := gw.AddBackend(stdioBackendID, "stdio://"+cfg.BackendCmd, 1, caller); err != nil {
			_ = gw.Close(ctx)
			return err
		}
		go superviseBackend(runCtx, gw, cfg, caller, logger)
	}
	for _, up := range cfg.Upstreams {
		caller, err := httprpc.New(runCtx, httprpc.Options{
			Endpoint:      up.URL,
			ClientName:    gateway.Name,
			ClientVersion: gateway.Version,
			InitTimeout:   initTimeout,
		})
		if err != nil {
			_ = gw.Close(ctx)
			return fmt.Errorf("connect upstream %s: %w", up.ID, err)
		}
		weight := up.Weight
		if weight <= 0 {
			weight = 1
		}
		if err := gw.AddBackend(up.ID, up.URL, weight, caller); err != nil {
			_ = gw.Close(ctx)
			return err
		}
	}

	go housekeeping(runCtx, gw, envDurationOr("PAYGATE_TICK_INTERVAL", 10*time.Second))

	port := cfg.Port
	if port == 0 {
		port = gateway.DefaultPort
	}
	return gw.Run(runCtx, fmt.Sprintf(":%d", port))
}

// openStore picks the persistence backend: Mongo when a URI is set, the
// state file when a path is set, nothing otherwise.
func openStore(cfg gateway.Config, logger telemetry.Logger) (state.Store, error) {
	switch {
	case cfg.MongoURI != "":
		store, err := mongostate.New(mongostate.Options{URI: cfg.MongoURI})
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return store, nil
	case cfg.StatePath != "":
		store, err := filestate.New(cfg.StatePath, filestate.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open state file: %w", err)
		}
		return store, nil
	}
	return nil, nil
}

// spawnBackend launches the configured child process and completes its
// initialize handshake.
func spawnBackend(ctx context.Context, cfg gateway.Config) (*stdio.Caller, error) {
	return stdio.New(ctx, stdio.Options{
		Command:       cfg.BackendCmd,
		Args:          cfg.BackendArgs,
		ClientName:    gateway.Name,
		ClientVersion: gateway.Version,
		InitTimeout:   initTimeout,
	})
}

// superviseBackend respawns the stdio child when it dies. While the child
// is down the gateway buffers forwards; once the replacement answers its
// handshake the buffered calls replay through it.
func superviseBackend(ctx context.Context, gw *gateway.Gateway, cfg gateway.Config, caller *stdio.Caller, logger telemetry.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-caller.Done():
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn(ctx, "backend exited, restarting", "cmd", cfg.BackendCmd)
		if err := gw.StartBuffering("backend restart"); err != nil {
			logger.Warn(ctx, "buffering unavailable", "err", err.Error())
		}

		var next *stdio.Caller
		err := retry.Do(ctx, restartBackoff(), func(ctx context.Context) error {
			c, err := spawnBackend(ctx, cfg)
			if err != nil {
				return err
			}
			next = c
			return nil
		})
		if err != nil {
			logger.Error(ctx, "backend restart failed", "cmd", cfg.BackendCmd, "err", err.Error())
			return
		}
		if err := gw.ReplaceBackend(stdioBackendID, next); err != nil {
			_ = next.Close()
			logger.Error(ctx, "swap restarted backend", "err", err.Error())
			return
		}
		res, err := gw.DrainBuffered(ctx)
		if err != nil {
			logger.Warn(ctx, "drain buffered calls", "err", err.Error())
		} else {
			logger.Info(ctx, "backend restored",
				"replayed", res.Processed, "failed", res.Failed, "skipped", res.Skipped)
		}
		caller = next
	}
}

// restartBackoff spaces respawn attempts out to a minute so a crash-looping
// backend does not spin the supervisor.
func restartBackoff() retry.Config {
	return retry.Config{
		MaxAttempts:       10,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// housekeeping drives the periodic work the gateway exposes but does not
// schedule itself: connection billing, due key rotations, and SLO checks.
func housekeeping(ctx context.Context, gw *gateway.Gateway, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			gw.AssessConnections(ctx)
			gw.RunDueRotations(ctx)
			gw.CheckSLOs(ctx)
		}
	}
}

// applyEnv overlays PAYGATE_* variables onto the file config.
func applyEnv(cfg *gateway.Config) {
	cfg.Port = envIntOr("PAYGATE_PORT", cfg.Port)
	cfg.AdminKey = envOr("PAYGATE_ADMIN_KEY", cfg.AdminKey)
	cfg.StatePath = envOr("PAYGATE_STATE_PATH", cfg.StatePath)
	cfg.MongoURI = envOr("PAYGATE_MONGO_URI", cfg.MongoURI)
	cfg.BackendCmd = envOr("PAYGATE_BACKEND_CMD", cfg.BackendCmd)
	if v := os.Getenv("PAYGATE_BACKEND_ARGS"); v != "" {
		cfg.BackendArgs = splitArgs(v)
	}
	cfg.WebhookSecret = envOr("PAYGATE_WEBHOOK_SECRET", cfg.WebhookSecret)
}

// applyFlags overlays set flags onto the merged config.
func applyFlags(cfg *gateway.Config, opts options) {
	if opts.port != 0 {
		cfg.Port = opts.port
	}
	if opts.statePath != "" {
		cfg.StatePath = opts.statePath
	}
	if opts.adminKey != "" {
		cfg.AdminKey = opts.adminKey
	}
	if opts.backendCmd != "" {
		cfg.BackendCmd = opts.backendCmd
	}
	if len(opts.backendArgs) > 0 {
		cfg.BackendArgs = opts.backendArgs
	}
}

// splitArgs splits a comma-separated argument list, dropping empties.
func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	var args []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	return args
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

package gateway

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// Defaults applied by withDefaults when the corresponding field is zero.
const (
	DefaultPort            = 8080
	DefaultMaxPayloadBytes = 1 << 20
	DefaultForwardTimeout  = 30 * time.Second
	DefaultCostCredits     = 1
	DefaultRateLimit       = 60
	DefaultRateWindowMs    = 60_000
	DefaultRateSubWindows  = 6
	DefaultInboundRate     = 100.0
	DefaultInboundBurst    = 200
	DefaultSessionTTLMs    = 30 * 60 * 1000
)

type (
	// ToolConfig prices and constrains one proxied tool.
	ToolConfig struct {
		// CostCredits is the per-call price. Zero falls back to the
		// gateway-wide default cost.
		CostCredits int64 `yaml:"costCredits" json:"costCredits,omitempty"`
		// Scope names the scope a caller must hold to invoke the tool.
		// Empty means unscoped.
		Scope string `yaml:"scope" json:"scope,omitempty"`
		// Schema is the JSON-Schema subset document validated against
		// tool arguments. Nil disables argument validation.
		Schema map[string]any `yaml:"schema" json:"schema,omitempty"`
	}

	// UpstreamConfig declares one load-balanced HTTP backend.
	UpstreamConfig struct {
		ID     string `yaml:"id" json:"id"`
		URL    string `yaml:"url" json:"url"`
		Weight int    `yaml:"weight" json:"weight,omitempty"`
	}

	// Config carries every tunable of the gateway. The zero value is
	// usable once withDefaults has run; cmd/paygate layers YAML, then
	// environment, then flags on top.
	Config struct {
		// Port is the HTTP listen port.
		Port int `yaml:"port"`
		// AdminKey gates the admin surface. Empty means load from
		// persisted state or generate at first launch.
		AdminKey string `yaml:"adminKey"`
		// StatePath selects file persistence when non-empty.
		StatePath string `yaml:"statePath"`
		// MongoURI selects MongoDB persistence when non-empty. Wins
		// over StatePath.
		MongoURI string `yaml:"mongoUri"`

		// BackendCmd and BackendArgs spawn a stdio backend.
		BackendCmd  string   `yaml:"backendCmd"`
		BackendArgs []string `yaml:"backendArgs"`
		// Upstreams lists HTTP backends for the load-balancer pool.
		Upstreams []UpstreamConfig `yaml:"upstreams"`
		// Strategy picks the balancer strategy: round_robin, weighted,
		// least_connections or random.
		Strategy string `yaml:"strategy"`

		// MaxPayloadBytes caps inbound request bodies.
		MaxPayloadBytes int `yaml:"maxPayloadBytes"`
		// ForwardTimeoutMs bounds one backend call.
		ForwardTimeoutMs int64 `yaml:"forwardTimeoutMs"`
		// DefaultCostCredits prices tools missing from Tools.
		DefaultCostCredits int64 `yaml:"defaultCostCredits"`

		// DefaultRateLimit is the per-key sliding-window limit for keys
		// without their own limit or a group override.
		DefaultRateLimit int   `yaml:"defaultRateLimit"`
		RateWindowMs     int64 `yaml:"rateWindowMs"`
		RateSubWindows   int   `yaml:"rateSubWindows"`

		// InboundRatePerSec and InboundBurst shape the process-wide
		// token bucket in front of /rpc.
		InboundRatePerSec float64 `yaml:"inboundRatePerSec"`
		InboundBurst      int     `yaml:"inboundBurst"`

		// DedupTTLMs is how long request fingerprints stay hot.
		DedupTTLMs int64 `yaml:"dedupTtlMs"`
		// SessionTTLMs is the default agent-session lifetime.
		SessionTTLMs int64 `yaml:"sessionTtlMs"`

		// Connection billing knobs; zero values keep the connbill
		// package defaults.
		ConnCreditsPerInterval int64 `yaml:"connCreditsPerInterval"`
		ConnIntervalMs         int64 `yaml:"connIntervalMs"`
		ConnGraceMs            int64 `yaml:"connGraceMs"`
		ConnIdleTimeoutMs      int64 `yaml:"connIdleTimeoutMs"`
		ConnMaxDurationMs      int64 `yaml:"connMaxDurationMs"`

		// QuotaAlertThresholds is the percent ladder for quota alerts.
		QuotaAlertThresholds []float64 `yaml:"quotaAlertThresholds"`
		// WebhookSecret signs outbound webhook payloads when set.
		WebhookSecret string `yaml:"webhookSecret"`
		// AllowUnscopedTools admits tools with no scope requirement.
		// Nil means true.
		AllowUnscopedTools *bool `yaml:"allowUnscopedTools"`

		// Tools maps tool name to its price, scope, and schema.
		Tools map[string]ToolConfig `yaml:"tools"`
	}
)

// LoadConfig reads a YAML config file. A missing path yields the zero
// Config so callers can run on defaults alone.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, proxyerr.Wrap(proxyerr.KindValidation, "read config "+path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, proxyerr.Wrap(proxyerr.KindValidation, "parse config "+path, err)
	}
	return cfg, nil
}

// withDefaults fills zero fields so the rest of the gateway never
// re-checks them.
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.ForwardTimeoutMs == 0 {
		c.ForwardTimeoutMs = DefaultForwardTimeout.Milliseconds()
	}
	if c.DefaultCostCredits == 0 {
		c.DefaultCostCredits = DefaultCostCredits
	}
	if c.DefaultRateLimit == 0 {
		c.DefaultRateLimit = DefaultRateLimit
	}
	if c.RateWindowMs == 0 {
		c.RateWindowMs = DefaultRateWindowMs
	}
	if c.RateSubWindows == 0 {
		c.RateSubWindows = DefaultRateSubWindows
	}
	if c.InboundRatePerSec == 0 {
		c.InboundRatePerSec = DefaultInboundRate
	}
	if c.InboundBurst == 0 {
		c.InboundBurst = DefaultInboundBurst
	}
	if c.SessionTTLMs == 0 {
		c.SessionTTLMs = DefaultSessionTTLMs
	}
	return c
}

// forwardTimeout converts the configured forward bound to a Duration.
func (c Config) forwardTimeout() time.Duration {
	return time.Duration(c.ForwardTimeoutMs) * time.Millisecond
}

// allowUnscoped resolves the tri-state AllowUnscopedTools flag.
func (c Config) allowUnscoped() bool {
	if c.AllowUnscopedTools == nil {
		return true
	}
	return *c.AllowUnscopedTools
}

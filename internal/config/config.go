// Package config loads the runtime configuration from a JSON file, applies
// environment overrides, and validates the result against the selected
// security profile.
package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// CORECLAW_PROVIDER_MODEL overrides provider.model.
const EnvPrefix = "CORECLAW"

// Security profiles.
const (
	ProfileDefault  = "default"
	ProfileHardened = "hardened"
)

// ErrInvalid wraps a fatal configuration validation failure.
type ErrInvalid struct {
	Reason string
}

func (e *ErrInvalid) Error() string {
	return "invalid config: " + e.Reason
}

// ProviderConfig configures the language-model provider endpoint.
type ProviderConfig struct {
	BaseURL             string  `json:"baseUrl"`
	APIKey              string  `json:"apiKey"`
	Model               string  `json:"model"`
	Temperature         float64 `json:"temperature"`
	TimeoutMs           int     `json:"timeoutMs"`
	MaxInputTokens      int     `json:"maxInputTokens"`
	ReserveOutputTokens int     `json:"reserveOutputTokens"`
}

// BusConfig configures the durable message bus.
type BusConfig struct {
	PollMs                   int `json:"pollMs"`
	BatchSize                int `json:"batchSize"`
	MaxAttempts              int `json:"maxAttempts"`
	RetryBackoffMs           int `json:"retryBackoffMs"`
	MaxRetryBackoffMs        int `json:"maxRetryBackoffMs"`
	ProcessingTimeoutMs      int `json:"processingTimeoutMs"`
	MaxPendingInbound        int `json:"maxPendingInbound"`
	MaxPendingOutbound       int `json:"maxPendingOutbound"`
	OverloadPendingThreshold int `json:"overloadPendingThreshold"`
	OverloadBackoffMs        int `json:"overloadBackoffMs"`
	PerChatRateLimitWindowMs int `json:"perChatRateLimitWindowMs"`
	PerChatRateLimitMax      int `json:"perChatRateLimitMax"`
}

// SchedulerConfig configures the periodic task scheduler.
type SchedulerConfig struct {
	TickMs int `json:"tickMs"`
}

// HeartbeatConfig configures the per-chat heartbeat source.
type HeartbeatConfig struct {
	Enabled             bool   `json:"enabled"`
	IntervalMs          int    `json:"intervalMs"`
	WakeDebounceMs      int    `json:"wakeDebounceMs"`
	WakeRetryMs         int    `json:"wakeRetryMs"`
	PromptPath          string `json:"promptPath"`
	ActiveHours         string `json:"activeHours"` // "HH:mm-HH:mm", empty = always
	SkipWhenInboundBusy bool   `json:"skipWhenInboundBusy"`
	AckToken            string `json:"ackToken"`
	SuppressAck         bool   `json:"suppressAck"`
	DedupeWindowMs      int    `json:"dedupeWindowMs"`
	MaxDispatchPerRun   int    `json:"maxDispatchPerRun"`
}

// IsolationConfig configures the isolated tool runtime.
type IsolationConfig struct {
	Enabled                  bool     `json:"enabled"`
	ToolNames                []string `json:"toolNames"`
	WorkerTimeoutMs          int      `json:"workerTimeoutMs"`
	MaxWorkerOutputChars     int      `json:"maxWorkerOutputChars"`
	MaxConcurrentWorkers     int      `json:"maxConcurrentWorkers"`
	OpenCircuitAfterFailures int      `json:"openCircuitAfterFailures"`
	CircuitResetMs           int      `json:"circuitResetMs"`
	CommandTimeoutMs         int      `json:"commandTimeoutMs"`
	MaxResponseChars         int      `json:"maxResponseChars"`
}

// WebhookConfig configures the webhook channel listener.
type WebhookConfig struct {
	Enabled          bool   `json:"enabled"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Path             string `json:"path"`
	AuthToken        string `json:"authToken"`
	MaxBodyBytes     int64  `json:"maxBodyBytes"`
	OutboxMaxPerChat int    `json:"outboxMaxPerChat"`
	OutboxMaxChats   int    `json:"outboxMaxChats"`
	OutboxChatTtlMs  int    `json:"outboxChatTtlMs"`
}

// ObservabilityHTTPConfig configures the optional health/metrics listener.
type ObservabilityHTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// ObservabilityConfig wraps the observability listener settings.
type ObservabilityConfig struct {
	HTTP ObservabilityHTTPConfig `json:"http"`
}

// SLOConfig holds alerting thresholds.
type SLOConfig struct {
	MaxPendingQueue     int     `json:"maxPendingQueue"`
	MaxDeadLetterQueue  int     `json:"maxDeadLetterQueue"`
	MaxToolFailureRate  float64 `json:"maxToolFailureRate"`
	MaxSchedulerDelayMs int     `json:"maxSchedulerDelayMs"`
	MaxMcpFailureRate   float64 `json:"maxMcpFailureRate"`
	AlertWebhookURL     string  `json:"alertWebhookUrl"`
	AlertCooldownMs     int     `json:"alertCooldownMs"`
	CheckIntervalMs     int     `json:"checkIntervalMs"`
}

// Config is the full runtime configuration.
type Config struct {
	WorkspaceDir string `json:"workspaceDir"`
	DataDir      string `json:"dataDir"`
	SQLitePath   string `json:"sqlitePath"`
	LogLevel     string `json:"logLevel"`

	HistoryMaxMessages int  `json:"historyMaxMessages"`
	StoreFullMessages  bool `json:"storeFullMessages"`
	MaxToolIterations  int  `json:"maxToolIterations"`
	MaxToolOutputChars int  `json:"maxToolOutputChars"`

	Provider      ProviderConfig      `json:"provider"`
	Bus           BusConfig           `json:"bus"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Heartbeat     HeartbeatConfig     `json:"heartbeat"`
	Isolation     IsolationConfig     `json:"isolation"`
	Webhook       WebhookConfig       `json:"webhook"`
	Observability ObservabilityConfig `json:"observability"`
	SLO           SLOConfig           `json:"slo"`

	AllowShell           bool     `json:"allowShell"`
	AllowedShellCommands []string `json:"allowedShellCommands"`
	AllowedEnv           []string `json:"allowedEnv"`
	AllowedWebDomains    []string `json:"allowedWebDomains"`
	AllowedWebPorts      []int    `json:"allowedWebPorts"`
	BlockedWebPorts      []int    `json:"blockedWebPorts"`

	// AllowedChannelIdentities maps a channel name to the sender ids that may
	// have their messages persisted. Empty list = all senders.
	AllowedChannelIdentities map[string][]string `json:"allowedChannelIdentities"`

	AdminBootstrapKey            string `json:"adminBootstrapKey"`
	AdminBootstrapSingleUse      bool   `json:"adminBootstrapSingleUse"`
	AdminBootstrapMaxAttempts    int    `json:"adminBootstrapMaxAttempts"`
	AdminBootstrapLockoutMinutes int    `json:"adminBootstrapLockoutMinutes"`

	// MCPAllowlist holds "server.tool" (or "server/tool") pairs admins may
	// invoke through the MCP bridge. Glob "server.*" permits all tools on a
	// server.
	MCPAllowlist []string `json:"mcpAllowlist"`

	SecurityProfile string `json:"securityProfile"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		WorkspaceDir:       "./workspace",
		DataDir:            "./data",
		LogLevel:           "info",
		HistoryMaxMessages: 50,
		StoreFullMessages:  false,
		MaxToolIterations:  8,
		MaxToolOutputChars: 8192,
		Provider: ProviderConfig{
			BaseURL:             "http://127.0.0.1:11434/v1",
			Model:               "qwen2.5:14b",
			Temperature:         0.7,
			TimeoutMs:           60_000,
			MaxInputTokens:      32_000,
			ReserveOutputTokens: 2_000,
		},
		Bus: BusConfig{
			PollMs:                   250,
			BatchSize:                10,
			MaxAttempts:              3,
			RetryBackoffMs:           1_000,
			MaxRetryBackoffMs:        30_000,
			ProcessingTimeoutMs:      120_000,
			MaxPendingInbound:        1_000,
			MaxPendingOutbound:       1_000,
			OverloadPendingThreshold: 100,
			OverloadBackoffMs:        250,
			PerChatRateLimitWindowMs: 10_000,
			PerChatRateLimitMax:      20,
		},
		Scheduler: SchedulerConfig{TickMs: 1_000},
		Heartbeat: HeartbeatConfig{
			Enabled:             false,
			IntervalMs:          int((30 * time.Minute).Milliseconds()),
			WakeDebounceMs:      2_000,
			WakeRetryMs:         5_000,
			PromptPath:          "HEARTBEAT.md",
			SkipWhenInboundBusy: true,
			AckToken:            "HEARTBEAT_OK",
			SuppressAck:         true,
			DedupeWindowMs:      int((5 * time.Minute).Milliseconds()),
			MaxDispatchPerRun:   3,
		},
		Isolation: IsolationConfig{
			Enabled:                  true,
			ToolNames:                []string{"shell.exec", "web.fetch", "fs.write"},
			WorkerTimeoutMs:          30_000,
			MaxWorkerOutputChars:     64 * 1024,
			MaxConcurrentWorkers:     2,
			OpenCircuitAfterFailures: 5,
			CircuitResetMs:           30_000,
			CommandTimeoutMs:         30_000,
			MaxResponseChars:         64 * 1024,
		},
		Webhook: WebhookConfig{
			Enabled:          false,
			Host:             "127.0.0.1",
			Port:             8787,
			Path:             "/webhook",
			MaxBodyBytes:     1 << 20,
			OutboxMaxPerChat: 100,
			OutboxMaxChats:   1_000,
			OutboxChatTtlMs:  int((10 * time.Minute).Milliseconds()),
		},
		Observability: ObservabilityConfig{
			HTTP: ObservabilityHTTPConfig{Enabled: false, Host: "127.0.0.1", Port: 9090},
		},
		SLO: SLOConfig{
			MaxPendingQueue:     500,
			MaxDeadLetterQueue:  10,
			MaxToolFailureRate:  0.5,
			MaxSchedulerDelayMs: 60_000,
			MaxMcpFailureRate:   0.5,
			AlertCooldownMs:     int((5 * time.Minute).Milliseconds()),
			CheckIntervalMs:     15_000,
		},
		AdminBootstrapSingleUse:      true,
		AdminBootstrapMaxAttempts:    5,
		AdminBootstrapLockoutMinutes: 15,
		SecurityProfile:              ProfileDefault,
	}
}

// Load reads the JSON config file at path (missing file = defaults), applies
// CORECLAW_* environment overrides, normalizes, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if len(data) > 0 {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, &ErrInvalid{Reason: fmt.Sprintf("parse %s: %v", path, err)}
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, &ErrInvalid{Reason: fmt.Sprintf("environment overrides: %v", err)}
	}

	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = "./workspace"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.DataDir, "coreclaw.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HistoryMaxMessages <= 0 {
		cfg.HistoryMaxMessages = 50
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 8
	}
	if cfg.MaxToolOutputChars <= 0 {
		cfg.MaxToolOutputChars = 8192
	}
	if cfg.Bus.PollMs <= 0 {
		cfg.Bus.PollMs = 250
	}
	if cfg.Bus.BatchSize <= 0 {
		cfg.Bus.BatchSize = 10
	}
	if cfg.Bus.MaxAttempts <= 0 {
		cfg.Bus.MaxAttempts = 3
	}
	if cfg.Bus.RetryBackoffMs <= 0 {
		cfg.Bus.RetryBackoffMs = 1_000
	}
	if cfg.Bus.MaxRetryBackoffMs <= 0 {
		cfg.Bus.MaxRetryBackoffMs = 30_000
	}
	if cfg.Bus.ProcessingTimeoutMs <= 0 {
		cfg.Bus.ProcessingTimeoutMs = 120_000
	}
	if cfg.Scheduler.TickMs <= 0 {
		cfg.Scheduler.TickMs = 1_000
	}
	if cfg.Provider.TimeoutMs <= 0 {
		cfg.Provider.TimeoutMs = 60_000
	}
	if cfg.Provider.MaxInputTokens <= 0 {
		cfg.Provider.MaxInputTokens = 32_000
	}
	if cfg.Provider.ReserveOutputTokens < 0 {
		cfg.Provider.ReserveOutputTokens = 0
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = "/webhook"
	}
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		cfg.Webhook.Path = "/" + cfg.Webhook.Path
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = 1 << 20
	}
	if cfg.SecurityProfile == "" {
		cfg.SecurityProfile = ProfileDefault
	}
}

// Validate checks the configuration, including the hardened profile gates.
// Violations are fatal at startup.
func Validate(cfg Config) error {
	switch cfg.SecurityProfile {
	case ProfileDefault, ProfileHardened:
	default:
		return &ErrInvalid{Reason: fmt.Sprintf("unknown securityProfile %q", cfg.SecurityProfile)}
	}
	if cfg.Bus.MaxPendingInbound < 0 || cfg.Bus.MaxPendingOutbound < 0 {
		return &ErrInvalid{Reason: "bus pending limits must be >= 0"}
	}
	if cfg.Heartbeat.ActiveHours != "" {
		if _, _, err := ParseActiveHours(cfg.Heartbeat.ActiveHours); err != nil {
			return &ErrInvalid{Reason: fmt.Sprintf("heartbeat.activeHours: %v", err)}
		}
	}

	if cfg.SecurityProfile != ProfileHardened {
		return nil
	}
	if cfg.AllowShell {
		return &ErrInvalid{Reason: "hardened profile rejects allowShell=true"}
	}
	if len(cfg.AllowedWebDomains) == 0 {
		return &ErrInvalid{Reason: "hardened profile requires allowedWebDomains to be non-empty"}
	}
	if cfg.Webhook.Enabled {
		if !isLoopbackHost(cfg.Webhook.Host) {
			return &ErrInvalid{Reason: fmt.Sprintf("hardened profile requires webhook.host to be loopback, got %q", cfg.Webhook.Host)}
		}
		if cfg.Webhook.AuthToken == "" {
			return &ErrInvalid{Reason: "hardened profile requires webhook.authToken when webhook is enabled"}
		}
	}
	if cfg.Observability.HTTP.Enabled && !isLoopbackHost(cfg.Observability.HTTP.Host) {
		return &ErrInvalid{Reason: fmt.Sprintf("hardened profile requires observability.http.host to be loopback, got %q", cfg.Observability.HTTP.Host)}
	}
	return nil
}

// ParseActiveHours parses "HH:mm-HH:mm" into start/end minutes since midnight.
func ParseActiveHours(spec string) (startMin, endMin int, err error) {
	parts := strings.SplitN(strings.TrimSpace(spec), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:mm-HH:mm, got %q", spec)
	}
	parse := func(s string) (int, error) {
		var h, m int
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
			return 0, fmt.Errorf("bad time %q", s)
		}
		if h < 0 || h > 23 || m < 0 || m > 59 {
			return 0, fmt.Errorf("time %q out of range", s)
		}
		return h*60 + m, nil
	}
	if startMin, err = parse(parts[0]); err != nil {
		return 0, 0, err
	}
	if endMin, err = parse(parts[1]); err != nil {
		return 0, 0, err
	}
	return startMin, endMin, nil
}

func isLoopbackHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	return h == "localhost" || h == "127.0.0.1" || h == "::1" || strings.HasPrefix(h, "127.")
}

// Fingerprint returns a stable hash of the settings that change runtime
// behavior, logged at startup for diagnostics.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "profile=%s|model=%s|bus=%d/%d|hb=%v|iso=%v",
		c.SecurityProfile, c.Provider.Model, c.Bus.MaxAttempts, c.Bus.ProcessingTimeoutMs,
		c.Heartbeat.Enabled, c.Isolation.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

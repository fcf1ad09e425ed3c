// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/vinayprograms/taskflow/internal/resilience"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "taskflow.toml"

// Config represents the engine configuration.
type Config struct {
	Engine     EngineConfig       `toml:"engine"`
	LLM        LLMConfig          `toml:"llm"`      // Default LLM settings
	Profiles   map[string]Profile `toml:"profiles"` // Named models a task may select with `model:`
	Telemetry  TelemetryConfig    `toml:"telemetry"`
	Storage    StorageConfig      `toml:"storage"`
	MCP        MCPConfig          `toml:"mcp"` // Tool peers
	Resilience ResilienceConfig   `toml:"resilience"`
	Trace      TraceConfig        `toml:"trace"`
	Timeouts   TimeoutsConfig     `toml:"timeouts"`
}

// EngineConfig contains scheduler settings.
type EngineConfig struct {
	MaxParallel int    `toml:"max_parallel"` // 0 defers to the workflow
	FailFast    bool   `toml:"fail_fast"`    // forces fail-fast on every workflow
	Workdir     string `toml:"workdir"`      // working directory for exec tasks
	Debug       bool   `toml:"debug"`        // untruncated content in logs and traces
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string `toml:"thinking"`      // Thinking level: auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // Provider-level retries, below the engine's resilience layer
	RetryBackoff string `toml:"retry_backoff"` // Max provider backoff (e.g. "60s")
}

// Profile is a named model configuration.
type Profile struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"`
	Thinking  string `toml:"thinking"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool              `toml:"enabled"`
	Endpoint string            `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string            `toml:"protocol"` // grpc (default) or http
	Insecure bool              `toml:"insecure"`
	Headers  map[string]string `toml:"headers"`
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path string `toml:"path"` // Base directory for transcripts and traces
}

// MCPConfig contains tool peer configuration.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `toml:"servers"`
}

// MCPServerConfig configures an MCP server connection.
type MCPServerConfig struct {
	Command     string            `toml:"command"`
	Args        []string          `toml:"args,omitempty"`
	Env         map[string]string `toml:"env,omitempty"`
	DeniedTools []string          `toml:"denied_tools,omitempty"` // Tools hidden from agents
}

// ResilienceConfig holds the default policy and per-resource overrides,
// keyed like "llm:gpt-4o", "mcp:fs", "http:api.github.com" or "shell".
type ResilienceConfig struct {
	Defaults  PolicyConfig            `toml:"defaults"`
	Resources map[string]PolicyConfig `toml:"resources"`
}

// PolicyConfig mirrors resilience.Policy. Zero fields inherit; a negative
// failure_threshold or rate disables the breaker or limiter.
type PolicyConfig struct {
	MaxAttempts      int     `toml:"max_attempts"`
	BaseDelay        string  `toml:"base_delay"`
	MaxDelay         string  `toml:"max_delay"`
	Jitter           float64 `toml:"jitter"`
	FailureThreshold int     `toml:"failure_threshold"`
	Window           string  `toml:"window"`
	Cooldown         string  `toml:"cooldown"`
	Rate             float64 `toml:"rate"` // calls per second
	Burst            int     `toml:"burst"`
	WaitTimeout      string  `toml:"wait_timeout"`
	CallTimeout      string  `toml:"call_timeout"`
}

// TraceConfig selects where trace events go besides the logs.
type TraceConfig struct {
	File        string `toml:"file"`         // JSON lines file; relative to storage path
	NATSURL     string `toml:"nats_url"`     // publish events when set
	NATSSubject string `toml:"nats_subject"` // subject prefix (default taskflow.events)
	Buffer      int    `toml:"buffer"`       // async sink queue length
}

// TimeoutsConfig contains timeout settings for network operations.
type TimeoutsConfig struct {
	MCP        int `toml:"mcp"`         // MCP tool call timeout in seconds (default 60)
	MCPConnect int `toml:"mcp_connect"` // MCP server startup timeout in seconds (default 30)
	Fetch      int `toml:"fetch"`       // HTTP request timeout in seconds (default 60)
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Storage: StorageConfig{
			Path: "~/.local/taskflow",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Trace: TraceConfig{
			Buffer: 1024,
		},
		Timeouts: TimeoutsConfig{
			MCP:        60,
			MCPConnect: 30,
			Fetch:      60,
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// LoadDefault loads taskflow.toml from the current directory, falling back
// to defaults when the file does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	cfg, err := LoadFile(filepath.Join(cwd, DefaultFile))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// StoragePath returns the storage directory with ~ expanded.
func (c *Config) StoragePath() string {
	path := c.Storage.Path
	if path == "" {
		path = "~/.local/taskflow"
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return path
}

// TracePath returns the trace file path, or "" when file tracing is off.
func (c *Config) TracePath() string {
	if c.Trace.File == "" || filepath.IsAbs(c.Trace.File) {
		return c.Trace.File
	}
	return filepath.Join(c.StoragePath(), c.Trace.File)
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// GetProfile returns the LLM config for a named profile, filling unset
// fields from the default LLM config. Unknown names are treated as model
// names on the default provider.
func (c *Config) GetProfile(name string) LLMConfig {
	if name == "" {
		return c.LLM
	}
	profile, ok := c.Profiles[name]
	if !ok {
		result := c.LLM
		result.Model = name
		return result
	}
	result := LLMConfig{
		Provider:     profile.Provider,
		Model:        profile.Model,
		APIKeyEnv:    profile.APIKeyEnv,
		MaxTokens:    profile.MaxTokens,
		BaseURL:      profile.BaseURL,
		Thinking:     profile.Thinking,
		MaxRetries:   c.LLM.MaxRetries,
		RetryBackoff: c.LLM.RetryBackoff,
	}
	if result.Provider == "" {
		result.Provider = c.LLM.Provider
	}
	if result.Model == "" {
		result.Model = c.LLM.Model
	}
	if result.APIKeyEnv == "" {
		result.APIKeyEnv = c.LLM.APIKeyEnv
	}
	if result.MaxTokens == 0 {
		result.MaxTokens = c.LLM.MaxTokens
	}
	return result
}

// ResilienceOptions converts the resilience section into registry options.
// Configured MCP servers get the MCP call timeout unless their override
// sets one.
func (c *Config) ResilienceOptions() (resilience.Policy, []resilience.Option, error) {
	defaults, err := c.Resilience.Defaults.apply(resilience.DefaultPolicy())
	if err != nil {
		return resilience.Policy{}, nil, fmt.Errorf("resilience defaults: %w", err)
	}

	overrides := make(map[string]PolicyConfig, len(c.Resilience.Resources))
	for key, pc := range c.Resilience.Resources {
		overrides[key] = pc
	}
	if c.Timeouts.MCP > 0 {
		for name := range c.MCP.Servers {
			key := "mcp:" + name
			pc := overrides[key]
			if pc.CallTimeout == "" {
				pc.CallTimeout = (time.Duration(c.Timeouts.MCP) * time.Second).String()
			}
			overrides[key] = pc
		}
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var opts []resilience.Option
	for _, key := range keys {
		p, err := overrides[key].apply(defaults)
		if err != nil {
			return resilience.Policy{}, nil, fmt.Errorf("resilience resource %q: %w", key, err)
		}
		opts = append(opts, resilience.WithOverride(key, p))
	}
	return defaults, opts, nil
}

// apply overlays the set fields of pc onto base.
func (pc PolicyConfig) apply(base resilience.Policy) (resilience.Policy, error) {
	p := base
	if pc.MaxAttempts > 0 {
		p.Retry.MaxAttempts = pc.MaxAttempts
	}
	if pc.Jitter > 0 {
		p.Retry.Jitter = pc.Jitter
	}
	switch {
	case pc.FailureThreshold < 0:
		p.Breaker.FailureThreshold = 0
	case pc.FailureThreshold > 0:
		p.Breaker.FailureThreshold = pc.FailureThreshold
	}
	switch {
	case pc.Rate < 0:
		p.Limit.Rate = 0
	case pc.Rate > 0:
		p.Limit.Rate = pc.Rate
	}
	if pc.Burst > 0 {
		p.Limit.Burst = pc.Burst
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"base_delay", pc.BaseDelay, &p.Retry.BaseDelay},
		{"max_delay", pc.MaxDelay, &p.Retry.MaxDelay},
		{"window", pc.Window, &p.Breaker.Window},
		{"cooldown", pc.Cooldown, &p.Breaker.Cooldown},
		{"wait_timeout", pc.WaitTimeout, &p.Limit.WaitTimeout},
		{"call_timeout", pc.CallTimeout, &p.CallTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return p, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	return p, nil
}

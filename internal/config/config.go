// Package config loads the codeloop configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/internal/agent/providers"
	"github.com/haasonsaas/codeloop/internal/agent/stream"
	"github.com/haasonsaas/codeloop/internal/observability"
	"github.com/haasonsaas/codeloop/internal/storage"
)

// Config is the main configuration structure for codeloop.
type Config struct {
	Version int `yaml:"version"`

	Runtime RuntimeConfig `yaml:"runtime"`
	Stream  stream.Config `yaml:"stream"`
	Tools   ToolsConfig   `yaml:"tools"`

	// DefaultProvider receives models without a provider prefix that no
	// provider lists explicitly.
	DefaultProvider string `yaml:"default_provider"`

	// Providers add endpoints or override built-in ones by id. Blank fields
	// of an override inherit the built-in value.
	Providers []providers.ProviderConfig `yaml:"providers"`

	// Settings seed the settings store (api_key_<id>, base_url_<id>, ...).
	Settings map[string]string `yaml:"settings"`

	Storage StorageConfig             `yaml:"storage"`
	Logging observability.LogConfig   `yaml:"logging"`
	Metrics MetricsConfig             `yaml:"metrics"`
	Tracing observability.TraceConfig `yaml:"tracing"`
}

// RuntimeConfig mirrors the task runtime knobs.
type RuntimeConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	AutoApprove        bool          `yaml:"auto_approve"`
	ActionBuffer       int           `yaml:"action_buffer"`
	SystemPrompt       string        `yaml:"system_prompt"`
	ToolResultMaxBytes int           `yaml:"tool_result_max_bytes"`
	Retention          time.Duration `yaml:"retention"`
}

// ToolsConfig configures the built-in workspace tools.
type ToolsConfig struct {
	WorkspaceRoot string        `yaml:"workspace_root"`
	Timeout       time.Duration `yaml:"timeout"`
	ApproveWrites bool          `yaml:"approve_writes"`
	MaxReadBytes  int           `yaml:"max_read_bytes"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "sql". Default: memory.
	Backend string         `yaml:"backend"`
	SQL     storage.Config `yaml:"sql"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, decodes, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

// load also returns every file the configuration was assembled from.
func load(path string) (*Config, []string, error) {
	doc, err := LoadRaw(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := doc.decode()
	if err != nil {
		return nil, doc.Files, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, doc.Files, err
	}
	return cfg, doc.Files, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Runtime.MaxIterations == 0 {
		cfg.Runtime.MaxIterations = 25
	}
	if cfg.Runtime.ActionBuffer == 0 {
		cfg.Runtime.ActionBuffer = 16
	}
	if cfg.Runtime.ToolResultMaxBytes == 0 {
		cfg.Runtime.ToolResultMaxBytes = 64 << 10
	}
	if cfg.Runtime.Retention == 0 {
		cfg.Runtime.Retention = 10 * time.Minute
	}

	defaults := stream.DefaultConfig()
	if cfg.Stream.ConnectTimeout == 0 {
		cfg.Stream.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.Stream.RequestTimeout == 0 {
		cfg.Stream.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.Stream.IdleTimeout == 0 {
		cfg.Stream.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.Stream.EventBuffer == 0 {
		cfg.Stream.EventBuffer = defaults.EventBuffer
	}
	if cfg.Stream.MaxErrorBody == 0 {
		cfg.Stream.MaxErrorBody = defaults.MaxErrorBody
	}
	if cfg.Stream.MaxFrameSize == 0 {
		cfg.Stream.MaxFrameSize = defaults.MaxFrameSize
	}

	if cfg.Tools.WorkspaceRoot == "" {
		cfg.Tools.WorkspaceRoot = "."
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 2 * time.Minute
	}
	if cfg.Tools.MaxReadBytes == 0 {
		cfg.Tools.MaxReadBytes = 200000
	}

	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = providers.DefaultProviderID
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	sqlDefaults := storage.DefaultConfig()
	if cfg.Storage.SQL.Driver == "" {
		cfg.Storage.SQL.Driver = sqlDefaults.Driver
	}
	if cfg.Storage.SQL.DSN == "" {
		cfg.Storage.SQL.DSN = sqlDefaults.DSN
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "codeloop"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	if c.Runtime.MaxIterations < 0 {
		return fmt.Errorf("runtime.max_iterations must be positive")
	}
	if c.Runtime.ActionBuffer < 0 {
		return fmt.Errorf("runtime.action_buffer must be positive")
	}

	known := map[string]bool{}
	for _, p := range providers.BuiltinConfigs() {
		known[p.ID] = true
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("providers[%d]: duplicate provider id %q", i, id)
		}
		seen[id] = true
		known[id] = true
		if p.Protocol != "" {
			if _, err := protocol.New(p.Protocol); err != nil {
				return fmt.Errorf("providers[%d].protocol: %w", i, err)
			}
		}
		switch p.AuthType {
		case "", providers.AuthAPIKey, providers.AuthBearer, providers.AuthOAuth, providers.AuthNone:
		default:
			return fmt.Errorf("providers[%d].auth_type %q is not supported", i, p.AuthType)
		}
		if p.AuthType == providers.AuthOAuth && (p.OAuth == nil || p.OAuth.TokenURL == "") {
			return fmt.Errorf("providers[%d].oauth.token_url is required for oauth auth", i)
		}
	}
	if !known[c.DefaultProvider] {
		return fmt.Errorf("default_provider %q is not a known provider", c.DefaultProvider)
	}

	switch c.Storage.Backend {
	case "memory":
	case "sql":
		if _, err := storage.ParseDialect(c.Storage.SQL.Driver); err != nil {
			return fmt.Errorf("storage.sql.driver: %w", err)
		}
	default:
		return fmt.Errorf("storage.backend %q must be memory or sql", c.Storage.Backend)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1")
	}
	return nil
}

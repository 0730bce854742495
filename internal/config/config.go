package config

import (
	"context"
	"time"
)

// Package config provides configuration management for the incident
// orchestrator.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (INCIDENT_* prefix, plus MCP_SERVERS /
//      MCP_<NAME>_* provider variables and ALERT_PROMPTS)
//   2. YAML config file (default: /etc/kubilitics/incident.yaml)
//   3. Built-in defaults
//
// Main Configuration Sections:
//
//   1. Server       - HTTP/gRPC listen ports, CORS origins, timeouts
//   2. Database     - "sqlite" | "postgres" durable store
//   3. Logging      - level, format, optional rotated log file, audit log
//   4. Intake       - identity labels, include/exclude rules, alert prompts
//   5. Workflow     - worker pool, iteration/duration budgets, watchdog
//   6. Gateway      - tool call timeout, retry, circuit breaker, rate limit
//   7. Providers    - read-only diagnostic providers (MCP-style endpoints)
//   8. Publisher    - report destinations and delivery retry
//   9. LLM          - OpenAI-compatible reasoning backend
//  10. Alertmanager - live alert source used for startup reconciliation
//  11. Tracing      - OpenTelemetry exporter
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port           int
		GRPCPort       int
		AllowedOrigins []string
		ReadTimeout    time.Duration
		WriteTimeout   time.Duration
		// IntakeRatePerMin caps intake requests per client address; 0 disables.
		IntakeRatePerMin int
	}

	// Database configuration
	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	// Logging configuration
	Logging struct {
		Level        string
		Format       string
		FilePath     string
		AuditLogPath string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}

	// Intake configuration
	Intake struct {
		// IgnoredLabels are volatile labels excluded from the fingerprint.
		IgnoredLabels []string
		Include       []string
		Exclude       []string
		// PromptsFile is a YAML file with an alert_prompts map.
		PromptsFile string
		// Prompts is inline YAML with the same shape as PromptsFile.
		Prompts          string
		ReconcileOnStart bool
	}

	// Workflow configuration
	Workflow struct {
		Workers           int
		QueueSize         int
		MaxIterations     int
		MaxDuration       time.Duration
		WatchdogInterval  time.Duration
		BackendRetries    int
		BackendBackoff    time.Duration
		BackendMaxBackoff time.Duration
		ResolvedGrace     int
	}

	// Gateway configuration
	Gateway struct {
		CallTimeout     time.Duration
		MaxAttempts     int
		InitialBackoff  time.Duration
		MaxBackoff      time.Duration
		BreakerFailures int
		BreakerCooldown time.Duration
		RateLimit       float64
		RateBurst       int
		MaxOutputBytes  int
		CatalogTTL      time.Duration
	}

	Providers []ProviderConfig

	// Publisher configuration
	Publisher struct {
		Destinations   []string
		MaxAttempts    int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
		WebhookURL     string
		WebhookTimeout time.Duration
		ObjectStore    ObjectStoreConfig
	}

	// LLM configuration
	LLM struct {
		BaseURL     string
		APIKey      string
		Model       string
		Temperature float32
		MaxTokens   int
		Timeout     time.Duration
	}

	// Alertmanager configuration
	Alertmanager struct {
		URL     string
		Timeout time.Duration
	}

	// Tracing configuration
	Tracing struct {
		Enabled      bool
		Endpoint     string
		ServiceName  string
		SamplingRate float64
	}
}

// ProviderConfig describes one diagnostic provider endpoint.
type ProviderConfig struct {
	Name         string        `mapstructure:"name"`
	URL          string        `mapstructure:"url"`
	Enabled      bool          `mapstructure:"enabled"`
	Transport    string        `mapstructure:"transport"`
	AllowedTools []string      `mapstructure:"allowed_tools"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ObjectStoreConfig describes the S3-compatible report archive.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/incident.yaml")
}

// Load is a convenience wrapper that loads and validates configuration.
func Load(ctx context.Context, configPath string) (*Config, error) {
	mgr, err := NewConfigManager(configPath)
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, err
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, err
	}
	return mgr.Get(ctx), nil
}

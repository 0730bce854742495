package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("INCIDENT")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults + env vars are enough to run.
	if err := m.viper.ReadInConfig(); err != nil && !configFileMissing(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and emits the reloaded configuration.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		if len(m.config.Validate()) > 0 {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil && !configFileMissing(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	m.viper.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	m.viper.SetDefault("server.intake_rate_per_min", defaults.Server.IntakeRatePerMin)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file_path", defaults.Logging.FilePath)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Intake defaults
	m.viper.SetDefault("intake.ignored_labels", defaults.Intake.IgnoredLabels)
	m.viper.SetDefault("intake.include", defaults.Intake.Include)
	m.viper.SetDefault("intake.exclude", defaults.Intake.Exclude)
	m.viper.SetDefault("intake.prompts_file", defaults.Intake.PromptsFile)
	m.viper.SetDefault("intake.prompts", defaults.Intake.Prompts)
	m.viper.SetDefault("intake.reconcile_on_start", defaults.Intake.ReconcileOnStart)

	// Workflow defaults
	m.viper.SetDefault("workflow.workers", defaults.Workflow.Workers)
	m.viper.SetDefault("workflow.queue_size", defaults.Workflow.QueueSize)
	m.viper.SetDefault("workflow.max_iterations", defaults.Workflow.MaxIterations)
	m.viper.SetDefault("workflow.max_duration", defaults.Workflow.MaxDuration)
	m.viper.SetDefault("workflow.watchdog_interval", defaults.Workflow.WatchdogInterval)
	m.viper.SetDefault("workflow.backend_retries", defaults.Workflow.BackendRetries)
	m.viper.SetDefault("workflow.backend_backoff", defaults.Workflow.BackendBackoff)
	m.viper.SetDefault("workflow.backend_max_backoff", defaults.Workflow.BackendMaxBackoff)
	m.viper.SetDefault("workflow.resolved_grace", defaults.Workflow.ResolvedGrace)

	// Gateway defaults
	m.viper.SetDefault("gateway.call_timeout", defaults.Gateway.CallTimeout)
	m.viper.SetDefault("gateway.max_attempts", defaults.Gateway.MaxAttempts)
	m.viper.SetDefault("gateway.initial_backoff", defaults.Gateway.InitialBackoff)
	m.viper.SetDefault("gateway.max_backoff", defaults.Gateway.MaxBackoff)
	m.viper.SetDefault("gateway.breaker_failures", defaults.Gateway.BreakerFailures)
	m.viper.SetDefault("gateway.breaker_cooldown", defaults.Gateway.BreakerCooldown)
	m.viper.SetDefault("gateway.rate_limit", defaults.Gateway.RateLimit)
	m.viper.SetDefault("gateway.rate_burst", defaults.Gateway.RateBurst)
	m.viper.SetDefault("gateway.max_output_bytes", defaults.Gateway.MaxOutputBytes)
	m.viper.SetDefault("gateway.catalog_ttl", defaults.Gateway.CatalogTTL)

	// Publisher defaults
	m.viper.SetDefault("publisher.destinations", defaults.Publisher.Destinations)
	m.viper.SetDefault("publisher.max_attempts", defaults.Publisher.MaxAttempts)
	m.viper.SetDefault("publisher.initial_backoff", defaults.Publisher.InitialBackoff)
	m.viper.SetDefault("publisher.max_backoff", defaults.Publisher.MaxBackoff)
	m.viper.SetDefault("publisher.webhook_url", defaults.Publisher.WebhookURL)
	m.viper.SetDefault("publisher.webhook_timeout", defaults.Publisher.WebhookTimeout)
	m.viper.SetDefault("publisher.object_store.endpoint", defaults.Publisher.ObjectStore.Endpoint)
	m.viper.SetDefault("publisher.object_store.bucket", defaults.Publisher.ObjectStore.Bucket)
	m.viper.SetDefault("publisher.object_store.prefix", defaults.Publisher.ObjectStore.Prefix)
	m.viper.SetDefault("publisher.object_store.access_key", defaults.Publisher.ObjectStore.AccessKey)
	m.viper.SetDefault("publisher.object_store.secret_key", defaults.Publisher.ObjectStore.SecretKey)
	m.viper.SetDefault("publisher.object_store.use_ssl", defaults.Publisher.ObjectStore.UseSSL)

	// LLM defaults
	m.viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	m.viper.SetDefault("llm.api_key", defaults.LLM.APIKey)
	m.viper.SetDefault("llm.model", defaults.LLM.Model)
	m.viper.SetDefault("llm.temperature", defaults.LLM.Temperature)
	m.viper.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)
	m.viper.SetDefault("llm.timeout", defaults.LLM.Timeout)

	// Alertmanager defaults
	m.viper.SetDefault("alertmanager.url", defaults.Alertmanager.URL)
	m.viper.SetDefault("alertmanager.timeout", defaults.Alertmanager.Timeout)

	// Tracing defaults
	m.viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}
	v := m.viper

	// Server
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.GRPCPort = v.GetInt("server.grpc_port")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	cfg.Server.IntakeRatePerMin = v.GetInt("server.intake_rate_per_min")

	// Database
	cfg.Database.Type = v.GetString("database.type")
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = v.GetString("database.postgres_url")

	// Logging
	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.FilePath = v.GetString("logging.file_path")
	cfg.Logging.AuditLogPath = v.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")
	cfg.Logging.Compress = v.GetBool("logging.compress")

	// Intake
	cfg.Intake.IgnoredLabels = v.GetStringSlice("intake.ignored_labels")
	cfg.Intake.Include = v.GetStringSlice("intake.include")
	cfg.Intake.Exclude = v.GetStringSlice("intake.exclude")
	cfg.Intake.PromptsFile = v.GetString("intake.prompts_file")
	cfg.Intake.Prompts = v.GetString("intake.prompts")
	cfg.Intake.ReconcileOnStart = v.GetBool("intake.reconcile_on_start")

	// Workflow
	cfg.Workflow.Workers = v.GetInt("workflow.workers")
	cfg.Workflow.QueueSize = v.GetInt("workflow.queue_size")
	cfg.Workflow.MaxIterations = v.GetInt("workflow.max_iterations")
	cfg.Workflow.MaxDuration = v.GetDuration("workflow.max_duration")
	cfg.Workflow.WatchdogInterval = v.GetDuration("workflow.watchdog_interval")
	cfg.Workflow.BackendRetries = v.GetInt("workflow.backend_retries")
	cfg.Workflow.BackendBackoff = v.GetDuration("workflow.backend_backoff")
	cfg.Workflow.BackendMaxBackoff = v.GetDuration("workflow.backend_max_backoff")
	cfg.Workflow.ResolvedGrace = v.GetInt("workflow.resolved_grace")

	// Gateway
	cfg.Gateway.CallTimeout = v.GetDuration("gateway.call_timeout")
	cfg.Gateway.MaxAttempts = v.GetInt("gateway.max_attempts")
	cfg.Gateway.InitialBackoff = v.GetDuration("gateway.initial_backoff")
	cfg.Gateway.MaxBackoff = v.GetDuration("gateway.max_backoff")
	cfg.Gateway.BreakerFailures = v.GetInt("gateway.breaker_failures")
	cfg.Gateway.BreakerCooldown = v.GetDuration("gateway.breaker_cooldown")
	cfg.Gateway.RateLimit = v.GetFloat64("gateway.rate_limit")
	cfg.Gateway.RateBurst = v.GetInt("gateway.rate_burst")
	cfg.Gateway.MaxOutputBytes = v.GetInt("gateway.max_output_bytes")
	cfg.Gateway.CatalogTTL = v.GetDuration("gateway.catalog_ttl")

	// Providers
	cfg.Providers = []ProviderConfig{}
	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	// Publisher
	cfg.Publisher.Destinations = v.GetStringSlice("publisher.destinations")
	cfg.Publisher.MaxAttempts = v.GetInt("publisher.max_attempts")
	cfg.Publisher.InitialBackoff = v.GetDuration("publisher.initial_backoff")
	cfg.Publisher.MaxBackoff = v.GetDuration("publisher.max_backoff")
	cfg.Publisher.WebhookURL = v.GetString("publisher.webhook_url")
	cfg.Publisher.WebhookTimeout = v.GetDuration("publisher.webhook_timeout")
	cfg.Publisher.ObjectStore.Endpoint = v.GetString("publisher.object_store.endpoint")
	cfg.Publisher.ObjectStore.Bucket = v.GetString("publisher.object_store.bucket")
	cfg.Publisher.ObjectStore.Prefix = v.GetString("publisher.object_store.prefix")
	cfg.Publisher.ObjectStore.AccessKey = v.GetString("publisher.object_store.access_key")
	cfg.Publisher.ObjectStore.SecretKey = v.GetString("publisher.object_store.secret_key")
	cfg.Publisher.ObjectStore.UseSSL = v.GetBool("publisher.object_store.use_ssl")

	// LLM
	cfg.LLM.BaseURL = v.GetString("llm.base_url")
	cfg.LLM.APIKey = v.GetString("llm.api_key")
	cfg.LLM.Model = v.GetString("llm.model")
	cfg.LLM.Temperature = float32(v.GetFloat64("llm.temperature"))
	cfg.LLM.MaxTokens = v.GetInt("llm.max_tokens")
	cfg.LLM.Timeout = v.GetDuration("llm.timeout")

	// Alertmanager
	cfg.Alertmanager.URL = v.GetString("alertmanager.url")
	cfg.Alertmanager.Timeout = v.GetDuration("alertmanager.timeout")

	// Tracing
	cfg.Tracing.Enabled = v.GetBool("tracing.enabled")
	cfg.Tracing.Endpoint = v.GetString("tracing.endpoint")
	cfg.Tracing.ServiceName = v.GetString("tracing.service_name")
	cfg.Tracing.SamplingRate = v.GetFloat64("tracing.sampling_rate")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variables that do not follow the
// INCIDENT_ prefix convention.
func (m *viperConfigManager) applyEnvOverrides() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && m.config.LLM.APIKey == "" {
		m.config.LLM.APIKey = apiKey
	}

	if prompts := os.Getenv("ALERT_PROMPTS"); prompts != "" {
		m.config.Intake.Prompts = prompts
	}

	if url := os.Getenv("ALERTMANAGER_URL"); url != "" {
		m.config.Alertmanager.URL = url
	}

	for _, p := range providersFromEnv() {
		m.config.upsertProvider(p)
	}
}

// providersFromEnv reads MCP_SERVERS=<a,b> and MCP_<NAME>_URL,
// MCP_<NAME>_ENABLED, MCP_<NAME>_TRANSPORT, MCP_<NAME>_ALLOWED_TOOLS.
func providersFromEnv() []ProviderConfig {
	raw := os.Getenv("MCP_SERVERS")
	if raw == "" {
		return nil
	}

	var out []ProviderConfig
	for _, name := range splitList(raw) {
		prefix := "MCP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		p := ProviderConfig{
			Name:      strings.ToLower(name),
			URL:       os.Getenv(prefix + "URL"),
			Enabled:   true,
			Transport: "http",
		}
		if enabled := os.Getenv(prefix + "ENABLED"); enabled != "" {
			p.Enabled = strings.EqualFold(enabled, "true") || enabled == "1"
		}
		if transport := os.Getenv(prefix + "TRANSPORT"); transport != "" {
			p.Transport = strings.ToLower(transport)
		}
		p.AllowedTools = splitList(os.Getenv(prefix + "ALLOWED_TOOLS"))
		out = append(out, p)
	}
	return out
}

func (c *Config) upsertProvider(p ProviderConfig) {
	for i := range c.Providers {
		if c.Providers[i].Name == p.Name {
			c.Providers[i] = p
			return
		}
	}
	c.Providers = append(c.Providers, p)
}

func configFileMissing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || os.IsNotExist(err)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

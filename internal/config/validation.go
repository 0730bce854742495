package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc_port must differ from port")
	}
	if c.Server.IntakeRatePerMin < 0 {
		add("server.intake_rate_per_min", "must not be negative, got %d", c.Server.IntakeRatePerMin)
	}

	// Database
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when type is sqlite")
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			add("database.postgres_url", "postgres_url is required when type is postgres")
		}
	default:
		add("database.type", "type must be one of: sqlite, postgres, got %q", c.Database.Type)
	}

	// Logging
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "invalid log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format", "format must be one of: json, console, got %q", c.Logging.Format)
	}

	// Workflow
	if c.Workflow.Workers < 1 {
		add("workflow.workers", "workers must be at least 1, got %d", c.Workflow.Workers)
	}
	if c.Workflow.QueueSize < 1 {
		add("workflow.queue_size", "queue_size must be at least 1, got %d", c.Workflow.QueueSize)
	}
	if c.Workflow.MaxIterations < 1 {
		add("workflow.max_iterations", "max_iterations must be at least 1, got %d", c.Workflow.MaxIterations)
	}
	if c.Workflow.MaxDuration <= 0 {
		add("workflow.max_duration", "max_duration must be positive")
	}
	if c.Workflow.WatchdogInterval <= 0 {
		add("workflow.watchdog_interval", "watchdog_interval must be positive")
	}
	if c.Workflow.BackendRetries < 0 {
		add("workflow.backend_retries", "backend_retries must not be negative")
	}
	if c.Workflow.ResolvedGrace < 0 {
		add("workflow.resolved_grace", "resolved_grace must not be negative")
	}

	// Gateway
	if c.Gateway.CallTimeout <= 0 {
		add("gateway.call_timeout", "call_timeout must be positive")
	}
	if c.Gateway.MaxAttempts < 1 {
		add("gateway.max_attempts", "max_attempts must be at least 1, got %d", c.Gateway.MaxAttempts)
	}
	if c.Gateway.BreakerFailures < 1 {
		add("gateway.breaker_failures", "breaker_failures must be at least 1, got %d", c.Gateway.BreakerFailures)
	}
	if c.Gateway.BreakerCooldown <= 0 {
		add("gateway.breaker_cooldown", "breaker_cooldown must be positive")
	}
	if c.Gateway.RateLimit < 0 {
		add("gateway.rate_limit", "rate_limit must not be negative")
	}

	// Providers
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			add(field+".name", "name is required")
			continue
		}
		if seen[p.Name] {
			add(field+".name", "duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if !p.Enabled {
			continue
		}
		if err := validateHTTPURL(p.URL); err != nil {
			add(field+".url", "provider %q: %v", p.Name, err)
		}
		switch p.Transport {
		case "", "http", "streamable-http", "sse":
		default:
			add(field+".transport", "transport must be streamable-http or sse, got %q", p.Transport)
		}
	}

	// Publisher
	if c.Publisher.MaxAttempts < 1 {
		add("publisher.max_attempts", "max_attempts must be at least 1, got %d", c.Publisher.MaxAttempts)
	}
	if len(c.Publisher.Destinations) == 0 {
		add("publisher.destinations", "at least one destination is required")
	}
	for _, d := range c.Publisher.Destinations {
		switch strings.ToLower(d) {
		case "log":
		case "webhook":
			if err := validateHTTPURL(c.Publisher.WebhookURL); err != nil {
				add("publisher.webhook_url", "%v", err)
			}
		case "object_store":
			if c.Publisher.ObjectStore.Endpoint == "" {
				add("publisher.object_store.endpoint", "endpoint is required for object_store destination")
			}
			if c.Publisher.ObjectStore.Bucket == "" {
				add("publisher.object_store.bucket", "bucket is required for object_store destination")
			}
		default:
			add("publisher.destinations", "unknown destination %q (valid: log, webhook, object_store)", d)
		}
	}

	// LLM
	if c.LLM.Model == "" {
		add("llm.model", "model is required")
	}
	if c.LLM.BaseURL != "" {
		if err := validateHTTPURL(c.LLM.BaseURL); err != nil {
			add("llm.base_url", "%v", err)
		}
	}

	// Alertmanager
	if c.Alertmanager.URL != "" {
		if err := validateHTTPURL(c.Alertmanager.URL); err != nil {
			add("alertmanager.url", "%v", err)
		}
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		add("tracing.endpoint", "endpoint is required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate", "sampling_rate must be between 0 and 1, got %v", c.Tracing.SamplingRate)
	}

	return errs
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

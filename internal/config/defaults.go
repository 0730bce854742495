package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8085
	cfg.Server.GRPCPort = 9085
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.IntakeRatePerMin = 600

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/kubilitics/incident.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Intake defaults
	cfg.Intake.IgnoredLabels = []string{}
	cfg.Intake.Include = []string{}
	cfg.Intake.Exclude = []string{}
	cfg.Intake.ReconcileOnStart = true

	// Workflow defaults
	cfg.Workflow.Workers = 4
	cfg.Workflow.QueueSize = 256
	cfg.Workflow.MaxIterations = 12
	cfg.Workflow.MaxDuration = 10 * time.Minute
	cfg.Workflow.WatchdogInterval = 5 * time.Second
	cfg.Workflow.BackendRetries = 3
	cfg.Workflow.BackendBackoff = 2 * time.Second
	cfg.Workflow.BackendMaxBackoff = 30 * time.Second
	cfg.Workflow.ResolvedGrace = 2

	// Gateway defaults
	cfg.Gateway.CallTimeout = 30 * time.Second
	cfg.Gateway.MaxAttempts = 3
	cfg.Gateway.InitialBackoff = 500 * time.Millisecond
	cfg.Gateway.MaxBackoff = 10 * time.Second
	cfg.Gateway.BreakerFailures = 5
	cfg.Gateway.BreakerCooldown = 60 * time.Second
	cfg.Gateway.RateLimit = 10
	cfg.Gateway.RateBurst = 20
	cfg.Gateway.MaxOutputBytes = 64 * 1024
	cfg.Gateway.CatalogTTL = 5 * time.Minute

	cfg.Providers = []ProviderConfig{}

	// Publisher defaults
	cfg.Publisher.Destinations = []string{"log"}
	cfg.Publisher.MaxAttempts = 5
	cfg.Publisher.InitialBackoff = time.Second
	cfg.Publisher.MaxBackoff = 30 * time.Second
	cfg.Publisher.WebhookTimeout = 10 * time.Second
	cfg.Publisher.ObjectStore.Bucket = "incident-reports"
	cfg.Publisher.ObjectStore.Prefix = "reports/"
	cfg.Publisher.ObjectStore.UseSSL = true

	// LLM defaults
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxTokens = 2048
	cfg.LLM.Timeout = 60 * time.Second

	// Alertmanager defaults
	cfg.Alertmanager.Timeout = 10 * time.Second

	// Tracing defaults
	cfg.Tracing.ServiceName = "kubilitics-incident"
	cfg.Tracing.SamplingRate = 1.0

	return cfg
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 12, cfg.Workflow.MaxIterations)
	assert.Equal(t, 10*time.Minute, cfg.Workflow.MaxDuration)
	assert.Equal(t, 3, cfg.Gateway.MaxAttempts)
	assert.Equal(t, []string{"log"}, cfg.Publisher.Destinations)

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "invalid port - too low",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 0
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "unknown database type",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "mysql"
			},
			wantError: true,
			errorMsg:  "type must be one of: sqlite, postgres",
		},
		{
			name: "postgres without url",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "postgres"
			},
			wantError: true,
			errorMsg:  "postgres_url is required",
		},
		{
			name: "zero iteration budget",
			modifyFn: func(cfg *Config) {
				cfg.Workflow.MaxIterations = 0
			},
			wantError: true,
			errorMsg:  "max_iterations must be at least 1",
		},
		{
			name: "provider with non-http url",
			modifyFn: func(cfg *Config) {
				cfg.Providers = []ProviderConfig{{Name: "k8s", URL: "ftp://k8s", Enabled: true}}
			},
			wantError: true,
			errorMsg:  "must use http or https",
		},
		{
			name: "disabled provider skips url check",
			modifyFn: func(cfg *Config) {
				cfg.Providers = []ProviderConfig{{Name: "k8s", Enabled: false}}
			},
			wantError: false,
		},
		{
			name: "legacy sse provider",
			modifyFn: func(cfg *Config) {
				cfg.Providers = []ProviderConfig{{Name: "argo", URL: "http://argo-mcp:8080/sse", Enabled: true, Transport: "sse"}}
			},
			wantError: false,
		},
		{
			name: "unknown provider transport",
			modifyFn: func(cfg *Config) {
				cfg.Providers = []ProviderConfig{{Name: "argo", URL: "http://argo-mcp:8080", Enabled: true, Transport: "websocket"}}
			},
			wantError: true,
			errorMsg:  "transport must be streamable-http or sse",
		},
		{
			name: "duplicate provider",
			modifyFn: func(cfg *Config) {
				cfg.Providers = []ProviderConfig{
					{Name: "k8s", URL: "http://a:1", Enabled: true},
					{Name: "k8s", URL: "http://b:1", Enabled: true},
				}
			},
			wantError: true,
			errorMsg:  "duplicate provider",
		},
		{
			name: "webhook destination without url",
			modifyFn: func(cfg *Config) {
				cfg.Publisher.Destinations = []string{"webhook"}
			},
			wantError: true,
			errorMsg:  "url is required",
		},
		{
			name: "unknown destination",
			modifyFn: func(cfg *Config) {
				cfg.Publisher.Destinations = []string{"pager"}
			},
			wantError: true,
			errorMsg:  "unknown destination",
		},
		{
			name: "tracing without endpoint",
			modifyFn: func(cfg *Config) {
				cfg.Tracing.Enabled = true
			},
			wantError: true,
			errorMsg:  "endpoint is required when tracing is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			if !tt.wantError {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
				}
			}
			assert.True(t, found, "expected an error containing %q, got %v", tt.errorMsg, errs)
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "incident.yaml")

	configContent := `
server:
  port: 9000
database:
  type: sqlite
  sqlite_path: /tmp/test.db
workflow:
  max_iterations: 5
  max_duration: 2m
intake:
  exclude:
    - Watchdog
providers:
  - name: kubernetes
    url: http://k8s-mcp:8080
    enabled: true
    allowed_tools: [get_pods, get_events]
    timeout: 5s
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.SQLitePath)
	assert.Equal(t, 5, cfg.Workflow.MaxIterations)
	assert.Equal(t, 2*time.Minute, cfg.Workflow.MaxDuration)
	assert.Equal(t, []string{"Watchdog"}, cfg.Intake.Exclude)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "kubernetes", cfg.Providers[0].Name)
	assert.Equal(t, []string{"get_pods", "get_events"}, cfg.Providers[0].AllowedTools)
	assert.Equal(t, 5*time.Second, cfg.Providers[0].Timeout)

	// Unset values fall back to defaults
	assert.Equal(t, 3, cfg.Gateway.MaxAttempts)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("INCIDENT_WORKFLOW_MAX_ITERATIONS", "7")
	t.Setenv("OPENAI_API_KEY", "env-openai-key")
	t.Setenv("MCP_SERVERS", "kubernetes, prometheus")
	t.Setenv("MCP_KUBERNETES_URL", "http://k8s:8080")
	t.Setenv("MCP_KUBERNETES_ALLOWED_TOOLS", "get_pods,get_logs")
	t.Setenv("MCP_PROMETHEUS_URL", "https://prom:9090")
	t.Setenv("MCP_PROMETHEUS_ENABLED", "false")

	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 7, cfg.Workflow.MaxIterations)
	assert.Equal(t, "env-openai-key", cfg.LLM.APIKey)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "kubernetes", cfg.Providers[0].Name)
	assert.True(t, cfg.Providers[0].Enabled)
	assert.Equal(t, []string{"get_pods", "get_logs"}, cfg.Providers[0].AllowedTools)
	assert.Equal(t, "prometheus", cfg.Providers[1].Name)
	assert.False(t, cfg.Providers[1].Enabled)
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager("/nonexistent/path/incident.yaml")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "incident.yaml")

	configContent := `
server:
  port: 99999
gateway:
  max_attempts: 0
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "gateway.max_attempts")
}

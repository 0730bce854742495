package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/config"
	"github.com/kubilitics/kubilitics-incident/internal/intake"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "incident.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "kubilitics-incident "+version+"\n", out.String())
}

func TestLoadConfiguration(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		missing  bool
		wantErr  string
		validate func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "valid configuration file",
			content: `
server:
  port: 8081
workflow:
  max_iterations: 8
providers:
  - name: kubernetes
    url: http://k8s-mcp:8080/mcp
    enabled: true
    allowed_tools: [get_pod_logs, describe_pod]
`,
			validate: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 8081, cfg.Server.Port)
				assert.Equal(t, 8, cfg.Workflow.MaxIterations)
				require.Len(t, cfg.Providers, 1)
				assert.Equal(t, []string{"get_pod_logs", "describe_pod"}, cfg.Providers[0].AllowedTools)
			},
		},
		{
			name:    "missing config file uses defaults",
			missing: true,
			validate: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, config.DefaultConfig().Server.Port, cfg.Server.Port)
				assert.Equal(t, []string{"log"}, cfg.Publisher.Destinations)
			},
		},
		{
			name: "invalid configuration fails validation",
			content: `
server:
  port: 99999
providers:
  - name: legacy
    url: http://legacy:8080/mcp
    enabled: true
    transport: websocket
`,
			wantErr: "configuration validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nonexistent.yaml")
			if !tt.missing {
				path = writeConfig(t, tt.content)
			}
			cfg, mgr, err := loadConfiguration(context.Background(), path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, mgr)
			tt.validate(t, cfg)
		})
	}
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, "publisher:\n  destinations: [log]\n")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", path, "validate"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "configuration OK")

	bad := writeConfig(t, "publisher:\n  destinations: [pager]\n")
	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", bad, "validate"})
	assert.Error(t, cmd.Execute())
}

func TestNewAppWiresComponents(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.SQLitePath = filepath.Join(dir, "incident.db")
	cfg.Logging.AuditLogPath = filepath.Join(dir, "audit.log")
	cfg.Intake.Exclude = []string{"Watchdog"}

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.close()

	assert.Equal(t, []string{"log"}, a.publisher.Destinations())
	assert.Empty(t, a.gateway.Providers())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, err := a.restore(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	decision, err := a.admitEvent(ctx, &models.IncidentEvent{
		Name:     "Watchdog",
		Status:   models.StatusFiring,
		Labels:   map[string]string{"alertname": "Watchdog"},
		StartsAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, string(intake.DecisionDropped), decision)
}

func TestRestoreSnapshotsUndeliveredReports(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.SQLitePath = filepath.Join(dir, "incident.db")
	cfg.Logging.AuditLogPath = filepath.Join(dir, "audit.log")

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A run that finished just before the previous process stopped.
	now := time.Now()
	run := &models.WorkflowRun{
		RunID:               "podcrashlooping-f1a2b3c4-0a1b2c3d",
		IncidentFingerprint: "f1a2b3c4",
		IncidentName:        "PodCrashLooping",
		State:               models.RunPending,
		StartedAt:           now,
		Deadline:            now.Add(10 * time.Minute),
		UpdatedAt:           now,
		DeliveryStatus:      models.DeliveryPending,
	}
	_, _, err = a.store.CreateRun(ctx, run)
	require.NoError(t, err)
	require.NoError(t, run.Transition(models.RunRunning, now))
	require.NoError(t, run.Transition(models.RunCompleted, now))
	run.Report = &models.Report{Summary: "container OOMKilled", Confidence: models.ConfidenceMedium, GeneratedAt: now}
	require.NoError(t, a.store.FinishRun(ctx, run))

	pending, err := a.restore(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, run.RunID, pending[0].RunID)

	stored, err := a.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, stored.DeliveryStatus)

	a.catchUp(ctx, pending)
	stored, err = a.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, stored.DeliveryStatus)
}

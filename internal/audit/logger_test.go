package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) (Logger, *Config) {
	t.Helper()
	config := &Config{
		AuditLogPath:  filepath.Join(t.TempDir(), "audit.log"),
		MaxSize:       10,
		MaxBackups:    3,
		MaxAge:        7,
		FlushInterval: time.Hour,
		BufferSize:    100,
	}
	logger, err := NewLogger(config, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, config
}

func readAudit(t *testing.T, logger Logger, config *Config) string {
	t.Helper()
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	return string(content)
}

func TestNewLoggerRequiresPath(t *testing.T) {
	_, err := NewLogger(&Config{}, nil)
	if err == nil {
		t.Fatal("Expected error for empty audit log path")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}
	if config.BufferSize != 100 {
		t.Errorf("Expected buffer size 100, got %d", config.BufferSize)
	}
}

func TestLogAdmission(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	if err := logger.LogAdmission(ctx, "fp-1", "started", "run-1", ""); err != nil {
		t.Fatalf("LogAdmission failed: %v", err)
	}
	if err := logger.LogAdmission(ctx, "fp-2", "dropped", "", "excluded by rule"); err != nil {
		t.Fatalf("LogAdmission failed: %v", err)
	}

	content := readAudit(t, logger, config)
	for _, want := range []string{"incident.admitted", "incident.dropped", "excluded by rule", "fp-2"} {
		if !strings.Contains(content, want) {
			t.Errorf("Expected audit log to contain %q", want)
		}
	}
}

func TestLogRunLifecycle(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	_ = logger.LogRunStarted(ctx, "fp-1", "run-1", false)
	_ = logger.LogRunStarted(ctx, "fp-1", "run-1", true)
	_ = logger.LogToolInvoked(ctx, "run-1", "kubernetes", "get_pods", 2, 150*time.Millisecond, nil)
	_ = logger.LogToolInvoked(ctx, "run-1", "kubernetes", "get_logs", 3, time.Second, errors.New("timeout"))
	_ = logger.LogRunFinished(ctx, "fp-1", "run-1", "timed_out", "deadline exceeded", 5*time.Minute)

	content := readAudit(t, logger, config)
	for _, want := range []string{"run.started", "run.resumed", "tool.invoked", "run.timed_out", "deadline exceeded"} {
		if !strings.Contains(content, want) {
			t.Errorf("Expected audit log to contain %q", want)
		}
	}
	if !strings.Contains(content, `\"result\":\"failure\"`) {
		t.Error("Expected a failure result for the failed tool call")
	}
}

func TestLogDelivery(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	_ = logger.LogDelivery(ctx, "run-1", "webhook", 1, nil)
	_ = logger.LogDelivery(ctx, "run-2", "object_store", 5, errors.New("bucket missing"))

	content := readAudit(t, logger, config)
	if !strings.Contains(content, "report.delivered") {
		t.Error("Expected report.delivered event")
	}
	if !strings.Contains(content, "report.delivery_failed") {
		t.Error("Expected report.delivery_failed event")
	}
}

func TestBufferFullFlush(t *testing.T) {
	config := &Config{
		AuditLogPath:  filepath.Join(t.TempDir(), "audit.log"),
		FlushInterval: time.Hour,
		BufferSize:    3,
	}
	logger, err := NewLogger(config, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 3; i++ {
		_ = logger.Log(context.Background(), NewEvent(EventRunStarted).WithResult(ResultSuccess))
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	if got := strings.Count(string(content), "run.started"); got != 3 {
		t.Errorf("Expected 3 flushed events, got %d", got)
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	if GetCorrelationID(ctx) != "" {
		t.Error("Expected empty correlation ID")
	}

	id := GenerateCorrelationID()
	ctx = WithCorrelationID(ctx, id)
	if GetCorrelationID(ctx) != id {
		t.Errorf("Expected correlation ID %s, got %s", id, GetCorrelationID(ctx))
	}
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventToolInvoked).
		WithRun("fp-1", "run-1").
		WithResource("get_pods", "kubernetes").
		WithDuration(1500*time.Millisecond).
		WithMetadata("attempts", 2).
		WithError(errors.New("boom"), "tool_error")

	if event.CorrelationID != "run-1" {
		t.Errorf("Expected correlation ID to default to run ID, got %s", event.CorrelationID)
	}
	if event.Result != ResultFailure {
		t.Errorf("Expected failure result, got %s", event.Result)
	}
	if event.DurationMs != 1500 {
		t.Errorf("Expected 1500ms, got %d", event.DurationMs)
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"run-1"`) {
		t.Errorf("Expected run_id in JSON, got %s", data)
	}
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-incident/internal/logging"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Intake decisions
	LogAdmission(ctx context.Context, fingerprint, decision, runID, reason string) error

	// Run lifecycle
	LogRunStarted(ctx context.Context, fingerprint, runID string, resumed bool) error
	LogRunFinished(ctx context.Context, fingerprint, runID, state, reason string, duration time.Duration) error

	// Tool invocations
	LogToolInvoked(ctx context.Context, runID, provider, tool string, attempts int, duration time.Duration, err error) error

	// Report delivery
	LogDelivery(ctx context.Context, runID, destination string, attempts int, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval is how often buffered events are written
	FlushInterval time.Duration

	// BufferSize is the number of events that forces a flush
	BufferSize int
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		FlushInterval: time.Second,
		BufferSize:    100,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives marshal errors.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	// Audit logs are append-only, rotated, always INFO level
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(logging.EncoderConfig()),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger.Named("audit"),
		auditLogger: zap.New(auditCore),
		config:      config,
		buffer:      make([]*Event, 0, config.BufferSize),
		flushTicker: time.NewTicker(config.FlushInterval),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= l.config.BufferSize {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogAdmission records the intake decision for an incident event
func (l *auditLogger) LogAdmission(ctx context.Context, fingerprint, decision, runID, reason string) error {
	eventType := EventIncidentAdmitted
	result := ResultSuccess
	switch decision {
	case "dropped":
		eventType, result = EventIncidentDropped, ResultDenied
	case "signalled":
		eventType = EventIncidentSignal
	}

	event := NewEvent(eventType).
		WithRun(fingerprint, runID).
		WithAction(decision).
		WithResult(result).
		WithDescription(fmt.Sprintf("Incident %s %s", fingerprint, decision))
	if reason != "" {
		event.WithMetadata("reason", reason)
	}

	return l.Log(ctx, event)
}

// LogRunStarted logs when a run starts or is resumed after restart
func (l *auditLogger) LogRunStarted(ctx context.Context, fingerprint, runID string, resumed bool) error {
	eventType, verb := EventRunStarted, "started"
	if resumed {
		eventType, verb = EventRunResumed, "resumed"
	}

	event := NewEvent(eventType).
		WithRun(fingerprint, runID).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Run %s %s", runID, verb))

	return l.Log(ctx, event)
}

// LogRunFinished logs the terminal transition of a run
func (l *auditLogger) LogRunFinished(ctx context.Context, fingerprint, runID, state, reason string, duration time.Duration) error {
	eventType := EventRunCompleted
	result := ResultSuccess
	switch state {
	case "failed":
		eventType, result = EventRunFailed, ResultFailure
	case "cancelled":
		eventType, result = EventRunCancelled, ResultDenied
	case "timed_out":
		eventType, result = EventRunTimedOut, ResultFailure
	}

	event := NewEvent(eventType).
		WithRun(fingerprint, runID).
		WithResult(result).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Run %s %s", runID, state))
	if reason != "" {
		event.WithMetadata("reason", reason)
	}

	return l.Log(ctx, event)
}

// LogToolInvoked logs a gateway tool invocation
func (l *auditLogger) LogToolInvoked(ctx context.Context, runID, provider, tool string, attempts int, duration time.Duration, err error) error {
	event := NewEvent(EventToolInvoked).
		WithRun("", runID).
		WithResource(tool, provider).
		WithAction("invoke").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("attempts", attempts).
		WithError(err, "tool_error").
		WithDescription(fmt.Sprintf("Tool %s/%s invoked", provider, tool))

	return l.Log(ctx, event)
}

// LogDelivery logs the outcome of report delivery to one destination
func (l *auditLogger) LogDelivery(ctx context.Context, runID, destination string, attempts int, err error) error {
	eventType := EventReportDelivered
	if err != nil {
		eventType = EventDeliveryFailed
	}

	event := NewEvent(eventType).
		WithRun("", runID).
		WithResource(destination, "destination").
		WithResult(ResultSuccess).
		WithMetadata("attempts", attempts).
		WithError(err, "delivery_failed").
		WithDescription(fmt.Sprintf("Report for %s sent to %s", runID, destination))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})

	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// nopLogger discards all events.
type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, *Event) error                                  { return nil }
func (nopLogger) LogAdmission(context.Context, string, string, string, string) error { return nil }
func (nopLogger) LogRunStarted(context.Context, string, string, bool) error          { return nil }
func (nopLogger) LogRunFinished(context.Context, string, string, string, string, time.Duration) error {
	return nil
}
func (nopLogger) LogToolInvoked(context.Context, string, string, string, int, time.Duration, error) error {
	return nil
}
func (nopLogger) LogDelivery(context.Context, string, string, int, error) error { return nil }
func (nopLogger) Sync() error                                                  { return nil }
func (nopLogger) Close() error                                                 { return nil }

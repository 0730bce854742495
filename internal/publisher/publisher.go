// Package publisher hands finished incident reports to the configured
// destinations with bounded, at-least-once retry.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/audit"
	"github.com/kubilitics/kubilitics-incident/internal/db"
	"github.com/kubilitics/kubilitics-incident/internal/metrics"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

var tracer = otel.Tracer("github.com/kubilitics/kubilitics-incident/internal/publisher")

// Config bounds delivery retry.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default retry settings.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// Outcome is the result of delivering one report to one destination.
type Outcome struct {
	Destination string                `json:"destination"`
	Status      models.DeliveryStatus `json:"status"`
	Attempts    int                   `json:"attempts"`
	Err         error                 `json:"-"`
}

// Store records per-destination delivery accounting.
type Store interface {
	RecordDelivery(ctx context.Context, rec *db.DeliveryRecord) error
	ListUndelivered(ctx context.Context, limit int) ([]*models.WorkflowRun, error)
	SetDeliveryStatus(ctx context.Context, runID string, status models.DeliveryStatus) error
}

// Publisher delivers reports to every destination independently.
type Publisher struct {
	cfg      Config
	dests    []Destination
	store    Store
	auditLog audit.Logger
	logger   *zap.Logger
}

// New creates a publisher. store and auditLog may be nil.
func New(cfg Config, dests []Destination, store Store, auditLog audit.Logger, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Publisher{cfg: cfg, dests: dests, store: store, auditLog: auditLog, logger: logger.Named("publisher")}
}

// Destinations lists the configured destination names.
func (p *Publisher) Destinations() []string {
	names := make([]string, 0, len(p.dests))
	for _, d := range p.dests {
		names = append(names, d.Name())
	}
	return names
}

// Publish delivers the run's report to all destinations and returns the
// aggregate status: delivered only when every destination accepted it.
func (p *Publisher) Publish(ctx context.Context, run *models.WorkflowRun) models.DeliveryStatus {
	if run.Report == nil || len(p.dests) == 0 {
		return models.DeliverySkipped
	}
	outcomes := p.PublishAll(ctx, run)
	for _, o := range outcomes {
		if o.Status != models.DeliveryDelivered {
			return models.DeliveryFailed
		}
	}
	return models.DeliveryDelivered
}

// PublishAll delivers to each destination concurrently and returns one
// outcome per destination in configuration order.
func (p *Publisher) PublishAll(ctx context.Context, run *models.WorkflowRun) []Outcome {
	ctx, span := tracer.Start(ctx, "publisher.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", run.RunID),
		attribute.String("fingerprint", run.IncidentFingerprint),
	)

	outcomes := make([]Outcome, len(p.dests))
	var wg sync.WaitGroup
	for i, d := range p.dests {
		wg.Add(1)
		go func(i int, d Destination) {
			defer wg.Done()
			outcomes[i] = p.deliver(ctx, run, d)
		}(i, d)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.Err != nil {
			span.SetStatus(codes.Error, "delivery failed")
			break
		}
	}
	return outcomes
}

func (p *Publisher) deliver(ctx context.Context, run *models.WorkflowRun, d Destination) Outcome {
	out := Outcome{Destination: d.Name()}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialBackoff
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	op := func() error {
		out.Attempts++
		return d.Deliver(ctx, run)
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("report delivery failed, retrying",
			zap.String("run_id", run.RunID),
			zap.String("destination", d.Name()),
			zap.Int("attempt", out.Attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.cfg.MaxAttempts-1)), ctx), notify)

	out.Status = models.DeliveryDelivered
	if err != nil {
		out.Status = models.DeliveryFailed
		out.Err = fmt.Errorf("%w: %s: %w", models.ErrDeliveryFailed, d.Name(), err)
		p.logger.Error("report delivery failed",
			zap.String("run_id", run.RunID),
			zap.String("destination", d.Name()),
			zap.Int("attempts", out.Attempts),
			zap.Error(err),
		)
	}

	metrics.DeliveriesTotal.WithLabelValues(d.Name(), string(out.Status)).Inc()
	if p.auditLog != nil {
		_ = p.auditLog.LogDelivery(ctx, run.RunID, d.Name(), out.Attempts, err)
	}
	if p.store != nil {
		rec := &db.DeliveryRecord{
			RunID:       run.RunID,
			Destination: d.Name(),
			Status:      out.Status,
			Attempts:    out.Attempts,
		}
		if err != nil {
			rec.LastError = err.Error()
		}
		if err := p.store.RecordDelivery(ctx, rec); err != nil {
			p.logger.Error("failed to record delivery", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	return out
}

// Undelivered lists terminal runs whose report hand-off never completed,
// e.g. because the process stopped after finishing the run.
func (p *Publisher) Undelivered(ctx context.Context) ([]*models.WorkflowRun, error) {
	if p.store == nil {
		return nil, nil
	}
	return p.store.ListUndelivered(ctx, 100)
}

// Redeliver publishes every undelivered report.
func (p *Publisher) Redeliver(ctx context.Context) (int, error) {
	runs, err := p.Undelivered(ctx)
	if err != nil {
		return 0, err
	}
	return p.RedeliverRuns(ctx, runs)
}

// RedeliverRuns publishes the given runs and records their delivery status.
// Callers pass a snapshot taken before any run was resumed so a run the
// executor finishes concurrently is never published twice.
func (p *Publisher) RedeliverRuns(ctx context.Context, runs []*models.WorkflowRun) (int, error) {
	if p.store == nil {
		return 0, nil
	}
	n := 0
	for _, run := range runs {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		status := p.Publish(ctx, run)
		if err := p.store.SetDeliveryStatus(ctx, run.RunID, status); err != nil {
			return n, fmt.Errorf("%w: %v", models.ErrFatalInfrastructure, err)
		}
		n++
	}
	if n > 0 {
		p.logger.Info("redelivered pending reports", zap.Int("runs", n))
	}
	return n, nil
}

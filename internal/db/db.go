package db

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// Store is the durable persistence interface for the orchestrator.
type Store interface {
	IncidentStore
	RunStore
	DeliveryStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Incidents ────────────────────────────────────────────────────────────────

// IncidentStore persists deduplicated incidents. Rows are never deleted.
type IncidentStore interface {
	UpsertIncident(ctx context.Context, inc *models.Incident) error

	// GetIncident returns models.ErrIncidentNotFound when absent.
	GetIncident(ctx context.Context, fingerprint string) (*models.Incident, error)

	ListIncidents(ctx context.Context, limit int) ([]*models.Incident, error)
}

// ─── Runs ─────────────────────────────────────────────────────────────────────

// RunStore persists workflow runs, their append-only history, and the
// fingerprint -> active run registry.
type RunStore interface {
	// CreateRun inserts the run and claims the fingerprint in one transaction.
	// When another run already holds the fingerprint nothing is written and
	// the holder's run ID is returned with created=false.
	CreateRun(ctx context.Context, run *models.WorkflowRun) (holder string, created bool, err error)

	// SaveRun persists the mutable run fields (state, iteration, pending call,
	// backend failure counter, delivery status).
	SaveRun(ctx context.Context, run *models.WorkflowRun) error

	// AppendToolCall appends a completed call to history and saves the run in
	// the same transaction. Appending an already recorded call is a no-op.
	AppendToolCall(ctx context.Context, run *models.WorkflowRun, call models.ToolCall) error

	// AppendSignal records a signal and assigns its sequence number.
	AppendSignal(ctx context.Context, runID string, sig *models.Signal) error

	// FinishRun saves a terminal run and releases its fingerprint claim
	// in one transaction.
	FinishRun(ctx context.Context, run *models.WorkflowRun) error

	// GetRun returns models.ErrRunNotFound when absent.
	GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error)

	// LatestRun returns the most recent run for a fingerprint.
	LatestRun(ctx context.Context, fingerprint string) (*models.WorkflowRun, error)

	ListRuns(ctx context.Context, limit int) ([]*models.WorkflowRun, error)

	// ListActiveRuns returns every run in a non-terminal state.
	ListActiveRuns(ctx context.Context) ([]*models.WorkflowRun, error)

	// ActiveRunID returns models.ErrNoActiveRun when nothing holds the fingerprint.
	ActiveRunID(ctx context.Context, fingerprint string) (string, error)
}

// ─── Deliveries ───────────────────────────────────────────────────────────────

// DeliveryRecord is the outcome of publishing a report to one destination.
type DeliveryRecord struct {
	RunID       string                `json:"run_id"`
	Destination string                `json:"destination"`
	Status      models.DeliveryStatus `json:"status"`
	Attempts    int                   `json:"attempts"`
	LastError   string                `json:"last_error,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// DeliveryStore persists per-destination delivery accounting.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, rec *DeliveryRecord) error
	ListDeliveries(ctx context.Context, runID string) ([]*DeliveryRecord, error)
	SetDeliveryStatus(ctx context.Context, runID string, status models.DeliveryStatus) error

	// ListUndelivered returns terminal runs whose report was never handed off.
	ListUndelivered(ctx context.Context, limit int) ([]*models.WorkflowRun, error)
}

// Package dispatch owns the fingerprint -> active run registry and starts
// at most one workflow run per incident.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/db"
	"github.com/kubilitics/kubilitics-incident/internal/metrics"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// Executor runs workflows on behalf of the dispatcher.
type Executor interface {
	// Submit schedules a persisted run for execution.
	Submit(run *models.WorkflowRun)
	// Deliver hands a persisted signal to a running workflow.
	Deliver(runID string, sig models.Signal)
	// Cancel requests cooperative cancellation. It returns false when the
	// executor is not running the run.
	Cancel(runID, reason string) bool
	// Drain returns delivered signals the run has not consumed yet.
	Drain(runID string) []models.Signal
}

// RunOptions carries per-incident investigation settings.
type RunOptions struct {
	Prompt    string
	Providers []string
}

// Handle identifies the run an incident was routed to.
type Handle struct {
	RunID       string
	Fingerprint string
}

// Dispatcher enforces single-flight per incident fingerprint.
type Dispatcher struct {
	store       db.RunStore
	exec        Executor
	logger      *zap.Logger
	maxDuration time.Duration
	now         func() time.Time

	mu     sync.Mutex
	active map[string]string // fingerprint -> run ID
}

// New creates a dispatcher. The executor may be attached later with Attach.
func New(store db.RunStore, exec Executor, maxDuration time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:       store,
		exec:        exec,
		logger:      logger.Named("dispatch"),
		maxDuration: maxDuration,
		now:         time.Now,
		active:      make(map[string]string),
	}
}

// Attach sets the executor.
func (d *Dispatcher) Attach(exec Executor) {
	d.mu.Lock()
	d.exec = exec
	d.mu.Unlock()
}

// Dispatch starts a run for the incident unless one is already active, in
// which case the existing run is returned with started=false.
func (d *Dispatcher) Dispatch(ctx context.Context, inc *models.Incident, opts RunOptions) (Handle, bool, error) {
	d.mu.Lock()
	if runID, ok := d.active[inc.Fingerprint]; ok {
		d.mu.Unlock()
		return Handle{RunID: runID, Fingerprint: inc.Fingerprint}, false, nil
	}

	now := d.now()
	run := &models.WorkflowRun{
		RunID:               NewRunID(inc.Name, inc.Fingerprint),
		IncidentFingerprint: inc.Fingerprint,
		IncidentName:        inc.Name,
		State:               models.RunPending,
		StartedAt:           now,
		Deadline:            now.Add(d.maxDuration),
		UpdatedAt:           now,
		DeliveryStatus:      models.DeliveryPending,
		Prompt:              opts.Prompt,
		Providers:           opts.Providers,
	}
	holder, created, err := d.store.CreateRun(ctx, run)
	if err != nil {
		d.mu.Unlock()
		return Handle{}, false, fmt.Errorf("%w: create run: %v", models.ErrFatalInfrastructure, err)
	}
	if !created {
		d.active[inc.Fingerprint] = holder
		d.mu.Unlock()
		return Handle{RunID: holder, Fingerprint: inc.Fingerprint}, false, nil
	}
	d.active[inc.Fingerprint] = run.RunID
	metrics.ActiveRuns.Set(float64(len(d.active)))
	exec := d.exec
	d.mu.Unlock()

	d.logger.Info("workflow run created",
		zap.String("fingerprint", inc.Fingerprint),
		zap.String("run_id", run.RunID),
		zap.Time("deadline", run.Deadline),
	)
	if exec != nil {
		exec.Submit(run)
	}
	return Handle{RunID: run.RunID, Fingerprint: inc.Fingerprint}, true, nil
}

// Signal durably records a signal on the incident's active run and
// delivers it. models.ErrNoActiveRun is returned when nothing is running.
func (d *Dispatcher) Signal(ctx context.Context, fingerprint string, sig models.Signal) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	runID, err := d.lookup(ctx, fingerprint)
	if err != nil {
		return "", err
	}
	if err := d.store.AppendSignal(ctx, runID, &sig); err != nil {
		return "", fmt.Errorf("%w: record signal: %v", models.ErrFatalInfrastructure, err)
	}
	if d.exec != nil {
		d.exec.Deliver(runID, sig)
	}
	return runID, nil
}

// Cancel requests cancellation of the incident's active run. A run that no
// executor is driving is finalized directly.
func (d *Dispatcher) Cancel(ctx context.Context, fingerprint, reason string) (string, error) {
	d.mu.Lock()
	runID, err := d.lookup(ctx, fingerprint)
	exec := d.exec
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	if exec != nil && exec.Cancel(runID, reason) {
		return runID, nil
	}

	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.State.Terminal() {
		return runID, d.Finish(ctx, run)
	}
	run.Reason = reason
	run.Pending = nil
	run.DeliveryStatus = models.DeliverySkipped
	if err := run.Transition(models.RunCancelled, d.now()); err != nil {
		return "", err
	}
	return runID, d.Finish(ctx, run)
}

// Finish persists a terminal run and releases its fingerprint. Signals
// accepted after the run's last step boundary are folded into run.Signals
// first; once the fingerprint is released new events start a fresh run.
func (d *Dispatcher) Finish(ctx context.Context, run *models.WorkflowRun) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exec != nil {
		if late := foldSignals(run, d.exec.Drain(run.RunID)); late > 0 {
			d.logger.Info("signals observed while finishing",
				zap.String("run_id", run.RunID),
				zap.Int("signals", late),
			)
		}
	}
	if err := d.store.FinishRun(ctx, run); err != nil {
		return fmt.Errorf("%w: finish run: %v", models.ErrFatalInfrastructure, err)
	}
	if d.active[run.IncidentFingerprint] == run.RunID {
		delete(d.active, run.IncidentFingerprint)
	}
	metrics.ActiveRuns.Set(float64(len(d.active)))
	return nil
}

// Restore registers a run recovered from the store.
func (d *Dispatcher) Restore(run *models.WorkflowRun) {
	d.mu.Lock()
	d.active[run.IncidentFingerprint] = run.RunID
	metrics.ActiveRuns.Set(float64(len(d.active)))
	d.mu.Unlock()
}

// ActiveRun returns the run holding the fingerprint, if any.
func (d *Dispatcher) ActiveRun(fingerprint string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	runID, ok := d.active[fingerprint]
	return runID, ok
}

// lookup must be called with d.mu held.
func (d *Dispatcher) lookup(ctx context.Context, fingerprint string) (string, error) {
	if runID, ok := d.active[fingerprint]; ok {
		return runID, nil
	}
	runID, err := d.store.ActiveRunID(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, models.ErrNoActiveRun) {
			return "", err
		}
		return "", fmt.Errorf("%w: lookup active run: %v", models.ErrFatalInfrastructure, err)
	}
	d.active[fingerprint] = runID
	return runID, nil
}

// foldSignals appends signals newer than the run's last observed one.
func foldSignals(run *models.WorkflowRun, sigs []models.Signal) int {
	last := 0
	for _, s := range run.Signals {
		if s.Seq > last {
			last = s.Seq
		}
	}
	n := 0
	for _, sig := range sigs {
		if sig.Seq <= last {
			continue
		}
		run.Signals = append(run.Signals, sig)
		last = sig.Seq
		n++
	}
	return n
}

// NewRunID builds "<alertname>-<fingerprint prefix>-<random>".
func NewRunID(name, fingerprint string) string {
	short := fingerprint
	if len(short) > 8 {
		short = short[:8]
	}
	base := sanitize(name)
	if base == "" {
		base = "incident"
	}
	return fmt.Sprintf("%s-%s-%s", base, short, uuid.NewString()[:8])
}

func sanitize(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 48 {
		out = strings.TrimSuffix(out[:48], "-")
	}
	return out
}

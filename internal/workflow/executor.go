// Package workflow is the durable executor: it drives each run through the
// reasoning loop, records every step before acting on it, and resumes
// unfinished runs from their recorded history after a restart.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-incident/internal/agent"
	"github.com/kubilitics/kubilitics-incident/internal/audit"
	"github.com/kubilitics/kubilitics-incident/internal/db"
	"github.com/kubilitics/kubilitics-incident/internal/gateway"
	"github.com/kubilitics/kubilitics-incident/internal/metrics"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

var tracer = otel.Tracer("github.com/kubilitics/kubilitics-incident/internal/workflow")

// Store is the persistence the executor needs.
type Store interface {
	db.RunStore
	GetIncident(ctx context.Context, fingerprint string) (*models.Incident, error)
	SetDeliveryStatus(ctx context.Context, runID string, status models.DeliveryStatus) error
}

// Registry owns the fingerprint -> run mapping.
type Registry interface {
	Finish(ctx context.Context, run *models.WorkflowRun) error
	Restore(run *models.WorkflowRun)
}

// Reasoner decides a run's next step.
type Reasoner interface {
	Next(ctx context.Context, run *models.WorkflowRun, inc *models.Incident, catalog []models.ToolSpec) (agent.Step, error)
}

// Tools is the tool invocation gateway.
type Tools interface {
	Catalog(ctx context.Context, providers []string) []models.ToolSpec
	Invoke(ctx context.Context, inv gateway.Invocation) (models.ToolResult, int)
}

// Publisher hands finished reports to the output target.
type Publisher interface {
	Publish(ctx context.Context, run *models.WorkflowRun) models.DeliveryStatus
}

// Config sizes the worker pool.
type Config struct {
	Workers          int
	QueueSize        int
	WatchdogInterval time.Duration
}

// Executor runs workflows on a bounded worker pool. Steps of one run are
// strictly sequential; runs execute in parallel.
type Executor struct {
	cfg       Config
	store     Store
	registry  Registry
	reasoner  Reasoner
	tools     Tools
	publisher Publisher
	audit     audit.Logger
	logger    *zap.Logger
	now       func() time.Time

	queue chan string

	mu   sync.Mutex
	runs map[string]*tracked

	subsMu      sync.Mutex
	subscribers map[string][]*Subscriber
}

// tracked is the in-memory control block of a submitted run.
type tracked struct {
	deadline     time.Time
	cancel       context.CancelFunc
	cancelReason string
	cancelled    bool
	timedOut     bool
	inbox        []models.Signal
}

// New creates an executor. Call Run to start the workers.
func New(cfg Config, store Store, registry Registry, reasoner Reasoner, tools Tools, publisher Publisher, auditLog audit.Logger, logger *zap.Logger) *Executor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	return &Executor{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		reasoner:    reasoner,
		tools:       tools,
		publisher:   publisher,
		audit:       auditLog,
		logger:      logger.Named("workflow"),
		now:         time.Now,
		queue:       make(chan string, cfg.QueueSize),
		runs:        make(map[string]*tracked),
		subscribers: make(map[string][]*Subscriber),
	}
}

// Run starts the workers and the deadline watchdog, and blocks until ctx is
// cancelled. Runs in flight at shutdown stay non-terminal in the store and
// are resumed on the next start.
func (e *Executor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			e.logger.Debug("worker started", zap.Int("worker", worker))
			for {
				select {
				case <-ctx.Done():
					return nil
				case runID := <-e.queue:
					metrics.QueueDepth.Set(float64(len(e.queue)))
					e.execute(ctx, runID)
				}
			}
		})
	}
	g.Go(func() error {
		e.watchdog(ctx)
		return nil
	})
	return g.Wait()
}

// Resume re-registers and schedules every non-terminal run in the store.
func (e *Executor) Resume(ctx context.Context) (int, error) {
	runs, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list active runs: %v", models.ErrFatalInfrastructure, err)
	}
	for _, run := range runs {
		e.registry.Restore(run)
		e.Submit(run)
		e.logger.Info("resuming workflow run",
			zap.String("run_id", run.RunID),
			zap.String("fingerprint", run.IncidentFingerprint),
			zap.String("state", string(run.State)),
			zap.Int("history", len(run.History)),
		)
	}
	return len(runs), nil
}

// Submit schedules a run. It never blocks the caller.
func (e *Executor) Submit(run *models.WorkflowRun) {
	e.mu.Lock()
	if _, ok := e.runs[run.RunID]; ok {
		e.mu.Unlock()
		return
	}
	e.runs[run.RunID] = &tracked{deadline: run.Deadline}
	e.mu.Unlock()

	select {
	case e.queue <- run.RunID:
		metrics.QueueDepth.Set(float64(len(e.queue)))
	default:
		go func() { e.queue <- run.RunID }()
	}
}

// Deliver queues a persisted signal for the run's next step boundary.
func (e *Executor) Deliver(runID string, sig models.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.runs[runID]; ok {
		t.inbox = append(t.inbox, sig)
	}
}

// Cancel requests cancellation; an in-flight tool call is interrupted and
// its result discarded.
func (e *Executor) Cancel(runID, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.runs[runID]
	if !ok {
		return false
	}
	t.cancelled = true
	t.cancelReason = reason
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

// watchdog cancels the context of runs that are past their deadline so a
// stuck tool call cannot hold a run open.
func (e *Executor) watchdog(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.now()
			e.mu.Lock()
			for runID, t := range e.runs {
				if t.cancel != nil && !t.timedOut && !now.Before(t.deadline) {
					t.timedOut = true
					t.cancel()
					e.logger.Warn("run exceeded its deadline", zap.String("run_id", runID))
				}
			}
			e.mu.Unlock()
		}
	}
}

func (e *Executor) forget(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

// attach binds the run's cancel func, returning false if the run was
// cancelled before it started.
func (e *Executor) attach(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.runs[runID]
	if !ok {
		t = &tracked{}
		e.runs[runID] = t
	}
	t.cancel = cancel
	if t.cancelled {
		cancel()
	}
}

// Drain hands over signals delivered since the run's last step boundary.
func (e *Executor) Drain(runID string) []models.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.runs[runID]
	if !ok {
		return nil
	}
	inbox := t.inbox
	t.inbox = nil
	return inbox
}

// control reports pending cancellation or deadline interruption and drains
// the signal inbox.
func (e *Executor) control(runID string) (cancelled bool, reason string, timedOut bool, inbox []models.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.runs[runID]
	if !ok {
		return false, "", false, nil
	}
	inbox, t.inbox = t.inbox, nil
	return t.cancelled, t.cancelReason, t.timedOut, inbox
}

func (e *Executor) execute(ctx context.Context, runID string) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("failed to load run", zap.String("run_id", runID), zap.Error(err))
		e.forget(runID)
		return
	}
	if run.State.Terminal() {
		e.forget(runID)
		return
	}
	e.mu.Lock()
	if t, ok := e.runs[runID]; ok {
		t.deadline = run.Deadline
	}
	e.mu.Unlock()

	inc, err := e.store.GetIncident(ctx, run.IncidentFingerprint)
	if err != nil {
		inc = &models.Incident{Fingerprint: run.IncidentFingerprint, Name: run.IncidentName, Status: models.StatusFiring}
	}

	ctx, span := tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run_id", run.RunID),
		attribute.String("fingerprint", run.IncidentFingerprint),
	))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.attach(runID, cancel)

	mode := "new"
	if run.State == models.RunPending {
		if err := run.Transition(models.RunRunning, e.now()); err != nil {
			e.fatal(ctx, run, err)
			return
		}
		if err := e.store.SaveRun(ctx, run); err != nil {
			e.fatal(ctx, run, err)
			return
		}
	} else {
		mode = "resumed"
	}
	metrics.RunsStarted.WithLabelValues(mode).Inc()
	_ = e.audit.LogRunStarted(ctx, run.IncidentFingerprint, run.RunID, mode == "resumed")
	e.publish(run, Event{Type: EventStarted})
	e.logger.Info("workflow run started",
		zap.String("run_id", run.RunID),
		zap.String("fingerprint", run.IncidentFingerprint),
		zap.String("mode", mode),
		zap.Int("iteration", run.Iteration),
	)

	catalog := e.tools.Catalog(runCtx, run.Providers)

	for {
		if ctx.Err() != nil {
			// Shutting down; the run stays resumable.
			e.forget(runID)
			return
		}

		cancelled, reason, timedOut, inbox := e.control(runID)
		e.mergeSignals(run, inbox)
		switch {
		case cancelled:
			if reason == "" {
				reason = "cancelled"
			}
			e.finish(ctx, run, models.RunCancelled, nil, reason)
			return
		case timedOut:
			report := agent.Inconclusive(run, "time budget exhausted while waiting for a tool", e.now())
			e.finish(ctx, run, models.RunTimedOut, report, "deadline exceeded")
			return
		}

		if run.State == models.RunAwaitingTool {
			if run.Pending == nil {
				if err := run.Transition(models.RunRunning, e.now()); err != nil {
					e.fatal(ctx, run, err)
					return
				}
				continue
			}
			if !e.invoke(ctx, runCtx, run, *run.Pending) {
				return
			}
			continue
		}

		step, err := e.reasoner.Next(runCtx, run, inc, catalog)
		if err != nil {
			// Interrupted by cancellation, the watchdog or shutdown.
			continue
		}
		run.BackendFailures += step.Failures

		switch step.Kind {
		case agent.StepCallTool:
			call := models.ToolCall{
				Seq:        len(run.History),
				Iteration:  run.Iteration,
				ProviderID: step.Call.Provider,
				ToolName:   step.Call.Tool,
				Arguments:  step.Call.Arguments,
				IdempotencyKey: gateway.IdempotencyKey(run.RunID, run.Iteration,
					step.Call.Provider, step.Call.Tool, step.Call.Arguments),
				StartedAt: e.now(),
			}
			run.Pending = &call
			if err := run.Transition(models.RunAwaitingTool, e.now()); err != nil {
				e.fatal(ctx, run, err)
				return
			}
			if err := e.store.SaveRun(ctx, run); err != nil {
				e.fatal(ctx, run, err)
				return
			}
			e.publish(run, Event{Type: EventToolPending, Call: &call})
			if !e.invoke(ctx, runCtx, run, call) {
				return
			}

		case agent.StepConclude:
			e.finish(ctx, run, models.RunCompleted, step.Report, step.Reason)
			return
		case agent.StepExhausted:
			e.finish(ctx, run, models.RunCompleted, step.Report, step.Reason)
			return
		case agent.StepDeadline:
			e.finish(ctx, run, models.RunTimedOut, step.Report, step.Reason)
			return
		case agent.StepBackendFailed:
			e.finish(ctx, run, models.RunFailed, agent.Failure(run, step.Reason, e.now()), step.Reason)
			return
		default:
			e.fatal(ctx, run, fmt.Errorf("unknown step kind %q", step.Kind))
			return
		}
	}
}

// invoke performs the pending call and records its result. It returns false
// when the run must stop executing.
func (e *Executor) invoke(ctx, runCtx context.Context, run *models.WorkflowRun, call models.ToolCall) bool {
	res, attempts := e.tools.Invoke(runCtx, gateway.Invocation{
		RunID:          run.RunID,
		Provider:       call.ProviderID,
		Tool:           call.ToolName,
		Arguments:      call.Arguments,
		IdempotencyKey: call.IdempotencyKey,
	})
	if runCtx.Err() != nil {
		// Cancelled, timed out or shutting down: the result is discarded and
		// the loop decides what happens next.
		return true
	}

	call.Result = res
	call.Attempt = attempts
	call.FinishedAt = e.now()
	run.History = append(run.History, call)
	run.Pending = nil
	run.Iteration++
	if err := run.Transition(models.RunRunning, e.now()); err != nil {
		e.fatal(ctx, run, err)
		return false
	}
	if err := e.store.AppendToolCall(ctx, run, call); err != nil {
		e.fatal(ctx, run, err)
		return false
	}
	e.publish(run, Event{Type: EventToolResult, Call: &call})
	return true
}

// mergeSignals appends signals not yet present on the run.
func (e *Executor) mergeSignals(run *models.WorkflowRun, inbox []models.Signal) {
	last := 0
	for _, s := range run.Signals {
		if s.Seq > last {
			last = s.Seq
		}
	}
	for _, sig := range inbox {
		if sig.Seq <= last {
			continue
		}
		run.Signals = append(run.Signals, sig)
		last = sig.Seq
		e.publish(run, Event{Type: EventSignal, Signal: &sig})
		e.logger.Info("signal observed",
			zap.String("run_id", run.RunID),
			zap.String("kind", string(sig.Kind)),
		)
	}
}

// finish persists the terminal state, releases the fingerprint and then
// hands the report to the publisher.
func (e *Executor) finish(ctx context.Context, run *models.WorkflowRun, state models.RunState, report *models.Report, reason string) {
	ctx = context.WithoutCancel(ctx)
	defer e.forget(run.RunID)
	defer e.closeSubs(run.IncidentFingerprint)

	run.Pending = nil
	run.Report = report
	run.Reason = reason
	if report == nil {
		run.DeliveryStatus = models.DeliverySkipped
	}
	if err := run.Transition(state, e.now()); err != nil {
		e.logger.Error("illegal terminal transition",
			zap.String("run_id", run.RunID),
			zap.String("from", string(run.State)),
			zap.String("to", string(state)),
		)
		if err := run.Transition(models.RunFailed, e.now()); err != nil {
			return
		}
		run.Reason = err.Error()
	}
	observed := len(run.Signals)
	if err := e.registry.Finish(ctx, run); err != nil {
		e.logger.Error("failed to persist terminal run; it will be resumed",
			zap.String("run_id", run.RunID),
			zap.Error(err),
		)
		return
	}
	for i := observed; i < len(run.Signals); i++ {
		sig := run.Signals[i]
		e.publish(run, Event{Type: EventSignal, Signal: &sig})
	}

	confidence := "none"
	if report != nil {
		confidence = string(report.Confidence)
	}
	duration := run.UpdatedAt.Sub(run.StartedAt)
	metrics.RunsFinished.WithLabelValues(string(run.State), confidence).Inc()
	metrics.RunDuration.WithLabelValues(string(run.State)).Observe(duration.Seconds())
	metrics.RunIterations.Observe(float64(run.Iteration))
	_ = e.audit.LogRunFinished(ctx, run.IncidentFingerprint, run.RunID, string(run.State), reason, duration)
	e.publish(run, Event{Type: EventFinished, Report: report, Reason: reason})
	e.logger.Info("workflow run finished",
		zap.String("run_id", run.RunID),
		zap.String("fingerprint", run.IncidentFingerprint),
		zap.String("state", string(run.State)),
		zap.String("confidence", confidence),
		zap.Int("iterations", run.Iteration),
		zap.String("reason", reason),
	)

	if report == nil || e.publisher == nil {
		return
	}
	status := e.publisher.Publish(ctx, run)
	run.DeliveryStatus = status
	if err := e.store.SetDeliveryStatus(ctx, run.RunID, status); err != nil {
		e.logger.Error("failed to record delivery status", zap.String("run_id", run.RunID), zap.Error(err))
	}
	e.publish(run, Event{Type: EventDelivered, Delivery: status})
}

// fatal handles an unrecoverable infrastructure error: the run is marked
// Failed when the store still accepts writes, otherwise it is left for
// recovery.
func (e *Executor) fatal(ctx context.Context, run *models.WorkflowRun, cause error) {
	e.logger.Error("fatal error while executing run",
		zap.String("run_id", run.RunID),
		zap.Error(cause),
	)
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		e.forget(run.RunID)
		return
	}
	reason := fmt.Sprintf("%v: %v", models.ErrFatalInfrastructure, cause)
	e.finish(ctx, run, models.RunFailed, agent.Failure(run, reason, e.now()), reason)
}

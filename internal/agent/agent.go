// Package agent implements the bounded think/act/observe reasoning loop.
//
// The loop holds no state of its own: every decision is a function of the
// incident, the run's recorded history and signals, and the tool catalog.
// Replaying a history prefix therefore reproduces the same backend requests,
// which is what makes crash recovery by replay safe.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/metrics"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// Backend is the reasoning backend consulted once per iteration.
type Backend interface {
	Step(ctx context.Context, in StepInput) (models.Decision, error)
	Model() string
}

// ArgumentValidator checks tool arguments against the declared schema.
type ArgumentValidator interface {
	ValidateArguments(spec models.ToolSpec, args map[string]any) error
}

// StepInput is everything the backend may base a decision on.
type StepInput struct {
	Incident      *models.Incident
	Prompt        string
	History       []models.ToolCall
	Signals       []models.Signal
	Catalog       []models.ToolSpec
	Iteration     int
	MaxIterations int
	Resolved      bool
	// Feedback explains why the previous decision was rejected.
	Feedback string
}

// StepKind is the outcome of one call to Loop.Next.
type StepKind string

const (
	StepCallTool StepKind = "call_tool"
	StepConclude StepKind = "conclude"
	// StepExhausted means the iteration budget ran out.
	StepExhausted StepKind = "exhausted"
	// StepDeadline means the time budget ran out.
	StepDeadline StepKind = "deadline"
	// StepBackendFailed means backend retries were exhausted on transport errors.
	StepBackendFailed StepKind = "backend_failed"
)

// Step is what the executor acts on next.
type Step struct {
	Kind     StepKind
	Call     *models.ToolRequest
	Report   *models.Report
	Reason   string
	Failures int // backend failures absorbed while producing this step
}

// Config bounds the loop.
type Config struct {
	MaxIterations     int
	BackendRetries    int
	BackendBackoff    time.Duration
	BackendMaxBackoff time.Duration
	// ResolvedGrace is how many tool calls are allowed after the incident
	// auto-resolves before the loop concludes on its own.
	ResolvedGrace int
}

// DefaultConfig returns loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     12,
		BackendRetries:    3,
		BackendBackoff:    2 * time.Second,
		BackendMaxBackoff: 30 * time.Second,
		ResolvedGrace:     2,
	}
}

// Loop drives a reasoning backend within iteration and time budgets.
type Loop struct {
	backend   Backend
	validator ArgumentValidator
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewLoop creates a reasoning loop.
func NewLoop(backend Backend, validator ArgumentValidator, cfg Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	return &Loop{
		backend:   backend,
		validator: validator,
		cfg:       cfg,
		logger:    logger.Named("agent"),
		now:       time.Now,
	}
}

// MaxIterations returns the iteration budget.
func (l *Loop) MaxIterations() int { return l.cfg.MaxIterations }

// Next decides the run's next step. It never returns a tool call once a
// budget is exhausted; the returned error is non-nil only when ctx ends.
func (l *Loop) Next(ctx context.Context, run *models.WorkflowRun, inc *models.Incident, catalog []models.ToolSpec) (Step, error) {
	if !run.Deadline.IsZero() && !l.now().Before(run.Deadline) {
		return Step{
			Kind:   StepDeadline,
			Report: Inconclusive(run, "time budget exhausted", l.now()),
			Reason: "deadline exceeded",
		}, nil
	}
	if run.Iteration >= l.cfg.MaxIterations {
		return Step{
			Kind:   StepExhausted,
			Report: Inconclusive(run, fmt.Sprintf("iteration budget of %d exhausted", l.cfg.MaxIterations), l.now()),
			Reason: "max iterations reached",
		}, nil
	}
	if l.resolvedGraceSpent(run) {
		return Step{
			Kind:   StepConclude,
			Report: AutoResolved(run, l.now()),
			Reason: "incident auto-resolved",
		}, nil
	}

	in := StepInput{
		Incident:      inc,
		Prompt:        run.Prompt,
		History:       run.History,
		Signals:       run.Signals,
		Catalog:       catalog,
		Iteration:     run.Iteration,
		MaxIterations: l.cfg.MaxIterations,
		Resolved:      run.Resolved(),
	}

	var (
		decision models.Decision
		failures int
		lastErr  error
	)
	op := func() error {
		start := time.Now()
		dec, err := l.backend.Step(ctx, in)
		metrics.BackendRequestDuration.WithLabelValues(l.backend.Model()).Observe(time.Since(start).Seconds())
		if err == nil {
			err = l.check(&dec, run, catalog)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			failures++
			lastErr = err
			status := "error"
			if errors.Is(err, models.ErrMalformedDecision) {
				status = "malformed"
				in.Feedback = err.Error()
			}
			metrics.BackendRequestsTotal.WithLabelValues(l.backend.Model(), status).Inc()
			l.logger.Warn("reasoning step rejected",
				zap.String("run_id", run.RunID),
				zap.Int("iteration", run.Iteration),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			return err
		}
		metrics.BackendRequestsTotal.WithLabelValues(l.backend.Model(), "success").Inc()
		decision = dec
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(run), uint64(l.cfg.BackendRetries)), ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Step{}, ctxErr
		}
		if errors.Is(lastErr, models.ErrMalformedDecision) {
			return Step{
				Kind:     StepConclude,
				Report:   ForcedLow(run, lastErr, l.now()),
				Reason:   "malformed decisions exhausted retries",
				Failures: failures,
			}, nil
		}
		return Step{
			Kind:     StepBackendFailed,
			Reason:   fmt.Sprintf("reasoning backend exhausted retries: %v", lastErr),
			Failures: failures,
		}, nil
	}

	if decision.Kind == models.DecisionConclude {
		return Step{Kind: StepConclude, Report: decision.Report, Failures: failures}, nil
	}
	return Step{Kind: StepCallTool, Call: decision.Call, Failures: failures}, nil
}

func (l *Loop) newBackOff(run *models.WorkflowRun) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if l.cfg.BackendBackoff > 0 {
		b.InitialInterval = l.cfg.BackendBackoff
	}
	if l.cfg.BackendMaxBackoff > 0 {
		b.MaxInterval = l.cfg.BackendMaxBackoff
	}
	b.MaxElapsedTime = 0
	if !run.Deadline.IsZero() {
		b.MaxElapsedTime = run.Deadline.Sub(l.now())
	}
	b.Reset()
	return b
}

// check validates a backend decision against the catalog and normalizes
// concluding reports.
func (l *Loop) check(dec *models.Decision, run *models.WorkflowRun, catalog []models.ToolSpec) error {
	switch dec.Kind {
	case models.DecisionCallTool:
		if dec.Call == nil {
			return fmt.Errorf("%w: tool call without a request", models.ErrMalformedDecision)
		}
		spec, ok := findTool(catalog, dec.Call.Provider, dec.Call.Tool)
		if !ok {
			return fmt.Errorf("%w: tool %q on provider %q is not in the catalog",
				models.ErrMalformedDecision, dec.Call.Tool, dec.Call.Provider)
		}
		dec.Call.Provider = spec.Provider
		if dec.Call.Arguments == nil {
			dec.Call.Arguments = map[string]any{}
		}
		if l.validator != nil {
			if err := l.validator.ValidateArguments(spec, dec.Call.Arguments); err != nil {
				return fmt.Errorf("%w: %v", models.ErrMalformedDecision, err)
			}
		}
		return nil

	case models.DecisionConclude:
		if dec.Report == nil || dec.Report.Summary == "" {
			return fmt.Errorf("%w: conclusion without a summary", models.ErrMalformedDecision)
		}
		normalizeReport(dec.Report, run, l.now())
		return nil

	default:
		return fmt.Errorf("%w: unknown decision kind %q", models.ErrMalformedDecision, dec.Kind)
	}
}

// resolvedGraceSpent reports whether the run has used up the tool calls it
// is allowed after a resolved signal.
func (l *Loop) resolvedGraceSpent(run *models.WorkflowRun) bool {
	var resolvedAt time.Time
	for _, s := range run.Signals {
		if s.Kind == models.SignalResolved {
			resolvedAt = s.ReceivedAt
			break
		}
	}
	if resolvedAt.IsZero() {
		return false
	}
	after := 0
	for _, c := range run.History {
		if !c.StartedAt.Before(resolvedAt) {
			after++
		}
	}
	return after >= l.cfg.ResolvedGrace
}

// findTool resolves a tool by provider and name. An empty provider matches
// a tool name that is unique across the catalog.
func findTool(catalog []models.ToolSpec, provider, name string) (models.ToolSpec, bool) {
	var (
		match models.ToolSpec
		found int
	)
	for _, spec := range catalog {
		if spec.Name != name && spec.QualifiedName() != name {
			continue
		}
		if provider != "" && spec.Provider != provider {
			continue
		}
		match = spec
		found++
	}
	return match, found == 1
}

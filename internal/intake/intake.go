// Package intake admits normalized alert events: it derives the incident
// fingerprint, applies filter rules, deduplicates against known incidents and
// either signals the active run or asks the dispatcher for a new one.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/audit"
	"github.com/kubilitics/kubilitics-incident/internal/dispatch"
	"github.com/kubilitics/kubilitics-incident/internal/metrics"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// ErrInvalidEvent is returned for events that fail validation.
var ErrInvalidEvent = errors.New("invalid incident event")

// Decision is the outcome of admitting one event.
type Decision string

const (
	DecisionStarted   Decision = "started"
	DecisionJoined    Decision = "joined"
	DecisionSignalled Decision = "signalled"
	DecisionDropped   Decision = "dropped"
)

// Admission describes what happened to an event.
type Admission struct {
	Decision    Decision `json:"decision"`
	Fingerprint string   `json:"fingerprint"`
	RunID       string   `json:"run_id,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// Store is the persistence the deduplicator needs.
type Store interface {
	UpsertIncident(ctx context.Context, inc *models.Incident) error
	GetIncident(ctx context.Context, fingerprint string) (*models.Incident, error)
	LatestRun(ctx context.Context, fingerprint string) (*models.WorkflowRun, error)
}

// Dispatcher starts and signals runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, inc *models.Incident, opts dispatch.RunOptions) (dispatch.Handle, bool, error)
	Signal(ctx context.Context, fingerprint string, sig models.Signal) (string, error)
}

// Deduplicator implements incident admission.
type Deduplicator struct {
	store      Store
	dispatcher Dispatcher
	fp         *Fingerprinter
	prompts    *PromptRegistry
	auditLog   audit.Logger
	logger     *zap.Logger
	validate   *validator.Validate
	now        func() time.Time

	rules atomic.Pointer[Rules]
	mu    sync.Mutex
}

// Options configures a Deduplicator.
type Options struct {
	IgnoredLabels []string
	Include       []string
	Exclude       []string
	Prompts       *PromptRegistry
}

// New creates a deduplicator. auditLog may be nil.
func New(store Store, dispatcher Dispatcher, opts Options, auditLog audit.Logger, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deduplicator{
		store:      store,
		dispatcher: dispatcher,
		fp:         NewFingerprinter(opts.IgnoredLabels),
		prompts:    opts.Prompts,
		auditLog:   auditLog,
		logger:     logger.Named("intake"),
		validate:   validator.New(),
		now:        time.Now,
	}
	d.rules.Store(NewRules(opts.Include, opts.Exclude))
	return d
}

// SetRules swaps the include/exclude filter. Safe for concurrent use.
func (d *Deduplicator) SetRules(include, exclude []string) {
	d.rules.Store(NewRules(include, exclude))
	d.logger.Info("intake rules reloaded",
		zap.Strings("include", include), zap.Strings("exclude", exclude))
}

// Fingerprint returns the identity the deduplicator would assign to an event.
func (d *Deduplicator) Fingerprint(ev *models.IncidentEvent) string {
	return d.fp.Fingerprint(ev.Name, ev.Labels)
}

// Admit processes one event and returns exactly one decision.
func (d *Deduplicator) Admit(ctx context.Context, ev *models.IncidentEvent) (Admission, error) {
	if err := d.validate.Struct(ev); err != nil {
		return Admission{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	fp := d.Fingerprint(ev)

	if ok, reason := d.rules.Load().Allow(ev.Name, fp, ev.SourceFingerprint); !ok {
		return d.record(ctx, Admission{Decision: DecisionDropped, Fingerprint: fp, Reason: reason}), nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	inc, reopened, err := d.merge(ctx, fp, ev)
	if err != nil {
		return Admission{}, err
	}
	if err := d.store.UpsertIncident(ctx, inc); err != nil {
		return Admission{}, fmt.Errorf("%w: %v", models.ErrFatalInfrastructure, err)
	}

	sig := models.Signal{
		Kind:        models.SignalUpdate,
		Status:      ev.Status,
		Annotations: ev.Annotations,
		ReceivedAt:  d.now(),
	}
	if ev.Status == models.StatusResolved {
		sig.Kind = models.SignalResolved
	}
	runID, err := d.dispatcher.Signal(ctx, fp, sig)
	switch {
	case err == nil:
		return d.record(ctx, Admission{Decision: DecisionSignalled, Fingerprint: fp, RunID: runID,
			Reason: string(sig.Kind)}), nil
	case !errors.Is(err, models.ErrNoActiveRun):
		return Admission{}, err
	}

	if ev.Status == models.StatusResolved {
		return d.record(ctx, Admission{Decision: DecisionDropped, Fingerprint: fp,
			Reason: "resolved with no active run"}), nil
	}
	if !reopened {
		investigated, err := d.investigated(ctx, inc)
		if err != nil {
			return Admission{}, err
		}
		if investigated {
			return d.record(ctx, Admission{Decision: DecisionDropped, Fingerprint: fp,
				Reason: "already investigated"}), nil
		}
	}

	prompt, providers, err := d.prompts.Render(inc)
	if err != nil {
		d.logger.Warn("alert prompt render failed, using generic prompt",
			zap.String("fingerprint", fp), zap.Error(err))
		prompt, providers, _ = (*PromptRegistry)(nil).Render(inc)
	}
	handle, started, err := d.dispatcher.Dispatch(ctx, inc, dispatch.RunOptions{Prompt: prompt, Providers: providers})
	if err != nil {
		return Admission{}, err
	}
	decision := DecisionJoined
	if started {
		decision = DecisionStarted
	}
	return d.record(ctx, Admission{Decision: decision, Fingerprint: fp, RunID: handle.RunID}), nil
}

// merge folds the event into the stored incident. reopened is true when a
// firing event follows a resolved incident's end.
func (d *Deduplicator) merge(ctx context.Context, fp string, ev *models.IncidentEvent) (*models.Incident, bool, error) {
	now := d.now()
	inc, err := d.store.GetIncident(ctx, fp)
	if errors.Is(err, models.ErrIncidentNotFound) {
		inc = &models.Incident{
			Fingerprint: fp,
			Name:        ev.Name,
			Labels:      ev.Labels,
			StartsAt:    ev.StartsAt,
			ReceivedAt:  now,
		}
	} else if err != nil {
		return nil, false, fmt.Errorf("%w: %v", models.ErrFatalInfrastructure, err)
	}

	reopened := false
	switch ev.Status {
	case models.StatusFiring:
		if (inc.Status == models.StatusResolved && !inc.Overlaps(ev.StartsAt)) || inc.Expired {
			reopened = true
			inc.StartsAt = ev.StartsAt
			inc.Expired = false
		}
		if inc.Status != models.StatusResolved || reopened {
			inc.Status = models.StatusFiring
			inc.EndsAt = nil
		}
	case models.StatusResolved:
		inc.Status = models.StatusResolved
		end := now
		if ev.EndsAt != nil && !ev.EndsAt.IsZero() {
			end = *ev.EndsAt
		}
		inc.EndsAt = &end
	}
	inc.Annotations = ev.Annotations
	if ev.GeneratorURL != "" {
		inc.GeneratorURL = ev.GeneratorURL
	}
	inc.LastSeenAt = now
	return inc, reopened, nil
}

// investigated reports whether a run already covered the incident's current
// firing episode, or the event is a late firing for a resolved incident.
func (d *Deduplicator) investigated(ctx context.Context, inc *models.Incident) (bool, error) {
	if inc.Status == models.StatusResolved {
		return true, nil
	}
	run, err := d.store.LatestRun(ctx, inc.Fingerprint)
	if errors.Is(err, models.ErrRunNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrFatalInfrastructure, err)
	}
	return !run.StartedAt.Before(inc.StartsAt), nil
}

func (d *Deduplicator) record(ctx context.Context, a Admission) Admission {
	metrics.AdmissionsTotal.WithLabelValues(string(a.Decision)).Inc()
	if d.auditLog != nil {
		_ = d.auditLog.LogAdmission(ctx, a.Fingerprint, string(a.Decision), a.RunID, a.Reason)
	}
	d.logger.Info("incident event admitted",
		zap.String("fingerprint", a.Fingerprint),
		zap.String("decision", string(a.Decision)),
		zap.String("run_id", a.RunID),
		zap.String("reason", a.Reason),
	)
	return a
}

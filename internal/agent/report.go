package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

const autoResolvedNote = "The incident auto-resolved while the investigation was in progress."

// Inconclusive synthesizes the report for a run that ran out of budget.
func Inconclusive(run *models.WorkflowRun, reason string, now time.Time) *models.Report {
	return &models.Report{
		Summary:     fmt.Sprintf("Investigation of %s ended without a conclusion: %s. %s", run.IncidentName, reason, evidenceDigest(run)),
		Evidence:    successfulEvidence(run),
		Confidence:  models.ConfidenceInconclusive,
		Partial:     true,
		GeneratedAt: now,
	}
}

// Failure builds the best-effort report for a failed run. When at least one
// tool call succeeded the gathered evidence is included with low confidence,
// otherwise the report carries only the failure reason.
func Failure(run *models.WorkflowRun, reason string, now time.Time) *models.Report {
	if run.SuccessfulCalls() == 0 {
		return &models.Report{
			Summary:     fmt.Sprintf("Investigation of %s failed: %s", run.IncidentName, reason),
			Confidence:  models.ConfidenceInconclusive,
			Partial:     true,
			GeneratedAt: now,
		}
	}
	return &models.Report{
		Summary:     fmt.Sprintf("Investigation of %s failed before concluding: %s. %s", run.IncidentName, reason, evidenceDigest(run)),
		Evidence:    successfulEvidence(run),
		Confidence:  models.ConfidenceLow,
		Partial:     true,
		GeneratedAt: now,
	}
}

// ForcedLow concludes a run whose backend kept producing malformed decisions.
func ForcedLow(run *models.WorkflowRun, cause error, now time.Time) *models.Report {
	return &models.Report{
		Summary:     fmt.Sprintf("Investigation of %s was concluded after repeated invalid reasoning steps (%v). %s", run.IncidentName, cause, evidenceDigest(run)),
		Evidence:    successfulEvidence(run),
		Confidence:  models.ConfidenceLow,
		GeneratedAt: now,
	}
}

// AutoResolved concludes a run whose incident resolved and whose follow-up
// calls are spent.
func AutoResolved(run *models.WorkflowRun, now time.Time) *models.Report {
	conf := models.ConfidenceMedium
	if run.SuccessfulCalls() == 0 {
		conf = models.ConfidenceInconclusive
	}
	return &models.Report{
		Summary:     fmt.Sprintf("%s %s", autoResolvedNote, evidenceDigest(run)),
		Evidence:    successfulEvidence(run),
		Confidence:  conf,
		GeneratedAt: now,
	}
}

// normalizeReport drops evidence that does not point into history, fills in
// tool names, and caps confidence for auto-resolved incidents.
func normalizeReport(r *models.Report, run *models.WorkflowRun, now time.Time) {
	kept := r.Evidence[:0]
	for _, ev := range r.Evidence {
		if ev.Index < 0 || ev.Index >= len(run.History) {
			continue
		}
		ev.ToolName = run.History[ev.Index].ToolName
		kept = append(kept, ev)
	}
	r.Evidence = kept

	if !r.Confidence.Valid() {
		r.Confidence = models.ConfidenceLow
	}
	if run.Resolved() {
		if r.Confidence == models.ConfidenceHigh {
			r.Confidence = models.ConfidenceMedium
		}
		if !strings.Contains(r.Summary, autoResolvedNote) {
			r.Summary = strings.TrimSpace(r.Summary) + " " + autoResolvedNote
		}
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = now
	}
}

func successfulEvidence(run *models.WorkflowRun) []models.EvidenceRef {
	var refs []models.EvidenceRef
	for i, c := range run.History {
		if c.Result.OK() {
			refs = append(refs, models.EvidenceRef{Index: i, ToolName: c.ToolName})
		}
	}
	return refs
}

func evidenceDigest(run *models.WorkflowRun) string {
	if len(run.History) == 0 {
		return "No diagnostic tools were called."
	}
	ok := run.SuccessfulCalls()
	return fmt.Sprintf("%d tool call(s) recorded, %d returned output.", len(run.History), ok)
}

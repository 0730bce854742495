package publisher

import (
	"fmt"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// RenderMarkdown formats a run's report. The output depends only on the run.
func RenderMarkdown(run *models.WorkflowRun) string {
	var b strings.Builder
	rep := run.Report

	fmt.Fprintf(&b, "# Incident report: %s\n\n", run.IncidentName)
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Run | `%s` |\n", run.RunID)
	fmt.Fprintf(&b, "| Fingerprint | `%s` |\n", run.IncidentFingerprint)
	fmt.Fprintf(&b, "| State | %s |\n", run.State)
	if rep != nil {
		fmt.Fprintf(&b, "| Confidence | %s |\n", rep.Confidence)
	}
	fmt.Fprintf(&b, "| Tool calls | %d |\n", len(run.History))
	fmt.Fprintf(&b, "| Started | %s |\n", run.StartedAt.UTC().Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "| Finished | %s |\n", run.FinishedAt.UTC().Format(time.RFC3339))
	}
	if run.Reason != "" {
		fmt.Fprintf(&b, "| Reason | %s |\n", escapeCell(run.Reason))
	}

	if rep == nil {
		b.WriteString("\nNo report was produced.\n")
		return b.String()
	}
	if rep.Partial {
		b.WriteString("\n> This report is partial: the investigation did not finish.\n")
	}

	fmt.Fprintf(&b, "\n## Summary\n\n%s\n", strings.TrimSpace(rep.Summary))
	if rep.RootCause != "" {
		fmt.Fprintf(&b, "\n## Root cause\n\n%s\n", strings.TrimSpace(rep.RootCause))
	}

	if len(rep.Evidence) > 0 {
		b.WriteString("\n## Evidence\n\n")
		for _, ev := range rep.Evidence {
			fmt.Fprintf(&b, "%d. `%s`", ev.Index+1, ev.ToolName)
			if ev.Index >= 0 && ev.Index < len(run.History) {
				if args := formatArgs(run.History[ev.Index].Arguments); args != "" {
					fmt.Fprintf(&b, " (%s)", args)
				}
			}
			if ev.Note != "" {
				fmt.Fprintf(&b, ": %s", ev.Note)
			}
			b.WriteString("\n")
		}
	}

	if len(rep.Recommendations) > 0 {
		b.WriteString("\n## Recommendations\n\n")
		for _, r := range rep.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	if len(run.History) > 0 {
		b.WriteString("\n## Investigation steps\n\n")
		for i, call := range run.History {
			status := "ok"
			if call.Result.Error != nil {
				status = string(call.Result.Error.Kind)
			}
			fmt.Fprintf(&b, "%d. %s/%s [%s]\n", i+1, call.ProviderID, call.ToolName, status)
		}
	}

	fmt.Fprintf(&b, "\n_Generated %s_\n", rep.GeneratedAt.UTC().Format(time.RFC3339))
	return b.String()
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := sortedKeys(args)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

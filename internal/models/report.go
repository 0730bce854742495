package models

import "time"

// Confidence grades how strongly a report's evidence supports its summary.
type Confidence string

const (
	ConfidenceLow          Confidence = "low"
	ConfidenceMedium       Confidence = "medium"
	ConfidenceHigh         Confidence = "high"
	ConfidenceInconclusive Confidence = "inconclusive"
)

// Valid reports whether c is a known confidence grade.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceInconclusive:
		return true
	}
	return false
}

// EvidenceRef points at a history entry supporting the report.
type EvidenceRef struct {
	Index    int    `json:"index"`
	ToolName string `json:"tool_name"`
	Note     string `json:"note,omitempty"`
}

// Report is the troubleshooting output of a run.
type Report struct {
	Summary         string        `json:"summary"`
	RootCause       string        `json:"root_cause,omitempty"`
	Evidence        []EvidenceRef `json:"evidence,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Confidence      Confidence    `json:"confidence"`
	Partial         bool          `json:"partial,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// DecisionKind is the action chosen by the reasoning backend.
type DecisionKind string

const (
	DecisionCallTool DecisionKind = "call_tool"
	DecisionConclude DecisionKind = "conclude"
)

// ToolRequest names a catalog tool and its arguments.
type ToolRequest struct {
	Provider  string         `json:"provider"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Decision is one step of the reasoning loop.
type Decision struct {
	Kind   DecisionKind `json:"kind"`
	Call   *ToolRequest `json:"call,omitempty"`
	Report *Report      `json:"report,omitempty"`
}

// CallTool builds a tool-call decision.
func CallTool(provider, tool string, args map[string]any) Decision {
	return Decision{Kind: DecisionCallTool, Call: &ToolRequest{Provider: provider, Tool: tool, Arguments: args}}
}

// Conclude builds a concluding decision.
func Conclude(r *Report) Decision {
	return Decision{Kind: DecisionConclude, Report: r}
}

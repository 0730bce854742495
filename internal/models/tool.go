package models

import "time"

// ToolErrorKind classifies a failed tool invocation.
type ToolErrorKind string

const (
	ToolErrTransient   ToolErrorKind = "transient"
	ToolErrTimeout     ToolErrorKind = "timeout"
	ToolErrCircuitOpen ToolErrorKind = "circuit_open"
	ToolErrInvalidArgs ToolErrorKind = "invalid_arguments"
	ToolErrRejected    ToolErrorKind = "rejected"
	ToolErrTool        ToolErrorKind = "tool_error"
	ToolErrCancelled   ToolErrorKind = "cancelled"
)

// ToolError describes why a tool call produced no output.
type ToolError struct {
	Kind    ToolErrorKind `json:"kind"`
	Message string        `json:"message"`
}

// ToolResult is either an output payload or an error.
type ToolResult struct {
	Output string     `json:"output,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

// OK reports whether the call produced output.
func (r ToolResult) OK() bool { return r.Error == nil }

// ToolCall is an immutable history entry for one tool invocation.
type ToolCall struct {
	Seq            int            `json:"seq"`
	Iteration      int            `json:"iteration"`
	ProviderID     string         `json:"provider_id"`
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments"`
	IdempotencyKey string         `json:"idempotency_key"`
	Attempt        int            `json:"attempt"`
	Result         ToolResult     `json:"result"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// ToolSpec is a read-only catalog entry offered to the reasoning loop.
type ToolSpec struct {
	Provider    string         `json:"provider"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// QualifiedName is the provider-scoped tool identifier.
func (t ToolSpec) QualifiedName() string {
	return t.Provider + "__" + t.Name
}

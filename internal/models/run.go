package models

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of a WorkflowRun.
type RunState string

const (
	RunPending      RunState = "pending"
	RunRunning      RunState = "running"
	RunAwaitingTool RunState = "awaiting_tool"
	RunCompleted    RunState = "completed"
	RunFailed       RunState = "failed"
	RunCancelled    RunState = "cancelled"
	RunTimedOut     RunState = "timed_out"
)

var terminalExits = []RunState{RunFailed, RunCancelled, RunTimedOut}

var runTransitions = map[RunState][]RunState{
	RunPending:      append([]RunState{RunRunning}, terminalExits...),
	RunRunning:      append([]RunState{RunAwaitingTool, RunCompleted}, terminalExits...),
	RunAwaitingTool: append([]RunState{RunRunning}, terminalExits...),
}

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimedOut:
		return true
	}
	return false
}

// Active reports whether the state counts toward single-flight.
func (s RunState) Active() bool {
	return s == RunPending || s == RunRunning || s == RunAwaitingTool
}

// CanTransition reports whether s -> to is a legal edge.
func (s RunState) CanTransition(to RunState) bool {
	for _, next := range runTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks report hand-off to the output target.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "delivery_failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// SignalKind distinguishes update signals routed to a running workflow.
type SignalKind string

const (
	SignalUpdate   SignalKind = "update"
	SignalResolved SignalKind = "resolved"
)

// Signal is a durably recorded notification delivered to an active run.
type Signal struct {
	Seq         int               `json:"seq"`
	Kind        SignalKind        `json:"kind"`
	Status      IncidentStatus    `json:"status"`
	Annotations map[string]string `json:"annotations,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// WorkflowRun is one investigation execution for an incident.
type WorkflowRun struct {
	RunID               string         `json:"run_id"`
	IncidentFingerprint string         `json:"incident_fingerprint"`
	IncidentName        string         `json:"incident_name"`
	State               RunState       `json:"state"`
	Iteration           int            `json:"iteration"`
	StartedAt           time.Time      `json:"started_at"`
	Deadline            time.Time      `json:"deadline"`
	UpdatedAt           time.Time      `json:"updated_at"`
	FinishedAt          *time.Time     `json:"finished_at,omitempty"`
	History             []ToolCall     `json:"history"`
	Pending             *ToolCall      `json:"pending,omitempty"`
	Signals             []Signal       `json:"signals,omitempty"`
	Report              *Report        `json:"report,omitempty"`
	Reason              string         `json:"reason,omitempty"`
	DeliveryStatus      DeliveryStatus `json:"delivery_status"`
	BackendFailures     int            `json:"backend_failures"`
	Prompt              string         `json:"prompt,omitempty"`
	Providers           []string       `json:"providers,omitempty"`
}

// Transition moves the run to a new state, enforcing the transition table.
func (r *WorkflowRun) Transition(to RunState, now time.Time) error {
	if !r.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	r.State = to
	r.UpdatedAt = now
	if to.Terminal() {
		r.FinishedAt = &now
	}
	return nil
}

// Resolved reports whether a resolved signal has been recorded.
func (r *WorkflowRun) Resolved() bool {
	for _, s := range r.Signals {
		if s.Kind == SignalResolved {
			return true
		}
	}
	return false
}

// SuccessfulCalls counts history entries that returned output.
func (r *WorkflowRun) SuccessfulCalls() int {
	n := 0
	for _, c := range r.History {
		if c.Result.OK() {
			n++
		}
	}
	return n
}

// RunSummary is the externally visible view of a run.
type RunSummary struct {
	RunID          string         `json:"run_id"`
	Fingerprint    string         `json:"fingerprint"`
	IncidentName   string         `json:"incident_name"`
	State          RunState       `json:"state"`
	Iteration      int            `json:"iteration"`
	StartedAt      time.Time      `json:"started_at"`
	Deadline       time.Time      `json:"deadline"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	ToolCalls      int            `json:"tool_calls"`
	Reason         string         `json:"reason,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	Report         *Report        `json:"report,omitempty"`
}

// Summarize builds the run status view.
func (r *WorkflowRun) Summarize() RunSummary {
	return RunSummary{
		RunID:          r.RunID,
		Fingerprint:    r.IncidentFingerprint,
		IncidentName:   r.IncidentName,
		State:          r.State,
		Iteration:      r.Iteration,
		StartedAt:      r.StartedAt,
		Deadline:       r.Deadline,
		FinishedAt:     r.FinishedAt,
		ToolCalls:      len(r.History),
		Reason:         r.Reason,
		DeliveryStatus: r.DeliveryStatus,
		Report:         r.Report,
	}
}

package workflow

import (
	"time"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// EventType names a run lifecycle event.
type EventType string

const (
	EventStarted     EventType = "started"
	EventToolPending EventType = "tool_pending"
	EventToolResult  EventType = "tool_result"
	EventSignal      EventType = "signal"
	EventFinished    EventType = "finished"
	EventDelivered   EventType = "delivered"
)

// Event is streamed to subscribers while a run executes.
type Event struct {
	Type        EventType             `json:"type"`
	RunID       string                `json:"run_id"`
	Fingerprint string                `json:"fingerprint"`
	State       models.RunState       `json:"state"`
	Iteration   int                   `json:"iteration"`
	Call        *models.ToolCall      `json:"call,omitempty"`
	Signal      *models.Signal        `json:"signal,omitempty"`
	Report      *models.Report        `json:"report,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Delivery    models.DeliveryStatus `json:"delivery_status,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// Subscriber receives run events for one incident in real time.
// Ch is closed once the run has finished and its report was handed off.
type Subscriber struct {
	Ch chan Event
}

// Subscribe registers for events of the incident's runs.
func (e *Executor) Subscribe(fingerprint string) *Subscriber {
	sub := &Subscriber{Ch: make(chan Event, 64)}
	e.subsMu.Lock()
	e.subscribers[fingerprint] = append(e.subscribers[fingerprint], sub)
	e.subsMu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber without closing its channel.
func (e *Executor) Unsubscribe(fingerprint string, sub *Subscriber) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	subs := e.subscribers[fingerprint]
	for i, s := range subs {
		if s == sub {
			e.subscribers[fingerprint] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(e.subscribers[fingerprint]) == 0 {
		delete(e.subscribers, fingerprint)
	}
}

// publish delivers ev to subscribers without blocking; slow readers miss events.
func (e *Executor) publish(run *models.WorkflowRun, ev Event) {
	ev.RunID = run.RunID
	ev.Fingerprint = run.IncidentFingerprint
	ev.State = run.State
	ev.Iteration = run.Iteration
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.subsMu.Lock()
	subs := e.subscribers[run.IncidentFingerprint]
	e.subsMu.Unlock()
	for _, s := range subs {
		select {
		case s.Ch <- ev:
		default:
		}
	}
}

// closeSubs closes every subscriber channel for the incident.
func (e *Executor) closeSubs(fingerprint string) {
	e.subsMu.Lock()
	subs := e.subscribers[fingerprint]
	delete(e.subscribers, fingerprint)
	e.subsMu.Unlock()
	for _, s := range subs {
		close(s.Ch)
	}
}

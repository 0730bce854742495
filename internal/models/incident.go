// Package models defines the core data types shared by the orchestrator:
// incidents, workflow runs, tool calls, reports and agent decisions.
package models

import "time"

// IncidentStatus is the alert state carried by an incident event.
type IncidentStatus string

const (
	StatusFiring   IncidentStatus = "firing"
	StatusResolved IncidentStatus = "resolved"
)

// IncidentEvent is a normalized alert notification as delivered by the
// transport layer.
type IncidentEvent struct {
	Name              string            `json:"name" validate:"required"`
	Status            IncidentStatus    `json:"status" validate:"required,oneof=firing resolved"`
	Labels            map[string]string `json:"labels"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	StartsAt          time.Time         `json:"starts_at" validate:"required"`
	EndsAt            *time.Time        `json:"ends_at,omitempty"`
	GeneratorURL      string            `json:"generator_url,omitempty"`
	SourceFingerprint string            `json:"fingerprint,omitempty"`
}

// Incident is the deduplicated identity of a firing condition.
// Incidents are never deleted; they are marked resolved or expired.
type Incident struct {
	Fingerprint  string            `json:"fingerprint"`
	Name         string            `json:"name"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	Status       IncidentStatus    `json:"status"`
	StartsAt     time.Time         `json:"starts_at"`
	EndsAt       *time.Time        `json:"ends_at,omitempty"`
	GeneratorURL string            `json:"generator_url,omitempty"`
	ReceivedAt   time.Time         `json:"received_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
	Expired      bool              `json:"expired"`
}

// Firing reports whether the incident is currently firing.
func (i *Incident) Firing() bool {
	return i.Status == StatusFiring && !i.Expired
}

// Overlaps reports whether an event starting at t falls within the
// incident's active window.
func (i *Incident) Overlaps(t time.Time) bool {
	if i.EndsAt == nil || i.Status == StatusFiring {
		return true
	}
	return !t.After(*i.EndsAt)
}

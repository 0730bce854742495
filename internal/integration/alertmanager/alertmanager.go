// Package alertmanager maps Prometheus Alertmanager alerts onto incident
// events: the v2 alerts API for startup reconciliation and the webhook
// payload for push delivery.
package alertmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

const alertNameLabel = "alertname"

// Alert is one entry of GET /api/v2/alerts.
type Alert struct {
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
	Status       AlertStatus       `json:"status"`
}

// AlertStatus is the API alert state.
type AlertStatus struct {
	State       string   `json:"state"` // active, suppressed, unprocessed
	SilencedBy  []string `json:"silencedBy"`
	InhibitedBy []string `json:"inhibitedBy"`
}

// Event maps an API alert. Alerts listed by the API are firing.
func (a Alert) Event() *models.IncidentEvent {
	return &models.IncidentEvent{
		Name:              a.Labels[alertNameLabel],
		Status:            models.StatusFiring,
		Labels:            a.Labels,
		Annotations:       a.Annotations,
		StartsAt:          a.StartsAt,
		GeneratorURL:      a.GeneratorURL,
		SourceFingerprint: a.Fingerprint,
	}
}

// WebhookMessage is the Alertmanager webhook body (version 4).
type WebhookMessage struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []WebhookAlert    `json:"alerts"`
}

// WebhookAlert is one alert inside a webhook message.
type WebhookAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// Events maps every alert in the message.
func (m *WebhookMessage) Events() []*models.IncidentEvent {
	out := make([]*models.IncidentEvent, 0, len(m.Alerts))
	for _, a := range m.Alerts {
		out = append(out, a.Event())
	}
	return out
}

// Event maps a webhook alert. A zero or pre-start endsAt means the alert is
// still open.
func (a WebhookAlert) Event() *models.IncidentEvent {
	ev := &models.IncidentEvent{
		Name:              a.Labels[alertNameLabel],
		Status:            models.IncidentStatus(strings.ToLower(a.Status)),
		Labels:            a.Labels,
		Annotations:       a.Annotations,
		StartsAt:          a.StartsAt,
		GeneratorURL:      a.GeneratorURL,
		SourceFingerprint: a.Fingerprint,
	}
	if ev.Status == models.StatusResolved && !a.EndsAt.IsZero() && a.EndsAt.After(a.StartsAt) {
		end := a.EndsAt
		ev.EndsAt = &end
	}
	return ev
}

// Client queries the Alertmanager v2 API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the Alertmanager at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.Named("alertmanager"),
	}
}

// ActiveAlerts lists firing alerts that are neither silenced nor inhibited.
func (c *Client) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("silenced", "false")
	q.Set("inhibited", "false")
	endpoint := c.baseURL + "/api/v2/alerts?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query alertmanager: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("alertmanager returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var alerts []Alert
	if err := json.NewDecoder(resp.Body).Decode(&alerts); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	out := alerts[:0]
	for _, a := range alerts {
		if a.Status.State == "" || a.Status.State == "active" {
			out = append(out, a)
		}
	}
	c.logger.Info("retrieved alerts from alertmanager", zap.Int("alerts", len(alerts)), zap.Int("active", len(out)))
	return out, nil
}

// Admitter accepts incident events.
type Admitter interface {
	AdmitEvent(ctx context.Context, ev *models.IncidentEvent) (string, error)
}

// AdmitterFunc adapts a function to Admitter.
type AdmitterFunc func(ctx context.Context, ev *models.IncidentEvent) (string, error)

func (f AdmitterFunc) AdmitEvent(ctx context.Context, ev *models.IncidentEvent) (string, error) {
	return f(ctx, ev)
}

// Reconcile admits every active alert so incidents that fired while the
// service was down get investigated. It returns the count per decision.
func (c *Client) Reconcile(ctx context.Context, admit Admitter) (map[string]int, error) {
	alerts, err := c.ActiveAlerts(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, a := range alerts {
		decision, err := admit.AdmitEvent(ctx, a.Event())
		if err != nil {
			c.logger.Warn("failed to admit alert during reconciliation",
				zap.String("alertname", a.Labels[alertNameLabel]),
				zap.String("fingerprint", a.Fingerprint),
				zap.Error(err),
			)
			counts["error"]++
			continue
		}
		counts[decision]++
	}
	c.logger.Info("alert reconciliation finished", zap.Any("decisions", counts))
	return counts, nil
}

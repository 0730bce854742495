package alertmanager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

const alertsJSON = `[
  {
    "labels": {"alertname": "PodCrashLooping", "namespace": "payments", "pod": "api-7f9c"},
    "annotations": {"summary": "Pod is crash looping"},
    "startsAt": "2026-03-01T10:00:00Z",
    "endsAt": "2026-03-01T10:15:00Z",
    "updatedAt": "2026-03-01T10:05:00Z",
    "generatorURL": "http://prometheus/graph",
    "fingerprint": "3f9a1c2b7d4e5f60",
    "status": {"state": "active", "silencedBy": [], "inhibitedBy": []}
  },
  {
    "labels": {"alertname": "Watchdog"},
    "annotations": {},
    "startsAt": "2026-03-01T09:00:00Z",
    "endsAt": "2026-03-01T10:15:00Z",
    "fingerprint": "aaaa",
    "status": {"state": "suppressed", "silencedBy": ["s1"], "inhibitedBy": []}
  }
]`

func TestActiveAlerts(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/alerts", r.URL.Path)
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(alertsJSON))
	}))
	defer srv.Close()

	alerts, err := NewClient(srv.URL+"/", time.Second, nil).ActiveAlerts(context.Background())
	require.NoError(t, err)
	assert.Contains(t, query, "active=true")
	require.Len(t, alerts, 1)

	ev := alerts[0].Event()
	assert.Equal(t, "PodCrashLooping", ev.Name)
	assert.Equal(t, models.StatusFiring, ev.Status)
	assert.Equal(t, "3f9a1c2b7d4e5f60", ev.SourceFingerprint)
	assert.Nil(t, ev.EndsAt)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ev.StartsAt.UTC())
}

func TestActiveAlertsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, nil).ActiveAlerts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestReconcile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
          {"labels": {"alertname": "A"}, "startsAt": "2026-03-01T10:00:00Z", "status": {"state": "active"}},
          {"labels": {"alertname": "B"}, "startsAt": "2026-03-01T10:00:00Z", "status": {"state": "active"}},
          {"labels": {"alertname": "C"}, "startsAt": "2026-03-01T10:00:00Z", "status": {"state": "active"}}
        ]`))
	}))
	defer srv.Close()

	var seen []string
	admit := AdmitterFunc(func(_ context.Context, ev *models.IncidentEvent) (string, error) {
		seen = append(seen, ev.Name)
		if ev.Name == "C" {
			return "", errors.New("store down")
		}
		return "started", nil
	})
	counts, err := NewClient(srv.URL, time.Second, nil).Reconcile(context.Background(), admit)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, seen)
	assert.Equal(t, map[string]int{"started": 2, "error": 1}, counts)
}

func TestWebhookMessageEvents(t *testing.T) {
	body := `{
      "version": "4",
      "status": "resolved",
      "receiver": "incident",
      "alerts": [
        {"status": "firing", "labels": {"alertname": "PodCrashLooping", "pod": "api"},
         "startsAt": "2026-03-01T10:00:00Z", "endsAt": "0001-01-01T00:00:00Z", "fingerprint": "abc"},
        {"status": "resolved", "labels": {"alertname": "NodeDown", "node": "w1"},
         "startsAt": "2026-03-01T09:00:00Z", "endsAt": "2026-03-01T09:30:00Z", "fingerprint": "def"}
      ]
    }`
	var msg WebhookMessage
	require.NoError(t, json.Unmarshal([]byte(body), &msg))

	events := msg.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.StatusFiring, events[0].Status)
	assert.Nil(t, events[0].EndsAt)
	assert.Equal(t, "abc", events[0].SourceFingerprint)

	assert.Equal(t, "NodeDown", events[1].Name)
	assert.Equal(t, models.StatusResolved, events[1].Status)
	require.NotNil(t, events[1].EndsAt)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), events[1].EndsAt.UTC())
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/db"
	"github.com/kubilitics/kubilitics-incident/internal/intake"
	"github.com/kubilitics/kubilitics-incident/internal/integration/alertmanager"
	"github.com/kubilitics/kubilitics-incident/internal/models"
	"github.com/kubilitics/kubilitics-incident/internal/publisher"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 50
	maxLimit     = 500
)

// EventResponse is returned for every admitted or dropped event.
type EventResponse struct {
	Accepted    bool            `json:"accepted"`
	Fingerprint string          `json:"fingerprint"`
	Decision    intake.Decision `json:"decision"`
	RunID       string          `json:"run_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// RunResponse is the run status view plus delivery accounting.
type RunResponse struct {
	models.RunSummary
	Deliveries []*db.DeliveryRecord `json:"deliveries,omitempty"`
}

func toEventResponse(a intake.Admission) EventResponse {
	return EventResponse{
		Accepted:    a.Decision != intake.DecisionDropped,
		Fingerprint: a.Fingerprint,
		Decision:    a.Decision,
		RunID:       a.RunID,
		Reason:      a.Reason,
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleReady reports readiness: the store must answer a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleEvent admits one normalized incident event.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.IncidentEvent
	if err := decodeBody(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	a, err := s.deps.Intake.Admit(r.Context(), &ev)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, intake.ErrInvalidEvent) {
			status = http.StatusBadRequest
		} else {
			s.logger.Error("failed to admit incident event", zap.String("alertname", ev.Name), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, toEventResponse(a))
}

// handleAlertmanager admits every alert of an Alertmanager webhook message.
// Any non-validation failure answers 500 so Alertmanager retries the batch;
// admission is idempotent per incident.
func (s *Server) handleAlertmanager(w http.ResponseWriter, r *http.Request) {
	var msg alertmanager.WebhookMessage
	if err := decodeBody(w, r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	events := msg.Events()
	out := make([]EventResponse, 0, len(events))
	failed := false
	for _, ev := range events {
		a, err := s.deps.Intake.Admit(r.Context(), ev)
		if err != nil {
			if !errors.Is(err, intake.ErrInvalidEvent) {
				failed = true
				s.logger.Error("failed to admit alert", zap.String("alertname", ev.Name), zap.Error(err))
			}
			out = append(out, EventResponse{Decision: intake.DecisionDropped, Error: err.Error()})
			continue
		}
		out = append(out, toEventResponse(a))
	}

	status := http.StatusOK
	if failed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"receiver":   msg.Receiver,
		"admissions": out,
		"count":      len(out),
	})
}

// handleListRuns lists recent runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Store.ListRuns(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summaries := make([]models.RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, run.Summarize())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": summaries, "count": len(summaries)})
}

// handleGetRun returns the latest run of an incident.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.latestRun(w, r)
	if !ok {
		return
	}
	deliveries, err := s.deps.Store.ListDeliveries(r.Context(), run.RunID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{RunSummary: run.Summarize(), Deliveries: deliveries})
}

// handleCancelRun cancels the incident's active run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fingerprint"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by operator"
	}

	runID, err := s.deps.Canceller.Cancel(r.Context(), fp, reason)
	switch {
	case errors.Is(err, models.ErrNoActiveRun), errors.Is(err, models.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "no active run for incident")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("run cancellation requested", zap.String("fingerprint", fp), zap.String("run_id", runID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"fingerprint": fp,
		"run_id":      runID,
		"status":      "cancelling",
	})
}

// handleRunReport renders the latest run's report as markdown.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.latestRun(w, r)
	if !ok {
		return
	}
	if !run.State.Terminal() {
		writeError(w, http.StatusConflict, "run has not finished")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(publisher.RenderMarkdown(run)))
}

// handleListIncidents lists incidents by most recent notification.
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.deps.Store.ListIncidents(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents, "count": len(incidents)})
}

// handleGetIncident returns one incident record.
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.deps.Store.GetIncident(r.Context(), mux.Vars(r)["fingerprint"])
	switch {
	case errors.Is(err, models.ErrIncidentNotFound):
		writeError(w, http.StatusNotFound, "incident not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) (*models.WorkflowRun, bool) {
	run, err := s.deps.Store.LatestRun(r.Context(), mux.Vars(r)["fingerprint"])
	switch {
	case errors.Is(err, models.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "no run for incident")
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return run, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-incident/internal/config"
	"github.com/kubilitics/kubilitics-incident/internal/db"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func completedRun() *models.WorkflowRun {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(150 * time.Second)
	podArgs := map[string]any{"namespace": "payments", "pod": "api-7f9c"}
	return &models.WorkflowRun{
		RunID:               "podcrashlooping-f1a2b3c4-0a1b2c3d",
		IncidentFingerprint: "f1a2b3c4d5e6f7a8",
		IncidentName:        "PodCrashLooping",
		State:               models.RunCompleted,
		Iteration:           3,
		StartedAt:           started,
		Deadline:            started.Add(10 * time.Minute),
		UpdatedAt:           finished,
		FinishedAt:          &finished,
		DeliveryStatus:      models.DeliveryPending,
		History: []models.ToolCall{
			{Seq: 0, ProviderID: "kubernetes", ToolName: "get_pod_logs", Arguments: podArgs,
				Result: models.ToolResult{Output: "panic: DATABASE_URL not set"}},
			{Seq: 1, ProviderID: "kubernetes", ToolName: "describe_pod", Arguments: podArgs,
				Result: models.ToolResult{Error: &models.ToolError{Kind: models.ToolErrTransient, Message: "503"}}},
			{Seq: 2, ProviderID: "kubernetes", ToolName: "list_events", Arguments: map[string]any{"namespace": "payments"},
				Result: models.ToolResult{Output: "Warning FailedMount secret payments-db not found"}},
		},
		Report: &models.Report{
			Summary:   "Pod api-7f9c is crash looping because the DATABASE_URL secret is missing.",
			RootCause: "The payments-db secret was deleted during the last deploy.",
			Evidence: []models.EvidenceRef{
				{Index: 0, ToolName: "get_pod_logs", Note: "panic: DATABASE_URL not set"},
				{Index: 2, ToolName: "list_events", Note: "secret payments-db not found"},
			},
			Recommendations: []string{
				"Restore the payments-db secret.",
				"Add the secret to the deployment checklist.",
			},
			Confidence:  models.ConfidenceHigh,
			GeneratedAt: finished,
		},
	}
}

// ─── Fakes ────────────────────────────────────────────────────────────────────

type flakyDestination struct {
	name     string
	failures int
	err      error
	calls    atomic.Int32
}

func (d *flakyDestination) Name() string { return d.name }

func (d *flakyDestination) Deliver(context.Context, *models.WorkflowRun) error {
	n := int(d.calls.Add(1))
	if n <= d.failures {
		return d.err
	}
	return nil
}

type memStore struct {
	mu       sync.Mutex
	records  map[string]*db.DeliveryRecord
	statuses map[string]models.DeliveryStatus
	pending  []*models.WorkflowRun
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*db.DeliveryRecord{}, statuses: map[string]models.DeliveryStatus{}}
}

func (s *memStore) RecordDelivery(_ context.Context, rec *db.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.RunID+"/"+rec.Destination] = &cp
	return nil
}

func (s *memStore) ListUndelivered(context.Context, int) ([]*models.WorkflowRun, error) {
	return s.pending, nil
}

func (s *memStore) SetDeliveryStatus(_ context.Context, runID string, status models.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[runID] = status
	return nil
}

// ─── Rendering ────────────────────────────────────────────────────────────────

func TestRenderMarkdownGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "report_markdown", []byte(RenderMarkdown(completedRun())))
}

func TestRenderMarkdownIsDeterministic(t *testing.T) {
	run := completedRun()
	assert.Equal(t, RenderMarkdown(run), RenderMarkdown(run))
}

func TestRenderMarkdownPartialAndMissingReport(t *testing.T) {
	run := completedRun()
	run.State = models.RunTimedOut
	run.Reason = "deadline | exceeded"
	run.Report.Partial = true
	md := RenderMarkdown(run)
	assert.Contains(t, md, "This report is partial")
	assert.Contains(t, md, `deadline \| exceeded`)

	run.Report = nil
	assert.Contains(t, RenderMarkdown(run), "No report was produced.")
}

// ─── Retry ───────────────────────────────────────────────────────────────────

func TestPublishRetriesUntilDelivered(t *testing.T) {
	store := newMemStore()
	dest := &flakyDestination{name: "flaky", failures: 2, err: errors.New("connection reset")}
	p := New(fastConfig(5), []Destination{dest}, store, nil, nil)

	status := p.Publish(context.Background(), completedRun())
	assert.Equal(t, models.DeliveryDelivered, status)
	assert.EqualValues(t, 3, dest.calls.Load())

	rec := store.records["podcrashlooping-f1a2b3c4-0a1b2c3d/flaky"]
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, models.DeliveryDelivered, rec.Status)
}

func TestPublishGivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemStore()
	dest := &flakyDestination{name: "down", failures: 100, err: errors.New("connection refused")}
	p := New(fastConfig(3), []Destination{dest}, store, nil, nil)

	outcomes := p.PublishAll(context.Background(), completedRun())
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.DeliveryFailed, outcomes[0].Status)
	assert.Equal(t, 3, outcomes[0].Attempts)
	assert.ErrorIs(t, outcomes[0].Err, models.ErrDeliveryFailed)

	rec := store.records["podcrashlooping-f1a2b3c4-0a1b2c3d/down"]
	require.NotNil(t, rec)
	assert.Contains(t, rec.LastError, "connection refused")
}

func TestPublishPermanentErrorIsNotRetried(t *testing.T) {
	dest := &flakyDestination{name: "bad", failures: 100, err: backoff.Permanent(errors.New("400"))}
	p := New(fastConfig(5), []Destination{dest}, nil, nil, nil)

	assert.Equal(t, models.DeliveryFailed, p.Publish(context.Background(), completedRun()))
	assert.EqualValues(t, 1, dest.calls.Load())
}

func TestPublishDestinationsAreIndependent(t *testing.T) {
	ok := &flakyDestination{name: "ok"}
	down := &flakyDestination{name: "down", failures: 100, err: errors.New("boom")}
	p := New(fastConfig(2), []Destination{ok, down}, nil, nil, nil)

	outcomes := p.PublishAll(context.Background(), completedRun())
	require.Len(t, outcomes, 2)
	assert.Equal(t, "ok", outcomes[0].Destination)
	assert.Equal(t, models.DeliveryDelivered, outcomes[0].Status)
	assert.Equal(t, models.DeliveryFailed, outcomes[1].Status)
	assert.Equal(t, models.DeliveryFailed, p.Publish(context.Background(), completedRun()))
}

func TestPublishSkipsRunsWithoutReport(t *testing.T) {
	dest := &flakyDestination{name: "ok"}
	p := New(fastConfig(1), []Destination{dest}, nil, nil, nil)
	run := completedRun()
	run.Report = nil
	assert.Equal(t, models.DeliverySkipped, p.Publish(context.Background(), run))
	assert.EqualValues(t, 0, dest.calls.Load())
}

func TestRedeliver(t *testing.T) {
	store := newMemStore()
	store.pending = []*models.WorkflowRun{completedRun()}
	p := New(fastConfig(1), []Destination{&flakyDestination{name: "ok"}}, store, nil, nil)

	n, err := p.Redeliver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.DeliveryDelivered, store.statuses["podcrashlooping-f1a2b3c4-0a1b2c3d"])
}

func TestRedeliverRunsUsesSnapshot(t *testing.T) {
	store := newMemStore()
	store.pending = []*models.WorkflowRun{completedRun()}
	dest := &flakyDestination{name: "ok"}
	p := New(fastConfig(1), []Destination{dest}, store, nil, nil)

	snapshot, err := p.Undelivered(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)

	// A run finished after the snapshot belongs to the executor's own publish.
	later := completedRun()
	later.RunID = "podcrashlooping-f1a2b3c4-ffffffff"
	store.pending = append(store.pending, later)

	n, err := p.RedeliverRuns(context.Background(), snapshot)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, dest.calls.Load())
	assert.NotContains(t, store.statuses, later.RunID)
}

// ─── Destinations ────────────────────────────────────────────────────────────

func TestWebhookDestination(t *testing.T) {
	var (
		hits    atomic.Int32
		mu      sync.Mutex
		payload WebhookPayload
		key     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := New(fastConfig(3), []Destination{NewWebhookDestination(srv.URL, time.Second)}, nil, nil, nil)
	assert.Equal(t, models.DeliveryDelivered, p.Publish(context.Background(), completedRun()))
	assert.EqualValues(t, 2, hits.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "podcrashlooping-f1a2b3c4-0a1b2c3d", key)
	assert.Equal(t, "f1a2b3c4d5e6f7a8", payload.Fingerprint)
	require.NotNil(t, payload.Report)
	assert.Equal(t, models.ConfidenceHigh, payload.Report.Confidence)
	assert.Contains(t, payload.Markdown, "## Root cause")
}

func TestWebhookClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := New(fastConfig(5), []Destination{NewWebhookDestination(srv.URL, time.Second)}, nil, nil, nil)
	assert.Equal(t, models.DeliveryFailed, p.Publish(context.Background(), completedRun()))
	assert.EqualValues(t, 1, hits.Load())
}

func TestObjectStoreKey(t *testing.T) {
	d, err := NewObjectStoreDestination(config.ObjectStoreConfig{
		Endpoint: "localhost:9000",
		Bucket:   "reports",
		Prefix:   "incidents/",
	})
	require.NoError(t, err)
	assert.Equal(t, "object_store", d.Name())
	assert.Equal(t, "incidents/f1a2b3c4d5e6f7a8/podcrashlooping-f1a2b3c4-0a1b2c3d.md", d.ObjectKey(completedRun()))
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Publisher.Destinations = []string{"log", "webhook"}
	cfg.Publisher.WebhookURL = "http://example.invalid/hook"
	dests, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	require.Len(t, dests, 2)
	assert.Equal(t, "log", dests[0].Name())
	assert.Equal(t, "webhook", dests[1].Name())

	cfg.Publisher.Destinations = []string{"carrier-pigeon"}
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err)
}

func TestRecordDeliveryInSQLite(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	run := completedRun()
	run.State = models.RunPending
	run.FinishedAt = nil
	_, _, err = store.CreateRun(ctx, run)
	require.NoError(t, err)

	p := New(fastConfig(2), []Destination{&flakyDestination{name: "down", failures: 10, err: errors.New("x")}}, store, nil, nil)
	p.Publish(ctx, completedRun())

	recs, err := store.ListDeliveries(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.DeliveryFailed, recs[0].Status)
	assert.Equal(t, 2, recs[0].Attempts)
}

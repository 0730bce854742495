package dispatch

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-incident/internal/db"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

type recordingExecutor struct {
	mu        sync.Mutex
	submitted []*models.WorkflowRun
	delivered []models.Signal
	drained   int
	running   map[string]bool
}

func (e *recordingExecutor) Submit(run *models.WorkflowRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, run)
}

func (e *recordingExecutor) Deliver(_ string, sig models.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delivered = append(e.delivered, sig)
}

func (e *recordingExecutor) Drain(string) []models.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]models.Signal(nil), e.delivered[e.drained:]...)
	e.drained = len(e.delivered)
	return out
}

func (e *recordingExecutor) Cancel(runID, _ string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[runID]
}

func newDispatcher(t *testing.T) (*Dispatcher, *recordingExecutor, db.Store) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exec := &recordingExecutor{running: map[string]bool{}}
	return New(store, exec, 10*time.Minute, nil), exec, store
}

func podCrashLooping() *models.Incident {
	return &models.Incident{
		Fingerprint: "f1a2b3c4d5e6f7a8",
		Name:        "PodCrashLooping",
		Status:      models.StatusFiring,
		Labels:      map[string]string{"alertname": "PodCrashLooping", "namespace": "payments"},
		StartsAt:    time.Now(),
	}
}

func TestDispatchIsSingleFlight(t *testing.T) {
	d, exec, store := newDispatcher(t)
	inc := podCrashLooping()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		runIDs  = map[string]bool{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, ok, err := d.Dispatch(context.Background(), inc, RunOptions{Prompt: "investigate"})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			runIDs[h.RunID] = true
			if ok {
				started++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Len(t, runIDs, 1)
	assert.Len(t, exec.submitted, 1)

	active, err := store.ListActiveRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.RunPending, active[0].State)
	assert.Equal(t, "investigate", active[0].Prompt)
}

func TestDispatchJoinsRunHeldInStore(t *testing.T) {
	d, _, store := newDispatcher(t)
	inc := podCrashLooping()
	h, started, err := d.Dispatch(context.Background(), inc, RunOptions{})
	require.NoError(t, err)
	require.True(t, started)

	// A fresh dispatcher over the same store, as after a restart.
	other := New(store, &recordingExecutor{}, time.Minute, nil)
	h2, started, err := other.Dispatch(context.Background(), inc, RunOptions{})
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, h.RunID, h2.RunID)
}

func TestFinishReleasesFingerprint(t *testing.T) {
	d, _, store := newDispatcher(t)
	inc := podCrashLooping()
	h, _, err := d.Dispatch(context.Background(), inc, RunOptions{})
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), h.RunID)
	require.NoError(t, err)
	require.NoError(t, run.Transition(models.RunRunning, time.Now()))
	require.NoError(t, run.Transition(models.RunCompleted, time.Now()))
	require.NoError(t, d.Finish(context.Background(), run))

	_, ok := d.ActiveRun(inc.Fingerprint)
	assert.False(t, ok)

	h2, started, err := d.Dispatch(context.Background(), inc, RunOptions{})
	require.NoError(t, err)
	assert.True(t, started)
	assert.NotEqual(t, h.RunID, h2.RunID)
}

func TestSignalRecordsAndDelivers(t *testing.T) {
	d, exec, store := newDispatcher(t)
	inc := podCrashLooping()

	_, err := d.Signal(context.Background(), inc.Fingerprint, models.Signal{Kind: models.SignalResolved})
	assert.ErrorIs(t, err, models.ErrNoActiveRun)

	h, _, err := d.Dispatch(context.Background(), inc, RunOptions{})
	require.NoError(t, err)
	runID, err := d.Signal(context.Background(), inc.Fingerprint, models.Signal{
		Kind: models.SignalResolved, Status: models.StatusResolved, ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, h.RunID, runID)
	require.Len(t, exec.delivered, 1)
	assert.Equal(t, 1, exec.delivered[0].Seq)

	run, err := store.GetRun(context.Background(), h.RunID)
	require.NoError(t, err)
	require.Len(t, run.Signals, 1)
	assert.Equal(t, models.SignalResolved, run.Signals[0].Kind)
}

func TestFinishFoldsSignalsAcceptedAfterLastStep(t *testing.T) {
	d, _, store := newDispatcher(t)
	inc := podCrashLooping()
	ctx := context.Background()
	h, _, err := d.Dispatch(ctx, inc, RunOptions{})
	require.NoError(t, err)

	// The run concluded from this snapshot; a signal lands before Finish.
	run, err := store.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	require.Empty(t, run.Signals)
	_, err = d.Signal(ctx, inc.Fingerprint, models.Signal{
		Kind: models.SignalResolved, Status: models.StatusResolved, ReceivedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, run.Transition(models.RunRunning, time.Now()))
	require.NoError(t, run.Transition(models.RunCompleted, time.Now()))
	require.NoError(t, d.Finish(ctx, run))
	require.Len(t, run.Signals, 1)
	assert.Equal(t, models.SignalResolved, run.Signals[0].Kind)
	assert.Equal(t, 1, run.Signals[0].Seq)

	// Once finished the fingerprint is free; later events are not routed to
	// the finished run.
	_, err = d.Signal(ctx, inc.Fingerprint, models.Signal{Kind: models.SignalUpdate, ReceivedAt: time.Now()})
	assert.ErrorIs(t, err, models.ErrNoActiveRun)
	stored, err := store.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Len(t, stored.Signals, 1)
}

func TestCancelFinalizesUndrivenRun(t *testing.T) {
	d, _, store := newDispatcher(t)
	inc := podCrashLooping()
	h, _, err := d.Dispatch(context.Background(), inc, RunOptions{})
	require.NoError(t, err)

	runID, err := d.Cancel(context.Background(), inc.Fingerprint, "operator request")
	require.NoError(t, err)
	assert.Equal(t, h.RunID, runID)

	run, err := store.GetRun(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.State)
	assert.Equal(t, "operator request", run.Reason)
	assert.Nil(t, run.Report)

	_, err = d.Cancel(context.Background(), inc.Fingerprint, "again")
	assert.ErrorIs(t, err, models.ErrNoActiveRun)
}

func TestCancelDelegatesToExecutor(t *testing.T) {
	d, exec, store := newDispatcher(t)
	inc := podCrashLooping()
	h, _, err := d.Dispatch(context.Background(), inc, RunOptions{})
	require.NoError(t, err)
	exec.running[h.RunID] = true

	_, err = d.Cancel(context.Background(), inc.Fingerprint, "operator request")
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.State, "executor owns the transition")
}

func TestNewRunID(t *testing.T) {
	id := NewRunID("KubePod CrashLooping!", "abcdef0123456789")
	assert.Regexp(t, regexp.MustCompile(`^kubepod-crashlooping-abcdef01-[0-9a-f]{8}$`), id)
	assert.Regexp(t, regexp.MustCompile(`^incident-ff-[0-9a-f]{8}$`), NewRunID("???", "ff"))
}

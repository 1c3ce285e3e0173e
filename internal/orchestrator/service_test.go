package orchestrator

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/collab"
	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/queue"
	"conductor/internal/registry"
	"conductor/internal/store/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu          sync.Mutex
	assignments []domain.Assignment
}

func (d *recordingDispatcher) OnTaskAssigned(_ context.Context, task domain.Task, agent domain.Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignments = append(d.assignments, domain.NewAssignment(task, agent, time.Now()))
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.assignments)
}

type harness struct {
	store      *sqlite.Store
	svc        *Service
	dispatcher *recordingDispatcher
	clock      *fakeClock
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Orchestrator.DispatchIntervalMS = 10
	cfg.Orchestrator.SweepIntervalMS = 20
	cfg.Verification.ProfilesPath = ""
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, clock *fakeClock) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	var now func() time.Time
	if clock != nil {
		now = clock.Now
	}
	dispatcher := &recordingDispatcher{}
	svc, err := Build(store, cfg, Options{
		Dispatcher: dispatcher,
		Now:        now,
		Logger:     log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Wait)
	return &harness{store: store, svc: svc, dispatcher: dispatcher, clock: clock}
}

func (h *harness) register(t *testing.T, name string, max int, caps ...string) domain.Agent {
	t.Helper()
	a, err := h.svc.RegisterAgent(context.Background(), registry.RegisterInput{
		Name: name, Kind: "worker", Capabilities: caps, MaxConcurrentTasks: max,
	})
	require.NoError(t, err)
	return a
}

func (h *harness) enqueue(t *testing.T, spec queue.TaskSpec) domain.Task {
	t.Helper()
	task, err := h.svc.Enqueue(context.Background(), spec)
	require.NoError(t, err)
	h.svc.queue.Wait()
	got, err := h.svc.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	return got
}

func TestTaskLifecycleWithAutoVerify(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	a := h.register(t, "a", 1, "x")

	task := h.enqueue(t, queue.TaskSpec{Type: "x", RequiredCapability: "x"})
	require.Equal(t, domain.TaskStatusAssigned, task.Status)
	require.Equal(t, a.ID, task.AgentID)
	assert.Equal(t, 1, h.dispatcher.count())

	require.NoError(t, h.svc.TaskStarted(ctx, task.ID, a.ID))
	require.NoError(t, h.svc.TaskStarted(ctx, task.ID, a.ID))

	done, err := h.svc.TaskCompleted(ctx, task.ID, a.ID, map[string]any{"rows": 12, "file": "out.csv"})
	require.NoError(t, err)
	require.NotNil(t, done.Verification)
	assert.Equal(t, 100.0, done.Verification.OverallScore)
	assert.Len(t, done.Verification.Records, 5)
	assert.Equal(t, domain.TaskStatusCompleted, done.Task.Status)
	assert.Equal(t, domain.VerificationPassed, done.Task.VerificationStatus)

	agent, err := h.svc.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, agent.CurrentTaskCount)
	assert.Equal(t, 1, agent.TotalCompleted)
	assert.Equal(t, domain.AgentStatusIdle, agent.Status)
	assert.Equal(t, 100.0, agent.SuccessRate)

	_, err = h.svc.TaskCompleted(ctx, task.ID, a.ID, map[string]any{"again": true})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestReportsFromNonOwnerAreRejected(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	a := h.register(t, "a", 1)
	task := h.enqueue(t, queue.TaskSpec{Type: "x"})
	b := h.register(t, "b", 1)

	require.ErrorIs(t, h.svc.TaskStarted(ctx, task.ID, b.ID), domain.ErrConflict)
	_, err := h.svc.TaskCompleted(ctx, task.ID, b.ID, map[string]any{"x": 1})
	require.ErrorIs(t, err, domain.ErrConflict)
	_, err = h.svc.TaskFailed(ctx, task.ID, b.ID, "nope")
	require.ErrorIs(t, err, domain.ErrConflict)
	_, err = h.svc.TaskFailed(ctx, "missing", a.ID, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAssigned, got.Status)
	assert.Equal(t, a.ID, got.AgentID)
}

func TestTaskFailedRetriesAndRedistributes(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	a := h.register(t, "a", 1)
	task := h.enqueue(t, queue.TaskSpec{Type: "x"})

	out, err := h.svc.TaskFailed(ctx, task.ID, a.ID, "disk full")
	require.NoError(t, err)
	assert.True(t, out.Retried)
	assert.True(t, out.Reassigned)
	assert.Equal(t, 1, out.Task.RetryCount)
	assert.Equal(t, domain.TaskStatusAssigned, out.Task.Status)
	assert.Equal(t, a.ID, out.Task.AgentID)

	done, err := h.svc.TaskCompleted(ctx, task.ID, a.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Task.Status)
	assert.Equal(t, 1, done.Task.RetryCount)

	agent, err := h.svc.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, agent.TotalFailed)
	assert.Equal(t, 1, agent.TotalCompleted)
	assert.Equal(t, 50.0, agent.SuccessRate)
}

func TestExhaustedTaskLandsInDeadLetter(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	a := h.register(t, "a", 1)
	zero := 0
	task := h.enqueue(t, queue.TaskSpec{Type: "x", MaxRetries: &zero})

	out, err := h.svc.TaskFailed(ctx, task.ID, a.ID, "schema drift")
	require.NoError(t, err)
	assert.False(t, out.Retried)
	assert.Equal(t, domain.TaskStatusFailed, out.Task.Status)

	report, err := h.svc.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	got, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDeadLetter, got.Status)
	assert.Equal(t, "schema drift", got.ErrorMessage)

	ok, err := h.svc.RequeueDeadLetter(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	h.svc.queue.Wait()
	got, err = h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAssigned, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestHandleAgentFailureMovesWorkToHealthyAgent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	a := h.register(t, "a", 2)
	t1 := h.enqueue(t, queue.TaskSpec{Type: "x"})
	t2 := h.enqueue(t, queue.TaskSpec{Type: "x"})
	require.Equal(t, a.ID, t1.AgentID)
	require.Equal(t, a.ID, t2.AgentID)
	require.NoError(t, h.svc.TaskStarted(ctx, t1.ID, a.ID))
	b := h.register(t, "b", 2)

	report, err := h.svc.HandleAgentFailure(ctx, a.ID, "process crashed")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{t1.ID, t2.ID}, report.FailedTasks)
	assert.ElementsMatch(t, []string{t1.ID, t2.ID}, report.Retried)
	assert.ElementsMatch(t, []string{t1.ID, t2.ID}, report.Redistributed)

	for _, id := range []string{t1.ID, t2.ID} {
		got, err := h.svc.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.AgentID)
		assert.Equal(t, domain.TaskStatusAssigned, got.Status)
		assert.Equal(t, 1, got.RetryCount)
	}
	failed, err := h.svc.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusError, failed.Status)
	assert.Zero(t, failed.CurrentTaskCount)

	_, err = h.svc.HandleAgentFailure(ctx, "ghost", "x")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelTaskReleasesAgent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	a := h.register(t, "a", 1)
	b := h.register(t, "b", 1)
	task := h.enqueue(t, queue.TaskSpec{Type: "x"})
	owner := task.AgentID
	other := a.ID
	if owner == a.ID {
		other = b.ID
	}
	c, err := h.svc.RequestCollaboration(ctx, collab.RequestInput{TaskID: task.ID, Mode: "review", Participants: []string{other}})
	require.NoError(t, err)

	ok, err := h.svc.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.svc.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = h.svc.CancelTask(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	agent, err := h.svc.GetAgent(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, agent.CurrentTaskCount)

	list, err := h.svc.Collaborations(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)
	assert.Equal(t, domain.CollaborationFailed, list[0].Status)
}

func TestRunMaintenanceLivenessAndDeadlines(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)}
	h := newHarness(t, testConfig(), clock)
	ctx := context.Background()
	a := h.register(t, "a", 1, "gpu")
	deadline := clock.Now().Add(time.Minute)
	task := h.enqueue(t, queue.TaskSpec{Type: "render", RequiredCapability: "cpu", Deadline: &deadline})
	require.Equal(t, domain.TaskStatusPending, task.Status)

	clock.Advance(6 * time.Minute)
	report, err := h.svc.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, report.WentOffline)
	assert.Equal(t, 1, report.Boosted)

	snap, err := h.svc.Monitor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Agents[domain.AgentStatusOffline])
	assert.Zero(t, snap.OnlineAgents)
	assert.Equal(t, 1, snap.Tasks[domain.TaskStatusPending])

	require.NoError(t, h.svc.Heartbeat(ctx, a.ID))
	snap, err = h.svc.Monitor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Agents[domain.AgentStatusIdle])
	assert.Equal(t, 1, snap.OnlineAgents)
}

func TestPerformanceMetrics(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Orchestrator.AutoVerify = &off
	h := newHarness(t, cfg, nil)
	ctx := context.Background()
	a := h.register(t, "a", 3)

	fresh, err := h.svc.PerformanceMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, fresh.SuccessRate)

	t1 := h.enqueue(t, queue.TaskSpec{Type: "x"})
	t2 := h.enqueue(t, queue.TaskSpec{Type: "x"})
	zero := 0
	t3 := h.enqueue(t, queue.TaskSpec{Type: "x", MaxRetries: &zero})

	done, err := h.svc.TaskCompleted(ctx, t1.ID, a.ID, map[string]any{"v": 1})
	require.NoError(t, err)
	assert.Nil(t, done.Verification)
	assert.Equal(t, domain.VerificationPending, done.Task.VerificationStatus)
	_, err = h.svc.TaskCompleted(ctx, t2.ID, a.ID, map[string]any{"v": 2})
	require.NoError(t, err)
	_, err = h.svc.TaskFailed(ctx, t3.ID, a.ID, "boom")
	require.NoError(t, err)

	m, err := h.svc.PerformanceMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalTasks)
	assert.Equal(t, 2, m.Completed)
	assert.Equal(t, 1, m.Failed)
	assert.InDelta(t, 200.0/3, m.SuccessRate, 1e-9)
}

func TestLoopsDistributeAndStop(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	task := h.enqueue(t, queue.TaskSpec{Type: "x"})
	require.Equal(t, domain.TaskStatusPending, task.Status)

	h.svc.Start(ctx)
	a := h.register(t, "late", 1)
	require.Eventually(t, func() bool {
		got, err := h.svc.GetTask(context.Background(), task.ID)
		return err == nil && got.AgentID == a.ID
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	stopped := make(chan struct{})
	go func() {
		h.svc.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not stop")
	}
}

func TestSetStrategy(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.ErrorIs(t, h.svc.SetStrategy("random"), domain.ErrInvalidArgument)
	require.NoError(t, h.svc.SetStrategy("least_loaded"))
	assert.Equal(t, "least_loaded", string(h.svc.Strategy()))
}

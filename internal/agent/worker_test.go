package agent

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/messaging/inproc"
	"conductor/internal/orchestrator"
	"conductor/internal/queue"
	"conductor/internal/registry"
	"conductor/internal/store/sqlite"
)

type workerHarness struct {
	svc    *orchestrator.Service
	worker *Worker
	agent  domain.Agent
	cancel context.CancelFunc
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	logger := log.New(io.Discard, "", 0)
	cfg := config.Default()
	cfg.Verification.ProfilesPath = ""
	bus := inproc.New(16)
	svc, err := orchestrator.Build(store, cfg, orchestrator.Options{Dispatcher: bus, Logger: logger})
	require.NoError(t, err)

	handlers := NewHandlers()
	require.NoError(t, RegisterDemo(handlers))
	a, err := svc.RegisterAgent(context.Background(), registry.RegisterInput{
		Name: "demo-1", Kind: DemoKind, MaxConcurrentTasks: 2,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(a, bus, svc, handlers, WorkerConfig{
		Concurrency:       2,
		HeartbeatInterval: 20 * time.Millisecond,
		HandlerTimeout:    time.Second,
	}, logger)
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Wait()
		svc.Wait()
	})
	return &workerHarness{svc: svc, worker: w, agent: a, cancel: cancel}
}

func (h *workerHarness) waitFor(t *testing.T, taskID string, status domain.TaskStatus) domain.Task {
	t.Helper()
	var task domain.Task
	require.Eventually(t, func() bool {
		got, err := h.svc.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = got
		return got.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return task
}

func TestWorkerCompletesAndVerifies(t *testing.T) {
	h := newWorkerHarness(t)
	task, err := h.svc.Enqueue(context.Background(), queue.TaskSpec{
		Type:    "sum",
		Payload: map[string]any{"values": []any{1, 2, 3.5}},
	})
	require.NoError(t, err)

	done := h.waitFor(t, task.ID, domain.TaskStatusCompleted)
	assert.Equal(t, h.agent.ID, done.AgentID)
	assert.Equal(t, 6.5, done.Result["sum"])
	require.Eventually(t, func() bool {
		got, err := h.svc.GetTask(context.Background(), task.ID)
		return err == nil && got.VerificationStatus == domain.VerificationPassed
	}, 3*time.Second, 10*time.Millisecond)

	agent, err := h.svc.GetAgent(context.Background(), h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, agent.TotalCompleted)
	assert.Zero(t, agent.CurrentTaskCount)
}

func TestWorkerFailureIsRetriedUntilBudgetSpent(t *testing.T) {
	h := newWorkerHarness(t)
	one := 1
	task, err := h.svc.Enqueue(context.Background(), queue.TaskSpec{
		Type:       "fail",
		Payload:    map[string]any{"reason": "boom"},
		MaxRetries: &one,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.svc.GetTask(context.Background(), task.ID)
		return err == nil && got.Status == domain.TaskStatusFailed && got.RetryCount == 1
	}, 3*time.Second, 10*time.Millisecond)

	got, err := h.svc.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.ErrorMessage)

	require.Eventually(t, func() bool {
		agent, err := h.svc.GetAgent(context.Background(), h.agent.ID)
		return err == nil && agent.TotalFailed == 2 && agent.CurrentTaskCount == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorkerFailsTaskWithoutHandler(t *testing.T) {
	h := newWorkerHarness(t)
	zero := 0
	task, err := h.svc.Enqueue(context.Background(), queue.TaskSpec{Type: "render", MaxRetries: &zero})
	require.NoError(t, err)

	failed := h.waitFor(t, task.ID, domain.TaskStatusFailed)
	assert.Contains(t, failed.ErrorMessage, "no handler for kind=demo type=render")
}

func TestWorkerHeartbeats(t *testing.T) {
	h := newWorkerHarness(t)
	require.Eventually(t, func() bool {
		agent, err := h.svc.GetAgent(context.Background(), h.agent.ID)
		return err == nil && agent.LastHeartbeat.After(h.agent.LastHeartbeat)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	h := newWorkerHarness(t)
	h.cancel()
	stopped := make(chan struct{})
	go func() {
		h.worker.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

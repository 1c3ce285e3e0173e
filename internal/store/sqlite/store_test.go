package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"conductor/internal/domain"
)

func TestAssignTaskIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	agentA := seedAgent(t, store, "a", 5, now)
	agentB := seedAgent(t, store, "b", 5, now)
	task := seedTask(t, store, now)

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		agentID := agentA
		if i%2 == 1 {
			agentID = agentB
		}
		go func(agentID string) {
			defer wg.Done()
			ok, err := store.AssignTask(ctx, task.ID, agentID, now)
			if err != nil {
				t.Errorf("assign task: %v", err)
				return
			}
			results <- ok
		}(agentID)
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("wins=%d want=1", wins)
	}

	a, err := store.GetAgent(ctx, agentA)
	if err != nil {
		t.Fatalf("get agent a: %v", err)
	}
	b, err := store.GetAgent(ctx, agentB)
	if err != nil {
		t.Fatalf("get agent b: %v", err)
	}
	if a.CurrentTaskCount+b.CurrentTaskCount != 1 {
		t.Fatalf("total current_task_count=%d want=1", a.CurrentTaskCount+b.CurrentTaskCount)
	}
}

func TestAssignTaskRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	agentID := seedAgent(t, store, "solo", 1, now)
	first := seedTask(t, store, now)
	second := seedTask(t, store, now)

	ok, err := store.AssignTask(ctx, first.ID, agentID, now)
	if err != nil || !ok {
		t.Fatalf("assign first: ok=%v err=%v", ok, err)
	}
	_, err = store.AssignTask(ctx, second.ID, agentID, now)
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("assign second err=%v want ErrCapacityExceeded", err)
	}

	task, err := store.GetTask(ctx, second.ID)
	if err != nil {
		t.Fatalf("get second task: %v", err)
	}
	if task.Status != domain.TaskStatusPending || task.AgentID != "" {
		t.Fatalf("second task status=%s agent=%q, expected untouched pending", task.Status, task.AgentID)
	}

	agent, err := store.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CurrentTaskCount != 1 || agent.LoadScore != 100 || agent.Status != domain.AgentStatusBusy {
		t.Fatalf("agent count=%d load=%v status=%s", agent.CurrentTaskCount, agent.LoadScore, agent.Status)
	}
}

func TestFinishAgentTaskUpdatesRunningTotals(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	agentID := seedAgent(t, store, "worker", 2, now)

	for i := 0; i < 2; i++ {
		if ok, err := store.IncrementAgentTasks(ctx, agentID, now); err != nil || !ok {
			t.Fatalf("increment %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, err := store.IncrementAgentTasks(ctx, agentID, now); err != nil || ok {
		t.Fatalf("increment over capacity: ok=%v err=%v", ok, err)
	}

	if _, err := store.FinishAgentTask(ctx, agentID, true, 10, now); err != nil {
		t.Fatalf("finish success: %v", err)
	}
	if _, err := store.FinishAgentTask(ctx, agentID, false, 99, now); err != nil {
		t.Fatalf("finish failure: %v", err)
	}

	agent, err := store.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CurrentTaskCount != 0 {
		t.Fatalf("current_task_count=%d want=0", agent.CurrentTaskCount)
	}
	if agent.Status != domain.AgentStatusIdle {
		t.Fatalf("status=%s want=idle", agent.Status)
	}
	if agent.TotalCompleted != 1 || agent.TotalFailed != 1 {
		t.Fatalf("completed=%d failed=%d", agent.TotalCompleted, agent.TotalFailed)
	}
	if agent.SuccessRate != 50 {
		t.Fatalf("success_rate=%v want=50", agent.SuccessRate)
	}
	if agent.AvgCompletionTime != 10 {
		t.Fatalf("avg_completion_time=%v want=10", agent.AvgCompletionTime)
	}
}

func TestTaskIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	task := newPendingTask(now)
	task.IdempotencyKey = "reassign:orig"
	created, ok, err := store.CreateTask(ctx, task)
	if err != nil || !ok {
		t.Fatalf("create first: ok=%v err=%v", ok, err)
	}

	dup := newPendingTask(now)
	dup.IdempotencyKey = "reassign:orig"
	existing, ok, err := store.CreateTask(ctx, dup)
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if ok {
		t.Fatalf("expected duplicate to be ignored")
	}
	if existing.ID != created.ID {
		t.Fatalf("existing id=%s want=%s", existing.ID, created.ID)
	}
}

func TestDuplicateIDsAreValidationErrors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	task := seedTask(t, store, now)
	dup := newPendingTask(now)
	dup.ID = task.ID
	if _, _, err := store.CreateTask(ctx, dup); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("duplicate task id: err=%v want ErrValidation", err)
	}

	agentID := seedAgent(t, store, "worker", 1, now)
	agent, err := store.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	agent.Name = "other"
	if err := store.CreateAgent(ctx, agent); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("duplicate agent id: err=%v want ErrValidation", err)
	}
}

func TestRetryAndDeadLetterBoundaries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	agentID := seedAgent(t, store, "worker", 1, now)
	task := newPendingTask(now)
	task.MaxRetries = 1
	if _, _, err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	fail := func() {
		t.Helper()
		if ok, err := store.AssignTask(ctx, task.ID, agentID, now); err != nil || !ok {
			t.Fatalf("assign: ok=%v err=%v", ok, err)
		}
		if ok, err := store.FailTask(ctx, task.ID, agentID, "boom", now); err != nil || !ok {
			t.Fatalf("fail: ok=%v err=%v", ok, err)
		}
		if _, err := store.FinishAgentTask(ctx, agentID, false, 0, now); err != nil {
			t.Fatalf("finish agent task: %v", err)
		}
	}

	fail()
	if ok, err := store.DeadLetterTask(ctx, task.ID, now); err != nil || ok {
		t.Fatalf("dead-letter with budget left: ok=%v err=%v", ok, err)
	}
	if ok, err := store.RetryTask(ctx, task.ID, now); err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusPending || got.RetryCount != 1 || got.AgentID != "" || got.ErrorMessage != "" {
		t.Fatalf("after retry status=%s retry=%d agent=%q err=%q", got.Status, got.RetryCount, got.AgentID, got.ErrorMessage)
	}

	fail()
	if ok, err := store.RetryTask(ctx, task.ID, now); err != nil || ok {
		t.Fatalf("retry with spent budget: ok=%v err=%v", ok, err)
	}
	if ok, err := store.DeadLetterTask(ctx, task.ID, now); err != nil || !ok {
		t.Fatalf("dead-letter: ok=%v err=%v", ok, err)
	}
	got, err = store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusDeadLetter || got.ErrorMessage != "boom" {
		t.Fatalf("dead-letter status=%s err=%q", got.Status, got.ErrorMessage)
	}

	if ok, err := store.RequeueDeadLetter(ctx, task.ID, now); err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}
	got, err = store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusPending || got.RetryCount != 0 {
		t.Fatalf("requeued status=%s retry=%d", got.Status, got.RetryCount)
	}
}

func TestCompleteRequiresOwner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	owner := seedAgent(t, store, "owner", 1, now)
	other := seedAgent(t, store, "other", 1, now)
	task := seedTask(t, store, now)

	if ok, err := store.AssignTask(ctx, task.ID, owner, now); err != nil || !ok {
		t.Fatalf("assign: ok=%v err=%v", ok, err)
	}
	if ok, err := store.CompleteTask(ctx, task.ID, other, map[string]any{"x": 1}, now); err != nil || ok {
		t.Fatalf("complete by non-owner: ok=%v err=%v", ok, err)
	}
	if ok, err := store.MarkTaskRunning(ctx, task.ID, owner, now); err != nil || !ok {
		t.Fatalf("mark running: ok=%v err=%v", ok, err)
	}
	if ok, err := store.CompleteTask(ctx, task.ID, owner, map[string]any{"x": 1}, now.Add(3*time.Second)); err != nil || !ok {
		t.Fatalf("complete by owner: ok=%v err=%v", ok, err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	d, ok := got.Duration()
	if !ok || d != 3*time.Second {
		t.Fatalf("duration=%v ok=%v want=3s", d, ok)
	}
}

func TestBoostOverdueTaskOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	task := newPendingTask(now)
	deadline := now.Add(-time.Minute)
	task.Deadline = &deadline
	task.Priority = 3
	if _, _, err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	overdue, err := store.ListOverdueTasks(ctx, now)
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(overdue) != 1 {
		t.Fatalf("overdue=%d want=1", len(overdue))
	}
	if ok, err := store.BoostOverdueTask(ctx, task.ID, 10, now); err != nil || !ok {
		t.Fatalf("boost: ok=%v err=%v", ok, err)
	}
	if ok, err := store.BoostOverdueTask(ctx, task.ID, 10, now); err != nil || ok {
		t.Fatalf("second boost: ok=%v err=%v", ok, err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Priority != 13 || !got.DeadlineBoosted {
		t.Fatalf("priority=%d boosted=%v", got.Priority, got.DeadlineBoosted)
	}
}

func TestMarkStaleAgentsOffline(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	stale := seedAgent(t, store, "stale", 1, now.Add(-10*time.Minute))
	fresh := seedAgent(t, store, "fresh", 1, now)

	ids, err := store.MarkStaleAgentsOffline(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale {
		t.Fatalf("ids=%v want=[%s]", ids, stale)
	}

	if ok, err := store.TouchHeartbeat(ctx, stale, now); err != nil || !ok {
		t.Fatalf("heartbeat: ok=%v err=%v", ok, err)
	}
	agent, err := store.GetAgent(ctx, stale)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != domain.AgentStatusIdle {
		t.Fatalf("status after heartbeat=%s want=idle", agent.Status)
	}
	agent, err = store.GetAgent(ctx, fresh)
	if err != nil {
		t.Fatalf("get fresh agent: %v", err)
	}
	if agent.Status != domain.AgentStatusIdle {
		t.Fatalf("fresh status=%s want=idle", agent.Status)
	}
}

func TestVerificationRecordReassignedOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	task := seedTask(t, store, now)
	rec := domain.VerificationRecord{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		Type:         domain.CheckOverall,
		Status:       domain.VerificationFailed,
		QualityScore: 30,
		Issues:       []domain.Issue{{Description: "low", Severity: domain.SeverityHigh}},
		CreatedAt:    now,
	}
	if err := store.CreateVerificationRecord(ctx, rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if ok, err := store.MarkRecordReassigned(ctx, rec.ID, "new-task"); err != nil || !ok {
		t.Fatalf("mark reassigned: ok=%v err=%v", ok, err)
	}
	if ok, err := store.MarkRecordReassigned(ctx, rec.ID, "other-task"); err != nil || ok {
		t.Fatalf("second mark: ok=%v err=%v", ok, err)
	}
	got, err := store.GetVerificationRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !got.AutoReassigned || got.ReassignedToTaskID != "new-task" || len(got.Issues) != 1 {
		t.Fatalf("record=%+v", got)
	}
}

func TestTaskAggregates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	for _, priority := range []int{25, 12, 0, -3} {
		task := newPendingTask(now.Add(-10 * time.Second))
		task.Priority = priority
		if _, _, err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	agg, err := store.TaskAggregates(ctx, now)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if agg.ByStatus[domain.TaskStatusPending] != 4 || agg.TotalTasks != 4 {
		t.Fatalf("pending=%d total=%d", agg.ByStatus[domain.TaskStatusPending], agg.TotalTasks)
	}
	for _, bucket := range []string{domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		if agg.ByPriorityBucket[bucket] != 1 {
			t.Fatalf("bucket %s=%d want=1", bucket, agg.ByPriorityBucket[bucket])
		}
	}
	if agg.AvgWaitSeconds != 10 {
		t.Fatalf("avg wait=%v want=10", agg.AvgWaitSeconds)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func seedAgent(t *testing.T, store *Store, name string, capacity int, heartbeat time.Time) string {
	t.Helper()
	id := uuid.NewString()
	if err := store.CreateAgent(context.Background(), domain.Agent{
		ID:                 id,
		Name:               name,
		Kind:               "worker",
		Status:             domain.AgentStatusIdle,
		Capabilities:       domain.NewCapabilitySet("general"),
		MaxConcurrentTasks: capacity,
		SuccessRate:        100,
		Active:             true,
		LastHeartbeat:      heartbeat,
		CreatedAt:          heartbeat,
		UpdatedAt:          heartbeat,
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return id
}

func seedTask(t *testing.T, store *Store, now time.Time) domain.Task {
	t.Helper()
	task, _, err := store.CreateTask(context.Background(), newPendingTask(now))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func newPendingTask(now time.Time) domain.Task {
	return domain.Task{
		ID:                 uuid.NewString(),
		Type:               "analysis",
		Status:             domain.TaskStatusPending,
		MaxRetries:         3,
		VerificationStatus: domain.VerificationPending,
		Payload:            map[string]any{"input": "x"},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

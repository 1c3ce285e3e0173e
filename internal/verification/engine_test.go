package verification

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
	"conductor/internal/queue"
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

// idleDistributor never assigns, so reassignment tasks stay pending.
type idleDistributor struct{}

func (idleDistributor) Distribute(context.Context, domain.Task) (bool, error) { return false, nil }

type harness struct {
	store  *sqlite.Store
	queue  *queue.Manager
	engine *Engine
	clock  *fakeClock
}

func newHarness(t *testing.T, profiles Profiles) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "verification.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	logger := log.New(io.Discard, "", 0)
	q := queue.New(store, idleDistributor{}, queue.Config{Now: clock.Now}, logger)
	t.Cleanup(q.Wait)
	engine := New(store, q, nil, Config{Profiles: profiles, Now: clock.Now}, logger)
	return &harness{store: store, queue: q, engine: engine, clock: clock}
}

func (h *harness) completedTask(t *testing.T, priority int, result map[string]any) domain.Task {
	t.Helper()
	now := h.clock.Now()
	started := now.Add(-5 * time.Second)
	task, _, err := h.store.CreateTask(context.Background(), domain.Task{
		ID:                 uuid.NewString(),
		Type:               "report",
		Status:             domain.TaskStatusCompleted,
		Priority:           priority,
		AgentID:            "agent-1",
		MaxRetries:         3,
		VerificationStatus: domain.VerificationPending,
		Payload:            map[string]any{"source": "ledger"},
		Result:             result,
		StartedAt:          &started,
		CompletedAt:        &now,
		CreatedAt:          now.Add(-time.Minute),
		UpdatedAt:          now,
	})
	require.NoError(t, err)
	return task
}

func TestVerifySchemaMissingFieldStillPasses(t *testing.T) {
	h := newHarness(t, Profiles{"report": {RequiredFields: []string{"name"}}})
	ctx := context.Background()
	task := h.completedTask(t, 0, map[string]any{"rows": 3})

	out, err := h.engine.Verify(ctx, task.ID, []domain.CheckType{domain.CheckSchema})
	require.NoError(t, err)
	assert.Equal(t, 80.0, out.OverallScore)
	assert.Equal(t, LevelMedium, out.QualityLevel)
	assert.False(t, out.NeedsReassignment)
	require.Len(t, out.Records, 1)
	assert.Equal(t, domain.VerificationPassed, out.Records[0].Status)

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationPassed, got.VerificationStatus)
	require.NotNil(t, got.QualityScore)
	assert.Equal(t, 80.0, *got.QualityScore)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
}

func TestVerifyEmptyResultReassignsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	task := h.completedTask(t, 4, nil)

	out, err := h.engine.Verify(ctx, task.ID, []domain.CheckType{domain.CheckCompleteness})
	require.NoError(t, err)
	assert.Zero(t, out.OverallScore)
	assert.Equal(t, LevelVeryLow, out.QualityLevel)
	assert.True(t, out.NeedsReassignment)
	require.Len(t, out.Records, 1)
	assert.Equal(t, domain.VerificationFailed, out.Records[0].Status)
	require.NotEmpty(t, out.ReassignedTaskID)

	sibling, err := h.store.GetTask(ctx, out.ReassignedTaskID)
	require.NoError(t, err)
	assert.Equal(t, 5, sibling.Priority)
	assert.Equal(t, task.ID, sibling.Metadata["reassigned_from"])
	assert.Equal(t, task.ID, sibling.ParentTaskID)
	assert.Equal(t, task.Type, sibling.Type)
	assert.Equal(t, task.Payload, sibling.Payload)
	assert.Equal(t, domain.TaskStatusPending, sibling.Status)

	orig, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, orig.Status)
	assert.Equal(t, domain.VerificationFailed, orig.VerificationStatus)

	overall, err := h.store.ListVerificationRecords(ctx, domain.VerificationFilter{
		TaskID: task.ID,
		Types:  []domain.CheckType{domain.CheckOverall},
	})
	require.NoError(t, err)
	require.Len(t, overall, 1)
	assert.True(t, overall[0].AutoReassigned)
	assert.Equal(t, sibling.ID, overall[0].ReassignedToTaskID)

	again, linked, err := h.engine.Reassign(ctx, overall[0].ID)
	require.NoError(t, err)
	assert.False(t, linked)
	assert.Equal(t, sibling.ID, again.ID)

	out, err = h.engine.Verify(ctx, task.ID, []domain.CheckType{domain.CheckCompleteness})
	require.NoError(t, err)
	assert.Equal(t, sibling.ID, out.ReassignedTaskID)

	overall, err = h.store.ListVerificationRecords(ctx, domain.VerificationFilter{
		TaskID: task.ID,
		Types:  []domain.CheckType{domain.CheckOverall},
	})
	require.NoError(t, err)
	require.Len(t, overall, 2)
	linkedRecords := 0
	for _, r := range overall {
		if r.AutoReassigned {
			linkedRecords++
			assert.Equal(t, sibling.ID, r.ReassignedToTaskID)
		}
	}
	assert.Equal(t, 1, linkedRecords)

	report, err := h.engine.QualityReport(ctx, "", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reassignments)

	decisions, err := h.store.ListTaskDecisions(ctx, task.ID, 100)
	require.NoError(t, err)
	reassignedDecisions := 0
	for _, d := range decisions {
		if d.Action == "task_reassigned" {
			reassignedDecisions++
		}
	}
	assert.Equal(t, 1, reassignedDecisions)

	all, err := h.store.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	spawned := 0
	for _, tk := range all {
		if tk.ParentTaskID == task.ID {
			spawned++
		}
	}
	assert.Equal(t, 1, spawned)
}

func TestVerifyUsesProfileChecksByDefault(t *testing.T) {
	h := newHarness(t, Profiles{
		"report": {
			Checks:         []domain.CheckType{domain.CheckSchema, domain.CheckBusinessRules},
			RequiredFields: []string{"name", "total"},
			Rules:          []Rule{{Field: "total", Operator: ">", Value: 100}},
		},
	})
	ctx := context.Background()
	task := h.completedTask(t, 0, map[string]any{"name": "q3", "total": float64(50)})

	out, err := h.engine.Verify(ctx, task.ID, nil)
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	assert.Equal(t, domain.CheckSchema, out.Records[0].Type)
	assert.Equal(t, domain.CheckBusinessRules, out.Records[1].Type)
	assert.InDelta(t, 92.5, out.OverallScore, 1e-9)
	assert.Equal(t, LevelHigh, out.QualityLevel)
}

func TestVerifyRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	task := h.completedTask(t, 0, map[string]any{"a": 1})

	_, err := h.engine.Verify(ctx, task.ID, []domain.CheckType{"vibes"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.engine.Verify(ctx, "missing", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)

	pending, _, err := h.store.CreateTask(ctx, domain.Task{
		ID: uuid.NewString(), Type: "x", Status: domain.TaskStatusPending, MaxRetries: 3,
		VerificationStatus: domain.VerificationPending, CreatedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	_, err = h.engine.Verify(ctx, pending.ID, nil)
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = h.engine.ParseCheckTypes([]string{"schema", "nope"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestQualityReportWindowAndAgent(t *testing.T) {
	h := newHarness(t, Profiles{"report": {RequiredFields: []string{"name"}}})
	ctx := context.Background()

	good := h.completedTask(t, 0, map[string]any{"name": "ok"})
	_, err := h.engine.Verify(ctx, good.ID, []domain.CheckType{domain.CheckSchema, domain.CheckCompleteness})
	require.NoError(t, err)
	bad := h.completedTask(t, 0, nil)
	_, err = h.engine.Verify(ctx, bad.ID, []domain.CheckType{domain.CheckCompleteness})
	require.NoError(t, err)

	report, err := h.engine.QualityReport(ctx, "agent-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.HighQuality)
	assert.Equal(t, 1, report.LowQuality)
	assert.Equal(t, 1, report.Reassignments)
	assert.InDelta(t, 200.0/3, report.AverageScore, 1e-9)

	other, err := h.engine.QualityReport(ctx, "agent-2", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, other.Total)

	h.clock.Advance(2 * time.Hour)
	stale, err := h.engine.QualityReport(ctx, "", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, stale.Total)
}

func TestAgentQualityTrend(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	task := h.completedTask(t, 0, map[string]any{"a": 1})

	record := func(at time.Time, score float64) {
		require.NoError(t, h.store.CreateVerificationRecord(ctx, domain.VerificationRecord{
			ID: uuid.NewString(), TaskID: task.ID, AgentID: "agent-1", Type: domain.CheckSchema,
			Status: domain.VerificationPassed, QualityScore: score, CreatedAt: at,
		}))
	}
	now := h.clock.Now()

	trend, err := h.engine.AgentQualityTrend(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, TrendStable, trend.Direction)

	record(now.Add(-30*time.Hour), 60)
	record(now.Add(-26*time.Hour), 70)
	record(now.Add(-2*time.Hour), 90)
	trend, err = h.engine.AgentQualityTrend(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 65.0, trend.PriorAverage)
	assert.Equal(t, 90.0, trend.RecentAverage)
	assert.Equal(t, TrendImproving, trend.Direction)

	record(now.Add(-time.Hour), 20)
	trend, err = h.engine.AgentQualityTrend(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 55.0, trend.RecentAverage)
	assert.Equal(t, TrendDeclining, trend.Direction)

	// exactly +5 is not a trend
	record(now.Add(-time.Minute), 100)
	trend, err = h.engine.AgentQualityTrend(ctx, "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 70.0, trend.RecentAverage, 1e-9)
	assert.Equal(t, TrendStable, trend.Direction)
}

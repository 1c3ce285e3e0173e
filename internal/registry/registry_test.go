package registry

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

	"conductor/internal/domain"
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

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := New(store, Config{Now: clock.Now}, log.New(io.Discard, "", 0))
	return reg, clock
}

func TestRegisterValidatesInput(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, RegisterInput{Kind: "analyst"})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "name is required")

	_, err = reg.Register(ctx, RegisterInput{Name: "a", Kind: "  "})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = reg.Register(ctx, RegisterInput{Name: "a", Kind: "k", MaxConcurrentTasks: -1})
	require.ErrorIs(t, err, domain.ErrValidation)

	agents, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestRegisterRejectsTakenID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, RegisterInput{ID: "gpu-1", Name: "a", Kind: "k"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, RegisterInput{ID: "gpu-1", Name: "b", Kind: "k"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRegisterDefaults(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.Register(ctx, RegisterInput{Name: "alpha", Kind: "analyst", Capabilities: []string{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusIdle, agent.Status)
	assert.Equal(t, 1, agent.MaxConcurrentTasks)
	assert.Equal(t, 100.0, agent.SuccessRate)
	assert.True(t, agent.Capabilities.Has("x"))
	assert.False(t, agent.Capabilities.Has("z"))

	stored, err := reg.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, stored.Capabilities.Slice())
	assert.True(t, stored.LastHeartbeat.Equal(clock.Now()))
}

func TestEligibleAgentsHonoursLivenessAndCapability(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	a, err := reg.Register(ctx, RegisterInput{Name: "a", Kind: "k", Capabilities: []string{"x"}})
	require.NoError(t, err)
	b, err := reg.Register(ctx, RegisterInput{Name: "b", Kind: "k", Capabilities: []string{"y"}})
	require.NoError(t, err)

	eligible, err := reg.EligibleAgents(ctx, "x")
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, a.ID, eligible[0].ID)

	clock.Advance(4 * time.Minute)
	require.NoError(t, reg.Heartbeat(ctx, b.ID))
	clock.Advance(2 * time.Minute)

	eligible, err = reg.EligibleAgents(ctx, "")
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, b.ID, eligible[0].ID)

	require.NoError(t, reg.Deactivate(ctx, b.ID))
	eligible, err = reg.EligibleAgents(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, eligible)

	require.NoError(t, reg.Activate(ctx, b.ID))
	eligible, err = reg.EligibleAgents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, eligible, 1)

	require.NoError(t, reg.Deregister(ctx, b.ID))
	require.NoError(t, reg.Deregister(ctx, b.ID))
	eligible, err = reg.EligibleAgents(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, eligible)
	require.ErrorIs(t, reg.Activate(ctx, b.ID), domain.ErrConflict)
}

func TestHeartbeatIsIdempotent(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.Register(ctx, RegisterInput{Name: "a", Kind: "k", MaxConcurrentTasks: 2})
	require.NoError(t, err)
	require.NoError(t, reg.RecordTaskStarted(ctx, agent.ID))

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		require.NoError(t, reg.Heartbeat(ctx, agent.ID))
		got, err := reg.Get(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AgentStatusBusy, got.Status)
		assert.True(t, got.LastHeartbeat.Equal(clock.Now()))
	}

	require.ErrorIs(t, reg.Heartbeat(ctx, "missing"), domain.ErrNotFound)
}

func TestHeartbeatRecoversOfflineAgent(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.Register(ctx, RegisterInput{Name: "a", Kind: "k"})
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	ids, err := reg.MarkStaleOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{agent.ID}, ids)

	got, err := reg.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusOffline, got.Status)
	assert.False(t, reg.IsOnline(got))

	require.NoError(t, reg.Heartbeat(ctx, agent.ID))
	got, err = reg.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusIdle, got.Status)
	assert.True(t, reg.IsOnline(got))
}

func TestRecordTaskStartedEnforcesCapacity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.Register(ctx, RegisterInput{Name: "a", Kind: "k", MaxConcurrentTasks: 2})
	require.NoError(t, err)

	require.NoError(t, reg.RecordTaskStarted(ctx, agent.ID))
	got, err := reg.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.LoadScore)
	assert.Equal(t, domain.AgentStatusBusy, got.Status)

	require.NoError(t, reg.RecordTaskStarted(ctx, agent.ID))
	require.ErrorIs(t, reg.RecordTaskStarted(ctx, agent.ID), domain.ErrCapacityExceeded)
	require.ErrorIs(t, reg.RecordTaskStarted(ctx, "missing"), domain.ErrNotFound)

	got, err = reg.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentTaskCount)
	assert.Equal(t, 100.0, got.LoadScore)
}

func TestRecordTaskFinishedRecomputesRates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.Register(ctx, RegisterInput{Name: "a", Kind: "k", MaxConcurrentTasks: 4})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, reg.RecordTaskStarted(ctx, agent.ID))
	}

	require.NoError(t, reg.RecordTaskFinished(ctx, agent.ID, true, 10))
	require.NoError(t, reg.RecordTaskFinished(ctx, agent.ID, true, 20))
	require.NoError(t, reg.RecordTaskFinished(ctx, agent.ID, true, 30))
	require.NoError(t, reg.RecordTaskFinished(ctx, agent.ID, false, 1000))

	got, err := reg.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentTaskCount)
	assert.Equal(t, 0.0, got.LoadScore)
	assert.Equal(t, domain.AgentStatusIdle, got.Status)
	assert.Equal(t, 3, got.TotalCompleted)
	assert.Equal(t, 1, got.TotalFailed)
	assert.InDelta(t, 75.0, got.SuccessRate, 1e-9)
	assert.InDelta(t, 20.0, got.AvgCompletionTime, 1e-9)
}

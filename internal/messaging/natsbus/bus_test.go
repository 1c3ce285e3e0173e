package natsbus

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
)

func connect(t *testing.T) *Bus {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	bus, err := Connect(Config{
		URL:            url,
		SubjectPrefix:  "conductor-test-" + uuid.NewString()[:8],
		ConnectTimeout: 2 * time.Second,
		MaxReconnects:  1,
	}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Skipf("nats not reachable at %s: %v", url, err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestSubjects(t *testing.T) {
	bus := NewFromConn(nil, Config{SubjectPrefix: "ops"}, nil)
	assert.Equal(t, "ops.tasks.assigned.a1", bus.AssignedSubject("a1"))
	assert.Equal(t, "ops.agents.heartbeat.a1", bus.HeartbeatSubject("a1"))

	bus = NewFromConn(nil, Config{}, nil)
	assert.Equal(t, "conductor.tasks.assigned.a1", bus.AssignedSubject("a1"))
}

func TestAssignmentRoundTrip(t *testing.T) {
	bus := connect(t)
	ch := bus.Register("agent-1")
	require.NoError(t, bus.conn.Flush())

	task := domain.Task{ID: "t1", Type: "render", Priority: 3, Payload: map[string]any{"frame": 9.0}}
	agent := domain.Agent{ID: "agent-1", Kind: "gpu"}
	require.NoError(t, bus.OnTaskAssigned(context.Background(), task, agent))

	select {
	case got := <-ch:
		assert.Equal(t, "t1", got.TaskID)
		assert.Equal(t, "agent-1", got.AgentID)
		assert.Equal(t, "gpu", got.AgentKind)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, 9.0, got.Payload["frame"])
	case <-time.After(2 * time.Second):
		t.Fatal("assignment not delivered")
	}

	bus.Unregister("agent-1")
	_, open := <-ch
	assert.False(t, open)
}

func TestHeartbeatListener(t *testing.T) {
	bus := connect(t)
	var mu sync.Mutex
	var seen []string
	require.NoError(t, bus.ListenHeartbeats(context.Background(), func(_ context.Context, agentID string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, agentID)
		return nil
	}))
	require.NoError(t, bus.conn.Flush())

	require.NoError(t, bus.PublishHeartbeat("agent-7"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "agent-7"
	}, 2*time.Second, 10*time.Millisecond)
}

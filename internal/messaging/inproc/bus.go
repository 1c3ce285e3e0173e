package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Bus delivers assignments to in-process workers over per-agent buffered
// channels. It implements scheduler.Dispatcher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Assignment
	buffer int
	now    func() time.Time
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Assignment),
		buffer: buffer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (b *Bus) Register(agentID string) <-chan domain.Assignment {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[agentID]; ok {
		return ch
	}
	ch := make(chan domain.Assignment, b.buffer)
	b.subs[agentID] = ch
	return ch
}

func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	close(ch)
}

// Publish never blocks. The read lock is held across the send so Unregister
// cannot close the channel underneath it.
func (b *Bus) Publish(a domain.Assignment) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[a.AgentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", a.AgentID, ErrAgentNotRegistered)
	}
	select {
	case ch <- a:
		return nil
	default:
		return fmt.Errorf("agent %s: %w", a.AgentID, ErrAgentQueueFull)
	}
}

func (b *Bus) OnTaskAssigned(_ context.Context, task domain.Task, agent domain.Agent) error {
	return b.Publish(domain.NewAssignment(task, agent, b.now()))
}

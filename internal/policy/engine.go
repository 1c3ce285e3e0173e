package policy

import (
	"context"
	"errors"
	"fmt"

	"conductor/internal/domain"
)

type Store interface {
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
}

// Engine decides whether an agent may act on a task.
type Engine struct {
	store Store
}

func New(store Store) *Engine {
	return &Engine{store: store}
}

// CanReport reports whether agentID may report progress on taskID. Only the
// current owner may. Deregistered owners can still finish work they hold.
func (e *Engine) CanReport(ctx context.Context, taskID, agentID string) (bool, string, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return false, "", err
	}
	if task.AgentID == "" {
		return false, fmt.Sprintf("task %s has no owner (status %s)", taskID, task.Status), nil
	}
	if task.AgentID != agentID {
		return false, fmt.Sprintf("task %s is owned by %s", taskID, task.AgentID), nil
	}
	if _, err := e.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Sprintf("agent %s is not registered", agentID), nil
		}
		return false, "", err
	}
	return true, "", nil
}

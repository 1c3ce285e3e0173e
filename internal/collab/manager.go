// Package collab tracks tasks that need more than one agent: reviews,
// consensus votes and assistance requests.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"conductor/internal/domain"
)

const collabActor = "collab"

type Store interface {
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	CreateCollaboration(ctx context.Context, c domain.AgentCollaboration) error
	GetCollaboration(ctx context.Context, id string) (domain.AgentCollaboration, error)
	ListCollaborations(ctx context.Context, taskID string) ([]domain.AgentCollaboration, error)
	UpdateCollaboration(ctx context.Context, id string, mutate func(*domain.AgentCollaboration) error) (domain.AgentCollaboration, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Manager struct {
	store  Store
	now    func() time.Time
	logger *log.Logger
}

func New(store Store, now func() time.Time, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{store: store, now: now, logger: logger}
}

type RequestInput struct {
	TaskID string `json:"task_id" validate:"required"`
	Mode   string `json:"mode" validate:"required,oneof=review consensus assistance"`
	// PrimaryAgentID defaults to the task's owner.
	PrimaryAgentID string   `json:"primary_agent_id,omitempty"`
	Participants   []string `json:"participants" validate:"required,min=1,dive,required"`
}

// Request opens a collaboration on a task. Participants must be registered
// agents other than the primary.
func (m *Manager) Request(ctx context.Context, in RequestInput) (domain.AgentCollaboration, error) {
	if err := domain.Validate(in); err != nil {
		return domain.AgentCollaboration{}, err
	}
	task, err := m.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return domain.AgentCollaboration{}, err
	}
	primary := in.PrimaryAgentID
	if primary == "" {
		primary = task.AgentID
	}
	if primary == "" {
		return domain.AgentCollaboration{}, fmt.Errorf("task %s has no owner to act as primary: %w", task.ID, domain.ErrValidation)
	}

	seen := map[string]bool{primary: true}
	participants := make([]string, 0, len(in.Participants))
	for _, id := range in.Participants {
		if seen[id] {
			continue
		}
		seen[id] = true
		agent, err := m.store.GetAgent(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.AgentCollaboration{}, fmt.Errorf("participant %s is not registered: %w", id, domain.ErrValidation)
			}
			return domain.AgentCollaboration{}, err
		}
		if agent.Deregistered() {
			return domain.AgentCollaboration{}, fmt.Errorf("participant %s is deregistered: %w", id, domain.ErrValidation)
		}
		participants = append(participants, id)
	}
	if len(participants) == 0 {
		return domain.AgentCollaboration{}, fmt.Errorf("collaboration needs a participant besides the primary: %w", domain.ErrValidation)
	}

	c := domain.AgentCollaboration{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		Mode:           domain.CollaborationMode(in.Mode),
		PrimaryAgentID: primary,
		Participants:   participants,
		Contributions:  make(map[string]domain.Contribution),
		Status:         domain.CollaborationActive,
		CreatedAt:      m.now(),
	}
	if err := m.store.CreateCollaboration(ctx, c); err != nil {
		return domain.AgentCollaboration{}, err
	}
	_ = m.store.LogDecision(ctx, domain.DecisionLog{
		TaskID:    task.ID,
		AgentID:   primary,
		Actor:     collabActor,
		Action:    "collaboration_requested",
		Reason:    string(c.Mode),
		Payload:   mustJSON(map[string]any{"collaboration_id": c.ID, "participants": participants}),
		CreatedAt: c.CreatedAt,
	})
	return c, nil
}

type ContributionInput struct {
	AgentID string  `json:"agent_id" validate:"required"`
	Approve bool    `json:"approve"`
	Score   float64 `json:"score" validate:"gte=0,lte=100"`
	Notes   string  `json:"notes,omitempty" validate:"max=4096"`
}

// Contribute records one participant's verdict. Once every participant has
// answered, a strict majority of approvals completes the collaboration and
// anything less fails it.
func (m *Manager) Contribute(ctx context.Context, collabID string, in ContributionInput) (domain.AgentCollaboration, error) {
	if err := domain.Validate(in); err != nil {
		return domain.AgentCollaboration{}, err
	}
	now := m.now()
	c, err := m.store.UpdateCollaboration(ctx, collabID, func(c *domain.AgentCollaboration) error {
		if c.Status != domain.CollaborationActive {
			return fmt.Errorf("collaboration %s is %s: %w", c.ID, c.Status, domain.ErrConflict)
		}
		if !contains(c.Participants, in.AgentID) {
			return fmt.Errorf("agent %s is not a participant of %s: %w", in.AgentID, c.ID, domain.ErrConflict)
		}
		if _, done := c.Contributions[in.AgentID]; done {
			return fmt.Errorf("agent %s already contributed to %s: %w", in.AgentID, c.ID, domain.ErrConflict)
		}
		c.Contributions[in.AgentID] = domain.Contribution{
			AgentID:       in.AgentID,
			Approve:       in.Approve,
			Score:         in.Score,
			Notes:         in.Notes,
			ContributedAt: now,
		}
		if len(c.Contributions) < len(c.Participants) {
			return nil
		}
		result := tally(c.Contributions)
		c.Consensus = &result
		c.Status = domain.CollaborationFailed
		if result.Reached {
			c.Status = domain.CollaborationCompleted
		}
		c.CompletedAt = &now
		return nil
	})
	if err != nil {
		return domain.AgentCollaboration{}, err
	}
	if c.Consensus != nil {
		m.logger.Printf("collaboration closed id=%s task=%s status=%s approvals=%d/%d",
			c.ID, c.TaskID, c.Status, c.Consensus.Approvals, len(c.Participants))
		_ = m.store.LogDecision(ctx, domain.DecisionLog{
			TaskID:    c.TaskID,
			AgentID:   c.PrimaryAgentID,
			Actor:     collabActor,
			Action:    "collaboration_" + string(c.Status),
			Reason:    string(c.Mode),
			Payload:   mustJSON(c.Consensus),
			CreatedAt: now,
		})
	}
	return c, nil
}

// AbortForTask fails every active collaboration on a task and returns how many
// it closed.
func (m *Manager) AbortForTask(ctx context.Context, taskID, reason string) (int, error) {
	list, err := m.store.ListCollaborations(ctx, taskID)
	if err != nil {
		return 0, err
	}
	aborted := 0
	for _, c := range list {
		if c.Status != domain.CollaborationActive {
			continue
		}
		now := m.now()
		_, err := m.store.UpdateCollaboration(ctx, c.ID, func(cur *domain.AgentCollaboration) error {
			if cur.Status != domain.CollaborationActive {
				return errAlreadyClosed
			}
			result := tally(cur.Contributions)
			result.Reached = false
			cur.Consensus = &result
			cur.Status = domain.CollaborationFailed
			cur.CompletedAt = &now
			return nil
		})
		if errors.Is(err, errAlreadyClosed) {
			continue
		}
		if err != nil {
			m.logger.Printf("abort collaboration failed id=%s: %v", c.ID, err)
			continue
		}
		aborted++
		_ = m.store.LogDecision(ctx, domain.DecisionLog{
			TaskID:    taskID,
			AgentID:   c.PrimaryAgentID,
			Actor:     collabActor,
			Action:    "collaboration_aborted",
			Reason:    reason,
			Payload:   mustJSON(map[string]string{"collaboration_id": c.ID}),
			CreatedAt: now,
		})
	}
	return aborted, nil
}

var errAlreadyClosed = errors.New("collaboration already closed")

func (m *Manager) Get(ctx context.Context, id string) (domain.AgentCollaboration, error) {
	return m.store.GetCollaboration(ctx, id)
}

func (m *Manager) ListForTask(ctx context.Context, taskID string) ([]domain.AgentCollaboration, error) {
	return m.store.ListCollaborations(ctx, taskID)
}

func tally(contributions map[string]domain.Contribution) domain.ConsensusResult {
	var result domain.ConsensusResult
	sum := 0.0
	for _, c := range contributions {
		if c.Approve {
			result.Approvals++
		} else {
			result.Rejections++
		}
		sum += c.Score
	}
	if n := len(contributions); n > 0 {
		result.AverageScore = sum / float64(n)
		result.Reached = result.Approvals*2 > n
	}
	return result
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

package registry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/internal/domain"
)

const DefaultLivenessWindow = 5 * time.Minute

type Store interface {
	CreateAgent(ctx context.Context, a domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	TouchHeartbeat(ctx context.Context, agentID string, now time.Time) (bool, error)
	IncrementAgentTasks(ctx context.Context, agentID string, now time.Time) (bool, error)
	FinishAgentTask(ctx context.Context, agentID string, succeeded bool, durationSeconds float64, now time.Time) (bool, error)
	SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, now time.Time) (bool, error)
	SetAgentActive(ctx context.Context, agentID string, active bool, now time.Time) (bool, error)
	DeregisterAgent(ctx context.Context, agentID string, now time.Time) (bool, error)
	MarkStaleAgentsOffline(ctx context.Context, cutoff, now time.Time) ([]string, error)
}

type Config struct {
	LivenessWindow time.Duration
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Registry tracks agents, their liveness and their load. All counters live in
// the store and are changed with single conditional updates.
type Registry struct {
	store  Store
	cfg    Config
	logger *log.Logger
}

func New(store Store, cfg Config, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

type RegisterInput struct {
	ID                 string            `json:"id,omitempty" validate:"omitempty,max=128,excludesall=/ "`
	Name               string            `json:"name" validate:"required,max=128"`
	Kind               string            `json:"kind" validate:"required,max=64"`
	Capabilities       []string          `json:"capabilities" validate:"dive,required,max=64"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks" validate:"gte=0,lte=1024"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Register creates an idle agent. MaxConcurrentTasks defaults to 1.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (domain.Agent, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Kind = strings.TrimSpace(in.Kind)
	if err := domain.Validate(in); err != nil {
		return domain.Agent{}, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.MaxConcurrentTasks == 0 {
		in.MaxConcurrentTasks = 1
	}
	now := r.cfg.Now()
	agent := domain.Agent{
		ID:                 in.ID,
		Name:               in.Name,
		Kind:               in.Kind,
		Status:             domain.AgentStatusIdle,
		Capabilities:       domain.NewCapabilitySet(in.Capabilities...),
		MaxConcurrentTasks: in.MaxConcurrentTasks,
		SuccessRate:        100,
		Active:             true,
		LastHeartbeat:      now,
		Metadata:           in.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return domain.Agent{}, err
	}
	r.logger.Printf("agent registered id=%s name=%s kind=%s capabilities=%v max=%d",
		agent.ID, agent.Name, agent.Kind, agent.Capabilities.Slice(), agent.MaxConcurrentTasks)
	return agent, nil
}

func (r *Registry) Get(ctx context.Context, agentID string) (domain.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

func (r *Registry) List(ctx context.Context) ([]domain.Agent, error) {
	return r.store.ListAgents(ctx)
}

// Heartbeat refreshes liveness. Repeated calls are harmless.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	ok, err := r.store.TouchHeartbeat(ctx, agentID, r.cfg.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return nil
}

// IsOnline reports whether the agent was heard from within the liveness window.
func (r *Registry) IsOnline(agent domain.Agent) bool {
	return r.cfg.Now().Sub(agent.LastHeartbeat) < r.cfg.LivenessWindow
}

// Eligible reports whether the agent may receive new work needing requiredCapability
// (empty means any). Capacity is not considered here.
func (r *Registry) Eligible(agent domain.Agent, requiredCapability string) bool {
	if !agent.Active || agent.Deregistered() {
		return false
	}
	if agent.Status == domain.AgentStatusOffline || agent.Status == domain.AgentStatusError {
		return false
	}
	if !r.IsOnline(agent) {
		return false
	}
	return requiredCapability == "" || agent.Capabilities.Has(requiredCapability)
}

// EligibleAgents lists online, schedulable agents in registration order, filtered
// by capability when one is given.
func (r *Registry) EligibleAgents(ctx context.Context, requiredCapability string) ([]domain.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		if r.Eligible(a, requiredCapability) {
			out = append(out, a)
		}
	}
	return out, nil
}

// RecordTaskStarted admits one task on the agent. Hitting the limit here means the
// caller skipped the capacity check, so it is reported as ErrCapacityExceeded.
// Distribution does not call it; store.AssignTask applies the same increment
// inside the assignment transaction.
func (r *Registry) RecordTaskStarted(ctx context.Context, agentID string) error {
	ok, err := r.store.IncrementAgentTasks(ctx, agentID, r.cfg.Now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := r.store.GetAgent(ctx, agentID); err != nil {
		return err
	}
	r.logger.Printf("invariant violation agent=%s: %v", agentID, domain.ErrCapacityExceeded)
	return fmt.Errorf("agent %s: %w", agentID, domain.ErrCapacityExceeded)
}

func (r *Registry) RecordTaskFinished(ctx context.Context, agentID string, succeeded bool, durationSeconds float64) error {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	ok, err := r.store.FinishAgentTask(ctx, agentID, succeeded, durationSeconds, r.cfg.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return nil
}

func (r *Registry) Activate(ctx context.Context, agentID string) error {
	return r.setActive(ctx, agentID, true)
}

func (r *Registry) Deactivate(ctx context.Context, agentID string) error {
	return r.setActive(ctx, agentID, false)
}

func (r *Registry) setActive(ctx context.Context, agentID string, active bool) error {
	ok, err := r.store.SetAgentActive(ctx, agentID, active, r.cfg.Now())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := r.store.GetAgent(ctx, agentID); err != nil {
			return err
		}
		return fmt.Errorf("agent %s is deregistered: %w", agentID, domain.ErrConflict)
	}
	r.logger.Printf("agent active=%t id=%s", active, agentID)
	return nil
}

// Deregister removes the agent from scheduling for good. The row stays so tasks
// and verification records keep resolving it.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	ok, err := r.store.DeregisterAgent(ctx, agentID, r.cfg.Now())
	if err != nil {
		return err
	}
	if !ok {
		// already deregistered is fine
		_, err := r.store.GetAgent(ctx, agentID)
		return err
	}
	r.logger.Printf("agent deregistered id=%s", agentID)
	return nil
}

func (r *Registry) MarkError(ctx context.Context, agentID string) error {
	ok, err := r.store.SetAgentStatus(ctx, agentID, domain.AgentStatusError, r.cfg.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return nil
}

// MarkStaleOffline flips agents silent for longer than the liveness window to
// offline. Their tasks are left alone.
func (r *Registry) MarkStaleOffline(ctx context.Context) ([]string, error) {
	now := r.cfg.Now()
	ids, err := r.store.MarkStaleAgentsOffline(ctx, now.Add(-r.cfg.LivenessWindow), now)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.logger.Printf("agent offline id=%s reason=missed heartbeat window=%s", id, r.cfg.LivenessWindow)
	}
	return ids, nil
}

func (r *Registry) LivenessWindow() time.Duration {
	return r.cfg.LivenessWindow
}

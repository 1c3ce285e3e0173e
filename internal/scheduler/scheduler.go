package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"conductor/internal/domain"
	"conductor/internal/telemetry"
)

const schedulerActor = "scheduler"

type Registry interface {
	EligibleAgents(ctx context.Context, requiredCapability string) ([]domain.Agent, error)
}

type Store interface {
	AssignTask(ctx context.Context, taskID, agentID string, now time.Time) (bool, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

// Dispatcher notifies the owning agent that a task was assigned to it.
type Dispatcher interface {
	OnTaskAssigned(ctx context.Context, task domain.Task, agent domain.Agent) error
}

// Dispatchers fans one assignment out to several hooks. Every hook is called;
// their errors are joined.
type Dispatchers []Dispatcher

func (d Dispatchers) OnTaskAssigned(ctx context.Context, task domain.Task, agent domain.Agent) error {
	var errs []error
	for _, hook := range d {
		if hook == nil {
			continue
		}
		if err := hook.OnTaskAssigned(ctx, task, agent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Config struct {
	Strategy Strategy
	Now      func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = CapabilityMatch
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Scheduler struct {
	registry   Registry
	store      Store
	dispatcher Dispatcher
	tracer     *telemetry.Tracer
	cfg        Config
	logger     *log.Logger

	mu        sync.RWMutex
	strategy  Strategy
	selectors map[Strategy]Selector
}

func New(registry Registry, store Store, dispatcher Dispatcher, tracer *telemetry.Tracer, cfg Config, logger *log.Logger) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	if tracer == nil {
		tracer = telemetry.Noop()
	}
	return &Scheduler{
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		tracer:     tracer,
		cfg:        cfg,
		logger:     logger,
		strategy:   cfg.Strategy,
		selectors: map[Strategy]Selector{
			RoundRobin:      &roundRobin{},
			LeastLoaded:     leastLoaded{},
			CapabilityMatch: capabilityMatch{},
		},
	}, nil
}

func (s *Scheduler) Strategy() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}

func (s *Scheduler) SetStrategy(name string) error {
	strategy, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
	s.logger.Printf("scheduler strategy=%s", strategy)
	return nil
}

// Distribute tries to hand a ready task to one agent. The caller is responsible
// for dependency gating. It returns false when the task is not pending, when no
// agent qualifies, or when a concurrent caller assigned it first.
func (s *Scheduler) Distribute(ctx context.Context, task domain.Task) (assigned bool, err error) {
	strategy := s.Strategy()
	ctx, span := s.tracer.StartDistributeSpan(ctx, task.ID, string(strategy))
	var agentID string
	defer func() {
		telemetry.End(span, err, attribute.Bool("scheduler.assigned", assigned), attribute.String("agent.id", agentID))
	}()

	if task.Status != domain.TaskStatusPending {
		return false, nil
	}

	capabilityFilter := ""
	if strategy == CapabilityMatch {
		capabilityFilter = task.RequiredCapability
	}
	eligible, err := s.registry.EligibleAgents(ctx, capabilityFilter)
	if err != nil {
		return false, err
	}
	candidates := make([]domain.Agent, 0, len(eligible))
	for _, a := range eligible {
		if a.HasCapacity() {
			candidates = append(candidates, a)
		}
	}

	selector := s.selectors[strategy]
	for len(candidates) > 0 {
		agent, ok := selector.Select(task, candidates)
		if !ok {
			break
		}
		now := s.cfg.Now()
		won, err := s.store.AssignTask(ctx, task.ID, agent.ID, now)
		if errors.Is(err, domain.ErrCapacityExceeded) {
			// Our candidate snapshot was stale; the store refused the admission.
			s.logger.Printf("assign refused task=%s agent=%s: %v", task.ID, agent.ID, err)
			candidates = without(candidates, agent.ID)
			continue
		}
		if err != nil {
			return false, err
		}
		if !won {
			return false, nil
		}

		agentID = agent.ID
		task.Status = domain.TaskStatusAssigned
		task.AgentID = agent.ID
		task.AssignedAt = &now
		s.logger.Printf("task assigned task=%s agent=%s strategy=%s priority=%d", task.ID, agent.ID, strategy, task.Priority)
		_ = s.store.LogDecision(ctx, domain.DecisionLog{
			TaskID:  task.ID,
			AgentID: agent.ID,
			Actor:   schedulerActor,
			Action:  "task_assigned",
			Reason:  "selected by " + string(strategy),
			Payload: mustJSON(map[string]any{
				"strategy":   strategy,
				"load_score": agent.LoadScore,
				"priority":   task.Priority,
			}),
			CreatedAt: now,
		})
		s.dispatch(ctx, task, agent)
		return true, nil
	}

	s.logger.Printf("no eligible agent task=%s type=%s capability=%q strategy=%s", task.ID, task.Type, task.RequiredCapability, strategy)
	return false, nil
}

// dispatch failures leave the task assigned; the agent can still pick it up by
// polling, and HandleAgentFailure recovers it otherwise.
func (s *Scheduler) dispatch(ctx context.Context, task domain.Task, agent domain.Agent) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.OnTaskAssigned(ctx, task, agent); err != nil {
		s.logger.Printf("dispatch failed task=%s agent=%s: %v", task.ID, agent.ID, err)
		_ = s.store.LogDecision(ctx, domain.DecisionLog{
			TaskID:    task.ID,
			AgentID:   agent.ID,
			Actor:     schedulerActor,
			Action:    "dispatch_failed",
			Reason:    err.Error(),
			Payload:   mustJSON(map[string]string{"agent_kind": agent.Kind}),
			CreatedAt: s.cfg.Now(),
		})
	}
}

func without(agents []domain.Agent, id string) []domain.Agent {
	out := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

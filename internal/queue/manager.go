package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"conductor/internal/domain"
)

const queueActor = "queue"

type Store interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, bool, error)
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	GetTasks(ctx context.Context, ids []string) (map[string]domain.Task, error)
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	UpdateTaskPriority(ctx context.Context, taskID string, priority int, now time.Time) (bool, error)
	ListOverdueTasks(ctx context.Context, now time.Time) ([]domain.Task, error)
	BoostOverdueTask(ctx context.Context, taskID string, boost int, now time.Time) (bool, error)
	RetryTask(ctx context.Context, taskID string, now time.Time) (bool, error)
	DeadLetterTask(ctx context.Context, taskID string, now time.Time) (bool, error)
	RequeueDeadLetter(ctx context.Context, taskID string, now time.Time) (bool, error)
	TaskAggregates(ctx context.Context, now time.Time) (domain.TaskAggregates, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

// Distributor assigns a single ready task; see scheduler.Scheduler.
type Distributor interface {
	Distribute(ctx context.Context, task domain.Task) (bool, error)
}

type Config struct {
	DeadlineBoost     int
	DefaultMaxRetries int
	Now               func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DeadlineBoost <= 0 {
		c.DeadlineBoost = 10
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Manager struct {
	store       Store
	distributor Distributor
	cfg         Config
	logger      *log.Logger

	wg sync.WaitGroup
}

func New(store Store, distributor Distributor, cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:       store,
		distributor: distributor,
		cfg:         cfg.withDefaults(),
		logger:      logger,
	}
}

// TaskSpec describes a task to enqueue. ID is optional; batch callers set it to
// reference siblings in Dependencies.
type TaskSpec struct {
	ID                 string            `json:"id,omitempty" validate:"omitempty,max=128,excludesall=/ "`
	Type               string            `json:"type" validate:"required,max=128"`
	Payload            map[string]any    `json:"payload,omitempty"`
	Priority           int               `json:"priority"`
	Deadline           *time.Time        `json:"deadline,omitempty"`
	RequiredCapability string            `json:"required_capability,omitempty" validate:"max=64"`
	Dependencies       []string          `json:"dependencies,omitempty" validate:"dive,required"`
	MaxRetries         *int              `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=100"`
	ParentTaskID       string            `json:"parent_task_id,omitempty"`
	IdempotencyKey     string            `json:"idempotency_key,omitempty" validate:"max=256"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Enqueue persists a pending task and starts distributing it in the background.
// A spec whose idempotency key is already taken returns the existing task.
func (m *Manager) Enqueue(ctx context.Context, spec TaskSpec) (domain.Task, error) {
	task, err := m.prepare(spec)
	if err != nil {
		return domain.Task{}, err
	}
	if err := m.checkDependenciesExist(ctx, task, nil); err != nil {
		return domain.Task{}, err
	}
	return m.create(ctx, task)
}

// EnqueueBatch validates every spec before persisting any of them. Each created
// task is distributed independently.
func (m *Manager) EnqueueBatch(ctx context.Context, specs []TaskSpec) ([]domain.Task, error) {
	tasks := make([]domain.Task, len(specs))
	batchIDs := make(map[string]struct{}, len(specs))
	for i, spec := range specs {
		task, err := m.prepare(spec)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		if _, dup := batchIDs[task.ID]; dup {
			return nil, fmt.Errorf("batch item %d: duplicate id %s: %w", i, task.ID, domain.ErrValidation)
		}
		batchIDs[task.ID] = struct{}{}
		tasks[i] = task
	}
	for i, task := range tasks {
		if err := m.checkDependenciesExist(ctx, task, batchIDs); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	if err := m.checkIDsFree(ctx, tasks); err != nil {
		return nil, err
	}

	out := make([]domain.Task, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, task := range tasks {
		g.Go(func() error {
			created, err := m.create(gctx, task)
			if err != nil {
				return err
			}
			out[i] = created
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) prepare(spec TaskSpec) (domain.Task, error) {
	spec.Type = strings.TrimSpace(spec.Type)
	if err := domain.Validate(spec); err != nil {
		return domain.Task{}, err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	for _, dep := range spec.Dependencies {
		if dep == spec.ID {
			return domain.Task{}, fmt.Errorf("task %s depends on itself: %w", spec.ID, domain.ErrValidation)
		}
	}
	maxRetries := m.cfg.DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	now := m.cfg.Now()
	var deadline *time.Time
	if spec.Deadline != nil {
		d := spec.Deadline.UTC()
		deadline = &d
	}
	return domain.Task{
		ID:                 spec.ID,
		Type:               spec.Type,
		Status:             domain.TaskStatusPending,
		Priority:           spec.Priority,
		Deadline:           deadline,
		RequiredCapability: spec.RequiredCapability,
		Dependencies:       spec.Dependencies,
		MaxRetries:         maxRetries,
		VerificationStatus: domain.VerificationPending,
		Payload:            spec.Payload,
		ParentTaskID:       spec.ParentTaskID,
		IdempotencyKey:     spec.IdempotencyKey,
		Metadata:           spec.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (m *Manager) checkDependenciesExist(ctx context.Context, task domain.Task, batch map[string]struct{}) error {
	var lookup []string
	for _, dep := range task.Dependencies {
		if _, ok := batch[dep]; ok {
			continue
		}
		lookup = append(lookup, dep)
	}
	if len(lookup) == 0 {
		return nil
	}
	found, err := m.store.GetTasks(ctx, lookup)
	if err != nil {
		return err
	}
	for _, dep := range lookup {
		if _, ok := found[dep]; !ok {
			return fmt.Errorf("dependency %s does not exist: %w", dep, domain.ErrValidation)
		}
	}
	return nil
}

// checkIDsFree rejects a batch reusing an existing task id, so no item is
// persisted. Items carrying an idempotency key are left to deduplicate.
func (m *Manager) checkIDsFree(ctx context.Context, tasks []domain.Task) error {
	var ids []string
	for _, task := range tasks {
		if task.IdempotencyKey == "" {
			ids = append(ids, task.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	found, err := m.store.GetTasks(ctx, ids)
	if err != nil {
		return err
	}
	for i, task := range tasks {
		if _, taken := found[task.ID]; taken && task.IdempotencyKey == "" {
			return fmt.Errorf("batch item %d: task id %s already exists: %w", i, task.ID, domain.ErrValidation)
		}
	}
	return nil
}

func (m *Manager) create(ctx context.Context, task domain.Task) (domain.Task, error) {
	stored, created, err := m.store.CreateTask(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	if !created {
		m.logger.Printf("enqueue deduplicated key=%s task=%s", task.IdempotencyKey, stored.ID)
		return stored, nil
	}
	_ = m.store.LogDecision(ctx, domain.DecisionLog{
		TaskID:    stored.ID,
		Actor:     queueActor,
		Action:    "task_enqueued",
		Reason:    "task accepted",
		Payload:   mustJSON(map[string]any{"type": stored.Type, "priority": stored.Priority, "dependencies": stored.Dependencies}),
		CreatedAt: stored.CreatedAt,
	})
	m.distributeAsync(ctx, stored.ID)
	return stored, nil
}

func (m *Manager) distributeAsync(ctx context.Context, taskID string) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Distribute(ctx, taskID); err != nil {
			m.logger.Printf("async distribute failed task=%s: %v", taskID, err)
		}
	}()
}

// Wait blocks until background distributions started so far have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Distribute hands one task to the scheduler if it is pending and its
// dependencies are satisfied.
func (m *Manager) Distribute(ctx context.Context, taskID string) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != domain.TaskStatusPending {
		return false, nil
	}
	ready, err := m.dependenciesMet(ctx, task)
	if err != nil || !ready {
		return false, err
	}
	return m.distributor.Distribute(ctx, task)
}

// DistributePending offers every ready pending task to the scheduler, highest
// priority first, and returns how many were assigned.
func (m *Manager) DistributePending(ctx context.Context) (int, error) {
	pending, err := m.store.ListTasks(ctx, domain.TaskFilter{
		Statuses:   []domain.TaskStatus{domain.TaskStatusPending},
		ReadyOrder: true,
	})
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, task := range pending {
		if ctx.Err() != nil {
			return assigned, ctx.Err()
		}
		ready, err := m.dependenciesMet(ctx, task)
		if err != nil {
			m.logger.Printf("dependency check failed task=%s: %v", task.ID, err)
			continue
		}
		if !ready {
			continue
		}
		ok, err := m.distributor.Distribute(ctx, task)
		if err != nil {
			m.logger.Printf("distribute failed task=%s: %v", task.ID, err)
			continue
		}
		if ok {
			assigned++
		}
	}
	return assigned, nil
}

// DependenciesSatisfied reports whether every dependency is completed and passed verification.
func (m *Manager) DependenciesSatisfied(ctx context.Context, taskID string) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return m.dependenciesMet(ctx, task)
}

func (m *Manager) dependenciesMet(ctx context.Context, task domain.Task) (bool, error) {
	if len(task.Dependencies) == 0 {
		return true, nil
	}
	deps, err := m.store.GetTasks(ctx, task.Dependencies)
	if err != nil {
		return false, err
	}
	for _, id := range task.Dependencies {
		dep, ok := deps[id]
		if !ok {
			return false, nil
		}
		if dep.Status != domain.TaskStatusCompleted || dep.VerificationStatus != domain.VerificationPassed {
			return false, nil
		}
	}
	return true, nil
}

// Reprioritize changes the priority of a pending task. Any other status is a no-op.
func (m *Manager) Reprioritize(ctx context.Context, taskID string, priority int) (bool, error) {
	ok, err := m.store.UpdateTaskPriority(ctx, taskID, priority, m.cfg.Now())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, m.ensureExists(ctx, taskID)
	}
	return true, nil
}

// CheckDeadlines boosts every overdue pending/assigned task once and returns how
// many were boosted. A failing task is logged and skipped.
func (m *Manager) CheckDeadlines(ctx context.Context) (int, error) {
	now := m.cfg.Now()
	overdue, err := m.store.ListOverdueTasks(ctx, now)
	if err != nil {
		return 0, err
	}
	boosted := 0
	for _, task := range overdue {
		ok, err := m.store.BoostOverdueTask(ctx, task.ID, m.cfg.DeadlineBoost, now)
		if err != nil {
			m.logger.Printf("deadline boost failed task=%s: %v", task.ID, err)
			continue
		}
		if !ok {
			continue
		}
		boosted++
		_ = m.store.LogDecision(ctx, domain.DecisionLog{
			TaskID:    task.ID,
			Actor:     queueActor,
			Action:    "deadline_boosted",
			Reason:    "deadline passed",
			Payload:   mustJSON(map[string]any{"from": task.Priority, "to": task.Priority + m.cfg.DeadlineBoost, "deadline": task.Deadline}),
			CreatedAt: now,
		})
	}
	return boosted, nil
}

// MoveFailedToDeadLetter parks every failed task whose retry budget is spent.
func (m *Manager) MoveFailedToDeadLetter(ctx context.Context) (int, error) {
	failed, err := m.store.ListTasks(ctx, domain.TaskFilter{Statuses: []domain.TaskStatus{domain.TaskStatusFailed}})
	if err != nil {
		return 0, err
	}
	now := m.cfg.Now()
	moved := 0
	for _, task := range failed {
		if task.RetryCount < task.MaxRetries {
			continue
		}
		ok, err := m.store.DeadLetterTask(ctx, task.ID, now)
		if err != nil {
			m.logger.Printf("dead-letter failed task=%s: %v", task.ID, err)
			continue
		}
		if !ok {
			continue
		}
		moved++
		m.logger.Printf("task dead-lettered task=%s retries=%d last_error=%q", task.ID, task.RetryCount, task.ErrorMessage)
		_ = m.store.LogDecision(ctx, domain.DecisionLog{
			TaskID:    task.ID,
			AgentID:   task.AgentID,
			Actor:     queueActor,
			Action:    "task_dead_lettered",
			Reason:    task.ErrorMessage,
			Payload:   mustJSON(map[string]int{"retry_count": task.RetryCount, "max_retries": task.MaxRetries}),
			CreatedAt: now,
		})
	}
	return moved, nil
}

// RequeueFromDeadLetter is the operator path back to pending. It resets the
// retry budget and distributes the task again.
func (m *Manager) RequeueFromDeadLetter(ctx context.Context, taskID string) (bool, error) {
	ok, err := m.store.RequeueDeadLetter(ctx, taskID, m.cfg.Now())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, m.ensureExists(ctx, taskID)
	}
	_ = m.store.LogDecision(ctx, domain.DecisionLog{
		TaskID:    taskID,
		Actor:     queueActor,
		Action:    "task_requeued",
		Reason:    "operator requeue from dead letter",
		Payload:   []byte("{}"),
		CreatedAt: m.cfg.Now(),
	})
	m.distributeAsync(ctx, taskID)
	return true, nil
}

// Retry returns a failed task with budget left to pending. It does not
// distribute; callers decide when to.
func (m *Manager) Retry(ctx context.Context, taskID string) (bool, error) {
	ok, err := m.store.RetryTask(ctx, taskID, m.cfg.Now())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, m.ensureExists(ctx, taskID)
	}
	_ = m.store.LogDecision(ctx, domain.DecisionLog{
		TaskID:    taskID,
		Actor:     queueActor,
		Action:    "task_retried",
		Reason:    "retry budget available",
		Payload:   []byte("{}"),
		CreatedAt: m.cfg.Now(),
	})
	return true, nil
}

// TaskChain walks parent links from taskID back to its root and returns the
// chain oldest first.
func (m *Manager) TaskChain(ctx context.Context, taskID string) ([]domain.Task, error) {
	var chain []domain.Task
	seen := make(map[string]bool)
	id := taskID
	for id != "" && !seen[id] {
		seen[id] = true
		task, err := m.store.GetTask(ctx, id)
		if err != nil {
			if len(chain) > 0 && errors.Is(err, domain.ErrNotFound) {
				// origin was pruned; the chain starts at the oldest surviving task
				break
			}
			return nil, err
		}
		chain = append(chain, task)
		id = task.ParentTaskID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

type Statistics struct {
	Total                int                       `json:"total"`
	ByStatus             map[domain.TaskStatus]int `json:"by_status"`
	ByPriority           map[string]int            `json:"by_priority"`
	Overdue              int                       `json:"overdue"`
	AvgWaitSeconds       float64                   `json:"avg_wait_seconds"`
	AvgProcessingSeconds float64                   `json:"avg_processing_seconds"`
	GeneratedAt          time.Time                 `json:"generated_at"`
}

func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	now := m.cfg.Now()
	agg, err := m.store.TaskAggregates(ctx, now)
	if err != nil {
		return Statistics{}, err
	}
	byStatus := make(map[domain.TaskStatus]int, len(domain.AllTaskStatuses))
	for _, st := range domain.AllTaskStatuses {
		byStatus[st] = agg.ByStatus[st]
	}
	return Statistics{
		Total:                agg.TotalTasks,
		ByStatus:             byStatus,
		ByPriority:           agg.ByPriorityBucket,
		Overdue:              agg.Overdue,
		AvgWaitSeconds:       agg.AvgWaitSeconds,
		AvgProcessingSeconds: agg.AvgProcessingSeconds,
		GeneratedAt:          now,
	}, nil
}

func (m *Manager) Get(ctx context.Context, taskID string) (domain.Task, error) {
	return m.store.GetTask(ctx, taskID)
}

func (m *Manager) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return m.store.ListTasks(ctx, f)
}

func (m *Manager) ensureExists(ctx context.Context, taskID string) error {
	_, err := m.store.GetTask(ctx, taskID)
	return err
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

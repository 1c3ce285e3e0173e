package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/collab"
	"conductor/internal/domain"
	"conductor/internal/queue"
	"conductor/internal/registry"
	"conductor/internal/scheduler"
	"conductor/internal/verification"
)

const orchestratorActor = "orchestrator"

type Store interface {
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	MarkTaskRunning(ctx context.Context, taskID, agentID string, now time.Time) (bool, error)
	CompleteTask(ctx context.Context, taskID, agentID string, result map[string]any, now time.Time) (bool, error)
	FailTask(ctx context.Context, taskID, agentID, reason string, now time.Time) (bool, error)
	CancelTask(ctx context.Context, taskID string, now time.Time) (bool, string, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	ListTaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Policy interface {
	CanReport(ctx context.Context, taskID, agentID string) (bool, string, error)
}

// Components are the core services the facade composes.
type Components struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Queue     *queue.Manager
	Verifier  *verification.Engine
	Collab    *collab.Manager
}

type Config struct {
	DispatchInterval time.Duration
	SweepInterval    time.Duration
	AutoVerify       bool
	Now              func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Service struct {
	store     Store
	policy    Policy
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	queue     *queue.Manager
	verifier  *verification.Engine
	collab    *collab.Manager
	cfg       Config
	logger    *log.Logger

	wg sync.WaitGroup
}

func New(store Store, policy Policy, c Components, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:     store,
		policy:    policy,
		registry:  c.Registry,
		scheduler: c.Scheduler,
		queue:     c.Queue,
		verifier:  c.Verifier,
		collab:    c.Collab,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start runs the dispatch and maintenance loops until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop(ctx)
	}()
}

// Wait blocks until the loops and any background distribution have stopped.
func (s *Service) Wait() {
	s.wg.Wait()
	s.queue.Wait()
}

func (s *Service) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.queue.DistributePending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Printf("dispatch loop error: %v", err)
			}
		}
	}
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.RunMaintenance(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Printf("maintenance error: %v", err)
				}
				continue
			}
			if report.Boosted > 0 || report.DeadLettered > 0 || len(report.WentOffline) > 0 {
				s.logger.Printf("maintenance boosted=%d dead_lettered=%d offline=%d",
					report.Boosted, report.DeadLettered, len(report.WentOffline))
			}
		}
	}
}

type MaintenanceReport struct {
	Boosted      int       `json:"boosted"`
	DeadLettered int       `json:"dead_lettered"`
	WentOffline  []string  `json:"went_offline"`
	RanAt        time.Time `json:"ran_at"`
}

// RunMaintenance runs the deadline, dead-letter and liveness sweeps concurrently.
// Each sweep skips records it cannot process; only a sweep that cannot start
// fails the run.
func (s *Service) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	report := MaintenanceReport{RanAt: s.cfg.Now(), WentOffline: []string{}}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.queue.CheckDeadlines(gctx)
		if err != nil {
			return fmt.Errorf("deadline sweep: %w", err)
		}
		report.Boosted = n
		return nil
	})
	g.Go(func() error {
		n, err := s.queue.MoveFailedToDeadLetter(gctx)
		if err != nil {
			return fmt.Errorf("dead-letter sweep: %w", err)
		}
		report.DeadLettered = n
		return nil
	})
	g.Go(func() error {
		ids, err := s.registry.MarkStaleOffline(gctx)
		if err != nil {
			return fmt.Errorf("liveness sweep: %w", err)
		}
		if ids != nil {
			report.WentOffline = ids
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// ---------------------------------------------------------------------------
// agents

func (s *Service) RegisterAgent(ctx context.Context, in registry.RegisterInput) (domain.Agent, error) {
	return s.registry.Register(ctx, in)
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.registry.Get(ctx, agentID)
}

func (s *Service) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	return s.registry.List(ctx)
}

func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	return s.registry.Heartbeat(ctx, agentID)
}

func (s *Service) ActivateAgent(ctx context.Context, agentID string) error {
	return s.registry.Activate(ctx, agentID)
}

// DeactivateAgent stops new assignments to the agent. Work it already holds is untouched.
func (s *Service) DeactivateAgent(ctx context.Context, agentID string) error {
	return s.registry.Deactivate(ctx, agentID)
}

func (s *Service) DeregisterAgent(ctx context.Context, agentID string) error {
	return s.registry.Deregister(ctx, agentID)
}

type FailureReport struct {
	AgentID       string   `json:"agent_id"`
	FailedTasks   []string `json:"failed_tasks"`
	Retried       []string `json:"retried"`
	Redistributed []string `json:"redistributed"`
}

// HandleAgentFailure marks the agent as errored and recovers every task it
// holds: each is failed with reason, retried when budget remains, and offered
// to the scheduler again right away.
func (s *Service) HandleAgentFailure(ctx context.Context, agentID, reason string) (FailureReport, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "agent failure"
	}
	if err := s.registry.MarkError(ctx, agentID); err != nil {
		return FailureReport{}, err
	}
	held, err := s.store.ListTasks(ctx, domain.TaskFilter{
		Statuses: []domain.TaskStatus{domain.TaskStatusAssigned, domain.TaskStatusRunning},
		AgentID:  agentID,
	})
	if err != nil {
		return FailureReport{}, err
	}

	report := FailureReport{AgentID: agentID, FailedTasks: []string{}, Retried: []string{}, Redistributed: []string{}}
	for _, task := range held {
		ok, err := s.store.FailTask(ctx, task.ID, agentID, reason, s.cfg.Now())
		if err != nil {
			s.logger.Printf("fail task on agent failure task=%s agent=%s: %v", task.ID, agentID, err)
			continue
		}
		if !ok {
			continue
		}
		report.FailedTasks = append(report.FailedTasks, task.ID)
		if err := s.registry.RecordTaskFinished(ctx, agentID, false, 0); err != nil {
			s.logger.Printf("release agent slot agent=%s task=%s: %v", agentID, task.ID, err)
		}
		retried, assigned := s.retryAndDistribute(ctx, task.ID)
		if retried {
			report.Retried = append(report.Retried, task.ID)
		}
		if assigned {
			report.Redistributed = append(report.Redistributed, task.ID)
		}
	}

	s.logger.Printf("agent failed agent=%s reason=%q tasks=%d", agentID, reason, len(report.FailedTasks))
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		AgentID:   agentID,
		Actor:     orchestratorActor,
		Action:    "agent_failed",
		Reason:    reason,
		Payload:   mustJSON(report),
		CreatedAt: s.cfg.Now(),
	})
	return report, nil
}

// ---------------------------------------------------------------------------
// tasks

func (s *Service) Enqueue(ctx context.Context, spec queue.TaskSpec) (domain.Task, error) {
	return s.queue.Enqueue(ctx, spec)
}

func (s *Service) EnqueueBatch(ctx context.Context, specs []queue.TaskSpec) ([]domain.Task, error) {
	return s.queue.EnqueueBatch(ctx, specs)
}

func (s *Service) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.queue.Get(ctx, taskID)
}

func (s *Service) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return s.queue.List(ctx, f)
}

func (s *Service) Reprioritize(ctx context.Context, taskID string, priority int) (bool, error) {
	return s.queue.Reprioritize(ctx, taskID, priority)
}

// RetryTask retries a failed task and offers it to the scheduler.
func (s *Service) RetryTask(ctx context.Context, taskID string) (bool, error) {
	ok, err := s.queue.Retry(ctx, taskID)
	if err != nil || !ok {
		return ok, err
	}
	if _, err := s.queue.Distribute(ctx, taskID); err != nil {
		s.logger.Printf("redistribute after retry task=%s: %v", taskID, err)
	}
	return true, nil
}

func (s *Service) RequeueDeadLetter(ctx context.Context, taskID string) (bool, error) {
	return s.queue.RequeueFromDeadLetter(ctx, taskID)
}

func (s *Service) TaskChain(ctx context.Context, taskID string) ([]domain.Task, error) {
	return s.queue.TaskChain(ctx, taskID)
}

func (s *Service) QueueStatistics(ctx context.Context) (queue.Statistics, error) {
	return s.queue.Statistics(ctx)
}

func (s *Service) TaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	if _, err := s.queue.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListTaskDecisions(ctx, taskID, limit)
}

// CancelTask moves an active task to cancelled, frees its agent slot and
// aborts open collaborations on it.
func (s *Service) CancelTask(ctx context.Context, taskID string) (bool, error) {
	ok, owner, err := s.store.CancelTask(ctx, taskID, s.cfg.Now())
	if err != nil {
		return false, err
	}
	if !ok {
		_, err := s.queue.Get(ctx, taskID)
		return false, err
	}
	if _, err := s.collab.AbortForTask(ctx, taskID, "task cancelled"); err != nil {
		s.logger.Printf("abort collaborations task=%s: %v", taskID, err)
	}
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		TaskID:    taskID,
		AgentID:   owner,
		Actor:     orchestratorActor,
		Action:    "task_cancelled",
		Reason:    "operator cancel",
		Payload:   []byte("{}"),
		CreatedAt: s.cfg.Now(),
	})
	return true, nil
}

// ---------------------------------------------------------------------------
// worker reports

func (s *Service) authorize(ctx context.Context, taskID, agentID string) error {
	ok, reason, err := s.policy.CanReport(ctx, taskID, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", reason, domain.ErrConflict)
	}
	return nil
}

// TaskStarted moves an assigned task to running. Repeating it is harmless.
func (s *Service) TaskStarted(ctx context.Context, taskID, agentID string) error {
	if err := s.authorize(ctx, taskID, agentID); err != nil {
		return err
	}
	ok, err := s.store.MarkTaskRunning(ctx, taskID, agentID, s.cfg.Now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusRunning {
		return nil
	}
	return fmt.Errorf("task %s cannot start from %s: %w", taskID, task.Status, domain.ErrConflict)
}

type Completion struct {
	Task         domain.Task           `json:"task"`
	Verification *verification.Outcome `json:"verification,omitempty"`
}

// TaskCompleted records the owner's result, frees its slot and, with
// auto-verify on, runs the task type's verification checks. A verification
// error is logged and leaves the task awaiting verification.
func (s *Service) TaskCompleted(ctx context.Context, taskID, agentID string, output map[string]any) (Completion, error) {
	if err := s.authorize(ctx, taskID, agentID); err != nil {
		return Completion{}, err
	}
	ok, err := s.store.CompleteTask(ctx, taskID, agentID, output, s.cfg.Now())
	if err != nil {
		return Completion{}, err
	}
	if !ok {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return Completion{}, err
		}
		return Completion{}, fmt.Errorf("task %s cannot complete from %s: %w", taskID, task.Status, domain.ErrConflict)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Completion{}, err
	}
	seconds := 0.0
	if d, ok := task.Duration(); ok {
		seconds = d.Seconds()
	}
	if err := s.registry.RecordTaskFinished(ctx, agentID, true, seconds); err != nil {
		s.logger.Printf("record task finished agent=%s task=%s: %v", agentID, taskID, err)
	}

	out := Completion{Task: task}
	if !s.cfg.AutoVerify {
		return out, nil
	}
	outcome, err := s.verifier.Verify(ctx, taskID, nil)
	if err != nil {
		s.logger.Printf("auto-verify failed task=%s: %v", taskID, err)
		return out, nil
	}
	out.Verification = &outcome
	if refreshed, err := s.store.GetTask(ctx, taskID); err == nil {
		out.Task = refreshed
	}
	return out, nil
}

type FailureOutcome struct {
	Task    domain.Task `json:"task"`
	Retried bool        `json:"retried"`
	// Reassigned is true when the retried task already has a new owner.
	Reassigned bool `json:"reassigned"`
}

// TaskFailed records the owner's failure. A task with retry budget goes back to
// pending and is redistributed; an exhausted one waits for the dead-letter sweep.
func (s *Service) TaskFailed(ctx context.Context, taskID, agentID, reason string) (FailureOutcome, error) {
	if err := s.authorize(ctx, taskID, agentID); err != nil {
		return FailureOutcome{}, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "failed without reason"
	}
	ok, err := s.store.FailTask(ctx, taskID, agentID, reason, s.cfg.Now())
	if err != nil {
		return FailureOutcome{}, err
	}
	if !ok {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return FailureOutcome{}, err
		}
		return FailureOutcome{}, fmt.Errorf("task %s cannot fail from %s: %w", taskID, task.Status, domain.ErrConflict)
	}
	if err := s.registry.RecordTaskFinished(ctx, agentID, false, 0); err != nil {
		s.logger.Printf("record task finished agent=%s task=%s: %v", agentID, taskID, err)
	}

	var out FailureOutcome
	out.Retried, out.Reassigned = s.retryAndDistribute(ctx, taskID)
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return out, err
	}
	out.Task = task
	return out, nil
}

func (s *Service) retryAndDistribute(ctx context.Context, taskID string) (retried, assigned bool) {
	retried, err := s.queue.Retry(ctx, taskID)
	if err != nil {
		s.logger.Printf("retry task=%s: %v", taskID, err)
		return false, false
	}
	if !retried {
		return false, false
	}
	assigned, err = s.queue.Distribute(ctx, taskID)
	if err != nil {
		s.logger.Printf("redistribute task=%s: %v", taskID, err)
	}
	return true, assigned
}

// ---------------------------------------------------------------------------
// verification and collaboration

func (s *Service) Verify(ctx context.Context, taskID string, checks []string) (verification.Outcome, error) {
	types, err := s.verifier.ParseCheckTypes(checks)
	if err != nil {
		return verification.Outcome{}, err
	}
	return s.verifier.Verify(ctx, taskID, types)
}

func (s *Service) VerificationRecords(ctx context.Context, taskID string) ([]domain.VerificationRecord, error) {
	if _, err := s.queue.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.verifier.Records(ctx, taskID)
}

func (s *Service) QualityReport(ctx context.Context, agentID string, window time.Duration) (verification.QualityReport, error) {
	return s.verifier.QualityReport(ctx, agentID, window)
}

func (s *Service) AgentQualityTrend(ctx context.Context, agentID string) (verification.QualityTrend, error) {
	if _, err := s.registry.Get(ctx, agentID); err != nil {
		return verification.QualityTrend{}, err
	}
	return s.verifier.AgentQualityTrend(ctx, agentID)
}

func (s *Service) RequestCollaboration(ctx context.Context, in collab.RequestInput) (domain.AgentCollaboration, error) {
	return s.collab.Request(ctx, in)
}

func (s *Service) Contribute(ctx context.Context, collabID string, in collab.ContributionInput) (domain.AgentCollaboration, error) {
	return s.collab.Contribute(ctx, collabID, in)
}

func (s *Service) Collaborations(ctx context.Context, taskID string) ([]domain.AgentCollaboration, error) {
	return s.collab.ListForTask(ctx, taskID)
}

// ---------------------------------------------------------------------------
// scheduling and observability

func (s *Service) Strategy() scheduler.Strategy {
	return s.scheduler.Strategy()
}

func (s *Service) SetStrategy(name string) error {
	return s.scheduler.SetStrategy(name)
}

type Snapshot struct {
	Agents       map[domain.AgentStatus]int `json:"agents"`
	OnlineAgents int                        `json:"online_agents"`
	Tasks        map[domain.TaskStatus]int  `json:"tasks"`
	Strategy     scheduler.Strategy         `json:"strategy"`
	GeneratedAt  time.Time                  `json:"generated_at"`
}

// Monitor snapshots agent and task counts by status. It has no side effects.
func (s *Service) Monitor(ctx context.Context) (Snapshot, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	stats, err := s.queue.Statistics(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Agents: map[domain.AgentStatus]int{
			domain.AgentStatusIdle:    0,
			domain.AgentStatusBusy:    0,
			domain.AgentStatusError:   0,
			domain.AgentStatusOffline: 0,
		},
		Tasks:       stats.ByStatus,
		Strategy:    s.scheduler.Strategy(),
		GeneratedAt: s.cfg.Now(),
	}
	for _, a := range agents {
		if a.Deregistered() {
			continue
		}
		snap.Agents[a.Status]++
		if s.registry.IsOnline(a) {
			snap.OnlineAgents++
		}
	}
	return snap, nil
}

type Metrics struct {
	TotalTasks           int       `json:"total_tasks"`
	Completed            int       `json:"completed"`
	Failed               int       `json:"failed"`
	Pending              int       `json:"pending"`
	Assigned             int       `json:"assigned"`
	Running              int       `json:"running"`
	DeadLetter           int       `json:"dead_letter"`
	Cancelled            int       `json:"cancelled"`
	AvgCompletionSeconds float64   `json:"avg_completion_seconds"`
	AvgWaitSeconds       float64   `json:"avg_wait_seconds"`
	SuccessRate          float64   `json:"success_rate"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// PerformanceMetrics applies the per-agent formulas system-wide. The success
// rate comes from the agents' running totals and is 100 before any outcome.
func (s *Service) PerformanceMetrics(ctx context.Context) (Metrics, error) {
	stats, err := s.queue.Statistics(ctx)
	if err != nil {
		return Metrics{}, err
	}
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return Metrics{}, err
	}
	completed, failed := 0, 0
	for _, a := range agents {
		completed += a.TotalCompleted
		failed += a.TotalFailed
	}
	rate := 100.0
	if completed+failed > 0 {
		rate = float64(completed) / float64(completed+failed) * 100
	}
	return Metrics{
		TotalTasks:           stats.Total,
		Completed:            stats.ByStatus[domain.TaskStatusCompleted],
		Failed:               stats.ByStatus[domain.TaskStatusFailed],
		Pending:              stats.ByStatus[domain.TaskStatusPending],
		Assigned:             stats.ByStatus[domain.TaskStatusAssigned],
		Running:              stats.ByStatus[domain.TaskStatusRunning],
		DeadLetter:           stats.ByStatus[domain.TaskStatusDeadLetter],
		Cancelled:            stats.ByStatus[domain.TaskStatusCancelled],
		AvgCompletionSeconds: stats.AvgProcessingSeconds,
		AvgWaitSeconds:       stats.AvgWaitSeconds,
		SuccessRate:          rate,
		GeneratedAt:          stats.GeneratedAt,
	}, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// IsSQLiteBusy reports whether err came from a locked database, which callers
// may retry.
func IsSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

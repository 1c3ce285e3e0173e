package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"conductor/internal/domain"
	"conductor/internal/queue"
	"conductor/internal/telemetry"
)

const verifierActor = "verification"

// Quality levels returned by Thresholds.Level.
const (
	LevelHigh    = "high"
	LevelMedium  = "medium"
	LevelLow     = "low"
	LevelVeryLow = "very_low"
)

type Store interface {
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	SetVerificationOutcome(ctx context.Context, taskID string, status domain.VerificationStatus, score float64, now time.Time) error
	CreateVerificationRecord(ctx context.Context, r domain.VerificationRecord) error
	GetVerificationRecord(ctx context.Context, id string) (domain.VerificationRecord, error)
	ListVerificationRecords(ctx context.Context, f domain.VerificationFilter) ([]domain.VerificationRecord, error)
	MarkRecordReassigned(ctx context.Context, recordID, newTaskID string) (bool, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

// Enqueuer creates reassignment tasks; see queue.Manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec queue.TaskSpec) (domain.Task, error)
}

type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{High: 90, Medium: 70, Low: 50}
}

func (t Thresholds) Level(score float64) string {
	switch {
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	case score >= t.Low:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

func (t Thresholds) status(score float64) domain.VerificationStatus {
	if score >= t.Medium {
		return domain.VerificationPassed
	}
	return domain.VerificationFailed
}

type Config struct {
	Thresholds    Thresholds
	DefaultChecks []domain.CheckType
	Profiles      Profiles
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if len(c.DefaultChecks) == 0 {
		c.DefaultChecks = []domain.CheckType{
			domain.CheckSchema,
			domain.CheckBusinessRules,
			domain.CheckDataQuality,
			domain.CheckCompleteness,
			domain.CheckPerformance,
		}
	}
	if c.Profiles == nil {
		c.Profiles = Profiles{}
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Engine struct {
	store    Store
	enqueuer Enqueuer
	tracer   *telemetry.Tracer
	cfg      Config
	logger   *log.Logger

	mu     sync.RWMutex
	checks map[domain.CheckType]Check
}

func New(store Store, enqueuer Enqueuer, tracer *telemetry.Tracer, cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if tracer == nil {
		tracer = telemetry.Noop()
	}
	return &Engine{
		store:    store,
		enqueuer: enqueuer,
		tracer:   tracer,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		checks:   BuiltinChecks(),
	}
}

// RegisterCheck adds or replaces a check.
func (e *Engine) RegisterCheck(typ domain.CheckType, check Check) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks[typ] = check
}

func (e *Engine) Thresholds() Thresholds {
	return e.cfg.Thresholds
}

// ChecksFor returns the checks a task type runs when the caller does not name any.
func (e *Engine) ChecksFor(taskType string) []domain.CheckType {
	if profile := e.cfg.Profiles.Lookup(taskType); len(profile.Checks) > 0 {
		return profile.Checks
	}
	return e.cfg.DefaultChecks
}

// ParseCheckTypes converts names to check types, rejecting unknown ones.
func (e *Engine) ParseCheckTypes(names []string) ([]domain.CheckType, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.CheckType, 0, len(names))
	for _, name := range names {
		typ := domain.CheckType(name)
		if _, ok := e.checks[typ]; !ok {
			return nil, fmt.Errorf("unknown check type %q: %w", name, domain.ErrInvalidArgument)
		}
		out = append(out, typ)
	}
	return out, nil
}

type Outcome struct {
	TaskID            string                      `json:"task_id"`
	OverallScore      float64                     `json:"overall_score"`
	QualityLevel      string                      `json:"quality_level"`
	NeedsReassignment bool                        `json:"needs_reassignment"`
	ReassignedTaskID  string                      `json:"reassigned_task_id,omitempty"`
	Records           []domain.VerificationRecord `json:"records"`
}

// Verify runs checks against a completed task, records one result per check and
// sets the task's verification outcome. A task scoring below the low threshold is
// reassigned. With no checks given, the task type's profile decides.
func (e *Engine) Verify(ctx context.Context, taskID string, checks []domain.CheckType) (out Outcome, err error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if task.Status != domain.TaskStatusCompleted {
		return Outcome{}, fmt.Errorf("verify task %s in status %s: %w", taskID, task.Status, domain.ErrConflict)
	}
	if len(checks) == 0 {
		checks = e.ChecksFor(task.Type)
	}
	runners, err := e.resolve(checks)
	if err != nil {
		return Outcome{}, err
	}

	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = string(c)
	}
	ctx, span := e.tracer.StartVerifySpan(ctx, taskID, names)
	defer func() {
		telemetry.End(span, err,
			attribute.Float64("verification.score", out.OverallScore),
			attribute.String("verification.level", out.QualityLevel),
		)
	}()

	profile := e.cfg.Profiles.Lookup(task.Type)
	out = Outcome{TaskID: taskID, Records: make([]domain.VerificationRecord, 0, len(checks))}
	total := 0.0
	for i, typ := range checks {
		_, checkSpan := e.tracer.StartCheckSpan(ctx, string(typ))
		res := runners[i](task, profile)
		rec := domain.VerificationRecord{
			ID:           uuid.NewString(),
			TaskID:       task.ID,
			AgentID:      task.AgentID,
			Type:         typ,
			Status:       e.cfg.Thresholds.status(res.Score),
			QualityScore: res.Score,
			Issues:       res.Issues,
			CreatedAt:    e.cfg.Now(),
		}
		err := e.store.CreateVerificationRecord(ctx, rec)
		telemetry.End(checkSpan, err, attribute.Float64("verification.score", res.Score))
		if err != nil {
			return out, err
		}
		out.Records = append(out.Records, rec)
		total += res.Score
	}

	out.OverallScore = total / float64(len(checks))
	out.QualityLevel = e.cfg.Thresholds.Level(out.OverallScore)
	out.NeedsReassignment = out.OverallScore < e.cfg.Thresholds.Low

	if err := e.store.SetVerificationOutcome(ctx, task.ID, e.cfg.Thresholds.status(out.OverallScore), out.OverallScore, e.cfg.Now()); err != nil {
		return out, err
	}
	e.logger.Printf("task verified task=%s score=%.1f level=%s", task.ID, out.OverallScore, out.QualityLevel)

	if out.NeedsReassignment {
		_, reassignedTo, err := e.HandleLowQuality(ctx, task, out.OverallScore)
		if err != nil {
			return out, err
		}
		out.ReassignedTaskID = reassignedTo
	}
	return out, nil
}

func (e *Engine) resolve(checks []domain.CheckType) ([]Check, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	runners := make([]Check, len(checks))
	for i, typ := range checks {
		check, ok := e.checks[typ]
		if !ok {
			return nil, fmt.Errorf("unknown check type %q: %w", typ, domain.ErrInvalidArgument)
		}
		runners[i] = check
	}
	return runners, nil
}

// HandleLowQuality records an overall verification result for task. Below the
// low threshold it also spawns a reassignment task and returns its id; the
// record is only linked when this call created it.
func (e *Engine) HandleLowQuality(ctx context.Context, task domain.Task, score float64) (domain.VerificationRecord, string, error) {
	status := domain.VerificationFailed
	switch {
	case score >= e.cfg.Thresholds.Medium:
		status = domain.VerificationPassed
	case score >= e.cfg.Thresholds.Low:
		status = domain.VerificationWarning
	}
	rec := domain.VerificationRecord{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		AgentID:      task.AgentID,
		Type:         domain.CheckOverall,
		Status:       status,
		QualityScore: score,
		Issues: []domain.Issue{{
			Description: fmt.Sprintf("overall quality %.1f (%s)", score, e.cfg.Thresholds.Level(score)),
			Severity:    domain.SeverityHigh,
		}},
		CreatedAt: e.cfg.Now(),
	}
	if err := e.store.CreateVerificationRecord(ctx, rec); err != nil {
		return rec, "", err
	}
	if score >= e.cfg.Thresholds.Low {
		return rec, "", nil
	}
	newTask, linked, err := e.Reassign(ctx, rec.ID)
	if err != nil {
		return rec, "", err
	}
	if linked {
		rec.AutoReassigned = true
		rec.ReassignedToTaskID = newTask.ID
	}
	return rec, newTask.ID, nil
}

// Reassign spawns a sibling of the record's task with priority+1. It is
// idempotent per record, and per original task through the enqueue idempotency
// key. The bool reports whether this call linked the record.
func (e *Engine) Reassign(ctx context.Context, recordID string) (domain.Task, bool, error) {
	rec, err := e.store.GetVerificationRecord(ctx, recordID)
	if err != nil {
		return domain.Task{}, false, err
	}
	if rec.AutoReassigned {
		existing, err := e.store.GetTask(ctx, rec.ReassignedToTaskID)
		return existing, false, err
	}
	orig, err := e.store.GetTask(ctx, rec.TaskID)
	if err != nil {
		return domain.Task{}, false, err
	}

	metadata := make(map[string]string, len(orig.Metadata)+2)
	for k, v := range orig.Metadata {
		metadata[k] = v
	}
	metadata["reassigned_from"] = orig.ID
	metadata["verification_record"] = rec.ID
	metadata["failed_score"] = strconv.FormatFloat(rec.QualityScore, 'f', 1, 64)
	maxRetries := orig.MaxRetries

	newTask, err := e.enqueuer.Enqueue(ctx, queue.TaskSpec{
		Type:               orig.Type,
		Payload:            orig.Payload,
		Priority:           orig.Priority + 1,
		Deadline:           orig.Deadline,
		RequiredCapability: orig.RequiredCapability,
		MaxRetries:         &maxRetries,
		ParentTaskID:       orig.ID,
		IdempotencyKey:     "reassign:" + orig.ID,
		Metadata:           metadata,
	})
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("enqueue reassignment for %s: %w", orig.ID, err)
	}
	if newTask.Metadata["verification_record"] != rec.ID {
		// An earlier record already spawned the sibling; that record owns the link.
		return newTask, false, nil
	}
	linked, err := e.store.MarkRecordReassigned(ctx, rec.ID, newTask.ID)
	if err != nil {
		return newTask, false, err
	}
	if linked {
		e.logger.Printf("task reassigned task=%s new_task=%s score=%.1f", orig.ID, newTask.ID, rec.QualityScore)
		_ = e.store.LogDecision(ctx, domain.DecisionLog{
			TaskID:    orig.ID,
			AgentID:   orig.AgentID,
			Actor:     verifierActor,
			Action:    "task_reassigned",
			Reason:    fmt.Sprintf("quality %.1f below %.1f", rec.QualityScore, e.cfg.Thresholds.Low),
			Payload:   mustJSON(map[string]any{"record_id": rec.ID, "new_task_id": newTask.ID}),
			CreatedAt: e.cfg.Now(),
		})
	}
	return newTask, linked, nil
}

// Records lists the verification trail of a task, oldest first.
func (e *Engine) Records(ctx context.Context, taskID string) ([]domain.VerificationRecord, error) {
	return e.store.ListVerificationRecords(ctx, domain.VerificationFilter{TaskID: taskID})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

package domain

import (
	"encoding/json"
	"sort"
	"time"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusDeadLetter TaskStatus = "dead_letter"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// AllTaskStatuses lists every task status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusAssigned,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusDeadLetter,
	TaskStatusCancelled,
}

// IsActive reports whether a task in this status has (or is waiting for) an owner.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusAssigned || s == TaskStatusRunning
}

type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationWarning VerificationStatus = "warning"
)

type CheckType string

const (
	CheckSchema        CheckType = "schema"
	CheckBusinessRules CheckType = "business_rules"
	CheckDataQuality   CheckType = "data_quality"
	CheckCompleteness  CheckType = "completeness"
	CheckPerformance   CheckType = "performance"
	CheckOverall       CheckType = "overall"
)

type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "low"
	SeverityMedium   IssueSeverity = "medium"
	SeverityHigh     IssueSeverity = "high"
	SeverityCritical IssueSeverity = "critical"
)

type CollaborationMode string

const (
	CollaborationReview     CollaborationMode = "review"
	CollaborationConsensus  CollaborationMode = "consensus"
	CollaborationAssistance CollaborationMode = "assistance"
)

type CollaborationStatus string

const (
	CollaborationActive    CollaborationStatus = "active"
	CollaborationCompleted CollaborationStatus = "completed"
	CollaborationFailed    CollaborationStatus = "failed"
)

// CapabilitySet is a set of capability tags with O(1) membership tests.
// It is encoded as a sorted JSON array.
type CapabilitySet map[string]struct{}

func NewCapabilitySet(tags ...string) CapabilitySet {
	set := make(CapabilitySet, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		set[tag] = struct{}{}
	}
	return set
}

func (c CapabilitySet) Has(tag string) bool {
	_, ok := c[tag]
	return ok
}

func (c CapabilitySet) Slice() []string {
	out := make([]string, 0, len(c))
	for tag := range c {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (c CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Slice())
}

func (c *CapabilitySet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*c = NewCapabilitySet(tags...)
	return nil
}

type Agent struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Kind               string            `json:"kind"`
	Status             AgentStatus       `json:"status"`
	Capabilities       CapabilitySet     `json:"capabilities"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	CurrentTaskCount   int               `json:"current_task_count"`
	LoadScore          float64           `json:"load_score"`
	SuccessRate        float64           `json:"success_rate"`
	TotalCompleted     int               `json:"total_completed"`
	TotalFailed        int               `json:"total_failed"`
	AvgCompletionTime  float64           `json:"avg_completion_time"`
	Active             bool              `json:"active"`
	LastHeartbeat      time.Time         `json:"last_heartbeat"`
	DeregisteredAt     *time.Time        `json:"deregistered_at,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Deregistered reports whether the agent was logically removed from scheduling.
func (a Agent) Deregistered() bool {
	return a.DeregisteredAt != nil
}

// HasCapacity reports whether one more task fits under the admission limit.
func (a Agent) HasCapacity() bool {
	return a.CurrentTaskCount < a.MaxConcurrentTasks
}

type Task struct {
	ID                 string             `json:"id"`
	Type               string             `json:"type"`
	Status             TaskStatus         `json:"status"`
	Priority           int                `json:"priority"`
	Deadline           *time.Time         `json:"deadline,omitempty"`
	DeadlineBoosted    bool               `json:"deadline_boosted"`
	RequiredCapability string             `json:"required_capability,omitempty"`
	Dependencies       []string           `json:"dependencies,omitempty"`
	AgentID            string             `json:"agent_id,omitempty"`
	RetryCount         int                `json:"retry_count"`
	MaxRetries         int                `json:"max_retries"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	QualityScore       *float64           `json:"quality_score,omitempty"`
	Payload            map[string]any     `json:"payload,omitempty"`
	Result             map[string]any     `json:"result,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	ParentTaskID       string             `json:"parent_task_id,omitempty"`
	IdempotencyKey     string             `json:"idempotency_key,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
	AssignedAt         *time.Time         `json:"assigned_at,omitempty"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Duration returns the execution time between start and completion, if both are known.
func (t Task) Duration() (time.Duration, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

// Overdue reports whether the deadline has passed while the task is still active.
func (t Task) Overdue(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline) && t.Status.IsActive()
}

type Issue struct {
	Field       string        `json:"field,omitempty"`
	Description string        `json:"description"`
	Severity    IssueSeverity `json:"severity"`
}

type VerificationRecord struct {
	ID                 string             `json:"id"`
	TaskID             string             `json:"task_id"`
	AgentID            string             `json:"agent_id,omitempty"`
	Type               CheckType          `json:"type"`
	Status             VerificationStatus `json:"status"`
	QualityScore       float64            `json:"quality_score"`
	Issues             []Issue            `json:"issues"`
	AutoReassigned     bool               `json:"auto_reassigned"`
	ReassignedToTaskID string             `json:"reassigned_to_task_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

type Contribution struct {
	AgentID       string    `json:"agent_id"`
	Approve       bool      `json:"approve"`
	Score         float64   `json:"score"`
	Notes         string    `json:"notes,omitempty"`
	ContributedAt time.Time `json:"contributed_at"`
}

type ConsensusResult struct {
	Approvals    int     `json:"approvals"`
	Rejections   int     `json:"rejections"`
	AverageScore float64 `json:"average_score"`
	Reached      bool    `json:"reached"`
}

type AgentCollaboration struct {
	ID             string                  `json:"id"`
	TaskID         string                  `json:"task_id"`
	Mode           CollaborationMode       `json:"mode"`
	PrimaryAgentID string                  `json:"primary_agent_id"`
	Participants   []string                `json:"participants"`
	Contributions  map[string]Contribution `json:"contributions"`
	Consensus      *ConsensusResult        `json:"consensus,omitempty"`
	Status         CollaborationStatus     `json:"status"`
	CreatedAt      time.Time               `json:"created_at"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Assignment is what the dispatch hook delivers to the owning agent.
type Assignment struct {
	TaskID     string         `json:"task_id"`
	TaskType   string         `json:"task_type"`
	AgentID    string         `json:"agent_id"`
	AgentKind  string         `json:"agent_kind"`
	Priority   int            `json:"priority"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attempt    int            `json:"attempt"`
	AssignedAt time.Time      `json:"assigned_at"`
}

func NewAssignment(task Task, agent Agent, now time.Time) Assignment {
	return Assignment{
		TaskID:     task.ID,
		TaskType:   task.Type,
		AgentID:    agent.ID,
		AgentKind:  agent.Kind,
		Priority:   task.Priority,
		Payload:    task.Payload,
		Attempt:    task.RetryCount + 1,
		AssignedAt: now,
	}
}

// TaskFilter narrows task listings. Zero values mean no restriction.
type TaskFilter struct {
	Statuses []TaskStatus
	AgentID  string
	// ReadyOrder sorts by priority (desc) then age, the order the scheduler drains.
	ReadyOrder bool
	Limit      int
}

// VerificationFilter narrows verification record listings. Zero values mean no restriction.
type VerificationFilter struct {
	TaskID  string
	AgentID string
	Types   []CheckType
	Since   time.Time
	Until   time.Time
}

// Priority buckets, applied to active (pending/assigned/running) tasks.
const (
	PriorityUrgent = "urgent" // >= 20
	PriorityHigh   = "high"   // 10..19
	PriorityNormal = "normal" // 0..9
	PriorityLow    = "low"    // < 0
)

// TaskAggregates are system-wide counters over all tasks.
type TaskAggregates struct {
	ByStatus             map[TaskStatus]int
	ByPriorityBucket     map[string]int
	Overdue              int
	AvgWaitSeconds       float64
	AvgProcessingSeconds float64
	TotalTasks           int
}

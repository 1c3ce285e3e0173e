package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"conductor/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	capabilities TEXT NOT NULL DEFAULT '[]',
	max_concurrent_tasks INTEGER NOT NULL DEFAULT 1,
	current_task_count INTEGER NOT NULL DEFAULT 0,
	load_score REAL NOT NULL DEFAULT 0,
	success_rate REAL NOT NULL DEFAULT 100,
	total_completed INTEGER NOT NULL DEFAULT 0,
	total_failed INTEGER NOT NULL DEFAULT 0,
	avg_completion_time REAL NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	last_heartbeat INTEGER NOT NULL,
	deregistered_at INTEGER NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	CHECK (current_task_count >= 0)
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	deadline INTEGER NULL,
	deadline_boosted INTEGER NOT NULL DEFAULT 0,
	required_capability TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '[]',
	agent_id TEXT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	verification_status TEXT NOT NULL DEFAULT 'pending',
	quality_score REAL NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	result TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	parent_task_id TEXT NULL,
	idempotency_key TEXT NULL UNIQUE,
	metadata TEXT NOT NULL DEFAULT '{}',
	assigned_at INTEGER NULL,
	started_at INTEGER NULL,
	completed_at INTEGER NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE IF NOT EXISTS verification_records (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	quality_score REAL NOT NULL,
	issues TEXT NOT NULL DEFAULT '[]',
	auto_reassigned INTEGER NOT NULL DEFAULT 0,
	reassigned_to_task_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_verification_task ON verification_records(task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_verification_agent ON verification_records(agent_id, created_at);

CREATE TABLE IF NOT EXISTS collaborations (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	primary_agent_id TEXT NOT NULL,
	participants TEXT NOT NULL DEFAULT '[]',
	contributions TEXT NOT NULL DEFAULT '{}',
	consensus TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_collaborations_task ON collaborations(task_id);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_task ON decision_log(task_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and every
	// read-modify-write below runs inside a single transaction on it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---------------------------------------------------------------------------
// agents

const agentColumns = `id, name, kind, status, capabilities, max_concurrent_tasks, current_task_count,
	load_score, success_rate, total_completed, total_failed, avg_completion_time, active,
	last_heartbeat, deregistered_at, metadata, created_at, updated_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var status, caps, metadata string
	var active int
	var heartbeat, created, updated int64
	var deregistered sql.NullInt64
	if err := row.Scan(
		&a.ID, &a.Name, &a.Kind, &status, &caps, &a.MaxConcurrentTasks, &a.CurrentTaskCount,
		&a.LoadScore, &a.SuccessRate, &a.TotalCompleted, &a.TotalFailed, &a.AvgCompletionTime, &active,
		&heartbeat, &deregistered, &metadata, &created, &updated,
	); err != nil {
		return domain.Agent{}, err
	}
	a.Status = domain.AgentStatus(status)
	a.Capabilities = domain.NewCapabilitySet()
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return domain.Agent{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
		return domain.Agent{}, fmt.Errorf("decode agent metadata: %w", err)
	}
	a.Active = active == 1
	a.LastHeartbeat = msToTime(heartbeat)
	a.DeregisteredAt = nullMsToTimePtr(deregistered)
	a.CreatedAt = msToTime(created)
	a.UpdatedAt = msToTime(updated)
	return a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a domain.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	metadata := mustJSONObject(a.Metadata)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO agents(`+agentColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Kind, string(a.Status), string(caps), a.MaxConcurrentTasks, a.CurrentTaskCount,
		a.LoadScore, a.SuccessRate, a.TotalCompleted, a.TotalFailed, a.AvgCompletionTime, boolInt(a.Active),
		a.LastHeartbeat.UnixMilli(), nullableMs(a.DeregisteredAt), metadata, a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err, "agents.id") {
			return fmt.Errorf("agent id %s already exists: %w", a.ID, domain.ErrValidation)
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Agent{}, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns agents in registration order.
func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

// TouchHeartbeat refreshes last_heartbeat. An active, registered agent that was
// offline or in error comes back as idle (or busy when it still holds work).
func (s *Store) TouchHeartbeat(ctx context.Context, agentID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agents
		SET last_heartbeat = ?,
			status = CASE
				WHEN active = 1 AND deregistered_at IS NULL AND status IN (?, ?)
				THEN CASE WHEN current_task_count > 0 THEN ? ELSE ? END
				ELSE status
			END,
			updated_at = ?
		WHERE id = ?`,
		now.UnixMilli(),
		string(domain.AgentStatusOffline), string(domain.AgentStatusError),
		string(domain.AgentStatusBusy), string(domain.AgentStatusIdle),
		now.UnixMilli(), agentID,
	)
	if err != nil {
		return false, fmt.Errorf("touch heartbeat: %w", err)
	}
	return affected(res)
}

// IncrementAgentTasks admits one more task. It returns false when the agent is
// already at max_concurrent_tasks.
func (s *Store) IncrementAgentTasks(ctx context.Context, agentID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, incrementAgentSQL, string(domain.AgentStatusBusy), now.UnixMilli(), agentID)
	if err != nil {
		return false, fmt.Errorf("increment agent tasks: %w", err)
	}
	return affected(res)
}

const incrementAgentSQL = `UPDATE agents
	SET current_task_count = current_task_count + 1,
		load_score = (current_task_count + 1) * 100.0 / max_concurrent_tasks,
		status = ?,
		updated_at = ?
	WHERE id = ? AND current_task_count < max_concurrent_tasks`

const releaseAgentSQL = `UPDATE agents
	SET current_task_count = MAX(current_task_count - 1, 0),
		load_score = MAX(current_task_count - 1, 0) * 100.0 / max_concurrent_tasks,
		status = CASE WHEN status = ? AND current_task_count <= 1 THEN ? ELSE status END,
		updated_at = ?
	WHERE id = ?`

// FinishAgentTask releases one task slot and folds the outcome into the running
// totals in a single statement. The average completion time only moves on success:
// new_avg = (old_avg*(n-1) + duration) / n, n being the new completed total.
func (s *Store) FinishAgentTask(ctx context.Context, agentID string, succeeded bool, durationSeconds float64, now time.Time) (bool, error) {
	ok, fail := 0, 1
	if succeeded {
		ok, fail = 1, 0
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agents
		SET current_task_count = MAX(current_task_count - 1, 0),
			load_score = MAX(current_task_count - 1, 0) * 100.0 / max_concurrent_tasks,
			avg_completion_time = CASE
				WHEN ? = 1 THEN (avg_completion_time * total_completed + ?) / (total_completed + 1)
				ELSE avg_completion_time
			END,
			total_completed = total_completed + ?,
			total_failed = total_failed + ?,
			success_rate = (total_completed + ?) * 100.0 / (total_completed + total_failed + 1),
			status = CASE WHEN status = ? AND current_task_count <= 1 THEN ? ELSE status END,
			updated_at = ?
		WHERE id = ?`,
		ok, durationSeconds, ok, fail, ok,
		string(domain.AgentStatusBusy), string(domain.AgentStatusIdle),
		now.UnixMilli(), agentID,
	)
	if err != nil {
		return false, fmt.Errorf("finish agent task: %w", err)
	}
	return affected(res)
}

func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now.UnixMilli(), agentID,
	)
	if err != nil {
		return false, fmt.Errorf("set agent status: %w", err)
	}
	return affected(res)
}

// SetAgentActive toggles scheduling eligibility. Activation also counts as a heartbeat.
func (s *Store) SetAgentActive(ctx context.Context, agentID string, active bool, now time.Time) (bool, error) {
	var res sql.Result
	var err error
	if active {
		res, err = s.db.ExecContext(
			ctx,
			`UPDATE agents
			SET active = 1,
				status = CASE WHEN current_task_count > 0 THEN ? ELSE ? END,
				last_heartbeat = ?, updated_at = ?
			WHERE id = ? AND deregistered_at IS NULL`,
			string(domain.AgentStatusBusy), string(domain.AgentStatusIdle),
			now.UnixMilli(), now.UnixMilli(), agentID,
		)
	} else {
		res, err = s.db.ExecContext(
			ctx,
			`UPDATE agents SET active = 0, status = ?, updated_at = ? WHERE id = ?`,
			string(domain.AgentStatusOffline), now.UnixMilli(), agentID,
		)
	}
	if err != nil {
		return false, fmt.Errorf("set agent active: %w", err)
	}
	return affected(res)
}

func (s *Store) DeregisterAgent(ctx context.Context, agentID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agents
		SET active = 0, status = ?, deregistered_at = ?, updated_at = ?
		WHERE id = ? AND deregistered_at IS NULL`,
		string(domain.AgentStatusOffline), now.UnixMilli(), now.UnixMilli(), agentID,
	)
	if err != nil {
		return false, fmt.Errorf("deregister agent: %w", err)
	}
	return affected(res)
}

// MarkStaleAgentsOffline flips every non-offline agent whose last heartbeat is
// older than cutoff to offline and returns their ids.
func (s *Store) MarkStaleAgentsOffline(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx mark stale agents: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id FROM agents WHERE status != ? AND last_heartbeat < ?`,
		string(domain.AgentStatusOffline), cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale agents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale agent: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale agents: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND last_heartbeat < ?`,
			string(domain.AgentStatusOffline), now.UnixMilli(), id, cutoff.UnixMilli(),
		); err != nil {
			return nil, fmt.Errorf("mark agent %s offline: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark stale agents: %w", err)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// tasks

const taskColumns = `id, type, status, priority, deadline, deadline_boosted, required_capability,
	dependencies, agent_id, retry_count, max_retries, verification_status, quality_score, payload,
	result, error_message, parent_task_id, idempotency_key, metadata, assigned_at, started_at,
	completed_at, created_at, updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status, verification, deps, payload, result, metadata string
	var deadline, assigned, started, completed sql.NullInt64
	var agentID, parentID, idemKey sql.NullString
	var quality sql.NullFloat64
	var boosted int
	var created, updated int64
	if err := row.Scan(
		&t.ID, &t.Type, &status, &t.Priority, &deadline, &boosted, &t.RequiredCapability,
		&deps, &agentID, &t.RetryCount, &t.MaxRetries, &verification, &quality, &payload,
		&result, &t.ErrorMessage, &parentID, &idemKey, &metadata, &assigned, &started,
		&completed, &created, &updated,
	); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.VerificationStatus = domain.VerificationStatus(verification)
	t.Deadline = nullMsToTimePtr(deadline)
	t.DeadlineBoosted = boosted == 1
	t.AgentID = agentID.String
	t.ParentTaskID = parentID.String
	t.IdempotencyKey = idemKey.String
	if quality.Valid {
		q := quality.Float64
		t.QualityScore = &q
	}
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return domain.Task{}, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(result), &t.Result); err != nil {
		return domain.Task{}, fmt.Errorf("decode result: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
		return domain.Task{}, fmt.Errorf("decode task metadata: %w", err)
	}
	t.AssignedAt = nullMsToTimePtr(assigned)
	t.StartedAt = nullMsToTimePtr(started)
	t.CompletedAt = nullMsToTimePtr(completed)
	t.CreatedAt = msToTime(created)
	t.UpdatedAt = msToTime(updated)
	return t, nil
}

// CreateTask inserts a task. When the task carries an idempotency key that is
// already taken, the existing task is returned with created=false.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("begin tx create task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if t.IdempotencyKey != "" {
		existing, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = ?`, t.IdempotencyKey))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	deps, err := json.Marshal(nonNilStrings(t.Dependencies))
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("marshal dependencies: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO tasks(`+taskColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, string(t.Status), t.Priority, nullableMs(t.Deadline), boolInt(t.DeadlineBoosted), t.RequiredCapability,
		string(deps), nullableString(t.AgentID), t.RetryCount, t.MaxRetries, string(t.VerificationStatus), nullableFloat(t.QualityScore),
		mustJSONObject(t.Payload), mustJSONObject(t.Result), t.ErrorMessage, nullableString(t.ParentTaskID),
		nullableString(t.IdempotencyKey), mustJSONObject(t.Metadata), nullableMs(t.AssignedAt), nullableMs(t.StartedAt),
		nullableMs(t.CompletedAt), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err, "tasks.id") {
			return domain.Task{}, false, fmt.Errorf("task id %s already exists: %w", t.ID, domain.ErrValidation)
		}
		return domain.Task{}, false, fmt.Errorf("create task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, fmt.Errorf("commit create task: %w", err)
	}
	return t, true, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTasks returns the tasks that exist among ids, keyed by id.
func (s *Store) GetTasks(ctx context.Context, ids []string) (map[string]domain.Task, error) {
	result := make(map[string]domain.Task, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		result[t.ID] = t
	}
	return result, nil
}

func (s *Store) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.ReadyOrder {
		query += " ORDER BY priority DESC, created_at ASC, rowid ASC"
	} else {
		query += " ORDER BY created_at ASC, rowid ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

// AssignTask moves a pending, unowned task to assigned for agentID and admits it
// on the agent in one transaction. It returns false when another caller won the
// task, and ErrCapacityExceeded when the agent filled up in the meantime; in both
// cases nothing is written.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx assign task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE tasks
		SET status = ?, agent_id = ?, assigned_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND agent_id IS NULL`,
		string(domain.TaskStatusAssigned), agentID, now.UnixMilli(), now.UnixMilli(),
		taskID, string(domain.TaskStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if ok, err := affected(res); err != nil || !ok {
		return false, err
	}

	res, err = tx.ExecContext(ctx, incrementAgentSQL, string(domain.AgentStatusBusy), now.UnixMilli(), agentID)
	if err != nil {
		return false, fmt.Errorf("admit task on agent: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return false, err
	} else if !ok {
		return false, fmt.Errorf("agent %s: %w", agentID, domain.ErrCapacityExceeded)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit assign task: %w", err)
	}
	return true, nil
}

func (s *Store) MarkTaskRunning(ctx context.Context, taskID, agentID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND agent_id = ? AND status = ?`,
		string(domain.TaskStatusRunning), now.UnixMilli(), now.UnixMilli(),
		taskID, agentID, string(domain.TaskStatusAssigned),
	)
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	return affected(res)
}

func (s *Store) CompleteTask(ctx context.Context, taskID, agentID string, result map[string]any, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks
		SET status = ?, result = ?, error_message = '', verification_status = ?, quality_score = NULL,
			started_at = COALESCE(started_at, ?), completed_at = ?, updated_at = ?
		WHERE id = ? AND agent_id = ? AND status IN (?, ?)`,
		string(domain.TaskStatusCompleted), mustJSONObject(result), string(domain.VerificationPending),
		now.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
		taskID, agentID, string(domain.TaskStatusAssigned), string(domain.TaskStatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	return affected(res)
}

// FailTask records the failure but keeps the owner so the attempt stays attributable.
func (s *Store) FailTask(ctx context.Context, taskID, agentID, reason string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks
		SET status = ?, error_message = ?, started_at = COALESCE(started_at, ?), completed_at = ?, updated_at = ?
		WHERE id = ? AND agent_id = ? AND status IN (?, ?)`,
		string(domain.TaskStatusFailed), reason, now.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
		taskID, agentID, string(domain.TaskStatusAssigned), string(domain.TaskStatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("fail task: %w", err)
	}
	return affected(res)
}

// RetryTask returns a failed task with budget left to pending.
func (s *Store) RetryTask(ctx context.Context, taskID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks
		SET status = ?, retry_count = retry_count + 1, agent_id = NULL, error_message = '',
			assigned_at = NULL, started_at = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count < max_retries`,
		string(domain.TaskStatusPending), now.UnixMilli(), taskID, string(domain.TaskStatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("retry task: %w", err)
	}
	return affected(res)
}

// DeadLetterTask parks a failed task whose retry budget is spent. error_message is kept.
func (s *Store) DeadLetterTask(ctx context.Context, taskID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count >= max_retries`,
		string(domain.TaskStatusDeadLetter), now.UnixMilli(), taskID, string(domain.TaskStatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("dead-letter task: %w", err)
	}
	return affected(res)
}

func (s *Store) RequeueDeadLetter(ctx context.Context, taskID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks
		SET status = ?, retry_count = 0, agent_id = NULL, error_message = '',
			assigned_at = NULL, started_at = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.TaskStatusPending), now.UnixMilli(), taskID, string(domain.TaskStatusDeadLetter),
	)
	if err != nil {
		return false, fmt.Errorf("requeue dead-letter task: %w", err)
	}
	return affected(res)
}

func (s *Store) UpdateTaskPriority(ctx context.Context, taskID string, priority int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET priority = ?, updated_at = ? WHERE id = ? AND status = ?`,
		priority, now.UnixMilli(), taskID, string(domain.TaskStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("update task priority: %w", err)
	}
	return affected(res)
}

// BoostOverdueTask raises the priority of an overdue pending/assigned task once.
func (s *Store) BoostOverdueTask(ctx context.Context, taskID string, boost int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET priority = priority + ?, deadline_boosted = 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND deadline IS NOT NULL AND deadline < ? AND deadline_boosted = 0`,
		boost, now.UnixMilli(), taskID,
		string(domain.TaskStatusPending), string(domain.TaskStatusAssigned), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("boost overdue task: %w", err)
	}
	return affected(res)
}

// ListOverdueTasks returns pending/assigned tasks past their deadline that were not boosted yet.
func (s *Store) ListOverdueTasks(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return s.queryTasks(
		ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND deadline IS NOT NULL AND deadline < ? AND deadline_boosted = 0
		ORDER BY deadline ASC`,
		string(domain.TaskStatusPending), string(domain.TaskStatusAssigned), now.UnixMilli(),
	)
}

// CancelTask moves an active task to cancelled. If an agent held it, its slot is
// released in the same transaction. The previous owner (if any) is returned.
func (s *Store) CancelTask(ctx context.Context, taskID string, now time.Time) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin tx cancel task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status string
	var agentID sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT status, agent_id FROM tasks WHERE id = ?`, taskID).Scan(&status, &agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		return false, "", fmt.Errorf("read task for cancel: %w", err)
	}
	if !domain.TaskStatus(status).IsActive() {
		return false, "", nil
	}
	res, err := tx.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.TaskStatusCancelled), now.UnixMilli(), now.UnixMilli(), taskID, status,
	)
	if err != nil {
		return false, "", fmt.Errorf("cancel task: %w", err)
	}
	if ok, err := affected(res); err != nil || !ok {
		return false, "", err
	}
	owner := ""
	if agentID.Valid && domain.TaskStatus(status) != domain.TaskStatusPending {
		owner = agentID.String
		if _, err := tx.ExecContext(ctx, releaseAgentSQL,
			string(domain.AgentStatusBusy), string(domain.AgentStatusIdle), now.UnixMilli(), owner,
		); err != nil {
			return false, "", fmt.Errorf("release agent slot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("commit cancel task: %w", err)
	}
	return true, owner, nil
}

func (s *Store) SetVerificationOutcome(ctx context.Context, taskID string, status domain.VerificationStatus, score float64, now time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET verification_status = ?, quality_score = ?, updated_at = ? WHERE id = ?`,
		string(status), score, now.UnixMilli(), taskID,
	)
	if err != nil {
		return fmt.Errorf("set verification outcome: %w", err)
	}
	return nil
}

func (s *Store) TaskAggregates(ctx context.Context, now time.Time) (domain.TaskAggregates, error) {
	agg := domain.TaskAggregates{
		ByStatus:         make(map[domain.TaskStatus]int),
		ByPriorityBucket: map[string]int{domain.PriorityUrgent: 0, domain.PriorityHigh: 0, domain.PriorityNormal: 0, domain.PriorityLow: 0},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return agg, fmt.Errorf("count tasks by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return agg, fmt.Errorf("scan status count: %w", err)
		}
		agg.ByStatus[domain.TaskStatus(status)] = n
		agg.TotalTasks += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return agg, fmt.Errorf("iterate status counts: %w", err)
	}

	active := []any{string(domain.TaskStatusPending), string(domain.TaskStatusAssigned), string(domain.TaskStatusRunning)}
	rows, err = s.db.QueryContext(
		ctx,
		`SELECT CASE
			WHEN priority >= 20 THEN 'urgent'
			WHEN priority >= 10 THEN 'high'
			WHEN priority >= 0 THEN 'normal'
			ELSE 'low'
		END AS bucket, COUNT(*)
		FROM tasks WHERE status IN (?, ?, ?) GROUP BY bucket`,
		active...,
	)
	if err != nil {
		return agg, fmt.Errorf("count tasks by priority: %w", err)
	}
	for rows.Next() {
		var bucket string
		var n int
		if err := rows.Scan(&bucket, &n); err != nil {
			rows.Close()
			return agg, fmt.Errorf("scan priority count: %w", err)
		}
		agg.ByPriorityBucket[bucket] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return agg, fmt.Errorf("iterate priority counts: %w", err)
	}

	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM tasks WHERE deadline IS NOT NULL AND deadline < ? AND status IN (?, ?, ?)`,
		append([]any{now.UnixMilli()}, active...)...,
	).Scan(&agg.Overdue); err != nil {
		return agg, fmt.Errorf("count overdue tasks: %w", err)
	}

	var avgWait, avgProcessing sql.NullFloat64
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT AVG((? - created_at) / 1000.0) FROM tasks WHERE status = ?`,
		now.UnixMilli(), string(domain.TaskStatusPending),
	).Scan(&avgWait); err != nil {
		return agg, fmt.Errorf("average wait time: %w", err)
	}
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT AVG((completed_at - started_at) / 1000.0) FROM tasks
		WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		string(domain.TaskStatusCompleted),
	).Scan(&avgProcessing); err != nil {
		return agg, fmt.Errorf("average processing time: %w", err)
	}
	agg.AvgWaitSeconds = avgWait.Float64
	agg.AvgProcessingSeconds = avgProcessing.Float64
	return agg, nil
}

// ---------------------------------------------------------------------------
// verification records

const verificationColumns = `id, task_id, agent_id, type, status, quality_score, issues,
	auto_reassigned, reassigned_to_task_id, created_at`

func scanVerification(row rowScanner) (domain.VerificationRecord, error) {
	var r domain.VerificationRecord
	var typ, status, issues string
	var reassigned int
	var created int64
	if err := row.Scan(
		&r.ID, &r.TaskID, &r.AgentID, &typ, &status, &r.QualityScore, &issues,
		&reassigned, &r.ReassignedToTaskID, &created,
	); err != nil {
		return domain.VerificationRecord{}, err
	}
	r.Type = domain.CheckType(typ)
	r.Status = domain.VerificationStatus(status)
	if err := json.Unmarshal([]byte(issues), &r.Issues); err != nil {
		return domain.VerificationRecord{}, fmt.Errorf("decode issues: %w", err)
	}
	r.AutoReassigned = reassigned == 1
	r.CreatedAt = msToTime(created)
	return r, nil
}

func (s *Store) CreateVerificationRecord(ctx context.Context, r domain.VerificationRecord) error {
	issues, err := json.Marshal(nonNilIssues(r.Issues))
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO verification_records(`+verificationColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.AgentID, string(r.Type), string(r.Status), r.QualityScore, string(issues),
		boolInt(r.AutoReassigned), r.ReassignedToTaskID, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create verification record: %w", err)
	}
	return nil
}

func (s *Store) GetVerificationRecord(ctx context.Context, id string) (domain.VerificationRecord, error) {
	r, err := scanVerification(s.db.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verification_records WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VerificationRecord{}, fmt.Errorf("verification record %s: %w", id, domain.ErrNotFound)
		}
		return domain.VerificationRecord{}, fmt.Errorf("get verification record: %w", err)
	}
	return r, nil
}

func (s *Store) ListVerificationRecords(ctx context.Context, f domain.VerificationFilter) ([]domain.VerificationRecord, error) {
	var where []string
	var args []any
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if len(f.Types) > 0 {
		where = append(where, "type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",")+")")
		for _, typ := range f.Types {
			args = append(args, string(typ))
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UnixMilli())
	}
	query := `SELECT ` + verificationColumns + ` FROM verification_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verification records: %w", err)
	}
	defer rows.Close()

	result := make([]domain.VerificationRecord, 0)
	for rows.Next() {
		r, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verification record: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification records: %w", err)
	}
	return result, nil
}

// MarkRecordReassigned links a record to the reassignment task it spawned. It only
// succeeds once per record.
func (s *Store) MarkRecordReassigned(ctx context.Context, recordID, newTaskID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE verification_records SET auto_reassigned = 1, reassigned_to_task_id = ?
		WHERE id = ? AND auto_reassigned = 0`,
		newTaskID, recordID,
	)
	if err != nil {
		return false, fmt.Errorf("mark record reassigned: %w", err)
	}
	return affected(res)
}

// ---------------------------------------------------------------------------
// collaborations

const collaborationColumns = `id, task_id, mode, primary_agent_id, participants, contributions,
	consensus, status, created_at, completed_at`

func scanCollaboration(row rowScanner) (domain.AgentCollaboration, error) {
	var c domain.AgentCollaboration
	var mode, participants, contributions, consensus, status string
	var created int64
	var completed sql.NullInt64
	if err := row.Scan(
		&c.ID, &c.TaskID, &mode, &c.PrimaryAgentID, &participants, &contributions,
		&consensus, &status, &created, &completed,
	); err != nil {
		return domain.AgentCollaboration{}, err
	}
	c.Mode = domain.CollaborationMode(mode)
	c.Status = domain.CollaborationStatus(status)
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return domain.AgentCollaboration{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal([]byte(contributions), &c.Contributions); err != nil {
		return domain.AgentCollaboration{}, fmt.Errorf("decode contributions: %w", err)
	}
	if c.Contributions == nil {
		c.Contributions = make(map[string]domain.Contribution)
	}
	if consensus != "" {
		var result domain.ConsensusResult
		if err := json.Unmarshal([]byte(consensus), &result); err != nil {
			return domain.AgentCollaboration{}, fmt.Errorf("decode consensus: %w", err)
		}
		c.Consensus = &result
	}
	c.CreatedAt = msToTime(created)
	c.CompletedAt = nullMsToTimePtr(completed)
	return c, nil
}

func (s *Store) CreateCollaboration(ctx context.Context, c domain.AgentCollaboration) error {
	participants, err := json.Marshal(nonNilStrings(c.Participants))
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO collaborations(`+collaborationColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, string(c.Mode), c.PrimaryAgentID, string(participants), mustJSONObject(c.Contributions),
		consensusJSON(c.Consensus), string(c.Status), c.CreatedAt.UnixMilli(), nullableMs(c.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create collaboration: %w", err)
	}
	return nil
}

func (s *Store) GetCollaboration(ctx context.Context, id string) (domain.AgentCollaboration, error) {
	c, err := scanCollaboration(s.db.QueryRowContext(ctx, `SELECT `+collaborationColumns+` FROM collaborations WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentCollaboration{}, fmt.Errorf("collaboration %s: %w", id, domain.ErrNotFound)
		}
		return domain.AgentCollaboration{}, fmt.Errorf("get collaboration: %w", err)
	}
	return c, nil
}

func (s *Store) ListCollaborations(ctx context.Context, taskID string) ([]domain.AgentCollaboration, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+collaborationColumns+` FROM collaborations WHERE task_id = ? ORDER BY created_at ASC, rowid ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list collaborations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AgentCollaboration, 0)
	for rows.Next() {
		c, err := scanCollaboration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collaboration: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborations: %w", err)
	}
	return result, nil
}

// UpdateCollaboration loads a collaboration, lets mutate change it and writes it
// back inside one transaction.
func (s *Store) UpdateCollaboration(ctx context.Context, id string, mutate func(*domain.AgentCollaboration) error) (domain.AgentCollaboration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentCollaboration{}, fmt.Errorf("begin tx update collaboration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	c, err := scanCollaboration(tx.QueryRowContext(ctx, `SELECT `+collaborationColumns+` FROM collaborations WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentCollaboration{}, fmt.Errorf("collaboration %s: %w", id, domain.ErrNotFound)
		}
		return domain.AgentCollaboration{}, fmt.Errorf("read collaboration: %w", err)
	}
	if err := mutate(&c); err != nil {
		return domain.AgentCollaboration{}, err
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE collaborations SET contributions = ?, consensus = ?, status = ?, completed_at = ? WHERE id = ?`,
		mustJSONObject(c.Contributions), consensusJSON(c.Consensus), string(c.Status), nullableMs(c.CompletedAt), id,
	); err != nil {
		return domain.AgentCollaboration{}, fmt.Errorf("write collaboration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentCollaboration{}, fmt.Errorf("commit update collaboration: %w", err)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// decision log

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(task_id, agent_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.AgentID, entry.Actor, entry.Action, entry.Reason, payload, created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListTaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, agent_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.AgentID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = msToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// helpers

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// isUniqueViolation matches sqlite's "UNIQUE constraint failed: <table.column>".
func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}

func msToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMsToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullableMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func mustJSONObject(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "{}"
	}
	return string(data)
}

func consensusJSON(c *domain.ConsensusResult) string {
	if c == nil {
		return ""
	}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilIssues(v []domain.Issue) []domain.Issue {
	if v == nil {
		return []domain.Issue{}
	}
	return v
}

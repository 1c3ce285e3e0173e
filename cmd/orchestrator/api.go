package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"conductor/internal/collab"
	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/orchestrator"
	"conductor/internal/queue"
	"conductor/internal/registry"
)

type app struct {
	cfg config.Config
	svc *orchestrator.Service
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/agents/", a.handleAgentByID)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/collaborations/", a.handleCollaboration)
	mux.HandleFunc("/monitor", a.handleMonitor)
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/queue/stats", a.handleQueueStats)
	mux.HandleFunc("/quality", a.handleQuality)
	mux.HandleFunc("/quality/trend/", a.handleQualityTrend)
	mux.HandleFunc("/strategy", a.handleStrategy)
	mux.HandleFunc("/maintenance", a.handleMaintenance)
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

// ---------------------------------------------------------------------------
// agents

func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := a.svc.ListAgents(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var req registry.RegisterInput
		if !decodeBody(w, r, &req) {
			return
		}
		agent, err := a.svc.RegisterAgent(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/agents/"), "/")
	agentID := parts[0]
	if agentID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		agent, err := a.svc.GetAgent(r.Context(), agentID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	action := parts[1]
	var err error
	switch action {
	case "heartbeat":
		err = a.svc.Heartbeat(ctx, agentID)
	case "activate":
		err = a.svc.ActivateAgent(ctx, agentID)
	case "deactivate":
		err = a.svc.DeactivateAgent(ctx, agentID)
	case "deregister":
		err = a.svc.DeregisterAgent(ctx, agentID)
	case "fail":
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		report, err := a.svc.HandleAgentFailure(ctx, agentID, req.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": action, "agent_id": agentID})
}

// ---------------------------------------------------------------------------
// tasks

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := domain.TaskFilter{
			AgentID:    strings.TrimSpace(r.URL.Query().Get("agent_id")),
			Limit:      queryInt(r, "limit", 500),
			ReadyOrder: r.URL.Query().Get("order") == "ready",
		}
		for _, s := range strings.Split(r.URL.Query().Get("status"), ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Statuses = append(filter.Statuses, domain.TaskStatus(s))
			}
		}
		tasks, err := a.svc.ListTasks(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var spec queue.TaskSpec
		if !decodeBody(w, r, &spec) {
			return
		}
		task, err := a.svc.Enqueue(r.Context(), spec)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}
	if taskID == "batch" && len(parts) == 1 {
		a.handleTaskBatch(w, r)
		return
	}

	ctx := r.Context()
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := a.svc.GetTask(ctx, taskID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	action := parts[1]
	switch action {
	case "chain", "verifications", "decisions", "collaborations":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var (
			out any
			err error
		)
		switch action {
		case "chain":
			out, err = a.svc.TaskChain(ctx, taskID)
		case "verifications":
			out, err = a.svc.VerificationRecords(ctx, taskID)
		case "decisions":
			out, err = a.svc.TaskDecisions(ctx, taskID, queryInt(r, "limit", 300))
		case "collaborations":
			out, err = a.svc.Collaborations(ctx, taskID)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "start":
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := a.svc.TaskStarted(ctx, taskID, req.AgentID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "running", "task_id": taskID})
	case "complete":
		var req struct {
			AgentID string         `json:"agent_id"`
			Output  map[string]any `json:"output"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		done, err := a.svc.TaskCompleted(ctx, taskID, req.AgentID, req.Output)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, done)
	case "fail":
		var req struct {
			AgentID string `json:"agent_id"`
			Reason  string `json:"reason"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		out, err := a.svc.TaskFailed(ctx, taskID, req.AgentID, req.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case "cancel", "retry", "requeue":
		var (
			ok  bool
			err error
		)
		switch action {
		case "cancel":
			ok, err = a.svc.CancelTask(ctx, taskID)
		case "retry":
			ok, err = a.svc.RetryTask(ctx, taskID)
		case "requeue":
			ok, err = a.svc.RequeueDeadLetter(ctx, taskID)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeTransition(w, taskID, action, ok)
	case "priority":
		var req struct {
			Priority *int `json:"priority"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Priority == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("priority is required"))
			return
		}
		ok, err := a.svc.Reprioritize(ctx, taskID, *req.Priority)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeTransition(w, taskID, action, ok)
	case "verify":
		var req struct {
			Checks []string `json:"checks"`
		}
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		outcome, err := a.svc.Verify(ctx, taskID, req.Checks)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	case "collaborate":
		var req collab.RequestInput
		if !decodeBody(w, r, &req) {
			return
		}
		req.TaskID = taskID
		c, err := a.svc.RequestCollaboration(ctx, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *app) handleTaskBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var specs []queue.TaskSpec
	if !decodeBody(w, r, &specs) {
		return
	}
	if len(specs) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("batch is empty"))
		return
	}
	tasks, err := a.svc.EnqueueBatch(r.Context(), specs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tasks)
}

func (a *app) handleCollaboration(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/collaborations/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "contribute" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown path: %s", r.URL.Path))
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req collab.ContributionInput
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := a.svc.Contribute(r.Context(), parts[0], req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ---------------------------------------------------------------------------
// observability

func (a *app) handleMonitor(w http.ResponseWriter, r *http.Request) {
	snap, err := a.svc.Monitor(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *app) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.PerformanceMetrics(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *app) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.QueueStatistics(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *app) handleQuality(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(queryInt(r, "window_hours", 24)) * time.Hour
	report, err := a.svc.QualityReport(r.Context(), strings.TrimSpace(r.URL.Query().Get("agent_id")), window)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *app) handleQualityTrend(w http.ResponseWriter, r *http.Request) {
	agentID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/quality/trend/"), "/")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent id is required"))
		return
	}
	trend, err := a.svc.AgentQualityTrend(r.Context(), agentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

func (a *app) handleStrategy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost, http.MethodPut:
		var req struct {
			Strategy string `json:"strategy"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := a.svc.SetStrategy(req.Strategy); err != nil {
			writeServiceError(w, err)
			return
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategy": a.svc.Strategy()})
}

func (a *app) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := a.svc.RunMaintenance(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ---------------------------------------------------------------------------
// helpers

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusConflict
	case orchestrator.IsSQLiteBusy(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

// writeTransition reports a boolean state change. A refused transition is not
// an error; the caller sees changed=false.
func writeTransition(w http.ResponseWriter, taskID, action string, changed bool) {
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "action": action, "changed": changed})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

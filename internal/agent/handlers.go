package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"conductor/internal/domain"
)

// HandlerFunc executes one assignment and returns the task output.
type HandlerFunc func(ctx context.Context, a domain.Assignment) (map[string]any, error)

// AnyKind registers a handler for every agent kind.
const AnyKind = "*"

type handlerKey struct {
	kind     string
	taskType string
}

// Handlers maps (agent kind, task type) to the code that runs it.
type Handlers struct {
	mu    sync.RWMutex
	byKey map[handlerKey]HandlerFunc
}

func NewHandlers() *Handlers {
	return &Handlers{byKey: make(map[handlerKey]HandlerFunc)}
}

func (h *Handlers) Register(kind, taskType string, fn HandlerFunc) error {
	kind = strings.TrimSpace(kind)
	taskType = strings.TrimSpace(taskType)
	if kind == "" || taskType == "" || fn == nil {
		return fmt.Errorf("handler needs kind, task type and func: %w", domain.ErrInvalidArgument)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byKey[handlerKey{kind: kind, taskType: taskType}] = fn
	return nil
}

// Lookup prefers a handler registered for the exact kind over an AnyKind one.
func (h *Handlers) Lookup(kind, taskType string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if fn, ok := h.byKey[handlerKey{kind: kind, taskType: taskType}]; ok {
		return fn, true
	}
	fn, ok := h.byKey[handlerKey{kind: AnyKind, taskType: taskType}]
	return fn, ok
}

// TaskTypes lists the task types a worker of kind can run, sorted.
func (h *Handlers) TaskTypes(kind string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	for key := range h.byKey {
		if key.kind == kind || key.kind == AnyKind {
			seen[key.taskType] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CommandHandler runs an external program per assignment. The assignment is
// written to stdin as JSON and stdout must hold one JSON object, optionally
// wrapped in a markdown fence.
func CommandHandler(binary, workdir string, args ...string) HandlerFunc {
	return func(ctx context.Context, a domain.Assignment) (map[string]any, error) {
		input, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode assignment: %w", err)
		}
		cmd := exec.CommandContext(ctx, binary, args...)
		if workdir != "" {
			cmd.Dir = workdir
		}
		cmd.Stdin = bytes.NewReader(input)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%s failed: %w; stderr: %s", binary, err, trim(strings.TrimSpace(stderr.String()), 400))
		}
		out, err := parseOutput(stdout.Bytes())
		if err != nil {
			return nil, fmt.Errorf("parse %s output: %w", binary, err)
		}
		return out, nil
	}
}

func parseOutput(raw []byte) (map[string]any, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("output is not a JSON object")
	}
	return out, nil
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

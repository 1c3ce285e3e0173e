package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/internal/domain"
)

// DemoKind is the agent kind the demo handlers are registered for.
const DemoKind = "demo"

// RegisterDemo installs the handlers used by `serve --demo-workers`:
//
//	echo  returns the payload
//	sum   adds payload["values"]
//	sleep waits payload["ms"] milliseconds
//	fail  always fails with payload["reason"]
func RegisterDemo(h *Handlers) error {
	return errors.Join(
		h.Register(DemoKind, "echo", echo),
		h.Register(DemoKind, "sum", sum),
		h.Register(DemoKind, "sleep", sleep),
		h.Register(DemoKind, "fail", fail),
	)
}

func echo(_ context.Context, a domain.Assignment) (map[string]any, error) {
	out := make(map[string]any, len(a.Payload)+1)
	for k, v := range a.Payload {
		out[k] = v
	}
	out["attempt"] = a.Attempt
	return out, nil
}

func sum(_ context.Context, a domain.Assignment) (map[string]any, error) {
	raw, ok := a.Payload["values"].([]any)
	if !ok {
		return nil, fmt.Errorf("payload.values must be an array")
	}
	total := 0.0
	for i, v := range raw {
		f, ok := number(v)
		if !ok {
			return nil, fmt.Errorf("payload.values[%d] is not a number", i)
		}
		total += f
	}
	return map[string]any{"sum": total, "count": len(raw)}, nil
}

func sleep(ctx context.Context, a domain.Assignment) (map[string]any, error) {
	ms, _ := number(a.Payload["ms"])
	d := time.Duration(ms) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
	}
	return map[string]any{"slept_ms": d.Milliseconds()}, nil
}

func fail(_ context.Context, a domain.Assignment) (map[string]any, error) {
	reason, _ := a.Payload["reason"].(string)
	if reason == "" {
		reason = "demo failure"
	}
	return nil, errors.New(reason)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

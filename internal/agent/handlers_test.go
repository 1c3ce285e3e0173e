package agent

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
)

func TestHandlersLookupPrefersExactKind(t *testing.T) {
	h := NewHandlers()
	generic := func(context.Context, domain.Assignment) (map[string]any, error) {
		return map[string]any{"by": "any"}, nil
	}
	specific := func(context.Context, domain.Assignment) (map[string]any, error) {
		return map[string]any{"by": "gpu"}, nil
	}
	require.NoError(t, h.Register(AnyKind, "render", generic))
	require.NoError(t, h.Register("gpu", "render", specific))

	fn, ok := h.Lookup("gpu", "render")
	require.True(t, ok)
	out, err := fn(context.Background(), domain.Assignment{})
	require.NoError(t, err)
	assert.Equal(t, "gpu", out["by"])

	fn, ok = h.Lookup("cpu", "render")
	require.True(t, ok)
	out, err = fn(context.Background(), domain.Assignment{})
	require.NoError(t, err)
	assert.Equal(t, "any", out["by"])

	_, ok = h.Lookup("gpu", "encode")
	assert.False(t, ok)

	require.ErrorIs(t, h.Register("gpu", "", specific), domain.ErrInvalidArgument)
	require.ErrorIs(t, h.Register("gpu", "encode", nil), domain.ErrInvalidArgument)
}

func TestDemoHandlers(t *testing.T) {
	h := NewHandlers()
	require.NoError(t, RegisterDemo(h))
	assert.Equal(t, []string{"echo", "fail", "sleep", "sum"}, h.TaskTypes(DemoKind))
	assert.Empty(t, h.TaskTypes("gpu"))

	fn, _ := h.Lookup(DemoKind, "sum")
	out, err := fn(context.Background(), domain.Assignment{Payload: map[string]any{"values": []any{1.0, 2.0, 3.5}}})
	require.NoError(t, err)
	assert.Equal(t, 6.5, out["sum"])
	assert.Equal(t, 3, out["count"])

	_, err = fn(context.Background(), domain.Assignment{Payload: map[string]any{"values": []any{"x"}}})
	require.Error(t, err)

	fn, _ = h.Lookup(DemoKind, "fail")
	_, err = fn(context.Background(), domain.Assignment{Payload: map[string]any{"reason": "disk full"}})
	require.EqualError(t, err, "disk full")

	fn, _ = h.Lookup(DemoKind, "sleep")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fn(ctx, domain.Assignment{Payload: map[string]any{"ms": 60000.0}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseOutput(t *testing.T) {
	out, err := parseOutput([]byte("```json\n{\"rows\": 3}\n```\n"))
	require.NoError(t, err)
	assert.Equal(t, 3.0, out["rows"])

	_, err = parseOutput([]byte("null"))
	require.Error(t, err)
	_, err = parseOutput([]byte("not json"))
	require.Error(t, err)
}

func TestCommandHandler(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	ok := CommandHandler(sh, "", "-c", `cat >/dev/null; echo '{"status":"ok"}'`)
	out, err := ok(context.Background(), domain.Assignment{TaskID: "t1", TaskType: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])

	broken := CommandHandler(sh, "", "-c", `echo boom >&2; exit 3`)
	_, err = broken(context.Background(), domain.Assignment{TaskID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

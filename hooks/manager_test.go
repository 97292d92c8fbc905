package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atms-dev/atms/internal/logger"
	"github.com/atms-dev/atms/model"
)

func TestRunMatchesEventAndMatcher(t *testing.T) {
	configs := []model.HookConfig{
		{Event: model.EventPreToolUse, Matcher: "bash|edit", Command: `cat >/dev/null; echo '{"block":false,"message":"ok"}'`},
		{Event: model.EventPostToolUse, Matcher: "*", Command: `cat >/dev/null; echo hi`},
	}
	m := New(configs, "session-1", t.TempDir(), logger.NoOp{})

	results := m.Run(context.Background(), model.EventPreToolUse, "bash", nil, nil, nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "ok", results[0].Response.Message)

	results = m.Run(context.Background(), model.EventPreToolUse, "other-tool", nil, nil, nil)
	assert.Empty(t, results)
}

func TestRunShortCircuitsOnBlock(t *testing.T) {
	configs := []model.HookConfig{
		{Event: model.EventPreToolUse, Command: `cat >/dev/null; echo '{"block":true,"message":"nope"}'`},
		{Event: model.EventPreToolUse, Command: `cat >/dev/null; echo '{"block":false,"message":"should not run"}'`},
	}
	m := New(configs, "s", t.TempDir(), logger.NoOp{})

	results := m.Run(context.Background(), model.EventPreToolUse, "x", nil, nil, nil)
	require.Len(t, results, 1)
	blocked, msg := IsBlocked(results)
	assert.True(t, blocked)
	assert.Equal(t, "nope", msg)
}

func TestRunNonJSONStdoutBecomesMessage(t *testing.T) {
	configs := []model.HookConfig{
		{Event: model.EventNotification, Command: `cat >/dev/null; echo "plain text output"`},
	}
	m := New(configs, "s", t.TempDir(), logger.NoOp{})

	results := m.Run(context.Background(), model.EventNotification, "", nil, nil, nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "plain text output", results[0].Response.Message)
	assert.False(t, results[0].Response.Block)
}

func TestRunNonZeroExitSynthesizesError(t *testing.T) {
	configs := []model.HookConfig{
		{Event: model.EventNotification, Command: `cat >/dev/null; exit 7`},
	}
	m := New(configs, "s", t.TempDir(), logger.NoOp{})

	results := m.Run(context.Background(), model.EventNotification, "", nil, nil, nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.NotEmpty(t, results[0].Response.Error)
}

func TestDisabledHookNeverMatches(t *testing.T) {
	no := false
	configs := []model.HookConfig{
		{Event: model.EventPreToolUse, Command: `echo should-not-run`, Enabled: &no},
	}
	m := New(configs, "s", t.TempDir(), logger.NoOp{})
	results := m.Run(context.Background(), model.EventPreToolUse, "x", nil, nil, nil)
	assert.Empty(t, results)
}

func TestGetModifiedInputAndMessages(t *testing.T) {
	results := []Result{
		{Success: true, Response: &Response{Message: "first"}},
		{Success: true, Response: &Response{Modify: &Modification{ToolInput: map[string]interface{}{"x": 1}}}},
		{Error: "boom"},
	}
	assert.Equal(t, map[string]interface{}{"x": 1}, GetModifiedInput(results))
	assert.Equal(t, []string{"first", "boom"}, GetMessages(results))
}

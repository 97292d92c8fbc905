package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atms-dev/atms/hooks"
	"github.com/atms-dev/atms/internal/logger"
	"github.com/atms-dev/atms/model"
	"github.com/atms-dev/atms/scheduler"
	"github.com/atms-dev/atms/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *scheduler.Bus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atms.json")
	st, err := store.Open(path, "demo")
	require.NoError(t, err)
	bus := scheduler.NewBus()
	resources := scheduler.NewResourcePool(nil)
	hm := hooks.New(nil, "session", t.TempDir(), logger.NoOp{})
	eng := New(st, bus, resources, hm, WithRecoveryTasks(false))
	return eng, st, bus
}

func assignedTask(t *testing.T, st *store.Store, agentID string, spec model.TaskSpec) string {
	t.Helper()
	require.NoError(t, st.RegisterAgent(model.RegisterAgentRequest{ID: agentID, MaxConcurrentTasks: 1}))
	tid, err := st.CreateTask(spec)
	require.NoError(t, err)
	require.NoError(t, st.AssignTask(tid, agentID))
	return tid
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, want model.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := st.Snapshot()
		require.NoError(t, err)
		if doc.TaskByID(taskID).Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, want)
}

func TestEngineCompletesSuccessfulTask(t *testing.T) {
	eng, st, bus := newTestEngine(t)
	tid := assignedTask(t, st, "a1", model.TaskSpec{Title: "t", TimeoutMs: 1000})

	eng.RegisterExecutor("a1", func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	bus.Publish(scheduler.Event{Kind: scheduler.EventTaskAssigned, TaskID: tid, AgentID: "a1"})
	waitForStatus(t, st, tid, model.TaskCompleted)
}

func TestEngineRetriesThenFails(t *testing.T) {
	eng, st, bus := newTestEngine(t)
	tid := assignedTask(t, st, "a1", model.TaskSpec{Title: "t", TimeoutMs: 1000, MaxRetries: 1})

	eng.RegisterExecutor("a1", func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	bus.Publish(scheduler.Event{Kind: scheduler.EventTaskAssigned, TaskID: tid, AgentID: "a1"})

	// after the first failure it should be requeued (retry_count 0 < max 1, so
	// retry_count becomes 1; the second failure finds 1 < 1 false and fails the
	// task, so max_retries=1 allows exactly one retry before failing)
	waitForStatus(t, st, tid, model.TaskQueued)

	doc, _ := st.Snapshot()
	requeued := doc.TaskByID(tid)
	assert.Equal(t, 1, requeued.RetryCount)
	require.NotNil(t, requeued.NextEligibleAt, "backoff deadline must be stamped on requeue so the resolver withholds it from ReadyTasks")
	assert.True(t, requeued.NextEligibleAt.After(requeued.UpdatedAt))

	// AssignTask itself doesn't enforce backoff (only resolver.Analyze does,
	// for the scheduler's own ready-task selection); calling it directly
	// here exercises the retry->reassign->fail path without waiting out the
	// real backoff window.
	require.NoError(t, st.AssignTask(tid, "a1"))
	bus.Publish(scheduler.Event{Kind: scheduler.EventTaskAssigned, TaskID: tid, AgentID: "a1"})
	waitForStatus(t, st, tid, model.TaskFailed)

	doc, _ = st.Snapshot()
	assert.Equal(t, "boom", doc.TaskByID(tid).LastError)
}

func TestEngineBlockedByHookFails(t *testing.T) {
	eng, st, bus := newTestEngine(t)
	require.NoError(t, st.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))
	tid, err := st.CreateTask(model.TaskSpec{Title: "t", TimeoutMs: 1000})
	require.NoError(t, err)
	require.NoError(t, st.AssignTask(tid, "a1"))

	blockingHooks := hooks.New([]model.HookConfig{
		{Event: model.EventPreToolUse, Command: `cat >/dev/null; echo '{"block":true,"message":"no"}'`},
	}, "s", t.TempDir(), logger.NoOp{})
	eng.hooks = blockingHooks
	eng.RegisterExecutor("a1", func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
		t.Fatal("executor should not run when blocked")
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	bus.Publish(scheduler.Event{Kind: scheduler.EventTaskAssigned, TaskID: tid, AgentID: "a1"})
	waitForStatus(t, st, tid, model.TaskFailed)

	doc, _ := st.Snapshot()
	assert.Contains(t, doc.TaskByID(tid).LastError, "blocked_by_hook")
}

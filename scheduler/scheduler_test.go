package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atms-dev/atms/model"
	"github.com/atms-dev/atms/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atms.json")
	s, err := store.Open(path, "demo")
	require.NoError(t, err)
	return s
}

func TestTickAssignsHighestPriorityFirst(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))

	_, err := st.CreateTask(model.TaskSpec{Title: "low", Priority: model.PriorityLow})
	require.NoError(t, err)
	highID, err := st.CreateTask(model.TaskSpec{Title: "high", Priority: model.PriorityHigh})
	require.NoError(t, err)

	bus := NewBus()
	sched := New(st, bus, nil)
	sched.tick(context.Background())

	doc, _ := st.Snapshot()
	high := doc.TaskByID(highID)
	assert.Equal(t, model.TaskAssigned, high.Status)
	assert.Equal(t, "a1", high.AssignedTo)
}

func TestTickRespectsResourceCapacity(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 2}))

	t1, err := st.CreateTask(model.TaskSpec{Title: "t1", ResourceRequirements: map[string]int{"gpu": 1}})
	require.NoError(t, err)
	t2, err := st.CreateTask(model.TaskSpec{Title: "t2", ResourceRequirements: map[string]int{"gpu": 1}})
	require.NoError(t, err)

	bus := NewBus()
	sched := New(st, bus, map[string]int{"gpu": 1})
	sched.tick(context.Background())

	doc, _ := st.Snapshot()
	assigned := 0
	for _, id := range []string{t1, t2} {
		if doc.TaskByID(id).Status == model.TaskAssigned {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestTickPublishesTaskAssignedEvent(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))
	tid, err := st.CreateTask(model.TaskSpec{Title: "t"})
	require.NoError(t, err)

	bus := NewBus()
	sub := bus.Subscribe(EventTaskAssigned)
	defer sub.Close()

	sched := New(st, bus, nil)
	sched.tick(context.Background())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventTaskAssigned, ev.Kind)
		assert.Equal(t, tid, ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("expected a task_assigned event")
	}
}

func TestTickWithholdsTaskStillInBackoff(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))

	tid, err := st.CreateTask(model.TaskSpec{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, st.AssignTask(tid, "a1"))
	requeued, err := st.RecordTaskFailure(tid, "boom")
	require.NoError(t, err)
	require.True(t, requeued)

	doc, _ := st.Snapshot()
	require.Equal(t, model.TaskQueued, doc.TaskByID(tid).Status)
	require.NotNil(t, doc.TaskByID(tid).NextEligibleAt)

	bus := NewBus()
	sched := New(st, bus, nil)
	sched.tick(context.Background())

	doc, _ = st.Snapshot()
	assert.Equal(t, model.TaskQueued, doc.TaskByID(tid).Status, "task still in its backoff window must not be reassigned")
}

func TestStartStopRunsWithoutPanicking(t *testing.T) {
	st := openTestStore(t)
	bus := NewBus()
	sched := New(st, bus, nil, WithTickInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	sched.Stop()
}

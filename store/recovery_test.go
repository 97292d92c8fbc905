package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atms-dev/atms/model"
)

func failedTask(t *testing.T, s *Store, maxRetries int) string {
	t.Helper()
	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))
	tid, err := s.CreateTask(model.TaskSpec{Title: "flaky", Priority: 50, MaxRetries: maxRetries})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(tid, "a1"))
	inProgress := model.TaskInProgress
	require.NoError(t, s.UpdateTaskProgress(tid, model.TaskProgressUpdate{Status: &inProgress, UpdatedBy: "test"}))
	return tid
}

// spendRetries fails and reassigns the in-progress task tid until its retry
// budget is used up, leaving it in_progress with RetryCount == MaxRetries so
// the next RecordTaskFailure fails it. CreateTask turns MaxRetries 0 into
// model.DefaultMaxRetries, so a task cannot start with no retries.
func spendRetries(t *testing.T, s *Store, tid string) {
	t.Helper()
	for {
		doc, err := s.Snapshot()
		require.NoError(t, err)
		task := doc.TaskByID(tid)
		if task.RetryCount >= task.MaxRetries {
			return
		}
		requeued, err := s.RecordTaskFailure(tid, "boom")
		require.NoError(t, err)
		require.True(t, requeued)
		require.NoError(t, s.AssignTask(tid, "a1"))
		inProgress := model.TaskInProgress
		require.NoError(t, s.UpdateTaskProgress(tid, model.TaskProgressUpdate{Status: &inProgress, UpdatedBy: "test"}))
	}
}

func TestRecordTaskFailureRequeuesUnderRetryBudget(t *testing.T) {
	s := testStore(t)
	tid := failedTask(t, s, 2)

	requeued, err := s.RecordTaskFailure(tid, "boom")
	require.NoError(t, err)
	assert.True(t, requeued)

	doc, err := s.Snapshot()
	require.NoError(t, err)
	task := doc.TaskByID(tid)
	assert.Equal(t, model.TaskQueued, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "boom", task.LastError)
	assert.Empty(t, task.AssignedTo)

	agent := doc.Agents["a1"]
	assert.Equal(t, 0, agent.CurrentLoad)
}

func TestRecordTaskFailureFailsWhenRetriesExhausted(t *testing.T) {
	s := testStore(t)
	tid := failedTask(t, s, 1)
	spendRetries(t, s, tid)

	requeued, err := s.RecordTaskFailure(tid, "boom")
	require.NoError(t, err)
	assert.False(t, requeued)

	doc, err := s.Snapshot()
	require.NoError(t, err)
	task := doc.TaskByID(tid)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, "boom", task.LastError)
}

func TestCreateRecoveryTaskDerivesPriorityAndRejectsDuplicate(t *testing.T) {
	s := testStore(t)
	tid := failedTask(t, s, 1)
	spendRetries(t, s, tid)
	_, err := s.RecordTaskFailure(tid, "boom")
	require.NoError(t, err)

	rid, err := s.CreateRecoveryTask(tid)
	require.NoError(t, err)

	doc, err := s.Snapshot()
	require.NoError(t, err)
	orig := doc.TaskByID(tid)
	recovery := doc.TaskByID(rid)
	require.NotNil(t, recovery)
	assert.Equal(t, model.TaskRecovery, recovery.Type)
	assert.Equal(t, tid, recovery.OriginalTaskID)
	assert.Equal(t, orig.Priority-10, recovery.Priority)
	assert.Empty(t, recovery.Dependencies)
	assert.Equal(t, model.TaskQueued, recovery.Status)

	_, err = s.CreateRecoveryTask(tid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
}

func TestCreateRecoveryTaskPriorityFloor(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))
	tid, err := s.CreateTask(model.TaskSpec{Title: "low", Priority: 25, MaxRetries: 1})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(tid, "a1"))
	inProgress := model.TaskInProgress
	require.NoError(t, s.UpdateTaskProgress(tid, model.TaskProgressUpdate{Status: &inProgress, UpdatedBy: "test"}))
	spendRetries(t, s, tid)
	_, err = s.RecordTaskFailure(tid, "boom")
	require.NoError(t, err)

	rid, err := s.CreateRecoveryTask(tid)
	require.NoError(t, err)

	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 20, doc.TaskByID(rid).Priority)
}

func TestCreateRecoveryTaskRequiresFailedOriginal(t *testing.T) {
	s := testStore(t)
	tid, err := s.CreateTask(model.TaskSpec{Title: "still queued"})
	require.NoError(t, err)

	_, err = s.CreateRecoveryTask(tid)
	require.Error(t, err)
}

func TestCompleteRecoveryTransitionsOriginalToRecovered(t *testing.T) {
	s := testStore(t)
	tid := failedTask(t, s, 1)
	spendRetries(t, s, tid)
	_, err := s.RecordTaskFailure(tid, "boom")
	require.NoError(t, err)
	_, err = s.CreateRecoveryTask(tid)
	require.NoError(t, err)

	require.NoError(t, s.CompleteRecovery(tid))

	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, model.TaskRecovered, doc.TaskByID(tid).Status)
}

func TestCompleteRecoveryRejectsNonFailedOriginal(t *testing.T) {
	s := testStore(t)
	tid, err := s.CreateTask(model.TaskSpec{Title: "still queued"})
	require.NoError(t, err)

	err = s.CompleteRecovery(tid)
	require.Error(t, err)
}

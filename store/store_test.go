package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atms-dev/atms/model"
)

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atms.json")
	allOpts := append([]Option{withClock(time.Now)}, opts...)
	s, err := Open(path, "demo-project", allOpts...)
	require.NoError(t, err)
	return s
}

func TestOpenCreatesWellFormedDocument(t *testing.T) {
	s := testStore(t)
	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "demo-project", doc.Project)
	assert.Equal(t, "1.0.0", doc.Metadata.Version)
	assert.NotNil(t, doc.Agents)
	assert.Empty(t, doc.Tasks)
	assert.Empty(t, doc.Features)
}

func TestSuggestApproveCreateTaskFlow(t *testing.T) {
	s := testStore(t)

	fid, err := s.SuggestFeature(model.SuggestFeatureRequest{
		Title:         "Dark mode",
		Description:   "Add a dark theme",
		BusinessValue: "retention",
		Category:      model.CategoryEnhancement,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, fid)

	doc, err := s.Snapshot()
	require.NoError(t, err)
	f := doc.FeatureByID(fid)
	require.NotNil(t, f)
	assert.Equal(t, model.FeatureSuggested, f.Status)

	require.NoError(t, s.ApproveFeature(fid, "tester"))

	doc, _ = s.Snapshot()
	f = doc.FeatureByID(fid)
	assert.Equal(t, model.FeatureApproved, f.Status)
	assert.Equal(t, "tester", f.ApprovedBy)
	require.NotNil(t, f.ApprovalDate)

	tid, err := s.CreateTaskFromFeature(fid, model.TaskSpec{
		Title:                "Implement dark theme",
		Type:                 model.TaskImplementation,
		Priority:             model.PriorityHigh,
		RequiredCapabilities: []string{"general"},
	})
	require.NoError(t, err)

	doc, _ = s.Snapshot()
	task := doc.TaskByID(tid)
	require.NotNil(t, task)
	assert.Equal(t, model.TaskQueued, task.Status)
	assert.Equal(t, fid, task.FeatureID)
	assert.Equal(t, model.DefaultMaxRetries, task.MaxRetries)
}

func TestSuggestFeatureMissingFieldRejected(t *testing.T) {
	s := testStore(t)
	_, err := s.SuggestFeature(model.SuggestFeatureRequest{Title: "only a title"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidField)
}

func TestCreateTaskFromFeatureRequiresApproval(t *testing.T) {
	s := testStore(t)
	fid, err := s.SuggestFeature(model.SuggestFeatureRequest{
		Title: "x", Description: "y", BusinessValue: "z", Category: model.CategoryTest,
	})
	require.NoError(t, err)

	_, err = s.CreateTaskFromFeature(fid, model.TaskSpec{Title: "t"})
	assert.ErrorIs(t, err, model.ErrFeatureNotApproved)
}

func TestAssignTaskHonorsCapabilitiesAndLoad(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{
		ID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 1,
	}))

	tid, err := s.CreateTask(model.TaskSpec{Title: "needs rust", RequiredCapabilities: []string{"rust"}})
	require.NoError(t, err)
	err = s.AssignTask(tid, "agent-1")
	assert.ErrorIs(t, err, model.ErrNotAssignable)

	tid2, err := s.CreateTask(model.TaskSpec{Title: "needs go", RequiredCapabilities: []string{"go"}})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(tid2, "agent-1"))

	doc, _ := s.Snapshot()
	task := doc.TaskByID(tid2)
	assert.Equal(t, model.TaskAssigned, task.Status)
	assert.Equal(t, "agent-1", task.AssignedTo)
	assert.Equal(t, 1, doc.Agents["agent-1"].CurrentLoad)

	// no more slots left
	tid3, err := s.CreateTask(model.TaskSpec{Title: "also go", RequiredCapabilities: []string{"go"}})
	require.NoError(t, err)
	err = s.AssignTask(tid3, "agent-1")
	assert.ErrorIs(t, err, model.ErrNotAssignable)
}

func TestAssignTaskBlockedByIncompleteDependency(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 2}))

	t1, err := s.CreateTask(model.TaskSpec{Title: "t1"})
	require.NoError(t, err)
	t2, err := s.CreateTask(model.TaskSpec{Title: "t2", Dependencies: []string{t1}})
	require.NoError(t, err)

	err = s.AssignTask(t2, "a1")
	assert.ErrorIs(t, err, model.ErrNotAssignable)

	require.NoError(t, s.AssignTask(t1, "a1"))
	require.NoError(t, s.UpdateTaskProgress(t1, model.TaskProgressUpdate{
		Status: statusPtr(model.TaskInProgress), ProgressPercentage: 10,
	}))
	require.NoError(t, s.UpdateTaskProgress(t1, model.TaskProgressUpdate{
		Status: statusPtr(model.TaskCompleted), ProgressPercentage: 100,
	}))

	require.NoError(t, s.AssignTask(t2, "a1"))
}

func TestUpdateTaskProgressNeverRegresses(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))
	tid, err := s.CreateTask(model.TaskSpec{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(tid, "a1"))

	require.NoError(t, s.UpdateTaskProgress(tid, model.TaskProgressUpdate{
		Status: statusPtr(model.TaskInProgress), ProgressPercentage: 80,
	}))
	require.NoError(t, s.UpdateTaskProgress(tid, model.TaskProgressUpdate{ProgressPercentage: 20}))

	doc, _ := s.Snapshot()
	task := doc.TaskByID(tid)
	last := task.ProgressHistory[len(task.ProgressHistory)-1]
	assert.Equal(t, 80, last.ProgressPercentage)
}

func TestDeregisterAgentRequeuesTasks(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))
	tid, err := s.CreateTask(model.TaskSpec{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(tid, "a1"))

	require.NoError(t, s.DeregisterAgent("a1"))

	doc, _ := s.Snapshot()
	assert.Equal(t, model.AgentShutdown, doc.Agents["a1"].Status)
	task := doc.TaskByID(tid)
	assert.Equal(t, model.TaskQueued, task.Status)
	assert.Empty(t, task.AssignedTo)
}

func TestRecoveryFailsStaleInProgressTasks(t *testing.T) {
	clock := time.Now()
	path := filepath.Join(t.TempDir(), "atms.json")
	s, err := Open(path, "demo", withClock(func() time.Time { return clock }))
	require.NoError(t, err)
	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))
	tid, err := s.CreateTask(model.TaskSpec{Title: "t", TimeoutMs: 1000})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(tid, "a1"))
	require.NoError(t, s.UpdateTaskProgress(tid, model.TaskProgressUpdate{
		Status: statusPtr(model.TaskInProgress), ProgressPercentage: 5,
	}))

	clock = clock.Add(2 * time.Second)
	s2, err := Open(path, "demo", withClock(func() time.Time { return clock }))
	require.NoError(t, err)

	doc, _ := s2.Snapshot()
	task := doc.TaskByID(tid)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, "timeout_recovered", task.LastError)
}

func TestRejectFeatureRecordsApprovalHistory(t *testing.T) {
	s := testStore(t)
	fid, err := s.SuggestFeature(model.SuggestFeatureRequest{
		Title: "x", Description: "y", BusinessValue: "z", Category: model.CategoryTest,
	})
	require.NoError(t, err)
	require.NoError(t, s.RejectFeature(fid, "tester", "not now"))

	doc, _ := s.Snapshot()
	f := doc.FeatureByID(fid)
	assert.Equal(t, model.FeatureRejected, f.Status)
	require.Len(t, doc.Metadata.ApprovalHistory, 1)
	assert.Equal(t, "rejected", doc.Metadata.ApprovalHistory[0].Action)
}

func TestAddTaskDependencyRejectsCycle(t *testing.T) {
	s := testStore(t)
	t1, err := s.CreateTask(model.TaskSpec{Title: "t1"})
	require.NoError(t, err)
	t2, err := s.CreateTask(model.TaskSpec{Title: "t2", Dependencies: []string{t1}})
	require.NoError(t, err)

	err = s.AddTaskDependency(t1, t2)
	assert.ErrorIs(t, err, model.ErrDependencyCycle)

	doc, _ := s.Snapshot()
	assert.Empty(t, doc.TaskByID(t1).Dependencies)
}

func TestAddTaskDependencyRejectsSelfReference(t *testing.T) {
	s := testStore(t)
	tid, err := s.CreateTask(model.TaskSpec{Title: "t"})
	require.NoError(t, err)

	err = s.AddTaskDependency(tid, tid)
	assert.ErrorIs(t, err, model.ErrDependencyCycle)
}

func TestAddTaskDependencyAcceptsValidEdge(t *testing.T) {
	s := testStore(t)
	t1, err := s.CreateTask(model.TaskSpec{Title: "t1"})
	require.NoError(t, err)
	t2, err := s.CreateTask(model.TaskSpec{Title: "t2"})
	require.NoError(t, err)

	require.NoError(t, s.AddTaskDependency(t2, t1))

	doc, _ := s.Snapshot()
	assert.Equal(t, []string{t1}, doc.TaskByID(t2).Dependencies)

	// re-adding the same edge is a no-op, not an error
	require.NoError(t, s.AddTaskDependency(t2, t1))
	doc, _ = s.Snapshot()
	assert.Equal(t, []string{t1}, doc.TaskByID(t2).Dependencies)
}

func TestMarkAgentFailedRequeuesTasks(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))
	tid, err := s.CreateTask(model.TaskSpec{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(tid, "a1"))

	require.NoError(t, s.MarkAgentFailed("a1"))

	doc, _ := s.Snapshot()
	assert.Equal(t, model.AgentFailed, doc.Agents["a1"].Status)
	assert.Equal(t, 1, doc.Agents["a1"].RecentFailures)
	task := doc.TaskByID(tid)
	assert.Equal(t, model.TaskQueued, task.Status)
	assert.Empty(t, task.AssignedTo)
}

func TestSweepStaleAgentsMarksExpiredAndRequeues(t *testing.T) {
	clock := time.Now()
	path := filepath.Join(t.TempDir(), "atms.json")
	s, err := Open(path, "demo", withClock(func() time.Time { return clock }))
	require.NoError(t, err)

	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{ID: "a1", MaxConcurrentTasks: 1}))
	require.NoError(t, s.RegisterAgent(model.RegisterAgentRequest{ID: "a2", MaxConcurrentTasks: 1}))
	tid, err := s.CreateTask(model.TaskSpec{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(tid, "a1"))

	clock = clock.Add(20 * time.Second)
	require.NoError(t, s.Heartbeat("a2"))

	clock = clock.Add(20 * time.Second)
	stale, err := s.SweepStaleAgents(30 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, stale)

	doc, _ := s.Snapshot()
	assert.Equal(t, model.AgentFailed, doc.Agents["a1"].Status)
	assert.Equal(t, model.AgentActive, doc.Agents["a2"].Status)
	task := doc.TaskByID(tid)
	assert.Equal(t, model.TaskQueued, task.Status)
	assert.Empty(t, task.AssignedTo)
}

func statusPtr(s model.TaskStatus) *model.TaskStatus { return &s }

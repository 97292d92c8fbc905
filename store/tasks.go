package store

import (
	"strconv"
	"time"

	"github.com/atms-dev/atms/internal/resilience"
	"github.com/atms-dev/atms/model"
)

// CreateTaskFromFeature derives a task from an approved feature. The feature
// must be "approved" (spec.md §4.1); the task is inserted with status
// "queued".
func (s *Store) CreateTaskFromFeature(featureID string, spec model.TaskSpec) (string, error) {
	var id string
	err := s.withDocument(func(doc *model.Document) (bool, error) {
		f := doc.FeatureByID(featureID)
		if f == nil {
			return false, model.NewError("store.CreateTaskFromFeature", featureID, model.ErrNotFound)
		}
		if f.Status != model.FeatureApproved {
			return false, model.NewError("store.CreateTaskFromFeature", featureID, model.ErrFeatureNotApproved)
		}
		if err := validateDependencies(doc, spec.Dependencies); err != nil {
			return false, err
		}
		now := s.now()
		id = model.NewTaskID(now)
		t := newTaskFromSpec(id, featureID, spec, now)
		doc.Tasks = append(doc.Tasks, t)
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateTask inserts an orphan task with no parent feature.
func (s *Store) CreateTask(spec model.TaskSpec) (string, error) {
	var id string
	err := s.withDocument(func(doc *model.Document) (bool, error) {
		if err := validateDependencies(doc, spec.Dependencies); err != nil {
			return false, err
		}
		now := s.now()
		id = model.NewTaskID(now)
		t := newTaskFromSpec(id, "", spec, now)
		doc.Tasks = append(doc.Tasks, t)
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func newTaskFromSpec(id, featureID string, spec model.TaskSpec, now time.Time) *model.Task {
	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = model.DefaultMaxRetries
	}
	timeoutMs := spec.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = model.DefaultTimeoutMs
	}
	return &model.Task{
		ID:                   id,
		FeatureID:            featureID,
		Title:                spec.Title,
		Description:          spec.Description,
		Type:                 spec.Type,
		Priority:             spec.Priority,
		Status:               model.TaskQueued,
		Dependencies:         spec.Dependencies,
		RequiredCapabilities: spec.RequiredCapabilities,
		ResourceRequirements: spec.ResourceRequirements,
		MaxRetries:           maxRetries,
		TimeoutMs:            timeoutMs,
		EstimatedDuration:    spec.EstimatedDuration,
		Context:              spec.Context,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// validateDependencies checks every referenced id exists. A brand-new task
// cannot itself be part of a cycle — nothing in doc can reference an id that
// does not exist yet — so no cycle check is needed here; AddTaskDependency
// is where an edge is added to an already-referenceable task and is where
// wouldCreateCycle is exercised (spec.md S3).
func validateDependencies(doc *model.Document, deps []string) error {
	for _, d := range deps {
		if doc.TaskByID(d) == nil {
			return model.NewError("store.validateDependencies", d, model.ErrNotFound)
		}
	}
	return nil
}

// AddTaskDependency appends a dependsOn edge to taskID's dependency list.
// Rejected with ErrDependencyCycle if dependsOn already (transitively)
// depends on taskID — closing the edge would make the pair unsatisfiable
// (spec.md S3). A no-op, not an error, if the edge already exists.
func (s *Store) AddTaskDependency(taskID, dependsOn string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		t := doc.TaskByID(taskID)
		if t == nil {
			return false, model.NewError("store.AddTaskDependency", taskID, model.ErrNotFound)
		}
		if doc.TaskByID(dependsOn) == nil {
			return false, model.NewError("store.AddTaskDependency", dependsOn, model.ErrNotFound)
		}
		for _, d := range t.Dependencies {
			if d == dependsOn {
				return false, nil
			}
		}
		if taskID == dependsOn || wouldCreateCycle(doc, taskID, dependsOn) {
			return false, model.NewError("store.AddTaskDependency", taskID, model.ErrDependencyCycle)
		}
		t.Dependencies = append(t.Dependencies, dependsOn)
		t.UpdatedAt = s.now()
		return true, nil
	})
}

// wouldCreateCycle reports whether adding the edge taskID -> dependsOn
// (taskID depends on dependsOn) would close a cycle, i.e. whether dependsOn
// already transitively depends on taskID via the existing Dependencies
// graph. Mirrors resolver.detectCycles' traversal direction (task ->
// dependency) but answers a single pre-insertion reachability question
// instead of a whole-graph scan.
func wouldCreateCycle(doc *model.Document, taskID, dependsOn string) bool {
	visited := map[string]bool{}
	var reaches func(id string) bool
	reaches = func(id string) bool {
		if id == taskID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		t := doc.TaskByID(id)
		if t == nil {
			return false
		}
		for _, dep := range t.Dependencies {
			if reaches(dep) {
				return true
			}
		}
		return false
	}
	return reaches(dependsOn)
}

// CancelTask moves a task to "cancelled" from any non-terminal status.
func (s *Store) CancelTask(taskID string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		t := doc.TaskByID(taskID)
		if t == nil {
			return false, model.NewError("store.CancelTask", taskID, model.ErrNotFound)
		}
		if !model.CanTransitionTask(t.Status, model.TaskCancelled) {
			return false, model.NewError("store.CancelTask", taskID, model.ErrInvalidTransition)
		}
		now := s.now()
		if t.AssignedTo != "" {
			if a, ok := doc.Agents[t.AssignedTo]; ok && a.CurrentLoad > 0 {
				a.CurrentLoad--
			}
		}
		t.AssignedTo = ""
		t.AssignedAt = nil
		s.transitionTask(t, model.TaskCancelled, now, "", "cancelled")
		return true, nil
	})
}

// AssignTask binds a queued task — with every dependency completed or
// recovered — to a registered agent that has capacity and the required
// capabilities. Returns NotAssignable otherwise (spec.md §4.1).
func (s *Store) AssignTask(taskID, agentID string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		t := doc.TaskByID(taskID)
		if t == nil {
			return false, model.NewError("store.AssignTask", taskID, model.ErrNotFound)
		}
		if t.Status != model.TaskQueued {
			return false, model.NewError("store.AssignTask", taskID, model.ErrNotAssignable)
		}
		if !dependenciesSatisfied(doc, t) {
			return false, model.NewError("store.AssignTask", taskID, model.ErrNotAssignable)
		}
		a, ok := doc.Agents[agentID]
		if !ok || a.Status != model.AgentActive && a.Status != model.AgentIdle {
			return false, model.NewError("store.AssignTask", taskID, model.ErrNotAssignable)
		}
		if a.AvailableSlots() <= 0 {
			return false, model.NewError("store.AssignTask", taskID, model.ErrNotAssignable)
		}
		if !a.HasCapabilities(t.RequiredCapabilities) {
			return false, model.NewError("store.AssignTask", taskID, model.ErrNotAssignable)
		}

		now := s.now()
		t.AssignedTo = agentID
		aa := now
		t.AssignedAt = &aa
		t.NextEligibleAt = nil
		a.CurrentLoad++
		s.transitionTask(t, model.TaskAssigned, now, "", "assigned to "+agentID)
		return true, nil
	})
}

func dependenciesSatisfied(doc *model.Document, t *model.Task) bool {
	for _, depID := range t.Dependencies {
		dep := doc.TaskByID(depID)
		if dep == nil {
			return false
		}
		if dep.Status != model.TaskCompleted && dep.Status != model.TaskRecovered {
			return false
		}
	}
	return true
}

// UpdateTaskProgress appends a ProgressEntry and, if Status is set, performs
// the corresponding state transition. Concurrent updates on the same task
// resolve last-writer-wins on every field except ProgressPercentage, which
// never regresses (open question (a), SPEC_FULL.md §9).
func (s *Store) UpdateTaskProgress(taskID string, update model.TaskProgressUpdate) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		t := doc.TaskByID(taskID)
		if t == nil {
			return false, model.NewError("store.UpdateTaskProgress", taskID, model.ErrNotFound)
		}

		now := s.now()
		to := t.Status
		if update.Status != nil {
			if !model.CanTransitionTask(t.Status, *update.Status) {
				return false, model.NewError("store.UpdateTaskProgress", taskID, model.ErrInvalidTransition)
			}
			to = *update.Status
		}

		pct := update.ProgressPercentage
		if len(t.ProgressHistory) > 0 {
			if last := t.ProgressHistory[len(t.ProgressHistory)-1].ProgressPercentage; last > pct {
				pct = last
			}
		}

		if update.Error != "" {
			t.LastError = update.Error
		}
		if to == model.TaskInProgress && t.StartedAt == nil {
			sa := now
			t.StartedAt = &sa
		}
		if to == model.TaskCompleted && t.FeatureID != "" {
			doc.CompletedTasks = append(doc.CompletedTasks, model.CompletedTaskRecord{
				TaskID:      t.ID,
				CompletedAt: now,
				AssignedTo:  t.AssignedTo,
				FeatureID:   t.FeatureID,
			})
		} else if to == model.TaskCompleted {
			doc.CompletedTasks = append(doc.CompletedTasks, model.CompletedTaskRecord{
				TaskID:      t.ID,
				CompletedAt: now,
				AssignedTo:  t.AssignedTo,
			})
		}
		if !to.IsActive() && t.Status.IsActive() && t.AssignedTo != "" {
			if a, ok := doc.Agents[t.AssignedTo]; ok && a.CurrentLoad > 0 {
				a.CurrentLoad--
			}
			t.AssignedTo = ""
			t.AssignedAt = nil
		}

		t.Status = to
		t.UpdatedAt = now
		t.ProgressHistory = append(t.ProgressHistory, model.ProgressEntry{
			Timestamp:          now,
			Status:             to,
			ProgressPercentage: pct,
			Notes:              update.Notes,
			UpdatedBy:          update.UpdatedBy,
		})
		return true, nil
	})
}

// RecordTaskFailure implements spec.md §4.5 step 5's failure branch: if
// retries remain, increments retry_count and transitions the task back to
// queued for re-enqueue with backoff; otherwise transitions it to failed.
// Returns whether the task was requeued.
//
// The backoff is enforced by stamping NextEligibleAt on the task itself
// rather than by having the caller sleep: sleeping in the caller's goroutine
// doesn't stop the scheduler's next tick (driven independently by its own
// ticker or by this store mutation's onMutation nudge) from reassigning the
// task immediately. resolver.Analyze excludes any TaskQueued task whose
// NextEligibleAt hasn't passed from ReadyTasks, so the backoff actually
// delays reassignment.
func (s *Store) RecordTaskFailure(taskID, lastError string) (requeued bool, err error) {
	err = s.withDocument(func(doc *model.Document) (bool, error) {
		t := doc.TaskByID(taskID)
		if t == nil {
			return false, model.NewError("store.RecordTaskFailure", taskID, model.ErrNotFound)
		}
		now := s.now()
		if t.RetryCount < t.MaxRetries {
			t.RetryCount++
			requeued = true
			if !model.CanTransitionTask(t.Status, model.TaskQueued) {
				return false, model.NewError("store.RecordTaskFailure", taskID, model.ErrInvalidTransition)
			}
			releaseAssignment(doc, t)
			backoff := resilience.Backoff(t.RetryCount, resilience.DefaultBackoffBase, resilience.DefaultBackoffMax)
			eligible := now.Add(backoff)
			t.NextEligibleAt = &eligible
			s.transitionTask(t, model.TaskQueued, now, lastError, "retry "+strconv.Itoa(t.RetryCount))
			return true, nil
		}
		if !model.CanTransitionTask(t.Status, model.TaskFailed) {
			return false, model.NewError("store.RecordTaskFailure", taskID, model.ErrInvalidTransition)
		}
		releaseAssignment(doc, t)
		s.transitionTask(t, model.TaskFailed, now, lastError, "no retries left")
		return true, nil
	})
	return requeued, err
}

func releaseAssignment(doc *model.Document, t *model.Task) {
	if t.AssignedTo == "" {
		return
	}
	if a, ok := doc.Agents[t.AssignedTo]; ok && a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
	t.AssignedTo = ""
	t.AssignedAt = nil
}

// minRecoveryPriority is the floor applied when deriving a recovery task's
// priority from its original (spec.md §4.6: max(original.priority-10, 20)).
const minRecoveryPriority = 20

// CreateRecoveryTask inserts an independent "recovery" task for an
// originalID that just exhausted its retries. At most one recovery task
// per original (open question (c), SPEC_FULL.md §9): a second call for the
// same original is rejected.
func (s *Store) CreateRecoveryTask(originalID string) (string, error) {
	var id string
	err := s.withDocument(func(doc *model.Document) (bool, error) {
		orig := doc.TaskByID(originalID)
		if orig == nil {
			return false, model.NewError("store.CreateRecoveryTask", originalID, model.ErrNotFound)
		}
		if orig.Status != model.TaskFailed {
			return false, model.NewError("store.CreateRecoveryTask", originalID, model.ErrInvalidTransition)
		}
		for _, t := range doc.Tasks {
			if t.OriginalTaskID == originalID {
				return false, model.NewError("store.CreateRecoveryTask", originalID, model.ErrInvalidTransition)
			}
		}

		priority := orig.Priority - 10
		if priority < minRecoveryPriority {
			priority = minRecoveryPriority
		}

		now := s.now()
		id = model.NewTaskID(now)
		rt := &model.Task{
			ID:                   id,
			Title:                "recover: " + orig.Title,
			Description:          orig.Description,
			Type:                 model.TaskRecovery,
			Priority:             priority,
			Status:               model.TaskQueued,
			RequiredCapabilities: orig.RequiredCapabilities,
			MaxRetries:           model.DefaultMaxRetries,
			TimeoutMs:            orig.TimeoutMs,
			OriginalTaskID:       originalID,
			Context:              orig.Context,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		doc.Tasks = append(doc.Tasks, rt)
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CompleteRecovery transitions a failed original task to "recovered" once
// its recovery task has completed successfully, stamping completed_at.
func (s *Store) CompleteRecovery(originalID string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		t := doc.TaskByID(originalID)
		if t == nil {
			return false, model.NewError("store.CompleteRecovery", originalID, model.ErrNotFound)
		}
		if !model.CanTransitionTask(t.Status, model.TaskRecovered) {
			return false, model.NewError("store.CompleteRecovery", originalID, model.ErrInvalidTransition)
		}
		s.transitionTask(t, model.TaskRecovered, s.now(), "", "recovered via recovery task")
		return true, nil
	})
}

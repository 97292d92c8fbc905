// Package engine drives a task through PreToolUse → run → PostToolUse →
// retry/fail, one goroutine per assigned task (spec.md §4.5). Grounded on
// the teacher's TaskWorkerPool for the per-task goroutine/cancellation
// shape and on its resilience package for backoff between retries.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atms-dev/atms/hooks"
	"github.com/atms-dev/atms/internal/logger"
	"github.com/atms-dev/atms/internal/telemetry"
	"github.com/atms-dev/atms/model"
	"github.com/atms-dev/atms/scheduler"
	"github.com/atms-dev/atms/store"
)

// Executor runs the actual work a task represents. Agents register one per
// agent id; the engine invokes it with the task's (hook-modified) context
// as input and expects either a result payload or an error.
type Executor func(ctx context.Context, task *model.Task) (map[string]interface{}, error)

// Engine subscribes to task_assigned events and runs each task's lifecycle.
type Engine struct {
	st        *store.Store
	bus       *scheduler.Bus
	resources *scheduler.ResourcePool
	hooks     *hooks.Manager
	logger    logger.Logger
	telemetry telemetry.Provider

	workspaceDir   string
	sessionID      string
	createRecovery bool

	mu        sync.Mutex
	executors map[string]Executor
	cancels   map[string]context.CancelFunc

	sub *scheduler.Subscription
	wg  sync.WaitGroup
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.logger = logger.EnsureComponent(l, "atms/engine") }
}

func WithTelemetry(t telemetry.Provider) Option { return func(e *Engine) { e.telemetry = t } }

func WithWorkspaceDir(dir string) Option { return func(e *Engine) { e.workspaceDir = dir } }

func WithSessionID(id string) Option { return func(e *Engine) { e.sessionID = id } }

// WithRecoveryTasks enables automatic recovery-task creation on terminal
// failure (spec.md §4.6). Off by default: a recovery task only makes sense
// once a caller has registered an executor for it.
func WithRecoveryTasks(enabled bool) Option {
	return func(e *Engine) { e.createRecovery = enabled }
}

// New returns an Engine wired to st, bus, resources, and hooks.
func New(st *store.Store, bus *scheduler.Bus, resources *scheduler.ResourcePool, hm *hooks.Manager, opts ...Option) *Engine {
	e := &Engine{
		st:        st,
		bus:       bus,
		resources: resources,
		hooks:     hm,
		logger:    logger.NoOp{},
		telemetry: telemetry.NoOpProvider{},
		executors: map[string]Executor{},
		cancels:   map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterExecutor binds agentID's work function. Must be called before the
// agent is assigned any task.
func (e *Engine) RegisterExecutor(agentID string, fn Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors[agentID] = fn
}

// Start subscribes to task_assigned and runs each one in its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.sub = e.bus.Subscribe(scheduler.EventTaskAssigned)
	e.wg.Add(1)
	go e.dispatchLoop(ctx)
}

// Stop unsubscribes and waits for in-flight task goroutines to return.
func (e *Engine) Stop() {
	if e.sub != nil {
		e.sub.Close()
	}
	e.wg.Wait()
}

// CancelTask requests cancellation of a specific in-flight task, propagating
// to its executor's context (spec.md §5 "cancellation token").
func (e *Engine) CancelTask(taskID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.sub.Events():
			if !ok {
				return
			}
			e.wg.Add(1)
			go func(ev scheduler.Event) {
				defer e.wg.Done()
				e.runTask(ctx, ev.TaskID, ev.AgentID)
			}(ev)
		}
	}
}

func (e *Engine) runTask(parentCtx context.Context, taskID, agentID string) {
	doc, err := e.st.Snapshot()
	if err != nil {
		e.logger.Error("engine: snapshot failed", map[string]interface{}{"error": err.Error()})
		return
	}
	task := doc.TaskByID(taskID)
	if task == nil {
		return
	}

	ctx, span := e.telemetry.StartSpan(parentCtx, "engine.run_task")
	defer span.End()
	span.SetAttribute("task.id", taskID)

	taskCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[taskID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, taskID)
		e.mu.Unlock()
		cancel()
	}()

	toolInput := task.Context

	preResults := e.hooks.Run(taskCtx, model.EventPreToolUse, task.Title, toolInput, nil, map[string]interface{}{"task_id": taskID})
	if blocked, msg := hooks.IsBlocked(preResults); blocked {
		e.fail(taskID, "blocked_by_hook: "+msg, false)
		return
	}
	if modified := hooks.GetModifiedInput(preResults); modified != nil {
		merged := map[string]interface{}{}
		for k, v := range toolInput {
			merged[k] = v
		}
		for k, v := range modified {
			merged[k] = v
		}
		toolInput = merged
	}

	inProgress := model.TaskInProgress
	if err := e.st.UpdateTaskProgress(taskID, model.TaskProgressUpdate{
		Status: &inProgress, ProgressPercentage: 0, UpdatedBy: "engine",
	}); err != nil {
		e.logger.Error("engine: transition to in_progress failed", map[string]interface{}{
			"task_id": taskID, "error": err.Error(),
		})
		return
	}

	e.mu.Lock()
	exec, ok := e.executors[agentID]
	e.mu.Unlock()
	if !ok {
		e.fail(taskID, fmt.Sprintf("no executor registered for agent %s", agentID), false)
		return
	}

	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	execCtx, execCancel := context.WithTimeout(taskCtx, timeout)
	defer execCancel()

	task.Context = toolInput
	result, execErr := exec(execCtx, task)

	switch {
	case execErr == nil:
		e.hooks.Run(taskCtx, model.EventPostToolUse, task.Title, toolInput, result, map[string]interface{}{"task_id": taskID})
		completed := model.TaskCompleted
		if err := e.st.UpdateTaskProgress(taskID, model.TaskProgressUpdate{
			Status: &completed, ProgressPercentage: 100, UpdatedBy: "engine",
		}); err != nil {
			e.logger.Error("engine: transition to completed failed", map[string]interface{}{
				"task_id": taskID, "error": err.Error(),
			})
		}
		e.finalize(task, scheduler.EventTaskCompleted, "")
		if task.OriginalTaskID != "" {
			if err := e.st.CompleteRecovery(task.OriginalTaskID); err != nil {
				e.logger.Warn("engine: complete recovery failed", map[string]interface{}{
					"original_task_id": task.OriginalTaskID, "error": err.Error(),
				})
			}
		}
	case execCtx.Err() == context.DeadlineExceeded:
		e.fail(taskID, "timeout", true)
	default:
		e.fail(taskID, execErr.Error(), true)
	}
}

// fail records a task's failure. retryable tasks go through RecordTaskFailure
// (which may requeue them with backoff); non-retryable ones (hook block,
// missing executor) go straight to failed.
func (e *Engine) fail(taskID, lastError string, retryable bool) {
	doc, err := e.st.Snapshot()
	if err != nil {
		return
	}
	task := doc.TaskByID(taskID)
	if task == nil {
		return
	}

	if !retryable {
		failed := model.TaskFailed
		_ = e.st.UpdateTaskProgress(taskID, model.TaskProgressUpdate{
			Status: &failed, ProgressPercentage: 0, Error: lastError, UpdatedBy: "engine",
		})
		e.finalize(task, scheduler.EventTaskFailed, lastError)
		return
	}

	requeued, err := e.st.RecordTaskFailure(taskID, lastError)
	if err != nil {
		e.logger.Error("engine: record failure failed", map[string]interface{}{
			"task_id": taskID, "error": err.Error(),
		})
		return
	}
	e.finalize(task, scheduler.EventTaskFailed, lastError)

	if requeued {
		// RecordTaskFailure already stamped NextEligibleAt on the task and
		// persisted it back to queued; resolver.Analyze excludes it from
		// ReadyTasks until that deadline passes, so the backoff is enforced
		// at read time rather than by blocking this goroutine.
		e.logger.Info("engine: task requeued with backoff", map[string]interface{}{
			"task_id": taskID, "retry_count": task.RetryCount,
		})
		e.bus.Publish(scheduler.Event{Kind: scheduler.EventTaskFailed, TaskID: taskID, Message: "requeued"})
		return
	}

	if e.createRecovery && task.OriginalTaskID == "" {
		if _, rerr := e.st.CreateRecoveryTask(taskID); rerr != nil {
			e.logger.Warn("engine: create recovery task failed", map[string]interface{}{
				"task_id": taskID, "error": rerr.Error(),
			})
		}
	}
}

func (e *Engine) finalize(task *model.Task, kind scheduler.EventKind, message string) {
	e.resources.Release(task.ResourceRequirements)
	e.bus.Publish(scheduler.Event{Kind: kind, TaskID: task.ID, AgentID: task.AssignedTo, Message: message})
}

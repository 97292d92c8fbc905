package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/atms-dev/atms/engine"
	"github.com/atms-dev/atms/hooks"
	"github.com/atms-dev/atms/internal/logger"
	"github.com/atms-dev/atms/internal/telemetry"
	"github.com/atms-dev/atms/model"
	"github.com/atms-dev/atms/scheduler"
	"github.com/atms-dev/atms/store"
)

// Supervisor is the single entry point a host process embeds: it owns the
// Store, ResourcePool, Bus, Scheduler, HookManager and ExecutionEngine for
// one project lifetime and exposes the operations spec.md §3-§5 name.
// Grounded on the teacher's Component/orchestrator wiring shape — one
// top-level type that owns subsystem lifetimes and forwards calls to them.
type Supervisor struct {
	cfg *Config

	st        *store.Store
	resources *scheduler.ResourcePool
	bus       *scheduler.Bus
	sched     *scheduler.Scheduler
	hooks     *hooks.Manager
	engine    *engine.Engine
	logger    logger.Logger
	telemetry telemetry.Provider

	cancel        context.CancelFunc
	heartbeatWG   sync.WaitGroup
	heartbeatStop context.CancelFunc
}

// New opens the store and wires every subsystem together, but does not yet
// start the scheduler or engine loops — call Start for that.
func New(cfg *Config, l logger.Logger, tp telemetry.Provider, opts ...store.Option) (*Supervisor, error) {
	if l == nil {
		l = logger.NoOp{}
	}
	if tp == nil {
		tp = telemetry.NoOpProvider{}
	}
	sup := &Supervisor{cfg: cfg, logger: logger.EnsureComponent(l, "atms/supervisor"), telemetry: tp}

	storeOpts := append([]store.Option{
		store.WithLogger(l),
		store.WithTelemetry(tp),
		store.WithLockTimeout(cfg.LockTimeout),
	}, opts...)
	st, err := store.Open(cfg.StorePath, cfg.Project, storeOpts...)
	if err != nil {
		return nil, err
	}
	sup.st = st

	hookConfigs, err := loadHookConfigs(cfg.HooksConfigPath)
	if err != nil {
		return nil, err
	}

	sup.bus = scheduler.NewBus()
	sup.resources = scheduler.NewResourcePool(cfg.ResourcePools)
	sup.hooks = hooks.New(hookConfigs, cfg.SessionID, cfg.WorkspaceDir, l)

	sup.sched = scheduler.New(st, sup.bus, cfg.ResourcePools,
		scheduler.WithLogger(l),
		scheduler.WithTelemetry(tp),
		scheduler.WithTickBudget(cfg.MaxAssignmentsPerTick),
		scheduler.WithTickInterval(cfg.SchedulerTickInterval),
	)
	// Resolves the Store/Scheduler construction-order cycle: the scheduler
	// needs an already-open Store, and the Store's mutation hook can only be
	// supplied once the scheduler exists.
	st.SetOnMutation(sup.sched.Nudge)

	sup.engine = engine.New(st, sup.bus, sup.resources, sup.hooks,
		engine.WithLogger(l),
		engine.WithTelemetry(tp),
		engine.WithWorkspaceDir(cfg.WorkspaceDir),
		engine.WithSessionID(cfg.SessionID),
		engine.WithRecoveryTasks(cfg.EnableRecoveryTasks),
	)

	return sup, nil
}

func loadHookConfigs(path string) ([]model.HookConfig, error) {
	if path == "" {
		return nil, nil
	}
	return hooks.LoadConfigsYAML(path)
}

// RegisterExecutor binds an agent id to the function that actually performs
// its assigned tasks. Must be called before that agent receives work.
func (sup *Supervisor) RegisterExecutor(agentID string, fn engine.Executor) {
	sup.engine.RegisterExecutor(agentID, fn)
}

// Start runs the scheduler, execution engine, and heartbeat sweep loops
// until Stop is called.
func (sup *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	sup.cancel = cancel
	sup.sched.Start(runCtx)
	sup.engine.Start(runCtx)

	heartbeatCtx, heartbeatCancel := context.WithCancel(runCtx)
	sup.heartbeatStop = heartbeatCancel
	sup.heartbeatWG.Add(1)
	go sup.heartbeatLoop(heartbeatCtx)
}

// heartbeatLoop periodically marks agents whose last heartbeat has gone
// stale as failed and requeues their work (spec.md §3, §5). Ticks and
// expires on the same HeartbeatInterval — a registered agent is expected to
// call Heartbeat at least that often.
func (sup *Supervisor) heartbeatLoop(ctx context.Context) {
	defer sup.heartbeatWG.Done()
	ticker := time.NewTicker(sup.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := sup.st.SweepStaleAgents(sup.cfg.HeartbeatInterval)
			if err != nil {
				sup.logger.Error("supervisor: heartbeat sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if len(stale) > 0 {
				sup.logger.Warn("supervisor: marked agents failed on heartbeat expiry", map[string]interface{}{
					"agent_ids": stale,
				})
			}
		}
	}
}

// Stop halts new dispatch immediately, then waits up to graceMs for
// in-flight tasks to settle before forcibly cancelling the remainder
// (spec.md §5).
func (sup *Supervisor) Stop(graceMs int) {
	if sup.cancel == nil {
		return
	}

	// Stop hooks are advisory only (open question (b), SPEC_FULL.md §9):
	// a block:true response is logged but never cancels shutdown, since
	// there is no caller left to hand a block decision back to.
	stopResults := sup.hooks.Run(context.Background(), model.EventStop, "", nil, nil, nil)
	if blocked, msg := hooks.IsBlocked(stopResults); blocked {
		sup.logger.Warn("supervisor: stop hook requested block, shutting down anyway", map[string]interface{}{
			"message": msg,
		})
	}

	sup.sched.Stop()
	if sup.heartbeatStop != nil {
		sup.heartbeatStop()
		sup.heartbeatWG.Wait()
	}

	done := make(chan struct{})
	go func() {
		sup.engine.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(graceMs) * time.Millisecond):
		sup.logger.Warn("supervisor: grace period elapsed, force-cancelling in-flight tasks", nil)
		sup.cancel()
		<-done
	}
}

// Snapshot returns a deep copy of the current document.
func (sup *Supervisor) Snapshot() (*model.Document, error) {
	return sup.st.Snapshot()
}

// Subscribe returns a live feed of scheduler/engine lifecycle events,
// optionally filtered to the given kinds.
func (sup *Supervisor) Subscribe(kinds ...scheduler.EventKind) *scheduler.Subscription {
	return sup.bus.Subscribe(kinds...)
}

// Nudge forces an immediate scheduler tick instead of waiting for the next
// tick interval or store mutation.
func (sup *Supervisor) Nudge() { sup.sched.Nudge() }

func (sup *Supervisor) SuggestFeature(req model.SuggestFeatureRequest) (string, error) {
	return sup.st.SuggestFeature(req)
}

func (sup *Supervisor) ApproveFeature(id, approver string) error {
	return sup.st.ApproveFeature(id, approver)
}

func (sup *Supervisor) RejectFeature(id, rejector, reason string) error {
	return sup.st.RejectFeature(id, rejector, reason)
}

func (sup *Supervisor) GetFeature(id string) (*model.Feature, error) {
	return sup.st.GetFeature(id)
}

func (sup *Supervisor) CreateTaskFromFeature(featureID string, spec model.TaskSpec) (string, error) {
	spec = sup.withTaskDefaults(spec)
	return sup.st.CreateTaskFromFeature(featureID, spec)
}

func (sup *Supervisor) CreateTask(spec model.TaskSpec) (string, error) {
	spec = sup.withTaskDefaults(spec)
	return sup.st.CreateTask(spec)
}

func (sup *Supervisor) withTaskDefaults(spec model.TaskSpec) model.TaskSpec {
	if spec.TimeoutMs == 0 {
		spec.TimeoutMs = sup.cfg.DefaultTaskTimeoutMs
	}
	return spec
}

func (sup *Supervisor) CancelTask(taskID string) error {
	sup.engine.CancelTask(taskID)
	return sup.st.CancelTask(taskID)
}

func (sup *Supervisor) UpdateTaskProgress(taskID string, update model.TaskProgressUpdate) error {
	return sup.st.UpdateTaskProgress(taskID, update)
}

func (sup *Supervisor) AddTaskDependency(taskID, dependsOn string) error {
	return sup.st.AddTaskDependency(taskID, dependsOn)
}

func (sup *Supervisor) RegisterAgent(req model.RegisterAgentRequest) error {
	return sup.st.RegisterAgent(req)
}

func (sup *Supervisor) DeregisterAgent(agentID string) error {
	return sup.st.DeregisterAgent(agentID)
}

func (sup *Supervisor) Heartbeat(agentID string) error {
	return sup.st.Heartbeat(agentID)
}

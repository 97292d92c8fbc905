// Package scheduler binds ready tasks to capable agents in composite
// priority order, allocates named resources, and hands control to the
// execution engine via the task_assigned event (spec.md §4.4). Grounded on
// the teacher's TaskWorkerPool for the start/stop/tick lifecycle shape.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atms-dev/atms/internal/logger"
	"github.com/atms-dev/atms/internal/telemetry"
	"github.com/atms-dev/atms/model"
	"github.com/atms-dev/atms/resolver"
	"github.com/atms-dev/atms/store"
)

// DefaultTickBudget is the per-tick assignment cap (spec.md §4.4 step 6).
const DefaultTickBudget = 64

// DefaultTickInterval is the heartbeat driving periodic ticks absent an
// explicit store-mutation signal.
const DefaultTickInterval = 1 * time.Second

// Scheduler owns the resource pool and event bus and decides, on each tick,
// which ready tasks to assign to which agents.
type Scheduler struct {
	st        *store.Store
	resources *ResourcePool
	bus       *Bus
	logger    logger.Logger
	telemetry telemetry.Provider

	tickBudget   int
	tickInterval time.Duration

	wake chan struct{} // nudged on every store mutation to trigger an out-of-band tick

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) { s.logger = logger.EnsureComponent(l, "atms/scheduler") }
}

func WithTelemetry(t telemetry.Provider) Option { return func(s *Scheduler) { s.telemetry = t } }

func WithTickBudget(n int) Option { return func(s *Scheduler) { s.tickBudget = n } }

func WithTickInterval(d time.Duration) Option { return func(s *Scheduler) { s.tickInterval = d } }

// New returns a Scheduler over st with the given resource capacity.
func New(st *store.Store, bus *Bus, capacity map[string]int, opts ...Option) *Scheduler {
	s := &Scheduler{
		st:           st,
		resources:    NewResourcePool(capacity),
		bus:          bus,
		logger:       logger.NoOp{},
		telemetry:    telemetry.NoOpProvider{},
		tickBudget:   DefaultTickBudget,
		tickInterval: DefaultTickInterval,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Nudge requests an out-of-band tick, coalescing with any already pending.
// The store calls this after every mutation (spec.md §4.4: "triggered by
// any store mutation or by a 1s heartbeat").
func (s *Scheduler) Nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)
}

// Stop ends the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

// tick assigns as many ready tasks as the budget and available
// agents/resources allow.
func (s *Scheduler) tick(ctx context.Context) {
	doc, err := s.st.Snapshot()
	if err != nil {
		s.logger.Error("scheduler: snapshot failed", map[string]interface{}{"error": err.Error()})
		return
	}

	_, span := s.telemetry.StartSpan(ctx, "scheduler.tick")
	defer span.End()

	analysis := resolver.Analyze(doc, s.resources.Snapshot(), time.Now())
	candidates := compositeOrder(doc, analysis.ReadyTasks)

	assigned := 0
	for _, taskID := range candidates {
		if assigned >= s.tickBudget {
			break
		}
		t := doc.TaskByID(taskID)
		if t == nil {
			continue
		}
		agent := bestFitAgent(doc, t)
		if agent == nil {
			continue
		}
		if !s.resources.TryAcquire(t.ResourceRequirements) {
			continue
		}
		if err := s.st.AssignTask(taskID, agent.ID); err != nil {
			s.resources.Release(t.ResourceRequirements)
			continue
		}
		agent.CurrentLoad++ // keep the in-memory snapshot consistent within this tick
		assigned++
		s.bus.Publish(Event{Kind: EventTaskAssigned, TaskID: taskID, AgentID: agent.ID})
	}
}

// compositeOrder sorts readyTaskIDs by spec.md §4.4 step 2: descending
// priority, descending dependents (critical-path weight proxy), ascending
// created_at, ascending id.
func compositeOrder(doc *model.Document, readyTaskIDs []string) []string {
	dependents := countDependents(doc)
	tasks := make(map[string]*model.Task, len(doc.Tasks))
	for _, t := range doc.Tasks {
		tasks[t.ID] = t
	}

	ordered := append([]string(nil), readyTaskIDs...)
	sort.Slice(ordered, func(i, j int) bool {
		ti, tj := tasks[ordered[i]], tasks[ordered[j]]
		if ti.Priority != tj.Priority {
			return ti.Priority > tj.Priority
		}
		if dependents[ti.ID] != dependents[tj.ID] {
			return dependents[ti.ID] > dependents[tj.ID]
		}
		if !ti.CreatedAt.Equal(tj.CreatedAt) {
			return ti.CreatedAt.Before(tj.CreatedAt)
		}
		return ti.ID < tj.ID
	})
	return ordered
}

func countDependents(doc *model.Document) map[string]int {
	counts := map[string]int{}
	for _, t := range doc.Tasks {
		for _, dep := range t.Dependencies {
			counts[dep]++
		}
	}
	return counts
}

// bestFitAgent implements spec.md §4.4 step 3: active, has capacity,
// capabilities superset; ties broken by lowest current_load, then fewest
// recent failures, then earliest last_heartbeat.
func bestFitAgent(doc *model.Document, t *model.Task) *model.Agent {
	var best *model.Agent
	for _, a := range doc.Agents {
		if a.Status != model.AgentActive {
			continue
		}
		if a.AvailableSlots() <= 0 {
			continue
		}
		if !a.HasCapabilities(t.RequiredCapabilities) {
			continue
		}
		if best == nil || better(a, best) {
			best = a
		}
	}
	return best
}

func better(a, b *model.Agent) bool {
	if a.CurrentLoad != b.CurrentLoad {
		return a.CurrentLoad < b.CurrentLoad
	}
	if a.RecentFailures != b.RecentFailures {
		return a.RecentFailures < b.RecentFailures
	}
	return a.LastHeartbeat.Before(b.LastHeartbeat)
}

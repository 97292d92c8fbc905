// Package resolver computes dependency-graph structure over a task
// snapshot: cycle detection, execution levels, critical path, and
// parallelizable groupings (spec.md §4.2). Every function here is a pure
// read over a *model.Document — the resolver never mutates the store.
package resolver

import (
	"sort"
	"time"

	"github.com/atms-dev/atms/model"
)

// Analysis is the resolver's full output for one snapshot.
type Analysis struct {
	HasCycles            bool
	Cycles               [][]string
	ExecutionLevels      map[int][]string
	CriticalPath         []string
	ParallelizableGroups [][]string
	ReadyTasks           []string
	BlockedTasks         []string
}

// ResourcePool is the capacity the parallelizable-group computation packs
// against; it mirrors the scheduler's own resource pool so the resolver's
// groups are usable without re-deriving capacity elsewhere.
type ResourcePool map[string]int

// Analyze builds the full DependencyAnalysis over doc.Tasks. pool may be nil
// (treated as unlimited capacity). now gates readiness on each task's
// NextEligibleAt (spec.md §4.5 retry backoff) — a task whose backoff window
// hasn't elapsed is excluded from ReadyTasks even if its dependencies are
// satisfied.
func Analyze(doc *model.Document, pool ResourcePool, now time.Time) Analysis {
	tasks := make(map[string]*model.Task, len(doc.Tasks))
	for _, t := range doc.Tasks {
		tasks[t.ID] = t
	}

	cycles := detectCycles(tasks)
	levels := executionLevels(tasks, cycles)
	ready, blocked := partition(tasks, cycles, now)

	a := Analysis{
		HasCycles:       len(cycles) > 0,
		Cycles:          cycles,
		ExecutionLevels: levels,
		ReadyTasks:      ready,
		BlockedTasks:    blocked,
	}
	a.CriticalPath = criticalPath(tasks, levels)
	a.ParallelizableGroups = parallelizableGroups(tasks, levels, pool)
	return a
}

// color marks DFS visitation state for three-color cycle detection.
type color int

const (
	white color = iota
	gray
	black
)

// detectCycles runs DFS three-color marking over the dependency graph and
// returns every distinct cycle found, each as the ordered list of task ids
// on the cycle.
func detectCycles(tasks map[string]*model.Task) [][]string {
	colors := make(map[string]color, len(tasks))
	var cycles [][]string

	ids := sortedIDs(tasks)
	var stack []string
	var visit func(id string)
	visit = func(id string) {
		colors[id] = gray
		stack = append(stack, id)

		t := tasks[id]
		if t != nil {
			for _, dep := range t.Dependencies {
				if _, ok := tasks[dep]; !ok {
					continue
				}
				switch colors[dep] {
				case white:
					visit(dep)
				case gray:
					cycles = append(cycles, extractCycle(stack, dep))
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, id := range ids {
		if colors[id] == white {
			visit(id)
		}
	}
	return cycles
}

// extractCycle slices the DFS stack starting from the point the back-edge
// target was first pushed, producing the cycle in traversal order.
func extractCycle(stack []string, target string) []string {
	for i, id := range stack {
		if id == target {
			cycle := make([]string, len(stack)-i)
			copy(cycle, stack[i:])
			return cycle
		}
	}
	return nil
}

func cycledTaskSet(cycles [][]string) map[string]bool {
	set := map[string]bool{}
	for _, c := range cycles {
		for _, id := range c {
			set[id] = true
		}
	}
	return set
}

// executionLevels computes level 0 = no dependencies, level k = tasks whose
// maximum predecessor level is k-1, via repeated Kahn-style peeling. Tasks
// on a cycle are excluded since they never settle.
func executionLevels(tasks map[string]*model.Task, cycles [][]string) map[int][]string {
	onCycle := cycledTaskSet(cycles)
	level := make(map[string]int, len(tasks))
	remaining := map[string]bool{}
	for id := range tasks {
		if !onCycle[id] {
			remaining[id] = true
		}
	}

	current := 0
	for len(remaining) > 0 {
		var frontier []string
		for id := range remaining {
			t := tasks[id]
			ready := true
			for _, dep := range t.Dependencies {
				if remaining[dep] {
					ready = false
					break
				}
			}
			if ready {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			break // remaining tasks depend on a cycled task; leave them unleveled
		}
		sort.Strings(frontier)
		for _, id := range frontier {
			level[id] = current
			delete(remaining, id)
		}
		current++
	}

	levels := map[int][]string{}
	for id, lv := range level {
		levels[lv] = append(levels[lv], id)
	}
	for lv := range levels {
		sort.Strings(levels[lv])
	}
	return levels
}

// partition splits TaskQueued tasks into ready and blocked. Tasks already
// past TaskQueued (TaskAssigned, TaskInProgress) are deliberately in
// neither bucket: they are not awaiting a scheduling decision, so including
// them in either list would be misleading to a caller driving assignment
// off ReadyTasks/BlockedTasks. ReadyTasks/BlockedTasks is therefore a
// partition of non-terminal TaskQueued/TaskBlocked tasks, not of every
// non-terminal task (documented in SPEC_FULL.md §14).
func partition(tasks map[string]*model.Task, cycles [][]string, now time.Time) (ready, blocked []string) {
	onCycle := cycledTaskSet(cycles)
	for _, id := range sortedIDs(tasks) {
		t := tasks[id]
		if t.Status.IsActive() || t.Status.IsTerminal() {
			continue
		}
		if onCycle[id] {
			blocked = append(blocked, id)
			continue
		}
		if t.Status == model.TaskBlocked {
			blocked = append(blocked, id)
			continue
		}
		allDepsDone := true
		for _, dep := range t.Dependencies {
			d, ok := tasks[dep]
			if !ok || (d.Status != model.TaskCompleted && d.Status != model.TaskRecovered) {
				allDepsDone = false
				break
			}
		}
		backoffElapsed := t.NextEligibleAt == nil || !now.Before(*t.NextEligibleAt)
		if allDepsDone && backoffElapsed && t.Status == model.TaskQueued {
			ready = append(ready, id)
		} else if t.Status == model.TaskQueued {
			blocked = append(blocked, id)
		}
	}
	return ready, blocked
}

// duration returns a task's weight for critical-path computation: its
// estimated_duration, or 1 when absent/zero.
func duration(t *model.Task) int {
	if t.EstimatedDuration <= 0 {
		return 1
	}
	return t.EstimatedDuration
}

// criticalPath finds the longest weighted chain through the dependency DAG
// (excluding any task that never settled into a level, i.e. cycle members).
// Ties are broken by higher priority, then earlier created_at, applied
// during both the longest-path relaxation and final endpoint selection so
// the result is deterministic.
func criticalPath(tasks map[string]*model.Task, levels map[int][]string) []string {
	if len(levels) == 0 {
		return nil
	}

	best := make(map[string]int, len(tasks)) // longest path weight ending at id
	prev := make(map[string]string, len(tasks))

	var orderedLevels []int
	for lv := range levels {
		orderedLevels = append(orderedLevels, lv)
	}
	sort.Ints(orderedLevels)

	for _, lv := range orderedLevels {
		ids := levels[lv]
		for _, id := range ids {
			t := tasks[id]
			w := duration(t)
			bestPred := -1
			var bestPredID string
			for _, dep := range t.Dependencies {
				if _, ok := tasks[dep]; !ok {
					continue
				}
				candidate := best[dep]
				if candidate > bestPred || (candidate == bestPred && betterTieBreak(tasks[dep], tasks[bestPredID])) {
					bestPred = candidate
					bestPredID = dep
				}
			}
			if bestPred < 0 {
				bestPred = 0
				bestPredID = ""
			}
			best[id] = bestPred + w
			prev[id] = bestPredID
		}
	}

	var endpoint string
	for id, w := range best {
		if endpoint == "" {
			endpoint = id
			continue
		}
		if w > best[endpoint] || (w == best[endpoint] && betterTieBreak(tasks[id], tasks[endpoint])) {
			endpoint = id
		}
	}
	if endpoint == "" {
		return nil
	}

	var path []string
	for id := endpoint; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return path
}

// betterTieBreak reports whether a should win a tie over b: higher priority
// first, then earlier created_at.
func betterTieBreak(a, b *model.Task) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// parallelizableGroups partitions each execution level into maximal subsets
// whose summed resource requirements fit within pool capacity. A task whose
// requirement for a pooled resource would exceed the remaining budget starts
// a new group; required capabilities are not considered.
func parallelizableGroups(tasks map[string]*model.Task, levels map[int][]string, pool ResourcePool) [][]string {
	var groups [][]string

	var orderedLevels []int
	for lv := range levels {
		orderedLevels = append(orderedLevels, lv)
	}
	sort.Ints(orderedLevels)

	for _, lv := range orderedLevels {
		ids := levels[lv]
		remaining := ResourcePool{}
		for k, v := range pool {
			remaining[k] = v
		}
		var group []string

		flush := func() {
			if len(group) > 0 {
				groups = append(groups, group)
				group = nil
			}
		}

		for _, id := range ids {
			t := tasks[id]
			if fitsWithin(t.ResourceRequirements, remaining, pool != nil) {
				group = append(group, id)
				for res, need := range t.ResourceRequirements {
					if _, tracked := remaining[res]; tracked {
						remaining[res] -= need
					}
				}
				continue
			}
			flush()
			remaining = ResourcePool{}
			for k, v := range pool {
				remaining[k] = v
			}
			group = []string{id}
			for res, need := range t.ResourceRequirements {
				if _, tracked := remaining[res]; tracked {
					remaining[res] -= need
				}
			}
		}
		flush()
	}
	return groups
}

func fitsWithin(need map[string]int, remaining ResourcePool, bounded bool) bool {
	if !bounded {
		return true
	}
	for res, amount := range need {
		avail, tracked := remaining[res]
		if !tracked {
			continue
		}
		if avail-amount < 0 {
			return false
		}
	}
	return true
}

func sortedIDs(tasks map[string]*model.Task) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

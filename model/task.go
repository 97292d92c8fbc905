package model

import (
	"encoding/json"
	"time"
)

// TaskType identifies what kind of work a task represents. The set is open
// (spec.md: "implementation", "testing", "documentation", "recovery", …) so
// it is a plain string rather than a closed enum.
type TaskType string

const (
	TaskImplementation TaskType = "implementation"
	TaskTesting        TaskType = "testing"
	TaskDocumentation  TaskType = "documentation"
	TaskRecovery       TaskType = "recovery"
)

// TaskStatus is a node in the task state machine (spec.md §4.5).
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskRecovered  TaskStatus = "recovered"
	TaskBlocked    TaskStatus = "blocked"
)

// IsTerminal reports whether the status admits no further automatic
// transitions (manual retry from `failed` is the one exception, modeled as
// an explicit external edge rather than an automatic one).
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskRecovered
}

// Non-terminal statuses hold agent assignment / resource allocation.
func (s TaskStatus) IsActive() bool {
	return s == TaskAssigned || s == TaskInProgress
}

// taskTransitions enumerates legal state-machine edges (spec.md §4.5). The
// `*` wildcard for blocked is handled separately in CanTransitionTask since
// it may originate from any status.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:     {TaskAssigned, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskQueued, TaskCancelled, TaskFailed},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskQueued, TaskCancelled},
	TaskFailed:     {TaskQueued, TaskRecovered},
	TaskBlocked:    {TaskQueued},
}

// CanTransitionTask reports whether moving a task from `from` to `to` is a
// legal edge. `to == Blocked` is legal from every non-terminal status
// (resolver cycle detection can flag any non-terminal task), which is how
// the `* -> blocked` wildcard edge is applied.
func CanTransitionTask(from, to TaskStatus) bool {
	if to == TaskBlocked && !from.IsTerminal() {
		return true
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority levels map symbolic names to the integer scale used for
// composite scheduling order.
const (
	PriorityCritical   = 100
	PriorityHigh       = 80
	PriorityNormal     = 60
	PriorityLow        = 40
	PriorityBackground = 20
)

var prioritySymbols = map[string]int{
	"critical":   PriorityCritical,
	"high":       PriorityHigh,
	"normal":     PriorityNormal,
	"low":        PriorityLow,
	"background": PriorityBackground,
}

// PriorityFromSymbol maps a symbolic priority name to its integer value.
// Unknown names fall back to PriorityNormal.
func PriorityFromSymbol(symbol string) int {
	if v, ok := prioritySymbols[symbol]; ok {
		return v
	}
	return PriorityNormal
}

const (
	DefaultMaxRetries = 3
	DefaultTimeoutMs  = 300000
)

// ProgressEntry is an immutable audit record appended to a task's history on
// every status transition or explicit progress update. Never mutated once
// appended.
type ProgressEntry struct {
	Timestamp          time.Time  `json:"timestamp"`
	Status             TaskStatus `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
	Notes              string     `json:"notes,omitempty"`
	UpdatedBy          string     `json:"updated_by,omitempty"`
}

// Task is a schedulable unit derived from an approved feature.
type Task struct {
	ID                   string                 `json:"id"`
	FeatureID            string                 `json:"feature_id,omitempty"`
	Title                string                 `json:"title"`
	Description          string                 `json:"description"`
	Type                 TaskType               `json:"type"`
	Priority             int                    `json:"priority"`
	Status               TaskStatus             `json:"status"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	ResourceRequirements map[string]int         `json:"resource_requirements,omitempty"`
	AssignedTo           string                 `json:"assigned_to,omitempty"`
	AssignedAt           *time.Time             `json:"assigned_at,omitempty"`
	StartedAt            *time.Time             `json:"started_at,omitempty"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
	RetryCount           int                    `json:"retry_count"`
	MaxRetries           int                    `json:"max_retries"`
	TimeoutMs            int                    `json:"timeout_ms"`
	EstimatedDuration    int                    `json:"estimated_duration,omitempty"`
	ProgressHistory      []ProgressEntry        `json:"progress_history,omitempty"`
	LastError            string                 `json:"last_error,omitempty"`
	OriginalTaskID       string                 `json:"original_task_id,omitempty"`
	Context              map[string]interface{} `json:"context,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`

	// NextEligibleAt is set on a retry requeue (spec.md §4.5 exponential
	// backoff): the scheduler excludes this task from assignment until the
	// deadline passes, so the backoff actually delays reassignment instead
	// of only delaying the engine goroutine that requeued it.
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`

	// Extra preserves any unrecognized keys so round-tripping an externally
	// authored document never silently drops data (§6.1 forward-compat).
	Extra map[string]interface{} `json:"-"`
}

// taskAlias has Task's fields without its MarshalJSON/UnmarshalJSON
// methods, breaking the recursion custom codecs need.
type taskAlias Task

var taskKnownKeys = map[string]bool{
	"id": true, "feature_id": true, "title": true, "description": true,
	"type": true, "priority": true, "status": true, "dependencies": true,
	"required_capabilities": true, "resource_requirements": true,
	"assigned_to": true, "assigned_at": true, "started_at": true,
	"completed_at": true, "retry_count": true, "max_retries": true,
	"timeout_ms": true, "estimated_duration": true, "progress_history": true,
	"last_error": true, "original_task_id": true, "context": true,
	"created_at": true, "updated_at": true, "next_eligible_at": true,
}

func (t Task) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(taskAlias(t))
	if err != nil {
		return nil, err
	}
	return marshalWithExtra(base, t.Extra)
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var aux taskAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Task(aux)
	extra, err := extractExtra(data, taskKnownKeys)
	if err != nil {
		return err
	}
	t.Extra = extra
	return nil
}

// TaskSpec is the input used to derive a task from an approved feature
// (Store.CreateTaskFromFeature) or to create an orphan task directly.
type TaskSpec struct {
	Title                string
	Description          string
	Type                 TaskType
	Priority             int
	Dependencies         []string
	RequiredCapabilities []string
	ResourceRequirements map[string]int
	MaxRetries           int
	TimeoutMs            int
	EstimatedDuration    int
	Context              map[string]interface{}
}

// TaskProgressUpdate is the input to Store.UpdateTaskProgress.
type TaskProgressUpdate struct {
	Status             *TaskStatus
	ProgressPercentage int
	Notes              string
	UpdatedBy          string
	Error              string
}

// CompletedTaskRecord is an entry in the document's completed_tasks index.
type CompletedTaskRecord struct {
	TaskID      string    `json:"task_id"`
	CompletedAt time.Time `json:"completed_at"`
	AssignedTo  string    `json:"assigned_to"`
	FeatureID   string    `json:"feature_id,omitempty"`
}

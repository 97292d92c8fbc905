package model

import (
	"encoding/json"
	"time"
)

// Document is the single persisted JSON document — the authoritative store
// (spec.md §6.1). All fields round-trip; Extra on the document itself and
// on each entity (Feature, Task, Agent) preserves unrecognized keys so the
// format stays forward-compatible.
type Document struct {
	Project        string                `json:"project"`
	Metadata       Metadata              `json:"metadata"`
	WorkflowConfig WorkflowConfig        `json:"workflow_config"`
	Features       []*Feature            `json:"features"`
	Tasks          []*Task               `json:"tasks"`
	CompletedTasks []CompletedTaskRecord `json:"completed_tasks"`
	Agents         map[string]*Agent     `json:"agents"`

	// SnapshotVersion is a persisted monotonic counter bumped on every
	// mutation. A caller that memoizes derived state can compare it against
	// the version its cached result was built from; the scheduler does not,
	// and runs resolver.Analyze afresh on every tick.
	SnapshotVersion uint64 `json:"snapshot_version"`

	// Extra preserves any unrecognized top-level keys so round-tripping an
	// externally authored document never silently drops data
	// (§6.1 forward-compat).
	Extra map[string]interface{} `json:"-"`
}

// documentAlias has Document's fields without its MarshalJSON/UnmarshalJSON
// methods, breaking the recursion custom codecs need.
type documentAlias Document

var documentKnownKeys = map[string]bool{
	"project": true, "metadata": true, "workflow_config": true,
	"features": true, "tasks": true, "completed_tasks": true,
	"agents": true, "snapshot_version": true,
}

func (d Document) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(documentAlias(d))
	if err != nil {
		return nil, err
	}
	return marshalWithExtra(base, d.Extra)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var aux documentAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = Document(aux)
	extra, err := extractExtra(data, documentKnownKeys)
	if err != nil {
		return err
	}
	d.Extra = extra
	return nil
}

// Version returns the current mutation counter.
func (d *Document) Version() uint64 { return d.SnapshotVersion }

// BumpVersion increments the mutation counter. Called by Store after every
// successful write.
func (d *Document) BumpVersion() { d.SnapshotVersion++ }

// Metadata is document-level bookkeeping.
type Metadata struct {
	Version         string           `json:"version"`
	Created         time.Time        `json:"created"`
	Updated         time.Time        `json:"updated"`
	TotalFeatures   int              `json:"total_features"`
	ApprovalHistory []ApprovalRecord `json:"approval_history,omitempty"`
}

// WorkflowConfig governs feature lifecycle policy.
type WorkflowConfig struct {
	RequireApproval        bool     `json:"require_approval"`
	AutoRejectTimeoutHours int      `json:"auto_reject_timeout_hours"`
	AllowedStatuses        []string `json:"allowed_statuses"`
	RequiredFields         []string `json:"required_fields"`
}

// DefaultWorkflowConfig returns the configuration a freshly initialized
// project file carries.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		RequireApproval:        true,
		AutoRejectTimeoutHours: 72,
		AllowedStatuses:        []string{"suggested", "approved", "rejected", "implemented"},
		RequiredFields:         []string{"title", "description", "business_value", "category"},
	}
}

// NewDocument returns an empty, well-formed project document.
func NewDocument(project string, now time.Time) *Document {
	return &Document{
		Project: project,
		Metadata: Metadata{
			Version: "1.0.0",
			Created: now,
			Updated: now,
		},
		WorkflowConfig: DefaultWorkflowConfig(),
		Features:       []*Feature{},
		Tasks:          []*Task{},
		CompletedTasks: []CompletedTaskRecord{},
		Agents:         map[string]*Agent{},
	}
}

// TaskByID returns the task with the given id, or nil.
func (d *Document) TaskByID(id string) *Task {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// FeatureByID returns the feature with the given id, or nil.
func (d *Document) FeatureByID(id string) *Feature {
	for _, f := range d.Features {
		if f.ID == id {
			return f
		}
	}
	return nil
}

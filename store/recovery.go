package store

import (
	"time"

	"github.com/atms-dev/atms/model"
)

// recover performs the idempotent recovery pass run on every Open (spec.md
// §4.1): tasks whose timeout has silently elapsed are failed, tasks
// assigned to agents that no longer exist are requeued, and features stuck
// past their auto-reject window are rejected. Returns whether anything
// changed (and therefore needs to be persisted).
func (s *Store) recover(doc *model.Document) bool {
	now := s.now()
	changed := false

	for _, t := range doc.Tasks {
		switch t.Status {
		case model.TaskInProgress:
			if t.StartedAt != nil {
				deadline := t.StartedAt.Add(time.Duration(t.TimeoutMs) * time.Millisecond)
				if now.After(deadline) {
					s.transitionTask(t, model.TaskFailed, now, "timeout_recovered", "recovery")
					changed = true
				}
			}
		case model.TaskAssigned:
			if t.AssignedTo == "" {
				continue
			}
			if _, ok := doc.Agents[t.AssignedTo]; !ok {
				t.AssignedTo = ""
				t.AssignedAt = nil
				s.transitionTask(t, model.TaskQueued, now, "", "recovery: agent missing")
				changed = true
			}
		}
	}

	for _, f := range doc.Features {
		if f.Status != model.FeatureSuggested {
			continue
		}
		if doc.WorkflowConfig.AutoRejectTimeoutHours <= 0 {
			continue
		}
		deadline := f.CreatedAt.Add(time.Duration(doc.WorkflowConfig.AutoRejectTimeoutHours) * time.Hour)
		if now.After(deadline) {
			f.Status = model.FeatureRejected
			f.RejectionReason = model.AutoRejectReason
			f.RejectedBy = "system"
			f.UpdatedAt = now
			rd := now
			f.RejectionDate = &rd
			doc.Metadata.ApprovalHistory = append(doc.Metadata.ApprovalHistory, model.ApprovalRecord{
				FeatureID: f.ID,
				Action:    "rejected",
				Timestamp: now,
				Reason:    model.AutoRejectReason,
			})
			changed = true
		}
	}

	return changed
}

// transitionTask moves a task to a new status, appends the corresponding
// progress entry, and stamps terminal-state timestamps. Internal helper
// shared by recovery and the CRUD methods; callers are responsible for
// validating the transition is legal before calling this.
func (s *Store) transitionTask(t *model.Task, to model.TaskStatus, now time.Time, lastError, notes string) {
	t.Status = to
	t.UpdatedAt = now
	if lastError != "" {
		t.LastError = lastError
	}
	if to == model.TaskCompleted || to == model.TaskRecovered {
		ca := now
		t.CompletedAt = &ca
	}
	pct := 0
	if to == model.TaskCompleted || to == model.TaskRecovered {
		pct = 100
	}
	t.ProgressHistory = append(t.ProgressHistory, model.ProgressEntry{
		Timestamp:          now,
		Status:             to,
		ProgressPercentage: pct,
		Notes:              notes,
		UpdatedBy:          "system",
	})
}

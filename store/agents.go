package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/atms-dev/atms/model"
)

// RegisterAgent adds or re-registers an agent as "active" with zero load. A
// fresh SessionID is minted on every registration, so hook and telemetry
// correlation distinguishes one process lifetime of an agent from the next
// even if it re-registers under the same ID.
func (s *Store) RegisterAgent(req model.RegisterAgentRequest) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		now := s.now()
		doc.Agents[req.ID] = &model.Agent{
			ID:                 req.ID,
			Status:             model.AgentActive,
			Capabilities:       req.Capabilities,
			MaxConcurrentTasks: req.MaxConcurrentTasks,
			LastHeartbeat:      now,
			Initialized:        true,
			SessionID:          uuid.NewString(),
		}
		return true, nil
	})
}

// Heartbeat refreshes an agent's liveness timestamp and revives a failed
// agent to active. An agent whose heartbeat lapses past the expiry passed
// to SweepStaleAgents is marked failed and its assigned tasks are requeued
// by that sweep.
func (s *Store) Heartbeat(agentID string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		a, ok := doc.Agents[agentID]
		if !ok {
			return false, model.NewError("store.Heartbeat", agentID, model.ErrNotFound)
		}
		a.LastHeartbeat = s.now()
		if a.Status == model.AgentFailed {
			a.Status = model.AgentActive
		}
		return true, nil
	})
}

// DeregisterAgent sets an agent's status to "shutdown", requeues any
// non-terminal task it held, and clears the assignment (spec.md §4.1).
func (s *Store) DeregisterAgent(agentID string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		a, ok := doc.Agents[agentID]
		if !ok {
			return false, model.NewError("store.DeregisterAgent", agentID, model.ErrNotFound)
		}
		now := s.now()
		a.Status = model.AgentShutdown

		for _, t := range doc.Tasks {
			if t.AssignedTo != agentID {
				continue
			}
			if t.Status.IsTerminal() {
				continue
			}
			t.AssignedTo = ""
			t.AssignedAt = nil
			s.transitionTask(t, model.TaskQueued, now, "", "requeued: agent deregistered")
		}
		return true, nil
	})
}

// MarkAgentFailed flags an agent unavailable for new assignments and
// requeues any non-terminal task it held, mirroring DeregisterAgent — a
// missed heartbeat means the agent's process may be gone, so its in-flight
// work cannot be trusted to complete (spec.md §5 "missed -> agent failed,
// its tasks requeued"). A later Heartbeat call can still revive the agent
// (see Heartbeat above); what does not come back is the work it was doing.
func (s *Store) MarkAgentFailed(agentID string) error {
	return s.withDocument(func(doc *model.Document) (bool, error) {
		a, ok := doc.Agents[agentID]
		if !ok {
			return false, model.NewError("store.MarkAgentFailed", agentID, model.ErrNotFound)
		}
		now := s.now()
		a.Status = model.AgentFailed
		a.RecentFailures++

		for _, t := range doc.Tasks {
			if t.AssignedTo != agentID {
				continue
			}
			if t.Status.IsTerminal() {
				continue
			}
			t.AssignedTo = ""
			t.AssignedAt = nil
			s.transitionTask(t, model.TaskQueued, now, "", "requeued: agent failed")
		}
		return true, nil
	})
}

// SweepStaleAgents marks every active or idle agent whose last heartbeat is
// older than maxAge as failed, requeuing its assigned work (spec.md §3
// "cleans their assignments on... heartbeat expiry"). Returns the ids
// marked failed. Agents already failed or shut down are left alone — they
// have no assignments left to clean up twice.
func (s *Store) SweepStaleAgents(maxAge time.Duration) ([]string, error) {
	var stale []string
	err := s.withDocument(func(doc *model.Document) (bool, error) {
		now := s.now()
		for id, a := range doc.Agents {
			if a.Status != model.AgentActive && a.Status != model.AgentIdle {
				continue
			}
			if now.Sub(a.LastHeartbeat) <= maxAge {
				continue
			}
			a.Status = model.AgentFailed
			a.RecentFailures++
			for _, t := range doc.Tasks {
				if t.AssignedTo != id || t.Status.IsTerminal() {
					continue
				}
				t.AssignedTo = ""
				t.AssignedAt = nil
				s.transitionTask(t, model.TaskQueued, now, "", "requeued: heartbeat expired")
			}
			stale = append(stale, id)
		}
		return len(stale) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

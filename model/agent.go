package model

import (
	"encoding/json"
	"time"
)

// AgentStatus tracks an agent's availability for scheduling.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentIdle     AgentStatus = "idle"
	AgentFailed   AgentStatus = "failed"
	AgentShutdown AgentStatus = "shutdown"
)

// Agent is an execution worker: a registered capability set plus a live
// load counter. Agents are ephemeral relative to tasks — unregistering one
// that holds tasks requeues them (spec.md §3 "Lifecycle ownership").
type Agent struct {
	ID                 string      `json:"id"`
	SessionID          string      `json:"session_id"`
	Status             AgentStatus `json:"status"`
	Capabilities       []string    `json:"capabilities"`
	MaxConcurrentTasks int         `json:"max_concurrent_tasks"`
	CurrentLoad        int         `json:"current_load"`
	LastHeartbeat      time.Time   `json:"last_heartbeat"`
	Initialized        bool        `json:"initialized"`
	RecentFailures     int         `json:"recent_failures"`

	// Extra preserves any unrecognized keys so round-tripping an externally
	// authored document never silently drops data (§6.1 forward-compat).
	Extra map[string]interface{} `json:"-"`
}

// agentAlias has Agent's fields without its MarshalJSON/UnmarshalJSON
// methods, breaking the recursion custom codecs need.
type agentAlias Agent

var agentKnownKeys = map[string]bool{
	"id": true, "session_id": true, "status": true, "capabilities": true,
	"max_concurrent_tasks": true, "current_load": true, "last_heartbeat": true,
	"initialized": true, "recent_failures": true,
}

func (a Agent) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(agentAlias(a))
	if err != nil {
		return nil, err
	}
	return marshalWithExtra(base, a.Extra)
}

func (a *Agent) UnmarshalJSON(data []byte) error {
	var aux agentAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Agent(aux)
	extra, err := extractExtra(data, agentKnownKeys)
	if err != nil {
		return err
	}
	a.Extra = extra
	return nil
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// AvailableSlots returns how many more tasks this agent can take on.
func (a *Agent) AvailableSlots() int {
	if a.MaxConcurrentTasks <= 0 {
		return 0
	}
	return a.MaxConcurrentTasks - a.CurrentLoad
}

// RegisterAgentRequest is the input to Store/Supervisor RegisterAgent.
type RegisterAgentRequest struct {
	ID                 string
	Capabilities       []string
	MaxConcurrentTasks int
}

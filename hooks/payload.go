package hooks

import "time"

// Payload is what gets written to a hook subprocess's stdin (spec.md §4.3).
type Payload struct {
	Event         string                 `json:"event"`
	ToolName      string                 `json:"tool_name,omitempty"`
	ToolInput     map[string]interface{} `json:"tool_input,omitempty"`
	ToolOutput    map[string]interface{} `json:"tool_output,omitempty"`
	SessionID     string                 `json:"session_id"`
	CorrelationID string                 `json:"correlation_id"`
	WorkspaceDir  string                 `json:"workspace_dir"`
	Timestamp     string                 `json:"timestamp"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// NewPayload stamps Timestamp as RFC 3339. correlationID is minted fresh by
// the Manager for every hook invocation, so it identifies that one
// subprocess run in logs.
func NewPayload(event, toolName, sessionID, correlationID, workspaceDir string, toolInput, toolOutput, context map[string]interface{}, now time.Time) Payload {
	return Payload{
		Event:         event,
		ToolName:      toolName,
		ToolInput:     toolInput,
		ToolOutput:    toolOutput,
		SessionID:     sessionID,
		CorrelationID: correlationID,
		WorkspaceDir:  workspaceDir,
		Timestamp:     now.Format(time.RFC3339),
		Context:       context,
	}
}

// Modification is the optional "modify" field of a HookResponse.
type Modification struct {
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
}

// Response is a hook subprocess's parsed stdout.
type Response struct {
	Block    bool          `json:"block,omitempty"`
	Modify   *Modification `json:"modify,omitempty"`
	Message  string        `json:"message,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Result is one hook invocation's full outcome, recorded for every matched
// hook regardless of success (spec.md §4.3 step 6).
type Result struct {
	Hook       HookRef   `json:"hook"`
	Success    bool      `json:"success"`
	Response   *Response `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// HookRef identifies which configured hook produced a Result, without
// carrying the full command string back to callers that only log outcomes.
type HookRef struct {
	Event   string `json:"event"`
	Matcher string `json:"matcher,omitempty"`
}

// IsBlocked reports whether any successful result in results carries
// response.block == true, and the message attached to the first such result.
func IsBlocked(results []Result) (bool, string) {
	for _, r := range results {
		if r.Success && r.Response != nil && r.Response.Block {
			return true, r.Response.Message
		}
	}
	return false, ""
}

// GetModifiedInput returns the tool_input of the first result whose
// modify.tool_input is present.
func GetModifiedInput(results []Result) map[string]interface{} {
	for _, r := range results {
		if r.Response != nil && r.Response.Modify != nil && r.Response.Modify.ToolInput != nil {
			return r.Response.Modify.ToolInput
		}
	}
	return nil
}

// GetMessages returns the ordered messages and error strings across results.
func GetMessages(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Response != nil && r.Response.Message != "" {
			out = append(out, r.Response.Message)
		}
		if r.Error != "" {
			out = append(out, r.Error)
		}
	}
	return out
}

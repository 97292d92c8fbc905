// Package hooks spawns user-declared external commands at lifecycle events
// and interprets their verdicts (spec.md §4.3). Grounded on the teacher's
// HITL controller for the synchronous gate-and-continue shape, and on
// kadirpekel-hector's command tool for the actual `sh -c` subprocess
// plumbing — no pack repo shells out to a user hook directly, so that one
// piece borrows from outside the teacher.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atms-dev/atms/internal/logger"
	"github.com/atms-dev/atms/internal/resilience"
	"github.com/atms-dev/atms/model"
)

const hookTimeout = 30 * time.Second

// Manager runs the configured hooks for each lifecycle event.
type Manager struct {
	configs   []model.HookConfig
	logger    logger.Logger
	breakers  map[string]*resilience.CircuitBreaker
	sessionID string
	workspace string
}

// New returns a Manager over the given hook configs. sessionID and
// workspace are stamped into every payload.
func New(configs []model.HookConfig, sessionID, workspace string, l logger.Logger) *Manager {
	return &Manager{
		configs:   configs,
		logger:    logger.EnsureComponent(l, "atms/hooks"),
		breakers:  map[string]*resilience.CircuitBreaker{},
		sessionID: sessionID,
		workspace: workspace,
	}
}

// Run executes every hook matching event/toolName in configuration order,
// stopping at the first block:true (spec.md §4.3 short-circuit rule).
func (m *Manager) Run(ctx context.Context, event model.HookEvent, toolName string, toolInput, toolOutput, extraContext map[string]interface{}) []Result {
	var results []Result
	for _, cfg := range m.configs {
		if !cfg.Matches(event, toolName) {
			continue
		}

		result := m.invoke(ctx, cfg, string(event), toolName, toolInput, toolOutput, extraContext)
		results = append(results, result)

		if result.Success && result.Response != nil && result.Response.Block {
			break
		}
	}
	return results
}

func (m *Manager) breakerFor(cfg model.HookConfig) *resilience.CircuitBreaker {
	key := string(cfg.Event) + "|" + cfg.Command
	b, ok := m.breakers[key]
	if !ok {
		cbCfg := resilience.DefaultConfig("hook:" + key)
		cbCfg.Logger = m.logger
		b = resilience.New(cbCfg)
		m.breakers[key] = b
	}
	return b
}

func (m *Manager) invoke(ctx context.Context, cfg model.HookConfig, event, toolName string, toolInput, toolOutput, extraContext map[string]interface{}) Result {
	ref := HookRef{Event: event, Matcher: cfg.Matcher}
	breaker := m.breakerFor(cfg)

	if !breaker.CanExecute() {
		return Result{Hook: ref, Success: false, Error: "circuit open: hook command recently failed repeatedly"}
	}

	payload := NewPayload(event, toolName, m.sessionID, uuid.NewString(), m.workspace, toolInput, toolOutput, extraContext, time.Now())
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		breaker.RecordResult(err)
		return Result{Hook: ref, Success: false, Error: fmt.Sprintf("encode payload: %v", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "sh", "-c", cfg.Command)
	cmd.Env = append(cmd.Environ(), "HOOK_EVENT="+event, "HOOK_TOOL_NAME="+toolName)
	cmd.Stdin = bytes.NewReader(body)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		breaker.RecordResult(model.ErrHookTimeout)
		return Result{
			Hook:       ref,
			Success:    false,
			Error:      fmt.Sprintf("Hook timed out after %dms", hookTimeout.Milliseconds()),
			DurationMs: duration.Milliseconds(),
		}
	}

	response, parseErr := parseResponse(stdout.Bytes(), stderr.String(), runErr)
	if parseErr != nil {
		breaker.RecordResult(parseErr)
		return Result{Hook: ref, Success: false, Error: parseErr.Error(), DurationMs: duration.Milliseconds()}
	}

	breaker.RecordResult(nil)
	return Result{
		Hook:       ref,
		Success:    true,
		Response:   response,
		DurationMs: duration.Milliseconds(),
	}
}

// parseResponse implements step 5 of spec.md §4.3: stdout as JSON wins;
// non-empty non-JSON stdout becomes a non-blocking message; empty stdout
// with a non-zero exit synthesizes an error from stderr or the exit code.
func parseResponse(stdout []byte, stderr string, runErr error) (*Response, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 {
		var resp Response
		if err := json.Unmarshal(trimmed, &resp); err == nil {
			return &resp, nil
		}
		return &Response{Message: strings.TrimSpace(string(trimmed)), Block: false}, nil
	}

	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		errText := strings.TrimSpace(stderr)
		if errText == "" {
			errText = fmt.Sprintf("exited %d", exitCode)
		}
		return &Response{Error: errText, ExitCode: exitCode}, nil
	}
	return &Response{}, nil
}

// Package supervisor wires the store, resolver, scheduler, hook manager, and
// execution engine into one process-lifetime façade (spec.md §5). It is the
// only package callers outside ATMS need to import.
package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atms-dev/atms/model"
	"github.com/atms-dev/atms/scheduler"
)

// Config carries every tunable the Supervisor needs at startup. Fields are
// resolved the way the teacher's core.NewConfig resolves its own: defaults,
// then environment variables, then functional Option overrides win last.
// Grounded on core/config.go's DefaultConfig + LoadFromEnv + Option sequence.
type Config struct {
	StorePath             string        `json:"store_path" env:"ATMS_STORE_PATH" default:"atms.json"`
	Project               string        `json:"project" env:"ATMS_PROJECT" default:"default"`
	LockTimeout           time.Duration `json:"lock_timeout" env:"ATMS_LOCK_TIMEOUT" default:"5s"`
	// HookTimeout is resolved and validated but not passed to the hook
	// manager, which always applies its own fixed 30s limit.
	HookTimeout           time.Duration `json:"hook_timeout" env:"ATMS_HOOK_TIMEOUT" default:"30s"`
	HooksConfigPath       string        `json:"hooks_config_path" env:"ATMS_HOOKS_CONFIG"`
	DefaultTaskTimeoutMs  int           `json:"default_task_timeout_ms" env:"ATMS_DEFAULT_TASK_TIMEOUT_MS" default:"300000"`
	HeartbeatInterval     time.Duration `json:"heartbeat_interval" env:"ATMS_HEARTBEAT_INTERVAL" default:"30s"`
	SchedulerTickInterval time.Duration `json:"scheduler_tick_interval" env:"ATMS_SCHEDULER_TICK_INTERVAL" default:"1s"`
	MaxAssignmentsPerTick int           `json:"max_assignments_per_tick" env:"ATMS_MAX_ASSIGNMENTS_PER_TICK" default:"64"`
	GraceShutdownMs       int           `json:"grace_shutdown_ms" env:"ATMS_GRACE_SHUTDOWN_MS" default:"30000"`
	EnableRecoveryTasks   bool          `json:"enable_recovery_tasks" env:"ATMS_ENABLE_RECOVERY_TASKS" default:"true"`
	ResourcePools         map[string]int
	WorkspaceDir          string `json:"workspace_dir" env:"ATMS_WORKSPACE_DIR" default:"."`
	SessionID             string
}

// Option overrides a resolved Config field. Applied after environment
// variables, mirroring core.Option's precedence.
type Option func(*Config) error

func WithStorePath(path string) Option {
	return func(c *Config) error { c.StorePath = path; return nil }
}

func WithHooksConfigPath(path string) Option {
	return func(c *Config) error { c.HooksConfigPath = path; return nil }
}

func WithResourcePools(pools map[string]int) Option {
	return func(c *Config) error { c.ResourcePools = pools; return nil }
}

func WithGraceShutdown(d time.Duration) Option {
	return func(c *Config) error { c.GraceShutdownMs = int(d.Milliseconds()); return nil }
}

func WithSchedulerTickInterval(d time.Duration) Option {
	return func(c *Config) error { c.SchedulerTickInterval = d; return nil }
}

func WithRecoveryTasks(enabled bool) Option {
	return func(c *Config) error { c.EnableRecoveryTasks = enabled; return nil }
}

// DefaultConfig returns a Config populated with every field's documented
// default, before environment or Option overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		StorePath:             "atms.json",
		Project:               "default",
		LockTimeout:           5 * time.Second,
		HookTimeout:           30 * time.Second,
		DefaultTaskTimeoutMs:  model.DefaultTimeoutMs,
		HeartbeatInterval:     30 * time.Second,
		SchedulerTickInterval: scheduler.DefaultTickInterval,
		MaxAssignmentsPerTick: scheduler.DefaultTickBudget,
		GraceShutdownMs:       30000,
		EnableRecoveryTasks:   true,
		WorkspaceDir:          ".",
		SessionID:             uuid.NewString(),
	}
}

// LoadFromEnv overlays any ATMS_* environment variable present onto cfg,
// leaving untouched fields at their prior (default) values.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ATMS_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("ATMS_PROJECT"); v != "" {
		c.Project = v
	}
	if v := os.Getenv("ATMS_LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("supervisor: ATMS_LOCK_TIMEOUT: %w", err)
		}
		c.LockTimeout = d
	}
	if v := os.Getenv("ATMS_HOOK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("supervisor: ATMS_HOOK_TIMEOUT: %w", err)
		}
		c.HookTimeout = d
	}
	if v := os.Getenv("ATMS_HOOKS_CONFIG"); v != "" {
		c.HooksConfigPath = v
	}
	if v := os.Getenv("ATMS_DEFAULT_TASK_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("supervisor: ATMS_DEFAULT_TASK_TIMEOUT_MS: %w", err)
		}
		c.DefaultTaskTimeoutMs = n
	}
	if v := os.Getenv("ATMS_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("supervisor: ATMS_HEARTBEAT_INTERVAL: %w", err)
		}
		c.HeartbeatInterval = d
	}
	if v := os.Getenv("ATMS_SCHEDULER_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("supervisor: ATMS_SCHEDULER_TICK_INTERVAL: %w", err)
		}
		c.SchedulerTickInterval = d
	}
	if v := os.Getenv("ATMS_MAX_ASSIGNMENTS_PER_TICK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("supervisor: ATMS_MAX_ASSIGNMENTS_PER_TICK: %w", err)
		}
		c.MaxAssignmentsPerTick = n
	}
	if v := os.Getenv("ATMS_GRACE_SHUTDOWN_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("supervisor: ATMS_GRACE_SHUTDOWN_MS: %w", err)
		}
		c.GraceShutdownMs = n
	}
	if v := os.Getenv("ATMS_ENABLE_RECOVERY_TASKS"); v != "" {
		c.EnableRecoveryTasks = v != "false" && v != "0"
	}
	if v := os.Getenv("ATMS_WORKSPACE_DIR"); v != "" {
		c.WorkspaceDir = v
	}
	return nil
}

// NewConfig resolves a Config the way the teacher resolves its own:
// defaults, then environment, then Option overrides, then validation.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("supervisor: apply option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects a Config with nonsensical values before any Store is
// opened against it.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return model.NewError("supervisor.Config.Validate", "", model.ErrInvalidField)
	}
	if c.LockTimeout <= 0 || c.HookTimeout <= 0 {
		return model.NewError("supervisor.Config.Validate", "", model.ErrInvalidField)
	}
	if c.GraceShutdownMs < 0 {
		return model.NewError("supervisor.Config.Validate", "", model.ErrInvalidField)
	}
	return nil
}

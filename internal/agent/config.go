package agent

import "time"

// Config configures task iteration behavior.
type Config struct {
	// MaxIterations bounds model calls per task. Exceeding it fails the task.
	MaxIterations int

	// AutoApprove runs approval-gated tools without waiting for the user.
	AutoApprove bool

	// ActionBuffer sizes each task's action channel.
	ActionBuffer int

	// SystemPrompt is prepended to every conversation when set.
	SystemPrompt string

	// ToolResultMaxBytes truncates tool output before it reaches the model
	// (0 = unlimited).
	ToolResultMaxBytes int

	// ToolResultGuard redacts tool output before persistence.
	ToolResultGuard ToolResultGuard

	// CompletionHooks run in order when a turn has no tool calls.
	CompletionHooks []CompletionHook

	// Retention keeps finished tasks visible to Get until Cleanup.
	Retention time.Duration
}

// DefaultConfig returns the baseline runtime configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      25,
		ActionBuffer:       16,
		ToolResultMaxBytes: 64 << 10,
		Retention:          10 * time.Minute,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaults.MaxIterations
	}
	if c.ActionBuffer <= 0 {
		c.ActionBuffer = defaults.ActionBuffer
	}
	if c.ToolResultMaxBytes < 0 {
		c.ToolResultMaxBytes = 0
	}
	if c.Retention <= 0 {
		c.Retention = defaults.Retention
	}
	return c
}

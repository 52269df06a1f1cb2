package agent

import (
	"context"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// HookAction is the decision a completion hook returns for a turn without
// tool calls.
type HookAction string

const (
	// HookContinue finalizes the turn; the task completes unless a later
	// hook asks for more.
	HookContinue HookAction = "continue"

	// HookStop ends the task successfully without consulting later hooks.
	HookStop HookAction = "stop"

	// HookIterate feeds Prompt back to the model as a user turn.
	HookIterate HookAction = "iterate"
)

// HookDecision is returned by a completion hook.
type HookDecision struct {
	Action HookAction
	Prompt string
	Reason string
}

// Continue finalizes the turn.
func Continue() HookDecision {
	return HookDecision{Action: HookContinue}
}

// Stop ends the task with reason.
func Stop(reason string) HookDecision {
	return HookDecision{Action: HookStop, Reason: reason}
}

// Iterate asks for another model call with prompt as the next user turn.
func Iterate(prompt string) HookDecision {
	return HookDecision{Action: HookIterate, Prompt: prompt}
}

// TurnInfo describes the finished turn a hook inspects.
type TurnInfo struct {
	TaskID    string
	SessionID string
	Iteration int

	// Message is the assistant turn; nil when the model produced nothing.
	Message *models.Message

	// Conversation is a copy of the conversation including Message.
	Conversation []*models.Message
}

// CompletionHook is one pluggable check in the completion pipeline.
type CompletionHook interface {
	Name() string
	Check(ctx context.Context, turn TurnInfo) (HookDecision, error)
}

// HookFunc adapts a function to CompletionHook.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, turn TurnInfo) (HookDecision, error)
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) Check(ctx context.Context, turn TurnInfo) (HookDecision, error) {
	return h.Fn(ctx, turn)
}

// runHooks evaluates hooks in order. The first decision other than Continue
// wins; a hook error is logged and treated as Continue.
func (t *task) runHooks(ctx context.Context, turn TurnInfo) HookDecision {
	for _, hook := range t.rt.config.CompletionHooks {
		decision, err := hook.Check(ctx, turn)
		if err != nil {
			t.rt.logger.Warn(ctx, "completion hook failed", "hook", hook.Name(), "error", err)
			continue
		}
		switch decision.Action {
		case HookStop:
			return decision
		case HookIterate:
			if decision.Prompt != "" {
				return decision
			}
			t.rt.logger.Warn(ctx, "completion hook asked to iterate without a prompt", "hook", hook.Name())
		}
	}
	return Continue()
}

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// task is the state owned by one running task. Only the task goroutine
// mutates the conversation; record and usage are guarded by mu.
type task struct {
	rt   *Runtime
	spec TaskSpec
	tctx tools.ToolContext

	actions chan models.TaskAction
	done    chan struct{}
	cancel  context.CancelFunc

	mu     sync.RWMutex
	record models.RuntimeTask
	usage  protocol.Usage
	err    error

	conversation []*models.Message
}

func newTask(rt *Runtime, spec TaskSpec) *task {
	id := uuid.NewString()
	return &task{
		rt:   rt,
		spec: spec,
		tctx: tools.ToolContext{
			SessionID:     spec.SessionID,
			TaskID:        id,
			WorkspaceRoot: spec.WorkspaceRoot,
			Worktree:      spec.Worktree,
			Settings:      spec.Settings,
		},
		actions: make(chan models.TaskAction, rt.config.ActionBuffer),
		done:    make(chan struct{}),
		cancel:  func() {},
		record: models.RuntimeTask{
			ID:        id,
			SessionID: spec.SessionID,
			Model:     spec.Model,
			CreatedAt: time.Now(),
		},
	}
}

func (t *task) snapshot() models.RuntimeTask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.record
}

func (t *task) state() models.TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.record.State
}

// transition moves the task to state, persists the record and publishes
// the change. Transitions out of a terminal state are ignored.
func (t *task) transition(ctx context.Context, state models.TaskState) {
	t.mu.Lock()
	from := t.record.State
	if from == state || from.IsTerminal() {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	t.record.State = state
	if state == models.TaskRunning && t.record.StartedAt == nil {
		t.record.StartedAt = &now
	}
	if state.IsTerminal() {
		t.record.CompletedAt = &now
	}
	snap := t.record
	t.mu.Unlock()

	t.rt.metrics.RecordTransition(string(from), string(state), from.IsActive(), state.IsActive())
	if err := t.rt.store.SaveTask(context.WithoutCancel(ctx), &snap); err != nil {
		t.rt.logger.Warn(ctx, "persist task failed", "state", state, "error", err)
	}
	ev := t.event(models.EventTaskStateChanged)
	ev.State = state
	if from != "" {
		ev = ev.WithMeta("from", string(from))
	}
	t.emit(ctx, ev)
}

func (t *task) event(eventType models.RuntimeEventType) models.RuntimeEvent {
	return models.NewRuntimeEvent(eventType, t.record.ID, t.spec.SessionID)
}

// emit publishes ev on the bus and appends the stamped event to the log.
func (t *task) emit(ctx context.Context, ev models.RuntimeEvent) {
	stamped := t.rt.bus.Publish(ev)
	if err := t.rt.store.AppendEvent(context.WithoutCancel(ctx), stamped); err != nil {
		t.rt.logger.Warn(ctx, "persist event failed", "type", ev.Type, "error", err)
	}
}

// appendMessage adds msg to the conversation, persists it and announces it.
func (t *task) appendMessage(ctx context.Context, msg *models.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SessionID = t.spec.SessionID
	msg.TaskID = t.record.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	t.conversation = append(t.conversation, msg)
	if err := t.rt.store.AppendMessage(context.WithoutCancel(ctx), msg.Clone()); err != nil {
		t.rt.logger.Warn(ctx, "persist message failed", "role", msg.Role, "error", err)
	}
	ev := t.event(models.EventMessageCreated)
	ev.Message = msg.Clone()
	t.emit(ctx, ev)
}

func (t *task) setIteration(n int) {
	t.mu.Lock()
	t.record.Iterations = n
	t.mu.Unlock()
}

func (t *task) addUsage(u protocol.Usage) {
	t.mu.Lock()
	t.usage.Add(u)
	t.mu.Unlock()
}

func (t *task) finish(err error) {
	t.mu.Lock()
	t.err = err
	if err != nil {
		t.record.Error = err.Error()
	}
	t.mu.Unlock()
}

func (t *task) handle() *TaskHandle {
	return &TaskHandle{TaskID: t.record.ID, SessionID: t.spec.SessionID, t: t}
}

// TaskHandle is the control surface of one task.
type TaskHandle struct {
	TaskID    string
	SessionID string

	t *task
}

// State returns the current state.
func (h *TaskHandle) State() models.TaskState {
	return h.t.state()
}

// Task returns a snapshot of the task record.
func (h *TaskHandle) Task() models.RuntimeTask {
	return h.t.snapshot()
}

// Usage returns the tokens accumulated over every model call so far.
func (h *TaskHandle) Usage() protocol.Usage {
	h.t.mu.RLock()
	defer h.t.mu.RUnlock()
	return h.t.usage
}

// Err returns the failure that ended the task, or nil.
func (h *TaskHandle) Err() error {
	h.t.mu.RLock()
	defer h.t.mu.RUnlock()
	return h.t.err
}

// Done is closed once the task reached a terminal state.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.t.done
}

// Wait blocks until the task finished or ctx is done.
func (h *TaskHandle) Wait(ctx context.Context) (models.RuntimeTask, error) {
	select {
	case <-h.t.done:
		return h.Task(), nil
	case <-ctx.Done():
		return h.Task(), ctx.Err()
	}
}

// Send delivers an action to the task. Cancel takes effect immediately;
// other actions are queued and consumed while the task waits for the user.
// Send never blocks: it returns ErrActionQueueFull when the queue is full
// and ErrTaskTerminal for a finished task.
func (h *TaskHandle) Send(action models.TaskAction) error {
	if h.t.state().IsTerminal() {
		return ErrTaskTerminal
	}
	switch action.Type {
	case models.ActionCancel:
		h.t.cancel()
		return nil
	case models.ActionApprove, models.ActionReject, models.ActionToolResult:
		if action.ToolCallID == "" {
			return models.NewError(models.ErrorInvalidRequest, "agent.send", "tool_call_id is required")
		}
	default:
		return models.Errorf(models.ErrorInvalidRequest, "agent.send", "unknown action %q", action.Type)
	}
	select {
	case <-h.t.done:
		return ErrTaskTerminal
	default:
	}
	select {
	case h.t.actions <- action:
		return nil
	default:
		return ErrActionQueueFull
	}
}

// Cancel requests cancellation. It is a no-op on a finished task.
func (h *TaskHandle) Cancel() {
	_ = h.Send(models.Cancel())
}

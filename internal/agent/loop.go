package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/internal/observability"
	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// MaxResponseTextSize limits accumulated assistant text per turn.
const MaxResponseTextSize = 1 << 20 // 1MB

// MaxToolCallsPerIteration limits tool calls accepted from a single turn.
const MaxToolCallsPerIteration = 100

// run drives the task from Running to a terminal state.
func (t *task) run(ctx context.Context) {
	defer close(t.done)

	t.transition(ctx, models.TaskRunning)
	t.seedConversation(ctx)
	t.conclude(ctx, t.iterate(ctx))
}

func (t *task) seedConversation(ctx context.Context) {
	system := t.spec.SystemPrompt
	if system == "" {
		system = t.rt.config.SystemPrompt
	}
	if system != "" {
		t.conversation = append(t.conversation, models.SystemMessage(system))
	}
	for _, msg := range t.spec.History {
		if msg != nil {
			t.conversation = append(t.conversation, msg.Clone())
		}
	}
	if t.spec.Prompt != "" {
		t.appendMessage(ctx, models.UserMessage(t.spec.Prompt))
	}
}

// iterate runs model turns until one finishes the task. A nil return means
// the task completed.
func (t *task) iterate(ctx context.Context) error {
	limit := t.rt.config.MaxIterations
	for n := 1; ; n++ {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if n > limit {
			return &TaskError{
				Phase:     PhaseComplete,
				Iteration: n - 1,
				Cause:     models.Errorf(models.ErrorIterationLimit, "agent.loop", "exceeded %d iterations without finishing", limit),
			}
		}
		t.setIteration(n)

		done, err := t.iteration(ctx, n)
		if err != nil || done {
			return err
		}
	}
}

// iteration runs one model call and whatever it asked for.
func (t *task) iteration(ctx context.Context, n int) (bool, error) {
	ctx, span := t.rt.tracer.TraceIteration(ctx, t.record.ID, n)
	defer span.End()

	msg, calls, err := t.streamTurn(ctx, n)
	if err != nil {
		if !IsCancelled(err) {
			observability.RecordError(span, err)
		}
		return false, err
	}
	if msg != nil {
		t.appendMessage(ctx, msg)
	}

	if len(calls) == 0 {
		decision := t.runHooks(ctx, TurnInfo{
			TaskID:       t.record.ID,
			SessionID:    t.spec.SessionID,
			Iteration:    n,
			Message:      msg.Clone(),
			Conversation: cloneConversation(t.conversation),
		})
		switch decision.Action {
		case HookIterate:
			t.appendMessage(ctx, models.UserMessage(decision.Prompt))
			return false, nil
		case HookStop:
			t.rt.logger.Info(ctx, "completion hook stopped task", "reason", decision.Reason)
		}
		return true, nil
	}

	results, err := t.executeTools(ctx, n, calls)
	if len(results) > 0 {
		t.appendMessage(ctx, models.ToolResultMessage(results...))
	}
	return false, err
}

// streamTurn calls the model and assembles its turn. The stream read races
// against cancellation of ctx.
func (t *task) streamTurn(ctx context.Context, n int) (*models.Message, []models.ToolRequest, error) {
	req := &protocol.Request{
		Model:    t.spec.Model,
		Messages: append([]*models.Message(nil), t.conversation...),
		Tools:    t.rt.dispatcher.Registry().Definitions(),
		Sampling: t.spec.Sampling,
		Options:  t.spec.Options,
	}
	s, err := t.rt.streamer.Start(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ErrCancelled
		}
		return nil, nil, newTaskError(PhaseStream, n, err)
	}
	defer s.Close()

	var b turnBuilder
	events := s.Events()
read:
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ErrCancelled
		case ev, ok := <-events:
			if !ok {
				break read
			}
			if err := t.handleStreamEvent(ctx, n, &b, ev); err != nil {
				return nil, nil, newTaskError(PhaseStream, n, err)
			}
		}
	}
	if err := s.Err(); err != nil {
		if ctx.Err() != nil || IsCancelled(err) {
			return nil, nil, ErrCancelled
		}
		return nil, nil, newTaskError(PhaseStream, n, err)
	}

	msg := b.message()
	if msg != nil {
		msg.Metadata = map[string]any{"provider": s.Provider, "model": s.Model}
		if b.finishReason != "" {
			msg.Metadata["finish_reason"] = b.finishReason
		}
	}
	return msg, b.calls, nil
}

func (t *task) handleStreamEvent(ctx context.Context, n int, b *turnBuilder, ev protocol.StreamEvent) error {
	switch ev.Type {
	case protocol.EventTextDelta:
		if b.textBytes+len(ev.Text) > MaxResponseTextSize {
			return models.Errorf(models.ErrorDecode, "agent.stream", "response text exceeds maximum size of %d bytes", MaxResponseTextSize)
		}
		b.addText(ev.Text)
		out := t.event(models.EventToken)
		out.Text = ev.Text
		out.Iteration = n
		t.emit(ctx, out)

	case protocol.EventReasoningStart:
		b.startReasoning()
		out := t.event(models.EventReasoningStart)
		out.Iteration = n
		t.emit(ctx, out)

	case protocol.EventReasoningDelta:
		b.addReasoning(ev.Text)
		out := t.event(models.EventReasoningDelta)
		out.Text = ev.Text
		out.Iteration = n
		t.emit(ctx, out)

	case protocol.EventReasoningEnd:
		b.endReasoning(ev.Metadata)
		out := t.event(models.EventReasoningEnd)
		out.Iteration = n
		out.Meta = ev.Metadata
		t.emit(ctx, out)

	case protocol.EventToolCall:
		if ev.ToolCall == nil {
			return nil
		}
		if len(b.calls) >= MaxToolCallsPerIteration {
			return models.Errorf(models.ErrorDecode, "agent.stream", "tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
		}
		if ev.Incomplete {
			t.rt.logger.Warn(ctx, "tool call arguments were incomplete", "tool", ev.ToolCall.Name, "tool_call_id", ev.ToolCall.ToolCallID)
		}
		b.addToolCall(*ev.ToolCall)

	case protocol.EventUsage:
		if ev.Usage != nil {
			t.addUsage(*ev.Usage)
		}

	case protocol.EventDone:
		b.finishReason = ev.FinishReason

	case protocol.EventError:
		msg := ev.Text
		if msg == "" {
			msg = "provider reported a stream error"
		}
		return models.NewError(models.ErrorTransport, "agent.stream", msg)
	}
	return nil
}

// executeTools runs a batch through the analyzer's plan. Results come back
// in the order the model requested the calls. Tools already started finish
// even when the task is cancelled.
func (t *task) executeTools(ctx context.Context, n int, calls []models.ToolRequest) ([]models.ToolResult, error) {
	registry := t.rt.dispatcher.Registry()
	plan := tools.Analyze(calls, registry.Metadata)
	toolCtx := context.WithoutCancel(ctx)
	autoApprove := t.rt.config.AutoApprove

	done := make(map[string]models.ToolResult, len(calls))
	collect := func() []models.ToolResult {
		out := make([]models.ToolResult, 0, len(done))
		for _, call := range calls {
			if r, ok := done[call.ToolCallID]; ok {
				out = append(out, r)
			}
		}
		return out
	}
	pending := func(req models.ToolRequest) bool {
		meta, ok := registry.Metadata(req.Name)
		return ok && meta.RequiresApproval && !autoApprove
	}

	for _, stage := range plan.Stages {
		for _, group := range stage.Groups {
			if ctx.Err() != nil {
				return collect(), ErrCancelled
			}

			if group.Concurrent {
				for _, req := range group.Requests {
					t.requested(ctx, n, req, pending(req))
				}
				var waiting []models.ToolRequest
				for _, out := range t.rt.dispatcher.ExecuteGroup(toolCtx, group, t.tctx, autoApprove) {
					if out.IsPending() {
						waiting = append(waiting, out.Request)
						continue
					}
					done[out.Request.ToolCallID] = t.completed(ctx, n, out.Request, out.Result)
				}
				if err := t.waitForUser(ctx, n, waiting, done); err != nil {
					return collect(), err
				}
				continue
			}

			for _, req := range group.Requests {
				if ctx.Err() != nil {
					return collect(), ErrCancelled
				}
				t.requested(ctx, n, req, pending(req))
				out, err := t.rt.dispatcher.Dispatch(toolCtx, req, t.tctx, autoApprove)
				if err != nil {
					done[req.ToolCallID] = t.completed(ctx, n, req, models.FailedResult(req, err.Error()))
					continue
				}
				if out.IsPending() {
					if err := t.waitForUser(ctx, n, []models.ToolRequest{req}, done); err != nil {
						return collect(), err
					}
					continue
				}
				done[req.ToolCallID] = t.completed(ctx, n, req, out.Result)
			}
		}
	}
	return collect(), nil
}

// waitForUser suspends the task until every pending call is resolved by an
// action. Each action moves the task back to Running while it is applied.
func (t *task) waitForUser(ctx context.Context, n int, pending []models.ToolRequest, done map[string]models.ToolResult) error {
	if len(pending) == 0 {
		return nil
	}
	remaining := make(map[string]models.ToolRequest, len(pending))
	for _, req := range pending {
		remaining[req.ToolCallID] = req
	}
	toolCtx := context.WithoutCancel(ctx)

	t.transition(ctx, models.TaskWaitingForUser)
	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return ErrCancelled
		case action := <-t.actions:
			req, ok := remaining[action.ToolCallID]
			if !ok {
				t.rt.logger.Warn(ctx, "ignoring action for unknown tool call", "action", action.Type, "tool_call_id", action.ToolCallID)
				continue
			}
			delete(remaining, action.ToolCallID)
			t.transition(ctx, models.TaskRunning)

			var result models.ToolResult
			switch action.Type {
			case models.ActionApprove:
				result = t.rt.dispatcher.ExecuteApproved(toolCtx, req, t.tctx)
			case models.ActionReject:
				result = models.FailedResult(req, rejectionMessage(action.Reason))
			case models.ActionToolResult:
				result = suppliedResult(req, action.Result)
			}
			done[req.ToolCallID] = t.completed(ctx, n, req, result)

			if len(remaining) > 0 {
				t.transition(ctx, models.TaskWaitingForUser)
			}
		}
	}
	return nil
}

func (t *task) requested(ctx context.Context, n int, req models.ToolRequest, pending bool) {
	ev := t.event(models.EventToolCallRequested)
	ev.Tool = &req
	ev.Pending = pending
	ev.Iteration = n
	t.emit(ctx, ev)
}

func (t *task) completed(ctx context.Context, n int, req models.ToolRequest, result models.ToolResult) models.ToolResult {
	result = t.rt.guard.Apply(result)
	ev := t.event(models.EventToolCallCompleted)
	ev.Tool = &req
	ev.Result = &result
	ev.Iteration = n
	t.emit(ctx, ev)
	return result
}

// conclude moves the task to its terminal state.
func (t *task) conclude(ctx context.Context, err error) {
	final := models.TaskCompleted
	switch {
	case err == nil:
		t.rt.logger.Info(ctx, "task completed", "iterations", t.snapshot().Iterations)
	case IsCancelled(err):
		final = models.TaskCancelled
		t.rt.logger.Info(ctx, "task cancelled")
	default:
		final = models.TaskFailed
		t.finish(err)
		kind := models.KindOf(err)
		var taskErr *TaskError
		if errors.As(err, &taskErr) {
			kind = taskErr.Kind()
		}
		ev := t.event(models.EventError)
		ev.ErrorKind = kind
		ev.Text = err.Error()
		ev.Iteration = t.snapshot().Iterations
		t.emit(ctx, ev)
		t.rt.logger.Error(ctx, "task failed", "kind", kind, "error", err)
	}

	t.transition(ctx, final)
	ev := t.event(models.EventTaskCompleted)
	ev.State = final
	ev.Iteration = t.snapshot().Iterations
	t.mu.RLock()
	usage := t.usage
	t.mu.RUnlock()
	if !usage.IsZero() {
		ev = ev.WithMeta("usage", usage)
	}
	t.emit(ctx, ev)
}

func rejectionMessage(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "tool call rejected by user"
	}
	return "tool call rejected by user: " + reason
}

// suppliedResult turns an externally provided result into a successful tool
// result. A JSON string is unquoted; anything else is passed through.
func suppliedResult(req models.ToolRequest, raw json.RawMessage) models.ToolResult {
	output := string(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		output = s
	}
	return models.ToolResult{ToolCallID: req.ToolCallID, Name: req.Name, Success: true, Output: output}
}

func cloneConversation(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// turnBuilder assembles an assistant message from stream events, keeping
// text, reasoning and tool calls in arrival order.
type turnBuilder struct {
	parts []models.ContentPart
	calls []models.ToolRequest

	text      strings.Builder
	textBytes int

	reasoning     strings.Builder
	reasoningOpen bool

	finishReason string
}

func (b *turnBuilder) addText(s string) {
	b.text.WriteString(s)
	b.textBytes += len(s)
}

func (b *turnBuilder) flushText() {
	if b.text.Len() == 0 {
		return
	}
	b.parts = append(b.parts, models.TextPart(b.text.String()))
	b.text.Reset()
}

func (b *turnBuilder) startReasoning() {
	if b.reasoningOpen {
		return
	}
	b.flushText()
	b.reasoning.Reset()
	b.reasoningOpen = true
}

func (b *turnBuilder) addReasoning(s string) {
	if !b.reasoningOpen {
		b.startReasoning()
	}
	b.reasoning.WriteString(s)
}

func (b *turnBuilder) endReasoning(meta map[string]any) {
	if !b.reasoningOpen {
		return
	}
	b.reasoningOpen = false
	if b.reasoning.Len() == 0 && len(meta) == 0 {
		return
	}
	b.parts = append(b.parts, models.ReasoningPart(b.reasoning.String(), meta))
	b.reasoning.Reset()
}

func (b *turnBuilder) addToolCall(call models.ToolRequest) {
	b.flushText()
	b.endReasoning(nil)
	b.parts = append(b.parts, models.ToolCallPart(call.ToolCallID, call.Name, call.Input, call.Metadata))
	b.calls = append(b.calls, call)
}

// message returns the assembled turn, or nil when the model produced
// nothing.
func (b *turnBuilder) message() *models.Message {
	b.flushText()
	b.endReasoning(nil)
	if len(b.parts) == 0 {
		return nil
	}
	return models.AssistantMessage(b.parts...)
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/codeloop/internal/observability"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// OutcomeKind tells the runtime whether a call finished or awaits approval.
type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomePendingApproval OutcomeKind = "pending_approval"
)

// Outcome is the result of dispatching one request.
type Outcome struct {
	Kind    OutcomeKind
	Request models.ToolRequest

	// Result is set for OutcomeCompleted.
	Result models.ToolResult
}

// Completed wraps a finished result.
func Completed(req models.ToolRequest, result models.ToolResult) Outcome {
	return Outcome{Kind: OutcomeCompleted, Request: req, Result: result}
}

// PendingApproval marks req as waiting for the user.
func PendingApproval(req models.ToolRequest) Outcome {
	return Outcome{Kind: OutcomePendingApproval, Request: req}
}

// IsPending reports whether the outcome awaits approval.
func (o Outcome) IsPending() bool {
	return o.Kind == OutcomePendingApproval
}

// DispatcherConfig bounds tool execution.
type DispatcherConfig struct {
	// Timeout bounds a single execution. Default: 2 minutes.
	Timeout time.Duration
}

// Dispatcher runs tool requests against a registry.
type Dispatcher struct {
	registry *Registry
	config   DispatcherConfig
	schemas  schemaCache
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = observability.OrNop(logger).WithFields("component", "tools") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, config DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	d := &Dispatcher{
		registry: registry,
		config:   config,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher resolves tools from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs req unless its tool requires approval and autoApprove is
// off, in which case it returns PendingApproval without executing. Tool
// failures become unsuccessful results, never errors; the error is only
// set when ctx was already done.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.ToolRequest, tctx ToolContext, autoApprove bool) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, models.WrapError(models.ErrorCancelled, "tools.dispatch", err)
	}
	tool, ok := d.registry.Get(req.Name)
	if !ok {
		return Completed(req, models.FailedResult(req, fmt.Sprintf("unknown tool %q", req.Name))), nil
	}
	if tool.Metadata().RequiresApproval && !autoApprove {
		return PendingApproval(req), nil
	}
	return Completed(req, d.execute(ctx, tool, req, tctx)), nil
}

// ExecuteApproved runs req after the user approved it.
func (d *Dispatcher) ExecuteApproved(ctx context.Context, req models.ToolRequest, tctx ToolContext) models.ToolResult {
	tool, ok := d.registry.Get(req.Name)
	if !ok {
		return models.FailedResult(req, fmt.Sprintf("unknown tool %q", req.Name))
	}
	return d.execute(ctx, tool, req, tctx)
}

// ExecuteGroup dispatches every request of a plan group and returns the
// outcomes in request order. Concurrent groups run in parallel up to
// MaxConcurrency (unbounded when zero); other groups run one at a time.
func (d *Dispatcher) ExecuteGroup(ctx context.Context, group models.ExecutionGroup, tctx ToolContext, autoApprove bool) []Outcome {
	outcomes := make([]Outcome, len(group.Requests))

	dispatch := func(i int, req models.ToolRequest) {
		out, err := d.Dispatch(ctx, req, tctx, autoApprove)
		if err != nil {
			out = Completed(req, models.FailedResult(req, "tool execution cancelled"))
		}
		outcomes[i] = out
	}

	if !group.Concurrent || len(group.Requests) < 2 {
		for i, req := range group.Requests {
			dispatch(i, req)
		}
		return outcomes
	}

	limit := group.MaxConcurrency
	if limit <= 0 || limit > len(group.Requests) {
		limit = len(group.Requests)
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, req := range group.Requests {
		wg.Add(1)
		go func(idx int, r models.ToolRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			dispatch(idx, r)
		}(i, req)
	}
	wg.Wait()
	return outcomes
}

type execResult struct {
	out ExecutionOutput
	err error
}

// execute validates the input and runs the handler under the timeout,
// converting every failure mode into an unsuccessful result.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, req models.ToolRequest, tctx ToolContext) models.ToolResult {
	def := tool.Definition()
	ctx, span := d.tracer.TraceToolExecution(ctx, req.Name, req.ToolCallID)
	defer span.End()
	start := time.Now()

	result := d.run(ctx, tool, def, req, tctx)

	status := "success"
	if !result.Success {
		status = "error"
		observability.RecordError(span, errors.New(result.Error))
		d.logger.Warn(ctx, "tool execution failed",
			"tool", req.Name, "tool_call_id", req.ToolCallID, "error", result.Error)
	}
	d.metrics.RecordToolExecution(req.Name, status, time.Since(start))
	return result
}

func (d *Dispatcher) run(ctx context.Context, tool Tool, def models.ToolDefinition, req models.ToolRequest, tctx ToolContext) models.ToolResult {
	if err := d.schemas.validate(def.Name, def.Parameters, req.Input); err != nil {
		return models.FailedResult(req, fmt.Sprintf("invalid input for %s: %v", req.Name, err))
	}

	toolCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Execute(toolCtx, req, tctx)
		done <- execResult{out: out, err: err}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return models.FailedResult(req, fmt.Sprintf("tool execution timed out after %v", d.config.Timeout))
		}
		return models.FailedResult(req, "tool execution cancelled")
	case res := <-done:
		if res.err != nil {
			return models.FailedResult(req, res.err.Error())
		}
		if !res.out.Success {
			msg := res.out.Error
			if msg == "" {
				msg = "tool reported failure"
			}
			return models.FailedResult(req, msg)
		}
		return models.ToolResult{
			ToolCallID: req.ToolCallID,
			Name:       req.Name,
			Success:    true,
			Output:     outputString(res.out.Data),
		}
	}
}

// Package agent runs coding tasks: it drives the model through the stream
// runner, schedules the requested tool calls, suspends for user approval and
// publishes every step on the event bus.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/internal/agent/providers"
	"github.com/haasonsaas/codeloop/internal/agent/stream"
	"github.com/haasonsaas/codeloop/internal/events"
	"github.com/haasonsaas/codeloop/internal/observability"
	"github.com/haasonsaas/codeloop/internal/storage"
	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// Streamer starts one provider stream. *stream.Runner satisfies it.
type Streamer interface {
	Start(ctx context.Context, req *protocol.Request) (*stream.Stream, error)
}

// TaskSpec describes a task to start.
type TaskSpec struct {
	SessionID string

	// Model is "provider/model" or a bare model for the default provider.
	Model  string
	Prompt string

	// History is prepended to the conversation and not persisted again.
	History []*models.Message

	Settings      map[string]string
	WorkspaceRoot string
	Worktree      string

	Sampling protocol.Sampling
	Options  protocol.Options

	// SystemPrompt overrides Config.SystemPrompt when set.
	SystemPrompt string
}

// Runtime owns the set of running tasks.
type Runtime struct {
	streamer   Streamer
	dispatcher *tools.Dispatcher
	providers  *providers.Registry
	bus        *events.Bus
	store      storage.Store
	config     Config
	guard      ToolResultGuard

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.RWMutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithProviders validates task models against registry at start.
func WithProviders(registry *providers.Registry) Option {
	return func(r *Runtime) { r.providers = registry }
}

// WithBus publishes runtime events on bus.
func WithBus(bus *events.Bus) Option {
	return func(r *Runtime) { r.bus = bus }
}

// WithStore persists messages, events and task records in store.
func WithStore(store storage.Store) Option {
	return func(r *Runtime) { r.store = store }
}

// WithLogger sets the runtime logger.
func WithLogger(logger *observability.Logger) Option {
	return func(r *Runtime) { r.logger = observability.OrNop(logger).WithFields("component", "agent") }
}

// WithMetrics records task transitions.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Runtime) { r.metrics = metrics }
}

// WithTracer wraps iterations in spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(r *Runtime) { r.tracer = tracer }
}

// NewRuntime creates a runtime. Without WithBus and WithStore it uses a
// private bus and an in-memory store.
func NewRuntime(streamer Streamer, dispatcher *tools.Dispatcher, cfg Config, opts ...Option) *Runtime {
	r := &Runtime{
		streamer:   streamer,
		dispatcher: dispatcher,
		config:     cfg.withDefaults(),
		tasks:      make(map[string]*task),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.OrNop(r.logger)
	if r.bus == nil {
		r.bus = events.NewBus(r.metrics)
	}
	if r.store == nil {
		r.store = storage.NewMemoryStore()
	}
	guard := r.config.ToolResultGuard
	if guard.MaxBytes == 0 {
		guard.MaxBytes = r.config.ToolResultMaxBytes
	}
	r.guard = guard.compile()
	r.baseCtx, r.baseCancel = context.WithCancel(context.Background())
	return r
}

// Bus returns the bus runtime events are published on.
func (r *Runtime) Bus() *events.Bus {
	return r.bus
}

// Store returns the persistence backend.
func (r *Runtime) Store() storage.Store {
	return r.store
}

// StartTask creates a task and runs it in its own goroutine. The task
// outlives ctx; only values are inherited from it. Use the handle to
// cancel.
func (r *Runtime) StartTask(ctx context.Context, spec TaskSpec) (*TaskHandle, error) {
	if spec.Model == "" {
		return nil, models.NewError(models.ErrorInvalidRequest, "agent.start", "model is required")
	}
	if spec.Prompt == "" && len(spec.History) == 0 {
		return nil, models.NewError(models.ErrorInvalidRequest, "agent.start", "prompt is required")
	}
	if r.providers != nil {
		if _, _, err := r.providers.ResolveModel(spec.Model); err != nil {
			return nil, err
		}
	}
	if spec.SessionID == "" {
		spec.SessionID = uuid.NewString()
	}

	t := newTask(r, spec)
	taskCtx := observability.AddTaskID(observability.AddSessionID(context.WithoutCancel(ctx), spec.SessionID), t.record.ID)
	taskCtx, t.cancel = context.WithCancel(taskCtx)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.cancel()
		return nil, ErrRuntimeClosed
	}
	r.tasks[t.record.ID] = t
	r.wg.Add(1)
	r.mu.Unlock()

	stop := context.AfterFunc(r.baseCtx, t.cancel)

	t.transition(taskCtx, models.TaskPending)
	r.logger.Info(taskCtx, "task started", "model", spec.Model)

	go func() {
		defer r.wg.Done()
		defer stop()
		t.run(taskCtx)
	}()
	return t.handle(), nil
}

// Get returns the handle of a running or recently finished task.
func (r *Runtime) Get(taskID string) (*TaskHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.handle(), true
}

// Send delivers action to the task with the given id.
func (r *Runtime) Send(taskID string, action models.TaskAction) error {
	h, ok := r.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return h.Send(action)
}

// ActiveTasks returns snapshots of every task that has not finished.
func (r *Runtime) ActiveTasks() []models.RuntimeTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.RuntimeTask
	for _, t := range r.tasks {
		snap := t.snapshot()
		if snap.State.IsActive() {
			out = append(out, snap)
		}
	}
	return out
}

// Cleanup forgets finished tasks older than the retention window and
// returns how many were removed.
func (r *Runtime) Cleanup() int {
	cutoff := time.Now().Add(-r.config.Retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		snap := t.snapshot()
		if snap.CompletedAt != nil && snap.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels every task and waits for them to finish or for ctx.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/internal/agent/providers"
	"github.com/haasonsaas/codeloop/internal/agent/stream"
	"github.com/haasonsaas/codeloop/internal/events"
	"github.com/haasonsaas/codeloop/internal/storage"
	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/pkg/models"
)

const (
	frameHang = "<hang>"
	frame500  = "<status 500>"
)

func textTurn(text string) []string {
	quoted, _ := json.Marshal(text)
	return []string{
		fmt.Sprintf(`data: {"choices":[{"index":0,"delta":{"content":%s}}]}`, quoted),
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
		`data: [DONE]`,
	}
}

func toolTurn(id, name, args string) []string {
	quoted, _ := json.Marshal(args)
	return []string{
		fmt.Sprintf(`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":%q,"type":"function","function":{"name":%q,"arguments":%s}}]}}]}`, id, name, quoted),
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}
}

// scriptedServer answers the nth request with the nth turn, repeating the
// last one once the script runs out.
type scriptedServer struct {
	*httptest.Server

	mu     sync.Mutex
	turns  [][]string
	bodies []string
}

func newScriptedServer(t *testing.T, turns ...[]string) *scriptedServer {
	t.Helper()
	s := &scriptedServer{turns: turns}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	idx := len(s.bodies)
	s.bodies = append(s.bodies, string(body))
	if idx >= len(s.turns) {
		idx = len(s.turns) - 1
	}
	frames := s.turns[idx]
	s.mu.Unlock()

	if len(frames) > 0 && frames[0] == frame500 {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, f := range frames {
		if f == frameHang {
			<-r.Context().Done()
			return
		}
		fmt.Fprint(w, f+"\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *scriptedServer) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

type echoParams struct {
	Text string `json:"text"`
}

type echoTool struct {
	name string
	meta tools.Metadata
	runs atomic.Int32
}

func (e *echoTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        e.name,
		Description: "Echo the text back.",
		Parameters:  tools.SchemaFor[echoParams](),
	}
}

func (e *echoTool) Metadata() tools.Metadata { return e.meta }

func (e *echoTool) Execute(ctx context.Context, req models.ToolRequest, tctx tools.ToolContext) (tools.ExecutionOutput, error) {
	e.runs.Add(1)
	var p echoParams
	if err := json.Unmarshal(req.Input, &p); err != nil {
		return tools.Fail(err.Error()), nil
	}
	return tools.OK("echo:" + p.Text), nil
}

type harness struct {
	rt      *Runtime
	bus     *events.Bus
	store   *storage.MemoryStore
	server  *scriptedServer
	echo    *echoTool
	guarded *echoTool
}

func newHarness(t *testing.T, cfg Config, turns ...[]string) *harness {
	t.Helper()
	server := newScriptedServer(t, turns...)

	registry := providers.NewRegistry(providers.NewMapSettings(map[string]string{"api_key_test": "sk-test"}))
	if err := registry.Register(providers.ProviderConfig{
		ID:       "test",
		Protocol: protocol.KindOpenAI,
		BaseURL:  server.URL,
		AuthType: providers.AuthAPIKey,
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	runner := stream.NewRunner(registry, stream.Config{}, stream.WithHTTPClient(server.Client()))

	echo := &echoTool{name: "echo", meta: tools.Metadata{Category: tools.CategoryRead}}
	guarded := &echoTool{name: "guarded", meta: tools.Metadata{Category: tools.CategoryOther, RequiresApproval: true}}
	toolReg := tools.NewRegistry()
	toolReg.Register(echo)
	toolReg.Register(guarded)
	dispatcher := tools.NewDispatcher(toolReg, tools.DispatcherConfig{Timeout: 5 * time.Second})

	bus := events.NewBus(nil)
	store := storage.NewMemoryStore()
	rt := NewRuntime(runner, dispatcher, cfg,
		WithProviders(registry),
		WithBus(bus),
		WithStore(store),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return &harness{rt: rt, bus: bus, store: store, server: server, echo: echo, guarded: guarded}
}

func (h *harness) start(t *testing.T, prompt string) *TaskHandle {
	t.Helper()
	handle, err := h.rt.StartTask(context.Background(), TaskSpec{
		SessionID: "session-1",
		Model:     "test/test-model",
		Prompt:    prompt,
	})
	if err != nil {
		t.Fatalf("StartTask() error: %v", err)
	}
	return handle
}

func waitDone(t *testing.T, handle *TaskHandle) models.RuntimeTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("task %s did not finish, state %s", handle.TaskID, handle.State())
	}
	return task
}

func waitState(t *testing.T, handle *TaskHandle, want models.TaskState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for handle.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", handle.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) events(t *testing.T, taskID string, types ...models.RuntimeEventType) []models.RuntimeEvent {
	t.Helper()
	all, err := h.store.ListEvents(context.Background(), taskID, 0)
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(types) == 0 {
		return all
	}
	var out []models.RuntimeEvent
	for _, ev := range all {
		for _, typ := range types {
			if ev.Type == typ {
				out = append(out, ev)
			}
		}
	}
	return out
}

func (h *harness) states(t *testing.T, taskID string) []models.TaskState {
	t.Helper()
	var out []models.TaskState
	for _, ev := range h.events(t, taskID, models.EventTaskStateChanged) {
		out = append(out, ev.State)
	}
	return out
}

func equalStates(got, want []models.TaskState) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRuntime_CompletesWithoutToolCalls(t *testing.T) {
	var hookCalls atomic.Int32
	cfg := Config{CompletionHooks: []CompletionHook{HookFunc{
		HookName: "count",
		Fn: func(ctx context.Context, turn TurnInfo) (HookDecision, error) {
			hookCalls.Add(1)
			if turn.Message.PlainText() != "All done." {
				t.Errorf("hook saw %q", turn.Message.PlainText())
			}
			return Continue(), nil
		},
	}}}
	h := newHarness(t, cfg, textTurn("All done."))

	handle := h.start(t, "fix the bug")
	task := waitDone(t, handle)

	if task.State != models.TaskCompleted {
		t.Fatalf("state = %s, want completed (error %q)", task.State, task.Error)
	}
	if task.Iterations != 1 || task.StartedAt == nil || task.CompletedAt == nil {
		t.Errorf("task record = %+v", task)
	}
	if hookCalls.Load() != 1 {
		t.Errorf("hook calls = %d, want 1", hookCalls.Load())
	}
	want := []models.TaskState{models.TaskPending, models.TaskRunning, models.TaskCompleted}
	if got := h.states(t, handle.TaskID); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	msgs, err := h.store.ListMessages(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].PlainText() != "All done." || msgs[1].TaskID != handle.TaskID {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[1].Metadata["finish_reason"] != "stop" {
		t.Errorf("metadata = %v", msgs[1].Metadata)
	}

	if usage := handle.Usage(); usage.InputTokens != 3 || usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
	if tokens := h.events(t, handle.TaskID, models.EventToken); len(tokens) != 1 || tokens[0].Text != "All done." {
		t.Errorf("token events = %+v", tokens)
	}
	if stored, err := h.store.GetTask(context.Background(), handle.TaskID); err != nil || stored.State != models.TaskCompleted {
		t.Errorf("stored task = %+v, %v", stored, err)
	}
}

func TestRuntime_RejectResumesRunning(t *testing.T) {
	h := newHarness(t, Config{},
		toolTurn("call_1", "guarded", `{"text":"rm -rf"}`),
		textTurn("Understood."),
	)
	handle := h.start(t, "clean up")
	waitState(t, handle, models.TaskWaitingForUser)

	if err := handle.Send(models.Reject("call_1", "too dangerous")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	task := waitDone(t, handle)
	if task.State != models.TaskCompleted {
		t.Fatalf("state = %s, want completed", task.State)
	}
	if h.guarded.runs.Load() != 0 {
		t.Errorf("rejected tool ran %d times", h.guarded.runs.Load())
	}

	requested := h.events(t, handle.TaskID, models.EventToolCallRequested)
	if len(requested) != 1 || !requested[0].Pending || requested[0].Tool.ToolCallID != "call_1" {
		t.Fatalf("requested events = %+v", requested)
	}
	completed := h.events(t, handle.TaskID, models.EventToolCallCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	result := completed[0].Result
	if result.Success || !strings.Contains(result.Error, "too dangerous") {
		t.Errorf("result = %+v", result)
	}

	want := []models.TaskState{
		models.TaskPending, models.TaskRunning, models.TaskWaitingForUser,
		models.TaskRunning, models.TaskCompleted,
	}
	if got := h.states(t, handle.TaskID); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	reqs := h.server.requests()
	if len(reqs) != 2 || !strings.Contains(reqs[1], "too dangerous") {
		t.Errorf("follow-up request does not carry the rejection: %v", reqs)
	}
}

func TestRuntime_ApproveExecutesTool(t *testing.T) {
	h := newHarness(t, Config{},
		toolTurn("call_1", "guarded", `{"text":"go"}`),
		textTurn("Ran it."),
	)
	handle := h.start(t, "run it")
	waitState(t, handle, models.TaskWaitingForUser)

	if err := handle.Send(models.Approve("call_1")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	task := waitDone(t, handle)
	if task.State != models.TaskCompleted {
		t.Fatalf("state = %s", task.State)
	}
	if h.guarded.runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", h.guarded.runs.Load())
	}
	completed := h.events(t, handle.TaskID, models.EventToolCallCompleted)
	if len(completed) != 1 || !completed[0].Result.Success || completed[0].Result.Output != "echo:go" {
		t.Errorf("completed = %+v", completed)
	}
}

func TestRuntime_SuppliedToolResult(t *testing.T) {
	h := newHarness(t, Config{},
		toolTurn("call_1", "guarded", `{"text":"ask"}`),
		textTurn("Thanks."),
	)
	handle := h.start(t, "ask the user")
	waitState(t, handle, models.TaskWaitingForUser)

	if err := handle.Send(models.SupplyToolResult("call_1", json.RawMessage(`"blue"`))); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitDone(t, handle)
	if h.guarded.runs.Load() != 0 {
		t.Errorf("supplied result still ran the tool")
	}
	completed := h.events(t, handle.TaskID, models.EventToolCallCompleted)
	if len(completed) != 1 || completed[0].Result.Output != "blue" || !completed[0].Result.Success {
		t.Errorf("completed = %+v", completed)
	}
}

func TestRuntime_UnknownActionIsIgnored(t *testing.T) {
	h := newHarness(t, Config{},
		toolTurn("call_1", "guarded", `{"text":"x"}`),
		textTurn("ok"),
	)
	handle := h.start(t, "go")
	waitState(t, handle, models.TaskWaitingForUser)

	if err := handle.Send(models.Approve("call_other")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if handle.State() != models.TaskWaitingForUser {
		t.Fatalf("state = %s, want still waiting", handle.State())
	}
	if err := handle.Send(models.Approve("call_1")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if task := waitDone(t, handle); task.State != models.TaskCompleted {
		t.Errorf("state = %s", task.State)
	}
}

func TestRuntime_AutoApproveSkipsWaiting(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true},
		toolTurn("call_1", "guarded", `{"text":"now"}`),
		textTurn("done"),
	)
	handle := h.start(t, "go")
	waitDone(t, handle)

	for _, state := range h.states(t, handle.TaskID) {
		if state == models.TaskWaitingForUser {
			t.Fatal("auto-approved task waited for the user")
		}
	}
	if h.guarded.runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", h.guarded.runs.Load())
	}
}

func TestRuntime_CancelDuringStream(t *testing.T) {
	h := newHarness(t, Config{}, []string{
		`data: {"choices":[{"index":0,"delta":{"content":"thinking"}}]}`,
		frameHang,
	})
	sub := h.bus.Subscribe(64, events.OfType(models.EventToken))
	defer sub.Close()

	handle := h.start(t, "long job")
	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no token before cancel")
	}

	handle.Cancel()
	task := waitDone(t, handle)
	if task.State != models.TaskCancelled {
		t.Fatalf("state = %s, want cancelled", task.State)
	}
	if handle.Err() != nil {
		t.Errorf("Err() = %v, want nil for a cancelled task", handle.Err())
	}
	if errs := h.events(t, handle.TaskID, models.EventError); len(errs) != 0 {
		t.Errorf("cancelled task published errors: %+v", errs)
	}
}

func TestRuntime_CancelWhileWaitingForUser(t *testing.T) {
	h := newHarness(t, Config{}, toolTurn("call_1", "guarded", `{"text":"x"}`))
	handle := h.start(t, "go")
	waitState(t, handle, models.TaskWaitingForUser)

	handle.Cancel()
	if task := waitDone(t, handle); task.State != models.TaskCancelled {
		t.Fatalf("state = %s, want cancelled", task.State)
	}
}

func TestRuntime_SendAfterTerminal(t *testing.T) {
	h := newHarness(t, Config{}, textTurn("bye"))
	handle := h.start(t, "hi")
	waitDone(t, handle)

	if err := handle.Send(models.Approve("call_1")); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("Send() error = %v, want ErrTaskTerminal", err)
	}
	if err := handle.Send(models.Cancel()); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("Send(cancel) error = %v, want ErrTaskTerminal", err)
	}
}

func TestRuntime_IterationLimit(t *testing.T) {
	h := newHarness(t, Config{MaxIterations: 2}, toolTurn("call_1", "echo", `{"text":"again"}`))
	handle := h.start(t, "loop forever")
	task := waitDone(t, handle)

	if task.State != models.TaskFailed {
		t.Fatalf("state = %s, want failed", task.State)
	}
	if !models.IsKind(handle.Err(), models.ErrorIterationLimit) {
		t.Errorf("Err() = %v, want iteration_limit", handle.Err())
	}
	if task.Iterations != 2 || h.echo.runs.Load() != 2 {
		t.Errorf("iterations = %d, runs = %d", task.Iterations, h.echo.runs.Load())
	}
	errs := h.events(t, handle.TaskID, models.EventError)
	if len(errs) != 1 || errs[0].ErrorKind != models.ErrorIterationLimit {
		t.Errorf("error events = %+v", errs)
	}
	var taskErr *TaskError
	if !errors.As(handle.Err(), &taskErr) || taskErr.Phase != PhaseComplete {
		t.Errorf("Err() = %#v, want phase %s", handle.Err(), PhaseComplete)
	}
}

func TestRuntime_SentinelCompletesTurnOnOpenConnection(t *testing.T) {
	h := newHarness(t, Config{},
		append(toolTurn("call_1", "echo", `{"text":"a"}`), frameHang),
		append(textTurn("finished"), frameHang),
	)
	handle := h.start(t, "go")
	task := waitDone(t, handle)

	if task.State != models.TaskCompleted {
		t.Fatalf("state = %s (err %v), want completed", task.State, handle.Err())
	}
	if task.Iterations != 2 || h.echo.runs.Load() != 1 {
		t.Errorf("iterations = %d, runs = %d", task.Iterations, h.echo.runs.Load())
	}
}

func TestRuntime_SendByTaskID(t *testing.T) {
	h := newHarness(t, Config{},
		toolTurn("call_1", "guarded", `{"text":"x"}`),
		textTurn("ok"),
	)
	if err := h.rt.Send("missing", models.Cancel()); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Send(missing) error = %v, want ErrTaskNotFound", err)
	}

	handle := h.start(t, "go")
	waitState(t, handle, models.TaskWaitingForUser)
	if err := h.rt.Send(handle.TaskID, models.Approve("call_1")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if task := waitDone(t, handle); task.State != models.TaskCompleted {
		t.Errorf("state = %s", task.State)
	}
}

func TestRuntime_SendDoesNotBlockOnFullQueue(t *testing.T) {
	h := newHarness(t, Config{ActionBuffer: 2}, []string{
		`data: {"choices":[{"index":0,"delta":{"content":"busy"}}]}`,
		frameHang,
	})
	handle := h.start(t, "go")
	waitState(t, handle, models.TaskRunning)

	for i := 0; i < 2; i++ {
		if err := handle.Send(models.Approve(fmt.Sprintf("call_%d", i))); err != nil {
			t.Fatalf("Send(%d) error: %v", i, err)
		}
	}
	sent := make(chan error, 1)
	go func() { sent <- handle.Send(models.Approve("call_overflow")) }()
	select {
	case err := <-sent:
		if !errors.Is(err, ErrActionQueueFull) {
			t.Fatalf("Send() error = %v, want ErrActionQueueFull", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send() blocked on a full queue")
	}

	handle.Cancel()
	if task := waitDone(t, handle); task.State != models.TaskCancelled {
		t.Errorf("state = %s, want cancelled", task.State)
	}
}

func TestRuntime_ProviderErrorFails(t *testing.T) {
	h := newHarness(t, Config{}, []string{frame500})
	handle := h.start(t, "hi")
	task := waitDone(t, handle)

	if task.State != models.TaskFailed || !strings.Contains(task.Error, "upstream exploded") {
		t.Fatalf("task = %+v", task)
	}
	var taskErr *TaskError
	if !errors.As(handle.Err(), &taskErr) || taskErr.Phase != PhaseStream || taskErr.Kind() != models.ErrorTransport {
		t.Errorf("Err() = %#v", handle.Err())
	}
}

func TestRuntime_HookIterateAndStop(t *testing.T) {
	var calls atomic.Int32
	cfg := Config{CompletionHooks: []CompletionHook{HookFunc{
		HookName: "tests-pass",
		Fn: func(ctx context.Context, turn TurnInfo) (HookDecision, error) {
			if calls.Add(1) == 1 {
				return Iterate("The tests still fail, keep going."), nil
			}
			return Stop("tests pass"), nil
		},
	}, HookFunc{
		HookName: "never-reached",
		Fn: func(ctx context.Context, turn TurnInfo) (HookDecision, error) {
			return HookDecision{}, errors.New("should not run after stop")
		},
	}}}
	h := newHarness(t, cfg, textTurn("first"), textTurn("second"))
	handle := h.start(t, "make tests pass")
	task := waitDone(t, handle)

	if task.State != models.TaskCompleted || task.Iterations != 2 {
		t.Fatalf("task = %+v", task)
	}
	reqs := h.server.requests()
	if len(reqs) != 2 || !strings.Contains(reqs[1], "keep going") {
		t.Errorf("requests = %v", reqs)
	}
}

func TestRuntime_ToolResultsAreTruncated(t *testing.T) {
	h := newHarness(t, Config{ToolResultMaxBytes: 6},
		toolTurn("call_1", "echo", `{"text":"abcdefgh"}`),
		textTurn("ok"),
	)
	handle := h.start(t, "read")
	waitDone(t, handle)

	completed := h.events(t, handle.TaskID, models.EventToolCallCompleted)
	if len(completed) != 1 || completed[0].Result.Output != "echo:a...[truncated]" {
		t.Errorf("completed = %+v", completed)
	}
}

func TestRuntime_StartTaskValidation(t *testing.T) {
	h := newHarness(t, Config{}, textTurn("x"))

	tests := []struct {
		name string
		spec TaskSpec
		kind models.ErrorKind
	}{
		{"missing model", TaskSpec{Prompt: "hi"}, models.ErrorInvalidRequest},
		{"missing prompt", TaskSpec{Model: "test/m"}, models.ErrorInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.rt.StartTask(context.Background(), tt.spec)
			if !models.IsKind(err, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestRuntime_ShutdownCancelsTasks(t *testing.T) {
	h := newHarness(t, Config{}, []string{frameHang})
	handle := h.start(t, "wait")
	waitState(t, handle, models.TaskRunning)

	if active := h.rt.ActiveTasks(); len(active) != 1 || active[0].ID != handle.TaskID {
		t.Errorf("active = %+v", active)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.rt.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if handle.State() != models.TaskCancelled {
		t.Errorf("state = %s, want cancelled", handle.State())
	}
	if _, err := h.rt.StartTask(context.Background(), TaskSpec{Model: "test/m", Prompt: "x"}); !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("StartTask() after shutdown = %v", err)
	}
}

func TestRuntime_CleanupHonoursRetention(t *testing.T) {
	h := newHarness(t, Config{Retention: time.Millisecond}, textTurn("x"))
	handle := h.start(t, "hi")
	waitDone(t, handle)

	if _, ok := h.rt.Get(handle.TaskID); !ok {
		t.Fatal("finished task not visible before cleanup")
	}
	time.Sleep(5 * time.Millisecond)
	if removed := h.rt.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() = %d, want 1", removed)
	}
	if _, ok := h.rt.Get(handle.TaskID); ok {
		t.Error("task still visible after cleanup")
	}
}

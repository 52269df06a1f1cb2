// Package tools holds the tool registry, the dependency analyzer that turns a
// batch of tool requests into an execution plan, and the dispatcher that runs
// them under approval and concurrency rules.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// Category drives scheduling: reads may run concurrently, writes and edits
// are serialized per file, everything else runs one at a time.
type Category string

const (
	CategoryRead  Category = "read"
	CategoryWrite Category = "write"
	CategoryEdit  Category = "edit"
	CategoryOther Category = "other"
)

// Metadata describes how a tool may be scheduled.
type Metadata struct {
	Category         Category
	RequiresApproval bool
}

// ToolContext carries the task scope a tool executes in.
type ToolContext struct {
	SessionID     string
	TaskID        string
	WorkspaceRoot string

	// Worktree, when set, replaces WorkspaceRoot as the file root.
	Worktree string

	Settings map[string]string
}

// Root returns the directory file tools resolve paths against.
func (c ToolContext) Root() string {
	if c.Worktree != "" {
		return c.Worktree
	}
	return c.WorkspaceRoot
}

// ExecutionOutput is what a tool handler returns. Data is sent to the model
// as-is when it is a string and as JSON otherwise.
type ExecutionOutput struct {
	Success bool
	Data    any
	Error   string
}

// OK returns a successful output.
func OK(data any) ExecutionOutput {
	return ExecutionOutput{Success: true, Data: data}
}

// Fail returns an unsuccessful output.
func Fail(msg string) ExecutionOutput {
	return ExecutionOutput{Error: msg}
}

// Tool is a handler the model can invoke.
type Tool interface {
	Definition() models.ToolDefinition
	Metadata() Metadata
	Execute(ctx context.Context, req models.ToolRequest, tctx ToolContext) (ExecutionOutput, error)
}

// Registry maps tool names to handlers. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition().Name] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns every tool definition sorted by name.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Metadata looks up a tool's scheduling metadata. It satisfies MetadataLookup.
func (r *Registry) Metadata(name string) (Metadata, bool) {
	tool, ok := r.Get(name)
	if !ok {
		return Metadata{}, false
	}
	return tool.Metadata(), true
}

// outputString renders handler data for the model.
func outputString(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(raw)
}

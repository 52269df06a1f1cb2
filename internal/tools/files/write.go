package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/pkg/models"
)

type writeParams struct {
	Path    string `json:"path" jsonschema:"description=Path to write relative to the workspace"`
	Content string `json:"content" jsonschema:"description=File contents to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

// WriteTool writes files within the workspace.
type WriteTool struct {
	approve bool
}

// NewWriteTool creates the write_file tool.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{approve: cfg.ApproveWrites}
}

func (t *WriteTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace (overwrites by default).",
		Parameters:  tools.SchemaFor[writeParams](),
	}
}

func (t *WriteTool) Metadata() tools.Metadata {
	return tools.Metadata{Category: tools.CategoryWrite, RequiresApproval: t.approve}
}

func (t *WriteTool) Execute(ctx context.Context, req models.ToolRequest, tctx tools.ToolContext) (tools.ExecutionOutput, error) {
	var input writeParams
	if err := json.Unmarshal(req.Input, &input); err != nil {
		return tools.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolver := Resolver{Root: tctx.Root()}
	resolved, err := resolver.Resolve(input.Path)
	if err != nil {
		return tools.Fail(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return tools.Fail(fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return tools.Fail(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	n, err := file.WriteString(input.Content)
	if err != nil {
		return tools.Fail(fmt.Sprintf("write file: %v", err)), nil
	}

	return tools.OK(map[string]any{
		"path":          resolver.Rel(resolved),
		"bytes_written": n,
		"append":        input.Append,
	}), nil
}

package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/pkg/models"
)

const maxListEntries = 1000

type listParams struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory relative to the workspace (default: the workspace root)"`
}

// ListTool lists a workspace directory.
type ListTool struct{}

// NewListTool creates the list_dir tool.
func NewListTool() *ListTool {
	return &ListTool{}
}

func (t *ListTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "list_dir",
		Description: "List the entries of a directory in the workspace.",
		Parameters:  tools.SchemaFor[listParams](),
	}
}

func (t *ListTool) Metadata() tools.Metadata {
	return tools.Metadata{Category: tools.CategoryRead}
}

func (t *ListTool) Execute(ctx context.Context, req models.ToolRequest, tctx tools.ToolContext) (tools.ExecutionOutput, error) {
	var input listParams
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return tools.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}
	if input.Path == "" {
		input.Path = "."
	}

	resolver := Resolver{Root: tctx.Root()}
	resolved, err := resolver.Resolve(input.Path)
	if err != nil {
		return tools.Fail(err.Error()), nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return tools.Fail(fmt.Sprintf("read directory: %v", err)), nil
	}

	type entry struct {
		Name string `json:"name"`
		Dir  bool   `json:"dir"`
		Size int64  `json:"size,omitempty"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		if len(out) == maxListEntries {
			break
		}
		item := entry{Name: e.Name(), Dir: e.IsDir()}
		if !item.Dir {
			if info, err := e.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return tools.OK(map[string]any{
		"path":      resolver.Rel(resolved),
		"entries":   out,
		"truncated": len(entries) > maxListEntries,
	}), nil
}

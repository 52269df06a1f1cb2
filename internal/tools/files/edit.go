package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/pkg/models"
)

type textEdit struct {
	OldText    string `json:"old_text" jsonschema:"description=Text to replace"`
	NewText    string `json:"new_text" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence"`
}

type editParams struct {
	Path  string     `json:"path" jsonschema:"description=Path to edit relative to the workspace"`
	Edits []textEdit `json:"edits" jsonschema:"minItems=1"`
}

// EditTool applies find/replace edits to a file.
type EditTool struct {
	approve bool
}

// NewEditTool creates the edit_file tool.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{approve: cfg.ApproveWrites}
}

func (t *EditTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "edit_file",
		Description: "Apply one or more find/replace edits to a file in the workspace.",
		Parameters:  tools.SchemaFor[editParams](),
	}
}

func (t *EditTool) Metadata() tools.Metadata {
	return tools.Metadata{Category: tools.CategoryEdit, RequiresApproval: t.approve}
}

// Execute applies every edit in order; the file is left untouched when any
// edit fails to match.
func (t *EditTool) Execute(ctx context.Context, req models.ToolRequest, tctx tools.ToolContext) (tools.ExecutionOutput, error) {
	var input editParams
	if err := json.Unmarshal(req.Input, &input); err != nil {
		return tools.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := Resolver{Root: tctx.Root()}.Resolve(input.Path)
	if err != nil {
		return tools.Fail(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.Fail(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	replacements := 0
	for i, edit := range input.Edits {
		if edit.OldText == "" {
			return tools.Fail(fmt.Sprintf("edit %d: old_text is required", i)), nil
		}
		count := strings.Count(content, edit.OldText)
		if count == 0 {
			return tools.Fail(fmt.Sprintf("edit %d: old_text not found", i)), nil
		}
		if edit.ReplaceAll {
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
			replacements += count
			continue
		}
		content = strings.Replace(content, edit.OldText, edit.NewText, 1)
		replacements++
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return tools.Fail(fmt.Sprintf("write file: %v", err)), nil
	}
	return tools.OK(map[string]any{
		"path":         input.Path,
		"replacements": replacements,
	}), nil
}

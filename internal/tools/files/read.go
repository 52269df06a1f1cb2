// Package files provides workspace-scoped file tools: read_file, list_dir,
// write_file and edit_file.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// Config controls filesystem tool defaults.
type Config struct {
	// MaxReadBytes caps a single read. Default: 200000.
	MaxReadBytes int

	// ApproveWrites makes write_file and edit_file wait for user approval.
	ApproveWrites bool
}

// Register installs every file tool into reg.
func Register(reg *tools.Registry, cfg Config) {
	reg.Register(NewReadTool(cfg))
	reg.Register(NewListTool())
	reg.Register(NewWriteTool(cfg))
	reg.Register(NewEditTool(cfg))
}

type readParams struct {
	Path     string `json:"path" jsonschema:"description=Path to the file relative to the workspace"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to start reading from"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"minimum=0,description=Maximum bytes to read (capped by the tool default)"`
}

// ReadTool reads a file from the workspace.
type ReadTool struct {
	maxReadLen int
}

// NewReadTool creates the read_file tool.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = 200000
	}
	return &ReadTool{maxReadLen: limit}
}

func (t *ReadTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace with optional offset and byte limit.",
		Parameters:  tools.SchemaFor[readParams](),
	}
}

func (t *ReadTool) Metadata() tools.Metadata {
	return tools.Metadata{Category: tools.CategoryRead}
}

// Execute reads the file with safety limits.
func (t *ReadTool) Execute(ctx context.Context, req models.ToolRequest, tctx tools.ToolContext) (tools.ExecutionOutput, error) {
	var input readParams
	if err := json.Unmarshal(req.Input, &input); err != nil {
		return tools.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := Resolver{Root: tctx.Root()}.Resolve(input.Path)
	if err != nil {
		return tools.Fail(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return tools.Fail(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return tools.Fail(fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return tools.Fail(fmt.Sprintf("%s is a directory; use list_dir", input.Path)), nil
	}

	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return tools.Fail(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxReadLen
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return tools.Fail(fmt.Sprintf("read file: %v", err)), nil
	}

	return tools.OK(map[string]any{
		"path":      input.Path,
		"content":   string(buf),
		"offset":    input.Offset,
		"bytes":     len(buf),
		"truncated": input.Offset+int64(len(buf)) < info.Size(),
	}), nil
}

package tools

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// Stage names in execution order.
const (
	StageRead  = "read"
	StageWrite = "write"
	StageOther = "other"
)

// pathKeys are the input fields consulted, in order, for a write target.
var pathKeys = []string{"file_path", "path", "filePath", "filepath", "file", "target_file", "notebook_path"}

// MetadataLookup resolves a tool name to its metadata. Unknown tools are
// scheduled as CategoryOther.
type MetadataLookup func(name string) (Metadata, bool)

// Analyze partitions one batch of tool requests into an ordered plan:
//
//   - read: every read-only call in one concurrent group
//   - write: write and edit calls grouped by target file, each group
//     sequential; calls whose target cannot be determined share one extra
//     sequential group
//   - other: everything else in one sequential group
//
// Empty stages are omitted. Group order follows first appearance.
func Analyze(calls []models.ToolRequest, lookup MetadataLookup) models.ExecutionPlan {
	var (
		reads, others []models.ToolRequest
		writeOrder    []string
		writes        = make(map[string][]models.ToolRequest)
		unknownPath   []models.ToolRequest
	)

	for _, call := range calls {
		category := CategoryOther
		if lookup != nil {
			if meta, ok := lookup(call.Name); ok && meta.Category != "" {
				category = meta.Category
			}
		}

		switch category {
		case CategoryRead:
			reads = append(reads, call)
		case CategoryWrite, CategoryEdit:
			path, ok := TargetPath(call.Input)
			if !ok {
				unknownPath = append(unknownPath, call)
				continue
			}
			if _, seen := writes[path]; !seen {
				writeOrder = append(writeOrder, path)
			}
			writes[path] = append(writes[path], call)
		default:
			others = append(others, call)
		}
	}

	var plan models.ExecutionPlan

	if len(reads) > 0 {
		plan.Stages = append(plan.Stages, models.ExecutionStage{
			Name:        StageRead,
			Description: "read-only tools",
			Groups: []models.ExecutionGroup{{
				ID:         "read",
				Concurrent: true,
				Requests:   reads,
				Reason:     "read-only calls have no side effects",
			}},
		})
	}

	if len(writeOrder) > 0 || len(unknownPath) > 0 {
		stage := models.ExecutionStage{Name: StageWrite, Description: "file writes and edits"}
		for _, path := range writeOrder {
			stage.Groups = append(stage.Groups, models.ExecutionGroup{
				ID:             "write:" + path,
				Concurrent:     false,
				MaxConcurrency: 1,
				Requests:       writes[path],
				TargetFiles:    []string{path},
				Reason:         "calls touching the same file run in order",
			})
		}
		if len(unknownPath) > 0 {
			stage.Groups = append(stage.Groups, models.ExecutionGroup{
				ID:             "write:unknown",
				Concurrent:     false,
				MaxConcurrency: 1,
				Requests:       unknownPath,
				Reason:         "target file could not be determined",
			})
		}
		plan.Stages = append(plan.Stages, stage)
	}

	if len(others) > 0 {
		plan.Stages = append(plan.Stages, models.ExecutionStage{
			Name:        StageOther,
			Description: "other tools",
			Groups: []models.ExecutionGroup{{
				ID:             "other",
				Concurrent:     false,
				MaxConcurrency: 1,
				Requests:       others,
				Reason:         "side effects are unknown",
			}},
		})
	}

	return plan
}

// TargetPath extracts the file a write or edit call targets. Paths are
// cleaned so "a/./b.go" and "a/b.go" share a group.
func TargetPath(input json.RawMessage) (string, bool) {
	if len(input) == 0 {
		return "", false
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return "", false
	}
	for _, key := range pathKeys {
		s, ok := fields[key].(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return filepath.Clean(s), true
		}
	}
	return "", false
}

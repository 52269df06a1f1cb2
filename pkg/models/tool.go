package models

import "encoding/json"

// ToolDefinition is advertised to the provider with every request.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict,omitempty"`
}

// ToolRequest is a tool invocation requested by the model.
type ToolRequest struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FailedResult builds an unsuccessful result for req.
func FailedResult(req ToolRequest, msg string) ToolResult {
	return ToolResult{ToolCallID: req.ToolCallID, Name: req.Name, Success: false, Error: msg}
}

// Part converts the result into a tool_result content part. Failed results
// carry the error text so the model can see it.
func (r ToolResult) Part() ContentPart {
	output := r.Output
	if !r.Success && r.Error != "" {
		output = r.Error
	}
	return ToolResultPart(r.ToolCallID, r.Name, output, !r.Success)
}

// ExecutionPlan is the staged schedule for one batch of tool requests.
type ExecutionPlan struct {
	Stages []ExecutionStage `json:"stages"`
}

// Requests returns every request in the plan in execution order.
func (p ExecutionPlan) Requests() []ToolRequest {
	var out []ToolRequest
	for _, s := range p.Stages {
		for _, g := range s.Groups {
			out = append(out, g.Requests...)
		}
	}
	return out
}

// ExecutionStage is one ordered step of a plan.
type ExecutionStage struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Groups      []ExecutionGroup `json:"groups"`
}

// ExecutionGroup is a set of requests that share a concurrency rule.
type ExecutionGroup struct {
	ID             string        `json:"id"`
	Concurrent     bool          `json:"concurrent"`
	MaxConcurrency int           `json:"max_concurrency,omitempty"` // 0 means unbounded
	Requests       []ToolRequest `json:"requests"`
	TargetFiles    []string      `json:"target_files,omitempty"`
	Reason         string        `json:"reason"`
}

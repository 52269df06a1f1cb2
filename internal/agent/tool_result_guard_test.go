package agent

import (
	"strings"
	"testing"

	"github.com/haasonsaas/codeloop/pkg/models"
)

func TestToolResultGuard_Truncates(t *testing.T) {
	guard := ToolResultGuard{MaxBytes: 5}.compile()

	got := guard.Apply(models.ToolResult{Success: true, Output: "0123456789"})
	if got.Output != "01234...[truncated]" {
		t.Errorf("Output = %q", got.Output)
	}

	short := guard.Apply(models.ToolResult{Success: true, Output: "abc"})
	if short.Output != "abc" {
		t.Errorf("short output changed: %q", short.Output)
	}
}

func TestToolResultGuard_TruncatesOnRuneBoundary(t *testing.T) {
	guard := ToolResultGuard{MaxBytes: 4, TruncateSuffix: "~"}.compile()

	// "héllo": the é spans bytes 1-2, so a cut at 4 lands after it.
	got := guard.Apply(models.ToolResult{Output: "héllo wörld"})
	if got.Output != "hél~" {
		t.Errorf("Output = %q", got.Output)
	}
	got = ToolResultGuard{MaxBytes: 2, TruncateSuffix: "~"}.compile().Apply(models.ToolResult{Output: "héllo"})
	if got.Output != "h~" {
		t.Errorf("Output = %q, want cut before the multibyte rune", got.Output)
	}
}

func TestToolResultGuard_Redacts(t *testing.T) {
	guard := ToolResultGuard{
		RedactPatterns: []string{`sk-[A-Za-z0-9]+`, "", "([invalid"},
	}.compile()

	got := guard.Apply(models.ToolResult{
		Output: "key=sk-abc123 done",
		Error:  "leaked sk-zzz",
	})
	if strings.Contains(got.Output, "sk-abc123") || !strings.Contains(got.Output, "[redacted]") {
		t.Errorf("Output = %q", got.Output)
	}
	if strings.Contains(got.Error, "sk-zzz") {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestToolResultGuard_Inactive(t *testing.T) {
	in := models.ToolResult{ToolCallID: "c1", Output: strings.Repeat("x", 1000)}
	if got := (ToolResultGuard{}).compile().Apply(in); got != in {
		t.Error("inactive guard modified the result")
	}
}

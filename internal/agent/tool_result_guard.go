package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// ToolResultGuard controls how tool results are redacted and truncated
// before they are persisted and sent back to the model.
type ToolResultGuard struct {
	MaxBytes       int
	RedactPatterns []string
	RedactionText  string
	TruncateSuffix string

	compiled []*regexp.Regexp
}

// compile prepares the redaction patterns. Invalid patterns are skipped.
func (g ToolResultGuard) compile() ToolResultGuard {
	g.compiled = nil
	for _, pattern := range g.RedactPatterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		g.compiled = append(g.compiled, re)
	}
	return g
}

func (g ToolResultGuard) active() bool {
	return g.MaxBytes > 0 || len(g.compiled) > 0
}

// Apply redacts and truncates the output and error text of result.
func (g ToolResultGuard) Apply(result models.ToolResult) models.ToolResult {
	if !g.active() {
		return result
	}
	result.Output = g.apply(result.Output)
	result.Error = g.apply(result.Error)
	return result
}

func (g ToolResultGuard) apply(content string) string {
	if content == "" {
		return content
	}
	redaction := strings.TrimSpace(g.RedactionText)
	if redaction == "" {
		redaction = "[redacted]"
	}
	for _, re := range g.compiled {
		content = re.ReplaceAllString(content, redaction)
	}

	if g.MaxBytes > 0 && len(content) > g.MaxBytes {
		suffix := strings.TrimSpace(g.TruncateSuffix)
		if suffix == "" {
			suffix = "...[truncated]"
		}
		cutoff := g.MaxBytes
		for cutoff > 0 && !utf8.RuneStart(content[cutoff]) {
			cutoff--
		}
		content = content[:cutoff] + suffix
	}
	return content
}

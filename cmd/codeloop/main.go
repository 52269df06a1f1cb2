// Package main provides the CLI entry point for codeloop, a coding-agent
// runtime that streams model turns from OpenAI- and Anthropic-compatible
// providers and executes the tool calls they request.
//
// # Basic Usage
//
// Run one prompt against the current directory:
//
//	codeloop run "add a README section about configuration"
//
// Show the configured providers:
//
//	codeloop providers list
//
// Print the execution plan for a batch of tool calls:
//
//	codeloop plan calls.json
//
// # Environment Variables
//
//   - CODELOOP_CONFIG: Path to configuration file (default: codeloop.yaml)
//
// Provider credentials are settings named api_key_<provider>; they can be
// seeded from the settings section of the configuration file, which expands
// ${VAR} references.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/codeloop/internal/config"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// defaultConfigName is used when neither --config nor CODELOOP_CONFIG is set.
const defaultConfigName = "codeloop.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "codeloop",
		Short: "codeloop - coding-agent runtime",
		Long: `codeloop drives multi-turn coding tasks against LLM providers.

Each task streams a model turn, schedules the tool calls it requests
(reads in parallel, writes serialized per file), pauses for approval
where required and loops until the model is done.

Supported protocols: OpenAI chat completions, Anthropic messages`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (YAML or JSON5; or set CODELOOP_CONFIG)")

	loader := func() (*config.Config, string, error) {
		return loadConfig(configPath)
	}

	rootCmd.AddCommand(
		buildRunCmd(loader),
		buildProvidersCmd(loader),
		buildPlanCmd(),
		buildConfigCmd(loader),
		buildMigrateCmd(loader),
		buildEventsCmd(loader),
		buildVersionCmd(),
	)
	return rootCmd
}

// configLoader returns the configuration and the file it came from, which
// is empty when built-in defaults were used.
type configLoader func() (*config.Config, string, error)

// loadConfig loads the explicit or environment-selected file. Without
// either, a missing codeloop.yaml falls back to built-in defaults.
func loadConfig(path string) (*config.Config, string, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv("CODELOOP_CONFIG"))
		explicit = path != ""
	}
	if !explicit {
		path = defaultConfigName
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

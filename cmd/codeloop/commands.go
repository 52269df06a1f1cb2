package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Task Commands
// =============================================================================

// buildRunCmd creates the "run" command that drives one task to completion.
func buildRunCmd(loader configLoader) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one coding task",
		Long: `Start a task with the given prompt and stream its events until it finishes.

Tool calls that require approval are confirmed interactively when stdin is a
terminal. Without a terminal they are rejected unless --auto-approve is set.

The configuration file is watched while the task runs; provider changes are
applied to subsequent model calls.`,
		Example: `  # Run against the default provider
  codeloop run "rename the Foo type to Bar"

  # Pick a provider and model explicitly
  codeloop run --model anthropic/claude-sonnet-4-5 "fix the failing test"

  # Read the prompt from stdin and approve every tool call
  echo "add doc comments" | codeloop run --auto-approve -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.prompt = args[0]
			}
			return runTask(cmd, loader, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model as provider/model or a bare model of the default provider")
	cmd.Flags().StringVarP(&opts.workspace, "workspace", "w", ".", "Workspace root the file tools operate in")
	cmd.Flags().StringVar(&opts.worktree, "worktree", "", "Worktree path that overrides the workspace root")
	cmd.Flags().StringVar(&opts.session, "session", "", "Session ID to continue (default: new session)")
	cmd.Flags().BoolVar(&opts.autoApprove, "auto-approve", false, "Execute tool calls without asking")
	cmd.Flags().BoolVar(&opts.jsonEvents, "json", false, "Print events as JSON lines")

	return cmd
}

// buildEventsCmd creates the "events" command that prints a task's event log.
func buildEventsCmd(loader configLoader) *cobra.Command {
	var after uint64

	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Print the persisted event log of a task",
		Long: `Print the events stored for a task, in sequence order.

Only the sql storage backend keeps events across invocations.`,
		Example: `  codeloop events 3f0c8e7a-6f0e-4ad5-9a43-0b8c4b3f9b61
  codeloop events 3f0c8e7a-6f0e-4ad5-9a43-0b8c4b3f9b61 --after 40`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd, loader, args[0], after)
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "Only print events with a higher sequence")
	return cmd
}

// =============================================================================
// Provider Commands
// =============================================================================

// buildProvidersCmd creates the "providers" command group.
func buildProvidersCmd(loader configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and configured providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersList(cmd, loader)
		},
	})
	return cmd
}

// =============================================================================
// Planning Commands
// =============================================================================

// buildPlanCmd creates the "plan" command that shows how a batch of tool
// calls would be scheduled.
func buildPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <file|->",
		Short: "Print the execution plan for a batch of tool calls",
		Long: `Read a JSON array of tool calls and print the staged execution plan.

Each call is an object with tool_call_id, name and input. Calls are classified
with the built-in file tools; unknown tools run sequentially.`,
		Example: `  codeloop plan calls.json
  cat calls.json | codeloop plan -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0])
		},
	}
	return cmd
}

// =============================================================================
// Configuration Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd(loader configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, loader)
		},
	})
	return cmd
}

// buildMigrateCmd creates the "migrate" command for the sql backend.
func buildMigrateCmd(loader configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply the embedded schema migrations to the configured sql store.

Tasks opened with the sql backend migrate automatically; this command is for
preparing a database ahead of time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, loader)
		},
	}
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("codeloop %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/codeloop/internal/agent"
	"github.com/haasonsaas/codeloop/internal/agent/providers"
	"github.com/haasonsaas/codeloop/internal/config"
	"github.com/haasonsaas/codeloop/internal/events"
	"github.com/haasonsaas/codeloop/internal/storage"
	"github.com/haasonsaas/codeloop/internal/tools"
	"github.com/haasonsaas/codeloop/internal/tools/files"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// =============================================================================
// Task Handlers
// =============================================================================

type runOptions struct {
	prompt      string
	model       string
	workspace   string
	worktree    string
	session     string
	autoApprove bool
	jsonEvents  bool
}

const shutdownTimeout = 10 * time.Second

// runTask handles the run command.
func runTask(cmd *cobra.Command, loader configLoader, opts runOptions) error {
	cfg, path, err := loader()
	if err != nil {
		return err
	}
	if opts.autoApprove {
		cfg.Runtime.AutoApprove = true
	}

	prompt, err := readPrompt(cmd.InOrStdin(), opts.prompt)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}()
	a.serveMetrics(ctx)

	if path != "" {
		current := cfg
		watcher, err := config.Watch(ctx, path, func(next *config.Config) {
			if err := config.ReloadProviders(a.providers, current, next); err != nil {
				slog.Warn("provider reload failed", "error", err)
				return
			}
			current = next
			slog.Info("providers reloaded", "config", path)
		}, func(err error) {
			slog.Warn("config watch error", "error", err)
		})
		if err != nil {
			slog.Warn("config watch disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	model := opts.model
	if model == "" {
		model = defaultModel(a.providers)
	}
	workspace := opts.workspace
	if !cmd.Flags().Changed("workspace") && cfg.Tools.WorkspaceRoot != "" {
		workspace = cfg.Tools.WorkspaceRoot
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}

	// Subscribe before starting so the first transitions are not missed.
	sub := a.bus.Subscribe(256)
	defer sub.Close()

	handle, err := a.runtime.StartTask(ctx, agent.TaskSpec{
		SessionID:     opts.session,
		Model:         model,
		Prompt:        prompt,
		WorkspaceRoot: workspace,
		Worktree:      opts.worktree,
		Settings:      cfg.Settings,
	})
	if err != nil {
		return err
	}
	slog.Debug("task started", "task_id", handle.TaskID, "session_id", handle.SessionID, "model", model)

	approver := newApprover(cmd.InOrStdin(), cmd.ErrOrStderr())
	out := cmd.OutOrStdout()
	printer := newEventPrinter(out, opts.jsonEvents)

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return waitTask(ctx, handle, out)
			}
			if ev.TaskID != handle.TaskID {
				continue
			}
			printer.print(ev)
			if ev.Type == models.EventToolCallRequested && ev.Pending && ev.Tool != nil {
				if err := a.runtime.Send(ev.TaskID, approver.decide(*ev.Tool)); err != nil && !errors.Is(err, agent.ErrTaskTerminal) {
					return err
				}
			}
		case <-handle.Done():
			drain(sub, handle.TaskID, printer)
			if n := sub.Dropped(); n > 0 {
				slog.Warn("event output fell behind", "dropped", n)
			}
			return waitTask(ctx, handle, out)
		}
	}
}

func drain(sub *events.Subscription, taskID string, printer *eventPrinter) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.TaskID == taskID {
				printer.print(ev)
			}
		default:
			return
		}
	}
}

func waitTask(ctx context.Context, handle *agent.TaskHandle, out io.Writer) error {
	task, err := handle.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	usage := handle.Usage()
	fmt.Fprintf(out, "\n[%s] iterations=%d input_tokens=%d output_tokens=%d\n",
		task.State, task.Iterations, usage.InputTokens, usage.OutputTokens)
	switch task.State {
	case models.TaskFailed:
		if err := handle.Err(); err != nil {
			return err
		}
		return errors.New(task.Error)
	case models.TaskCancelled:
		return errors.New("task cancelled")
	}
	return nil
}

// readPrompt returns arg, or stdin when arg is "-" or empty.
func readPrompt(in io.Reader, arg string) (string, error) {
	if arg != "" && arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("prompt is required")
	}
	return prompt, nil
}

// defaultModel picks the first listed model of the default provider.
func defaultModel(reg *providers.Registry) string {
	cfg, ok := reg.Get(reg.Default())
	if !ok || len(cfg.Models) == 0 {
		return ""
	}
	return cfg.ID + "/" + cfg.Models[0]
}

// approver turns pending tool calls into approve or reject actions.
type approver struct {
	interactive bool
	in          *bufio.Reader
	prompt      io.Writer
}

func newApprover(in io.Reader, prompt io.Writer) *approver {
	a := &approver{in: bufio.NewReader(in), prompt: prompt}
	if f, ok := in.(*os.File); ok {
		a.interactive = term.IsTerminal(int(f.Fd()))
	}
	return a
}

func (a *approver) decide(req models.ToolRequest) models.TaskAction {
	if !a.interactive {
		return models.Reject(req.ToolCallID, "approval requires an interactive terminal")
	}
	fmt.Fprintf(a.prompt, "\nallow %s %s? [y/N] ", req.Name, string(req.Input))
	line, err := a.in.ReadString('\n')
	if err != nil {
		return models.Reject(req.ToolCallID, "no answer")
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return models.Approve(req.ToolCallID)
	}
	return models.Reject(req.ToolCallID, "denied by user")
}

// eventPrinter renders runtime events for the terminal.
type eventPrinter struct {
	out  io.Writer
	enc  *json.Encoder
	text bool
}

func newEventPrinter(out io.Writer, asJSON bool) *eventPrinter {
	p := &eventPrinter{out: out}
	if asJSON {
		p.enc = json.NewEncoder(out)
	}
	return p
}

func (p *eventPrinter) print(ev models.RuntimeEvent) {
	if p.enc != nil {
		_ = p.enc.Encode(ev)
		return
	}
	switch ev.Type {
	case models.EventToken:
		fmt.Fprint(p.out, ev.Text)
		p.text = true
	case models.EventToolCallRequested:
		if ev.Tool == nil {
			return
		}
		p.newline()
		marker := "->"
		if ev.Pending {
			marker = "?>"
		}
		fmt.Fprintf(p.out, "%s %s %s\n", marker, ev.Tool.Name, string(ev.Tool.Input))
	case models.EventToolCallCompleted:
		if ev.Result == nil {
			return
		}
		p.newline()
		if ev.Result.Success {
			fmt.Fprintf(p.out, "ok %s\n", ev.Result.Name)
		} else {
			fmt.Fprintf(p.out, "failed %s: %s\n", ev.Result.Name, ev.Result.Error)
		}
	case models.EventError:
		p.newline()
		fmt.Fprintf(p.out, "error (%s): %s\n", ev.ErrorKind, ev.Text)
	case models.EventTaskStateChanged:
		slog.Debug("task state changed", "task_id", ev.TaskID, "state", ev.State)
	}
}

func (p *eventPrinter) newline() {
	if p.text {
		fmt.Fprintln(p.out)
		p.text = false
	}
}

// runEvents handles the events command.
func runEvents(cmd *cobra.Command, loader configLoader, taskID string, after uint64) error {
	cfg, _, err := loader()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != "sql" {
		return fmt.Errorf("storage backend %q does not keep events between runs", cfg.Storage.Backend)
	}
	store, err := storage.Open(cmd.Context(), cfg.Storage.SQL)
	if err != nil {
		return err
	}
	defer store.Close()

	evs, err := store.ListEvents(cmd.Context(), taskID, after)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Provider Handlers
// =============================================================================

// runProvidersList handles the providers list command.
func runProvidersList(cmd *cobra.Command, loader configLoader) error {
	cfg, _, err := loader()
	if err != nil {
		return err
	}
	settings := providers.NewMapSettings(cfg.Settings)
	reg := providers.NewRegistry(settings)
	if err := cfg.ApplyProviders(reg); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROTOCOL\tBASE URL\tKEY\tDEFAULT")
	for _, p := range reg.List() {
		key := "-"
		if v, ok, _ := settings.GetSetting(cmd.Context(), providers.APIKeySetting(p.ID)); ok && v != "" {
			key = "set"
		}
		def := ""
		if p.ID == reg.Default() {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.DisplayName(), p.Protocol, p.BaseURL, key, def)
	}
	return w.Flush()
}

// =============================================================================
// Planning Handlers
// =============================================================================

// runPlan handles the plan command.
func runPlan(cmd *cobra.Command, source string) error {
	var (
		data []byte
		err  error
	)
	if source == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return fmt.Errorf("read tool calls: %w", err)
	}

	var calls []models.ToolRequest
	if err := json.Unmarshal(data, &calls); err != nil {
		return fmt.Errorf("parse tool calls: %w", err)
	}

	reg := tools.NewRegistry()
	files.Register(reg, files.Config{ApproveWrites: true})
	plan := tools.Analyze(calls, reg.Metadata)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

// =============================================================================
// Configuration Handlers
// =============================================================================

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, loader configLoader) error {
	cfg, path, err := loader()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "no configuration file found; built-in defaults are valid")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (version %d, %d providers)\n", path, cfg.Version, len(cfg.Providers))
	return nil
}

// runMigrate handles the migrate command.
func runMigrate(cmd *cobra.Command, loader configLoader) error {
	cfg, _, err := loader()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != "sql" {
		return fmt.Errorf("storage backend %q has no migrations", cfg.Storage.Backend)
	}
	slog.Info("running database migrations", "driver", cfg.Storage.SQL.Driver)

	store, err := storage.Connect(cmd.Context(), cfg.Storage.SQL)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.Migrate(cmd.Context())
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	slog.Info("migrations completed successfully")
	return nil
}

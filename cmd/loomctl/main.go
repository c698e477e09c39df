// Package main provides the CLI entry point for loomctl, the thin
// collaborator wiring spec.md §6's "CLI surface" onto the core: config load,
// orchestrator construction, a line-oriented REPL, and plan/agent/workflow
// subcommands. The interactive loop and its rendering are explicitly out of
// scope for the core (§1); this entrypoint exists only to drive it, grounded
// on cmd/nexus/main.go's buildRootCmd/resolveConfigPath layout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/agentmgr"
	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/orchestrator"
	"github.com/loomwork/loom/internal/sink"
	"github.com/loomwork/loom/internal/toolexec"
	"github.com/loomwork/loom/internal/workflow"
)

// Build information, populated by ldflags, mirroring cmd/nexus/main.go.
var (
	version = "dev"
	commit  = "none"
)

const (
	exitNormal = 0
	exitConfig = 2
	exitFatal  = 3
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		code := exitFatal
		var cfgErr *config.ConfigurationError
		if ok := asConfigError(err, &cfgErr); ok {
			code = exitConfig
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(code)
	}
}

func asConfigError(err error, target **config.ConfigurationError) bool {
	for err != nil {
		if ce, ok := err.(*config.ConfigurationError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func buildRootCmd() *cobra.Command {
	var configPath, secretFile string

	rootCmd := &cobra.Command{
		Use:     "loomctl",
		Short:   "loomctl - concurrent multi-agent orchestration runtime",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Long: `loomctl drives Loom's orchestration core: an Agent Manager running
concurrent role-specialized agents, a Tool Executor sandboxing file and
process operations, and a Workflow Engine executing approved plans with
checkpoint/rollback.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&secretFile, "secrets", "", "Path to a key=value secret file")

	rootCmd.AddCommand(
		buildRunCmd(&configPath, &secretFile),
		buildAgentsCmd(&configPath, &secretFile),
		buildWorkflowCmd(&configPath, &secretFile),
	)
	return rootCmd
}

// buildOrchestrator loads config, constructs the Tool Executor, the
// optional Workflow Engine state Store, and the Orchestrator, per SPEC_FULL
// §A/§B's ambient-stack wiring.
func buildOrchestrator(configPath, secretFile string) (*orchestrator.Orchestrator, func(), error) {
	logger := slog.Default()

	var store config.SecretStore
	if secretFile != "" {
		s, err := config.LoadFileSecretStore(secretFile)
		if err != nil {
			return nil, nil, &config.ConfigurationError{Reason: "loading secret file", Cause: err}
		}
		store = s
	}

	loader := config.NewLoader(configPath, store, logger)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return nil, nil, &config.ConfigurationError{Reason: "resolving working directory", Cause: err}
	}
	if len(cfg.FileOps.AllowedDirectories) == 0 {
		cfg.FileOps.AllowedDirectories = []string{workDir}
	}

	exec, err := toolexec.New(workDir, cfg.FileOps, cfg.ToolPolicy, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing tool executor: %w", err)
	}

	var wfStore *workflow.Store
	if cfg.WorkflowStatePath != "" {
		wfStore, err = workflow.OpenStore(cfg.WorkflowStatePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening workflow state store: %w", err)
		}
	}

	out := sink.NewMultiSink(newWriterSink(os.Stdout))

	o, err := orchestrator.New(orchestrator.Options{
		Config:        cfg,
		Executor:      exec,
		Sink:          out,
		Logger:        logger,
		ClientFactory: agentmgr.NewLLMClientFactory(logger),
		Store:         wfStore,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := loader.Watch(func(*config.Config) {
		logger.Info("configuration file changed; restart loomctl to apply")
	}); err != nil {
		logger.Warn("config hot-reload watch disabled", "error", err)
	}

	cleanup := func() {
		_ = loader.Close()
		if wfStore != nil {
			_ = wfStore.Close()
		}
	}
	return o, cleanup, nil
}

// writerSink prints Output Sink events to an io.Writer, the minimal
// rendering loomctl needs since terminal rendering itself is out of scope
// per spec.md §1; grounded on cmd/nexus's plain fmt.Fprintf CLI output.
type writerSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newWriterSink(f *os.File) *writerSink {
	return &writerSink{w: bufio.NewWriter(f)}
}

func (s *writerSink) Emit(e sink.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case sink.KindPlan:
		fmt.Fprintf(s.w, "[%s] proposed a plan:\n%s\n", e.AgentID, e.Text)
	case sink.KindSummary:
		fmt.Fprintf(s.w, "[%s] summary: %s\n", e.AgentID, e.Text)
	default:
		fmt.Fprintf(s.w, "[%s] %s\n", e.AgentID, e.Text)
	}
	s.w.Flush()
}

// buildRunCmd creates the default interactive REPL, per spec.md §6's
// handle_user_line flow: each line routes to main (or, with an `@agent_id`
// prefix, directly to that agent).
func buildRunCmd(configPath, secretFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the interactive orchestration loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := buildOrchestrator(*configPath, *secretFile)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if _, err := o.Start(ctx); err != nil {
				return fmt.Errorf("starting main agent: %w", err)
			}

			return runREPL(ctx, o, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runREPL(ctx context.Context, o *orchestrator.Orchestrator, in interface{ Read([]byte) (int, error) }, out interface{ Write([]byte) (int, error) }) error {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(out, "loomctl ready. Type a line for the main agent, or \"@agent_id text\" to route directly. Ctrl-D to exit.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if handled, err := handleSlashCommand(ctx, o, line, out); handled {
				if err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
				continue
			}
			if err := o.HandleUserLine(ctx, line); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// handleSlashCommand intercepts the small set of local REPL commands for
// plan review and agent inspection that spec.md leaves to the CLI
// collaborator. A line that does not start with "/" is not handled here
// (handled == false) and goes to handle_user_line; an unrecognised slash
// command is reported as an error.
func handleSlashCommand(ctx context.Context, o *orchestrator.Orchestrator, line string, out interface{ Write([]byte) (int, error) }) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/agents":
		for _, info := range o.ListAgents() {
			fmt.Fprintf(out, "%s\t%s\t%s\n", info.ID, info.Role, info.Status)
		}
		return true, nil
	case "/approve":
		if len(fields) < 2 {
			return true, fmt.Errorf("usage: /approve <plan_id>")
		}
		return true, o.Approve(fields[1])
	case "/reject":
		if len(fields) < 2 {
			return true, fmt.Errorf("usage: /reject <plan_id>")
		}
		return true, o.Reject(fields[1])
	case "/cancel":
		if len(fields) < 2 {
			return true, fmt.Errorf("usage: /cancel <plan_id>")
		}
		return true, o.CancelWorkflow(fields[1])
	case "/stats":
		s := o.Stats()
		fmt.Fprintf(out, "agents=%d plans=%d running=%d\n", s.RegisteredAgents, s.TotalPlans, s.RunningPlans)
		return true, nil
	case "/quit", "/exit":
		os.Exit(exitNormal)
		return true, nil
	default:
		return true, fmt.Errorf("unknown command %q", fields[0])
	}
}

// buildAgentsCmd creates the "agents" command group, per
// orchestrator.spawn/terminate/list_agents.
func buildAgentsCmd(configPath, secretFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and manage running agents",
	}
	cmd.AddCommand(buildAgentsListCmd(configPath, secretFile), buildAgentsSpawnCmd(configPath, secretFile), buildAgentsTerminateCmd(configPath, secretFile))
	return cmd
}

func buildAgentsListCmd(configPath, secretFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := buildOrchestrator(*configPath, *secretFile)
			if err != nil {
				return err
			}
			defer cleanup()
			if _, err := o.Start(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, info := range o.ListAgents() {
				fmt.Fprintf(out, "%s\t%s\t%s\n", info.ID, info.Role, info.Status)
			}
			return nil
		},
	}
}

func buildAgentsSpawnCmd(configPath, secretFile *string) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "spawn [task]",
		Short: "Spawn a role-specialized sub-agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := buildOrchestrator(*configPath, *secretFile)
			if err != nil {
				return err
			}
			defer cleanup()
			if _, err := o.Start(cmd.Context()); err != nil {
				return err
			}
			id, err := o.Spawn(cmd.Context(), config.AgentRole(role), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(config.RoleImplementer), "Agent role to spawn")
	return cmd
}

func buildAgentsTerminateCmd(configPath, secretFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate [agent_id]",
		Short: "Terminate a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := buildOrchestrator(*configPath, *secretFile)
			if err != nil {
				return err
			}
			defer cleanup()
			if _, err := o.Start(cmd.Context()); err != nil {
				return err
			}
			return o.Terminate(agent.AgentID(args[0]))
		},
	}
}

// buildWorkflowCmd creates the "workflow" command group, exposing the
// persisted WorkflowState for inspection after a restart.
func buildWorkflowCmd(configPath, secretFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect persisted workflow state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status [plan_id]",
		Short: "Show a plan's persisted execution state, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := buildOrchestrator(*configPath, *secretFile)
			if err != nil {
				return err
			}
			defer cleanup()

			state, ok, err := o.WorkflowState(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(out, "no persisted state for this plan")
				return nil
			}
			fmt.Fprintf(out, "plan=%s status=%s steps=%d checkpoints=%d paused=%v cancel_requested=%v\n",
				state.Plan.ID, state.Plan.Status, len(state.Plan.Steps), len(state.Checkpoints), state.Paused, state.CancelRequested)
			return nil
		},
	})
	return cmd
}

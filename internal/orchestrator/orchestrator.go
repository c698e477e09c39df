// Package orchestrator wires the Agent Manager, Plan Parser, Plan Model,
// and Workflow Engine into the collaborator contract spec.md §6 describes
// for the CLI: handle_user_line, spawn, terminate, list_agents,
// submit_plan, approve, reject, cancel_workflow, stats. Grounded on
// internal/multiagent/orchestrator.go's registry-plus-routing shape,
// narrowed to the operations spec.md actually names.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/agentmgr"
	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/plan"
	"github.com/loomwork/loom/internal/planparser"
	"github.com/loomwork/loom/internal/sink"
	"github.com/loomwork/loom/internal/toolexec"
	"github.com/loomwork/loom/internal/workflow"
)

// Stats is the read-only summary returned by Stats(), per spec.md §6
// "orchestrator.stats()".
type Stats struct {
	RegisteredAgents int
	TotalPlans       int
	RunningPlans     int
}

// Orchestrator is the CLI-facing collaborator wiring the core components
// together, per spec.md §6.
type Orchestrator struct {
	cfg      *config.Config
	agents   *agentmgr.Manager
	engine   *workflow.Engine
	executor *toolexec.Executor
	store    *workflow.Store
	sink     sink.Sink
	logger   *slog.Logger

	mu    sync.Mutex
	plans map[string]*plan.Plan
}

// Options configures a new Orchestrator.
type Options struct {
	Config        *config.Config
	Executor      *toolexec.Executor
	Sink          sink.Sink
	Logger        *slog.Logger
	ClientFactory agentmgr.ClientFactory
	Store         *workflow.Store
}

// plannerProxy breaks the Orchestrator/Manager construction cycle: the
// Manager needs a agent.PlanSubmitter at construction time, but the
// Orchestrator (which implements it) needs the constructed Manager to
// exist first. The proxy captures the not-yet-fully-wired Orchestrator by
// pointer and forwards once wiring completes.
type plannerProxy struct{ o *Orchestrator }

func (p plannerProxy) SubmitPlan(ctx context.Context, fromAgent agent.AgentID, planText string) (string, error) {
	return p.o.SubmitPlan(ctx, fromAgent, planText)
}

// New constructs a fully-wired Orchestrator: an Agent Manager backed by
// executor's Tool Executor and this Orchestrator's plan intake, and a
// Workflow Engine sharing the same Tool Executor and consulting the
// Manager's registry for agent-id validation.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("orchestrator: executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := opts.Sink
	if s == nil {
		s = sink.Nop()
	}

	o := &Orchestrator{
		cfg:      opts.Config,
		executor: opts.Executor,
		store:    opts.Store,
		sink:     s,
		logger:   logger,
		plans:    make(map[string]*plan.Plan),
	}

	o.agents = agentmgr.New(agentmgr.Options{
		Config:        opts.Config,
		ToolRunner:    agent.NewExecutorToolRunner(opts.Executor),
		Planner:       plannerProxy{o: o},
		Sink:          s,
		Logger:        logger,
		ClientFactory: opts.ClientFactory,
	})

	o.engine = workflow.New(workflow.Options{
		Executor:   opts.Executor,
		Agents:     o.agents,
		Logger:     logger,
		OnProgress: o.onWorkflowProgress,
		Store:      opts.Store,
	})

	return o, nil
}

func (o *Orchestrator) onWorkflowProgress(ev workflow.ProgressEvent) {
	o.sink.Emit(sink.Event{
		AgentID: "workflow",
		Role:    "workflow",
		Kind:    sink.KindText,
		Text:    fmt.Sprintf("[WORKFLOW %s] plan=%s step=%s", ev.Event, ev.PlanID, ev.StepID),
	})
}

// Start spawns the persistent main agent, per spec.md §4.6.
func (o *Orchestrator) Start(ctx context.Context) (agent.AgentID, error) {
	return o.agents.SpawnMain(ctx)
}

// HandleUserLine implements spec.md §6 "orchestrator.handle_user_line(text)".
// An `@agent_id text` prefix routes directly to that agent; otherwise the
// line goes to main. Before routing, role keywords may trigger an
// auto-spawn, per SPEC_FULL.md's supplemented "capacity-aware spawning".
func (o *Orchestrator) HandleUserLine(ctx context.Context, line string) error {
	o.agents.CheckAndAutoSpawn(ctx, line)

	target := agentmgr.MainAgentID
	text := line
	if strings.HasPrefix(line, "@") {
		rest := line[1:]
		if idx := strings.IndexAny(rest, " \t"); idx != -1 {
			target = agent.AgentID(rest[:idx])
			text = strings.TrimSpace(rest[idx+1:])
		} else {
			target = agent.AgentID(rest)
			text = ""
		}
	}
	return o.agents.RouteDirect(ctx, target, text)
}

// Spawn implements spec.md §6 "orchestrator.spawn(role, task)".
func (o *Orchestrator) Spawn(ctx context.Context, role config.AgentRole, task string) (agent.AgentID, error) {
	return o.agents.Spawn(ctx, role, task, agentmgr.MainAgentID)
}

// Terminate implements spec.md §6 "orchestrator.terminate(id)".
func (o *Orchestrator) Terminate(id agent.AgentID) error {
	return o.agents.Terminate(id)
}

// ListAgents implements spec.md §6 "orchestrator.list_agents()".
func (o *Orchestrator) ListAgents() []agentmgr.Info {
	return o.agents.List()
}

// SubmitPlan implements agent.PlanSubmitter, wired into every agent this
// Orchestrator registers, and also serves spec.md §6's
// "orchestrator.submit_plan(plan)": it parses planText, validates it
// against the live agent registry, and stores it as a draft awaiting
// Approve.
func (o *Orchestrator) SubmitPlan(ctx context.Context, fromAgent agent.AgentID, planText string) (string, error) {
	p, _, ok := planparser.Parse(planText)
	if !ok {
		return "", fmt.Errorf("malformed plan text")
	}
	if errs := p.Validate(o.agents.Known()); len(errs) > 0 {
		return "", fmt.Errorf("validation failed: %s", errs[0].Error())
	}

	o.mu.Lock()
	o.plans[p.ID] = p
	o.mu.Unlock()

	o.sink.Emit(sink.Event{AgentID: string(fromAgent), Kind: sink.KindPlan, Text: planText})
	return p.ID, nil
}

// Approve implements spec.md §6 "orchestrator.approve(plan_id)": it marks
// the plan approved and starts the Workflow Engine running it in the
// background. Execute mutates the Plan in place as it runs, so Stats and
// any later inspection of the same *plan.Plan observe live progress.
func (o *Orchestrator) Approve(planID string) error {
	p, err := o.planByID(planID)
	if err != nil {
		return err
	}
	if p.Status != plan.StatusDraft {
		return fmt.Errorf("plan %q is not a draft (status=%s)", planID, p.Status)
	}
	p.Approved = true
	p.Status = plan.StatusApproved

	go func() {
		ok, msg := o.engine.Execute(context.Background(), p)
		o.logger.Info("workflow run finished", "plan_id", planID, "success", ok, "message", msg)
	}()
	return nil
}

// Reject implements spec.md §6 "orchestrator.reject(plan_id)": a draft
// plan that will never run. It is kept in the registry (as cancelled) for
// inspection rather than removed outright.
func (o *Orchestrator) Reject(planID string) error {
	p, err := o.planByID(planID)
	if err != nil {
		return err
	}
	if p.Status != plan.StatusDraft {
		return fmt.Errorf("plan %q is not a draft (status=%s)", planID, p.Status)
	}
	p.Status = plan.StatusCancelled
	return nil
}

// CancelWorkflow implements spec.md §6 "orchestrator.cancel_workflow()".
// Per spec.md §5, this does not interrupt a running step; the currently
// running step completes before the engine observes the cancellation.
func (o *Orchestrator) CancelWorkflow(planID string) error {
	return o.engine.Cancel(planID)
}

// Stats implements spec.md §6 "orchestrator.stats()".
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	running := 0
	for _, p := range o.plans {
		if p.Status == plan.StatusRunning {
			running++
		}
	}
	return Stats{
		RegisteredAgents: len(o.agents.List()),
		TotalPlans:       len(o.plans),
		RunningPlans:     running,
	}
}

// Plan returns the plan registered under id, for CLI display.
func (o *Orchestrator) Plan(id string) (*plan.Plan, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[id]
	return p, ok
}

// WorkflowState returns the persisted execution state for planID, for CLI
// inspection after a process restart (e.g. "loomctl workflow status"). ok
// is false when no Store is configured or no state has been saved.
func (o *Orchestrator) WorkflowState(planID string) (workflow.WorkflowState, bool, error) {
	return o.engine.LoadState(context.Background(), planID)
}

func (o *Orchestrator) planByID(id string) (*plan.Plan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[id]
	if !ok {
		return nil, fmt.Errorf("no plan %q", id)
	}
	return p, nil
}

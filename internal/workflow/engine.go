package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/plan"
	"github.com/loomwork/loom/internal/toolexec"
)

// maxAttempts bounds step retries, per spec.md §4.9 step e ("if attempts <
// 3, retry"); decided fixed with no back-off, see DESIGN.md Open Question
// decisions.
const maxAttempts = 3

// pauseBackoff is how long Execute sleeps between checks of the paused
// flag, per spec.md §4.9 "Wait while paused".
const pauseBackoff = 25 * time.Millisecond

// ToolExecutor is the narrow surface of toolexec.Executor the engine
// depends on: tool dispatch plus the checkpoint/rollback primitives.
// *toolexec.Executor satisfies this.
type ToolExecutor interface {
	ExecuteBash(ctx context.Context, command string, workingDir string, timeoutSeconds int) toolexec.ToolResult
	ExecutePythonScript(ctx context.Context, scriptPath string, args []string, timeoutSeconds int) toolexec.ToolResult
	ReadFileTool(path string) toolexec.ToolResult
	WriteFileTool(path string, content string, overwrite bool) toolexec.ToolResult
	EditFileTool(path, oldText, newText string) toolexec.ToolResult
	ListFilesTool(directory, pattern string) toolexec.ToolResult
	ResolvePath(path string) (string, error)
	Snapshot(path string) (existed bool, data []byte, err error)
	Restore(path string, existed bool, data []byte) error
}

// AgentLookup is the one-way handle the engine uses to attribute a step's
// action to its agent, per spec.md §9 ("the workflow engine holds agents by
// id"). It never calls into the agent itself — only looks up the set of
// ids known to the Agent Manager.
type AgentLookup interface {
	Known() map[agent.AgentID]bool
}

// EventKind is one of the nine progress-event kinds of spec.md §4.9.
type EventKind string

const (
	EventCheckpointCreated EventKind = "checkpoint_created"
	EventStepStarted       EventKind = "step_started"
	EventStepCompleted     EventKind = "step_completed"
	EventStepFailed        EventKind = "step_failed"
	EventStepRetried       EventKind = "step_retried"
	EventPlanCompleted     EventKind = "plan_completed"
	EventPlanFailed        EventKind = "plan_failed"
	EventRollbackStarted   EventKind = "rollback_started"
	EventRollbackCompleted EventKind = "rollback_completed"
)

// ProgressEvent is delivered to a caller-supplied callback, per spec.md
// §4.9 "Progress events".
type ProgressEvent struct {
	PlanID    string
	StepID    string
	Event     EventKind
	Timestamp time.Time
}

// ProgressFunc receives ProgressEvents as the engine advances. It runs
// synchronously on the executing goroutine; a slow callback slows the run.
type ProgressFunc func(ProgressEvent)

// run tracks the pause/cancel control flags for one in-flight Execute call,
// per spec.md §4.9 "Control operations". Looked up by plan id so Pause,
// Resume, and Cancel can be called from a different goroutine than the one
// running Execute.
type run struct {
	mu              sync.Mutex
	paused          bool
	cancelRequested bool
}

func (r *run) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// Engine is the Workflow Engine of spec.md §4.9.
type Engine struct {
	executor   ToolExecutor
	agents     AgentLookup
	logger     *slog.Logger
	tracer     trace.Tracer
	onProgress ProgressFunc
	store      *Store

	mu   sync.Mutex
	runs map[string]*run

	stepsTotal     *prometheus.CounterVec
	retriesTotal   prometheus.Counter
	rollbacksTotal prometheus.Counter
	stepDuration   *prometheus.HistogramVec
}

// Options configures a new Engine.
type Options struct {
	Executor   ToolExecutor
	Agents     AgentLookup
	Logger     *slog.Logger
	OnProgress ProgressFunc
	Registerer prometheus.Registerer
	// Store, if set, persists WorkflowState after every checkpoint and pause
	// boundary so a plan can be resumed after a process restart, per
	// spec.md §4.9 "State persistence". Optional: a nil Store disables
	// persistence entirely.
	Store *Store
}

// New constructs an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onProgress := opts.OnProgress
	if onProgress == nil {
		onProgress = func(ProgressEvent) {}
	}

	reg := opts.Registerer
	if reg == nil {
		// A fresh registry per Engine, like internal/agentmgr's Manager:
		// promauto panics on duplicate registration against a shared
		// registerer, which would otherwise bite multiple Engines (or
		// repeated test construction) in the same process.
		reg = prometheus.NewRegistry()
	}
	fac := promauto.With(reg)

	return &Engine{
		executor:   opts.Executor,
		agents:     opts.Agents,
		logger:     logger,
		tracer:     otel.Tracer("loom/workflow"),
		onProgress: onProgress,
		store:      opts.Store,
		runs:       make(map[string]*run),
		stepsTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_workflow_steps_total",
			Help: "Workflow steps executed, by outcome.",
		}, []string{"outcome"}),
		retriesTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "loom_workflow_retries_total",
			Help: "Step retry attempts.",
		}),
		rollbacksTotal: fac.NewCounter(prometheus.CounterOpts{
			Name: "loom_workflow_rollbacks_total",
			Help: "Workflow rollbacks performed.",
		}),
		stepDuration: fac.NewHistogramVec(prometheus.HistogramOpts{
			Name: "loom_workflow_step_duration_seconds",
			Help: "Step execution duration in seconds.",
		}, []string{"tool"}),
	}
}

// Execute runs p to completion (or failure), per spec.md §4.9's
// preconditions, algorithm, and rollback. It returns (success, message).
func (e *Engine) Execute(ctx context.Context, p *plan.Plan) (bool, string) {
	if !p.Approved {
		return false, "plan not approved"
	}
	var known map[agent.AgentID]bool
	if e.agents != nil {
		known = e.agents.Known()
	}
	if errs := p.Validate(known); len(errs) > 0 {
		return false, fmt.Sprintf("validation failed: %s", errs[0].Error())
	}

	order, err := p.ExecutionOrder()
	if err != nil {
		return false, "validation failed: " + err.Error()
	}

	r := e.startRun(p.ID)
	defer e.endRun(p.ID)

	p.Status = plan.StatusRunning
	var checkpoints []Checkpoint

	for _, step := range order {
		if r.isCancelled() {
			step.Status = plan.StepSkipped
			p.Status = plan.StatusCancelled
			e.rollback(p.ID, checkpoints)
			e.clearState(ctx, p.ID)
			return false, "cancelled"
		}
		for r.isPaused() {
			e.saveState(ctx, p, checkpoints, step.ID, true, false)
			select {
			case <-ctx.Done():
				p.Status = plan.StatusCancelled
				e.rollback(p.ID, checkpoints)
				e.clearState(ctx, p.ID)
				return false, "cancelled: " + ctx.Err().Error()
			case <-time.After(pauseBackoff):
			}
		}

		if step.Tool.Mutating(step.Arguments) {
			ck, err := e.createCheckpoint(p.ID, step)
			if err != nil {
				step.Status = plan.StepFailed
				p.Status = plan.StatusFailed
				e.emit(p.ID, step.ID, EventPlanFailed)
				e.rollback(p.ID, checkpoints)
				e.clearState(ctx, p.ID)
				return false, fmt.Sprintf("checkpoint failed for step %s: %v", step.ID, err)
			}
			checkpoints = append(checkpoints, ck)
			e.emit(p.ID, step.ID, EventCheckpointCreated)
			e.saveState(ctx, p, checkpoints, step.ID, false, false)
		}

		ok := e.runStep(ctx, p, step)
		if !ok {
			p.Status = plan.StatusFailed
			e.emit(p.ID, step.ID, EventPlanFailed)
			e.rollback(p.ID, checkpoints)
			e.clearState(ctx, p.ID)
			return false, fmt.Sprintf("execution failed: step %s exhausted retries", step.ID)
		}
	}

	p.Status = plan.StatusCompleted
	// Checkpoints are discarded on success, per spec.md testable property 8
	// ("no checkpoint files remain after completion"); they live only in
	// this function's local slice and are never written to disk outside
	// save_state, so letting them fall out of scope here is sufficient.
	e.clearState(ctx, p.ID)
	e.emit(p.ID, "", EventPlanCompleted)
	return true, "completed"
}

// saveState persists the plan's current execution state when a Store is
// configured; a nil store makes this a no-op, so callers need not branch.
func (e *Engine) saveState(ctx context.Context, p *plan.Plan, checkpoints []Checkpoint, currentStepID string, paused, cancelRequested bool) {
	if e.store == nil {
		return
	}
	state := WorkflowState{
		Plan:            p,
		Checkpoints:     checkpoints,
		CurrentStepID:   currentStepID,
		Paused:          paused,
		CancelRequested: cancelRequested,
	}
	if err := e.store.SaveState(ctx, state); err != nil {
		e.logger.Error("save workflow state failed", "plan_id", p.ID, "error", err)
	}
}

// clearState removes any persisted state for planID once a run reaches a
// terminal outcome (completed, failed, or cancelled), per spec.md testable
// property 8.
func (e *Engine) clearState(ctx context.Context, planID string) {
	if e.store == nil {
		return
	}
	if err := e.store.DeleteState(ctx, planID); err != nil {
		e.logger.Error("clear workflow state failed", "plan_id", planID, "error", err)
	}
}

// LoadState returns the persisted state for planID, if a Store is
// configured and state exists. Used by a caller (e.g. the CLI) to inspect
// or reconstruct a plan's progress after a process restart; Execute itself
// always re-validates and re-derives the execution order from the Plan it
// is given rather than reading this back internally.
func (e *Engine) LoadState(ctx context.Context, planID string) (WorkflowState, bool, error) {
	if e.store == nil {
		return WorkflowState{}, false, nil
	}
	return e.store.LoadState(ctx, planID)
}

// runStep attempts step up to maxAttempts times, per spec.md §4.9 steps
// d–g. Returns false once retries are exhausted.
func (e *Engine) runStep(ctx context.Context, p *plan.Plan, step *plan.PlanStep) bool {
	e.emit(p.ID, step.ID, EventStepStarted)
	step.Status = plan.StepRunning
	now := time.Now()
	step.StartedAt = &now

	for {
		step.Attempts++

		stepCtx, span := e.tracer.Start(ctx, "workflow.step",
			trace.WithAttributes(
				attribute.String("plan.id", p.ID),
				attribute.String("step.id", step.ID),
				attribute.String("step.tool", string(step.Tool)),
				attribute.Int("step.attempt", step.Attempts),
			))
		start := time.Now()
		result := e.invoke(stepCtx, step)
		e.stepDuration.WithLabelValues(string(step.Tool)).Observe(time.Since(start).Seconds())
		span.End()

		finished := time.Now()
		step.FinishedAt = &finished
		resultCopy := result
		step.Result = &resultCopy

		if result.Success {
			step.Status = plan.StepCompleted
			e.stepsTotal.WithLabelValues("success").Inc()
			e.emit(p.ID, step.ID, EventStepCompleted)
			return true
		}

		if step.Attempts < maxAttempts {
			e.retriesTotal.Inc()
			e.emit(p.ID, step.ID, EventStepRetried)
			continue
		}

		step.Status = plan.StepFailed
		e.stepsTotal.WithLabelValues("failed").Inc()
		e.emit(p.ID, step.ID, EventStepFailed)
		return false
	}
}

// rollback reverse-iterates checkpoints and restores each, per spec.md
// §4.9 "Rollback". Individual restore failures are logged, never returned:
// spec.md's failure semantics say rollback failures never block the engine
// from returning its (false, …) outcome.
func (e *Engine) rollback(planID string, checkpoints []Checkpoint) {
	if len(checkpoints) == 0 {
		return
	}
	e.emit(planID, "", EventRollbackStarted)
	e.rollbacksTotal.Inc()
	for i := len(checkpoints) - 1; i >= 0; i-- {
		ck := checkpoints[i]
		if errs := e.restoreCheckpoint(ck); len(errs) > 0 {
			for _, err := range errs {
				e.logger.Error("rollback restore failed", "plan_id", planID, "step_id", ck.StepID, "error", err)
			}
		}
	}
	e.emit(planID, "", EventRollbackCompleted)
}

// invoke dispatches step through the Tool Executor, resolving any path
// arguments to their canonical form first, per spec.md §4.9 step d
// ("type-coerce string paths to canonical paths before invocation").
func (e *Engine) invoke(ctx context.Context, step *plan.PlanStep) toolexec.ToolResult {
	args := step.Arguments
	switch step.Tool {
	case toolexec.ToolExecuteBash:
		command, _ := args["command"].(string)
		workingDir, _ := args["working_dir"].(string)
		timeout := intArg(args, "timeout_seconds")
		return e.executor.ExecuteBash(ctx, command, workingDir, timeout)

	case toolexec.ToolExecutePythonScript:
		scriptPath, _ := args["script_path"].(string)
		if resolved, err := e.executor.ResolvePath(scriptPath); err == nil {
			scriptPath = resolved
		}
		var scriptArgs []string
		if raw, ok := args["args"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					scriptArgs = append(scriptArgs, s)
				}
			}
		}
		timeout := intArg(args, "timeout_seconds")
		return e.executor.ExecutePythonScript(ctx, scriptPath, scriptArgs, timeout)

	case toolexec.ToolReadFile:
		path, _ := args["path"].(string)
		return e.executor.ReadFileTool(path)

	case toolexec.ToolWriteFile:
		path, _ := args["path"].(string)
		content, _ := args["content"].(string)
		overwrite, _ := args["overwrite"].(bool)
		return e.executor.WriteFileTool(path, content, overwrite)

	case toolexec.ToolEditFile:
		path, _ := args["path"].(string)
		oldText, _ := args["old_text"].(string)
		newText, _ := args["new_text"].(string)
		return e.executor.EditFileTool(path, oldText, newText)

	case toolexec.ToolListFiles:
		directory, _ := args["directory"].(string)
		pattern, _ := args["pattern"].(string)
		return e.executor.ListFilesTool(directory, pattern)

	default:
		return toolexec.ToolResult{Success: false, Error: "unknown tool " + string(step.Tool)}
	}
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (e *Engine) emit(planID, stepID string, kind EventKind) {
	e.onProgress(ProgressEvent{PlanID: planID, StepID: stepID, Event: kind, Timestamp: time.Now()})
}

func (e *Engine) startRun(planID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &run{}
	e.runs[planID] = r
	return r
}

func (e *Engine) endRun(planID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, planID)
}

// Pause sets the paused flag consulted at the next step boundary, per
// spec.md §4.9 "Control operations".
func (e *Engine) Pause(planID string) error {
	r, err := e.runFor(planID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	return nil
}

// Resume clears the paused flag.
func (e *Engine) Resume(planID string) error {
	r, err := e.runFor(planID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	return nil
}

// Cancel sets the cancel flag. Per spec.md §5 "Cancellation", this does not
// interrupt a running step; it is observed at the next step boundary.
func (e *Engine) Cancel(planID string) error {
	r, err := e.runFor(planID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cancelRequested = true
	r.mu.Unlock()
	return nil
}

func (e *Engine) runFor(planID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[planID]
	if !ok {
		return nil, fmt.Errorf("no running plan %q", planID)
	}
	return r, nil
}


// Package agent implements the Agent (conversation state + dispatch) of
// spec.md §4.5: a single conversation composed of a streaming client, a
// response parser, and a tool-executor handle. Grounded on
// internal/agent/runtime.go's history ownership and per-turn orchestration,
// generalized from nexus's multi-provider/multi-tool runtime down to the
// single OpenAI-compatible completions client and six-tool executor
// spec.md requires.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/llm"
	"github.com/loomwork/loom/internal/respparse"
	"github.com/loomwork/loom/internal/sink"
	"github.com/loomwork/loom/internal/toolexec"
)

// AgentID identifies one running agent, unique process-wide.
type AgentID string

// Role is a conversation message's speaker, per spec.md §3's
// ConversationMessage {role ∈ {system, user, assistant}}.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMessage is one ordered entry in an Agent's history.
type ConversationMessage struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Completer is the subset of *llm.Client's surface an Agent depends on,
// accepted as an interface so tests can substitute a fake without standing
// up an HTTP server.
type Completer interface {
	Complete(ctx context.Context, req llm.Request, onChunk func(llm.Chunk)) error
}

// ToolRunner dispatches a parsed file operation to the Tool Executor. The
// default implementation is NewExecutorToolRunner, wrapping a
// *toolexec.Executor.
type ToolRunner interface {
	Run(ctx context.Context, op respparse.FileOp) toolexec.ToolResult
}

// PlanSubmitter hands a parsed [PLAN] block to the Workflow Engine. Defined
// here (rather than importing internal/workflow directly) so this package
// has no dependency on plan/workflow internals — only on the narrow
// capability it needs from them.
type PlanSubmitter interface {
	SubmitPlan(ctx context.Context, fromAgent AgentID, planText string) (planID string, err error)
}

// Agent owns one conversation: its history, its streaming client, its
// parser, and its dispatch policy for file operations and plans.
type Agent struct {
	id      AgentID
	role    config.AgentRole
	profile *config.AgentProfile
	isMain  bool

	client     Completer
	toolRunner ToolRunner
	planner    PlanSubmitter
	sink       sink.Sink
	logger     *slog.Logger
	tracer     trace.Tracer

	mu               sync.Mutex
	history          []ConversationMessage
	planMode         bool
	pendingSummary   *string
	suggestedFileOps []respparse.FileOp
}

// Options configures a new Agent. Client is required; ToolRunner, Planner,
// and Sink may be nil (a nil Sink is a no-op per internal/sink.Nop()).
type Options struct {
	ID         AgentID
	Role       config.AgentRole
	Profile    *config.AgentProfile
	IsMain     bool
	PlanMode   bool
	Client     Completer
	ToolRunner ToolRunner
	Planner    PlanSubmitter
	Sink       sink.Sink
	Logger     *slog.Logger
}

// New constructs an Agent and seeds its history with the role's system
// prompt, per spec.md §4.6 ("seeds history with its role's system prompt").
func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := opts.Sink
	if s == nil {
		s = sink.Nop()
	}
	a := &Agent{
		id:         opts.ID,
		role:       opts.Role,
		profile:    opts.Profile,
		isMain:     opts.IsMain,
		client:     opts.Client,
		toolRunner: opts.ToolRunner,
		planner:    opts.Planner,
		sink:       s,
		logger:     logger.With(slog.String("agent_id", string(opts.ID)), slog.String("role", string(opts.Role))),
		tracer:     otel.Tracer("loom/agent"),
		planMode:   opts.PlanMode,
	}
	if opts.Profile != nil && opts.Profile.SystemPromptText != "" {
		a.history = append(a.history, ConversationMessage{Role: RoleSystem, Content: opts.Profile.SystemPromptText, CreatedAt: now()})
	}
	return a
}

// ID returns the agent's identifier.
func (a *Agent) ID() AgentID { return a.id }

// History returns a snapshot copy of the conversation so far.
func (a *Agent) History() []ConversationMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ConversationMessage, len(a.history))
	copy(out, a.history)
	return out
}

// PendingSummary returns the most recently observed [SUMMARY] text, if any,
// per spec.md §4.5's summary policy. The Agent Manager reads this after a
// non-main agent's stream closes.
func (a *Agent) PendingSummary() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingSummary == nil {
		return "", false
	}
	return *a.pendingSummary, true
}

// ClearPendingSummary clears the pending summary after delivery.
func (a *Agent) ClearPendingSummary() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingSummary = nil
}

// SuggestedFileOps returns the file operations queued (not executed) while
// in plan mode, per spec.md §4.5's file op dispatch policy.
func (a *Agent) SuggestedFileOps() []respparse.FileOp {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]respparse.FileOp, len(a.suggestedFileOps))
	copy(out, a.suggestedFileOps)
	return out
}

// ResetHistory clears history except the system prompt, per spec.md §4.5.
func (a *Agent) ResetHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.history) > 0 && a.history[0].Role == RoleSystem {
		a.history = a.history[:1]
		return
	}
	a.history = nil
}

func (a *Agent) appendHistory(role Role, content string) {
	a.mu.Lock()
	a.history = append(a.history, ConversationMessage{Role: role, Content: content, CreatedAt: now()})
	a.mu.Unlock()
}

// ReceiveMessage appends a synthetic user turn from another agent without
// triggering a completion, per spec.md §4.5.
func (a *Agent) ReceiveMessage(fromAgent AgentID, text string) {
	a.appendHistory(RoleUser, fmt.Sprintf("[FROM %s] %s", fromAgent, text))
}

// SendUserTurn appends text as a user turn, issues a completion request,
// streams deltas through the response parser, forwards text events to the
// sink, and dispatches any embedded summary/plan/file-op. It returns once
// the (possibly multi-round) tool loop settles and the stream closes with
// no further pending tool call.
func (a *Agent) SendUserTurn(ctx context.Context, text string) error {
	a.appendHistory(RoleUser, text)
	return a.runToLoopClose(ctx)
}

// runToLoopClose drives the completion/parse/dispatch cycle. Each round
// issues one completion; if that round produced a file op dispatched to
// the Tool Executor, the result is appended as a synthetic turn and the
// loop issues another completion so the model can react — the "tool loop"
// of spec.md §4.5.
func (a *Agent) runToLoopClose(ctx context.Context) error {
	for {
		spanCtx, span := a.tracer.Start(ctx, "agent.turn",
			trace.WithAttributes(
				attribute.String("agent.id", string(a.id)),
				attribute.String("agent.role", string(a.role)),
			))

		assistantText, dispatchedToolCall, err := a.runOneCompletion(spanCtx)
		span.End()
		if err != nil {
			return err
		}
		if assistantText != "" {
			a.appendHistory(RoleAssistant, assistantText)
		}
		if !dispatchedToolCall {
			return nil
		}
	}
}

func (a *Agent) runOneCompletion(ctx context.Context) (assistantText string, dispatchedToolCall bool, err error) {
	req := llm.Request{
		Model:       a.profile.ModelID,
		Messages:    a.toLLMMessages(),
		Temperature: a.profile.Temperature,
		MaxTokens:   a.profile.MaxTokens,
		Stream:      a.profile.StreamEnabled,
	}

	parser := respparse.New()
	var textBuf strings.Builder
	var streamErr error

	completeErr := a.client.Complete(ctx, req, func(c llm.Chunk) {
		if c.Err != nil {
			streamErr = c.Err
			return
		}
		if c.Done {
			return
		}
		a.handleEvents(ctx, parser.Feed(c.Delta), &textBuf, &dispatchedToolCall)
	})
	a.handleEvents(ctx, parser.Finalize(), &textBuf, &dispatchedToolCall)

	if completeErr != nil {
		return "", false, completeErr
	}
	if streamErr != nil {
		return "", false, streamErr
	}
	return textBuf.String(), dispatchedToolCall, nil
}

func (a *Agent) handleEvents(ctx context.Context, events []respparse.Event, textBuf *strings.Builder, dispatchedToolCall *bool) {
	for _, e := range events {
		switch e.Kind {
		case respparse.EventText:
			a.sink.Emit(sink.Event{AgentID: string(a.id), Role: string(a.role), Kind: sink.KindText, TextRole: string(e.Role), Text: e.Chunk})
			if e.Role == respparse.RoleResponse {
				textBuf.WriteString(e.Chunk)
			}
		case respparse.EventSummary:
			a.handleSummary(e.Summary)
		case respparse.EventPlan:
			a.handlePlan(ctx, e.Plan)
		case respparse.EventFileOp:
			if a.handleFileOp(ctx, e.FileOp) {
				*dispatchedToolCall = true
			}
		}
	}
}

func (a *Agent) handleSummary(text string) {
	a.mu.Lock()
	a.pendingSummary = &text
	a.mu.Unlock()
	a.sink.Emit(sink.Event{AgentID: string(a.id), Role: string(a.role), Kind: sink.KindSummary, Text: text})
}

func (a *Agent) handlePlan(ctx context.Context, text string) {
	if a.planner == nil {
		a.appendHistory(RoleUser, "[PLAN ERROR] no workflow engine available to accept this plan")
		return
	}
	planID, err := a.planner.SubmitPlan(ctx, a.id, text)
	if err != nil {
		a.appendHistory(RoleUser, fmt.Sprintf("[PLAN ERROR] %v", err))
		return
	}
	a.appendHistory(RoleUser, fmt.Sprintf("[PLAN SUBMITTED] id=%s", planID))
}

// handleFileOp implements spec.md §4.5's file op dispatch policy: queue a
// suggestion when this is the main agent in plan mode, otherwise hand it
// to the Tool Executor and fold the result back into history. It reports
// whether a [TOOL RESULT] turn was appended to history — the executor's
// result, or an error turn when no executor is configured — and only such a
// turn re-enters the tool loop for another completion round; a queued
// suggestion does not.
func (a *Agent) handleFileOp(ctx context.Context, op respparse.FileOp) bool {
	a.mu.Lock()
	queueOnly := a.isMain && a.planMode
	a.mu.Unlock()

	if queueOnly {
		a.mu.Lock()
		a.suggestedFileOps = append(a.suggestedFileOps, op)
		a.mu.Unlock()
		a.appendHistory(RoleUser, fmt.Sprintf("[FILE OP QUEUED] %s %s (plan mode: not executed)", op.Kind, op.Path))
		return false
	}

	if a.toolRunner == nil {
		a.appendHistory(RoleUser, "[TOOL RESULT] error: no tool executor configured")
		return true
	}

	result := a.toolRunner.Run(ctx, op)
	encoded, err := json.Marshal(result)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
	}
	a.appendHistory(RoleUser, "[TOOL RESULT] "+string(encoded))
	return true
}

func (a *Agent) toLLMMessages() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Message, 0, len(a.history))
	for _, m := range a.history {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// now is a seam so tests can't observe wall-clock nondeterminism in
// generated fixtures; production code always uses time.Now.
var now = time.Now

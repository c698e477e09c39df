// Package agentmgr implements the Agent Manager of spec.md §4.6: a
// process-wide registry of concurrent agents keyed by AgentID, spawn/
// terminate/list, summary delivery, direct routing, and keyword-triggered
// auto-spawn. Grounded on internal/tools/subagent/spawn.go's atomic
// active-count cap and background-goroutine-per-subagent shape, and
// internal/multiagent/orchestrator.go's registry/routing surface.
package agentmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/llm"
	"github.com/loomwork/loom/internal/sink"
)

// MainAgentID is the reserved identifier for the primary agent, per
// spec.md §3 ("main is reserved for the primary agent").
const MainAgentID agent.AgentID = "main"

// Status is an agent's closed set of lifecycle states, per spec.md §3/§4.6.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusWorking      Status = "working"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

// CapacityError is returned by Spawn when the active-agent count is already
// at config.Config.MaxConcurrentAgents, per spec.md §4.6/§7.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity: max_concurrent_agents (%d) reached", e.Max)
}

// Info is the read-only view of a registry entry returned by List.
type Info struct {
	ID        agent.AgentID
	Role      config.AgentRole
	Status    Status
	StartedAt time.Time
	ParentID  agent.AgentID
}

// ClientFactory constructs a streaming completer for a role's profile. The
// default, NewLLMClientFactory, wraps *llm.Client; tests substitute a fake.
type ClientFactory func(profile *config.AgentProfile) agent.Completer

// NewLLMClientFactory returns the production ClientFactory, grounded on
// internal/agent/providers/openai.go's per-provider client construction.
func NewLLMClientFactory(logger *slog.Logger) ClientFactory {
	return func(profile *config.AgentProfile) agent.Completer {
		return llm.New(profile.BaseURL, profile.APIKey(), logger)
	}
}

type entry struct {
	id         agent.AgentID
	role       config.AgentRole
	agent      *agent.Agent
	parentID   agent.AgentID
	startedAt  time.Time
	persistent bool // true only for the main agent, per spec.md §4.6

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
}

func (e *entry) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *entry) getStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Manager is the Agent Manager: the process-wide registry of spec.md §4.6.
type Manager struct {
	cfg           *config.Config
	toolRunner    agent.ToolRunner
	planner       agent.PlanSubmitter
	sink          sink.Sink
	logger        *slog.Logger
	clientFactory ClientFactory

	mu          sync.Mutex
	agents      map[agent.AgentID]*entry
	activeCount int64

	activeGauge prometheus.Gauge
	spawnTotal  *prometheus.CounterVec
}

// Options configures a new Manager.
type Options struct {
	Config        *config.Config
	ToolRunner    agent.ToolRunner
	Planner       agent.PlanSubmitter
	Sink          sink.Sink
	Logger        *slog.Logger
	ClientFactory ClientFactory
	Registerer    prometheus.Registerer
}

// New constructs a Manager. If opts.Registerer is nil, a fresh private
// registry backs its metrics (see the rationale below).
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.ClientFactory
	if factory == nil {
		factory = NewLLMClientFactory(logger)
	}

	reg := opts.Registerer
	if reg == nil {
		// A fresh, unshared registry rather than the global default: tests
		// and multi-instance callers construct more than one Manager, and
		// promauto panics on duplicate metric registration against a
		// shared registerer.
		reg = prometheus.NewRegistry()
	}
	fac := promauto.With(reg)

	return &Manager{
		cfg:           opts.Config,
		toolRunner:    opts.ToolRunner,
		planner:       opts.Planner,
		sink:          opts.Sink,
		logger:        logger,
		clientFactory: factory,
		agents:        make(map[agent.AgentID]*entry),
		activeGauge: fac.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_agents",
			Help: "Number of spawned sub-agents whose run is still in progress.",
		}),
		spawnTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_agent_spawns_total",
			Help: "Total agent spawn attempts by role and outcome.",
		}, []string{"role", "outcome"}),
	}
}

// SpawnMain registers the persistent main agent with AgentID "main" and no
// parent. It does not start a completion; the caller drives it with
// SendUserTurn via RouteDirect(ctx, "main", text).
func (m *Manager) SpawnMain(ctx context.Context) (agent.AgentID, error) {
	profile, ok := m.cfg.Roles[config.RoleMain]
	if !ok {
		// Unreachable once Config.finalize has run: it requires a main
		// profile. Surfaced as a ConfigurationError rather than panicking
		// in case a caller builds a Config by hand in a test.
		return "", &config.ConfigurationError{Reason: "no profile configured for role \"main\""}
	}
	e := m.register(MainAgentID, config.RoleMain, profile, "", true)
	e.setStatus(StatusIdle)
	return MainAgentID, nil
}

// Spawn creates and starts a new sub-agent, per spec.md §4.6. It rejects
// with CapacityError if the active count is already at MaxConcurrentAgents,
// loads the role's profile, seeds history with the role's system prompt
// plus {user, task}, transitions status initializing -> working, and runs
// the agent's completion concurrently with the caller.
func (m *Manager) Spawn(ctx context.Context, role config.AgentRole, task string, parentID agent.AgentID) (agent.AgentID, error) {
	if parentID == "" {
		parentID = MainAgentID
	}

	m.mu.Lock()
	if int(m.activeCount) >= m.cfg.MaxConcurrentAgents {
		m.mu.Unlock()
		m.spawnTotal.WithLabelValues(string(role), "capacity").Inc()
		return "", &CapacityError{Max: m.cfg.MaxConcurrentAgents}
	}
	m.mu.Unlock()

	profile, ok := m.cfg.Roles[role]
	if !ok {
		m.spawnTotal.WithLabelValues(string(role), "unknown_role").Inc()
		return "", &config.ConfigurationError{Reason: fmt.Sprintf("no profile configured for role %q", role)}
	}

	id := agent.AgentID(uuid.NewString())
	e := m.register(id, role, profile, parentID, false)
	atomic.AddInt64(&m.activeCount, 1)
	m.activeGauge.Set(float64(atomic.LoadInt64(&m.activeCount)))
	m.spawnTotal.WithLabelValues(string(role), "started").Inc()

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.setStatus(StatusWorking)
	go m.runSubAgent(runCtx, e, task)

	return id, nil
}

func (m *Manager) register(id agent.AgentID, role config.AgentRole, profile *config.AgentProfile, parentID agent.AgentID, isMain bool) *entry {
	a := agent.New(agent.Options{
		ID:         id,
		Role:       role,
		Profile:    profile,
		IsMain:     isMain,
		PlanMode:   m.cfg.PlanMode,
		Client:     m.clientFactory(profile),
		ToolRunner: m.toolRunner,
		Planner:    m.planner,
		Sink:       m.sink,
		Logger:     m.logger,
	})
	e := &entry{
		id:         id,
		role:       role,
		agent:      a,
		parentID:   parentID,
		startedAt:  time.Now(),
		persistent: isMain,
		status:     StatusInitializing,
	}
	m.mu.Lock()
	m.agents[id] = e
	m.mu.Unlock()
	return e
}

// runSubAgent drives one sub-agent's completion to closure, then delivers
// its pending summary to its parent, per spec.md §4.6's "single point of
// cross-task hand-off" — the pending summary is taken by an atomic swap
// (Agent.PendingSummary + ClearPendingSummary) and enqueued onto the
// parent's history within the same goroutine, satisfying testable property
// 10 ("within one scheduler tick of the child's completion").
func (m *Manager) runSubAgent(ctx context.Context, e *entry, task string) {
	defer func() {
		atomic.AddInt64(&m.activeCount, -1)
		m.activeGauge.Set(float64(atomic.LoadInt64(&m.activeCount)))
	}()

	err := e.agent.SendUserTurn(ctx, task)
	if e.getStatus() == StatusTerminated {
		return
	}
	if err != nil {
		e.setStatus(StatusError)
		m.deliverError(e, err)
		return
	}
	e.setStatus(StatusCompleted)
	_ = m.DeliverSummary(e.id)
}

// deliverError routes an UpstreamError/parse failure back to the parent as
// a summary-like turn, per spec.md §7 ("sub-agent errors flow back as a
// summary-like '[ERROR from <role>]' message to the parent").
func (m *Manager) deliverError(e *entry, cause error) {
	m.mu.Lock()
	parent, ok := m.agents[e.parentID]
	m.mu.Unlock()
	if !ok {
		return
	}
	parent.agent.ReceiveMessage(e.id, fmt.Sprintf("[ERROR from %s] %v", e.role, cause))
}

// Terminate cancels the agent's in-flight stream (if running) and marks it
// terminated, per spec.md §4.6/§5 ("Cancellation").
func (m *Manager) Terminate(id agent.AgentID) error {
	m.mu.Lock()
	e, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q not found", id)
	}

	e.mu.Lock()
	cancel := e.cancel
	e.status = StatusTerminated
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// List returns every registered agent, in no particular order.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.agents))
	for _, e := range m.agents {
		out = append(out, Info{
			ID:        e.id,
			Role:      e.role,
			Status:    e.getStatus(),
			StartedAt: e.startedAt,
			ParentID:  e.parentID,
		})
	}
	return out
}

// Get returns the *agent.Agent for id, for callers (e.g. the Workflow
// Engine) that need to attribute a step to an agent for traceability.
func (m *Manager) Get(id agent.AgentID) (*agent.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[id]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// Known returns the set of every registered agent id, for Plan.Validate's
// "references an agent_id not present in the runtime agent catalogue".
func (m *Manager) Known() map[agent.AgentID]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[agent.AgentID]bool, len(m.agents))
	for id := range m.agents {
		out[id] = true
	}
	return out
}

// DeliverSummary reads fromID's pending summary (if any), synthesises a
// receive_message turn on its parent, and clears the pending summary, per
// spec.md §4.6.
func (m *Manager) DeliverSummary(fromID agent.AgentID) error {
	m.mu.Lock()
	from, ok := m.agents[fromID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q not found", fromID)
	}

	summary, ok := from.agent.PendingSummary()
	if !ok {
		return nil
	}

	m.mu.Lock()
	parent, ok := m.agents[from.parentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("parent agent %q not found", from.parentID)
	}

	parent.agent.ReceiveMessage(fromID, fmt.Sprintf("[SUMMARY from %s] %s", from.role, summary))
	from.agent.ClearPendingSummary()
	return nil
}

// RouteDirect drives toID's SendUserTurn with text, per spec.md §4.6's
// "@agent_id CLI syntax" collaborator contract. It applies the same
// working -> idle|completed|error transition runSubAgent applies to spawned
// agents, since this is also how the main agent's own turns are driven.
func (m *Manager) RouteDirect(ctx context.Context, toID agent.AgentID, text string) error {
	m.mu.Lock()
	e, ok := m.agents[toID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q not found", toID)
	}

	e.setStatus(StatusWorking)
	err := e.agent.SendUserTurn(ctx, text)
	if err != nil {
		e.setStatus(StatusError)
		return err
	}
	if e.persistent {
		e.setStatus(StatusIdle)
	} else {
		e.setStatus(StatusCompleted)
	}
	if _, ok := e.agent.PendingSummary(); ok {
		_ = m.DeliverSummary(toID)
	}
	return nil
}

// CheckAndAutoSpawn scans userText against every non-main role's spawn
// keywords and spawns each matching role once, on its first matching
// keyword, per spec.md §4.6. Capacity errors
// are logged, not returned, since auto-spawn is a best-effort convenience
// layered on top of the main conversation.
func (m *Manager) CheckAndAutoSpawn(ctx context.Context, userText string) []agent.AgentID {
	if !m.cfg.AutoSpawnOnKeywords {
		return nil
	}
	lower := strings.ToLower(userText)

	var spawned []agent.AgentID
	for role, profile := range m.cfg.Roles {
		if role == config.RoleMain {
			continue
		}
		for _, kw := range profile.SpawnKeywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				id, err := m.Spawn(ctx, role, userText, MainAgentID)
				if err != nil {
					m.logger.Warn("auto-spawn skipped", slog.String("role", string(role)), slog.Any("error", err))
					break
				}
				spawned = append(spawned, id)
				break
			}
		}
	}
	return spawned
}

// Package plan implements the Plan Model of spec.md §3/§4.7: Plan and
// PlanStep types, dependency-graph validation, topological execution
// order, and derived progress/cost accounting. Grounded on
// internal/multiagent/swarm.go's BuildDependencyGraph (Kahn's-algorithm
// indegree/dependents bookkeeping, cycle detection via processed-count
// mismatch), generalized from agent dependency stages to plan step
// dependency ordering.
package plan

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/toolexec"
)

// StepStatus is a PlanStep's closed set of lifecycle states.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Status is a Plan's closed set of lifecycle states.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusApproved  Status = "approved"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// PlanStep is one unit of work in a Plan.
type PlanStep struct {
	ID           string
	OrderHint    int
	Description  string
	AgentID      agent.AgentID
	Tool         toolexec.ToolSpec
	Arguments    map[string]any
	Dependencies map[string]bool
	EstimatedSec int
	Status       StepStatus
	Attempts     int
	Result       *toolexec.ToolResult
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Plan is an ordered collection of steps plus derived totals.
type Plan struct {
	ID          string
	Name        string
	Description string
	Steps       []*PlanStep
	Approved    bool
	CreatedAt   time.Time
	Status      Status
}

// New constructs a draft Plan with a fresh id, ready for step assembly.
func New(name, description string) *Plan {
	return &Plan{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now(),
		Status:      StatusDraft,
	}
}

// ValidationError describes one defect found by Validate. Plan.Validate
// returns a slice of these rather than a single error, per spec.md §4.7
// ("returns a non-empty error list").
type ValidationError struct {
	StepID string
	Reason string
}

func (e ValidationError) Error() string {
	if e.StepID != "" {
		return "step " + e.StepID + ": " + e.Reason
	}
	return e.Reason
}

// Validate checks the four conditions of spec.md §4.7 — missing dependency
// ids, dependency cycles (DFS back-edge detection), unknown agent ids
// (against knownAgents), and unknown tools (against toolexec.ValidTools) —
// plus spec.md §4.2's "fixed argument schema" requirement: a step naming a
// recognized tool also has its Arguments validated against that tool's
// schema (toolexec.ValidateArguments), so a malformed step is rejected here
// rather than reaching the Workflow Engine's dispatch.
func (p *Plan) Validate(knownAgents map[agent.AgentID]bool) []ValidationError {
	var errs []ValidationError

	byID := make(map[string]*PlanStep, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.ID] = s
	}

	for _, s := range p.Steps {
		for dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				errs = append(errs, ValidationError{StepID: s.ID, Reason: "references missing dependency " + dep})
			}
		}
		if knownAgents != nil && !knownAgents[s.AgentID] {
			errs = append(errs, ValidationError{StepID: s.ID, Reason: "references unknown agent " + string(s.AgentID)})
		}
		if !toolexec.ValidTools[s.Tool] {
			errs = append(errs, ValidationError{StepID: s.ID, Reason: "references unknown tool " + string(s.Tool)})
		} else if err := toolexec.ValidateArguments(s.Tool, s.Arguments); err != nil {
			errs = append(errs, ValidationError{StepID: s.ID, Reason: err.Error()})
		}
	}

	if cyclic := detectCycle(p.Steps); cyclic {
		errs = append(errs, ValidationError{Reason: "dependency graph contains a cycle"})
	}

	return errs
}

// detectCycle runs DFS with back-edge detection (white/gray/black marking)
// over the step dependency graph.
func detectCycle(steps []*PlanStep) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	byID := make(map[string]*PlanStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	color := make(map[string]int, len(steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case gray:
			return true // back edge: found a cycle
		case black:
			return false
		}
		color[id] = gray
		if s, ok := byID[id]; ok {
			for dep := range s.Dependencies {
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, s := range steps {
		if color[s.ID] == white && visit(s.ID) {
			return true
		}
	}
	return false
}

// ExecutionOrder computes a Kahn's-algorithm topological sort over the
// step dependency graph, tie-broken by OrderHint ascending, per spec.md
// §4.7. Grounded on BuildDependencyGraph's indegree/dependents/ready-queue
// structure, collapsed from staged-parallel output to a single linear
// sequence since spec.md does not require parallel execution.
func (p *Plan) ExecutionOrder() ([]*PlanStep, error) {
	byID := make(map[string]*PlanStep, len(p.Steps))
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))

	for _, s := range p.Steps {
		byID[s.ID] = s
		if _, exists := indegree[s.ID]; !exists {
			indegree[s.ID] = 0
		}
	}
	for _, s := range p.Steps {
		for dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	ready := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortByOrderHint(ready, byID)

	var order []*PlanStep
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])

		next := dependents[id]
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sortByOrderHint(ready, byID)
	}

	if len(order) != len(p.Steps) {
		return nil, ValidationError{Reason: "dependency graph contains a cycle"}
	}
	return order, nil
}

func sortByOrderHint(ids []string, byID map[string]*PlanStep) {
	sort.SliceStable(ids, func(i, j int) bool {
		return byID[ids[i]].OrderHint < byID[ids[j]].OrderHint
	})
}

// Stages is a supplemental, read-only diagnostic grouping steps into
// dependency-respecting "could run in parallel" batches, the way
// BuildDependencyGraph groups agents. It is never used to drive execution:
// the Workflow Engine always runs ExecutionOrder's linear sequence, per
// spec.md §4.9 and the invariant that no two steps with overlapping file
// writes run concurrently.
func (p *Plan) Stages() [][]*PlanStep {
	byID := make(map[string]*PlanStep, len(p.Steps))
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.ID] = s
		if _, exists := indegree[s.ID]; !exists {
			indegree[s.ID] = 0
		}
	}
	for _, s := range p.Steps {
		for dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	ready := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var stages [][]*PlanStep
	for len(ready) > 0 {
		stage := append([]string(nil), ready...)
		sort.Strings(stage)
		var stepStage []*PlanStep
		next := make([]string, 0)
		for _, id := range stage {
			stepStage = append(stepStage, byID[id])
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		stages = append(stages, stepStage)
		sort.Strings(next)
		ready = next
	}
	return stages
}

// Progress returns completed_steps / total_steps, or 0 for an empty plan.
func (p *Plan) Progress() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	completed := 0
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(p.Steps))
}

// TotalEstimatedSeconds sums every step's estimated duration.
func (p *Plan) TotalEstimatedSeconds() int {
	total := 0
	for _, s := range p.Steps {
		total += s.EstimatedSec
	}
	return total
}

// PortableStep is the stable serialised form of a PlanStep, per spec.md §6
// "Plan serialisation" — preserves id, dependencies, status, and attempt
// count across a round-trip.
type PortableStep struct {
	ID           string         `json:"id" yaml:"id"`
	OrderHint    int            `json:"order_hint" yaml:"order_hint"`
	Description  string         `json:"description" yaml:"description"`
	AgentID      string         `json:"agent_id" yaml:"agent_id"`
	Tool         string         `json:"tool" yaml:"tool"`
	Arguments    map[string]any `json:"arguments" yaml:"arguments"`
	Dependencies []string       `json:"dependencies" yaml:"dependencies"`
	EstimatedSec int            `json:"estimated_seconds" yaml:"estimated_seconds"`
	Status       string         `json:"status" yaml:"status"`
	Attempts     int            `json:"attempts" yaml:"attempts"`
}

// Portable is the stable serialised form of a Plan, per spec.md §6.
type Portable struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Approved    bool           `json:"approved" yaml:"approved"`
	Status      string         `json:"status" yaml:"status"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	Steps       []PortableStep `json:"steps" yaml:"steps"`
}

// ToPortable converts p to its stable serialised form, per spec.md §4.7
// ("to_portable() / from_portable()").
func (p *Plan) ToPortable() Portable {
	steps := make([]PortableStep, 0, len(p.Steps))
	for _, s := range p.Steps {
		deps := make([]string, 0, len(s.Dependencies))
		for dep := range s.Dependencies {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		steps = append(steps, PortableStep{
			ID:           s.ID,
			OrderHint:    s.OrderHint,
			Description:  s.Description,
			AgentID:      string(s.AgentID),
			Tool:         string(s.Tool),
			Arguments:    s.Arguments,
			Dependencies: deps,
			EstimatedSec: s.EstimatedSec,
			Status:       string(s.Status),
			Attempts:     s.Attempts,
		})
	}
	return Portable{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Approved:    p.Approved,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt,
		Steps:       steps,
	}
}

// FromPortable reconstructs a Plan from its stable serialised form. Per
// spec.md testable property 6, `Plan → portable → Plan` round-trips equal
// (ids, dependencies, statuses, attempt counts preserved); ToolResult and
// StartedAt/FinishedAt are not part of the portable form and are left zero.
func FromPortable(pp Portable) *Plan {
	p := &Plan{
		ID:          pp.ID,
		Name:        pp.Name,
		Description: pp.Description,
		Approved:    pp.Approved,
		Status:      Status(pp.Status),
		CreatedAt:   pp.CreatedAt,
	}
	for _, ps := range pp.Steps {
		deps := make(map[string]bool, len(ps.Dependencies))
		for _, dep := range ps.Dependencies {
			deps[dep] = true
		}
		p.Steps = append(p.Steps, &PlanStep{
			ID:           ps.ID,
			OrderHint:    ps.OrderHint,
			Description:  ps.Description,
			AgentID:      agent.AgentID(ps.AgentID),
			Tool:         toolexec.ToolSpec(ps.Tool),
			Arguments:    ps.Arguments,
			Dependencies: deps,
			EstimatedSec: ps.EstimatedSec,
			Status:       StepStatus(ps.Status),
			Attempts:     ps.Attempts,
		})
	}
	return p
}

// RoleCostLookup resolves a role's {cost_per_1k_tokens, default estimated
// tokens} for EstimatedCost, keeping plan from depending on config.
type RoleCostLookup func(role string) (costPer1k float64, defaultEstimatedTokens int)

// EstimatedCost returns Σ step.estimated_tokens × role_cost_per_1k / 1000,
// per spec.md §4.7. Per-step estimated tokens are not tracked directly on
// PlanStep (spec.md's data model omits them), so the role's default
// estimated tokens stands in, as the spec's own wording allows
// ("estimated tokens default per role").
func (p *Plan) EstimatedCost(roleOf func(stepID string) string, lookup RoleCostLookup) float64 {
	if lookup == nil {
		return 0
	}
	var total float64
	for _, s := range p.Steps {
		role := ""
		if roleOf != nil {
			role = roleOf(s.ID)
		}
		costPer1k, estTokens := lookup(role)
		total += float64(estTokens) * costPer1k / 1000
	}
	return total
}

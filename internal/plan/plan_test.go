package plan

import (
	"testing"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/toolexec"
)

func step(id string, deps ...string) *PlanStep {
	d := make(map[string]bool, len(deps))
	for _, dep := range deps {
		d[dep] = true
	}
	return &PlanStep{
		ID:           id,
		AgentID:      "main",
		Tool:         toolexec.ToolListFiles,
		Arguments:    map[string]any{"directory": "."},
		Dependencies: d,
		Status:       StepPending,
	}
}

func TestValidate_MissingDependency(t *testing.T) {
	p := New("p", "")
	p.Steps = []*PlanStep{step("1", "ghost")}

	errs := p.Validate(map[agent.AgentID]bool{"main": true})
	if len(errs) != 1 {
		t.Fatalf("errs=%v, want 1 missing-dependency error", errs)
	}
}

func TestValidate_Cycle(t *testing.T) {
	p := New("p", "")
	p.Steps = []*PlanStep{step("1", "2"), step("2", "1")}

	errs := p.Validate(map[agent.AgentID]bool{"main": true})
	found := false
	for _, e := range errs {
		if e.Reason == "dependency graph contains a cycle" {
			found = true
		}
	}
	if !found {
		t.Fatalf("errs=%v, want a cycle error", errs)
	}
}

func TestValidate_UnknownAgentAndTool(t *testing.T) {
	p := New("p", "")
	s := step("1")
	s.AgentID = "ghost-agent"
	s.Tool = toolexec.ToolSpec("does_not_exist")
	p.Steps = []*PlanStep{s}

	errs := p.Validate(map[agent.AgentID]bool{"main": true})
	if len(errs) != 2 {
		t.Fatalf("errs=%v, want 2 (unknown agent + unknown tool)", errs)
	}
}

func TestValidate_ValidPlanHasNoErrors(t *testing.T) {
	p := New("p", "")
	p.Steps = []*PlanStep{step("1"), step("2", "1")}

	if errs := p.Validate(map[agent.AgentID]bool{"main": true}); len(errs) != 0 {
		t.Fatalf("errs=%v, want none", errs)
	}
}

func TestExecutionOrder_RespectsDependencies(t *testing.T) {
	p := New("p", "")
	p.Steps = []*PlanStep{step("c", "a", "b"), step("a"), step("b")}

	order, err := p.ExecutionOrder()
	if err != nil {
		t.Fatalf("ExecutionOrder: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("order=%v, want 3 steps", order)
	}
	pos := make(map[string]int, 3)
	for i, s := range order {
		pos[s.ID] = i
	}
	if pos["c"] <= pos["a"] || pos["c"] <= pos["b"] {
		t.Fatalf("order=%v, c must come after both a and b", order)
	}
}

func TestExecutionOrder_TieBrokenByOrderHint(t *testing.T) {
	p := New("p", "")
	s1 := step("1")
	s1.OrderHint = 2
	s2 := step("2")
	s2.OrderHint = 1
	p.Steps = []*PlanStep{s1, s2}

	order, err := p.ExecutionOrder()
	if err != nil {
		t.Fatalf("ExecutionOrder: %v", err)
	}
	if order[0].ID != "2" || order[1].ID != "1" {
		t.Fatalf("order=%v, want [2 1] (tie-broken by OrderHint)", order)
	}
}

func TestExecutionOrder_CycleFails(t *testing.T) {
	p := New("p", "")
	p.Steps = []*PlanStep{step("1", "2"), step("2", "1")}

	if _, err := p.ExecutionOrder(); err == nil {
		t.Fatalf("expected cycle error from ExecutionOrder")
	}
}

func TestProgress(t *testing.T) {
	p := New("p", "")
	s1, s2 := step("1"), step("2")
	s1.Status = StepCompleted
	p.Steps = []*PlanStep{s1, s2}

	if got := p.Progress(); got != 0.5 {
		t.Fatalf("Progress=%v, want 0.5", got)
	}
}

func TestProgress_EmptyPlan(t *testing.T) {
	p := New("p", "")
	if got := p.Progress(); got != 0 {
		t.Fatalf("Progress=%v, want 0", got)
	}
}

func TestTotalEstimatedSeconds(t *testing.T) {
	p := New("p", "")
	s1, s2 := step("1"), step("2")
	s1.EstimatedSec = 30
	s2.EstimatedSec = 90
	p.Steps = []*PlanStep{s1, s2}

	if got := p.TotalEstimatedSeconds(); got != 120 {
		t.Fatalf("TotalEstimatedSeconds=%d, want 120", got)
	}
}

func TestEstimatedCost(t *testing.T) {
	p := New("p", "")
	s1, s2 := step("1"), step("2")
	p.Steps = []*PlanStep{s1, s2}

	roleOf := func(stepID string) string { return "implementer" }
	lookup := func(role string) (float64, int) { return 0.002, 1000 }

	got := p.EstimatedCost(roleOf, lookup)
	want := 2 * (1000.0 * 0.002 / 1000)
	if got != want {
		t.Fatalf("EstimatedCost=%v, want %v", got, want)
	}
}

func TestEstimatedCost_NilLookup(t *testing.T) {
	p := New("p", "")
	p.Steps = []*PlanStep{step("1")}
	if got := p.EstimatedCost(nil, nil); got != 0 {
		t.Fatalf("EstimatedCost=%v, want 0", got)
	}
}

func TestPortableRoundTrip(t *testing.T) {
	p := New("deploy", "ship it")
	p.Approved = true
	p.Status = StatusApproved

	s1 := step("1")
	s1.Description = "write config"
	s1.Arguments = map[string]any{"path": "a.txt"}
	s1.EstimatedSec = 10
	s1.Status = StepCompleted
	s1.Attempts = 1

	s2 := step("2", "1")
	s2.Description = "deploy"
	s2.Attempts = 2

	p.Steps = []*PlanStep{s1, s2}

	round := FromPortable(p.ToPortable())

	if round.ID != p.ID || round.Name != p.Name || round.Description != p.Description {
		t.Fatalf("round-trip plan header mismatch: %+v vs %+v", round, p)
	}
	if round.Approved != p.Approved || round.Status != p.Status {
		t.Fatalf("round-trip plan status mismatch: %+v vs %+v", round, p)
	}
	if len(round.Steps) != len(p.Steps) {
		t.Fatalf("round-trip step count=%d, want %d", len(round.Steps), len(p.Steps))
	}
	for i, want := range p.Steps {
		got := round.Steps[i]
		if got.ID != want.ID || got.Status != want.Status || got.Attempts != want.Attempts {
			t.Fatalf("round-trip step %d = %+v, want %+v", i, got, want)
		}
		if len(got.Dependencies) != len(want.Dependencies) {
			t.Fatalf("round-trip step %d deps = %v, want %v", i, got.Dependencies, want.Dependencies)
		}
		for dep := range want.Dependencies {
			if !got.Dependencies[dep] {
				t.Fatalf("round-trip step %d missing dependency %q", i, dep)
			}
		}
	}
}

package planparser

import (
	"testing"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/plan"
	"github.com/loomwork/loom/internal/toolexec"
)

const samplePlan = `[PLAN]
## Workflow: refactor-and-verify
Refactor the module, then verify it builds and passes review.

### Step 1: implement the change
- Agent: implementer
- Tool: write_file_tool
- Arguments: {"path": "./work/a.go", "content": "package work\n", "overwrite": true}
- Dependencies: none
- Estimated Time: 90s

### Step 2: run the tests
- Agent: tester
- Tool: execute_bash
- Arguments: {"command": "go test ./...", "timeout_seconds": 30}
- Dependencies: Step 1
- Estimated Time: 2m

### Step 3: review the result
- Agent: reviewer
- Tool: read_file_tool
- Arguments: {"path": "./work/a.go"}
- Dependencies: Step 1, Step 2
- Estimated Time: 30s

## Total Estimated Time: 4m
## Cost Estimate: $0.42
[/PLAN]`

func stepByHint(p *plan.Plan, hint int) *plan.PlanStep {
	for _, s := range p.Steps {
		if s.OrderHint == hint {
			return s
		}
	}
	return nil
}

func TestParseValidPlanWithDependencies(t *testing.T) {
	p, totals, ok := Parse(samplePlan)
	if !ok {
		t.Fatal("Parse() = false, want true")
	}
	if p.Name != "refactor-and-verify" {
		t.Errorf("Name = %q", p.Name)
	}
	if len(p.Steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3", len(p.Steps))
	}

	step1, step2, step3 := stepByHint(p, 1), stepByHint(p, 2), stepByHint(p, 3)
	if step1 == nil || step2 == nil || step3 == nil {
		t.Fatalf("missing step: step1=%v step2=%v step3=%v", step1, step2, step3)
	}

	if step1.AgentID != agent.AgentID("implementer") || step1.Tool != toolexec.ToolWriteFile {
		t.Errorf("step1 = %+v", step1)
	}
	if step1.EstimatedSec != 90 {
		t.Errorf("step1 estimated seconds = %d, want 90", step1.EstimatedSec)
	}
	if len(step1.Dependencies) != 0 {
		t.Errorf("step1 dependencies = %+v, want none", step1.Dependencies)
	}

	if !step2.Dependencies[step1.ID] {
		t.Errorf("step2 dependencies = %+v, want to include step1.ID=%s", step2.Dependencies, step1.ID)
	}
	if step2.EstimatedSec != 120 {
		t.Errorf("step2 estimated seconds = %d, want 120", step2.EstimatedSec)
	}

	if !step3.Dependencies[step1.ID] || !step3.Dependencies[step2.ID] {
		t.Errorf("step3 dependencies = %+v, want step1 and step2", step3.Dependencies)
	}

	if !totals.HasEstimate || totals.EstimatedSeconds != 240 {
		t.Errorf("totals estimate = %+v, want 240s", totals)
	}
	if !totals.HasCost || totals.CostEstimate != 0.42 {
		t.Errorf("totals cost = %+v, want 0.42", totals)
	}

	if errs := p.Validate(map[agent.AgentID]bool{"implementer": true, "tester": true, "reviewer": true}); len(errs) != 0 {
		t.Errorf("Validate() = %+v, want none", errs)
	}
}

func TestParseForwardReference(t *testing.T) {
	text := `[PLAN]
## Workflow: forward-ref
A step that depends on one defined later in the text.

### Step 1: consume
- Agent: main
- Tool: read_file_tool
- Arguments: {"path": "./work/b.txt"}
- Dependencies: Step 2

### Step 2: produce
- Agent: main
- Tool: write_file_tool
- Arguments: {"path": "./work/b.txt", "content": "x", "overwrite": true}
- Dependencies: none
[/PLAN]`

	p, _, ok := Parse(text)
	if !ok {
		t.Fatal("Parse() = false, want true")
	}
	step1, step2 := stepByHint(p, 1), stepByHint(p, 2)
	if step1 == nil || step2 == nil {
		t.Fatal("missing step")
	}
	if !step1.Dependencies[step2.ID] {
		t.Errorf("step1 dependencies = %+v, want to include the forward-referenced step2.ID=%s", step1.Dependencies, step2.ID)
	}
}

func TestParseRejectsMissingHeader(t *testing.T) {
	text := "### Step 1: do a thing\n- Agent: main\n- Tool: read_file_tool\n- Arguments: {}\n"
	if _, _, ok := Parse(text); ok {
		t.Error("Parse() = true for text with no \"## Workflow:\" header, want false")
	}
}

func TestParseRejectsMissingRequiredField(t *testing.T) {
	text := `[PLAN]
## Workflow: incomplete
Missing a Tool field.

### Step 1: do a thing
- Agent: main
- Arguments: {}
[/PLAN]`
	if _, _, ok := Parse(text); ok {
		t.Error("Parse() = true for a step missing Tool, want false")
	}
}

func TestParseRejectsInvalidArgumentsJSON(t *testing.T) {
	text := `[PLAN]
## Workflow: bad-json
Arguments is not valid JSON.

### Step 1: do a thing
- Agent: main
- Tool: read_file_tool
- Arguments: {path: "not quoted"}
[/PLAN]`
	if _, _, ok := Parse(text); ok {
		t.Error("Parse() = true for malformed Arguments JSON, want false")
	}
}

func TestParseHandlesNestedArgumentsObject(t *testing.T) {
	text := `[PLAN]
## Workflow: nested-args
Arguments containing a nested object and braces inside a string.

### Step 1: write config
- Agent: main
- Tool: write_file_tool
- Arguments: {"path": "./work/cfg.json", "content": "{\"a\": 1}", "overwrite": true, "meta": {"nested": true}}
- Dependencies: none
[/PLAN]`

	p, _, ok := Parse(text)
	if !ok {
		t.Fatal("Parse() = false, want true")
	}
	step1 := stepByHint(p, 1)
	if step1 == nil {
		t.Fatal("missing step")
	}
	meta, ok := step1.Arguments["meta"].(map[string]any)
	if !ok {
		t.Fatalf("Arguments[meta] = %#v, want a nested object", step1.Arguments["meta"])
	}
	if nested, _ := meta["nested"].(bool); !nested {
		t.Errorf("Arguments[meta][nested] = %v, want true", meta["nested"])
	}
	if content, _ := step1.Arguments["content"].(string); content != `{"a": 1}` {
		t.Errorf("Arguments[content] = %q, want %q", content, `{"a": 1}`)
	}
}

func TestNormalizeToolAliases(t *testing.T) {
	cases := map[string]toolexec.ToolSpec{
		"bash":   toolexec.ToolExecuteBash,
		"python": toolexec.ToolExecutePythonScript,
		"read":   toolexec.ToolReadFile,
		"write":  toolexec.ToolWriteFile,
		"edit":   toolexec.ToolEditFile,
		"list":   toolexec.ToolListFiles,
	}
	for alias, want := range cases {
		if got := toolexec.ToolSpec(normalizeTool(alias)); got != want {
			t.Errorf("normalizeTool(%q) = %q, want %q", alias, got, want)
		}
	}
	if got := normalizeTool("write_file_tool"); got != "write_file_tool" {
		t.Errorf("normalizeTool of an already-canonical name changed it to %q", got)
	}
}

func TestToSecondsNormalizesUnits(t *testing.T) {
	cases := []struct {
		num, unit string
		want      int
	}{
		{"30", "s", 30},
		{"2", "m", 120},
		{"1", "h", 3600},
	}
	for _, c := range cases {
		if got := toSeconds(c.num, c.unit); got != c.want {
			t.Errorf("toSeconds(%q, %q) = %d, want %d", c.num, c.unit, got, c.want)
		}
	}
}

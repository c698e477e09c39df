// Package planparser implements the Plan Parser of spec.md §4.8: it lifts a
// [PLAN]...[/PLAN] block (or the bare body respparse already stripped the
// tags from) out of a main agent's text and produces a draft *plan.Plan.
// Grounded on the teacher's internal/multiagent/config.go LoadAgentsManifest
// for its "markdown-ish structured text, line-oriented scan with regexp on
// header lines" texture; the two-pass forward-reference resolution itself
// has no teacher analogue and is this spec's own design (see DESIGN.md).
package planparser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/plan"
	"github.com/loomwork/loom/internal/toolexec"
)

var (
	tagStrip    = regexp.MustCompile(`(?s)^\s*\[PLAN\]\s*(.*?)\s*\[/PLAN\]\s*$`)
	headerLine  = regexp.MustCompile(`^##\s*Workflow:\s*(.+)$`)
	stepHeader  = regexp.MustCompile(`(?m)^###\s*Step\s+(\d+):\s*(.*)$`)
	agentLine   = regexp.MustCompile(`(?m)^-\s*Agent:\s*(.+)$`)
	toolLine    = regexp.MustCompile(`(?m)^-\s*Tool:\s*(.+)$`)
	argsHeader  = regexp.MustCompile(`-\s*Arguments:\s*`)
	depsLine    = regexp.MustCompile(`(?m)^-\s*Dependencies:\s*(.+)$`)
	estLine     = regexp.MustCompile(`(?m)^-\s*Estimated Time:\s*(\d+)\s*([smh])\s*$`)
	totalTime   = regexp.MustCompile(`##\s*Total Estimated Time:\s*(\d+)\s*([smh])`)
	costEstLine = regexp.MustCompile(`##\s*Cost Estimate:\s*\$([0-9]+(?:\.[0-9]+)?)`)
	stepRef     = regexp.MustCompile(`Step\s+(\d+)`)
)

// Totals carries the plan's textual totals section (spec.md §4.8 grammar
// "totals"), surfaced alongside the parsed Plan for display/cross-check;
// the Plan's own TotalEstimatedSeconds/EstimatedCost are always derived from
// its steps, per spec.md §4.7.
type Totals struct {
	EstimatedSeconds int
	HasEstimate      bool
	CostEstimate     float64
	HasCost          bool
}

// Parse extracts at most one plan from text, per spec.md §4.8. It returns
// (nil, Totals{}, false) when the body does not satisfy the grammar;
// malformedness is never an error, only a false return.
func Parse(text string) (*plan.Plan, Totals, bool) {
	body := text
	if m := tagStrip.FindStringSubmatch(text); m != nil {
		body = m[1]
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, Totals{}, false
	}

	headerMatch := headerLine.FindStringIndex(body)
	if headerMatch == nil {
		return nil, Totals{}, false
	}
	nameLineEnd := strings.IndexByte(body[headerMatch[0]:], '\n')
	var name string
	if nameLineEnd == -1 {
		name = strings.TrimSpace(headerLine.FindStringSubmatch(body[headerMatch[0]:])[1])
	} else {
		line := body[headerMatch[0] : headerMatch[0]+nameLineEnd]
		name = strings.TrimSpace(headerLine.FindStringSubmatch(line)[1])
	}

	stepStarts := stepHeader.FindAllStringSubmatchIndex(body, -1)
	if len(stepStarts) == 0 {
		return nil, Totals{}, false
	}

	firstStepIdx := stepStarts[0][0]
	description := strings.TrimSpace(body[headerMatch[1]:firstStepIdx])

	p := plan.New(name, description)

	// Pass 1: assign a fresh UUID and numeric index to every step block,
	// in textual order.
	type rawStep struct {
		num   int
		title string
		body  string
	}
	var rawSteps []rawStep
	for i, loc := range stepStarts {
		num, _ := strconv.Atoi(body[loc[2]:loc[3]])
		title := strings.TrimSpace(body[loc[4]:loc[5]])
		blockEnd := len(body)
		if i+1 < len(stepStarts) {
			blockEnd = stepStarts[i+1][0]
		} else if idx := strings.Index(body[loc[1]:], "## Total"); idx != -1 {
			blockEnd = loc[1] + idx
		} else if idx := strings.Index(body[loc[1]:], "## Cost"); idx != -1 {
			blockEnd = loc[1] + idx
		}
		rawSteps = append(rawSteps, rawStep{num: num, title: title, body: body[loc[1]:blockEnd]})
	}

	numToID := make(map[int]string, len(rawSteps))
	steps := make([]*plan.PlanStep, 0, len(rawSteps))
	for _, rs := range rawSteps {
		agentMatch := agentLine.FindStringSubmatch(rs.body)
		toolMatch := toolLine.FindStringSubmatch(rs.body)
		argsText, ok := extractArgumentsObject(rs.body)
		if agentMatch == nil || toolMatch == nil || !ok {
			return nil, Totals{}, false
		}

		var args map[string]any
		if err := json.Unmarshal([]byte(argsText), &args); err != nil {
			return nil, Totals{}, false
		}

		estSec := 0
		if m := estLine.FindStringSubmatch(rs.body); m != nil {
			estSec = toSeconds(m[1], m[2])
		}

		step := &plan.PlanStep{
			ID:           uuid.NewString(),
			OrderHint:    rs.num,
			Description:  rs.title,
			AgentID:      agent.AgentID(strings.TrimSpace(agentMatch[1])),
			Tool:         toolexec.ToolSpec(normalizeTool(strings.TrimSpace(toolMatch[1]))),
			Arguments:    args,
			Dependencies: map[string]bool{},
			EstimatedSec: estSec,
			Status:       plan.StepPending,
		}
		numToID[rs.num] = step.ID
		steps = append(steps, step)
	}

	// Pass 2: resolve "Step N" dependency references against the pass-1
	// table, regardless of whether N textually precedes or follows the
	// referencing step (forward references), per spec.md §4.8/§9.
	for i, rs := range rawSteps {
		depMatch := depsLine.FindStringSubmatch(rs.body)
		if depMatch == nil {
			continue
		}
		raw := strings.TrimSpace(depMatch[1])
		if strings.EqualFold(raw, "none") || raw == "" {
			continue
		}
		for _, refMatch := range stepRef.FindAllStringSubmatch(raw, -1) {
			n, err := strconv.Atoi(refMatch[1])
			if err != nil {
				continue
			}
			if id, ok := numToID[n]; ok {
				steps[i].Dependencies[id] = true
			}
			// A reference to a step number that does not exist in this
			// plan is dropped: Dependencies is a set of resolved ids, so
			// it adds no edge and Plan.Validate never sees it.
		}
	}

	p.Steps = steps

	var totals Totals
	if m := totalTime.FindStringSubmatch(body); m != nil {
		totals.EstimatedSeconds = toSeconds(m[1], m[2])
		totals.HasEstimate = true
	}
	if m := costEstLine.FindStringSubmatch(body); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			totals.CostEstimate = v
			totals.HasCost = true
		}
	}

	return p, totals, true
}

// extractArgumentsObject finds the "- Arguments:" field within a step block
// and returns the balanced `{...}` JSON object that follows it, respecting
// braces nested inside string literals so a multi-line or nested Arguments
// value (e.g. a write_file_tool call whose content itself contains braces)
// is captured whole rather than truncated at the first closing brace.
func extractArgumentsObject(stepBody string) (string, bool) {
	loc := argsHeader.FindStringIndex(stepBody)
	if loc == nil {
		return "", false
	}
	rest := stepBody[loc[1]:]
	start := strings.IndexByte(rest, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(rest); i++ {
		c := rest[i]
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return rest[start : i+1], true
			}
		}
	}
	return "", false
}

func toSeconds(numStr, unit string) int {
	n, _ := strconv.Atoi(numStr)
	switch unit {
	case "m":
		return n * 60
	case "h":
		return n * 3600
	default:
		return n
	}
}

// toolAliases normalizes a handful of shorthand tool names a model might
// emit into the canonical ToolSpec values, grounded on
// internal/tools/policy/types.go's NormalizeTool (SPEC_FULL.md §C).
var toolAliases = map[string]string{
	"bash":   string(toolexec.ToolExecuteBash),
	"python": string(toolexec.ToolExecutePythonScript),
	"read":   string(toolexec.ToolReadFile),
	"write":  string(toolexec.ToolWriteFile),
	"edit":   string(toolexec.ToolEditFile),
	"list":   string(toolexec.ToolListFiles),
}

func normalizeTool(raw string) string {
	if canon, ok := toolAliases[strings.ToLower(raw)]; ok {
		return canon
	}
	return raw
}


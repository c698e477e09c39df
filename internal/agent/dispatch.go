package agent

import (
	"context"

	"github.com/loomwork/loom/internal/respparse"
	"github.com/loomwork/loom/internal/toolexec"
)

// ExecutorToolRunner adapts a *toolexec.Executor to the ToolRunner
// interface, routing a parsed FileOp to the matching typed method.
type ExecutorToolRunner struct {
	Exec *toolexec.Executor
}

// NewExecutorToolRunner wraps exec for use as an Agent's ToolRunner.
func NewExecutorToolRunner(exec *toolexec.Executor) *ExecutorToolRunner {
	return &ExecutorToolRunner{Exec: exec}
}

func (r *ExecutorToolRunner) Run(ctx context.Context, op respparse.FileOp) toolexec.ToolResult {
	switch op.Kind {
	case respparse.FileOpRead:
		return r.Exec.ReadFileTool(op.Path)
	case respparse.FileOpWrite:
		return r.Exec.WriteFileTool(op.Path, op.Content, true)
	case respparse.FileOpEdit:
		return r.Exec.EditFileTool(op.Path, op.Find, op.Replace)
	default:
		return toolexec.ToolResult{Success: false, Error: "unknown file operation"}
	}
}

// Package toolexec implements the sandboxed Tool Executor: shell command and
// script execution, and file read/write/edit/list operations, all subject to
// path containment, size limits, command allow/deny lists, and timeouts
// (spec.md §4.2). Every operation returns a ToolResult; no exception ever
// propagates out of this package (spec.md §4.2 "Failure modes").
package toolexec

import "time"

// ToolSpec is the closed set of tool operations the executor exposes.
type ToolSpec string

const (
	ToolExecuteBash           ToolSpec = "execute_bash"
	ToolExecutePythonScript   ToolSpec = "execute_python_script"
	ToolReadFile              ToolSpec = "read_file_tool"
	ToolWriteFile             ToolSpec = "write_file_tool"
	ToolEditFile              ToolSpec = "edit_file_tool"
	ToolListFiles             ToolSpec = "list_files_tool"
)

// ValidTools is the exhaustive set of recognized ToolSpec values, used by
// Plan validation (spec.md §4.7 "any step names a tool outside ToolSpec").
var ValidTools = map[ToolSpec]bool{
	ToolExecuteBash:         true,
	ToolExecutePythonScript: true,
	ToolReadFile:            true,
	ToolWriteFile:           true,
	ToolEditFile:            true,
	ToolListFiles:           true,
}

// Mutating reports whether invoking this tool with args can modify the
// filesystem, which determines whether the Workflow Engine must checkpoint
// before running a step (spec.md §4.9 step 2c: "execute_bash unless
// explicitly read-only"). write_file_tool and edit_file_tool are always
// mutating; execute_bash and execute_python_script are mutating unless the
// step's Arguments carries a truthy "read_only" flag.
func (t ToolSpec) Mutating(args map[string]any) bool {
	switch t {
	case ToolWriteFile, ToolEditFile:
		return true
	case ToolExecuteBash, ToolExecutePythonScript:
		readOnly, _ := args["read_only"].(bool)
		return !readOnly
	default:
		return false
	}
}

// ToolResult is the uniform outcome of every tool invocation.
type ToolResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode int    `json:"return_code,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func fail(start time.Time, errMsg string) ToolResult {
	return ToolResult{Success: false, Error: errMsg, DurationMs: elapsedMs(start)}
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

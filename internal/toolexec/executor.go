package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loomwork/loom/internal/config"
)

const maxCapturedOutputBytes = 256 * 1024

// Executor is the sandboxed Tool Executor of spec.md §4.2. It owns the
// working directory, the file-ops and tool policies, and a limitedBuffer
// pool grounded on internal/tools/exec/manager.go.
type Executor struct {
	cwd        string
	fileOps    config.FileOpsPolicy
	toolPolicy config.ToolPolicy
	guard      *pathGuard
	logger     *slog.Logger
}

// New constructs an Executor rooted at cwd.
func New(cwd string, fileOps config.FileOpsPolicy, toolPolicy config.ToolPolicy, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	guard, err := newPathGuard(cwd, fileOps.AllowedDirectories)
	if err != nil {
		return nil, err
	}
	return &Executor{cwd: cwd, fileOps: fileOps, toolPolicy: toolPolicy, guard: guard, logger: logger}, nil
}

// ExecuteBash runs command as `/bin/sh -c command` after the safe/denied
// command check, within workingDir (contained), under timeout.
func (e *Executor) ExecuteBash(ctx context.Context, command string, workingDir string, timeoutSeconds int) ToolResult {
	start := time.Now()
	if err := e.checkCommand(command); err != nil {
		return fail(start, err.Error())
	}

	dir := e.cwd
	if workingDir != "" {
		resolved, err := e.guard.resolve(workingDir)
		if err != nil {
			return fail(start, err.Error())
		}
		dir = resolved
	}

	timeout := e.timeoutFor(timeoutSeconds)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	setProcessGroup(cmd)

	var stdout, stderr limitedBuffer
	stdout.max, stderr.max = maxCapturedOutputBytes, maxCapturedOutputBytes
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	err := cmd.Run()
	result := ToolResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ReturnCode: exitCode(err),
		DurationMs: elapsedMs(start),
	}
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		killProcessGroup(cmd)
		result.Success = false
		result.Error = fmt.Sprintf("timed out after %ds", int(timeout.Seconds()))
	case err != nil:
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		}
	default:
		result.Success = true
	}
	return result
}

// ExecutePythonScript runs `python3 scriptPath args...` under the same
// containment and timeout rules as ExecuteBash.
func (e *Executor) ExecutePythonScript(ctx context.Context, scriptPath string, args []string, timeoutSeconds int) ToolResult {
	start := time.Now()
	resolved, err := e.guard.resolve(scriptPath)
	if err != nil {
		return fail(start, err.Error())
	}
	if _, err := os.Stat(resolved); err != nil {
		return fail(start, "file does not exist")
	}

	timeout := e.timeoutFor(timeoutSeconds)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdArgs := append([]string{resolved}, args...)
	cmd := exec.CommandContext(runCtx, "python3", cmdArgs...)
	cmd.Dir = e.cwd
	setProcessGroup(cmd)

	var stdout, stderr limitedBuffer
	stdout.max, stderr.max = maxCapturedOutputBytes, maxCapturedOutputBytes
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	runErr := cmd.Run()
	result := ToolResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ReturnCode: exitCode(runErr),
		DurationMs: elapsedMs(start),
	}
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		killProcessGroup(cmd)
		result.Success = false
		result.Error = fmt.Sprintf("timed out after %ds", int(timeout.Seconds()))
	case runErr != nil:
		result.Success = false
		result.Error = runErr.Error()
	default:
		result.Success = true
	}
	return result
}

func (e *Executor) timeoutFor(requestedSeconds int) time.Duration {
	if requestedSeconds > 0 {
		return time.Duration(requestedSeconds) * time.Second
	}
	return e.toolPolicy.DefaultTimeout()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// limitedBuffer caps captured stdout/stderr to avoid unbounded memory use
// from runaway subprocess output, grounded on
// internal/tools/exec/manager.go's limitedBuffer.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && b.buf.Len() >= b.max {
		return len(p), nil
	}
	remaining := b.max - b.buf.Len()
	if b.max > 0 && len(p) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setProcessGroup and killProcessGroup isolate the child into its own
// process group so a timeout can kill the whole subtree, per spec.md §4.2
// ("enforces timeout by killing the process group").
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

package toolexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loomwork/loom/internal/config"
)

func newTestExecutor(t *testing.T, dir string) *Executor {
	t.Helper()
	fileOps := config.FileOpsPolicy{
		AllowRead: true, AllowWrite: true, AllowEdit: true,
		MaxFileSizeKB:    1,
		BackupBeforeEdit: true,
	}
	toolPolicy := config.ToolPolicy{
		SafeCommands:          map[string]bool{"echo": true, "ls": true},
		DeniedCommands:        map[string]bool{"rm": true},
		DefaultTimeoutSeconds: 5,
	}
	exec, err := New(dir, fileOps, toolPolicy, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return exec
}

// Testable property 1: a resolved path always falls under an allowed
// directory, never escapes via "..".
func TestPathContainmentRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)

	result := exec.ReadFileTool("../../etc/passwd")
	if result.Success {
		t.Fatal("expected escape attempt to fail")
	}
	if result.Error != "not in allowed directories" {
		t.Errorf("Error = %q, want %q", result.Error, "not in allowed directories")
	}
}

// Scenario S2: symlink pointing outside the sandbox is still rejected.
func TestPathContainmentRejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(outsideFile, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	link := filepath.Join(dir, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	exec := newTestExecutor(t, dir)
	exec.fileOps.AllowedDirectories = []string{dir}
	guard, err := newPathGuard(dir, []string{dir})
	if err != nil {
		t.Fatalf("newPathGuard: %v", err)
	}
	exec.guard = guard

	result := exec.ReadFileTool(filepath.Join("escape", "secret.txt"))
	if result.Success {
		t.Fatal("expected symlink escape to be rejected")
	}
}

// Testable property 2: a command outside the safe set is always rejected,
// producing the exact "command not permitted" string.
func TestCheckCommandRejectsUnsafeCommand(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)

	if err := exec.checkCommand("curl http://example.com"); err == nil || err.Error() != "command not permitted" {
		t.Errorf("checkCommand = %v, want \"command not permitted\"", err)
	}
}

// Scenario S3: a safe command combined with a denied command token is
// rejected even though the first token is in the safe set.
func TestCheckCommandRejectsDeniedToken(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)

	if err := exec.checkCommand("echo rm -rf /"); err == nil {
		t.Fatal("expected rejection: denied token present")
	}
}

// Testable property 3: shell metacharacters are rejected by default even
// when the base command is safe, unless explicitly allow-listed.
func TestCheckCommandRejectsMetacharactersByDefault(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)

	if err := exec.checkCommand("echo hi > /tmp/out"); err == nil {
		t.Fatal("expected metacharacter rejection")
	}

	exec.toolPolicy.AllowShellMetacharactersFor = map[string]bool{"echo": true}
	if err := exec.checkCommand("echo hi > /tmp/out"); err != nil {
		t.Errorf("expected opt-in to permit metacharacters, got %v", err)
	}
}

// Scenario S1: a safe, plain command executes and returns captured stdout.
func TestExecuteBashRunsSafeCommand(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)

	result := exec.ExecuteBash(context.Background(), "echo hello", "", 0)
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello\n")
	}
	if result.ReturnCode != 0 {
		t.Errorf("ReturnCode = %d, want 0", result.ReturnCode)
	}
}

func TestExecuteBashTimesOut(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)
	exec.toolPolicy.SafeCommands["sleep"] = true

	result := exec.ExecuteBash(context.Background(), "sleep 5", "", 1)
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if result.Error != "timed out after 1s" {
		t.Errorf("Error = %q, want %q", result.Error, "timed out after 1s")
	}
}

func TestWriteThenReadFileTool(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)

	write := exec.WriteFileTool("note.txt", "hello world", false)
	if !write.Success {
		t.Fatalf("WriteFileTool failed: %v", write.Error)
	}

	read := exec.ReadFileTool("note.txt")
	if !read.Success || read.Stdout != "hello world" {
		t.Fatalf("ReadFileTool = %+v", read)
	}
}

func TestWriteFileToolRejectsOversizedContent(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)

	big := make([]byte, 4096)
	result := exec.WriteFileTool("big.txt", string(big), false)
	if result.Success {
		t.Fatal("expected oversized write to fail")
	}
	if result.Error != "file too large" {
		t.Errorf("Error = %q, want %q", result.Error, "file too large")
	}
}

func TestEditFileToolBacksUpBeforeEdit(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)

	if write := exec.WriteFileTool("doc.txt", "version one", false); !write.Success {
		t.Fatalf("WriteFileTool failed: %v", write.Error)
	}

	edit := exec.EditFileTool("doc.txt", "one", "two")
	if !edit.Success {
		t.Fatalf("EditFileTool failed: %v", edit.Error)
	}

	read := exec.ReadFileTool("doc.txt")
	if read.Stdout != "version two" {
		t.Errorf("Stdout = %q, want %q", read.Stdout, "version two")
	}

	backup, err := os.ReadFile(filepath.Join(dir, "doc.txt.backup"))
	if err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	if string(backup) != "version one" {
		t.Errorf("backup contents = %q, want %q", backup, "version one")
	}
}

func TestEditFileToolRejectsMissingOldText(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)
	exec.WriteFileTool("doc.txt", "version one", false)

	result := exec.EditFileTool("doc.txt", "nonexistent", "two")
	if result.Success {
		t.Fatal("expected failure when old_text is absent")
	}
}

func TestListFilesTool(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)
	exec.WriteFileTool("a.txt", "a", false)
	exec.WriteFileTool("b.txt", "b", false)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	result := exec.ListFilesTool(".", "")
	if !result.Success {
		t.Fatalf("ListFilesTool failed: %v", result.Error)
	}
	want := "a.txt\nb.txt\nsub/"
	if result.Stdout != want {
		t.Errorf("Stdout = %q, want %q", result.Stdout, want)
	}
}

func TestReadFileToolRejectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, dir)

	result := exec.ReadFileTool("nope.txt")
	if result.Success || result.Error != "file does not exist" {
		t.Errorf("result = %+v, want file does not exist", result)
	}
}

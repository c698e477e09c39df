package toolexec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ReadFileTool reads a file's contents, rejecting paths outside the sandbox
// and files over the configured size limit. Grounded on
// internal/tools/files/read.go.
func (e *Executor) ReadFileTool(path string) ToolResult {
	start := time.Now()
	if !e.fileOps.AllowRead {
		return fail(start, "read operations are disabled")
	}
	resolved, err := e.guard.resolve(path)
	if err != nil {
		return fail(start, err.Error())
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return fail(start, "file does not exist")
	}
	if info.IsDir() {
		return fail(start, "path is a directory")
	}
	if limit := int64(e.fileOps.MaxFileSizeKB) * 1024; limit > 0 && info.Size() > limit {
		return fail(start, "file too large")
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return fail(start, err.Error())
	}
	if !utf8.Valid(data) {
		return fail(start, "file is not valid UTF-8")
	}

	return ToolResult{Success: true, Stdout: string(data), DurationMs: elapsedMs(start)}
}

// WriteFileTool atomically writes content to path: a temp file in the same
// directory is written and fsynced, then renamed over the destination, so a
// crash mid-write never leaves a partially-written file. If the file already
// exists and overwrite is false, the write is refused. Grounded on
// internal/tools/files/write.go.
func (e *Executor) WriteFileTool(path string, content string, overwrite bool) ToolResult {
	start := time.Now()
	if !e.fileOps.AllowWrite {
		return fail(start, "write operations are disabled")
	}
	resolved, err := e.guard.resolve(path)
	if err != nil {
		return fail(start, err.Error())
	}
	if limit := int64(e.fileOps.MaxFileSizeKB) * 1024; limit > 0 && int64(len(content)) > limit {
		return fail(start, "file too large")
	}
	if !overwrite {
		if _, err := os.Stat(resolved); err == nil {
			return fail(start, "file already exists")
		}
	}

	if err := atomicWrite(resolved, []byte(content)); err != nil {
		return fail(start, err.Error())
	}
	return ToolResult{Success: true, DurationMs: elapsedMs(start)}
}

// EditFileTool replaces the first occurrence of oldText with newText in the
// file at path. When BackupBeforeEdit is set, the original is preserved
// alongside the edited file with a ".backup" suffix before the edit lands.
// Grounded on internal/tools/files/edit.go.
func (e *Executor) EditFileTool(path, oldText, newText string) ToolResult {
	start := time.Now()
	if !e.fileOps.AllowEdit {
		return fail(start, "edit operations are disabled")
	}
	resolved, err := e.guard.resolve(path)
	if err != nil {
		return fail(start, err.Error())
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return fail(start, "file does not exist")
	}
	if limit := int64(e.fileOps.MaxFileSizeKB) * 1024; limit > 0 && info.Size() > limit {
		return fail(start, "file too large")
	}

	original, err := os.ReadFile(resolved)
	if err != nil {
		return fail(start, err.Error())
	}
	originalText := string(original)
	if !strings.Contains(originalText, oldText) {
		return fail(start, "old_text not found in file")
	}

	if e.fileOps.BackupBeforeEdit {
		if err := os.WriteFile(resolved+".backup", original, 0o644); err != nil {
			return fail(start, fmt.Sprintf("backup failed: %v", err))
		}
	}

	edited := strings.Replace(originalText, oldText, newText, 1)
	if err := atomicWrite(resolved, []byte(edited)); err != nil {
		return fail(start, err.Error())
	}
	return ToolResult{Success: true, DurationMs: elapsedMs(start)}
}

// ListFilesTool lists the contents of directory, one entry per line in its
// Stdout, directories suffixed with "/". When pattern is non-empty, only
// entries whose name matches the glob pattern (filepath.Match semantics) are
// included. Grounded on internal/tools/files/resolver.go's directory-listing
// helper.
func (e *Executor) ListFilesTool(directory, pattern string) ToolResult {
	start := time.Now()
	resolved, err := e.guard.resolve(directory)
	if err != nil {
		return fail(start, err.Error())
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return fail(start, "file does not exist")
		}
		return fail(start, err.Error())
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if pattern != "" {
			matched, err := filepath.Match(pattern, name)
			if err != nil {
				return fail(start, fmt.Sprintf("invalid pattern: %v", err))
			}
			if !matched {
				continue
			}
		}
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return ToolResult{Success: true, Stdout: strings.Join(names, "\n"), DurationMs: elapsedMs(start)}
}

// ResolvePath canonicalises path against the sandbox, without performing any
// operation, so a caller outside this package (the Workflow Engine,
// checkpointing a step before it runs) can work with the same canonical
// form this package's own operations use internally. Per spec.md §4.9 step
// 2d ("type-coerce string paths to canonical paths before invocation").
func (e *Executor) ResolvePath(path string) (string, error) {
	return e.guard.resolve(path)
}

// Snapshot reads path's current bytes for checkpointing, per spec.md §3's
// Checkpoint type. existed is false when the file does not currently exist,
// in which case data is nil and Restore should remove the file on rollback.
func (e *Executor) Snapshot(path string) (existed bool, data []byte, err error) {
	resolved, err := e.guard.resolve(path)
	if err != nil {
		return false, nil, err
	}
	data, readErr := os.ReadFile(resolved)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return false, nil, nil
		}
		return false, nil, readErr
	}
	return true, data, nil
}

// Restore overwrites path with its checkpointed bytes (existed == true), or
// removes it (existed == false, meaning the checkpoint was taken before the
// file came into being), per spec.md §4.9 "Rollback".
func (e *Executor) Restore(path string, existed bool, data []byte) error {
	resolved, err := e.guard.resolve(path)
	if err != nil {
		return err
	}
	if !existed {
		if rmErr := os.Remove(resolved); rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
		return nil
	}
	return atomicWrite(resolved, data)
}

// atomicWrite writes data to a temp file beside dest and renames it into
// place, so readers never observe a partially-written file.
func atomicWrite(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if info, statErr := os.Stat(dest); statErr == nil {
		if err := os.Chmod(tmpPath, info.Mode()); err != nil {
			return err
		}
	}
	return os.Rename(tmpPath, dest)
}

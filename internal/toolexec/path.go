package toolexec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// pathGuard implements the path containment algorithm of spec.md §4.2:
//  1. expand user-home
//  2. if relative, join with the executor's configured cwd
//  3. resolve symlinks and ".." to a canonical absolute path
//  4. assert the canonical path has one of allowedDirs (also canonicalised)
//     as a prefix; else reject.
//
// Grounded on internal/tools/files/resolver.go's Resolver, generalized from
// a single root to a list of allowed directories as spec.md requires.
type pathGuard struct {
	cwd         string
	allowedDirs []string // canonicalised at construction time
}

func newPathGuard(cwd string, allowedDirectories []string) (*pathGuard, error) {
	absCwd, err := filepath.Abs(cwd)
	if err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}

	canon := make([]string, 0, len(allowedDirectories))
	for _, dir := range allowedDirectories {
		resolved, err := canonicalize(dir, absCwd)
		if err != nil {
			// An allowed directory that does not exist yet is not fatal at
			// construction time (it may be created later); fall back to a
			// lexical clean so it can still anchor containment checks.
			resolved = filepath.Clean(expandHome(dir))
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(absCwd, resolved)
			}
		}
		canon = append(canon, resolved)
	}

	return &pathGuard{cwd: absCwd, allowedDirs: canon}, nil
}

// resolve canonicalises path and asserts it falls under an allowed
// directory. An empty allowedDirs list means "deny all outside cwd" per
// spec.md §4.1 ("empty list means deny all outside cwd"), so cwd itself is
// the implicit sole allowed directory in that case.
func (g *pathGuard) resolve(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is required")
	}

	resolved, err := canonicalize(trimmed, g.cwd)
	if err != nil {
		// The target may not exist yet (e.g. a write target); canonicalize
		// its parent directory instead and re-append the base name.
		resolved, err = canonicalizeNonExistent(trimmed, g.cwd)
		if err != nil {
			return "", fmt.Errorf("resolve path: %w", err)
		}
	}

	allowed := g.allowedDirs
	if len(allowed) == 0 {
		allowed = []string{g.cwd}
	}

	for _, dir := range allowed {
		if isWithin(resolved, dir) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("not in allowed directories")
}

func isWithin(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func canonicalize(path, cwd string) (string, error) {
	expanded := expandHome(path)
	var joined string
	if filepath.IsAbs(expanded) {
		joined = expanded
	} else {
		joined = filepath.Join(cwd, expanded)
	}
	return filepath.EvalSymlinks(joined)
}

// canonicalizeNonExistent resolves a path whose final component may not yet
// exist (write targets) by resolving the parent directory and re-joining
// the base name, so symlink/".." tricks in the parent are still caught.
func canonicalizeNonExistent(path, cwd string) (string, error) {
	expanded := expandHome(path)
	var joined string
	if filepath.IsAbs(expanded) {
		joined = expanded
	} else {
		joined = filepath.Join(cwd, expanded)
	}
	clean := filepath.Clean(joined)
	parent := filepath.Dir(clean)
	base := filepath.Base(clean)

	resolvedParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		// Parent doesn't exist either; fall back to lexical cleaning only.
		// Containment is still enforced against the lexically-clean path.
		return clean, nil
	}
	return filepath.Join(resolvedParent, base), nil
}

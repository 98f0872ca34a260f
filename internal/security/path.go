package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathDenied indicates a source path outside the allowed roots.
var ErrPathDenied = errors.New("path outside allowed roots")

// PathGuard confines file ingestion to an explicit set of root
// directories. A guard with no roots rejects every path, so file
// ingestion stays off until it is deliberately configured.
type PathGuard struct {
	roots []string
}

// NewPathGuard resolves roots to absolute, cleaned paths. Relative
// roots are resolved against the current directory at construction
// time, not at validation time. A root reached through a symlink (such
// as /var on systems where it links to /private/var) is kept in both
// its given and canonical forms so containment checks accept either
// spelling.
func NewPathGuard(roots []string) (*PathGuard, error) {
	abs := make([]string, 0, len(roots))
	for _, root := range roots {
		a, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving root %s: %w", root, err)
		}
		a = filepath.Clean(a)
		abs = append(abs, a)
		if real, err := filepath.EvalSymlinks(a); err == nil && real != a {
			abs = append(abs, real)
		}
	}
	return &PathGuard{roots: abs}, nil
}

// Resolve validates path and returns its safe absolute form. Symlinks
// are resolved and the target re-checked, so a link placed inside a
// root cannot point the read outside it. The path must exist:
// ingestion reads sources, it never creates them.
func (g *PathGuard) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathDenied)
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	if !g.contains(absPath) {
		return "", fmt.Errorf("%w: %s", ErrPathDenied, absPath)
	}

	real, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("source does not exist: %s", absPath)
		}
		return "", fmt.Errorf("resolving symlinks: %w", err)
	}
	if real != absPath && !g.contains(real) {
		return "", fmt.Errorf("%w: symlink target %s", ErrPathDenied, real)
	}
	return real, nil
}

func (g *PathGuard) contains(path string) bool {
	for _, root := range g.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

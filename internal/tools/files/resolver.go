package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Resolver maps tool paths onto a workspace root.
type Resolver struct {
	Root string
}

// Resolve returns the absolute path for path. Relative paths are taken from
// the root. The result, with symlinks followed as far as the path exists,
// must stay inside the root.
func (r Resolver) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is required")
	}
	root, err := r.root()
	if err != nil {
		return "", err
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	if !within(root, target) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}

	real, err := realPath(target)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	realRoot, err := realPath(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if !within(realRoot, real) {
		return "", fmt.Errorf("path %q links outside the workspace", path)
	}
	return target, nil
}

// Rel returns abs relative to the root, for display.
func (r Resolver) Rel(abs string) string {
	root, err := r.root()
	if err != nil {
		return abs
	}
	if rel, err := filepath.Rel(root, abs); err == nil {
		return rel
	}
	return abs
}

func (r Resolver) root() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return abs, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// realPath follows symlinks in the longest existing prefix of path and
// re-appends the missing tail, so files about to be created resolve too.
func realPath(path string) (string, error) {
	var tail []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		tail = append(tail, filepath.Base(current))
		current = parent
	}
}

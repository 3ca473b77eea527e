package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines file-backed templates to a single directory tree.
type Sandbox struct {
	root string
}

// NewSandbox roots a sandbox at dir, which must exist. Symlinks in the root
// itself are resolved once so containment checks compare canonical paths.
func NewSandbox(dir string) (*Sandbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", root)
	}
	return &Sandbox{root: root}, nil
}

func (s *Sandbox) Root() string { return s.root }

// Resolve maps name (relative to the root, or absolute) to a canonical path
// inside the sandbox. Symlinks pointing outside the root are rejected.
func (s *Sandbox) Resolve(name string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	candidate := filepath.Clean(name)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	if !s.contains(candidate) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", name)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("templates: resolve %q: %w", name, err)
	}
	if !s.contains(resolved) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", name)
	}
	return resolved, nil
}

func (s *Sandbox) contains(candidate string) bool {
	rel, err := filepath.Rel(s.root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrPathEscape is returned for any path that would resolve outside the
	// project root or into a reserved directory.
	ErrPathEscape = errors.New("path escapes project root")
	// ErrInvalidPath is returned for empty paths or paths naming the root itself.
	ErrInvalidPath = errors.New("invalid path")
)

// Guard canonicalizes paths against a project root.
type Guard struct {
	root     string
	reserved map[string]struct{}
}

// NewGuard resolves root to an absolute, symlink-free directory. Top-level
// names listed in reserved can never be targeted.
func NewGuard(root string, reserved ...string) (Guard, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Guard{}, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	set := make(map[string]struct{}, len(reserved))
	for _, name := range reserved {
		name = strings.Trim(strings.TrimSpace(name), "/")
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return Guard{root: abs, reserved: set}, nil
}

// Root returns the absolute project root.
func (g Guard) Root() string {
	return g.root
}

// Canonical validates p and returns it relative to the root, slash separated.
func (g Guard) Canonical(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrPathEscape, p)
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s contains '..'", ErrPathEscape, p)
		}
	}

	var rel string
	if filepath.IsAbs(p) || strings.HasPrefix(slashed, "/") {
		abs := filepath.Clean(filepath.FromSlash(slashed))
		if !g.within(abs) {
			return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
		}
		r, err := filepath.Rel(g.root, abs)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
		}
		rel = filepath.ToSlash(r)
	} else {
		rel = path.Clean(slashed)
	}
	if rel == "." || rel == "" {
		return "", fmt.Errorf("%w: %s names the project root", ErrInvalidPath, p)
	}

	if err := g.checkReserved(rel); err != nil {
		return "", err
	}
	if err := g.checkSymlinks(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// Resolve returns the absolute location of p after canonicalization.
func (g Guard) Resolve(p string) (string, error) {
	rel, err := g.Canonical(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(g.root, filepath.FromSlash(rel)), nil
}

// Rel converts an absolute path under the root back to slash form.
func (g Guard) Rel(abs string) string {
	rel, err := filepath.Rel(g.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (g Guard) within(abs string) bool {
	return abs == g.root || strings.HasPrefix(abs, g.root+string(os.PathSeparator))
}

func (g Guard) checkReserved(rel string) error {
	top := strings.SplitN(rel, "/", 2)[0]
	if _, ok := g.reserved[top]; ok {
		return fmt.Errorf("%w: %s is reserved", ErrPathEscape, top)
	}
	return nil
}

// checkSymlinks walks the existing ancestors of rel, following each symlink
// to its target. A link pointing outside the root or into a reserved
// directory is rejected, as is any later segment landing in one.
func (g Guard) checkSymlinks(rel string) error {
	current := g.root
	for _, seg := range strings.Split(rel, "/") {
		current = filepath.Join(current, seg)
		if err := g.checkReserved(g.Rel(current)); err != nil {
			return err
		}
		info, err := os.Lstat(current)
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		link := current
		target, err := filepath.EvalSymlinks(link)
		if err != nil {
			return fmt.Errorf("%w: unresolvable symlink %s", ErrPathEscape, g.Rel(link))
		}
		if !g.within(target) {
			return fmt.Errorf("%w: %s links outside the project", ErrPathEscape, g.Rel(link))
		}
		if err := g.checkReserved(g.Rel(target)); err != nil {
			return fmt.Errorf("%w: %s links into a reserved directory", ErrPathEscape, g.Rel(link))
		}
		current = target
	}
	return nil
}

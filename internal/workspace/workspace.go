// Package workspace applies file-level effects to a project working tree.
// Every path is canonicalized by a Guard before it touches the disk.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"patchwork/internal/logging"
)

// DefaultManifest is the dependency manifest updated by UpdateManifest.
const DefaultManifest = "package.json"

// Workspace writes into a single project root.
type Workspace struct {
	guard    Guard
	manifest string
	logger   *logging.StructuredLogger
}

// Options configures a Workspace.
type Options struct {
	Manifest string
	Logger   *logging.StructuredLogger
}

// New returns a Workspace bound to guard's root.
func New(guard Guard, opts Options) *Workspace {
	manifest := opts.Manifest
	if manifest == "" {
		manifest = DefaultManifest
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Workspace{
		guard:    guard,
		manifest: manifest,
		logger:   logger.WithComponent("workspace"),
	}
}

// Guard exposes the path guard used by this workspace.
func (w *Workspace) Guard() Guard {
	return w.guard
}

// Root returns the absolute project root.
func (w *Workspace) Root() string {
	return w.guard.Root()
}

// WriteFile creates parent directories and replaces the file content.
func (w *Workspace) WriteFile(path string, content []byte) error {
	abs, err := w.guard.Resolve(path)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", w.guard.Rel(abs))
		}
		mode = info.Mode().Perm()
	}
	if err := WriteFileAtomic(abs, content, mode); err != nil {
		return err
	}
	w.logger.Debug("wrote file", map[string]interface{}{"path": w.guard.Rel(abs), "bytes": len(content)})
	return nil
}

// RenameFile moves from to to, creating the destination directory.
func (w *Workspace) RenameFile(from, to string) error {
	src, err := w.guard.Resolve(from)
	if err != nil {
		return err
	}
	dst, err := w.guard.Resolve(to)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(src); err != nil {
		return fmt.Errorf("rename source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	w.logger.Debug("renamed file", map[string]interface{}{"from": w.guard.Rel(src), "to": w.guard.Rel(dst)})
	return nil
}

// DeleteFile removes a file or directory tree. A missing path is not an error.
func (w *Workspace) DeleteFile(path string) error {
	abs, err := w.guard.Resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(abs); errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("delete target missing", map[string]interface{}{"path": w.guard.Rel(abs)})
		return nil
	}
	if err := os.RemoveAll(abs); err != nil {
		return err
	}
	w.logger.Debug("deleted", map[string]interface{}{"path": w.guard.Rel(abs)})
	return nil
}

// ReadFile returns the content of a project file.
func (w *Workspace) ReadFile(path string) ([]byte, error) {
	abs, err := w.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFileAtomic writes content to a temp file beside abs and renames it into place.
func WriteFileAtomic(abs string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

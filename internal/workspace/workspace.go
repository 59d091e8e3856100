// Package workspace manages the labbox scratch directory structure.
// Every session owns one scratch directory under <root>/sessions that is
// mounted (or used as the working directory) for its isolate.
//
// Default workspace: ~/.labbox/workspace (configurable via config or LABBOX_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".labbox/workspace"

// ControlDirName is the per-session directory holding kernel capture files.
// It is never reported as an artifact.
const ControlDirName = ".labbox"

// Workspace manages all labbox runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.labbox/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// SessionsDir returns <root>/sessions/. Holds one scratch directory per session.
func (w *Workspace) SessionsDir() string {
	return w.dir("sessions")
}

// SessionDir returns <root>/sessions/<sessionID>/ and creates it.
func (w *Workspace) SessionDir(sessionID string) string {
	p := filepath.Join(w.SessionsDir(), sanitizeName(sessionID))
	_ = w.ensureDir(p, 0750)
	return p
}

// CleanSession removes a session's scratch directory.
func (w *Workspace) CleanSession(sessionID string) error {
	p := filepath.Join(w.Root, "sessions", sanitizeName(sessionID))

	w.mu.Lock()
	for dir := range w.created {
		if dir == p || strings.HasPrefix(dir, p+string(filepath.Separator)) {
			delete(w.created, dir)
		}
	}
	w.mu.Unlock()

	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing session dir %s: %w", p, err)
	}
	return nil
}

// CleanSessions removes every session scratch directory. Used at startup,
// when no isolate can still reference them.
func (w *Workspace) CleanSessions() error {
	dir := filepath.Join(w.Root, "sessions")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading sessions dir: %w", err)
	}
	for _, entry := range entries {
		if err := w.CleanSession(entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}

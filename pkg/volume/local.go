// Package volume prepares the per-container scratch workspace C6 bind
// mounts into every runner container, generalizing the teacher's
// directory-based local volume driver from a named, persistent,
// node-pinned volume into an anonymous, ephemeral, job-scoped one: no
// driver registry, no node affinity, created before Create and
// removed after Remove.
package volume

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultWorkspaceRoot is the base directory ephemeral job workspaces
// are created under.
const DefaultWorkspaceRoot = "/var/lib/runnerd/workspaces"

// Manager creates and tears down one scratch directory per job,
// mounted into the job's container as the runner's writable _work
// directory.
type Manager struct {
	root string
}

// NewManager builds a Manager rooted at root, creating it if absent.
// An empty root falls back to DefaultWorkspaceRoot.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		root = DefaultWorkspaceRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Create makes a fresh, empty workspace directory for jobID and
// returns its host path for bind-mounting.
func (m *Manager) Create(jobID string) (string, error) {
	path := m.Path(jobID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace for job %s: %w", jobID, err)
	}
	return path, nil
}

// Remove deletes jobID's workspace directory and everything under it.
// Removing an already-absent workspace is not an error.
func (m *Manager) Remove(jobID string) error {
	path := m.Path(jobID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace for job %s: %w", jobID, err)
	}
	return nil
}

// Path returns the host path a job's workspace lives at, whether or
// not it has been created yet.
func (m *Manager) Path(jobID string) string {
	return filepath.Join(m.root, jobID)
}

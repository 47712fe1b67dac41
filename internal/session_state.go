package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionPointer records which ledger session a workspace is currently on
type SessionPointer struct {
	SessionID    string    `yaml:"session_id"`
	Branch       string    `yaml:"branch"`
	CheckpointID string    `yaml:"checkpoint_id,omitempty"`
	LastUpdated  time.Time `yaml:"last_updated"`
}

// SessionStateManager persists the active session pointer as YAML
type SessionStateManager struct {
	path string
}

// NewSessionStateManager creates a manager for the pointer file at path
func NewSessionStateManager(path string) *SessionStateManager {
	return &SessionStateManager{path: path}
}

// Path returns the pointer file location
func (m *SessionStateManager) Path() string {
	return m.path
}

// Load reads the pointer. A missing file returns nil without error.
func (m *SessionStateManager) Load() (*SessionPointer, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Path: m.path, Op: "read", Err: err}
	}

	var ptr SessionPointer
	if err := yaml.Unmarshal(data, &ptr); err != nil {
		return nil, &StorageError{Path: m.path, Op: "parse", Err: err}
	}
	if ptr.SessionID == "" {
		return nil, nil
	}
	return &ptr, nil
}

// Save writes the pointer through a temp file and rename so readers never
// see a partial file
func (m *SessionStateManager) Save(ptr *SessionPointer) error {
	if ptr.LastUpdated.IsZero() {
		ptr.LastUpdated = time.Now().UTC()
	}
	data, err := yaml.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("failed to marshal session pointer: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return &StorageError{Path: m.path, Op: "write", Err: err}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &StorageError{Path: tmp, Op: "write", Err: err}
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return &StorageError{Path: m.path, Op: "write", Err: err}
	}
	return nil
}

// Clear removes the pointer file
func (m *SessionStateManager) Clear() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Path: m.path, Op: "remove", Err: err}
	}
	return nil
}

package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultDataDir holds the ledger and session pointer, relative to the workspace
	DefaultDataDir = ".mindmap"
	// DefaultTraceFile is the reasoning log the agent appends to
	DefaultTraceFile = "reasoning_trace.json"
	// DefaultDatabase is the ledger file name inside the data directory
	DefaultDatabase = "mindmap.db"

	sessionFileName = "session.yaml"
)

// WorkspacePaths holds the resolved locations for one workspace
type WorkspacePaths struct {
	Workspace   string // version-controlled directory the agent edits
	DataDir     string // .mindmap directory, excluded from commits
	Database    string // sqlite ledger
	TraceFile   string // reasoning log
	SessionFile string // active session pointer
}

// DetectWorkspacePaths resolves paths for a workspace. Relative dataDir and
// traceFile values are taken relative to the workspace; database is taken
// relative to the data directory.
func DetectWorkspacePaths(workspace, dataDir, database, traceFile string) (WorkspacePaths, error) {
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return WorkspacePaths{}, fmt.Errorf("failed to get working directory: %w", err)
		}
		workspace = wd
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return WorkspacePaths{}, fmt.Errorf("failed to resolve workspace %s: %w", workspace, err)
	}

	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	if database == "" {
		database = DefaultDatabase
	}
	if traceFile == "" {
		traceFile = DefaultTraceFile
	}

	paths := WorkspacePaths{
		Workspace: abs,
		DataDir:   resolve(abs, dataDir),
		TraceFile: resolve(abs, traceFile),
	}
	paths.Database = resolve(paths.DataDir, database)
	paths.SessionFile = filepath.Join(paths.DataDir, sessionFileName)
	return paths, nil
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// EnsureDataDir creates the data directory
func (p WorkspacePaths) EnsureDataDir() error {
	if err := os.MkdirAll(p.DataDir, 0755); err != nil {
		return &StorageError{Path: p.DataDir, Op: "create", Err: err}
	}
	return nil
}

// DataDirRelative returns the data directory relative to the workspace, or
// "" when it lives outside it
func (p WorkspacePaths) DataDirRelative() string {
	rel, err := filepath.Rel(p.Workspace, p.DataDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// TraceFileExists reports whether the reasoning log has been written yet
func (p WorkspacePaths) TraceFileExists() bool {
	info, err := os.Stat(p.TraceFile)
	return err == nil && !info.IsDir()
}

// IsGitRepository reports whether the workspace already holds a repository
func (p WorkspacePaths) IsGitRepository() bool {
	_, err := os.Stat(filepath.Join(p.Workspace, ".git"))
	return err == nil
}

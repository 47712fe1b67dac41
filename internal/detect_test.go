package internal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectWorkspacePaths(t *testing.T) {
	ws := t.TempDir()

	tests := []struct {
		name          string
		dataDir       string
		database      string
		traceFile     string
		wantDataDir   string
		wantDatabase  string
		wantTraceFile string
		wantRelative  string
	}{
		{
			name:          "defaults",
			wantDataDir:   filepath.Join(ws, ".mindmap"),
			wantDatabase:  filepath.Join(ws, ".mindmap", "mindmap.db"),
			wantTraceFile: filepath.Join(ws, "reasoning_trace.json"),
			wantRelative:  ".mindmap",
		},
		{
			name:          "relative overrides",
			dataDir:       "state/mm",
			database:      "ledger.db",
			traceFile:     "logs/trace.json",
			wantDataDir:   filepath.Join(ws, "state", "mm"),
			wantDatabase:  filepath.Join(ws, "state", "mm", "ledger.db"),
			wantTraceFile: filepath.Join(ws, "logs", "trace.json"),
			wantRelative:  "state/mm",
		},
		{
			name:          "data dir outside workspace",
			dataDir:       filepath.Join(filepath.Dir(ws), "elsewhere"),
			wantDataDir:   filepath.Join(filepath.Dir(ws), "elsewhere"),
			wantDatabase:  filepath.Join(filepath.Dir(ws), "elsewhere", "mindmap.db"),
			wantTraceFile: filepath.Join(ws, "reasoning_trace.json"),
			wantRelative:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths, err := DetectWorkspacePaths(ws, tt.dataDir, tt.database, tt.traceFile)
			if err != nil {
				t.Fatalf("DetectWorkspacePaths() error = %v", err)
			}
			if paths.DataDir != tt.wantDataDir {
				t.Errorf("DataDir = %v, want %v", paths.DataDir, tt.wantDataDir)
			}
			if paths.Database != tt.wantDatabase {
				t.Errorf("Database = %v, want %v", paths.Database, tt.wantDatabase)
			}
			if paths.TraceFile != tt.wantTraceFile {
				t.Errorf("TraceFile = %v, want %v", paths.TraceFile, tt.wantTraceFile)
			}
			if got := paths.DataDirRelative(); got != tt.wantRelative {
				t.Errorf("DataDirRelative() = %q, want %q", got, tt.wantRelative)
			}
			if paths.SessionFile != filepath.Join(tt.wantDataDir, "session.yaml") {
				t.Errorf("SessionFile = %v", paths.SessionFile)
			}
		})
	}
}

func TestWorkspacePaths_Existence(t *testing.T) {
	ws := t.TempDir()
	paths, err := DetectWorkspacePaths(ws, "", "", "")
	if err != nil {
		t.Fatalf("DetectWorkspacePaths() error = %v", err)
	}

	if paths.TraceFileExists() {
		t.Error("TraceFileExists() should be false before the log is written")
	}
	if paths.IsGitRepository() {
		t.Error("IsGitRepository() should be false for an empty directory")
	}

	if err := os.WriteFile(paths.TraceFile, []byte("[]"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(ws, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := paths.EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir() error = %v", err)
	}

	if !paths.TraceFileExists() {
		t.Error("TraceFileExists() should be true")
	}
	if !paths.IsGitRepository() {
		t.Error("IsGitRepository() should be true")
	}
	if info, err := os.Stat(paths.DataDir); err != nil || !info.IsDir() {
		t.Errorf("EnsureDataDir() did not create %s", paths.DataDir)
	}
}

package testutil

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	_ "modernc.org/sqlite"
)

// TraceStep is a reasoning log entry as an agent writes it
type TraceStep map[string]interface{}

// Step builds a minimal trace entry
func Step(n int, decision string) TraceStep {
	return TraceStep{
		"step":     n,
		"thought":  "thinking about step " + decision,
		"decision": decision,
		"status":   "complete",
	}
}

// WriteTrace replaces the reasoning log the way agents do, through a temp
// file and rename
func WriteTrace(t *testing.T, path string, steps ...TraceStep) {
	t.Helper()
	if steps == nil {
		steps = []TraceStep{}
	}
	data, err := json.MarshalIndent(steps, "", "  ")
	if err != nil {
		t.Fatalf("Failed to marshal trace: %v", err)
	}
	WriteTraceRaw(t, path, data)
}

// WriteTraceRaw atomically replaces the reasoning log with raw bytes
func WriteTraceRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create trace directory: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		t.Fatalf("Failed to write trace: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Failed to rename trace: %v", err)
	}
}

// CreateGitWorkspace initializes an empty repository with a committer
// identity and returns its directory
func CreateGitWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("Failed to init repository: %v", err)
	}
	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("Failed to read repository config: %v", err)
	}
	cfg.User.Name = "Test Agent"
	cfg.User.Email = "agent@example.com"
	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("Failed to write repository config: %v", err)
	}
	return dir
}

// CreateSQLiteFixture creates a SQLite database file with one table
func CreateSQLiteFixture(t *testing.T, dbPath string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		t.Fatalf("Failed to create fixture directory: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS fixture (id INTEGER PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO fixture (value) VALUES ('seed')`); err != nil {
		t.Fatalf("Failed to insert fixture row: %v", err)
	}
}

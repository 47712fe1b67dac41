package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/gitstore"
	"github.com/iksnae/mindmap/internal/ledger"
	"github.com/iksnae/mindmap/testutil"
)

// seedLedger writes a root session with two steps and a branched child
// into the workspace's ledger and returns both session ids
func seedLedger(t *testing.T, workspace string) (root, child string) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(workspace, internal.DefaultDataDir, internal.DefaultDatabase)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create data directory: %v", err)
	}

	l, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	defer l.Close()

	parent := internal.CreateTestSession("root-session")
	if err := l.CreateSession(ctx, parent); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for n, decision := range []string{"read main.go", "edit main.go"} {
		step := n + 1
		_, err := l.RecordStep(ctx, ledger.StepRecord{
			SessionID:  parent.ID,
			Step:       step,
			CommitRef:  fmt.Sprintf("%040d", step),
			Delta:      map[string]interface{}{"current_step": step, "decision": decision},
			OutputText: "Considering " + decision,
			StartedAt:  time.Date(2026, 1, 2, 3, 4, 5+step, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("RecordStep() error = %v", err)
		}
	}

	fork := &internal.Session{
		ID:              "child-session",
		ParentSessionID: parent.ID,
		Prompt:          parent.Prompt,
		GitBranch:       "explore-0000abcd",
		BaseCommitRef:   fmt.Sprintf("%040d", 1),
	}
	if err := l.CreateSession(ctx, fork); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return parent.ID, fork.ID
}

// commitSteps records n step commits in a fresh git workspace and returns
// the workspace and the commit of each step, oldest first
func commitSteps(t *testing.T, n int) (string, []string) {
	t.Helper()
	testutil.RequireGit(t)
	ctx := context.Background()
	dir := testutil.CreateGitWorkspace(t)

	store, err := gitstore.New(gitstore.Options{Path: dir, Exclude: []string{internal.DefaultDataDir}})
	if err != nil {
		t.Fatalf("gitstore.New() error = %v", err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	refs := make([]string, 0, n)
	for step := 1; step <= n; step++ {
		testutil.WriteFile(t, dir, "main.go", fmt.Sprintf("package main\n\n// step %d\n", step))
		ref, err := store.CommitStep(ctx, gitstore.StepCommit{
			StepID:   internal.StepID("s1", step),
			Step:     step,
			Decision: fmt.Sprintf("edit main.go (%d)", step),
			Thought:  "keep going",
			Metadata: internal.StepMetadata{SessionID: "s1"},
		})
		if err != nil {
			t.Fatalf("CommitStep() error = %v", err)
		}
		refs = append(refs, ref)
	}
	return dir, refs
}

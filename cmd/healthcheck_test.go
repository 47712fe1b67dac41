package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/testutil"
)

// unreachableAddr has nothing listening on it
const unreachableAddr = "127.0.0.1:1"

func TestHealthcheckCommand_EmptyWorkspace(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "healthcheck", "--workspace", dir, "--addr", unreachableAddr)
	if err != nil {
		t.Fatalf("healthcheck error = %v\n%s", err, out)
	}
	for _, want := range []string{
		"Not a git repository yet",
		"Reasoning log not written yet",
		"No ledger yet",
		"No server answering at " + unreachableAddr,
		"Health check passed!",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHealthcheckCommand_PopulatedWorkspace(t *testing.T) {
	dir, _ := commitSteps(t, 2)
	seedLedger(t, dir)
	testutil.WriteTrace(t, filepath.Join(dir, internal.DefaultTraceFile),
		testutil.Step(1, "read main.go"), testutil.Step(2, "edit main.go"))

	out, err := execute(t, "healthcheck", "--workspace", dir, "--addr", unreachableAddr, "--verbose")
	if err != nil {
		t.Fatalf("healthcheck error = %v\n%s", err, out)
	}
	for _, want := range []string{
		"Repository on",
		"Reasoning log has 2 step(s)",
		"Ledger has 2 session(s)",
		"Sessions: 2 recorded",
		"HEAD:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHealthcheckCommand_InvalidTrace(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTraceRaw(t, filepath.Join(dir, internal.DefaultTraceFile), []byte("{not json"))

	out, err := execute(t, "healthcheck", "--workspace", dir, "--addr", unreachableAddr)
	if err == nil {
		t.Fatal("healthcheck should fail for an unparseable reasoning log")
	}
	if !strings.Contains(out, "Reasoning log is not valid") {
		t.Errorf("output missing trace failure:\n%s", out)
	}
}

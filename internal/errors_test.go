package internal

import (
	"errors"
	"strings"
	"testing"
)

func TestTypedErrors(t *testing.T) {
	cause := errors.New("permission denied")

	tests := []struct {
		name     string
		err      error
		contains []string
	}{
		{
			name:     "storage",
			err:      &StorageError{Path: "/test/path", Op: "open", Err: cause},
			contains: []string{"storage error", "open", "/test/path"},
		},
		{
			name:     "commit",
			err:      &CommitError{StepID: "s1:3", Step: 3, Err: cause},
			contains: []string{"commit error", "step 3", "s1:3"},
		},
		{
			name:     "rollback",
			err:      &RollbackError{Ref: "deadbeef", Err: cause},
			contains: []string{"rollback error", "deadbeef"},
		},
		{
			name:     "branch",
			err:      &BranchError{Name: "explore", FromRef: "abc", Err: cause},
			contains: []string{"branch error", "explore", "abc"},
		},
		{
			name:     "ingest parse",
			err:      &IngestParseError{Path: "trace.json", Err: cause},
			contains: []string{"parse error", "trace.json"},
		},
		{
			name:     "engine with stderr",
			err:      &EngineError{Command: "agent", ExitCode: 2, Stderr: "bad input", Err: cause},
			contains: []string{"engine error", "exit 2", "bad input"},
		},
		{
			name:     "ledger",
			err:      &LedgerError{Op: "record step", Err: cause},
			contains: []string{"ledger error", "record step"},
		},
		{
			name:     "export",
			err:      &ExportError{Format: "md", Path: "out.md", Err: cause},
			contains: []string{"export error", "md", "out.md"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, should contain %q", msg, want)
				}
			}
			if !errors.Is(tt.err, cause) {
				t.Error("Unwrap() should return the original error")
			}
		})
	}
}

func TestEngineError_WithoutStderr(t *testing.T) {
	err := &EngineError{Command: "agent", ExitCode: 1, Err: errors.New("exit status 1")}
	if strings.HasSuffix(err.Error(), ": ") {
		t.Errorf("Error() = %q should not end with an empty stderr", err.Error())
	}
}

package internal

import "fmt"

// StorageError represents errors accessing files under the data directory
type StorageError struct {
	Path string
	Op   string // "open", "read", "write", "parse"
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CommitError represents a failure writing a step commit
type CommitError struct {
	StepID string
	Step   int
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit error [step %d %s]: %v", e.Step, e.StepID, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// RollbackError represents a failure resetting the workspace to a checkpoint
type RollbackError struct {
	Ref string
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback error [%s]: %v", e.Ref, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// BranchError represents a failure forking a timeline
type BranchError struct {
	Name    string
	FromRef string
	Err     error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("branch error [%s from %s]: %v", e.Name, e.FromRef, e.Err)
}

func (e *BranchError) Unwrap() error {
	return e.Err
}

// IngestParseError represents a malformed reasoning log
type IngestParseError struct {
	Path string
	Err  error
}

func (e *IngestParseError) Error() string {
	return fmt.Sprintf("parse error [reasoning log] %s: %v", e.Path, e.Err)
}

func (e *IngestParseError) Unwrap() error {
	return e.Err
}

// EngineError represents a failed reasoning engine invocation
type EngineError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EngineError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("engine error [%s] exit %d: %v: %s", e.Command, e.ExitCode, e.Err, e.Stderr)
	}
	return fmt.Sprintf("engine error [%s] exit %d: %v", e.Command, e.ExitCode, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// LedgerError represents a failure reading or writing the session ledger
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger error [%s]: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// ExportError represents errors during export
type ExportError struct {
	Format string
	Path   string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export error [%s] %s: %v", e.Format, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

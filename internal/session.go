package internal

import (
	"encoding/json"
	"time"
)

// Session is one reasoning timeline, optionally forked from a parent session
type Session struct {
	ID              string    `json:"sessionId" yaml:"session_id"`
	ParentSessionID string    `json:"parentSessionId,omitempty" yaml:"parent_session_id,omitempty"`
	Prompt          string    `json:"prompt" yaml:"prompt"`
	GitBranch       string    `json:"gitBranch" yaml:"git_branch"`
	BaseCommitRef   string    `json:"baseCommitRef,omitempty" yaml:"base_commit_ref,omitempty"`
	CreatedAt       time.Time `json:"createdAt" yaml:"created_at"`
	StepCount       int       `json:"stepCount" yaml:"step_count"`
}

// StepExecution is the ledger row recorded for each committed step
type StepExecution struct {
	ID            int64           `json:"id" yaml:"id"`
	SessionID     string          `json:"sessionId" yaml:"session_id"`
	NodeName      string          `json:"nodeName" yaml:"node_name"`
	ParentNodeID  int64           `json:"parentNodeId,omitempty" yaml:"parent_node_id,omitempty"`
	StartedAt     time.Time       `json:"startedAt" yaml:"started_at"`
	FinishedAt    time.Time       `json:"finishedAt" yaml:"finished_at"`
	StateSnapshot json.RawMessage `json:"stateSnapshot" yaml:"-"`
	OutputText    string          `json:"outputText,omitempty" yaml:"output_text,omitempty"`
	CommitRef     string          `json:"commitHash" yaml:"commit_hash"`
	StepID        string          `json:"stepId" yaml:"step_id"`
}

// TimelineKind distinguishes forks from rollback backups
type TimelineKind string

const (
	TimelineBranch TimelineKind = "branch"
	TimelineBackup TimelineKind = "backup"
)

// Timeline records a branch created by checkpoint operations
type Timeline struct {
	ID            int64        `json:"id" yaml:"id"`
	SessionID     string       `json:"sessionId" yaml:"session_id"`
	BranchName    string       `json:"branchName" yaml:"branch_name"`
	Kind          TimelineKind `json:"kind" yaml:"kind"`
	BaseCommitRef string       `json:"baseCommitRef,omitempty" yaml:"base_commit_ref,omitempty"`
	HeadCommitRef string       `json:"headCommitRef,omitempty" yaml:"head_commit_ref,omitempty"`
	CreatedAt     time.Time    `json:"createdAt" yaml:"created_at"`
}

// CumulativeState is the fold of step deltas up to a checkpoint
type CumulativeState struct {
	SessionID string                 `json:"sessionId" yaml:"session_id"`
	UptoID    int64                  `json:"uptoId" yaml:"upto_id"`
	Steps     []string               `json:"steps" yaml:"steps"`
	State     map[string]interface{} `json:"state" yaml:"state"`
}

// SessionTimeline bundles a session with its ordered steps for export
type SessionTimeline struct {
	Session   *Session        `json:"session" yaml:"session"`
	Steps     []StepExecution `json:"steps" yaml:"steps"`
	Timelines []Timeline      `json:"timelines,omitempty" yaml:"timelines,omitempty"`
}

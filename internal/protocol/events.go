// Package protocol defines the control message envelope and the payload of
// every event type exchanged between the core and its clients.
package protocol

// Client to core requests
const (
	TypeRollbackRequested = "state.rollback_requested"
	TypePauseRequested    = "agent.pause_requested"
	TypeResumeRequested   = "agent.resume_requested"
	TypeBranchRequested   = "branch.create_requested"
)

// Core to client events
const (
	TypeStepCreated       = "step.created"
	TypeStatusChanged     = "agent.status_changed"
	TypeRollbackCompleted = "state.rollback_completed"
	TypeBranchCreated     = "branch.created"
	TypeSystemError       = "system.error"
)

// system.error codes
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeCommitFailed        = "COMMIT_FAILED"
	CodeLedgerFailed        = "LEDGER_FAILED"
	CodeRollbackFailed      = "ROLLBACK_FAILED"
	CodeBranchFailed        = "BRANCH_FAILED"
	CodeEngineFailed        = "ENGINE_FAILED"
	CodeEngineGaveUp        = "ENGINE_GAVE_UP"
	CodeOperationInProgress = "OPERATION_IN_PROGRESS"
)

// IsRequest reports whether eventType is a client request
func IsRequest(eventType string) bool {
	switch eventType {
	case TypeRollbackRequested, TypePauseRequested, TypeResumeRequested, TypeBranchRequested:
		return true
	}
	return false
}

// RollbackRequested is the payload of state.rollback_requested
type RollbackRequested struct {
	CommitHash string `json:"commitHash" validate:"required,max=256"`
}

// BranchRequested is the payload of branch.create_requested. An empty
// parent session means the active session.
type BranchRequested struct {
	Name            string `json:"name" validate:"required,max=128"`
	FromCommitHash  string `json:"fromCommitHash" validate:"required,max=256"`
	ParentSessionID string `json:"parentSessionId" validate:"max=128"`
}

// StepCreated is the payload of step.created
type StepCreated struct {
	Step         int      `json:"step"`
	Thought      string   `json:"thought"`
	File         string   `json:"file,omitempty"`
	Decision     string   `json:"decision,omitempty"`
	Alternatives []string `json:"alternatives"`
	CommitHash   string   `json:"commitHash"`
	StepID       string   `json:"stepId"`
	SessionID    string   `json:"sessionId,omitempty"`
}

// StatusChanged is the payload of agent.status_changed.
//
// A pause requested while the agent is RUNNING or mid-operation is
// acknowledged with the current status and PauseRequested set; a second
// event with status PAUSED follows once the work in flight finishes.
type StatusChanged struct {
	Status         string `json:"status"`
	PauseRequested bool   `json:"pauseRequested"`
}

// RollbackCompleted is the payload of state.rollback_completed
type RollbackCompleted struct {
	Success      bool   `json:"success"`
	CommitHash   string `json:"commitHash"`
	BackupBranch string `json:"backupBranch"`
	Stashed      bool   `json:"stashed,omitempty"`
}

// BranchCreated is the payload of branch.created
type BranchCreated struct {
	SessionID  string `json:"sessionId"`
	BranchName string `json:"branchName"`
	Name       string `json:"name"`
	BaseCommit string `json:"baseCommitHash,omitempty"`
}

// SystemError is the payload of system.error
type SystemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// StepStatus is the lifecycle marker an agent writes on each reasoning step
type StepStatus string

const (
	StepComplete   StepStatus = "complete"
	StepInProgress StepStatus = "in_progress"
)

// ReasoningStep is one entry of the agent's reasoning log
type ReasoningStep struct {
	Step                   int        `json:"step" yaml:"step"`
	Thought                string     `json:"thought" yaml:"thought"`
	Decision               string     `json:"decision,omitempty" yaml:"decision,omitempty"`
	FileExamined           string     `json:"fileExamined,omitempty" yaml:"file_examined,omitempty"`
	AlternativesConsidered []string   `json:"alternativesConsidered,omitempty" yaml:"alternatives_considered,omitempty"`
	Status                 StepStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Timestamp              string     `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// UnmarshalJSON accepts both the camelCase keys and the snake_case keys
// written by older agents, and a numeric or string timestamp.
func (s *ReasoningStep) UnmarshalJSON(data []byte) error {
	type plain ReasoningStep
	var aux struct {
		plain
		FileExaminedSnake string          `json:"file_examined"`
		AlternativesSnake []string        `json:"alternatives_considered"`
		Timestamp         json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*s = ReasoningStep(aux.plain)
	if s.FileExamined == "" {
		s.FileExamined = aux.FileExaminedSnake
	}
	if len(s.AlternativesConsidered) == 0 {
		s.AlternativesConsidered = aux.AlternativesSnake
	}

	ts := bytes.TrimSpace(aux.Timestamp)
	switch {
	case len(ts) == 0 || string(ts) == "null":
		s.Timestamp = ""
	case ts[0] == '"':
		var str string
		if err := json.Unmarshal(ts, &str); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		s.Timestamp = str
	default:
		if _, err := strconv.ParseFloat(string(ts), 64); err != nil {
			return fmt.Errorf("invalid timestamp %s", ts)
		}
		s.Timestamp = string(ts)
	}
	return nil
}

// StepID returns the ledger identifier of a step within a session
func StepID(sessionID string, step int) string {
	return fmt.Sprintf("%s:%d", sessionID, step)
}

// ParseTrace decodes the reasoning log. The log must be a JSON array of step
// objects; an empty file is treated as an empty log.
func ParseTrace(path string, data []byte) ([]ReasoningStep, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var steps []ReasoningStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, &IngestParseError{Path: path, Err: err}
	}
	return steps, nil
}

// StepMetadata is the structured annotation stored alongside each step commit
type StepMetadata struct {
	SessionID    string     `json:"sessionId"`
	StepID       string     `json:"stepId"`
	Step         int        `json:"step"`
	Alternatives []string   `json:"alternatives,omitempty"`
	Status       StepStatus `json:"status,omitempty"`
	Timestamp    string     `json:"timestamp,omitempty"`
}

// CommitInfo is one entry of the workspace history
type CommitInfo struct {
	Ref       string        `json:"commitHash" yaml:"commit_hash"`
	Parent    string        `json:"parent,omitempty" yaml:"parent,omitempty"`
	Message   string        `json:"message" yaml:"message"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
	Metadata  *StepMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// AgentStatus is the control state of the agent
type AgentStatus string

const (
	StatusIdle        AgentStatus = "IDLE"
	StatusRunning     AgentStatus = "RUNNING"
	StatusPaused      AgentStatus = "PAUSED"
	StatusRollingBack AgentStatus = "ROLLING_BACK"
)

// AgentState is a snapshot of the controller's state
type AgentState struct {
	Status         AgentStatus `json:"status"`
	PauseRequested bool        `json:"pauseRequested"`
	SessionID      string      `json:"sessionId,omitempty"`
	Branch         string      `json:"branch,omitempty"`
	PendingSteps   int         `json:"pendingSteps"`
}

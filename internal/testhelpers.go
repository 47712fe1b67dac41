package internal

import (
	"encoding/json"
	"fmt"
	"time"
)

// CreateTestSession creates a root session with sample data
func CreateTestSession(id string) *Session {
	return &Session{
		ID:        id,
		Prompt:    "Fix the failing build",
		GitBranch: "main",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// CreateTestStep creates the ledger row of step n with a sample delta
func CreateTestStep(sessionID string, n int, decision string) StepExecution {
	snapshot, _ := json.Marshal(map[string]interface{}{
		"current_step": n,
		"decision":     decision,
		"thought":      "Considering " + decision,
	})
	started := time.Date(2026, 1, 2, 3, 4, 5+n, 0, time.UTC)
	return StepExecution{
		ID:            int64(n),
		SessionID:     sessionID,
		NodeName:      fmt.Sprintf("step_%d", n),
		ParentNodeID:  int64(n - 1),
		StartedAt:     started,
		FinishedAt:    started.Add(time.Second),
		StateSnapshot: snapshot,
		OutputText:    "Considering " + decision,
		CommitRef:     fmt.Sprintf("%040d", n),
		StepID:        StepID(sessionID, n),
	}
}

// CreateTestTimeline creates a session with two recorded steps
func CreateTestTimeline(id string) *SessionTimeline {
	return CreateTestTimelineWithSteps(id, []StepExecution{
		CreateTestStep(id, 1, "read main.go"),
		CreateTestStep(id, 2, "edit main.go"),
	})
}

// CreateTestTimelineWithSteps creates a session with custom steps
func CreateTestTimelineWithSteps(id string, steps []StepExecution) *SessionTimeline {
	s := CreateTestSession(id)
	s.StepCount = len(steps)
	return &SessionTimeline{Session: s, Steps: steps}
}

package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/iksnae/mindmap/internal"
)

// JSONLExporter exports session timelines in JSONL format: a session line,
// one line per recorded branch, then one line per step
type JSONLExporter struct{}

// Export exports a session timeline to JSONL format
func (e *JSONLExporter) Export(timeline *internal.SessionTimeline, w io.Writer) error {
	enc := json.NewEncoder(w)

	if s := timeline.Session; s != nil {
		obj := map[string]interface{}{
			"type":      "session",
			"sessionId": s.ID,
			"prompt":    s.Prompt,
			"gitBranch": s.GitBranch,
			"stepCount": s.StepCount,
		}
		if s.ParentSessionID != "" {
			obj["parentSessionId"] = s.ParentSessionID
			obj["baseCommitRef"] = s.BaseCommitRef
		}
		if !s.CreatedAt.IsZero() {
			obj["createdAt"] = s.CreatedAt.Format(time.RFC3339)
		}
		if err := enc.Encode(obj); err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
	}

	for _, tl := range timeline.Timelines {
		obj := map[string]interface{}{
			"type":       "timeline",
			"sessionId":  tl.SessionID,
			"branchName": tl.BranchName,
			"kind":       tl.Kind,
		}
		if tl.BaseCommitRef != "" {
			obj["baseCommitRef"] = tl.BaseCommitRef
		}
		if tl.HeadCommitRef != "" {
			obj["headCommitRef"] = tl.HeadCommitRef
		}
		if !tl.CreatedAt.IsZero() {
			obj["createdAt"] = tl.CreatedAt.Format(time.RFC3339)
		}
		if err := enc.Encode(obj); err != nil {
			return fmt.Errorf("failed to encode timeline: %w", err)
		}
	}

	for _, step := range timeline.Steps {
		obj := map[string]interface{}{
			"type":       "step",
			"sessionId":  step.SessionID,
			"stepId":     step.StepID,
			"node":       step.NodeName,
			"commitHash": step.CommitRef,
			"state":      decodeState(step.StateSnapshot),
		}

		if !step.StartedAt.IsZero() {
			obj["startedAt"] = step.StartedAt.Format(time.RFC3339)
		}
		if step.ParentNodeID != 0 {
			obj["parentNodeId"] = step.ParentNodeID
		}

		// Encode to single line
		if err := enc.Encode(obj); err != nil {
			return fmt.Errorf("failed to encode step: %w", err)
		}
	}

	return nil
}

// Extension returns the file extension for this format
func (e *JSONLExporter) Extension() string {
	return "jsonl"
}

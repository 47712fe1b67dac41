package export

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/iksnae/mindmap/internal"
)

func TestJSONExporter_Export(t *testing.T) {
	timeline := internal.CreateTestTimeline("s1")
	timeline.Timelines = []internal.Timeline{
		{SessionID: "s1", BranchName: "mindmap/backup-1", Kind: internal.TimelineBackup},
	}

	var buf bytes.Buffer
	if err := (&JSONExporter{}).Export(timeline, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var got internal.SessionTimeline
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got.Session.ID != "s1" {
		t.Errorf("session id = %q, want s1", got.Session.ID)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(got.Steps))
	}
	if got.Steps[1].StepID != "s1:2" {
		t.Errorf("step id = %q, want s1:2", got.Steps[1].StepID)
	}
	if state := decodeState(got.Steps[1].StateSnapshot); state["decision"] != "edit main.go" {
		t.Errorf("snapshot decision = %v", state["decision"])
	}
	if len(got.Timelines) != 1 || got.Timelines[0].Kind != internal.TimelineBackup {
		t.Errorf("timelines = %+v", got.Timelines)
	}
	if !bytes.Contains(buf.Bytes(), []byte("\n  \"session\"")) {
		t.Error("output is not indented")
	}
}

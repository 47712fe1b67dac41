package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/iksnae/mindmap/internal"
)

func TestJSONLExporter_Export(t *testing.T) {
	tests := []struct {
		name     string
		timeline *internal.SessionTimeline
		lines    int
		want     []string
	}{
		{
			name:     "no steps keeps the session line",
			timeline: internal.CreateTestTimelineWithSteps("s1", nil),
			lines:    1,
			want:     []string{`"type":"session"`, `"sessionId":"s1"`, `"gitBranch":"main"`},
		},
		{
			name:     "forked session with a branch timeline",
			timeline: forkedTimeline(),
			lines:    2,
			want: []string{
				`"parentSessionId":"root"`,
				`"baseCommitRef":"0000000000000000000000000000000000000001"`,
				`"type":"timeline"`,
				`"branchName":"explore-0000abcd"`,
				`"kind":"branch"`,
			},
		},
		{
			name:     "two steps",
			timeline: internal.CreateTestTimeline("s2"),
			lines:    3,
			want: []string{
				`"type":"step"`,
				`"stepId":"s2:1"`,
				`"node":"step_2"`,
				`"decision":"edit main.go"`,
				`"startedAt":"2026-01-02T03:04:06Z"`,
				`"parentNodeId":1`,
			},
		},
		{
			name: "step without timestamps",
			timeline: internal.CreateTestTimelineWithSteps("s3", []internal.StepExecution{
				{SessionID: "s3", NodeName: "step_1", StepID: "s3:1", CommitRef: "abc"},
			}),
			lines: 2,
			want:  []string{`"state":{}`, `"commitHash":"abc"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := (&JSONLExporter{}).Export(tt.timeline, &buf); err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			out := buf.String()

			var lines []string
			for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
				if line == "" {
					continue
				}
				var obj map[string]interface{}
				if err := json.Unmarshal([]byte(line), &obj); err != nil {
					t.Errorf("line is not valid JSON: %q", line)
				}
				lines = append(lines, line)
			}
			if len(lines) != tt.lines {
				t.Errorf("got %d lines, want %d", len(lines), tt.lines)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %s\n%s", want, out)
				}
			}
			if tt.name == "step without timestamps" && strings.Contains(out, "startedAt") {
				t.Error("zero startedAt should be omitted")
			}
		})
	}
}

func forkedTimeline() *internal.SessionTimeline {
	timeline := internal.CreateTestTimelineWithSteps("fork", nil)
	timeline.Session.ParentSessionID = "root"
	timeline.Session.GitBranch = "explore-0000abcd"
	timeline.Session.BaseCommitRef = fmt.Sprintf("%040d", 1)
	timeline.Timelines = []internal.Timeline{{
		SessionID:     "fork",
		BranchName:    "explore-0000abcd",
		Kind:          internal.TimelineBranch,
		BaseCommitRef: timeline.Session.BaseCommitRef,
		HeadCommitRef: timeline.Session.BaseCommitRef,
	}}
	return timeline
}

package export

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/iksnae/mindmap/internal"
)

// MarkdownExporter exports session timelines in Markdown format
type MarkdownExporter struct{}

// Export exports a session timeline to Markdown format
func (e *MarkdownExporter) Export(timeline *internal.SessionTimeline, w io.Writer) error {
	session := timeline.Session

	// Header
	_, _ = fmt.Fprintf(w, "# Session %s\n\n", session.ID)

	if session.Prompt != "" {
		_, _ = fmt.Fprintf(w, "**Prompt:** %s  \n", escapeMarkdown(session.Prompt))
	}
	_, _ = fmt.Fprintf(w, "**Branch:** %s  \n", session.GitBranch)
	if session.ParentSessionID != "" {
		_, _ = fmt.Fprintf(w, "**Parent:** %s  \n", session.ParentSessionID)
		_, _ = fmt.Fprintf(w, "**Base commit:** %s  \n", shortRef(session.BaseCommitRef))
	}
	if !session.CreatedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "**Created:** %s  \n", session.CreatedAt.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "**Steps:** %d\n\n", len(timeline.Steps))

	_, _ = fmt.Fprintf(w, "---\n\n")
	_, _ = fmt.Fprintf(w, "## Steps\n\n")

	for i, step := range timeline.Steps {
		_, _ = fmt.Fprintf(w, "### %s (%s)\n\n", step.NodeName, shortRef(step.CommitRef))

		state := decodeState(step.StateSnapshot)
		if thought, ok := state["thought"].(string); ok && thought != "" {
			_, _ = fmt.Fprintf(w, "%s\n\n", escapeMarkdown(thought))
		}
		keys := make([]string, 0, len(state))
		for k := range state {
			if k != "thought" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "- **%s:** %v\n", k, state[k])
		}
		if len(keys) > 0 {
			_, _ = fmt.Fprintf(w, "\n")
		}

		// Add horizontal rule after each step (except the last one)
		if i < len(timeline.Steps)-1 {
			_, _ = fmt.Fprintf(w, "---\n\n")
		}
	}

	if len(timeline.Timelines) > 0 {
		_, _ = fmt.Fprintf(w, "## Timelines\n\n")
		_, _ = fmt.Fprintf(w, "| Branch | Kind | Base | Head |\n|---|---|---|---|\n")
		for _, t := range timeline.Timelines {
			_, _ = fmt.Fprintf(w, "| %s | %s | %s | %s |\n", t.BranchName, t.Kind, shortRef(t.BaseCommitRef), shortRef(t.HeadCommitRef))
		}
	}

	return nil
}

func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}

// escapeMarkdown escapes markdown special characters
func escapeMarkdown(text string) string {
	// Basic escaping - preserve code blocks
	lines := strings.Split(text, "\n")
	var result []string
	inCodeBlock := false

	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
			result = append(result, line)
		} else if inCodeBlock {
			result = append(result, line)
		} else {
			// Escape markdown syntax outside code blocks
			line = strings.ReplaceAll(line, "**", "\\*\\*")
			line = strings.ReplaceAll(line, "__", "\\_\\_")
			result = append(result, line)
		}
	}

	return strings.Join(result, "\n")
}

// Extension returns the file extension for this format
func (e *MarkdownExporter) Extension() string {
	return "md"
}

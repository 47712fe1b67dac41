package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/iksnae/mindmap/internal"
	"github.com/spf13/cobra"
)

var (
	limit     int
	since     string
	showState bool
)

var (
	// Styles for steps command
	sessionHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("212")).
				Padding(0, 1).
				MarginBottom(1)

	sessionMetaStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("243")).
				MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true).
			Padding(0, 1)

	stepContentStyle = lipgloss.NewStyle().
				Padding(0, 2).
				MarginBottom(1)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

// stepsCmd represents the steps command
var stepsCmd = &cobra.Command{
	Use:   "steps <session-id>",
	Short: "Show the steps recorded for a session",
	Long:  `Display the checkpointed reasoning steps of a session, oldest first.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		out := cmd.OutOrStdout()

		var sinceTime time.Time
		if since != "" {
			parsed, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return fmt.Errorf("invalid --since timestamp format (expected RFC3339): %w", err)
			}
			sinceTime = parsed
		}

		paths, err := workspacePaths(cfg)
		if err != nil {
			return err
		}
		l, err := openLedger(paths)
		if err != nil {
			return err
		}
		defer l.Close()

		ctx := cmd.Context()
		timeline, err := l.SessionTimeline(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("session not found: %s (use 'mindmap sessions' to see available sessions): %w", sessionID, err)
		}

		displaySessionHeader(out, timeline.Session, len(timeline.Steps))

		steps := timeline.Steps
		if !sinceTime.IsZero() {
			filtered := make([]internal.StepExecution, 0, len(steps))
			for _, s := range steps {
				if !s.StartedAt.Before(sinceTime) {
					filtered = append(filtered, s)
				}
			}
			steps = filtered
		}

		total := len(steps)
		if limit > 0 && limit < len(steps) {
			steps = steps[:limit]
		}
		for i, s := range steps {
			displayStep(out, i+1, s, total)
		}
		if limit > 0 && limit < total {
			fmt.Fprintln(out)
			fmt.Fprintln(out, timestampStyle.Render(fmt.Sprintf("... (%d more step(s))", total-limit)))
		}

		if showState {
			state, err := l.CumulativeState(ctx, sessionID, 0)
			if err != nil {
				return fmt.Errorf("failed to fold session state: %w", err)
			}
			displayCumulativeState(out, state)
		}
		return nil
	},
}

func displaySessionHeader(out io.Writer, session *internal.Session, steps int) {
	if session == nil {
		return
	}
	title := session.Prompt
	if title == "" {
		title = session.ID
	}
	fmt.Fprintln(out, sessionHeaderStyle.Render(fmt.Sprintf("🧠 %s", title)))

	meta := []string{
		fmt.Sprintf("Session: %s", session.ID),
		fmt.Sprintf("Branch: %s", session.GitBranch),
		fmt.Sprintf("Steps: %d", steps),
	}
	if session.ParentSessionID != "" {
		meta = append(meta, fmt.Sprintf("Forked from: %s@%s", session.ParentSessionID, shortRef(session.BaseCommitRef)))
	}
	if !session.CreatedAt.IsZero() {
		meta = append(meta, fmt.Sprintf("Created: %s", session.CreatedAt.Format(time.RFC3339)))
	}
	fmt.Fprintln(out, sessionMetaStyle.Render(strings.Join(meta, " • ")))
	fmt.Fprintln(out)
}

func displayStep(out io.Writer, index int, step internal.StepExecution, total int) {
	header := stepStyle.Render("🔖 "+step.NodeName) + " " +
		timestampStyle.Render(fmt.Sprintf("[%d/%d]", index, total)) + " " +
		accentStyle.Render(shortRef(step.CommitRef))
	if !step.StartedAt.IsZero() {
		header += " " + timestampStyle.Render(step.StartedAt.Local().Format("15:04:05"))
	}
	fmt.Fprintln(out, header)

	var snapshot map[string]interface{}
	_ = json.Unmarshal(step.StateSnapshot, &snapshot)

	var lines []string
	if thought := strings.TrimSpace(step.OutputText); thought != "" {
		lines = append(lines, wrapText(thought, 80))
	}
	for _, key := range []string{"decision", "file_examined"} {
		if v, ok := snapshot[key]; ok {
			lines = append(lines, fmt.Sprintf("%s: %v", key, v))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "(no output)")
	}
	fmt.Fprintln(out, stepContentStyle.Render(strings.Join(lines, "\n")))
}

func displayCumulativeState(out io.Writer, state *internal.CumulativeState) {
	fmt.Fprintln(out, sessionHeaderStyle.Render(fmt.Sprintf("📦 State after %d step(s)", len(state.Steps))))
	keys := make([]string, 0, len(state.State))
	for k := range state.State {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s %v\n", titleStyle.Render(k+":"), state.State[k])
	}
}

func wrapText(text string, width int) string {
	var wrapped []string
	for _, line := range strings.Split(text, "\n") {
		if len(line) <= width {
			wrapped = append(wrapped, line)
			continue
		}
		current := ""
		for _, word := range strings.Fields(line) {
			switch {
			case current == "":
				current = word
			case len(current)+len(word)+1 > width:
				wrapped = append(wrapped, current)
				current = word
			default:
				current += " " + word
			}
		}
		if current != "" {
			wrapped = append(wrapped, current)
		}
	}
	return strings.Join(wrapped, "\n")
}

func init() {
	rootCmd.AddCommand(stepsCmd)
	stepsCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n steps")
	stepsCmd.Flags().StringVar(&since, "since", "", "Only show steps started at or after this RFC3339 timestamp")
	stepsCmd.Flags().BoolVar(&showState, "state", false, "Print the cumulative session state after the steps")
}

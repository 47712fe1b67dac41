package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/iksnae/mindmap/internal"
	"github.com/spf13/cobra"
)

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	branchStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Italic(true)

	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"list"},
	Short:   "List recorded sessions",
	Long:    `List every session in the ledger, including sessions branched from earlier steps.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := workspacePaths(cfg)
		if err != nil {
			return err
		}
		l, err := openLedger(paths)
		if err != nil {
			return err
		}
		defer l.Close()

		sessions, err := l.ListSessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		displaySessions(cmd.OutOrStdout(), sessions)
		return nil
	},
}

func displaySessions(out io.Writer, sessions []*internal.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, headerStyle.Render("📋 No sessions found"))
		return
	}

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("📋 Found %d session(s)", len(sessions))))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, titleStyle.Render("ID")+"\t"+titleStyle.Render("Branch")+"\t"+titleStyle.Render("Steps")+"\t"+titleStyle.Render("Parent")+"\t"+titleStyle.Render("Created")+"\t")
	_, _ = fmt.Fprintln(w, strings.Repeat("─", 100))

	for _, s := range sessions {
		branch := s.GitBranch
		if len(branch) > 40 {
			branch = branch[:37] + "..."
		}

		parent := "—"
		if s.ParentSessionID != "" {
			parent = fmt.Sprintf("%s@%s", shortRef(s.ParentSessionID), shortRef(s.BaseCommitRef))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n",
			idStyle.Render(s.ID),
			branchStyle.Render(branch),
			countStyle.Render(strconv.Itoa(s.StepCount)),
			dateStyle.Render(parent),
			dateStyle.Render(formatDate(s.CreatedAt)))
	}

	_ = w.Flush()
	fmt.Fprintln(out)
	fmt.Fprintln(out, idStyle.Render("💡 Tip: Use ")+
		accentStyle.Render("mindmap steps "+sessions[0].ID)+
		idStyle.Render(" to see the steps of a session"))
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

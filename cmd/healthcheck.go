package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/iksnae/mindmap/internal"
	"github.com/spf13/cobra"
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true).
			Underline(true)
)

// healthcheckCmd represents the healthcheck command
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Check the workspace, reasoning log, ledger and control server",
	Long: `Run diagnostics for a mindmap workspace.

Checks that the workspace is a git repository, that the reasoning log parses,
that the ledger can be opened and whether a control server is answering.
Use --verbose for details.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()
		failed := false

		fmt.Fprintln(out, sectionStyle.Render("🔍 mindmap Health Check"))
		fmt.Fprintln(out)

		// Step 1: Paths
		fmt.Fprintln(out, infoStyle.Render("Step 1: Resolving workspace paths..."))
		paths, err := workspacePaths(cfg)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render("❌ Failed to resolve workspace paths"))
			return err
		}
		fmt.Fprintln(out, successStyle.Render("✅ Workspace: "+paths.Workspace))
		if verbose {
			fmt.Fprintf(out, "   Data directory: %s\n", paths.DataDir)
			fmt.Fprintf(out, "   Ledger: %s\n", paths.Database)
			fmt.Fprintf(out, "   Reasoning log: %s\n", paths.TraceFile)
		}
		fmt.Fprintln(out)

		// Step 2: Repository
		fmt.Fprintln(out, infoStyle.Render("Step 2: Checking git repository..."))
		if err := checkRepository(ctx, out, paths); err != nil {
			fmt.Fprintln(out, errorStyle.Render("❌ Failed to read repository:"), err)
			failed = true
		}
		fmt.Fprintln(out)

		// Step 3: Reasoning log
		fmt.Fprintln(out, infoStyle.Render("Step 3: Checking reasoning log..."))
		if err := checkTrace(out, paths); err != nil {
			fmt.Fprintln(out, errorStyle.Render("❌ Reasoning log is not valid:"), err)
			failed = true
		}
		fmt.Fprintln(out)

		// Step 4: Ledger
		fmt.Fprintln(out, infoStyle.Render("Step 4: Checking ledger..."))
		sessions, err := checkLedger(ctx, out, paths)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render("❌ Ledger is not readable:"), err)
			failed = true
		}
		fmt.Fprintln(out)

		// Step 5: Control server
		fmt.Fprintln(out, infoStyle.Render("Step 5: Contacting control server..."))
		checkServer(ctx, out)
		fmt.Fprintln(out)

		fmt.Fprintln(out, sectionStyle.Render("📊 Summary"))
		fmt.Fprintln(out)
		if failed {
			fmt.Fprintln(out, errorStyle.Render("❌ Health check failed"))
			return fmt.Errorf("health check failed")
		}
		fmt.Fprintln(out, successStyle.Render("✅ Health check passed!"))
		fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("   • Sessions: %d recorded", sessions)))
		return nil
	},
}

func checkRepository(ctx context.Context, out io.Writer, paths internal.WorkspacePaths) error {
	if !paths.IsGitRepository() {
		fmt.Fprintln(out, warningStyle.Render("⚠️  Not a git repository yet"))
		fmt.Fprintln(out, "   'mindmap serve' initializes it on first start")
		return nil
	}
	store, err := openStore(ctx, cfg, paths)
	if err != nil {
		return err
	}
	history, err := store.History(ctx)
	if err != nil {
		return err
	}
	branch, err := store.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("✅ Repository on %s with %d commit(s)", branch, len(history))))
	if verbose {
		dirty, err := store.IsDirty(ctx)
		if err == nil {
			fmt.Fprintf(out, "   Uncommitted changes: %t\n", dirty)
		}
		if len(history) > 0 {
			fmt.Fprintf(out, "   HEAD: %s %s\n", shortRef(history[0].Ref), firstLine(history[0].Message))
		}
	}
	return nil
}

func checkTrace(out io.Writer, paths internal.WorkspacePaths) error {
	if !paths.TraceFileExists() {
		fmt.Fprintln(out, warningStyle.Render("⚠️  Reasoning log not written yet"))
		fmt.Fprintf(out, "   Expected: %s\n", paths.TraceFile)
		return nil
	}
	data, err := os.ReadFile(paths.TraceFile)
	if err != nil {
		return err
	}
	steps, err := internal.ParseTrace(paths.TraceFile, data)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("✅ Reasoning log has %d step(s)", len(steps))))
	if verbose && len(steps) > 0 {
		last := steps[len(steps)-1]
		fmt.Fprintf(out, "   Last step: %d %s\n", last.Step, firstLine(last.Thought))
	}
	return nil
}

func checkLedger(ctx context.Context, out io.Writer, paths internal.WorkspacePaths) (int, error) {
	if _, err := os.Stat(paths.Database); err != nil {
		fmt.Fprintln(out, warningStyle.Render("⚠️  No ledger yet"))
		fmt.Fprintln(out, "   'mindmap serve' creates it on first start")
		return 0, nil
	}
	l, err := openLedger(paths)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	if err := l.Ping(ctx); err != nil {
		return 0, err
	}
	sessions, err := l.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("✅ Ledger has %d session(s)", len(sessions))))
	if verbose {
		for i, s := range sessions {
			if i == 5 {
				fmt.Fprintf(out, "   ... and %d more\n", len(sessions)-5)
				break
			}
			fmt.Fprintf(out, "   [%d] %s on %s (%d steps)\n", i+1, shortRef(s.ID), s.GitBranch, s.StepCount)
		}
	}
	return len(sessions), nil
}

// checkServer never fails the health check; a stopped server is normal
func checkServer(ctx context.Context, out io.Writer) {
	c, err := newClient(cfg)
	if err != nil {
		fmt.Fprintln(out, warningStyle.Render("⚠️  "+err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	state, err := c.Status(ctx)
	if err != nil {
		fmt.Fprintln(out, warningStyle.Render(fmt.Sprintf("⚠️  No server answering at %s", cfg.Server.Addr)))
		if verbose {
			fmt.Fprintf(out, "   %v\n", err)
		}
		return
	}
	fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("✅ Server at %s is %s", cfg.Server.Addr, state.Status)))
	if verbose && state.SessionID != "" {
		fmt.Fprintf(out, "   Session: %s on %s\n", state.SessionID, state.Branch)
	}
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
}

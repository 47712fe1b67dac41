package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/protocol"
	"github.com/spf13/cobra"
)

var (
	branchFrom   string
	branchParent string
	watchJSON    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cfg)
		if err != nil {
			return err
		}
		state, err := c.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to reach server at %s: %w", cfg.Server.Addr, err)
		}
		displayAgentState(cmd.OutOrStdout(), state)
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the agent after the running batch",
	Long: `Ask a running server to stop processing new steps. A batch that is already
running finishes first; the agent then reports PAUSED.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cfg)
		if err != nil {
			return err
		}
		st, err := c.Pause(cmd.Context())
		if err != nil {
			return fmt.Errorf("pause failed: %w", err)
		}
		printStatusChange(cmd.OutOrStdout(), st)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cfg)
		if err != nil {
			return err
		}
		st, err := c.Resume(cmd.Context())
		if err != nil {
			return fmt.Errorf("resume failed: %w", err)
		}
		printStatusChange(cmd.OutOrStdout(), st)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <commit>",
	Short: "Restore the workspace to a step checkpoint",
	Long: `Reset the workspace to the given step commit. The previous head is kept on a
backup branch and uncommitted changes are stashed first.

Use 'mindmap preview <commit>' to see what would change.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cfg)
		if err != nil {
			return err
		}
		res, err := c.Rollback(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, successStyle.Render("✅ Rolled back to "+shortRef(res.CommitHash)))
		fmt.Fprintf(out, "   Backup branch: %s\n", branchStyle.Render(res.BackupBranch))
		if res.Stashed {
			fmt.Fprintln(out, "   Uncommitted changes were stashed (git stash list)")
		}
		return nil
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch <name> --from <commit>",
	Short: "Fork a new session from a step checkpoint",
	Long: `Create a new git branch at the given step commit and a session that inherits
the parent session's state up to that step. The parent defaults to the active
session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cfg)
		if err != nil {
			return err
		}
		res, err := c.Branch(cmd.Context(), args[0], branchFrom, branchParent)
		if err != nil {
			return fmt.Errorf("branch failed: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, successStyle.Render("✅ Created branch "+res.BranchName))
		fmt.Fprintf(out, "   Session: %s\n", idStyle.Render(res.SessionID))
		fmt.Fprintf(out, "   Base commit: %s\n", shortRef(res.BaseCommit))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream events from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cfg)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		enc := json.NewEncoder(out)
		return c.Watch(ctx, func(env protocol.Envelope) error {
			if watchJSON {
				return enc.Encode(env)
			}
			printEvent(out, env)
			return nil
		})
	},
}

func displayAgentState(out io.Writer, state internal.AgentState) {
	fmt.Fprintln(out, headerStyle.Render("🤖 Agent "+internal.RenderStatus(state.Status)))
	if state.PauseRequested && state.Status != internal.StatusPaused {
		fmt.Fprintln(out, warningStyle.Render("   Pause requested"))
	}
	if state.SessionID != "" {
		fmt.Fprintf(out, "   Session: %s\n", idStyle.Render(state.SessionID))
	}
	if state.Branch != "" {
		fmt.Fprintf(out, "   Branch: %s\n", branchStyle.Render(state.Branch))
	}
	fmt.Fprintf(out, "   Pending steps: %s\n", countStyle.Render(fmt.Sprint(state.PendingSteps)))
}

func printStatusChange(out io.Writer, st protocol.StatusChanged) {
	line := "Agent is " + internal.RenderStatus(internal.AgentStatus(st.Status))
	if st.PauseRequested && internal.AgentStatus(st.Status) != internal.StatusPaused {
		line += " (pauses after the current batch)"
	}
	fmt.Fprintln(out, line)
}

// printEvent renders one bus event as a single line
func printEvent(out io.Writer, env protocol.Envelope) {
	ts := timestampStyle.Render(env.Timestamp.Local().Format("15:04:05"))
	var detail string
	switch env.EventType {
	case protocol.TypeStepCreated:
		var p protocol.StepCreated
		if env.DecodePayload(&p) == nil {
			detail = fmt.Sprintf("step %d %s %s", p.Step, shortRef(p.CommitHash), firstLine(p.Thought))
		}
	case protocol.TypeStatusChanged:
		var p protocol.StatusChanged
		if env.DecodePayload(&p) == nil {
			detail = internal.RenderStatus(internal.AgentStatus(p.Status))
		}
	case protocol.TypeRollbackCompleted:
		var p protocol.RollbackCompleted
		if env.DecodePayload(&p) == nil {
			detail = fmt.Sprintf("%s (backup %s)", shortRef(p.CommitHash), p.BackupBranch)
		}
	case protocol.TypeBranchCreated:
		var p protocol.BranchCreated
		if env.DecodePayload(&p) == nil {
			detail = fmt.Sprintf("%s session %s", p.BranchName, shortRef(p.SessionID))
		}
	case protocol.TypeSystemError:
		var p protocol.SystemError
		if env.DecodePayload(&p) == nil {
			detail = errorStyle.Render(p.Code) + " " + p.Message
		}
	}
	if detail == "" {
		detail = string(env.Payload)
	}
	fmt.Fprintf(out, "%s %s %s\n", ts, titleStyle.Render(env.EventType), detail)
}

func init() {
	rootCmd.AddCommand(statusCmd, pauseCmd, resumeCmd, rollbackCmd, branchCmd, watchCmd)
	branchCmd.Flags().StringVar(&branchFrom, "from", "", "Step commit to branch from (required)")
	branchCmd.Flags().StringVar(&branchParent, "parent", "", "Parent session id (default active session)")
	_ = branchCmd.MarkFlagRequired("from")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print raw event envelopes as JSON lines")
}

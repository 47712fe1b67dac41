package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/gitstore"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
	previewJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List step checkpoints in the workspace",
	Long:  `List the commits reachable from HEAD, newest first, with the step metadata recorded for each.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := workspacePaths(cfg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := openStore(ctx, cfg, paths)
		if err != nil {
			return err
		}
		history, err := store.History(ctx)
		if err != nil {
			return fmt.Errorf("failed to read history: %w", err)
		}
		if historyLimit > 0 && historyLimit < len(history) {
			history = history[:historyLimit]
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(history)
		}
		displayHistory(out, history)
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <commit>",
	Short: "Show what a rollback to a commit would change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := workspacePaths(cfg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := openStore(ctx, cfg, paths)
		if err != nil {
			return err
		}
		preview, err := store.PreviewRollback(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if previewJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(preview)
		}
		displayPreview(out, preview)
		return nil
	},
}

func displayHistory(out io.Writer, history []internal.CommitInfo) {
	if len(history) == 0 {
		fmt.Fprintln(out, headerStyle.Render("📜 No checkpoints yet"))
		return
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("📜 %d checkpoint(s)", len(history))))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, titleStyle.Render("Commit")+"\t"+titleStyle.Render("Step")+"\t"+titleStyle.Render("Message")+"\t"+titleStyle.Render("Date")+"\t")
	_, _ = fmt.Fprintln(w, strings.Repeat("─", 100))
	for _, c := range history {
		step := "—"
		if c.Metadata != nil {
			step = strconv.Itoa(c.Metadata.Step)
		} else if n, ok := gitstore.ParseStepNumber(c.Message); ok {
			step = strconv.Itoa(n)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n",
			accentStyle.Render(shortRef(c.Ref)),
			countStyle.Render(step),
			firstLine(c.Message),
			dateStyle.Render(formatDate(c.Timestamp)))
	}
	_ = w.Flush()
	fmt.Fprintln(out)
	fmt.Fprintln(out, idStyle.Render("💡 Tip: Use ")+
		accentStyle.Render("mindmap preview "+shortRef(history[0].Ref))+
		idStyle.Render(" before rolling back"))
}

func displayPreview(out io.Writer, p *gitstore.RollbackPreview) {
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("⏪ Rollback %s → %s", shortRef(p.Head), shortRef(p.Target))))
	if p.Dirty {
		fmt.Fprintln(out, warningStyle.Render("⚠️  Uncommitted changes will be stashed"))
	}
	if len(p.Files) == 0 {
		fmt.Fprintln(out, "   No tracked files change")
		return
	}
	for _, f := range p.Files {
		var marker string
		switch f.Status {
		case "added":
			marker = successStyle.Render("A")
		case "deleted":
			marker = errorStyle.Render("D")
		default:
			marker = warningStyle.Render("M")
		}
		fmt.Fprintf(out, "   %s %s %s\n", marker, f.Path,
			dateStyle.Render(fmt.Sprintf("+%d -%d", f.Added, f.Deleted)))
	}
}

func init() {
	rootCmd.AddCommand(historyCmd, previewCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show at most n commits")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print history as JSON")
	previewCmd.Flags().BoolVar(&previewJSON, "json", false, "Print the preview as JSON")
}

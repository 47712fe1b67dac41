package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/export"
	"github.com/spf13/cobra"
)

var (
	format    string
	outputDir string
	sessionID string
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export sessions to file",
	Long: `Export recorded sessions with their steps and timelines to various formats
(jsonl, md, yaml, json).

You can export all sessions or a specific session by ID; use --out - to
write to standard output. Use 'mindmap sessions' to see available session IDs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Create exporter
		exporter, err := export.NewExporter(format)
		if err != nil {
			return err
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
		var ids []string
		if sessionID != "" {
			ids = []string{sessionID}
		} else {
			sessions, err := l.ListSessions(ctx)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			for _, s := range sessions {
				ids = append(ids, s.ID)
			}
		}

		timelines := make([]*internal.SessionTimeline, 0, len(ids))
		for _, id := range ids {
			timeline, err := l.SessionTimeline(ctx, id)
			if err != nil {
				return fmt.Errorf("session not found: %s (use 'mindmap sessions' to see available sessions): %w", id, err)
			}
			timelines = append(timelines, timeline)
		}

		if outputDir == "-" {
			for _, timeline := range timelines {
				if err := exporter.Export(timeline, cmd.OutOrStdout()); err != nil {
					return fmt.Errorf("failed to export session %s: %w", timeline.Session.ID, err)
				}
			}
			return nil
		}

		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		exported := 0
		err = internal.ShowProgress(context.Background(), fmt.Sprintf("Exporting %d session(s) to %s", len(timelines), outputDir), func() error {
			for _, timeline := range timelines {
				filename := fmt.Sprintf("session_%s.%s", timeline.Session.ID, exporter.Extension())
				path := filepath.Join(outputDir, filename)

				file, err := os.Create(path)
				if err != nil {
					internal.LogError("Failed to create file %s: %v", path, err)
					continue
				}

				if err := exporter.Export(timeline, file); err != nil {
					_ = file.Close()
					internal.LogError("Failed to export session %s: %v", timeline.Session.ID, err)
					continue
				}

				if err := file.Close(); err != nil {
					internal.LogWarn("Failed to close file %s: %v", path, err)
					continue
				}
				exported++
			}
			return nil
		})
		if err != nil {
			return err
		}

		if failed := len(timelines) - exported; failed > 0 {
			internal.PrintWarning(fmt.Sprintf("%d session(s) could not be exported", failed))
		}
		internal.PrintSuccess(fmt.Sprintf("Export complete: %d session(s) exported to %s", exported, outputDir))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&format, "format", "f", "jsonl", "Export format (jsonl, md, yaml, json)")
	exportCmd.Flags().StringVarP(&outputDir, "out", "o", "./exports", "Output directory, or - for standard output")
	exportCmd.Flags().StringVar(&sessionID, "session-id", "", "Export a specific session by ID")
}

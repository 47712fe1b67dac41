package cmd

import (
	"fmt"
	"os"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	verbose       bool
	configFile    string
	workspaceFlag string
	addrFlag      string
	version       string = "dev"
	commit        string = "unknown"
	date          string = "unknown"

	// cfg is loaded before every command runs
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mindmap",
	Short: "Checkpoint, roll back and branch AI agent reasoning",
	Long: `mindmap watches an agent's reasoning log and turns every step into a git
checkpoint, so a run can be paused, rolled back or forked from any step.

Features:
  • One commit per reasoning step, with step metadata in git notes
  • Pause and resume the agent between batches
  • Roll the workspace back to any step, stashing uncommitted work
  • Branch a new session from any earlier step
  • Session ledger with cumulative state per checkpoint
  • Export sessions as JSON, JSONL, YAML or Markdown

Quick Start:
  mindmap serve                          # Watch the workspace and serve the control API
  mindmap history                        # List step checkpoints
  mindmap rollback <commit>              # Restore the workspace to a step
  mindmap branch explore --from <commit> # Fork a new session

For detailed usage, see: https://github.com/iksnae/mindmap`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded
		internal.InitLogger(cfg.Logger.LogOptions())
		internal.SetVerbose(verbose)
		return nil
	},
}

// loadConfig merges defaults, the config file, MINDMAP_ variables and the
// persistent flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := config.NewViper(configFile)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd.Root()); err != nil {
		return nil, err
	}
	return config.FromViper(v)
}

func bindFlags(v *viper.Viper, root *cobra.Command) error {
	bindings := map[string]string{
		"workspace":   "workspace",
		"server.addr": "addr",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, root.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		internal.PrintError(fmt.Sprintf("Error: %v", err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default ./mindmap.yaml or $HOME/.config/mindmap/mindmap.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "Workspace directory (default current directory)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Control server address (default 127.0.0.1:8765)")

	// Set version template to ensure --version flag works
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

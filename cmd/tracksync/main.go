// Command tracksync keeps stories and their reactions in step with a
// GitLab-compatible issue tracker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/config"
	"github.com/mschirtzinger/tracksync/internal/logging"
)

var (
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tracksync",
	Short: "Sync stories with an external issue tracker",
	Long: `tracksync links stories, comments, users, repos and commits to their
counterparts on GitLab-compatible trackers.

It receives tracker webhooks (HTTP, a spool directory or RabbitMQ), imports
them as background tasks, and exports stories back as issues.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			cfg.DB.Path, _ = cmd.Flags().GetString("db")
		}
		logger, err = logging.New(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./tracksync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "database path (overrides db.path)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tracksync/internal/ingest"
	"github.com/mschirtzinger/tracksync/internal/queue"
	"github.com/mschirtzinger/tracksync/internal/spool"
)

var spoolCmd = &cobra.Command{
	Use:     "spool",
	GroupID: "sync",
	Short:   "Work with the webhook spool directory",
}

var spoolReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Import every delivery waiting in the spool directory",
	Long: `Import every delivery file waiting in the spool directory and wait for
each import to finish. Completed files are removed, deliveries that can
never succeed move to failed/, and retryable failures stay for the next
replay.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Spool.Dir
		}
		if dir == "" {
			return fmt.Errorf("no spool directory: set spool.dir or pass --dir")
		}

		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		sp, err := spool.New(dir, s.receiver, logger)
		if err != nil {
			return err
		}
		outcomes, err := sp.Replay(cmd.Context())
		if err != nil {
			return err
		}
		if len(outcomes) == 0 {
			fmt.Println(renderMuted("Spool is empty"))
			return nil
		}

		names := make([]string, 0, len(outcomes))
		for name := range outcomes {
			names = append(names, name)
		}
		sort.Strings(names)

		counts := map[spool.Outcome]int{}
		for _, name := range names {
			o := outcomes[name]
			counts[o]++
			mark := renderPass("✓")
			switch o {
			case spool.Failed:
				mark = renderFail("✗")
			case spool.Kept:
				mark = renderWarn("↻")
			}
			fmt.Printf("%s %s %s\n", mark, name, renderMuted(o.String()))
		}
		fmt.Printf("\n%d done, %d failed, %d kept\n", counts[spool.Done], counts[spool.Failed], counts[spool.Kept])
		return nil
	},
}

var spoolForwardCmd = &cobra.Command{
	Use:   "forward <delivery.json>...",
	Short: "Publish delivery files to the RabbitMQ queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Queue.URL == "" {
			return fmt.Errorf("queue.url is not configured")
		}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var d ingest.Delivery
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := queue.Publish(cmd.Context(), cfg.Queue.URL, cfg.Queue.Name, d); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s %s\n", renderPass("→"), path)
		}
		return nil
	},
}

func init() {
	spoolReplayCmd.Flags().String("dir", "", "spool directory (overrides spool.dir)")
	spoolCmd.AddCommand(spoolReplayCmd, spoolForwardCmd)
	rootCmd.AddCommand(spoolCmd)
}

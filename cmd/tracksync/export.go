package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/mschirtzinger/tracksync/internal/exporter"
	"github.com/mschirtzinger/tracksync/internal/schema"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "sync",
	Short:   "Export a story to a repo's issue tracker and wait for the result",
	Long: `Export a story as an issue, following its current state:

  - not yet on the tracker: the issue is created
  - already there: changed fields are pushed, or the issue is moved,
    closed or reopened
  - --repo 0, or a repo without a tracker link: the issue is removed

The export runs as a task; --token makes a retried command re-attach to it.

Examples:
  tracksync export --story 42 --repo 7 --user 3
  tracksync export --story 42 --repo 0 --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		storyID, _ := cmd.Flags().GetInt64("story")
		repoID, _ := cmd.Flags().GetInt64("repo")
		userID, _ := cmd.Flags().GetInt64("user")
		token, _ := cmd.Flags().GetString("token")
		yes, _ := cmd.Flags().GetBool("yes")

		if repoID == 0 && !yes {
			ok, err := confirm(fmt.Sprintf("Remove story %d from the tracker?", storyID), false)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted")
				return nil
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
		defer stop()

		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		opts := schema.TaskOptions{StoryID: storyID, RepoID: repoID}
		h, _, err := s.tasks.Start(ctx, schema.ActionExportIssue, token, opts, userID)
		if err != nil {
			return err
		}
		stored := h.Task()
		if stored.Options.StoryID != storyID || stored.Options.RepoID != repoID {
			fmt.Printf("%s Task %s was started for story %d, repo %d\n",
				renderWarn("!"), h.Token(), stored.Options.StoryID, stored.Options.RepoID)
		}
		s.tasks.Run(ctx, h, s.exporter.Task(stored.Options, stored.UserID))
		fmt.Printf("%s Exporting story %d %s\n", renderAccent("→"), stored.Options.StoryID, renderMuted("(task "+h.Token()+")"))

		for t := range h.Updates() {
			if t.Details.Message != "" && !t.Final() {
				fmt.Printf("   %3d%% %s\n", t.Completion, t.Details.Message)
			}
		}

		t := h.Task()
		if t.Failed {
			return fmt.Errorf("export failed (%s): %s", t.Details.Kind, t.Details.Error)
		}
		var res exporter.Outcome
		if len(t.Details.Result) > 0 {
			if err := json.Unmarshal(t.Details.Result, &res); err != nil {
				return fmt.Errorf("failed to decode result: %w", err)
			}
		}
		fmt.Printf("%s %s\n", renderPass("✓"), describeResult(res))
		return nil
	},
}

func describeResult(o exporter.Outcome) string {
	var msg string
	switch {
	case o.IssueIID != 0:
		msg = fmt.Sprintf("%s: issue #%d in project %d", o.Transition, o.IssueIID, o.ProjectID)
	default:
		msg = o.Transition
	}
	if o.WebURL != "" {
		msg += " " + renderMuted(o.WebURL)
	}
	if o.Removed != nil {
		msg += fmt.Sprintf(" (removed #%d from project %d)", o.Removed.IssueIID, o.Removed.ProjectID)
	}
	return msg
}

func init() {
	exportCmd.Flags().Int64("story", 0, "story id")
	exportCmd.Flags().Int64("repo", 0, "target repo id (0 removes the issue)")
	exportCmd.Flags().Int64("user", 0, "acting user id (0 uses the server token)")
	exportCmd.Flags().String("token", "", "task token")
	exportCmd.Flags().BoolP("yes", "y", false, "do not ask before removing")
	_ = exportCmd.MarkFlagRequired("story")
	rootCmd.AddCommand(exportCmd)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/task"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "sync",
	Short:   "Inspect and control import/export tasks",
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <token>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		t, err := s.tasks.Poll(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return json.NewEncoder(os.Stdout).Encode(t)
		}
		printTask(t)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks, newest first",
	Long: `List recent tasks, newest first.

--since accepts RFC 3339 timestamps, Go durations ("90m") and natural
language ("yesterday", "3 hours ago", "last monday").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		action, _ := cmd.Flags().GetString("action")
		userID, _ := cmd.Flags().GetInt64("user")
		unseen, _ := cmd.Flags().GetBool("unseen")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := db.TaskFilter{
			UserID: userID,
			Action: schema.TaskAction(action),
			Unseen: unseen,
			Limit:  limit,
		}
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			filter.Since = t
		}

		database, err := openDB(cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		tasks, err := database.ListTasks(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println(renderMuted("No tasks"))
			return nil
		}

		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			seen := ""
			if !t.Seen {
				seen = renderAccent("•")
			}
			rows = append(rows, []string{
				seen,
				t.Token,
				string(t.Action),
				renderStatus(t),
				t.CTime.Local().Format("2006-01-02 15:04:05"),
				t.Details.Message,
			})
		}
		fmt.Print(table([]string{"", "TOKEN", "ACTION", "STATUS", "CREATED", "MESSAGE"}, rows))
		return nil
	},
}

var taskAbortCmd = &cobra.Command{
	Use:   "abort <token>",
	Short: "Mark a running task failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			ok, err := confirm(fmt.Sprintf("Abort task %s?", args[0]), true)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}

		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		t, err := s.tasks.Abort(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s Task %s aborted\n", renderWarn("■"), t.Token)
		return nil
	},
}

var taskSeenCmd = &cobra.Command{
	Use:   "seen <token>...",
	Short: "Acknowledge finished tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB(cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		for _, token := range args {
			if err := database.MarkTaskSeen(cmd.Context(), token, true); err != nil {
				return err
			}
		}
		return nil
	},
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream task changes from every process sharing the Redis mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb := newRedis(cfg)
		if rdb == nil {
			return fmt.Errorf("redis.addr is not configured")
		}
		defer rdb.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
		defer stop()

		mirror := task.NewRedisMirror(rdb, cfg.Redis.TTL, logger)
		return mirror.Watch(ctx, func(t *schema.Task) {
			fmt.Printf("%s %-36s %-12s %s %s\n",
				renderMuted(time.Now().Format("15:04:05")), t.Token, t.Action, renderStatus(t), t.Details.Message)
		})
	},
}

func printTask(t *schema.Task) {
	fmt.Printf("\n%s Task %s\n\n", renderAccent("■"), t.Token)
	fmt.Printf("Action:     %s\n", t.Action)
	fmt.Printf("Status:     %s\n", renderStatus(t))
	if t.UserID != 0 {
		fmt.Printf("User:       %d\n", t.UserID)
	}
	fmt.Printf("Created:    %s\n", t.CTime.Local().Format(time.DateTime))
	if t.ETime != nil {
		fmt.Printf("Finished:   %s (%s)\n", t.ETime.Local().Format(time.DateTime), t.ETime.Sub(t.CTime).Round(time.Millisecond))
	}
	if t.Details.Message != "" {
		fmt.Printf("Message:    %s\n", t.Details.Message)
	}
	if t.Details.Error != "" {
		fmt.Printf("Error:      %s %s\n", renderFail(t.Details.Error), renderMuted("("+t.Details.Kind+")"))
	}
	if len(t.Details.Result) > 0 {
		fmt.Printf("Result:     %s\n", t.Details.Result)
	}
	fmt.Println()
}

var sinceParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince accepts RFC 3339, a duration back from now, a unix timestamp
// or a natural-language expression.
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}
	if secs, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	r, err := sinceParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: no date found", text)
	}
	return r.Time, nil
}

func init() {
	taskStatusCmd.Flags().Bool("json", false, "print the task as JSON")

	taskListCmd.Flags().String("since", "", "only tasks created after this time")
	taskListCmd.Flags().String("action", "", "filter by action (import-hook, export-issue)")
	taskListCmd.Flags().Int64("user", 0, "filter by owner")
	taskListCmd.Flags().Bool("unseen", false, "only tasks not yet acknowledged")
	taskListCmd.Flags().Int("limit", 50, "maximum rows")

	taskAbortCmd.Flags().BoolP("yes", "y", false, "do not ask")

	taskCmd.AddCommand(taskStatusCmd, taskListCmd, taskAbortCmd, taskSeenCmd, taskWatchCmd)
	rootCmd.AddCommand(taskCmd)
}

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tracksync/internal/config"
)

var serverCmd = &cobra.Command{
	Use:     "server",
	GroupID: "admin",
	Short:   "Manage tracker servers",
}

var serverImportCmd = &cobra.Command{
	Use:   "import <servers.toml>",
	Short: "Create or update servers from a TOML seed file",
	Long: `Create or update servers from a TOML seed file. Servers are matched by
name, so importing the same file twice changes nothing.

Example file:

  [[server]]
  name = "gitlab-main"
  type = "gitlab"
  url = "https://gitlab.example.com"
  version = "16.4.0"

  [server.settings]
  accept_new_users = true
  webhook_token = "..."

  [server.credentials]
  token = "glpat-..."`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB(cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		servers, err := config.SeedServers(cmd.Context(), database, args[0])
		if err != nil {
			return err
		}
		for _, s := range servers {
			fmt.Printf("%s %s %s\n", renderPass("✓"), s.Name, renderMuted(fmt.Sprintf("(id %d)", s.ID)))
		}
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB(cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		servers, err := database.ListServers(cmd.Context())
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			fmt.Println(renderMuted("No servers; add some with 'tracksync server import'"))
			return nil
		}

		rows := make([][]string, 0, len(servers))
		for _, s := range servers {
			state := renderPass("enabled")
			if s.Disabled {
				state = renderWarn("disabled")
			}
			hook := "-"
			if s.Settings.WebhookToken != "" {
				hook = "token"
			}
			rows = append(rows, []string{
				strconv.FormatInt(s.ID, 10),
				s.Name,
				string(s.Type),
				s.URL,
				s.Version,
				state,
				hook,
			})
		}
		fmt.Print(table([]string{"ID", "NAME", "TYPE", "URL", "VERSION", "STATE", "WEBHOOK"}, rows))
		return nil
	},
}

func init() {
	serverCmd.AddCommand(serverImportCmd, serverListCmd)
	rootCmd.AddCommand(serverCmd)
}

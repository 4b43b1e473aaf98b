package main

import (
	"os"

	"github.com/spf13/cobra"

	"kanban-api/client"
	"kanban-api/domain"
)

type cliOptions struct {
	baseURL  string
	token    string
	boardKey string
}

func (o *cliOptions) api() *client.HTTPClient {
	return client.NewHTTPClient(o.baseURL, o.token, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:   "boardctl",
		Short: "Inspect and move cards on kanban boards",
		Long: `boardctl talks to the kanban API. It can print a board, move cards
between stages and follow live board changes.

The API location and bearer token default to KANBAN_URL and KANBAN_TOKEN.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "url", envOr("KANBAN_URL", "http://localhost:8080"), "kanban API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("KANBAN_TOKEN"), "bearer token")
	root.PersistentFlags().StringVarP(&opts.boardKey, "board", "b", domain.DefaultBoardKey, "board key")

	root.AddCommand(
		newShowCmd(opts),
		newMoveCmd(opts),
		newWatchCmd(opts),
		newStagesCmd(opts),
	)
	return root
}

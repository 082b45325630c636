package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.trai.ch/e3/internal/orchestrator"
)

func (c *CLI) newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <workspace>",
		Short: "List a workspace's execution events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := args[0]

			repoDir, err := c.repoDir(cmd)
			if err != nil {
				return err
			}
			since, _ := cmd.Flags().GetUint64("since")

			events, err := c.orch.GetEvents(orchestrator.ExecutionHandle{Repo: repoDir, Workspace: workspace}, since)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, ev := range events {
				fmt.Fprintf(out, "%d %s %s\n", ev.Seq, ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.Kind)
			}
			return nil
		},
	}
	cmd.Flags().Uint64("since", 0, "Only show events with sequence number greater than this")
	return cmd
}

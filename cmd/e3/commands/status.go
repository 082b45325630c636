package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.trai.ch/e3/internal/orchestrator"
)

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workspace>",
		Short: "Show a workspace's execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := args[0]

			repoDir, err := c.repoDir(cmd)
			if err != nil {
				return err
			}

			summary, err := c.orch.GetStatus(orchestrator.ExecutionHandle{Repo: repoDir, Workspace: workspace})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", summary.Status)
			printTaskList(out, "completed", summary.Completed)
			printTaskList(out, "running", summary.Running)
			printTaskList(out, "pending", summary.Pending)
			printTaskList(out, "failed", summary.Failed)
			printTaskList(out, "skipped", summary.Skipped)
			return nil
		},
	}
}

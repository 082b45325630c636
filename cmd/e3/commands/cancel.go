package commands

import (
	"github.com/spf13/cobra"

	"go.trai.ch/e3/internal/orchestrator"
)

func (c *CLI) newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workspace> <execution-id>",
		Short: "Cancel an in-flight execution tracked by this process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, id := args[0], args[1]

			repoDir, err := c.repoDir(cmd)
			if err != nil {
				return err
			}

			return c.orch.Cancel(orchestrator.ExecutionHandle{ID: id, Repo: repoDir, Workspace: workspace})
		},
	}
}

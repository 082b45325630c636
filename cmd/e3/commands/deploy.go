package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.trai.ch/e3/internal/core/domain"
)

func (c *CLI) newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <workspace> <package-ref>",
		Short: "Deploy a package into a workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, pkgRef := args[0], args[1]

			repoDir, err := c.repoDir(cmd)
			if err != nil {
				return err
			}
			engine, err := c.orch.Engine(repoDir)
			if err != nil {
				return err
			}

			lock, err := engine.Locks.Acquire(workspace, domain.LockOperationDeployment)
			if err != nil {
				return err
			}
			defer lock.Release() //nolint:errcheck

			state, err := engine.Workspaces.Deploy(workspace, pkgRef)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deployed %s@%s to %q (root %s)\n",
				state.PackageName, state.PackageVersion, workspace, state.RootHash.String())
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.trai.ch/e3/internal/adapters/advisorylock"
)

func (c *CLI) newLockStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock-status <workspace>",
		Short: "Dump a workspace's lock holder, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := args[0]

			repoDir, err := c.repoDir(cmd)
			if err != nil {
				return err
			}
			engine, err := c.orch.Engine(repoDir)
			if err != nil {
				return err
			}

			locks, ok := engine.Locks.(*advisorylock.Service)
			if !ok {
				return fmt.Errorf("lock service does not support debug dumps")
			}
			dump, err := locks.Debug(workspace)
			if err != nil {
				return err
			}
			if dump == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no lock held\n", workspace)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), dump)
			return nil
		},
	}
}

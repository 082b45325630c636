package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.trai.ch/e3/internal/gc"
)

func (c *CLI) newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Sweep objects unreachable from any workspace, package, or execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repoDir, err := c.repoDir(cmd)
			if err != nil {
				return err
			}
			engine, err := c.orch.Engine(repoDir)
			if err != nil {
				return err
			}

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			minAge, _ := cmd.Flags().GetDuration("min-age")

			collector := gc.New(repoDir, engine.Objects, engine.Trees, engine.Workspaces,
				engine.Packages, engine.Execs, engine.Logger)
			report, err := collector.Run(cmd.Context(), gc.Options{DryRun: dryRun, MinAge: minAge})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"retained=%d deleted=%d deleted_partials=%d skipped_young=%d bytes_freed=%d\n",
				report.RetainedObjects, report.DeletedObjects, report.DeletedPartials,
				report.SkippedYoung, report.BytesFreed)
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "Compute the report without deleting anything")
	cmd.Flags().Duration("min-age", gc.DefaultMinAge, "Minimum object/temp-file age eligible for deletion")
	return cmd
}

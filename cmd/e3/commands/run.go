package commands

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"go.trai.ch/e3/internal/orchestrator"
)

func (c *CLI) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workspace> [targets...]",
		Short: "Run a workspace's dataflow, rebuilding out-of-date tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, targets := args[0], args[1:]

			repoDir, err := c.repoDir(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			concurrency, _ := cmd.Flags().GetInt("concurrency")

			handle, err := c.orch.Start(repoDir, workspace, orchestrator.StartOptions{
				Concurrency: concurrency,
				Force:       force,
				Filter:      targets,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				_ = c.orch.Cancel(handle)
			}()

			result, err := c.orch.Wait(handle)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "executed=%d cached=%d failed=%d skipped=%d duration=%s\n",
				result.Executed, result.Cached, result.Failed, result.Skipped, result.Duration)
			if !result.Success {
				return fmt.Errorf("execution %s did not complete successfully", handle.ID)
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Ignore cached build info and rebuild every selected task")
	cmd.Flags().Int("concurrency", runtime.NumCPU(), "Maximum number of tasks to run concurrently")
	return cmd
}

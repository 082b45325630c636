// Package commands implements the e3 CLI commands.
package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/e3/internal/orchestrator"
)

// CLI represents the command line interface for e3.
type CLI struct {
	orch    *orchestrator.Orchestrator
	locator ports.RepoLocator
	rootCmd *cobra.Command
}

// New creates a new CLI instance calling into orch, resolving the
// repository root for each invocation via locator.
func New(orch *orchestrator.Orchestrator, locator ports.RepoLocator) *CLI {
	rootCmd := &cobra.Command{
		Use:           "e3",
		Short:         "Content-addressed dataflow execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("repo", "r", "", "Repository root (default: discovered from E3_REPO or cwd)")
	rootCmd.PersistentFlags().String("state-backend", orchestrator.StateBackendFile,
		"Execution state store backend: file or bolt")

	c := &CLI{
		orch:    orch,
		locator: locator,
		rootCmd: rootCmd,
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		backend, _ := cmd.Flags().GetString("state-backend")
		if backend != orchestrator.StateBackendFile && backend != orchestrator.StateBackendBolt {
			return domain.WithField(domain.ErrInvalid, "state_backend", backend)
		}
		c.orch.SetStateBackend(backend)
		return nil
	}

	rootCmd.AddCommand(c.newDeployCmd())
	rootCmd.AddCommand(c.newRunCmd())
	rootCmd.AddCommand(c.newStatusCmd())
	rootCmd.AddCommand(c.newCancelCmd())
	rootCmd.AddCommand(c.newEventsCmd())
	rootCmd.AddCommand(c.newLockStatusCmd())
	rootCmd.AddCommand(c.newGCCmd())
	rootCmd.AddCommand(c.newPackageCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// repoDir resolves the repository root for one command invocation from the
// persistent --repo flag and the process's working directory.
func (c *CLI) repoDir(cmd *cobra.Command) (string, error) {
	explicit, _ := cmd.Flags().GetString("repo")
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return c.locator.Locate(explicit, cwd)
}

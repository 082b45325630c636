package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.trai.ch/e3/internal/core/domain"
)

func (c *CLI) newPackageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Import and inspect packages",
	}
	cmd.AddCommand(c.newPackageImportCmd())
	cmd.AddCommand(c.newPackageListCmd())
	return cmd
}

func (c *CLI) newPackageImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <name> <version> <root-hash> <zip-path>",
		Short: "Import a package zip's objects and record its (name, version) reference",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, version, rootArg, zipPath := args[0], args[1], args[2], args[3]

			root, err := domain.ParseHash(rootArg)
			if err != nil {
				return err
			}

			repoDir, err := c.repoDir(cmd)
			if err != nil {
				return err
			}
			engine, err := c.orch.Engine(repoDir)
			if err != nil {
				return err
			}

			//nolint:gosec // zipPath is an explicit CLI argument
			f, err := os.Open(zipPath)
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck

			info, err := f.Stat()
			if err != nil {
				return err
			}

			force, _ := cmd.Flags().GetBool("force")
			ref, err := engine.Packages.Import(name, version, root, f, info.Size(), force)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %s@%s (hash %s)\n", ref.Name, ref.Version, ref.Hash.String())
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing (name, version) reference pointing at a different hash")
	return cmd
}

func (c *CLI) newPackageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List imported packages",
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

			refs, err := engine.Packages.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, ref := range refs {
				fmt.Fprintf(out, "%s@%s %s %s",
					ref.Name, ref.Version, ref.Hash.String(),
					time.Unix(ref.ImportedAt, 0).UTC().Format(time.RFC3339))
				if m, ok, err := engine.Packages.Manifest(ref.Name, ref.Version); err == nil && ok && m.Description != "" {
					fmt.Fprintf(out, " - %s", m.Description)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

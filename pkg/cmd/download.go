package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/agentpkg/npmresolver/pkg/tarball"
)

func newDownloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download <name> <version> <dir>",
		Short: "Download a package tarball into a directory",
		Long:  "Writes <dir>/<name>-<version>.tgz, with scoped names flattened to scope-name, and prints its absolute path.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path, err := tarball.DownloadTarball(ctx, afero.NewOsFs(), &lazyRegistry{app: a}, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

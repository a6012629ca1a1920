package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentpkg/npmresolver/pkg/logging"
)

func newReleasesCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "releases <source>",
		Short: "List the published versions of a package",
		Long: `Lists every published version of the package named by an npm:<name>=<target>
source as [{"target": ..., "version": ...}].`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			releases, err := a.resolver().Releases(ctx, args[0])
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Debug("listed releases", "source", args[0], "count", len(releases))
			return writeResult(cmd.OutOrStdout(), format, releases)
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", formatJSON, "output format: json or yaml")
	return cmd
}

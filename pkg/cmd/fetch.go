package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentpkg/npmresolver/pkg/resolver"
)

func newFetchCmd(a *app) *cobra.Command {
	var (
		target        string
		cachedVersion string
	)

	cmd := &cobra.Command{
		Use:   "fetch <source>",
		Short: "Download and unpack a package into a temp directory",
		Long: `Downloads the package for an npm:<name>=<target> source and unpacks it.
Prints {"tempPath": ..., "removeIgnores": true}; the host owns tempPath afterwards.

With --cached-version set the host already has a copy and null is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ep := resolver.Endpoint{Source: args[0], Target: target}

			var cached *resolver.Cached
			if cachedVersion != "" {
				cached = &resolver.Cached{Version: cachedVersion}
			}

			res, err := a.resolver().Fetch(ctx, ep, cached)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), formatJSON, res)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "resolved version to fetch (defaults to the source target)")
	cmd.Flags().StringVar(&cachedVersion, "cached-version", "", "version the host already has cached")
	return cmd
}

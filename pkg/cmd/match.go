package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentpkg/npmresolver/pkg/source"
)

func newMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <source>",
		Short: "Report whether a source is handled by this resolver",
		Long:  "Prints true when the source starts with npm:, false otherwise. Exits 0 either way.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), source.Match(args[0]))
			return nil
		},
		// matching needs neither config nor a registry client
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
}

package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/agentpkg/npmresolver/pkg/config"
	"github.com/agentpkg/npmresolver/pkg/npm"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the configuration interactively",
		Long: `Prompts for the backend and registry settings and writes ~/.npmresolver/config.toml.

With --local the settings go to npmresolver.local.toml in the current directory
instead, and the file is added to .gitignore.`,
		RunE: runInit,
		// init writes the config; skip loading it in the root PersistentPreRunE.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	cmd.Flags().Bool("local", false, "write the project-local config")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	local, err := cmd.Flags().GetBool("local")
	if err != nil {
		return err
	}

	cfg, err := promptConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if !local {
		path, err := config.WriteGlobalConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	if err := config.WriteLocalConfig(wd, cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", config.LocalConfigFile)

	added, err := config.IgnoreLocalConfig(afero.NewOsFs(), wd)
	if err != nil {
		return err
	}
	if added {
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to .gitignore\n", config.LocalConfigFile)
	}
	return nil
}

// promptConfig uses huh to ask for the settings worth persisting.
func promptConfig() (*config.Config, error) {
	cfg := &config.Config{Backend: config.BackendNPM, LogLevel: "info"}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("How should npmresolver reach the registry?").
				Options(
					huh.NewOption("npm binary (uses the npm cache)", config.BackendNPM),
					huh.NewOption("registry HTTP API", config.BackendHTTP),
				).
				Value(&cfg.Backend),
			huh.NewInput().
				Title("Registry URL").
				Placeholder(npm.DefaultRegistry).
				Value(&cfg.Registry),
			huh.NewSelect[string]().
				Title("Log level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&cfg.LogLevel),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Registry token (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Token),
		).WithHideFunc(func() bool { return cfg.Backend != config.BackendHTTP }),
	).Run()
	if err != nil {
		return nil, fmt.Errorf("prompt failed: %w", err)
	}

	return cfg, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/t77yq/rmm-automation/internal/config"
	"github.com/t77yq/rmm-automation/internal/seed"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "rmmd",
		Short:         "Telemetry alerting and remediation workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file (default ./config/config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, evaluation workers and workflow engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, v, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, v)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the config and seed file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.SeedFile != "" {
				f, err := seed.Load(cfg.SeedFile)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seed file: %d rules, %d workflows, %d schedules\n",
					len(f.Rules), len(f.Workflows), len(f.Schedules))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	})

	return root
}

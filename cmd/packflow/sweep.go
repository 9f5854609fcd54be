package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep of pending executions and due chain steps",
		Long: `Runs a single pass of the sweeper and prints its report as JSON.

Useful from cron when serve runs with engine.sweep_interval set to 0.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cfg), appOptions{connect: true})
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.newSweeper().Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweeping: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/packflow/internal/automation"
)

func newCatalogCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the pack catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>...",
		Short: "Upsert packs, triggers and chains from catalog files",
		Long: `Imports one or more catalog files. Records are keyed by name, so
importing the same file twice updates rows in place.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cfg), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			for _, path := range args {
				report, err := importCatalog(cmd, a, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d packs, %d triggers, %d chains\n",
					path, report.Packs, report.Triggers, report.Chains)
			}
			return nil
		},
	})
	return cmd
}

func importCatalog(cmd *cobra.Command, a *app, path string) (automation.ImportReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return automation.ImportReport{}, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	catalog, err := automation.LoadCatalog(f)
	if err != nil {
		return automation.ImportReport{}, fmt.Errorf("%s: %w", path, err)
	}
	report, err := catalog.Import(cmd.Context(), a.packs, a.repo)
	if err != nil {
		return report, fmt.Errorf("%s: %w", path, err)
	}
	return report, nil
}

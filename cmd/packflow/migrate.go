package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/packflow/internal/infrastructure/database"
	"github.com/nerrad567/packflow/migrations"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage schema migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, err := openRawDatabase(cmd, opts)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := db.Migrate(cmd.Context(), migrations.FS); err != nil {
					return fmt.Errorf("running migrations: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, err := openRawDatabase(cmd, opts)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := db.MigrateDown(cmd.Context(), migrations.FS); err != nil {
					return fmt.Errorf("rolling back: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, err := openRawDatabase(cmd, opts)
				if err != nil {
					return err
				}
				defer db.Close()

				applied, pending, err := db.GetMigrationStatus(cmd.Context(), migrations.FS)
				if err != nil {
					return fmt.Errorf("reading migration status: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATE")
				for _, m := range applied {
					fmt.Fprintf(w, "%s\tapplied\n", m.Version)
				}
				for _, m := range pending {
					fmt.Fprintf(w, "%s\tpending\n", m.Version)
				}
				return w.Flush()
			},
		},
	)
	return cmd
}

// openRawDatabase opens the configured database without migrating it.
func openRawDatabase(cmd *cobra.Command, opts *rootOptions) (*database.DB, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.Open(cmd.Context(), database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

package database_test

import (
	"context"
	"testing"

	"github.com/nerrad567/packflow/internal/infrastructure/database"
	"github.com/nerrad567/packflow/migrations"
)

func TestProjectMigrationsApplyAndRevert(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	for _, table := range []string{
		"prompt_packs", "prompt_pack_steps", "automation_triggers", "automation_events",
		"automation_executions", "automation_chains", "chain_executions", "pack_runs",
		"profiles", "startups", "lean_canvases", "tasks", "validation_reports",
		"pitch_decks", "pitch_deck_slides", "audit_log",
	} {
		var name string
		if err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	for {
		applied, _, err := db.GetMigrationStatus(ctx, migrations.FS)
		if err != nil {
			t.Fatalf("GetMigrationStatus() error = %v", err)
		}
		if len(applied) == 0 {
			break
		}
		if err := db.MigrateDown(ctx, migrations.FS); err != nil {
			t.Fatalf("MigrateDown() error = %v", err)
		}
	}
}

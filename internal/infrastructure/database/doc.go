// Package database provides SQLite connectivity for packflow.
//
// This package manages:
//   - Database connection with WAL mode for concurrent readers
//   - Schema migrations read from an fs.FS (the migrations package embeds them)
//   - Transaction helpers
//
// All queries use parameterised statements and the database file is
// created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns must be nullable or carry a default,
// and each .up.sql has a matching .down.sql.
package database

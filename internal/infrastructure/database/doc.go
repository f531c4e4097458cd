// Package database provides the bridge's local SQLite store.
//
// The store is small: it holds the audit trail of commands, faults and
// rediscovery requests plus the schema_migrations bookkeeping table. It
// is opened with WAL mode and a busy timeout, limited to a single
// connection, and migrated from SQL files embedded in the binary.
//
// Usage:
//
//	db, err := database.Open(database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive. Each version ships a .up.sql and a .down.sql
// file named YYYYMMDD_HHMMSS_description, and is applied in its own
// transaction.
package database

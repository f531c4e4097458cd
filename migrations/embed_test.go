package migrations

import (
	"context"
	"testing"

	"github.com/nerrad567/gray-logic-connector/internal/infrastructure/database"
)

func TestEmbeddedMigrationsApply(t *testing.T) {
	db, err := database.Open(database.Config{Path: ":memory:", BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs").Scan(&count); err != nil {
		t.Fatalf("audit_logs not queryable: %v", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) == 0 || len(pending) != 0 {
		t.Errorf("applied = %d, pending = %d", len(applied), len(pending))
	}

	for range applied {
		if err := db.MigrateDown(ctx); err != nil {
			t.Fatalf("MigrateDown() error = %v", err)
		}
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs").Scan(&count); err == nil {
		t.Error("audit_logs still present after full rollback")
	}
}

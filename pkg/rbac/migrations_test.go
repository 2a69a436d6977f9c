package rbac

import (
	"context"
	"testing"
)

func TestGetMigrationsOrderedAndUnique(t *testing.T) {
	migrations := GetMigrations()
	if len(migrations) == 0 {
		t.Fatal("expected at least one migration")
	}

	seen := make(map[int]bool)
	for i, m := range migrations {
		if m.Version <= 0 {
			t.Errorf("migration %d has non-positive version %d", i, m.Version)
		}
		if seen[m.Version] {
			t.Errorf("duplicate migration version %d", m.Version)
		}
		seen[m.Version] = true
		if i > 0 && m.Version <= migrations[i-1].Version {
			t.Errorf("migration versions not strictly increasing at index %d: %d <= %d", i, m.Version, migrations[i-1].Version)
		}
		if m.Description == "" {
			t.Errorf("migration %d has no description", m.Version)
		}
		if m.SQL == "" {
			t.Errorf("migration %d has no SQL", m.Version)
		}
	}
}

func TestRunMigrationsAppliesAndIsIdempotent(t *testing.T) {
	db := RequireDatabase(t)
	defer db.Close()
	ctx := context.Background()

	if err := RunMigrations(ctx, db, nil); err != nil {
		t.Fatalf("RunMigrations first pass: %v", err)
	}
	if err := RunMigrations(ctx, db, nil); err != nil {
		t.Fatalf("RunMigrations second pass should be a no-op, got %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rbac_migrations").Scan(&count); err != nil {
		t.Fatalf("count rbac_migrations: %v", err)
	}
	if count != len(GetMigrations()) {
		t.Fatalf("rbac_migrations has %d rows, want %d", count, len(GetMigrations()))
	}

	for _, table := range []string{
		"role_evaluation_uuid", "role_evaluation_int",
		"role_team_assignment", "role_user_assignment",
		"object_role_provides_team", "object_role_team", "object_role_user",
		"object_role", "role_definition_permission", "role_definition",
		"permission", "content_type", "rbac_migrations",
	} {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("cleanup %s: %v", table, err)
		}
	}
}

package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsgraph/rbacengine/pkg/observability"
)

// Migration is one versioned, idempotent schema step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the full ordered migration set backing the stores
// in this package (content_type through role_evaluation_int/uuid).
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create content_type table",
			SQL: `
				CREATE TABLE IF NOT EXISTS content_type (
					id BIGSERIAL PRIMARY KEY,
					app_label VARCHAR(255) NOT NULL DEFAULT '',
					model VARCHAR(255) NOT NULL,
					pk_kind SMALLINT NOT NULL DEFAULT 0,
					UNIQUE(app_label, model)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create permission table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission (
					id BIGSERIAL PRIMARY KEY,
					codename VARCHAR(255) NOT NULL,
					content_type_id BIGINT NOT NULL REFERENCES content_type(id) ON DELETE CASCADE,
					UNIQUE(codename, content_type_id)
				);

				CREATE INDEX idx_permission_content_type_id ON permission(content_type_id);
			`,
		},
		{
			Version:     3,
			Description: "Create role_definition table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_definition (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					content_type_id BIGINT REFERENCES content_type(id) ON DELETE CASCADE,
					managed BOOLEAN NOT NULL DEFAULT FALSE,
					permissions_cache JSONB NOT NULL DEFAULT '[]',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					created_by BIGINT
				);

				CREATE INDEX idx_role_definition_content_type_id ON role_definition(content_type_id);
			`,
		},
		{
			Version:     4,
			Description: "Create role_definition_permission table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_definition_permission (
					role_definition_id BIGINT NOT NULL REFERENCES role_definition(id) ON DELETE CASCADE,
					permission_id BIGINT,
					codename VARCHAR(255) NOT NULL,
					content_type_id BIGINT NOT NULL,
					PRIMARY KEY (role_definition_id, codename, content_type_id)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create object_role table",
			SQL: `
				CREATE TABLE IF NOT EXISTS object_role (
					id BIGSERIAL PRIMARY KEY,
					role_definition_id BIGINT NOT NULL REFERENCES role_definition(id) ON DELETE CASCADE,
					content_type_id BIGINT NOT NULL REFERENCES content_type(id) ON DELETE CASCADE,
					object_id TEXT NOT NULL,
					UNIQUE(role_definition_id, content_type_id, object_id)
				);

				CREATE INDEX idx_object_role_content_object ON object_role(content_type_id, object_id);
			`,
		},
		{
			Version:     6,
			Description: "Create object_role_user table",
			SQL: `
				CREATE TABLE IF NOT EXISTS object_role_user (
					object_role_id BIGINT NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL,
					PRIMARY KEY (object_role_id, user_id)
				);

				CREATE INDEX idx_object_role_user_user_id ON object_role_user(user_id);
			`,
		},
		{
			Version:     7,
			Description: "Create object_role_team table",
			SQL: `
				CREATE TABLE IF NOT EXISTS object_role_team (
					object_role_id BIGINT NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
					team_id TEXT NOT NULL,
					PRIMARY KEY (object_role_id, team_id)
				);

				CREATE INDEX idx_object_role_team_team_id ON object_role_team(team_id);
			`,
		},
		{
			Version:     8,
			Description: "Create object_role_provides_team table",
			SQL: `
				CREATE TABLE IF NOT EXISTS object_role_provides_team (
					object_role_id BIGINT NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
					team_id TEXT NOT NULL,
					PRIMARY KEY (object_role_id, team_id)
				);

				CREATE INDEX idx_object_role_provides_team_team_id ON object_role_provides_team(team_id);
			`,
		},
		{
			Version:     9,
			Description: "Create role_user_assignment table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_user_assignment (
					id BIGSERIAL PRIMARY KEY,
					role_definition_id BIGINT NOT NULL REFERENCES role_definition(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL,
					object_role_id BIGINT REFERENCES object_role(id) ON DELETE CASCADE,
					created_by BIGINT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(user_id, object_role_id)
				);

				CREATE UNIQUE INDEX idx_role_user_assignment_global
					ON role_user_assignment(user_id, role_definition_id)
					WHERE object_role_id IS NULL;
				CREATE INDEX idx_role_user_assignment_role_definition_id ON role_user_assignment(role_definition_id);
			`,
		},
		{
			Version:     10,
			Description: "Create role_team_assignment table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_team_assignment (
					id BIGSERIAL PRIMARY KEY,
					role_definition_id BIGINT NOT NULL REFERENCES role_definition(id) ON DELETE CASCADE,
					team_id TEXT NOT NULL,
					object_role_id BIGINT REFERENCES object_role(id) ON DELETE CASCADE,
					created_by BIGINT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(team_id, object_role_id)
				);

				CREATE UNIQUE INDEX idx_role_team_assignment_global
					ON role_team_assignment(team_id, role_definition_id)
					WHERE object_role_id IS NULL;
				CREATE INDEX idx_role_team_assignment_role_definition_id ON role_team_assignment(role_definition_id);
			`,
		},
		{
			Version:     11,
			Description: "Create role_evaluation_int table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_evaluation_int (
					id BIGSERIAL PRIMARY KEY,
					role_id BIGINT NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
					content_type_id BIGINT NOT NULL REFERENCES content_type(id) ON DELETE CASCADE,
					object_id BIGINT NOT NULL,
					codename VARCHAR(255) NOT NULL,
					UNIQUE(role_id, content_type_id, object_id, codename)
				);

				CREATE INDEX idx_role_evaluation_int_lookup ON role_evaluation_int(role_id, content_type_id, object_id);
				CREATE INDEX idx_role_evaluation_int_accessible ON role_evaluation_int(role_id, content_type_id, codename);
			`,
		},
		{
			Version:     12,
			Description: "Create role_evaluation_uuid table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_evaluation_uuid (
					id BIGSERIAL PRIMARY KEY,
					role_id BIGINT NOT NULL REFERENCES object_role(id) ON DELETE CASCADE,
					content_type_id BIGINT NOT NULL REFERENCES content_type(id) ON DELETE CASCADE,
					object_id UUID NOT NULL,
					codename VARCHAR(255) NOT NULL,
					UNIQUE(role_id, content_type_id, object_id, codename)
				);

				CREATE INDEX idx_role_evaluation_uuid_lookup ON role_evaluation_uuid(role_id, content_type_id, object_id);
				CREATE INDEX idx_role_evaluation_uuid_accessible ON role_evaluation_uuid(role_id, content_type_id, codename);
			`,
		},
	}
}

// RunMigrations applies every pending migration in order, recording each in
// rbac_migrations so re-running is a no-op.
//
// Grounded on the teacher's pkg/rbac/migrations.go RunMigrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		logger.Infof("running migration %d: %s", migration.Version, migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

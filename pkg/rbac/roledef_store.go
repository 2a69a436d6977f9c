package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RoleDefinitionStore persists role definitions and their permission sets.
//
// Grounded on the teacher's pkg/rbac/store.go SQL idiom ($1,$2,... Postgres
// placeholders, RETURNING id on insert, explicit sql.NullX scanning) and on
// ansible_base/rbac/models/role_definition.py for the get-or-create and
// global-permission semantics.
type RoleDefinitionStore struct {
	db *sql.DB
}

// NewRoleDefinitionStore wraps an existing database handle.
func NewRoleDefinitionStore(db *sql.DB) *RoleDefinitionStore {
	return &RoleDefinitionStore{db: db}
}

// Create inserts a new role definition along with its permission set.
// Permissions must already exist in the permission catalog (content_type_id
// + codename pairs); this does not create catalog rows.
func (s *RoleDefinitionStore) Create(ctx context.Context, rd RoleDefinition) (RoleDefinition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RoleDefinition{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	permJSON, err := json.Marshal(rd.Permissions)
	if err != nil {
		return RoleDefinition{}, fmt.Errorf("failed to marshal permissions: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO role_definition (name, description, content_type_id, managed, permissions_cache, created_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		rd.Name, rd.Description, rd.ContentTypeID, rd.Managed, permJSON, time.Now().UTC(), rd.CreatedBy,
	).Scan(&rd.ID)
	if err != nil {
		return RoleDefinition{}, fmt.Errorf("failed to create role definition: %w", err)
	}

	for _, p := range rd.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_definition_permission (role_definition_id, codename, content_type_id)
			 VALUES ($1, $2, $3)`,
			rd.ID, p.Codename, p.ContentTypeID,
		); err != nil {
			return RoleDefinition{}, fmt.Errorf("failed to attach permission %s: %w", p.Codename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return RoleDefinition{}, fmt.Errorf("failed to commit role definition: %w", err)
	}
	return rd, nil
}

// GetByID loads a role definition and its permissions.
func (s *RoleDefinitionStore) GetByID(ctx context.Context, id int64) (RoleDefinition, error) {
	var rd RoleDefinition
	var contentTypeID sql.NullInt64
	var createdBy sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, content_type_id, managed, created_at, created_by
		 FROM role_definition WHERE id = $1`, id,
	).Scan(&rd.ID, &rd.Name, &rd.Description, &contentTypeID, &rd.Managed, &rd.CreatedAt, &createdBy)
	if err == sql.ErrNoRows {
		return RoleDefinition{}, fmt.Errorf("%w: role definition %d", ErrNotFound, id)
	}
	if err != nil {
		return RoleDefinition{}, fmt.Errorf("failed to get role definition: %w", err)
	}
	if contentTypeID.Valid {
		v := contentTypeID.Int64
		rd.ContentTypeID = &v
	}
	if createdBy.Valid {
		v := createdBy.Int64
		rd.CreatedBy = &v
	}

	rd.Permissions, err = s.loadPermissions(ctx, rd.ID)
	if err != nil {
		return RoleDefinition{}, err
	}
	return rd, nil
}

func (s *RoleDefinitionStore) loadPermissions(ctx context.Context, roleDefinitionID int64) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT codename, content_type_id FROM role_definition_permission WHERE role_definition_id = $1`,
		roleDefinitionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Codename, &p.ContentTypeID); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// permissionSetKey produces a stable, order-independent key for a
// permission set, used both for the get-or-create lookup and for the
// redis cache key in cache.go.
func permissionSetKey(permissions []Permission) string {
	codenames := make([]string, len(permissions))
	for i, p := range permissions {
		codenames[i] = fmt.Sprintf("%d:%s", p.ContentTypeID, p.Codename)
	}
	sort.Strings(codenames)
	return strings.Join(codenames, ",")
}

// GetOrCreate finds an existing role definition whose permission set equals
// permissions (ignoring name) and returns it; otherwise creates one.
//
// Grounded on RoleDefinition.objects.create_from_permissions's "two role
// definitions with identical permission sets are the same definition"
// invariant (spec.md §3).
func (s *RoleDefinitionStore) GetOrCreate(ctx context.Context, name, description string, contentTypeID *int64, permissions []Permission) (RoleDefinition, error) {
	wantKey := permissionSetKey(permissions)

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM role_definition`)
	if err != nil {
		return RoleDefinition{}, fmt.Errorf("failed to scan role definitions: %w", err)
	}
	var candidateIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return RoleDefinition{}, fmt.Errorf("failed to scan role definition id: %w", err)
		}
		candidateIDs = append(candidateIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return RoleDefinition{}, err
	}

	for _, id := range candidateIDs {
		existing, err := s.GetByID(ctx, id)
		if err != nil {
			continue
		}
		if permissionSetKey(existing.Permissions) == wantKey {
			return existing, nil
		}
	}

	return s.Create(ctx, RoleDefinition{
		Name:          name,
		Description:   description,
		ContentTypeID: contentTypeID,
		Permissions:   permissions,
	})
}

// Delete removes a role definition. Managed role definitions cannot be
// deleted through this path (spec.md §3 "A role definition marked managed
// is immutable from the API").
func (s *RoleDefinitionStore) Delete(ctx context.Context, id int64) error {
	rd, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rd.Managed {
		return fmt.Errorf("%w: role definition %s is managed and cannot be deleted", ErrValidation, rd.Name)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM role_definition WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete role definition: %w", err)
	}
	return nil
}

// ListByName finds a role definition by its unique name.
func (s *RoleDefinitionStore) ListByName(ctx context.Context, name string) (RoleDefinition, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM role_definition WHERE name = $1`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return RoleDefinition{}, fmt.Errorf("%w: role definition %q", ErrNotFound, name)
	}
	if err != nil {
		return RoleDefinition{}, fmt.Errorf("failed to look up role definition by name: %w", err)
	}
	return s.GetByID(ctx, id)
}

package rbac

import (
	"context"
	"database/sql"
	"fmt"
)

// ObjectRoleStore persists object roles and their users/teams/provides_teams
// edge sets.
//
// Grounded on ansible_base/rbac/models/object_role.py: ObjectRole.save's
// immutability guard ("use RoleDefinition.give_permission method" instead of
// mutating an existing row) and descendent_roles.
type ObjectRoleStore struct {
	db *sql.DB
}

// NewObjectRoleStore wraps an existing database handle.
func NewObjectRoleStore(db *sql.DB) *ObjectRoleStore {
	return &ObjectRoleStore{db: db}
}

// GetOrCreate finds the object role for (roleDefinitionID, contentTypeID,
// objectID) or creates it, returning whether it was newly created.
func (s *ObjectRoleStore) GetOrCreate(ctx context.Context, tx *sql.Tx, roleDefinitionID, contentTypeID int64, objectID string) (ObjectRole, bool, error) {
	var or ObjectRole
	err := tx.QueryRowContext(ctx,
		`SELECT id, role_definition_id, content_type_id, object_id FROM object_role
		 WHERE role_definition_id = $1 AND content_type_id = $2 AND object_id = $3`,
		roleDefinitionID, contentTypeID, objectID,
	).Scan(&or.ID, &or.RoleDefinitionID, &or.ContentTypeID, &or.ObjectID)
	if err == nil {
		return or, false, nil
	}
	if err != sql.ErrNoRows {
		return ObjectRole{}, false, fmt.Errorf("failed to look up object role: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO object_role (role_definition_id, content_type_id, object_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (role_definition_id, content_type_id, object_id) DO UPDATE SET object_id = EXCLUDED.object_id
		 RETURNING id`,
		roleDefinitionID, contentTypeID, objectID,
	).Scan(&or.ID)
	if err != nil {
		return ObjectRole{}, false, fmt.Errorf("failed to create object role: %w", err)
	}
	or.RoleDefinitionID = roleDefinitionID
	or.ContentTypeID = contentTypeID
	or.ObjectID = objectID
	return or, true, nil
}

// GetByID loads a single object role.
func (s *ObjectRoleStore) GetByID(ctx context.Context, id int64) (ObjectRole, error) {
	var or ObjectRole
	err := s.db.QueryRowContext(ctx,
		`SELECT id, role_definition_id, content_type_id, object_id FROM object_role WHERE id = $1`, id,
	).Scan(&or.ID, &or.RoleDefinitionID, &or.ContentTypeID, &or.ObjectID)
	if err == sql.ErrNoRows {
		return ObjectRole{}, fmt.Errorf("%w: object role %d", ErrNotFound, id)
	}
	if err != nil {
		return ObjectRole{}, fmt.Errorf("failed to get object role: %w", err)
	}
	return or, nil
}

// Delete removes an object role (and, via FK cascade, its edge-set rows).
func (s *ObjectRoleStore) Delete(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM object_role WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete object role: %w", err)
	}
	return nil
}

// HasActors reports whether the object role has at least one user or team.
func (s *ObjectRoleStore) HasActors(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT (SELECT count(*) FROM object_role_user WHERE object_role_id = $1) +
		        (SELECT count(*) FROM object_role_team WHERE object_role_id = $1)`,
		id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count object role actors: %w", err)
	}
	return count > 0, nil
}

// AddUser / RemoveUser / AddTeam / RemoveTeam maintain the direct actor
// edges on an object role.
func (s *ObjectRoleStore) AddUser(ctx context.Context, tx *sql.Tx, objectRoleID, userID int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO object_role_user (object_role_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		objectRoleID, userID)
	if err != nil {
		return fmt.Errorf("failed to add user to object role: %w", err)
	}
	return nil
}

func (s *ObjectRoleStore) RemoveUser(ctx context.Context, tx *sql.Tx, objectRoleID, userID int64) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM object_role_user WHERE object_role_id = $1 AND user_id = $2`, objectRoleID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove user from object role: %w", err)
	}
	return nil
}

func (s *ObjectRoleStore) AddTeam(ctx context.Context, tx *sql.Tx, objectRoleID int64, teamID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO object_role_team (object_role_id, team_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		objectRoleID, teamID)
	if err != nil {
		return fmt.Errorf("failed to add team to object role: %w", err)
	}
	return nil
}

func (s *ObjectRoleStore) RemoveTeam(ctx context.Context, tx *sql.Tx, objectRoleID int64, teamID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM object_role_team WHERE object_role_id = $1 AND team_id = $2`, objectRoleID, teamID)
	if err != nil {
		return fmt.Errorf("failed to remove team from object role: %w", err)
	}
	return nil
}

// DirectObjectRoleIDsForUser returns every object role id userID is a direct
// actor on. The materializer folds team-inherited grants onto these same
// rows, so this is the complete role set an evaluation needs.
func (s *ObjectRoleStore) DirectObjectRoleIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT object_role_id FROM object_role_user WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load direct object roles for user: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TeamsOf returns the team actor ids directly holding objectRoleID.
func (s *ObjectRoleStore) TeamsOf(ctx context.Context, objectRoleID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT team_id FROM object_role_team WHERE object_role_id = $1`, objectRoleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load object role teams: %w", err)
	}
	defer rows.Close()

	var teamIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		teamIDs = append(teamIDs, id)
	}
	return teamIDs, rows.Err()
}

// AllObjectRoleIDsWithProvidesTeams returns every object role id that
// currently has at least one provides_teams edge, so a full team-membership
// recompute can find roles whose edge set must be cleared entirely.
func (s *ObjectRoleStore) AllObjectRoleIDsWithProvidesTeams(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT object_role_id FROM object_role_provides_team`)
	if err != nil {
		return nil, fmt.Errorf("failed to load object roles with provides_teams: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProvidesTeams returns the ids of teams whose membership is granted by
// holding objectRoleID (the derived edge set the materializer writes).
func (s *ObjectRoleStore) ProvidesTeams(ctx context.Context, objectRoleID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT team_id FROM object_role_provides_team WHERE object_role_id = $1`, objectRoleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load provides_teams: %w", err)
	}
	defer rows.Close()

	var teamIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan provides_teams row: %w", err)
		}
		teamIDs = append(teamIDs, id)
	}
	return teamIDs, rows.Err()
}

// DescendantRoles returns every object role held by any team in
// or.ProvidesTeams — "the roles you implicitly have if you have this role".
//
// Grounded on ObjectRole.descendent_roles.
func (s *ObjectRoleStore) DescendantRoles(ctx context.Context, teamContentTypeID int64, objectRoleID int64) ([]ObjectRole, error) {
	teamIDs, err := s.ProvidesTeams(ctx, objectRoleID)
	if err != nil {
		return nil, err
	}
	if len(teamIDs) == 0 {
		return nil, nil
	}

	seen := make(map[int64]bool)
	var descendants []ObjectRole
	for _, teamID := range teamIDs {
		rows, err := s.db.QueryContext(ctx,
			`SELECT r.id, r.role_definition_id, r.content_type_id, r.object_id
			 FROM object_role r
			 JOIN object_role_team t ON t.object_role_id = r.id
			 WHERE t.team_id = $1`, teamID)
		if err != nil {
			return nil, fmt.Errorf("failed to load team has_roles: %w", err)
		}
		for rows.Next() {
			var or ObjectRole
			if err := rows.Scan(&or.ID, &or.RoleDefinitionID, &or.ContentTypeID, &or.ObjectID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan team has_roles row: %w", err)
			}
			if !seen[or.ID] {
				seen[or.ID] = true
				descendants = append(descendants, or)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return descendants, nil
}

// teamHasRolesDirect returns the object roles directly held by teamID (not
// recursing through further provides_teams hops — the materializer walks
// those itself one provides_teams edge at a time).
func (s *ObjectRoleStore) teamHasRolesDirect(ctx context.Context, teamID string) ([]ObjectRole, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.role_definition_id, r.content_type_id, r.object_id
		 FROM object_role r
		 JOIN object_role_team t ON t.object_role_id = r.id
		 WHERE t.team_id = $1`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team has_roles: %w", err)
	}
	defer rows.Close()

	var result []ObjectRole
	for rows.Next() {
		var or ObjectRole
		if err := rows.Scan(&or.ID, &or.RoleDefinitionID, &or.ContentTypeID, &or.ObjectID); err != nil {
			return nil, err
		}
		result = append(result, or)
	}
	return result, rows.Err()
}

// SetProvidesTeams replaces the provides_teams edge set for objectRoleID
// with exactly wantTeamIDs, diffing against the current set so unrelated
// rows are untouched — mirrors compute_team_member_roles's add/remove delta
// application (caching.go) but scoped to one object role's derived edge.
func (s *ObjectRoleStore) SetProvidesTeams(ctx context.Context, tx *sql.Tx, objectRoleID int64, wantTeamIDs []string) error {
	want := make(map[string]bool, len(wantTeamIDs))
	for _, id := range wantTeamIDs {
		want[id] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT team_id FROM object_role_provides_team WHERE object_role_id = $1`, objectRoleID)
	if err != nil {
		return fmt.Errorf("failed to load current provides_teams: %w", err)
	}
	current := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		current[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for id := range want {
		if !current[id] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO object_role_provides_team (object_role_id, team_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				objectRoleID, id); err != nil {
				return fmt.Errorf("failed to add provides_team: %w", err)
			}
		}
	}
	for id := range current {
		if !want[id] {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM object_role_provides_team WHERE object_role_id = $1 AND team_id = $2`,
				objectRoleID, id); err != nil {
				return fmt.Errorf("failed to remove provides_team: %w", err)
			}
		}
	}
	return nil
}

// ObjectRolesForContentObject returns every object role whose target is
// (contentTypeID, objectID) — used when a resource is deleted or reparented.
func (s *ObjectRoleStore) ObjectRolesForContentObject(ctx context.Context, contentTypeID int64, objectID string) ([]ObjectRole, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role_definition_id, content_type_id, object_id FROM object_role
		 WHERE content_type_id = $1 AND object_id = $2`, contentTypeID, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load object roles for content object: %w", err)
	}
	defer rows.Close()

	var result []ObjectRole
	for rows.Next() {
		var or ObjectRole
		if err := rows.Scan(&or.ID, &or.RoleDefinitionID, &or.ContentTypeID, &or.ObjectID); err != nil {
			return nil, err
		}
		result = append(result, or)
	}
	return result, rows.Err()
}

// ObjectRolesForDefinition returns every object role bound to roleDefinitionID.
func (s *ObjectRoleStore) ObjectRolesForDefinition(ctx context.Context, roleDefinitionID int64) ([]ObjectRole, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role_definition_id, content_type_id, object_id FROM object_role WHERE role_definition_id = $1`,
		roleDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load object roles for definition: %w", err)
	}
	defer rows.Close()

	var result []ObjectRole
	for rows.Next() {
		var or ObjectRole
		if err := rows.Scan(&or.ID, &or.RoleDefinitionID, &or.ContentTypeID, &or.ObjectID); err != nil {
			return nil, err
		}
		result = append(result, or)
	}
	return result, rows.Err()
}

// AllObjectRoles returns every object role in the system — used for the
// full-recompute path (post_clear on a role definition's permission set).
func (s *ObjectRoleStore) AllObjectRoles(ctx context.Context) ([]ObjectRole, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, role_definition_id, content_type_id, object_id FROM object_role`)
	if err != nil {
		return nil, fmt.Errorf("failed to load all object roles: %w", err)
	}
	defer rows.Close()

	var result []ObjectRole
	for rows.Next() {
		var or ObjectRole
		if err := rows.Scan(&or.ID, &or.RoleDefinitionID, &or.ContentTypeID, &or.ObjectID); err != nil {
			return nil, err
		}
		result = append(result, or)
	}
	return result, rows.Err()
}

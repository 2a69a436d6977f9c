package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UserAssignment is an immutable record linking a user to an object role
// (or, for global roles, directly to a role definition).
type UserAssignment struct {
	ID               int64
	RoleDefinitionID int64
	UserID           int64
	ObjectRoleID     *int64 // nil for a global assignment
	CreatedBy        *int64
	CreatedAt        time.Time
}

// TeamAssignment mirrors UserAssignment for team actors.
type TeamAssignment struct {
	ID               int64
	RoleDefinitionID int64
	TeamID           string
	ObjectRoleID     *int64
	CreatedBy        *int64
	CreatedAt        time.Time
}

// AssignmentStore persists user/team assignment records.
//
// Grounded on ansible_base/rbac/models/role_definition.py's
// give_or_remove_permission (the find-or-create-assignment-record half) and
// the teacher's AssignRoleToUser/AssignRoleToTeam in pkg/rbac/store.go.
type AssignmentStore struct {
	db *sql.DB
}

// NewAssignmentStore wraps an existing database handle.
func NewAssignmentStore(db *sql.DB) *AssignmentStore {
	return &AssignmentStore{db: db}
}

// GetOrCreateUserAssignment finds-or-creates the (userID, objectRoleID)
// assignment row. objectRoleID is nil for a global assignment, in which
// case uniqueness is on (userID, roleDefinitionID) instead.
func (s *AssignmentStore) GetOrCreateUserAssignment(ctx context.Context, tx *sql.Tx, roleDefinitionID, userID int64, objectRoleID *int64, createdBy *int64) (UserAssignment, bool, error) {
	var existing UserAssignment
	var scanObjectRoleID sql.NullInt64
	var scanCreatedBy sql.NullInt64

	var err error
	if objectRoleID != nil {
		err = tx.QueryRowContext(ctx,
			`SELECT id, role_definition_id, user_id, object_role_id, created_by, created_at
			 FROM role_user_assignment WHERE user_id = $1 AND object_role_id = $2`,
			userID, *objectRoleID,
		).Scan(&existing.ID, &existing.RoleDefinitionID, &existing.UserID, &scanObjectRoleID, &scanCreatedBy, &existing.CreatedAt)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT id, role_definition_id, user_id, object_role_id, created_by, created_at
			 FROM role_user_assignment WHERE user_id = $1 AND role_definition_id = $2 AND object_role_id IS NULL`,
			userID, roleDefinitionID,
		).Scan(&existing.ID, &existing.RoleDefinitionID, &existing.UserID, &scanObjectRoleID, &scanCreatedBy, &existing.CreatedAt)
	}
	if err == nil {
		if scanObjectRoleID.Valid {
			v := scanObjectRoleID.Int64
			existing.ObjectRoleID = &v
		}
		if scanCreatedBy.Valid {
			v := scanCreatedBy.Int64
			existing.CreatedBy = &v
		}
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return UserAssignment{}, false, fmt.Errorf("failed to look up user assignment: %w", err)
	}

	ua := UserAssignment{RoleDefinitionID: roleDefinitionID, UserID: userID, ObjectRoleID: objectRoleID, CreatedBy: createdBy, CreatedAt: time.Now().UTC()}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO role_user_assignment (role_definition_id, user_id, object_role_id, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		ua.RoleDefinitionID, ua.UserID, ua.ObjectRoleID, ua.CreatedBy, ua.CreatedAt,
	).Scan(&ua.ID)
	if err != nil {
		return UserAssignment{}, false, fmt.Errorf("failed to create user assignment: %w", err)
	}
	return ua, true, nil
}

// DeleteUserAssignment removes the (userID, objectRoleID) assignment row.
// Idempotent: no error if it does not exist.
func (s *AssignmentStore) DeleteUserAssignment(ctx context.Context, tx *sql.Tx, userID int64, objectRoleID *int64) error {
	var err error
	if objectRoleID != nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM role_user_assignment WHERE user_id = $1 AND object_role_id = $2`, userID, *objectRoleID)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM role_user_assignment WHERE user_id = $1 AND object_role_id IS NULL`, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete user assignment: %w", err)
	}
	return nil
}

// GetOrCreateTeamAssignment mirrors GetOrCreateUserAssignment for a team actor.
func (s *AssignmentStore) GetOrCreateTeamAssignment(ctx context.Context, tx *sql.Tx, roleDefinitionID int64, teamID string, objectRoleID *int64, createdBy *int64) (TeamAssignment, bool, error) {
	var existing TeamAssignment
	var scanObjectRoleID sql.NullInt64
	var scanCreatedBy sql.NullInt64

	var err error
	if objectRoleID != nil {
		err = tx.QueryRowContext(ctx,
			`SELECT id, role_definition_id, team_id, object_role_id, created_by, created_at
			 FROM role_team_assignment WHERE team_id = $1 AND object_role_id = $2`,
			teamID, *objectRoleID,
		).Scan(&existing.ID, &existing.RoleDefinitionID, &existing.TeamID, &scanObjectRoleID, &scanCreatedBy, &existing.CreatedAt)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT id, role_definition_id, team_id, object_role_id, created_by, created_at
			 FROM role_team_assignment WHERE team_id = $1 AND role_definition_id = $2 AND object_role_id IS NULL`,
			teamID, roleDefinitionID,
		).Scan(&existing.ID, &existing.RoleDefinitionID, &existing.TeamID, &scanObjectRoleID, &scanCreatedBy, &existing.CreatedAt)
	}
	if err == nil {
		if scanObjectRoleID.Valid {
			v := scanObjectRoleID.Int64
			existing.ObjectRoleID = &v
		}
		if scanCreatedBy.Valid {
			v := scanCreatedBy.Int64
			existing.CreatedBy = &v
		}
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return TeamAssignment{}, false, fmt.Errorf("failed to look up team assignment: %w", err)
	}

	ta := TeamAssignment{RoleDefinitionID: roleDefinitionID, TeamID: teamID, ObjectRoleID: objectRoleID, CreatedBy: createdBy, CreatedAt: time.Now().UTC()}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO role_team_assignment (role_definition_id, team_id, object_role_id, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		ta.RoleDefinitionID, ta.TeamID, ta.ObjectRoleID, ta.CreatedBy, ta.CreatedAt,
	).Scan(&ta.ID)
	if err != nil {
		return TeamAssignment{}, false, fmt.Errorf("failed to create team assignment: %w", err)
	}
	return ta, true, nil
}

// DeleteTeamAssignment removes the (teamID, objectRoleID) assignment row.
func (s *AssignmentStore) DeleteTeamAssignment(ctx context.Context, tx *sql.Tx, teamID string, objectRoleID *int64) error {
	var err error
	if objectRoleID != nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM role_team_assignment WHERE team_id = $1 AND object_role_id = $2`, teamID, *objectRoleID)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM role_team_assignment WHERE team_id = $1 AND object_role_id IS NULL`, teamID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete team assignment: %w", err)
	}
	return nil
}

// GlobalRoleDefinitionIDsForUser returns the role definitions userID holds
// as a global (singleton) assignment.
func (s *AssignmentStore) GlobalRoleDefinitionIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role_definition_id FROM role_user_assignment WHERE user_id = $1 AND object_role_id IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load global role definitions for user: %w", err)
	}
	defer rows.Close()
	return scanInt64Column(rows)
}

// GlobalRoleDefinitionIDsForTeams returns the role definitions any of
// teamIDs holds as a global (singleton) assignment.
func (s *AssignmentStore) GlobalRoleDefinitionIDsForTeams(ctx context.Context, teamIDs []string) ([]int64, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(teamIDs))
	args := make([]interface{}, len(teamIDs))
	for i, id := range teamIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT role_definition_id FROM role_team_assignment WHERE object_role_id IS NULL AND team_id IN (%s)`,
		strings.Join(placeholders, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load global role definitions for teams: %w", err)
	}
	defer rows.Close()
	return scanInt64Column(rows)
}

func scanInt64Column(rows *sql.Rows) ([]int64, error) {
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

// TeamActorAssignments returns every team assignment whose team actor is
// actorTeamID, object-scoped and global alike, without filtering on the
// role definition's permissions.
func (s *AssignmentStore) TeamActorAssignments(ctx context.Context, actorTeamID string) ([]TeamAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role_definition_id, team_id, object_role_id, created_by, created_at
		 FROM role_team_assignment WHERE team_id = $1`, actorTeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team actor assignments: %w", err)
	}
	defer rows.Close()

	var result []TeamAssignment
	for rows.Next() {
		var ta TeamAssignment
		var scanObjectRoleID, scanCreatedBy sql.NullInt64
		if err := rows.Scan(&ta.ID, &ta.RoleDefinitionID, &ta.TeamID, &scanObjectRoleID, &scanCreatedBy, &ta.CreatedAt); err != nil {
			return nil, err
		}
		if scanObjectRoleID.Valid {
			v := scanObjectRoleID.Int64
			ta.ObjectRoleID = &v
		}
		if scanCreatedBy.Valid {
			v := scanCreatedBy.Int64
			ta.CreatedBy = &v
		}
		result = append(result, ta)
	}
	return result, rows.Err()
}

package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsgraph/rbacengine/pkg/observability"
)

// Triggers is the explicit replacement for the source's Django ORM signal
// handlers (post_save, post_delete, post_init, m2m_changed): every event
// that can invalidate the evaluation cache has a named entry point here,
// called directly by engine.go instead of firing implicitly off an ORM
// write.
//
// Grounded on ansible_base/rbac/triggers.py.
type Triggers struct {
	db           *sql.DB
	reg          *Registry
	roleDefs     *RoleDefinitionStore
	objectRoles  *ObjectRoleStore
	assignments  *AssignmentStore
	materializer *Materializer
	teamGraph    *TeamGraph
	teamPermCodename string
	logger       *observability.Logger
}

// NewTriggers wires the trigger layer's dependencies.
func NewTriggers(db *sql.DB, reg *Registry, roleDefs *RoleDefinitionStore, objectRoles *ObjectRoleStore, assignments *AssignmentStore, materializer *Materializer, teamGraph *TeamGraph, teamPermCodename string, logger *observability.Logger) *Triggers {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Triggers{db: db, reg: reg, roleDefs: roleDefs, objectRoles: objectRoles, assignments: assignments, materializer: materializer, teamGraph: teamGraph, teamPermCodename: teamPermCodename, logger: logger}
}

// onAssignmentChanged computes which object roles need their evaluation
// cache recomputed, and whether the team graph as a whole needs
// recomputing, after a single user/team assignment is created or removed.
//
// Grounded on triggers.py's needed_updates_on_assignment.
func (t *Triggers) onAssignmentChanged(ctx context.Context, rd RoleDefinition, actor Actor, or ObjectRole, created, giving bool) (recomputeTeams bool, toUpdate []ObjectRole, err error) {
	seen := make(map[int64]ObjectRole)
	add := func(r ObjectRole) { seen[r.ID] = r }

	if created {
		add(or)
	}

	hasTeamPerm := rd.HasCodename(t.teamPermCodename)
	changesTeamOwners := false

	if actor.IsTeam() {
		teamModel, ok := t.reg.Get(t.reg.TeamModelName())
		if ok {
			teamCTID := teamModel.ContentTypeID()
			affected, err := t.objectRolesGrantingTeamPermOn(ctx, teamCTID, actor.TeamID)
			if err != nil {
				return false, nil, err
			}
			for _, r := range affected {
				add(r)
			}
		}
		if !giving {
			descendants, err := t.objectRoles.DescendantRoles(ctx, mustTeamContentTypeID(t.reg), or.ID)
			if err != nil {
				return false, nil, err
			}
			for _, r := range descendants {
				add(r)
			}
		}
		changesTeamOwners = true
	}

	deleted := false
	if !giving {
		hasActors, err := t.objectRoleHasAnyActors(ctx, or.ID)
		if err != nil {
			return false, nil, err
		}
		if !hasActors {
			delete(seen, or.ID)
			deleted = true
		}
	}

	if (hasTeamPerm && created) || (giving && changesTeamOwners) {
		descendants, err := t.objectRoles.DescendantRoles(ctx, mustTeamContentTypeID(t.reg), or.ID)
		if err != nil {
			return false, nil, err
		}
		for _, r := range descendants {
			add(r)
		}
	}

	recomputeTeams = hasTeamPerm && (created || deleted || changesTeamOwners)

	for _, r := range seen {
		toUpdate = append(toUpdate, r)
	}
	return recomputeTeams, toUpdate, nil
}

// updateAfterAssignment applies the output of onAssignmentChanged: an
// optional full team-graph recompute followed by a materializer pass scoped
// to toUpdate.
func (t *Triggers) updateAfterAssignment(ctx context.Context, tx *sql.Tx, recomputeTeams bool, toUpdate []ObjectRole) error {
	if recomputeTeams && t.teamGraph != nil {
		if err := t.teamGraph.Recompute(ctx, tx); err != nil {
			return fmt.Errorf("failed to recompute team graph: %w", err)
		}
	}
	if len(toUpdate) == 0 {
		return nil
	}
	return t.materializer.Materialize(ctx, tx, toUpdate)
}

// onRoleDefinitionPermissionsChanged handles a role definition's permission
// set being edited (add, remove, or cleared-then-replaced). cleared
// indicates a post_clear-equivalent event, which forces a full recompute
// since the individual changed permissions are not known (spec.md §9 open
// question c resolution: unconditional full recompute on clear).
//
// Grounded on triggers.py's permissions_changed (m2m_changed signal).
func (t *Triggers) onRoleDefinitionPermissionsChanged(ctx context.Context, tx *sql.Tx, roleDefinitionID int64, changedCodenames []string, cleared bool) error {
	objectRoles, err := t.objectRoles.ObjectRolesForDefinition(ctx, roleDefinitionID)
	if err != nil {
		return err
	}
	if len(objectRoles) == 0 && !cleared {
		return nil
	}

	if cleared {
		if t.teamGraph != nil {
			if err := t.teamGraph.Recompute(ctx, tx); err != nil {
				return err
			}
		}
		return t.materializer.Materialize(ctx, tx, nil)
	}

	touchesTeamPerm := false
	for _, c := range changedCodenames {
		if c == t.teamPermCodename {
			touchesTeamPerm = true
			break
		}
	}

	toRecompute := make(map[int64]ObjectRole, len(objectRoles))
	for _, or := range objectRoles {
		toRecompute[or.ID] = or
	}
	if touchesTeamPerm {
		for _, or := range objectRoles {
			descendants, err := t.objectRoles.DescendantRoles(ctx, mustTeamContentTypeID(t.reg), or.ID)
			if err != nil {
				return err
			}
			for _, d := range descendants {
				toRecompute[d.ID] = d
			}
		}
		if t.teamGraph != nil {
			if err := t.teamGraph.Recompute(ctx, tx); err != nil {
				return err
			}
		}
	}

	var roles []ObjectRole
	for _, or := range toRecompute {
		roles = append(roles, or)
	}
	return t.materializer.Materialize(ctx, tx, roles)
}

// NotifyResourceCreated handles a freshly created resource that may sit
// under an existing parent object role — evaluations granted at the parent
// level need to extend to the new row.
//
// Grounded on triggers.py's post_save_update_obj_permissions (created path).
func (t *Triggers) NotifyResourceCreated(ctx context.Context, tx *sql.Tx, resourceContentTypeID int64, objectID string, parentContentTypeID int64, parentObjectID string) error {
	if parentObjectID == "" {
		return nil
	}
	toUpdate, err := t.objectRoles.ObjectRolesForContentObject(ctx, parentContentTypeID, parentObjectID)
	if err != nil {
		return err
	}
	if len(toUpdate) == 0 {
		return nil
	}

	if teamModelName := t.reg.TeamModelName(); teamModelName != "" {
		if teamModel, ok := t.reg.Get(teamModelName); ok && teamModel.ContentTypeID() == resourceContentTypeID {
			if t.teamGraph != nil {
				if err := t.teamGraph.Recompute(ctx, tx); err != nil {
					return err
				}
			}
		}
	}

	return t.materializer.Materialize(ctx, tx, toUpdate)
}

// NotifyResourceReparented handles a resource moving from one parent to
// another (e.g. an inventory's organization changing) — both the old and
// new parent's object roles must be recomputed, along with any ancestor
// team roles that indirectly reach the old parent's object roles.
//
// Grounded on triggers.py's post_save_update_obj_permissions (reparent path)
// and recompute_object_role_permissions's change-detection guard.
func (t *Triggers) NotifyResourceReparented(ctx context.Context, tx *sql.Tx, parentContentTypeID int64, oldParentObjectID, newParentObjectID string) error {
	if oldParentObjectID == newParentObjectID {
		return nil
	}

	toUpdate := make(map[int64]ObjectRole)
	for _, parentObjectID := range []string{oldParentObjectID, newParentObjectID} {
		if parentObjectID == "" {
			continue
		}
		roles, err := t.objectRoles.ObjectRolesForContentObject(ctx, parentContentTypeID, parentObjectID)
		if err != nil {
			return err
		}
		for _, r := range roles {
			toUpdate[r.ID] = r
		}
	}

	for _, or := range toUpdate {
		ancestors, err := t.ancestorsProvidingTeamsFor(ctx, or.ID)
		if err != nil {
			return err
		}
		for _, a := range ancestors {
			toUpdate[a.ID] = a
		}
	}

	if parentModel, ok := t.reg.GetByContentTypeID(parentContentTypeID); ok {
		if parentModel.Name() == t.reg.TeamModelName() && t.teamGraph != nil {
			if err := t.teamGraph.Recompute(ctx, tx); err != nil {
				return err
			}
		}
	}

	var roles []ObjectRole
	for _, or := range toUpdate {
		roles = append(roles, or)
	}
	if len(roles) == 0 {
		return nil
	}
	return t.materializer.Materialize(ctx, tx, roles)
}

// NotifyTeamDeleted cascades a team's deletion: any object role that only
// existed to grant membership in this team needs its downstream (team
// member) evaluations recomputed, the team graph rebuilt, and the team's
// own object roles removed.
//
// Grounded on triggers.py's remove_object_roles (team-specific branch).
func (t *Triggers) NotifyTeamDeleted(ctx context.Context, tx *sql.Tx, teamContentTypeID int64, teamObjectID string) error {
	ownRoles, err := t.objectRoles.ObjectRolesForContentObject(ctx, teamContentTypeID, teamObjectID)
	if err != nil {
		return err
	}

	indirectlyAffected := make(map[int64]ObjectRole)
	holderRoles, err := t.objectRoles.teamHasRolesDirect(ctx, teamObjectID)
	if err != nil {
		return err
	}
	for _, hr := range holderRoles {
		descendants, err := t.objectRoles.DescendantRoles(ctx, teamContentTypeID, hr.ID)
		if err != nil {
			return err
		}
		for _, d := range descendants {
			indirectlyAffected[d.ID] = d
		}
	}

	if t.teamGraph != nil {
		if err := t.teamGraph.Recompute(ctx, tx); err != nil {
			return err
		}
	}

	var roles []ObjectRole
	for _, or := range indirectlyAffected {
		roles = append(roles, or)
	}
	if len(roles) > 0 {
		if err := t.materializer.Materialize(ctx, tx, roles); err != nil {
			return err
		}
	}

	for _, or := range ownRoles {
		if err := t.objectRoles.Delete(ctx, tx, or.ID); err != nil {
			return err
		}
	}
	return nil
}

// objectRolesGrantingTeamPermOn returns the object roles that grant team
// membership permissions directly on the given team object.
func (t *Triggers) objectRolesGrantingTeamPermOn(ctx context.Context, teamContentTypeID int64, teamObjectID string) ([]ObjectRole, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT DISTINCT orl.id, orl.role_definition_id, orl.content_type_id, orl.object_id
		 FROM object_role orl
		 JOIN role_definition_permission p ON p.role_definition_id = orl.role_definition_id
		 WHERE p.codename = $1 AND orl.content_type_id = $2 AND orl.object_id = $3`,
		t.teamPermCodename, teamContentTypeID, teamObjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load object roles granting team permission: %w", err)
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

// ancestorsProvidingTeamsFor returns the object roles whose provides_teams
// set transitively reaches a team that holds or.
func (t *Triggers) ancestorsProvidingTeamsFor(ctx context.Context, objectRoleID int64) ([]ObjectRole, error) {
	teamIDs, err := t.objectRoles.TeamsOf(ctx, objectRoleID)
	if err != nil {
		return nil, err
	}
	var result []ObjectRole
	for _, teamID := range teamIDs {
		rows, err := t.db.QueryContext(ctx,
			`SELECT r.id, r.role_definition_id, r.content_type_id, r.object_id
			 FROM object_role r
			 JOIN object_role_provides_team p ON p.object_role_id = r.id
			 WHERE p.team_id = $1`, teamID)
		if err != nil {
			return nil, fmt.Errorf("failed to load ancestor roles: %w", err)
		}
		for rows.Next() {
			var or ObjectRole
			if err := rows.Scan(&or.ID, &or.RoleDefinitionID, &or.ContentTypeID, &or.ObjectID); err != nil {
				rows.Close()
				return nil, err
			}
			result = append(result, or)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// objectRoleHasAnyActors reports whether an object role still has a user or
// team actor attached, read outside of any transaction. onAssignmentChanged
// calls it after the assignment has committed to decide whether the object
// role lost its last actor; ObjectRoleStore.HasActors is the variant that
// reads inside a transaction.
func (t *Triggers) objectRoleHasAnyActors(ctx context.Context, objectRoleID int64) (bool, error) {
	var count int
	err := t.db.QueryRowContext(ctx,
		`SELECT (SELECT count(*) FROM object_role_user WHERE object_role_id = $1) +
		        (SELECT count(*) FROM object_role_team WHERE object_role_id = $1)`,
		objectRoleID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count object role actors: %w", err)
	}
	return count > 0, nil
}

// mustTeamContentTypeID resolves the registered team model's content type
// id, or -1 if no team model is registered.
func mustTeamContentTypeID(reg *Registry) int64 {
	teamName := reg.TeamModelName()
	if teamName == "" {
		return -1
	}
	rt, ok := reg.Get(teamName)
	if !ok {
		return -1
	}
	return rt.ContentTypeID()
}

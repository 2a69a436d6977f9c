package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsgraph/rbacengine/pkg/observability"
)

// TeamGraph fills in the provides_teams edge on every object role: the set
// of teams whose membership is conferred by holding that role.
//
// Grounded on ansible_base/rbac/caching.py's all_team_parents and
// compute_team_member_roles.
type TeamGraph struct {
	db               *sql.DB
	reg              *Registry
	objectRoles      *ObjectRoleStore
	teamPermCodename string
	logger           *observability.Logger
}

// NewTeamGraph wires a TeamGraph. teamPermCodename is the permission
// codename that confers team membership (spec.md's team_permission, e.g.
// "member_team").
func NewTeamGraph(db *sql.DB, reg *Registry, objectRoles *ObjectRoleStore, teamPermCodename string, logger *observability.Logger) *TeamGraph {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &TeamGraph{db: db, reg: reg, objectRoles: objectRoles, teamPermCodename: teamPermCodename, logger: logger}
}

// allTeamParents walks the team-team graph iteratively (DFS with an
// explicit seen-set) to collect every ancestor team of teamID, tolerating
// cycles in the graph.
//
// Grounded on caching.py's all_team_parents, translated from recursion into
// an explicit stack per spec.md's "recursion only where the source's own
// recursion depth is bounded by application config, otherwise an explicit
// stack/queue" guidance (spec.md §4.6).
func allTeamParents(teamID string, teamTeamParents map[string][]string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), teamTeamParents[teamID]...)
	for len(stack) > 0 {
		n := len(stack) - 1
		parentID := stack[n]
		stack = stack[:n]
		if seen[parentID] {
			continue
		}
		seen[parentID] = true
		stack = append(stack, teamTeamParents[parentID]...)
	}
	return seen
}

// directMemberRoleRow is one object role that lists teamPermCodename.
type directMemberRoleRow struct {
	ObjectRole ObjectRole
	TeamActors []string
}

// rolesGrantingTeamMembership loads every object role whose role definition
// lists teamPermCodename, along with its directly-assigned team actors.
func (g *TeamGraph) rolesGrantingTeamMembership(ctx context.Context) ([]directMemberRoleRow, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT DISTINCT orl.id, orl.role_definition_id, orl.content_type_id, orl.object_id
		 FROM object_role orl
		 JOIN role_definition_permission p ON p.role_definition_id = orl.role_definition_id
		 WHERE p.codename = $1`, g.teamPermCodename)
	if err != nil {
		return nil, fmt.Errorf("failed to load team-granting object roles: %w", err)
	}

	var result []directMemberRoleRow
	for rows.Next() {
		var or ObjectRole
		if err := rows.Scan(&or.ID, &or.RoleDefinitionID, &or.ContentTypeID, &or.ObjectID); err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, directMemberRoleRow{ObjectRole: or})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range result {
		teams, err := g.objectRoles.TeamsOf(ctx, result[i].ObjectRole.ID)
		if err != nil {
			return nil, err
		}
		result[i].TeamActors = teams
	}
	return result, nil
}

// Recompute fills in provides_teams for every object role, globally. This
// is always run as a whole-graph pass, matching compute_team_member_roles's
// "always ran globally" contract — team membership cannot be recomputed
// correctly one team at a time because of the parent-team traversal.
func (g *TeamGraph) Recompute(ctx context.Context, tx *sql.Tx) error {
	teamModelName := g.reg.TeamModelName()
	if teamModelName == "" {
		return nil
	}
	teamModel, ok := g.reg.Get(teamModelName)
	if !ok {
		return fmt.Errorf("%w: registered team model %s not found", ErrConfiguration, teamModelName)
	}
	teamEnumerator, ok := teamModel.(ChildEnumerator)
	if !ok {
		return fmt.Errorf("%w: team model %s does not implement ChildEnumerator", ErrConfiguration, teamModelName)
	}
	orgModel, hasOrgParent := g.reg.ParentOf(teamModelName)
	var orgContentTypeID int64 = -1
	if hasOrgParent {
		orgContentTypeID = orgModel.ContentTypeID()
	}

	rows, err := g.rolesGrantingTeamMembership(ctx)
	if err != nil {
		return err
	}

	directMemberRoles := make(map[string][]int64)  // team_id -> object_role ids that grant its membership
	teamTeamParents := make(map[string][]string)   // team_id -> team_ids whose roles also grant it
	orgTeamCache := make(map[string][]string)

	teamsUnder := func(orgID string) ([]string, error) {
		if ids, ok := orgTeamCache[orgID]; ok {
			return ids, nil
		}
		ids, err := teamEnumerator.ChildIDs(orgID)
		if err != nil {
			return nil, err
		}
		orgTeamCache[orgID] = ids
		return ids, nil
	}

	for _, row := range rows {
		or := row.ObjectRole
		switch {
		case or.ContentTypeID == teamModel.ContentTypeID():
			directMemberRoles[or.ObjectID] = append(directMemberRoles[or.ObjectID], or.ID)
			for _, actorTeamID := range row.TeamActors {
				teamTeamParents[or.ObjectID] = append(teamTeamParents[or.ObjectID], actorTeamID)
			}
		case hasOrgParent && or.ContentTypeID == orgContentTypeID:
			teamIDs, err := teamsUnder(or.ObjectID)
			if err != nil {
				return fmt.Errorf("failed to enumerate teams under organization %s: %w", or.ObjectID, err)
			}
			for _, teamID := range teamIDs {
				directMemberRoles[teamID] = append(directMemberRoles[teamID], or.ID)
				for _, actorTeamID := range row.TeamActors {
					teamTeamParents[teamID] = append(teamTeamParents[teamID], actorTeamID)
				}
			}
		default:
			g.logger.Warnf("object role %d grants team membership from an unsupported content type %d", or.ID, or.ContentTypeID)
		}
	}

	allMemberRoles := make(map[string]map[int64]bool)
	for teamID, roleIDs := range directMemberRoles {
		set := make(map[int64]bool, len(roleIDs))
		for _, id := range roleIDs {
			set[id] = true
		}
		for parentTeamID := range allTeamParents(teamID, teamTeamParents) {
			for _, id := range directMemberRoles[parentTeamID] {
				set[id] = true
			}
		}
		allMemberRoles[teamID] = set
	}

	objectRoleProvides := make(map[int64]map[string]bool)
	for teamID, roleSet := range allMemberRoles {
		for roleID := range roleSet {
			if objectRoleProvides[roleID] == nil {
				objectRoleProvides[roleID] = make(map[string]bool)
			}
			objectRoleProvides[roleID][teamID] = true
		}
	}

	existingRoleIDs, err := g.objectRoles.AllObjectRoleIDsWithProvidesTeams(ctx)
	if err != nil {
		return err
	}
	toReconcile := make(map[int64]bool, len(existingRoleIDs)+len(objectRoleProvides))
	for _, id := range existingRoleIDs {
		toReconcile[id] = true
	}
	for id := range objectRoleProvides {
		toReconcile[id] = true
	}

	for roleID := range toReconcile {
		wantTeams := make([]string, 0, len(objectRoleProvides[roleID]))
		for teamID := range objectRoleProvides[roleID] {
			wantTeams = append(wantTeams, teamID)
		}
		if err := g.objectRoles.SetProvidesTeams(ctx, tx, roleID, wantTeams); err != nil {
			return fmt.Errorf("failed to set provides_teams for object role %d: %w", roleID, err)
		}
	}
	return nil
}

package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsgraph/rbacengine/pkg/observability"
)

// BypassConfig carries the superuser/action-bypass flag names consulted
// before touching the evaluation cache at all.
//
// Grounded on evaluations.py's has_super_permission
// (ROLE_BYPASS_SUPERUSER_FLAGS / ROLE_BYPASS_ACTION_FLAGS).
type BypassConfig struct {
	// SuperuserFlags are UserAttributes.Attribute names that, if true on the
	// user, grant every permission unconditionally.
	SuperuserFlags []string
	// ActionFlags maps a permission-codename prefix (e.g. "view") to a
	// UserAttributes.Attribute name that bypasses the cache for any
	// codename with that prefix.
	ActionFlags map[string]string
}

// hasSuperPermission mirrors has_super_permission: true if any superuser
// flag is set, or any action-bypass flag matching codename's prefix is set.
func hasSuperPermission(user UserAttributes, codename string, cfg BypassConfig) bool {
	for _, flag := range cfg.SuperuserFlags {
		if user.Attribute(flag) {
			return true
		}
	}
	for action, flag := range cfg.ActionFlags {
		if strings.HasPrefix(codename, action) && user.Attribute(flag) {
			return true
		}
	}
	return false
}

// Evaluator answers permission questions against the materialized
// evaluation cache, plus the on-demand (non-cached) global-permission path.
//
// Grounded on ansible_base/rbac/evaluations.py and
// ansible_base/rbac/models/role_definition.py's user_global_permissions.
type Evaluator struct {
	reg         *Registry
	objectRoles *ObjectRoleStore
	assignments *AssignmentStore
	roleDefs    *RoleDefinitionStore
	evalStore   *EvaluationStore
	bypass      BypassAndRoleConfig
	bypassFlags BypassConfig
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewEvaluator wires the evaluator's dependencies.
func NewEvaluator(reg *Registry, objectRoles *ObjectRoleStore, assignments *AssignmentStore, roleDefs *RoleDefinitionStore, evalStore *EvaluationStore, bypass BypassAndRoleConfig, bypassFlags BypassConfig, logger *observability.Logger, metrics *observability.Metrics) *Evaluator {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Evaluator{reg: reg, objectRoles: objectRoles, assignments: assignments, roleDefs: roleDefs, evalStore: evalStore, bypass: bypass, bypassFlags: bypassFlags, logger: logger, metrics: metrics}
}

// roleIDsForUser returns the object role ids userID can draw evaluations
// from. The materializer folds every team-inherited grant onto the object
// roles the user directly holds, so no further traversal is needed here.
func (e *Evaluator) roleIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	return e.objectRoles.DirectObjectRoleIDsForUser(ctx, userID)
}

// HasObjPerm reports whether user holds codename on (contentTypeID, objectID),
// checking bypass flags before consulting the evaluation cache.
//
// Grounded on evaluations.py's bound_has_obj_perm.
func (e *Evaluator) HasObjPerm(ctx context.Context, user UserAttributes, contentTypeID int64, objectID, codename string) (bool, error) {
	start := time.Now()
	result, err := e.hasObjPerm(ctx, user, contentTypeID, objectID, codename)
	if e.metrics != nil && err == nil {
		e.metrics.ObserveEvaluation("has_obj_perm", time.Since(start), !result)
	}
	return result, err
}

func (e *Evaluator) hasObjPerm(ctx context.Context, user UserAttributes, contentTypeID int64, objectID, codename string) (bool, error) {
	if hasSuperPermission(user, codename, e.bypassFlags) {
		return true, nil
	}
	roleIDs, err := e.roleIDsForUser(ctx, user.ID())
	if err != nil {
		return false, err
	}
	if len(roleIDs) == 0 {
		return false, nil
	}
	return e.evalStore.HasObjPermTuple(ctx, e.reg, contentTypeID, objectID, roleIDs, codename)
}

// AccessibleIDs returns the object ids of contentTypeID that user holds
// codename on, respecting bypass flags (an unrestricted "all ids" sentinel
// is represented by a nil slice with a true allObjects flag, since the
// engine does not own a full enumeration of every resource).
//
// Grounded on evaluations.py's AccessibleIdsDescriptor.
func (e *Evaluator) AccessibleIDs(ctx context.Context, user UserAttributes, contentTypeID int64, codename string) (ids []string, allObjects bool, err error) {
	start := time.Now()
	ids, allObjects, err = e.accessibleIDs(ctx, user, contentTypeID, codename)
	if e.metrics != nil && err == nil {
		e.metrics.ObserveEvaluation("accessible_ids", time.Since(start), false)
	}
	return ids, allObjects, err
}

func (e *Evaluator) accessibleIDs(ctx context.Context, user UserAttributes, contentTypeID int64, codename string) ([]string, bool, error) {
	if hasSuperPermission(user, codename, e.bypassFlags) {
		return nil, true, nil
	}
	roleIDs, err := e.roleIDsForUser(ctx, user.ID())
	if err != nil {
		return nil, false, err
	}
	if len(roleIDs) == 0 {
		return nil, false, nil
	}
	ids, err := e.evalStore.AccessibleIDs(ctx, e.reg, contentTypeID, roleIDs, codename)
	return ids, false, err
}

// SingletonPermissions returns the set of permissions user holds through
// global role definitions, either assigned directly or via a team the user
// is a member of. This bypasses the evaluation cache entirely, as global
// roles never materialize into RoleEvaluation rows.
//
// Grounded on role_definition.py's user_global_permissions.
func (e *Evaluator) SingletonPermissions(ctx context.Context, user UserAttributes) ([]Permission, error) {
	seen := make(map[string]Permission)

	if e.bypass.AllowSingletonUserRoles {
		rdIDs, err := e.assignments.GlobalRoleDefinitionIDsForUser(ctx, user.ID())
		if err != nil {
			return nil, err
		}
		if err := e.addPermissionsOf(ctx, rdIDs, seen); err != nil {
			return nil, err
		}
	}

	if e.bypass.AllowSingletonTeamRoles {
		teamIDs, err := e.teamsUserBelongsTo(ctx, user.ID())
		if err != nil {
			return nil, err
		}
		rdIDs, err := e.assignments.GlobalRoleDefinitionIDsForTeams(ctx, teamIDs)
		if err != nil {
			return nil, err
		}
		if err := e.addPermissionsOf(ctx, rdIDs, seen); err != nil {
			return nil, err
		}
	}

	perms := make([]Permission, 0, len(seen))
	for _, p := range seen {
		perms = append(perms, p)
	}
	return perms, nil
}

func (e *Evaluator) addPermissionsOf(ctx context.Context, roleDefinitionIDs []int64, into map[string]Permission) error {
	for _, id := range roleDefinitionIDs {
		rd, err := e.roleDefs.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load global role definition %d: %w", id, err)
		}
		for _, p := range rd.Permissions {
			into[fmt.Sprintf("%d:%s", p.ContentTypeID, p.Codename)] = p
		}
	}
	return nil
}

// teamsUserBelongsTo returns every team id the user is a member of, by way
// of the provides_teams edge on the object roles the user directly holds.
func (e *Evaluator) teamsUserBelongsTo(ctx context.Context, userID int64) ([]string, error) {
	objectRoleIDs, err := e.objectRoles.DirectObjectRoleIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var teamIDs []string
	for _, orID := range objectRoleIDs {
		teams, err := e.objectRoles.ProvidesTeams(ctx, orID)
		if err != nil {
			return nil, err
		}
		for _, t := range teams {
			if !seen[t] {
				seen[t] = true
				teamIDs = append(teamIDs, t)
			}
		}
	}
	return teamIDs, nil
}

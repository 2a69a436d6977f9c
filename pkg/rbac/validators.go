package rbac

import (
	"fmt"
	"strings"
)

// isAddPermission reports whether codename is a create-child right
// ("add_<model-name>").
func isAddPermission(codename string) bool {
	return strings.HasPrefix(codename, "add_")
}

// SystemRolesEnabled reports whether either singleton-role flag is set.
func SystemRolesEnabled(cfg BypassAndRoleConfig) bool {
	return cfg.AllowSingletonUserRoles || cfg.AllowSingletonTeamRoles
}

// BypassAndRoleConfig is the subset of RBACConfig the validators need. It is
// declared locally (rather than importing pkg/config) so pkg/rbac has no
// dependency on the host's configuration package — the engine only needs
// these booleans/maps, supplied by whatever wiring layer constructs it.
type BypassAndRoleConfig struct {
	AllowSingletonUserRoles bool
	AllowSingletonTeamRoles bool
	TeamTeamAllowed         bool
	TeamOrgAllowed          bool
	TeamOrgTeamAllowed      bool
}

// ValidatePermissionsForModel implements spec.md §4.2 rules 1-4 (rules 5-6
// are folded in here; rule 7 is ValidateAssignmentEnabled).
//
// Grounded on ansible_base/rbac/validators.py:validate_permissions_for_model.
func ValidatePermissionsForModel(reg *Registry, permissions []Permission, contentTypeName string, cfg BypassAndRoleConfig) error {
	isGlobal := contentTypeName == ""

	if isGlobal {
		if !SystemRolesEnabled(cfg) {
			return fmt.Errorf("%w: system-wide roles are not enabled", ErrValidation)
		}
		teamPerm := teamPermissionCodename(reg)
		for _, p := range permissions {
			if p.Codename == teamPerm {
				return fmt.Errorf("%w: %s permission can not be used in global roles", ErrValidation, teamPerm)
			}
		}
	}

	// Bucket permissions by the model they apply to: add_* attaches to its
	// target's parent model; everything else attaches to its own model.
	byModel := make(map[string][]Permission)
	for _, p := range permissions {
		targetRT, ok := reg.GetByContentTypeID(p.ContentTypeID)
		if !ok {
			return fmt.Errorf("%w: permission %s references an unregistered content type", ErrValidation, p.Codename)
		}

		roleModel := targetRT.Name()
		if isAddPermission(p.Codename) {
			parent, hasParent := reg.ParentOf(targetRT.Name())
			if !hasParent {
				if !SystemRolesEnabled(cfg) {
					return fmt.Errorf("%w: %s permission requires system-wide roles, which are not enabled", ErrValidation, p.Codename)
				}
				roleModel = "" // global add_* with no parent
			} else {
				roleModel = parent.Name()
			}
		}

		if !isGlobal && roleModel != "" && roleModel != contentTypeName {
			if !reg.IsDescendant(contentTypeName, targetRT.Name()) {
				return fmt.Errorf("%w: %s is not valid for content type %s", ErrValidation, p.Codename, contentTypeName)
			}
		}

		byModel[roleModel] = append(byModel[roleModel], p)
	}

	for model, perms := range byModel {
		if model != "" {
			if _, ok := reg.Get(model); !ok {
				return fmt.Errorf("%w: permissions for unregistered model %s were given", ErrValidation, model)
			}
		}

		hasView := false
		for _, p := range perms {
			if strings.Contains(p.Codename, "view") {
				hasView = true
				break
			}
			if model == "" && isAddPermission(p.Codename) {
				hasView = true // special case: global add_* has no associated object
				break
			}
		}
		if !hasView {
			names := make([]string, len(perms))
			for i, p := range perms {
				names[i] = p.Codename
			}
			return fmt.Errorf("%w: permissions for model %s need to include view, got: %s", ErrValidation, model, strings.Join(names, ", "))
		}
	}

	return nil
}

func teamPermissionCodename(reg *Registry) string {
	team := reg.TeamModelName()
	if team == "" {
		return "member_team"
	}
	return "member_" + team
}

// ValidateAssignmentEnabled implements spec.md §4.2 rule 7: the three
// independent team-actor gating switches.
//
// Grounded on ansible_base/rbac/validators.py:validate_assignment_enabled.
func ValidateAssignmentEnabled(reg *Registry, actor Actor, contentTypeName string, hasTeamPerm bool, cfg BypassAndRoleConfig) error {
	if cfg.TeamTeamAllowed && cfg.TeamOrgAllowed && cfg.TeamOrgTeamAllowed {
		return nil
	}
	if !actor.IsTeam() {
		return nil
	}

	teamModel := reg.TeamModelName()
	if !cfg.TeamTeamAllowed && contentTypeName == teamModel {
		return fmt.Errorf("%w: assigning team permissions to other teams is not allowed", ErrValidation)
	}

	teamParentModel := ""
	if parent, ok := reg.ParentOf(teamModel); ok {
		teamParentModel = parent.Name()
	}
	if teamParentModel != "" && contentTypeName == teamParentModel {
		if !cfg.TeamOrgAllowed {
			return fmt.Errorf("%w: assigning %s permissions to teams is not allowed", ErrValidation, teamParentModel)
		}
		if hasTeamPerm && !cfg.TeamOrgTeamAllowed {
			return fmt.Errorf("%w: assigning %s permissions to teams is not allowed", ErrValidation, teamParentModel)
		}
	}
	return nil
}

// ValidateAssignment checks the target side of spec.md §4.3 step 1: a global
// role definition is rejected, and the target's content type must equal the
// role definition's content type. The actor argument is not inspected.
//
// Grounded on ansible_base/rbac/validators.py:validate_assignment.
func ValidateAssignment(rd RoleDefinition, actor Actor, targetContentTypeID int64) error {
	if rd.ContentTypeID == nil {
		return fmt.Errorf("%w: global role definitions are assigned via GiveGlobalPermission, not GivePermission", ErrValidation)
	}
	if *rd.ContentTypeID != targetContentTypeID {
		return fmt.Errorf("%w: role type does not match object content type", ErrValidation)
	}
	return nil
}

// CodenamesForModel resolves a bare action ("change") or a short codename
// into the canonical "<action>_<model>" form for the given resource type,
// falling back to a search over its registered children — the convenience
// shortcut spec.md §4.7 describes for has_obj_perm.
//
// Grounded on ansible_base/rbac/validators.py:validate_codename_for_model.
func CodenamesForModel(reg *Registry, codename string, rt ResourceType) (string, error) {
	if !strings.Contains(codename, "_") {
		return codename + "_" + rt.Name(), nil
	}
	if !strings.HasPrefix(codename, "add") {
		return codename, nil
	}
	for _, cd := range reg.ChildrenOf(rt.Name()) {
		if strings.HasSuffix(codename, "_"+cd.Child.Name()) {
			return codename, nil
		}
	}
	return "", fmt.Errorf("%w: add permissions only valid for parent models, received for %s", ErrValidation, rt.Name())
}

package rbac

import (
	"errors"
	"testing"
)

func TestIsAddPermission(t *testing.T) {
	cases := map[string]bool{
		"add_project":  true,
		"view_project": false,
		"change_team":  false,
		"add_":         true,
	}
	for codename, want := range cases {
		if got := isAddPermission(codename); got != want {
			t.Errorf("isAddPermission(%q) = %v, want %v", codename, got, want)
		}
	}
}

func TestSystemRolesEnabled(t *testing.T) {
	if SystemRolesEnabled(BypassAndRoleConfig{}) {
		t.Error("expected SystemRolesEnabled to be false with both flags unset")
	}
	if !SystemRolesEnabled(BypassAndRoleConfig{AllowSingletonUserRoles: true}) {
		t.Error("expected SystemRolesEnabled to be true with AllowSingletonUserRoles set")
	}
	if !SystemRolesEnabled(BypassAndRoleConfig{AllowSingletonTeamRoles: true}) {
		t.Error("expected SystemRolesEnabled to be true with AllowSingletonTeamRoles set")
	}
}

func TestValidatePermissionsForModelRequiresView(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidatePermissionsForModel(reg, []Permission{
		{Codename: "change_project", ContentTypeID: 3},
	}, "project", BypassAndRoleConfig{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without a view permission, got %v", err)
	}
}

func TestValidatePermissionsForModelAccepted(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidatePermissionsForModel(reg, []Permission{
		{Codename: "view_project", ContentTypeID: 3},
		{Codename: "change_project", ContentTypeID: 3},
	}, "project", BypassAndRoleConfig{})
	if err != nil {
		t.Fatalf("expected valid permission set to pass, got %v", err)
	}
}

func TestValidatePermissionsForModelRejectsUnrelatedContentType(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidatePermissionsForModel(reg, []Permission{
		{Codename: "view_team", ContentTypeID: 2},
	}, "project", BypassAndRoleConfig{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for a permission outside the role's descendant tree, got %v", err)
	}
}

func TestValidatePermissionsForModelGlobalRequiresSingletonFlag(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidatePermissionsForModel(reg, []Permission{
		{Codename: "view_project", ContentTypeID: 3},
	}, "", BypassAndRoleConfig{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for global role without singleton flag, got %v", err)
	}

	err = ValidatePermissionsForModel(reg, []Permission{
		{Codename: "view_project", ContentTypeID: 3},
	}, "", BypassAndRoleConfig{AllowSingletonUserRoles: true})
	if err != nil {
		t.Fatalf("expected global role to pass with singleton flag set, got %v", err)
	}
}

func TestValidatePermissionsForModelRejectsTeamMembershipGlobally(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidatePermissionsForModel(reg, []Permission{
		{Codename: "member_team", ContentTypeID: 2},
	}, "", BypassAndRoleConfig{AllowSingletonUserRoles: true})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for member_team in a global role, got %v", err)
	}
}

func TestValidatePermissionsForModelUnregisteredContentType(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidatePermissionsForModel(reg, []Permission{
		{Codename: "view_widget", ContentTypeID: 999},
	}, "project", BypassAndRoleConfig{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for an unregistered content type, got %v", err)
	}
}

func TestValidateAssignmentEnabledAllAllowed(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidateAssignmentEnabled(reg, Actor{Kind: ActorTeam, TeamID: "1"}, "team", false, BypassAndRoleConfig{
		TeamTeamAllowed: true, TeamOrgAllowed: true, TeamOrgTeamAllowed: true,
	})
	if err != nil {
		t.Fatalf("expected no error when all three flags are allowed, got %v", err)
	}
}

func TestValidateAssignmentEnabledUserActorAlwaysAllowed(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidateAssignmentEnabled(reg, Actor{Kind: ActorUser, UserID: 1}, "team", false, BypassAndRoleConfig{})
	if err != nil {
		t.Fatalf("expected user actor assignment to always pass, got %v", err)
	}
}

func TestValidateAssignmentEnabledTeamTeamDisallowed(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidateAssignmentEnabled(reg, Actor{Kind: ActorTeam, TeamID: "1"}, "team", false, BypassAndRoleConfig{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation assigning team roles to a team by default, got %v", err)
	}
}

func TestValidateAssignmentEnabledTeamOrgDisallowed(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidateAssignmentEnabled(reg, Actor{Kind: ActorTeam, TeamID: "1"}, "organization", false, BypassAndRoleConfig{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation assigning org roles to a team by default, got %v", err)
	}
}

func TestValidateAssignmentEnabledTeamOrgTeamPermDisallowed(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	err := ValidateAssignmentEnabled(reg, Actor{Kind: ActorTeam, TeamID: "1"}, "organization", true, BypassAndRoleConfig{
		TeamOrgAllowed: true,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation assigning a team-permission-bearing org role to a team without TeamOrgTeamAllowed, got %v", err)
	}
}

func TestValidateAssignment(t *testing.T) {
	ctID := int64(3)
	rd := RoleDefinition{ID: 1, ContentTypeID: &ctID}

	if err := ValidateAssignment(rd, Actor{Kind: ActorUser, UserID: 1}, 3); err != nil {
		t.Fatalf("expected matching content type to pass, got %v", err)
	}
	if err := ValidateAssignment(rd, Actor{Kind: ActorUser, UserID: 1}, 4); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for mismatched content type, got %v", err)
	}

	global := RoleDefinition{ID: 2}
	if err := ValidateAssignment(global, Actor{Kind: ActorUser, UserID: 1}, 3); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation assigning a global role via ValidateAssignment, got %v", err)
	}
}

func TestCodenamesForModel(t *testing.T) {
	reg := newTestRegistry()
	reg.Freeze()

	project, _ := reg.Get("project")

	got, err := CodenamesForModel(reg, "change", project)
	if err != nil || got != "change_project" {
		t.Fatalf("CodenamesForModel(change) = %q, %v", got, err)
	}

	got, err = CodenamesForModel(reg, "view_project", project)
	if err != nil || got != "view_project" {
		t.Fatalf("CodenamesForModel(view_project) = %q, %v", got, err)
	}

	got, err = CodenamesForModel(reg, "add_inventory", project)
	if err != nil || got != "add_inventory" {
		t.Fatalf("CodenamesForModel(add_inventory) = %q, %v", got, err)
	}

	_, err = CodenamesForModel(reg, "add_nonexistent", project)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for add permission on an unrelated model, got %v", err)
	}
}

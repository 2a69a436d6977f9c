// Package rbac implements a materialized role-based access control engine:
// sparse (actor, role definition, resource) assignments are expanded into a
// dense table of evaluation tuples so that a permission check is a single
// indexed lookup rather than a graph walk at request time.
//
// # Overview
//
// The engine has five layers:
//
//  1. Registry: the static parent/child graph of participating resource
//     types, built once at startup via Register and sealed with Freeze.
//  2. Role definitions: named, reusable permission bundles (RoleDefinition),
//     optionally bound to a resource type.
//  3. Assignments: an actor (user or team) holding a role definition on a
//     resource, represented as a deduplicated ObjectRole plus a
//     UserAssignment/TeamAssignment join row.
//  4. The materializer: recomputes the evaluation cache (the
//     role_evaluation_int/role_evaluation_uuid tables) whenever an
//     assignment, a role definition's permission set, or team membership
//     changes.
//  5. The evaluator: answers HasObjPerm/AccessibleIDs/SingletonPermissions
//     purely by reading the materialized tables (plus a handful of
//     superuser/action-bypass flags checked first).
//
// # Registering resource types
//
//	reg := rbac.NewRegistry()
//	reg.Register(organizationType{}, "")
//	reg.Register(teamType{}, "organization")
//	reg.RegisterTeamModel("team")
//	reg.Register(projectType{}, "organization")
//	reg.Freeze()
//
// Each registered type implements ResourceType (and, where child-permission
// propagation applies, ChildEnumerator). The registry builds the
// parent/child graph from ParentFieldName and serves ChildrenOf lookups
// out of an LRU cache once frozen, since the graph cannot change afterward.
//
// # Wiring an engine
//
//	engine := rbac.NewEngine(db, reg, rbac.EngineConfig{
//		BypassAndRoleConfig: rbac.BypassAndRoleConfig{AllowSingletonUserRoles: true},
//		MaterializerConfig:  rbac.MaterializerConfig{CacheParentPermissions: true},
//	}, logger, metrics)
//
// # Assigning and checking permissions
//
//	rd, _ := engine.RoleDefinitions().GetOrCreate(ctx, "project-admin", "", &projectContentTypeID,
//		[]rbac.Permission{{Codename: "view_project", ContentTypeID: projectContentTypeID}, ...})
//
//	err := engine.GivePermission(ctx, rd, rbac.Actor{UserID: user.ID}, projectContentTypeID, project.ID)
//
//	allowed, err := engine.Evaluator().HasObjPerm(ctx, user, projectContentTypeID, project.ID, "change_project")
//
// # Team membership
//
// A team is itself a registered resource type. A role definition carrying
// the distinguished "member_<team>" permission, when assigned to a user or
// another team on a team object, makes the assignee a member of that team;
// TeamGraph.Recompute closes this membership graph (teams can nest) and
// every role the team holds is folded onto each member's own evaluation
// tuples, so the evaluator never needs to traverse team membership at
// query time.
//
// # What is not cached
//
// Global ("singleton") role definitions — those with no bound content
// type — are never written into the evaluation cache; they are evaluated
// on demand by scanning the (typically small) set of global assignments a
// user or their teams hold. See cache.go's GlobalPermissionCache for an
// optional read-through layer over that path.
package rbac

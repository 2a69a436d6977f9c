// Command rbac-enginectl runs schema migrations, seeds managed role
// definitions, and serves the ambient health/metrics listener for a
// deployment of this module. It has no REST API of its own: applications
// embed pkg/rbac directly and call Engine.GivePermission/Evaluator.HasObjPerm
// from their own request path.
package main

package rbac

import "errors"

// Sentinel errors returned by the engine. Callers should compare with
// errors.Is, since store-layer errors are always wrapped with additional
// context via fmt.Errorf("...: %w", err).
var (
	// ErrValidation is returned when a role definition or assignment fails
	// one of the well-formedness rules in validators.go.
	ErrValidation = errors.New("rbac: validation failed")

	// ErrPermissionDenied reports that the caller lacks the meta-permission
	// to perform the requested assignment. No operation in this package
	// returns it; a global assignment attempted while singleton roles are
	// disabled fails with ErrValidation.
	ErrPermissionDenied = errors.New("rbac: permission denied")

	// ErrConfiguration is returned for programmer errors that make the engine
	// unable to operate: duplicate model registration, registration after
	// Freeze, or an unsupported primary-key kind. These are fatal; the caller
	// should not retry.
	ErrConfiguration = errors.New("rbac: configuration error")

	// ErrNotFound is returned by lookups (RoleDefinitionStore.GetByID and
	// ListByName, ObjectRoleStore.GetByID) when the row does not exist.
	// Remove operations do not return it: removing an absent assignment
	// succeeds without error.
	ErrNotFound = errors.New("rbac: not found")
)

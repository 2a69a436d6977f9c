package rbac

import "time"

// PKKind tags the primary-key representation a registered resource type
// uses. The evaluation cache is physically partitioned by this tag instead
// of carrying a dynamic any-type object-id column.
type PKKind int

const (
	// PKInt marks a resource whose primary key is a signed integer.
	PKInt PKKind = iota
	// PKUUID marks a resource whose primary key is a UUID.
	PKUUID
)

func (k PKKind) String() string {
	switch k {
	case PKInt:
		return "int"
	case PKUUID:
		return "uuid"
	default:
		return "unknown"
	}
}

// ContentType is the engine's stable identifier for a participating
// resource kind, equivalent to the source's (app, model-name) pair.
type ContentType struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	PKKind PKKind `json:"pk_kind"`
}

// Permission is a single atom: a codename bound to the content type it
// applies to. Codenames follow the "<action>_<model-name>" shape; the
// distinguished "add_<model-name>" codename is a create-child right that
// attaches to the child's parent type in a role definition.
type Permission struct {
	Codename      string `json:"codename"`
	ContentTypeID int64  `json:"content_type_id"`
}

// String renders the permission as "codename" for logging and set-keying.
func (p Permission) String() string {
	return p.Codename
}

// RoleDefinition is a named, reusable bundle of permission atoms, optionally
// bound to a resource type. If ContentTypeID is nil the role is global
// ("singleton") and, when enabled, grants its permissions irrespective of
// object.
type RoleDefinition struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	ContentTypeID *int64       `json:"content_type_id,omitempty"`
	Managed       bool         `json:"managed"`
	Permissions   []Permission `json:"permissions"`
	CreatedAt     time.Time    `json:"created_at"`
	CreatedBy     *int64       `json:"created_by,omitempty"`
}

// IsGlobal reports whether this role definition has no bound content type.
func (rd RoleDefinition) IsGlobal() bool {
	return rd.ContentTypeID == nil
}

// HasCodename reports whether the role definition's permission set contains
// the given codename.
func (rd RoleDefinition) HasCodename(codename string) bool {
	for _, p := range rd.Permissions {
		if p.Codename == codename {
			return true
		}
	}
	return false
}

// ActorKind distinguishes the two actor shapes the engine recognizes.
// Users are opaque to the engine; teams are themselves a registered
// resource, so a team actor also has an object identity.
type ActorKind int

const (
	ActorUser ActorKind = iota
	ActorTeam
)

// Actor is the narrow representation of "a user or a team" the host passes
// across the engine's boundary (spec.md §6).
type Actor struct {
	Kind   ActorKind
	UserID int64  // valid when Kind == ActorUser
	TeamID string // valid when Kind == ActorTeam; object id of the team resource
}

// IsTeam reports whether this actor is a team.
func (a Actor) IsTeam() bool { return a.Kind == ActorTeam }

// ObjectRole is the deduplicated (role_definition, content_type, object_id)
// node assignments attach to. It is immutable once created except for its
// users/teams/provides_teams edge sets, which the engine itself maintains.
type ObjectRole struct {
	ID               int64  `json:"id"`
	RoleDefinitionID int64  `json:"role_definition_id"`
	ContentTypeID    int64  `json:"content_type_id"`
	ObjectID         string `json:"object_id"` // text form; parsed per PKKind at the partition boundary
}

// EvaluationTuple is one materialized effective-permission record:
// "holding ObjectRoleID grants Codename on (ContentTypeID, ObjectID)".
type EvaluationTuple struct {
	ObjectRoleID  int64
	ContentTypeID int64
	ObjectID      string
	Codename      string
}

func (t EvaluationTuple) key() evalKey {
	return evalKey{ContentTypeID: t.ContentTypeID, ObjectID: t.ObjectID, Codename: t.Codename}
}

// evalKey identifies an evaluation tuple by its logical content, independent
// of which object role currently backs it. Used for set-diffing inside the
// materializer.
type evalKey struct {
	ContentTypeID int64
	ObjectID      string
	Codename      string
}

// ResourceType is the contract a registered domain model must satisfy so
// the Registry can place it in the parent/child graph and so the
// materializer can enumerate its rows. This replaces the source's dynamic
// model attachment (add_to_class) with a static interface the host
// implements once per registered type.
type ResourceType interface {
	// Name is the unique model name, e.g. "inventory".
	Name() string
	// ContentTypeID is the stable content-type id for this model.
	ContentTypeID() int64
	// PKKind reports whether this model's primary key is integer or UUID.
	PKKind() PKKind
	// ParentFieldName is the field name by which a row reaches its parent
	// resource (e.g. "organization"), or "" for a root type.
	ParentFieldName() string
}

// ChildEnumerator is implemented by a ResourceType that can enumerate the
// ids of its own rows reachable under a given parent id. The materializer
// calls this for child-type permission propagation (spec.md §4.4 step 3).
type ChildEnumerator interface {
	ResourceType
	// ChildIDs returns the object ids of this model's rows whose
	// ParentFieldName chain resolves to parentID, in text form.
	ChildIDs(parentID string) ([]string, error)
}

// UserAttributes is the narrow interface the engine uses to read
// superuser/bypass flags off the host's user model, replacing Django's
// dynamic getattr(user, flag_name).
type UserAttributes interface {
	ID() int64
	// Attribute reports the boolean value of a named attribute (a
	// superuser flag or an action-bypass flag), false if unknown.
	Attribute(name string) bool
}

// AssignmentTracker lets the host mirror an assignment into an
// application-owned relationship (e.g. a team-members back-reference)
// without re-entering the assignment path. Registered per role-definition
// name via Engine.RegisterTracker, invoked after the assignment transaction
// commits (spec.md §4.3 step 7).
type AssignmentTracker interface {
	SyncRelationship(actor Actor, contentTypeID int64, objectID string, giving bool) error
}

// RoleTemplate names a managed role definition to pre-create at startup
// (ANSIBLE_BASE_ROLE_PRECREATE in spec.md §6).
type RoleTemplate struct {
	Name        string
	Description string
	ModelName   string // "" for a global role
	Codenames   []string
}

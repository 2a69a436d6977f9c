package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/opsgraph/rbacengine/pkg/observability"
)

// MaterializerConfig carries the one materializer-relevant setting spec.md
// §6 names outside the team-gating switches.
type MaterializerConfig struct {
	// CacheParentPermissions additionally emits a parent-level tuple for
	// child-type (non-add) permission propagation, so parent-level lookups
	// hit without a join (spec.md §4.4 step 3).
	CacheParentPermissions bool
}

// Materializer computes and reconciles the evaluation cache.
//
// Grounded directly on ansible_base/rbac/models/object_role.py
// (expected_direct_permissions, needed_cache_updates) and
// ansible_base/rbac/caching.py (compute_object_role_permissions's batching).
type Materializer struct {
	reg         *Registry
	roleDefs    *RoleDefinitionStore
	objectRoles *ObjectRoleStore
	evalStore   *EvaluationStore
	cfg         MaterializerConfig
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewMaterializer wires the materializer's dependencies.
func NewMaterializer(reg *Registry, roleDefs *RoleDefinitionStore, objectRoles *ObjectRoleStore, evalStore *EvaluationStore, cfg MaterializerConfig, logger *observability.Logger, metrics *observability.Metrics) *Materializer {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Materializer{reg: reg, roleDefs: roleDefs, objectRoles: objectRoles, evalStore: evalStore, cfg: cfg, logger: logger, metrics: metrics}
}

// expectedDirectPermissions computes the set of evaluation tuples that
// should exist on account of or alone (not including team-inherited
// roles). cachedIDLists memoizes per-content-type id lists within one
// expected() call, per spec.md §4.4 "the materializer memoizes per-content-type
// id lists within one call".
func (m *Materializer) expectedDirectPermissions(ctx context.Context, rd RoleDefinition, or ObjectRole, cachedIDLists map[int64][]string) (map[evalKey]EvaluationTuple, error) {
	expected := make(map[evalKey]EvaluationTuple)

	roleModel, ok := m.reg.GetByContentTypeID(or.ContentTypeID)
	if !ok {
		return nil, fmt.Errorf("%w: object role %d has unregistered content type %d", ErrConfiguration, or.ID, or.ContentTypeID)
	}

	add := func(codename string, ctID int64, objectID string) {
		t := EvaluationTuple{ObjectRoleID: or.ID, ContentTypeID: ctID, ObjectID: objectID, Codename: codename}
		expected[t.key()] = t
	}

	for _, perm := range rd.Permissions {
		// 1. Direct same-type.
		if perm.ContentTypeID == or.ContentTypeID {
			add(perm.Codename, or.ContentTypeID, or.ObjectID)
			continue
		}

		targetModel, ok := m.reg.GetByContentTypeID(perm.ContentTypeID)
		if !ok {
			m.logger.Warnf("role definition %d lists %s against unregistered content type %d, ignoring", rd.ID, perm.Codename, perm.ContentTypeID)
			continue
		}

		// 2. Add-permission propagation.
		if isAddPermission(perm.Codename) {
			add(perm.Codename, or.ContentTypeID, or.ObjectID)

			intermediate, found := m.findAddIntermediate(roleModel.Name(), targetModel.Name())
			if !found {
				continue
			}
			ids, err := m.descendantIDsAlongPath(ctx, roleModel.Name(), or.ObjectID, intermediate, cachedIDLists)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				add(perm.Codename, intermediate.Child.ContentTypeID(), id)
			}
			continue
		}

		// 3. Child-type propagation.
		descriptor, found := m.findChildDescriptor(roleModel.Name(), targetModel.Name())
		if !found {
			// 4. Not a descendant.
			m.logger.Warnf("role definition %d listed %s but %s is not a child of %s, ignoring", rd.ID, perm.Codename, targetModel.Name(), roleModel.Name())
			continue
		}

		ids, err := m.descendantIDsAlongPath(ctx, roleModel.Name(), or.ObjectID, descriptor, cachedIDLists)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			add(perm.Codename, perm.ContentTypeID, id)
		}
		if m.cfg.CacheParentPermissions {
			add(perm.Codename, or.ContentTypeID, or.ObjectID)
		}
	}

	return expected, nil
}

// findAddIntermediate locates targetModelName's own direct parent on the
// registry graph below roleModelName, for add_* propagation onto in-between
// parents (spec.md §4.4 step 2: "for each descendant model M of ct that is
// itself a parent of ct_P's model").
//
// The intermediate is always the target's immediate parent, regardless of
// how many hops separate roleModelName from that parent — ChildrenOf's
// FilterPath is built root-to-leaf (ancestor prefix, target suffix), so
// taking the target's own entry and resolving its parent via ParentOf, then
// re-locating that parent's own descriptor under roleModelName, is the only
// way to get the right model at every depth. Splitting FilterPath on the
// first "__" only happens to name the target's parent when roleModelName is
// exactly one hop above it.
func (m *Materializer) findAddIntermediate(roleModelName, targetModelName string) (ChildDescriptor, bool) {
	parent, ok := m.reg.ParentOf(targetModelName)
	if !ok || parent.Name() == roleModelName {
		// No intermediate: either targetModelName is a root type, or its
		// parent is the role's own content type, already covered by the
		// direct add(perm.Codename, or.ContentTypeID, or.ObjectID) tuple.
		return ChildDescriptor{}, false
	}
	for _, cd := range m.reg.ChildrenOf(roleModelName) {
		if cd.Child.Name() == parent.Name() {
			return cd, true
		}
	}
	return ChildDescriptor{}, false
}

// findChildDescriptor returns the (possibly transitive) descendant
// descriptor for targetModelName under roleModelName.
func (m *Materializer) findChildDescriptor(roleModelName, targetModelName string) (ChildDescriptor, bool) {
	for _, cd := range m.reg.ChildrenOf(roleModelName) {
		if cd.Child.Name() == targetModelName {
			return cd, true
		}
	}
	return ChildDescriptor{}, false
}

// descendantIDsAlongPath walks the registry path recorded in descriptor
// (root -> ... -> target), one hop at a time via each intermediate model's
// ChildEnumerator, memoizing per content-type id within this call — this
// is the Go translation of the source's single-ORM-join query, performed
// as an explicit multi-hop walk since the host interface only promises
// "enumerate ids under a direct parent" (spec.md §6).
func (m *Materializer) descendantIDsAlongPath(ctx context.Context, rootModelName, rootObjectID string, descriptor ChildDescriptor, cachedIDLists map[int64][]string) ([]string, error) {
	if cached, ok := cachedIDLists[descriptor.Child.ContentTypeID()]; ok {
		return cached, nil
	}

	segments := strings.Split(descriptor.FilterPath, "__")
	currentIDs := []string{rootObjectID}

	for _, segName := range segments {
		child, ok := m.reg.Get(segName)
		if !ok {
			return nil, fmt.Errorf("%w: registry path references unregistered model %s", ErrConfiguration, segName)
		}
		enumerator, ok := child.(ChildEnumerator)
		if !ok {
			return nil, fmt.Errorf("%w: model %s does not implement ChildEnumerator", ErrConfiguration, segName)
		}

		var nextIDs []string
		for _, parentID := range currentIDs {
			ids, err := enumerator.ChildIDs(parentID)
			if err != nil {
				return nil, fmt.Errorf("failed to enumerate children of %s under %s: %w", segName, parentID, err)
			}
			nextIDs = append(nextIDs, ids...)
		}
		currentIDs = nextIDs
	}

	cachedIDLists[descriptor.Child.ContentTypeID()] = currentIDs
	return currentIDs, nil
}

// neededCacheUpdates computes (toDelete, toAdd) for a single object role,
// including the union of expected_direct_permissions for every object role
// reachable via or's provides_teams set — a single hop, since provides_teams
// is pre-closed transitively by TeamGraph.Recompute.
//
// Grounded on ObjectRole.needed_cache_updates.
func (m *Materializer) neededCacheUpdates(ctx context.Context, or ObjectRole) (toDelete []EvaluationTuple, toAdd []EvaluationTuple, err error) {
	existing, err := m.evalStore.ExistingForObjectRole(ctx, or.ID)
	if err != nil {
		return nil, nil, err
	}

	rd, err := m.roleDefs.GetByID(ctx, or.RoleDefinitionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load role definition for object role %d: %w", or.ID, err)
	}

	cachedIDLists := make(map[int64][]string)
	expected, err := m.expectedDirectPermissions(ctx, rd, or, cachedIDLists)
	if err != nil {
		return nil, nil, err
	}

	teamIDs, err := m.objectRoles.ProvidesTeams(ctx, or.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, teamID := range teamIDs {
		teamRoles, err := m.teamHasRoles(ctx, teamID)
		if err != nil {
			return nil, nil, err
		}
		for _, teamRole := range teamRoles {
			teamRD, err := m.roleDefs.GetByID(ctx, teamRole.RoleDefinitionID)
			if err != nil {
				return nil, nil, err
			}
			teamExpected, err := m.expectedDirectPermissions(ctx, teamRD, teamRole, make(map[int64][]string))
			if err != nil {
				return nil, nil, err
			}
			for k, t := range teamExpected {
				// Re-key onto the original object role: holding `or` is what
				// should grant these tuples, since `or` is what the user
				// actually has.
				t.ObjectRoleID = or.ID
				expected[k] = t
			}
		}
	}

	for k, t := range existing {
		if _, ok := expected[k]; !ok {
			toDelete = append(toDelete, t)
		}
	}
	for k, t := range expected {
		if _, ok := existing[k]; !ok {
			toAdd = append(toAdd, t)
		}
	}
	return toDelete, toAdd, nil
}

// teamHasRoles returns the object roles held by teamID (teams.has_roles).
func (m *Materializer) teamHasRoles(ctx context.Context, teamID string) ([]ObjectRole, error) {
	// Modeled as "object roles whose teams edge set contains teamID" —
	// reuse ObjectRoleStore.DescendantRoles's query shape by querying
	// object_role_team directly through the store's db handle via a
	// purpose-built helper to avoid a second round trip through
	// provides_teams (which DescendantRoles also reads).
	return m.objectRoles.teamHasRolesDirect(ctx, teamID)
}

// Materialize recomputes the evaluation cache for every object role in
// dirtySet (nil means "all object roles" — the full-recompute path used for
// post_clear on a role definition's permission set). Exactly one bulk
// insert and one bulk delete per partition is issued across the whole set,
// matching compute_object_role_permissions.
func (m *Materializer) Materialize(ctx context.Context, tx *sql.Tx, dirtySet []ObjectRole) error {
	if dirtySet == nil {
		all, err := m.objectRoles.AllObjectRoles(ctx)
		if err != nil {
			return err
		}
		dirtySet = all
	}

	var toAdd []EvaluationTuple
	toDeleteIDs := make(map[PKKind][]int64)

	for _, or := range dirtySet {
		deleted, added, err := m.neededCacheUpdates(ctx, or)
		if err != nil {
			return fmt.Errorf("failed to compute cache updates for object role %d: %w", or.ID, err)
		}
		toAdd = append(toAdd, added...)
		for _, t := range deleted {
			pk := pkKindFor(m.reg, t.ContentTypeID)
			id, err := m.evalTupleID(ctx, t)
			if err != nil {
				return err
			}
			toDeleteIDs[pk] = append(toDeleteIDs[pk], id)
		}
	}

	if m.metrics != nil {
		m.metrics.ObserveMaterializerRun(len(dirtySet), len(toAdd))
	}

	return m.evalStore.ApplyBatch(ctx, tx, m.reg, toAdd, toDeleteIDs)
}

// evalTupleID resolves the row id of an existing evaluation tuple so it can
// be included in the batched delete-by-id. ExistingForObjectRole does not
// currently carry the row id on EvaluationTuple (it is keyed by logical
// content for diffing); this looks it up directly.
func (m *Materializer) evalTupleID(ctx context.Context, t EvaluationTuple) (int64, error) {
	pk := pkKindFor(m.reg, t.ContentTypeID)
	table := partitionTable(pk)
	objectID, err := convertObjectID(pk, t.ObjectID)
	if err != nil {
		return 0, err
	}
	var id int64
	query := fmt.Sprintf(`SELECT id FROM %s WHERE role_id = $1 AND content_type_id = $2 AND object_id = $3 AND codename = $4`, table)
	err = m.evalStore.db.QueryRowContext(ctx, query, t.ObjectRoleID, t.ContentTypeID, objectID, t.Codename).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve evaluation tuple row id: %w", err)
	}
	return id, nil
}

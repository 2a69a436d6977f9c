package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsgraph/rbacengine/pkg/contextkeys"
	"github.com/opsgraph/rbacengine/pkg/observability"
)

// EngineConfig bundles the settings engine.go threads through to the
// validators, materializer, and evaluator. It mirrors spec.md §6's
// ANSIBLE_BASE_* configuration surface, translated from the host's
// pkg/config.RBACConfig at wiring time.
type EngineConfig struct {
	BypassAndRoleConfig
	MaterializerConfig
	BypassFlags BypassConfig
}

// Engine is the single entry point the host application calls into: it
// owns a database handle, the frozen resource registry, every store, and
// the materializer/team-graph/trigger/evaluator components built on top of
// them. Construct one per process after Registry.Freeze().
//
// Grounded on ansible_base/rbac/models/role_definition.py's
// give_or_remove_permission / give_or_remove_global_permission (the
// orchestration this type replaces), translated out of the Django ORM's
// implicit signal dispatch into explicit calls.
type Engine struct {
	db  *sql.DB
	reg *Registry
	cfg EngineConfig

	roleDefs    *RoleDefinitionStore
	objectRoles *ObjectRoleStore
	assignments *AssignmentStore
	evalStore   *EvaluationStore

	materializer *Materializer
	teamGraph    *TeamGraph
	triggers     *Triggers
	evaluator    *Evaluator

	trackers map[string]AssignmentTracker

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewEngine wires every component from a single database handle and a
// frozen registry. reg must already be frozen.
func NewEngine(db *sql.DB, reg *Registry, cfg EngineConfig, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	roleDefs := NewRoleDefinitionStore(db)
	objectRoles := NewObjectRoleStore(db)
	assignments := NewAssignmentStore(db)
	evalStore := NewEvaluationStore(db)

	materializer := NewMaterializer(reg, roleDefs, objectRoles, evalStore, cfg.MaterializerConfig, logger, metrics)
	teamGraph := NewTeamGraph(db, reg, objectRoles, teamPermissionCodename(reg), logger)
	triggers := NewTriggers(db, reg, roleDefs, objectRoles, assignments, materializer, teamGraph, teamPermissionCodename(reg), logger)
	evaluator := NewEvaluator(reg, objectRoles, assignments, roleDefs, evalStore, cfg.BypassAndRoleConfig, cfg.BypassFlags, logger, metrics)

	return &Engine{
		db:           db,
		reg:          reg,
		cfg:          cfg,
		roleDefs:     roleDefs,
		objectRoles:  objectRoles,
		assignments:  assignments,
		evalStore:    evalStore,
		materializer: materializer,
		teamGraph:    teamGraph,
		triggers:     triggers,
		evaluator:    evaluator,
		trackers:     make(map[string]AssignmentTracker),
		logger:       logger,
		metrics:      metrics,
	}
}

// RegisterTracker attaches a host-side mirroring hook for assignments made
// under roleDefinitionName. Invoked after an assignment's own transaction
// commits (spec.md §4.3 step 7).
func (e *Engine) RegisterTracker(roleDefinitionName string, tracker AssignmentTracker) {
	e.trackers[roleDefinitionName] = tracker
}

// Evaluator exposes the read path (has_obj_perm, accessible_ids, singleton
// permissions).
func (e *Engine) Evaluator() *Evaluator { return e.evaluator }

// RoleDefinitions exposes role definition CRUD/get-or-create.
func (e *Engine) RoleDefinitions() *RoleDefinitionStore { return e.roleDefs }

// trackerLogger builds the logger used for tracker-sync failures, carrying
// the acting user id and any active trace id so a failed mirror write can be
// correlated back to the request that triggered it.
func (e *Engine) trackerLogger(ctx context.Context, actor Actor) *observability.Logger {
	if !actor.IsTeam() {
		ctx = contextkeys.WithActorID(ctx, actor.UserID)
	}
	logger := observability.UpdateLoggerWithTraceContext(ctx, e.logger)
	if actorID, ok := contextkeys.GetActorID(ctx); ok {
		logger = logger.WithField("actor_id", actorID)
	}
	return logger
}

// GivePermission grants rd's permissions on contentObject to actor,
// creating the backing object role if needed, then recomputing the
// evaluation cache for everything the change touches.
//
// Grounded on role_definition.py's give_or_remove_permission(giving=True).
func (e *Engine) GivePermission(ctx context.Context, rd RoleDefinition, actor Actor, contentTypeID int64, objectID string) error {
	if err := ValidateAssignment(rd, actor, contentTypeID); err != nil {
		return err
	}
	targetModel, ok := e.reg.GetByContentTypeID(contentTypeID)
	if !ok {
		return fmt.Errorf("%w: target content type %d is not registered", ErrConfiguration, contentTypeID)
	}
	hasTeamPerm := rd.HasCodename(teamPermissionCodename(e.reg))
	if err := ValidateAssignmentEnabled(e.reg, actor, targetModel.Name(), hasTeamPerm, e.cfg.BypassAndRoleConfig); err != nil {
		return err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	or, created, err := e.objectRoles.GetOrCreate(ctx, tx, rd.ID, contentTypeID, objectID)
	if err != nil {
		return err
	}

	if actor.IsTeam() {
		if err := e.objectRoles.AddTeam(ctx, tx, or.ID, actor.TeamID); err != nil {
			return err
		}
		if _, _, err := e.assignments.GetOrCreateTeamAssignment(ctx, tx, rd.ID, actor.TeamID, &or.ID, nil); err != nil {
			return err
		}
	} else {
		if err := e.objectRoles.AddUser(ctx, tx, or.ID, actor.UserID); err != nil {
			return err
		}
		if _, _, err := e.assignments.GetOrCreateUserAssignment(ctx, tx, rd.ID, actor.UserID, &or.ID, nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit assignment: %w", err)
	}

	if err := e.recomputeAfterAssignment(ctx, rd, actor, or, created, true); err != nil {
		return err
	}

	if tracker, ok := e.trackers[rd.Name]; ok {
		if err := tracker.SyncRelationship(actor, contentTypeID, objectID, true); err != nil {
			e.trackerLogger(ctx, actor).WithError(err).Warnf("assignment tracker for %s failed to sync", rd.Name)
		}
	}
	return nil
}

// RemovePermission revokes rd's permissions on contentObject from actor,
// deleting the object role if it is left with no actors.
//
// Grounded on role_definition.py's give_or_remove_permission(giving=False).
func (e *Engine) RemovePermission(ctx context.Context, rd RoleDefinition, actor Actor, contentTypeID int64, objectID string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	or, created, err := e.objectRoles.GetOrCreate(ctx, tx, rd.ID, contentTypeID, objectID)
	if err != nil {
		return err
	}
	if created {
		// No existing object role meant nothing to remove; undo the
		// incidental create and return.
		return tx.Rollback()
	}

	if actor.IsTeam() {
		if err := e.objectRoles.RemoveTeam(ctx, tx, or.ID, actor.TeamID); err != nil {
			return err
		}
		if err := e.assignments.DeleteTeamAssignment(ctx, tx, actor.TeamID, &or.ID); err != nil {
			return err
		}
	} else {
		if err := e.objectRoles.RemoveUser(ctx, tx, or.ID, actor.UserID); err != nil {
			return err
		}
		if err := e.assignments.DeleteUserAssignment(ctx, tx, actor.UserID, &or.ID); err != nil {
			return err
		}
	}

	hasActors, err := e.objectRoles.HasActors(ctx, tx, or.ID)
	if err != nil {
		return err
	}
	deleted := !hasActors
	if deleted {
		if err := e.evalStore.DeleteForObjectRole(ctx, tx, or.ID); err != nil {
			return err
		}
		if err := e.objectRoles.Delete(ctx, tx, or.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit removal: %w", err)
	}

	if !deleted {
		if err := e.recomputeAfterAssignment(ctx, rd, actor, or, false, false); err != nil {
			return err
		}
	} else {
		recomputeTeams, toUpdate, err := e.triggers.onAssignmentChanged(ctx, rd, actor, or, false, false)
		if err != nil {
			return err
		}
		tx2, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin recompute transaction: %w", err)
		}
		defer tx2.Rollback()
		if err := e.triggers.updateAfterAssignment(ctx, tx2, recomputeTeams, toUpdate); err != nil {
			return err
		}
		if err := tx2.Commit(); err != nil {
			return fmt.Errorf("failed to commit recompute: %w", err)
		}
	}

	if tracker, ok := e.trackers[rd.Name]; ok {
		if err := tracker.SyncRelationship(actor, contentTypeID, objectID, false); err != nil {
			e.trackerLogger(ctx, actor).WithError(err).Warnf("assignment tracker for %s failed to sync", rd.Name)
		}
	}
	return nil
}

// recomputeAfterAssignment runs the trigger layer and applies its output in
// a fresh transaction, after the assignment's own transaction has already
// committed (spec.md's cache is an eventually-applied-within-the-same-call
// derived view, not a synchronous part of the assignment write).
func (e *Engine) recomputeAfterAssignment(ctx context.Context, rd RoleDefinition, actor Actor, or ObjectRole, created, giving bool) error {
	recomputeTeams, toUpdate, err := e.triggers.onAssignmentChanged(ctx, rd, actor, or, created, giving)
	if err != nil {
		return err
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin recompute transaction: %w", err)
	}
	defer tx.Rollback()
	if err := e.triggers.updateAfterAssignment(ctx, tx, recomputeTeams, toUpdate); err != nil {
		return err
	}
	return tx.Commit()
}

// GiveGlobalPermission assigns a content-type-less role definition to actor
// directly, bypassing the evaluation cache entirely (spec.md §4.7 /
// role_definition.py's user_global_permissions contract).
//
// Grounded on role_definition.py's give_or_remove_global_permission(giving=True).
func (e *Engine) GiveGlobalPermission(ctx context.Context, rd RoleDefinition, actor Actor) error {
	if !rd.IsGlobal() {
		return fmt.Errorf("%w: role definition content type must be nil to assign globally", ErrValidation)
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if actor.IsTeam() {
		if !e.cfg.AllowSingletonTeamRoles {
			return fmt.Errorf("%w: global roles are not enabled for teams", ErrValidation)
		}
		if _, _, err := e.assignments.GetOrCreateTeamAssignment(ctx, tx, rd.ID, actor.TeamID, nil, nil); err != nil {
			return err
		}
	} else {
		if !e.cfg.AllowSingletonUserRoles {
			return fmt.Errorf("%w: global roles are not enabled for users", ErrValidation)
		}
		if _, _, err := e.assignments.GetOrCreateUserAssignment(ctx, tx, rd.ID, actor.UserID, nil, nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveGlobalPermission revokes a global role assignment.
//
// Grounded on role_definition.py's give_or_remove_global_permission(giving=False).
func (e *Engine) RemoveGlobalPermission(ctx context.Context, rd RoleDefinition, actor Actor) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if actor.IsTeam() {
		if err := e.assignments.DeleteTeamAssignment(ctx, tx, actor.TeamID, nil); err != nil {
			return err
		}
	} else {
		if err := e.assignments.DeleteUserAssignment(ctx, tx, actor.UserID, nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GiveCreatorPermissions grants actor each of the named role definitions on
// (contentTypeID, objectID), looking each one up with ListByName and calling
// GivePermission once per name, in order; it stops at the first error. The
// role definitions must already exist: it does not build or look up a
// creator role from configured default actions, and it does not call
// NotifyResourceCreated.
//
// Grounded on spec.md §4.3's "creator default role" behavior.
func (e *Engine) GiveCreatorPermissions(ctx context.Context, actor Actor, contentTypeID int64, objectID string, roleDefinitionNames []string) error {
	for _, name := range roleDefinitionNames {
		rd, err := e.roleDefs.ListByName(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to load creator role definition %q: %w", name, err)
		}
		if err := e.GivePermission(ctx, rd, actor, contentTypeID, objectID); err != nil {
			return fmt.Errorf("failed to grant creator role %q: %w", name, err)
		}
	}
	return nil
}

// NotifyResourceCreated, NotifyResourceReparented, and NotifyTeamDeleted
// forward to the trigger layer within a fresh transaction, for hosts that
// call the engine directly from their own create/update/delete paths
// instead of going through GivePermission.

func (e *Engine) NotifyResourceCreated(ctx context.Context, resourceContentTypeID int64, objectID string, parentContentTypeID int64, parentObjectID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.triggers.NotifyResourceCreated(ctx, tx, resourceContentTypeID, objectID, parentContentTypeID, parentObjectID)
	})
}

func (e *Engine) NotifyResourceReparented(ctx context.Context, parentContentTypeID int64, oldParentObjectID, newParentObjectID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.triggers.NotifyResourceReparented(ctx, tx, parentContentTypeID, oldParentObjectID, newParentObjectID)
	})
}

func (e *Engine) NotifyTeamDeleted(ctx context.Context, teamContentTypeID int64, teamObjectID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.triggers.NotifyTeamDeleted(ctx, tx, teamContentTypeID, teamObjectID)
	})
}

func (e *Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// SeedManagedRoles creates (or verifies) every managed role definition in
// templates, skipping any that already exist by name. Intended to be called
// once at startup, after migrations and before serving traffic.
//
// Grounded on triggers.py's post_migration_rbac_setup
// (setup_managed_role_definitions).
func (e *Engine) SeedManagedRoles(ctx context.Context, templates []RoleTemplate) error {
	for _, tmpl := range templates {
		if _, err := e.roleDefs.ListByName(ctx, tmpl.Name); err == nil {
			continue
		}

		var contentTypeID *int64
		if tmpl.ModelName != "" {
			rt, ok := e.reg.Get(tmpl.ModelName)
			if !ok {
				return fmt.Errorf("%w: managed role %q references unregistered model %q", ErrConfiguration, tmpl.Name, tmpl.ModelName)
			}
			id := rt.ContentTypeID()
			contentTypeID = &id
		}

		permissions := make([]Permission, 0, len(tmpl.Codenames))
		for _, codename := range tmpl.Codenames {
			ctID := int64(0)
			if contentTypeID != nil {
				ctID = *contentTypeID
			}
			permissions = append(permissions, Permission{Codename: codename, ContentTypeID: ctID})
		}

		if _, err := e.roleDefs.Create(ctx, RoleDefinition{
			Name:          tmpl.Name,
			Description:   tmpl.Description,
			ContentTypeID: contentTypeID,
			Managed:       true,
			Permissions:   permissions,
		}); err != nil {
			return fmt.Errorf("failed to seed managed role %q: %w", tmpl.Name, err)
		}
	}
	return nil
}

// FullRecompute rebuilds the team graph and the entire evaluation cache
// from scratch. Intended for the optional periodic consistency job
// (spec.md §6's robfig/cron-driven full recompute) and for recovering from
// an out-of-band data fix.
func (e *Engine) FullRecompute(ctx context.Context) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.teamGraph.Recompute(ctx, tx); err != nil {
			return err
		}
		return e.materializer.Materialize(ctx, tx, nil)
	})
}

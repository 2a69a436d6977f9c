package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RoleDefinitionCache wraps a RoleDefinitionStore with a Redis read-through
// layer. It never sits in front of the evaluation cache itself: the
// partitioned role_evaluation_int/uuid tables are the system of record for
// has_obj_perm/accessible_ids and are never cached, since they are already
// the materialized form (spec.md §9, "no secondary cache in front of the
// evaluation tables").
//
// Grounded on the teacher's pkg/storage/postgres/cache.go cache-aside idiom
// (per-kind TTL map, JSON marshal into redis.Client, cache-miss fallthrough
// to the wrapped store).
type RoleDefinitionCache struct {
	store *RoleDefinitionStore
	redis *redis.Client
	ttl   map[string]time.Duration
}

// NewRoleDefinitionCache wraps store with a Redis cache-aside layer.
func NewRoleDefinitionCache(store *RoleDefinitionStore, client *redis.Client) *RoleDefinitionCache {
	return &RoleDefinitionCache{
		store: store,
		redis: client,
		ttl: map[string]time.Duration{
			"by_id":   10 * time.Minute,
			"by_name": 10 * time.Minute,
		},
	}
}

func roleDefinitionByIDKey(id int64) string {
	return fmt.Sprintf("rbac:roledef:id:%d", id)
}

func roleDefinitionByNameKey(name string) string {
	return fmt.Sprintf("rbac:roledef:name:%s", name)
}

// GetByID returns a role definition, consulting the cache before the store.
func (c *RoleDefinitionCache) GetByID(ctx context.Context, id int64) (RoleDefinition, error) {
	key := roleDefinitionByIDKey(id)
	if cached, err := c.redis.Get(ctx, key).Result(); err == nil {
		var rd RoleDefinition
		if err := json.Unmarshal([]byte(cached), &rd); err == nil {
			return rd, nil
		}
	}

	rd, err := c.store.GetByID(ctx, id)
	if err != nil {
		return RoleDefinition{}, err
	}
	c.set(ctx, key, rd, c.ttl["by_id"])
	return rd, nil
}

// ListByName returns a role definition by name, consulting the cache first.
func (c *RoleDefinitionCache) ListByName(ctx context.Context, name string) (RoleDefinition, error) {
	key := roleDefinitionByNameKey(name)
	if cached, err := c.redis.Get(ctx, key).Result(); err == nil {
		var rd RoleDefinition
		if err := json.Unmarshal([]byte(cached), &rd); err == nil {
			return rd, nil
		}
	}

	rd, err := c.store.ListByName(ctx, name)
	if err != nil {
		return RoleDefinition{}, err
	}
	c.set(ctx, key, rd, c.ttl["by_name"])
	return rd, nil
}

// Create delegates straight to the store; a role definition is only ever
// cached after it is first looked up, so no warm-cache write is needed here.
func (c *RoleDefinitionCache) Create(ctx context.Context, rd RoleDefinition) (RoleDefinition, error) {
	return c.store.Create(ctx, rd)
}

// GetOrCreate delegates to the store, then invalidates any stale by-name
// entry so a subsequent ListByName observes the result.
func (c *RoleDefinitionCache) GetOrCreate(ctx context.Context, name, description string, contentTypeID *int64, permissions []Permission) (RoleDefinition, error) {
	rd, err := c.store.GetOrCreate(ctx, name, description, contentTypeID, permissions)
	if err != nil {
		return RoleDefinition{}, err
	}
	c.invalidate(ctx, rd)
	return rd, nil
}

// Delete removes a role definition from the store and its cache entries.
func (c *RoleDefinitionCache) Delete(ctx context.Context, id int64) error {
	rd, err := c.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, rd)
	return nil
}

func (c *RoleDefinitionCache) set(ctx context.Context, key string, rd RoleDefinition, ttl time.Duration) {
	data, err := json.Marshal(rd)
	if err != nil {
		return
	}
	c.redis.Set(ctx, key, data, ttl)
}

func (c *RoleDefinitionCache) invalidate(ctx context.Context, rd RoleDefinition) {
	c.redis.Del(ctx, roleDefinitionByIDKey(rd.ID), roleDefinitionByNameKey(rd.Name))
}

// GlobalPermissionCache caches an Evaluator.SingletonPermissions result per
// user, since global permissions are computed by scanning every role
// definition a user or their teams hold directly rather than through the
// materialized cache.
//
// Grounded on role_definition.py's user_global_permissions, which the
// source re-derives on every call; the cache here is purely a Go-side
// addition to avoid the repeated role-definition fan-out. Entries live until
// their TTL expires or Invalidate is called; the engine's global-assignment
// operations do not call Invalidate.
type GlobalPermissionCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewGlobalPermissionCache constructs a cache with the given entry TTL.
func NewGlobalPermissionCache(client *redis.Client, ttl time.Duration) *GlobalPermissionCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &GlobalPermissionCache{redis: client, ttl: ttl}
}

func globalPermissionKey(userID int64) string {
	return fmt.Sprintf("rbac:globalperm:user:%d", userID)
}

// Get returns the cached permission set for userID, if present.
func (c *GlobalPermissionCache) Get(ctx context.Context, userID int64) ([]Permission, bool) {
	cached, err := c.redis.Get(ctx, globalPermissionKey(userID)).Result()
	if err != nil {
		return nil, false
	}
	var perms []Permission
	if err := json.Unmarshal([]byte(cached), &perms); err != nil {
		return nil, false
	}
	return perms, true
}

// Set stores perms for userID.
func (c *GlobalPermissionCache) Set(ctx context.Context, userID int64, perms []Permission) {
	data, err := json.Marshal(perms)
	if err != nil {
		return
	}
	c.redis.Set(ctx, globalPermissionKey(userID), data, c.ttl)
}

// Invalidate drops the cached entry for userID. Nothing in this package
// calls it when a global assignment changes.
func (c *GlobalPermissionCache) Invalidate(ctx context.Context, userID int64) {
	c.redis.Del(ctx, globalPermissionKey(userID))
}

// CachedEvaluator wraps an Evaluator's SingletonPermissions call with a
// GlobalPermissionCache, leaving HasObjPerm/AccessibleIDs untouched since
// those already read the materialized, already-fast evaluation tables
// directly.
type CachedEvaluator struct {
	*Evaluator
	cache *GlobalPermissionCache
}

// NewCachedEvaluator wraps eval with cache.
func NewCachedEvaluator(eval *Evaluator, cache *GlobalPermissionCache) *CachedEvaluator {
	return &CachedEvaluator{Evaluator: eval, cache: cache}
}

// SingletonPermissions returns user's global permission set, consulting the
// cache before falling back to the wrapped evaluator.
func (c *CachedEvaluator) SingletonPermissions(ctx context.Context, user UserAttributes) ([]Permission, error) {
	if perms, ok := c.cache.Get(ctx, user.ID()); ok {
		return perms, nil
	}
	perms, err := c.Evaluator.SingletonPermissions(ctx, user)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, user.ID(), perms)
	return perms, nil
}

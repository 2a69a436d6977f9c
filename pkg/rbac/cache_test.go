package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRoleDefinitionCacheGetByIDPopulatesOnMiss(t *testing.T) {
	db := OpenSQLiteSchema(t)
	store := NewRoleDefinitionStore(db)
	seedContentType(t, store, "project", PKUUID)
	ctx := context.Background()

	rd, err := store.Create(ctx, RoleDefinition{Name: "project-viewer"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cache := NewRoleDefinitionCache(store, newTestRedis(t))

	got, err := cache.GetByID(ctx, rd.ID)
	if err != nil {
		t.Fatalf("GetByID (miss): %v", err)
	}
	if got.Name != rd.Name {
		t.Fatalf("GetByID (miss) = %+v, want name %q", got, rd.Name)
	}

	got, err = cache.GetByID(ctx, rd.ID)
	if err != nil {
		t.Fatalf("GetByID (hit): %v", err)
	}
	if got.ID != rd.ID {
		t.Fatalf("GetByID (hit) = %+v, want id %d", got, rd.ID)
	}
}

func TestRoleDefinitionCacheListByNamePopulatesOnMiss(t *testing.T) {
	db := OpenSQLiteSchema(t)
	store := NewRoleDefinitionStore(db)
	ctx := context.Background()

	rd, err := store.Create(ctx, RoleDefinition{Name: "org-admin"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cache := NewRoleDefinitionCache(store, newTestRedis(t))
	got, err := cache.ListByName(ctx, "org-admin")
	if err != nil {
		t.Fatalf("ListByName: %v", err)
	}
	if got.ID != rd.ID {
		t.Fatalf("ListByName = %+v, want id %d", got, rd.ID)
	}
}

func TestRoleDefinitionCacheDeleteInvalidatesEntries(t *testing.T) {
	db := OpenSQLiteSchema(t)
	store := NewRoleDefinitionStore(db)
	ctx := context.Background()

	rd, err := store.Create(ctx, RoleDefinition{Name: "temp-role"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cache := NewRoleDefinitionCache(store, newTestRedis(t))
	if _, err := cache.GetByID(ctx, rd.ID); err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	if err := cache.Delete(ctx, rd.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := store.GetByID(ctx, rd.ID); err == nil {
		t.Error("expected the underlying store row to be gone after Delete")
	}
}

func TestGlobalPermissionCacheSetGetInvalidate(t *testing.T) {
	cache := NewGlobalPermissionCache(newTestRedis(t), time.Minute)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, 1); ok {
		t.Error("expected a cache miss for an unset user")
	}

	perms := []Permission{{Codename: "view_project", ContentTypeID: 3}}
	cache.Set(ctx, 1, perms)

	got, ok := cache.Get(ctx, 1)
	if !ok {
		t.Fatal("expected a cache hit after Set")
	}
	if len(got) != 1 || got[0].Codename != "view_project" {
		t.Fatalf("Get = %v, want %v", got, perms)
	}

	cache.Invalidate(ctx, 1)
	if _, ok := cache.Get(ctx, 1); ok {
		t.Error("expected a cache miss after Invalidate")
	}
}

func TestCachedEvaluatorSingletonPermissionsUsesCacheOnHit(t *testing.T) {
	db := OpenSQLiteSchema(t)
	rdStore := NewRoleDefinitionStore(db)
	projectCtID := seedContentType(t, rdStore, "project", PKUUID)

	reg := NewRegistry()
	_ = reg.Register(fakeResourceType{name: "project", contentTypeID: projectCtID, pkKind: PKUUID}, "")
	reg.Freeze()

	objectRoles := NewObjectRoleStore(db)
	assignments := NewAssignmentStore(db)
	evalStore := NewEvaluationStore(db)
	evaluator := NewEvaluator(reg, objectRoles, assignments, rdStore, evalStore, BypassAndRoleConfig{
		AllowSingletonUserRoles: true,
	}, BypassConfig{}, nil, nil)

	ctx := context.Background()
	rd, err := rdStore.Create(ctx, RoleDefinition{
		Name:        "global-viewer",
		Permissions: []Permission{{Codename: "view_project", ContentTypeID: projectCtID}},
	})
	if err != nil {
		t.Fatalf("Create role definition: %v", err)
	}
	tx, _ := db.BeginTx(ctx, nil)
	if _, _, err := assignments.GetOrCreateUserAssignment(ctx, tx, rd.ID, 1, nil, nil); err != nil {
		t.Fatalf("GetOrCreateUserAssignment: %v", err)
	}
	tx.Commit()

	permCache := NewGlobalPermissionCache(newTestRedis(t), time.Minute)
	cached := NewCachedEvaluator(evaluator, permCache)

	user := fakeUser{id: 1}
	perms, err := cached.SingletonPermissions(ctx, user)
	if err != nil {
		t.Fatalf("SingletonPermissions (miss): %v", err)
	}
	if len(perms) != 1 || perms[0].Codename != "view_project" {
		t.Fatalf("SingletonPermissions (miss) = %v", perms)
	}

	// Prime a different value directly into the cache to prove the second
	// call is served from it rather than recomputed.
	permCache.Set(ctx, 1, []Permission{{Codename: "from_cache", ContentTypeID: projectCtID}})
	perms, err = cached.SingletonPermissions(ctx, user)
	if err != nil {
		t.Fatalf("SingletonPermissions (hit): %v", err)
	}
	if len(perms) != 1 || perms[0].Codename != "from_cache" {
		t.Fatalf("SingletonPermissions (hit) = %v, want the cached override", perms)
	}
}

// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings (ambient health/metrics listener only; the engine exposes
// no REST API of its own):
//
//	RBAC_HOST="0.0.0.0"
//	RBAC_PORT="8080"
//	RBAC_HEALTH_PORT="9090"
//	RBAC_READ_TIMEOUT="15s"
//	RBAC_WRITE_TIMEOUT="15s"
//	RBAC_IDLE_TIMEOUT="60s"
//	RBAC_SHUTDOWN_TIMEOUT="30s"
//
// Database and cache settings:
//
//	RBAC_DATABASE_URL="postgres://localhost/rbac_engine?sslmode=disable"
//	RBAC_DATABASE_REPLICA_URLS="postgres://replica1,postgres://replica2"
//	RBAC_DATABASE_TIMEOUT="5s"
//	RBAC_REDIS_URL="redis://localhost:6379/0"
//	RBAC_REDIS_PASSWORD=""
//
// RBAC_REDIS_URL left empty disables the optional role-definition and
// global-permission read-through caches; the materialized evaluation
// tables themselves are never cached regardless of this setting.
//
// RBAC settings, translated into rbac.BypassAndRoleConfig and
// rbac.BypassConfig for the engine:
//
//	RBAC_ALLOW_SINGLETON_USER_ROLES="false"
//	RBAC_ALLOW_SINGLETON_TEAM_ROLES="false"
//	RBAC_BYPASS_SUPERUSER_FLAGS="is_superuser,is_system_auditor"
//	RBAC_BYPASS_ACTION_FLAGS="view:is_auditor,change:is_admin"
//	RBAC_CREATOR_DEFAULTS="organization-admin"
//	RBAC_CACHE_PARENT_PERMISSIONS="false"
//	RBAC_TEAM_TEAM_ALLOWED="true"
//	RBAC_TEAM_ORG_ALLOWED="true"
//	RBAC_TEAM_ORG_TEAM_ALLOWED="true"
//	RBAC_ROLE_PRECREATE_FILE="/etc/rbac-engine/roles.json"
//
// RBAC_ROLE_PRECREATE_FILE names a JSON file holding a []rbac.RoleTemplate
// array; each template is created as a managed role definition at startup
// if no role definition with that name already exists.
//
// Observability settings:
//
//	RBAC_LOG_LEVEL="info"  # debug, info, warn, error
//	RBAC_METRICS_ENABLED="true"
//	RBAC_OTEL_ENABLED="true"
//	RBAC_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	engine := rbac.NewEngine(db, registry, rbac.EngineConfig{
//		BypassAndRoleConfig: cfg.RBAC.BypassAndRoleConfig(),
//		BypassFlags:         cfg.RBAC.BypassConfig(),
//	}, logger, metrics)
//
// # Related Packages
//
//   - pkg/rbac: consumes RBACConfig's projection methods
//   - pkg/observability: consumes ObservabilityConfig
package config

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opsgraph/rbacengine/pkg/observability"
	"github.com/opsgraph/rbacengine/pkg/rbac"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	RBAC          RBACConfig
	Observability ObservabilityConfig
}

// DatabaseConfig holds the Postgres primary/replica connection settings the
// evaluation and assignment stores run against.
type DatabaseConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// RedisConfig holds the optional Redis connection used by the
// role-definition and global-permission read-through caches. Empty URL
// means caching is disabled.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// Enabled reports whether a Redis cache layer should be wired up.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// ServerConfig holds the ambient health/metrics listener configuration. The
// engine itself exposes no REST API (SPEC_FULL.md §1), but the process
// still runs as a long-lived service with a health/metrics surface.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RBACConfig mirrors the ANSIBLE_BASE_* settings the original
// implementation exposes, translated into rbac.BypassAndRoleConfig and
// rbac.BypassConfig plus the settings that don't belong on either.
type RBACConfig struct {
	AllowSingletonUserRoles bool
	AllowSingletonTeamRoles bool
	BypassSuperuserFlags    []string
	BypassActionFlags       map[string]string
	CreatorDefaults         []string
	CacheParentPermissions  bool
	TeamTeamAllowed         bool
	TeamOrgAllowed          bool
	TeamOrgTeamAllowed      bool
	RolePrecreate           []rbac.RoleTemplate
}

// BypassAndRoleConfig projects the singleton-role and team-gating switches
// into the shape rbac.Engine/rbac.Evaluator consume.
func (c RBACConfig) BypassAndRoleConfig() rbac.BypassAndRoleConfig {
	return rbac.BypassAndRoleConfig{
		AllowSingletonUserRoles: c.AllowSingletonUserRoles,
		AllowSingletonTeamRoles: c.AllowSingletonTeamRoles,
		TeamTeamAllowed:         c.TeamTeamAllowed,
		TeamOrgAllowed:          c.TeamOrgAllowed,
		TeamOrgTeamAllowed:      c.TeamOrgTeamAllowed,
	}
}

// BypassConfig projects the superuser/action-bypass flag names into the
// shape the evaluator consumes.
func (c RBACConfig) BypassConfig() rbac.BypassConfig {
	return rbac.BypassConfig{
		SuperuserFlags: c.BypassSuperuserFlags,
		ActionFlags:    c.BypassActionFlags,
	}
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		RBAC:          loadRBACConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("RBAC_HOST", "0.0.0.0"),
		Port:            getEnv("RBAC_PORT", "8080"),
		ReadTimeout:     getEnvDuration("RBAC_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RBAC_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("RBAC_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RBAC_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("RBAC_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		PrimaryURL:  getEnv("RBAC_DATABASE_URL", "postgres://localhost/rbac_engine?sslmode=disable"),
		MaxConns:    20,
		MinConns:    2,
		Timeout:     getEnvDuration("RBAC_DATABASE_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("RBAC_DATABASE_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("RBAC_DATABASE_MAX_IDLE_TIME", 5*time.Minute),
	}
	if replicas := getEnv("RBAC_DATABASE_REPLICA_URLS", ""); replicas != "" {
		cfg.ReplicaURLs = splitNonEmpty(replicas, ",")
	}
	return cfg
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("RBAC_REDIS_URL", ""),
		Password: getEnv("RBAC_REDIS_PASSWORD", ""),
		PoolSize: 10,
	}
}

func loadRBACConfig() RBACConfig {
	cfg := RBACConfig{
		AllowSingletonUserRoles: getEnvBool("RBAC_ALLOW_SINGLETON_USER_ROLES", false),
		AllowSingletonTeamRoles: getEnvBool("RBAC_ALLOW_SINGLETON_TEAM_ROLES", false),
		CacheParentPermissions:  getEnvBool("RBAC_CACHE_PARENT_PERMISSIONS", false),
		TeamTeamAllowed:         getEnvBool("RBAC_TEAM_TEAM_ALLOWED", true),
		TeamOrgAllowed:          getEnvBool("RBAC_TEAM_ORG_ALLOWED", true),
		TeamOrgTeamAllowed:      getEnvBool("RBAC_TEAM_ORG_TEAM_ALLOWED", true),
	}

	if flags := getEnv("RBAC_BYPASS_SUPERUSER_FLAGS", ""); flags != "" {
		cfg.BypassSuperuserFlags = splitNonEmpty(flags, ",")
	}

	if pairs := getEnv("RBAC_BYPASS_ACTION_FLAGS", ""); pairs != "" {
		cfg.BypassActionFlags = make(map[string]string)
		for _, pair := range splitNonEmpty(pairs, ",") {
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) == 2 {
				cfg.BypassActionFlags[kv[0]] = kv[1]
			}
		}
	}

	if defaults := getEnv("RBAC_CREATOR_DEFAULTS", ""); defaults != "" {
		cfg.CreatorDefaults = splitNonEmpty(defaults, ",")
	}

	if path := getEnv("RBAC_ROLE_PRECREATE_FILE", ""); path != "" {
		templates, err := loadRolePrecreateFile(path)
		if err == nil {
			cfg.RolePrecreate = templates
		}
	}

	return cfg
}

// loadRolePrecreateFile parses the small JSON seed file named by
// RBAC_ROLE_PRECREATE_FILE into managed role templates.
func loadRolePrecreateFile(path string) ([]rbac.RoleTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role precreate file: %w", err)
	}
	var templates []rbac.RoleTemplate
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("failed to parse role precreate file: %w", err)
	}
	return templates, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("RBAC_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("RBAC_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("RBAC_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("RBAC_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("RBAC_OTEL_SERVICE_NAME", "rbac-engine"),
		OTelServiceVersion: getEnv("RBAC_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("RBAC_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

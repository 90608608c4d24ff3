package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the gateway, loaded from environment
// variables. One loader per concern, defaults inline.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	OAuth       OAuthConfig
	Cache       CacheConfig
	Maintenance MaintenanceConfig
	Plan        PlanConfig
	Audit       AuditConfig
	Jobx        JobxConfig
	Notifx      NotifxConfig
}

// Load builds the full configuration from the environment.
func Load() *Config {
	return &Config{
		Server:      loadServerConfig(),
		Database:    loadDatabaseConfig(),
		Redis:       loadRedisConfig(),
		Auth:        loadAuthConfig(),
		OAuth:       loadOAuthConfig(),
		Cache:       loadCacheConfig(),
		Maintenance: loadMaintenanceConfig(),
		Plan:        loadPlanConfig(),
		Audit:       loadAuditConfig(),
		Jobx:        loadJobxConfig(),
		Notifx:      loadNotifxConfig(),
	}
}

// ─── env helpers ─────────────────────────────────────────────────────────────

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(v) == "true" || v == "1"
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvStringSlice(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

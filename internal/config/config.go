// Package config loads the control plane's configuration from the
// environment. Every knob also has a CLI flag in cmd/server that defaults to
// the corresponding environment value, following the flag-over-env pattern
// of the rest of the tooling.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// HTTPAddr is the listen address of the API server.
	HTTPAddr string

	// AdminAPIKey is the single bearer token accepted in the admin scope.
	AdminAPIKey string

	// AgentAPIKeys are the bearer tokens accepted in the agent scope.
	AgentAPIKeys []string

	// DBDriver selects the store backend: "sqlite" (default) or "postgres".
	DBDriver string

	// DBPath is the sqlite file path (":memory:" for ephemeral) or, for
	// postgres, the DSN.
	DBPath string

	// TaskLease is how long a claimed task may stay untouched before the
	// lease sweep requeues it.
	TaskLease time.Duration

	// EnableSwagger mounts the embedded OpenAPI document when true.
	EnableSwagger bool

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// FromEnv resolves the configuration from environment variables, applying
// defaults. It does not validate; call Validate before use.
func FromEnv() Config {
	return Config{
		HTTPAddr:      EnvOrDefault("HTTP_ADDR", ":8080"),
		AdminAPIKey:   os.Getenv("ADMIN_API_KEY"),
		AgentAPIKeys:  splitKeys(os.Getenv("AGENT_API_KEYS")),
		DBDriver:      EnvOrDefault("DB_DRIVER", "sqlite"),
		DBPath:        EnvOrDefault("DB_PATH", "data/controlplane.db"),
		TaskLease:     time.Duration(envInt("TASK_LEASE_SECONDS", 300)) * time.Second,
		EnableSwagger: envBool("ENABLE_SWAGGER"),
		LogLevel:      EnvOrDefault("LOG_LEVEL", "info"),
	}
}

// Validate reports the first fatal configuration problem, or nil.
func (c Config) Validate() error {
	if c.AdminAPIKey == "" {
		return fmt.Errorf("config: ADMIN_API_KEY is required")
	}
	if len(c.AgentAPIKeys) == 0 {
		return fmt.Errorf("config: AGENT_API_KEYS is required")
	}
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.TaskLease <= 0 {
		return fmt.Errorf("config: TASK_LEASE_SECONDS must be positive")
	}
	return nil
}

// EnvOrDefault returns the environment value for key, or def when unset or
// empty.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

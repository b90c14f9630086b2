package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		HTTPAddr:     ":8080",
		AdminAPIKey:  "admin-key",
		AgentAPIKeys: []string{"agent-key"},
		DBDriver:     "sqlite",
		DBPath:       ":memory:",
		TaskLease:    300 * time.Second,
		LogLevel:     "info",
	}
}

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_ADDR", "ADMIN_API_KEY", "AGENT_API_KEYS",
		"DB_DRIVER", "DB_PATH", "TASK_LEASE_SECONDS", "ENABLE_SWAGGER", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "data/controlplane.db", cfg.DBPath)
	assert.Equal(t, 300*time.Second, cfg.TaskLease)
	assert.False(t, cfg.EnableSwagger)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.AgentAPIKeys)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ADMIN_API_KEY", "root")
	t.Setenv("AGENT_API_KEYS", "k1, k2,,k3")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("TASK_LEASE_SECONDS", "60")
	t.Setenv("ENABLE_SWAGGER", "true")

	cfg := FromEnv()
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "root", cfg.AdminAPIKey)
	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.AgentAPIKeys)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 60*time.Second, cfg.TaskLease)
	assert.True(t, cfg.EnableSwagger)
}

func TestFromEnvBadLeaseFallsBack(t *testing.T) {
	t.Setenv("TASK_LEASE_SECONDS", "soon")
	assert.Equal(t, 300*time.Second, FromEnv().TaskLease)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.AdminAPIKey = ""
	assert.ErrorContains(t, cfg.Validate(), "ADMIN_API_KEY")

	cfg = validConfig()
	cfg.AgentAPIKeys = nil
	assert.ErrorContains(t, cfg.Validate(), "AGENT_API_KEYS")

	cfg = validConfig()
	cfg.DBDriver = "mysql"
	assert.ErrorContains(t, cfg.Validate(), "DB_DRIVER")

	cfg = validConfig()
	cfg.TaskLease = 0
	assert.ErrorContains(t, cfg.Validate(), "TASK_LEASE_SECONDS")
}

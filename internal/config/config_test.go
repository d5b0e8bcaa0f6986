package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nativebpm/taskworker/internal/pack"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, "http://localhost:8080/engine-rest", cfg.EngineURL)
	assert.Equal(t, DefaultMaxJobs, cfg.MaxJobs)
	assert.Equal(t, DefaultAsyncResponseTimeout, cfg.AsyncResponseTimeout)
	assert.Equal(t, DefaultLockDuration, cfg.LockDuration)
	assert.Equal(t, DefaultCallTimeout, cfg.CallTimeout)
	assert.Equal(t, pack.PolicyFail, cfg.DefaultPolicy)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ENGINE_REST_BASE_URL", "http://engine:8080/engine-rest")
	t.Setenv("ENGINE_REST_AUTHORIZATION", "Basic Zm9v")
	t.Setenv("ENGINE_REST_POLL_TTL_SECONDS", "45")
	t.Setenv("ENGINE_REST_LOCK_TTL_SECONDS", "60")
	t.Setenv("ENGINE_REST_TIMEOUT_SECONDS", "5")
	t.Setenv("TASKS_WORKER_ID", "worker-7")
	t.Setenv("TASKS_SECRETS_PROFILE", "billing")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := FromEnv()

	assert.Equal(t, "http://engine:8080/engine-rest", cfg.EngineURL)
	assert.Equal(t, "Basic Zm9v", cfg.Authorization)
	assert.Equal(t, 45*time.Second, cfg.AsyncResponseTimeout)
	assert.Equal(t, 60*time.Second, cfg.LockDuration)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, "worker-7", cfg.WorkerID)
	assert.Equal(t, "billing", cfg.SecretsProfile)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFromEnv_BadDurationFallsBack(t *testing.T) {
	t.Setenv("ENGINE_REST_POLL_TTL_SECONDS", "soon")
	cfg := FromEnv()
	assert.Equal(t, DefaultAsyncResponseTimeout, cfg.AsyncResponseTimeout)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.env")
	require.NoError(t, os.WriteFile(path, []byte("TASKS_WORKER_ID=from-file\n"), 0o600))

	// Process environment wins over the file
	t.Setenv("TASKS_WORKER_ID", "from-env")
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-env", FromEnv().WorkerID)
}

func TestLoadEnvFile_Missing(t *testing.T) {
	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")))
}

func TestValidate(t *testing.T) {
	base := FromEnv()

	tests := []struct {
		name   string
		mutate func(*WorkerConfig)
	}{
		{"empty engine url", func(c *WorkerConfig) { c.EngineURL = "" }},
		{"empty worker id", func(c *WorkerConfig) { c.WorkerID = "" }},
		{"zero max jobs", func(c *WorkerConfig) { c.MaxJobs = 0 }},
		{"negative poll ttl", func(c *WorkerConfig) { c.AsyncResponseTimeout = -time.Second }},
		{"zero lock duration", func(c *WorkerConfig) { c.LockDuration = 0 }},
		{"zero call timeout", func(c *WorkerConfig) { c.CallTimeout = 0 }},
		{"bad policy", func(c *WorkerConfig) { c.DefaultPolicy = "RETRY" }},
		{"unset policy", func(c *WorkerConfig) { c.DefaultPolicy = pack.PolicyUnset }},
		{"empty executor", func(c *WorkerConfig) { c.ExecutorPath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv sets environment variables for a test and restores the
// previous values on cleanup
func setupEnv(t *testing.T, envVars map[string]string) {
	t.Helper()
	for name, value := range envVars {
		t.Setenv(name, value)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 2, cfg.Pool.WorkerCount)
	assert.Equal(t, 120*time.Second, cfg.Pool.ShutdownTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Pool.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Pool.GlobalRestartCooldown)
	assert.Equal(t, 1000, cfg.Queue.MaxSize)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "key", cfg.Queue.KeyField)
	assert.Equal(t, "./profiles", cfg.Profiles.Root)
	assert.Zero(t, cfg.Profiles.MaxProfiles)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadFromEnv(t *testing.T) {
	setupEnv(t, map[string]string{
		"TASKPOOL_POOL_WORKER_COUNT":     "4",
		"TASKPOOL_POOL_SHUTDOWN_TIMEOUT": "90s",
		"TASKPOOL_QUEUE_RETRY_DELAY":     "5s",
		"TASKPOOL_PROFILES_ROOT":         "/tmp/profiles",
		"TASKPOOL_LOGGING_LEVEL":         "debug",
	})

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.WorkerCount)
	assert.Equal(t, 90*time.Second, cfg.Pool.ShutdownTimeout)
	assert.Equal(t, 5*time.Second, cfg.Queue.RetryDelay)
	assert.Equal(t, "/tmp/profiles", cfg.Profiles.Root)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	content := `
pool:
  worker_count: 3
  poll_interval: 250ms
queue:
  key_field: record_id
  required_fields:
    - url
profiles:
  root: /var/lib/taskpool/profiles
  max_profiles: 10
logging:
  format: json
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pool.WorkerCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.PollInterval)
	assert.Equal(t, "record_id", cfg.Queue.KeyField)
	assert.Equal(t, []string{"url"}, cfg.Queue.RequiredFields)
	assert.Equal(t, "/var/lib/taskpool/profiles", cfg.Profiles.Root)
	assert.Equal(t, 10, cfg.Profiles.MaxProfiles)
	assert.Equal(t, "json", cfg.Logging.Format)

	// defaults still apply for keys the file omits
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	content := `
pool:
  worker_count: 3
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	setupEnv(t, map[string]string{
		"TASKPOOL_POOL_WORKER_COUNT": "7",
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.WorkerCount)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "worker count too large",
			env:  map[string]string{"TASKPOOL_POOL_WORKER_COUNT": "200"},
		},
		{
			name: "bad log level",
			env:  map[string]string{"TASKPOOL_LOGGING_LEVEL": "verbose"},
		},
		{
			name: "bad log format",
			env:  map[string]string{"TASKPOOL_LOGGING_FORMAT": "xml"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupEnv(t, tt.env)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestConfigConversions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	logger := cfg.Logger()
	require.NotNil(t, logger)

	pc := cfg.PoolConfig(logger)
	assert.Equal(t, cfg.Pool.WorkerCount, pc.WorkerCount)
	assert.Equal(t, cfg.Pool.ShutdownTimeout, pc.ShutdownTimeout)

	qc := cfg.QueueConfig(logger)
	assert.Equal(t, cfg.Queue.MaxSize, qc.MaxSize)
	assert.Equal(t, cfg.Queue.KeyField, qc.KeyField)

	// zero max_profiles derives the cap from the worker count
	prc := cfg.ProfileConfig(logger)
	assert.Equal(t, 8, prc.MaxProfiles)
	assert.Equal(t, cfg.Profiles.Root, prc.Root)
}

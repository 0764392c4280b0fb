package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/taskpool/internal/testutils"
	"github.com/jzx17/taskpool/pkg/types"
)

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()

	config := DefaultConfig(t.TempDir())
	if mutate != nil {
		mutate(config)
	}
	m, err := NewManager(config)
	require.NoError(t, err)
	return m
}

func TestNewManager_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"nil config", nil},
		{"missing root", &Config{MaxProfiles: 4}},
		{"zero max profiles", &Config{Root: os.TempDir(), MaxProfiles: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.config)
			assert.Error(t, err)
			assert.Nil(t, m)
		})
	}
}

func TestCreate_EmptyProfile(t *testing.T) {
	m := newTestManager(t, nil)

	path, err := m.Create("worker-1", false)
	require.NoError(t, err)
	assert.DirExists(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	assert.True(t, m.Validate("worker-1"))
	assert.Equal(t, 1, m.Stats().ActiveProfiles)
}

func TestCreate_DuplicateOwnership(t *testing.T) {
	m := newTestManager(t, nil)

	first, err := m.Create("worker-1", false)
	require.NoError(t, err)

	_, err = m.Create("worker-1", false)
	var pErr *types.ProfileError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, types.ProfileConflict, pErr.Kind)

	// force destroys the old profile first
	second, err := m.Create("worker-1", true)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.NoDirExists(t, first)
	assert.DirExists(t, second)
	assert.Equal(t, 1, m.Stats().ActiveProfiles)
}

func TestCreate_CapacityCap(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MaxProfiles = 3 })

	var paths []string
	for i := 1; i <= 3; i++ {
		p, err := m.Create(fmt.Sprintf("worker-%d", i), false)
		require.NoError(t, err)
		paths = append(paths, p)
	}

	_, err := m.Create("worker-4", false)
	var cErr *types.CapacityError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, "profiles", cErr.Resource)
	assert.Equal(t, 3, cErr.Current)
	assert.Equal(t, 3, cErr.Max)

	// prior profiles are untouched
	for _, p := range paths {
		assert.DirExists(t, p)
	}
	assert.Equal(t, 3, m.Stats().ActiveProfiles)
}

func TestCreate_ConcurrentRespectsCapacity(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MaxProfiles = 3 })

	const workers = 8
	results := make(chan error, workers)
	for i := 1; i <= workers; i++ {
		go func(id int) {
			_, err := m.Create(fmt.Sprintf("worker-%d", id), false)
			results <- err
		}(i)
	}

	created, rejected := 0, 0
	for i := 0; i < workers; i++ {
		err := <-results
		if err == nil {
			created++
			continue
		}
		var cErr *types.CapacityError
		require.ErrorAs(t, err, &cErr)
		rejected++
	}

	assert.Equal(t, 3, created)
	assert.Equal(t, 5, rejected)
	assert.Equal(t, 3, m.Stats().ActiveProfiles)
}

func TestCreate_ClonesTemplate(t *testing.T) {
	template := testutils.TempProfileTemplate(t)
	m := newTestManager(t, func(c *Config) { c.TemplatePath = template })

	path, err := m.Create("worker-1", false)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(path, "settings", "prefs.json"))
	assert.FileExists(t, filepath.Join(path, "state.db"))

	// cache subtree and lock markers are stripped
	assert.NoDirExists(t, filepath.Join(path, "Cache"))
	assert.NoFileExists(t, filepath.Join(path, "SingletonLock"))
}

func TestCreate_MissingTemplateDegradesToEmpty(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.TemplatePath = filepath.Join(os.TempDir(), "does-not-exist-template")
	})

	path, err := m.Create("worker-1", false)
	require.NoError(t, err, "copy failure must degrade, not fail creation")
	assert.DirExists(t, path)
	assert.Equal(t, 1, m.Breaker().Failures())
}

func TestCreate_BreakerOpenSkipsCopy(t *testing.T) {
	template := testutils.TempProfileTemplate(t)
	m := newTestManager(t, func(c *Config) {
		c.TemplatePath = template
		c.Breaker = &BreakerConfig{FailureThreshold: 1, RecoveryWindow: time.Hour}
	})

	m.Breaker().RecordFailure()
	require.True(t, m.Breaker().IsOpen())

	path, err := m.Create("worker-1", false)
	require.NoError(t, err)
	assert.DirExists(t, path)
	assert.NoFileExists(t, filepath.Join(path, "state.db"), "open breaker must skip copy")
}

func TestValidate(t *testing.T) {
	m := newTestManager(t, nil)

	assert.False(t, m.Validate("worker-1"), "no profile yet")

	path, err := m.Create("worker-1", false)
	require.NoError(t, err)
	assert.True(t, m.Validate("worker-1"))

	require.NoError(t, os.RemoveAll(path))
	assert.False(t, m.Validate("worker-1"), "deleted profile fails validation")
}

func TestCleanup(t *testing.T) {
	m := newTestManager(t, nil)

	path, err := m.Create("worker-1", false)
	require.NoError(t, err)

	assert.True(t, m.Cleanup("worker-1"))
	assert.NoDirExists(t, path)
	assert.Equal(t, 0, m.Stats().ActiveProfiles)

	// cleanup of an unknown worker is a no-op success
	assert.True(t, m.Cleanup("worker-1"))
}

func TestCleanupAll(t *testing.T) {
	m := newTestManager(t, nil)

	for i := 1; i <= 3; i++ {
		_, err := m.Create(fmt.Sprintf("worker-%d", i), false)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, m.CleanupAll())
	assert.Equal(t, 0, m.Stats().ActiveProfiles)
}

func TestSize(t *testing.T) {
	m := newTestManager(t, nil)

	path, err := m.Create("worker-1", false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "data.bin"), make([]byte, 1024), 0o600))

	size, err := m.Size("worker-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), size)

	_, err = m.Size("worker-9")
	assert.ErrorIs(t, err, types.ErrProfileNotFound)
}

func TestPath(t *testing.T) {
	m := newTestManager(t, nil)

	created, err := m.Create("worker-1", false)
	require.NoError(t, err)

	path, err := m.Path("worker-1")
	require.NoError(t, err)
	assert.Equal(t, created, path)

	_, err = m.Path("worker-9")
	assert.ErrorIs(t, err, types.ErrProfileNotFound)
}

// Package testutils provides simplified testing utilities and helper functions
package testutils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertEventually waits for condition to become true
func AssertEventually(t *testing.T, condition func() bool, timeout, tick time.Duration, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Eventually(t, condition, timeout, tick, msgAndArgs...)
}

// TempProfileTemplate creates a base profile template directory populated
// with regular files, a cache subtree and a lock marker, for exercising
// template cloning.
func TempProfileTemplate(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "settings"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Cache", "data"), 0o755))

	files := map[string]string{
		"settings/prefs.json": `{"theme":"dark"}`,
		"state.db":            "state",
		"Cache/data/blob":     "cached-bytes",
		"SingletonLock":       "",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	return dir
}

// FileExists reports whether the path exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

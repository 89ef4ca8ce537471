package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, 3000, c.Intercept.ProcessTimeoutMS)
	assert.Equal(t, []string{"data", "blob"}, c.Intercept.BypassSchemes)
	assert.False(t, c.Intercept.Strict)
	assert.NoError(t, c.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "2"
sqlite:
  dsn: events.db
log:
  level: info
  writer: [console]
intercept:
  processTimeoutMS: 500
  strict: true
`), 0o644))

	t.Setenv("NETINTERCEPT_MAX_REDIRECTS", "5")
	t.Setenv("NETINTERCEPT_BYPASS_SCHEMES", "data,blob,about")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2", c.Version)
	assert.Equal(t, "events.db", c.Sqlite.Dsn)
	assert.Equal(t, "netintercept_", c.Sqlite.Prefix)
	assert.Equal(t, []string{"console"}, c.Log.Writer)
	assert.Equal(t, 500, c.Intercept.ProcessTimeoutMS)
	assert.True(t, c.Intercept.Strict)
	assert.Equal(t, 5, c.Intercept.MaxRedirects)
	assert.Equal(t, []string{"data", "blob", "about"}, c.Intercept.BypassSchemes)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("intercept:\n  processTimeoutMS: -1\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

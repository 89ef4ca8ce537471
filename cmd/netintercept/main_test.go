package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NETINTERCEPT_LOG_WRITER", "console")
	t.Setenv("NETINTERCEPT_LOG_LEVEL", "error")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(`<html><head><script src="app.js"></script><script src="ads.js"></script></head></html>`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte(`1`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ads.js"), []byte(`2`), 0o644))
	rules := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`
rules:
  - id: no-ads
    match:
      allOf:
        - type: url
          pattern: "*ads.js"
    action:
      type: block
`), 0o644))

	out, err := run(t, "load", "--no-store", "--dir", dir, "--scheme", "app", "--rules", rules, "app://site/index.html")
	require.NoError(t, err)
	assert.Contains(t, out, "main_frame  proceed")
	assert.Contains(t, out, "app://site/app.js")
	assert.Regexp(t, `script\s+block\s+false\s+0\s+app://site/ads.js`, out)
	assert.Contains(t, out, "rules: 3 evaluated, 1 matched")
}

func TestLoadCommandMissingDocument(t *testing.T) {
	_, err := run(t, "load", "--no-store", "--dir", t.TempDir(), "app://site/missing.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestFullScreenCommand(t *testing.T) {
	out, err := run(t, "fullscreen", "--no-store", "--policy", "none", "data:text/html,<p>x</p>")
	require.NoError(t, err)
	assert.Contains(t, out, "toggleOn=true resolved=true fullScreen=false")
	assert.Contains(t, out, "toggleOn=false resolved=true fullScreen=false")
	assert.NotContains(t, out, "fullScreen=true")

	out, err = run(t, "fullscreen", "--no-store", "--policy", "accept", "data:text/html,<p>x</p>")
	require.NoError(t, err)
	assert.Contains(t, out, "toggleOn=true resolved=true fullScreen=true")
	assert.Contains(t, out, "toggleOn=false resolved=true fullScreen=false")

	_, err = run(t, "fullscreen", "--no-store", "--policy", "bogus", "data:,x")
	assert.Error(t, err)
}

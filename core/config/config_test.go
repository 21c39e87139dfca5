package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.Server.PollTimeout)
	assert.Equal(t, 45*time.Second, c.Server.IdleTimeout)
	assert.Equal(t, 11*time.Second, c.CGI.Timeout)
	assert.Equal(t, "/usr/bin/python3", c.CGI.Interpreter)
	assert.Equal(t, 4096, c.Server.RecvBuffer)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yml := "server:\n  idle_timeout: 5s\n  config_file: /etc/site.conf\ncgi:\n  timeout: 2s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0644))
	t.Setenv("WEBSERV_CGI_INTERPRETER", "/bin/sh")

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.Server.IdleTimeout)
	assert.Equal(t, "/etc/site.conf", c.Server.ConfigFile)
	assert.Equal(t, 2*time.Second, c.CGI.Timeout)
	assert.Equal(t, "/bin/sh", c.CGI.Interpreter)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("WEBSERV_SERVER_GZIP=true\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("WEBSERV_SERVER_GZIP") })

	c, err := Load()
	require.NoError(t, err)
	assert.True(t, c.Server.Gzip)
}

func TestServerVersion(t *testing.T) {
	assert.Contains(t, ServerVersion(), "GoWebserv/")
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(old) })
}

package config

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/usersync/pkg/store"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeFile(t *testing.T, content string) string {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.PageSize)
	assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Remote.FetchTimeout))
	assert.False(t, cfg.VizOnExit)
	assert.True(t, cfg.Remote.IDCursor)
}

func TestFileThenFlags(t *testing.T) {
	p := writeFile(t, `
addr: 0.0.0.0:9000
page_size: 10
remote:
  base_url: http://localhost:1234
  fetch_timeout: 2s
  id_cursor: false
store:
  driver: automerge
  path: users.automerge
viz_on_exit: true
`)
	cfg, err := Parse(newFlagSet(), []string{"-config", p, "-page-size", "5"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
	assert.Equal(t, 5, cfg.PageSize)
	assert.Equal(t, "http://localhost:1234", cfg.Remote.BaseURL)
	assert.False(t, cfg.Remote.IDCursor)
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Remote.FetchTimeout))
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Remote.ImageTimeout))
	assert.Equal(t, store.DriverAutomerge, cfg.Store.Driver)
	assert.Equal(t, "users.automerge", cfg.Store.Path)
	assert.True(t, cfg.VizOnExit)
}

func TestIDCursorFlag(t *testing.T) {
	cfg, err := Parse(newFlagSet(), []string{"-id-cursor=false"})
	require.NoError(t, err)
	assert.False(t, cfg.Remote.IDCursor)
}

func TestUnknownFieldRejected(t *testing.T) {
	p := writeFile(t, "pagesize: 10\n")
	_, err := Parse(newFlagSet(), []string{"-config", p})
	assert.ErrorContains(t, err, "failed to decode config")
}

func TestBadDuration(t *testing.T) {
	p := writeFile(t, "store:\n  timeout: soon\n")
	_, err := Parse(newFlagSet(), []string{"-config", p})
	assert.ErrorContains(t, err, "invalid duration")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.PageSize = 0
	cfg.Store.Driver = "postgres"
	cfg.Remote.BaseURL = "ftp://example.com"
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "page_size must be positive")
	assert.ErrorContains(t, err, `unknown store.driver "postgres"`)
	assert.ErrorContains(t, err, "must be http or https")
	assert.ErrorContains(t, err, `invalid log_level "loud"`)
}

func TestLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	l, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)
}

func TestBaseURLGetsTrailingSlash(t *testing.T) {
	cfg := Default()
	cfg.Remote.BaseURL = "http://localhost:1234/api"
	u, err := cfg.BaseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:1234/api/users", u.JoinPath("users").String())
}

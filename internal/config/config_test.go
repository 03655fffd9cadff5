package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uberconfig "go.uber.org/config"
	"go.uber.org/multierr"

	"sensei/internal/process"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, 64<<10, cfg.Limits.MaxSourceBytes)
	assert.Equal(t, 4<<10, cfg.Limits.MaxLineBytes)
	assert.Equal(t, 10, cfg.Session.RunTimeoutSeconds)
}

func TestPopulate_OverlaysDefaults(t *testing.T) {
	p, err := uberconfig.NewStaticProvider(map[string]interface{}{
		"session": map[string]interface{}{
			"maxSessions":       4,
			"runTimeoutSeconds": 3,
		},
		"toolchains": []map[string]interface{}{
			{"id": "rust", "sourceExt": ".rs", "compile": []string{"rustc", "{src}", "-o", "{bin}"}},
		},
	})
	require.NoError(t, err)

	cfg := Default()
	require.NoError(t, Populate(p, &cfg))

	assert.Equal(t, 4, cfg.Session.MaxSessions)
	assert.Equal(t, 3, cfg.Session.RunTimeoutSeconds)
	assert.Equal(t, 30, cfg.Session.CompileTimeoutSeconds, "unset keys keep their defaults")
	require.Len(t, cfg.Toolchains, 1)
	assert.Equal(t, "rust", cfg.Toolchains[0].ID)
	assert.Equal(t, []string{"rustc", "{src}", "-o", "{bin}"}, cfg.Toolchains[0].Compile)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                "9000",
		"MAX_SESSIONS":        "not-a-number",
		"RUN_TIMEOUT_SECONDS": "2",
		"WORK_DIR":            "/var/sensei",
		"LOG_LEVEL":           "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	ApplyEnv(&cfg, lookup)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Session.MaxSessions, "invalid numbers are ignored")
	assert.Equal(t, 2, cfg.Session.RunTimeoutSeconds)
	assert.Equal(t, "/var/sensei", cfg.Artifacts.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensei.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
session:
  maxSessions: 2
artifacts:
  dir: ${SENSEI_TEST_DIR:/tmp/fallback}
log:
  format: json
`), 0o644))

	t.Setenv("SENSEI_TEST_DIR", "/srv/artifacts")
	t.Setenv("PORT", "7001")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port, "env wins over file")
	assert.Equal(t, 2, cfg.Session.MaxSessions)
	assert.Equal(t, "/srv/artifacts", cfg.Artifacts.Dir)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  maxSessions: 0\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "maxSessions")
}

func TestValidate_CollectsAll(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.Toolchains = []process.Toolchain{{ID: "empty"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 4)
}

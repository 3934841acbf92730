package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

// load runs Load with an isolated .env file and catalog path.
func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	base := []string{
		"-env-file", filepath.Join(dir, "missing.env"),
		"-catalog-path", filepath.Join(dir, "catalog"),
	}
	return Load("fswatch", append(base, args...))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "default", cfg.Watch.Backend)
	assert.Equal(t, 50*time.Millisecond, cfg.Watch.Quantum)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Zero(t, cfg.Server.WriteTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.InDelta(t, 2.0, cfg.Server.RateLimit, 0.001)
	assert.Equal(t, 5, cfg.Server.RateBurst)
	assert.Empty(t, cfg.Args)
}

func TestLoad_FlagsAndArgs(t *testing.T) {
	ignored := t.TempDir()

	cfg, err := load(t,
		"-backend", "brute-force",
		"-ignore", ignored,
		"-ignore", "relative/dir",
		"-ignore-glob", "**/*.tmp",
		"-quantum", "10ms",
		"-log-level", "DEBUG",
		"-name", "nightly",
		"/srv/data", "snap.db",
	)
	require.NoError(t, err)

	assert.Equal(t, "brute-force", cfg.Watch.Backend)
	require.Len(t, cfg.Watch.Ignore, 2)
	assert.Equal(t, ignored, cfg.Watch.Ignore[0])
	assert.True(t, filepath.IsAbs(cfg.Watch.Ignore[1]))
	assert.Equal(t, []string{"**/*.tmp"}, cfg.Watch.IgnoreGlobs)
	assert.Equal(t, 10*time.Millisecond, cfg.Watch.Quantum)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "nightly", cfg.Catalog.Name)
	assert.Equal(t, []string{"/srv/data", "snap.db"}, cfg.Args)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"# comment\nFSWATCH_BACKEND=watchman\nFSWATCH_ADDR=\"127.0.0.1:9000\"\nFSWATCH_QUANTUM=25ms\n",
	), 0o600))

	// Registered so the values loaded from .env are restored afterwards.
	t.Setenv("FSWATCH_BACKEND", "")
	t.Setenv("FSWATCH_QUANTUM", "")

	// Environment beats .env, flags beat environment.
	t.Setenv("FSWATCH_ADDR", "localhost:7000")
	t.Setenv("FSWATCH_IGNORE_GLOB", "*.swp, *.bak")

	cfg, err := Load("fswatch", []string{
		"-env-file", envFile,
		"-catalog-path", filepath.Join(dir, "catalog"),
		"-quantum", "5ms",
	})
	require.NoError(t, err)

	assert.Equal(t, "watchman", cfg.Watch.Backend)
	assert.Equal(t, "localhost:7000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Millisecond, cfg.Watch.Quantum)
	assert.Equal(t, []string{"*.swp", "*.bak"}, cfg.Watch.IgnoreGlobs)
}

func TestLoad_WatchmanSocketFromEnv(t *testing.T) {
	t.Setenv("WATCHMAN_SOCK", "/tmp/watchman.sock")

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/watchman.sock", cfg.Watch.WatchmanSocket)

	cfg, err = load(t, "-watchman-sock", "/run/other.sock")
	require.NoError(t, err)
	assert.Equal(t, "/run/other.sock", cfg.Watch.WatchmanSocket)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown backend", []string{"-backend", "kqueue"}},
		{"bad environment", []string{"-env", "test"}},
		{"bad log level", []string{"-log-level", "verbose"}},
		{"bad log format", []string{"-log-format", "xml"}},
		{"zero quantum", []string{"-quantum", "0s"}},
		{"bad addr", []string{"-addr", "nope"}},
		{"zero burst", []string{"-rate-burst", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, domainerrors.ErrValidation)
		})
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad quantum", []string{"-quantum", "soon"}},
		{"bad read timeout", []string{"-read-timeout", "x"}},
		{"bad rate", []string{"-rate-limit", "fast"}},
		{"bad burst", []string{"-rate-burst", "many"}},
		{"unknown flag", []string{"-frobnicate"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args...)
			require.Error(t, err)
			assert.NotErrorIs(t, err, domainerrors.ErrValidation)
		})
	}
}

func TestValidate_AllEnvironments(t *testing.T) {
	tests := []struct {
		env   string
		valid bool
	}{
		{"development", true},
		{"staging", true},
		{"production", true},
		{"test", false},
		{"", false},
		{"DEVELOPMENT", false}, // case sensitive
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := validConfig()
			cfg.App.Environment = tt.env

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_RelativeCatalogPath(t *testing.T) {
	cfg := validConfig()
	cfg.Catalog.Path = "catalog"
	assert.Error(t, cfg.Validate())
}

func validConfig() *Config {
	return &Config{
		App:     AppConfig{Environment: "development"},
		Logger:  LoggerConfig{Level: "info"},
		Watch:   WatchConfig{Backend: "default", Quantum: 50 * time.Millisecond},
		Catalog: CatalogConfig{Path: "/var/lib/fswatch"},
		Server:  ServerConfig{Addr: ":8080", RateLimit: 1, RateBurst: 1},
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/snaps", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "snaps"), got)

	got, err = expandPath("", "/default")
	require.NoError(t, err)
	assert.Equal(t, "/default", got)

	got, err = expandPath("/a/b/../c", "")
	require.NoError(t, err)
	assert.Equal(t, "/a/c", got)
}

func TestLoadEnvFile_InvalidLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("NOT_A_PAIR\n"), 0o600))
	assert.Error(t, loadEnvFile(path))
}

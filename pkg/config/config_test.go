package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "curtailx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Reconcile.BatchSize)
	assert.Equal(t, 3, cfg.Reconcile.MaxConcurrency)
	assert.Equal(t, 3, cfg.Reconcile.FixAttempts)
	assert.Equal(t, 5, cfg.Difficulty.Attempts)
	assert.Equal(t, 5*time.Second, cfg.Difficulty.InitialDelay)
	assert.Equal(t, 108105433845147.0, cfg.Difficulty.Default)
	assert.Equal(t, BackendPostgres, cfg.Difficulty.Backend)
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/curtailx
reconcile:
  batch_size: 10
  max_store_pause: 90s
  variants: [S9, M20S]
difficulty:
  endpoints: ["http://a", "http://b"]
  static:
    "2025-03-04": 1.5e14
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/curtailx", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Reconcile.BatchSize)
	assert.Equal(t, 3, cfg.Reconcile.MaxConcurrency, "unset keys keep their defaults")
	assert.Equal(t, 90*time.Second, cfg.Reconcile.MaxStorePause)
	assert.Equal(t, []string{"S9", "M20S"}, cfg.Reconcile.Variants)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Difficulty.Endpoints)
	assert.Equal(t, 1.5e14, cfg.Difficulty.Static["2025-03-04"])
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.RequireDatabase())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "database:\n  url: postgres://file\n")
	t.Setenv("POSTGRES_URL", "postgres://env")
	t.Setenv("DIFFICULTY_URL", "http://x, http://y,")
	t.Setenv("CHECKPOINT_PATH", "/var/lib/curtailx/cp.json")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("DIFFICULTY_DEFAULT", "1.25e14")
	t.Setenv("BATCH_SIZE", "8")
	t.Setenv("MAX_STORE_PAUSE", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1.25e14, cfg.Difficulty.Default)
	assert.Equal(t, 8, cfg.Reconcile.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Reconcile.MaxStorePause)
	assert.Equal(t, "postgres://env", cfg.Database.URL)
	assert.Equal(t, []string{"http://x", "http://y"}, cfg.Difficulty.Endpoints)
	assert.Equal(t, "/var/lib/curtailx/cp.json", cfg.Reconcile.CheckpointPath)
	assert.Equal(t, 6380, cfg.Redis.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"batch size", "reconcile:\n  batch_size: 0\n"},
		{"concurrency", "reconcile:\n  max_concurrency: -1\n"},
		{"backend", "difficulty:\n  backend: sqlite\n"},
		{"redis backend without redis", "difficulty:\n  backend: redis\n"},
		{"zero multiplier", "difficulty:\n  multiplier: 0\n"},
		{"shrinking multiplier", "difficulty:\n  multiplier: 0.5\n"},
		{"zero difficulty delay", "difficulty:\n  initial_delay: 0s\n"},
		{"zero fix delay", "reconcile:\n  fix_initial_delay: 0s\n"},
		{"malformed", "reconcile: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, faults.IsInvalidParameter(err))
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, faults.IsInvalidParameter(err))
}

func TestRequireDatabase(t *testing.T) {
	t.Setenv("POSTGRES_URL", "")
	cfg := Default()
	assert.True(t, faults.IsInvalidParameter(cfg.RequireDatabase()))
}

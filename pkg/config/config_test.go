package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worktreehq/worktree/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()
	assert.Equal(t, "8240", cfg.Port)
	assert.Equal(t, "worktree.db", cfg.DatabaseURL)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 3, cfg.HistoryRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.HistoryRetryDelay)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://localhost/worktree")
	t.Setenv("JWT_SECRET_KEY", "s3cret")
	t.Setenv("TOKEN_TTL", "30m")
	t.Setenv("RATE_RPS", "5")
	t.Setenv("METRICS_ENABLED", "true")

	cfg := config.Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "postgres://localhost/worktree", cfg.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 30*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 5, cfg.RateRPS)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("RATE_RPS", "not-a-number")
	t.Setenv("TOKEN_TTL", "soon")

	cfg := config.Load()
	assert.Equal(t, 20, cfg.RateRPS)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
}

func TestLoadFile_OverlaysOnlySetFields(t *testing.T) {
	t.Setenv("PORT", "9000")
	cfg := config.Load()

	path := filepath.Join(t.TempDir(), "worktree.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"database_url: /var/lib/worktree.db\njwt_secret: from-file\n"), 0o600))

	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, "/var/lib/worktree.db", cfg.DatabaseURL)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, "9000", cfg.Port, "unset file fields keep their value")
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := config.Load()
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [nope"), 0o600))
	assert.Error(t, cfg.LoadFile(path))
}

func TestValidate(t *testing.T) {
	cfg := config.Load()
	cfg.JWTSecret = ""
	assert.Error(t, cfg.Validate())
	cfg.JWTSecret = "x"
	assert.NoError(t, cfg.Validate())
}

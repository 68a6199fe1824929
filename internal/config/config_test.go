package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "league.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
league:
  id: test_league
  min_players: 4
  max_players: 8
timeouts:
  move: 15
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test_league", cfg.League.ID)
	assert.Equal(t, 4, cfg.League.MinPlayers)
	assert.Equal(t, 15*time.Second, cfg.MoveTimeout())

	// untouched sections keep defaults
	assert.Equal(t, 3, cfg.Scoring.WinPoints)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, []int{0, 99}, cfg.League.NumberRange)
}

func TestLoadConfigRejectsBadRange(t *testing.T) {
	path := writeFile(t, `
league:
  number_range: [50, 10]
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "number_range")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.JoinAckTimeout())
	assert.Equal(t, 30*time.Second, cfg.BreakerOpenTimeout())
	assert.Equal(t, time.Second, cfg.RetryBase())
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL())
}

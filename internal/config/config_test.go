package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Settlement.ScanInterval)
	assert.Equal(t, 5*time.Second, cfg.Settlement.RefreshInterval)
	assert.Equal(t, 2*time.Second, cfg.Settlement.GuardCooldown)
	assert.Equal(t, 30*time.Second, cfg.Settlement.ClaimTTL)
	assert.Equal(t, "30:20,60:25,120:50", cfg.Settlement.Tiers)
	assert.Equal(t, 20, cfg.State.CompletedLimit)
	assert.Equal(t, 30*time.Second, cfg.Redis.CacheTTL)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())

	perAsset, perClass, err := cfg.RiskLimits()
	require.NoError(t, err)
	assert.True(t, perAsset.IsZero())
	assert.True(t, perClass.IsZero())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CE_SERVER_PORT", "9090")
	t.Setenv("CE_SETTLEMENT_GUARD_COOLDOWN", "500ms")
	t.Setenv("CE_LOG_LEVEL", "debug")
	t.Setenv("CE_RISK_MAX_PER_ASSET", "250.5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Settlement.GuardCooldown)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	perAsset, _, err := cfg.RiskLimits()
	require.NoError(t, err)
	assert.Equal(t, "250.5", perAsset.String())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
settlement:
  tiers: "30:15,300:70"
  max_concurrent: 4
kafka:
  brokers: ["k1:9092", "k2:9092"]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "30:15,300:70", cfg.Settlement.Tiers)
	assert.Equal(t, 4, cfg.Settlement.MaxConcurrent)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Second, cfg.Settlement.ScanInterval, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRiskLimits_Invalid(t *testing.T) {
	cfg := Config{Risk: RiskConfig{MaxPerAsset: "lots", MaxPerClass: "0"}}
	_, _, err := cfg.RiskLimits()
	assert.Error(t, err)
}

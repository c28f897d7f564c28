package config

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, ValidateConfig(DefaultConfig()))
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("FLIPLEDGER_WORKERS", "3")
	t.Setenv("FLIPLEDGER_STORAGE_PATH", "/var/lib/flips.db")
	t.Setenv("FLIPLEDGER_LOT_TTL", "48h")
	t.Setenv("FLIPLEDGER_PUBLIC_ORIGINS", "https://a.example, https://b.example,")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--workers=12", "--log-groups=engine,ingest"}))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.Equal(t, 12, cfg.Workers)
	require.Equal(t, "/var/lib/flips.db", cfg.StoragePath)
	require.Equal(t, 48*time.Hour, cfg.LotTTL)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.PublicOrigins)
	require.Equal(t, "engine,ingest", cfg.LogGroups)
	require.NoError(t, ValidateConfig(cfg))
}

func TestApplyEnvDefaultsRejectsMalformedValues(t *testing.T) {
	t.Setenv("FLIPLEDGER_WORKERS", "many")
	t.Setenv("FLIPLEDGER_PURGE_INTERVAL", "hourly")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))

	err := ApplyEnvDefaults(fs, &cfg)
	require.ErrorContains(t, err, "FLIPLEDGER_WORKERS")
	require.ErrorContains(t, err, "FLIPLEDGER_PURGE_INTERVAL")
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Workers = 0
	cfg.VanishingTTL = 0
	cfg.StoragePath = " "

	err := ValidateConfig(cfg)
	require.ErrorContains(t, err, "workers must be at least 1")
	require.ErrorContains(t, err, "vanishing-ttl must be positive")
	require.ErrorContains(t, err, "storage-path is required")
}

func TestGetLogHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	cfg.LogFormatJSON = true
	cfg.LogGroups = "engine"

	logger := slog.New(GetLogHandler(cfg, &buf))
	logger.WithGroup("engine").Info("skipped by level")
	logger.WithGroup("ingest").Warn("skipped by group")
	logger.WithGroup("engine").Warn("kept", slog.String("owner", "alice"))

	require.NotContains(t, buf.String(), "skipped")
	require.Contains(t, buf.String(), `"msg":"kept"`)
}

func TestLevelFallsBackToInfo(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	require.Equal(t, slog.LevelInfo, cfg.Level())
	cfg.LogLevel = "debug"
	require.Equal(t, slog.LevelDebug, cfg.Level())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.EngineConfig.BaseInterval)
	assert.Equal(t, "cmt_btcusdt", cfg.CircuitBreakerConfig.ReferenceSymbol)
	assert.Equal(t, 72*time.Hour, cfg.ReconcileConfig.StaleAge)
	assert.Equal(t, 3, cfg.ReconcileConfig.StaleMissingCycles)
}

func TestLoadFile_FileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"engine":{"symbols":["cmt_dogeusdt"],"base_interval":60000000000,"min_confidence":0.7},"risk":{"max_position_pct":20}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("ENGINE_MIN_CONFIDENCE", "0.8")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"cmt_dogeusdt"}, cfg.EngineConfig.Symbols)
	assert.Equal(t, time.Minute, cfg.EngineConfig.BaseInterval)
	assert.InDelta(t, 0.8, cfg.EngineConfig.MinConfidence, 1e-9)
	assert.InDelta(t, 20, cfg.RiskConfig.MaxPositionPct, 1e-9)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaConfig.Brokers)
	// untouched sections keep defaults
	assert.Equal(t, 5, cfg.CircuitBreakerConfig.SafeMaxLeverage)
}

func TestLoadFile_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error parsing config file")
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"empty symbols", func(c *Config) { c.EngineConfig.Symbols = nil }, "engine.symbols"},
		{"confidence out of range", func(c *Config) { c.EngineConfig.MinConfidence = 1.5 }, "engine.min_confidence"},
		{"leverage below one", func(c *Config) { c.CircuitBreakerConfig.SafeMaxLeverage = 0 }, "safe_max_leverage"},
		{"auth without secret", func(c *Config) { c.AuthConfig.Enabled = true }, "jwt_secret"},
		{"unknown exchange mode", func(c *Config) { c.ExchangeConfig.Mode = "live" }, "not supported"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"zone-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 50000.0, cfg.Grid.LowerBound)
	assert.Equal(t, 70000.0, cfg.Grid.UpperBound)
	assert.Equal(t, 10, cfg.Grid.TotalLevels)
	assert.Equal(t, models.SpacingFixed, cfg.Grid.SpacingType)
	assert.Equal(t, 0.001, cfg.Grid.PositionSize)
	assert.Equal(t, 0.05, cfg.Grid.MaxExposure)
	assert.Equal(t, models.ModeSim, cfg.Grid.Mode)
	assert.Equal(t, "binance", cfg.Grid.Exchange)
	assert.Equal(t, models.NetworkDemo, cfg.Grid.Network)
	assert.Equal(t, "BTC/USDT", cfg.Grid.Symbol)
	assert.Equal(t, "USDT", cfg.Valuation.SettlementCurrency)
	assert.Equal(t, 3, cfg.Runtime.MaxAttempts)
	assert.NoError(t, Validate(cfg))
}

func TestLoadJSONAndYAML(t *testing.T) {
	jsonPath := writeFile(t, "config.json", `{
  "grid": {"upper_bound": 65000, "lower_bound": 60000, "total_levels": 11, "symbol": "BTC/THB",
           "exchange": "bitkub", "network": "live",
           "zones": [{"id": 1, "level_start": 0, "level_end": 4, "enabled": true}]},
  "runtime": {"max_attempts": 9}
}`)
	cfg, err := LoadConfig(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.Grid.TotalLevels)
	assert.Equal(t, "THB", cfg.Valuation.SettlementCurrency)
	assert.Equal(t, 3, cfg.Runtime.MaxAttempts)
	require.Len(t, cfg.Grid.Zones, 1)

	yamlPath := writeFile(t, "config.yaml", `
grid:
  upper_bound: 65000
  lower_bound: 60000
  total_levels: 11
  spacing_type: percent
log:
  level: debug
`)
	cfg, err = LoadConfig(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, models.SpacingPercent, cfg.Grid.SpacingType)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown yaml field":  "grid:\n  bogus: 1\n",
		"bounds inverted":     "grid:\n  upper_bound: 100\n  lower_bound: 200\n",
		"bitkub demo":         "grid:\n  exchange: bitkub\n  network: demo\n",
		"unknown exchange":    "grid:\n  exchange: nowhere\n",
		"stream without url":  "sim:\n  price_source: stream\n",
		"replay without file": "sim:\n  price_source: replay\n",
		"replay bad range":    "sim:\n  price_source: replay\n  replay_file: k.csv\n  replay_from: \"2024-02-01\"\n  replay_to: \"2024-01-01\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "c.yml", body))
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrConfig)
		})
	}
}

func TestStoreSaveReportsRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.json")
	s, err := OpenStore(path)
	require.NoError(t, err)

	cfg := s.Current()
	cfg.Runtime.StatusIntervalSec = 60
	restart, err := s.Save(cfg)
	require.NoError(t, err)
	assert.False(t, restart)

	cfg.Grid.TotalLevels = 20
	restart, err = s.Save(cfg)
	require.NoError(t, err)
	assert.True(t, restart)

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 20, loaded.Grid.TotalLevels)

	h := s.History()
	require.Len(t, h, 2)
	assert.True(t, h[0].RestartRequired)
	assert.False(t, h[1].RestartRequired)
}

func TestStoreSaveInvalidLeavesFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := OpenStore(path)
	require.NoError(t, err)
	_, err = s.Save(s.Current())
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	bad := s.Current()
	bad.Grid.TotalLevels = 1
	_, err = s.Save(bad)
	assert.ErrorIs(t, err, models.ErrConfig)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 10, s.Current().Grid.TotalLevels)
}

func TestRestartRequired(t *testing.T) {
	base := Default().Grid
	changed := base
	changed.PositionSize = 0.002
	assert.False(t, RestartRequired(base, changed))
	changed.Symbol = "ETH/USDT"
	assert.True(t, RestartRequired(base, changed))
}

func TestReplayRange(t *testing.T) {
	from, to, err := ReplayRange(models.SimConfig{})
	require.NoError(t, err)
	assert.True(t, from.IsZero() && to.IsZero())

	from, to, err = ReplayRange(models.SimConfig{ReplayFrom: "2024-01-01", ReplayTo: "2024-01-03"})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, to.Sub(from))

	_, _, err = ReplayRange(models.SimConfig{ReplayFrom: "01/01/2024", ReplayTo: "2024-01-03"})
	assert.ErrorIs(t, err, models.ErrConfig)
}

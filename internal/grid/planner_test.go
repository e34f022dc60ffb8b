package grid

import (
	"errors"
	"math"
	"testing"

	"zone-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() models.GridConfig {
	return models.GridConfig{
		UpperBound:   65000,
		LowerBound:   60000,
		TotalLevels:  11,
		SpacingType:  models.SpacingFixed,
		PositionSize: 0.001,
		MaxExposure:  0.05,
		Mode:         models.ModeSim,
		Exchange:     "binance",
		Network:      models.NetworkDemo,
		Symbol:       "BTC/USDT",
	}
}

func TestComputeFixedSpacing(t *testing.T) {
	levels, err := Compute(baseConfig(), 62500)
	require.NoError(t, err)
	require.Len(t, levels, 11)

	for i := 1; i < len(levels); i++ {
		assert.Greater(t, levels[i].Price, levels[i-1].Price)
		assert.InDelta(t, 500.0, levels[i].Price-levels[i-1].Price, 1e-9)
		assert.Equal(t, i, levels[i].Index)
	}
	assert.Equal(t, 60000.0, levels[0].Price)
	assert.Equal(t, 65000.0, levels[10].Price)
}

func TestComputeSidesAroundReference(t *testing.T) {
	levels, err := Compute(baseConfig(), 62500)
	require.NoError(t, err)

	counts := map[models.Side]int{}
	for _, l := range levels {
		counts[l.Side]++
		assert.Equal(t, models.LevelEmpty, l.State)
		assert.True(t, l.Active)
	}
	assert.Equal(t, 5, counts[models.SideBuy])
	assert.Equal(t, 5, counts[models.SideSell])
	assert.Equal(t, 1, counts[models.SideNeutral])
	assert.Equal(t, models.SideNeutral, levels[5].Side)
}

func TestComputePercentSpacing(t *testing.T) {
	cfg := baseConfig()
	cfg.SpacingType = models.SpacingPercent
	cfg.LowerBound = 100
	cfg.UpperBound = 1000
	cfg.TotalLevels = 7

	levels, err := Compute(cfg, 1)
	require.NoError(t, err)
	require.Len(t, levels, 7)

	want := math.Pow(10, 1.0/6)
	for i := 1; i < len(levels); i++ {
		assert.InDelta(t, want, levels[i].Price/levels[i-1].Price, 1e-9)
		assert.Equal(t, models.SideSell, levels[i].Side)
	}
	assert.InDelta(t, 1000.0, levels[6].Price, 1e-6)
}

func TestComputeRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*models.GridConfig){
		"one level":        func(c *models.GridConfig) { c.TotalLevels = 1 },
		"inverted bounds":  func(c *models.GridConfig) { c.UpperBound = c.LowerBound },
		"zero size":        func(c *models.GridConfig) { c.PositionSize = 0 },
		"zero exposure":    func(c *models.GridConfig) { c.MaxExposure = 0 },
		"bad spacing":      func(c *models.GridConfig) { c.SpacingType = "log" },
		"bad mode":         func(c *models.GridConfig) { c.Mode = "paper" },
		"tiny spacing":     func(c *models.GridConfig) { c.LowerBound, c.UpperBound, c.TotalLevels = 1, 1.0001, 10 },
		"unparsable pair":  func(c *models.GridConfig) { c.Symbol = "BTCUSDT" },
		"zone overflow":    func(c *models.GridConfig) { c.Zones = []models.ZoneConfig{{ID: 1, LevelStart: 5, LevelEnd: 11}} },
		"overlapping zone": func(c *models.GridConfig) { c.Zones = []models.ZoneConfig{{ID: 1, LevelEnd: 5}, {ID: 2, LevelStart: 5, LevelEnd: 6}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig()
			mutate(&cfg)
			levels, err := Compute(cfg, 62500)
			assert.Nil(t, levels)
			assert.True(t, errors.Is(err, models.ErrConfig), "got %v", err)
		})
	}
}

func TestZonesFromConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Zones = []models.ZoneConfig{
		{ID: 1, LevelStart: 0, LevelEnd: 3, Enabled: true},
		{ID: 2, LevelStart: 7, LevelEnd: 10, Enabled: false},
	}

	levels, err := Compute(cfg, 62500)
	require.NoError(t, err)
	assert.Equal(t, 1, levels[2].ZoneID)
	assert.Equal(t, DefaultZoneID, levels[5].ZoneID)
	assert.Equal(t, 2, levels[9].ZoneID)
	assert.False(t, levels[9].Active)

	zones := BuildZones(cfg)
	require.Len(t, zones, 3)
	assert.Equal(t, []int{4, 5, 6}, zones[0].Levels)
	assert.Equal(t, []int{0, 1, 2, 3}, zones[1].Levels)
	assert.False(t, zones[2].Enabled)
}

func TestNearestLevel(t *testing.T) {
	levels, err := Compute(baseConfig(), 62500)
	require.NoError(t, err)

	idx, ok := NearestLevel(levels, 61000.1)
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = NearestLevel(levels, 61250)
	assert.False(t, ok)

	_, ok = NearestLevel(levels, 70000)
	assert.False(t, ok)
}

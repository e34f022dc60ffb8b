package grid

import (
	"math"
	"sort"

	"zone-grid-bot-go/internal/models"
)

const (
	// SideEpsilon is the absolute distance from the reference price inside which a level stays neutral.
	SideEpsilon = 1e-5
	// MinSpacingRatio rejects grids whose range per level is too small to trade.
	MinSpacingRatio = 0.0001
	// DefaultZoneID holds every level not covered by a configured zone range.
	DefaultZoneID = 0

	priceDecimals = 8
)

// Validate checks a grid config. It never mutates anything.
func Validate(cfg models.GridConfig) error {
	if cfg.TotalLevels < 2 {
		return models.NewConfigError("total_levels", "must be at least 2, got %d", cfg.TotalLevels)
	}
	if cfg.LowerBound <= 0 {
		return models.NewConfigError("lower_bound", "must be positive")
	}
	if cfg.UpperBound <= cfg.LowerBound {
		return models.NewConfigError("upper_bound", "must be greater than lower_bound (%v <= %v)", cfg.UpperBound, cfg.LowerBound)
	}
	if (cfg.UpperBound-cfg.LowerBound)/float64(cfg.TotalLevels) < MinSpacingRatio {
		return models.NewConfigError("total_levels", "grid spacing too small")
	}
	switch cfg.SpacingType {
	case models.SpacingFixed, models.SpacingPercent:
	default:
		return models.NewConfigError("spacing_type", "unknown spacing %q", cfg.SpacingType)
	}
	if cfg.PositionSize <= 0 {
		return models.NewConfigError("position_size", "must be positive")
	}
	if cfg.MaxExposure <= 0 {
		return models.NewConfigError("max_exposure", "must be positive")
	}
	switch cfg.Mode {
	case models.ModeSim, models.ModeReal:
	default:
		return models.NewConfigError("mode", "unknown mode %q", cfg.Mode)
	}
	switch cfg.Network {
	case models.NetworkLive, models.NetworkDemo:
	default:
		return models.NewConfigError("network", "unknown network %q", cfg.Network)
	}
	if _, _, ok := models.ParsePair(cfg.Symbol); !ok {
		return models.NewConfigError("symbol", "cannot parse %q", cfg.Symbol)
	}
	return validateZones(cfg)
}

func validateZones(cfg models.GridConfig) error {
	seen := make(map[int]bool, len(cfg.Zones))
	owner := make(map[int]int)
	for _, z := range cfg.Zones {
		if seen[z.ID] {
			return models.NewConfigError("zones", "duplicate zone id %d", z.ID)
		}
		seen[z.ID] = true
		if z.LevelStart < 0 || z.LevelEnd >= cfg.TotalLevels || z.LevelStart > z.LevelEnd {
			return models.NewConfigError("zones", "zone %d range [%d,%d] outside [0,%d)", z.ID, z.LevelStart, z.LevelEnd, cfg.TotalLevels)
		}
		for i := z.LevelStart; i <= z.LevelEnd; i++ {
			if other, taken := owner[i]; taken {
				return models.NewConfigError("zones", "level %d belongs to zones %d and %d", i, other, z.ID)
			}
			owner[i] = z.ID
		}
	}
	return nil
}

// Prices returns the ascending level prices for cfg.
func Prices(cfg models.GridConfig) ([]float64, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	n := cfg.TotalLevels
	prices := make([]float64, n)
	switch cfg.SpacingType {
	case models.SpacingFixed:
		delta := (cfg.UpperBound - cfg.LowerBound) / float64(n-1)
		for i := range prices {
			prices[i] = roundPrice(cfg.LowerBound + float64(i)*delta)
		}
	case models.SpacingPercent:
		ratio := math.Pow(cfg.UpperBound/cfg.LowerBound, 1/float64(n-1))
		for i := range prices {
			prices[i] = roundPrice(cfg.LowerBound * math.Pow(ratio, float64(i)))
		}
	}
	return prices, nil
}

// Compute builds the ordered grid levels for cfg around referencePrice.
func Compute(cfg models.GridConfig, referencePrice float64) ([]models.GridLevel, error) {
	prices, err := Prices(cfg)
	if err != nil {
		return nil, err
	}
	levels := make([]models.GridLevel, len(prices))
	for i, p := range prices {
		zoneID, enabled := ZoneOf(cfg.Zones, i)
		levels[i] = models.GridLevel{
			Index:  i,
			Price:  p,
			Side:   DetermineSide(p, referencePrice),
			ZoneID: zoneID,
			Active: enabled,
			State:  models.LevelEmpty,
		}
	}
	return levels, nil
}

// DetermineSide assigns buy below and sell above the reference price.
func DetermineSide(price, referencePrice float64) models.Side {
	switch {
	case math.Abs(price-referencePrice) <= SideEpsilon:
		return models.SideNeutral
	case price < referencePrice:
		return models.SideBuy
	default:
		return models.SideSell
	}
}

// ZoneOf looks up the configured zone for a level index.
func ZoneOf(zones []models.ZoneConfig, index int) (int, bool) {
	for _, z := range zones {
		if index >= z.LevelStart && index <= z.LevelEnd {
			return z.ID, z.Enabled
		}
	}
	return DefaultZoneID, true
}

// BuildZones groups level indices by zone. The default zone is included only when it has members.
func BuildZones(cfg models.GridConfig) []models.Zone {
	byID := make(map[int]*models.Zone)
	for _, z := range cfg.Zones {
		byID[z.ID] = &models.Zone{ID: z.ID, Enabled: z.Enabled}
	}
	for i := 0; i < cfg.TotalLevels; i++ {
		id, enabled := ZoneOf(cfg.Zones, i)
		z, ok := byID[id]
		if !ok {
			z = &models.Zone{ID: id, Enabled: enabled}
			byID[id] = z
		}
		z.Levels = append(z.Levels, i)
	}
	zones := make([]models.Zone, 0, len(byID))
	for _, z := range byID {
		zones = append(zones, *z)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })
	return zones
}

// NearestLevel maps an exchange price back onto a level. Prices further than a quarter
// of the local spacing from every level do not match.
func NearestLevel(levels []models.GridLevel, price float64) (int, bool) {
	if len(levels) == 0 {
		return -1, false
	}
	i := sort.Search(len(levels), func(i int) bool { return levels[i].Price >= price })
	best := -1
	bestDiff := math.Inf(1)
	for _, c := range []int{i - 1, i} {
		if c < 0 || c >= len(levels) {
			continue
		}
		if d := math.Abs(levels[c].Price - price); d < bestDiff {
			best, bestDiff = c, d
		}
	}
	if bestDiff > localSpacing(levels, best)/4 {
		return -1, false
	}
	return best, true
}

func localSpacing(levels []models.GridLevel, i int) float64 {
	if len(levels) < 2 {
		return math.Inf(1)
	}
	if i+1 < len(levels) {
		return levels[i+1].Price - levels[i].Price
	}
	return levels[i].Price - levels[i-1].Price
}

func roundPrice(p float64) float64 {
	f := math.Pow(10, priceDecimals)
	return math.Round(p*f) / f
}

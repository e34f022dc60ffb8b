package config

import (
	"sync"
	"time"

	"zone-grid-bot-go/internal/models"
)

const defaultHistory = 20

// HistoryEntry is one saved revision of the config.
type HistoryEntry struct {
	SavedAt         time.Time
	Config          models.Config
	RestartRequired bool
}

// Store owns the config file for the running process.
type Store struct {
	mu         sync.Mutex
	path       string
	current    *models.Config
	history    []HistoryEntry
	maxHistory int
}

// OpenStore loads path, or starts from Default when the file does not exist yet.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, maxHistory: defaultHistory}
	cfg, err := LoadConfig(path)
	switch {
	case err == nil:
		s.current = cfg
	case isNotExist(err):
		s.current = Default()
	default:
		return nil, err
	}
	return s, nil
}

// Current returns a copy of the active config.
func (s *Store) Current() models.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConfig(s.current)
}

// Save validates and writes cfg. It reports whether the running bot must restart
// for the change to take effect. An invalid config is rejected before the file is touched.
func (s *Store) Save(cfg models.Config) (bool, error) {
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return false, err
	}
	data, err := encode(s.path, &cfg)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.path, data); err != nil {
		return false, err
	}
	restart := RestartRequired(s.current.Grid, cfg.Grid)
	stored := cloneConfig(&cfg)
	s.current = &stored
	s.history = append(s.history, HistoryEntry{SavedAt: time.Now(), Config: cloneConfig(&cfg), RestartRequired: restart})
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	return restart, nil
}

// History returns saved revisions, newest first.
func (s *Store) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i])
	}
	return out
}

func cloneConfig(c *models.Config) models.Config {
	cp := *c
	cp.Grid.Zones = append([]models.ZoneConfig(nil), c.Grid.Zones...)
	cp.Sim.InitialBalances = cloneMap(c.Sim.InitialBalances)
	cp.Valuation.FallbackRates = cloneMap(c.Valuation.FallbackRates)
	return cp
}

func cloneMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	cp := make(map[string]float64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

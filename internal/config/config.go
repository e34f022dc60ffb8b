package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zone-grid-bot-go/internal/exchange"
	"zone-grid-bot-go/internal/grid"
	"zone-grid-bot-go/internal/models"

	"gopkg.in/yaml.v3"
)

// Default 返回一份可直接运行的模拟盘配置
func Default() *models.Config {
	cfg := &models.Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig 从指定路径加载配置文件。按扩展名选择 JSON 或 YAML，
// 补齐默认值后校验，校验失败返回 ConfigError。
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte) (*models.Config, error) {
	cfg := &models.Config{}
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, models.NewConfigError("", "decode yaml %s: %v", path, err)
		}
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(cfg); err != nil {
		return nil, models.NewConfigError("", "decode json %s: %v", path, err)
	}
	return cfg, nil
}

func encode(path string, cfg *models.Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}

func applyDefaults(cfg *models.Config) {
	g := &cfg.Grid
	if g.UpperBound == 0 && g.LowerBound == 0 {
		g.LowerBound, g.UpperBound = 50000, 70000
	}
	if g.TotalLevels == 0 {
		g.TotalLevels = 10
	}
	if g.SpacingType == "" {
		g.SpacingType = models.SpacingFixed
	}
	if g.PositionSize == 0 {
		g.PositionSize = 0.001
	}
	if g.MaxExposure == 0 {
		g.MaxExposure = 0.05
	}
	if g.Mode == "" {
		g.Mode = models.ModeSim
	}
	if g.Exchange == "" {
		g.Exchange = exchange.ExchangeBinance
	}
	if g.Network == "" {
		g.Network = models.NetworkDemo
	}
	if g.Symbol == "" {
		g.Symbol = "BTC/USDT"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "console"
	}
	if cfg.Log.File == "" {
		cfg.Log.File = "logs/grid-bot.log"
	}

	r := &cfg.Runtime
	if r.PollIntervalMs == 0 {
		r.PollIntervalMs = 5000
	}
	if r.RequestTimeoutMs == 0 {
		r.RequestTimeoutMs = 10000
	}
	if r.MaxAttempts == 0 || r.MaxAttempts > exchange.MaxAttempts {
		r.MaxAttempts = exchange.MaxAttempts
	}
	if r.StatusIntervalSec == 0 {
		r.StatusIntervalSec = 30
	}
	if r.DBPath == "" {
		r.DBPath = "data/badger"
	}
	if r.EnvPath == "" {
		r.EnvPath = ".env"
	}
	if r.User == "" {
		r.User = "system"
	}

	if cfg.Sim.PriceSource == "" {
		cfg.Sim.PriceSource = "exchange"
	}
	if cfg.Valuation.SettlementCurrency == "" {
		if _, quote, ok := models.ParsePair(g.Symbol); ok {
			cfg.Valuation.SettlementCurrency = quote
		} else {
			cfg.Valuation.SettlementCurrency = "USDT"
		}
	}
}

// Validate 校验整份配置，不修改任何内容
func Validate(cfg *models.Config) error {
	if err := grid.Validate(cfg.Grid); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Grid.Exchange) {
	case exchange.ExchangeBinance:
	case exchange.ExchangeBitkub:
		if cfg.Grid.Network == models.NetworkDemo {
			return models.NewConfigError("grid.network", "bitkub has no demo network")
		}
	default:
		return models.NewConfigError("grid.exchange", "unknown exchange %q", cfg.Grid.Exchange)
	}
	if cfg.Runtime.PollIntervalMs <= 0 {
		return models.NewConfigError("runtime.poll_interval_ms", "must be positive")
	}
	if cfg.Runtime.RequestTimeoutMs <= 0 {
		return models.NewConfigError("runtime.request_timeout_ms", "must be positive")
	}
	if cfg.Runtime.MaxAttempts < 1 || cfg.Runtime.MaxAttempts > exchange.MaxAttempts {
		return models.NewConfigError("runtime.max_attempts", "must be between 1 and %d", exchange.MaxAttempts)
	}
	switch cfg.Sim.PriceSource {
	case "exchange":
	case "stream":
		if cfg.Sim.StreamURL == "" {
			return models.NewConfigError("sim.stream_url", "required when price_source is stream")
		}
	case "replay":
		if cfg.Sim.ReplayFile == "" {
			return models.NewConfigError("sim.replay_file", "required when price_source is replay")
		}
		if _, _, err := ReplayRange(cfg.Sim); err != nil {
			return err
		}
	default:
		return models.NewConfigError("sim.price_source", "unknown source %q", cfg.Sim.PriceSource)
	}
	for cur, amount := range cfg.Sim.InitialBalances {
		if amount < 0 {
			return models.NewConfigError("sim.initial_balances", "negative balance for %s", cur)
		}
	}
	switch strings.ToLower(cfg.Log.Output) {
	case "console", "file", "both":
	default:
		return models.NewConfigError("log.output", "unknown output %q", cfg.Log.Output)
	}
	return nil
}

// ReplayRange 解析回放的日期范围，两者都为空时返回零值
func ReplayRange(sim models.SimConfig) (from, to time.Time, err error) {
	if sim.ReplayFrom == "" && sim.ReplayTo == "" {
		return from, to, nil
	}
	if from, err = time.Parse(time.DateOnly, sim.ReplayFrom); err != nil {
		return from, to, models.NewConfigError("sim.replay_from", "want YYYY-MM-DD, got %q", sim.ReplayFrom)
	}
	if to, err = time.Parse(time.DateOnly, sim.ReplayTo); err != nil {
		return from, to, models.NewConfigError("sim.replay_to", "want YYYY-MM-DD, got %q", sim.ReplayTo)
	}
	if !from.Before(to) {
		return from, to, models.NewConfigError("sim.replay_to", "must be after replay_from")
	}
	return from, to, nil
}

// RestartRequired 比较两份网格配置，边界、格数、间距、交易所、交易对、模式或网络变化时需要重启
func RestartRequired(old, next models.GridConfig) bool {
	return old.UpperBound != next.UpperBound ||
		old.LowerBound != next.LowerBound ||
		old.TotalLevels != next.TotalLevels ||
		old.SpacingType != next.SpacingType ||
		!strings.EqualFold(old.Exchange, next.Exchange) ||
		!strings.EqualFold(old.Symbol, next.Symbol) ||
		old.Mode != next.Mode ||
		old.Network != next.Network
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

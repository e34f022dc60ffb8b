package models

import "strings"

// SpacingType 网格间距类型
type SpacingType string

const (
	SpacingFixed   SpacingType = "fixed"   // 等差
	SpacingPercent SpacingType = "percent" // 等比
)

// Mode 运行模式
type Mode string

const (
	ModeSim  Mode = "sim"
	ModeReal Mode = "real"
)

// Network 交易所网络
type Network string

const (
	NetworkLive Network = "live"
	NetworkDemo Network = "demo"
)

// Config 进程级配置。Grid 部分在一次运行期间不可变，修改需要重启。
type Config struct {
	Grid      GridConfig      `json:"grid" yaml:"grid"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
	Sim       SimConfig       `json:"sim" yaml:"sim"`
	Valuation ValuationConfig `json:"valuation" yaml:"valuation"`
}

// GridConfig 网格参数
type GridConfig struct {
	UpperBound   float64      `json:"upper_bound" yaml:"upper_bound"`
	LowerBound   float64      `json:"lower_bound" yaml:"lower_bound"`
	TotalLevels  int          `json:"total_levels" yaml:"total_levels"`
	SpacingType  SpacingType  `json:"spacing_type" yaml:"spacing_type"`
	PositionSize float64      `json:"position_size" yaml:"position_size"` // 每格下单数量(基础货币)
	MaxExposure  float64      `json:"max_exposure" yaml:"max_exposure"`   // 买单总量上限(基础货币)
	Mode         Mode         `json:"mode" yaml:"mode"`
	Exchange     string       `json:"exchange" yaml:"exchange"`
	Network      Network      `json:"network" yaml:"network"`
	Symbol       string       `json:"symbol" yaml:"symbol"` // BASE/QUOTE, 例如 BTC/USDT
	Enabled      bool         `json:"enabled" yaml:"enabled"`
	Zones        []ZoneConfig `json:"zones,omitempty" yaml:"zones,omitempty"`
}

// ZoneConfig 外部定义的分区，覆盖 [LevelStart, LevelEnd] 闭区间内的网格
type ZoneConfig struct {
	ID         int  `json:"id" yaml:"id"`
	LevelStart int  `json:"level_start" yaml:"level_start"`
	LevelEnd   int  `json:"level_end" yaml:"level_end"`
	Enabled    bool `json:"enabled" yaml:"enabled"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别: "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个文件最大尺寸(MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留旧文件的最大个数
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 保留旧文件的最大天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩
}

// RuntimeConfig 运行时参数
type RuntimeConfig struct {
	PollIntervalMs    int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	RequestTimeoutMs  int    `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	MaxAttempts       int    `json:"max_attempts" yaml:"max_attempts"`
	StatusIntervalSec int    `json:"status_interval_sec" yaml:"status_interval_sec"`
	DBPath            string `json:"db_path" yaml:"db_path"`
	EnvPath           string `json:"env_path" yaml:"env_path"`
	MetricsAddr       string `json:"metrics_addr" yaml:"metrics_addr"`
	User              string `json:"user" yaml:"user"` // 写入操作日志的操作者
}

// SimConfig 模拟盘参数
type SimConfig struct {
	InitialBalances map[string]float64 `json:"initial_balances" yaml:"initial_balances"`
	PriceSource     string             `json:"price_source" yaml:"price_source"` // "exchange"、"stream" 或 "replay"
	StreamURL       string             `json:"stream_url" yaml:"stream_url"`
	ReplayFile      string             `json:"replay_file" yaml:"replay_file"` // K线CSV，不存在且给出日期范围时自动下载
	ReplayFrom      string             `json:"replay_from" yaml:"replay_from"` // YYYY-MM-DD
	ReplayTo        string             `json:"replay_to" yaml:"replay_to"`
}

// ValuationConfig 资产估值参数
type ValuationConfig struct {
	SettlementCurrency string             `json:"settlement_currency" yaml:"settlement_currency"`
	FallbackRates      map[string]float64 `json:"fallback_rates" yaml:"fallback_rates"`
}

// ParsePair 将交易对拆分为基础货币和计价货币。
// 支持 BTC/USDT、BTC-USDT 以及报价在前的 THB_BTC 写法。
func ParsePair(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-"} {
		if parts := strings.Split(s, sep); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], true
		}
	}
	if parts := strings.Split(s, "_"); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[1], parts[0], true
	}
	return "", "", false
}

// PairKey 返回 BASE/QUOTE 形式的交易对
func PairKey(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

package exchange

import (
	"context"
	"net/http"
	"strings"
	"time"

	"zone-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// Gateway 定义了所有交易所实现必须提供的通用能力。
// 实盘的两种交易所实现与模拟盘时钟都满足该接口，机器人无需区分。
type Gateway interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (models.OrderRecord, error)
	PlaceMarketOrder(ctx context.Context, side models.Side, amount float64) (models.OrderRecord, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	ListOpenOrders(ctx context.Context) ([]models.OrderRecord, error)
	FetchBalances(ctx context.Context) (map[string]models.Balance, error)
	FetchTicker(ctx context.Context, symbol string) (float64, error)
}

// OrderRequest 一个网格价位上的限价单请求
type OrderRequest struct {
	LevelIndex    int
	Side          models.Side
	Price         float64
	Amount        float64
	ClientOrderID string
}

// NewLimitRequest 根据网格价位构造下单请求
func NewLimitRequest(level models.GridLevel, amount float64, clientOrderID string) OrderRequest {
	return OrderRequest{
		LevelIndex:    level.Index,
		Side:          level.Side,
		Price:         level.Price,
		Amount:        amount,
		ClientOrderID: clientOrderID,
	}
}

// Credentials API凭证。Passphrase 目前只为兼容保留。
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Options 构造交易所实例时的可选参数
type Options struct {
	BaseURL     string // 为空时使用交易所默认地址
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxAttempts int
}

const (
	ExchangeBinance = "binance"
	ExchangeBitkub  = "bitkub"

	defaultTimeout = 10 * time.Second
)

// New 按配置中的交易所标识选择具体实现，并包上超时与重试。
func New(cfg models.GridConfig, creds Credentials, opts Options, logger *zap.Logger) (Gateway, error) {
	var (
		gw  Gateway
		err error
	)
	switch strings.ToLower(cfg.Exchange) {
	case ExchangeBinance:
		gw, err = NewBinanceGateway(creds, cfg.Symbol, cfg.Network, opts, logger)
	case ExchangeBitkub:
		if cfg.Network == models.NetworkDemo {
			return nil, models.NewConfigError("network", "bitkub has no demo network")
		}
		gw, err = NewBitkubGateway(creds, cfg.Symbol, opts, logger)
	default:
		return nil, &models.ExchangeError{Kind: models.ErrUnknownExchange, Exchange: cfg.Exchange, Message: "no gateway registered"}
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(gw, RetryPolicy{Timeout: opts.Timeout, MaxAttempts: opts.MaxAttempts}, logger), nil
}

func httpClientOrDefault(opts Options) *http.Client {
	if opts.HTTPClient != nil {
		return opts.HTTPClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

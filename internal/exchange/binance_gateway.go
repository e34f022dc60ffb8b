package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zone-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	binanceTestnetURL = "https://testnet.binance.vision"

	// SimulatedTradingHeader 模拟盘请求标记
	SimulatedTradingHeader = "X-Simulated-Trading"
)

// BinanceGateway 通过 go-binance 客户端库访问现货接口
type BinanceGateway struct {
	client *binance.Client
	symbol string // 交易所格式，例如 BTCUSDT
	pair   string // BTC/USDT
	demo   bool
	rules  Rules
	logger *zap.Logger
}

// NewBinanceGateway 创建实例。demo网络切换到测试网，并在每个请求上附加模拟盘标记头。
func NewBinanceGateway(creds Credentials, symbol string, network models.Network, opts Options, logger *zap.Logger) (*BinanceGateway, error) {
	base, quote, ok := models.ParsePair(symbol)
	if !ok {
		return nil, models.NewConfigError("symbol", "cannot parse %q", symbol)
	}

	client := binance.NewClient(creds.APIKey, creds.Secret)
	httpClient := httpClientOrDefault(opts)
	demo := network == models.NetworkDemo
	if demo {
		client.BaseURL = binanceTestnetURL
		transport := httpClient.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		httpClient = &http.Client{
			Timeout:   httpClient.Timeout,
			Transport: &headerTransport{base: transport, header: SimulatedTradingHeader, value: "1"},
		}
	}
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}
	client.HTTPClient = httpClient

	logger.Info("binance gateway ready",
		zap.String("symbol", base+quote),
		zap.Bool("demo", demo),
		zap.String("base_url", client.BaseURL))

	return &BinanceGateway{
		client: client,
		symbol: base + quote,
		pair:   models.PairKey(base, quote),
		demo:   demo,
		rules:  LookupRules(ExchangeBinance, symbol),
		logger: logger,
	}, nil
}

func (g *BinanceGateway) Name() string { return ExchangeBinance }

func (g *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (models.OrderRecord, error) {
	price, amount, err := g.rules.Normalize(req.Price, req.Amount)
	if err != nil {
		return models.OrderRecord{}, err
	}

	svc := g.client.NewCreateOrderService().
		Symbol(g.symbol).
		Side(toBinanceSide(req.Side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(amount.String()).
		Price(price.String())
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		g.logger.Warn("create order failed",
			zap.Int("level", req.LevelIndex),
			zap.String("side", string(req.Side)),
			zap.String("price", price.String()),
			zap.Error(err))
		return models.OrderRecord{}, g.classify(err)
	}

	p, _ := price.Float64()
	a, _ := amount.Float64()
	now := time.Now()
	return models.OrderRecord{
		LevelIndex:      req.LevelIndex,
		Side:            req.Side,
		Price:           p,
		Amount:          a,
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:   res.ClientOrderID,
		Symbol:          g.pair,
		Status:          models.OrderOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (g *BinanceGateway) PlaceMarketOrder(ctx context.Context, side models.Side, amount float64) (models.OrderRecord, error) {
	a := roundToStep(decimal.NewFromFloat(amount), g.rules.AmountStep, true)
	if !a.IsPositive() || a.LessThan(g.rules.MinSize) {
		return models.OrderRecord{}, fmt.Errorf("%w: market amount %s", models.ErrBelowMinimumSize, a)
	}
	res, err := g.client.NewCreateOrderService().
		Symbol(g.symbol).
		Side(toBinanceSide(side)).
		Type(binance.OrderTypeMarket).
		Quantity(a.String()).
		Do(ctx)
	if err != nil {
		return models.OrderRecord{}, g.classify(err)
	}

	executed := parseFloat(res.ExecutedQuantity)
	var avg float64
	if executed > 0 {
		avg = parseFloat(res.CummulativeQuoteQuantity) / executed
	}
	now := time.Now()
	return models.OrderRecord{
		LevelIndex:      -1,
		Side:            side,
		Price:           avg,
		Amount:          executed,
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:   res.ClientOrderID,
		Symbol:          g.pair,
		Status:          models.OrderFilled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (g *BinanceGateway) CancelOrder(ctx context.Context, id string) error {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return &models.ExchangeError{Kind: models.ErrOrderNotFound, Exchange: ExchangeBinance, Message: "malformed order id " + id}
	}
	_, err = g.client.NewCancelOrderService().Symbol(g.symbol).OrderID(orderID).Do(ctx)
	return g.classify(err)
}

func (g *BinanceGateway) ListOpenOrders(ctx context.Context) ([]models.OrderRecord, error) {
	orders, err := g.client.NewListOpenOrdersService().Symbol(g.symbol).Do(ctx)
	if err != nil {
		return nil, g.classify(err)
	}
	records := make([]models.OrderRecord, 0, len(orders))
	for _, o := range orders {
		side := models.SideSell
		if o.Side == binance.SideTypeBuy {
			side = models.SideBuy
		}
		records = append(records, models.OrderRecord{
			LevelIndex:      -1,
			Side:            side,
			Price:           parseFloat(o.Price),
			Amount:          parseFloat(o.OrigQuantity) - parseFloat(o.ExecutedQuantity),
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			ClientOrderID:   o.ClientOrderID,
			Symbol:          g.pair,
			Status:          models.OrderOpen,
			CreatedAt:       time.UnixMilli(o.Time),
			UpdatedAt:       time.UnixMilli(o.UpdateTime),
		})
	}
	return records, nil
}

func (g *BinanceGateway) FetchBalances(ctx context.Context) (map[string]models.Balance, error) {
	account, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, g.classify(err)
	}
	balances := make(map[string]models.Balance, len(account.Balances))
	for _, b := range account.Balances {
		free, locked := parseFloat(b.Free), parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		balances[strings.ToUpper(b.Asset)] = models.Balance{Total: free + locked, Free: free, Used: locked}
	}
	return balances, nil
}

func (g *BinanceGateway) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	base, quote, ok := models.ParsePair(symbol)
	if !ok {
		return 0, &models.ExchangeError{Kind: models.ErrInvalidSymbol, Exchange: ExchangeBinance, Message: symbol}
	}
	prices, err := g.client.NewListPricesService().Symbol(base + quote).Do(ctx)
	if err != nil {
		return 0, g.classify(err)
	}
	for _, p := range prices {
		if strings.EqualFold(p.Symbol, base+quote) {
			return parseFloat(p.Price), nil
		}
	}
	return 0, &models.ExchangeError{Kind: models.ErrInvalidSymbol, Exchange: ExchangeBinance, Message: "no ticker for " + symbol}
}

func (g *BinanceGateway) classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &models.ExchangeError{
			Kind:     binanceKind(apiErr.Code, apiErr.Message),
			Exchange: ExchangeBinance,
			Code:     apiErr.Code,
			Message:  apiErr.Message,
		}
	}
	return classifyTransport(ExchangeBinance, err)
}

func toBinanceSide(s models.Side) binance.SideType {
	if s == models.SideBuy {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

// headerTransport 在每个请求上附加固定请求头
type headerTransport struct {
	base   http.RoundTripper
	header string
	value  string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set(t.header, t.value)
	return t.base.RoundTrip(r)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

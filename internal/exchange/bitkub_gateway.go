package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"zone-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const bitkubBaseURL = "https://api.bitkub.com"

// BitkubGateway 实现自定义HMAC签名的REST接口
type BitkubGateway struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	base       string
	quote      string
	rules      Rules
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	timeOffset int64
	synced     bool
	sides      map[string]models.Side // 撤单时需要带上方向
}

// NewBitkubGateway 创建实例。时间同步延迟到第一次签名请求。
func NewBitkubGateway(creds Credentials, symbol string, opts Options, logger *zap.Logger) (*BitkubGateway, error) {
	base, quote, ok := models.ParsePair(symbol)
	if !ok {
		return nil, models.NewConfigError("symbol", "cannot parse %q", symbol)
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = bitkubBaseURL
	}
	return &BitkubGateway{
		apiKey:     creds.APIKey,
		secretKey:  creds.Secret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClientOrDefault(opts),
		base:       base,
		quote:      quote,
		rules:      LookupRules(ExchangeBitkub, symbol),
		logger:     logger,
		now:        time.Now,
		sides:      make(map[string]models.Side),
	}, nil
}

// TickerSymbol 报价货币在前，例如 THB_BTC
func TickerSymbol(base, quote string) string {
	return strings.ToUpper(quote) + "_" + strings.ToUpper(base)
}

// tradeSymbol 下单接口使用的小写格式，例如 btc_thb
func tradeSymbol(base, quote string) string {
	return strings.ToLower(base) + "_" + strings.ToLower(quote)
}

// Sign 对规范字符串 timestamp+METHOD+path+body 做HMAC-SHA256并输出十六进制
func Sign(secret, timestamp, method, path, body string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + strings.ToUpper(method) + path + body))
	return hex.EncodeToString(h.Sum(nil))
}

func (g *BitkubGateway) Name() string { return ExchangeBitkub }

// syncTime 与服务器同步时间，失败时退回本地时钟
func (g *BitkubGateway) syncTime(ctx context.Context) {
	g.mu.Lock()
	synced := g.synced
	g.mu.Unlock()
	if synced {
		return
	}

	var offset int64
	body, err := g.doRequest(ctx, http.MethodGet, "/api/v3/servertime", nil, nil, false)
	if err == nil {
		var serverTime int64
		if err = json.Unmarshal(bytes.TrimSpace(body), &serverTime); err == nil {
			// 旧接口返回秒
			if serverTime < 1e12 {
				serverTime *= 1000
			}
			offset = serverTime - g.now().UnixMilli()
		}
	}
	if err != nil {
		g.logger.Warn("bitkub server time unavailable, using local clock", zap.Error(err))
	}

	g.mu.Lock()
	g.timeOffset = offset
	g.synced = true
	g.mu.Unlock()
	g.logger.Info("bitkub time synchronised", zap.Int64("offset_ms", offset))
}

// doRequest 发送请求并返回原始响应体
func (g *BitkubGateway) doRequest(ctx context.Context, method, path string, query url.Values, payload interface{}, signed bool) ([]byte, error) {
	requestPath := path
	if len(query) > 0 {
		requestPath = path + "?" + query.Encode()
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	if signed {
		g.mu.Lock()
		offset := g.timeOffset
		g.mu.Unlock()
		ts := strconv.FormatInt(g.now().UnixMilli()+offset, 10)
		req.Header.Set("X-BTK-APIKEY", g.apiKey)
		req.Header.Set("X-BTK-TIMESTAMP", ts)
		req.Header.Set("X-BTK-SIGN", Sign(g.secretKey, ts, method, requestPath, string(body)))
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ExchangeBitkub, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ExchangeBitkub, err)
	}

	var envelope struct {
		Error *int64 `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil && *envelope.Error != 0 {
		code := *envelope.Error
		return data, &models.ExchangeError{Kind: bitkubKind(code), Exchange: ExchangeBitkub, Code: code, Message: string(data)}
	}

	if resp.StatusCode != http.StatusOK {
		return data, &models.ExchangeError{
			Kind:     httpStatusKind(resp.StatusCode),
			Exchange: ExchangeBitkub,
			Code:     int64(resp.StatusCode),
			Message:  string(data),
		}
	}
	return data, nil
}

// signedResult 发送签名请求并解出 result 字段
func (g *BitkubGateway) signedResult(ctx context.Context, method, path string, query url.Values, payload interface{}, out interface{}) error {
	g.syncTime(ctx)
	data, err := g.doRequest(ctx, method, path, query, payload, true)
	if err != nil {
		return err
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return &models.ExchangeError{Kind: models.ErrExchange, Exchange: ExchangeBitkub, Message: "decode response: " + err.Error()}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return &models.ExchangeError{Kind: models.ErrExchange, Exchange: ExchangeBitkub, Message: "decode result: " + err.Error()}
	}
	return nil
}

type bitkubOrder struct {
	ID       flexString `json:"id"`
	Side     string     `json:"side"`
	Rate     flexFloat  `json:"rate"`
	Amount   flexFloat  `json:"amount"`
	Receive  flexFloat  `json:"receive"`
	ClientID string     `json:"client_id"`
	Ts       flexFloat  `json:"ts"`
}

func (g *BitkubGateway) PlaceOrder(ctx context.Context, req OrderRequest) (models.OrderRecord, error) {
	price, amount, err := g.rules.Normalize(req.Price, req.Amount)
	if err != nil {
		return models.OrderRecord{}, err
	}

	path := "/api/v3/market/place-ask"
	amt := amount
	if req.Side == models.SideBuy {
		// 买单数量以计价货币表示
		path = "/api/v3/market/place-bid"
		amt = amount.Mul(price).Round(2)
	}
	amtF, _ := amt.Float64()
	rateF, _ := price.Float64()
	payload := map[string]interface{}{
		"sym": tradeSymbol(g.base, g.quote),
		"amt": amtF,
		"rat": rateF,
		"typ": "limit",
	}
	if req.ClientOrderID != "" {
		payload["client_id"] = req.ClientOrderID
	}

	var res bitkubOrder
	if err := g.signedResult(ctx, http.MethodPost, path, nil, payload, &res); err != nil {
		g.logger.Warn("bitkub place order failed", zap.Int("level", req.LevelIndex), zap.String("side", string(req.Side)), zap.Error(err))
		return models.OrderRecord{}, err
	}

	id := string(res.ID)
	g.mu.Lock()
	g.sides[id] = req.Side
	g.mu.Unlock()

	a, _ := amount.Float64()
	now := g.now()
	return models.OrderRecord{
		LevelIndex:      req.LevelIndex,
		Side:            req.Side,
		Price:           rateF,
		Amount:          a,
		ExchangeOrderID: id,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          models.PairKey(g.base, g.quote),
		Status:          models.OrderOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (g *BitkubGateway) PlaceMarketOrder(ctx context.Context, side models.Side, amount float64) (models.OrderRecord, error) {
	path := "/api/v3/market/place-ask"
	if side == models.SideBuy {
		path = "/api/v3/market/place-bid"
	}
	a := roundToStep(decimal.NewFromFloat(amount), g.rules.AmountStep, true)
	if !a.IsPositive() || a.LessThan(g.rules.MinSize) {
		return models.OrderRecord{}, fmt.Errorf("%w: market amount %s", models.ErrBelowMinimumSize, a)
	}
	amtF, _ := a.Float64()
	payload := map[string]interface{}{
		"sym": tradeSymbol(g.base, g.quote),
		"amt": amtF,
		"rat": 0,
		"typ": "market",
	}
	var res bitkubOrder
	if err := g.signedResult(ctx, http.MethodPost, path, nil, payload, &res); err != nil {
		return models.OrderRecord{}, err
	}
	now := g.now()
	return models.OrderRecord{
		LevelIndex:      -1,
		Side:            side,
		Price:           float64(res.Rate),
		Amount:          amtF,
		ExchangeOrderID: string(res.ID),
		Symbol:          models.PairKey(g.base, g.quote),
		Status:          models.OrderFilled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (g *BitkubGateway) CancelOrder(ctx context.Context, id string) error {
	g.mu.Lock()
	side, ok := g.sides[id]
	g.mu.Unlock()
	if !ok {
		if _, err := g.ListOpenOrders(ctx); err != nil {
			return err
		}
		g.mu.Lock()
		side, ok = g.sides[id]
		g.mu.Unlock()
		if !ok {
			return &models.ExchangeError{Kind: models.ErrOrderNotFound, Exchange: ExchangeBitkub, Message: "order " + id + " not open"}
		}
	}

	payload := map[string]interface{}{
		"sym": tradeSymbol(g.base, g.quote),
		"id":  id,
		"sd":  string(side),
	}
	if err := g.signedResult(ctx, http.MethodPost, "/api/v3/market/cancel-order", nil, payload, nil); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.sides, id)
	g.mu.Unlock()
	return nil
}

func (g *BitkubGateway) ListOpenOrders(ctx context.Context) ([]models.OrderRecord, error) {
	query := url.Values{}
	query.Set("sym", tradeSymbol(g.base, g.quote))
	var orders []bitkubOrder
	if err := g.signedResult(ctx, http.MethodGet, "/api/v3/market/my-open-orders", query, nil, &orders); err != nil {
		return nil, err
	}

	records := make([]models.OrderRecord, 0, len(orders))
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range orders {
		side := models.SideSell
		amount := float64(o.Amount)
		if strings.EqualFold(o.Side, "buy") {
			side = models.SideBuy
			// 买单的 amount 是计价货币
			switch {
			case o.Receive > 0:
				amount = float64(o.Receive)
			case o.Rate > 0:
				amount = float64(o.Amount) / float64(o.Rate)
			}
		}
		id := string(o.ID)
		g.sides[id] = side
		ts := time.Unix(int64(o.Ts), 0)
		if o.Ts > 1e12 {
			ts = time.UnixMilli(int64(o.Ts))
		}
		records = append(records, models.OrderRecord{
			LevelIndex:      -1,
			Side:            side,
			Price:           float64(o.Rate),
			Amount:          amount,
			ExchangeOrderID: id,
			ClientOrderID:   o.ClientID,
			Symbol:          models.PairKey(g.base, g.quote),
			Status:          models.OrderOpen,
			CreatedAt:       ts,
			UpdatedAt:       ts,
		})
	}
	return records, nil
}

func (g *BitkubGateway) FetchBalances(ctx context.Context) (map[string]models.Balance, error) {
	var raw map[string]json.RawMessage
	if err := g.signedResult(ctx, http.MethodPost, "/api/v3/market/balances", nil, map[string]interface{}{}, &raw); err != nil {
		return nil, err
	}
	balances := make(map[string]models.Balance, len(raw))
	for currency, v := range raw {
		var detailed struct {
			Available flexFloat `json:"available"`
			Reserved  flexFloat `json:"reserved"`
		}
		var plain flexFloat
		var b models.Balance
		switch {
		case json.Unmarshal(v, &detailed) == nil:
			b = models.Balance{Free: float64(detailed.Available), Used: float64(detailed.Reserved)}
			b.Total = b.Free + b.Used
		case json.Unmarshal(v, &plain) == nil:
			b = models.Balance{Total: float64(plain), Free: float64(plain)}
		default:
			continue
		}
		if b.Total == 0 {
			continue
		}
		balances[strings.ToUpper(currency)] = b
	}
	return balances, nil
}

func (g *BitkubGateway) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	base, quote, ok := models.ParsePair(symbol)
	if !ok {
		return 0, &models.ExchangeError{Kind: models.ErrInvalidSymbol, Exchange: ExchangeBitkub, Message: symbol}
	}
	key := TickerSymbol(base, quote)
	query := url.Values{}
	query.Set("sym", key)
	data, err := g.doRequest(ctx, http.MethodGet, "/api/market/ticker", query, nil, false)
	if err != nil {
		return 0, err
	}
	var tickers map[string]struct {
		Last       flexFloat `json:"last"`
		HighestBid flexFloat `json:"highestBid"`
		LowestAsk  flexFloat `json:"lowestAsk"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return 0, &models.ExchangeError{Kind: models.ErrExchange, Exchange: ExchangeBitkub, Message: "decode ticker: " + err.Error()}
	}
	t, ok := tickers[key]
	if !ok {
		return 0, &models.ExchangeError{Kind: models.ErrInvalidSymbol, Exchange: ExchangeBitkub, Message: "no ticker for " + key}
	}
	return float64(t.Last), nil
}

// flexFloat 兼容数字与字符串两种JSON表示
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexString 订单ID在不同接口版本中可能是数字或字符串
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	*s = flexString(strings.Trim(string(b), `"`))
	return nil
}

package simulation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"zone-grid-bot-go/internal/exchange"
	"zone-grid-bot-go/internal/feed"
	"zone-grid-bot-go/internal/models"
	"zone-grid-bot-go/internal/portfolio"

	"go.uber.org/zap"
)

// Name is the exchange id reported by the clock.
const Name = "sim"

const (
	firstOrderID   = 1000
	defaultTimeout = 10 * time.Second
	fundsEpsilon   = 1e-12
)

// DefaultBalances are used when no initial balances are configured.
func DefaultBalances(base, quote string) map[string]float64 {
	return map[string]float64{strings.ToUpper(quote): 10000, strings.ToUpper(base): 0.1}
}

// Fill is a resting order the clock matched against the market price.
type Fill struct {
	Order    models.OrderRecord
	FilledAt time.Time
}

// Clock 模拟交易所：维护一个合成订单簿，行情价穿过挂单价时按挂单价成交（无滑点）。
// 它实现 exchange.Gateway，因此机器人在模拟盘与实盘下走同一套对账逻辑。
type Clock struct {
	mu        sync.Mutex
	symbol    string
	base      string
	quote     string
	source    feed.PriceSource
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
	balances  map[string]*models.Balance
	orders    map[string]*models.OrderRecord
	nextID    int64
	lastPrice float64
	ledger    *portfolio.Ledger
}

var _ exchange.Gateway = (*Clock)(nil)

// NewClock 创建模拟时钟。initial 为空时使用 DefaultBalances。
func NewClock(symbol string, initial map[string]float64, source feed.PriceSource, timeout time.Duration, logger *zap.Logger) (*Clock, error) {
	base, quote, ok := models.ParsePair(symbol)
	if !ok {
		return nil, &models.ExchangeError{Kind: models.ErrInvalidSymbol, Exchange: Name, Message: symbol}
	}
	if source == nil {
		return nil, models.NewConfigError("sim.price_source", "no price source")
	}
	if len(initial) == 0 {
		initial = DefaultBalances(base, quote)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Clock{
		symbol:   models.PairKey(base, quote),
		base:     base,
		quote:    quote,
		source:   source,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		balances: make(map[string]*models.Balance, len(initial)),
		orders:   make(map[string]*models.OrderRecord),
		nextID:   firstOrderID,
	}
	for cur, amount := range initial {
		if amount < 0 {
			return nil, models.NewConfigError("sim.initial_balances", "negative balance for %s", cur)
		}
		c.balances[strings.ToUpper(cur)] = &models.Balance{Total: amount, Free: amount}
	}
	return c, nil
}

func (c *Clock) Name() string { return Name }

// Advance 拉取一次行情，撮合所有被穿过的挂单，返回按下单顺序排列的成交。
func (c *Clock) Advance(ctx context.Context) ([]Fill, error) {
	price, err := c.observe(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.orders))
	for id := range c.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return orderSeq(ids[i]) < orderSeq(ids[j]) })

	var fills []Fill
	for _, id := range ids {
		o := c.orders[id]
		crossed := (o.Side == models.SideBuy && price <= o.Price) ||
			(o.Side == models.SideSell && price >= o.Price)
		if !crossed {
			continue
		}
		c.settleLocked(o)
		delete(c.orders, id)
		fills = append(fills, Fill{Order: *o, FilledAt: o.UpdatedAt})
		c.logger.Info("simulated fill",
			zap.String("order_id", id),
			zap.Int("level", o.LevelIndex),
			zap.String("side", string(o.Side)),
			zap.Float64("price", o.Price),
			zap.Float64("amount", o.Amount))
	}
	return fills, nil
}

// observe 在超时内读取价格并标记未实现盈亏
func (c *Clock) observe(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	price, err := c.source.Price(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: price source: %v", models.ErrNetworkTimeout, err)
		}
		return 0, fmt.Errorf("price source: %w", err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("price source returned %v", price)
	}

	c.mu.Lock()
	c.lastPrice = price
	if c.ledger == nil {
		c.ledger = portfolio.NewLedger(c.balanceLocked(c.base).Total, price)
	}
	c.ledger.Mark(price)
	c.mu.Unlock()
	return price, nil
}

func (c *Clock) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (models.OrderRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderRecord{}, err
	}
	if req.Price <= 0 || req.Amount <= 0 {
		return models.OrderRecord{}, c.reject(models.ErrBelowMinimumSize, "price %v amount %v", req.Price, req.Amount)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return models.OrderRecord{}, c.reject(models.ErrExchange, "unsupported side %q", req.Side)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reserveLocked(req.Side, req.Price, req.Amount); err != nil {
		return models.OrderRecord{}, err
	}
	now := c.now()
	o := &models.OrderRecord{
		LevelIndex:      req.LevelIndex,
		Side:            req.Side,
		Price:           req.Price,
		Amount:          req.Amount,
		ExchangeOrderID: c.nextOrderIDLocked(),
		ClientOrderID:   req.ClientOrderID,
		Symbol:          c.symbol,
		Status:          models.OrderOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c.orders[o.ExchangeOrderID] = o
	return *o, nil
}

// PlaceMarketOrder 按最近一次观察到的价格立即成交
func (c *Clock) PlaceMarketOrder(ctx context.Context, side models.Side, amount float64) (models.OrderRecord, error) {
	if amount <= 0 {
		return models.OrderRecord{}, c.reject(models.ErrBelowMinimumSize, "amount %v", amount)
	}
	price, err := c.observedPrice(ctx)
	if err != nil {
		return models.OrderRecord{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reserveLocked(side, price, amount); err != nil {
		return models.OrderRecord{}, err
	}
	now := c.now()
	o := &models.OrderRecord{
		LevelIndex:      -1,
		Side:            side,
		Price:           price,
		Amount:          amount,
		ExchangeOrderID: c.nextOrderIDLocked(),
		Symbol:          c.symbol,
		Status:          models.OrderOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c.settleLocked(o)
	return *o, nil
}

func (c *Clock) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[exchangeOrderID]
	if !ok {
		return c.reject(models.ErrOrderNotFound, "order %s", exchangeOrderID)
	}
	switch o.Side {
	case models.SideBuy:
		c.releaseLocked(c.quote, o.Price*o.Amount)
	case models.SideSell:
		c.releaseLocked(c.base, o.Amount)
	}
	delete(c.orders, exchangeOrderID)
	return nil
}

func (c *Clock) ListOpenOrders(ctx context.Context) ([]models.OrderRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.OrderRecord, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return orderSeq(out[i].ExchangeOrderID) < orderSeq(out[j].ExchangeOrderID) })
	return out, nil
}

func (c *Clock) FetchBalances(ctx context.Context) (map[string]models.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.Balance, len(c.balances))
	for cur, b := range c.balances {
		out[cur] = *b
	}
	return out, nil
}

func (c *Clock) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	base, quote, ok := models.ParsePair(symbol)
	if !ok || models.PairKey(base, quote) != c.symbol {
		return 0, c.reject(models.ErrInvalidSymbol, "symbol %s", symbol)
	}
	return c.observedPrice(ctx)
}

// observedPrice 返回最近一次观察到的价格。只有 Advance 会推进行情，
// 查询与市价单不消耗回放数据，也不会跳过需要撮合的价格。
func (c *Clock) observedPrice(ctx context.Context) (float64, error) {
	c.mu.Lock()
	price := c.lastPrice
	c.mu.Unlock()
	if price > 0 {
		return price, nil
	}
	return c.observe(ctx)
}

// PnL 返回模拟账本的已实现/未实现盈亏
func (c *Clock) PnL() models.PnL {
	c.mu.Lock()
	l := c.ledger
	c.mu.Unlock()
	if l == nil {
		return models.PnL{}
	}
	return l.PnL()
}

// LastPrice 最近一次观察到的价格，从未观察过时为 0
func (c *Clock) LastPrice() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPrice
}

func (c *Clock) reserveLocked(side models.Side, price, amount float64) error {
	cur, need := c.base, amount
	if side == models.SideBuy {
		cur, need = c.quote, price*amount
	}
	b := c.balanceLocked(cur)
	if b.Free+fundsEpsilon < need {
		return c.reject(models.ErrInsufficientBalance, "%s free %v, need %v", cur, b.Free, need)
	}
	b.Free -= need
	b.Used += need
	return nil
}

func (c *Clock) releaseLocked(cur string, amount float64) {
	b := c.balanceLocked(cur)
	b.Used -= amount
	b.Free += amount
	if b.Used < fundsEpsilon {
		b.Used = 0
	}
}

// settleLocked 结算一笔已预留资金的订单
func (c *Clock) settleLocked(o *models.OrderRecord) {
	quote, base := c.balanceLocked(c.quote), c.balanceLocked(c.base)
	if c.ledger == nil {
		c.ledger = portfolio.NewLedger(base.Total, o.Price)
	}
	cost := o.Price * o.Amount
	switch o.Side {
	case models.SideBuy:
		quote.Used -= cost
		quote.Total -= cost
		base.Free += o.Amount
		base.Total += o.Amount
	case models.SideSell:
		base.Used -= o.Amount
		base.Total -= o.Amount
		quote.Free += cost
		quote.Total += cost
	}
	for _, b := range []*models.Balance{quote, base} {
		if b.Used < fundsEpsilon {
			b.Used = 0
		}
	}
	c.ledger.Apply(o.Side, o.Price, o.Amount)
	c.ledger.Mark(c.lastPrice)
	o.Status = models.OrderFilled
	o.UpdatedAt = c.now()
}

func (c *Clock) balanceLocked(cur string) *models.Balance {
	b, ok := c.balances[cur]
	if !ok {
		b = &models.Balance{}
		c.balances[cur] = b
	}
	return b
}

func (c *Clock) nextOrderIDLocked() string {
	id := "sim_" + strconv.FormatInt(c.nextID, 10)
	c.nextID++
	return id
}

func (c *Clock) reject(kind error, format string, args ...interface{}) error {
	return &models.ExchangeError{Kind: kind, Exchange: Name, Message: fmt.Sprintf(format, args...)}
}

func orderSeq(id string) int64 {
	n, _ := strconv.ParseInt(strings.TrimPrefix(id, "sim_"), 10, 64)
	return n
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"zone-grid-bot-go/internal/events"
	"zone-grid-bot-go/internal/exchange"
	"zone-grid-bot-go/internal/grid"
	"zone-grid-bot-go/internal/idgen"
	"zone-grid-bot-go/internal/metrics"
	"zone-grid-bot-go/internal/models"
	"zone-grid-bot-go/internal/persistence"
	"zone-grid-bot-go/internal/portfolio"
	"zone-grid-bot-go/internal/simulation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPollInterval = 5 * time.Second

// Deps 机器人依赖的外部组件。除 Gateway/Clock 外均可为空。
type Deps struct {
	Gateway   exchange.Gateway  // 实盘网关
	Clock     *simulation.Clock // 模拟盘时钟，mode=sim 时必需
	Repo      persistence.Repository
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Status 某一时刻的只读快照，读取时不需要加锁
type Status struct {
	State        models.BotState    `json:"state"`
	Enabled      bool               `json:"enabled"`
	Mode         models.Mode        `json:"mode"`
	Exchange     string             `json:"exchange"`
	Network      models.Network     `json:"network"`
	Symbol       string             `json:"symbol"`
	ActiveZones  []int              `json:"active_zones"`
	ActiveLevels int                `json:"active_levels"`
	OpenOrders   int                `json:"open_orders"`
	PnL          models.PnL         `json:"pnl"`
	Inventory    map[string]float64 `json:"inventory"`
	LastError    string             `json:"last_error,omitempty"`
	Levels       []models.GridLevel `json:"levels"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Bot 网格机器人。所有修改网格/价位/订单状态的操作都持有 mu。
type Bot struct {
	cfg      models.Config
	gw       exchange.Gateway
	clock    *simulation.Clock
	rules    exchange.Rules
	valuator *portfolio.Valuator
	ids      *idgen.IDGenerator
	repo     persistence.Repository
	pub      events.Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	interval time.Duration
	base     string
	quote    string

	mu           sync.Mutex
	state        models.BotState
	levels       []models.GridLevel
	orders       map[string]*models.OrderRecord // 未终结的本地订单，按 LocalID
	zoneEnabled  map[int]bool
	reference    float64
	lastPrice    float64
	lastBalances map[string]models.Balance // 实盘模式下用于识别成交的余额基线
	inventory    map[string]float64
	ledger       *portfolio.Ledger // 实盘账本，模拟盘使用时钟自带的账本
	lastError    string
	pendingFills map[string]simulation.Fill

	passing  atomic.Bool
	snapshot atomic.Pointer[Status]
	stopCh   chan struct{}
	loopDone chan struct{}
}

// New 创建机器人，初始状态为 STOPPED
func New(cfg models.Config, deps Deps) (*Bot, error) {
	base, quote, ok := models.ParsePair(cfg.Grid.Symbol)
	if !ok {
		return nil, models.NewConfigError("grid.symbol", "cannot parse %q", cfg.Grid.Symbol)
	}
	gw := deps.Gateway
	if cfg.Grid.Mode == models.ModeSim {
		if deps.Clock == nil {
			return nil, models.NewConfigError("grid.mode", "sim mode needs a simulation clock")
		}
		gw = deps.Clock
	}
	if gw == nil {
		return nil, models.NewConfigError("grid.exchange", "no gateway")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids, err := idgen.NewIDGenerator(1)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(cfg.Runtime.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultPollInterval
	}

	b := &Bot{
		cfg:         cfg,
		gw:          gw,
		clock:       deps.Clock,
		rules:       exchange.LookupRules(cfg.Grid.Exchange, cfg.Grid.Symbol),
		valuator:    portfolio.NewValuator(cfg.Valuation.SettlementCurrency, cfg.Valuation.FallbackRates),
		ids:         ids,
		repo:        deps.Repo,
		pub:         deps.Publisher,
		metrics:     deps.Metrics,
		logger:      logger.With(zap.String("symbol", cfg.Grid.Symbol), zap.String("mode", string(cfg.Grid.Mode))),
		interval:    interval,
		base:        base,
		quote:       quote,
		state:       models.StateStopped,
		orders:      make(map[string]*models.OrderRecord),
		zoneEnabled: make(map[int]bool),
		inventory:   make(map[string]float64),
	}
	if cfg.Grid.Mode == models.ModeReal {
		b.clock = nil
	}
	for _, z := range grid.BuildZones(cfg.Grid) {
		b.zoneEnabled[z.ID] = z.Enabled
	}
	b.mu.Lock()
	b.publishLocked()
	b.mu.Unlock()
	b.metrics.SetState(models.StateStopped)
	return b, nil
}

// Status 返回最近一次发布的快照
func (b *Bot) Status() Status {
	if s := b.snapshot.Load(); s != nil {
		return *s
	}
	return Status{State: models.StateStopped}
}

// Portfolio 按结算货币估值当前余额。估值本身从不失败，只有取余额可能出错。
func (b *Bot) Portfolio(ctx context.Context) (models.PortfolioSnapshot, error) {
	balances, err := b.gw.FetchBalances(ctx)
	if err != nil {
		return models.PortfolioSnapshot{}, err
	}
	amounts := make(map[string]float64, len(balances))
	for cur, bal := range balances {
		amounts[cur] = bal.Total
	}
	tickers := make(map[string]float64, 1)
	if price, err := b.gw.FetchTicker(ctx, b.cfg.Grid.Symbol); err == nil {
		tickers[models.PairKey(b.base, b.quote)] = price
	} else {
		b.logger.Warn("ticker unavailable for valuation", zap.Error(err))
	}
	snap := b.valuator.Value(amounts, tickers)
	b.metrics.SetPortfolioValue(snap.Total)
	return snap, nil
}

// publishLocked 构建并原子发布状态快照，同时推送 levels_update
func (b *Bot) publishLocked() {
	levels := make([]models.GridLevel, len(b.levels))
	copy(levels, b.levels)
	inv := make(map[string]float64, len(b.inventory))
	for k, v := range b.inventory {
		inv[k] = v
	}

	s := &Status{
		State:     b.state,
		Enabled:   b.cfg.Grid.Enabled,
		Mode:      b.cfg.Grid.Mode,
		Exchange:  b.gw.Name(),
		Network:   b.cfg.Grid.Network,
		Symbol:    b.cfg.Grid.Symbol,
		PnL:       b.pnlLocked(),
		Inventory: inv,
		LastError: b.lastError,
		Levels:    levels,
		UpdatedAt: time.Now(),
	}
	for id, enabled := range b.zoneEnabled {
		if enabled {
			s.ActiveZones = append(s.ActiveZones, id)
		}
	}
	sort.Ints(s.ActiveZones)
	for _, lvl := range levels {
		if lvl.Active && b.zoneEnabled[lvl.ZoneID] {
			s.ActiveLevels++
		}
		if lvl.State == models.LevelOrderOpen {
			s.OpenOrders++
		}
	}
	b.snapshot.Store(s)
	b.metrics.SetOpenOrders(s.OpenOrders)
	b.emit(events.NewLevelsUpdate(levels))
}

func (b *Bot) pnlLocked() models.PnL {
	if b.clock != nil {
		return b.clock.PnL()
	}
	if b.ledger != nil {
		return b.ledger.PnL()
	}
	return models.PnL{}
}

func (b *Bot) emit(e events.Event) {
	if b.pub != nil {
		b.pub.Publish(e)
	}
}

// reportError 记录日志、写入操作日志并推送 error 事件
func (b *Bot) reportError(action string, err error) {
	b.logger.Error(action+" failed", zap.Error(err))
	b.metrics.GatewayError(err)
	b.emit(events.NewError(err))
	b.recordAction(action, nil, err)
}

// recordAction 追加一条操作日志
func (b *Bot) recordAction(action string, params map[string]interface{}, err error) {
	if b.repo == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error: " + err.Error()
	}
	entry := models.ActionLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		User:      b.cfg.Runtime.User,
		Mode:      b.cfg.Grid.Mode,
		Params:    params,
		Result:    result,
	}
	if werr := b.repo.AppendAction(entry); werr != nil {
		b.logger.Warn("append action log failed", zap.String("action", action), zap.Error(werr))
	}
}

func (b *Bot) saveOrder(o *models.OrderRecord) {
	if b.repo == nil {
		return
	}
	if err := b.repo.SaveOrder(*o); err != nil {
		b.logger.Warn("save order failed", zap.String("local_id", o.LocalID), zap.Error(err))
	}
}

func (b *Bot) saveTrade(t models.Trade) {
	if b.repo == nil {
		return
	}
	if err := b.repo.AppendTrade(t); err != nil {
		b.logger.Warn("append trade failed", zap.String("order", t.ExchangeOrderID), zap.Error(err))
	}
}

// exposureLocked 未终结买单的总数量(基础货币)
func (b *Bot) exposureLocked() float64 {
	total := 0.0
	for _, o := range b.orders {
		if o.Side == models.SideBuy && !o.Status.Terminal() {
			total += o.Amount
		}
	}
	return total
}

func (b *Bot) withinExposureLocked(side models.Side, amount float64) bool {
	if side != models.SideBuy {
		return true
	}
	return b.exposureLocked()+amount <= b.cfg.Grid.MaxExposure+1e-12
}

// placeLevelLocked 为一个价位下单。业务拒绝会停用该价位并返回 nil，
// 其余错误原样返回，由调用方决定是否致命。
func (b *Bot) placeLevelLocked(ctx context.Context, idx int) error {
	lvl := &b.levels[idx]
	if lvl.Side != models.SideBuy && lvl.Side != models.SideSell {
		return nil
	}
	price, amount, err := b.rules.Normalize(lvl.Price, b.cfg.Grid.PositionSize)
	if err != nil {
		b.deactivateLocked(idx, "place_order", err)
		return nil
	}
	clientID, err := b.ids.ClientOrderID()
	if err != nil {
		return err
	}

	now := time.Now()
	rec := &models.OrderRecord{
		LocalID:       uuid.NewString(),
		LevelIndex:    idx,
		Side:          lvl.Side,
		Price:         price.InexactFloat64(),
		Amount:        amount.InexactFloat64(),
		ClientOrderID: clientID,
		Symbol:        b.cfg.Grid.Symbol,
		Status:        models.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	req := exchange.OrderRequest{
		LevelIndex:    idx,
		Side:          rec.Side,
		Price:         rec.Price,
		Amount:        rec.Amount,
		ClientOrderID: clientID,
	}
	placed, err := b.gw.PlaceOrder(ctx, req)
	if err != nil {
		rec.Status = models.OrderRejected
		rec.UpdatedAt = time.Now()
		b.saveOrder(rec)
		if models.IsBusinessRejection(err) {
			b.metrics.OrderAction("rejected", rec.Side)
			b.deactivateLocked(idx, "place_order", err)
			return nil
		}
		return fmt.Errorf("place level %d: %w", idx, err)
	}

	rec.ExchangeOrderID = placed.ExchangeOrderID
	rec.Status = models.OrderOpen
	rec.UpdatedAt = time.Now()
	b.orders[rec.LocalID] = rec
	lvl.OrderID = rec.LocalID
	lvl.State = models.LevelOrderOpen
	b.adjustBaselineLocked(rec, -1)
	b.saveOrder(rec)
	b.metrics.OrderAction("place", rec.Side)
	b.logger.Info("order placed",
		zap.Int("level", idx),
		zap.String("side", string(rec.Side)),
		zap.Float64("price", rec.Price),
		zap.Float64("amount", rec.Amount),
		zap.String("exchange_order_id", rec.ExchangeOrderID))
	return nil
}

func (b *Bot) deactivateLocked(idx int, action string, err error) {
	lvl := &b.levels[idx]
	lvl.Active = false
	if lvl.State != models.LevelFilledPendingRearm {
		lvl.State = models.LevelEmpty
	}
	b.reportError(action, fmt.Errorf("level %d deactivated: %w", idx, err))
}

// cancelLevelLocked 撤销价位上的订单。交易所已不存在该订单时交给 settleVanishedLocked。
func (b *Bot) cancelLevelLocked(ctx context.Context, idx int) error {
	lvl := &b.levels[idx]
	rec, ok := b.orders[lvl.OrderID]
	if !ok {
		lvl.OrderID = ""
		if lvl.State == models.LevelOrderOpen {
			lvl.State = models.LevelEmpty
		}
		return nil
	}
	if err := b.gw.CancelOrder(ctx, rec.ExchangeOrderID); err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			b.settleVanishedLocked(idx, rec)
			return nil
		}
		return fmt.Errorf("cancel level %d: %w", idx, err)
	}
	b.finishOrderLocked(rec, models.OrderCancelled)
	b.adjustBaselineLocked(rec, 1)
	lvl.OrderID = ""
	lvl.State = models.LevelEmpty
	b.metrics.OrderAction("cancel", rec.Side)
	return nil
}

// settleVanishedLocked 处理撤单时交易所已找不到的订单，它可能刚刚成交。
// 模拟盘已观察到的成交立即入账；否则保留记录，由下一轮对账按余额变化判定成交或外部撤单。
func (b *Bot) settleVanishedLocked(idx int, rec *models.OrderRecord) {
	if _, filled := b.pendingFills[rec.ExchangeOrderID]; filled {
		delete(b.pendingFills, rec.ExchangeOrderID)
		b.applyFillLocked(levelOrder{level: idx, order: *rec})
		b.emit(events.NewPnLUpdate(b.pnlLocked()))
		return
	}
	b.logger.Warn("order vanished before cancel, left for reconciliation",
		zap.Int("level", idx),
		zap.String("exchange_order_id", rec.ExchangeOrderID))
}

// adjustBaselineLocked 自己下单/撤单引起的可用余额变化计入基线，避免被误判为成交
func (b *Bot) adjustBaselineLocked(rec *models.OrderRecord, sign float64) {
	if b.lastBalances == nil {
		return
	}
	cur, amount := b.base, rec.Amount
	if rec.Side == models.SideBuy {
		cur, amount = b.quote, rec.Price*rec.Amount
	}
	bal := b.lastBalances[cur]
	bal.Free += sign * amount
	b.lastBalances[cur] = bal
}

func (b *Bot) finishOrderLocked(rec *models.OrderRecord, status models.OrderStatus) {
	rec.Status = status
	rec.UpdatedAt = time.Now()
	b.saveOrder(rec)
	delete(b.orders, rec.LocalID)
}

// cancelAllLocked 撤销本地记录及交易所上的全部挂单
func (b *Bot) cancelAllLocked(ctx context.Context) error {
	var firstErr error
	for i := range b.levels {
		if b.levels[i].OrderID == "" {
			continue
		}
		if err := b.cancelLevelLocked(ctx, i); err != nil {
			if models.IsFatal(err) {
				return err
			}
			b.logger.Warn("cancel failed", zap.Int("level", i), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, rec := range b.orders {
		err := b.gw.CancelOrder(ctx, rec.ExchangeOrderID)
		if errors.Is(err, models.ErrOrderNotFound) {
			// 已不在交易所，无法确认是否成交，不记为撤单
			continue
		}
		if err != nil {
			if models.IsFatal(err) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.finishOrderLocked(rec, models.OrderCancelled)
	}

	remote, err := b.gw.ListOpenOrders(ctx)
	if err != nil {
		if models.IsFatal(err) {
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	for _, o := range remote {
		if err := b.gw.CancelOrder(ctx, o.ExchangeOrderID); err != nil && !errors.Is(err, models.ErrOrderNotFound) {
			if models.IsFatal(err) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Bot) clearLevelsLocked() {
	b.levels = nil
	b.orders = make(map[string]*models.OrderRecord)
	b.lastBalances = nil
	b.pendingFills = nil
	b.reference = 0
}

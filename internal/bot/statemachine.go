package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zone-grid-bot-go/internal/events"
	"zone-grid-bot-go/internal/grid"
	"zone-grid-bot-go/internal/models"
	"zone-grid-bot-go/internal/portfolio"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrConfirmationRequired = errors.New("operation requires explicit confirmation")
	ErrInvalidTransition    = errors.New("invalid state transition")
)

var transitions = map[models.BotState][]models.BotState{
	models.StateStopped:    {models.StateStarting, models.StateStopped},
	models.StateStarting:   {models.StateRunning, models.StateSimRunning, models.StateError},
	models.StateRunning:    {models.StateStopping, models.StateError},
	models.StateSimRunning: {models.StateStopping, models.StateError},
	models.StateStopping:   {models.StateStopped, models.StateError},
	models.StateError:      {models.StateStopped},
}

func canTransition(from, to models.BotState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionLocked 切换状态并推送 state_change
func (b *Bot) transitionLocked(to models.BotState, reason string) error {
	from := b.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	b.state = to
	b.metrics.SetState(to)
	b.logger.Info("state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	b.emit(events.NewStateChange(from, to, reason))
	b.publishLocked()
	return nil
}

// failLocked 进入 ERROR。循环在下一次检查时自行退出，挂单保留，等待 Reset。
func (b *Bot) failLocked(err error) {
	b.lastError = err.Error()
	b.reportError("fatal", err)
	if b.state == models.StateError {
		b.publishLocked()
		return
	}
	if terr := b.transitionLocked(models.StateError, err.Error()); terr != nil {
		b.logger.Error("cannot enter error state", zap.String("state", string(b.state)), zap.Error(terr))
		b.publishLocked()
	}
}

// Start 计算网格、接管已有挂单、下初始订单并启动对账循环
func (b *Bot) Start(ctx context.Context, confirm bool) (err error) {
	defer func() { b.recordAction("start", map[string]interface{}{"confirm": confirm}, err) }()
	if !confirm {
		return ErrConfirmationRequired
	}

	b.mu.Lock()
	if err := b.transitionLocked(models.StateStarting, "start requested"); err != nil {
		b.mu.Unlock()
		return err
	}
	b.lastError = ""
	b.mu.Unlock()

	if err := b.bootstrap(ctx); err != nil {
		b.mu.Lock()
		b.failLocked(err)
		b.mu.Unlock()
		return err
	}

	if err := b.ReconcileOnce(ctx); err != nil && models.IsFatal(err) {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != models.StateStarting {
		return fmt.Errorf("%w: start interrupted in %s", ErrInvalidTransition, b.state)
	}
	running := models.StateRunning
	if b.clock != nil {
		running = models.StateSimRunning
	}
	if err := b.transitionLocked(running, "grid started"); err != nil {
		return err
	}
	b.stopCh = make(chan struct{})
	b.loopDone = make(chan struct{})
	go b.loop(b.stopCh, b.loopDone)
	return nil
}

// bootstrap 拉取参考价、余额与挂单，建立内存中的网格
func (b *Bot) bootstrap(ctx context.Context) error {
	if err := grid.Validate(b.cfg.Grid); err != nil {
		return err
	}
	price, err := b.gw.FetchTicker(ctx, b.cfg.Grid.Symbol)
	if err != nil {
		return fmt.Errorf("fetch reference price: %w", err)
	}
	levels, err := grid.Compute(b.cfg.Grid, price)
	if err != nil {
		return err
	}
	balances, err := b.gw.FetchBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	remote, err := b.gw.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range levels {
		levels[i].Active = b.zoneEnabled[levels[i].ZoneID]
	}
	adopted, err := adoptRemote(levels, nil, remote)
	if err != nil {
		return err
	}

	b.levels = levels
	b.orders = make(map[string]*models.OrderRecord)
	b.reference = price
	b.lastPrice = price
	b.inventory = make(map[string]float64, len(balances))
	for cur, bal := range balances {
		b.inventory[cur] = bal.Total
	}
	if b.clock == nil {
		b.lastBalances = cloneBalances(balances)
		b.ledger = portfolio.NewLedger(balances[b.base].Total, price)
	}
	for _, o := range adopted {
		b.adoptLocked(o)
	}
	b.logger.Info("grid computed",
		zap.Float64("reference", price),
		zap.Int("levels", len(levels)),
		zap.Int("adopted", len(adopted)))
	b.publishLocked()
	return nil
}

func (b *Bot) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// 停止信号只在轮次之间检查，进行中的轮次靠各请求自身的超时结束
			err := b.ReconcileOnce(context.Background())
			if err != nil && !errors.Is(err, ErrPassInProgress) {
				b.mu.Lock()
				state := b.state
				b.mu.Unlock()
				if !state.IsRunning() {
					b.logger.Warn("reconciliation loop exiting", zap.String("state", string(state)))
					return
				}
			}
		}
	}
}

// waitLoop 停止对账循环并等待当前轮次结束。调用时不能持有 mu。
func (b *Bot) waitLoop() {
	b.mu.Lock()
	stopCh, done := b.stopCh, b.loopDone
	b.stopCh, b.loopDone = nil, nil
	b.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
}

// Stop 停止循环并撤销全部挂单
func (b *Bot) Stop(ctx context.Context, confirm bool) (err error) {
	defer func() { b.recordAction("stop", map[string]interface{}{"confirm": confirm}, err) }()
	if !confirm {
		return ErrConfirmationRequired
	}

	b.mu.Lock()
	if err := b.transitionLocked(models.StateStopping, "stop requested"); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	b.waitLoop()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == models.StateError {
		return fmt.Errorf("stop aborted: %s", b.lastError)
	}
	if err := b.cancelAllLocked(ctx); err != nil {
		if models.IsFatal(err) {
			b.failLocked(err)
			return err
		}
		b.reportError("cancel_all", err)
	}
	b.clearLevelsLocked()
	return b.transitionLocked(models.StateStopped, "stopped by user")
}

// ResetOptions 控制 Reset 的行为。CancelOnly 优先于 ClearPositions。
type ResetOptions struct {
	Confirm        bool
	ClearPositions bool
	CancelOnly     bool
}

// Reset 从 STOPPED 或 ERROR 恢复：撤单，可选市价平掉基础货币持仓，清空网格
func (b *Bot) Reset(ctx context.Context, opts ResetOptions) (err error) {
	defer func() {
		b.recordAction("reset", map[string]interface{}{
			"confirm":         opts.Confirm,
			"clear_positions": opts.ClearPositions,
			"cancel_only":     opts.CancelOnly,
		}, err)
	}()
	if !opts.Confirm {
		return ErrConfirmationRequired
	}

	b.mu.Lock()
	if b.state != models.StateStopped && b.state != models.StateError {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, state)
	}
	b.mu.Unlock()

	b.waitLoop()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.cancelAllLocked(ctx); err != nil {
		b.lastError = err.Error()
		b.reportError("cancel_all", err)
		b.publishLocked()
		return err
	}
	if opts.ClearPositions && !opts.CancelOnly {
		if err := b.liquidateLocked(ctx); err != nil {
			b.lastError = err.Error()
			b.reportError("clear_positions", err)
			b.publishLocked()
			return err
		}
	}

	b.clearLevelsLocked()
	b.ledger = nil
	b.lastError = ""
	if balances, err := b.gw.FetchBalances(ctx); err == nil {
		b.inventory = make(map[string]float64, len(balances))
		for cur, bal := range balances {
			b.inventory[cur] = bal.Total
		}
		b.emit(events.NewInventoryUpdate(b.inventory))
	}
	return b.transitionLocked(models.StateStopped, "reset")
}

// liquidateLocked 以市价卖出全部可用基础货币，数量低于最小下单量时跳过
func (b *Bot) liquidateLocked(ctx context.Context) error {
	balances, err := b.gw.FetchBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	free := balances[b.base].Free
	if free <= 0 {
		return nil
	}
	price, err := b.gw.FetchTicker(ctx, b.cfg.Grid.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	_, amount, err := b.rules.Normalize(price, free)
	if err != nil {
		if models.IsBusinessRejection(err) {
			b.logger.Info("position below minimum size, nothing to clear", zap.Float64("free", free))
			return nil
		}
		return err
	}
	o, err := b.gw.PlaceMarketOrder(ctx, models.SideSell, amount.InexactFloat64())
	if err != nil {
		return fmt.Errorf("market sell: %w", err)
	}
	b.metrics.OrderAction("market", models.SideSell)
	b.saveTrade(models.Trade{
		ID:              uuid.NewString(),
		LevelIndex:      -1,
		Side:            models.SideSell,
		Price:           o.Price,
		Amount:          o.Amount,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          b.cfg.Grid.Symbol,
		Mode:            b.cfg.Grid.Mode,
		Timestamp:       time.Now(),
	})
	b.logger.Info("position cleared",
		zap.Float64("amount", o.Amount),
		zap.Float64("price", o.Price))
	return nil
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"zone-grid-bot-go/internal/events"
	"zone-grid-bot-go/internal/grid"
	"zone-grid-bot-go/internal/models"
	"zone-grid-bot-go/internal/simulation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// fillTolerance 实盘模式下，余额增量达到预期的 99% 即认定为成交
const fillTolerance = 0.01

var (
	ErrPassInProgress = errors.New("reconciliation pass already in progress")
	ErrNotRunning     = errors.New("bot is not running")
)

// observation 一轮对账开始时从交易所(或模拟时钟)读到的状态，不含任何本地修改
type observation struct {
	remote   []models.OrderRecord
	balances map[string]models.Balance
	price    float64
}

type levelOrder struct {
	level int
	order models.OrderRecord
}

// plan 纯计算的对账结果。生成 plan 时发现的不变量破坏会让整轮作废。
type plan struct {
	adopt      []models.OrderRecord // 交易所上未被跟踪、能对应到空价位的订单
	fills      []levelOrder
	cancelled  []levelOrder // 被外部撤销的订单
	zoneCancel []int        // 属于已停用分区、仍有挂单的价位
	place      []int        // 候选下单价位，离参考价近的在前
}

type planInput struct {
	levels       []models.GridLevel
	orders       map[string]models.OrderRecord
	zoneEnabled  map[int]bool
	remote       []models.OrderRecord
	sim          bool
	simFills     map[string]simulation.Fill
	balances     map[string]models.Balance
	lastBalances map[string]models.Balance
	base         string
	quote        string
	reference    float64
}

// ReconcileOnce 执行一轮对账：观察 -> 计划 -> 在锁内应用 -> 发布。
// 与正在进行的另一轮重叠时直接跳过。致命错误会让机器人进入 ERROR。
func (b *Bot) ReconcileOnce(ctx context.Context) error {
	if !b.passing.CompareAndSwap(false, true) {
		b.metrics.ObservePass("skipped", 0)
		return ErrPassInProgress
	}
	defer b.passing.Store(false)

	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	if !state.IsRunning() && state != models.StateStarting {
		return ErrNotRunning
	}

	start := time.Now()
	err := b.reconcile(ctx)
	if err == nil {
		b.metrics.ObservePass("ok", time.Since(start))
		return nil
	}
	b.metrics.ObservePass("error", time.Since(start))

	b.mu.Lock()
	defer b.mu.Unlock()
	if models.IsFatal(err) {
		b.failLocked(err)
	} else {
		b.lastError = err.Error()
		b.reportError("reconcile", err)
		b.publishLocked()
	}
	return err
}

func (b *Bot) reconcile(ctx context.Context) error {
	obs, err := b.observe(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	in := b.planInputLocked(obs)
	b.pendingFills = nil
	p, err := buildPlan(in)
	if err != nil {
		return err
	}
	return b.applyLocked(ctx, p, obs)
}

func (b *Bot) observe(ctx context.Context) (*observation, error) {
	obs := &observation{}
	if b.clock != nil {
		fills, err := b.clock.Advance(ctx)
		if err != nil {
			return nil, fmt.Errorf("advance simulation: %w", err)
		}
		obs.price = b.clock.LastPrice()
		// 模拟成交先暂存，防止后续读取失败时丢失
		if len(fills) > 0 {
			b.mu.Lock()
			if b.pendingFills == nil {
				b.pendingFills = make(map[string]simulation.Fill, len(fills))
			}
			for _, f := range fills {
				b.pendingFills[f.Order.ExchangeOrderID] = f
			}
			b.mu.Unlock()
		}
	} else {
		price, err := b.gw.FetchTicker(ctx, b.cfg.Grid.Symbol)
		if err != nil {
			return nil, fmt.Errorf("fetch ticker: %w", err)
		}
		obs.price = price
	}

	remote, err := b.gw.ListOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	obs.remote = remote

	balances, err := b.gw.FetchBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}
	obs.balances = balances
	return obs, nil
}

func (b *Bot) planInputLocked(obs *observation) planInput {
	levels := make([]models.GridLevel, len(b.levels))
	copy(levels, b.levels)
	orders := make(map[string]models.OrderRecord, len(b.orders))
	for id, o := range b.orders {
		orders[id] = *o
	}
	zones := make(map[int]bool, len(b.zoneEnabled))
	for id, en := range b.zoneEnabled {
		zones[id] = en
	}
	fills := make(map[string]simulation.Fill, len(b.pendingFills))
	for id, f := range b.pendingFills {
		fills[id] = f
	}
	ref := obs.price
	if ref <= 0 {
		ref = b.reference
	}
	return planInput{
		levels:       levels,
		orders:       orders,
		zoneEnabled:  zones,
		remote:       obs.remote,
		sim:          b.clock != nil,
		simFills:     fills,
		balances:     obs.balances,
		lastBalances: b.lastBalances,
		base:         b.base,
		quote:        b.quote,
		reference:    ref,
	}
}

// buildPlan 对比期望与实际挂单，不修改任何状态
func buildPlan(in planInput) (plan, error) {
	var p plan

	byLevel := make(map[int]string, len(in.orders))
	for id, o := range in.orders {
		if other, dup := byLevel[o.LevelIndex]; dup {
			return p, models.NewInvariantError("level %d has two tracked orders (%s, %s)", o.LevelIndex, other, id)
		}
		byLevel[o.LevelIndex] = id
	}
	for _, lvl := range in.levels {
		if lvl.OrderID == "" {
			continue
		}
		if _, ok := in.orders[lvl.OrderID]; !ok {
			return p, models.NewInvariantError("level %d references unknown order %s", lvl.Index, lvl.OrderID)
		}
	}

	byExchange := make(map[string]models.OrderRecord, len(in.orders))
	for _, o := range in.orders {
		if o.ExchangeOrderID != "" {
			byExchange[o.ExchangeOrderID] = o
		}
	}

	present := make(map[string]bool, len(in.remote))
	perLevel := make(map[int]int)
	for _, r := range in.remote {
		if local, ok := byExchange[r.ExchangeOrderID]; ok {
			present[local.LocalID] = true
			perLevel[local.LevelIndex]++
			continue
		}
		idx, ok := grid.NearestLevel(in.levels, r.Price)
		if !ok {
			continue // 不属于本网格的订单
		}
		perLevel[idx]++
		if _, tracked := byLevel[idx]; tracked {
			return p, models.NewInvariantError("level %d: untracked exchange order %s alongside tracked order", idx, r.ExchangeOrderID)
		}
		r.LevelIndex = idx
		p.adopt = append(p.adopt, r)
	}
	for idx, n := range perLevel {
		if n > 1 {
			return p, models.NewInvariantError("level %d maps to %d open exchange orders", idx, n)
		}
	}

	missing := make([]models.OrderRecord, 0)
	for id, o := range in.orders {
		if !present[id] {
			missing = append(missing, o)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].LevelIndex < missing[j].LevelIndex })

	budget := balanceDeltas(in.balances, in.lastBalances)
	for _, o := range missing {
		entry := levelOrder{level: o.LevelIndex, order: o}
		if in.sim {
			if _, filled := in.simFills[o.ExchangeOrderID]; filled {
				p.fills = append(p.fills, entry)
			} else {
				p.cancelled = append(p.cancelled, entry)
			}
			continue
		}
		cur, expect := in.base, o.Amount
		if o.Side == models.SideSell {
			cur, expect = in.quote, o.Amount*o.Price
		}
		if in.lastBalances != nil && budget[cur] >= expect*(1-fillTolerance) {
			budget[cur] -= expect
			p.fills = append(p.fills, entry)
		} else {
			p.cancelled = append(p.cancelled, entry)
		}
	}

	for _, lvl := range in.levels {
		if in.zoneEnabled[lvl.ZoneID] {
			continue
		}
		if id, ok := byLevel[lvl.Index]; ok && present[id] {
			p.zoneCancel = append(p.zoneCancel, lvl.Index)
		}
	}
	for _, r := range p.adopt {
		if !in.zoneEnabled[in.levels[r.LevelIndex].ZoneID] {
			p.zoneCancel = append(p.zoneCancel, r.LevelIndex)
		}
	}
	sort.Ints(p.zoneCancel)

	p.place = make([]int, len(in.levels))
	for i := range in.levels {
		p.place[i] = i
	}
	sort.SliceStable(p.place, func(i, j int) bool {
		di := math.Abs(in.levels[p.place[i]].Price - in.reference)
		dj := math.Abs(in.levels[p.place[j]].Price - in.reference)
		return di < dj
	})
	return p, nil
}

// balanceDeltas 各币种可用余额相对上一轮基线的增量
func balanceDeltas(now, last map[string]models.Balance) map[string]float64 {
	out := make(map[string]float64, len(now))
	if last == nil {
		return out
	}
	for cur, b := range now {
		out[cur] = b.Free - last[cur].Free
	}
	return out
}

// applyLocked 按顺序应用计划：接管、成交、外部撤单、停用分区撤单、补挂单
func (b *Bot) applyLocked(ctx context.Context, p plan, obs *observation) error {
	if b.clock == nil {
		b.lastBalances = cloneBalances(obs.balances)
		if b.ledger != nil {
			b.ledger.Mark(obs.price)
		}
	}
	if obs.price > 0 {
		b.lastPrice = obs.price
	}

	for _, o := range p.adopt {
		b.adoptLocked(o)
	}

	attempted := make(map[int]bool)
	for _, f := range p.fills {
		attempted[f.level] = true
		b.applyFillLocked(f)
		if err := b.rearmLocked(ctx, f.level); err != nil {
			if models.IsFatal(err) {
				return err
			}
			b.reportError("rearm", err)
		}
	}

	for _, c := range p.cancelled {
		attempted[c.level] = true
		if err := b.replaceCancelledLocked(ctx, c); err != nil {
			if models.IsFatal(err) {
				return err
			}
			b.reportError("replace_order", err)
		}
	}

	for _, idx := range p.zoneCancel {
		if err := b.cancelLevelLocked(ctx, idx); err != nil {
			if models.IsFatal(err) {
				return err
			}
			b.reportError("zone_cancel", err)
			continue
		}
		b.levels[idx].Active = false
	}

	for _, idx := range p.place {
		lvl := b.levels[idx]
		if attempted[idx] || lvl.OrderID != "" || !lvl.Active || !b.zoneEnabled[lvl.ZoneID] {
			continue
		}
		if lvl.Side != models.SideBuy && lvl.Side != models.SideSell {
			continue
		}
		if !b.withinExposureLocked(lvl.Side, b.cfg.Grid.PositionSize) {
			continue
		}
		if err := b.placeLevelLocked(ctx, idx); err != nil {
			if models.IsFatal(err) {
				return err
			}
			b.reportError("place_order", err)
		}
	}

	b.inventory = make(map[string]float64, len(obs.balances))
	for cur, bal := range obs.balances {
		b.inventory[cur] = bal.Total
	}
	if len(p.fills) > 0 {
		b.emit(events.NewInventoryUpdate(b.inventory))
		b.emit(events.NewPnLUpdate(b.pnlLocked()))
	}
	b.publishLocked()
	return nil
}

func (b *Bot) adoptLocked(o models.OrderRecord) {
	lvl := &b.levels[o.LevelIndex]
	now := time.Now()
	rec := &models.OrderRecord{
		LocalID:         uuid.NewString(),
		LevelIndex:      o.LevelIndex,
		Side:            o.Side,
		Price:           o.Price,
		Amount:          o.Amount,
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          b.cfg.Grid.Symbol,
		Status:          models.OrderOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	b.orders[rec.LocalID] = rec
	lvl.Side = o.Side
	lvl.OrderID = rec.LocalID
	lvl.State = models.LevelOrderOpen
	b.saveOrder(rec)
	b.logger.Info("adopted exchange order",
		zap.Int("level", o.LevelIndex),
		zap.String("exchange_order_id", o.ExchangeOrderID))
}

// applyFillLocked 记录成交并翻转价位方向，之后由 rearmLocked 在同一价格反向挂单
func (b *Bot) applyFillLocked(f levelOrder) {
	rec, ok := b.orders[f.order.LocalID]
	if !ok {
		return
	}
	b.finishOrderLocked(rec, models.OrderFilled)
	if b.clock == nil && b.ledger != nil {
		b.ledger.Apply(rec.Side, rec.Price, rec.Amount)
	}
	b.saveTrade(models.Trade{
		ID:              uuid.NewString(),
		LevelIndex:      f.level,
		Side:            rec.Side,
		Price:           rec.Price,
		Amount:          rec.Amount,
		ExchangeOrderID: rec.ExchangeOrderID,
		Symbol:          rec.Symbol,
		Mode:            b.cfg.Grid.Mode,
		Timestamp:       time.Now(),
	})
	b.metrics.Fill(rec.Side)

	lvl := &b.levels[f.level]
	lvl.Side = rec.Side.Opposite()
	lvl.OrderID = ""
	lvl.State = models.LevelFilledPendingRearm
	b.logger.Info("fill detected",
		zap.Int("level", f.level),
		zap.String("side", string(rec.Side)),
		zap.Float64("price", rec.Price),
		zap.Float64("amount", rec.Amount))
}

func (b *Bot) rearmLocked(ctx context.Context, idx int) error {
	lvl := &b.levels[idx]
	if !lvl.Active || !b.zoneEnabled[lvl.ZoneID] {
		lvl.State = models.LevelEmpty
		return nil
	}
	if !b.withinExposureLocked(lvl.Side, b.cfg.Grid.PositionSize) {
		b.logger.Info("rearm deferred by exposure cap", zap.Int("level", idx))
		return nil
	}
	return b.placeLevelLocked(ctx, idx)
}

func (b *Bot) replaceCancelledLocked(ctx context.Context, c levelOrder) error {
	if rec, ok := b.orders[c.order.LocalID]; ok {
		b.finishOrderLocked(rec, models.OrderCancelled)
	}
	lvl := &b.levels[c.level]
	lvl.OrderID = ""
	lvl.State = models.LevelEmpty
	b.logger.Warn("order cancelled outside the bot",
		zap.Int("level", c.level),
		zap.String("exchange_order_id", c.order.ExchangeOrderID))

	if !lvl.Active || !b.zoneEnabled[lvl.ZoneID] || !b.withinExposureLocked(lvl.Side, b.cfg.Grid.PositionSize) {
		lvl.Active = false
		return nil
	}
	return b.placeLevelLocked(ctx, c.level)
}

// adoptRemote 启动或手动同步时，把交易所上的挂单映射到最近的价位
func adoptRemote(levels []models.GridLevel, tracked map[string]bool, remote []models.OrderRecord) ([]models.OrderRecord, error) {
	taken := make(map[int]string)
	for _, lvl := range levels {
		if lvl.OrderID != "" {
			taken[lvl.Index] = lvl.OrderID
		}
	}
	var out []models.OrderRecord
	for _, r := range remote {
		if tracked[r.ExchangeOrderID] {
			continue
		}
		idx, ok := grid.NearestLevel(levels, r.Price)
		if !ok {
			continue
		}
		if owner, dup := taken[idx]; dup {
			return nil, models.NewInvariantError("level %d: exchange order %s conflicts with %s", idx, r.ExchangeOrderID, owner)
		}
		taken[idx] = r.ExchangeOrderID
		r.LevelIndex = idx
		out = append(out, r)
	}
	return out, nil
}

func cloneBalances(in map[string]models.Balance) map[string]models.Balance {
	out := make(map[string]models.Balance, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

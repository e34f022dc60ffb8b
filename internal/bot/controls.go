package bot

import (
	"context"
	"errors"
	"fmt"

	"zone-grid-bot-go/internal/events"
	"zone-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

var (
	ErrUnknownZone  = errors.New("unknown zone")
	ErrUnknownLevel = errors.New("unknown level")
)

// ToggleZone 启用或停用一个分区。运行中停用会立即撤销成员价位的挂单；
// 启用后成员价位重新激活，由下一轮对账补单。停止状态下只修改开关。
func (b *Bot) ToggleZone(ctx context.Context, zoneID int, enabled, confirm bool) (err error) {
	defer func() {
		b.recordAction("toggle_zone", map[string]interface{}{"zone_id": zoneID, "enabled": enabled}, err)
	}()
	if !confirm {
		return ErrConfirmationRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.zoneEnabled[zoneID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownZone, zoneID)
	}
	b.zoneEnabled[zoneID] = enabled
	b.emit(events.NewZoneToggle(zoneID, enabled))
	b.logger.Info("zone toggled", zap.Int("zone", zoneID), zap.Bool("enabled", enabled))

	var firstErr error
	for i := range b.levels {
		if b.levels[i].ZoneID != zoneID {
			continue
		}
		if enabled {
			b.levels[i].Active = true
			continue
		}
		if b.levels[i].OrderID != "" {
			if cerr := b.cancelLevelLocked(ctx, i); cerr != nil {
				if models.IsFatal(cerr) {
					b.failLocked(cerr)
					return cerr
				}
				// 未撤掉的挂单由下一轮对账的停用分区撤单处理
				b.logger.Warn("zone cancel failed", zap.Int("level", i), zap.Error(cerr))
				if firstErr == nil {
					firstErr = cerr
				}
				continue
			}
		}
		b.levels[i].Active = false
		if b.levels[i].State == models.LevelFilledPendingRearm {
			b.levels[i].State = models.LevelEmpty
		}
	}
	b.publishLocked()
	return firstErr
}

// CancelLevel 撤销单个价位的挂单并停用该价位
func (b *Bot) CancelLevel(ctx context.Context, index int, confirm bool) (err error) {
	defer func() { b.recordAction("cancel_level", map[string]interface{}{"index": index}, err) }()
	if !confirm {
		return ErrConfirmationRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLevelLocked(index); err != nil {
		return err
	}
	if err := b.cancelLevelLocked(ctx, index); err != nil {
		if models.IsFatal(err) {
			b.failLocked(err)
		}
		return err
	}
	b.levels[index].Active = false
	if b.levels[index].State == models.LevelFilledPendingRearm {
		b.levels[index].State = models.LevelEmpty
	}
	b.publishLocked()
	return nil
}

// EnableLevel 重新激活价位，下一轮对账时补单
func (b *Bot) EnableLevel(ctx context.Context, index int, confirm bool) (err error) {
	defer func() { b.recordAction("enable_level", map[string]interface{}{"index": index}, err) }()
	if !confirm {
		return ErrConfirmationRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLevelLocked(index); err != nil {
		return err
	}
	b.levels[index].Active = true
	b.publishLocked()
	return nil
}

// SyncOrders 把交易所上未被跟踪的挂单接管到最近的价位
func (b *Bot) SyncOrders(ctx context.Context, confirm bool) (adopted int, err error) {
	defer func() { b.recordAction("sync_orders", map[string]interface{}{"adopted": adopted}, err) }()
	if !confirm {
		return 0, ErrConfirmationRequired
	}

	remote, err := b.gw.ListOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.IsRunning() {
		return 0, ErrNotRunning
	}
	tracked := make(map[string]bool, len(b.orders))
	for _, o := range b.orders {
		tracked[o.ExchangeOrderID] = true
	}
	orders, err := adoptRemote(b.levels, tracked, remote)
	if err != nil {
		b.failLocked(err)
		return 0, err
	}
	for _, o := range orders {
		b.adoptLocked(o)
	}
	b.publishLocked()
	return len(orders), nil
}

func (b *Bot) checkLevelLocked(index int) error {
	if !b.state.IsRunning() {
		return ErrNotRunning
	}
	if index < 0 || index >= len(b.levels) {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, index)
	}
	return nil
}

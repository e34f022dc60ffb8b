package events

import (
	"sync"
	"sync/atomic"
	"time"

	"zone-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// Type identifies an event on the bus. The string values are part of the wire format.
type Type string

const (
	StateChange     Type = "state_change"
	PnLUpdate       Type = "pnl_update"
	InventoryUpdate Type = "inventory_update"
	LevelsUpdate    Type = "levels_update"
	ZoneToggle      Type = "zone_toggle"
	Error           Type = "error"
)

// Event is the envelope consumed by the transport layer: {type, timestamp, data}.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type StateChangeData struct {
	From   models.BotState `json:"from"`
	To     models.BotState `json:"to"`
	Reason string          `json:"reason,omitempty"`
}

type PnLData struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
}

type InventoryData map[string]float64

type LevelsData struct {
	Levels []models.GridLevel `json:"levels"`
}

type ZoneToggleData struct {
	ZoneID  int  `json:"zone_id"`
	Enabled bool `json:"enabled"`
}

type ErrorData struct {
	Message string `json:"message"`
}

func NewStateChange(from, to models.BotState, reason string) Event {
	return newEvent(StateChange, StateChangeData{From: from, To: to, Reason: reason})
}

func NewPnLUpdate(pnl models.PnL) Event {
	return newEvent(PnLUpdate, PnLData{Realized: pnl.Realized, Unrealized: pnl.Unrealized})
}

func NewInventoryUpdate(inv map[string]float64) Event {
	cp := make(InventoryData, len(inv))
	for k, v := range inv {
		cp[k] = v
	}
	return newEvent(InventoryUpdate, cp)
}

func NewLevelsUpdate(levels []models.GridLevel) Event {
	cp := make([]models.GridLevel, len(levels))
	copy(cp, levels)
	return newEvent(LevelsUpdate, LevelsData{Levels: cp})
}

func NewZoneToggle(zoneID int, enabled bool) Event {
	return newEvent(ZoneToggle, ZoneToggleData{ZoneID: zoneID, Enabled: enabled})
}

func NewError(err error) Event {
	return newEvent(Error, ErrorData{Message: err.Error()})
}

func newEvent(t Type, data interface{}) Event {
	return Event{Type: t, Timestamp: time.Now(), Data: data}
}

// Publisher is the sink side of the bus.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	logger  *zap.Logger
	dropped atomic.Int64
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a channel of events and a function that removes the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber buffer full",
				zap.Int("subscriber", id), zap.String("type", string(e.Type)))
		}
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

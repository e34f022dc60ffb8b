package models

import "time"

// Side is the intended order side of a grid level.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideNeutral Side = "neutral"
)

// Opposite returns the side a level flips to after a fill.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return SideNeutral
}

// LevelState is the lifecycle state of a grid level.
type LevelState string

const (
	LevelEmpty              LevelState = "empty"
	LevelOrderOpen          LevelState = "order_open"
	LevelFilledPendingRearm LevelState = "filled_pending_rearm"
)

// OrderStatus of an OrderRecord.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// BotState is the lifecycle state of the bot.
type BotState string

const (
	StateStopped    BotState = "STOPPED"
	StateStarting   BotState = "STARTING"
	StateRunning    BotState = "RUNNING"
	StateSimRunning BotState = "SIM_RUNNING"
	StateStopping   BotState = "STOPPING"
	StateError      BotState = "ERROR"
)

// IsRunning reports whether the reconciliation loop should be active.
func (s BotState) IsRunning() bool {
	return s == StateRunning || s == StateSimRunning
}

// GridLevel is a fixed price point holding at most one outstanding order.
type GridLevel struct {
	Index   int        `json:"index"`
	Price   float64    `json:"price"`
	Side    Side       `json:"side"`
	ZoneID  int        `json:"zone_id"`
	Active  bool       `json:"active"`
	OrderID string     `json:"order_id,omitempty"` // local OrderRecord id
	State   LevelState `json:"state"`
}

// Zone groups levels that are enabled or disabled together.
type Zone struct {
	ID      int   `json:"id"`
	Levels  []int `json:"levels"`
	Enabled bool  `json:"enabled"`
}

// OrderRecord tracks one order placed for a grid level.
type OrderRecord struct {
	LocalID         string      `json:"local_id"`
	LevelIndex      int         `json:"level_index"`
	Side            Side        `json:"side"`
	Price           float64     `json:"price"`
	Amount          float64     `json:"amount"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	ClientOrderID   string      `json:"client_order_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Status          OrderStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Balance of a single currency.
type Balance struct {
	Total float64 `json:"total"`
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
}

// PortfolioSnapshot is a point-in-time valuation. Never persisted as authoritative state.
type PortfolioSnapshot struct {
	Balances      map[string]float64 `json:"balances"`
	Contributions map[string]float64 `json:"contributions"`
	Unpriced      []string           `json:"unpriced,omitempty"`
	Total         float64            `json:"total"`
	Settlement    string             `json:"settlement"`
	ComputedAt    time.Time          `json:"computed_at"`
}

// PnL holds realized and unrealized profit in quote currency.
type PnL struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
}

// Trade is a fill recorded in the trade history.
type Trade struct {
	ID              string    `json:"id"`
	LevelIndex      int       `json:"level_index"`
	Side            Side      `json:"side"`
	Price           float64   `json:"price"`
	Amount          float64   `json:"amount"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Symbol          string    `json:"symbol"`
	Mode            Mode      `json:"mode"`
	Timestamp       time.Time `json:"timestamp"`
}

// ActionLog is one append-only audit entry.
type ActionLog struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	User      string                 `json:"user"`
	Mode      Mode                   `json:"mode"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Result    string                 `json:"result"`
}

// RuntimeState is the snapshot persisted by the state manager.
type RuntimeState struct {
	State          BotState           `json:"state"`
	PnL            PnL                `json:"pnl"`
	Inventory      map[string]float64 `json:"inventory"`
	Levels         []GridLevel        `json:"levels"`
	LastError      string             `json:"last_error,omitempty"`
	LastUpdateTime time.Time          `json:"last_update_time"`
}

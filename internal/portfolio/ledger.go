package portfolio

import (
	"sync"

	"zone-grid-bot-go/internal/models"
)

// Ledger tracks position and profit with average-cost accounting.
// Sells beyond the tracked position are booked against the average cost of what is held.
type Ledger struct {
	mu        sync.Mutex
	position  float64
	avgCost   float64
	realized  float64
	lastPrice float64
}

// NewLedger starts with an opening position valued at openingPrice.
func NewLedger(openingPosition, openingPrice float64) *Ledger {
	return &Ledger{position: openingPosition, avgCost: openingPrice, lastPrice: openingPrice}
}

// Apply books one fill.
func (l *Ledger) Apply(side models.Side, price, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch side {
	case models.SideBuy:
		cost := l.avgCost*l.position + price*amount
		l.position += amount
		if l.position > 0 {
			l.avgCost = cost / l.position
		}
	case models.SideSell:
		l.realized += (price - l.avgCost) * amount
		l.position -= amount
		if l.position <= 0 {
			l.position = 0
			l.avgCost = 0
		}
	}
	l.lastPrice = price
}

// Mark updates the price used for unrealized PnL.
func (l *Ledger) Mark(price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	l.lastPrice = price
	l.mu.Unlock()
}

// PnL returns realized and unrealized profit.
func (l *Ledger) PnL() models.PnL {
	l.mu.Lock()
	defer l.mu.Unlock()
	return models.PnL{
		Realized:   l.realized,
		Unrealized: (l.lastPrice - l.avgCost) * l.position,
	}
}

// Position returns the tracked base-currency position.
func (l *Ledger) Position() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

package persistence

import "zone-grid-bot-go/internal/models"

// Repository defines the interface for persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type Repository interface {
	// AppendAction appends one entry to the action log. Entries are never rewritten.
	AppendAction(entry models.ActionLog) error
	// ListActions returns up to limit entries, newest first. limit <= 0 means all.
	ListActions(limit int) ([]models.ActionLog, error)

	// SaveOrder inserts or updates an order row keyed by its local id.
	SaveOrder(order models.OrderRecord) error
	ListOrders(limit int) ([]models.OrderRecord, error)

	AppendTrade(trade models.Trade) error
	ListTrades(limit int) ([]models.Trade, error)

	// SaveState atomically saves the runtime state snapshot.
	SaveState(state *models.RuntimeState) error

	// LoadState loads the runtime state from storage.
	// If no state is found, it should return (nil, nil).
	LoadState() (*models.RuntimeState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

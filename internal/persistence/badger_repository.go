package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zone-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const (
	actionPrefix = "action/"
	orderPrefix  = "order/"
	tradePrefix  = "trade/"
)

var stateKey = []byte("bot_state")

// badgerRepository is the BadgerDB implementation of the Repository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (Repository, error) {
	return OpenBadger(badger.DefaultOptions(dbPath))
}

// OpenBadger opens a repository with explicit options, e.g. in-memory for tests.
func OpenBadger(opts badger.Options) (Repository, error) {
	// Badger's own logging is disabled; errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

// timeKey sorts lexically by time, so a reverse scan yields newest first.
func timeKey(prefix string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefix, ts.UnixNano(), id))
}

func (r *badgerRepository) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (r *badgerRepository) AppendAction(entry models.ActionLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return r.put(timeKey(actionPrefix, entry.Timestamp, entry.ID), entry)
}

func (r *badgerRepository) ListActions(limit int) ([]models.ActionLog, error) {
	return listNewest[models.ActionLog](r.db, actionPrefix, limit)
}

func (r *badgerRepository) SaveOrder(order models.OrderRecord) error {
	if order.LocalID == "" {
		return errors.New("order has no local id")
	}
	return r.put(timeKey(orderPrefix, order.CreatedAt, order.LocalID), order)
}

func (r *badgerRepository) ListOrders(limit int) ([]models.OrderRecord, error) {
	return listNewest[models.OrderRecord](r.db, orderPrefix, limit)
}

func (r *badgerRepository) AppendTrade(trade models.Trade) error {
	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now()
	}
	return r.put(timeKey(tradePrefix, trade.Timestamp, trade.ID), trade)
}

func (r *badgerRepository) ListTrades(limit int) ([]models.Trade, error) {
	return listNewest[models.Trade](r.db, tradePrefix, limit)
}

func listNewest[T any](db *badger.DB, prefix string, limit int) ([]T, error) {
	var out []T
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// 反向遍历需要从前缀之后的位置开始
		seek := append([]byte(prefix), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var v T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// SaveState atomically saves the entire runtime state.
// It marshals the state struct into JSON and saves it under a predefined key.
func (r *badgerRepository) SaveState(state *models.RuntimeState) error {
	return r.put(stateKey, state)
}

// LoadState loads the runtime state from storage.
// If the state key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadState() (*models.RuntimeState, error) {
	var state models.RuntimeState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

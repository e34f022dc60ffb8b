package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"zone-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedGateway fails FetchTicker with the queued errors, then succeeds.
type scriptedGateway struct {
	calls  atomic.Int32
	errs   []error
	block  bool
	ticker float64
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) next(ctx context.Context) error {
	n := int(g.calls.Add(1)) - 1
	if g.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n < len(g.errs) {
		return g.errs[n]
	}
	return nil
}

func (g *scriptedGateway) PlaceOrder(ctx context.Context, req OrderRequest) (models.OrderRecord, error) {
	return models.OrderRecord{LevelIndex: req.LevelIndex}, g.next(ctx)
}

func (g *scriptedGateway) PlaceMarketOrder(ctx context.Context, side models.Side, amount float64) (models.OrderRecord, error) {
	return models.OrderRecord{}, g.next(ctx)
}

func (g *scriptedGateway) CancelOrder(ctx context.Context, id string) error { return g.next(ctx) }

func (g *scriptedGateway) ListOpenOrders(ctx context.Context) ([]models.OrderRecord, error) {
	return nil, g.next(ctx)
}

func (g *scriptedGateway) FetchBalances(ctx context.Context) (map[string]models.Balance, error) {
	return nil, g.next(ctx)
}

func (g *scriptedGateway) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	if err := g.next(ctx); err != nil {
		return 0, err
	}
	return g.ticker, nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Timeout: 50 * time.Millisecond, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func rateLimited() error {
	return &models.ExchangeError{Kind: models.ErrRateLimit, Exchange: "scripted"}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	inner := &scriptedGateway{errs: []error{rateLimited(), rateLimited()}, ticker: 100}
	gw := WithRetry(inner, fastPolicy(), zap.NewNop())

	price, err := gw.FetchTicker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetryGivesUpAfterThreeAttempts(t *testing.T) {
	inner := &scriptedGateway{errs: []error{rateLimited(), rateLimited(), rateLimited(), rateLimited()}}
	policy := fastPolicy()
	policy.MaxAttempts = 10
	gw := WithRetry(inner, policy, zap.NewNop())

	_, err := gw.FetchBalances(context.Background())
	assert.True(t, errors.Is(err, models.ErrRateLimit))
	assert.Equal(t, int32(MaxAttempts), inner.calls.Load())
}

func TestRetryDoesNotRetryAuthOrBusinessErrors(t *testing.T) {
	for _, kind := range []error{models.ErrAuth, models.ErrInsufficientBalance, models.ErrUnknownExchange} {
		inner := &scriptedGateway{errs: []error{&models.ExchangeError{Kind: kind}}}
		gw := WithRetry(inner, fastPolicy(), zap.NewNop())

		_, err := gw.PlaceOrder(context.Background(), OrderRequest{LevelIndex: 1})
		assert.True(t, errors.Is(err, kind))
		assert.Equal(t, int32(1), inner.calls.Load())
	}
}

func TestRetryTurnsDeadlineIntoNetworkTimeout(t *testing.T) {
	inner := &scriptedGateway{block: true}
	policy := fastPolicy()
	policy.Timeout = 5 * time.Millisecond
	gw := WithRetry(inner, policy, zap.NewNop())

	start := time.Now()
	err := gw.CancelOrder(context.Background(), "1")
	assert.True(t, errors.Is(err, models.ErrNetworkTimeout), "got %v", err)
	assert.Equal(t, int32(MaxAttempts), inner.calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryStopsWhenCallerCancels(t *testing.T) {
	inner := &scriptedGateway{errs: []error{rateLimited(), rateLimited(), rateLimited()}}
	policy := fastPolicy()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Second
	gw := WithRetry(inner, policy, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gw.ListOpenOrders(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), inner.calls.Load())
}

// acceptingGateway accepts every order but lets the first reply time out.
type acceptingGateway struct {
	scriptedGateway
	placed []models.OrderRecord
	lists  int
}

func (g *acceptingGateway) PlaceOrder(ctx context.Context, req OrderRequest) (models.OrderRecord, error) {
	o := models.OrderRecord{
		LevelIndex:      req.LevelIndex,
		Side:            req.Side,
		Price:           req.Price,
		Amount:          req.Amount,
		ExchangeOrderID: fmt.Sprintf("bk-%d", len(g.placed)+1),
		ClientOrderID:   req.ClientOrderID,
		Status:          models.OrderOpen,
	}
	g.placed = append(g.placed, o)
	if len(g.placed) == 1 {
		return models.OrderRecord{}, &models.ExchangeError{Kind: models.ErrNetworkTimeout, Exchange: "scripted"}
	}
	return o, nil
}

func (g *acceptingGateway) ListOpenOrders(ctx context.Context) ([]models.OrderRecord, error) {
	g.lists++
	return g.placed, nil
}

func TestPlaceOrderAfterTimeoutDoesNotDuplicate(t *testing.T) {
	inner := &acceptingGateway{}
	gw := WithRetry(inner, fastPolicy(), zap.NewNop())

	req := OrderRequest{LevelIndex: 4, Side: models.SideBuy, Price: 62000, Amount: 0.001, ClientOrderID: "cid-1"}
	o, err := gw.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "bk-1", o.ExchangeOrderID)
	assert.Equal(t, 4, o.LevelIndex)
	assert.Len(t, inner.placed, 1)
	assert.Equal(t, 1, inner.lists)
}

func TestPlaceOrderAfterTimeoutResendsWhenNotAccepted(t *testing.T) {
	inner := &scriptedGateway{errs: []error{&models.ExchangeError{Kind: models.ErrNetworkTimeout, Exchange: "scripted"}}}
	gw := WithRetry(inner, fastPolicy(), zap.NewNop())

	o, err := gw.PlaceOrder(context.Background(), OrderRequest{LevelIndex: 2, ClientOrderID: "cid-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, o.LevelIndex)
	// place, lookup, place
	assert.Equal(t, int32(3), inner.calls.Load())
}

package exchange

import (
	"context"
	"errors"
	"time"

	"zone-grid-bot-go/internal/models"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// MaxAttempts caps every gateway call, whatever the config says.
const MaxAttempts = 3

// RetryPolicy bounds a single logical gateway call.
type RetryPolicy struct {
	Timeout         time.Duration // per attempt
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if p.MaxAttempts <= 0 || p.MaxAttempts > MaxAttempts {
		p.MaxAttempts = MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 200 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 2 * time.Second
	}
	return p
}

// Retrying gives every call of the wrapped gateway a timeout and retries
// rate-limit and timeout failures with exponential backoff.
type Retrying struct {
	inner  Gateway
	policy RetryPolicy
	logger *zap.Logger
}

// WithRetry wraps gw.
func WithRetry(gw Gateway, policy RetryPolicy, logger *zap.Logger) *Retrying {
	return &Retrying{inner: gw, policy: policy.normalized(), logger: logger}
}

// Unwrap returns the wrapped gateway.
func (r *Retrying) Unwrap() Gateway { return r.inner }

func (r *Retrying) Name() string { return r.inner.Name() }

// PlaceOrder retries like every other call, except that after a timeout the
// exchange may already hold the order: the open orders are searched for the
// client order id before sending it again. Bitkub does not dedupe client_id.
func (r *Retrying) PlaceOrder(ctx context.Context, req OrderRequest) (models.OrderRecord, error) {
	timedOut := false
	return call(ctx, r, "place_order", func(ctx context.Context) (models.OrderRecord, error) {
		if timedOut && req.ClientOrderID != "" {
			o, found, err := r.findOpen(ctx, req.ClientOrderID)
			if err != nil {
				return models.OrderRecord{}, err
			}
			if found {
				r.logger.Info("order accepted before timeout, not resending",
					zap.String("exchange", r.inner.Name()),
					zap.String("client_order_id", req.ClientOrderID),
					zap.String("exchange_order_id", o.ExchangeOrderID))
				o.LevelIndex = req.LevelIndex
				return o, nil
			}
		}
		o, err := r.inner.PlaceOrder(ctx, req)
		if errors.Is(err, models.ErrNetworkTimeout) || errors.Is(err, context.DeadlineExceeded) {
			timedOut = true
		}
		return o, err
	})
}

func (r *Retrying) findOpen(ctx context.Context, clientOrderID string) (models.OrderRecord, bool, error) {
	open, err := r.inner.ListOpenOrders(ctx)
	if err != nil {
		return models.OrderRecord{}, false, err
	}
	for _, o := range open {
		if o.ClientOrderID == clientOrderID {
			return o, true, nil
		}
	}
	return models.OrderRecord{}, false, nil
}

func (r *Retrying) PlaceMarketOrder(ctx context.Context, side models.Side, amount float64) (models.OrderRecord, error) {
	return call(ctx, r, "place_market_order", func(ctx context.Context) (models.OrderRecord, error) {
		return r.inner.PlaceMarketOrder(ctx, side, amount)
	})
}

func (r *Retrying) CancelOrder(ctx context.Context, id string) error {
	_, err := call(ctx, r, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.CancelOrder(ctx, id)
	})
	return err
}

func (r *Retrying) ListOpenOrders(ctx context.Context) ([]models.OrderRecord, error) {
	return call(ctx, r, "list_open_orders", r.inner.ListOpenOrders)
}

func (r *Retrying) FetchBalances(ctx context.Context) (map[string]models.Balance, error) {
	return call(ctx, r, "fetch_balances", r.inner.FetchBalances)
}

func (r *Retrying) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	return call(ctx, r, "fetch_ticker", func(ctx context.Context) (float64, error) {
		return r.inner.FetchTicker(ctx, symbol)
	})
}

func call[T any](ctx context.Context, r *Retrying, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.Reset()

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		v, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) && !models.IsTransient(err) {
			err = &models.ExchangeError{Kind: models.ErrNetworkTimeout, Exchange: r.inner.Name(), Message: err.Error()}
		}
		lastErr = err
		if !models.IsTransient(err) {
			return zero, err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}
		wait := b.NextBackOff()
		r.logger.Warn("transient exchange error, retrying",
			zap.String("exchange", r.inner.Name()),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

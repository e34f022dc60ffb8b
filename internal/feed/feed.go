package feed

import (
	"context"
	"errors"
	"sync"
)

// ErrNoPrice is returned before a source has observed any price.
var ErrNoPrice = errors.New("feed: no price observed yet")

// PriceSource yields the latest market price of the traded pair.
type PriceSource interface {
	Price(ctx context.Context) (float64, error)
}

// Ticker is the subset of an exchange gateway a ticker source needs.
type Ticker interface {
	FetchTicker(ctx context.Context, symbol string) (float64, error)
}

// GatewayTicker polls a gateway's ticker endpoint.
type GatewayTicker struct {
	gw     Ticker
	symbol string
}

func NewGatewayTicker(gw Ticker, symbol string) *GatewayTicker {
	return &GatewayTicker{gw: gw, symbol: symbol}
}

func (t *GatewayTicker) Price(ctx context.Context) (float64, error) {
	return t.gw.FetchTicker(ctx, t.symbol)
}

// Static is a settable price, used for replay and tests.
type Static struct {
	mu    sync.Mutex
	price float64
	err   error
}

func NewStatic(price float64) *Static { return &Static{price: price} }

func (s *Static) Set(price float64) {
	s.mu.Lock()
	s.price, s.err = price, nil
	s.mu.Unlock()
}

// Fail makes the next Price calls return err until Set is called.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Static) Price(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.price <= 0 {
		return 0, ErrNoPrice
	}
	return s.price, nil
}

// Replay steps through a recorded price series, one point per Price call.
// Once exhausted it keeps returning the last point.
type Replay struct {
	mu     sync.Mutex
	prices []float64
	pos    int
}

func NewReplay(prices []float64) (*Replay, error) {
	if len(prices) == 0 {
		return nil, ErrNoPrice
	}
	cp := make([]float64, len(prices))
	copy(cp, prices)
	return &Replay{prices: cp}, nil
}

func (r *Replay) Price(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos < len(r.prices) {
		r.pos++
	}
	return r.prices[r.pos-1], nil
}

// Done reports whether the last point has been served.
func (r *Replay) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos == len(r.prices)
}

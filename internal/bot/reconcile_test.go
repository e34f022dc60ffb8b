package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"zone-grid-bot-go/internal/events"
	"zone-grid-bot-go/internal/exchange"
	"zone-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconcileIsIdempotent(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))

	before := make(map[int]string)
	for i := 0; i < 11; i++ {
		before[i] = h.bot.exchangeID(i)
	}
	require.NoError(t, h.bot.ReconcileOnce(ctx))
	require.NoError(t, h.bot.ReconcileOnce(ctx))
	for i := 0; i < 11; i++ {
		assert.Equal(t, before[i], h.bot.exchangeID(i), "level %d", i)
	}
	assert.Len(t, h.openOrders(t), 10)
}

func TestFillFlipsAndRearmsLevel(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))
	ch, unsubscribe := h.bus.Subscribe(512)
	defer unsubscribe()

	h.src.Set(61900)
	require.NoError(t, h.bot.ReconcileOnce(ctx))

	lvl := h.bot.level(4)
	assert.Equal(t, models.SideSell, lvl.Side)
	assert.Equal(t, models.LevelOrderOpen, lvl.State)
	assert.Len(t, h.openOrders(t), 10)

	var sell *models.OrderRecord
	for _, o := range h.openOrders(t) {
		if o.Price == 62000 {
			o := o
			sell = &o
		}
	}
	require.NotNil(t, sell)
	assert.Equal(t, models.SideSell, sell.Side)

	var types []events.Type
	for _, e := range drain(ch) {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.InventoryUpdate)
	assert.Contains(t, types, events.PnLUpdate)
	assert.Contains(t, types, events.LevelsUpdate)

	trades, _ := h.repo.ListTrades(0)
	require.Len(t, trades, 1)
	assert.Equal(t, 4, trades[0].LevelIndex)
	assert.Equal(t, models.SideBuy, trades[0].Side)
	assert.Equal(t, 62000.0, trades[0].Price)
	assert.Equal(t, models.ModeSim, trades[0].Mode)

	// price comes back up through the level: the sell fills and the level buys again
	h.src.Set(62100)
	require.NoError(t, h.bot.ReconcileOnce(ctx))
	lvl = h.bot.level(4)
	assert.Equal(t, models.SideBuy, lvl.Side)
	assert.Equal(t, models.LevelOrderOpen, lvl.State)
	trades, _ = h.repo.ListTrades(0)
	assert.Len(t, trades, 2)
}

func TestExternalCancelIsReplaced(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))

	old := h.bot.exchangeID(3)
	require.NoError(t, h.clock.CancelOrder(ctx, old))
	require.NoError(t, h.bot.ReconcileOnce(ctx))

	lvl := h.bot.level(3)
	assert.True(t, lvl.Active)
	assert.Equal(t, models.LevelOrderOpen, lvl.State)
	assert.NotEqual(t, old, h.bot.exchangeID(3))
	assert.Len(t, h.openOrders(t), 10)

	trades, _ := h.repo.ListTrades(0)
	assert.Empty(t, trades)
}

func TestInvariantViolationChangesNothing(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))

	_, err := h.clock.PlaceOrder(ctx, exchange.OrderRequest{Side: models.SideBuy, Price: 61000, Amount: 0.001})
	require.NoError(t, err)

	err = h.bot.ReconcileOnce(ctx)
	require.ErrorIs(t, err, models.ErrInternalInvariant)
	st := h.bot.Status()
	assert.Equal(t, models.StateError, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Len(t, h.openOrders(t), 11)
	assert.Equal(t, 10, st.OpenOrders)

	assert.ErrorIs(t, h.bot.ReconcileOnce(ctx), ErrNotRunning)
}

func TestUntrackedOrderOnEmptyLevelIsAdopted(t *testing.T) {
	h := newSimHarness(t, func(cfg *models.Config) {
		cfg.Grid.Zones = []models.ZoneConfig{
			{ID: 1, LevelStart: 0, LevelEnd: 4, Enabled: true},
			{ID: 2, LevelStart: 5, LevelEnd: 10, Enabled: true},
		}
	})
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))
	require.NoError(t, h.bot.CancelLevel(ctx, 2, true))
	assert.Len(t, h.openOrders(t), 9)

	_, err := h.clock.PlaceOrder(ctx, exchange.OrderRequest{Side: models.SideBuy, Price: 61000, Amount: 0.001})
	require.NoError(t, err)
	adopted, err := h.bot.SyncOrders(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, adopted)
	assert.Equal(t, models.LevelOrderOpen, h.bot.level(2).State)

	require.NoError(t, h.bot.ReconcileOnce(ctx))
	assert.Len(t, h.openOrders(t), 10)
	assert.Equal(t, models.StateSimRunning, h.bot.Status().State)
}

func TestExposureCapLimitsBuys(t *testing.T) {
	h := newSimHarness(t, func(cfg *models.Config) {
		cfg.Grid.MaxExposure = 0.003
	})
	require.NoError(t, h.bot.Start(context.Background(), true))

	var buys []float64
	for _, o := range h.openOrders(t) {
		if o.Side == models.SideBuy {
			buys = append(buys, o.Price)
		}
	}
	sort.Float64s(buys)
	assert.Equal(t, []float64{61000, 61500, 62000}, buys)
	assert.Len(t, h.openOrders(t), 8)
	assert.Equal(t, models.LevelEmpty, h.bot.level(0).State)
	assert.True(t, h.bot.level(0).Active)
}

func TestZoneToggle(t *testing.T) {
	h := newSimHarness(t, func(cfg *models.Config) {
		cfg.Grid.Zones = []models.ZoneConfig{
			{ID: 1, LevelStart: 0, LevelEnd: 4, Enabled: true},
			{ID: 2, LevelStart: 5, LevelEnd: 10, Enabled: true},
		}
	})
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))
	ch, unsubscribe := h.bus.Subscribe(512)
	defer unsubscribe()

	require.NoError(t, h.bot.ToggleZone(ctx, 1, false, true))
	assert.Len(t, h.openOrders(t), 5)
	for i := 0; i < 5; i++ {
		assert.False(t, h.bot.level(i).Active, "level %d", i)
	}
	require.NoError(t, h.bot.ReconcileOnce(ctx))
	assert.Len(t, h.openOrders(t), 5)
	assert.Equal(t, []int{2}, h.bot.Status().ActiveZones)

	var toggles []events.ZoneToggleData
	for _, e := range drain(ch) {
		if e.Type == events.ZoneToggle {
			toggles = append(toggles, e.Data.(events.ZoneToggleData))
		}
	}
	assert.Equal(t, []events.ZoneToggleData{{ZoneID: 1, Enabled: false}}, toggles)

	require.NoError(t, h.bot.ToggleZone(ctx, 1, true, true))
	require.NoError(t, h.bot.ReconcileOnce(ctx))
	assert.Len(t, h.openOrders(t), 10)

	assert.ErrorIs(t, h.bot.ToggleZone(ctx, 9, true, true), ErrUnknownZone)
}

func TestZoneDisabledBeforeStart(t *testing.T) {
	h := newSimHarness(t, func(cfg *models.Config) {
		cfg.Grid.Zones = []models.ZoneConfig{
			{ID: 1, LevelStart: 0, LevelEnd: 4, Enabled: false},
			{ID: 2, LevelStart: 5, LevelEnd: 10, Enabled: true},
		}
	})
	require.NoError(t, h.bot.Start(context.Background(), true))
	for _, o := range h.openOrders(t) {
		assert.Equal(t, models.SideSell, o.Side)
	}
	assert.Len(t, h.openOrders(t), 5)
}

func TestLevelControls(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()
	assert.ErrorIs(t, h.bot.CancelLevel(ctx, 0, true), ErrNotRunning)

	require.NoError(t, h.bot.Start(ctx, true))
	assert.ErrorIs(t, h.bot.CancelLevel(ctx, 42, true), ErrUnknownLevel)

	require.NoError(t, h.bot.CancelLevel(ctx, 0, true))
	require.NoError(t, h.bot.ReconcileOnce(ctx))
	assert.False(t, h.bot.level(0).Active)
	assert.Len(t, h.openOrders(t), 9)

	require.NoError(t, h.bot.EnableLevel(ctx, 0, true))
	require.NoError(t, h.bot.ReconcileOnce(ctx))
	assert.Equal(t, models.LevelOrderOpen, h.bot.level(0).State)
	assert.Len(t, h.openOrders(t), 10)
}

func TestBuildPlanDetectsDuplicateTrackedOrders(t *testing.T) {
	levels := []models.GridLevel{
		{Index: 0, Price: 100, Side: models.SideBuy, Active: true, OrderID: "a"},
		{Index: 1, Price: 110, Side: models.SideSell, Active: true},
	}
	in := planInput{
		levels: levels,
		orders: map[string]models.OrderRecord{
			"a": {LocalID: "a", LevelIndex: 0, ExchangeOrderID: "x1"},
			"b": {LocalID: "b", LevelIndex: 0, ExchangeOrderID: "x2"},
		},
		zoneEnabled: map[int]bool{0: true},
		sim:         true,
	}
	_, err := buildPlan(in)
	assert.ErrorIs(t, err, models.ErrInternalInvariant)

	in.orders = map[string]models.OrderRecord{}
	_, err = buildPlan(in)
	assert.ErrorIs(t, err, models.ErrInternalInvariant, "level points at a missing record")
}

func TestBuildPlanOrdersPlacementsByDistance(t *testing.T) {
	levels := []models.GridLevel{
		{Index: 0, Price: 100}, {Index: 1, Price: 110}, {Index: 2, Price: 120}, {Index: 3, Price: 130},
	}
	p, err := buildPlan(planInput{levels: levels, zoneEnabled: map[int]bool{0: true}, reference: 126})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1, 0}, p.place)
}

// fakeGateway is an in-memory exchange whose fills and cancels are driven by the test.
type fakeGateway struct {
	mu       sync.Mutex
	price    float64
	balances map[string]models.Balance
	orders   map[string]models.OrderRecord
	seq      int
	listErr  error
	priceErr error
	rejectAt map[float64]error
}

func newFakeGateway(price float64) *fakeGateway {
	return &fakeGateway{
		price: price,
		balances: map[string]models.Balance{
			"USDT": {Total: 10000, Free: 10000},
			"BTC":  {Total: 0.1, Free: 0.1},
		},
		orders:   make(map[string]models.OrderRecord),
		rejectAt: make(map[float64]error),
	}
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (models.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rejectAt[req.Price]; err != nil {
		return models.OrderRecord{}, err
	}
	f.seq++
	o := models.OrderRecord{
		LevelIndex:      req.LevelIndex,
		Side:            req.Side,
		Price:           req.Price,
		Amount:          req.Amount,
		ExchangeOrderID: fmt.Sprintf("f-%d", f.seq),
		Status:          models.OrderOpen,
	}
	f.move(o, -1)
	f.orders[o.ExchangeOrderID] = o
	return o, nil
}

func (f *fakeGateway) PlaceMarketOrder(ctx context.Context, side models.Side, amount float64) (models.OrderRecord, error) {
	return models.OrderRecord{}, &models.ExchangeError{Kind: models.ErrExchange, Exchange: "fake", Message: "unsupported"}
}

func (f *fakeGateway) CancelOrder(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return &models.ExchangeError{Kind: models.ErrOrderNotFound, Exchange: "fake", Message: id}
	}
	f.move(o, 1)
	delete(f.orders, id)
	return nil
}

func (f *fakeGateway) ListOpenOrders(ctx context.Context) ([]models.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.OrderRecord, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeGateway) FetchBalances(ctx context.Context) (map[string]models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneBalances(f.balances), nil
}

func (f *fakeGateway) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

// move reserves (sign -1) or releases (sign +1) the funds behind an order.
func (f *fakeGateway) move(o models.OrderRecord, sign float64) {
	cur, amount := "BTC", o.Amount
	if o.Side == models.SideBuy {
		cur, amount = "USDT", o.Price*o.Amount
	}
	b := f.balances[cur]
	b.Free += sign * amount
	b.Used -= sign * amount
	f.balances[cur] = b
}

// fillAt fills the resting order at price p.
func (f *fakeGateway) fillAt(t *testing.T, p float64) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, o := range f.orders {
		if o.Price != p {
			continue
		}
		usdt, btc := f.balances["USDT"], f.balances["BTC"]
		cost := o.Price * o.Amount
		if o.Side == models.SideBuy {
			usdt.Used -= cost
			usdt.Total -= cost
			btc.Free += o.Amount
			btc.Total += o.Amount
		} else {
			btc.Used -= o.Amount
			btc.Total -= o.Amount
			usdt.Free += cost
			usdt.Total += cost
		}
		f.balances["USDT"], f.balances["BTC"] = usdt, btc
		delete(f.orders, id)
		return
	}
	t.Fatalf("no order at %v", p)
}

func (f *fakeGateway) idAt(p float64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, o := range f.orders {
		if o.Price == p {
			return id
		}
	}
	return ""
}

func (f *fakeGateway) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func newRealBot(t *testing.T, gw *fakeGateway) *Bot {
	t.Helper()
	b, err := New(testConfig(models.ModeReal), Deps{Gateway: gw, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(b.waitLoop)
	return b
}

func TestRealModeDetectsFillFromBalanceDelta(t *testing.T) {
	gw := newFakeGateway(62500)
	b := newRealBot(t, gw)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx, true))
	assert.Equal(t, models.StateRunning, b.Status().State)
	require.Equal(t, 10, gw.openCount())

	gw.fillAt(t, 62000)
	gw.price = 61900
	require.NoError(t, b.ReconcileOnce(ctx))

	lvl := b.level(4)
	assert.Equal(t, models.SideSell, lvl.Side)
	assert.Equal(t, models.LevelOrderOpen, lvl.State)
	assert.Equal(t, 10, gw.openCount())

	b.mu.Lock()
	position := b.ledger.Position()
	b.mu.Unlock()
	assert.InDelta(t, 0.101, position, 1e-12)

	// a quiet pass after the re-arm must not see a phantom fill
	require.NoError(t, b.ReconcileOnce(ctx))
	assert.Equal(t, models.SideSell, b.level(4).Side)
	assert.Equal(t, 10, gw.openCount())
}

func TestRealModeExternalCancelIsReplaced(t *testing.T) {
	gw := newFakeGateway(62500)
	b := newRealBot(t, gw)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx, true))

	old := gw.idAt(61500)
	require.NoError(t, gw.CancelOrder(ctx, old))
	require.NoError(t, b.ReconcileOnce(ctx))

	assert.Equal(t, models.SideBuy, b.level(3).Side)
	assert.NotEqual(t, old, b.exchangeID(3))
	assert.NotEmpty(t, gw.idAt(61500))
	assert.Equal(t, 10, gw.openCount())
}

func TestRealModeBusinessRejectionDeactivatesLevel(t *testing.T) {
	gw := newFakeGateway(62500)
	gw.rejectAt[60000] = &models.ExchangeError{Kind: models.ErrInsufficientBalance, Exchange: "fake", Message: "no funds"}
	b := newRealBot(t, gw)
	require.NoError(t, b.Start(context.Background(), true))

	assert.False(t, b.level(0).Active)
	assert.Equal(t, models.LevelEmpty, b.level(0).State)
	assert.Equal(t, 9, gw.openCount())
	assert.Equal(t, models.StateRunning, b.Status().State)
}

func TestRealModeTransientErrorKeepsRunning(t *testing.T) {
	gw := newFakeGateway(62500)
	b := newRealBot(t, gw)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx, true))

	gw.priceErr = fmt.Errorf("%w: ticker", models.ErrNetworkTimeout)
	err := b.ReconcileOnce(ctx)
	require.ErrorIs(t, err, models.ErrNetworkTimeout)
	st := b.Status()
	assert.Equal(t, models.StateRunning, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 10, gw.openCount())
}

func TestRealModeAuthErrorEntersError(t *testing.T) {
	gw := newFakeGateway(62500)
	b := newRealBot(t, gw)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx, true))

	gw.listErr = &models.ExchangeError{Kind: models.ErrAuth, Exchange: "fake", Message: "bad key"}
	err := b.ReconcileOnce(ctx)
	require.ErrorIs(t, err, models.ErrAuth)
	assert.Equal(t, models.StateError, b.Status().State)
	assert.Equal(t, 10, gw.openCount())
}

func zonedConfig(mode models.Mode) models.Config {
	cfg := testConfig(mode)
	cfg.Grid.Zones = []models.ZoneConfig{
		{ID: 1, LevelStart: 0, LevelEnd: 4, Enabled: true},
		{ID: 2, LevelStart: 5, LevelEnd: 10, Enabled: true},
	}
	return cfg
}

func TestZoneToggleDuringPassKeepsObservedFill(t *testing.T) {
	h := newSimHarness(t, func(cfg *models.Config) { *cfg = zonedConfig(models.ModeSim) })
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))

	// the pass has observed the fill at 62000 but not applied it yet
	h.src.Set(61900)
	_, err := h.bot.observe(ctx)
	require.NoError(t, err)
	require.NoError(t, h.bot.ToggleZone(ctx, 1, false, true))
	require.NoError(t, h.bot.ReconcileOnce(ctx))

	trades, err := h.repo.ListTrades(0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 4, trades[0].LevelIndex)
	assert.Equal(t, models.SideBuy, trades[0].Side)
	assert.Equal(t, 62000.0, trades[0].Price)

	lvl := h.bot.level(4)
	assert.Equal(t, models.SideSell, lvl.Side)
	assert.Equal(t, models.LevelEmpty, lvl.State)
	assert.False(t, lvl.Active)
	assert.Len(t, h.openOrders(t), 5)

	// re-enabling offers the bought amount back instead of buying twice
	require.NoError(t, h.bot.ToggleZone(ctx, 1, true, true))
	require.NoError(t, h.bot.ReconcileOnce(ctx))
	assert.Len(t, h.openOrders(t), 10)
	for _, o := range h.openOrders(t) {
		if o.Price == 62000 {
			assert.Equal(t, models.SideSell, o.Side)
		}
	}
	trades, _ = h.repo.ListTrades(0)
	assert.Len(t, trades, 1)
}

func TestRealModeCancelOfFilledOrderIsClassifiedAsFill(t *testing.T) {
	gw := newFakeGateway(62500)
	b, err := New(zonedConfig(models.ModeReal), Deps{Gateway: gw, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(b.waitLoop)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx, true))

	gw.fillAt(t, 62000)
	require.NoError(t, b.ToggleZone(ctx, 1, false, true))
	// not found on the exchange: left for the next pass to classify
	assert.Equal(t, models.LevelOrderOpen, b.level(4).State)

	require.NoError(t, b.ReconcileOnce(ctx))
	lvl := b.level(4)
	assert.Equal(t, models.SideSell, lvl.Side)
	assert.Equal(t, models.LevelEmpty, lvl.State)
	assert.Equal(t, 5, gw.openCount())

	b.mu.Lock()
	position := b.ledger.Position()
	_, tracked := b.orders[lvl.OrderID]
	b.mu.Unlock()
	assert.InDelta(t, 0.101, position, 1e-12)
	assert.False(t, tracked)
}

func TestRealModeVanishedOrderWithoutFillIsCancelled(t *testing.T) {
	gw := newFakeGateway(62500)
	b, err := New(zonedConfig(models.ModeReal), Deps{Gateway: gw, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(b.waitLoop)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx, true))

	require.NoError(t, gw.CancelOrder(ctx, gw.idAt(62000)))
	require.NoError(t, b.CancelLevel(ctx, 4, true))
	require.NoError(t, b.ReconcileOnce(ctx))

	lvl := b.level(4)
	assert.Equal(t, models.SideBuy, lvl.Side)
	assert.Equal(t, models.LevelEmpty, lvl.State)
	assert.False(t, lvl.Active)
	assert.Empty(t, gw.idAt(62000))

	b.mu.Lock()
	position := b.ledger.Position()
	b.mu.Unlock()
	assert.InDelta(t, 0.1, position, 1e-12)
}

package bot

import (
	"context"
	"errors"
	"testing"

	"zone-grid-bot-go/internal/events"
	"zone-grid-bot-go/internal/exchange"
	"zone-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartPlacesInitialGrid(t *testing.T) {
	h := newSimHarness(t, nil)
	ch, unsubscribe := h.bus.Subscribe(512)
	defer unsubscribe()

	require.NoError(t, h.bot.Start(context.Background(), true))

	st := h.bot.Status()
	assert.Equal(t, models.StateSimRunning, st.State)
	assert.Equal(t, 10, st.OpenOrders)
	require.Len(t, st.Levels, 11)
	assert.Equal(t, models.SideNeutral, st.Levels[5].Side)
	assert.Equal(t, models.LevelEmpty, st.Levels[5].State)
	for i := 0; i < 5; i++ {
		assert.Equal(t, models.SideBuy, st.Levels[i].Side, "level %d", i)
		assert.Equal(t, models.SideSell, st.Levels[i+6].Side, "level %d", i+6)
	}
	assert.Len(t, h.openOrders(t), 10)

	var transitions []models.BotState
	for _, e := range drain(ch) {
		if e.Type == events.StateChange {
			transitions = append(transitions, e.Data.(events.StateChangeData).To)
		}
	}
	assert.Equal(t, []models.BotState{models.StateStarting, models.StateSimRunning}, transitions)

	actions, _ := h.repo.ListActions(0)
	require.NotEmpty(t, actions)
	last := actions[len(actions)-1]
	assert.Equal(t, "start", last.Action)
	assert.Equal(t, "ok", last.Result)
	assert.Equal(t, "tester", last.User)
}

func TestConfirmationRequired(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.bot.Start(ctx, false), ErrConfirmationRequired)
	assert.Equal(t, models.StateStopped, h.bot.Status().State)
	assert.Empty(t, h.openOrders(t))

	require.NoError(t, h.bot.Start(ctx, true))
	assert.ErrorIs(t, h.bot.Stop(ctx, false), ErrConfirmationRequired)
	assert.ErrorIs(t, h.bot.Reset(ctx, ResetOptions{}), ErrConfirmationRequired)
	assert.ErrorIs(t, h.bot.ToggleZone(ctx, 0, false, false), ErrConfirmationRequired)
	assert.Equal(t, models.StateSimRunning, h.bot.Status().State)
}

func TestInvalidTransitions(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.bot.Stop(ctx, true), ErrInvalidTransition)

	require.NoError(t, h.bot.Start(ctx, true))
	assert.ErrorIs(t, h.bot.Start(ctx, true), ErrInvalidTransition)
	assert.ErrorIs(t, h.bot.Reset(ctx, ResetOptions{Confirm: true}), ErrInvalidTransition)
	assert.Len(t, h.openOrders(t), 10)
}

func TestStopCancelsEverything(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))

	require.NoError(t, h.bot.Stop(ctx, true))
	st := h.bot.Status()
	assert.Equal(t, models.StateStopped, st.State)
	assert.Empty(t, st.Levels)
	assert.Zero(t, st.OpenOrders)
	assert.Empty(t, h.openOrders(t))

	bal, err := h.clock.FetchBalances(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000.0, bal["USDT"].Free, 1e-9)
	assert.InDelta(t, 0.1, bal["BTC"].Free, 1e-12)

	// a stopped bot can be started again
	require.NoError(t, h.bot.Start(ctx, true))
	assert.Len(t, h.openOrders(t), 10)
}

func TestStartFailureEntersError(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()
	h.src.Fail(errors.New("feed down"))

	err := h.bot.Start(ctx, true)
	require.Error(t, err)
	st := h.bot.Status()
	assert.Equal(t, models.StateError, st.State)
	assert.Contains(t, st.LastError, "feed down")

	// ERROR only leaves through reset
	assert.ErrorIs(t, h.bot.Start(ctx, true), ErrInvalidTransition)
	require.NoError(t, h.bot.Reset(ctx, ResetOptions{Confirm: true, CancelOnly: true}))
	assert.Equal(t, models.StateStopped, h.bot.Status().State)
	assert.Empty(t, h.bot.Status().LastError)

	h.src.Set(62500)
	require.NoError(t, h.bot.Start(ctx, true))
	assert.Equal(t, models.StateSimRunning, h.bot.Status().State)
}

func TestResetCancelOnlyKeepsInventory(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))

	// a stray order on an occupied level breaks the one-order-per-level rule
	_, err := h.clock.PlaceOrder(ctx, exchange.OrderRequest{Side: models.SideBuy, Price: 61000, Amount: 0.001})
	require.NoError(t, err)
	require.ErrorIs(t, h.bot.ReconcileOnce(ctx), models.ErrInternalInvariant)
	require.Equal(t, models.StateError, h.bot.Status().State)

	require.NoError(t, h.bot.Reset(ctx, ResetOptions{Confirm: true, ClearPositions: true, CancelOnly: true}))
	assert.Equal(t, models.StateStopped, h.bot.Status().State)
	assert.Empty(t, h.openOrders(t))

	bal, err := h.clock.FetchBalances(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, bal["BTC"].Total, 1e-12)
	assert.InDelta(t, 10000.0, bal["USDT"].Total, 1e-9)
}

func TestResetClearPositionsSellsBase(t *testing.T) {
	h := newSimHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.bot.Start(ctx, true))
	require.NoError(t, h.bot.Stop(ctx, true))

	require.NoError(t, h.bot.Reset(ctx, ResetOptions{Confirm: true, ClearPositions: true}))
	assert.Equal(t, models.StateStopped, h.bot.Status().State)

	bal, err := h.clock.FetchBalances(ctx)
	require.NoError(t, err)
	// the sell amount is floored to the exchange step
	assert.InDelta(t, 0.0, bal["BTC"].Total, 1e-6)
	assert.InDelta(t, 10000+0.1*62500, bal["USDT"].Total, 0.01)

	trades, _ := h.repo.ListTrades(0)
	require.Len(t, trades, 1)
	assert.Equal(t, -1, trades[0].LevelIndex)
	assert.Equal(t, models.SideSell, trades[0].Side)
}

func TestCanTransitionTable(t *testing.T) {
	assert.True(t, canTransition(models.StateStopped, models.StateStarting))
	assert.True(t, canTransition(models.StateStarting, models.StateSimRunning))
	assert.True(t, canTransition(models.StateStopping, models.StateError))
	assert.True(t, canTransition(models.StateError, models.StateStopped))
	assert.False(t, canTransition(models.StateError, models.StateStarting))
	assert.False(t, canTransition(models.StateRunning, models.StateStopped))
	assert.False(t, canTransition(models.StateStopped, models.StateRunning))
}

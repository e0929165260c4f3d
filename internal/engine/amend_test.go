package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-executor/pkg/types"
)

func TestRevocationCancelsPendingEntry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	entryOrderID := tr.EntryOrderID

	// The provider edits the message to a cancellation.
	env.chat.setMessage("1001", "ABC LONG Signal\nCANCELLED — setup invalidated")
	env.eng.AmendmentTick(ctx)

	assert.Equal(t, types.StatusCancelled, tr.Status)
	assert.Equal(t, "signal_revoked", tr.ExitReason)
	assert.Contains(t, env.venue.cancelled, entryOrderID)
}

func TestRevocationSweepsOpenTradeOrders(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))
	require.True(t, tr.PostOrdersPlaced)

	env.chat.setMessage("1001", "ABC LONG Signal — TRADE CLOSED")
	env.eng.AmendmentTick(ctx)

	assert.Equal(t, types.StatusCancelled, tr.Status)
	assert.Len(t, env.venue.cancelled, 3, "TP ladder swept on revocation")
}

func TestSLAmendmentInstallsNewStop(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))

	env.chat.setMessage("1001", "ABC LONG Signal\n"+
		"Enter on Trigger: $100\n"+
		"TP1: $101\nTP2: $102\nTP3: $104\n"+
		"Stop Loss: $97\n")
	env.eng.AmendmentTick(ctx)

	require.True(t, tr.SLPricePlanned.Valid)
	assert.True(t, tr.SLPricePlanned.Decimal.Equal(decimal.NewFromInt(97)))
	stop := env.venue.lastStop()
	require.NotNil(t, stop)
	assert.True(t, stop.StopLoss.Decimal.Equal(decimal.NewFromInt(97)))
}

func TestSLAmendmentIgnoredAfterBreakEven(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID+":TP1", "101"))
	require.True(t, tr.SLMovedToBE)
	stopsBefore := len(env.venue.tradingStops)

	env.chat.setMessage("1001", "ABC LONG Signal\n"+
		"Enter on Trigger: $100\n"+
		"TP1: $101\nTP2: $102\nTP3: $104\n"+
		"Stop Loss: $97\n")
	env.eng.AmendmentTick(ctx)

	assert.Equal(t, stopsBefore, len(env.venue.tradingStops),
		"break-even protection outranks provider edits")
}

func TestTPAmendmentReplacesLadder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))
	require.Len(t, tr.TPOrderIDs, 3)
	oldTP1 := tr.TP1OrderID

	env.chat.setMessage("1001", "ABC LONG Signal\n"+
		"Enter on Trigger: $100\n"+
		"TP1: $103\nTP2: $106\nTP3: $109\n"+
		"Stop Loss: $95\n")
	env.eng.AmendmentTick(ctx)

	require.Len(t, tr.TPPrices, 3)
	assert.True(t, tr.TPPrices[0].Equal(decimal.NewFromInt(103)))
	assert.NotEqual(t, oldTP1, tr.TP1OrderID, "ladder re-placed with fresh orders")

	// Old ladder gone, new one resting.
	open, err := env.venue.OpenOrders(ctx, types.CategoryLinear, "ABCUSDT")
	require.NoError(t, err)
	want := []decimal.Decimal{decimal.NewFromInt(103), decimal.NewFromInt(106), decimal.NewFromInt(109)}
	matched := 0
	for _, o := range open {
		for _, p := range want {
			if o.Price.Equal(p) {
				matched++
			}
		}
	}
	assert.Equal(t, 3, matched, "new ladder resting at the amended levels")
}

func TestTPAmendmentToleratesEpsilon(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))
	placedBefore := len(env.venue.placed)

	// The identical vector re-extracted must not churn the ladder.
	env.chat.setMessage("1001", longSignalText)
	env.eng.AmendmentTick(ctx)

	assert.Equal(t, placedBefore, len(env.venue.placed))
}

func TestDCAAmendmentInstallsLadder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	require.Empty(t, tr.DCAPrices)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))

	env.chat.setMessage("1001", "ABC LONG Signal\n"+
		"Enter on Trigger: $100\n"+
		"TP1: $101\nTP2: $102\nTP3: $104\n"+
		"DCA #1: $96\nDCA #2: $92\n"+
		"Stop Loss: $95\n")
	env.eng.AmendmentTick(ctx)

	require.Len(t, tr.DCAPrices, 2)
	dcas := env.venue.placedByLink(tr.ID + ":DCA")
	require.Len(t, dcas, 2)
	assert.True(t, dcas[0].TriggerPrice.Decimal.Equal(decimal.NewFromInt(96)))
}

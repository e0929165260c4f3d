package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-executor/pkg/types"
)

func TestExpirePendingEntries(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	entryOrderID := tr.EntryOrderID

	// Just inside the window: nothing happens.
	env.advance(179 * time.Minute)
	env.eng.MaintenanceTick(ctx)
	assert.Equal(t, types.StatusPending, tr.Status)

	// Past expiration_min: entry cancelled, trade expired.
	env.advance(2 * time.Minute)
	env.eng.MaintenanceTick(ctx)
	assert.Equal(t, types.StatusExpired, tr.Status)
	assert.Contains(t, env.venue.cancelled, entryOrderID)
}

func TestPollPathDetectsFill(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)

	// No stream event arrives; the position shows up on the next tick.
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100.2")
	env.eng.MaintenanceTick(ctx)

	assert.Equal(t, types.StatusOpen, tr.Status)
	require.True(t, tr.EntryPrice.Valid)
	assert.True(t, tr.EntryPrice.Decimal.Equal(decimal.RequireFromString("100.2")),
		"entry price comes from the venue's average fill")
	assert.True(t, tr.PostOrdersPlaced)
}

func TestTP1PollFallbackMovesStop(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))
	require.True(t, tr.PostOrdersPlaced)
	require.False(t, tr.SLMovedToBE)

	// The stream drops the TP1 fill; simulate it by removing the TP1 order
	// from the venue's open-order list.
	require.NoError(t, env.venue.CancelOrder(ctx, types.CategoryLinear, "ABCUSDT", tr.TP1OrderID))
	env.venue.cancelled = nil

	env.eng.MaintenanceTick(ctx)

	assert.True(t, tr.SLMovedToBE)
	stop := env.venue.lastStop()
	require.NotNil(t, stop)
	assert.True(t, stop.StopLoss.Decimal.Equal(decimal.NewFromInt(100)))
}

func TestCloseDetectionSweepsResidualOrders(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))
	require.True(t, tr.PostOrdersPlaced)

	// The whole TP ladder is still resting when the stop takes the position out.
	env.venue.clearPosition("ABCUSDT")
	env.venue.closedPnl = []types.ClosedPnL{
		{Symbol: "ABCUSDT", ClosedPnl: decimal.RequireFromString("-12.5"), CreatedTime: env.now.UnixMilli()},
	}
	env.advance(time.Minute)
	env.eng.MaintenanceTick(ctx)

	assert.Equal(t, types.StatusClosed, tr.Status)
	assert.NotZero(t, tr.ClosedTs)
	assert.Len(t, env.venue.cancelled, 3, "all three resting TP orders swept")
	require.True(t, tr.RealizedPnl.Valid)
	assert.False(t, tr.IsWin)
	assert.Equal(t, "stop_loss", tr.ExitReason)
}

func TestClosedPnLSumIgnoresOlderRecords(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))

	env.venue.clearPosition("ABCUSDT")
	env.venue.closedPnl = []types.ClosedPnL{
		// From an unrelated earlier trade on the same symbol.
		{Symbol: "ABCUSDT", ClosedPnl: decimal.NewFromInt(999), CreatedTime: env.now.Add(-2 * time.Hour).UnixMilli()},
		{Symbol: "ABCUSDT", ClosedPnl: decimal.RequireFromString("0.45"), CreatedTime: env.now.Add(time.Minute).UnixMilli()},
		{Symbol: "ABCUSDT", ClosedPnl: decimal.RequireFromString("0.30"), CreatedTime: env.now.Add(2 * time.Minute).UnixMilli()},
	}
	env.advance(5 * time.Minute)
	env.eng.MaintenanceTick(ctx)

	require.True(t, tr.RealizedPnl.Valid)
	assert.True(t, tr.RealizedPnl.Decimal.Equal(decimal.RequireFromString("0.75")),
		"only records at or after the fill count, got %s", tr.RealizedPnl.Decimal)
}

func TestArchiveAfter24h(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	tr.Status = types.StatusExpired
	tr.ClosedTs = env.now.Unix()

	env.eng.MaintenanceTick(ctx)
	assert.Len(t, env.eng.doc.OpenTrades, 1, "kept for the 24h reference window")

	env.advance(25 * time.Hour)
	env.eng.MaintenanceTick(ctx)
	assert.Empty(t, env.eng.doc.OpenTrades)
	require.Len(t, env.eng.doc.TradeHistory, 1)
	assert.Equal(t, tr.ID, env.eng.doc.TradeHistory[0].ID)
}

func TestMonotoneStatus(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)

	// Expire it, then replay a fill event: expired trades never resurrect.
	env.advance(181 * time.Minute)
	env.eng.MaintenanceTick(ctx)
	require.Equal(t, types.StatusExpired, tr.Status)

	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))
	assert.Equal(t, types.StatusExpired, tr.Status, "no backward transition")
}

func TestResubscribeReconciles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)

	// The fill happened while the stream was down; the resubscribe sentinel
	// triggers the poll reconciliation immediately.
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, types.StreamEvent{Kind: types.EventResubscribed})

	assert.Equal(t, types.StatusOpen, tr.Status)
	assert.True(t, tr.PostOrdersPlaced)
}

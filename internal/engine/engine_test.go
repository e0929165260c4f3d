package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-executor/internal/chat"
	"signal-executor/internal/config"
	"signal-executor/internal/state"
	"signal-executor/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type fakeVenue struct {
	mu sync.Mutex

	lastPrice    decimal.Decimal
	lastPriceErr error
	equity       decimal.Decimal
	rules        types.InstrumentRules

	positions  map[string]types.Position
	openOrders map[string][]types.OpenOrder
	closedPnl  []types.ClosedPnL

	placed       []types.OrderRequest
	placeErr     error
	nextOrderSeq int
	cancelled    []string
	tradingStops []types.TradingStop
	stopErr      error
	leverages    []string
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		lastPrice: decimal.RequireFromString("99.5"),
		equity:    decimal.NewFromInt(1000),
		rules: types.InstrumentRules{
			QtyStep:  decimal.RequireFromString("0.01"),
			MinQty:   decimal.RequireFromString("0.01"),
			TickSize: decimal.RequireFromString("0.01"),
		},
		positions:  make(map[string]types.Position),
		openOrders: make(map[string][]types.OpenOrder),
	}
}

func (f *fakeVenue) LastPrice(_ context.Context, _ types.Category, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrice, f.lastPriceErr
}

func (f *fakeVenue) InstrumentRules(_ context.Context, _ types.Category, _ string) (types.InstrumentRules, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules, nil
}

func (f *fakeVenue) WalletEquity(_ context.Context, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.equity, nil
}

func (f *fakeVenue) SetLeverage(_ context.Context, _ types.Category, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverages = append(f.leverages, fmt.Sprintf("%s:%d", symbol, leverage))
	return nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req types.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextOrderSeq++
	oid := fmt.Sprintf("ord-%d", f.nextOrderSeq)
	f.placed = append(f.placed, req)
	f.openOrders[req.Symbol] = append(f.openOrders[req.Symbol], types.OpenOrder{
		OrderID:     oid,
		OrderLinkID: req.OrderLinkID,
		Price:       req.Price.Decimal,
		Qty:         req.Qty,
		Side:        req.Side,
		Status:      "New",
	})
	return oid, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, _ types.Category, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	orders := f.openOrders[symbol]
	kept := orders[:0]
	for _, o := range orders {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	f.openOrders[symbol] = kept
	return nil
}

func (f *fakeVenue) OpenOrders(_ context.Context, _ types.Category, symbol string) ([]types.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.OpenOrder(nil), f.openOrders[symbol]...), nil
}

func (f *fakeVenue) Positions(_ context.Context, _ types.Category, symbol string) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol != "" {
		if pos, ok := f.positions[symbol]; ok {
			return []types.Position{pos}, nil
		}
		return nil, nil
	}
	out := make([]types.Position, 0, len(f.positions))
	for _, pos := range f.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (f *fakeVenue) SetTradingStop(_ context.Context, ts types.TradingStop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.tradingStops = append(f.tradingStops, ts)
	return nil
}

func (f *fakeVenue) ClosedPnL(_ context.Context, _ types.Category, symbol string, _ int64, _ int) ([]types.ClosedPnL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ClosedPnL
	for _, rec := range f.closedPnl {
		if rec.Symbol == symbol {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeVenue) setPosition(symbol string, side types.Side, size, avg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[symbol] = types.Position{
		Symbol:   symbol,
		Side:     side,
		Size:     decimal.RequireFromString(size),
		AvgPrice: decimal.RequireFromString(avg),
	}
}

func (f *fakeVenue) clearPosition(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.positions, symbol)
}

func (f *fakeVenue) placedByLink(prefix string) []types.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.OrderRequest
	for _, req := range f.placed {
		if strings.HasPrefix(req.OrderLinkID, prefix) {
			out = append(out, req)
		}
	}
	// The post-entry fan-out is concurrent; order by link id for stable
	// assertions.
	sort.Slice(out, func(i, j int) bool { return out[i].OrderLinkID < out[j].OrderLinkID })
	return out
}

func (f *fakeVenue) lastStop() *types.TradingStop {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tradingStops) == 0 {
		return nil
	}
	ts := f.tradingStops[len(f.tradingStops)-1]
	return &ts
}

type fakeChat struct {
	mu       sync.Mutex
	messages map[string]*chat.Message
}

func (f *fakeChat) FetchMessage(_ context.Context, id string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.messages[id]; ok {
		copied := *msg
		return &copied, nil
	}
	return nil, fmt.Errorf("message %s not found", id)
}

func (f *fakeChat) setMessage(id, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string]*chat.Message)
	}
	f.messages[id] = &chat.Message{ID: id, Content: content}
}

// ————————————————————————————————————————————————————————————————————————
// Harness
// ————————————————————————————————————————————————————————————————————————

var testBase = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Venue: config.VenueConfig{
			Category:    "linear",
			AccountType: "UNIFIED",
		},
		Trading: config.TradingConfig{
			QuoteAsset:          "USDT",
			Leverage:            5,
			RiskPct:             5,
			MaxConcurrentTrades: 3,
			MaxTradesPerDay:     20,
			MaxSignalLagSec:     300,
			DedupAcrossDays:     true,
		},
		Entry: config.EntryConfig{
			ExpirationMin:      180,
			TooFarPct:          0.5,
			ExpirationPricePct: 0.6,
		},
		Exits: config.ExitsConfig{
			InitialSLPct:     19,
			MoveSLToBEOnTP1:  true,
			TPSplits:         []float64{30, 30, 30},
			FallbackTPPct:    []float64{0.85, 1.65, 4.0},
			TrailAfterTPIdx:  3,
			TrailDistancePct: 2.0,
			TrailActivateTP:  true,
			DCAQtyMults:      []float64{1.5, 2.25},
		},
		Timing: config.TimingConfig{PollSeconds: 15, SignalUpdateIntervalS: 60},
		Store:  config.StoreConfig{},
	}
}

type testEnv struct {
	eng   *Engine
	venue *fakeVenue
	chat  *fakeChat
	now   time.Time
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	fv := newFakeVenue()
	fc := &fakeChat{}

	eng, err := New(cfg, fv, fc, store, nil, nil, slog.Default())
	require.NoError(t, err)

	env := &testEnv{eng: eng, venue: fv, chat: fc, now: testBase}
	eng.now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

const longSignalText = "ABC LONG Signal\n" +
	"Enter on Trigger: $100\n" +
	"TP1: $101\nTP2: $102\nTP3: $104\n" +
	"Stop Loss: $95\n" +
	"AWAITING ENTRY"

func (env *testEnv) signalMessage(id, text string) chat.Message {
	env.chat.setMessage(id, text)
	return chat.Message{
		ID:        id,
		Content:   text,
		Timestamp: env.now.Format(time.RFC3339),
	}
}

// soleTrade returns the single trade in the ledger.
func soleTrade(t *testing.T, eng *Engine) *state.TradeRecord {
	t.Helper()
	require.Len(t, eng.doc.OpenTrades, 1)
	for _, tr := range eng.doc.OpenTrades {
		return tr
	}
	return nil
}

func execEvent(link, price string) types.StreamEvent {
	ev := types.ExecutionEvent{
		OrderLinkID: link,
		ExecType:    "Trade",
	}
	if price != "" {
		ev.ExecPrice = decimal.NullDecimal{Decimal: decimal.RequireFromString(price), Valid: true}
	}
	return types.StreamEvent{Kind: types.EventExecution, Execution: &ev}
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

func TestCleanLongLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// 1. Signal arrives; entry is armed.
	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))

	tr := soleTrade(t, env.eng)
	assert.Equal(t, types.StatusPending, tr.Status)
	assert.Equal(t, "ABCUSDT", tr.Symbol)
	assert.Equal(t, types.Buy, tr.OrderSide)
	assert.Equal(t, types.Long, tr.PositionSide)

	require.Len(t, env.venue.placed, 1)
	entry := env.venue.placed[0]
	assert.Equal(t, "Limit", entry.OrderType)
	assert.Equal(t, tr.ID, entry.OrderLinkID)
	assert.False(t, entry.ReduceOnly)
	assert.Equal(t, types.TriggerRisesTo, entry.TriggerDirection, "last 99.5 rises to 100")
	require.True(t, entry.TriggerPrice.Valid)
	assert.True(t, entry.TriggerPrice.Decimal.Equal(decimal.NewFromInt(100)))
	// margin = 1000 × 5% = 50; notional = 50 × 5 = 250; qty = 250/100 = 2.5
	assert.True(t, entry.Qty.Equal(decimal.RequireFromString("2.5")), "qty = %s", entry.Qty)
	assert.True(t, tr.RiskAmount.Equal(decimal.NewFromInt(50)))
	assert.True(t, tr.EquityAtPlacement.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, env.eng.doc.DailyCount("2026-08-01"))

	// 2. Entry fills via the push path.
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))

	assert.Equal(t, types.StatusOpen, tr.Status)
	require.True(t, tr.EntryPrice.Valid)
	assert.True(t, tr.EntryPrice.Decimal.Equal(decimal.NewFromInt(100)))
	assert.True(t, tr.PostOrdersPlaced)

	// SL installed at the signal's level.
	stop := env.venue.tradingStops[0]
	require.True(t, stop.StopLoss.Valid)
	assert.True(t, stop.StopLoss.Decimal.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, "Full", stop.TPSLMode)

	// TP ladder: 3 reduce-only sells, 30% of 2.5 each, runner left.
	tps := env.venue.placedByLink(tr.ID + ":TP")
	require.Len(t, tps, 3)
	for i, want := range []string{"101", "102", "104"} {
		assert.Equal(t, types.Sell, tps[i].Side)
		assert.True(t, tps[i].ReduceOnly)
		assert.True(t, tps[i].Price.Decimal.Equal(decimal.RequireFromString(want)))
		assert.True(t, tps[i].Qty.Equal(decimal.RequireFromString("0.75")), "tp qty = %s", tps[i].Qty)
	}
	assert.NotEmpty(t, tr.TP1OrderID)
	assert.Len(t, tr.TPOrderIDs, 3)

	// No DCA levels in the signal, no DCA orders.
	assert.Empty(t, env.venue.placedByLink(tr.ID+":DCA"))

	// 3. TP1 fills: stop migrates to break-even.
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID+":TP1", "101"))
	assert.True(t, tr.SLMovedToBE)
	assert.True(t, tr.TPFillsSet[1])
	beStop := env.venue.lastStop()
	require.True(t, beStop.StopLoss.Valid)
	assert.True(t, beStop.StopLoss.Decimal.Equal(decimal.NewFromInt(100)))

	// 4. TP3 fills: trailing activates anchored at the TP3 level.
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID+":TP3", "104"))
	assert.True(t, tr.TrailingStarted)
	trail := env.venue.lastStop()
	require.True(t, trail.TrailingStop.Valid)
	assert.True(t, trail.ActivePrice.Decimal.Equal(decimal.NewFromInt(104)))
	assert.True(t, trail.TrailingStop.Decimal.Equal(decimal.RequireFromString("2.08")),
		"distance = 104 × 2%% = %s", trail.TrailingStop.Decimal)
	require.True(t, trail.StopLoss.Valid, "break-even floor preserved")
	assert.True(t, trail.StopLoss.Decimal.Equal(decimal.NewFromInt(100)))

	// 5. Position flattens; close accounting runs.
	env.venue.clearPosition("ABCUSDT")
	env.venue.closedPnl = []types.ClosedPnL{
		{Symbol: "ABCUSDT", ClosedPnl: decimal.RequireFromString("1.05"), CreatedTime: env.now.UnixMilli()},
	}
	env.advance(time.Minute)
	env.eng.MaintenanceTick(ctx)

	assert.Equal(t, types.StatusClosed, tr.Status)
	require.True(t, tr.RealizedPnl.Valid)
	assert.True(t, tr.RealizedPnl.Decimal.Equal(decimal.RequireFromString("1.05")))
	assert.True(t, tr.IsWin)
	assert.Equal(t, "trailing_stop", tr.ExitReason)
}

func TestPostEntryIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")

	// Push and poll both detect the fill.
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))
	placedAfterFirst := len(env.venue.placed)
	stopsAfterFirst := len(env.venue.tradingStops)

	env.eng.MaintenanceTick(ctx)
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))

	assert.Equal(t, placedAfterFirst, len(env.venue.placed), "no duplicate TP/DCA orders")
	assert.Equal(t, stopsAfterFirst, len(env.venue.tradingStops), "no duplicate SL")
}

func TestEntryFillFallsBackToTrigger(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")

	// Execution event without a price: entry price defaults to the trigger.
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, ""))
	require.True(t, tr.EntryPrice.Valid)
	assert.True(t, tr.EntryPrice.Decimal.Equal(decimal.NewFromInt(100)))
}

func TestPostEntryWaitsForPositionSize(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.eng.HandleMessage(ctx, env.signalMessage("1001", longSignalText))
	tr := soleTrade(t, env.eng)

	// Fill event arrives before the venue shows the position.
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))
	assert.Equal(t, types.StatusOpen, tr.Status)
	assert.False(t, tr.PostOrdersPlaced, "must retry until size appears")

	// Next maintenance tick sees the position and completes.
	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.MaintenanceTick(ctx)
	assert.True(t, tr.PostOrdersPlaced)
	assert.NotEmpty(t, env.venue.placedByLink(tr.ID+":TP"))
}

func TestDCAOrdersPlacedAndTracked(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	text := "ABC LONG Signal\n" +
		"Enter on Trigger: $100\n" +
		"TP1: $101\nTP2: $102\n" +
		"DCA #1: $97\nDCA #2: $94\n" +
		"Stop Loss: $90\n"
	env.eng.HandleMessage(ctx, env.signalMessage("2001", text))
	tr := soleTrade(t, env.eng)

	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))

	dcas := env.venue.placedByLink(tr.ID + ":DCA")
	require.Len(t, dcas, 2)
	// Same side as the entry, conditional, sized by the multipliers.
	assert.Equal(t, types.Buy, dcas[0].Side)
	assert.False(t, dcas[0].ReduceOnly)
	assert.NotZero(t, dcas[0].TriggerDirection)
	assert.True(t, dcas[0].Qty.Equal(decimal.RequireFromString("3.75")), "2.5 × 1.5 = %s", dcas[0].Qty)
	assert.True(t, dcas[1].Qty.Equal(decimal.RequireFromString("5.62")), "2.5 × 2.25 floored to step = %s", dcas[1].Qty)

	// DCA fill events accumulate in the set, once each.
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID+":DCA1", "97"))
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID+":DCA1", "97"))
	assert.Equal(t, 1, tr.DCAFillCount())
}

func TestFallbackTPLadder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Signal must carry TPs to parse; clear them afterwards to exercise the
	// fallback ladder the way a TP-less format would.
	env.eng.HandleMessage(ctx, env.signalMessage("3001", longSignalText))
	tr := soleTrade(t, env.eng)
	tr.TPPrices = nil

	env.venue.setPosition("ABCUSDT", types.Buy, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))

	tps := env.venue.placedByLink(tr.ID + ":TP")
	require.Len(t, tps, 3)
	// 100 × (1 + 0.85%) etc., rounded to the 0.01 tick.
	assert.True(t, tps[0].Price.Decimal.Equal(decimal.RequireFromString("100.85")))
	assert.True(t, tps[1].Price.Decimal.Equal(decimal.RequireFromString("101.65")))
	assert.True(t, tps[2].Price.Decimal.Equal(decimal.RequireFromString("104")))
}

func TestShortSignalDirections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.venue.lastPrice = decimal.RequireFromString("100.2")
	text := "ABC SHORT Signal\n" +
		"Enter on Trigger: $100\n" +
		"TP1: $99\nTP2: $98\n" +
		"Stop Loss: $105\n"
	env.eng.HandleMessage(ctx, env.signalMessage("4001", text))

	tr := soleTrade(t, env.eng)
	assert.Equal(t, types.Sell, tr.OrderSide)
	assert.Equal(t, types.Short, tr.PositionSide)

	entry := env.venue.placed[0]
	assert.Equal(t, types.TriggerFallsTo, entry.TriggerDirection, "last 100.2 falls to 100")

	env.venue.setPosition("ABCUSDT", types.Sell, "2.5", "100")
	env.eng.OnStreamEvent(ctx, execEvent(tr.ID, "100"))

	tps := env.venue.placedByLink(tr.ID + ":TP")
	require.Len(t, tps, 2)
	assert.Equal(t, types.Buy, tps[0].Side, "short reduces with buys")
}

func TestStartupSyncDoesNotAdoptOrphans(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.venue.setPosition("XYZUSDT", types.Buy, "10", "1.5")

	env.eng.StartupSync(context.Background())

	assert.Empty(t, env.eng.doc.OpenTrades, "orphans are surfaced, never adopted")
	assert.Empty(t, env.venue.cancelled, "orphan orders untouched")
	assert.Empty(t, env.venue.placed)
}

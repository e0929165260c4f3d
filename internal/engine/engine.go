// Package engine owns all trading business logic: gating, sizing, order
// composition, state transitions, reconciliation and archival.
//
// The engine is logically single-threaded: one mutex serializes every
// ledger mutation. The supervisor's tickers and the private-stream pump
// deliver work by calling exported methods, which take the lock, run the
// transition, persist the ledger, and return. The only internal concurrency
// is the post-entry fan-out, where independent venue calls are issued in
// parallel and joined before the trade record is marked.
//
// Per-trade lifecycle:
//
//	signal → gate → conditional entry (pending)
//	       → fill (push or poll) → SL + TP ladder + DCA ladder (open)
//	       → TP1 → stop to break-even; TPn → trailing stop
//	       → position size 0 → close accounting → archive
//
// with expiry for never-filled entries and cancellation when the source
// signal is revoked.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signal-executor/internal/chat"
	"signal-executor/internal/config"
	"signal-executor/internal/state"
	"signal-executor/pkg/types"
)

// VenueAPI is the venue surface the engine consumes. Implemented by
// *venue.Client; faked in tests.
type VenueAPI interface {
	LastPrice(ctx context.Context, category types.Category, symbol string) (decimal.Decimal, error)
	InstrumentRules(ctx context.Context, category types.Category, symbol string) (types.InstrumentRules, error)
	WalletEquity(ctx context.Context, accountType string) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, category types.Category, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, category types.Category, symbol, orderID string) error
	OpenOrders(ctx context.Context, category types.Category, symbol string) ([]types.OpenOrder, error)
	Positions(ctx context.Context, category types.Category, symbol string) ([]types.Position, error)
	SetTradingStop(ctx context.Context, ts types.TradingStop) error
	ClosedPnL(ctx context.Context, category types.Category, symbol string, startTime int64, limit int) ([]types.ClosedPnL, error)
}

// ChatAPI is the chat surface the engine consumes for amendment checks.
type ChatAPI interface {
	FetchMessage(ctx context.Context, messageID string) (*chat.Message, error)
}

// Alerter is the optional push-notification sink. All methods are
// best-effort; failures must not propagate.
type Alerter interface {
	TradeOpened(symbol string, side types.PositionSide, entry, qty decimal.Decimal)
	TradeClosed(symbol string, side types.PositionSide, pnl decimal.Decimal, exitReason string, tpFills, dcaFills int)
	Drawdown(symbol string, side types.PositionSide, pnlPct, threshold float64, entry, current decimal.Decimal)
}

// Recorder is the optional database export sink for finished trades.
type Recorder interface {
	RecordClosed(tr *state.TradeRecord) error
}

// params holds the config-derived decimals, converted once at construction.
type params struct {
	riskPct          decimal.Decimal
	leverage         decimal.Decimal
	tooFarPct        decimal.Decimal
	triggerBufferPct decimal.Decimal
	limitOffsetPct   decimal.Decimal
	expiryPricePct   decimal.Decimal
	initialSLPct     decimal.Decimal
	trailDistancePct decimal.Decimal
	tpSplits         []decimal.Decimal
	fallbackTPPct    []decimal.Decimal
	dcaQtyMults      []decimal.Decimal
}

func newParams(cfg *config.Config) params {
	toDecs := func(fs []float64) []decimal.Decimal {
		out := make([]decimal.Decimal, len(fs))
		for i, f := range fs {
			out[i] = decimal.NewFromFloat(f)
		}
		return out
	}
	return params{
		riskPct:          decimal.NewFromFloat(cfg.Trading.RiskPct),
		leverage:         decimal.NewFromInt(int64(cfg.Trading.Leverage)),
		tooFarPct:        decimal.NewFromFloat(cfg.Entry.TooFarPct),
		triggerBufferPct: decimal.NewFromFloat(cfg.Entry.TriggerBufferPct),
		limitOffsetPct:   decimal.NewFromFloat(cfg.Entry.LimitPriceOffsetPct).Abs(),
		expiryPricePct:   decimal.NewFromFloat(cfg.Entry.ExpirationPricePct),
		initialSLPct:     decimal.NewFromFloat(cfg.Exits.InitialSLPct),
		trailDistancePct: decimal.NewFromFloat(cfg.Exits.TrailDistancePct),
		tpSplits:         toDecs(cfg.Exits.TPSplits),
		fallbackTPPct:    toDecs(cfg.Exits.FallbackTPPct),
		dcaQtyMults:      toDecs(cfg.Exits.DCAQtyMults),
	}
}

// Engine coordinates the trade ledger against the venue.
type Engine struct {
	cfg      *config.Config
	p        params
	category types.Category

	venue    VenueAPI
	chat     ChatAPI
	store    *state.Store
	alerter  Alerter  // nil when disabled
	recorder Recorder // nil when disabled

	// mu is the owner lock: every ledger mutation happens under it.
	mu  sync.Mutex
	doc *state.Document

	rules rulesCache

	lastStatsDay string

	// now is swappable in tests.
	now func() time.Time

	logger *slog.Logger
}

// New loads the last durable snapshot and wires the engine.
func New(cfg *config.Config, venueClient VenueAPI, chatClient ChatAPI, store *state.Store, alerter Alerter, recorder Recorder, logger *slog.Logger) (*Engine, error) {
	doc, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		p:        newParams(cfg),
		category: types.Category(cfg.Venue.Category),
		venue:    venueClient,
		chat:     chatClient,
		store:    store,
		alerter:  alerter,
		recorder: recorder,
		doc:      doc,
		rules:    rulesCache{ttl: rulesCacheTTL},
		now:      time.Now,
		logger:   logger.With("component", "engine"),
	}, nil
}

// persist writes the ledger after a batch of mutations. Failures are logged,
// not fatal: the next batch retries.
func (e *Engine) persist() {
	if err := e.store.Save(e.doc); err != nil {
		e.logger.Error("failed to persist state", "error", err)
	}
}

// LastSeenMsgID returns the ingest cursor.
func (e *Engine) LastSeenMsgID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.LastSeenMsgID
}

// ActiveTradeIDs returns the ids of trades still occupying a slot.
func (e *Engine) ActiveTradeIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.doc.OpenTrades))
	for id, tr := range e.doc.OpenTrades {
		if tr.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// StartupSync checks the venue for positions the ledger does not own and
// logs a prominent orphan warning for each. Orphans are never adopted: the
// engine must not manage a position whose prior state it does not hold.
func (e *Engine) StartupSync(ctx context.Context) {
	if e.cfg.DryRun {
		e.logger.Info("dry-run: skipping startup sync")
		return
	}

	positions, err := e.venue.Positions(ctx, e.category, "")
	if err != nil {
		e.logger.Warn("startup sync failed", "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tracked := make(map[string]bool)
	for _, tr := range e.doc.OpenTrades {
		if tr.Active() {
			tracked[tr.Symbol] = true
		}
	}

	open := 0
	for _, pos := range positions {
		if pos.Size.Sign() <= 0 {
			continue
		}
		open++
		if !tracked[pos.Symbol] {
			e.logger.Warn("ORPHANED POSITION — not tracked by the bot, will NOT be managed",
				"symbol", pos.Symbol,
				"side", pos.Side,
				"size", pos.Size,
				"avg_price", pos.AvgPrice,
				"unrealised_pnl", pos.UnrealisedPnl,
			)
		}
	}
	if open > 0 {
		e.logger.Info("startup sync complete", "open_positions", open)
	} else {
		e.logger.Info("startup sync: no open positions")
	}

	if len(e.doc.TradeHistory) > 0 {
		e.logPerformanceReportLocked()
	}
}

// positionFor returns the venue position for a symbol, nil when flat.
func (e *Engine) positionFor(ctx context.Context, symbol string) (*types.Position, error) {
	positions, err := e.venue.Positions(ctx, e.category, symbol)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

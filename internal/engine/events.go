// events.go handles execution-driven transitions delivered by the private
// stream: entry fills, TP fills (break-even migration, trailing start) and
// DCA fills. Link ids encode the routing: the bare trade id is the entry,
// "<trade_id>:TPn" / "<trade_id>:DCAn" are ladder legs.
package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signal-executor/internal/state"
	"signal-executor/pkg/types"
)

const (
	slMoveAttempts = 3
	slMoveBackoff  = 100 * time.Millisecond
)

// OnStreamEvent marshals one private-stream event onto the owner context.
func (e *Engine) OnStreamEvent(ctx context.Context, ev types.StreamEvent) {
	switch ev.Kind {
	case types.EventExecution:
		if ev.Execution == nil {
			return
		}
		e.mu.Lock()
		changed := e.onExecution(ctx, *ev.Execution)
		if changed {
			e.persist()
		}
		e.mu.Unlock()

	case types.EventResubscribed:
		// The socket was down for a while; poll-reconcile whatever the
		// stream may have missed.
		e.mu.Lock()
		e.logger.Info("stream resubscribed, reconciling")
		changed := e.pollPendingFills(ctx)
		if e.retryPostEntry(ctx) {
			changed = true
		}
		if e.checkTP1Fallback(ctx) {
			changed = true
		}
		if changed {
			e.persist()
		}
		e.mu.Unlock()

	case types.EventOrder:
		// Order lifecycle events carry nothing the execution and poll
		// paths don't already cover.
	}
}

// onExecution routes one execution event. Returns true when the ledger
// changed. Caller holds the owner lock.
func (e *Engine) onExecution(ctx context.Context, ev types.ExecutionEvent) bool {
	if ev.OrderLinkID == "" {
		return false
	}
	if ev.ExecType != "" && ev.ExecType != "Trade" {
		return false
	}

	// Entry fill: the link id IS the trade id.
	if tr, ok := e.doc.OpenTrades[ev.OrderLinkID]; ok {
		return e.onEntryFill(ctx, tr, ev.ExecPrice)
	}

	// Trade ids themselves contain colons; the ladder tag is everything
	// after the last one.
	cut := strings.LastIndex(ev.OrderLinkID, ":")
	if cut < 0 {
		return false
	}
	tradeID, tag := ev.OrderLinkID[:cut], ev.OrderLinkID[cut+1:]
	tr, ok := e.doc.OpenTrades[tradeID]
	if !ok {
		return false
	}

	switch {
	case strings.HasPrefix(tag, "TP"):
		n, err := strconv.Atoi(tag[2:])
		if err != nil || n < 1 {
			return false
		}
		return e.onTPFill(ctx, tr, n)

	case strings.HasPrefix(tag, "DCA"):
		n, err := strconv.Atoi(tag[3:])
		if err != nil || n < 1 {
			return false
		}
		if tr.AddDCAFill(n) {
			e.logger.Info("DCA filled",
				"trade_id", tr.ID, "symbol", tr.Symbol,
				"dca", n, "fills", tr.DCAFillCount())
			return true
		}
	}
	return false
}

// onEntryFill transitions pending → open and installs the protective
// orders. The poll path funnels here too, so double detection converges on
// the PostOrdersPlaced guard.
func (e *Engine) onEntryFill(ctx context.Context, tr *state.TradeRecord, execPrice decimal.NullDecimal) bool {
	if tr.Status != types.StatusPending {
		return false
	}

	entry := tr.Trigger
	if execPrice.Valid && execPrice.Decimal.Sign() > 0 {
		entry = execPrice.Decimal
	}
	tr.EntryPrice = decimal.NullDecimal{Decimal: entry, Valid: true}
	tr.FilledTs = e.now().Unix()
	tr.Status = types.StatusOpen

	e.logger.Info("ENTRY FILLED",
		"trade_id", tr.ID, "symbol", tr.Symbol, "entry", entry)

	e.placePostEntryOrders(ctx, tr)
	return true
}

// onTPFill records a TP fill and runs the follow-on transitions:
// TP1 migrates the stop to break-even, the configured TP index activates
// the trailing stop. Set-membership makes duplicate events harmless.
func (e *Engine) onTPFill(ctx context.Context, tr *state.TradeRecord, n int) bool {
	changed := tr.AddTPFill(n)
	if changed {
		e.logger.Info("TP HIT",
			"trade_id", tr.ID, "symbol", tr.Symbol,
			"tp", n, "fills", tr.TPFillCount())
	}

	if n == 1 && e.cfg.Exits.MoveSLToBEOnTP1 && !tr.SLMovedToBE {
		if e.moveSLToBreakEven(ctx, tr) {
			changed = true
		}
	}

	if e.cfg.Exits.TrailActivateTP && n == e.cfg.Exits.TrailAfterTPIdx && !tr.TrailingStarted {
		if e.startTrailing(ctx, tr, n) {
			changed = true
		}
	}
	return changed
}

// moveSLToBreakEven migrates the stop loss to the realized entry price with
// a bounded retry (venues reject stop mutations during fast moves). On
// success the flag is set so the migration never repeats.
func (e *Engine) moveSLToBreakEven(ctx context.Context, tr *state.TradeRecord) bool {
	if !tr.EntryPrice.Valid {
		return false
	}

	rules, err := e.instrumentRules(ctx, tr.Symbol)
	if err != nil {
		e.logger.Warn("break-even: instrument rules unavailable", "symbol", tr.Symbol, "error", err)
		return false
	}
	be := roundToTick(tr.EntryPrice.Decimal, rules.TickSize)

	stop := types.TradingStop{
		Category: e.category,
		Symbol:   tr.Symbol,
		StopLoss: decimal.NullDecimal{Decimal: be, Valid: true},
		TPSLMode: "Full",
	}

	for attempt := 1; attempt <= slMoveAttempts; attempt++ {
		err = e.venue.SetTradingStop(ctx, stop)
		if err == nil {
			tr.SLMovedToBE = true
			e.logger.Info("SL moved to break-even", "trade_id", tr.ID, "symbol", tr.Symbol, "price", be)
			return true
		}
		if attempt < slMoveAttempts {
			e.logger.Warn("break-even move failed, retrying",
				"symbol", tr.Symbol, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(slMoveBackoff):
			}
		}
	}

	// Trade continues with the original stop; the TP1 poll fallback will
	// try again next tick.
	e.logger.Error("break-even move failed, keeping original SL",
		"trade_id", tr.ID, "symbol", tr.Symbol, "error", err)
	return false
}

// startTrailing activates the venue-side trailing stop. The anchor is the
// just-hit TP level (falling back to the current price), the distance a
// percentage of the anchor. A break-even stop already in place is preserved
// as the floor.
func (e *Engine) startTrailing(ctx context.Context, tr *state.TradeRecord, n int) bool {
	rules, err := e.instrumentRules(ctx, tr.Symbol)
	if err != nil {
		e.logger.Warn("trailing: instrument rules unavailable", "symbol", tr.Symbol, "error", err)
		return false
	}

	var anchor decimal.Decimal
	if len(tr.TPPrices) >= n {
		anchor = tr.TPPrices[n-1]
	} else {
		anchor, err = e.venue.LastPrice(ctx, e.category, tr.Symbol)
		if err != nil {
			e.logger.Warn("trailing: last price unavailable", "symbol", tr.Symbol, "error", err)
			return false
		}
	}
	anchor = roundToTick(anchor, rules.TickSize)
	distance := roundToTick(pctOf(anchor, e.p.trailDistancePct), rules.TickSize)

	stop := types.TradingStop{
		Category:     e.category,
		Symbol:       tr.Symbol,
		ActivePrice:  decimal.NullDecimal{Decimal: anchor, Valid: true},
		TrailingStop: decimal.NullDecimal{Decimal: distance, Valid: true},
		TPSLMode:     "Full",
	}
	if tr.SLMovedToBE && tr.EntryPrice.Valid {
		stop.StopLoss = decimal.NullDecimal{
			Decimal: roundToTick(tr.EntryPrice.Decimal, rules.TickSize),
			Valid:   true,
		}
	}

	if err := e.venue.SetTradingStop(ctx, stop); err != nil {
		e.logger.Error("trailing activation failed", "trade_id", tr.ID, "symbol", tr.Symbol, "error", err)
		return false
	}

	tr.TrailingStarted = true
	e.logger.Info("trailing started",
		"trade_id", tr.ID, "symbol", tr.Symbol,
		"after_tp", n, "anchor", anchor, "distance", distance)
	return true
}

// amend.go reconciles live trades against their source messages: providers
// edit signals in place, so the engine periodically re-reads each trade's
// message and applies SL/TP/DCA changes — or revokes the trade entirely
// when the message now reads cancelled/closed.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"signal-executor/internal/signal"
	"signal-executor/internal/state"
	"signal-executor/pkg/types"
)

// AmendmentTick re-reads every active trade's source message and reconciles
// amendments and revocations. Called by the supervisor every
// signal_update_interval.
func (e *Engine) AmendmentTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false
	for _, tr := range e.doc.OpenTrades {
		if !tr.Active() || tr.SourceMsgID == "" {
			continue
		}

		msg, err := e.chat.FetchMessage(ctx, tr.SourceMsgID)
		if err != nil {
			e.logger.Debug("source message re-read failed", "trade_id", tr.ID, "error", err)
			continue
		}
		text := msg.Text()

		switch signal.ClassifyStatus(text) {
		case types.SignalCancelled, types.SignalClosed:
			e.revokeTrade(ctx, tr)
			changed = true
			continue
		}

		if e.applyUpdate(ctx, tr, signal.ParseUpdate(text)) {
			changed = true
		}
	}

	if changed {
		e.persist()
	}
}

// revokeTrade cancels everything still resting for a trade whose signal was
// withdrawn: the entry for a pending trade, the ladder for an open one.
func (e *Engine) revokeTrade(ctx context.Context, tr *state.TradeRecord) {
	if tr.Status == types.StatusPending && tr.EntryOrderID != "" {
		if err := e.venue.CancelOrder(ctx, e.category, tr.Symbol, tr.EntryOrderID); err != nil && !venueNotFound(err) {
			e.logger.Warn("revocation entry cancel failed", "trade_id", tr.ID, "error", err)
		}
	}
	if tr.Status == types.StatusOpen {
		e.cancelTradeOrders(ctx, tr)
	}

	tr.Status = types.StatusCancelled
	tr.ClosedTs = e.now().Unix()
	tr.ExitReason = "signal_revoked"
	e.logger.Info("trade revoked by signal", "trade_id", tr.ID, "symbol", tr.Symbol)
}

// applyUpdate reconciles one trade against the freshly extracted values.
// Returns true when the record changed.
func (e *Engine) applyUpdate(ctx context.Context, tr *state.TradeRecord, upd types.SignalUpdate) bool {
	changed := false

	rules, rulesErr := e.instrumentRules(ctx, tr.Symbol)

	// Stop loss: follow the provider until break-even took over.
	if upd.SLPrice.Valid && !tr.SLMovedToBE {
		if !tr.SLPricePlanned.Valid || !tr.SLPricePlanned.Decimal.Equal(upd.SLPrice.Decimal) {
			if tr.Status == types.StatusOpen && rulesErr == nil {
				stop := types.TradingStop{
					Category: e.category,
					Symbol:   tr.Symbol,
					StopLoss: nullDec(roundToTick(upd.SLPrice.Decimal, rules.TickSize)),
					TPSLMode: "Full",
				}
				if err := e.venue.SetTradingStop(ctx, stop); err != nil {
					e.logger.Warn("amended SL install failed", "trade_id", tr.ID, "error", err)
				} else {
					e.logger.Info("SL amended", "trade_id", tr.ID, "symbol", tr.Symbol, "sl", upd.SLPrice.Decimal)
				}
			}
			tr.SLPricePlanned = upd.SLPrice
			changed = true
		}
	}

	// TP ladder: replace atomically when the vector moved.
	if len(upd.TPPrices) > 0 && tpVectorDiffers(tr.TPPrices, upd.TPPrices, rules.TickSize) {
		if tr.Status == types.StatusOpen && tr.PostOrdersPlaced && rulesErr == nil {
			e.replaceTPOrders(ctx, tr, upd.TPPrices, rules)
		} else {
			tr.TPPrices = upd.TPPrices
		}
		changed = true
	}

	// DCA ladder: a vector appearing on a trade that had none installs it.
	if len(tr.DCAPrices) == 0 && len(upd.DCAPrices) > 0 {
		tr.DCAPrices = upd.DCAPrices
		if tr.Status == types.StatusOpen && tr.PostOrdersPlaced && rulesErr == nil {
			e.installDCALadder(ctx, tr, rules)
		}
		changed = true
	}

	return changed
}

// tpVectorDiffers compares TP vectors with half-a-tick tolerance; a length
// change always differs.
func tpVectorDiffers(old, new []decimal.Decimal, tick decimal.Decimal) bool {
	if len(old) != len(new) {
		return true
	}
	epsilon := tick.Div(decimal.NewFromInt(2))
	for i := range old {
		if old[i].Sub(new[i]).Abs().GreaterThan(epsilon) {
			return true
		}
	}
	return false
}

// replaceTPOrders cancels the resting TP ladder and lays the new one
// against the current position size.
func (e *Engine) replaceTPOrders(ctx context.Context, tr *state.TradeRecord, newTPs []decimal.Decimal, rules types.InstrumentRules) {
	orders, err := e.venue.OpenOrders(ctx, e.category, tr.Symbol)
	if err != nil {
		e.logger.Warn("TP replace: open orders unavailable", "symbol", tr.Symbol, "error", err)
		return
	}
	prefix := tr.ID + ":TP"
	for _, o := range orders {
		if len(o.OrderLinkID) < len(prefix) || o.OrderLinkID[:len(prefix)] != prefix {
			continue
		}
		if err := e.venue.CancelOrder(ctx, e.category, tr.Symbol, o.OrderID); err != nil && !venueNotFound(err) {
			e.logger.Warn("TP replace: cancel failed", "link_id", o.OrderLinkID, "error", err)
		}
	}

	pos, err := e.positionFor(ctx, tr.Symbol)
	if err != nil || pos == nil || pos.Size.Sign() <= 0 {
		e.logger.Warn("TP replace: no position size", "symbol", tr.Symbol, "error", err)
		tr.TPPrices = newTPs
		return
	}

	tr.TPPrices = newTPs
	tr.TPOrderIDs = nil
	tr.TP1OrderID = ""

	for _, o := range e.buildTPOrders(tr, newTPs, pos.Size, rules) {
		oid, err := e.venue.PlaceOrder(ctx, o.req)
		if err != nil {
			e.logger.Warn("TP replace: place failed", "link_id", o.req.OrderLinkID, "error", err)
			continue
		}
		if tr.TPOrderIDs == nil {
			tr.TPOrderIDs = make(map[int]string)
		}
		tr.TPOrderIDs[o.idx] = oid
		if o.idx == 1 {
			tr.TP1OrderID = oid
		}
	}
	e.logger.Info("TP ladder replaced", "trade_id", tr.ID, "symbol", tr.Symbol, "tps", newTPs)
}

// installDCALadder lays the conditional add ladder for a trade whose signal
// gained DCA levels after entry.
func (e *Engine) installDCALadder(ctx context.Context, tr *state.TradeRecord, rules types.InstrumentRules) {
	last, err := e.venue.LastPrice(ctx, e.category, tr.Symbol)
	if err != nil {
		if !tr.EntryPrice.Valid {
			return
		}
		last = tr.EntryPrice.Decimal
	}

	for _, o := range e.buildDCAOrders(tr, last, rules) {
		if _, err := e.venue.PlaceOrder(ctx, o.req); err != nil {
			e.logger.Warn("DCA install failed", "link_id", o.req.OrderLinkID, "error", err)
		}
	}
	e.logger.Info("DCA ladder installed", "trade_id", tr.ID, "symbol", tr.Symbol, "levels", len(tr.DCAPrices))
}

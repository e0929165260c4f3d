// maintain.go drives the time-based and poll-based transitions: entry
// expiry, fill detection when the stream missed it, TP1 fallback, close
// detection, drawdown alerts, archival, and the daily rollover.
package engine

import (
	"context"
	"fmt"

	"signal-executor/internal/state"
	"signal-executor/pkg/types"
)

const archiveAfterSeconds = 86_400 // finished trades linger 24h for reference

// MaintenanceTick runs one maintenance pass. Called by the supervisor every
// poll interval; every transition it triggers happens under the owner lock.
func (e *Engine) MaintenanceTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false
	if e.expirePendingEntries(ctx) {
		changed = true
	}
	if e.pollPendingFills(ctx) {
		changed = true
	}
	if e.retryPostEntry(ctx) {
		changed = true
	}
	if e.checkTP1Fallback(ctx) {
		changed = true
	}
	if e.detectClosedTrades(ctx) {
		changed = true
	}
	if e.checkDrawdownAlerts(ctx) {
		changed = true
	}
	if e.archiveFinished() {
		changed = true
	}
	if e.dailyRollover() {
		changed = true
	}

	if changed {
		e.persist()
	}
}

// expirePendingEntries cancels entries that never triggered within the
// expiration window. "Order not found" from the venue means it is already
// gone — fine either way.
func (e *Engine) expirePendingEntries(ctx context.Context) bool {
	changed := false
	deadline := int64(e.cfg.Entry.ExpirationMin) * 60

	for _, tr := range e.doc.OpenTrades {
		if tr.Status != types.StatusPending || tr.PlacedTs == 0 {
			continue
		}
		if e.now().Unix()-tr.PlacedTs <= deadline {
			continue
		}

		if tr.EntryOrderID != "" {
			if err := e.venue.CancelOrder(ctx, e.category, tr.Symbol, tr.EntryOrderID); err != nil && !venueNotFound(err) {
				e.logger.Warn("expired entry cancel failed", "trade_id", tr.ID, "error", err)
			}
		}
		tr.Status = types.StatusExpired
		tr.ClosedTs = e.now().Unix()
		changed = true
		e.logger.Info("entry expired", "trade_id", tr.ID, "symbol", tr.Symbol)
	}
	return changed
}

// pollPendingFills is the poll half of entry-fill reconciliation: a pending
// trade whose symbol shows a live position has filled, whether or not the
// stream said so. Converges with the push path on the status check inside
// onEntryFill.
func (e *Engine) pollPendingFills(ctx context.Context) bool {
	changed := false
	for _, tr := range e.doc.OpenTrades {
		if tr.Status != types.StatusPending {
			continue
		}
		pos, err := e.positionFor(ctx, tr.Symbol)
		if err != nil {
			e.logger.Debug("fill poll failed", "symbol", tr.Symbol, "error", err)
			continue
		}
		if pos == nil || pos.Size.Sign() <= 0 || pos.AvgPrice.Sign() <= 0 {
			continue
		}
		if e.onEntryFill(ctx, tr, nullDec(pos.AvgPrice)) {
			changed = true
		}
	}
	return changed
}

// retryPostEntry finishes protective-order placement for open trades whose
// earlier attempt bailed (position size not visible yet, rules fetch down).
func (e *Engine) retryPostEntry(ctx context.Context) bool {
	changed := false
	for _, tr := range e.doc.OpenTrades {
		if tr.Status != types.StatusOpen || tr.PostOrdersPlaced {
			continue
		}
		e.placePostEntryOrders(ctx, tr)
		if tr.PostOrdersPlaced {
			changed = true
		}
	}
	return changed
}

// checkTP1Fallback covers a dropped stream: if the TP1 order has vanished
// from the open-order list, TP1 filled (or was cancelled externally — both
// get the same conservative action) and the stop moves to break-even.
func (e *Engine) checkTP1Fallback(ctx context.Context) bool {
	changed := false
	for _, tr := range e.doc.OpenTrades {
		if tr.Status != types.StatusOpen || !tr.PostOrdersPlaced || tr.SLMovedToBE || tr.TP1OrderID == "" {
			continue
		}
		if !e.cfg.Exits.MoveSLToBEOnTP1 {
			continue
		}

		orders, err := e.venue.OpenOrders(ctx, e.category, tr.Symbol)
		if err != nil {
			e.logger.Debug("TP1 fallback check failed", "symbol", tr.Symbol, "error", err)
			continue
		}

		stillOpen := false
		for _, o := range orders {
			if o.OrderID == tr.TP1OrderID {
				stillOpen = true
				break
			}
		}
		if stillOpen {
			continue
		}

		tr.AddTPFill(1)
		if e.moveSLToBreakEven(ctx, tr) {
			e.logger.Info("SL moved to break-even (poll fallback)", "trade_id", tr.ID, "symbol", tr.Symbol)
			changed = true
		}
	}
	return changed
}

// detectClosedTrades notices flat positions, sweeps residual ladder orders
// and runs close accounting.
func (e *Engine) detectClosedTrades(ctx context.Context) bool {
	changed := false
	for _, tr := range e.doc.OpenTrades {
		if tr.Status != types.StatusOpen {
			continue
		}
		// A fresh fill can beat the position snapshot; give the venue a
		// minute before a missing position counts as closed.
		if !tr.PostOrdersPlaced && e.now().Unix()-tr.FilledTs < 60 {
			continue
		}
		pos, err := e.positionFor(ctx, tr.Symbol)
		if err != nil {
			e.logger.Debug("close check failed", "symbol", tr.Symbol, "error", err)
			continue
		}
		if pos != nil && pos.Size.Sign() > 0 {
			continue
		}

		e.cancelTradeOrders(ctx, tr)
		tr.Status = types.StatusClosed
		tr.ClosedTs = e.now().Unix()
		e.finalizeClose(ctx, tr)
		changed = true
	}
	return changed
}

// cancelTradeOrders sweeps every residual order whose link id belongs to
// the trade ("{trade_id}:TPn" / "{trade_id}:DCAn").
func (e *Engine) cancelTradeOrders(ctx context.Context, tr *state.TradeRecord) {
	orders, err := e.venue.OpenOrders(ctx, e.category, tr.Symbol)
	if err != nil {
		e.logger.Warn("residual order sweep failed", "symbol", tr.Symbol, "error", err)
		return
	}

	prefix := tr.ID + ":"
	cancelled := 0
	for _, o := range orders {
		if len(o.OrderLinkID) <= len(prefix) || o.OrderLinkID[:len(prefix)] != prefix {
			continue
		}
		if err := e.venue.CancelOrder(ctx, e.category, tr.Symbol, o.OrderID); err != nil && !venueNotFound(err) {
			e.logger.Warn("residual cancel failed", "link_id", o.OrderLinkID, "error", err)
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		e.logger.Info("residual orders cancelled", "trade_id", tr.ID, "count", cancelled)
	}
}

// checkDrawdownAlerts pushes a notification the first time the leveraged
// position PnL% crosses each configured loss threshold. Threshold tags in
// AlertsSent keep each alert one-shot per trade.
func (e *Engine) checkDrawdownAlerts(ctx context.Context) bool {
	if e.alerter == nil || len(e.cfg.Alerts.PositionAlertThresholds) == 0 {
		return false
	}

	changed := false
	for _, tr := range e.doc.OpenTrades {
		if tr.Status != types.StatusOpen || !tr.EntryPrice.Valid {
			continue
		}
		last, err := e.venue.LastPrice(ctx, e.category, tr.Symbol)
		if err != nil || last.Sign() <= 0 {
			continue
		}

		entry := tr.EntryPrice.Decimal
		move := last.Sub(entry).Div(entry)
		if tr.OrderSide == types.Sell {
			move = move.Neg()
		}
		pnlPct, _ := pctMul(move, tr.Leverage).Float64()

		for _, threshold := range e.cfg.Alerts.PositionAlertThresholds {
			if pnlPct > -threshold {
				continue
			}
			tag := fmt.Sprintf("dd:%g", threshold)
			if !tr.MarkAlerted(tag) {
				continue
			}
			e.alerter.Drawdown(tr.Symbol, tr.PositionSide, pnlPct, threshold, entry, last)
			changed = true
		}
	}
	return changed
}

// archiveFinished moves finished trades older than 24h into the bounded
// history.
func (e *Engine) archiveFinished() bool {
	changed := false
	cutoff := e.now().Unix() - archiveAfterSeconds

	for id, tr := range e.doc.OpenTrades {
		if !tr.Status.Terminal() {
			continue
		}
		finishedAt := tr.ClosedTs
		if finishedAt == 0 {
			finishedAt = tr.PlacedTs
		}
		if finishedAt >= cutoff {
			continue
		}
		e.doc.Archive(id)
		changed = true
	}
	return changed
}

// dailyRollover logs yesterday's counters once per UTC day and, when dedup
// across days is disabled, resets the fingerprint window.
func (e *Engine) dailyRollover() bool {
	today := state.UTCDayKey(e.now())
	if e.lastStatsDay == today {
		return false
	}

	changed := false
	if e.lastStatsDay != "" {
		if count := e.doc.DailyCount(e.lastStatsDay); count > 0 {
			e.logger.Info("daily stats", "day", e.lastStatsDay, "trades_placed", count)
			e.logPerformanceReportLocked()
		}
		if !e.cfg.Trading.DedupAcrossDays && len(e.doc.SeenFingerprints) > 0 {
			e.doc.SeenFingerprints = nil
			changed = true
		}
	}
	e.lastStatsDay = today
	return changed
}

// postentry.go composes the protective order set once an entry fills:
// position-scoped stop loss, reduce-only TP ladder, and conditional DCA
// ladder. The three classes are dispatched concurrently to shrink the
// unprotected window; each sub-order's outcome is recorded independently
// and partial failure never blocks the others.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"signal-executor/internal/state"
	"signal-executor/pkg/types"
)

// fallbackTPs derives TP prices from configured distances when the signal
// carries none.
func (e *Engine) fallbackTPs(entry decimal.Decimal, side types.Side, tick decimal.Decimal) []decimal.Decimal {
	tps := make([]decimal.Decimal, 0, len(e.p.fallbackTPPct))
	for _, pct := range e.p.fallbackTPPct {
		var tp decimal.Decimal
		if side == types.Sell {
			tp = oneMinusPct(entry, pct)
		} else {
			tp = onePlusPct(entry, pct)
		}
		tps = append(tps, roundToTick(tp, tick))
	}
	return tps
}

// initialSL returns the stop price: the signal's SL when present, otherwise
// derived from entry at the configured distance.
func (e *Engine) initialSL(tr *state.TradeRecord, entry, tick decimal.Decimal) decimal.Decimal {
	if tr.SLPricePlanned.Valid {
		return roundToTick(tr.SLPricePlanned.Decimal, tick)
	}
	var sl decimal.Decimal
	if tr.OrderSide == types.Sell {
		sl = onePlusPct(entry, e.p.initialSLPct)
	} else {
		sl = oneMinusPct(entry, e.p.initialSLPct)
	}
	return roundToTick(sl, tick)
}

// subOrder is one TP or DCA leg prepared for the fan-out.
type subOrder struct {
	kind string // "TP" or "DCA"
	idx  int    // 1-based ladder index
	req  types.OrderRequest
}

// subResult is the joined outcome of one fan-out leg.
type subResult struct {
	kind    string
	idx     int
	orderID string
	err     error
}

// buildTPOrders prepares the reduce-only TP ladder against the live
// position size. The split sum may be under 100, leaving a runner.
func (e *Engine) buildTPOrders(tr *state.TradeRecord, tpPrices []decimal.Decimal, size decimal.Decimal, rules types.InstrumentRules) []subOrder {
	n := len(tpPrices)
	if len(tr.TPSplits) < n {
		n = len(tr.TPSplits)
	}

	orders := make([]subOrder, 0, n)
	for i := 0; i < n; i++ {
		split := tr.TPSplits[i]
		if split.Sign() <= 0 {
			continue
		}
		qty := roundQty(pctOf(size, split), rules.QtyStep, rules.MinQty)
		orders = append(orders, subOrder{
			kind: "TP",
			idx:  i + 1,
			req: types.OrderRequest{
				Category:    e.category,
				Symbol:      tr.Symbol,
				Side:        tr.OrderSide.Opposite(),
				OrderType:   "Limit",
				Qty:         qty,
				Price:       decimal.NullDecimal{Decimal: roundToTick(tpPrices[i], rules.TickSize), Valid: true},
				TimeInForce: "GTC",
				ReduceOnly:  true,
				OrderLinkID: fmt.Sprintf("%s:TP%d", tr.ID, i+1),
			},
		})
	}
	return orders
}

// buildDCAOrders prepares the same-side conditional add ladder, sized as
// multiples of base qty.
func (e *Engine) buildDCAOrders(tr *state.TradeRecord, last decimal.Decimal, rules types.InstrumentRules) []subOrder {
	n := len(tr.DCAPrices)
	if len(e.p.dcaQtyMults) < n {
		n = len(e.p.dcaQtyMults)
	}

	orders := make([]subOrder, 0, n)
	for j := 0; j < n; j++ {
		price := roundToTick(tr.DCAPrices[j], rules.TickSize)
		qty := roundQty(tr.BaseQty.Mul(e.p.dcaQtyMults[j]), rules.QtyStep, rules.MinQty)
		orders = append(orders, subOrder{
			kind: "DCA",
			idx:  j + 1,
			req: types.OrderRequest{
				Category:         e.category,
				Symbol:           tr.Symbol,
				Side:             tr.OrderSide,
				OrderType:        "Limit",
				Qty:              qty,
				Price:            decimal.NullDecimal{Decimal: price, Valid: true},
				TimeInForce:      "GTC",
				TriggerDirection: triggerDirection(last, price),
				TriggerPrice:     decimal.NullDecimal{Decimal: price, Valid: true},
				TriggerBy:        "LastPrice",
				ReduceOnly:       false,
				OrderLinkID:      fmt.Sprintf("%s:DCA%d", tr.ID, j+1),
			},
		})
	}
	return orders
}

// placePostEntryOrders installs SL + TP ladder + DCA ladder for a freshly
// opened trade. Guarded by PostOrdersPlaced: a second invocation is a no-op.
// Caller holds the owner lock.
func (e *Engine) placePostEntryOrders(ctx context.Context, tr *state.TradeRecord) {
	if tr.PostOrdersPlaced {
		return
	}
	if !tr.EntryPrice.Valid {
		e.logger.Error("post-entry without entry price", "trade_id", tr.ID)
		return
	}
	entry := tr.EntryPrice.Decimal

	rules, err := e.instrumentRules(ctx, tr.Symbol)
	if err != nil {
		e.logger.Warn("post-entry: instrument rules unavailable, will retry", "symbol", tr.Symbol, "error", err)
		return
	}

	// The position size drives TP quantities. It can lag the execution
	// event by a beat; the maintenance tick retries until it shows up.
	pos, err := e.positionFor(ctx, tr.Symbol)
	if err != nil {
		e.logger.Warn("post-entry: position unavailable, will retry", "symbol", tr.Symbol, "error", err)
		return
	}
	size := decimal.Zero
	if pos != nil {
		size = pos.Size
	}
	if size.Sign() <= 0 {
		if e.cfg.DryRun {
			size = tr.BaseQty
		} else {
			e.logger.Warn("post-entry: no position size yet, will retry", "symbol", tr.Symbol)
			return
		}
	}

	slPrice := e.initialSL(tr, entry, rules.TickSize)

	tpPrices := tr.TPPrices
	if len(tpPrices) == 0 {
		tpPrices = e.fallbackTPs(entry, tr.OrderSide, rules.TickSize)
		e.logger.Info("using fallback TPs", "symbol", tr.Symbol, "tps", tpPrices)
	}

	// Trigger directions for DCA conditionals need a price reference; the
	// entry price is close enough if the ticker read fails.
	last, err := e.venue.LastPrice(ctx, e.category, tr.Symbol)
	if err != nil {
		last = entry
	}

	tpOrders := e.buildTPOrders(tr, tpPrices, size, rules)
	dcaOrders := e.buildDCAOrders(tr, last, rules)

	stop := types.TradingStop{
		Category: e.category,
		Symbol:   tr.Symbol,
		StopLoss: decimal.NullDecimal{Decimal: slPrice, Valid: true},
		TPSLMode: "Full",
	}

	// Fan out: SL + every TP + every DCA in parallel, joined before the
	// record is marked.
	results := make(chan subResult, 1+len(tpOrders)+len(dcaOrders))
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- subResult{kind: "SL", err: e.venue.SetTradingStop(ctx, stop)}
	}()

	for _, o := range append(tpOrders, dcaOrders...) {
		wg.Add(1)
		go func(o subOrder) {
			defer wg.Done()
			oid, err := e.venue.PlaceOrder(ctx, o.req)
			results <- subResult{kind: o.kind, idx: o.idx, orderID: oid, err: err}
		}(o)
	}

	wg.Wait()
	close(results)

	for res := range results {
		switch {
		case res.err != nil:
			e.logger.Warn("post-entry order failed",
				"trade_id", tr.ID, "kind", res.kind, "idx", res.idx, "error", res.err)
		case res.kind == "TP":
			if tr.TPOrderIDs == nil {
				tr.TPOrderIDs = make(map[int]string)
			}
			tr.TPOrderIDs[res.idx] = res.orderID
			if res.idx == 1 {
				tr.TP1OrderID = res.orderID
			}
		}
	}

	// Partial failure does not clear the flag: every class was attempted,
	// and per-leg fallbacks (TP1 polling, SL retry) cover the gaps.
	tr.PostOrdersPlaced = true

	e.logger.Info("post-entry orders placed",
		"trade_id", tr.ID,
		"symbol", tr.Symbol,
		"sl", slPrice,
		"tp_orders", len(tpOrders),
		"dca_orders", len(dcaOrders),
	)

	if e.alerter != nil {
		e.alerter.TradeOpened(tr.Symbol, tr.PositionSide, entry, size)
	}
}

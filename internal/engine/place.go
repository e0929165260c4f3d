// place.go arms the conditional entry for an accepted signal and creates
// the pending trade record.
package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"signal-executor/internal/state"
	"signal-executor/pkg/types"
)

// tradeID builds the stable trade identity from the signal fingerprint and
// the placement time. It doubles as the entry order's link id.
func (e *Engine) tradeID(fingerprint string) string {
	return fmt.Sprintf("AO:%s:%d", fingerprint, e.now().Unix())
}

// baseQty sizes a new position: margin = equity × risk%, notional =
// margin × leverage, qty = notional / trigger, floored to the lot step and
// clamped up to the venue minimum. Returns qty, the margin at risk, and the
// equity snapshot.
func (e *Engine) baseQty(ctx context.Context, trigger decimal.Decimal, rules types.InstrumentRules) (qty, margin, equity decimal.Decimal, err error) {
	equity, err = e.venue.WalletEquity(ctx, e.cfg.Venue.AccountType)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("wallet equity: %w", err)
	}
	margin = pctOf(equity, e.p.riskPct)
	notional := margin.Mul(e.p.leverage)
	qty = roundQty(notional.Div(trigger), rules.QtyStep, rules.MinQty)
	return qty, margin, equity, nil
}

// placeTrade arms the conditional entry. Caller holds the owner lock and
// has already passed every gate; last is the price fetched during gating.
func (e *Engine) placeTrade(ctx context.Context, intent types.SignalIntent, fingerprint string, last decimal.Decimal) {
	symbol := intent.Symbol()

	// Leverage is best-effort: an already-set value rejects harmlessly.
	if err := e.venue.SetLeverage(ctx, e.category, symbol, e.cfg.Trading.Leverage); err != nil {
		e.logger.Warn("set leverage failed", "symbol", symbol, "error", err)
	}

	rules, err := e.instrumentRules(ctx, symbol)
	if err != nil {
		e.logger.Error("instrument rules unavailable, not placing", "symbol", symbol, "error", err)
		return
	}

	qty, margin, equity, err := e.baseQty(ctx, intent.Trigger, rules)
	if err != nil {
		e.logger.Error("sizing failed, not placing", "symbol", symbol, "error", err)
		return
	}

	// Arm the trigger slightly before the signalled level when configured.
	triggerAdj := intent.Trigger
	if e.p.triggerBufferPct.Sign() != 0 {
		if intent.Side == types.Buy {
			triggerAdj = oneMinusPct(intent.Trigger, e.p.triggerBufferPct)
		} else {
			triggerAdj = onePlusPct(intent.Trigger, e.p.triggerBufferPct)
		}
	}
	triggerAdj = roundToTick(triggerAdj, rules.TickSize)

	// Offset the limit marginally past the trigger so the taker side still
	// fills after the crossing.
	limitPrice := intent.Trigger
	if e.p.limitOffsetPct.Sign() != 0 {
		if intent.Side == types.Sell {
			limitPrice = oneMinusPct(intent.Trigger, e.p.limitOffsetPct)
		} else {
			limitPrice = onePlusPct(intent.Trigger, e.p.limitOffsetPct)
		}
	}
	limitPrice = roundToTick(limitPrice, rules.TickSize)

	id := e.tradeID(fingerprint)
	req := types.OrderRequest{
		Category:         e.category,
		Symbol:           symbol,
		Side:             intent.Side,
		OrderType:        "Limit",
		Qty:              qty,
		Price:            decimal.NullDecimal{Decimal: limitPrice, Valid: true},
		TimeInForce:      "GTC",
		TriggerDirection: triggerDirection(last, triggerAdj),
		TriggerPrice:     decimal.NullDecimal{Decimal: triggerAdj, Valid: true},
		TriggerBy:        "LastPrice",
		ReduceOnly:       false,
		CloseOnTrigger:   false,
		OrderLinkID:      id,
	}

	orderID, err := e.venue.PlaceOrder(ctx, req)
	if err != nil {
		// Placement is never retried — a duplicate place is not safely
		// idempotent. Record the failure and burn the fingerprint.
		e.logger.Error("entry placement failed", "symbol", symbol, "error", err)
		e.doc.AddFingerprint(fingerprint)
		return
	}

	splits := e.p.tpSplits
	if len(intent.TPPrices) > 0 && len(intent.TPPrices) < len(splits) {
		splits = splits[:len(intent.TPPrices)]
	}

	tr := &state.TradeRecord{
		ID:                id,
		Symbol:            symbol,
		OrderSide:         intent.Side,
		PositionSide:      types.PositionSideFor(intent.Side),
		Trigger:           intent.Trigger,
		TPPrices:          intent.TPPrices,
		TPSplits:          splits,
		DCAPrices:         intent.DCAPrices,
		SLPricePlanned:    intent.SLPrice,
		BaseQty:           qty,
		Leverage:          e.cfg.Trading.Leverage,
		RiskPct:           e.p.riskPct,
		RiskAmount:        margin,
		EquityAtPlacement: equity,
		EntryOrderID:      orderID,
		SourceMsgID:       intent.SourceMsgID,
		Status:            types.StatusPending,
		PlacedTs:          e.now().Unix(),
	}
	e.doc.OpenTrades[id] = tr

	// Exactly one daily increment, at successful placement.
	e.doc.IncrDaily(state.UTCDayKey(e.now()))
	e.doc.AddFingerprint(fingerprint)

	e.logger.Info("conditional entry armed",
		"trade_id", id,
		"symbol", symbol,
		"side", intent.Side,
		"qty", qty,
		"trigger", triggerAdj,
		"limit", limitPrice,
		"order_id", orderID,
	)
}

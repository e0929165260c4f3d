// close.go performs final bookkeeping for a closed trade: realized PnL from
// the venue's closed-PnL records and the exit-reason derivation.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"signal-executor/internal/state"
)

// breakevenEpsilon bounds |pnl| for the "breakeven" exit classification.
var breakevenEpsilon = decimal.NewFromInt(1)

// finalizeClose fills realized PnL, win flag and exit reason on a trade
// that just left the venue. Caller holds the owner lock and has already set
// Status/ClosedTs.
func (e *Engine) finalizeClose(ctx context.Context, tr *state.TradeRecord) {
	if e.cfg.DryRun {
		tr.RealizedPnl = nullDec(decimal.Zero)
		tr.ExitReason = "dry_run"
		return
	}

	filled := tr.FilledTs
	if filled == 0 {
		filled = tr.PlacedTs
	}

	var startTime int64
	if filled > 0 {
		startTime = (filled - 60) * 1000
	}

	records, err := e.venue.ClosedPnL(ctx, e.category, tr.Symbol, startTime, 50)
	if err != nil {
		e.logger.Warn("closed-pnl fetch failed", "symbol", tr.Symbol, "error", err)
		tr.ExitReason = "unknown"
		return
	}

	total := decimal.Zero
	for _, rec := range records {
		if rec.CreatedTime >= filled*1000 {
			total = total.Add(rec.ClosedPnl)
		}
	}

	tr.RealizedPnl = nullDec(total)
	tr.IsWin = total.Sign() > 0
	tr.ExitReason = e.exitReason(tr, total)

	e.logTradeSummary(tr, total)

	if e.alerter != nil {
		e.alerter.TradeClosed(tr.Symbol, tr.PositionSide, total, tr.ExitReason, tr.TPFillCount(), tr.DCAFillCount())
	}
	if e.recorder != nil {
		if err := e.recorder.RecordClosed(tr); err != nil {
			e.logger.Warn("trade export failed", "trade_id", tr.ID, "error", err)
		}
	}
}

// plannedTPCount is how many TP orders the trade actually ladders: the
// signal's levels (or fallback distances) capped by the configured splits.
func (e *Engine) plannedTPCount(tr *state.TradeRecord) int {
	n := len(tr.TPPrices)
	if n == 0 {
		n = len(e.p.fallbackTPPct)
	}
	if len(tr.TPSplits) > 0 && len(tr.TPSplits) < n {
		n = len(tr.TPSplits)
	}
	return n
}

// exitReason classifies how the trade ended, highest-signal first.
func (e *Engine) exitReason(tr *state.TradeRecord, pnl decimal.Decimal) string {
	fills := tr.TPFillCount()
	switch {
	case tr.TrailingStarted && pnl.Sign() > 0:
		return "trailing_stop"
	case fills >= e.plannedTPCount(tr):
		return "all_tps_hit"
	case fills > 0 && tr.SLMovedToBE && pnl.Abs().LessThan(breakevenEpsilon):
		return "breakeven"
	case fills > 0:
		return exitReasonTPThenSL(tr.MaxTPFill())
	case pnl.Sign() < 0:
		return "stop_loss"
	default:
		return "unknown"
	}
}

func exitReasonTPThenSL(maxFill int) string {
	switch maxFill {
	case 1:
		return "tp1_then_sl"
	case 2:
		return "tp2_then_sl"
	case 3:
		return "tp3_then_sl"
	case 4:
		return "tp4_then_sl"
	default:
		return "tp_then_sl"
	}
}

func (e *Engine) logTradeSummary(tr *state.TradeRecord, pnl decimal.Decimal) {
	result := "LOSS"
	if pnl.Sign() > 0 {
		result = "WIN"
	}
	entry := tr.Trigger
	if tr.EntryPrice.Valid {
		entry = tr.EntryPrice.Decimal
	}

	e.logger.Info("TRADE "+result,
		"trade_id", tr.ID,
		"symbol", tr.Symbol,
		"side", tr.PositionSide,
		"entry", entry,
		"pnl", pnl,
		"tp_fills", tr.TPFillCount(),
		"tp_count", e.plannedTPCount(tr),
		"dca_fills", tr.DCAFillCount(),
		"dca_count", len(e.p.dcaQtyMults),
		"exit", tr.ExitReason,
	)
}

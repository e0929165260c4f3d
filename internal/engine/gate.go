// gate.go enforces the pre-placement policy: a signal becomes a trade only
// when every gate holds. Rejections are recorded for audit; most also add
// the signal's fingerprint to the dedup window so the same message is not
// re-evaluated. The daily cap deliberately does not — a capped signal may
// be re-evaluated tomorrow.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"signal-executor/internal/chat"
	"signal-executor/internal/signal"
	"signal-executor/internal/state"
	"signal-executor/pkg/types"
)

// rejection is a failed gate with its audit reason.
type rejection struct {
	reason            string
	recordFingerprint bool
}

// HandleMessage runs the full ingest path for one channel message: parse,
// dedup, gate, place. It always advances the ingest cursor.
func (e *Engine) HandleMessage(ctx context.Context, msg chat.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		e.doc.LastSeenMsgID = msg.ID
		e.persist()
	}()

	text := msg.Text()
	intent, ok := signal.Parse(text, e.cfg.Trading.QuoteAsset)
	if !ok {
		return
	}
	intent.SourceMsgID = msg.ID

	fp := signal.Fingerprint(intent)
	if e.doc.HasFingerprint(fp) {
		e.logger.Debug("duplicate signal skipped", "symbol", intent.Symbol(), "fingerprint", fp)
		return
	}

	last, rej := e.gate(ctx, msg, intent)
	if rej != nil {
		e.logger.Info("signal rejected",
			"symbol", intent.Symbol(),
			"side", intent.Side,
			"trigger", intent.Trigger,
			"reason", rej.reason,
		)
		if rej.recordFingerprint {
			e.doc.AddFingerprint(fp)
		}
		return
	}

	e.placeTrade(ctx, intent, fp, last)
}

// gate evaluates all pre-placement checks. It returns the last price it
// fetched (for reuse by placement) and a non-nil rejection on the first
// failed gate.
func (e *Engine) gate(ctx context.Context, msg chat.Message, intent types.SignalIntent) (decimal.Decimal, *rejection) {
	// Status: only live or indeterminate messages arm a fresh entry.
	switch signal.ClassifyStatus(intent.RawText) {
	case types.SignalActive, types.SignalUnknown:
	default:
		return decimal.Zero, &rejection{reason: "stale_status", recordFingerprint: true}
	}

	// Freshness.
	if ts := msg.Time(); !ts.IsZero() {
		if e.now().Sub(ts).Seconds() > float64(e.cfg.Trading.MaxSignalLagSec) {
			return decimal.Zero, &rejection{reason: "stale_message", recordFingerprint: true}
		}
	}

	// Global caps. The daily cap does not burn the fingerprint, so the
	// signal can be reconsidered after the UTC rollover.
	if e.doc.DailyCount(state.UTCDayKey(e.now())) >= e.cfg.Trading.MaxTradesPerDay {
		return decimal.Zero, &rejection{reason: "daily_cap"}
	}
	if e.doc.ActiveCount() >= e.cfg.Trading.MaxConcurrentTrades {
		return decimal.Zero, &rejection{reason: "max_concurrent", recordFingerprint: true}
	}

	// Distance: evaluated against the unadjusted trigger.
	last, err := e.venue.LastPrice(ctx, e.category, intent.Symbol())
	if err != nil {
		// Transient venue trouble — abort without burning the fingerprint.
		e.logger.Warn("last price unavailable", "symbol", intent.Symbol(), "error", err)
		return decimal.Zero, &rejection{reason: "price_unavailable"}
	}

	if tooFar(intent.Side, last, intent.Trigger, e.p.tooFarPct) {
		return decimal.Zero, &rejection{reason: "too_far", recordFingerprint: true}
	}
	if e.p.expiryPricePct.Sign() > 0 && tooFar(intent.Side, last, intent.Trigger, e.p.expiryPricePct) {
		return decimal.Zero, &rejection{reason: "beyond_expiry_price", recordFingerprint: true}
	}

	return last, nil
}

// tooFar reports whether price already moved pct% past the trigger in the
// trade's favour — the entry would chase a level the market has left behind.
// For a short, that is last at or below trigger×(1−pct); mirror for a long.
func tooFar(side types.Side, last, trigger, pct decimal.Decimal) bool {
	if side == types.Sell {
		return last.LessThanOrEqual(oneMinusPct(trigger, pct))
	}
	return last.GreaterThanOrEqual(onePlusPct(trigger, pct))
}

// triggerDirection derives the venue's crossing direction from where price
// currently sits relative to the trigger.
func triggerDirection(last, trigger decimal.Decimal) types.TriggerDirection {
	if last.GreaterThan(trigger) {
		return types.TriggerFallsTo
	}
	return types.TriggerRisesTo
}

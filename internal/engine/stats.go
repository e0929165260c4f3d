// stats.go aggregates the archived history into performance statistics for
// the startup report and the daily heartbeat.
package engine

import (
	"github.com/shopspring/decimal"
)

// TradeStats summarizes archived trades for a trailing period.
type TradeStats struct {
	PeriodDays  int // 0 = all time
	TotalTrades int
	Wins        int
	Losses      int
	WinRate     float64 // percent
	TotalPnl    decimal.Decimal
	AvgPnl      decimal.Decimal
	BestTrade   decimal.Decimal
	WorstTrade  decimal.Decimal
	AvgTPFills  float64
	AvgDCAFills float64

	TrailingExits  int
	StopLossExits  int
	BreakevenExits int
}

// Stats computes statistics over the archived history for the trailing
// number of days (0 = all time).
func (e *Engine) Stats(days int) TradeStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked(days)
}

func (e *Engine) statsLocked(days int) TradeStats {
	stats := TradeStats{PeriodDays: days}

	var cutoff int64
	if days > 0 {
		cutoff = e.now().Unix() - int64(days)*86_400
	}

	totalTP, totalDCA := 0, 0
	first := true
	for _, tr := range e.doc.TradeHistory {
		if days > 0 && tr.ClosedTs < cutoff {
			continue
		}

		stats.TotalTrades++
		pnl := decimal.Zero
		if tr.RealizedPnl.Valid {
			pnl = tr.RealizedPnl.Decimal
		}
		if tr.IsWin {
			stats.Wins++
		} else {
			stats.Losses++
		}

		stats.TotalPnl = stats.TotalPnl.Add(pnl)
		if first || pnl.GreaterThan(stats.BestTrade) {
			stats.BestTrade = pnl
		}
		if first || pnl.LessThan(stats.WorstTrade) {
			stats.WorstTrade = pnl
		}
		first = false

		totalTP += tr.TPFillCount()
		totalDCA += tr.DCAFillCount()

		switch tr.ExitReason {
		case "trailing_stop":
			stats.TrailingExits++
		case "stop_loss":
			stats.StopLossExits++
		case "breakeven":
			stats.BreakevenExits++
		}
	}

	if stats.TotalTrades > 0 {
		n := float64(stats.TotalTrades)
		stats.WinRate = float64(stats.Wins) / n * 100
		stats.AvgPnl = stats.TotalPnl.Div(decimal.NewFromInt(int64(stats.TotalTrades))).Round(2)
		stats.AvgTPFills = float64(totalTP) / n
		stats.AvgDCAFills = float64(totalDCA) / n
	}
	return stats
}

// logPerformanceReportLocked logs the trailing 7-day / 30-day / all-time
// summary. Caller holds the owner lock.
func (e *Engine) logPerformanceReportLocked() {
	for _, period := range []struct {
		label string
		days  int
	}{{"7d", 7}, {"30d", 30}, {"all", 0}} {
		stats := e.statsLocked(period.days)
		if stats.TotalTrades == 0 {
			continue
		}
		e.logger.Info("performance report",
			"period", period.label,
			"trades", stats.TotalTrades,
			"wins", stats.Wins,
			"losses", stats.Losses,
			"win_rate_pct", stats.WinRate,
			"total_pnl", stats.TotalPnl,
			"avg_pnl", stats.AvgPnl,
			"best", stats.BestTrade,
			"worst", stats.WorstTrade,
			"avg_tp_fills", stats.AvgTPFills,
			"avg_dca_fills", stats.AvgDCAFills,
			"trailing_exits", stats.TrailingExits,
			"sl_exits", stats.StopLossExits,
			"be_exits", stats.BreakevenExits,
		)
	}
}

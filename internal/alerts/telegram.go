// Package alerts sends push notifications to a Telegram chat when trades
// open, close, or draw down past configured thresholds. The sink is
// best-effort: failures are logged and swallowed, never surfaced to the
// engine.
package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"signal-executor/pkg/types"
)

const apiBase = "https://api.telegram.org"

// Telegram posts messages via the Bot API.
type Telegram struct {
	http   *resty.Client
	token  string
	chatID string
	logger *slog.Logger
}

// NewTelegram creates the sink. Callers should only construct it when both
// token and chat id are configured.
func NewTelegram(token, chatID string, logger *slog.Logger) *Telegram {
	return &Telegram{
		http: resty.New().
			SetBaseURL(apiBase).
			SetTimeout(10 * time.Second),
		token:  token,
		chatID: chatID,
		logger: logger.With("component", "alerts"),
	}
}

// send posts one HTML-formatted message.
func (t *Telegram) send(text string) {
	body := map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	resp, err := t.http.R().
		SetBody(body).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		t.logger.Warn("telegram send failed", "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		t.logger.Warn("telegram API error", "status", resp.StatusCode(), "body", resp.String())
	}
}

// TradeOpened notifies that a new position is live.
func (t *Telegram) TradeOpened(symbol string, side types.PositionSide, entry, qty decimal.Decimal) {
	t.send(fmt.Sprintf(
		"<b>New Trade Opened</b>\n\n<b>%s</b> %s\nEntry: $%s\nSize: %s",
		symbol, side, entry, qty,
	))
}

// TradeClosed notifies the final outcome of a trade.
func (t *Telegram) TradeClosed(symbol string, side types.PositionSide, pnl decimal.Decimal, exitReason string, tpFills, dcaFills int) {
	result := "LOSS"
	if pnl.Sign() > 0 {
		result = "WIN"
	}
	t.send(fmt.Sprintf(
		"<b>Trade Closed: %s</b>\n\n<b>%s</b> %s\nPnL: <b>$%s</b>\nExit: %s\nTPs Hit: %d | DCAs: %d",
		result, symbol, side, pnl.StringFixed(4), exitReason, tpFills, dcaFills,
	))
}

// Drawdown notifies the first crossing of a loss threshold.
func (t *Telegram) Drawdown(symbol string, side types.PositionSide, pnlPct, threshold float64, entry, current decimal.Decimal) {
	t.send(fmt.Sprintf(
		"<b>Position Alert: -%.0f%%</b>\n\n<b>%s</b> %s\nPosition P&amp;L: <b>%.1f%%</b>\n\nAvg Entry: $%s\nCurrent: $%s",
		threshold, symbol, side, pnlPct, entry, current,
	))
}

// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides, trade
// lifecycle statuses, venue request/response payloads, and private-stream
// event payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Category is the Bybit product category.
type Category string

const (
	CategoryLinear  Category = "linear"  // USDT perpetual
	CategoryInverse Category = "inverse" // coin-margined perpetual
	CategorySpot    Category = "spot"
)

// Side is the order direction in venue vocabulary.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the reducing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the human-facing direction of a position.
type PositionSide string

const (
	Long  PositionSide = "Long"
	Short PositionSide = "Short"
)

// PositionSideFor maps an order side to the position it opens.
func PositionSideFor(s Side) PositionSide {
	if s == Sell {
		return Short
	}
	return Long
}

// TradeStatus is the lifecycle state of a managed trade.
// Transitions are monotone: pending → {open, cancelled, expired},
// open → {closed, cancelled}. There is no way back.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusOpen      TradeStatus = "open"
	StatusCancelled TradeStatus = "cancelled"
	StatusExpired   TradeStatus = "expired"
	StatusClosed    TradeStatus = "closed"
)

// Terminal reports whether the status is final (trade left the active set).
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusCancelled, StatusExpired, StatusClosed:
		return true
	}
	return false
}

// SignalStatus is the parser's classification of a signal message's
// current state, used to skip stale messages and detect revocations.
type SignalStatus string

const (
	SignalActive    SignalStatus = "active"
	SignalBreakeven SignalStatus = "breakeven"
	SignalWin       SignalStatus = "win"
	SignalCancelled SignalStatus = "cancelled"
	SignalClosed    SignalStatus = "closed"
	SignalUnknown   SignalStatus = "unknown"
)

// TriggerDirection tells the venue which way price must cross the trigger.
type TriggerDirection int

const (
	TriggerRisesTo TriggerDirection = 1
	TriggerFallsTo TriggerDirection = 2
)

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalIntent is the structured form of a parsed chat signal. Immutable
// once produced; the engine copies what it needs into the trade record.
type SignalIntent struct {
	BaseAsset   string
	QuoteAsset  string
	Side        Side
	Trigger     decimal.Decimal
	TPPrices    []decimal.Decimal
	DCAPrices   []decimal.Decimal
	SLPrice     decimal.NullDecimal // absent when the signal carries no SL
	SourceMsgID string
	RawText     string
}

// Symbol derives the venue symbol from base and quote.
func (s SignalIntent) Symbol() string {
	return strings.ToUpper(s.BaseAsset) + strings.ToUpper(s.QuoteAsset)
}

// SignalUpdate carries the latest SL/TP/DCA values re-extracted from a
// previously matched message, for amendment reconciliation. Nil slices mean
// "not present in the message", not "cleared".
type SignalUpdate struct {
	SLPrice   decimal.NullDecimal
	TPPrices  []decimal.Decimal
	DCAPrices []decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Venue payloads
// ————————————————————————————————————————————————————————————————————————

// InstrumentRules are the per-symbol precision constraints imposed by the
// venue. Cached by the engine with a short TTL.
type InstrumentRules struct {
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
	TickSize decimal.Decimal
}

// OrderRequest is the full order body for /v5/order/create. The venue
// client serializes the decimal values to strings; unset NullDecimals are
// omitted from the wire body.
type OrderRequest struct {
	Category         Category
	Symbol           string
	Side             Side
	OrderType        string // "Limit" or "Market"
	Qty              decimal.Decimal
	Price            decimal.NullDecimal
	TimeInForce      string              // "GTC"
	TriggerDirection TriggerDirection    // 0 = not conditional
	TriggerPrice     decimal.NullDecimal // set for conditional orders
	TriggerBy        string              // "LastPrice"
	ReduceOnly       bool
	CloseOnTrigger   bool
	OrderLinkID      string
}

// OpenOrder is a live order as returned by /v5/order/realtime.
type OpenOrder struct {
	OrderID     string
	OrderLinkID string
	Price       decimal.Decimal
	Qty         decimal.Decimal
	Side        Side
	Status      string
}

// Position is a venue position as returned by /v5/position/list.
type Position struct {
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	UnrealisedPnl decimal.Decimal
}

// TradingStop is the request body for /v5/position/trading-stop. Unset
// NullDecimals are omitted so the venue leaves those legs unchanged.
type TradingStop struct {
	Category     Category
	Symbol       string
	StopLoss     decimal.NullDecimal
	TrailingStop decimal.NullDecimal
	ActivePrice  decimal.NullDecimal
	TPSLMode     string // "Full" = position-scoped
}

// ClosedPnL is one record from /v5/position/closed-pnl.
type ClosedPnL struct {
	Symbol      string
	ClosedPnl   decimal.Decimal
	CreatedTime int64 // epoch milliseconds
}

// ————————————————————————————————————————————————————————————————————————
// Private-stream events
// ————————————————————————————————————————————————————————————————————————

// StreamEventKind discriminates events on the private stream.
type StreamEventKind string

const (
	EventExecution StreamEventKind = "execution"
	EventOrder     StreamEventKind = "order"
	// EventResubscribed is synthesized by the stream after every reconnect
	// so the engine can re-reconcile state it may have missed.
	EventResubscribed StreamEventKind = "resubscribed"
)

// ExecutionEvent is a single private execution (fill) payload.
type ExecutionEvent struct {
	Symbol      string
	OrderID     string
	OrderLinkID string
	ExecType    string // "Trade", "Funding", ...
	ExecPrice   decimal.NullDecimal
	Side        Side
}

// OrderEvent is a private order lifecycle payload.
type OrderEvent struct {
	Symbol      string
	OrderID     string
	OrderLinkID string
	OrderStatus string // "Filled", "Cancelled", ...
}

// StreamEvent is the single typed event surfaced by the private stream.
// Exactly one of Execution/Order is set, matching Kind; both are nil for
// EventResubscribed.
type StreamEvent struct {
	Kind      StreamEventKind
	Execution *ExecutionEvent
	Order     *OrderEvent
}

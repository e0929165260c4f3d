// Package venue implements the Bybit V5 REST and private WebSocket clients.
//
// The REST client (Client) covers the surface the trade engine needs:
//   - LastPrice / InstrumentRules:  GET  /v5/market/*        — market data
//   - WalletEquity:                 GET  /v5/account/wallet-balance
//   - SetLeverage:                  POST /v5/position/set-leverage
//   - PlaceOrder / CancelOrder:     POST /v5/order/create, /v5/order/cancel
//   - OpenOrders:                   GET  /v5/order/realtime
//   - Positions:                    GET  /v5/position/list
//   - SetTradingStop:               POST /v5/position/trading-stop
//   - ClosedPnL:                    GET  /v5/position/closed-pnl
//
// Every request is rate-limited via per-group TokenBuckets. Idempotent GETs
// are retried on transport failures; order placement is never retried (a
// duplicate place is not safe without a venue-side nonce echo). Private
// calls are HMAC-signed over the exact bytes that go on the wire.
package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"signal-executor/pkg/types"
)

const (
	mainnetREST = "https://api.bybit.com"
	mainnetWS   = "wss://stream.bybit.com/v5/private"
	testnetREST = "https://api-testnet.bybit.com"
	testnetWS   = "wss://stream-testnet.bybit.com/v5/private"
	demoREST    = "https://api-demo.bybit.com"
	demoWS      = "wss://stream-demo.bybit.com/v5/private"

	requestTimeout = 15 * time.Second
)

// Endpoints returns the REST base URL and private WS URL for the selected
// environment. Demo trading (paper fills on live market data) wins over
// testnet when both are set.
func Endpoints(testnet, demo bool) (rest, ws string) {
	switch {
	case demo:
		return demoREST, demoWS
	case testnet:
		return testnetREST, testnetWS
	default:
		return mainnetREST, mainnetWS
	}
}

// Options configures the REST client.
type Options struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow string
	SettleCoin string // used when listing positions across all symbols
	DryRun     bool   // mutating methods log and return synthetic success
}

// Client is the Bybit V5 REST API client. It wraps a resty HTTP client with
// rate limiting, read retry, and request signing.
type Client struct {
	http       *resty.Client
	signer     *Signer
	rl         *RateLimiter
	settleCoin string
	dryRun     bool
	logger     *slog.Logger
}

// NewClient creates a REST client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads are safely idempotent.
			if r != nil && r.Request.Method != http.MethodGet {
				return false
			}
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	settle := opts.SettleCoin
	if settle == "" {
		settle = "USDT"
	}

	return &Client{
		http:       httpClient,
		signer:     NewSigner(opts.APIKey, opts.APISecret, opts.RecvWindow),
		rl:         NewRateLimiter(),
		settleCoin: settle,
		dryRun:     opts.DryRun,
		logger:     logger.With("component", "venue"),
	}
}

// Signer exposes the request signer (shared with the private stream).
func (c *Client) Signer() *Signer { return c.signer }

// envelope is Bybit's universal response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) decode(op string, resp *resty.Response, err error, out any) error {
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		wait := 2 * time.Second
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{Op: op, RetryAfter: wait}
	}
	if resp.StatusCode() != http.StatusOK {
		return &TransportError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	var env envelope
	if uerr := json.Unmarshal(resp.Body(), &env); uerr != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode: %w", uerr)}
	}
	if env.RetCode != 0 {
		return &APIError{Op: op, Code: env.RetCode, Message: env.RetMsg}
	}
	if out != nil && len(env.Result) > 0 {
		if uerr := json.Unmarshal(env.Result, out); uerr != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("decode result: %w", uerr)}
		}
	}
	return nil
}

// getPublic performs an unsigned GET.
func (c *Client) getPublic(ctx context.Context, op, path string, params map[string]string, out any) error {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	return c.decode(op, resp, err, out)
}

// getSigned performs a signed GET. The sorted query string is signed and the
// identical string is appended to the URL — never re-serialized.
func (c *Client) getSigned(ctx context.Context, op, path string, params map[string]string, out any) error {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return err
	}
	qs := canonicalQuery(params)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.Headers(qs)).
		Get(path + "?" + qs)
	return c.decode(op, resp, err, out)
}

// postSigned performs a signed POST. The body is marshalled exactly once;
// the same bytes feed the signature and the request.
func (c *Client) postSigned(ctx context.Context, op, path string, body any, bucket *TokenBucket, out any) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal body: %w", op, err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.Headers(string(payload))).
		SetBody(json.RawMessage(payload)).
		Post(path)
	return c.decode(op, resp, err, out)
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// LastPrice fetches the latest trade price for a symbol.
func (c *Client) LastPrice(ctx context.Context, category types.Category, symbol string) (decimal.Decimal, error) {
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	err := c.getPublic(ctx, "last_price", "/v5/market/tickers", map[string]string{
		"category": string(category),
		"symbol":   symbol,
	}, &result)
	if err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, &APIError{Op: "last_price", Code: -1, Message: "no ticker data for " + symbol}
	}
	return parseDecimal(result.List[0].LastPrice), nil
}

// InstrumentRules fetches the precision constraints for a symbol.
func (c *Client) InstrumentRules(ctx context.Context, category types.Category, symbol string) (types.InstrumentRules, error) {
	var result struct {
		List []struct {
			LotSizeFilter struct {
				QtyStep       string `json:"qtyStep"`
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	err := c.getPublic(ctx, "instrument_rules", "/v5/market/instruments-info", map[string]string{
		"category": string(category),
		"symbol":   symbol,
	}, &result)
	if err != nil {
		return types.InstrumentRules{}, err
	}
	if len(result.List) == 0 {
		return types.InstrumentRules{}, &APIError{Op: "instrument_rules", Code: -1, Message: "no instrument info for " + symbol}
	}

	item := result.List[0]
	step := item.LotSizeFilter.QtyStep
	if step == "" {
		step = item.LotSizeFilter.BasePrecision
	}
	rules := types.InstrumentRules{
		QtyStep:  parseDecimal(step),
		MinQty:   parseDecimal(item.LotSizeFilter.MinOrderQty),
		TickSize: parseDecimal(item.PriceFilter.TickSize),
	}
	if rules.QtyStep.IsZero() {
		rules.QtyStep = decimal.New(1, -6)
	}
	if rules.TickSize.IsZero() {
		rules.TickSize = decimal.New(1, -4)
	}
	return rules, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// WalletEquity returns the account's total equity.
func (c *Client) WalletEquity(ctx context.Context, accountType string) (decimal.Decimal, error) {
	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	err := c.getSigned(ctx, "wallet_equity", "/v5/account/wallet-balance", map[string]string{
		"accountType": accountType,
	}, &result)
	if err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, &APIError{Op: "wallet_equity", Code: -1, Message: "no wallet balance"}
	}
	item := result.List[0]
	for _, v := range []string{item.TotalEquity, item.TotalWalletBalance, item.TotalAvailableBalance} {
		if v != "" {
			return parseDecimal(v), nil
		}
	}
	return decimal.Zero, &APIError{Op: "wallet_equity", Code: -1, Message: "wallet balance has no equity field"}
}

// SetLeverage sets buy and sell leverage for a symbol. Code 110043
// ("leverage not modified") surfaces as an APIError the caller may ignore.
func (c *Client) SetLeverage(ctx context.Context, category types.Category, symbol string, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	body := struct {
		Category     string `json:"category"`
		Symbol       string `json:"symbol"`
		BuyLeverage  string `json:"buyLeverage"`
		SellLeverage string `json:"sellLeverage"`
	}{string(category), symbol, strconv.Itoa(leverage), strconv.Itoa(leverage)}
	return c.postSigned(ctx, "set_leverage", "/v5/position/set-leverage", body, c.rl.Order, nil)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// orderCreateBody is the wire shape for /v5/order/create. All numerics are
// strings per Bybit convention.
type orderCreateBody struct {
	Category         string `json:"category"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"orderType"`
	Qty              string `json:"qty"`
	Price            string `json:"price,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	TriggerDirection int    `json:"triggerDirection,omitempty"`
	TriggerPrice     string `json:"triggerPrice,omitempty"`
	TriggerBy        string `json:"triggerBy,omitempty"`
	ReduceOnly       bool   `json:"reduceOnly"`
	CloseOnTrigger   bool   `json:"closeOnTrigger"`
	OrderLinkID      string `json:"orderLinkId,omitempty"`
}

// PlaceOrder creates an order and returns the venue order id. Never retried:
// a failed place surfaces immediately to the caller.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "qty", req.Qty, "link_id", req.OrderLinkID)
		return "dry-run:" + req.OrderLinkID, nil
	}

	body := orderCreateBody{
		Category:         string(req.Category),
		Symbol:           req.Symbol,
		Side:             string(req.Side),
		OrderType:        req.OrderType,
		Qty:              req.Qty.String(),
		TimeInForce:      req.TimeInForce,
		TriggerDirection: int(req.TriggerDirection),
		TriggerBy:        req.TriggerBy,
		ReduceOnly:       req.ReduceOnly,
		CloseOnTrigger:   req.CloseOnTrigger,
		OrderLinkID:      req.OrderLinkID,
	}
	if req.Price.Valid {
		body.Price = req.Price.Decimal.String()
	}
	if req.TriggerPrice.Valid {
		body.TriggerPrice = req.TriggerPrice.Decimal.String()
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.postSigned(ctx, "place_order", "/v5/order/create", body, c.rl.Order, &result); err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", &APIError{Op: "place_order", Code: -1, Message: "response has no orderId"}
	}
	return result.OrderID, nil
}

// CancelOrder cancels an order by id.
func (c *Client) CancelOrder(ctx context.Context, category types.Category, symbol, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	body := struct {
		Category string `json:"category"`
		Symbol   string `json:"symbol"`
		OrderID  string `json:"orderId"`
	}{string(category), symbol, orderID}
	return c.postSigned(ctx, "cancel_order", "/v5/order/cancel", body, c.rl.Cancel, nil)
}

// OpenOrders lists live orders for a symbol.
func (c *Client) OpenOrders(ctx context.Context, category types.Category, symbol string) ([]types.OpenOrder, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Price       string `json:"price"`
			Qty         string `json:"qty"`
			Side        string `json:"side"`
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	err := c.getSigned(ctx, "open_orders", "/v5/order/realtime", map[string]string{
		"category": string(category),
		"symbol":   symbol,
	}, &result)
	if err != nil {
		return nil, err
	}

	orders := make([]types.OpenOrder, 0, len(result.List))
	for _, o := range result.List {
		orders = append(orders, types.OpenOrder{
			OrderID:     o.OrderID,
			OrderLinkID: o.OrderLinkID,
			Price:       parseDecimal(o.Price),
			Qty:         parseDecimal(o.Qty),
			Side:        types.Side(o.Side),
			Status:      o.OrderStatus,
		})
	}
	return orders, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Positions lists positions. Empty symbol lists all positions settling in
// the configured coin.
func (c *Client) Positions(ctx context.Context, category types.Category, symbol string) ([]types.Position, error) {
	params := map[string]string{"category": string(category)}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = c.settleCoin
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if err := c.getSigned(ctx, "positions", "/v5/position/list", params, &result); err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(result.List))
	for _, p := range result.List {
		positions = append(positions, types.Position{
			Symbol:        p.Symbol,
			Side:          types.Side(p.Side),
			Size:          parseDecimal(p.Size),
			AvgPrice:      parseDecimal(p.AvgPrice),
			UnrealisedPnl: parseDecimal(p.UnrealisedPnl),
		})
	}
	return positions, nil
}

// SetTradingStop mutates the position-scoped stop loss / trailing stop.
// The venue's "not modified" answer is treated as success.
func (c *Client) SetTradingStop(ctx context.Context, ts types.TradingStop) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set trading stop",
			"symbol", ts.Symbol, "stop_loss", ts.StopLoss, "trailing", ts.TrailingStop)
		return nil
	}

	body := struct {
		Category     string `json:"category"`
		Symbol       string `json:"symbol"`
		PositionIdx  int    `json:"positionIdx"`
		TPSLMode     string `json:"tpslMode"`
		StopLoss     string `json:"stopLoss,omitempty"`
		TrailingStop string `json:"trailingStop,omitempty"`
		ActivePrice  string `json:"activePrice,omitempty"`
	}{Category: string(ts.Category), Symbol: ts.Symbol, TPSLMode: ts.TPSLMode}
	if ts.StopLoss.Valid {
		body.StopLoss = ts.StopLoss.Decimal.String()
	}
	if ts.TrailingStop.Valid {
		body.TrailingStop = ts.TrailingStop.Decimal.String()
	}
	if ts.ActivePrice.Valid {
		body.ActivePrice = ts.ActivePrice.Decimal.String()
	}

	err := c.postSigned(ctx, "set_trading_stop", "/v5/position/trading-stop", body, c.rl.Order, nil)
	var ae *APIError
	if errors.As(err, &ae) && ae.IsBenign() {
		return nil
	}
	return err
}

// ClosedPnL fetches closed-PnL records for a symbol, optionally bounded by
// a start time in epoch milliseconds.
func (c *Client) ClosedPnL(ctx context.Context, category types.Category, symbol string, startTime int64, limit int) ([]types.ClosedPnL, error) {
	params := map[string]string{
		"category": string(category),
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}
	if startTime > 0 {
		params["startTime"] = strconv.FormatInt(startTime, 10)
	}

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			ClosedPnl   string `json:"closedPnl"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	if err := c.getSigned(ctx, "closed_pnl", "/v5/position/closed-pnl", params, &result); err != nil {
		return nil, err
	}

	records := make([]types.ClosedPnL, 0, len(result.List))
	for _, r := range result.List {
		created, _ := strconv.ParseInt(r.CreatedTime, 10, 64)
		records = append(records, types.ClosedPnL{
			Symbol:      r.Symbol,
			ClosedPnl:   parseDecimal(r.ClosedPnl),
			CreatedTime: created,
		})
	}
	return records, nil
}

// parseDecimal converts a venue string to a decimal, treating empty or
// malformed values as zero (Bybit omits fields it considers not applicable).
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// decimalNullFromString parses a venue string into a NullDecimal; empty or
// malformed input stays absent.
func decimalNullFromString(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// stream.go implements the authenticated private WebSocket stream.
//
// After connecting, the stream answers the venue's timed HMAC challenge,
// subscribes to the "execution" and "order" topics, then pumps messages
// with a keep-alive ping. It auto-reconnects with exponential backoff
// (1s → 30s max) and emits a synthetic Resubscribed event after every
// successful (re)connect so the engine can re-reconcile anything it
// missed while the socket was down. A read deadline ensures silent server
// failures are detected within ~2 missed pings.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signal-executor/pkg/types"
)

const (
	streamPingInterval  = 20 * time.Second
	streamReadTimeout   = 60 * time.Second // ~2 missed pings triggers reconnect
	streamWriteTimeout  = 10 * time.Second
	maxReconnectBackoff = 30 * time.Second
	eventBufferSize     = 256
)

// PrivateStream manages the private WebSocket connection. It handles the
// auth handshake, subscription, message routing, and reconnection.
type PrivateStream struct {
	url    string
	signer *Signer

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes

	events chan types.StreamEvent

	logger *slog.Logger
}

// NewPrivateStream creates a stream for the given WS URL, sharing the REST
// client's signer for the auth challenge.
func NewPrivateStream(url string, signer *Signer, logger *slog.Logger) *PrivateStream {
	return &PrivateStream{
		url:    url,
		signer: signer,
		events: make(chan types.StreamEvent, eventBufferSize),
		logger: logger.With("component", "stream"),
	}
}

// Events returns the read-only channel of typed stream events.
func (s *PrivateStream) Events() <-chan types.StreamEvent { return s.events }

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled.
func (s *PrivateStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("private stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// Close shuts the current connection, if any.
func (s *PrivateStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// wsCommand is the generic op frame sent to the venue.
type wsCommand struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

func (s *PrivateStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	apiKey, expires, sig := s.signer.StreamAuth()
	if err := s.writeJSON(wsCommand{Op: "auth", Args: []any{apiKey, expires, sig}}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := s.writeJSON(wsCommand{Op: "subscribe", Args: []any{"execution", "order"}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("private stream connected")
	s.emit(types.StreamEvent{Kind: types.EventResubscribed})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := s.dispatchMessage(msg); err != nil {
			return err
		}
	}
}

// wireExecution matches the venue's execution topic payload.
type wireExecution struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	ExecType    string `json:"execType"`
	ExecPrice   string `json:"execPrice"`
	Side        string `json:"side"`
}

// wireOrder matches the venue's order topic payload.
type wireOrder struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	OrderStatus string `json:"orderStatus"`
}

func (s *PrivateStream) dispatchMessage(data []byte) error {
	var frame struct {
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Topic   string          `json:"topic"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return nil
	}

	// Auth failure is fatal for this connection; reconnect re-authenticates.
	if frame.Op == "auth" && frame.Success != nil && !*frame.Success {
		return fmt.Errorf("stream auth failed: %s", frame.RetMsg)
	}

	switch {
	case frame.Topic == "execution":
		var list []wireExecution
		if err := json.Unmarshal(frame.Data, &list); err != nil {
			s.logger.Error("unmarshal execution event", "error", err)
			return nil
		}
		for _, w := range list {
			ev := types.ExecutionEvent{
				Symbol:      w.Symbol,
				OrderID:     w.OrderID,
				OrderLinkID: w.OrderLinkID,
				ExecType:    w.ExecType,
				Side:        types.Side(w.Side),
			}
			if w.ExecPrice != "" {
				ev.ExecPrice = decimalNullFromString(w.ExecPrice)
			}
			s.emit(types.StreamEvent{Kind: types.EventExecution, Execution: &ev})
		}

	case frame.Topic == "order":
		var list []wireOrder
		if err := json.Unmarshal(frame.Data, &list); err != nil {
			s.logger.Error("unmarshal order event", "error", err)
			return nil
		}
		for _, w := range list {
			ev := types.OrderEvent{
				Symbol:      w.Symbol,
				OrderID:     w.OrderID,
				OrderLinkID: w.OrderLinkID,
				OrderStatus: w.OrderStatus,
			}
			s.emit(types.StreamEvent{Kind: types.EventOrder, Order: &ev})
		}

	case frame.Op == "pong", frame.Op == "ping", frame.Op == "subscribe", frame.Op == "auth":
		// Control acks we don't need to surface.

	default:
		s.logger.Debug("unknown stream message", "topic", frame.Topic, "op", frame.Op)
	}
	return nil
}

func (s *PrivateStream) emit(ev types.StreamEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("stream event channel full, dropping event", "kind", ev.Kind)
	}
}

func (s *PrivateStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(wsCommand{Op: "ping"}); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *PrivateStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

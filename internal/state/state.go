// Package state provides the durable trade ledger.
//
// The whole ledger is one versioned JSON document: active trades, a bounded
// archive of finished trades, ingest cursors, the dedup fingerprint window,
// and per-day placement counts. Saves are crash-safe (write to .tmp, then
// rename) and only the engine writes; everything else reads through it.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signal-executor/pkg/types"
)

const (
	// SchemaVersion is bumped on incompatible document changes.
	SchemaVersion = 1

	maxHistory      = 500
	maxFingerprints = 500
)

// TradeRecord is the per-trade state machine record. The engine is the only
// writer. Optional numerics use NullDecimal — absence is never encoded as
// zero.
type TradeRecord struct {
	ID string `json:"id"`

	// Plan — fixed at placement time.
	Symbol            string                `json:"symbol"`
	OrderSide         types.Side            `json:"order_side"`
	PositionSide      types.PositionSide    `json:"position_side"`
	Trigger           decimal.Decimal       `json:"trigger"`
	TPPrices          []decimal.Decimal     `json:"tp_prices"`
	TPSplits          []decimal.Decimal     `json:"tp_splits"`
	DCAPrices         []decimal.Decimal     `json:"dca_prices"`
	SLPricePlanned    decimal.NullDecimal   `json:"sl_price_planned"`
	BaseQty           decimal.Decimal       `json:"base_qty"`
	Leverage          int                   `json:"leverage"`
	RiskPct           decimal.Decimal       `json:"risk_pct"`
	RiskAmount        decimal.Decimal       `json:"risk_amount"`
	EquityAtPlacement decimal.Decimal       `json:"equity_at_placement"`

	// Orders.
	EntryOrderID string         `json:"entry_order_id"`
	TPOrderIDs   map[int]string `json:"tp_order_ids,omitempty"` // TP index (1-based) → venue order id
	TP1OrderID   string         `json:"tp1_order_id,omitempty"`
	SourceMsgID  string         `json:"source_msg_id"`

	// Runtime.
	Status           types.TradeStatus   `json:"status"`
	EntryPrice       decimal.NullDecimal `json:"entry_price"`
	PlacedTs         int64               `json:"placed_ts"`
	FilledTs         int64               `json:"filled_ts,omitempty"`
	ClosedTs         int64               `json:"closed_ts,omitempty"`
	TPFillsSet       map[int]bool        `json:"tp_fills_set,omitempty"`
	DCAFillsSet      map[int]bool        `json:"dca_fills_set,omitempty"`
	SLMovedToBE      bool                `json:"sl_moved_to_be"`
	TrailingStarted  bool                `json:"trailing_started"`
	PostOrdersPlaced bool                `json:"post_orders_placed"`
	RealizedPnl      decimal.NullDecimal `json:"realized_pnl"`
	IsWin            bool                `json:"is_win"`
	ExitReason       string              `json:"exit_reason,omitempty"`
	AlertsSent       map[string]bool     `json:"alerts_sent,omitempty"`
}

// Active reports whether the trade still occupies a concurrency slot.
func (t *TradeRecord) Active() bool {
	return t.Status == types.StatusPending || t.Status == types.StatusOpen
}

// AddTPFill records TP index n as filled. Returns false if already recorded.
func (t *TradeRecord) AddTPFill(n int) bool {
	if t.TPFillsSet == nil {
		t.TPFillsSet = make(map[int]bool)
	}
	if t.TPFillsSet[n] {
		return false
	}
	t.TPFillsSet[n] = true
	return true
}

// AddDCAFill records DCA index n as filled. Returns false if already recorded.
func (t *TradeRecord) AddDCAFill(n int) bool {
	if t.DCAFillsSet == nil {
		t.DCAFillsSet = make(map[int]bool)
	}
	if t.DCAFillsSet[n] {
		return false
	}
	t.DCAFillsSet[n] = true
	return true
}

// TPFillCount returns how many distinct TP levels have filled.
func (t *TradeRecord) TPFillCount() int { return len(t.TPFillsSet) }

// MaxTPFill returns the highest filled TP index, 0 when none.
func (t *TradeRecord) MaxTPFill() int {
	max := 0
	for n := range t.TPFillsSet {
		if n > max {
			max = n
		}
	}
	return max
}

// DCAFillCount returns how many distinct DCA levels have filled.
func (t *TradeRecord) DCAFillCount() int { return len(t.DCAFillsSet) }

// MarkAlerted records an alert threshold tag as sent. Returns false when the
// tag was already present.
func (t *TradeRecord) MarkAlerted(tag string) bool {
	if t.AlertsSent == nil {
		t.AlertsSent = make(map[string]bool)
	}
	if t.AlertsSent[tag] {
		return false
	}
	t.AlertsSent[tag] = true
	return true
}

// Document is the at-rest schema: the complete persisted state of the bot.
type Document struct {
	Version          int                     `json:"version"`
	OpenTrades       map[string]*TradeRecord `json:"open_trades"`
	TradeHistory     []*TradeRecord          `json:"trade_history"`
	LastSeenMsgID    string                  `json:"last_seen_msg_id"`
	SeenFingerprints []string                `json:"seen_signal_fingerprints"`
	DailyCounts      map[string]int          `json:"daily_counts"`
}

// NewDocument returns an empty ledger at the current schema version.
func NewDocument() *Document {
	return &Document{
		Version:     SchemaVersion,
		OpenTrades:  make(map[string]*TradeRecord),
		DailyCounts: make(map[string]int),
	}
}

// HasFingerprint reports whether fp is in the recent dedup window.
func (d *Document) HasFingerprint(fp string) bool {
	for _, have := range d.SeenFingerprints {
		if have == fp {
			return true
		}
	}
	return false
}

// AddFingerprint appends fp to the dedup window, keeping the most recent
// maxFingerprints entries.
func (d *Document) AddFingerprint(fp string) {
	if d.HasFingerprint(fp) {
		return
	}
	d.SeenFingerprints = append(d.SeenFingerprints, fp)
	if n := len(d.SeenFingerprints); n > maxFingerprints {
		d.SeenFingerprints = d.SeenFingerprints[n-maxFingerprints:]
	}
}

// IncrDaily bumps the placement counter for the given UTC day.
func (d *Document) IncrDaily(day string) {
	if d.DailyCounts == nil {
		d.DailyCounts = make(map[string]int)
	}
	d.DailyCounts[day]++
}

// DailyCount returns the placement count for a UTC day (0 for unseen days).
func (d *Document) DailyCount(day string) int { return d.DailyCounts[day] }

// ActiveCount counts trades occupying a concurrency slot.
func (d *Document) ActiveCount() int {
	n := 0
	for _, tr := range d.OpenTrades {
		if tr.Active() {
			n++
		}
	}
	return n
}

// Archive moves a finished trade from the active ledger to the bounded
// history, oldest entries pruned first.
func (d *Document) Archive(id string) {
	tr, ok := d.OpenTrades[id]
	if !ok {
		return
	}
	delete(d.OpenTrades, id)
	d.TradeHistory = append(d.TradeHistory, tr)
	if n := len(d.TradeHistory); n > maxHistory {
		d.TradeHistory = d.TradeHistory[n-maxHistory:]
	}
}

// UTCDayKey formats t as the daily-counter key.
func UTCDayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Store persists the document to a single JSON file with atomic replacement.
// All operations are mutex-protected; the engine is the sole writer.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the last durable snapshot. A missing file yields a fresh
// document (first run).
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if doc.OpenTrades == nil {
		doc.OpenTrades = make(map[string]*TradeRecord)
	}
	if doc.DailyCounts == nil {
		doc.DailyCounts = make(map[string]int)
	}
	return &doc, nil
}

// Save atomically persists the document. It writes to a .tmp file first,
// then renames over the target, so the file is never left partial.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Package signal maps raw chat message text to structured trade intents.
//
// Parsing is pure and idempotent. Signal providers use several message
// layouts, so extraction goes through a format registry: the first format
// whose headline matches wins, and fields are never merged across formats.
// Registered formats, in precedence order:
//
//	trigger — "<BASE> LONG|SHORT Signal" with "Enter on Trigger: $X"
//	entry   — same headline with "Entry: $X"
//	compact — "LONG $BASE @ X | TP: a, b, c | SL: y" single-line style
//
// Besides full parsing, the package offers a status probe (is the message
// still a live entry, or already won/cancelled/closed?) and an update probe
// that re-extracts SL/TP/DCA vectors from an edited message.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"signal-executor/pkg/types"
)

// num matches a price with optional thousands separators.
const num = `([0-9][0-9,]*\.?[0-9]*)`

var (
	reHeadline = regexp.MustCompile(`(?i)\b([A-Z0-9]+)\b\s+(LONG|SHORT)\s+Signal`)
	reTrigger  = regexp.MustCompile(`(?i)Enter\s+on\s+Trigger\s*:\s*\x60?\$?\s*` + num)
	reEntry    = regexp.MustCompile(`(?i)\bEntry\b\s*:\s*\x60?\$?\s*` + num)
	reSL       = regexp.MustCompile(`(?i)\bStop\s*Loss\b\s*:\s*\x60?\$?\s*` + num)

	reCompact    = regexp.MustCompile(`(?i)\b(LONG|SHORT)\s+\$?([A-Z0-9]+)\s*@\s*\$?\s*` + num)
	reCompactTPs = regexp.MustCompile(`(?i)\bTPs?\s*:\s*([0-9][0-9,.\s]*)`)
	reCompactSL  = regexp.MustCompile(`(?i)\bSL\s*:?\s*\$?\s*` + num)
	reCompactDCA = regexp.MustCompile(`(?i)\bDCAs?\s*:\s*([0-9][0-9,.\s]*)`)

	reTPn  = make([]*regexp.Regexp, 0, 6)
	reDCAn = make([]*regexp.Regexp, 0, 3)
)

func init() {
	for i := 1; i <= 6; i++ {
		reTPn = append(reTPn, regexp.MustCompile(fmt.Sprintf(`(?i)\bTP%d\b\s*:\s*\x60?\$?\s*%s`, i, num)))
	}
	for i := 1; i <= 3; i++ {
		reDCAn = append(reDCAn, regexp.MustCompile(fmt.Sprintf(`(?i)\bDCA\s*#?%d\b\s*:\s*\x60?\$?\s*%s`, i, num)))
	}
}

// Format is one registered message layout. Parse returns ok=false when the
// text does not belong to this format.
type Format struct {
	Name  string
	Parse func(text, quote string) (types.SignalIntent, bool)
}

// Registry lists formats in precedence order; the first match wins.
var Registry = []Format{
	{Name: "trigger", Parse: parseTriggerFormat},
	{Name: "entry", Parse: parseEntryFormat},
	{Name: "compact", Parse: parseCompactFormat},
}

// Parse maps message text to a SignalIntent, or ok=false when no registered
// format matches. Terminal-status messages never parse (a "closed" repost of
// an old signal is not a fresh entry).
func Parse(text, quote string) (types.SignalIntent, bool) {
	switch ClassifyStatus(text) {
	case types.SignalCancelled, types.SignalClosed, types.SignalWin:
		return types.SignalIntent{}, false
	}

	// Providers bold their labels with markdown ("**TP1:** `$0.91`"); the
	// extractors run on the text with the emphasis markers removed.
	clean := strings.ReplaceAll(text, "*", "")
	for _, f := range Registry {
		if intent, ok := f.Parse(clean, quote); ok {
			intent.RawText = text
			return intent, true
		}
	}
	return types.SignalIntent{}, false
}

func parseNum(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil || d.Sign() <= 0 {
		return decimal.Zero, false
	}
	return d, true
}

// labeledTPs extracts TP1..TP6 in index order, stopping at the first gap.
func labeledTPs(text string) []decimal.Decimal {
	var tps []decimal.Decimal
	for _, re := range reTPn {
		m := re.FindStringSubmatch(text)
		if m == nil {
			break
		}
		if d, ok := parseNum(m[1]); ok {
			tps = append(tps, d)
		}
	}
	return tps
}

// labeledDCAs extracts DCA #1..#3 in index order, stopping at the first gap.
func labeledDCAs(text string) []decimal.Decimal {
	var dcas []decimal.Decimal
	for _, re := range reDCAn {
		m := re.FindStringSubmatch(text)
		if m == nil {
			break
		}
		if d, ok := parseNum(m[1]); ok {
			dcas = append(dcas, d)
		}
	}
	return dcas
}

func labeledSL(text string) decimal.NullDecimal {
	if m := reSL.FindStringSubmatch(text); m != nil {
		if d, ok := parseNum(m[1]); ok {
			return decimal.NullDecimal{Decimal: d, Valid: true}
		}
	}
	return decimal.NullDecimal{}
}

// parseLabeledFormat covers the two headline formats, differing only in the
// trigger-price label.
func parseLabeledFormat(text, quote string, triggerRe *regexp.Regexp) (types.SignalIntent, bool) {
	head := reHeadline.FindStringSubmatch(text)
	if head == nil {
		return types.SignalIntent{}, false
	}

	mt := triggerRe.FindStringSubmatch(text)
	if mt == nil {
		return types.SignalIntent{}, false
	}
	trigger, ok := parseNum(mt[1])
	if !ok {
		return types.SignalIntent{}, false
	}

	tps := labeledTPs(text)
	if len(tps) == 0 {
		return types.SignalIntent{}, false
	}

	side := types.Buy
	if strings.EqualFold(head[2], "SHORT") {
		side = types.Sell
	}

	return types.SignalIntent{
		BaseAsset:  strings.ToUpper(head[1]),
		QuoteAsset: strings.ToUpper(quote),
		Side:       side,
		Trigger:    trigger,
		TPPrices:   tps,
		DCAPrices:  labeledDCAs(text),
		SLPrice:    labeledSL(text),
		RawText:    text,
	}, true
}

func parseTriggerFormat(text, quote string) (types.SignalIntent, bool) {
	return parseLabeledFormat(text, quote, reTrigger)
}

func parseEntryFormat(text, quote string) (types.SignalIntent, bool) {
	// Guard against the trigger format: if the text carries an explicit
	// trigger label, it belongs to the higher-precedence format.
	if reTrigger.MatchString(text) {
		return types.SignalIntent{}, false
	}
	return parseLabeledFormat(text, quote, reEntry)
}

// splitPriceList parses "a, b, c" lists in the compact format.
func splitPriceList(s string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if d, err := decimal.NewFromString(part); err == nil && d.Sign() > 0 {
			out = append(out, d)
		}
	}
	return out
}

func parseCompactFormat(text, quote string) (types.SignalIntent, bool) {
	m := reCompact.FindStringSubmatch(text)
	if m == nil {
		return types.SignalIntent{}, false
	}
	trigger, ok := parseNum(m[3])
	if !ok {
		return types.SignalIntent{}, false
	}

	var tps []decimal.Decimal
	if mt := reCompactTPs.FindStringSubmatch(text); mt != nil {
		tps = splitPriceList(mt[1])
	}
	if len(tps) == 0 {
		return types.SignalIntent{}, false
	}

	var dcas []decimal.Decimal
	if md := reCompactDCA.FindStringSubmatch(text); md != nil {
		dcas = splitPriceList(md[1])
	}

	sl := decimal.NullDecimal{}
	if ms := reCompactSL.FindStringSubmatch(text); ms != nil {
		if d, ok := parseNum(ms[1]); ok {
			sl = decimal.NullDecimal{Decimal: d, Valid: true}
		}
	}

	side := types.Buy
	if strings.EqualFold(m[1], "SHORT") {
		side = types.Sell
	}

	return types.SignalIntent{
		BaseAsset:  strings.ToUpper(m[2]),
		QuoteAsset: strings.ToUpper(quote),
		Side:       side,
		Trigger:    trigger,
		TPPrices:   tps,
		DCAPrices:  dcas,
		SLPrice:    sl,
		RawText:    text,
	}, true
}

// Fingerprint returns a short stable hash over the signal's salient fields,
// used for dedup across restarts.
func Fingerprint(intent types.SignalIntent) string {
	var sb strings.Builder
	sb.WriteString(intent.Symbol())
	sb.WriteByte('|')
	sb.WriteString(string(intent.Side))
	sb.WriteByte('|')
	sb.WriteString(intent.Trigger.String())
	for _, tp := range intent.TPPrices {
		sb.WriteByte('|')
		sb.WriteString(tp.String())
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:10]
}

// Status marker phrases, checked in priority order: a message that says both
// "cancelled" and "active" is a cancellation.
var statusMarkers = []struct {
	status  types.SignalStatus
	phrases []string
}{
	{types.SignalCancelled, []string{"CANCELLED", "CANCELED", "INVALIDATED", "SIGNAL REVOKED"}},
	{types.SignalClosed, []string{"CLOSED", "STOPPED OUT", "SL HIT", "STOP LOSS HIT"}},
	{types.SignalWin, []string{"ALL TPS HIT", "ALL TARGETS", "TRADE WON", "IN PROFIT", "WIN"}},
	{types.SignalBreakeven, []string{"BREAKEVEN", "BREAK EVEN", "MOVED TO BE", "SL -> BE"}},
	{types.SignalActive, []string{"AWAITING ENTRY", "WAITING FOR", "ACTIVE", "NEW SIGNAL"}},
}

// ClassifyStatus probes a message's current lifecycle state. Only active
// and unknown messages are eligible for a fresh entry; cancelled/closed on
// a tracked message revokes it.
func ClassifyStatus(text string) types.SignalStatus {
	upper := strings.ToUpper(text)
	for _, marker := range statusMarkers {
		for _, phrase := range marker.phrases {
			if strings.Contains(upper, phrase) {
				return marker.status
			}
		}
	}
	return types.SignalUnknown
}

// ParseUpdate re-extracts the latest SL/TP/DCA values from a previously
// matched message so the engine can reconcile amendments. Nil slices mean
// the message no longer exposes that vector, not that it was cleared.
func ParseUpdate(text string) types.SignalUpdate {
	text = strings.ReplaceAll(text, "*", "")
	upd := types.SignalUpdate{
		SLPrice:   labeledSL(text),
		TPPrices:  labeledTPs(text),
		DCAPrices: labeledDCAs(text),
	}
	if len(upd.TPPrices) == 0 {
		if mt := reCompactTPs.FindStringSubmatch(text); mt != nil {
			upd.TPPrices = splitPriceList(mt[1])
		}
	}
	if !upd.SLPrice.Valid {
		if ms := reCompactSL.FindStringSubmatch(text); ms != nil {
			if d, ok := parseNum(ms[1]); ok {
				upd.SLPrice = decimal.NullDecimal{Decimal: d, Valid: true}
			}
		}
	}
	return upd
}

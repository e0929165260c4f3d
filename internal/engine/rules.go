package engine

import (
	"context"
	"sync"
	"time"

	"signal-executor/pkg/types"
)

const rulesCacheTTL = 5 * time.Minute

// rulesCache memoizes per-symbol instrument rules. Read-many/write-rare;
// guarded by its own mutex so post-entry fan-out goroutines can share it.
type rulesCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]rulesEntry
}

type rulesEntry struct {
	rules   types.InstrumentRules
	fetched time.Time
}

// instrumentRules returns cached rules for the symbol, refreshing entries
// older than the TTL.
func (e *Engine) instrumentRules(ctx context.Context, symbol string) (types.InstrumentRules, error) {
	e.rules.mu.Lock()
	if entry, ok := e.rules.entries[symbol]; ok && e.now().Sub(entry.fetched) < e.rules.ttl {
		e.rules.mu.Unlock()
		return entry.rules, nil
	}
	e.rules.mu.Unlock()

	rules, err := e.venue.InstrumentRules(ctx, e.category, symbol)
	if err != nil {
		return types.InstrumentRules{}, err
	}

	e.rules.mu.Lock()
	if e.rules.entries == nil {
		e.rules.entries = make(map[string]rulesEntry)
	}
	e.rules.entries[symbol] = rulesEntry{rules: rules, fetched: e.now()}
	e.rules.mu.Unlock()
	return rules, nil
}

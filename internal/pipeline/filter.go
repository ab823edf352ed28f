package pipeline

import (
	"strings"

	"marketpulse/internal/model"
)

// SymbolFilter is an allow-list over (exchange, symbol) pairs, built once at
// startup from the union of per-exchange configured symbols. Pure and
// safe for concurrent use after construction.
type SymbolFilter struct {
	allowed map[string]struct{} // "EXCHANGE:SYMBOL"
}

// NewSymbolFilter builds the allow-list. Symbols are compared
// case-insensitively against the normalized (upper-cased) tick symbol.
func NewSymbolFilter(symbolsByExchange map[string][]string) *SymbolFilter {
	allowed := make(map[string]struct{})
	for exchange, symbols := range symbolsByExchange {
		for _, s := range symbols {
			allowed[exchange+":"+strings.ToUpper(s)] = struct{}{}
		}
	}
	return &SymbolFilter{allowed: allowed}
}

// IsAllowed reports whether the tick's symbol is configured for its exchange.
func (f *SymbolFilter) IsAllowed(t model.NormalizedTick) bool {
	_, ok := f.allowed[t.Exchange+":"+t.Symbol]
	return ok
}

// Size returns the number of allowed (exchange, symbol) pairs.
func (f *SymbolFilter) Size() int {
	return len(f.allowed)
}

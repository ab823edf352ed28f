package model

import "time"

// Instrument represents a tradable pair on one exchange.
// Unique by (Symbol, Exchange); ID is a stable integer assigned by storage.
type Instrument struct {
	ID            int64     `json:"id" db:"id"`
	Symbol        string    `json:"symbol" db:"symbol"`
	Exchange      string    `json:"exchange" db:"exchange"`
	BaseCurrency  string    `json:"base_currency" db:"base_currency"`
	QuoteCurrency string    `json:"quote_currency" db:"quote_currency"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Key returns a unique cache key for this instrument: "EXCHANGE:SYMBOL".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Symbol
}

// quoteCurrencies is ordered longest-first so suffix matching prefers
// USDT over USD and so on.
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC", "ETH", "BNB"}

// SplitSymbol derives base and quote currency from an upper-cased symbol.
// Longest known quote-currency suffix wins; symbols of length >= 6 with no
// known suffix fall back to a mid split. Short unknown symbols keep the whole
// symbol as base with an empty quote.
func SplitSymbol(symbol string) (base, quote string) {
	best := ""
	for _, q := range quoteCurrencies {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q && len(q) > len(best) {
			best = q
		}
	}
	if best != "" {
		return symbol[:len(symbol)-len(best)], best
	}
	if len(symbol) >= 6 {
		mid := len(symbol) / 2
		return symbol[:mid], symbol[mid:]
	}
	return symbol, ""
}

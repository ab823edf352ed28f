package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceType tags which kind of feed produced a tick.
type SourceType string

const (
	SourceStreaming SourceType = "streaming"
	SourcePolled    SourceType = "polled"
)

// RawTick represents a single trade as delivered by an exchange adapter.
// Symbols arrive in the exchange's native casing; the pipeline canonicalizes.
// Prices and volumes are exact decimals to avoid float drift.
type RawTick struct {
	Exchange   string          `json:"exchange"`
	Source     SourceType      `json:"source"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	Timestamp  time.Time       `json:"timestamp"`   // event time (UTC)
	ReceivedAt time.Time       `json:"received_at"` // ingress time (UTC)
}

// NormalizedTick is a RawTick with the symbol upper-cased and timestamps
// forced to UTC. Immutable after creation.
type NormalizedTick struct {
	Exchange   string          `json:"exchange"`
	Source     SourceType      `json:"source"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	Timestamp  time.Time       `json:"timestamp"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Normalize canonicalizes a raw tick: upper-case symbol, UTC timestamps.
func Normalize(t RawTick) NormalizedTick {
	return NormalizedTick{
		Exchange:   t.Exchange,
		Source:     t.Source,
		Symbol:     strings.ToUpper(t.Symbol),
		Price:      t.Price,
		Volume:     t.Volume,
		Timestamp:  t.Timestamp.UTC(),
		ReceivedAt: t.ReceivedAt.UTC(),
	}
}

// DedupKey returns the canonical identity of the trade event across
// source types: "{exchange}:{symbol}:{price}:{volume}:{RFC3339Nano}".
// Source and receive-time are deliberately excluded so the same trade
// reported by the streaming and polled feed of one exchange collapses.
func (t NormalizedTick) DedupKey() string {
	return t.Exchange + ":" + t.Symbol + ":" + t.Price.String() + ":" +
		t.Volume.String() + ":" + t.Timestamp.UTC().Format(time.RFC3339Nano)
}

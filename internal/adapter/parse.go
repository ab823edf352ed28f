package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

// jsonTick is the generic trade message shape:
//
//	{"symbol":"BTCUSDT","price":"50000.12","volume":"0.5","ts":1700000000000}
//
// Price and volume are decimal strings; ts is epoch milliseconds and falls
// back to receive time when absent.
type jsonTick struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Volume string `json:"volume"`
	TsMs   int64  `json:"ts"`
}

// ParseJSONTick parses the generic JSON trade format. Exchanges with a
// bespoke wire format supply their own ParseFunc instead.
func ParseJSONTick(data []byte) (model.RawTick, error) {
	var w jsonTick
	if err := json.Unmarshal(data, &w); err != nil {
		return model.RawTick{}, err
	}
	if w.Symbol == "" {
		return model.RawTick{}, fmt.Errorf("tick message missing symbol")
	}
	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		return model.RawTick{}, fmt.Errorf("bad price %q: %w", w.Price, err)
	}
	volume, err := decimal.NewFromString(w.Volume)
	if err != nil {
		return model.RawTick{}, fmt.Errorf("bad volume %q: %w", w.Volume, err)
	}

	now := time.Now().UTC()
	ts := now
	if w.TsMs > 0 {
		ts = time.UnixMilli(w.TsMs).UTC()
	}
	return model.RawTick{
		Symbol:     w.Symbol,
		Price:      price,
		Volume:     volume,
		Timestamp:  ts,
		ReceivedAt: now,
	}, nil
}

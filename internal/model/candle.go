package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents an OHLCV candle for one instrument and interval.
// Identity is (InstrumentID, Interval, OpenTime). Prices are exact decimals.
type Candle struct {
	InstrumentID int64           `json:"instrument_id" db:"instrument_id"`
	Interval     Interval        `json:"interval" db:"interval"`
	OpenTime     time.Time       `json:"open_time" db:"open_time"`
	CloseTime    time.Time       `json:"close_time" db:"close_time"`
	Open         decimal.Decimal `json:"open" db:"open"`
	High         decimal.Decimal `json:"high" db:"high"`
	Low          decimal.Decimal `json:"low" db:"low"`
	Close        decimal.Decimal `json:"close" db:"close"`
	Volume       decimal.Decimal `json:"volume" db:"volume"`
	TradesCount  int             `json:"trades_count" db:"trades_count"`
}

// NewCandle creates an empty candle for the given bucket.
// CloseTime is always OpenTime + interval.
func NewCandle(instrumentID int64, iv Interval, openTime time.Time) *Candle {
	return &Candle{
		InstrumentID: instrumentID,
		Interval:     iv,
		OpenTime:     openTime,
		CloseTime:    openTime.Add(iv.Duration()),
	}
}

// ApplyTick folds one trade into the candle. Open is set by the first tick,
// Close tracks the latest, Low uses the zero sentinel for "unset".
// Callers must serialize ApplyTick per candle.
func (c *Candle) ApplyTick(price, volume decimal.Decimal) {
	if c.TradesCount == 0 {
		c.Open = price
	}
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if c.Low.IsZero() || price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.Volume = c.Volume.Add(volume)
	c.TradesCount++
}

// Key returns a unique key for this candle: "{instrument_id}:{interval}:{open_unix}".
func (c *Candle) Key() string {
	return strconv.FormatInt(c.InstrumentID, 10) + ":" + string(c.Interval) + ":" +
		strconv.FormatInt(c.OpenTime.Unix(), 10)
}

package model

import (
	"fmt"
	"time"
)

// Interval is a candle timeframe, stored in its canonical short form.
type Interval string

const (
	IntervalOneMinute   Interval = "1m"
	IntervalFiveMinutes Interval = "5m"
	IntervalOneHour     Interval = "1h"
)

// DefaultIntervals is the set of candle timeframes built when none are configured.
var DefaultIntervals = []Interval{IntervalOneMinute, IntervalFiveMinutes, IntervalOneHour}

// Duration returns the interval length. Unknown intervals return 0.
func (iv Interval) Duration() time.Duration {
	switch iv {
	case IntervalOneMinute:
		return time.Minute
	case IntervalFiveMinutes:
		return 5 * time.Minute
	case IntervalOneHour:
		return time.Hour
	default:
		return 0
	}
}

// ParseInterval validates a short-form interval string.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if iv.Duration() == 0 {
		return "", fmt.Errorf("unknown candle interval %q", s)
	}
	return iv, nil
}

// OpenTime returns the candle bucket start for a tick timestamp:
// floor(ts / interval) * interval, in UTC.
func (iv Interval) OpenTime(ts time.Time) time.Time {
	secs := int64(iv.Duration() / time.Second)
	unix := ts.Unix()
	return time.Unix(unix-unix%secs, 0).UTC()
}

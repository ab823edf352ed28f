package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RuleKind identifies the evaluation strategy of an alert rule.
type RuleKind string

const (
	RulePriceAbove         RuleKind = "price_above"
	RulePriceBelow         RuleKind = "price_below"
	RulePriceChangePercent RuleKind = "price_change_percent"
	RuleVolumeSpike        RuleKind = "volume_spike"
	RuleVolatility         RuleKind = "volatility"
)

// defaultPeriodMinutes is applied to rolling rule kinds with no explicit period.
const defaultPeriodMinutes = 5

// AlertRule is a user-defined condition evaluated against every tick of its
// target instrument.
type AlertRule struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	InstrumentID  int64           `json:"instrument_id" db:"instrument_id"`
	Kind          RuleKind        `json:"kind" db:"kind"`
	Threshold     decimal.Decimal `json:"threshold" db:"threshold"`
	PeriodMinutes int             `json:"period_minutes" db:"period_minutes"`
	Active        bool            `json:"active" db:"active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Period returns the rolling-window length, defaulting to 5 minutes.
func (r *AlertRule) Period() time.Duration {
	m := r.PeriodMinutes
	if m <= 0 {
		m = defaultPeriodMinutes
	}
	return time.Duration(m) * time.Minute
}

// AlertHistory is an immutable record of a fired rule.
type AlertHistory struct {
	ID           uuid.UUID `json:"id" db:"id"`
	RuleID       uuid.UUID `json:"rule_id" db:"rule_id"`
	InstrumentID int64     `json:"instrument_id" db:"instrument_id"`
	Message      string    `json:"message" db:"message"`
	TriggeredAt  time.Time `json:"triggered_at" db:"triggered_at"`
}

package model

import "time"

// ExchangeStatus is a snapshot of one adapter's health, unique by
// (Exchange, Source). Owned by adapters and persisted by the status probe.
type ExchangeStatus struct {
	Exchange   string     `json:"exchange" db:"exchange"`
	Source     SourceType `json:"source" db:"source"`
	IsOnline   bool       `json:"is_online" db:"is_online"`
	LastTickAt time.Time  `json:"last_tick_at" db:"last_tick_at"`
	LastError  string     `json:"last_error" db:"last_error"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

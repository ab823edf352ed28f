package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"marketpulse/internal/model"
)

// AlertRuleRepo manages alert rules.
type AlertRuleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAlertRuleRepo creates a PostgreSQL alert rule repository.
func NewAlertRuleRepo(db *sqlx.DB, timeout time.Duration) *AlertRuleRepo {
	return &AlertRuleRepo{db: db, timeout: timeout}
}

// GetAllActive returns all rules with the active flag set.
func (r *AlertRuleRepo) GetAllActive(ctx context.Context) ([]model.AlertRule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rules []model.AlertRule
	err := r.db.SelectContext(ctx, &rules, `
		SELECT id, name, instrument_id, kind, threshold, period_minutes, active, created_at
		FROM alert_rules WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("alert rules select active: %w", err)
	}
	return rules, nil
}

// GetByID returns a single rule.
func (r *AlertRuleRepo) GetByID(ctx context.Context, id string) (model.AlertRule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rule model.AlertRule
	err := r.db.GetContext(ctx, &rule, `
		SELECT id, name, instrument_id, kind, threshold, period_minutes, active, created_at
		FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("alert rule get %s: %w", id, err)
	}
	return rule, nil
}

// Create inserts a new rule.
func (r *AlertRuleRepo) Create(ctx context.Context, rule model.AlertRule) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, name, instrument_id, kind, threshold, period_minutes, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rule.ID, rule.Name, rule.InstrumentID, rule.Kind,
		rule.Threshold, rule.PeriodMinutes, rule.Active, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("alert rule create: %w", err)
	}
	return nil
}

// Update replaces a rule's mutable fields.
func (r *AlertRuleRepo) Update(ctx context.Context, rule model.AlertRule) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE alert_rules
		SET name = $2, instrument_id = $3, kind = $4, threshold = $5,
		    period_minutes = $6, active = $7
		WHERE id = $1`,
		rule.ID, rule.Name, rule.InstrumentID, rule.Kind,
		rule.Threshold, rule.PeriodMinutes, rule.Active)
	if err != nil {
		return fmt.Errorf("alert rule update %s: %w", rule.ID, err)
	}
	return nil
}

// Delete removes a rule.
func (r *AlertRuleRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("alert rule delete %s: %w", id, err)
	}
	return nil
}

// AlertHistoryRepo appends and reads immutable alert firings.
type AlertHistoryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAlertHistoryRepo creates a PostgreSQL alert history repository.
func NewAlertHistoryRepo(db *sqlx.DB, timeout time.Duration) *AlertHistoryRepo {
	return &AlertHistoryRepo{db: db, timeout: timeout}
}

// Add appends one history row.
func (r *AlertHistoryRepo) Add(ctx context.Context, h model.AlertHistory) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_histories (id, rule_id, instrument_id, message, triggered_at)
		VALUES ($1, $2, $3, $4, $5)`,
		h.ID, h.RuleID, h.InstrumentID, h.Message, h.TriggeredAt)
	if err != nil {
		return fmt.Errorf("alert history add: %w", err)
	}
	return nil
}

// Get returns history rows within [from, to], newest first.
func (r *AlertHistoryRepo) Get(ctx context.Context, from, to time.Time, limit int) ([]model.AlertHistory, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []model.AlertHistory
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, rule_id, instrument_id, message, triggered_at
		FROM alert_histories
		WHERE triggered_at >= $1 AND triggered_at <= $2
		ORDER BY triggered_at DESC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("alert history get: %w", err)
	}
	return rows, nil
}

// Package alert evaluates user-defined rules against the admitted tick
// stream and delivers cooldown-gated notifications.
package alert

import (
	"fmt"

	"marketpulse/internal/model"
)

// Evaluator decides whether a tick triggers a rule. Rolling evaluators hold
// per-symbol sliding windows; each evaluator owns its own state.
type Evaluator interface {
	Name() string

	// CanEvaluate reports whether this evaluator handles the rule's kind.
	CanEvaluate(rule model.AlertRule) bool

	// Evaluate applies the tick to the rule. When triggered, the returned
	// message names the symbol and the measured quantity; it becomes the
	// history row and the notification body.
	Evaluate(rule model.AlertRule, t model.NormalizedTick) (bool, string)
}

// ThresholdEvaluator handles PriceAbove and PriceBelow. Stateless; equality
// never triggers.
type ThresholdEvaluator struct{}

// NewThresholdEvaluator creates the price threshold evaluator.
func NewThresholdEvaluator() *ThresholdEvaluator { return &ThresholdEvaluator{} }

func (e *ThresholdEvaluator) Name() string { return "price-threshold" }

func (e *ThresholdEvaluator) CanEvaluate(rule model.AlertRule) bool {
	return rule.Kind == model.RulePriceAbove || rule.Kind == model.RulePriceBelow
}

func (e *ThresholdEvaluator) Evaluate(rule model.AlertRule, t model.NormalizedTick) (bool, string) {
	switch rule.Kind {
	case model.RulePriceAbove:
		if t.Price.GreaterThan(rule.Threshold) {
			return true, fmt.Sprintf("%s price %s crossed above %s",
				t.Symbol, t.Price, rule.Threshold)
		}
	case model.RulePriceBelow:
		if t.Price.LessThan(rule.Threshold) {
			return true, fmt.Sprintf("%s price %s dropped below %s",
				t.Symbol, t.Price, rule.Threshold)
		}
	}
	return false, ""
}

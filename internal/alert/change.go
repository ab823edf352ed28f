package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

// changeWindow holds the rolling baseline for one symbol.
type changeWindow struct {
	mu          sync.Mutex
	firstPrice  decimal.Decimal
	periodStart time.Time
	primed      bool
}

// PriceChangeEvaluator triggers when the absolute percent move from the
// period baseline exceeds the threshold. The baseline resets when the period
// expires; it is NOT reset on trigger — cooldown gating belongs to the engine.
type PriceChangeEvaluator struct {
	states sync.Map // symbol -> *changeWindow
}

// NewPriceChangeEvaluator creates the rolling percent-change evaluator.
func NewPriceChangeEvaluator() *PriceChangeEvaluator { return &PriceChangeEvaluator{} }

func (e *PriceChangeEvaluator) Name() string { return "price-change-percent" }

func (e *PriceChangeEvaluator) CanEvaluate(rule model.AlertRule) bool {
	return rule.Kind == model.RulePriceChangePercent
}

func (e *PriceChangeEvaluator) Evaluate(rule model.AlertRule, t model.NormalizedTick) (bool, string) {
	v, _ := e.states.LoadOrStore(t.Symbol, &changeWindow{})
	w := v.(*changeWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.primed {
		w.firstPrice = t.Price
		w.periodStart = t.Timestamp
		w.primed = true
		return false, ""
	}

	if t.Timestamp.Sub(w.periodStart) > rule.Period() {
		// Period expired: the new tick becomes the baseline, no trigger.
		w.firstPrice = t.Price
		w.periodStart = t.Timestamp
		return false, ""
	}

	if !w.firstPrice.IsPositive() {
		return false, ""
	}

	change := t.Price.Sub(w.firstPrice).Div(w.firstPrice).Mul(decimal.NewFromInt(100))
	if change.Abs().GreaterThan(rule.Threshold) {
		return true, fmt.Sprintf("%s moved %s%% over %s (from %s to %s)",
			t.Symbol, change.StringFixed(2), rule.Period(), w.firstPrice, t.Price)
	}
	return false, ""
}

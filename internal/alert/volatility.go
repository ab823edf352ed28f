package alert

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

type priceEntry struct {
	ts    time.Time
	price decimal.Decimal
}

// priceWindow is a per-symbol FIFO of recent (timestamp, price) pairs.
type priceWindow struct {
	mu      sync.Mutex
	entries []priceEntry
}

// VolatilityEvaluator triggers when the population standard deviation of
// percent returns over the rolling window exceeds the threshold. Returns
// whose previous price is zero are skipped rather than crashing evaluation.
type VolatilityEvaluator struct {
	windows sync.Map // symbol -> *priceWindow
}

// NewVolatilityEvaluator creates the rolling volatility evaluator.
func NewVolatilityEvaluator() *VolatilityEvaluator { return &VolatilityEvaluator{} }

func (e *VolatilityEvaluator) Name() string { return "volatility" }

func (e *VolatilityEvaluator) CanEvaluate(rule model.AlertRule) bool {
	return rule.Kind == model.RuleVolatility
}

func (e *VolatilityEvaluator) Evaluate(rule model.AlertRule, t model.NormalizedTick) (bool, string) {
	v, _ := e.windows.LoadOrStore(t.Symbol, &priceWindow{})
	w := v.(*priceWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, priceEntry{ts: t.Timestamp, price: t.Price})
	cutoff := t.Timestamp.Add(-rule.Period())
	kept := w.entries[:0]
	for _, entry := range w.entries {
		if !entry.ts.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	w.entries = kept

	if len(w.entries) < 3 {
		return false, ""
	}

	vol, ok := populationStdDev(w.entries)
	if !ok {
		return false, ""
	}

	threshold, _ := rule.Threshold.Float64()
	if vol > threshold {
		return true, fmt.Sprintf("%s volatility %.2f%% over %s exceeded %s",
			t.Symbol, vol, rule.Period(), rule.Threshold)
	}
	return false, ""
}

// populationStdDev computes the population standard deviation of percent
// returns r_i = (p_i − p_{i−1}) / p_{i−1} × 100. Pairs with a zero previous
// price are skipped. Returns ok=false when no returns survive.
func populationStdDev(entries []priceEntry) (float64, bool) {
	returns := make([]float64, 0, len(entries)-1)
	for i := 1; i < len(entries); i++ {
		prev := entries[i-1].price
		if prev.IsZero() {
			continue
		}
		r := entries[i].price.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100))
		f, _ := r.Float64()
		returns = append(returns, f)
	}
	if len(returns) == 0 {
		return 0, false
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance), true
}

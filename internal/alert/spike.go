package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

type volumeEntry struct {
	ts     time.Time
	volume decimal.Decimal
}

// volumeWindow is a per-symbol FIFO of recent (timestamp, volume) pairs.
type volumeWindow struct {
	mu      sync.Mutex
	entries []volumeEntry
}

// VolumeSpikeEvaluator triggers when the current tick's volume exceeds the
// rolling average of the preceding entries by more than the threshold ratio.
// Strict inequality: ratio == threshold does not trigger.
type VolumeSpikeEvaluator struct {
	windows sync.Map // symbol -> *volumeWindow
}

// NewVolumeSpikeEvaluator creates the rolling volume-spike evaluator.
func NewVolumeSpikeEvaluator() *VolumeSpikeEvaluator { return &VolumeSpikeEvaluator{} }

func (e *VolumeSpikeEvaluator) Name() string { return "volume-spike" }

func (e *VolumeSpikeEvaluator) CanEvaluate(rule model.AlertRule) bool {
	return rule.Kind == model.RuleVolumeSpike
}

func (e *VolumeSpikeEvaluator) Evaluate(rule model.AlertRule, t model.NormalizedTick) (bool, string) {
	v, _ := e.windows.LoadOrStore(t.Symbol, &volumeWindow{})
	w := v.(*volumeWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, volumeEntry{ts: t.Timestamp, volume: t.Volume})
	w.entries = evictVolumeEntries(w.entries, t.Timestamp.Add(-rule.Period()))

	if len(w.entries) < 2 {
		return false, ""
	}

	// Average over all entries except the current one.
	sum := decimal.Zero
	for _, entry := range w.entries[:len(w.entries)-1] {
		sum = sum.Add(entry.volume)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(w.entries) - 1)))
	if avg.IsZero() {
		return false, ""
	}

	ratio := t.Volume.Div(avg)
	if ratio.GreaterThan(rule.Threshold) {
		return true, fmt.Sprintf("%s volume %s is %sx the %s average",
			t.Symbol, t.Volume, ratio.StringFixed(2), rule.Period())
	}
	return false, ""
}

// evictVolumeEntries drops entries strictly older than the cutoff, preserving order.
func evictVolumeEntries(entries []volumeEntry, cutoff time.Time) []volumeEntry {
	kept := entries[:0]
	for _, e := range entries {
		if !e.ts.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

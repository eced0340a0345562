// Package settings resolves effective risk configuration for one
// (account, instrument) pair by merging override layers field by field:
// instrument override > account global override > static baseline for the
// instrument class > hard-coded defaults. Resolution is total: missing or
// invalid persisted data falls back, never fails.
package settings

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Multi-TP stop-loss strategies. Only "fixed" affects derivation; "custom"
// per-level stops are driven by the settings UI, which is outside this
// service.
const (
	SLStrategyFixed  = "fixed"
	SLStrategyCustom = "custom"
)

// Level is one multi-TP level: close VolumePct percent of the position
// when price moves LevelPct percent past the average price.
type Level struct {
	LevelPct  decimal.Decimal `json:"level_pct" yaml:"level_pct"`
	VolumePct decimal.Decimal `json:"volume_pct" yaml:"volume_pct"`
}

// Effective is the fully resolved risk configuration for one
// (account, instrument) pair.
type Effective struct {
	StopLossPct     decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct   decimal.Decimal `json:"take_profit_pct"`
	SLActivationPct decimal.Decimal `json:"sl_activation_pct"` // zero = no activation offset
	TPActivationPct decimal.Decimal `json:"tp_activation_pct"` // zero = no activation offset
	MultiTPEnabled  bool            `json:"multi_tp_enabled"`
	MultiTPLevels   []Level         `json:"multi_tp_levels,omitempty"`
	MultiTPSL       string          `json:"multi_tp_sl_strategy"`
}

// Layer is one partial settings record. Nil fields inherit from the next
// layer down.
type Layer struct {
	StopLossPct     *decimal.Decimal `json:"stop_loss_pct,omitempty" yaml:"stop_loss_pct"`
	TakeProfitPct   *decimal.Decimal `json:"take_profit_pct,omitempty" yaml:"take_profit_pct"`
	SLActivationPct *decimal.Decimal `json:"sl_activation_pct,omitempty" yaml:"sl_activation_pct"`
	TPActivationPct *decimal.Decimal `json:"tp_activation_pct,omitempty" yaml:"tp_activation_pct"`
	MultiTPEnabled  *bool            `json:"multi_tp_enabled,omitempty" yaml:"multi_tp_enabled"`
	MultiTPLevels   []Level          `json:"multi_tp_levels,omitempty" yaml:"multi_tp_levels"`
	MultiTPSL       *string          `json:"multi_tp_sl_strategy,omitempty" yaml:"multi_tp_sl_strategy"`
}

// Defaults returns the hard-coded bottom layer.
func Defaults() Effective {
	return Effective{
		StopLossPct:   decimal.NewFromFloat(0.4),
		TakeProfitPct: decimal.NewFromFloat(1.0),
		MultiTPSL:     SLStrategyFixed,
	}
}

// ValidateLevels checks a multi-TP level set: non-empty, level_pct strictly
// increasing, every volume_pct > 0, and volume_pct summing to exactly 100.
func ValidateLevels(levels []Level) error {
	if len(levels) == 0 {
		return fmt.Errorf("settings: empty multi-TP level set")
	}
	sum := decimal.Zero
	hundred := decimal.NewFromInt(100)
	for i, lv := range levels {
		if lv.VolumePct.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("settings: level %d volume_pct %s is not positive", i+1, lv.VolumePct)
		}
		if i > 0 && lv.LevelPct.LessThanOrEqual(levels[i-1].LevelPct) {
			return fmt.Errorf("settings: level_pct not strictly increasing at level %d", i+1)
		}
		sum = sum.Add(lv.VolumePct)
	}
	if !sum.Equal(hundred) {
		return fmt.Errorf("settings: volume_pct sums to %s, want 100", sum)
	}
	return nil
}

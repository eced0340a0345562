// Package risk derives the desired protective-order set for a position
// from its resolved settings. Pure: no I/O, no mutation. The reconciler
// turns the result into broker operations.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/protect-engine/internal/model"
	"github.com/atmx/protect-engine/internal/settings"
)

var hundred = decimal.NewFromInt(100)

// DeriveDesiredOrders computes the desired protective orders for pos.
// A FLAT position yields an empty set, the reconciler's signal to cancel
// everything. Prices are quantized to the instrument's price step, rounded
// away from the average price so the protection is never tighter than
// configured. Quantities are floored to whole lots; the last multi-TP
// level absorbs the rounding remainder so level quantities sum to the
// position quantity exactly.
func DeriveDesiredOrders(pos model.Position, eff settings.Effective, meta model.InstrumentMeta) map[string]model.ProtectiveOrderSpec {
	desired := make(map[string]model.ProtectiveOrderSpec)
	if !pos.Open() {
		return desired
	}

	closeSide := model.Sell
	if pos.Direction == model.Short {
		closeSide = model.Buy
	}

	sl := model.ProtectiveOrderSpec{
		Slot:     model.SlotStopLoss,
		Side:     closeSide,
		Price:    protectivePrice(pos, eff.StopLossPct, meta.PriceStep, false),
		Quantity: pos.Quantity,
	}
	if eff.SLActivationPct.IsPositive() {
		sl.ActivationPrice = protectivePrice(pos, eff.SLActivationPct, meta.PriceStep, false)
	}
	desired[model.SlotStopLoss] = sl

	if !eff.MultiTPEnabled {
		tp := model.ProtectiveOrderSpec{
			Slot:     model.SlotTakeProfit,
			Side:     closeSide,
			Price:    protectivePrice(pos, eff.TakeProfitPct, meta.PriceStep, true),
			Quantity: pos.Quantity,
		}
		if eff.TPActivationPct.IsPositive() {
			tp.ActivationPrice = protectivePrice(pos, eff.TPActivationPct, meta.PriceStep, true)
		}
		desired[model.SlotTakeProfit] = tp
		return desired
	}

	// Multi-TP: one slot per level, quantities floored to whole lots,
	// remainder folded into the last level so nothing is over-allocated.
	allocated := int64(0)
	for i, level := range eff.MultiTPLevels {
		slot := model.TPSlot(i + 1)
		var qty int64
		if i == len(eff.MultiTPLevels)-1 {
			qty = pos.Quantity - allocated
		} else {
			qty = floorLots(pos.Quantity, level.VolumePct, meta.LotSize)
			allocated += qty
		}
		if qty <= 0 {
			// Flooring can empty a level; drop the slot rather than place
			// a zero-quantity order.
			continue
		}
		desired[slot] = model.ProtectiveOrderSpec{
			Slot:     slot,
			Side:     closeSide,
			Price:    protectivePrice(pos, level.LevelPct, meta.PriceStep, true),
			Quantity: qty,
		}
	}

	return desired
}

// protectivePrice computes avg ± avg*pct/100 and quantizes it away from
// the average price. profit=true places the level on the profit side of
// the position (above for LONG, below for SHORT); profit=false the loss
// side.
func protectivePrice(pos model.Position, pct, step decimal.Decimal, profit bool) decimal.Decimal {
	offset := pos.AveragePrice.Mul(pct).Div(hundred)

	up := profit == (pos.Direction == model.Long)
	var raw decimal.Decimal
	if up {
		raw = pos.AveragePrice.Add(offset)
	} else {
		raw = pos.AveragePrice.Sub(offset)
	}
	return roundToStep(raw, step, up)
}

// roundToStep quantizes price to a multiple of step. When up is true the
// price rounds to the next step at or above; otherwise to the step at or
// below. Rounding direction matches the side of the average price, so the
// quantized level is never tighter than the configured distance.
func roundToStep(price, step decimal.Decimal, up bool) decimal.Decimal {
	if step.IsZero() {
		return price
	}
	steps := price.Div(step)
	if up {
		return steps.Ceil().Mul(step)
	}
	return steps.Floor().Mul(step)
}

// floorLots returns floor(quantity * volumePct / 100) floored further to a
// whole multiple of lotSize.
func floorLots(quantity int64, volumePct decimal.Decimal, lotSize int64) int64 {
	if lotSize <= 0 {
		lotSize = 1
	}
	raw := decimal.NewFromInt(quantity).Mul(volumePct).Div(hundred).Floor().IntPart()
	return raw - raw%lotSize
}

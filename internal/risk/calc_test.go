package risk_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/protect-engine/internal/model"
	"github.com/atmx/protect-engine/internal/risk"
	"github.com/atmx/protect-engine/internal/settings"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func longPosition(qty int64, avg float64) model.Position {
	return model.Position{
		AccountID:    "acc",
		InstrumentID: "INST",
		Direction:    model.Long,
		Quantity:     qty,
		AveragePrice: d(avg),
	}
}

func meta(step float64, lot int64) model.InstrumentMeta {
	return model.InstrumentMeta{
		InstrumentID: "INST",
		Class:        model.Equity,
		PriceStep:    d(step),
		LotSize:      lot,
	}
}

func TestDerive_SingleSLTP_Long(t *testing.T) {
	// 100 units at 100.0, sl 2%, tp 5% ⇒ SL 98.0 / TP 105.0, full quantity.
	eff := settings.Defaults()
	eff.StopLossPct = d(2)
	eff.TakeProfitPct = d(5)

	desired := risk.DeriveDesiredOrders(longPosition(100, 100.0), eff, meta(0.1, 1))

	if len(desired) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(desired))
	}
	sl := desired[model.SlotStopLoss]
	if !sl.Price.Equal(d(98.0)) || sl.Quantity != 100 || sl.Side != model.Sell {
		t.Errorf("SL = %+v, want price 98.0 qty 100 SELL", sl)
	}
	tp := desired[model.SlotTakeProfit]
	if !tp.Price.Equal(d(105.0)) || tp.Quantity != 100 || tp.Side != model.Sell {
		t.Errorf("TP = %+v, want price 105.0 qty 100 SELL", tp)
	}
}

func TestDerive_SingleSLTP_Short(t *testing.T) {
	pos := longPosition(50, 200.0)
	pos.Direction = model.Short
	eff := settings.Defaults()
	eff.StopLossPct = d(2)
	eff.TakeProfitPct = d(5)

	desired := risk.DeriveDesiredOrders(pos, eff, meta(0.5, 1))

	sl := desired[model.SlotStopLoss]
	if !sl.Price.Equal(d(204.0)) || sl.Side != model.Buy {
		t.Errorf("short SL = %+v, want price 204.0 BUY", sl)
	}
	tp := desired[model.SlotTakeProfit]
	if !tp.Price.Equal(d(190.0)) || tp.Side != model.Buy {
		t.Errorf("short TP = %+v, want price 190.0 BUY", tp)
	}
}

func TestDerive_Flat_EmptySet(t *testing.T) {
	pos := model.Position{AccountID: "acc", InstrumentID: "INST", Direction: model.Flat}
	desired := risk.DeriveDesiredOrders(pos, settings.Defaults(), meta(0.1, 1))
	if len(desired) != 0 {
		t.Errorf("flat position must yield an empty desired set, got %v", desired)
	}
}

func TestDerive_MultiTP_Levels(t *testing.T) {
	// Levels [{1%,25%},{2%,25%},{3%,50%}] on 100@100.0 ⇒ TP slots at
	// 101.0/25, 102.0/25, 103.0/50; SL unchanged at 98.0.
	eff := settings.Defaults()
	eff.StopLossPct = d(2)
	eff.MultiTPEnabled = true
	eff.MultiTPLevels = []settings.Level{
		{LevelPct: d(1), VolumePct: d(25)},
		{LevelPct: d(2), VolumePct: d(25)},
		{LevelPct: d(3), VolumePct: d(50)},
	}

	desired := risk.DeriveDesiredOrders(longPosition(100, 100.0), eff, meta(0.1, 1))

	if len(desired) != 4 {
		t.Fatalf("expected SL + 3 TP slots, got %d: %v", len(desired), desired)
	}
	if sl := desired[model.SlotStopLoss]; !sl.Price.Equal(d(98.0)) || sl.Quantity != 100 {
		t.Errorf("SL = %+v, want 98.0 qty 100", sl)
	}

	want := []struct {
		slot  string
		price float64
		qty   int64
	}{
		{"TP_1", 101.0, 25},
		{"TP_2", 102.0, 25},
		{"TP_3", 103.0, 50},
	}
	for _, w := range want {
		got, ok := desired[w.slot]
		if !ok {
			t.Fatalf("missing slot %s", w.slot)
		}
		if !got.Price.Equal(d(w.price)) || got.Quantity != w.qty {
			t.Errorf("%s = price %s qty %d, want %v qty %d", w.slot, got.Price, got.Quantity, w.price, w.qty)
		}
	}
}

func TestDerive_MultiTP_QuantityConservation(t *testing.T) {
	// Awkward volume splits must still sum to the position quantity.
	tests := []struct {
		name string
		qty  int64
		lot  int64
		vols []float64
	}{
		{"thirds", 100, 1, []float64{33.33, 33.33, 33.34}},
		{"lot 10", 70, 10, []float64{25, 25, 50}},
		{"tiny position", 3, 1, []float64{25, 25, 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff := settings.Defaults()
			eff.MultiTPEnabled = true
			for i, v := range tt.vols {
				eff.MultiTPLevels = append(eff.MultiTPLevels, settings.Level{
					LevelPct:  d(float64(i + 1)),
					VolumePct: d(v),
				})
			}

			desired := risk.DeriveDesiredOrders(longPosition(tt.qty, 100.0), eff, meta(0.1, tt.lot))

			var sum int64
			for slot, spec := range desired {
				if slot == model.SlotStopLoss {
					continue
				}
				if spec.Quantity <= 0 {
					t.Errorf("slot %s has non-positive quantity %d", slot, spec.Quantity)
				}
				sum += spec.Quantity
			}
			if sum != tt.qty {
				t.Errorf("TP quantities sum to %d, want %d", sum, tt.qty)
			}
		})
	}
}

func TestDerive_MultiTP_ZeroQuantityLevelDropped(t *testing.T) {
	// 10% of 5 units floors to 0; the slot is dropped, not placed at 0.
	eff := settings.Defaults()
	eff.MultiTPEnabled = true
	eff.MultiTPLevels = []settings.Level{
		{LevelPct: d(1), VolumePct: d(10)},
		{LevelPct: d(2), VolumePct: d(90)},
	}

	desired := risk.DeriveDesiredOrders(longPosition(5, 100.0), eff, meta(0.1, 1))

	if _, ok := desired["TP_1"]; ok {
		t.Error("TP_1 floors to zero quantity and must be dropped")
	}
	if got := desired["TP_2"].Quantity; got != 5 {
		t.Errorf("TP_2 should absorb the full 5 units, got %d", got)
	}
}

func TestDerive_ConservativeRounding(t *testing.T) {
	// With step 0.5, LONG SL 2% of 101.0 is 98.98 → rounds DOWN to 98.5
	// (never tighter); TP 5% is 106.05 → rounds UP to 106.5.
	eff := settings.Defaults()
	eff.StopLossPct = d(2)
	eff.TakeProfitPct = d(5)

	desired := risk.DeriveDesiredOrders(longPosition(10, 101.0), eff, meta(0.5, 1))

	if sl := desired[model.SlotStopLoss]; !sl.Price.Equal(d(98.5)) {
		t.Errorf("SL = %s, want 98.5", sl.Price)
	}
	if tp := desired[model.SlotTakeProfit]; !tp.Price.Equal(d(106.5)) {
		t.Errorf("TP = %s, want 106.5", tp.Price)
	}
}

func TestDerive_ActivationPrices(t *testing.T) {
	eff := settings.Defaults()
	eff.StopLossPct = d(4)
	eff.SLActivationPct = d(2)

	desired := risk.DeriveDesiredOrders(longPosition(10, 100.0), eff, meta(0.1, 1))

	sl := desired[model.SlotStopLoss]
	if !sl.ActivationPrice.Equal(d(98.0)) {
		t.Errorf("SL activation = %s, want 98.0", sl.ActivationPrice)
	}
	if !sl.Price.Equal(d(96.0)) {
		t.Errorf("SL price = %s, want 96.0", sl.Price)
	}
	if tp := desired[model.SlotTakeProfit]; !tp.ActivationPrice.IsZero() {
		t.Errorf("TP activation should be unset, got %s", tp.ActivationPrice)
	}
}

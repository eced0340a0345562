package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/protect-engine/internal/broker"
	"github.com/atmx/protect-engine/internal/model"
	"github.com/atmx/protect-engine/internal/notify"
	"github.com/atmx/protect-engine/internal/store"
)

func newTestReconciler(sim *broker.Sim) *Reconciler {
	r := New(sim, store.NewMemoryStore(), notify.Discard)
	r.RetryDelay = time.Millisecond
	return r
}

func testPosition() model.Position {
	return model.Position{
		AccountID:    "acc-1",
		InstrumentID: "SBER",
		Direction:    model.Long,
		Quantity:     100,
		AveragePrice: decimal.NewFromInt(100),
		UpdatedAt:    time.Now().UTC(),
	}
}

func spec(slot string, side model.Side, price string, qty int64) model.ProtectiveOrderSpec {
	return model.ProtectiveOrderSpec{
		Slot:     slot,
		Side:     side,
		Price:    decimal.RequireFromString(price),
		Quantity: qty,
	}
}

func TestReconcilePlacesMissingOrders(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)

	desired := map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss:   spec(model.SlotStopLoss, model.Sell, "98", 100),
		model.SlotTakeProfit: spec(model.SlotTakeProfit, model.Sell, "105", 100),
	}

	working, err := r.Reconcile(context.Background(), testPosition(), desired, nil)
	require.NoError(t, err)
	require.Len(t, working, 2)
	require.Len(t, sim.LiveOrders("acc-1"), 2)

	bySlot := map[string]model.WorkingOrder{}
	for _, o := range working {
		bySlot[o.Slot] = o
	}
	require.True(t, bySlot[model.SlotStopLoss].Price.Equal(decimal.NewFromInt(98)))
	require.True(t, bySlot[model.SlotTakeProfit].Price.Equal(decimal.NewFromInt(105)))
}

func TestReconcileReplacesOnActivationPriceChange(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)

	withAct := func(price, activation string) map[string]model.ProtectiveOrderSpec {
		sl := spec(model.SlotStopLoss, model.Sell, price, 100)
		sl.ActivationPrice = decimal.RequireFromString(activation)
		return map[string]model.ProtectiveOrderSpec{model.SlotStopLoss: sl}
	}

	working, err := r.Reconcile(context.Background(), testPosition(), withAct("98", "98.5"), nil)
	require.NoError(t, err)
	require.Len(t, working, 1)
	firstID := working[0].OrderID
	require.True(t, working[0].ActivationPrice.Equal(decimal.RequireFromString("98.5")))

	// Same limit price, same activation: nothing to do.
	working, err = r.Reconcile(context.Background(), testPosition(), withAct("98", "98.5"), working)
	require.NoError(t, err)
	require.Equal(t, firstID, working[0].OrderID)

	// Only the activation moved. The stale trigger must not survive.
	working, err = r.Reconcile(context.Background(), testPosition(), withAct("98", "99"), working)
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.NotEqual(t, firstID, working[0].OrderID)
	require.True(t, working[0].ActivationPrice.Equal(decimal.RequireFromString("99")))
	require.Len(t, sim.LiveOrders("acc-1"), 1)
}

func TestReconcileNoOpWhenMatched(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)
	desired := map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
	}

	working, err := r.Reconcile(context.Background(), testPosition(), desired, nil)
	require.NoError(t, err)
	require.Len(t, sim.LiveOrders("acc-1"), 1)
	firstID := working[0].OrderID

	// Second pass with the same desired set must not touch the broker.
	working, err = r.Reconcile(context.Background(), testPosition(), desired, working)
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.Equal(t, firstID, working[0].OrderID)
	require.Len(t, sim.LiveOrders("acc-1"), 1)
}

func TestReconcileToleratesOneStepDrift(t *testing.T) {
	sim := broker.NewSim()
	sim.SetMeta(model.InstrumentMeta{
		InstrumentID: "SBER",
		Class:        model.Equity,
		PriceStep:    decimal.RequireFromString("0.5"),
		LotSize:      10,
	})
	r := newTestReconciler(sim)

	working, err := r.Reconcile(context.Background(), testPosition(), map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
	}, nil)
	require.NoError(t, err)
	firstID := working[0].OrderID

	// Desired moved by exactly one step: within tolerance, keep the order.
	working, err = r.Reconcile(context.Background(), testPosition(), map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98.5", 100),
	}, working)
	require.NoError(t, err)
	require.Equal(t, firstID, working[0].OrderID)

	// Two steps away: replace.
	working, err = r.Reconcile(context.Background(), testPosition(), map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "99", 100),
	}, working)
	require.NoError(t, err)
	require.NotEqual(t, firstID, working[0].OrderID)
	require.Len(t, sim.LiveOrders("acc-1"), 1)
}

func TestReconcileQuantityChangeReplaces(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)
	desired := map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
	}
	working, err := r.Reconcile(context.Background(), testPosition(), desired, nil)
	require.NoError(t, err)
	firstID := working[0].OrderID

	desired[model.SlotStopLoss] = spec(model.SlotStopLoss, model.Sell, "98", 150)
	working, err = r.Reconcile(context.Background(), testPosition(), desired, working)
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.NotEqual(t, firstID, working[0].OrderID)
	require.EqualValues(t, 150, working[0].Quantity)

	live := sim.LiveOrders("acc-1")
	require.Len(t, live, 1, "stale order must be cancelled, never doubled")
}

func TestReconcileFlatCancelsEverything(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)
	desired := map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss:   spec(model.SlotStopLoss, model.Sell, "98", 100),
		model.SlotTakeProfit: spec(model.SlotTakeProfit, model.Sell, "105", 100),
	}
	working, err := r.Reconcile(context.Background(), testPosition(), desired, nil)
	require.NoError(t, err)
	require.Len(t, working, 2)

	working, err = r.Reconcile(context.Background(), testPosition(), nil, working)
	require.NoError(t, err)
	require.Empty(t, working)
	require.Empty(t, sim.LiveOrders("acc-1"))
}

func TestReconcileSkipsDeadWorkingEntries(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)
	desired := map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
	}
	working, err := r.Reconcile(context.Background(), testPosition(), desired, nil)
	require.NoError(t, err)

	// The broker filled the stop; our cached view is stale.
	sim.MarkFilled(working[0].OrderID)
	working[0].Status = model.StatusFilled

	working, err = r.Reconcile(context.Background(), testPosition(), desired, working)
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.Equal(t, model.StatusNew, working[0].Status)
	require.Len(t, sim.LiveOrders("acc-1"), 1)
}

func TestReconcileRetriesThenSucceeds(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)
	sim.FailNextPlaces(2, errors.New("gateway busy"))

	working, err := r.Reconcile(context.Background(), testPosition(), map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
	}, nil)
	require.NoError(t, err)
	require.Len(t, working, 1)
}

func TestReconcileRetryBudgetExhausted(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)
	sim.FailNextPlaces(3, errors.New("gateway busy"))

	working, err := r.Reconcile(context.Background(), testPosition(), map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
	}, nil)
	require.Error(t, err)
	require.Empty(t, working)
	require.Empty(t, sim.LiveOrders("acc-1"))

	// A later pass converges once the broker recovers.
	working, err = r.Reconcile(context.Background(), testPosition(), map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
	}, working)
	require.NoError(t, err)
	require.Len(t, working, 1)
}

func TestReconcileCancelOfGoneOrderSucceeds(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)
	desired := map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
	}
	working, err := r.Reconcile(context.Background(), testPosition(), desired, nil)
	require.NoError(t, err)

	// Order filled at the broker, but our view still says NEW. Cancelling
	// it returns gone; the slot is treated as free.
	sim.MarkFilled(working[0].OrderID)

	desired[model.SlotStopLoss] = spec(model.SlotStopLoss, model.Sell, "97", 100)
	working, err = r.Reconcile(context.Background(), testPosition(), desired, working)
	require.NoError(t, err)
	require.Len(t, working, 1)
	require.True(t, working[0].Price.Equal(decimal.NewFromInt(97)))
}

func TestReconcileLeavesOtherInstrumentsAlone(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)

	other := model.WorkingOrder{
		OrderID:      "other-1",
		AccountID:    "acc-1",
		InstrumentID: "GAZP",
		Slot:         model.SlotStopLoss,
		Side:         model.Sell,
		Price:        decimal.NewFromInt(50),
		Quantity:     10,
		Status:       model.StatusNew,
	}

	working, err := r.Reconcile(context.Background(), testPosition(), map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
	}, []model.WorkingOrder{other})
	require.NoError(t, err)
	require.Len(t, working, 2)

	found := false
	for _, o := range working {
		if o.OrderID == "other-1" {
			found = true
		}
	}
	require.True(t, found, "foreign-instrument order must pass through untouched")
}

func TestReconcileMultiTPSlots(t *testing.T) {
	sim := broker.NewSim()
	r := newTestReconciler(sim)

	desired := map[string]model.ProtectiveOrderSpec{
		model.SlotStopLoss: spec(model.SlotStopLoss, model.Sell, "98", 100),
		model.TPSlot(1):    spec(model.TPSlot(1), model.Sell, "101", 25),
		model.TPSlot(2):    spec(model.TPSlot(2), model.Sell, "102", 25),
		model.TPSlot(3):    spec(model.TPSlot(3), model.Sell, "103", 50),
	}
	working, err := r.Reconcile(context.Background(), testPosition(), desired, nil)
	require.NoError(t, err)
	require.Len(t, working, 4)
	require.Len(t, sim.LiveOrders("acc-1"), 4)

	// Drop one ladder level: only that slot's order goes away.
	delete(desired, model.TPSlot(2))
	working, err = r.Reconcile(context.Background(), testPosition(), desired, working)
	require.NoError(t, err)
	require.Len(t, working, 3)
	for _, o := range working {
		require.NotEqual(t, model.TPSlot(2), o.Slot)
	}
}

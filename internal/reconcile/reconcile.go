// Package reconcile diffs the desired protective-order set against the
// broker's working orders and applies the difference: cancel first, then
// place. Per-slot: at most one live order, and a replacement is never
// placed while the old order could still be live.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/protect-engine/internal/broker"
	"github.com/atmx/protect-engine/internal/metrics"
	"github.com/atmx/protect-engine/internal/model"
	"github.com/atmx/protect-engine/internal/notify"
	"github.com/atmx/protect-engine/internal/store"
)

// Reconciler turns desired-vs-working diffs into broker operations.
type Reconciler struct {
	broker   broker.Broker
	store    store.Store
	notifier notify.Notifier

	// MaxAttempts bounds place retries per slot per pass.
	MaxAttempts int

	// CallTimeout bounds each individual broker call.
	CallTimeout time.Duration

	// RetryDelay separates retry attempts.
	RetryDelay time.Duration
}

// New creates a reconciler with default retry policy.
func New(b broker.Broker, st store.Store, n notify.Notifier) *Reconciler {
	return &Reconciler{
		broker:      b,
		store:       st,
		notifier:    n,
		MaxAttempts: 3,
		CallTimeout: 10 * time.Second,
		RetryDelay:  500 * time.Millisecond,
	}
}

// Reconcile makes the broker's working orders for pos's instrument match
// desired. working is the caller's cached view; stale entries (cancelled,
// filled, rejected) are treated as absent. Returns the updated working
// view. An error means some operation failed even after retries; the
// caller keeps its event ordering and will converge on the next pass.
func (r *Reconciler) Reconcile(ctx context.Context, pos model.Position, desired map[string]model.ProtectiveOrderSpec, working []model.WorkingOrder) ([]model.WorkingOrder, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	meta, err := r.broker.InstrumentMetadata(ctx, pos.InstrumentID)
	if err != nil {
		return working, fmt.Errorf("reconcile %s: metadata: %w", pos.InstrumentID, err)
	}

	// Live orders by slot. Untagged orders are never ours to touch.
	live := make(map[string]model.WorkingOrder)
	var passthrough []model.WorkingOrder
	for _, order := range working {
		if order.InstrumentID != pos.InstrumentID {
			passthrough = append(passthrough, order)
			continue
		}
		if !order.Status.Live() || order.Slot == "" {
			continue
		}
		live[order.Slot] = order
	}

	var (
		cancelled int
		placed    int
		firstErr  error
	)

	// Phase 1: cancels. A slot whose working order no longer matches its
	// desired spec is cleared before anything new is placed for it.
	for slot, order := range live {
		spec, want := desired[slot]
		if want && matches(order, spec, meta.PriceStep) {
			continue
		}
		if err := r.cancel(ctx, order); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			// Keep the order in the view; it may still be live.
			continue
		}
		cancelled++
		order.Status = model.StatusCancelled
		order.UpdatedAt = time.Now().UTC()
		r.persistOrder(ctx, order)
		delete(live, slot)
	}

	// Phase 2: places for empty slots.
	for slot, spec := range desired {
		if _, occupied := live[slot]; occupied {
			continue
		}
		order, err := r.place(ctx, pos, spec)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		placed++
		live[slot] = order
		r.persistOrder(ctx, order)
	}

	if cancelled > 0 || placed > 0 {
		slog.Info("reconciled protective orders",
			"account", pos.AccountID, "instrument", pos.InstrumentID,
			"cancelled", cancelled, "placed", placed, "slots", len(desired))
		r.notifier.Notify(notify.KindOrdersReconciled, map[string]any{
			"account":    pos.AccountID,
			"instrument": pos.InstrumentID,
			"cancelled":  cancelled,
			"placed":     placed,
		})
	}

	updated := passthrough
	for _, order := range live {
		updated = append(updated, order)
	}
	return updated, firstErr
}

// matches reports whether a live working order satisfies the desired spec
// closely enough to skip re-placement: same side and quantity, price and
// activation price each within one price step. One step absorbs rounding
// drift without masking genuine settings changes.
func matches(order model.WorkingOrder, spec model.ProtectiveOrderSpec, priceStep decimal.Decimal) bool {
	if order.Side != spec.Side || order.Quantity != spec.Quantity {
		return false
	}
	return withinStep(order.Price, spec.Price, priceStep) &&
		withinStep(order.ActivationPrice, spec.ActivationPrice, priceStep)
}

func withinStep(a, b, priceStep decimal.Decimal) bool {
	if priceStep.IsZero() {
		return a.Equal(b)
	}
	return a.Sub(b).Abs().LessThanOrEqual(priceStep)
}

func (r *Reconciler) cancel(ctx context.Context, order model.WorkingOrder) error {
	callCtx, cancel := context.WithTimeout(ctx, r.CallTimeout)
	defer cancel()

	err := r.broker.CancelOrder(callCtx, order.OrderID)
	switch {
	case err == nil:
		metrics.OrdersCancelled.Inc()
		return nil
	case errors.Is(err, broker.ErrOrderGone):
		// Already filled or removed; the slot is free either way.
		metrics.OrdersCancelled.Inc()
		return nil
	default:
		return fmt.Errorf("cancel %s slot %s: %w", order.OrderID, order.Slot, err)
	}
}

func (r *Reconciler) place(ctx context.Context, pos model.Position, spec model.ProtectiveOrderSpec) (model.WorkingOrder, error) {
	req := model.OrderRequest{
		AccountID:       pos.AccountID,
		InstrumentID:    pos.InstrumentID,
		Side:            spec.Side,
		Price:           spec.Price,
		Quantity:        spec.Quantity,
		ActivationPrice: spec.ActivationPrice,
		Tag:             model.OrderTag(pos.AccountID, pos.InstrumentID, spec.Slot),
	}

	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.CallTimeout)
		orderID, err := r.broker.PlaceOrder(callCtx, req)
		cancel()
		if err == nil {
			metrics.OrdersPlaced.WithLabelValues(slotKind(spec.Slot)).Inc()
			return model.WorkingOrder{
				OrderID:         orderID,
				AccountID:       pos.AccountID,
				InstrumentID:    pos.InstrumentID,
				Slot:            spec.Slot,
				Side:            spec.Side,
				Price:           spec.Price,
				Quantity:        spec.Quantity,
				ActivationPrice: spec.ActivationPrice,
				Status:          model.StatusNew,
				UpdatedAt:       time.Now().UTC(),
			}, nil
		}

		lastErr = err
		if attempt < r.MaxAttempts {
			metrics.OrderRetries.Inc()
			slog.Warn("place failed, retrying",
				"instrument", pos.InstrumentID, "slot", spec.Slot,
				"attempt", attempt, "err", err)
			select {
			case <-time.After(r.RetryDelay):
			case <-ctx.Done():
				return model.WorkingOrder{}, ctx.Err()
			}
		}
	}
	return model.WorkingOrder{}, fmt.Errorf("place slot %s after %d attempts: %w", spec.Slot, r.MaxAttempts, lastErr)
}

func (r *Reconciler) persistOrder(ctx context.Context, order model.WorkingOrder) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertWorkingOrder(ctx, order); err != nil {
		// Persistence is recovery-only; a write failure must not stall
		// reconciliation.
		slog.Warn("persist working order failed", "order", order.OrderID, "err", err)
	}
}

// slotKind collapses multi-TP slots into one metric label.
func slotKind(slot string) string {
	if slot == model.SlotStopLoss {
		return "SL"
	}
	return "TP"
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/protect-engine/internal/broker"
	"github.com/atmx/protect-engine/internal/metrics"
)

// Sweeper periodically cancels tagged protective orders whose position is
// gone. Normally the reconciler cleans up on close; the sweeper catches
// what survives a crash between fill and cancel.
type Sweeper struct {
	Engine   *Engine
	Broker   broker.Broker
	Interval time.Duration
}

// NewSweeper wires a sweeper to an engine with the default period.
func NewSweeper(e *Engine, b broker.Broker) *Sweeper {
	return &Sweeper{Engine: e, Broker: b, Interval: 30 * time.Minute}
}

// Run sweeps on the configured interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				slog.Warn("orphan sweep failed", "err", err)
			} else if n > 0 {
				slog.Info("orphan orders swept", "count", n)
			}
		}
	}
}

// Sweep cancels every live tagged order that has no open position behind
// it, returning how many were cancelled. Untagged orders are ignored:
// they belong to the user, not to us.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	accountID := s.Engine.AccountID()
	orders, err := s.Broker.WorkingOrders(ctx, accountID)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, order := range orders {
		if !order.Status.Live() || order.Slot == "" {
			continue
		}
		if pos, ok := s.Engine.Ledger().Position(order.InstrumentID); ok && pos.Open() {
			continue
		}
		if err := s.Broker.CancelOrder(ctx, order.OrderID); err != nil && !errors.Is(err, broker.ErrOrderGone) {
			slog.Warn("orphan cancel failed", "order", order.OrderID, "err", err)
			continue
		}
		// ErrOrderGone counts as swept: the order is off the book either way.
		metrics.OrdersCancelled.Inc()
		swept++
		slog.Info("orphan order cancelled",
			"order", order.OrderID,
			"instrument", order.InstrumentID,
			"slot", order.Slot)
	}
	return swept, nil
}

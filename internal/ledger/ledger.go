// Package ledger holds the authoritative open-position state for one
// account session and applies execution events to it. Apply is the only
// mutation path; everything else reads value-copy snapshots. Callers are
// expected to serialize Apply per instrument (the engine's per-key
// workers); the internal lock only guards cross-instrument reads from the
// API surface.
package ledger

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/protect-engine/internal/metrics"
	"github.com/atmx/protect-engine/internal/model"
)

// Result reports what one execution event did to the ledger.
type Result struct {
	// Snapshot is the position after the event.
	Snapshot model.Position

	// NoOp is set for duplicate execution IDs and integrity rejects; the
	// snapshot is then the unchanged position.
	NoOp bool

	// Reversal is set when the fill crossed zero and was split into an
	// explicit close followed by an open in the opposite direction.
	Reversal bool

	// Transitions lists each observable position transition the event
	// produced: one entry normally, two (FLAT close, then new open) for a
	// reversal. Empty for a NoOp.
	Transitions []model.Position
}

// Ledger tracks positions for a single account.
type Ledger struct {
	accountID string

	mu        sync.RWMutex
	positions map[string]model.Position // instrumentID → position
	seen      map[string]struct{}       // execution IDs already applied
}

// New creates an empty ledger for accountID. Positions that existed before
// the session started are deliberately not adopted.
func New(accountID string) *Ledger {
	return &Ledger{
		accountID: accountID,
		positions: make(map[string]model.Position),
		seen:      make(map[string]struct{}),
	}
}

// AccountID returns the account this ledger is scoped to.
func (l *Ledger) AccountID() string { return l.accountID }

// Apply folds one execution event into the position state.
//
// Same-direction fills extend the position with a volume-weighted average
// price. Reducing fills shrink quantity and keep the average. A reducing
// fill larger than the position is a reversal-risk condition: the position
// is clamped closed at exactly zero and the excess opens a new position in
// the opposite direction at the fill price: two explicit transitions,
// never a silent sign flip.
func (l *Ledger) Apply(ev model.ExecutionEvent) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.positions[ev.InstrumentID]
	pos.AccountID = l.accountID
	pos.InstrumentID = ev.InstrumentID
	if pos.Direction == "" {
		pos.Direction = model.Flat
	}

	if ev.FillQuantity <= 0 {
		slog.Warn("rejecting execution with non-positive quantity",
			"execution", ev.ExecutionID, "instrument", ev.InstrumentID, "quantity", ev.FillQuantity)
		metrics.ExecutionsInvalid.Inc()
		return Result{Snapshot: pos, NoOp: true}
	}

	if _, dup := l.seen[ev.ExecutionID]; dup {
		metrics.ExecutionsDuplicate.Inc()
		return Result{Snapshot: pos, NoOp: true}
	}
	l.seen[ev.ExecutionID] = struct{}{}

	fillDir := model.Long
	if ev.Side == model.Sell {
		fillDir = model.Short
	}

	var res Result
	switch {
	case pos.Direction == model.Flat || pos.Direction == fillDir:
		// Open or extend.
		pos = extend(pos, ev, fillDir)
		res.Transitions = []model.Position{pos}

	case ev.FillQuantity <= pos.Quantity:
		// Reduce (possibly to exactly zero).
		pos.Quantity -= ev.FillQuantity
		pos.LastExecID = ev.ExecutionID
		pos.UpdatedAt = ev.ReceivedAt
		if pos.Quantity == 0 {
			pos.Direction = model.Flat
			pos.AveragePrice = decimal.Zero
		}
		res.Transitions = []model.Position{pos}

	default:
		// Reversal: clamp to flat, then open the excess opposite.
		excess := ev.FillQuantity - pos.Quantity
		closed := pos
		closed.Quantity = 0
		closed.Direction = model.Flat
		closed.AveragePrice = decimal.Zero
		closed.LastExecID = ev.ExecutionID
		closed.UpdatedAt = ev.ReceivedAt

		reopened := model.Position{
			AccountID:    l.accountID,
			InstrumentID: ev.InstrumentID,
			Direction:    fillDir,
			Quantity:     excess,
			AveragePrice: ev.FillPrice,
			LastExecID:   ev.ExecutionID,
			UpdatedAt:    ev.ReceivedAt,
		}

		slog.Warn("fill crossed zero, splitting into close + open",
			"execution", ev.ExecutionID, "instrument", ev.InstrumentID,
			"closed_qty", pos.Quantity, "reopened_qty", excess, "new_direction", fillDir)

		pos = reopened
		res.Reversal = true
		res.Transitions = []model.Position{closed, reopened}
	}

	if pos.Open() {
		l.positions[ev.InstrumentID] = pos
	} else {
		delete(l.positions, ev.InstrumentID)
	}
	metrics.ActivePositions.Set(float64(len(l.positions)))
	metrics.ExecutionsTotal.WithLabelValues(string(ev.Side)).Inc()

	res.Snapshot = pos
	return res
}

func extend(pos model.Position, ev model.ExecutionEvent, dir model.Direction) model.Position {
	newQty := pos.Quantity + ev.FillQuantity
	if pos.Quantity == 0 {
		pos.AveragePrice = ev.FillPrice
	} else {
		oldNotional := pos.AveragePrice.Mul(decimal.NewFromInt(pos.Quantity))
		fillNotional := ev.FillPrice.Mul(decimal.NewFromInt(ev.FillQuantity))
		pos.AveragePrice = oldNotional.Add(fillNotional).Div(decimal.NewFromInt(newQty))
	}
	pos.Quantity = newQty
	pos.Direction = dir
	pos.LastExecID = ev.ExecutionID
	pos.UpdatedAt = ev.ReceivedAt
	return pos
}

// Position returns a snapshot of one position and whether it is open.
func (l *Ledger) Position(instrumentID string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[instrumentID]
	return pos, ok
}

// Positions returns snapshots of all open positions.
func (l *Ledger) Positions() []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	return out
}

package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/protect-engine/internal/ledger"
	"github.com/atmx/protect-engine/internal/model"
)

func fill(execID string, side model.Side, qty int64, price float64) model.ExecutionEvent {
	return model.ExecutionEvent{
		ExecutionID:  execID,
		AccountID:    "acc",
		InstrumentID: "INST",
		Side:         side,
		FillPrice:    decimal.NewFromFloat(price),
		FillQuantity: qty,
		ReceivedAt:   time.Now().UTC(),
	}
}

func TestApply_OpensPosition(t *testing.T) {
	l := ledger.New("acc")

	res := l.Apply(fill("e1", model.Buy, 100, 100.0))

	require.False(t, res.NoOp)
	assert.Equal(t, model.Long, res.Snapshot.Direction)
	assert.EqualValues(t, 100, res.Snapshot.Quantity)
	assert.True(t, res.Snapshot.AveragePrice.Equal(decimal.NewFromFloat(100.0)))
	assert.Len(t, res.Transitions, 1)
}

func TestApply_DuplicateExecutionIsNoOp(t *testing.T) {
	l := ledger.New("acc")
	first := l.Apply(fill("e1", model.Buy, 100, 100.0))

	second := l.Apply(fill("e1", model.Buy, 100, 100.0))

	require.True(t, second.NoOp)
	assert.Empty(t, second.Transitions)
	assert.Equal(t, first.Snapshot, second.Snapshot)

	pos, ok := l.Position("INST")
	require.True(t, ok)
	assert.EqualValues(t, 100, pos.Quantity)
}

func TestApply_ExtendAveragesPrice(t *testing.T) {
	// LONG 100@100.0 plus BUY 50@110.0 ⇒ 150 @ (100×100 + 50×110)/150.
	l := ledger.New("acc")
	l.Apply(fill("e1", model.Buy, 100, 100.0))

	res := l.Apply(fill("e2", model.Buy, 50, 110.0))

	assert.EqualValues(t, 150, res.Snapshot.Quantity)
	want := decimal.NewFromInt(15500).Div(decimal.NewFromInt(150))
	assert.True(t, res.Snapshot.AveragePrice.Equal(want),
		"avg = %s, want %s", res.Snapshot.AveragePrice, want)
}

func TestApply_ReduceKeepsAverage(t *testing.T) {
	l := ledger.New("acc")
	l.Apply(fill("e1", model.Buy, 100, 100.0))

	res := l.Apply(fill("e2", model.Sell, 40, 120.0))

	assert.EqualValues(t, 60, res.Snapshot.Quantity)
	assert.Equal(t, model.Long, res.Snapshot.Direction)
	assert.True(t, res.Snapshot.AveragePrice.Equal(decimal.NewFromFloat(100.0)),
		"reducing fill must not move the average")
}

func TestApply_ExactCloseGoesFlat(t *testing.T) {
	l := ledger.New("acc")
	l.Apply(fill("e1", model.Buy, 100, 100.0))

	res := l.Apply(fill("e2", model.Sell, 100, 105.0))

	assert.Equal(t, model.Flat, res.Snapshot.Direction)
	assert.EqualValues(t, 0, res.Snapshot.Quantity)
	_, open := l.Position("INST")
	assert.False(t, open, "closed position should leave the ledger")
}

func TestApply_ReversalSplitsCloseThenOpen(t *testing.T) {
	// LONG 100@100.0 then SELL 150 ⇒ FLAT transition followed by SHORT 50
	// at the fill price, never one LONG→SHORT step.
	l := ledger.New("acc")
	l.Apply(fill("e1", model.Buy, 100, 100.0))

	res := l.Apply(fill("e2", model.Sell, 150, 95.0))

	require.True(t, res.Reversal)
	require.Len(t, res.Transitions, 2)

	closed := res.Transitions[0]
	assert.Equal(t, model.Flat, closed.Direction)
	assert.EqualValues(t, 0, closed.Quantity)

	reopened := res.Transitions[1]
	assert.Equal(t, model.Short, reopened.Direction)
	assert.EqualValues(t, 50, reopened.Quantity)
	assert.True(t, reopened.AveragePrice.Equal(decimal.NewFromFloat(95.0)))

	assert.Equal(t, reopened, res.Snapshot)
}

func TestApply_NoDirectionChangeWithoutFlat(t *testing.T) {
	// Reversal safety over a random-ish fill sequence: every observed
	// transition either keeps direction or passes through FLAT.
	l := ledger.New("acc")
	seq := []model.ExecutionEvent{
		fill("e1", model.Buy, 10, 100),
		fill("e2", model.Sell, 4, 101),
		fill("e3", model.Sell, 20, 99), // crosses zero: close 6, open SHORT 14
		fill("e4", model.Buy, 14, 98),  // exact close
		fill("e5", model.Sell, 14, 97), // fresh SHORT
		fill("e6", model.Buy, 7, 96),   // partial cover
	}

	prev := model.Flat
	for _, ev := range seq {
		res := l.Apply(ev)
		for _, tr := range res.Transitions {
			if tr.Direction != prev && tr.Direction != model.Flat && prev != model.Flat {
				t.Fatalf("direction changed %s→%s without FLAT (exec %s)", prev, tr.Direction, ev.ExecutionID)
			}
			prev = tr.Direction
		}
	}
}

func TestApply_RejectsNonPositiveQuantity(t *testing.T) {
	l := ledger.New("acc")

	res := l.Apply(fill("e1", model.Buy, 0, 100.0))

	require.True(t, res.NoOp)
	_, open := l.Position("INST")
	assert.False(t, open)
}

func TestPositions_SnapshotIsolation(t *testing.T) {
	l := ledger.New("acc")
	l.Apply(fill("e1", model.Buy, 10, 100.0))

	snaps := l.Positions()
	require.Len(t, snaps, 1)
	snaps[0].Quantity = 999 // mutating the snapshot must not touch the ledger

	pos, _ := l.Position("INST")
	assert.EqualValues(t, 10, pos.Quantity)
}

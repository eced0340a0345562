package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/protect-engine/internal/broker"
	"github.com/atmx/protect-engine/internal/model"
	"github.com/atmx/protect-engine/internal/notify"
)

type recordingHandler struct {
	mu         sync.Mutex
	executions []model.ExecutionEvent
	portfolios []broker.PortfolioChange
}

func (h *recordingHandler) HandleExecution(ev model.ExecutionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executions = append(h.executions, ev)
}

func (h *recordingHandler) HandlePortfolio(pc broker.PortfolioChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.portfolios = append(h.portfolios, pc)
}

func (h *recordingHandler) executionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.executions)
}

func (h *recordingHandler) portfolioCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.portfolios)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Minute)
	require.Equal(t, time.Second, b.Next())
	require.Equal(t, 2*time.Second, b.Next())
	require.Equal(t, 4*time.Second, b.Next())
	for i := 0; i < 20; i++ {
		b.Next()
	}
	require.Equal(t, 5*time.Minute, b.Next())
	b.Reset()
	require.Equal(t, time.Second, b.Next())
	require.Equal(t, 1, b.Attempts())
}

func TestIngestorDeliversEvents(t *testing.T) {
	sim := broker.NewSim()
	h := &recordingHandler{}
	in := NewIngestor(sim, h, notify.Discard)

	in.Start(context.Background(), "acc-1")
	defer in.Stop()

	// Subscription set-up races the emit; wait for the subscriber.
	waitFor(t, func() bool {
		sim.EmitHeartbeat()
		sim.EmitExecution(model.ExecutionEvent{
			ExecutionID:  "e1",
			AccountID:    "acc-1",
			InstrumentID: "SBER",
			Side:         model.Buy,
			FillPrice:    decimal.NewFromInt(100),
			FillQuantity: 10,
		})
		return h.executionCount() > 0
	}, "execution never reached handler")

	sim.EmitPortfolio(broker.PortfolioChange{
		AccountID:    "acc-1",
		InstrumentID: "SBER",
		Direction:    model.Long,
		Quantity:     10,
	})
	waitFor(t, func() bool { return h.portfolioCount() > 0 }, "portfolio never reached handler")
}

func TestIngestorReconnectsAfterDrop(t *testing.T) {
	sim := broker.NewSim()
	h := &recordingHandler{}
	in := NewIngestor(sim, h, notify.Discard)
	in.backoff = NewBackoff(time.Millisecond, 10*time.Millisecond)

	in.Start(context.Background(), "acc-1")
	defer in.Stop()

	waitFor(t, func() bool {
		sim.EmitExecution(model.ExecutionEvent{
			ExecutionID: "e1", AccountID: "acc-1", InstrumentID: "SBER",
			Side: model.Buy, FillPrice: decimal.NewFromInt(100), FillQuantity: 1,
		})
		return h.executionCount() > 0
	}, "no delivery before drop")

	sim.DropConnections(errors.New("network partition"))

	// After reconnect, a fresh execution must still arrive.
	waitFor(t, func() bool {
		sim.EmitExecution(model.ExecutionEvent{
			ExecutionID: "e2", AccountID: "acc-1", InstrumentID: "SBER",
			Side: model.Buy, FillPrice: decimal.NewFromInt(101), FillQuantity: 1,
		})
		return h.executionCount() >= 2
	}, "no delivery after reconnect")
}

type failingBroker struct {
	*broker.Sim
	mu    sync.Mutex
	fails int
}

func (f *failingBroker) Subscribe(ctx context.Context, accountID string) (*broker.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails++
	return nil, errors.New("connection refused")
}

func TestIngestorFatalAfterBudget(t *testing.T) {
	fb := &failingBroker{Sim: broker.NewSim()}
	h := &recordingHandler{}
	in := NewIngestor(fb, h, notify.Discard)
	in.MaxAttempts = 3
	in.backoff = NewBackoff(time.Millisecond, 2*time.Millisecond)

	fatal := make(chan error, 1)
	in.OnFatal = func(err error) { fatal <- err }

	in.Start(context.Background(), "acc-1")
	defer in.Stop()

	select {
	case err := <-fatal:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal never fired")
	}

	// Initial connect plus three budgeted reconnects.
	fb.mu.Lock()
	attempts := fb.fails
	fb.mu.Unlock()
	require.Equal(t, 4, attempts)
}

func TestIngestorStopIsIdempotent(t *testing.T) {
	sim := broker.NewSim()
	in := NewIngestor(sim, &recordingHandler{}, notify.Discard)

	in.Stop() // never started

	in.Start(context.Background(), "acc-1")
	in.Stop()
	in.Stop()
}

func TestIngestorWatchdogForcesReconnect(t *testing.T) {
	sim := broker.NewSim()
	h := &recordingHandler{}
	in := NewIngestor(sim, h, notify.Discard)
	in.SilenceLimit = 20 * time.Millisecond
	in.WatchdogPeriod = 5 * time.Millisecond
	in.backoff = NewBackoff(time.Millisecond, 2*time.Millisecond)

	in.Start(context.Background(), "acc-1")
	defer in.Stop()

	// Say nothing; the watchdog should cut and re-establish the
	// subscription, after which delivery still works.
	time.Sleep(50 * time.Millisecond)

	waitFor(t, func() bool {
		sim.EmitExecution(model.ExecutionEvent{
			ExecutionID: "e1", AccountID: "acc-1", InstrumentID: "SBER",
			Side: model.Buy, FillPrice: decimal.NewFromInt(100), FillQuantity: 1,
		})
		return h.executionCount() > 0
	}, "no delivery after watchdog reconnect")
}

// Package engine drives the protective-order pipeline for one account:
// executions mutate the position ledger, the settings resolver and risk
// calculator derive the desired protective set, and the reconciler makes
// the broker match it. Work is serialized per instrument so no two
// updates for the same position ever interleave.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/atmx/protect-engine/internal/broker"
	"github.com/atmx/protect-engine/internal/ledger"
	"github.com/atmx/protect-engine/internal/metrics"
	"github.com/atmx/protect-engine/internal/model"
	"github.com/atmx/protect-engine/internal/notify"
	"github.com/atmx/protect-engine/internal/reconcile"
	"github.com/atmx/protect-engine/internal/risk"
	"github.com/atmx/protect-engine/internal/settings"
	"github.com/atmx/protect-engine/internal/store"
)

const mailboxDepth = 256

// Engine owns the pipeline for a single account.
type Engine struct {
	accountID  string
	broker     broker.Broker
	meta       *broker.MetaCache
	store      store.Store
	resolver   *settings.Resolver
	reconciler *reconcile.Reconciler
	notifier   notify.Notifier
	ledger     *ledger.Ledger

	mu      sync.RWMutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// New builds an engine for accountID. The ledger starts empty: positions
// opened before this engine existed are not adopted.
func New(accountID string, b broker.Broker, st store.Store, resolver *settings.Resolver, n notify.Notifier) *Engine {
	return &Engine{
		accountID:  accountID,
		broker:     b,
		meta:       broker.NewMetaCache(b),
		store:      st,
		resolver:   resolver,
		reconciler: reconcile.New(b, st, n),
		notifier:   n,
		ledger:     ledger.New(accountID),
		workers:    make(map[string]*worker),
	}
}

// AccountID returns the account this engine serves.
func (e *Engine) AccountID() string { return e.accountID }

// Ledger exposes the position ledger for read-only callers.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Submit routes an execution to its instrument worker. Events for other
// accounts are dropped with a log line; the gateway should never send
// them.
func (e *Engine) Submit(ev model.ExecutionEvent) {
	if ev.AccountID != e.accountID {
		slog.Warn("execution for foreign account dropped",
			"got", ev.AccountID, "want", e.accountID)
		metrics.ExecutionsInvalid.Inc()
		return
	}
	e.submit(ev.InstrumentID, task{kind: taskExecution, ev: ev})
}

// HandleExecution feeds the stream ingestor into Submit.
func (e *Engine) HandleExecution(ev model.ExecutionEvent) { e.Submit(ev) }

// HandlePortfolio cross-checks a broker-reported position against the
// ledger and raises a discrepancy notification on mismatch. It never
// mutates the ledger: executions are the only source of truth.
func (e *Engine) HandlePortfolio(pc broker.PortfolioChange) {
	if pc.AccountID != e.accountID {
		return
	}
	pos, ok := e.ledger.Position(pc.InstrumentID)

	ledgerQty := int64(0)
	ledgerDir := model.Flat
	if ok && pos.Open() {
		ledgerQty = pos.Quantity
		ledgerDir = pos.Direction
	}
	if ledgerQty == pc.Quantity && ledgerDir == pc.Direction {
		return
	}
	slog.Warn("portfolio diverges from ledger",
		"instrument", pc.InstrumentID,
		"ledger_qty", ledgerQty, "ledger_dir", ledgerDir,
		"broker_qty", pc.Quantity, "broker_dir", pc.Direction)
	e.notifier.Notify(notify.KindPositionDiscrepancy, map[string]any{
		"account":          e.accountID,
		"instrument":       pc.InstrumentID,
		"ledger_quantity":  ledgerQty,
		"ledger_direction": string(ledgerDir),
		"broker_quantity":  pc.Quantity,
		"broker_direction": string(pc.Direction),
	})
}

// ForceRecalculate re-derives and re-reconciles protective orders for
// every open position, and waits for all workers to finish doing so.
// Used after settings changes.
func (e *Engine) ForceRecalculate(ctx context.Context) error {
	var barriers []chan struct{}
	for _, pos := range e.ledger.Positions() {
		done := make(chan struct{})
		e.submit(pos.InstrumentID, task{kind: taskRecalculate, done: done})
		barriers = append(barriers, done)
	}
	return awaitAll(ctx, barriers)
}

// Drain waits until every queued event has been fully processed,
// protective orders included. New events submitted after Drain begins
// are not covered.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.RLock()
	instruments := make([]string, 0, len(e.workers))
	for id := range e.workers {
		instruments = append(instruments, id)
	}
	e.mu.RUnlock()

	var barriers []chan struct{}
	for _, id := range instruments {
		done := make(chan struct{})
		e.submit(id, task{kind: taskBarrier, done: done})
		barriers = append(barriers, done)
	}
	return awaitAll(ctx, barriers)
}

// Close stops all workers after their queues drain. The engine accepts
// no events afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, w := range e.workers {
		close(w.mailbox)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

type taskKind int

const (
	taskExecution taskKind = iota
	taskRecalculate
	taskBarrier
)

type task struct {
	kind taskKind
	ev   model.ExecutionEvent
	done chan struct{}
}

type worker struct {
	instrumentID string
	mailbox      chan task
}

// submit hands a task to the instrument's worker, spawning it on first
// use. The send happens under the read lock so Close cannot close a
// mailbox mid-send.
func (e *Engine) submit(instrumentID string, t task) {
	e.mu.RLock()
	w, ok := e.workers[instrumentID]
	if !ok && !e.closed {
		e.mu.RUnlock()
		e.spawnWorker(instrumentID)
		e.mu.RLock()
		w = e.workers[instrumentID]
	}
	if e.closed || w == nil {
		e.mu.RUnlock()
		if t.done != nil {
			close(t.done)
		}
		return
	}
	// Blocking send keeps per-instrument ordering under backpressure.
	w.mailbox <- t
	e.mu.RUnlock()
}

func (e *Engine) spawnWorker(instrumentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.workers[instrumentID]; ok {
		return
	}
	w := &worker{instrumentID: instrumentID, mailbox: make(chan task, mailboxDepth)}
	e.workers[instrumentID] = w
	e.wg.Add(1)
	metrics.ActiveWorkers.Inc()
	go e.runWorker(w)
}

func (e *Engine) runWorker(w *worker) {
	defer e.wg.Done()
	defer metrics.ActiveWorkers.Dec()

	// Broker view of working orders, refreshed lazily and then mutated
	// only by reconcile results.
	var (
		working []model.WorkingOrder
		synced  bool
	)

	for t := range w.mailbox {
		switch t.kind {
		case taskExecution:
			working, synced = e.applyExecution(t.ev, working, synced)
		case taskRecalculate:
			working, synced = e.recalculate(w.instrumentID, working, synced)
		case taskBarrier:
		}
		if t.done != nil {
			close(t.done)
		}
	}
}

func (e *Engine) applyExecution(ev model.ExecutionEvent, working []model.WorkingOrder, synced bool) ([]model.WorkingOrder, bool) {
	res := e.ledger.Apply(ev)
	if res.NoOp {
		return working, synced
	}

	ctx := context.Background()
	for _, snapshot := range res.Transitions {
		e.notifyTransition(snapshot, res.Reversal)
		e.persistPosition(ctx, snapshot)
	}

	return e.reconcilePosition(ctx, res.Snapshot, working, synced)
}

func (e *Engine) recalculate(instrumentID string, working []model.WorkingOrder, synced bool) ([]model.WorkingOrder, bool) {
	pos, ok := e.ledger.Position(instrumentID)
	if !ok {
		pos = model.Position{
			AccountID:    e.accountID,
			InstrumentID: instrumentID,
			Direction:    model.Flat,
		}
	}
	return e.reconcilePosition(context.Background(), pos, working, synced)
}

func (e *Engine) reconcilePosition(ctx context.Context, pos model.Position, working []model.WorkingOrder, synced bool) ([]model.WorkingOrder, bool) {
	if !synced {
		fresh, err := e.broker.WorkingOrders(ctx, e.accountID)
		if err != nil {
			slog.Warn("working orders fetch failed", "instrument", pos.InstrumentID, "err", err)
		} else {
			working = filterInstrument(fresh, pos.InstrumentID)
			synced = true
		}
	}

	desired, err := e.desiredOrders(ctx, pos)
	if err != nil {
		slog.Error("desired order derivation failed",
			"instrument", pos.InstrumentID, "err", err)
		return working, synced
	}

	updated, err := e.reconciler.Reconcile(ctx, pos, desired, working)
	if err != nil {
		slog.Error("reconcile failed", "instrument", pos.InstrumentID, "err", err)
		// Force a fresh broker view next time; our cache may be stale.
		return updated, false
	}
	return updated, synced
}

func (e *Engine) desiredOrders(ctx context.Context, pos model.Position) (map[string]model.ProtectiveOrderSpec, error) {
	if !pos.Open() {
		return nil, nil
	}
	meta, err := e.meta.Get(ctx, pos.InstrumentID)
	if err != nil {
		return nil, err
	}
	eff := e.resolver.Resolve(ctx, pos.AccountID, pos.InstrumentID, meta.Class)
	return risk.DeriveDesiredOrders(pos, eff, meta), nil
}

func (e *Engine) notifyTransition(pos model.Position, reversal bool) {
	kind := notify.KindPositionOpened
	switch {
	case !pos.Open():
		kind = notify.KindPositionClosed
	case reversal:
		kind = notify.KindPositionReversed
	}
	e.notifier.Notify(kind, map[string]any{
		"account":    pos.AccountID,
		"instrument": pos.InstrumentID,
		"direction":  string(pos.Direction),
		"quantity":   pos.Quantity,
		"avg_price":  pos.AveragePrice.String(),
	})
}

func (e *Engine) persistPosition(ctx context.Context, pos model.Position) {
	if e.store == nil {
		return
	}
	var err error
	if pos.Open() {
		err = e.store.UpsertPosition(ctx, pos)
	} else {
		err = e.store.DeletePosition(ctx, pos.AccountID, pos.InstrumentID)
	}
	if err != nil {
		slog.Warn("persist position failed",
			"instrument", pos.InstrumentID, "err", err)
	}
}

func filterInstrument(orders []model.WorkingOrder, instrumentID string) []model.WorkingOrder {
	var out []model.WorkingOrder
	for _, o := range orders {
		if o.InstrumentID == instrumentID {
			out = append(out, o)
		}
	}
	return out
}

func awaitAll(ctx context.Context, barriers []chan struct{}) error {
	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
